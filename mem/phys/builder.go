package phys

import (
	"log"

	"golang.org/x/sys/unix"

	"github.com/sarchlab/vmserver/mem/vm"
)

// ArenaBuilder can build arenas.
type ArenaBuilder struct {
	totalPages int
}

// MakeArenaBuilder creates an ArenaBuilder with default parameters.
func MakeArenaBuilder() ArenaBuilder {
	return ArenaBuilder{
		totalPages: 1024,
	}
}

// WithTotalPages sets the number of pages of physical memory.
func (b ArenaBuilder) WithTotalPages(n int) ArenaBuilder {
	b.totalPages = n
	return b
}

// Build creates a new arena. It panics if the host refuses the mapping.
func (b ArenaBuilder) Build(name string) *Arena {
	if b.totalPages <= 0 {
		log.Panicf("arena %s must have at least one page", name)
	}

	size := b.totalPages * vm.PageSize

	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		log.Panicf("mapping %d bytes for arena %s: %v", size, name, err)
	}

	return &Arena{
		name:       name,
		mem:        mem,
		totalPages: b.totalPages,
		free:       []untypedRange{{start: 0, pages: b.totalPages}},
		retyped:    make(map[PAddr]Handle),
		serverMaps: make(map[uint64]Handle),
		mappings:   make(map[Handle]*mapping),
		roots:      make(map[RootID]map[vm.VPN]Handle),
	}
}
