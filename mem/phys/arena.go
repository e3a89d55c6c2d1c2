package phys

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/sarchlab/vmserver/mem/vm"
)

type handleKind int

const (
	frameMapping handleKind = iota
	userMapping
)

type mapping struct {
	kind   handleKind
	addr   PAddr
	vAddr  uint64
	root   RootID
	frame  Handle
	rights vm.Rights
}

type untypedRange struct {
	start PAddr
	pages int
}

// Arena is a Provider backed by an anonymous memory mapping of the host.
// Physical addresses are offsets into the mapping.
type Arena struct {
	sync.Mutex

	name       string
	mem        []byte
	totalPages int

	free       []untypedRange
	retyped    map[PAddr]Handle
	serverMaps map[uint64]Handle
	mappings   map[Handle]*mapping
	roots      map[RootID]map[vm.VPN]Handle
	nextHandle Handle
	nextRoot   RootID

	flushes uint64
}

// Name returns the name of the arena.
func (a *Arena) Name() string {
	return a.name
}

// Close unmaps the backing memory. The arena must not be used afterwards.
func (a *Arena) Close() error {
	a.Lock()
	defer a.Unlock()

	if a.mem == nil {
		return nil
	}

	err := unix.Munmap(a.mem)
	a.mem = nil

	return err
}

// TotalPages returns the number of pages in the arena.
func (a *Arena) TotalPages() int {
	return a.totalPages
}

// FreePages returns the number of untyped pages not yet carved.
func (a *Arena) FreePages() int {
	a.Lock()
	defer a.Unlock()

	n := 0
	for _, r := range a.free {
		n += r.pages
	}

	return n
}

// Flushes returns the number of cache flushes requested so far.
func (a *Arena) Flushes() uint64 {
	a.Lock()
	defer a.Unlock()

	return a.flushes
}

// AllocateUntyped carves pages contiguous pages with a first-fit search.
func (a *Arena) AllocateUntyped(pages int) (PAddr, error) {
	if pages <= 0 {
		log.Panicf("allocating %d untyped pages", pages)
	}

	a.Lock()
	defer a.Unlock()

	for i, r := range a.free {
		if r.pages < pages {
			continue
		}

		addr := r.start
		if r.pages == pages {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i].start += PAddr(pages * vm.PageSize)
			a.free[i].pages -= pages
		}

		return addr, nil
	}

	return 0, fmt.Errorf("%w: %d contiguous pages", ErrNoUntyped, pages)
}

// ReleaseUntyped returns a range to the arena, merging it with its
// neighbors.
func (a *Arena) ReleaseUntyped(addr PAddr, pages int) {
	a.Lock()
	defer a.Unlock()

	end := addr + PAddr(pages*vm.PageSize)
	if addr%vm.PageSize != 0 || int(end) > len(a.mem) {
		log.Panicf("releasing invalid untyped range %#x+%d", addr, pages)
	}

	for _, r := range a.free {
		rEnd := r.start + PAddr(r.pages*vm.PageSize)
		if addr < rEnd && r.start < end {
			log.Panicf("untyped range %#x+%d released twice", addr, pages)
		}
	}

	a.free = append(a.free, untypedRange{start: addr, pages: pages})
	sort.Slice(a.free, func(i, j int) bool {
		return a.free[i].start < a.free[j].start
	})

	merged := a.free[:1]
	for _, r := range a.free[1:] {
		last := &merged[len(merged)-1]
		if last.start+PAddr(last.pages*vm.PageSize) == r.start {
			last.pages += r.pages
			continue
		}

		merged = append(merged, r)
	}

	a.free = merged
}

// RetypeAndMap turns the untyped page at addr into a frame mapped at vAddr
// in the server's window.
func (a *Arena) RetypeAndMap(addr PAddr, vAddr uint64) (Handle, error) {
	a.Lock()
	defer a.Unlock()

	if addr%vm.PageSize != 0 || int(addr)+vm.PageSize > len(a.mem) {
		return NoHandle, fmt.Errorf("retyping %#x: out of range", addr)
	}

	if _, found := a.retyped[addr]; found {
		return NoHandle, fmt.Errorf("retyping %#x: already a frame", addr)
	}

	if _, found := a.serverMaps[vAddr]; found {
		return NoHandle, fmt.Errorf("%w: server window %#x",
			ErrAlreadyMapped, vAddr)
	}

	h := a.newHandle()
	a.mappings[h] = &mapping{kind: frameMapping, addr: addr, vAddr: vAddr}
	a.retyped[addr] = h
	a.serverMaps[vAddr] = h

	return h, nil
}

// Unmap removes a mapping. Removing a frame mapping also removes every user
// mapping of that frame.
func (a *Arena) Unmap(h Handle) error {
	a.Lock()
	defer a.Unlock()

	m, found := a.mappings[h]
	if !found {
		return fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}

	switch m.kind {
	case frameMapping:
		for uh, um := range a.mappings {
			if um.kind == userMapping && um.frame == h {
				a.removeUserMapping(uh, um)
			}
		}

		delete(a.retyped, m.addr)
		delete(a.serverMaps, m.vAddr)
		delete(a.mappings, h)
	case userMapping:
		a.removeUserMapping(h, m)
	}

	return nil
}

func (a *Arena) removeUserMapping(h Handle, m *mapping) {
	if table, found := a.roots[m.root]; found {
		delete(table, vm.PageOf(m.vAddr))
	}

	delete(a.mappings, h)
}

// Bytes returns the page of memory behind a frame handle.
func (a *Arena) Bytes(frame Handle) []byte {
	a.Lock()
	defer a.Unlock()

	m := a.mustGetFrame(frame)

	return a.mem[m.addr : int(m.addr)+vm.PageSize : int(m.addr)+vm.PageSize]
}

// CreateRoot creates an empty user translation table.
func (a *Arena) CreateRoot() (RootID, error) {
	a.Lock()
	defer a.Unlock()

	a.nextRoot++
	a.roots[a.nextRoot] = make(map[vm.VPN]Handle)

	return a.nextRoot, nil
}

// DestroyRoot removes a user translation table and all its mappings.
func (a *Arena) DestroyRoot(root RootID) error {
	a.Lock()
	defer a.Unlock()

	table, found := a.roots[root]
	if !found {
		return fmt.Errorf("%w: %d", ErrInvalidRoot, root)
	}

	for _, h := range table {
		delete(a.mappings, h)
	}

	delete(a.roots, root)

	return nil
}

// MapInto installs frame at vAddr in root with the given rights.
func (a *Arena) MapInto(
	root RootID,
	frame Handle,
	vAddr uint64,
	rights vm.Rights,
) (Handle, error) {
	a.Lock()
	defer a.Unlock()

	table, found := a.roots[root]
	if !found {
		return NoHandle, fmt.Errorf("%w: %d", ErrInvalidRoot, root)
	}

	if fm, ok := a.mappings[frame]; !ok || fm.kind != frameMapping {
		return NoHandle, fmt.Errorf("%w: frame %d", ErrInvalidHandle, frame)
	}

	vpn := vm.PageOf(vAddr)
	if _, mapped := table[vpn]; mapped {
		return NoHandle, fmt.Errorf("%w: root %d page %#x",
			ErrAlreadyMapped, root, vpn.Addr())
	}

	h := a.newHandle()
	a.mappings[h] = &mapping{
		kind:   userMapping,
		vAddr:  vpn.Addr(),
		root:   root,
		frame:  frame,
		rights: rights,
	}
	table[vpn] = h

	return h, nil
}

// Translate walks the user translation table of root.
func (a *Arena) Translate(root RootID, vAddr uint64) (Translation, bool) {
	a.Lock()
	defer a.Unlock()

	table, found := a.roots[root]
	if !found {
		return Translation{}, false
	}

	h, found := table[vm.PageOf(vAddr)]
	if !found {
		return Translation{}, false
	}

	m := a.mappings[h]

	return Translation{Frame: m.frame, User: h, Rights: m.rights}, true
}

// FlushCaches records an instruction cache flush. The host keeps its caches
// coherent, so there is nothing else to do.
func (a *Arena) FlushCaches(h Handle) {
	a.Lock()
	defer a.Unlock()

	if _, found := a.mappings[h]; !found {
		log.Panicf("flushing caches of unknown handle %d", h)
	}

	a.flushes++
}

func (a *Arena) newHandle() Handle {
	a.nextHandle++
	return a.nextHandle
}

func (a *Arena) mustGetFrame(h Handle) *mapping {
	m, found := a.mappings[h]
	if !found || m.kind != frameMapping {
		log.Panicf("handle %d is not a frame", h)
	}

	return m
}
