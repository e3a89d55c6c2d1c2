// Package addrspace manages the address space of one process: its regions,
// its page directory and the root of its hardware translation table.
package addrspace

import (
	"errors"
	"fmt"
	"log"

	"github.com/sarchlab/vmserver/mem/frame"
	"github.com/sarchlab/vmserver/mem/pagedir"
	"github.com/sarchlab/vmserver/mem/phys"
	"github.com/sarchlab/vmserver/mem/vm"
)

// ErrDestroyed is returned when an operation finds its address space gone.
var ErrDestroyed = errors.New("addrspace: address space destroyed")

// An AddressSpace owns one region list, one page directory and one hardware
// translation root.
type AddressSpace struct {
	PID     vm.PID
	Regions *Regions
	Dir     *pagedir.Directory
	Root    phys.RootID

	provider  phys.Provider
	destroyed bool
}

// New creates an empty address space for pid.
func New(pid vm.PID, frames *frame.Table, provider phys.Provider) (
	*AddressSpace, error,
) {
	root, err := provider.CreateRoot()
	if err != nil {
		return nil, fmt.Errorf("creating translation root for pid %d: %w",
			pid, err)
	}

	return &AddressSpace{
		PID:      pid,
		Regions:  NewRegions(),
		Dir:      pagedir.New(frames, provider),
		Root:     root,
		provider: provider,
	}, nil
}

// Destroyed tells if Destroy has been called.
func (as *AddressSpace) Destroyed() bool {
	return as.destroyed
}

// Destroy tears the address space down in order: the directory, handing
// every present entry to release, then the translation root, then the
// regions.
func (as *AddressSpace) Destroy(release func(vpn vm.VPN, e pagedir.Entry)) {
	if as.destroyed {
		log.Panicf("address space of pid %d destroyed twice", as.PID)
	}

	as.destroyed = true

	as.Dir.Destroy(release)

	if err := as.provider.DestroyRoot(as.Root); err != nil {
		log.Panicf("destroying translation root of pid %d: %v", as.PID, err)
	}

	as.Regions.Clear()
}

// RightsAt returns the rights of the region that contains addr.
func (as *AddressSpace) RightsAt(addr uint64) (vm.Rights, bool) {
	r, ok := as.Regions.Find(addr)
	if !ok {
		return vm.RightNone, false
	}

	return r.Rights, true
}
