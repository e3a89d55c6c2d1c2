package fault

import (
	"fmt"

	"github.com/sarchlab/vmserver/mem/addrspace"
	"github.com/sarchlab/vmserver/mem/pagedir"
	"github.com/sarchlab/vmserver/mem/vm"
)

// A Fault is a memory access the hardware could not complete.
type Fault struct {
	PID    vm.PID
	Addr   uint64
	Access vm.Access
	Status vm.Status
}

func (f Fault) String() string {
	return fmt.Sprintf("pid %d %s fault at %#x (%s)",
		f.PID, f.Access, f.Addr, f.Status)
}

// Class is the outcome of classifying a fault.
type Class int

// The fault classes.
const (
	PermissionDenied Class = iota
	Evicted
	UnmappedInRegion
	UnmappedOutOfRegion
	AlreadyMapped
)

func (c Class) String() string {
	switch c {
	case PermissionDenied:
		return "permission-denied"
	case Evicted:
		return "evicted"
	case UnmappedInRegion:
		return "unmapped-in-region"
	case UnmappedOutOfRegion:
		return "unmapped-out-of-region"
	case AlreadyMapped:
		return "already-mapped"
	default:
		return fmt.Sprintf("Class(%d)", int(c))
	}
}

// Classify decides how a fault in as can be resolved. An address beyond the
// user address space is always a permission fault.
func Classify(as *addrspace.AddressSpace, f Fault) Class {
	if f.Status == vm.StatusPermission || f.Addr >= vm.UserSpaceTop {
		return PermissionDenied
	}

	region, inRegion := as.Regions.Find(f.Addr)
	allowed := inRegion && addrspace.CheckPermission(region, f.Access)

	e, _ := as.Dir.Lookup(vm.PageOf(f.Addr))

	switch e.Kind {
	case pagedir.Evicted:
		if !allowed {
			return PermissionDenied
		}

		return Evicted
	case pagedir.Mapped:
		if inRegion && !allowed {
			return PermissionDenied
		}

		return AlreadyMapped
	}

	if inRegion {
		if !allowed {
			return PermissionDenied
		}

		return UnmappedInRegion
	}

	return UnmappedOutOfRegion
}
