// Package phys provides the physical memory that the server manages.
//
// The Provider interface is the narrow contract the memory subsystem needs
// from the capability system underneath it: carve untyped memory, turn pages
// of it into frames mapped in the server, and install frames into the
// hardware translation tables of user address spaces.
package phys

import (
	"errors"

	"github.com/sarchlab/vmserver/mem/vm"
)

// PAddr is a physical address.
type PAddr uint64

// A Handle identifies a mapping. A frame handle maps a frame into the
// server; a user handle maps a frame into one user address space.
type Handle uint64

// NoHandle is the zero value of Handle. No mapping ever uses it.
const NoHandle Handle = 0

// RootID identifies the root of a hardware translation table.
type RootID uint64

// Errors reported by providers.
var (
	ErrNoUntyped     = errors.New("phys: no untyped memory left")
	ErrInvalidHandle = errors.New("phys: invalid handle")
	ErrInvalidRoot   = errors.New("phys: invalid root")
	ErrAlreadyMapped = errors.New("phys: address already mapped")
)

// A Translation is the hardware's view of a user address.
type Translation struct {
	Frame  Handle
	User   Handle
	Rights vm.Rights
}

// A Provider hands out physical memory and maintains the hardware tables.
type Provider interface {
	// TotalPages returns the number of pages the provider manages.
	TotalPages() int

	// AllocateUntyped carves a physically contiguous range of pages.
	AllocateUntyped(pages int) (PAddr, error)

	// ReleaseUntyped returns a range obtained from AllocateUntyped.
	ReleaseUntyped(addr PAddr, pages int)

	// RetypeAndMap turns one untyped page into a frame mapped at vAddr in
	// the server.
	RetypeAndMap(addr PAddr, vAddr uint64) (Handle, error)

	// Unmap removes a frame mapping or a user mapping.
	Unmap(h Handle) error

	// Bytes returns the contents of a frame.
	Bytes(frame Handle) []byte

	// CreateRoot creates an empty hardware translation table.
	CreateRoot() (RootID, error)

	// DestroyRoot removes a translation table with all its mappings.
	DestroyRoot(root RootID) error

	// MapInto maps a frame at vAddr in a user translation table.
	MapInto(root RootID, frame Handle, vAddr uint64, rights vm.Rights) (
		Handle, error)

	// Translate looks up vAddr in a user translation table.
	Translate(root RootID, vAddr uint64) (Translation, bool)

	// FlushCaches discards cached instructions of the frame behind h.
	FlushCaches(h Handle)
}
