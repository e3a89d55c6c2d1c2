// Package vm defines the basic vocabulary of virtual memory: process IDs,
// virtual page numbers, access types and page rights.
package vm

import "strings"

// PID stands for Process ID.
type PID uint32

// Page geometry of the user address space.
const (
	Log2PageSize        = 12
	PageSize            = 1 << Log2PageSize
	UserSpaceTop uint64 = 1 << 32
)

// A VPN is a virtual page number.
type VPN uint64

// PageOf returns the page that contains vAddr.
func PageOf(vAddr uint64) VPN {
	return VPN(vAddr >> Log2PageSize)
}

// Addr returns the first address of the page.
func (p VPN) Addr() uint64 {
	return uint64(p) << Log2PageSize
}

// AlignDown rounds addr down to a page boundary.
func AlignDown(addr uint64) uint64 {
	return (addr >> Log2PageSize) << Log2PageSize
}

// AlignUp rounds addr up to a page boundary.
func AlignUp(addr uint64) uint64 {
	return AlignDown(addr + PageSize - 1)
}

// Access is the kind of memory access that caused a fault.
type Access int

// The access types.
const (
	AccessRead Access = iota
	AccessWrite
	AccessExecute
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExecute:
		return "execute"
	default:
		return "unknown"
	}
}

// Rights is a permission mask.
type Rights uint8

// The individual rights.
const (
	RightRead Rights = 1 << iota
	RightWrite
	RightExecute

	RightNone      Rights = 0
	RightReadWrite        = RightRead | RightWrite
)

// Allows tells if the rights permit the access.
func (r Rights) Allows(a Access) bool {
	switch a {
	case AccessRead:
		return r&RightRead != 0
	case AccessWrite:
		return r&RightWrite != 0
	case AccessExecute:
		return r&RightExecute != 0
	default:
		return false
	}
}

func (r Rights) String() string {
	var sb strings.Builder

	for _, c := range []struct {
		bit  Rights
		char byte
	}{{RightRead, 'r'}, {RightWrite, 'w'}, {RightExecute, 'x'}} {
		if r&c.bit != 0 {
			sb.WriteByte(c.char)
		} else {
			sb.WriteByte('-')
		}
	}

	return sb.String()
}

// Status is the hardware status code reported with a fault.
type Status int

// The status codes the hardware reports.
const (
	// StatusTranslation means no valid translation exists for the address.
	StatusTranslation Status = iota

	// StatusPermission means a translation exists but does not grant the
	// access.
	StatusPermission
)

func (s Status) String() string {
	if s == StatusPermission {
		return "permission"
	}

	return "translation"
}
