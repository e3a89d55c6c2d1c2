package addrspace

import (
	"errors"
	"fmt"

	"github.com/sarchlab/vmserver/mem/vm"
)

// Errors about regions.
var (
	ErrOverlap       = errors.New("addrspace: regions overlap")
	ErrBadRegion     = errors.New("addrspace: invalid region")
	ErrNoHeap        = errors.New("addrspace: no heap region")
	ErrNoStack       = errors.New("addrspace: no stack region")
	ErrHeapCollision = errors.New("addrspace: heap would collide with stack")
	ErrStackGrowth   = errors.New("addrspace: stack cannot grow there")
)

// RegionKind tells whether a region may grow.
type RegionKind int

// The region kinds.
const (
	Fixed RegionKind = iota
	Heap
	Stack
)

func (k RegionKind) String() string {
	switch k {
	case Heap:
		return "heap"
	case Stack:
		return "stack"
	default:
		return "fixed"
	}
}

// A Region is a range [Start, End) of valid virtual addresses.
type Region struct {
	Name   string
	Kind   RegionKind
	Start  uint64
	End    uint64
	Rights vm.Rights
}

// Contains tells if addr is in the region.
func (r *Region) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

// Size returns the length of the region in bytes.
func (r *Region) Size() uint64 {
	return r.End - r.Start
}

func (r *Region) String() string {
	return fmt.Sprintf("%s[%#x, %#x) %s", r.Name, r.Start, r.End, r.Rights)
}

// CheckPermission tells if the region's rights allow the access.
func CheckPermission(r *Region, a vm.Access) bool {
	return r != nil && r.Rights.Allows(a)
}

// Regions is the list of regions of one address space. Lookups match the
// first region added that contains the address.
type Regions struct {
	list  []Region
	heap  int
	stack int
}

// NewRegions creates an empty region list.
func NewRegions() *Regions {
	return &Regions{heap: -1, stack: -1}
}

// Add appends a region. Regions must be page aligned and must not overlap.
// At most one heap and one stack may exist.
func (l *Regions) Add(r Region) error {
	if r.Start >= r.End || r.End > vm.UserSpaceTop ||
		r.Start != vm.AlignDown(r.Start) || r.End != vm.AlignDown(r.End) {
		return fmt.Errorf("%w: %s", ErrBadRegion, &r)
	}

	for i := range l.list {
		o := &l.list[i]
		if r.Start < o.End && o.Start < r.End {
			return fmt.Errorf("%w: %s and %s", ErrOverlap, &r, o)
		}
	}

	switch {
	case r.Kind == Heap && l.heap >= 0:
		return fmt.Errorf("%w: second heap %s", ErrBadRegion, &r)
	case r.Kind == Stack && l.stack >= 0:
		return fmt.Errorf("%w: second stack %s", ErrBadRegion, &r)
	case r.Kind == Heap:
		l.heap = len(l.list)
	case r.Kind == Stack:
		l.stack = len(l.list)
	}

	l.list = append(l.list, r)

	return nil
}

// Find returns the region that contains addr.
func (l *Regions) Find(addr uint64) (*Region, bool) {
	for i := range l.list {
		if l.list[i].Contains(addr) {
			return &l.list[i], true
		}
	}

	return nil, false
}

// Heap returns the heap region.
func (l *Regions) Heap() (*Region, bool) {
	if l.heap < 0 {
		return nil, false
	}

	return &l.list[l.heap], true
}

// Stack returns the stack region.
func (l *Regions) Stack() (*Region, bool) {
	if l.stack < 0 {
		return nil, false
	}

	return &l.list[l.stack], true
}

// All returns a copy of the regions in the order they were added.
func (l *Regions) All() []Region {
	return append([]Region(nil), l.list...)
}

// Len returns the number of regions.
func (l *Regions) Len() int {
	return len(l.list)
}

// Clear removes every region.
func (l *Regions) Clear() {
	l.list = nil
	l.heap = -1
	l.stack = -1
}

func (l *Regions) overlapsOther(start, end uint64, self int) bool {
	for i := range l.list {
		if i == self {
			continue
		}

		o := &l.list[i]
		if start < o.End && o.Start < end {
			return true
		}
	}

	return false
}

// GrowStack lowers the bottom of the stack to the page that contains addr.
// The new bottom must stay at or above the top of the heap and must not run
// into any other region.
func (l *Regions) GrowStack(addr uint64) error {
	stack, ok := l.Stack()
	if !ok {
		return ErrNoStack
	}

	if addr >= stack.Start {
		return fmt.Errorf("%w: %#x is not below the stack at %#x",
			ErrStackGrowth, addr, stack.Start)
	}

	newStart := vm.AlignDown(addr)

	if heap, ok := l.Heap(); ok && newStart < heap.End {
		return fmt.Errorf("%w: %#x is below the heap top %#x",
			ErrStackGrowth, newStart, heap.End)
	}

	if l.overlapsOther(newStart, stack.End, l.stack) {
		return fmt.Errorf("%w: %#x overlaps another region",
			ErrStackGrowth, newStart)
	}

	stack.Start = newStart

	return nil
}

// ShrinkStack raises the bottom of the stack back to the page boundary
// start, which must lie inside the stack.
func (l *Regions) ShrinkStack(start uint64) error {
	stack, ok := l.Stack()
	if !ok {
		return ErrNoStack
	}

	if start != vm.AlignDown(start) || start < stack.Start ||
		start >= stack.End {
		return fmt.Errorf("%w: cannot raise the stack bottom %#x to %#x",
			ErrStackGrowth, stack.Start, start)
	}

	stack.Start = start

	return nil
}

// SetHeapTop moves the end of the heap to the page boundary at or above
// top. The heap cannot shrink below its start or grow into the stack.
func (l *Regions) SetHeapTop(top uint64) (old uint64, err error) {
	heap, ok := l.Heap()
	if !ok {
		return 0, ErrNoHeap
	}

	newEnd := vm.AlignUp(top)
	old = heap.End

	if newEnd <= heap.Start {
		return old, fmt.Errorf("%w: heap top %#x below heap start %#x",
			ErrBadRegion, top, heap.Start)
	}

	if newEnd > vm.UserSpaceTop {
		return old, fmt.Errorf("%w: heap top %#x", ErrBadRegion, top)
	}

	if stack, ok := l.Stack(); ok && newEnd > stack.Start {
		return old, fmt.Errorf("%w: heap top %#x, stack bottom %#x",
			ErrHeapCollision, newEnd, stack.Start)
	}

	if l.overlapsOther(heap.Start, newEnd, l.heap) {
		return old, fmt.Errorf("%w: heap top %#x", ErrOverlap, newEnd)
	}

	heap.End = newEnd

	return old, nil
}
