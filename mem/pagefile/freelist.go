package pagefile

import "log"

// SlotID identifies a page-sized slot of the page file.
type SlotID int

// A FreeList holds the slots that no evicted page occupies.
type FreeList struct {
	free   []SlotID
	isFree []bool
}

// NewFreeList creates a free list in which all n slots are free. Slots are
// popped in increasing order.
func NewFreeList(n int) *FreeList {
	l := &FreeList{
		free:   make([]SlotID, n),
		isFree: make([]bool, n),
	}

	for i := 0; i < n; i++ {
		l.free[i] = SlotID(n - 1 - i)
		l.isFree[i] = true
	}

	return l
}

// Len returns the number of free slots.
func (l *FreeList) Len() int {
	return len(l.free)
}

// Cap returns the total number of slots.
func (l *FreeList) Cap() int {
	return len(l.isFree)
}

// Pop takes a free slot. It returns false if no slot is free.
func (l *FreeList) Pop() (SlotID, bool) {
	n := len(l.free)
	if n == 0 {
		return 0, false
	}

	s := l.free[n-1]
	l.free = l.free[:n-1]
	l.isFree[s] = false

	return s, true
}

// Push returns a slot to the list. Pushing a free slot panics.
func (l *FreeList) Push(s SlotID) {
	if s < 0 || int(s) >= len(l.isFree) {
		log.Panicf("slot %d out of range", s)
	}

	if l.isFree[s] {
		log.Panicf("slot %d is already free", s)
	}

	l.isFree[s] = true
	l.free = append(l.free, s)
}

// IsFree tells if a slot is on the list.
func (l *FreeList) IsFree(s SlotID) bool {
	return l.isFree[s]
}
