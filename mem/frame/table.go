// Package frame tracks the physical page frames that back user memory.
package frame

import (
	"errors"
	"log"
	"strconv"

	"github.com/sarchlab/vmserver/mem/phys"
	"github.com/sarchlab/vmserver/mem/vm"
	"github.com/sarchlab/vmserver/sim/hooking"
)

// ErrOutOfMemory means the table reached the ceiling of frames it may hold.
// It is recoverable: evicting a page produces a frame.
var ErrOutOfMemory = errors.New("frame: out of memory")

// ID identifies a frame slot in the table.
type ID int

// NoFrame is the ID that never refers to a frame.
const NoFrame ID = -1

// Chance is the eviction-chance tag of a frame.
type Chance int

// The chance tags.
const (
	FirstChance Chance = iota
	SecondChance
	Pinned
)

func (c Chance) String() string {
	switch c {
	case FirstChance:
		return "first-chance"
	case SecondChance:
		return "second-chance"
	case Pinned:
		return "pinned"
	default:
		return "Chance(" + strconv.Itoa(int(c)) + ")"
	}
}

// Owner is the virtual page a frame is mapped at.
type Owner struct {
	PID vm.PID
	VPN vm.VPN
}

// Hook positions of the frame table. The item of the hook context is the
// frame ID.
var (
	HookPosAllocate = &hooking.HookPos{Name: "FrameAllocate"}
	HookPosRelease  = &hooking.HookPos{Name: "FrameRelease"}
	HookPosTrim     = &hooking.HookPos{Name: "FrameTrim"}
)

type slotState int

const (
	slotEmpty slotState = iota
	slotFree
	slotUsed
)

type slot struct {
	state  slotState
	addr   phys.PAddr
	handle phys.Handle
	chance Chance
	owner  Owner
	owned  bool

	// runLength is the size of a contiguous run at its first slot, and zero
	// elsewhere. runHead links the other slots of a run to the first.
	runLength int
	runHead   ID
}

// Stats summarizes the activity of a table.
type Stats struct {
	Slots          int
	Retyped        int
	InUse          int
	Buffered       int
	Allocations    uint64
	Recycled       uint64
	RawAllocations uint64
	Releases       uint64
	Trimmed        uint64
	OutOfMemory    uint64
}

// A Table owns every frame handed to user pages and page tables.
//
// Released frames go into a recycling buffer of HighWatermark capacity and
// are reused before fresh memory is retyped. When the buffer fills up it is
// trimmed down to LowWatermark, giving frames back to the provider.
type Table struct {
	hooking.HookableBase

	name       string
	provider   phys.Provider
	windowBase uint64
	high, low  int

	slots   []slot
	buffer  []ID
	retyped int
	hint    int

	stats Stats
}

// Name returns the name of the table.
func (t *Table) Name() string {
	return t.name
}

// Len returns the number of frame slots, which is also the ceiling of
// retyped frames.
func (t *Table) Len() int {
	return len(t.slots)
}

// Allocate returns a zeroed frame tagged FirstChance.
func (t *Table) Allocate() (ID, error) {
	var (
		id  ID
		err error
	)

	if n := len(t.buffer); n > 0 {
		id = t.buffer[n-1]
		t.buffer = t.buffer[:n-1]
		t.stats.Recycled++
	} else {
		id, err = t.retypeOne()
		if err != nil {
			t.stats.OutOfMemory++
			return NoFrame, err
		}

		t.stats.RawAllocations++
	}

	s := &t.slots[id]
	s.state = slotUsed
	s.chance = FirstChance
	s.owned = false

	t.Zero(id)
	t.stats.Allocations++
	t.invoke(HookPosAllocate, id)

	return id, nil
}

func (t *Table) retypeOne() (ID, error) {
	if t.retyped >= len(t.slots) {
		return NoFrame, ErrOutOfMemory
	}

	id := t.findEmptyRun(1)
	if id == NoFrame {
		return NoFrame, ErrOutOfMemory
	}

	addr, err := t.provider.AllocateUntyped(1)
	if err != nil {
		log.Panicf("frame table %s: raw memory exhausted below the ceiling "+
			"(%d of %d frames retyped): %v",
			t.name, t.retyped, len(t.slots), err)
	}

	t.retypeInto(id, addr)

	return id, nil
}

func (t *Table) retypeInto(id ID, addr phys.PAddr) {
	h, err := t.provider.RetypeAndMap(addr, t.windowAddr(id))
	if err != nil {
		log.Panicf("frame table %s: retyping %#x: %v", t.name, addr, err)
	}

	t.slots[id] = slot{
		state:   slotFree,
		addr:    addr,
		handle:  h,
		runHead: id,
	}
	t.retyped++
}

func (t *Table) windowAddr(id ID) uint64 {
	return t.windowBase + uint64(id)*vm.PageSize
}

func (t *Table) findEmptyRun(n int) ID {
	total := len(t.slots)

	for i := 0; i < total; i++ {
		start := (t.hint + i) % total
		if start+n > total {
			continue
		}

		ok := true

		for j := start; j < start+n; j++ {
			if t.slots[j].state != slotEmpty {
				ok = false
				break
			}
		}

		if ok {
			t.hint = (start + n) % total
			return ID(start)
		}
	}

	return NoFrame
}

// Release puts a frame into the recycling buffer. Releasing a frame that is
// not in use panics.
func (t *Table) Release(id ID) {
	s := t.mustBeUsed(id)

	if s.runLength > 1 || s.runHead != id {
		log.Panicf("frame %d belongs to a contiguous run", id)
	}

	s.state = slotFree
	s.owned = false
	s.chance = FirstChance
	t.buffer = append(t.buffer, id)
	t.stats.Releases++
	t.invoke(HookPosRelease, id)

	if len(t.buffer) >= t.high {
		t.trim()
	}
}

func (t *Table) trim() {
	for len(t.buffer) > t.low {
		n := len(t.buffer)
		id := t.buffer[n-1]
		t.buffer = t.buffer[:n-1]

		s := &t.slots[id]
		if err := t.provider.Unmap(s.handle); err != nil {
			log.Panicf("frame table %s: unmapping frame %d: %v",
				t.name, id, err)
		}

		t.provider.ReleaseUntyped(s.addr, 1)
		t.slots[id] = slot{}
		t.retyped--
		t.stats.Trimmed++
		t.invoke(HookPosTrim, id)
	}
}

// AllocateContiguous returns the first of n frames that occupy consecutive
// slots and consecutive physical pages. The frames are zeroed and Pinned.
func (t *Table) AllocateContiguous(n int) (ID, error) {
	if n <= 0 {
		log.Panicf("allocating %d contiguous frames", n)
	}

	if n == 1 {
		id, err := t.Allocate()
		if err != nil {
			return NoFrame, err
		}

		t.slots[id].chance = Pinned

		return id, nil
	}

	if t.retyped+n > len(t.slots) {
		t.stats.OutOfMemory++
		return NoFrame, ErrOutOfMemory
	}

	first := t.findEmptyRun(n)
	if first == NoFrame {
		t.stats.OutOfMemory++
		return NoFrame, ErrOutOfMemory
	}

	addr, err := t.provider.AllocateUntyped(n)
	if err != nil {
		log.Panicf("frame table %s: raw memory exhausted below the ceiling "+
			"(%d+%d of %d frames): %v",
			t.name, t.retyped, n, len(t.slots), err)
	}

	for i := 0; i < n; i++ {
		id := first + ID(i)
		t.retypeInto(id, addr+phys.PAddr(i*vm.PageSize))

		s := &t.slots[id]
		s.state = slotUsed
		s.chance = Pinned
		s.runHead = first

		t.Zero(id)
	}

	t.slots[first].runLength = n
	t.stats.Allocations += uint64(n)
	t.stats.RawAllocations += uint64(n)
	t.invoke(HookPosAllocate, first)

	return first, nil
}

// ReleaseContiguous gives back a run obtained from AllocateContiguous.
func (t *Table) ReleaseContiguous(first ID, n int) {
	if n == 1 {
		t.Release(first)
		return
	}

	s := t.mustBeUsed(first)
	if s.runLength != n {
		log.Panicf("frame %d does not start a run of %d frames", first, n)
	}

	addr := s.addr

	for i := 0; i < n; i++ {
		id := first + ID(i)
		if err := t.provider.Unmap(t.slots[id].handle); err != nil {
			log.Panicf("frame table %s: unmapping frame %d: %v",
				t.name, id, err)
		}

		t.slots[id] = slot{}
	}

	t.provider.ReleaseUntyped(addr, n)
	t.retyped -= n
	t.stats.Releases += uint64(n)
	t.invoke(HookPosRelease, first)
}

// Chance returns the chance tag of a frame.
func (t *Table) Chance(id ID) Chance {
	return t.mustBeUsed(id).chance
}

// SetChance changes the chance tag of a frame. A frame that backs a user
// page cannot be pinned.
func (t *Table) SetChance(id ID, c Chance) {
	s := t.mustBeUsed(id)

	if c == Pinned && s.owned {
		log.Panicf("pinning frame %d owned by pid %d", id, s.owner.PID)
	}

	s.chance = c
}

// Touch marks a frame as recently used.
func (t *Table) Touch(id ID) {
	s := t.mustBeUsed(id)
	if s.chance != Pinned {
		s.chance = FirstChance
	}
}

// SetOwner records the virtual page a frame is mapped at.
func (t *Table) SetOwner(id ID, pid vm.PID, vpn vm.VPN) {
	s := t.mustBeUsed(id)

	if s.chance == Pinned {
		log.Panicf("pinned frame %d cannot back user page %#x of pid %d",
			id, vpn.Addr(), pid)
	}

	s.owner = Owner{PID: pid, VPN: vpn}
	s.owned = true
}

// Owner returns the virtual page a frame is mapped at.
func (t *Table) Owner(id ID) (Owner, bool) {
	s := t.mustBeUsed(id)
	return s.owner, s.owned
}

// ClearOwner forgets the owner of a frame.
func (t *Table) ClearOwner(id ID) {
	s := t.mustBeUsed(id)
	s.owner = Owner{}
	s.owned = false
}

// IsVictimCandidate tells if the frame backs a user page that may be evicted.
func (t *Table) IsVictimCandidate(id ID) bool {
	s := &t.slots[id]
	return s.state == slotUsed && s.owned && s.chance != Pinned
}

// Handle returns the server mapping of a frame.
func (t *Table) Handle(id ID) phys.Handle {
	return t.mustBeUsed(id).handle
}

// Bytes returns the contents of a frame.
func (t *Table) Bytes(id ID) []byte {
	return t.provider.Bytes(t.mustBeUsed(id).handle)
}

// Zero clears the contents of a frame.
func (t *Table) Zero(id ID) {
	clear(t.provider.Bytes(t.slots[id].handle))
}

// Stats returns the current statistics of the table.
func (t *Table) Stats() Stats {
	st := t.stats
	st.Slots = len(t.slots)
	st.Retyped = t.retyped
	st.Buffered = len(t.buffer)
	st.InUse = t.retyped - len(t.buffer)

	return st
}

func (t *Table) mustBeUsed(id ID) *slot {
	if id < 0 || int(id) >= len(t.slots) {
		log.Panicf("frame %d out of range", id)
	}

	s := &t.slots[id]
	if s.state != slotUsed {
		log.Panicf("frame %d is not in use", id)
	}

	return s
}

func (t *Table) invoke(pos *hooking.HookPos, id ID) {
	if t.NumHooks() == 0 {
		return
	}

	t.InvokeHook(hooking.HookCtx{Domain: t, Pos: pos, Item: id})
}
