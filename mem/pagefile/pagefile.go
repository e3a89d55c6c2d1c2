package pagefile

import (
	"fmt"
	"io"

	"github.com/sarchlab/vmserver/coro"
	"github.com/sarchlab/vmserver/mem/vm"
)

// Stats counts page file traffic.
type Stats struct {
	SlotReads      uint64
	SlotWrites     uint64
	Transfers      uint64
	ShortTransfers uint64
	Failures       uint64
}

// A PageFile moves whole pages between frames and slots of a Device.
type PageFile struct {
	dev   Device
	slots *FreeList
	stats Stats
}

// New creates a page file of n slots on dev.
func New(dev Device, n int) *PageFile {
	return &PageFile{
		dev:   dev,
		slots: NewFreeList(n),
	}
}

// Slots returns the free list of the page file.
func (p *PageFile) Slots() *FreeList {
	return p.slots
}

// Stats returns the traffic counters.
func (p *PageFile) Stats() Stats {
	return p.stats
}

// WriteSlot stores one page into slot s, suspending t until the device has
// taken all of it.
func (p *PageFile) WriteSlot(t *coro.Task, s SlotID, src []byte) error {
	err := p.transfer(t, s, src, p.dev.Write)
	if err != nil {
		return fmt.Errorf("writing slot %d: %w", s, err)
	}

	p.stats.SlotWrites++

	return nil
}

// ReadSlot loads one page from slot s, suspending t until all of it has
// arrived.
func (p *PageFile) ReadSlot(t *coro.Task, s SlotID, dst []byte) error {
	err := p.transfer(t, s, dst, p.dev.Read)
	if err != nil {
		return fmt.Errorf("reading slot %d: %w", s, err)
	}

	p.stats.SlotReads++

	return nil
}

func (p *PageFile) transfer(
	t *coro.Task,
	s SlotID,
	buf []byte,
	op func(off int64, b []byte) *coro.Future,
) error {
	if len(buf) != vm.PageSize {
		return fmt.Errorf("%w: buffer of %d bytes", ErrIO, len(buf))
	}

	base := int64(s) * vm.PageSize
	done := 0

	for done < len(buf) {
		v, err := op(base+int64(done), buf[done:]).Await(t)
		p.stats.Transfers++

		if err != nil {
			p.stats.Failures++
			return fmt.Errorf("%w: %w", ErrIO, err)
		}

		n, _ := v.(int)
		if n <= 0 {
			p.stats.Failures++
			return fmt.Errorf("%w: %w", ErrIO, io.ErrNoProgress)
		}

		if done+n < len(buf) {
			p.stats.ShortTransfers++
		}

		done += n
	}

	return nil
}
