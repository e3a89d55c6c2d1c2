// Package pagedir implements the per-address-space page directory, a
// two-level table from virtual page numbers to page states.
//
// The first level lives in the directory itself. Each second-level table
// fills exactly one frame, pinned so that eviction never touches it, and is
// allocated when the first page of its range is inserted.
package pagedir

import (
	"fmt"
	"log"

	"github.com/sarchlab/vmserver/mem/frame"
	"github.com/sarchlab/vmserver/mem/pagefile"
	"github.com/sarchlab/vmserver/mem/phys"
	"github.com/sarchlab/vmserver/mem/vm"
)

// Geometry of the directory. Together the two levels cover the whole user
// address space.
const (
	Level2Bits    = 8
	Level2Entries = 1 << Level2Bits
	Level1Entries = int(vm.UserSpaceTop>>vm.Log2PageSize) / Level2Entries
)

// A Directory maps the virtual pages of one address space.
type Directory struct {
	frames   *frame.Table
	provider phys.Provider

	tables  []frame.ID
	present []int
	mapped  int
	evicted int
}

// New creates an empty directory whose tables are taken from frames and
// whose user mappings are removed through provider.
func New(frames *frame.Table, provider phys.Provider) *Directory {
	tables := make([]frame.ID, Level1Entries)
	for i := range tables {
		tables[i] = frame.NoFrame
	}

	return &Directory{
		frames:   frames,
		provider: provider,
		tables:   tables,
		present:  make([]int, Level1Entries),
	}
}

func split(vpn vm.VPN) (int, int) {
	if vpn.Addr() >= vm.UserSpaceTop {
		log.Panicf("page %#x is outside of the user address space",
			vpn.Addr())
	}

	return int(vpn >> Level2Bits), int(vpn & (Level2Entries - 1))
}

func (d *Directory) slot(l1, l2 int) []byte {
	b := d.frames.Bytes(d.tables[l1])
	return b[l2*entrySize : (l2+1)*entrySize]
}

// EnsureTable allocates the second-level table that covers vpn if it does
// not exist yet. It returns frame.ErrOutOfMemory if no frame is available.
func (d *Directory) EnsureTable(vpn vm.VPN) error {
	l1, _ := split(vpn)
	if d.tables[l1] != frame.NoFrame {
		return nil
	}

	id, err := d.frames.AllocateContiguous(1)
	if err != nil {
		return fmt.Errorf("allocating page table for %#x: %w",
			vpn.Addr(), err)
	}

	d.tables[l1] = id

	return nil
}

// Insert records e for vpn, allocating the second-level table if needed.
// Inserting into an entry that is not empty panics.
func (d *Directory) Insert(vpn vm.VPN, e Entry) error {
	if e.Kind == Empty {
		log.Panicf("inserting an empty entry for %#x", vpn.Addr())
	}

	if err := d.EnsureTable(vpn); err != nil {
		return err
	}

	l1, l2 := split(vpn)
	b := d.slot(l1, l2)

	if old := decodeEntry(b); old.Kind != Empty {
		log.Panicf("inserting %s into occupied entry %#x (%s)",
			e, vpn.Addr(), old)
	}

	e.encode(b)
	d.present[l1]++
	d.count(e.Kind, 1)

	return nil
}

// Lookup returns the entry of vpn. The bool is false for an empty entry.
func (d *Directory) Lookup(vpn vm.VPN) (Entry, bool) {
	l1, l2 := split(vpn)
	if d.tables[l1] == frame.NoFrame {
		return Entry{}, false
	}

	e := decodeEntry(d.slot(l1, l2))

	return e, e.Kind != Empty
}

// IsEvicted tells if the page of vpn lives in the page file.
func (d *Directory) IsEvicted(vpn vm.VPN) bool {
	e, _ := d.Lookup(vpn)
	return e.Kind == Evicted
}

// Evict unmaps the present page of vpn, releases its user mapping and
// records that its contents live in slot s. It returns the frame that held
// the page; the frame stays allocated.
func (d *Directory) Evict(vpn vm.VPN, s pagefile.SlotID) (frame.ID, error) {
	l1, l2 := split(vpn)

	e, _ := d.Lookup(vpn)
	if e.Kind != Mapped {
		log.Panicf("evicting page %#x which is %s", vpn.Addr(), e)
	}

	if err := d.provider.Unmap(e.Handle); err != nil {
		return frame.NoFrame, fmt.Errorf("unmapping page %#x: %w",
			vpn.Addr(), err)
	}

	EvictedEntry(s).encode(d.slot(l1, l2))
	d.count(Mapped, -1)
	d.count(Evicted, 1)

	return e.Frame, nil
}

// Restore replaces the entry of a page that is present with e. Page-in uses
// it to bring an evicted page back and page-out to undo a failed eviction.
func (d *Directory) Restore(vpn vm.VPN, e Entry) {
	l1, l2 := split(vpn)

	old, present := d.Lookup(vpn)
	if !present || e.Kind == Empty {
		log.Panicf("restoring %#x from %s to %s", vpn.Addr(), old, e)
	}

	e.encode(d.slot(l1, l2))
	d.count(old.Kind, -1)
	d.count(e.Kind, 1)
}

// Remove clears the entry of vpn and returns what it held. A mapped page is
// unmapped first; its frame and any slot are left to the caller.
func (d *Directory) Remove(vpn vm.VPN) (Entry, error) {
	e, present := d.Lookup(vpn)
	if !present {
		return e, nil
	}

	if e.Kind == Mapped {
		if err := d.provider.Unmap(e.Handle); err != nil {
			return e, fmt.Errorf("unmapping page %#x: %w", vpn.Addr(), err)
		}
	}

	l1, l2 := split(vpn)
	Entry{}.encode(d.slot(l1, l2))
	d.present[l1]--
	d.count(e.Kind, -1)

	return e, nil
}

// Walk calls fn for every entry that is not empty, in page order.
func (d *Directory) Walk(fn func(vpn vm.VPN, e Entry)) {
	for l1, id := range d.tables {
		if id == frame.NoFrame || d.present[l1] == 0 {
			continue
		}

		for l2 := 0; l2 < Level2Entries; l2++ {
			e := decodeEntry(d.slot(l1, l2))
			if e.Kind == Empty {
				continue
			}

			fn(vm.VPN(l1<<Level2Bits|l2), e)
		}
	}
}

// Destroy calls fn for every entry that is not empty, removes all the
// entries and gives the table frames back. The hardware mappings are left
// in place; they go away with the translation root.
func (d *Directory) Destroy(fn func(vpn vm.VPN, e Entry)) {
	d.Walk(fn)

	for l1, id := range d.tables {
		if id == frame.NoFrame {
			continue
		}

		d.frames.ReleaseContiguous(id, 1)
		d.tables[l1] = frame.NoFrame
		d.present[l1] = 0
	}

	d.mapped = 0
	d.evicted = 0
}

// NumTables returns how many second-level tables are allocated.
func (d *Directory) NumTables() int {
	n := 0

	for _, id := range d.tables {
		if id != frame.NoFrame {
			n++
		}
	}

	return n
}

// Counts returns how many pages are present in memory and in the page file.
func (d *Directory) Counts() (mapped, evicted int) {
	return d.mapped, d.evicted
}

func (d *Directory) count(k Kind, delta int) {
	switch k {
	case Mapped:
		d.mapped += delta
	case Evicted:
		d.evicted += delta
	}
}
