package pagedir

import (
	"encoding/binary"
	"fmt"
	"log"

	"github.com/sarchlab/vmserver/mem/frame"
	"github.com/sarchlab/vmserver/mem/pagefile"
	"github.com/sarchlab/vmserver/mem/phys"
)

// Kind tells which variant an entry holds.
type Kind uint8

// The entry variants.
const (
	Empty Kind = iota
	Mapped
	Evicted
)

func (k Kind) String() string {
	switch k {
	case Empty:
		return "empty"
	case Mapped:
		return "mapped"
	case Evicted:
		return "evicted"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// An Entry is the state of one virtual page. A Mapped entry carries the user
// mapping handle and the frame behind it; an Evicted entry carries the page
// file slot that holds the contents.
type Entry struct {
	Kind   Kind
	Handle phys.Handle
	Frame  frame.ID
	Slot   pagefile.SlotID
}

// MappedEntry creates an entry for a page that is present in memory.
func MappedEntry(h phys.Handle, f frame.ID) Entry {
	return Entry{Kind: Mapped, Handle: h, Frame: f}
}

// EvictedEntry creates an entry for a page stored in slot s.
func EvictedEntry(s pagefile.SlotID) Entry {
	return Entry{Kind: Evicted, Slot: s}
}

func (e Entry) String() string {
	switch e.Kind {
	case Mapped:
		return fmt.Sprintf("mapped(handle %d, frame %d)", e.Handle, e.Frame)
	case Evicted:
		return fmt.Sprintf("evicted(slot %d)", e.Slot)
	default:
		return e.Kind.String()
	}
}

// entrySize is the number of bytes an entry takes in a table frame:
// kind (1), padding (3), frame (4), handle or slot (8).
const entrySize = 16

func (e Entry) encode(b []byte) {
	clear(b[:entrySize])
	b[0] = byte(e.Kind)

	switch e.Kind {
	case Mapped:
		binary.LittleEndian.PutUint32(b[4:8], uint32(e.Frame))
		binary.LittleEndian.PutUint64(b[8:16], uint64(e.Handle))
	case Evicted:
		binary.LittleEndian.PutUint64(b[8:16], uint64(e.Slot))
	}
}

func decodeEntry(b []byte) Entry {
	e := Entry{Kind: Kind(b[0])}

	switch e.Kind {
	case Empty:
	case Mapped:
		e.Frame = frame.ID(binary.LittleEndian.Uint32(b[4:8]))
		e.Handle = phys.Handle(binary.LittleEndian.Uint64(b[8:16]))
	case Evicted:
		e.Slot = pagefile.SlotID(binary.LittleEndian.Uint64(b[8:16]))
	default:
		log.Panicf("corrupted page directory entry kind %d", b[0])
	}

	return e
}
