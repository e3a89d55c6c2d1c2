package frame

import (
	"log"
	"math"

	"github.com/sarchlab/vmserver/mem/phys"
)

// A Builder can build frame tables.
type Builder struct {
	provider         phys.Provider
	reservedFraction float64
	highWatermark    int
	lowWatermark     int
	windowBase       uint64
}

// MakeBuilder creates a Builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		reservedFraction: 0.125,
		highWatermark:    64,
		lowWatermark:     16,
		windowBase:       0x8000_0000_0000,
	}
}

// WithProvider sets the physical memory provider.
func (b Builder) WithProvider(p phys.Provider) Builder {
	b.provider = p
	return b
}

// WithReservedFraction sets the fraction of physical memory that is kept for
// the server's own bookkeeping and never retyped by the table.
func (b Builder) WithReservedFraction(f float64) Builder {
	b.reservedFraction = f
	return b
}

// WithWatermarks sets the capacity of the recycling buffer and the size it
// is trimmed to when it fills up.
func (b Builder) WithWatermarks(high, low int) Builder {
	b.highWatermark = high
	b.lowWatermark = low

	return b
}

// WithWindowBase sets where the server maps frames in its own address space.
func (b Builder) WithWindowBase(addr uint64) Builder {
	b.windowBase = addr
	return b
}

// Build creates a new frame table.
func (b Builder) Build(name string) *Table {
	if b.provider == nil {
		log.Panicf("frame table %s needs a physical memory provider", name)
	}

	if b.reservedFraction < 0 || b.reservedFraction >= 1 {
		log.Panicf("reserved fraction %f must be in [0, 1)",
			b.reservedFraction)
	}

	if b.highWatermark <= 0 || b.lowWatermark < 0 ||
		b.lowWatermark >= b.highWatermark {
		log.Panicf("invalid watermarks: high %d, low %d",
			b.highWatermark, b.lowWatermark)
	}

	total := b.provider.TotalPages()
	ceiling := int(math.Floor(float64(total) * (1 - b.reservedFraction)))

	if ceiling <= 0 {
		log.Panicf("frame table %s: no frames left after reserving %.0f%% "+
			"of %d pages", name, b.reservedFraction*100, total)
	}

	return &Table{
		name:       name,
		provider:   b.provider,
		windowBase: b.windowBase,
		high:       b.highWatermark,
		low:        b.lowWatermark,
		slots:      make([]slot, ceiling),
		buffer:     make([]ID, 0, b.highWatermark),
	}
}
