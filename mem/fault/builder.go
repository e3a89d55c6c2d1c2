package fault

import (
	"log"
	"log/slog"

	"github.com/sarchlab/vmserver/mem/frame"
	"github.com/sarchlab/vmserver/mem/pager"
	"github.com/sarchlab/vmserver/mem/phys"
)

// A Builder can build dispatchers.
type Builder struct {
	frames   *frame.Table
	provider phys.Provider
	pager    Pager
	procs    pager.ProcessDirectory
	logger   *slog.Logger
}

// MakeBuilder creates a Builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		logger: slog.Default(),
	}
}

// WithFrameTable sets the frame table fresh frames come from.
func (b Builder) WithFrameTable(t *frame.Table) Builder {
	b.frames = t
	return b
}

// WithProvider sets the provider that installs mappings.
func (b Builder) WithProvider(p phys.Provider) Builder {
	b.provider = p
	return b
}

// WithPager sets the pager.
func (b Builder) WithPager(p Pager) Builder {
	b.pager = p
	return b
}

// WithProcessDirectory sets where faulting processes are looked up.
func (b Builder) WithProcessDirectory(d pager.ProcessDirectory) Builder {
	b.procs = d
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l *slog.Logger) Builder {
	b.logger = l
	return b
}

// Build creates a new dispatcher.
func (b Builder) Build(name string) *Dispatcher {
	switch {
	case b.frames == nil:
		log.Panicf("dispatcher %s needs a frame table", name)
	case b.provider == nil:
		log.Panicf("dispatcher %s needs a physical memory provider", name)
	case b.pager == nil:
		log.Panicf("dispatcher %s needs a pager", name)
	case b.procs == nil:
		log.Panicf("dispatcher %s needs a process directory", name)
	}

	return &Dispatcher{
		name:     name,
		frames:   b.frames,
		provider: b.provider,
		pager:    b.pager,
		procs:    b.procs,
		logger:   b.logger.With("component", name),
		stats:    Stats{ByClass: make(map[Class]uint64)},
	}
}
