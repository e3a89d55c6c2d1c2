package pager

import (
	"log"
	"log/slog"

	"github.com/sarchlab/vmserver/coro"
	"github.com/sarchlab/vmserver/mem/frame"
	"github.com/sarchlab/vmserver/mem/pagefile"
	"github.com/sarchlab/vmserver/mem/phys"
)

// A Builder can build pagers.
type Builder struct {
	frames   *frame.Table
	provider phys.Provider
	file     *pagefile.PageFile
	sched    *coro.Scheduler
	procs    ProcessDirectory
	source   FrameSource
	logger   *slog.Logger
}

// MakeBuilder creates a Builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		logger: slog.Default(),
	}
}

// WithFrameTable sets the frame table to evict from.
func (b Builder) WithFrameTable(t *frame.Table) Builder {
	b.frames = t
	return b
}

// WithProvider sets the provider that maps frames into user tables.
func (b Builder) WithProvider(p phys.Provider) Builder {
	b.provider = p
	return b
}

// WithPageFile sets the page file.
func (b Builder) WithPageFile(f *pagefile.PageFile) Builder {
	b.file = f
	return b
}

// WithScheduler sets the scheduler that wakes tasks waiting for the gate.
func (b Builder) WithScheduler(s *coro.Scheduler) Builder {
	b.sched = s
	return b
}

// WithProcessDirectory sets where victim owners are looked up.
func (b Builder) WithProcessDirectory(d ProcessDirectory) Builder {
	b.procs = d
	return b
}

// WithFrameSource sets where page-in gets its frames from. It can also be
// set after building with SetFrameSource.
func (b Builder) WithFrameSource(s FrameSource) Builder {
	b.source = s
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l *slog.Logger) Builder {
	b.logger = l
	return b
}

// Build creates a new pager.
func (b Builder) Build(name string) *Pager {
	switch {
	case b.frames == nil:
		log.Panicf("pager %s needs a frame table", name)
	case b.provider == nil:
		log.Panicf("pager %s needs a physical memory provider", name)
	case b.file == nil:
		log.Panicf("pager %s needs a page file", name)
	case b.sched == nil:
		log.Panicf("pager %s needs a scheduler", name)
	case b.procs == nil:
		log.Panicf("pager %s needs a process directory", name)
	}

	return &Pager{
		name:     name,
		frames:   b.frames,
		provider: b.provider,
		file:     b.file,
		gate:     coro.NewGate(name+".Gate", b.sched),
		procs:    b.procs,
		source:   b.source,
		logger:   b.logger.With("component", name),
	}
}
