package server

import (
	"fmt"
	"log/slog"

	"github.com/sarchlab/vmserver/coro"
	"github.com/sarchlab/vmserver/mem/fault"
	"github.com/sarchlab/vmserver/mem/frame"
	"github.com/sarchlab/vmserver/mem/pagefile"
	"github.com/sarchlab/vmserver/mem/pager"
	"github.com/sarchlab/vmserver/mem/phys"
	"github.com/sarchlab/vmserver/proc"
	"github.com/sarchlab/vmserver/sim/timing"
)

// Builder can build servers.
type Builder struct {
	config   Config
	engine   timing.Engine
	sched    *coro.Scheduler
	provider phys.Provider
	device   pagefile.Device
	logger   *slog.Logger
}

// MakeBuilder creates a builder with the default configuration.
func MakeBuilder() Builder {
	return Builder{
		config: DefaultConfig(),
	}
}

// WithConfig sets the boot parameters.
func (b Builder) WithConfig(c Config) Builder {
	b.config = c
	return b
}

// WithEngine sets the engine that drives the tasks. A serial engine is
// created if none is given.
func (b Builder) WithEngine(e timing.Engine) Builder {
	b.engine = e
	return b
}

// WithScheduler sets the scheduler of the server, which brings its own
// engine. Devices passed to WithDevice must complete on this scheduler.
func (b Builder) WithScheduler(s *coro.Scheduler) Builder {
	b.sched = s
	return b
}

// WithProvider sets the physical memory provider. An arena of
// Config.TotalPages pages is created if none is given.
func (b Builder) WithProvider(p phys.Provider) Builder {
	b.provider = p
	return b
}

// WithDevice sets the device behind the page file, overriding
// Config.PageFilePath.
func (b Builder) WithDevice(d pagefile.Device) Builder {
	b.device = d
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l *slog.Logger) Builder {
	b.logger = l
	return b
}

// Build boots a server.
func (b Builder) Build(name string) (*Server, error) {
	if err := b.config.Validate(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		name:   name,
		config: b.config,
		engine: b.engine,
		logger: logger.With("component", name),
	}

	if b.sched != nil {
		s.sched = b.sched
		s.engine = b.sched.Engine()
	} else {
		if s.engine == nil {
			s.engine = timing.NewSerialEngine()
		}

		s.sched = coro.NewScheduler(name+".Scheduler", s.engine)
	}

	s.provider = b.provider
	if s.provider == nil {
		arena := phys.MakeArenaBuilder().
			WithTotalPages(b.config.TotalPages).
			Build(name + ".Arena")
		s.provider = arena
		s.closers = append(s.closers, arena.Close)
	}

	s.frames = frame.MakeBuilder().
		WithProvider(s.provider).
		WithReservedFraction(b.config.ReservedFraction).
		WithWatermarks(b.config.HighWatermark, b.config.LowWatermark).
		Build(name + ".Frames")

	dev, err := b.buildDevice(s)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	s.file = pagefile.New(dev, b.config.PageFileSlots)
	s.procs = proc.NewDirectory(s.sched, s.reap,
		logger.With("component", name+".Processes"))

	s.pager = pager.MakeBuilder().
		WithFrameTable(s.frames).
		WithProvider(s.provider).
		WithPageFile(s.file).
		WithScheduler(s.sched).
		WithProcessDirectory(s.procs).
		WithLogger(logger).
		Build(name + ".Pager")

	s.faults = fault.MakeBuilder().
		WithFrameTable(s.frames).
		WithProvider(s.provider).
		WithPager(s.pager).
		WithProcessDirectory(s.procs).
		WithLogger(logger).
		Build(name + ".Faults")

	s.pager.SetFrameSource(s.faults)

	s.logger.Info("server booted",
		"total_pages", s.provider.TotalPages(),
		"frame_ceiling", s.frames.Len(),
		"pagefile_slots", b.config.PageFileSlots,
		"pagefile", pageFileName(b.config.PageFilePath))

	return s, nil
}

func (b Builder) buildDevice(s *Server) (pagefile.Device, error) {
	if b.device != nil {
		return b.device, nil
	}

	c := b.config

	if c.PageFilePath == "" {
		return pagefile.NewMemDevice(int(c.PageFileBytes()), s.sched,
			c.IOLatency, c.MaxTransfer), nil
	}

	dev, err := pagefile.OpenFileDevice(c.PageFilePath, c.PageFileBytes(),
		s.sched, c.IOLatency, c.MaxTransfer)
	if err != nil {
		return nil, fmt.Errorf("server %s: %w", s.name, err)
	}

	s.closers = append(s.closers, dev.Close)

	return dev, nil
}

func pageFileName(path string) string {
	if path == "" {
		return "(memory)"
	}

	return path
}
