// Package server assembles the virtual memory server: physical memory, the
// frame table, the page file, the pager, the fault dispatcher and the
// process directory, all driven by one coroutine scheduler.
package server

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/sarchlab/vmserver/coro"
	"github.com/sarchlab/vmserver/mem/addrspace"
	"github.com/sarchlab/vmserver/mem/fault"
	"github.com/sarchlab/vmserver/mem/frame"
	"github.com/sarchlab/vmserver/mem/pagedir"
	"github.com/sarchlab/vmserver/mem/pagefile"
	"github.com/sarchlab/vmserver/mem/pager"
	"github.com/sarchlab/vmserver/mem/phys"
	"github.com/sarchlab/vmserver/mem/vm"
	"github.com/sarchlab/vmserver/proc"
	"github.com/sarchlab/vmserver/sim/timing"
)

// ErrNotRunning is returned when work is submitted for a process that has
// exited.
var ErrNotRunning = errors.New("server: process is not running")

// The addresses of the standard process layout.
const (
	TextBase uint64 = 0x0040_0000
	HeapBase uint64 = 0x1000_0000
	StackTop uint64 = 0xc000_0000
)

// A ProcessSpec describes a process to spawn.
type ProcessSpec struct {
	Name    string
	Regions []addrspace.Region
}

// StandardLayout returns a process with a read-only executable text region,
// a heap and a stack, sized in pages.
func StandardLayout(name string, textPages, heapPages, stackPages int) ProcessSpec {
	return ProcessSpec{
		Name: name,
		Regions: []addrspace.Region{
			{
				Name:   "text",
				Kind:   addrspace.Fixed,
				Start:  TextBase,
				End:    TextBase + uint64(textPages)*vm.PageSize,
				Rights: vm.RightRead | vm.RightExecute,
			},
			{
				Name:   "heap",
				Kind:   addrspace.Heap,
				Start:  HeapBase,
				End:    HeapBase + uint64(heapPages)*vm.PageSize,
				Rights: vm.RightReadWrite,
			},
			{
				Name:   "stack",
				Kind:   addrspace.Stack,
				Start:  StackTop - uint64(stackPages)*vm.PageSize,
				End:    StackTop,
				Rights: vm.RightReadWrite,
			},
		},
	}
}

// A ProcFunc is work done on behalf of a process inside a task.
type ProcFunc func(t *coro.Task, p *proc.Process) error

// Stats is a snapshot of the counters of all the parts of a server.
type Stats struct {
	Now             timing.VTimeInSec
	Frames          frame.Stats
	Pager           pager.Stats
	Faults          fault.Stats
	PageFile        pagefile.Stats
	FreeSlots       int
	GateAcquired    uint64
	GateContended   uint64
	Processes       int
	LiveTasks       int
	PhysicalPages   int
	ReservedPercent float64
}

// A Server owns the virtual memory of all user processes.
type Server struct {
	name     string
	config   Config
	engine   timing.Engine
	sched    *coro.Scheduler
	provider phys.Provider
	frames   *frame.Table
	file     *pagefile.PageFile
	pager    *pager.Pager
	faults   *fault.Dispatcher
	procs    *proc.Directory
	logger   *slog.Logger
	closers  []func() error
}

// Name returns the name of the server.
func (s *Server) Name() string {
	return s.name
}

// Config returns the boot parameters.
func (s *Server) Config() Config {
	return s.config
}

// Engine returns the engine that drives the server.
func (s *Server) Engine() timing.Engine {
	return s.engine
}

// Scheduler returns the task scheduler.
func (s *Server) Scheduler() *coro.Scheduler {
	return s.sched
}

// Provider returns the physical memory provider.
func (s *Server) Provider() phys.Provider {
	return s.provider
}

// Frames returns the frame table.
func (s *Server) Frames() *frame.Table {
	return s.frames
}

// PageFile returns the page file.
func (s *Server) PageFile() *pagefile.PageFile {
	return s.file
}

// Pager returns the pager.
func (s *Server) Pager() *pager.Pager {
	return s.pager
}

// Faults returns the fault dispatcher.
func (s *Server) Faults() *fault.Dispatcher {
	return s.faults
}

// Processes returns the process directory.
func (s *Server) Processes() *proc.Directory {
	return s.procs
}

// Spawn creates a process with the regions of spec and an empty address
// space.
func (s *Server) Spawn(spec ProcessSpec) (*proc.Process, error) {
	p, err := s.procs.Add(spec.Name,
		func(pid vm.PID) (*addrspace.AddressSpace, error) {
			as, err := addrspace.New(pid, s.frames, s.provider)
			if err != nil {
				return nil, err
			}

			for _, r := range spec.Regions {
				if err := as.Regions.Add(r); err != nil {
					as.Destroy(s.releaseEntry)
					return nil, err
				}
			}

			return as, nil
		})
	if err != nil {
		return nil, err
	}

	s.logger.Info("process spawned", "pid", p.PID, "name", p.Name,
		"regions", p.Space.Regions.Len())

	return p, nil
}

// Submit starts fn in a new task working for p. The process is not torn
// down before the task finishes.
func (s *Server) Submit(p *proc.Process, name string, fn ProcFunc) (
	*coro.Task, error,
) {
	if p.State() != proc.Running {
		return nil, fmt.Errorf("%w: pid %d is %s", ErrNotRunning, p.PID, p.State())
	}

	s.procs.BeginTask(p)

	t := s.sched.Submit(name, nil, func(t *coro.Task, _ any) (any, error) {
		return nil, fn(t, p)
	})
	t.OnFinish(func(*coro.Task) { s.procs.EndTask(p) })

	return t, nil
}

// HandleFault resolves a fault raised by p. A fault that cannot be resolved
// kills the process and the error is returned.
func (s *Server) HandleFault(
	t *coro.Task,
	p *proc.Process,
	addr uint64,
	access vm.Access,
	status vm.Status,
) error {
	err := s.faults.Handle(t, fault.Fault{
		PID: p.PID, Addr: addr, Access: access, Status: status,
	})
	if err != nil {
		s.Kill(p, err)
	}

	return err
}

// Kill ends p because of err.
func (s *Server) Kill(p *proc.Process, err error) {
	s.procs.Exit(p, proc.ExitStatus{Killed: true, Reason: err.Error()})
}

// Exit ends p normally with code.
func (s *Server) Exit(p *proc.Process, code int) {
	s.procs.Exit(p, proc.ExitStatus{Code: code})
}

// WaitExit suspends t until the process pid is torn down and returns how it
// ended.
func (s *Server) WaitExit(t *coro.Task, pid vm.PID) (proc.ExitStatus, error) {
	p, err := s.procs.Get(pid)
	if err != nil {
		return proc.ExitStatus{}, err
	}

	v, err := s.procs.WaitExit(p).Await(t)
	if err != nil {
		return proc.ExitStatus{}, err
	}

	return v.(proc.ExitStatus), nil
}

// Brk moves the top of the heap of p and returns the new top. Pages above
// a lowered top are dropped along with their frames and slots.
func (s *Server) Brk(t *coro.Task, p *proc.Process, top uint64) (uint64, error) {
	gate := s.pager.Gate()
	gate.Lock(t)
	defer gate.Unlock(t)

	as := p.Space
	if as.Destroyed() {
		return 0, addrspace.ErrDestroyed
	}

	old, err := as.Regions.SetHeapTop(top)
	if err != nil {
		return old, err
	}

	heap, _ := as.Regions.Heap()

	for vpn := vm.PageOf(heap.End); vpn < vm.PageOf(old); vpn++ {
		e, err := as.Dir.Remove(vpn)
		if err != nil {
			return heap.End, err
		}

		s.releaseEntry(vpn, e)
	}

	s.logger.Debug("brk", "pid", p.PID,
		"old", fmt.Sprintf("%#x", old), "new", fmt.Sprintf("%#x", heap.End))

	return heap.End, nil
}

// Run drives the engine until no event is left. Tasks still suspended at
// that point will never resume; they are logged.
func (s *Server) Run() error {
	err := s.engine.Run()

	for _, t := range s.sched.Blocked() {
		s.logger.Warn("task blocked with no event left",
			"task", t.String(), "waiting_on", t.WaitingOn())
	}

	return err
}

// Stats returns a snapshot of the server counters.
func (s *Server) Stats() Stats {
	acquired, contended := s.pager.Gate().Acquisitions()

	return Stats{
		Now:             s.engine.Now(),
		Frames:          s.frames.Stats(),
		Pager:           s.pager.Stats(),
		Faults:          s.faults.Stats(),
		PageFile:        s.file.Stats(),
		FreeSlots:       s.file.Slots().Len(),
		GateAcquired:    acquired,
		GateContended:   contended,
		Processes:       len(s.procs.All()),
		LiveTasks:       s.sched.NumLive(),
		PhysicalPages:   s.provider.TotalPages(),
		ReservedPercent: s.config.ReservedFraction * 100,
	}
}

// Close releases the host resources of the server.
func (s *Server) Close() error {
	var errs []error

	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}

	s.closers = nil

	return errors.Join(errs...)
}

func (s *Server) reap(t *coro.Task, p *proc.Process) {
	gate := s.pager.Gate()
	gate.Lock(t)
	defer gate.Unlock(t)

	mapped, evicted := p.Space.Dir.Counts()
	p.Space.Destroy(s.releaseEntry)

	s.logger.Info("process reaped", "pid", p.PID, "name", p.Name,
		"status", p.Status().String(),
		"frames_released", mapped, "slots_released", evicted)
}

func (s *Server) releaseEntry(_ vm.VPN, e pagedir.Entry) {
	switch e.Kind {
	case pagedir.Mapped:
		s.frames.Release(e.Frame)
	case pagedir.Evicted:
		s.file.Slots().Push(e.Slot)
	}
}
