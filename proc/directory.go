package proc

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"sort"

	"github.com/sarchlab/vmserver/coro"
	"github.com/sarchlab/vmserver/mem/addrspace"
	"github.com/sarchlab/vmserver/mem/vm"
)

// ErrNotFound is returned for a pid with no live process.
var ErrNotFound = errors.New("proc: process not found")

// A ReapFunc releases the resources of a dead process. It runs inside its
// own task.
type ReapFunc func(t *coro.Task, p *Process)

// A Directory maps pids to processes. A process that exits while tasks are
// still working for it is torn down when the last of them finishes.
type Directory struct {
	sched   *coro.Scheduler
	reap    ReapFunc
	logger  *slog.Logger
	procs   map[vm.PID]*Process
	nextPID vm.PID
}

// NewDirectory creates an empty directory. Dead processes are handed to
// reap.
func NewDirectory(
	sched *coro.Scheduler,
	reap ReapFunc,
	logger *slog.Logger,
) *Directory {
	return &Directory{
		sched:   sched,
		reap:    reap,
		logger:  logger,
		procs:   make(map[vm.PID]*Process),
		nextPID: 1,
	}
}

// Add registers a new process around an address space created by
// newSpace, which receives the pid chosen for it.
func (d *Directory) Add(
	name string,
	newSpace func(pid vm.PID) (*addrspace.AddressSpace, error),
) (*Process, error) {
	pid := d.nextPID

	as, err := newSpace(pid)
	if err != nil {
		return nil, fmt.Errorf("creating process %s: %w", name, err)
	}

	d.nextPID++

	p := &Process{PID: pid, Name: name, Space: as}
	d.procs[pid] = p

	return p, nil
}

// Get returns the live process with the given pid. Dead processes are not
// found.
func (d *Directory) Get(pid vm.PID) (*Process, error) {
	p, ok := d.procs[pid]
	if !ok || p.state == Dead {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, pid)
	}

	return p, nil
}

// AddressSpace returns the address space of a process that has not been
// torn down.
func (d *Directory) AddressSpace(pid vm.PID) (*addrspace.AddressSpace, error) {
	p, err := d.Get(pid)
	if err != nil {
		return nil, err
	}

	return p.Space, nil
}

// All returns the processes that are not dead, ordered by pid.
func (d *Directory) All() []*Process {
	list := make([]*Process, 0, len(d.procs))

	for _, p := range d.procs {
		if p.state != Dead {
			list = append(list, p)
		}
	}

	sort.Slice(list, func(i, j int) bool { return list[i].PID < list[j].PID })

	return list
}

// BeginTask records that a task starts working for p, which must still be
// running.
func (d *Directory) BeginTask(p *Process) {
	if p.state != Running {
		log.Panicf("starting a task for %s process %d", p.state, p.PID)
	}

	p.active++
}

// EndTask records that a task working for p finished. If p has exited, the
// last task to finish triggers the teardown.
func (d *Directory) EndTask(p *Process) {
	if p.active <= 0 {
		log.Panicf("process %d has no active task to end", p.PID)
	}

	p.active--

	if p.state == Exiting && p.active == 0 {
		d.scheduleTeardown(p)
	}
}

// Exit marks p as ended with status. The first status recorded wins. The
// teardown starts at once if no task is working for p, and is deferred
// otherwise.
func (d *Directory) Exit(p *Process, status ExitStatus) {
	if p.state != Running {
		return
	}

	p.state = Exiting
	p.status = status

	d.logger.Info("process exit", "pid", p.PID, "name", p.Name,
		"status", status.String(), "active_tasks", p.active)

	if p.active == 0 {
		d.scheduleTeardown(p)
	}
}

// WaitExit returns a future that completes with the ExitStatus of p once p
// has been torn down.
func (d *Directory) WaitExit(p *Process) *coro.Future {
	f := d.sched.NewFuture()

	if p.state == Dead {
		f.Complete(p.status, nil)
		return f
	}

	p.waiters = append(p.waiters, f)

	return f
}

func (d *Directory) scheduleTeardown(p *Process) {
	d.sched.Submit(fmt.Sprintf("reap-%d", p.PID), nil,
		func(t *coro.Task, _ any) (any, error) {
			d.reap(t, p)
			d.finish(p)

			return nil, nil
		})
}

func (d *Directory) finish(p *Process) {
	p.state = Dead
	delete(d.procs, p.PID)

	for _, f := range p.waiters {
		f.Complete(p.status, nil)
	}

	p.waiters = nil
}
