// Package fault resolves page faults.
package fault

import (
	"errors"
	"fmt"
	"log"
	"log/slog"

	"github.com/sarchlab/vmserver/coro"
	"github.com/sarchlab/vmserver/mem/addrspace"
	"github.com/sarchlab/vmserver/mem/frame"
	"github.com/sarchlab/vmserver/mem/pagedir"
	"github.com/sarchlab/vmserver/mem/pager"
	"github.com/sarchlab/vmserver/mem/phys"
	"github.com/sarchlab/vmserver/mem/vm"
	"github.com/sarchlab/vmserver/sim/hooking"
	"github.com/sarchlab/vmserver/sim/id"
)

// Errors of fault handling. Both are terminal for the faulting process.
var (
	ErrPermissionDenied = errors.New("fault: permission denied")
	ErrNoProcess        = errors.New("fault: no such process")
)

// Hook positions of the dispatcher. The item of the hook context is a
// *Record. At HookPosFaultEnd the detail is a *Result.
var (
	HookPosFaultStart = &hooking.HookPos{Name: "FaultStart"}
	HookPosFaultEnd   = &hooking.HookPos{Name: "FaultEnd"}
)

// A Record identifies one fault being handled.
type Record struct {
	ID    string
	Task  *coro.Task
	Fault Fault
}

// A Result tells how a fault was handled.
type Result struct {
	Class Class
	Err   error
}

// Stats counts faults by class. Faults of pids with no process are only
// counted in NoProcess.
type Stats struct {
	Faults      uint64
	ByClass     map[Class]uint64
	NoProcess   uint64
	StackGrowth uint64
	TableRetry  uint64
	Failures    uint64
}

// Pager is the part of the pager that the dispatcher drives.
type Pager interface {
	Gate() *coro.Gate
	PageOut(t *coro.Task) (frame.ID, error)
	PageIn(t *coro.Task, as *addrspace.AddressSpace, vpn vm.VPN,
		access vm.Access) error
}

// A Dispatcher classifies faults and routes them.
type Dispatcher struct {
	hooking.HookableBase

	name     string
	frames   *frame.Table
	provider phys.Provider
	pager    Pager
	procs    pager.ProcessDirectory
	logger   *slog.Logger

	stats Stats
}

// Name returns the name of the dispatcher.
func (d *Dispatcher) Name() string {
	return d.name
}

// Stats returns the fault statistics.
func (d *Dispatcher) Stats() Stats {
	st := d.stats
	st.ByClass = make(map[Class]uint64, len(d.stats.ByClass))

	for k, v := range d.stats.ByClass {
		st.ByClass[k] = v
	}

	return st
}

// Handle resolves a fault inside task t. A returned error means the fault
// cannot be resolved and the process must not continue.
func (d *Dispatcher) Handle(t *coro.Task, f Fault) error {
	d.stats.Faults++

	rec := &Record{ID: id.Generate(), Task: t, Fault: f}
	d.invoke(HookPosFaultStart, rec, nil)

	class, err := d.handle(t, f)

	if errors.Is(err, ErrNoProcess) {
		d.stats.NoProcess++
	} else {
		d.stats.ByClass[class]++
	}

	if err != nil {
		d.stats.Failures++
		d.logger.Info("unresolved fault", "fault", f.String(),
			"class", class.String(), "error", err)
	}

	d.invoke(HookPosFaultEnd, rec, &Result{Class: class, Err: err})

	return err
}

func (d *Dispatcher) handle(t *coro.Task, f Fault) (Class, error) {
	as, err := d.procs.AddressSpace(f.PID)
	if err != nil {
		return PermissionDenied, fmt.Errorf("%w: pid %d: %w",
			ErrNoProcess, f.PID, err)
	}

	class := Classify(as, f)
	vpn := vm.PageOf(f.Addr)

	switch class {
	case PermissionDenied:
		return class, fmt.Errorf("%w: %s", ErrPermissionDenied, f)
	case AlreadyMapped:
		return class, nil
	case Evicted:
		return class, d.pager.PageIn(t, as, vpn, f.Access)
	case UnmappedInRegion:
		region, _ := as.Regions.Find(f.Addr)
		return class, d.MapFresh(t, as, vpn, region, f.Access)
	}

	var oldStart uint64
	if stack, ok := as.Regions.Stack(); ok {
		oldStart = stack.Start
	}

	if err := as.Regions.GrowStack(f.Addr); err != nil {
		return class, fmt.Errorf("%w: %s: %w", ErrPermissionDenied, f, err)
	}

	region, _ := as.Regions.Find(f.Addr)
	newStart := region.Start

	if err := d.MapFresh(t, as, vpn, region, f.Access); err != nil {
		d.undoStackGrowth(as, newStart, oldStart)
		return class, err
	}

	d.stats.StackGrowth++

	return class, nil
}

// undoStackGrowth gives the pages in [from, to) back when none of them got
// mapped and the stack has not grown further since.
func (d *Dispatcher) undoStackGrowth(
	as *addrspace.AddressSpace,
	from, to uint64,
) {
	stack, ok := as.Regions.Stack()
	if !ok || stack.Start != from {
		return
	}

	for vpn := vm.PageOf(from); vpn < vm.PageOf(to); vpn++ {
		if _, present := as.Dir.Lookup(vpn); present {
			return
		}
	}

	if err := as.Regions.ShrinkStack(to); err != nil {
		log.Panicf("undoing stack growth of pid %d: %v", as.PID, err)
	}
}

// ObtainFrame returns a fresh frame, evicting a page when the frame table is
// at its ceiling. It must be called without the paging gate.
func (d *Dispatcher) ObtainFrame(t *coro.Task) (frame.ID, error) {
	f, err := d.frames.Allocate()
	if err == nil {
		return f, nil
	}

	if !errors.Is(err, frame.ErrOutOfMemory) {
		return frame.NoFrame, err
	}

	return d.pager.PageOut(t)
}

// MapFresh backs vpn with a new zeroed frame. The region's rights are
// checked first; a mismatch is a permission fault and nothing is mapped.
func (d *Dispatcher) MapFresh(
	t *coro.Task,
	as *addrspace.AddressSpace,
	vpn vm.VPN,
	region *addrspace.Region,
	access vm.Access,
) error {
	if !addrspace.CheckPermission(region, access) {
		return fmt.Errorf("%w: %s access to %#x",
			ErrPermissionDenied, access, vpn.Addr())
	}

	gate := d.pager.Gate()

	for {
		f, err := d.ObtainFrame(t)
		if err != nil {
			return err
		}

		gate.Lock(t)

		done, err := d.install(as, vpn, region, f)
		gate.Unlock(t)

		if done || err != nil {
			return err
		}

		d.stats.TableRetry++
	}
}

// install maps f at vpn under the paging gate. It reports false, having
// given f to the page directory, when the directory had to take the frame
// for a new table; the caller then needs another frame.
func (d *Dispatcher) install(
	as *addrspace.AddressSpace,
	vpn vm.VPN,
	region *addrspace.Region,
	f frame.ID,
) (bool, error) {
	if as.Destroyed() {
		d.frames.Release(f)
		return true, addrspace.ErrDestroyed
	}

	if _, present := as.Dir.Lookup(vpn); present {
		d.frames.Release(f)
		return true, nil
	}

	if err := as.Dir.EnsureTable(vpn); err != nil {
		if !errors.Is(err, frame.ErrOutOfMemory) {
			d.frames.Release(f)
			return true, err
		}

		d.frames.Release(f)

		if err := as.Dir.EnsureTable(vpn); err != nil {
			return true, err
		}

		return false, nil
	}

	h, err := d.provider.MapInto(as.Root, d.frames.Handle(f), vpn.Addr(),
		region.Rights)
	if err != nil {
		d.frames.Release(f)
		return true, fmt.Errorf("mapping page %#x: %w", vpn.Addr(), err)
	}

	if err := as.Dir.Insert(vpn, pagedir.MappedEntry(h, f)); err != nil {
		return true, err
	}

	d.frames.SetOwner(f, as.PID, vpn)
	d.frames.SetChance(f, frame.FirstChance)

	return true, nil
}

func (d *Dispatcher) invoke(pos *hooking.HookPos, rec *Record, r *Result) {
	if d.NumHooks() == 0 {
		return
	}

	ctx := hooking.HookCtx{Domain: d, Pos: pos, Item: rec}
	if r != nil {
		ctx.Detail = r
	}

	d.InvokeHook(ctx)
}
