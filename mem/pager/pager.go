// Package pager moves pages between frames and the page file.
//
// Every paging operation runs inside the paging gate, so at most one is in
// flight and the frame table and the page directories are never seen half
// updated. Operations that find the gate held wait in arrival order.
package pager

import (
	"errors"
	"fmt"
	"log"
	"log/slog"

	"github.com/sarchlab/vmserver/coro"
	"github.com/sarchlab/vmserver/mem/addrspace"
	"github.com/sarchlab/vmserver/mem/frame"
	"github.com/sarchlab/vmserver/mem/pagedir"
	"github.com/sarchlab/vmserver/mem/pagefile"
	"github.com/sarchlab/vmserver/mem/phys"
	"github.com/sarchlab/vmserver/mem/vm"
	"github.com/sarchlab/vmserver/sim/hooking"
	"github.com/sarchlab/vmserver/sim/id"
)

// Errors of paging operations.
var (
	ErrPageFileFull = errors.New("pager: page file full")
	ErrNoVictim     = errors.New("pager: no evictable frame")
)

// Hook positions of the pager. The item of the hook context is an *Op; at
// the end positions the detail is the error of the operation, if any.
var (
	HookPosPageOutStart = &hooking.HookPos{Name: "PageOutStart"}
	HookPosPageOutEnd   = &hooking.HookPos{Name: "PageOutEnd"}
	HookPosPageInStart  = &hooking.HookPos{Name: "PageInStart"}
	HookPosPageInEnd    = &hooking.HookPos{Name: "PageInEnd"}
)

// OpKind tells page-ins and page-outs apart.
type OpKind string

// The operation kinds.
const (
	OpPageOut OpKind = "page-out"
	OpPageIn  OpKind = "page-in"
)

// An Op describes one paging operation.
type Op struct {
	ID     string
	Kind   OpKind
	Task   *coro.Task
	PID    vm.PID
	VPN    vm.VPN
	Access vm.Access
	Frame  frame.ID
	Slot   pagefile.SlotID
}

// A FrameSource provides fresh frames, evicting a page if it has to. It is
// called without the paging gate held.
type FrameSource interface {
	ObtainFrame(t *coro.Task) (frame.ID, error)
}

// A ProcessDirectory locates the address space of a process.
type ProcessDirectory interface {
	AddressSpace(pid vm.PID) (*addrspace.AddressSpace, error)
}

// Stats counts paging activity.
type Stats struct {
	PageOuts        uint64
	PageIns         uint64
	PageOutFailures uint64
	PageInFailures  uint64
	Rollbacks       uint64
	StalePageIns    uint64
	ClockSteps      uint64
}

// A Pager performs page-outs and page-ins.
type Pager struct {
	hooking.HookableBase

	name     string
	frames   *frame.Table
	provider phys.Provider
	file     *pagefile.PageFile
	gate     *coro.Gate
	procs    ProcessDirectory
	source   FrameSource
	logger   *slog.Logger

	cursor int
	stats  Stats
}

// Name returns the name of the pager.
func (p *Pager) Name() string {
	return p.name
}

// Gate returns the paging gate.
func (p *Pager) Gate() *coro.Gate {
	return p.gate
}

// PageFile returns the page file the pager writes to.
func (p *Pager) PageFile() *pagefile.PageFile {
	return p.file
}

// SetFrameSource sets where page-in gets its frames from.
func (p *Pager) SetFrameSource(s FrameSource) {
	p.source = s
}

// Stats returns the paging statistics.
func (p *Pager) Stats() Stats {
	return p.stats
}

// PageOut evicts one page and returns the frame that held it, zeroed and
// without owner.
func (p *Pager) PageOut(t *coro.Task) (frame.ID, error) {
	p.gate.Lock(t)
	defer p.gate.Unlock(t)

	op := &Op{ID: id.Generate(), Kind: OpPageOut, Task: t,
		Frame: frame.NoFrame}
	p.invoke(HookPosPageOutStart, op, nil)

	f, err := p.pageOut(t, op)
	if err != nil {
		p.stats.PageOutFailures++
		p.logger.Warn("page-out failed", "task", t.Name(), "error", err)
	} else {
		p.stats.PageOuts++
		p.logger.Debug("page-out",
			"pid", op.PID, "page", fmt.Sprintf("%#x", op.VPN.Addr()),
			"frame", f, "slot", op.Slot)
	}

	p.invoke(HookPosPageOutEnd, op, err)

	return f, err
}

func (p *Pager) pageOut(t *coro.Task, op *Op) (frame.ID, error) {
	slots := p.file.Slots()
	if slots.Len() == 0 {
		return frame.NoFrame, ErrPageFileFull
	}

	victim, err := p.selectVictim()
	if err != nil {
		return frame.NoFrame, err
	}

	owner, _ := p.frames.Owner(victim)
	op.PID, op.VPN, op.Frame = owner.PID, owner.VPN, victim

	as, err := p.procs.AddressSpace(owner.PID)
	if err != nil {
		log.Panicf("frame %d is owned by pid %d which has no address "+
			"space: %v", victim, owner.PID, err)
	}

	slot, _ := slots.Pop()
	op.Slot = slot

	if _, err := as.Dir.Evict(owner.VPN, slot); err != nil {
		slots.Push(slot)
		return frame.NoFrame, err
	}

	p.frames.ClearOwner(victim)

	if err := p.file.WriteSlot(t, slot, p.frames.Bytes(victim)); err != nil {
		p.rollback(as, owner.VPN, victim, slot)
		return frame.NoFrame, err
	}

	p.frames.Zero(victim)

	return victim, nil
}

// rollback undoes an eviction whose write failed, so the page is present
// again as if nothing happened.
func (p *Pager) rollback(
	as *addrspace.AddressSpace,
	vpn vm.VPN,
	f frame.ID,
	slot pagefile.SlotID,
) {
	h := p.mapFrame(as, vpn, f)

	as.Dir.Restore(vpn, pagedir.MappedEntry(h, f))
	p.frames.SetOwner(f, as.PID, vpn)
	p.frames.SetChance(f, frame.FirstChance)
	p.file.Slots().Push(slot)
	p.stats.Rollbacks++
}

func (p *Pager) mapFrame(
	as *addrspace.AddressSpace,
	vpn vm.VPN,
	f frame.ID,
) phys.Handle {
	rights, ok := as.RightsAt(vpn.Addr())
	if !ok {
		log.Panicf("page %#x of pid %d is present outside of any region",
			vpn.Addr(), as.PID)
	}

	h, err := p.provider.MapInto(as.Root, p.frames.Handle(f), vpn.Addr(),
		rights)
	if err != nil {
		log.Panicf("mapping frame %d at %#x of pid %d: %v",
			f, vpn.Addr(), as.PID, err)
	}

	return h
}

// PageIn brings the evicted page vpn of as back into memory. It returns nil
// without doing anything if the page is no longer evicted when the gate is
// acquired.
func (p *Pager) PageIn(
	t *coro.Task,
	as *addrspace.AddressSpace,
	vpn vm.VPN,
	access vm.Access,
) error {
	op := &Op{ID: id.Generate(), Kind: OpPageIn, Task: t,
		PID: as.PID, VPN: vpn, Access: access, Frame: frame.NoFrame}
	p.invoke(HookPosPageInStart, op, nil)

	err := p.pageIn(t, as, op)
	if err != nil {
		p.stats.PageInFailures++
		p.logger.Warn("page-in failed", "pid", as.PID,
			"page", fmt.Sprintf("%#x", vpn.Addr()), "error", err)
	}

	p.invoke(HookPosPageInEnd, op, err)

	return err
}

func (p *Pager) pageIn(t *coro.Task, as *addrspace.AddressSpace, op *Op) error {
	p.gate.Lock(t)

	if !p.stillEvicted(as, op.VPN) {
		p.gate.Unlock(t)
		p.stats.StalePageIns++

		return p.staleResult(as)
	}

	// Getting a frame may page out, which takes the gate itself.
	p.gate.Unlock(t)

	f, err := p.source.ObtainFrame(t)
	if err != nil {
		return fmt.Errorf("obtaining a frame for page-in: %w", err)
	}

	p.gate.Lock(t)
	defer p.gate.Unlock(t)

	if !p.stillEvicted(as, op.VPN) {
		p.frames.Release(f)
		p.stats.StalePageIns++

		return p.staleResult(as)
	}

	e, _ := as.Dir.Lookup(op.VPN)
	op.Slot, op.Frame = e.Slot, f

	if err := p.file.ReadSlot(t, e.Slot, p.frames.Bytes(f)); err != nil {
		p.frames.Release(f)
		return err
	}

	h := p.mapFrame(as, op.VPN, f)
	as.Dir.Restore(op.VPN, pagedir.MappedEntry(h, f))
	p.frames.SetOwner(f, as.PID, op.VPN)
	p.frames.SetChance(f, frame.FirstChance)
	p.file.Slots().Push(e.Slot)
	p.provider.FlushCaches(p.frames.Handle(f))

	p.stats.PageIns++
	p.logger.Debug("page-in",
		"pid", as.PID, "page", fmt.Sprintf("%#x", op.VPN.Addr()),
		"frame", f, "slot", e.Slot)

	return nil
}

func (p *Pager) stillEvicted(as *addrspace.AddressSpace, vpn vm.VPN) bool {
	return !as.Destroyed() && as.Dir.IsEvicted(vpn)
}

func (p *Pager) staleResult(as *addrspace.AddressSpace) error {
	if as.Destroyed() {
		return addrspace.ErrDestroyed
	}

	return nil
}

func (p *Pager) invoke(pos *hooking.HookPos, op *Op, err error) {
	if p.NumHooks() == 0 {
		return
	}

	ctx := hooking.HookCtx{Domain: p, Pos: pos, Item: op}
	if err != nil {
		ctx.Detail = err
	}

	p.InvokeHook(ctx)
}
