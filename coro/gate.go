package coro

import (
	"log"

	"github.com/sarchlab/vmserver/sim/hooking"
)

// Hook positions of a gate. The item of the hook context is the task.
var (
	HookPosGateAcquire = &hooking.HookPos{Name: "GateAcquire"}
	HookPosGateWait    = &hooking.HookPos{Name: "GateWait"}
	HookPosGateRelease = &hooking.HookPos{Name: "GateRelease"}
)

// A Gate is a mutual-exclusion lock for tasks. Waiters are admitted strictly
// in arrival order: Unlock hands ownership directly to the oldest waiter, so
// a task that arrives later can never overtake it. A gate is not re-entrant.
type Gate struct {
	hooking.HookableBase

	name    string
	sched   *Scheduler
	owner   *Task
	waiters []*Task

	acquisitions uint64
	contended    uint64
}

// NewGate creates an open gate whose waiters are woken through s.
func NewGate(name string, s *Scheduler) *Gate {
	return &Gate{name: name, sched: s}
}

// Name returns the name of the gate.
func (g *Gate) Name() string {
	return g.name
}

// Lock acquires the gate for t, suspending t behind earlier waiters.
func (g *Gate) Lock(t *Task) {
	if g.owner == t {
		log.Panicf("task %s re-entering gate %s", t.name, g.name)
	}

	g.acquisitions++

	if g.owner == nil {
		g.owner = t
		g.invoke(HookPosGateAcquire, t)

		return
	}

	g.contended++
	g.waiters = append(g.waiters, t)
	g.invoke(HookPosGateWait, t)

	t.Suspend("gate " + g.name)

	if g.owner != t {
		log.Panicf("task %s woken without owning gate %s", t.name, g.name)
	}

	g.invoke(HookPosGateAcquire, t)
}

// Unlock releases the gate held by t and admits the oldest waiter.
func (g *Gate) Unlock(t *Task) {
	if g.owner != t {
		log.Panicf("task %s releasing gate %s it does not hold",
			t.name, g.name)
	}

	g.invoke(HookPosGateRelease, t)

	if len(g.waiters) == 0 {
		g.owner = nil
		return
	}

	next := g.waiters[0]
	g.waiters[0] = nil
	g.waiters = g.waiters[1:]
	g.owner = next
	g.sched.Wake(next, nil)
}

// Owner returns the task holding the gate, or nil if the gate is open.
func (g *Gate) Owner() *Task {
	return g.owner
}

// HeldBy tells if t holds the gate.
func (g *Gate) HeldBy(t *Task) bool {
	return t != nil && g.owner == t
}

// NumWaiting returns the number of tasks queued behind the owner.
func (g *Gate) NumWaiting() int {
	return len(g.waiters)
}

// Acquisitions returns how many times the gate was requested and how many of
// those requests had to wait.
func (g *Gate) Acquisitions() (total, contended uint64) {
	return g.acquisitions, g.contended
}

func (g *Gate) invoke(pos *hooking.HookPos, t *Task) {
	if g.NumHooks() == 0 {
		return
	}

	g.InvokeHook(hooking.HookCtx{Domain: g, Pos: pos, Item: t})
}
