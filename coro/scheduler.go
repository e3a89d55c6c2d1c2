// Package coro provides the cooperative task substrate of the server.
//
// Every inbound event (a fault, a syscall, an I/O completion) runs inside a
// Task. A task owns its own stack and runs until it yields or returns; only
// one task runs at any moment, so the server keeps a single logical thread
// of control even though each task is backed by a goroutine. Suspended tasks
// are resumed only by an explicit Wake, which is delivered through the
// timing engine.
package coro

import (
	"log"
	"sort"

	"github.com/sarchlab/vmserver/sim/hooking"
	"github.com/sarchlab/vmserver/sim/id"
	"github.com/sarchlab/vmserver/sim/timing"
)

// Hook positions of the scheduler. The item of the hook context is the task.
var (
	HookPosTaskStart   = &hooking.HookPos{Name: "TaskStart"}
	HookPosTaskSuspend = &hooking.HookPos{Name: "TaskSuspend"}
	HookPosTaskResume  = &hooking.HookPos{Name: "TaskResume"}
	HookPosTaskEnd     = &hooking.HookPos{Name: "TaskEnd"}
)

// A Scheduler creates tasks and delivers their wake-ups.
type Scheduler struct {
	hooking.HookableBase

	name    string
	engine  timing.Engine
	current *Task
	live    map[*Task]struct{}
}

// NewScheduler creates a scheduler that delivers wake-ups through engine.
func NewScheduler(name string, engine timing.Engine) *Scheduler {
	return &Scheduler{
		name:   name,
		engine: engine,
		live:   make(map[*Task]struct{}),
	}
}

// Name returns the name of the scheduler.
func (s *Scheduler) Name() string {
	return s.name
}

// Engine returns the engine that delivers the scheduler's events.
func (s *Scheduler) Engine() timing.Engine {
	return s.engine
}

// Current returns the running task, or nil when control is in the engine
// loop.
func (s *Scheduler) Current() *Task {
	return s.current
}

// Spawn creates a task that has not started yet. The task starts on its first
// Resume, receiving the resume value as arg.
func (s *Scheduler) Spawn(name string, fn TaskFunc) *Task {
	t := &Task{
		id:    id.Generate(),
		name:  name,
		sched: s,
		fn:    fn,
		state: StateCreated,
		in:    make(chan any),
		out:   make(chan transfer),
	}

	s.live[t] = struct{}{}

	return t
}

// Submit wraps an inbound event in a new task and starts it from the engine
// loop at the current time.
func (s *Scheduler) Submit(name string, arg any, fn TaskFunc) *Task {
	t := s.Spawn(name, fn)

	s.engine.Schedule(timing.NewCallbackEvent(s.engine.Now(),
		func(timing.VTimeInSec) {
			t.Resume(arg)
		}))

	return t
}

// Wake schedules the resumption of a suspended task, passing v as the return
// value of its Suspend call. Only the resumer recorded by the task may call
// Wake, and it may do so only once per suspension.
func (s *Scheduler) Wake(t *Task, v any) {
	if t.state != StateSuspended || !t.parked {
		log.Panicf("waking task %s which is not suspended (%s)",
			t.name, t.state)
	}

	if t.wakePending {
		log.Panicf("task %s woken twice while suspended on %s",
			t.name, t.waitingOn)
	}

	t.wakePending = true

	s.engine.Schedule(timing.NewCallbackEvent(s.engine.Now(),
		func(timing.VTimeInSec) {
			t.Resume(v)
		}))
}

// Blocked returns the tasks that are suspended and have no pending wake-up,
// ordered by ID. When the engine has drained, each of them is blocked
// forever.
func (s *Scheduler) Blocked() []*Task {
	var blocked []*Task

	for t := range s.live {
		if t.state == StateSuspended && !t.wakePending {
			blocked = append(blocked, t)
		}
	}

	sort.Slice(blocked, func(i, j int) bool {
		return blocked[i].seqLess(blocked[j])
	})

	return blocked
}

// NumLive returns the number of tasks that have not finished.
func (s *Scheduler) NumLive() int {
	return len(s.live)
}

func (s *Scheduler) invoke(pos *hooking.HookPos, t *Task) {
	if s.NumHooks() == 0 {
		return
	}

	s.InvokeHook(hooking.HookCtx{Domain: s, Pos: pos, Item: t})
}
