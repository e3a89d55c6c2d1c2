package coro

import (
	"fmt"
	"log"
	"strconv"
)

// State is the life-cycle state of a task.
type State int

// The states a task goes through.
const (
	StateCreated State = iota
	StateRunning
	StateSuspended
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateFinished:
		return "finished"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// A TaskFunc is the body of a task. arg is the value of the first Resume.
type TaskFunc func(t *Task, arg any) (any, error)

type transfer struct {
	value    any
	finished bool
	panicked any
}

// A Task is a cooperatively scheduled unit of execution.
type Task struct {
	id    string
	name  string
	sched *Scheduler
	fn    TaskFunc

	state   State
	in      chan any
	out     chan transfer
	resumer *Task

	parked      bool
	wakePending bool
	waitingOn   string

	result   any
	err      error
	onFinish []func(t *Task)
}

// ID returns the unique ID of the task.
func (t *Task) ID() string {
	return t.id
}

// Name returns the name given at creation.
func (t *Task) Name() string {
	return t.name
}

// State returns the current state of the task.
func (t *Task) State() State {
	return t.state
}

// WaitingOn describes the designated resumer of a suspended task.
func (t *Task) WaitingOn() string {
	return t.waitingOn
}

// Done tells if the task has returned.
func (t *Task) Done() bool {
	return t.state == StateFinished
}

// Result returns what the task body returned. It must only be called after
// the task is done.
func (t *Task) Result() (any, error) {
	if t.state != StateFinished {
		log.Panicf("reading the result of unfinished task %s", t.name)
	}

	return t.result, t.err
}

// OnFinish registers a function that runs, in the resumer's context, right
// after the task returns.
func (t *Task) OnFinish(f func(t *Task)) {
	t.onFinish = append(t.onFinish, f)
}

func (t *Task) String() string {
	return fmt.Sprintf("%s#%s", t.name, t.id)
}

func (t *Task) seqLess(o *Task) bool {
	a, errA := strconv.ParseUint(t.id, 10, 64)
	b, errB := strconv.ParseUint(o.id, 10, 64)

	if errA == nil && errB == nil {
		return a < b
	}

	return t.id < o.id
}

// Resume transfers control to the task until it yields or returns. It
// returns the yielded value, or the task's result and true if the task
// returned. A panic inside the task is re-raised in the resumer.
func (t *Task) Resume(v any) (any, bool) {
	if t.state != StateCreated && t.state != StateSuspended {
		log.Panicf("cannot resume task %s in state %s", t.name, t.state)
	}

	s := t.sched
	first := t.state == StateCreated

	t.resumer = s.current
	s.current = t
	t.state = StateRunning
	t.parked = false
	t.wakePending = false
	t.waitingOn = ""

	if first {
		s.invoke(HookPosTaskStart, t)
		go t.run(v)
	} else {
		s.invoke(HookPosTaskResume, t)
		t.in <- v
	}

	tr := <-t.out

	s.current = t.resumer
	t.resumer = nil

	if tr.panicked != nil {
		t.finish()
		panic(tr.panicked)
	}

	if tr.finished {
		t.finish()
		return t.result, true
	}

	t.state = StateSuspended
	s.invoke(HookPosTaskSuspend, t)

	return tr.value, false
}

func (t *Task) finish() {
	t.state = StateFinished
	delete(t.sched.live, t)
	t.sched.invoke(HookPosTaskEnd, t)

	for _, f := range t.onFinish {
		f(t)
	}
}

func (t *Task) run(arg any) {
	defer func() {
		if r := recover(); r != nil {
			t.out <- transfer{panicked: r}
		}
	}()

	res, err := t.fn(t, arg)
	t.result = res
	t.err = err
	t.out <- transfer{finished: true}
}

// Yield suspends the task and gives control back to its resumer, which
// receives v. Yield returns the value passed to the next Resume. It must be
// called from inside the task.
func (t *Task) Yield(v any) any {
	if t.sched.current != t {
		log.Panicf("task %s yielding while not running", t.name)
	}

	t.out <- transfer{value: v}

	return <-t.in
}

// Suspend yields after recording who is responsible for waking the task. The
// task must then be resumed through Scheduler.Wake, and Suspend returns the
// value given to Wake.
func (t *Task) Suspend(resumer string) any {
	t.parked = true
	t.waitingOn = resumer

	return t.Yield(nil)
}
