package coro

import "log"

// A Future carries the outcome of an asynchronous request. It is completed
// exactly once, usually from an I/O completion event, and awaited by at most
// one task.
type Future struct {
	sched  *Scheduler
	done   bool
	value  any
	err    error
	waiter *Task

	callbacks []func(v any, err error)
}

// NewFuture creates an incomplete future whose waiter is woken through s.
func (s *Scheduler) NewFuture() *Future {
	return &Future{sched: s}
}

// Done tells if the future has been completed.
func (f *Future) Done() bool {
	return f.done
}

// Result returns the outcome of a completed future.
func (f *Future) Result() (any, error) {
	if !f.done {
		log.Panic("reading the result of an incomplete future")
	}

	return f.value, f.err
}

// OnComplete registers a function that is called when the future completes.
// If the future is already complete, f is called immediately.
func (f *Future) OnComplete(cb func(v any, err error)) {
	if f.done {
		cb(f.value, f.err)
		return
	}

	f.callbacks = append(f.callbacks, cb)
}

// Complete records the outcome and wakes the awaiting task, if any.
func (f *Future) Complete(v any, err error) {
	if f.done {
		log.Panic("future completed twice")
	}

	f.done = true
	f.value = v
	f.err = err

	if f.waiter != nil {
		w := f.waiter
		f.waiter = nil
		f.sched.Wake(w, nil)
	}

	for _, cb := range f.callbacks {
		cb(v, err)
	}

	f.callbacks = nil
}

// Await suspends t until the future completes and returns its outcome. A
// completed future returns without suspending.
func (f *Future) Await(t *Task) (any, error) {
	if !f.done {
		if f.waiter != nil {
			log.Panicf("task %s awaiting a future already awaited by %s",
				t.name, f.waiter.name)
		}

		f.waiter = t
		t.Suspend("future")
	}

	return f.value, f.err
}
