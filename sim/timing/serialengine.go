package timing

import (
	"fmt"
	"log"
	"reflect"
	"sync"

	"github.com/sarchlab/vmserver/sim/hooking"
)

// A SerialEngine delivers events one at a time, in time order. Events that
// share a time are delivered in the order they were scheduled.
//
// Schedule may be called from the goroutine of any task, since a task only
// runs while the engine is blocked inside the event that resumed it. Pause
// and Continue may be called from any goroutine; a paused engine finishes
// the event it is delivering and then waits.
type SerialEngine struct {
	hooking.HookableBase

	nowLock sync.RWMutex
	now     VTimeInSec
	queue   EventQueue

	// delivering is held while an event is handled and while the engine is
	// paused.
	delivering sync.Mutex
	pausedLock sync.Mutex
	paused     bool

	runLock sync.Mutex
}

// NewSerialEngine creates an engine at time zero with no event.
func NewSerialEngine() *SerialEngine {
	return &SerialEngine{queue: NewEventQueue()}
}

// Name returns the name of the engine.
func (e *SerialEngine) Name() string {
	return "SerialEngine"
}

// Schedule queues evt. Scheduling into the past panics.
func (e *SerialEngine) Schedule(evt Event) {
	if now := e.Now(); evt.Time() < now {
		log.Panicf("scheduling %s @ %.10f before the current time %.10f",
			reflect.TypeOf(evt), evt.Time(), now)
	}

	e.queue.Push(evt)
}

// Run delivers events until none is left. It stops at the first handler
// that returns an error and returns that error; the remaining events stay
// queued.
func (e *SerialEngine) Run() error {
	e.runLock.Lock()
	defer e.runLock.Unlock()

	for e.queue.Len() > 0 {
		if err := e.deliverNext(); err != nil {
			return err
		}
	}

	return nil
}

func (e *SerialEngine) deliverNext() error {
	e.delivering.Lock()
	defer e.delivering.Unlock()

	evt := e.queue.Pop()
	e.advance(evt.Time())

	ctx := hooking.HookCtx{Domain: e, Pos: HookPosBeforeEvent, Item: evt}
	e.InvokeHook(ctx)

	err := evt.Handler().Handle(evt)

	ctx.Pos = HookPosAfterEvent
	e.InvokeHook(ctx)

	if err != nil {
		return fmt.Errorf("handling %s @ %.10f: %w",
			reflect.TypeOf(evt), evt.Time(), err)
	}

	return nil
}

func (e *SerialEngine) advance(t VTimeInSec) {
	e.nowLock.Lock()
	defer e.nowLock.Unlock()

	if t < e.now {
		log.Panicf("event @ %.10f is behind the current time %.10f", t, e.now)
	}

	e.now = t
}

// Pending returns the number of queued events.
func (e *SerialEngine) Pending() int {
	return e.queue.Len()
}

// Pause stops the delivery of events until Continue is called. Pausing a
// paused engine does nothing.
func (e *SerialEngine) Pause() {
	e.pausedLock.Lock()
	defer e.pausedLock.Unlock()

	if e.paused {
		return
	}

	e.delivering.Lock()
	e.paused = true
}

// Continue lets a paused engine deliver events again.
func (e *SerialEngine) Continue() {
	e.pausedLock.Lock()
	defer e.pausedLock.Unlock()

	if !e.paused {
		return
	}

	e.paused = false
	e.delivering.Unlock()
}

// Now returns the time of the event being delivered, or of the last one.
func (e *SerialEngine) Now() VTimeInSec {
	e.nowLock.RLock()
	defer e.nowLock.RUnlock()

	return e.now
}
