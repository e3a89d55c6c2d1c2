package timing

import "github.com/sarchlab/vmserver/sim/hooking"

// TimeTeller can be used to get the current time.
type TimeTeller interface {
	Now() VTimeInSec
}

// EventScheduler can be used to schedule future events.
type EventScheduler interface {
	TimeTeller

	Schedule(e Event)
}

// An Engine is the single loop that delivers every inbound event, I/O
// completion and task wake-up of the server, one after another.
type Engine interface {
	hooking.Hookable
	EventScheduler

	// Run processes events until there are no more events to process.
	Run() error

	// Pause stops the engine from processing more events until Continue is
	// called.
	Pause()

	// Continue resumes a paused engine.
	Continue()

	// Pending returns the number of events that are waiting to be processed.
	Pending() int
}
