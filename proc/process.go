// Package proc keeps the processes known to the server.
package proc

import (
	"fmt"

	"github.com/sarchlab/vmserver/coro"
	"github.com/sarchlab/vmserver/mem/addrspace"
	"github.com/sarchlab/vmserver/mem/vm"
)

// State is the life-cycle state of a process.
type State int

// The process states.
const (
	Running State = iota
	Exiting
	Dead
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Exiting:
		return "exiting"
	default:
		return "dead"
	}
}

// ExitStatus tells how a process ended.
type ExitStatus struct {
	Code   int
	Killed bool
	Reason string
}

func (s ExitStatus) String() string {
	if s.Killed {
		return fmt.Sprintf("killed (%s)", s.Reason)
	}

	return fmt.Sprintf("exited with %d", s.Code)
}

// A Process is a user program with its address space.
type Process struct {
	PID   vm.PID
	Name  string
	Space *addrspace.AddressSpace

	state   State
	status  ExitStatus
	active  int
	waiters []*coro.Future
}

// State returns the life-cycle state.
func (p *Process) State() State {
	return p.state
}

// Status returns how the process ended. It is meaningful once the process
// is no longer running.
func (p *Process) Status() ExitStatus {
	return p.status
}

// ActiveTasks returns the number of tasks working on behalf of the process.
func (p *Process) ActiveTasks() int {
	return p.active
}

// TeardownPending tells if the process has exited but its resources are
// kept because tasks are still running for it.
func (p *Process) TeardownPending() bool {
	return p.state == Exiting && p.active > 0
}
