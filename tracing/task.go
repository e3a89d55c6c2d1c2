// Package tracing turns the hooks of the paging components into tasks with
// a start, an end and tags, and provides tracers that aggregate or store
// them.
package tracing

import (
	"github.com/sarchlab/vmserver/sim/timing"
)

// The kinds of traced tasks.
const (
	KindFault  = "fault"
	KindPaging = "paging"
)

// The tags attached to traced tasks.
const (
	TagClass    = "class"
	TagError    = "error"
	TagGateWait = "gate-wait"
)

// TaskStart is passed to a tracer when a task starts.
type TaskStart struct {
	ID       string
	ParentID string
	Kind     string
	What     string
	Where    string
}

// TaskTag is extra information attached to a running task.
type TaskTag struct {
	TaskID string
	What   string
	Detail string
}

// TaskEnd is passed to a tracer when a task ends.
type TaskEnd struct {
	ID string
}

// A Tag is a TaskTag kept with its task.
type Tag struct {
	What   string
	Detail string
}

// A Task is the full record of a traced task.
type Task struct {
	ID        string
	ParentID  string
	Kind      string
	What      string
	Where     string
	StartTime timing.VTimeInSec
	EndTime   timing.VTimeInSec
	Tags      []Tag
}

// TaskFilter is a function that can filter interesting tasks. If this function
// returns true, the task is considered useful.
type TaskFilter func(t TaskStart) bool

// KindIs selects the tasks of one kind.
func KindIs(kind string) TaskFilter {
	return func(t TaskStart) bool { return t.Kind == kind }
}

// WhatIs selects the tasks that do one thing, such as "page-in".
func WhatIs(what string) TaskFilter {
	return func(t TaskStart) bool { return t.What == what }
}

// A TimeTeller can tell the current time.
type TimeTeller interface {
	Now() timing.VTimeInSec
}

// A Tracer receives the events of traced tasks.
type Tracer interface {
	StartTask(t TaskStart)
	TagTask(t TaskTag)
	EndTask(t TaskEnd)
}
