package tracing

import (
	"sort"

	"github.com/sarchlab/vmserver/sim/timing"
)

type interval struct {
	start, end timing.VTimeInSec
}

// BusyTimeTracer measures how long at least one task that passes its filter
// was running. Overlapping tasks count once.
type BusyTimeTracer struct {
	timeTeller    TimeTeller
	filter        TaskFilter
	inflightTasks map[string]timing.VTimeInSec
	finished      []interval
	busyTime      timing.VTimeInSec
}

// NewBusyTimeTracer creates a new BusyTimeTracer. A nil filter keeps every
// task.
func NewBusyTimeTracer(
	timeTeller TimeTeller,
	filter TaskFilter,
) *BusyTimeTracer {
	return &BusyTimeTracer{
		timeTeller:    timeTeller,
		filter:        filter,
		inflightTasks: make(map[string]timing.VTimeInSec),
	}
}

// BusyTime returns the time covered by the tasks finished so far.
func (t *BusyTimeTracer) BusyTime() timing.VTimeInSec {
	return t.busyTime + coveredTime(t.finished)
}

// TerminateAllTasks ends every running task now.
func (t *BusyTimeTracer) TerminateAllTasks() {
	for id := range t.inflightTasks {
		t.EndTask(TaskEnd{ID: id})
	}
}

// StartTask records the task start time
func (t *BusyTimeTracer) StartTask(task TaskStart) {
	if t.filter != nil && !t.filter(task) {
		return
	}

	t.inflightTasks[task.ID] = t.timeTeller.Now()
}

// TagTask does nothing.
func (t *BusyTimeTracer) TagTask(TaskTag) {}

// EndTask records the end of the task
func (t *BusyTimeTracer) EndTask(task TaskEnd) {
	start, ok := t.inflightTasks[task.ID]
	if !ok {
		return
	}

	delete(t.inflightTasks, task.ID)

	t.finished = append(t.finished,
		interval{start: start, end: t.timeTeller.Now()})

	// Later tasks start after every finished one ended.
	if len(t.inflightTasks) == 0 {
		t.busyTime += coveredTime(t.finished)
		t.finished = t.finished[:0]
	}
}

func coveredTime(intervals []interval) timing.VTimeInSec {
	sorted := make([]interval, len(intervals))
	copy(sorted, intervals)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].start < sorted[j].start
	})

	var covered timing.VTimeInSec

	for i := 0; i < len(sorted); {
		cur := sorted[i]

		for i++; i < len(sorted) && sorted[i].start <= cur.end; i++ {
			cur.end = max(cur.end, sorted[i].end)
		}

		covered += cur.end - cur.start
	}

	return covered
}
