package tracing

import (
	"sync"

	"github.com/sarchlab/vmserver/sim/timing"
)

// AverageTimeTracer collects the total and average time of the tasks that
// pass its filter. Overlapping tasks are simply added together.
type AverageTimeTracer struct {
	timeTeller    TimeTeller
	filter        TaskFilter
	lock          sync.Mutex
	inflightTasks map[string]timing.VTimeInSec
	totalTime     timing.VTimeInSec
	maxTime       timing.VTimeInSec
	taskCount     uint64
}

// NewAverageTimeTracer creates a new AverageTimeTracer. A nil filter keeps
// every task.
func NewAverageTimeTracer(
	timeTeller TimeTeller,
	filter TaskFilter,
) *AverageTimeTracer {
	return &AverageTimeTracer{
		timeTeller:    timeTeller,
		filter:        filter,
		inflightTasks: make(map[string]timing.VTimeInSec),
	}
}

// AverageTime returns the mean duration of the finished tasks.
func (t *AverageTimeTracer) AverageTime() timing.VTimeInSec {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.taskCount == 0 {
		return 0
	}

	return t.totalTime / timing.VTimeInSec(t.taskCount)
}

// TotalTime returns the summed duration of the finished tasks.
func (t *AverageTimeTracer) TotalTime() timing.VTimeInSec {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.totalTime
}

// MaxTime returns the longest duration of a finished task.
func (t *AverageTimeTracer) MaxTime() timing.VTimeInSec {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.maxTime
}

// TotalCount returns the number of finished tasks.
func (t *AverageTimeTracer) TotalCount() uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.taskCount
}

// StartTask records the task start time
func (t *AverageTimeTracer) StartTask(task TaskStart) {
	if t.filter != nil && !t.filter(task) {
		return
	}

	t.lock.Lock()
	t.inflightTasks[task.ID] = t.timeTeller.Now()
	t.lock.Unlock()
}

// TagTask does nothing.
func (t *AverageTimeTracer) TagTask(TaskTag) {}

// EndTask records the end of the task
func (t *AverageTimeTracer) EndTask(task TaskEnd) {
	t.lock.Lock()
	defer t.lock.Unlock()

	start, ok := t.inflightTasks[task.ID]
	if !ok {
		return
	}

	d := t.timeTeller.Now() - start

	t.totalTime += d
	t.maxTime = max(t.maxTime, d)
	t.taskCount++

	delete(t.inflightTasks, task.ID)
}
