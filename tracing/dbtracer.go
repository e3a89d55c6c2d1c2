package tracing

import (
	"github.com/tebeka/atexit"

	"github.com/sarchlab/vmserver/datarecording"
	"github.com/sarchlab/vmserver/sim/timing"
)

type taskRow struct {
	ID        string
	ParentID  string
	Kind      string
	What      string
	Location  string
	StartTime float64
	EndTime   float64
}

type tagRow struct {
	TaskID string
	What   string
	Detail string
}

// DBTracer stores finished tasks and their tags into the "trace" and
// "trace_tags" tables of a DataRecorder.
type DBTracer struct {
	timeTeller         TimeTeller
	backend            datarecording.DataRecorder
	startTime, endTime timing.VTimeInSec
	tracingTasks       map[string]*Task
}

// NewDBTracer creates the tables and a tracer that fills them. Tasks still
// open when the program exits are written with the exit time as their end.
func NewDBTracer(
	timeTeller TimeTeller,
	backend datarecording.DataRecorder,
) *DBTracer {
	backend.CreateTable("trace", taskRow{})
	backend.CreateTable("trace_tags", tagRow{})

	t := &DBTracer{
		timeTeller:   timeTeller,
		backend:      backend,
		tracingTasks: make(map[string]*Task),
	}

	atexit.Register(func() { t.Terminate() })

	return t
}

// SetTimeRange limits tracing to tasks that start before endTime and end
// after startTime. Zero leaves a side open.
func (t *DBTracer) SetTimeRange(startTime, endTime timing.VTimeInSec) {
	t.startTime = startTime
	t.endTime = endTime
}

// StartTask marks the start of a task.
func (t *DBTracer) StartTask(ts TaskStart) {
	startingTaskMustBeValid(ts)

	now := t.timeTeller.Now()
	if t.endTime > 0 && now > t.endTime {
		return
	}

	t.tracingTasks[ts.ID] = &Task{
		ID:        ts.ID,
		ParentID:  ts.ParentID,
		Kind:      ts.Kind,
		What:      ts.What,
		Where:     ts.Where,
		StartTime: now,
	}
}

func startingTaskMustBeValid(ts TaskStart) {
	if ts.ID == "" {
		panic("task ID must be set")
	}

	if ts.Kind == "" {
		panic("task kind must be set")
	}

	if ts.What == "" {
		panic("task what must be set")
	}

	if ts.Where == "" {
		panic("task where must be set")
	}
}

// TagTask keeps a tag with its task.
func (t *DBTracer) TagTask(tt TaskTag) {
	task, ok := t.tracingTasks[tt.TaskID]
	if !ok {
		return
	}

	task.Tags = append(task.Tags, Tag{What: tt.What, Detail: tt.Detail})
}

// EndTask writes the task.
func (t *DBTracer) EndTask(te TaskEnd) {
	task, ok := t.tracingTasks[te.ID]
	if !ok {
		return
	}

	delete(t.tracingTasks, te.ID)

	task.EndTime = t.timeTeller.Now()
	if t.startTime > 0 && task.EndTime < t.startTime {
		return
	}

	t.write(task)
}

// Terminate writes the open tasks, ending them now, and flushes the
// backend.
func (t *DBTracer) Terminate() {
	now := t.timeTeller.Now()

	for _, task := range t.tracingTasks {
		task.EndTime = now
		t.write(task)
	}

	t.tracingTasks = make(map[string]*Task)

	t.backend.Flush()
}

func (t *DBTracer) write(task *Task) {
	t.backend.InsertData("trace", taskRow{
		ID:        task.ID,
		ParentID:  task.ParentID,
		Kind:      task.Kind,
		What:      task.What,
		Location:  task.Where,
		StartTime: task.StartTime,
		EndTime:   task.EndTime,
	})

	for _, tag := range task.Tags {
		t.backend.InsertData("trace_tags", tagRow{
			TaskID: task.ID,
			What:   tag.What,
			Detail: tag.Detail,
		})
	}
}
