package tracing

import (
	"fmt"
	"io"
	"sort"
)

// InflightTracer keeps the tasks that have started and not ended. When the
// engine drains with tasks still open, it shows what they were waiting in.
type InflightTracer struct {
	timeTeller TimeTeller
	tasks      map[string]*Task
}

// NewInflightTracer creates a new InflightTracer.
func NewInflightTracer(timeTeller TimeTeller) *InflightTracer {
	return &InflightTracer{
		timeTeller: timeTeller,
		tasks:      make(map[string]*Task),
	}
}

// StartTask records a task.
func (t *InflightTracer) StartTask(ts TaskStart) {
	t.tasks[ts.ID] = &Task{
		ID:        ts.ID,
		ParentID:  ts.ParentID,
		Kind:      ts.Kind,
		What:      ts.What,
		Where:     ts.Where,
		StartTime: t.timeTeller.Now(),
	}
}

// TagTask keeps the tag with the task.
func (t *InflightTracer) TagTask(tt TaskTag) {
	if task, ok := t.tasks[tt.TaskID]; ok {
		task.Tags = append(task.Tags, Tag{What: tt.What, Detail: tt.Detail})
	}
}

// EndTask forgets the task.
func (t *InflightTracer) EndTask(te TaskEnd) {
	delete(t.tasks, te.ID)
}

// Inflight returns the open tasks, oldest first.
func (t *InflightTracer) Inflight() []Task {
	list := make([]Task, 0, len(t.tasks))
	for _, task := range t.tasks {
		list = append(list, *task)
	}

	sort.Slice(list, func(i, j int) bool {
		if list[i].StartTime != list[j].StartTime {
			return list[i].StartTime < list[j].StartTime
		}

		return list[i].ID < list[j].ID
	})

	return list
}

// BackTrace returns the open task id and its open ancestors, innermost
// first.
func (t *InflightTracer) BackTrace(id string) []Task {
	var chain []Task

	for task, ok := t.tasks[id]; ok; task, ok = t.tasks[task.ParentID] {
		chain = append(chain, *task)
	}

	return chain
}

// Dump writes one line per open task with the tasks it runs under.
func (t *InflightTracer) Dump(w io.Writer) error {
	for _, task := range t.Inflight() {
		_, err := fmt.Fprintf(w, "%s %s-%s@%s since %.6f",
			task.ID, task.Kind, task.What, task.Where, task.StartTime)
		if err != nil {
			return err
		}

		for _, parent := range t.BackTrace(task.ParentID) {
			fmt.Fprintf(w, " <- %s-%s", parent.Kind, parent.What)
		}

		for _, tag := range task.Tags {
			fmt.Fprintf(w, " [%s %s]", tag.What, tag.Detail)
		}

		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}

	return nil
}
