package tracing

import "sync"

// TagCountTracer counts the tags attached to the tasks that pass its filter,
// both by tag and by tag and detail.
type TagCountTracer struct {
	filter TaskFilter
	lock   sync.Mutex

	inflightTasks map[string]bool
	tagNames      []string
	tagCount      map[string]uint64
	detailCount   map[Tag]uint64
}

// NewTagCountTracer creates a new TagCountTracer. A nil filter keeps every
// task.
func NewTagCountTracer(filter TaskFilter) *TagCountTracer {
	return &TagCountTracer{
		filter:        filter,
		inflightTasks: make(map[string]bool),
		tagCount:      make(map[string]uint64),
		detailCount:   make(map[Tag]uint64),
	}
}

// TagNames returns the tag names seen, in the order they first appeared.
func (t *TagCountTracer) TagNames() []string {
	t.lock.Lock()
	defer t.lock.Unlock()

	return append([]string(nil), t.tagNames...)
}

// TagCount returns how many times a tag was attached.
func (t *TagCountTracer) TagCount(what string) uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.tagCount[what]
}

// DetailCount returns how many times a tag was attached with a detail, such
// as the class tag with "evicted".
func (t *TagCountTracer) DetailCount(what, detail string) uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.detailCount[Tag{What: what, Detail: detail}]
}

// StartTask remembers the tasks to count.
func (t *TagCountTracer) StartTask(task TaskStart) {
	if t.filter != nil && !t.filter(task) {
		return
	}

	t.lock.Lock()
	t.inflightTasks[task.ID] = true
	t.lock.Unlock()
}

// TagTask counts a tag.
func (t *TagCountTracer) TagTask(tt TaskTag) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if !t.inflightTasks[tt.TaskID] {
		return
	}

	if _, ok := t.tagCount[tt.What]; !ok {
		t.tagNames = append(t.tagNames, tt.What)
	}

	t.tagCount[tt.What]++
	t.detailCount[Tag{What: tt.What, Detail: tt.Detail}]++
}

// EndTask forgets a task.
func (t *TagCountTracer) EndTask(task TaskEnd) {
	t.lock.Lock()
	delete(t.inflightTasks, task.ID)
	t.lock.Unlock()
}
