package tracing

import (
	"log"

	"github.com/sarchlab/vmserver/coro"
	"github.com/sarchlab/vmserver/mem/fault"
	"github.com/sarchlab/vmserver/mem/pager"
	"github.com/sarchlab/vmserver/sim/hooking"
)

// A Collector is a hook that turns faults, paging operations and gate waits
// into traced tasks for its tracers. A task started while another one is
// open in the same coroutine becomes its child, so a page-out forced by a
// page-in is traced under it.
type Collector struct {
	tracers []Tracer
	open    map[*coro.Task][]string
}

// NewCollector creates a collector that feeds tracers.
func NewCollector(tracers ...Tracer) *Collector {
	return &Collector{
		tracers: tracers,
		open:    make(map[*coro.Task][]string),
	}
}

// Observe registers the collector with a fault dispatcher, a pager or a
// gate.
func (c *Collector) Observe(domain hooking.Hookable) {
	for _, h := range domain.Hooks() {
		if h == c {
			log.Panicf("%s is already observed", domainName(domain))
		}
	}

	domain.AcceptHook(c)
}

// Func converts one hook call.
func (c *Collector) Func(ctx hooking.HookCtx) {
	switch ctx.Pos {
	case fault.HookPosFaultStart:
		rec := ctx.Item.(*fault.Record)
		c.start(rec.Task, TaskStart{
			ID:    rec.ID,
			Kind:  KindFault,
			What:  rec.Fault.Access.String(),
			Where: domainName(ctx.Domain),
		})
	case fault.HookPosFaultEnd:
		rec := ctx.Item.(*fault.Record)
		r := ctx.Detail.(*fault.Result)
		c.tag(rec.ID, TagClass, r.Class.String())
		c.end(rec.Task, rec.ID, r.Err)
	case pager.HookPosPageOutStart, pager.HookPosPageInStart:
		op := ctx.Item.(*pager.Op)
		c.start(op.Task, TaskStart{
			ID:    op.ID,
			Kind:  KindPaging,
			What:  string(op.Kind),
			Where: domainName(ctx.Domain),
		})
	case pager.HookPosPageOutEnd, pager.HookPosPageInEnd:
		op := ctx.Item.(*pager.Op)
		err, _ := ctx.Detail.(error)
		c.end(op.Task, op.ID, err)
	case coro.HookPosGateWait:
		t := ctx.Item.(*coro.Task)
		if stack := c.open[t]; len(stack) > 0 {
			c.tag(stack[len(stack)-1], TagGateWait, domainName(ctx.Domain))
		}
	}
}

func (c *Collector) start(t *coro.Task, ts TaskStart) {
	stack := c.open[t]

	switch {
	case len(stack) > 0:
		ts.ParentID = stack[len(stack)-1]
	case t != nil:
		ts.ParentID = t.String()
	}

	c.open[t] = append(stack, ts.ID)

	for _, tr := range c.tracers {
		tr.StartTask(ts)
	}
}

func (c *Collector) tag(id, what, detail string) {
	for _, tr := range c.tracers {
		tr.TagTask(TaskTag{TaskID: id, What: what, Detail: detail})
	}
}

func (c *Collector) end(t *coro.Task, id string, err error) {
	if err != nil {
		c.tag(id, TagError, err.Error())
	}

	stack := c.open[t]
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == id {
			stack = append(stack[:i], stack[i+1:]...)
			break
		}
	}

	if len(stack) == 0 {
		delete(c.open, t)
	} else {
		c.open[t] = stack
	}

	for _, tr := range c.tracers {
		tr.EndTask(TaskEnd{ID: id})
	}
}

func domainName(d hooking.Hookable) string {
	if n, ok := d.(hooking.Named); ok {
		return n.Name()
	}

	return "unnamed"
}
