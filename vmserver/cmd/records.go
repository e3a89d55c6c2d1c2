package cmd

import (
	"sort"

	"github.com/sarchlab/vmserver/datarecording"
	"github.com/sarchlab/vmserver/mem/vm"
	"github.com/sarchlab/vmserver/server"
	"github.com/sarchlab/vmserver/tracing"
	"github.com/sarchlab/vmserver/workload"
)

const (
	statsTable     = "paging_stats"
	processesTable = "processes"
	traceTable     = "trace"
)

type statRow struct {
	Metric string
	Value  float64
}

type processRow struct {
	PID    uint32
	Killed bool
	Code   int
	Reason string
}

// traceRow mirrors the rows written by tracing.DBTracer.
type traceRow struct {
	ID        string
	ParentID  string
	Kind      string
	What      string
	Location  string
	StartTime float64
	EndTime   float64
}

type latencies struct {
	pageIn, pageOut *tracing.AverageTimeTracer
	pagingBusy      *tracing.BusyTimeTracer
	tags            *tracing.TagCountTracer
}

func statRows(st server.Stats, rep workload.Report, l latencies) []statRow {
	rows := []statRow{
		{"time", st.Now},
		{"frames.retyped", float64(st.Frames.Retyped)},
		{"frames.allocations", float64(st.Frames.Allocations)},
		{"frames.recycled", float64(st.Frames.Recycled)},
		{"frames.trimmed", float64(st.Frames.Trimmed)},
		{"frames.out_of_memory", float64(st.Frames.OutOfMemory)},
		{"pager.page_outs", float64(st.Pager.PageOuts)},
		{"pager.page_ins", float64(st.Pager.PageIns)},
		{"pager.page_out_failures", float64(st.Pager.PageOutFailures)},
		{"pager.page_in_failures", float64(st.Pager.PageInFailures)},
		{"pager.rollbacks", float64(st.Pager.Rollbacks)},
		{"pager.stale_page_ins", float64(st.Pager.StalePageIns)},
		{"pager.clock_steps", float64(st.Pager.ClockSteps)},
		{"pagefile.transfers", float64(st.PageFile.Transfers)},
		{"pagefile.short_transfers", float64(st.PageFile.ShortTransfers)},
		{"gate.acquired", float64(st.GateAcquired)},
		{"gate.contended", float64(st.GateContended)},
		{"faults.total", float64(st.Faults.Faults)},
		{"faults.stack_growth", float64(st.Faults.StackGrowth)},
		{"faults.failures", float64(st.Faults.Failures)},
		{"faults.no_process", float64(st.Faults.NoProcess)},
		{"workload.reads", float64(rep.Reads)},
		{"workload.writes", float64(rep.Writes)},
		{"workload.mismatches", float64(rep.Mismatches)},
		{"workload.killed", float64(rep.Killed)},
		{"latency.page_in.avg", l.pageIn.AverageTime()},
		{"latency.page_in.max", l.pageIn.MaxTime()},
		{"latency.page_out.avg", l.pageOut.AverageTime()},
		{"latency.page_out.max", l.pageOut.MaxTime()},
		{"paging.busy_time", l.pagingBusy.BusyTime()},
		{"tasks.gate_waits", float64(l.tags.TagCount(tracing.TagGateWait))},
		{"tasks.errors", float64(l.tags.TagCount(tracing.TagError))},
	}

	classes := make([]statRow, 0, len(st.Faults.ByClass))
	for class, n := range st.Faults.ByClass {
		classes = append(classes, statRow{"faults." + class.String(), float64(n)})
	}

	sort.Slice(classes, func(i, j int) bool {
		return classes[i].Metric < classes[j].Metric
	})

	return append(rows, classes...)
}

func recordResults(
	recorder datarecording.DataRecorder,
	st server.Stats,
	rep workload.Report,
	l latencies,
) {
	recorder.CreateTable(statsTable, statRow{})
	for _, row := range statRows(st, rep, l) {
		recorder.InsertData(statsTable, row)
	}

	recorder.CreateTable(processesTable, processRow{})

	pids := make([]vm.PID, 0, len(rep.Statuses))
	for pid := range rep.Statuses {
		pids = append(pids, pid)
	}

	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	for _, pid := range pids {
		status := rep.Statuses[pid]
		recorder.InsertData(processesTable, processRow{
			PID:    uint32(pid),
			Killed: status.Killed,
			Code:   status.Code,
			Reason: status.Reason,
		})
	}

	recorder.Flush()
}
