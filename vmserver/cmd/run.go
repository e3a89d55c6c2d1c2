package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sarchlab/vmserver/datarecording"
	"github.com/sarchlab/vmserver/mem/pager"
	"github.com/sarchlab/vmserver/monitoring"
	"github.com/sarchlab/vmserver/server"
	"github.com/sarchlab/vmserver/tracing"
	"github.com/sarchlab/vmserver/workload"
)

type runOptions struct {
	workload workload.Config

	totalPages  int
	pageFile    string
	logLevel    string
	record      string
	trace       bool
	monitor     bool
	monitorPort int
	openBrowser bool
}

var runOpts = runOptions{workload: workload.DefaultConfig()}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a synthetic workload on a fresh server.",
	Long: "`run` boots a server, starts processes that write and read back " +
		"random pages of their heaps, and reports paging statistics. A " +
		"process that reads back wrong content fails the run.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cmd.SilenceUsage = true

		config, err := loadRunConfig(cmd)
		if err != nil {
			return err
		}

		return runWorkload(cmd.OutOrStdout(), config, runOpts)
	},
}

func init() {
	f := runCmd.Flags()
	w := &runOpts.workload

	f.IntVar(&w.Processes, "processes", w.Processes, "number of worker processes")
	f.IntVar(&w.Pages, "pages", w.Pages, "heap pages per worker")
	f.IntVar(&w.Rounds, "rounds", w.Rounds, "accesses per worker")
	f.Float64Var(&w.WriteRatio, "write-ratio", w.WriteRatio,
		"fraction of accesses that are writes")
	f.Int64Var(&w.Seed, "seed", w.Seed, "random seed of the workers")

	f.IntVar(&runOpts.totalPages, "total-pages", 0,
		"physical pages (overrides "+server.EnvTotalPages+")")
	f.StringVar(&runOpts.pageFile, "page-file", "",
		"host file backing the page file (overrides "+server.EnvPageFilePath+")")
	f.StringVar(&runOpts.logLevel, "log-level", "",
		"debug, info, warn or error (overrides "+server.EnvLogLevel+")")

	f.StringVar(&runOpts.record, "record", "",
		"record statistics into this SQLite file, without the .sqlite3 suffix")
	f.BoolVar(&runOpts.trace, "trace", false,
		"also record every fault and paging operation (needs --record)")

	f.BoolVar(&runOpts.monitor, "monitor", false, "serve the monitor over HTTP")
	f.IntVar(&runOpts.monitorPort, "monitor-port", 0,
		"port of the monitor, random if unset")
	f.BoolVar(&runOpts.openBrowser, "open-browser", false,
		"open the monitor in a browser")

	rootCmd.AddCommand(runCmd)
}

func loadRunConfig(cmd *cobra.Command) (server.Config, error) {
	config, err := server.LoadConfig(envFiles...)
	if err != nil {
		return config, err
	}

	f := cmd.Flags()

	if f.Changed("total-pages") {
		config.TotalPages = runOpts.totalPages
	}

	if f.Changed("page-file") {
		config.PageFilePath = runOpts.pageFile
	}

	if f.Changed("log-level") {
		if err := config.LogLevel.UnmarshalText([]byte(runOpts.logLevel)); err != nil {
			return config, fmt.Errorf("%w: --log-level: %w", server.ErrConfig, err)
		}
	}

	if runOpts.trace && runOpts.record == "" {
		return config, fmt.Errorf("%w: --trace needs --record", server.ErrConfig)
	}

	return config, config.Validate()
}

func runWorkload(out io.Writer, config server.Config, opts runOptions) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr,
		&slog.HandlerOptions{Level: config.LogLevel}))

	srv, err := server.MakeBuilder().
		WithConfig(config).
		WithLogger(logger).
		Build("VM")
	if err != nil {
		return err
	}
	defer srv.Close()

	l := latencies{
		pageIn: tracing.NewAverageTimeTracer(srv.Engine(),
			tracing.WhatIs(string(pager.OpPageIn))),
		pageOut: tracing.NewAverageTimeTracer(srv.Engine(),
			tracing.WhatIs(string(pager.OpPageOut))),
		pagingBusy: tracing.NewBusyTimeTracer(srv.Engine(),
			tracing.KindIs(tracing.KindPaging)),
		tags: tracing.NewTagCountTracer(nil),
	}
	inflight := tracing.NewInflightTracer(srv.Engine())
	tracers := []tracing.Tracer{l.pageIn, l.pageOut, l.pagingBusy, l.tags, inflight}

	var (
		recorder datarecording.DataRecorder
		dbTracer *tracing.DBTracer
	)

	if opts.record != "" {
		recorder = datarecording.New(opts.record)
		defer recorder.Close()

		if opts.trace {
			dbTracer = tracing.NewDBTracer(srv.Engine(), recorder)
			tracers = append(tracers, dbTracer)
		}
	}

	collector := tracing.NewCollector(tracers...)
	collector.Observe(srv.Faults())
	collector.Observe(srv.Pager())
	collector.Observe(srv.Pager().Gate())

	var progress workload.Progress

	if opts.monitor {
		m := monitoring.NewMonitor(srv).
			WithPortNumber(opts.monitorPort).
			WithBrowser(opts.openBrowser)
		m.RegisterInflightTracer(inflight)

		if _, err := m.StartServer(); err != nil {
			return err
		}

		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			_ = m.StopServer(ctx)
		}()

		bar := m.CreateProgressBar("workers", uint64(opts.workload.Processes))
		defer m.CompleteProgressBar(bar)

		progress = bar
	}

	runner, err := workload.NewRunner(srv, opts.workload, progress, logger)
	if err != nil {
		return err
	}

	if err := runner.Start(); err != nil {
		return err
	}

	started := time.Now()

	if err := srv.Run(); err != nil {
		return err
	}

	l.pagingBusy.TerminateAllTasks()

	if open := inflight.Inflight(); len(open) > 0 {
		fmt.Fprintf(os.Stderr, "%d traced tasks never finished:\n", len(open))
		_ = inflight.Dump(os.Stderr)
	}

	st := srv.Stats()
	rep := runner.Report()

	printSummary(out, st, rep, l, time.Since(started))

	if recorder != nil {
		if dbTracer != nil {
			dbTracer.Terminate()
		}

		recordResults(recorder, st, rep, l)
	}

	return checkReport(rep)
}

func checkReport(rep workload.Report) error {
	var errs []error

	if rep.Mismatches > 0 {
		errs = append(errs, fmt.Errorf("%w: %d reads", workload.ErrMismatch,
			rep.Mismatches))
	}

	if rep.Killed > 0 {
		errs = append(errs, fmt.Errorf("%d of %d workers were killed",
			rep.Killed, rep.Processes))
	}

	if done := rep.Exited + rep.Killed; done != rep.Processes {
		errs = append(errs, fmt.Errorf("%d of %d workers never ended",
			rep.Processes-done, rep.Processes))
	}

	return errors.Join(errs...)
}

func printSummary(
	out io.Writer,
	st server.Stats,
	rep workload.Report,
	l latencies,
	wall time.Duration,
) {
	fmt.Fprintf(out, "workers        %d exited, %d killed\n",
		rep.Exited, rep.Killed)
	fmt.Fprintf(out, "accesses       %d reads, %d writes, %d mismatches\n",
		rep.Reads, rep.Writes, rep.Mismatches)
	fmt.Fprintf(out, "faults         %d (%d failed)\n",
		st.Faults.Faults, st.Faults.Failures)
	fmt.Fprintf(out, "page-outs      %d, avg %.6fs\n",
		st.Pager.PageOuts, l.pageOut.AverageTime())
	fmt.Fprintf(out, "page-ins       %d, avg %.6fs\n",
		st.Pager.PageIns, l.pageIn.AverageTime())
	fmt.Fprintf(out, "paging gate    %d acquired, %d contended\n",
		st.GateAcquired, st.GateContended)
	fmt.Fprintf(out, "frames         %d retyped of %d, %d recycled\n",
		st.Frames.Retyped, st.Frames.Slots, st.Frames.Recycled)
	fmt.Fprintf(out, "time           %.6fs virtual, %s wall\n",
		st.Now, wall.Round(time.Millisecond))
}
