package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sarchlab/vmserver/datarecording"
)

var reportTop int

var reportCmd = &cobra.Command{
	Use:   "report [recording.sqlite3]",
	Short: "Summarize a recorded run.",
	Long: "`report` prints the statistics and worker statuses recorded by " +
		"`run --record`, and per-operation latencies when the run was traced.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		reader, err := datarecording.NewReader(args[0])
		if err != nil {
			return err
		}
		defer reader.Close()

		return printReport(cmd.Context(), cmd.OutOrStdout(), reader, reportTop)
	},
}

func init() {
	reportCmd.Flags().IntVar(&reportTop, "top", 5,
		"number of slowest traced operations to list")

	rootCmd.AddCommand(reportCmd)
}

func printReport(
	ctx context.Context,
	out io.Writer,
	reader datarecording.DataReader,
	top int,
) error {
	if ctx == nil {
		ctx = context.Background()
	}

	reader.MapTable(statsTable, statRow{})
	reader.MapTable(processesTable, processRow{})
	reader.MapTable(traceTable, traceRow{})

	stats, _, err := reader.Query(ctx, statsTable, datarecording.QueryParams{})
	if err != nil {
		return fmt.Errorf("reading %s: %w", statsTable, err)
	}

	fmt.Fprintln(out, "statistics")

	for _, r := range stats {
		row := r.(*statRow)
		fmt.Fprintf(out, "  %-28s %g\n", row.Metric, row.Value)
	}

	procs, _, err := reader.Query(ctx, processesTable,
		datarecording.QueryParams{OrderBy: "PID"})
	if err != nil {
		return fmt.Errorf("reading %s: %w", processesTable, err)
	}

	fmt.Fprintln(out, "workers")

	for _, r := range procs {
		row := r.(*processRow)
		if row.Killed {
			fmt.Fprintf(out, "  pid %-6d killed (%s)\n", row.PID, row.Reason)
		} else {
			fmt.Fprintf(out, "  pid %-6d exited with %d\n", row.PID, row.Code)
		}
	}

	return printTrace(ctx, out, reader, top)
}

type opSummary struct {
	what  string
	count int
	total float64
	max   float64
}

func printTrace(
	ctx context.Context,
	out io.Writer,
	reader datarecording.DataReader,
	top int,
) error {
	tasks, total, err := reader.Query(ctx, traceTable, datarecording.QueryParams{})
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return nil
		}

		return fmt.Errorf("reading %s: %w", traceTable, err)
	}

	fmt.Fprintf(out, "traced operations (%d)\n", total)

	byWhat := make(map[string]*opSummary)

	for _, r := range tasks {
		row := r.(*traceRow)
		key := row.Kind + " " + row.What

		s, ok := byWhat[key]
		if !ok {
			s = &opSummary{what: key}
			byWhat[key] = s
		}

		d := row.EndTime - row.StartTime
		s.count++
		s.total += d
		s.max = max(s.max, d)
	}

	summaries := make([]*opSummary, 0, len(byWhat))
	for _, s := range byWhat {
		summaries = append(summaries, s)
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].what < summaries[j].what
	})

	for _, s := range summaries {
		fmt.Fprintf(out, "  %-28s %8d  avg %.6fs  max %.6fs\n",
			s.what, s.count, s.total/float64(s.count), s.max)
	}

	if top <= 0 {
		return nil
	}

	slowest, _, err := reader.Query(ctx, traceTable, datarecording.QueryParams{
		OrderBy: "EndTime - StartTime DESC",
		Limit:   top,
	})
	if err != nil {
		return fmt.Errorf("reading %s: %w", traceTable, err)
	}

	fmt.Fprintln(out, "slowest")

	for _, r := range slowest {
		row := r.(*traceRow)
		fmt.Fprintf(out, "  %-20s %-10s %-16s %.6fs at %.6f\n",
			row.ID, row.Kind, row.What, row.EndTime-row.StartTime, row.StartTime)
	}

	return nil
}
