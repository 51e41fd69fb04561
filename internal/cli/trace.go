package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/ede/internal/event"
	"github.com/roach88/ede/internal/store"
	"github.com/roach88/ede/internal/trace"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	RunID    string // optional - defaults to the latest run
	Source   string // optional - filter to one source (frame or bus)
	Kind     string // optional - filter to one event kind
	List     bool   // list runs instead of showing a trace
}

// RunSummary is one run in the run listing.
type RunSummary struct {
	ID          string `json:"id"`
	Seq         int64  `json:"seq"`
	Scenario    string `json:"scenario,omitempty"`
	Ticks       uint32 `json:"ticks"`
	Dispatchers int    `json:"dispatchers"`
	Parallel    bool   `json:"parallel"`
	Passed      *bool  `json:"passed,omitempty"`
	TraceHash   string `json:"trace_hash"`
}

// TraceResult holds the trace output of one run.
type TraceResult struct {
	RunID         string             `json:"run_id"`
	Scenario      string             `json:"scenario,omitempty"`
	TraceHash     string             `json:"trace_hash"`
	Records       []trace.Record     `json:"records"`
	Transmissions []TransmissionLine `json:"transmissions"`
	Stats         TraceStats         `json:"stats"`
}

// TransmissionLine is one stored transmission.
type TransmissionLine struct {
	Tick  uint32 `json:"tick"`
	Bus   int    `json:"bus"`
	Frame string `json:"frame"`
	Data  string `json:"data"`
}

// TraceStats holds summary statistics for the trace.
type TraceStats struct {
	Dispatches    int            `json:"dispatches"`
	Transmissions int            `json:"transmissions"`
	ByKind        map[string]int `json:"by_kind"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the trace of a stored run",
		Long: `Show the callback trace and transmissions of a run stored by
simulate --db or test --db.

The output includes:
- Records: every callback invocation in tick order
- Transmissions: every frame the node put on a bus
- Stats: counts per event kind

Examples:
  ede trace --db ./runs.db --list
  ede trace --db ./runs.db
  ede trace --db ./runs.db --run heartbeat-0001 --source Ping
  ede trace --db ./runs.db --kind timer_elapsed --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run to show (default: latest)")
	cmd.Flags().StringVar(&opts.Source, "source", "", "filter to a specific source")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "filter to a specific event kind")
	cmd.Flags().BoolVar(&opts.List, "list", false, "list stored runs")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	formatter := opts.formatter(cmd)

	var kind event.Kind
	if opts.Kind != "" {
		k, err := event.ParseKind(opts.Kind)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --kind", err)
		}
		kind = k
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	if opts.List {
		return listRuns(ctx, st, formatter)
	}

	var run store.Run
	if opts.RunID != "" {
		run, err = st.ReadRun(ctx, opts.RunID)
	} else {
		var latest store.Run
		latest, err = st.LatestRun(ctx)
		if err == nil {
			run, err = st.ReadRun(ctx, latest.ID)
		}
	}
	if errors.Is(err, store.ErrNotFound) {
		_ = formatter.Error(ErrCodeStore, "run not found", nil)
		return WrapExitError(ExitFailure, "run not found", err)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read run", err)
	}

	records := trace.Filter(run.Records, func(r trace.Record) bool {
		return (opts.Source == "" || r.Source == opts.Source) && (opts.Kind == "" || r.Kind == kind)
	})
	result := TraceResult{
		RunID:         run.ID,
		Scenario:      run.Scenario,
		TraceHash:     run.TraceHash,
		Records:       records,
		Transmissions: []TransmissionLine{},
		Stats:         TraceStats{Dispatches: len(records), ByKind: map[string]int{}},
	}
	if result.Records == nil {
		result.Records = []trace.Record{}
	}
	for _, r := range records {
		result.Stats.ByKind[r.Kind.String()]++
	}
	for _, tr := range run.Transmissions {
		if opts.Source != "" && tr.Frame != opts.Source {
			continue
		}
		result.Transmissions = append(result.Transmissions, TransmissionLine{
			Tick:  uint32(tr.Tick),
			Bus:   tr.Bus,
			Frame: tr.Frame,
			Data:  fmt.Sprintf("%x", tr.Data),
		})
	}
	result.Stats.Transmissions = len(result.Transmissions)

	if formatter.JSON() {
		return formatter.ForRun(run.ID).Success(result)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "Run: %s", result.RunID)
	if result.Scenario != "" {
		fmt.Fprintf(w, " (%s)", result.Scenario)
	}
	fmt.Fprintf(w, "\nTrace hash: %s\n\n", result.TraceHash)
	fmt.Fprint(w, trace.Lines(records))
	if len(result.Transmissions) > 0 {
		fmt.Fprintln(w)
		for _, tr := range result.Transmissions {
			fmt.Fprintf(w, "tick=%d tx bus=%d frame=%s data=%s\n", tr.Tick, tr.Bus, tr.Frame, tr.Data)
		}
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Stats: %d dispatch(es), %d transmission(s)\n", result.Stats.Dispatches, result.Stats.Transmissions)
	for _, name := range sortedKeys(result.Stats.ByKind) {
		fmt.Fprintf(w, "  %-16s %d\n", name, result.Stats.ByKind[name])
	}
	return nil
}

func listRuns(ctx context.Context, st *store.Store, formatter *OutputFormatter) error {
	runs, err := st.ListRuns(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list runs", err)
	}
	summaries := make([]RunSummary, 0, len(runs))
	for _, r := range runs {
		summaries = append(summaries, RunSummary{
			ID:          r.ID,
			Seq:         r.Seq,
			Scenario:    r.Scenario,
			Ticks:       r.Ticks,
			Dispatchers: r.Dispatchers,
			Parallel:    r.Parallel,
			Passed:      r.Passed,
			TraceHash:   r.TraceHash,
		})
	}

	if formatter.JSON() {
		return formatter.Success(summaries)
	}
	w := formatter.Writer
	if len(summaries) == 0 {
		fmt.Fprintln(w, "No runs found in database.")
		return nil
	}
	for _, s := range summaries {
		outcome := "-"
		if s.Passed != nil {
			outcome = "fail"
			if *s.Passed {
				outcome = "pass"
			}
		}
		fmt.Fprintf(w, "%4d  %-36s  %-20s ticks=%-6d %s\n", s.Seq, s.ID, s.Scenario, s.Ticks, outcome)
	}
	return nil
}
