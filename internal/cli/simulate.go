package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/ede/internal/sim"
	"github.com/roach88/ede/internal/store"
	"github.com/roach88/ede/internal/trace"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	Ticks    int
	Parallel int
	Loopback bool
	Database string
	RunID    string
	Trace    bool // print the callback trace
}

// SimulateResult is the JSON output of the simulate command.
type SimulateResult struct {
	*sim.Result
	TraceHash string         `json:"trace_hash"`
	Trace     []trace.Record `json:"trace,omitempty"`
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate <network.cue>",
		Short: "Run a node in simulated time",
		Long: `Run the node described by a network database for a number of ticks
against a simulated bus, without external stimuli.

Cyclic frames are transmitted and supervised inbound frames time out, so
the run shows the node's free-running timing. With --db the run is stored
for later inspection with trace and replay.

Examples:
  ede simulate ./body.cue --ticks 500
  ede simulate ./body.cue --ticks 500 --parallel 4 --db ./runs.db
  ede simulate ./body.cue --ticks 100 --trace --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Ticks, "ticks", 100, "number of ticks to simulate")
	cmd.Flags().IntVar(&opts.Parallel, "parallel", 1, "workers stepping the dispatchers of a tick")
	cmd.Flags().BoolVar(&opts.Loopback, "loopback", false, "feed transmitted frames back to the node")
	cmd.Flags().StringVar(&opts.Database, "db", "", "store the run in this SQLite database")
	cmd.Flags().StringVar(&opts.RunID, "run-id", "", "run identifier (default: generated UUIDv7)")
	cmd.Flags().BoolVar(&opts.Trace, "trace", false, "print the callback trace")

	return cmd
}

func runSimulate(opts *SimulateOptions, path string, cmd *cobra.Command) error {
	if opts.Ticks <= 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("--ticks must be positive, got %d", opts.Ticks))
	}
	net, err := loadNetwork(path)
	if err != nil {
		return err
	}

	formatter := opts.formatter(cmd)
	rec := trace.NewRecorder()
	simOpts := []sim.Option{
		sim.WithLogger(opts.logger(formatter.GetErrWriter())),
		sim.WithTracer(rec),
		sim.WithParallel(opts.Parallel),
	}
	if opts.Loopback {
		simOpts = append(simOpts, sim.WithLoopback())
	}
	if opts.RunID != "" {
		simOpts = append(simOpts, sim.WithRunID(opts.RunID))
	}
	s, err := sim.New(net, simOpts...)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to build node", err)
	}
	defer s.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := s.Run(ctx, opts.Ticks)
	if err != nil {
		return WrapExitError(ExitFailure, "simulation failed", err)
	}
	records := rec.Records()

	run, err := store.NewRun("", opts.Parallel > 1, res, records)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to summarise run", err)
	}
	if opts.Database != "" {
		if err := storeRun(ctx, opts.Database, run); err != nil {
			return err
		}
	}

	formatter = formatter.ForRun(res.RunID)
	if formatter.JSON() {
		out := SimulateResult{Result: res, TraceHash: run.TraceHash}
		if opts.Trace {
			out.Trace = records
		}
		return formatter.Success(out)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "Run %s: %d ticks, %d transmission(s)\n", res.RunID, res.Ticks, len(res.Transmissions))
	fmt.Fprintf(w, "Trace hash: %s\n", run.TraceHash)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Frames:")
	for _, f := range res.Frames {
		dir := "out"
		if f.Inbound {
			dir = "in "
		}
		fmt.Fprintf(w, "  %-24s %s  rx=%-5d tx=%-5d %s\n", f.Name, dir, f.Received, f.Sent, f.Flags)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Counters:")
	for _, name := range sortedKeys(run.Counters) {
		fmt.Fprintf(w, "  %-28s %d\n", name, run.Counters[name])
	}
	if opts.Trace {
		fmt.Fprintln(w)
		fmt.Fprint(w, trace.Lines(records))
	}
	if opts.Database != "" {
		fmt.Fprintf(w, "\nStored in %s\n", opts.Database)
	}
	return nil
}

// storeRun writes run to the database at path.
func storeRun(ctx context.Context, path string, run store.Run) error {
	st, err := store.Open(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	if err := st.WriteRun(ctx, run); err != nil {
		return WrapExitError(ExitFailure, "failed to store run", err)
	}
	return nil
}
