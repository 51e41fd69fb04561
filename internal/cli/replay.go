package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/ede/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
	RunID    string // optional - specific run only
	Against  string // optional - run whose trace must match RunID's
}

// ReplayRunResult holds the verification result for a single run.
type ReplayRunResult struct {
	RunID      string `json:"run_id"`
	Scenario   string `json:"scenario,omitempty"`
	Ticks      uint32 `json:"ticks"`
	Dispatches int    `json:"dispatches"`
	Verified   bool   `json:"verified"`
	Error      string `json:"error,omitempty"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Runs        []ReplayRunResult `json:"runs"`
	TotalRuns   int               `json:"total_runs"`
	AllVerified bool              `json:"all_verified"`
	Against     string            `json:"against,omitempty"`
	Identical   *bool             `json:"identical,omitempty"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Verify stored runs and compare their traces",
		Long: `Re-read stored runs and verify that their dispatches still hash to the
recorded trace hash.

With --against, the trace of --run is also compared with another run, for
example the same scenario stepped sequentially and in parallel.

Exit codes:
  0 - All runs verified (and traces identical)
  1 - Verification failed or traces differ
  2 - Command error (database not found, etc.)

Examples:
  ede replay --db ./runs.db
  ede replay --db ./runs.db --run heartbeat-0001
  ede replay --db ./runs.db --run seq-run --against par-run --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "verify a specific run only")
	cmd.Flags().StringVar(&opts.Against, "against", "", "compare the trace of --run with this run")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	if opts.Against != "" && opts.RunID == "" {
		return NewExitError(ExitCommandError, "--against requires --run")
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	var runs []store.Run
	if opts.RunID != "" {
		run, err := st.ReadRun(ctx, opts.RunID)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to read run %s", opts.RunID), err)
		}
		runs = []store.Run{run}
	} else {
		runs, err = st.ListRuns(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list runs", err)
		}
	}

	if len(runs) == 0 {
		if opts.Format == FormatJSON {
			return outputReplayJSON(opts.formatter(cmd), ReplayResult{Runs: []ReplayRunResult{}, AllVerified: true})
		}
		fmt.Fprintln(cmd.OutOrStdout(), "No runs found in database.")
		return nil
	}

	result := ReplayResult{
		Runs:        make([]ReplayRunResult, 0, len(runs)),
		TotalRuns:   len(runs),
		AllVerified: true,
	}
	for _, run := range runs {
		rr, err := verifyRun(ctx, st, run.ID)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to replay run %s", run.ID), err)
		}
		if !rr.Verified {
			result.AllVerified = false
		}
		result.Runs = append(result.Runs, rr)
	}

	if opts.Against != "" {
		same, err := st.CompareRuns(ctx, opts.RunID, opts.Against)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to compare with run %s", opts.Against), err)
		}
		result.Against = opts.Against
		result.Identical = &same
	}

	if opts.Format == FormatJSON {
		return outputReplayJSON(opts.formatter(cmd).ForRun(opts.RunID), result)
	}
	return outputReplayText(cmd, result, opts.Verbose)
}

// verifyRun re-reads one run and checks its trace hash. A hash mismatch is
// a verification failure; any other error is returned.
func verifyRun(ctx context.Context, st *store.Store, id string) (ReplayRunResult, error) {
	run, err := st.ReadRun(ctx, id)
	if err != nil {
		return ReplayRunResult{}, err
	}
	rr := ReplayRunResult{
		RunID:      run.ID,
		Scenario:   run.Scenario,
		Ticks:      run.Ticks,
		Dispatches: len(run.Records),
		Verified:   true,
	}
	if err := st.VerifyRun(ctx, id); err != nil {
		if !errors.Is(err, store.ErrHashMismatch) {
			return ReplayRunResult{}, err
		}
		rr.Verified = false
		rr.Error = err.Error()
	}
	return rr, nil
}

// failed reports whether the replay found a problem.
func (r ReplayResult) failed() bool {
	return !r.AllVerified || (r.Identical != nil && !*r.Identical)
}

// outputReplayJSON outputs the replay result as JSON.
func outputReplayJSON(formatter *OutputFormatter, result ReplayResult) error {
	response := CLIResponse{Status: "ok", Data: result}
	if result.failed() {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    "E_REPLAY_FAILED",
			Message: "replay verification failed",
		}
	}

	if err := formatter.Respond(response); err != nil {
		return err
	}
	if result.failed() {
		return NewExitError(ExitFailure, "replay verification failed")
	}
	return nil
}

// outputReplayText outputs the replay result as text.
func outputReplayText(cmd *cobra.Command, result ReplayResult, verbose bool) error {
	w := cmd.OutOrStdout()

	for _, rr := range result.Runs {
		mark := "✓"
		if !rr.Verified {
			mark = "✗"
		}
		fmt.Fprintf(w, "%s %s", mark, rr.RunID)
		if rr.Scenario != "" {
			fmt.Fprintf(w, " (%s)", rr.Scenario)
		}
		fmt.Fprintln(w)
		if verbose || !rr.Verified {
			fmt.Fprintf(w, "  ticks=%d dispatches=%d\n", rr.Ticks, rr.Dispatches)
		}
		if rr.Error != "" {
			fmt.Fprintf(w, "  %s\n", rr.Error)
		}
	}

	if result.Identical != nil {
		if *result.Identical {
			fmt.Fprintf(w, "✓ trace identical to %s\n", result.Against)
		} else {
			fmt.Fprintf(w, "✗ trace differs from %s\n", result.Against)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Replay Summary: %d run(s)\n", result.TotalRuns)
	if result.failed() {
		return NewExitError(ExitFailure, "replay verification failed")
	}
	fmt.Fprintln(w, "✓ All runs verified")
	return nil
}
