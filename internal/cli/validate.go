package cli

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/ede/internal/canif"
	"github.com/roach88/ede/internal/config"
	"github.com/roach88/ede/internal/sim"
)

// Error codes reported by the CLI.
const (
	ErrCodeNotFound = "E001" // input file or directory missing
	ErrCodeInvalid  = "E002" // network database rejected
	ErrCodeBuild    = "E003" // node could not be built from the database
	ErrCodeStore    = "E004" // run database problem
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid       bool     `json:"valid"`
	Errors      []string `json:"errors,omitempty"`
	Buses       int      `json:"buses,omitempty"`
	Dispatchers int      `json:"dispatchers,omitempty"`
	Frames      int      `json:"frames,omitempty"`
	PoolUsed    int      `json:"pool_used,omitempty"`
	PoolSize    int      `json:"pool_size,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <network.cue>",
		Short: "Validate a network database",
		Long: `Validate a CUE network database and check that a node can be built
from it.

Besides schema and cross-reference checks, validation builds every
dispatcher, port and handle map, so pool exhaustion and unusable map
strategies are reported too.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	net, err := loadNetwork(path)
	if err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) && exitErr.Code == ExitCommandError {
			return outputValidateError(formatter, ErrCodeNotFound, exitErr.Message, nil)
		}
		return outputValidationErrors(formatter, ErrCodeInvalid, networkErrors(err))
	}
	formatter.VerboseLog("Loaded %s: %d bus(es), %d dispatcher(s), %d frame(s)",
		path, len(net.Buses), len(net.Dispatchers), len(net.Frames))

	st, err := buildNode(net, opts.logger(formatter.GetErrWriter()))
	if err != nil {
		return outputValidationErrors(formatter, ErrCodeBuild, []string{err.Error()})
	}

	return outputValidateSuccess(formatter, ValidationResult{
		Valid:       true,
		Buses:       len(net.Buses),
		Dispatchers: len(net.Dispatchers),
		Frames:      len(net.Frames),
		PoolUsed:    st.Pool().Allocated(),
		PoolSize:    st.Pool().Size(),
	})
}

// buildNode builds the node for net on a bus that only collects frames.
func buildNode(net *config.Network, logger *slog.Logger) (*canif.Stack, error) {
	return canif.New(net, sim.NewBus(net), canif.WithLogger(logger))
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, result ValidationResult) error {
	if formatter.JSON() {
		return formatter.Success(result)
	}

	fmt.Fprintf(formatter.Writer, "✓ Network valid: %d bus(es), %d dispatcher(s), %d frame(s), pool %d/%d bytes\n",
		result.Buses, result.Dispatchers, result.Frames, result.PoolUsed, result.PoolSize)
	return nil
}

// outputValidateError outputs a single command-level error.
func outputValidateError(formatter *OutputFormatter, code, message string, details interface{}) error {
	_ = formatter.Error(code, message, details)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputValidationErrors outputs the problems found in a database.
func outputValidationErrors(formatter *OutputFormatter, code string, errs []string) error {
	if formatter.JSON() {
		err := formatter.Respond(CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Errors: errs},
			Error: &CLIError{
				Code:    code,
				Message: errs[0],
			},
		})
		if err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, e := range errs {
		fmt.Fprintf(formatter.Writer, "  %s: %s\n", code, e)
	}

	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}
