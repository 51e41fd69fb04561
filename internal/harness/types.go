package harness

import (
	"github.com/roach88/ede/internal/sim"
	"github.com/roach88/ede/internal/trace"
)

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall success: every flow step was accepted and
	// every assertion held.
	Pass bool `json:"pass"`

	// RunID identifies the simulation run.
	RunID string `json:"run_id"`

	// Trace contains every callback invocation in tick order.
	Trace []trace.Record `json:"trace"`

	// TraceHash is the content hash of Trace.
	TraceHash string `json:"trace_hash"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Sim is the end-of-run state of the node.
	Sim *sim.Result `json:"sim,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []trace.Record{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
