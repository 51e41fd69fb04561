package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/ede/internal/config"
	"github.com/roach88/ede/internal/engine"
	"github.com/roach88/ede/internal/sim"
	"github.com/roach88/ede/internal/store"
	"github.com/roach88/ede/internal/testutil"
	"github.com/roach88/ede/internal/trace"
)

// Option configures a scenario run.
type Option func(*Harness)

// WithStore persists the run, with its pass/fail outcome, to st.
func WithStore(st *store.Store) Option {
	return func(h *Harness) {
		h.store = st
	}
}

// WithLogger sets the logger for the harness and the simulated node.
// The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) {
		h.logger = l
	}
}

// WithRunIDs draws the run identifier from ids when the scenario does not
// fix one.
func WithRunIDs(ids *testutil.RunIDs) Option {
	return func(h *Harness) {
		h.runIDs = ids
	}
}

// Harness is the scenario execution engine.
type Harness struct {
	scenario *Scenario
	net      *config.Network
	sim      *sim.Simulator
	recorder *trace.Recorder
	store    *store.Store
	runIDs   *testutil.RunIDs
	logger   *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Execution flow:
// 1. Load the network database
// 2. Build the simulated node with a trace recorder attached
// 3. Schedule the flow steps
// 4. Simulate the scenario's ticks
// 5. Evaluate assertions and, if a store is configured, persist the run
//
// An error is returned only when the scenario cannot be executed; failed
// steps and assertions are reported in the Result.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	return RunContext(context.Background(), scenario, opts...)
}

// RunContext is Run with a context that cancels the simulation.
func RunContext(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		scenario: scenario,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.runIDs == nil {
		h.runIDs = testutil.NewRunIDs(scenario.Name)
	}

	net, err := config.Load(scenario.NetworkPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load network: %w", err)
	}
	h.net = net

	runID := scenario.RunID
	if runID == "" {
		runID = h.runIDs.Next()
	}
	h.recorder = trace.NewRecorder()
	simOpts := []sim.Option{
		sim.WithLogger(h.logger),
		sim.WithTracer(h.recorder),
		sim.WithParallel(scenario.Parallel),
		sim.WithRunID(runID),
	}
	if scenario.Loopback {
		simOpts = append(simOpts, sim.WithLoopback())
	}
	s, err := sim.New(net, simOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build node: %w", err)
	}
	defer s.Close()
	h.sim = s

	result := NewResult()
	result.RunID = runID
	h.scheduleFlow(result)

	simResult, err := s.Run(ctx, scenario.Ticks)
	if err != nil {
		return nil, fmt.Errorf("failed to run simulation: %w", err)
	}
	result.Sim = simResult
	result.Trace = h.recorder.Records()
	if result.TraceHash, err = trace.Hash(result.Trace); err != nil {
		return nil, fmt.Errorf("failed to hash trace: %w", err)
	}

	actx := &AssertionContext{
		Network: net,
		Stack:   s.Stack(),
		Sim:     simResult,
		Trace:   result.Trace,
	}
	for _, errMsg := range EvaluateAssertions(scenario.Assertions, actx) {
		result.AddError(errMsg)
	}

	if h.store != nil {
		if err := h.persist(ctx, result); err != nil {
			return nil, err
		}
	}

	h.logger.Info("scenario finished",
		"scenario", scenario.Name,
		"run_id", runID,
		"pass", result.Pass,
		"errors", len(result.Errors),
	)
	return result, nil
}

// scheduleFlow resolves the flow steps against the network and schedules
// them. Steps naming unknown frames or buses fail the result.
func (h *Harness) scheduleFlow(result *Result) {
	for i, step := range h.scenario.Flow {
		st, err := h.stimulus(step)
		if err == nil {
			err = h.sim.Schedule(st)
		}
		if err != nil {
			result.AddError(fmt.Sprintf("flow step %d: %v", i, err))
		}
	}
}

func (h *Harness) stimulus(step FlowStep) (sim.Stimulus, error) {
	st := sim.Stimulus{Tick: engine.Tick(step.Tick)}
	data, err := parseData(step.Data)
	if err != nil {
		return st, err
	}
	st.Data = data

	frame := func(name string) (int, error) {
		fi, ok := h.net.FrameByName(name)
		if !ok {
			return -1, fmt.Errorf("unknown frame %q", name)
		}
		return fi, nil
	}
	bus := func(name string) (int, error) {
		b, ok := h.net.BusByName(name)
		if !ok {
			return -1, fmt.Errorf("unknown bus %q", name)
		}
		return b, nil
	}

	switch {
	case step.Receive != "":
		st.Kind = sim.Receive
		st.Frame, err = frame(step.Receive)
	case step.Update != "":
		st.Kind = sim.Update
		st.Frame, err = frame(step.Update)
	case step.BusOff != "":
		st.Kind = sim.BusOff
		st.Bus, err = bus(step.BusOff)
	case step.Recover != "":
		st.Kind = sim.Recover
		st.Bus, err = bus(step.Recover)
	case step.TxFail != "":
		st.Kind = sim.TxFail
		st.Bus, err = bus(step.TxFail)
	case step.TxRestore != "":
		st.Kind = sim.TxRestore
		st.Bus, err = bus(step.TxRestore)
	default:
		err = fmt.Errorf("empty flow step")
	}
	return st, err
}

func (h *Harness) persist(ctx context.Context, result *Result) error {
	run, err := store.NewRun(h.scenario.Name, h.scenario.Parallel > 1, result.Sim, result.Trace)
	if err != nil {
		return fmt.Errorf("failed to prepare run: %w", err)
	}
	if err := h.store.WriteRun(ctx, run); err != nil {
		return fmt.Errorf("failed to store run: %w", err)
	}
	if err := h.store.SetPassed(ctx, run.ID, result.Pass); err != nil {
		return fmt.Errorf("failed to store outcome: %w", err)
	}
	return nil
}
