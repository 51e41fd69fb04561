package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ede/internal/engine"
	"github.com/roach88/ede/internal/store"
	"github.com/roach88/ede/internal/testutil"
)

// heartbeat returns an in-memory scenario on the heartbeat network.
func heartbeat(assertions ...Assertion) *Scenario {
	if len(assertions) == 0 {
		assertions = []Assertion{{Type: AssertCounter, Name: "tx_frames", Value: 3}}
	}
	return &Scenario{
		Name:        "heartbeat_inline",
		Description: "inline heartbeat",
		Network:     heartbeatNetwork(),
		Ticks:       12,
		Flow:        []FlowStep{{Tick: 2, Receive: "Ping", Data: "01"}},
		Assertions:  assertions,
	}
}

func TestRun_MinimalScenario(t *testing.T) {
	result, err := Run(heartbeat())
	require.NoError(t, err)

	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, "heartbeat_inline-0001", result.RunID)
	assert.Equal(t, engine.Tick(12), result.Sim.Ticks)
	assert.Len(t, result.TraceHash, 64)
	assert.Len(t, result.Trace, 8)
}

func TestRun_FixedRunID(t *testing.T) {
	sc := heartbeat()
	sc.RunID = "bench-42"

	result, err := Run(sc)
	require.NoError(t, err)
	assert.Equal(t, "bench-42", result.RunID)
	assert.Equal(t, "bench-42", result.Sim.RunID)
}

func TestRun_SharedRunIDs(t *testing.T) {
	ids := testutil.NewRunIDs("suite")

	first, err := Run(heartbeat(), WithRunIDs(ids))
	require.NoError(t, err)
	second, err := Run(heartbeat(), WithRunIDs(ids))
	require.NoError(t, err)

	assert.Equal(t, "suite-0001", first.RunID)
	assert.Equal(t, "suite-0002", second.RunID)
	assert.Equal(t, first.TraceHash, second.TraceHash)
}

func TestRun_Deterministic(t *testing.T) {
	first, err := Run(heartbeat())
	require.NoError(t, err)
	second, err := Run(heartbeat())
	require.NoError(t, err)

	assert.Equal(t, first.Trace, second.Trace)
	assert.Equal(t, first.TraceHash, second.TraceHash)
	assert.Equal(t, first.Sim.Transmissions, second.Sim.Transmissions)
}

func TestRun_ParallelMatchesSequential(t *testing.T) {
	seq, err := Run(heartbeat())
	require.NoError(t, err)

	sc := heartbeat()
	sc.Parallel = 4
	par, err := Run(sc)
	require.NoError(t, err)

	assert.Equal(t, seq.TraceHash, par.TraceHash)
}

func TestRun_FailedAssertion(t *testing.T) {
	result, err := Run(heartbeat(Assertion{Type: AssertSentAt, Frame: "Pong", Ticks: []uint32{4, 8}}))
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "Assertion failed: sent_at")
	assert.Contains(t, result.Errors[0], "sent at [4 8 12]")
}

func TestRun_UnknownFrameInFlow(t *testing.T) {
	sc := heartbeat()
	sc.Flow = append(sc.Flow, FlowStep{Tick: 3, Receive: "Pang"})

	result, err := Run(sc)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], `flow step 1: unknown frame "Pang"`)
}

func TestRun_WrongDirectionInFlow(t *testing.T) {
	sc := heartbeat()
	sc.Flow = []FlowStep{{Tick: 3, Receive: "Pong"}}

	result, err := Run(sc)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "wrong direction")
}

func TestRun_MissingNetwork(t *testing.T) {
	sc := heartbeat()
	sc.Network = filepath.Join(t.TempDir(), "missing.cue")

	_, err := Run(sc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load network")
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := RunContext(ctx, heartbeat())
	require.ErrorIs(t, err, context.Canceled)
}

func TestRun_WithStore(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	result, err := Run(heartbeat(), WithStore(st))
	require.NoError(t, err)
	require.True(t, result.Pass)

	ctx := context.Background()
	run, err := st.ReadRun(ctx, result.RunID)
	require.NoError(t, err)
	assert.Equal(t, "heartbeat_inline", run.Scenario)
	assert.Equal(t, result.TraceHash, run.TraceHash)
	require.NotNil(t, run.Passed)
	assert.True(t, *run.Passed)
	assert.Equal(t, uint32(3), run.Counters["tx_frames"])
	require.NoError(t, st.VerifyRun(ctx, result.RunID))
}

func TestResult_AddError(t *testing.T) {
	r := NewResult()
	assert.True(t, r.Pass)

	r.AddError("boom")
	assert.False(t, r.Pass)
	assert.Equal(t, []string{"boom"}, r.Errors)
}
