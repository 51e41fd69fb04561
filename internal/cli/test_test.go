package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScenarios creates a scenarios directory with one passing and,
// if failing is set, one failing scenario against the heartbeat network.
func writeScenarios(t *testing.T, failing bool) string {
	t.Helper()
	dir := t.TempDir()
	network := fixture("networks", "heartbeat.cue")

	pass := fmt.Sprintf(`name: pong_cycle
description: "Pong is sent every four ticks"
network: %s
ticks: 12
assertions:
  - type: sent_at
    frame: Pong
    ticks: [4, 8, 12]
`, network)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pong_cycle.yaml"), []byte(pass), 0644))

	if failing {
		fail := fmt.Sprintf(`name: pong_wrong
description: "Expects a transmission that never happens"
network: %s
ticks: 12
assertions:
  - type: sent_at
    frame: Pong
    ticks: [1]
`, network)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "pong_wrong.yaml"), []byte(fail), 0644))
	}
	return dir
}

func TestTest_AllPass(t *testing.T) {
	out, err := execute(t, "test", writeScenarios(t, false))
	require.NoError(t, err)
	assert.Contains(t, out, "✓ pong_cycle")
	assert.Contains(t, out, "Test Summary: 1 passed, 0 failed, 1 total")
	assert.Contains(t, out, "✓ All scenarios passed")
}

func TestTest_Failure(t *testing.T) {
	out, err := execute(t, "test", writeScenarios(t, true))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ pong_wrong")
	assert.Contains(t, out, "Assertion failed: sent_at")
}

func TestTest_Filter(t *testing.T) {
	out, err := execute(t, "test", writeScenarios(t, true), "--filter", "pong_c*")
	require.NoError(t, err)
	assert.Contains(t, out, "1 total")
	assert.NotContains(t, out, "pong_wrong")
}

func TestTest_JSON(t *testing.T) {
	out, err := execute(t, "--format", "json", "test", writeScenarios(t, false))
	require.NoError(t, err)

	var resp struct {
		Status  string     `json:"status"`
		TraceID string     `json:"trace_id"`
		Data    TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data.Scenarios, 1)
	sc := resp.Data.Scenarios[0]
	assert.True(t, sc.Pass)
	assert.Equal(t, "pong_cycle-0001", sc.RunID)
	assert.Equal(t, sc.RunID, resp.TraceID)
	assert.Len(t, sc.TraceHash, 64)
}

func TestTest_UpdateThenCompareGolden(t *testing.T) {
	dir := writeScenarios(t, false)

	out, err := execute(t, "test", dir, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "golden updated")
	assert.FileExists(t, filepath.Join(dir, "golden", "pong_cycle.golden"))

	out, err = execute(t, "test", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ pong_cycle")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "golden", "pong_cycle.golden"), []byte("stale\n"), 0644))
	out, err = execute(t, "test", dir)
	require.Error(t, err)
	assert.Contains(t, out, "Golden file mismatch")
}

func TestTest_StoresRuns(t *testing.T) {
	db := filepath.Join(t.TempDir(), "runs.db")
	_, err := execute(t, "test", writeScenarios(t, false), "--db", db)
	require.NoError(t, err)

	out, err := execute(t, "trace", "--db", db, "--list")
	require.NoError(t, err)
	assert.Contains(t, out, "pong_cycle-0001")
	assert.Contains(t, out, "pass")
}

func TestTest_MissingDir(t *testing.T) {
	_, err := execute(t, "test", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTest_Fixtures(t *testing.T) {
	out, err := execute(t, "test", fixture("scenarios"))
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ heartbeat")
	assert.Contains(t, out, "✓ bus_off")
	assert.Contains(t, out, "✓ tx_failure")
}
