package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplay_AllVerified(t *testing.T) {
	db := storedRun(t, "a", "b")

	out, err := execute(t, "replay", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ a")
	assert.Contains(t, out, "✓ b")
	assert.Contains(t, out, "Replay Summary: 2 run(s)")
	assert.Contains(t, out, "✓ All runs verified")
}

func TestReplay_Against(t *testing.T) {
	db := storedRun(t, "a", "b")

	out, err := execute(t, "--format", "json", "replay", "--db", db, "--run", "a", "--against", "b")
	require.NoError(t, err)

	var resp struct {
		Status string       `json:"status"`
		Data   ReplayResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Data.TotalRuns)
	require.NotNil(t, resp.Data.Identical)
	assert.True(t, *resp.Data.Identical)
	assert.Equal(t, 7, resp.Data.Runs[0].Dispatches)
}

func TestReplay_AgainstRequiresRun(t *testing.T) {
	db := storedRun(t, "a")

	_, err := execute(t, "replay", "--db", db, "--against", "a")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestReplay_EmptyDatabase(t *testing.T) {
	db := storedRun(t)

	out, err := execute(t, "replay", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "No runs found in database.")
}
