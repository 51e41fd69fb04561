package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestTable_YAML(t *testing.T) {
	out, err := execute(t, "table", fixture("networks", "heartbeat.cue"))
	require.NoError(t, err)

	var tables []DispatcherTable
	require.NoError(t, yaml.Unmarshal([]byte(out), &tables))
	require.Len(t, tables, 1)
	assert.Equal(t, "node", tables[0].Dispatcher)
	assert.Equal(t, "binary", tables[0].Strategy)

	var ping bool
	for _, e := range tables[0].Entries {
		if e.Kind == "frame_received" && e.Name == "Ping" {
			ping = true
			assert.Equal(t, uint32(0x100), e.Handle)
		}
	}
	assert.True(t, ping, "Ping should be in the table")
}

func TestTable_JSON(t *testing.T) {
	out, err := execute(t, "--format", "json", "table", fixture("networks", "dashboard.cue"), "--dispatcher", "node")
	require.NoError(t, err)

	var resp struct {
		Data []DispatcherTable `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "direct", resp.Data[0].Strategy)
}

func TestTable_UnknownDispatcher(t *testing.T) {
	_, err := execute(t, "table", fixture("networks", "heartbeat.cue"), "--dispatcher", "gateway")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
