package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ede/internal/event"
)

func TestLoad_File(t *testing.T) {
	n, err := Load(filepath.Join("testdata", "body.cue"))
	require.NoError(t, err)

	assert.Equal(t, 10*time.Millisecond, n.TickPeriod)
	assert.Equal(t, 32768, n.PoolSize)
	require.Len(t, n.Buses, 1)
	require.Len(t, n.Dispatchers, 1)
	require.Len(t, n.Frames, 4)

	d := n.Dispatchers[0]
	assert.Equal(t, 16, d.PortCapacity)
	assert.Equal(t, 8, d.MaxPayload, "default applied")
	assert.Equal(t, MapBinary, d.HandleMap)

	rx := n.Frames[0]
	assert.True(t, rx.Inbound)
	assert.Equal(t, SendRegular, rx.SendMode)
	assert.Equal(t, uint32(10), n.Ticks(rx.Cycle))

	ext := n.Frames[1]
	assert.Equal(t, event.Handle(0x18FF2211|ExtendedFlag), ext.CANHandle())
	assert.Equal(t, 8, ext.Size)

	mixed := n.Frames[2]
	assert.False(t, mixed.Inbound)
	assert.Equal(t, SendMixed, mixed.SendMode)
	assert.Equal(t, 50*time.Millisecond, mixed.MinDistance)
}

func TestLoad_Directory(t *testing.T) {
	dir := t.TempDir()
	src, err := os.ReadFile(filepath.Join("testdata", "body.cue"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "net.cue"), src, 0o644))

	n, err := Load(dir)
	require.NoError(t, err)
	assert.Len(t, n.Frames, 4)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join("testdata", "nope.cue"))
	assert.Error(t, err)
}

func TestParse_Lookups(t *testing.T) {
	n, err := Parse([]byte(`
network: {
	buses: [{name: "A"}, {name: "B"}]
	dispatchers: [{name: "d0"}, {name: "d1", handleMap: "direct"}]
	frames: [
		{name: "f0", id: 1, bus: "A", direction: "in"},
		{name: "f1", id: 1, bus: "B", direction: "in", dispatcher: "d1"},
		{name: "f2", id: 2, bus: "B", direction: "out", dispatcher: "d1"},
	]
}`), "inline.cue")
	require.NoError(t, err)

	idx, ok := n.FrameByName("f1")
	assert.True(t, ok)
	assert.Equal(t, 1, idx)
	_, ok = n.FrameByName("zz")
	assert.False(t, ok)

	bus, ok := n.BusByName("B")
	assert.True(t, ok)
	assert.Equal(t, 1, bus)

	assert.Equal(t, []int{0}, n.FramesOf(0))
	assert.Equal(t, []int{1, 2}, n.FramesOf(1))
	assert.Equal(t, MapDirect, n.Dispatchers[1].HandleMap)
	assert.Equal(t, 65536, n.PoolSize)
}

func TestParse_NormalizesNames(t *testing.T) {
	// "é" as e + combining acute accent
	n, err := Parse([]byte("network: {\n"+
		"buses: [{name: \"Bus\"}]\n"+
		"dispatchers: [{name: \"d\"}]\n"+
		"frames: [{name: \"Café\", id: 1, bus: \"Bus\", direction: \"in\"}]\n"+
		"}"), "nfc.cue")
	require.NoError(t, err)

	_, ok := n.FrameByName("Café")
	assert.True(t, ok)
}

func TestParse_LongOutboundCycle(t *testing.T) {
	// fits one delay but not the inbound timeout of three cycles
	n, err := Parse([]byte(`network: {tickPeriod: "10ms", buses: [{name: "A"}], dispatchers: [{name: "d"}], frames: [{name: "f", id: 1, bus: "A", direction: "out", cycle: "2000h"}]}`), "long.cue")
	require.NoError(t, err)
	assert.Equal(t, uint32(720_000_000), n.Ticks(n.Frames[0].Cycle))
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "missing network",
			src:  `other: 1`,
			want: "network",
		},
		{
			name: "unknown field",
			src:  `network: {buses: [{name: "A"}], dispatchers: [{name: "d"}], frames: [], color: "red"}`,
			want: "color",
		},
		{
			name: "bad direction",
			src:  `network: {buses: [{name: "A"}], dispatchers: [{name: "d"}], frames: [{name: "f", id: 1, bus: "A", direction: "up"}]}`,
			want: "direction",
		},
		{
			name: "standard id out of range",
			src:  `network: {buses: [{name: "A"}], dispatchers: [{name: "d"}], frames: [{name: "f", id: 0x800, bus: "A", direction: "in"}]}`,
			want: "exceeds 0x7ff",
		},
		{
			name: "unknown bus",
			src:  `network: {buses: [{name: "A"}], dispatchers: [{name: "d"}], frames: [{name: "f", id: 1, bus: "B", direction: "in"}]}`,
			want: "unknown bus",
		},
		{
			name: "duplicate identifier",
			src:  `network: {buses: [{name: "A"}], dispatchers: [{name: "d"}], frames: [{name: "f", id: 1, bus: "A", direction: "in"}, {name: "g", id: 1, bus: "A", direction: "in"}]}`,
			want: "reuses the identifier",
		},
		{
			name: "identifier shared on one dispatcher",
			src:  `network: {buses: [{name: "A"}, {name: "B"}], dispatchers: [{name: "d"}], frames: [{name: "f", id: 1, bus: "A", direction: "in"}, {name: "g", id: 1, bus: "B", direction: "in"}]}`,
			want: "on dispatcher 0",
		},
		{
			name: "cycle shorter than tick",
			src:  `network: {tickPeriod: "10ms", buses: [{name: "A"}], dispatchers: [{name: "d"}], frames: [{name: "f", id: 1, bus: "A", direction: "in", cycle: "1ms"}]}`,
			want: "shorter than the tick",
		},
		{
			name: "inbound timeout overflows the tick range",
			src:  `network: {tickPeriod: "10ms", buses: [{name: "A"}], dispatchers: [{name: "d"}], frames: [{name: "f", id: 1, bus: "A", direction: "in", cycle: "2000h"}]}`,
			want: "cycle 2000h0m0s of \"f\" exceeds the longest timer delay",
		},
		{
			name: "minDistance overflows the tick range",
			src:  `network: {tickPeriod: "1ms", buses: [{name: "A"}], dispatchers: [{name: "d"}], frames: [{name: "f", id: 1, bus: "A", direction: "out", sendMode: "event", minDistance: "1000h"}]}`,
			want: "minDistance 1000h0m0s",
		},
		{
			name: "no dispatchers",
			src:  `network: {buses: [{name: "A"}], dispatchers: [], frames: []}`,
			want: "at least one dispatcher",
		},
		{
			name: "frame too large for dispatcher",
			src:  `network: {buses: [{name: "A"}], dispatchers: [{name: "d", maxPayload: 4}], frames: [{name: "f", id: 1, bus: "A", direction: "in"}]}`,
			want: "exceeds dispatcher max payload",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.src), "bad.cue")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
