package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind_String(t *testing.T) {
	assert.Equal(t, "source_init", KindSourceInit.String())
	assert.Equal(t, "timer_elapsed", KindTimerElapsed.String())
	assert.Equal(t, "custom_20", Kind(20).String())
	assert.Equal(t, "reserved_9", Kind(9).String())
}

func TestParseKind_RoundTrip(t *testing.T) {
	for _, k := range []Kind{KindSourceInit, KindFrameReceived, KindBusOff, Kind(16), Kind(300)} {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
}

func TestParseKind_Unknown(t *testing.T) {
	_, err := ParseKind("nope")
	assert.Error(t, err)

	// reserved numbers cannot be spelled as custom kinds
	_, err = ParseKind("custom_3")
	assert.Error(t, err)
}

func TestKind_Reserved(t *testing.T) {
	assert.True(t, KindTimerElapsed.Reserved())
	assert.False(t, FirstCustomKind.Reserved())
}
