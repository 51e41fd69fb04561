package sender

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ede/internal/event"
	"github.com/roach88/ede/internal/handlemap"
	"github.com/roach88/ede/internal/mempool"
	"github.com/roach88/ede/internal/port"
)

func newPorts(t *testing.T, n, capacity int) ([]*port.Sender, []*port.Receiver) {
	t.Helper()
	pool, err := mempool.New(make([]byte, 8192))
	require.NoError(t, err)

	var ss []*port.Sender
	var rs []*port.Receiver
	for range n {
		s, r, err := port.NewPair(pool, port.Config{Capacity: capacity, MaxPayload: 8})
		require.NoError(t, err)
		ss = append(ss, s)
		rs = append(rs, r)
	}
	return ss, rs
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, nil)
	assert.ErrorIs(t, err, ErrNoPorts)

	ss, _ := newPorts(t, 2, 1)
	_, err = New(ss, nil)
	assert.ErrorIs(t, err, ErrNeedsMap)
}

func TestSender_SinglePortWithoutMap(t *testing.T) {
	ss, rs := newPorts(t, 1, 4)
	s, err := New(ss, nil)
	require.NoError(t, err)

	assert.True(t, s.PostEvent(event.KindFrameReceived, 0x7E0, []byte{1, 2}))
	ev, ok, err := rs[0].Read()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, event.Handle(0x7E0), ev.Handle)
	assert.Equal(t, []byte{1, 2}, ev.Data)
}

func TestSender_RoutesThroughMap(t *testing.T) {
	ss, rs := newPorts(t, 2, 4)

	// frames 0x100/0x101 go to port 0, 0x102 to port 1
	m, err := handlemap.NewBinarySearch([]handlemap.KindTable{
		{}, {}, {}, {},
		{Pairs: []handlemap.Pair{{Key: 0x100, Index: 0}, {Key: 0x101, Index: 0}, {Key: 0x102, Index: 1}}},
	})
	require.NoError(t, err)
	s, err := New(ss, m)
	require.NoError(t, err)

	assert.True(t, s.PostEvent(event.KindFrameReceived, 0x100, nil))
	assert.True(t, s.PostEvent(event.KindFrameReceived, 0x102, nil))
	assert.True(t, s.PostEvent(event.KindFrameReceived, 0x101, nil))
	assert.False(t, s.PostEvent(event.KindFrameReceived, 0x103, nil))

	assert.Equal(t, 2, rs[0].Len())
	assert.Equal(t, 1, rs[1].Len())
	assert.Equal(t, uint32(1), s.Unmapped())

	idx, ok := s.PortIndex(event.KindFrameReceived, 0x102)
	assert.True(t, ok)
	assert.Equal(t, 1, idx)
}

func TestSender_FullPortDropsAndCounts(t *testing.T) {
	ss, _ := newPorts(t, 1, 1)
	s, err := New(ss, nil)
	require.NoError(t, err)

	assert.True(t, s.PostEvent(event.KindFrameReceived, 1, nil))
	assert.False(t, s.PostEvent(event.KindFrameReceived, 2, nil))
	assert.False(t, s.PostEvent(event.KindFrameReceived, 3, nil))
	assert.Equal(t, uint32(2), s.Blocked(0))
	assert.Zero(t, s.Unmapped())
}

func TestSender_DirectNeedsExplicitPort(t *testing.T) {
	_, err := NewDirect(nil)
	assert.ErrorIs(t, err, ErrNoPorts)

	ss, rs := newPorts(t, 2, 2)
	s, err := NewDirect(ss)
	require.NoError(t, err)

	_, ok := s.PortIndex(event.KindFrameReceived, 1)
	assert.False(t, ok)
	assert.False(t, s.PostEvent(event.KindFrameReceived, 1, nil))
	assert.Equal(t, uint32(1), s.Unmapped())

	assert.True(t, s.PostEventToPort(1, event.KindFrameReceived, 1, nil))
	assert.Zero(t, rs[0].Len())
	assert.Equal(t, 1, rs[1].Len())
}

func TestSender_PostEventToPort(t *testing.T) {
	ss, rs := newPorts(t, 3, 2)
	s, err := New(ss, handlemap.NewIdentity(0))
	require.NoError(t, err)

	assert.True(t, s.PostEventToPort(2, event.KindBusOff, 0, nil))
	assert.False(t, s.PostEventToPort(3, event.KindBusOff, 0, nil))
	assert.False(t, s.PostEventToPort(0, event.KindBusOff, 0, make([]byte, 9)))

	assert.Equal(t, 1, rs[2].Len())
	assert.Equal(t, uint32(1), s.Unmapped())
	assert.Equal(t, uint32(1), s.Dropped())
}
