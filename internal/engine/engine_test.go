package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ede/internal/event"
	"github.com/roach88/ede/internal/handlemap"
	"github.com/roach88/ede/internal/mempool"
	"github.com/roach88/ede/internal/port"
)

const kindPing = event.FirstCustomKind

type harness struct {
	sys  *System
	disp *Dispatcher
	tx   *port.Sender
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	pool, err := mempool.New(make([]byte, 1<<16))
	require.NoError(t, err)

	tx, rx, err := port.NewPair(pool, port.Config{Capacity: 8, MaxPayload: 8})
	require.NoError(t, err)

	sys := NewSystem(pool, opts...)
	d, err := sys.NewDispatcher(Config{Ports: []*port.Receiver{rx}})
	require.NoError(t, err)
	return &harness{sys: sys, disp: d, tx: tx}
}

func (h *harness) ticks(t *testing.T, n int) {
	t.Helper()
	for range n {
		require.NoError(t, h.disp.Main())
	}
}

func noop(Context) {}

func TestRegisterEventSource_IndexContiguity(t *testing.T) {
	h := newHarness(t)

	for i := range 5 {
		idx, err := h.disp.RegisterEventSource(SourceID{Kind: kindPing, Handle: event.Handle(i)}, noop, nil)
		require.NoError(t, err)
		assert.Equal(t, i, idx)
	}
	assert.Equal(t, 5, h.sys.Sources())
}

func TestRegisterEventSource_InitCallbackRunsImmediately(t *testing.T) {
	h := newHarness(t)

	var seen []event.Kind
	var srcIdx int
	var external bool
	_, err := h.disp.RegisterEventSource(SourceID{Kind: kindPing, Handle: 0, Name: "f0"}, func(c Context) {
		seen = append(seen, c.Kind())
		srcIdx, external = c.SourceIndex()
		assert.Equal(t, "f0", c.Source().Name)
		assert.Equal(t, "payload", c.SourceData())
		assert.Equal(t, -1, c.Port())
		_, isTimer := c.Timer()
		assert.False(t, isTimer)
	}, "payload")
	require.NoError(t, err)

	assert.Equal(t, []event.Kind{event.KindSourceInit}, seen)
	assert.Zero(t, srcIdx)
	assert.True(t, external)
}

func TestRegisterEventSource_MapFailureRollsBack(t *testing.T) {
	h := newHarness(t)

	// identity map rejects a handle that differs from the index
	_, err := h.disp.RegisterEventSource(SourceID{Kind: kindPing, Handle: 7}, noop, nil)
	assert.ErrorIs(t, err, handlemap.ErrInconsistent)

	idx, err := h.disp.RegisterEventSource(SourceID{Kind: kindPing, Handle: 0}, noop, nil)
	require.NoError(t, err)
	assert.Zero(t, idx, "failed registration must not consume an index")
}

// directDispatcher builds a dispatcher on a Direct map with a table of
// size per kind, up to and including kindPing.
func directDispatcher(t *testing.T, size int, opts ...Option) (*Dispatcher, *handlemap.Direct) {
	t.Helper()
	pool, err := mempool.New(make([]byte, 1<<16))
	require.NoError(t, err)
	_, rx, err := port.NewPair(pool, port.Config{Capacity: 4, MaxPayload: 8})
	require.NoError(t, err)

	ranges := make([]handlemap.KindRange, int(kindPing)+1)
	for i := range ranges {
		ranges[i].Size = size
	}
	m, err := handlemap.NewDirect(pool, ranges)
	require.NoError(t, err)
	d, err := NewSystem(pool, opts...).NewDispatcher(Config{Ports: []*port.Receiver{rx}, Map: m})
	require.NoError(t, err)
	return d, m
}

func TestRegisterEventSource_SlotFailureRollsBack(t *testing.T) {
	d, m := directDispatcher(t, 4, WithSlotSize(1<<20))

	_, err := d.RegisterEventSource(SourceID{Kind: kindPing, Handle: 0x40}, noop, nil)
	assert.ErrorIs(t, err, ErrExhausted)

	_, ok := m.Lookup(kindPing, 0x40)
	assert.False(t, ok, "failed registration left a map entry")
	assert.Zero(t, d.sys.Sources())
}

func TestRegisterBus_FailureRollsBack(t *testing.T) {
	d, m := directDispatcher(t, 0)

	// recovery events of every bus already belong to another source
	require.NoError(t, m.Add(event.KindBusRecovered, 0, 9))

	_, err := d.RegisterBus(0, noop, nil)
	assert.ErrorIs(t, err, handlemap.ErrConflict)
	_, ok := m.Lookup(event.KindBusOff, 0)
	assert.False(t, ok, "bus-off entry kept after the failed registration")

	idx, err := d.RegisterEventSource(SourceID{Kind: event.KindBusOff, Handle: 0}, noop, nil)
	require.NoError(t, err)
	assert.Zero(t, idx)
}

func TestRegisterEventSource_ClosedAfterMain(t *testing.T) {
	h := newHarness(t)
	h.ticks(t, 1)

	_, err := h.disp.RegisterEventSource(SourceID{Kind: kindPing}, noop, nil)
	assert.ErrorIs(t, err, ErrRegistrationClosed)
	assert.True(t, IsContractError(err))

	_, err = h.disp.RegisterInternalSource("late", noop, nil)
	assert.ErrorIs(t, err, ErrRegistrationClosed)

	_, err = h.sys.NewDispatcher(Config{})
	assert.ErrorIs(t, err, ErrRegistrationClosed)
}

func TestRegisterEventSource_NilCallback(t *testing.T) {
	h := newHarness(t)
	_, err := h.disp.RegisterEventSource(SourceID{Kind: kindPing}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestDispatcher_DeliversEventsWithContext(t *testing.T) {
	h := newHarness(t)

	var got []string
	_, err := h.disp.RegisterEventSource(SourceID{Kind: kindPing, Handle: 0}, func(c Context) {
		_, err := c.InstallCallback(func(c Context) {
			got = append(got, string(c.Data()))
			assert.Equal(t, kindPing, c.Kind())
			assert.Equal(t, 0, c.Port())
			assert.Equal(t, Tick(1), c.Tick())
		})
		require.NoError(t, err)
	}, nil)
	require.NoError(t, err)

	require.NoError(t, h.tx.Post(kindPing, 0, []byte("a")))
	require.NoError(t, h.tx.Post(kindPing, 0, []byte("bc")))
	h.ticks(t, 1)

	assert.Equal(t, []string{"a", "bc"}, got)
	assert.Equal(t, uint32(2), h.disp.Stats().Events)
}

func TestDispatcher_UnmappedEventsAreCounted(t *testing.T) {
	h := newHarness(t)
	_, err := h.disp.RegisterEventSource(SourceID{Kind: kindPing, Handle: 0}, noop, nil)
	require.NoError(t, err)

	require.NoError(t, h.tx.Post(kindPing, 3, nil))
	h.ticks(t, 1)
	assert.Equal(t, uint32(1), h.disp.Stats().Unmapped)
	assert.Zero(t, h.disp.Stats().Events)
}

func TestDispatcher_MisroutedEventsAreDropped(t *testing.T) {
	pool, err := mempool.New(make([]byte, 1<<16))
	require.NoError(t, err)
	tx, rx, err := port.NewPair(pool, port.Config{Capacity: 4, MaxPayload: 0})
	require.NoError(t, err)

	sys := NewSystem(pool)
	d0, err := sys.NewDispatcher(Config{})
	require.NoError(t, err)
	d1, err := sys.NewDispatcher(Config{Ports: []*port.Receiver{rx}})
	require.NoError(t, err)

	called := false
	_, err = d0.RegisterEventSource(SourceID{Kind: kindPing, Handle: 0}, func(c Context) {
		if c.Kind() == kindPing {
			called = true
		}
	}, nil)
	require.NoError(t, err)

	// source 0 lives on d0 but the event arrives on d1
	require.NoError(t, tx.Post(kindPing, 0, nil))
	require.NoError(t, sys.Step())

	assert.False(t, called)
	assert.Equal(t, uint32(1), d1.Stats().Misrouted)
}

func TestDispatcher_EventBudgetDefersRemainder(t *testing.T) {
	h := newHarness(t, WithEventBudget(2))
	count := 0
	_, err := h.disp.RegisterEventSource(SourceID{Kind: kindPing, Handle: 0}, func(c Context) {
		if c.Kind() == kindPing {
			count++
		}
	}, nil)
	require.NoError(t, err)

	for range 3 {
		require.NoError(t, h.tx.Post(kindPing, 0, nil))
	}
	h.ticks(t, 1)
	assert.Equal(t, 2, count)
	assert.Equal(t, uint32(1), h.disp.Stats().Deferred)

	h.ticks(t, 1)
	assert.Equal(t, 3, count)
}

func TestDispatcher_MainIsNotReentrant(t *testing.T) {
	h := newHarness(t)
	var inner error
	_, err := h.disp.RegisterEventSource(SourceID{Kind: kindPing, Handle: 0}, func(c Context) {
		if c.Kind() == kindPing {
			inner = c.Dispatcher().Main()
		}
	}, nil)
	require.NoError(t, err)

	require.NoError(t, h.tx.Post(kindPing, 0, nil))
	h.ticks(t, 1)
	assert.ErrorIs(t, inner, ErrReentrant)
}

func TestContext_StaleAfterCallback(t *testing.T) {
	h := newHarness(t)
	var saved Context
	_, err := h.disp.RegisterEventSource(SourceID{Kind: kindPing, Handle: 0}, func(c Context) {
		saved = c
	}, nil)
	require.NoError(t, err)

	assert.False(t, saved.Valid())
	assert.Equal(t, event.KindInvalid, saved.Kind())
	_, err = saved.CreatePeriodic(1, noop, nil)
	assert.ErrorIs(t, err, ErrStaleContext)
	assert.True(t, IsStaleError(err))
	_, err = saved.InstallCallback(noop)
	assert.ErrorIs(t, err, ErrStaleContext)
}

func TestInternalSource_InitAndTimers(t *testing.T) {
	h := newHarness(t)

	var fired []Tick
	idx, err := h.disp.RegisterInternalSource("housekeeping", func(c Context) {
		assert.Equal(t, event.KindInternalInit, c.Kind())
		i, external := c.SourceIndex()
		assert.Zero(t, i)
		assert.False(t, external)

		_, err := c.InstallCallback(noop)
		assert.ErrorIs(t, err, ErrIllegalState)

		_, err = c.CreatePeriodic(3, func(c Context) {
			fired = append(fired, c.Tick())
			assert.Equal(t, "housekeeping", c.Source().Name)
		}, nil)
		require.NoError(t, err)
	}, nil)
	require.NoError(t, err)
	assert.Zero(t, idx)
	assert.Zero(t, h.sys.Sources(), "internal sources use their own range")

	h.ticks(t, 9)
	assert.Equal(t, []Tick{3, 6, 9}, fired)
}

func TestRegisterBus_ReceivesStateEvents(t *testing.T) {
	pool, err := mempool.New(make([]byte, 1<<16))
	require.NoError(t, err)
	tx, rx, err := port.NewPair(pool, port.Config{Capacity: 4, MaxPayload: 0})
	require.NoError(t, err)

	m, err := handlemap.NewDirect(pool, make([]handlemap.KindRange, 8))
	require.NoError(t, err)
	sys := NewSystem(pool)
	d, err := sys.NewDispatcher(Config{Ports: []*port.Receiver{rx}, Map: m})
	require.NoError(t, err)

	var kinds []event.Kind
	idx, err := d.RegisterBus(0, func(c Context) {
		kinds = append(kinds, c.Kind())
		assert.Equal(t, "bus0", c.Source().Name)
	}, nil)
	require.NoError(t, err)
	assert.Zero(t, idx)

	require.NoError(t, tx.Post(event.KindBusOff, 0, nil))
	require.NoError(t, tx.Post(event.KindBusRecovered, 0, nil))
	require.NoError(t, d.Main())

	assert.Equal(t, []event.Kind{event.KindSourceInit, event.KindBusOff, event.KindBusRecovered}, kinds)
}

func TestSlot_PersistsAcrossEvents(t *testing.T) {
	h := newHarness(t, WithSlotSize(4))
	var last byte
	_, err := h.disp.RegisterEventSource(SourceID{Kind: kindPing, Handle: 0}, func(c Context) {
		slot := c.Slot()
		require.Len(t, slot, 4)
		slot[0]++
		last = slot[0]
	}, nil)
	require.NoError(t, err)

	require.NoError(t, h.tx.Post(kindPing, 0, nil))
	require.NoError(t, h.tx.Post(kindPing, 0, nil))
	h.ticks(t, 1)
	assert.Equal(t, byte(3), last)
}

func TestDispatcher_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	ticked := make(chan struct{}, 1)
	_, err := h.disp.RegisterEventSource(SourceID{Kind: kindPing, Handle: 0}, func(c Context) {
		_, err := c.CreatePeriodic(1, func(Context) {
			select {
			case ticked <- struct{}{}:
			default:
			}
		}, nil)
		require.NoError(t, err)
	}, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- h.disp.Run(ctx, time.Millisecond) }()

	select {
	case <-ticked:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher never ticked")
	}
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestTicks(t *testing.T) {
	assert.Equal(t, uint32(10), Ticks(100*time.Millisecond, 10*time.Millisecond))
	assert.Equal(t, uint32(1), Ticks(time.Millisecond, 10*time.Millisecond))
	assert.Equal(t, uint32(2), Ticks(15*time.Millisecond, 10*time.Millisecond))
	assert.Zero(t, Ticks(0, 10*time.Millisecond))
}

func TestDue_WrapAround(t *testing.T) {
	assert.True(t, Due(5, 5))
	assert.False(t, Due(4, 5))
	assert.True(t, Due(2, 0xFFFFFFFE), "due before the wrap")
	assert.False(t, Due(0xFFFFFFFE, 2), "due after the wrap")
}
