package sim

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ede/internal/config"
	"github.com/roach88/ede/internal/engine"
	"github.com/roach88/ede/internal/testutil"
	"github.com/roach88/ede/internal/trace"
)

func frame(t *testing.T, net *config.Network, name string) int {
	t.Helper()
	fi, ok := net.FrameByName(name)
	require.True(t, ok, name)
	return fi
}

const twoNodes = `
network: {
	tickPeriod: "10ms"
	buses: [{name: "A"}, {name: "B"}]
	dispatchers: [{name: "body"}, {name: "chassis", handleMap: "direct"}]
	frames: [
		{name: "doors", id: 0x200, bus: "A", direction: "out", dispatcher: "body", cycle: "50ms"},
		{name: "lights", id: 0x201, bus: "A", direction: "out", dispatcher: "body", sendMode: "event", minDistance: "30ms"},
		{name: "wheels", id: 0x300, bus: "B", direction: "out", dispatcher: "chassis", cycle: "20ms"},
		{name: "echo", id: 0x200, bus: "A", direction: "in", dispatcher: "chassis", cycle: "50ms"},
		{name: "brake", id: 0x301, bus: "B", direction: "in", dispatcher: "chassis", cycle: "40ms"},
	]
}
`

func loadTwoNodes(t *testing.T) *config.Network {
	t.Helper()
	net, err := config.Parse([]byte(twoNodes), "two.cue")
	require.NoError(t, err)
	return net
}

func TestSimulator_CyclicTransmissions(t *testing.T) {
	s, err := New(testutil.Body(t), WithLogger(testutil.Quiet()), WithRunID("run-1"))
	require.NoError(t, err)
	defer s.Close()

	res, err := s.Run(context.Background(), 200)
	require.NoError(t, err)

	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, engine.Tick(200), res.Ticks)
	assert.Equal(t, []engine.Tick{100, 200}, res.SentAt("StatusPowerDisplay"))
	assert.Equal(t, []engine.Tick{100, 200}, res.SentAt("InfoPowerDisplay"))
	assert.Equal(t, uint32(4), res.Counters.TxFrames)
	require.Len(t, res.Dispatchers, 1)
	assert.Equal(t, engine.Tick(200), res.Dispatchers[0].Stats.Tick)
}

func TestSimulator_GeneratesRunID(t *testing.T) {
	s, err := New(testutil.Body(t), WithLogger(testutil.Quiet()))
	require.NoError(t, err)
	defer s.Close()
	assert.Len(t, s.RunID(), 36)
}

func TestSimulator_StimuliDriveReception(t *testing.T) {
	net := testutil.Body(t)
	s, err := New(net, WithLogger(testutil.Quiet()))
	require.NoError(t, err)
	defer s.Close()

	ecu := frame(t, net, "StateEcu01")
	for _, tick := range []engine.Tick{5, 15, 25} {
		require.NoError(t, s.Schedule(Stimulus{Tick: tick, Kind: Receive, Frame: ecu, Data: []byte{byte(tick)}}))
	}
	res, err := s.Run(context.Background(), 60)
	require.NoError(t, err)

	// last reception at 25, timeout 30 ticks later
	assert.Equal(t, uint32(1), res.Counters.RxTimeouts)
	assert.Equal(t, uint32(3), s.Stack().FrameStatus(ecu).Received)
	assert.Equal(t, byte(25), s.Stack().FrameData(ecu)[0])
}

func TestSimulator_UpdateTriggersEventFrame(t *testing.T) {
	net := loadTwoNodes(t)
	s, err := New(net, WithLogger(testutil.Quiet()))
	require.NoError(t, err)
	defer s.Close()

	lights := frame(t, net, "lights")
	require.NoError(t, s.Schedule(Stimulus{Tick: 10, Kind: Update, Frame: lights, Data: []byte{1}}))
	require.NoError(t, s.Schedule(Stimulus{Tick: 11, Kind: Update, Frame: lights, Data: []byte{2}}))
	res, err := s.Run(context.Background(), 30)
	require.NoError(t, err)

	// drained at 10, sent at 11; the second change waits for min distance 3
	assert.Equal(t, []engine.Tick{11, 14}, res.SentAt("lights"))
}

func TestSimulator_TransmitFailureAndBusOff(t *testing.T) {
	net := testutil.Body(t)
	s, err := New(net, WithLogger(testutil.Quiet()))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Schedule(Stimulus{Tick: 50, Kind: TxFail, Bus: 0}))
	require.NoError(t, s.Schedule(Stimulus{Tick: 150, Kind: TxRestore, Bus: 0}))
	require.NoError(t, s.Schedule(Stimulus{Tick: 250, Kind: BusOff, Bus: 0}))
	require.NoError(t, s.Schedule(Stimulus{Tick: 350, Kind: Recover, Bus: 0}))

	res, err := s.Run(context.Background(), 400)
	require.NoError(t, err)

	assert.Equal(t, uint32(2), res.Counters.TxSendFailed)
	assert.Equal(t, uint32(2), res.Counters.TxSuppressed)
	assert.Equal(t, uint32(1), res.Counters.BusOffs)
	assert.Equal(t, []engine.Tick{200, 400}, res.SentAt("StatusPowerDisplay"))
}

func TestSimulator_Loopback(t *testing.T) {
	net := loadTwoNodes(t)
	s, err := New(net, WithLogger(testutil.Quiet()), WithLoopback())
	require.NoError(t, err)
	defer s.Close()

	res, err := s.Run(context.Background(), 12)
	require.NoError(t, err)

	echo := frame(t, net, "echo")
	assert.Equal(t, []engine.Tick{5, 10}, res.SentAt("doors"))
	assert.Equal(t, uint32(2), s.Stack().FrameStatus(echo).Received)
	assert.EqualValues(t, 11, s.Stack().FrameStatus(echo).LastRx)
	// wheels is not received by the node
	assert.Zero(t, res.Counters.RxUnknown)
}

func TestSimulator_ParallelMatchesSequential(t *testing.T) {
	run := func(workers int) ([]trace.Record, *Result) {
		net := loadTwoNodes(t)
		rec := trace.NewRecorder()
		s, err := New(net, WithLogger(testutil.Quiet()), WithTracer(rec), WithParallel(workers), WithRunID("same"))
		require.NoError(t, err)
		defer s.Close()

		brake := frame(t, net, "brake")
		lights := frame(t, net, "lights")
		for tick := engine.Tick(3); tick < 100; tick += 7 {
			require.NoError(t, s.Schedule(Stimulus{Tick: tick, Kind: Receive, Frame: brake, Data: []byte{byte(tick)}}))
			require.NoError(t, s.Schedule(Stimulus{Tick: tick, Kind: Update, Frame: lights, Data: []byte{byte(tick)}}))
		}
		// bus B is owned by body but wheels is sent by chassis
		for tick := engine.Tick(4); tick < 100; tick += 8 {
			require.NoError(t, s.Schedule(Stimulus{Tick: tick, Kind: BusOff, Bus: 1}))
			require.NoError(t, s.Schedule(Stimulus{Tick: tick + 2, Kind: Recover, Bus: 1}))
		}
		res, err := s.Run(context.Background(), 100)
		require.NoError(t, err)
		return rec.Records(), res
	}

	seqTrace, seqRes := run(1)
	parTrace, parRes := run(4)

	assert.Equal(t, seqTrace, parTrace)
	assert.Equal(t, seqRes.Transmissions, parRes.Transmissions)
	assert.Equal(t, seqRes.Counters, parRes.Counters)
	assert.NotZero(t, seqRes.Counters.TxSuppressed)
	assert.Equal(t, uint32(12), seqRes.Counters.BusOffs)

	h1, err := trace.Hash(seqTrace)
	require.NoError(t, err)
	h2, err := trace.Hash(parTrace)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestSimulator_ScheduleErrors(t *testing.T) {
	net := testutil.Body(t)
	s, err := New(net, WithLogger(testutil.Quiet()))
	require.NoError(t, err)
	defer s.Close()

	info := frame(t, net, "InfoPowerDisplay")
	ecu := frame(t, net, "StateEcu01")

	assert.ErrorContains(t, s.Schedule(Stimulus{Tick: 1, Kind: Receive, Frame: info}), "wrong direction")
	assert.ErrorContains(t, s.Schedule(Stimulus{Tick: 1, Kind: Update, Frame: ecu}), "wrong direction")
	assert.ErrorContains(t, s.Schedule(Stimulus{Tick: 1, Kind: Receive, Frame: 42}), "unknown frame")
	assert.ErrorContains(t, s.Schedule(Stimulus{Tick: 1, Kind: BusOff, Bus: 3}), "unknown bus")
	assert.ErrorContains(t, s.Schedule(Stimulus{Tick: 1, Kind: "jam"}), "unknown stimulus")
	assert.ErrorContains(t, s.Schedule(Stimulus{Tick: 0, Kind: BusOff}), "not after")
}

func TestSimulator_RunCancelled(t *testing.T) {
	s, err := New(testutil.Body(t), WithLogger(testutil.Quiet()))
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Run(ctx, 10)
	assert.ErrorIs(t, err, context.Canceled)
}
