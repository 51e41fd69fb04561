package canif

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/roach88/ede/internal/config"
	"github.com/roach88/ede/internal/engine"
	"github.com/roach88/ede/internal/event"
	"github.com/roach88/ede/internal/sender"
)

var (
	ErrUnknownFrame = errors.New("canif: unknown frame")
	ErrNotOutbound  = errors.New("canif: frame is not outbound")
	ErrFrameSize    = errors.New("canif: data exceeds frame size")
	ErrQueueFull    = errors.New("canif: dispatcher queue full")
)

// StatusFlag is a bit of FrameStatus.Flags.
type StatusFlag uint8

const (
	// NeverReceived is set on inbound frames until the first reception.
	NeverReceived StatusFlag = 1 << iota
	// TimedOut is set when an inbound frame missed TimeoutFactor cycles and
	// cleared by the next reception.
	TimedOut
	// SendBufferFull is set when the last transmission attempt failed.
	SendBufferFull
)

func (f StatusFlag) String() string {
	var parts []string
	if f&NeverReceived != 0 {
		parts = append(parts, "never_received")
	}
	if f&TimedOut != 0 {
		parts = append(parts, "timed_out")
	}
	if f&SendBufferFull != 0 {
		parts = append(parts, "send_buffer_full")
	}
	if len(parts) == 0 {
		return "ok"
	}
	return strings.Join(parts, "|")
}

// FrameStatus is the per-frame state kept by the frame's dispatcher.
type FrameStatus struct {
	Flags    StatusFlag
	Received uint32
	Sent     uint32
	LastRx   engine.Tick
	LastTx   engine.Tick
}

// Counters are node-wide event counters, updated from every dispatcher.
type Counters struct {
	RxFrames     atomic.Uint32
	RxQueueFull  atomic.Uint32
	RxUnknown    atomic.Uint32
	RxTimeouts   atomic.Uint32
	TxFrames     atomic.Uint32
	TxSendFailed atomic.Uint32
	TxSuppressed atomic.Uint32
	BusOffs      atomic.Uint32
}

// CounterSnapshot is a copy of Counters.
type CounterSnapshot struct {
	RxFrames     uint32 `json:"rx_frames"`
	RxQueueFull  uint32 `json:"rx_queue_full"`
	RxUnknown    uint32 `json:"rx_unknown"`
	RxTimeouts   uint32 `json:"rx_timeouts"`
	TxFrames     uint32 `json:"tx_frames"`
	TxSendFailed uint32 `json:"tx_send_failed"`
	TxSuppressed uint32 `json:"tx_suppressed"`
	BusOffs      uint32 `json:"bus_offs"`
}

// Counters returns a snapshot of the node counters.
func (st *Stack) Counters() CounterSnapshot {
	c := &st.counters
	return CounterSnapshot{
		RxFrames:     c.RxFrames.Load(),
		RxQueueFull:  c.RxQueueFull.Load(),
		RxUnknown:    c.RxUnknown.Load(),
		RxTimeouts:   c.RxTimeouts.Load(),
		TxFrames:     c.TxFrames.Load(),
		TxSendFailed: c.TxSendFailed.Load(),
		TxSuppressed: c.TxSuppressed.Load(),
		BusOffs:      c.BusOffs.Load(),
	}
}

type frameState struct {
	idx     int
	frame   config.Frame
	cycle   uint32
	minDist uint32
	data    []byte // pool memory, frame.Size bytes
	changed bool
	status  FrameStatus

	// inbound: timeout supervision; outbound: send timers
	timeout engine.Timer
	due     engine.Timer
}

// busState is written by the dispatcher owning the bus sources and read by
// every dispatcher sending on the bus. A change handled at tick n applies
// to sends from tick n+1, so dispatchers stepping the same tick in any
// order agree on the state.
type busState struct {
	bus   int
	state atomic.Uint64 // change tick<<32 | off before<<1 | off now
}

// set records the state at tick and reports whether it changed.
func (bs *busState) set(tick engine.Tick, off bool) bool {
	old := bs.state.Load()
	if (old&1 != 0) == off {
		return false
	}
	before := old&1 != 0
	if engine.Tick(old>>32) == tick {
		before = old&2 != 0
	}
	v := uint64(tick) << 32
	if before {
		v |= 2
	}
	if off {
		v |= 1
	}
	bs.state.Store(v)
	return true
}

// offAt reports the state sends at tick must honour.
func (bs *busState) offAt(tick engine.Tick) bool {
	v := bs.state.Load()
	if engine.Tick(v>>32) == tick {
		return v&2 != 0
	}
	return v&1 != 0
}

func (bs *busState) off() bool {
	return bs.state.Load()&1 != 0
}

// supervised reports whether an inbound frame is expected cyclically.
func (fs *frameState) supervised() bool {
	return fs.frame.SendMode != config.SendEvent && fs.cycle > 0
}

func (st *Stack) onInitReceivedFrame(c engine.Context) {
	fs := c.SourceData().(*frameState)
	if _, err := c.InstallCallback(st.onReceive); err != nil {
		st.logger.Error("install reception callback", "frame", fs.frame.Name, "error", err)
		return
	}
	if !fs.supervised() {
		return
	}
	t, err := c.CreateSingleShot(TimeoutFactor*fs.cycle, st.onRxTimeout, fs, false)
	if err != nil {
		st.logger.Error("create timeout timer", "frame", fs.frame.Name, "error", err)
		return
	}
	fs.timeout = t
}

func (st *Stack) onReceive(c engine.Context) {
	fs := c.SourceData().(*frameState)
	copy(fs.data, c.Data())
	fs.status.Flags &^= NeverReceived | TimedOut
	fs.status.Received++
	fs.status.LastRx = c.Tick()
	st.counters.RxFrames.Add(1)

	if fs.supervised() && !fs.timeout.IsZero() {
		if err := c.Retrigger(fs.timeout, TimeoutFactor*fs.cycle); err != nil {
			st.logger.Error("retrigger timeout", "frame", fs.frame.Name, "error", err)
		}
	}
}

func (st *Stack) onRxTimeout(c engine.Context) {
	fs := c.TimerData().(*frameState)
	fs.status.Flags |= TimedOut
	st.counters.RxTimeouts.Add(1)
	st.logger.Debug("frame timeout", "frame", fs.frame.Name, "tick", c.Tick())
}

func (st *Stack) onInitSendFrame(c engine.Context) {
	fs := c.SourceData().(*frameState)
	if _, err := c.InstallCallback(st.onUpdate); err != nil {
		st.logger.Error("install update callback", "frame", fs.frame.Name, "error", err)
		return
	}

	var err error
	switch fs.frame.SendMode {
	case config.SendEvent:
		fs.due, err = c.CreateSingleShot(1, st.onEventDue, fs, false)
	case config.SendMixed:
		fs.due, err = c.CreateSingleShot(1, st.onMixedDue, fs, false)
		if err == nil {
			fs.timeout, err = c.CreateSingleShot(fs.cycle, st.onMixedDue, fs, false)
		}
	default:
		fs.due, err = c.CreatePeriodic(fs.cycle, st.onRegularDue, fs)
	}
	if err != nil {
		st.logger.Error("create send timer", "frame", fs.frame.Name, "mode", fs.frame.SendMode, "error", err)
	}
}

// onUpdate stores new contents from the application. Only a real change
// arms change-triggered sending.
func (st *Stack) onUpdate(c engine.Context) {
	fs := c.SourceData().(*frameState)
	data := c.Data()
	if len(data) > len(fs.data) {
		data = data[:len(fs.data)]
	}
	if bytes.Equal(fs.data[:len(data)], data) {
		return
	}
	copy(fs.data, data)
	fs.changed = true
}

func (st *Stack) onRegularDue(c engine.Context) {
	st.send(c, c.TimerData().(*frameState))
}

func (st *Stack) onEventDue(c engine.Context) {
	fs := c.TimerData().(*frameState)
	delay := uint32(1)
	if fs.changed {
		st.send(c, fs)
		delay = fs.minDist
	}
	st.retrigger(c, fs, engine.Timer{}, delay)
}

// onMixedDue serves both timers of a mixed frame: the change check and the
// cyclic fallback.
func (st *Stack) onMixedDue(c engine.Context) {
	fs := c.TimerData().(*frameState)
	this, _ := c.Timer()
	if fs.changed || this == fs.timeout {
		st.send(c, fs)
		st.retrigger(c, fs, fs.timeout, fs.cycle)
		st.retrigger(c, fs, fs.due, fs.minDist)
		return
	}
	st.retrigger(c, fs, fs.due, 1)
}

func (st *Stack) retrigger(c engine.Context, fs *frameState, t engine.Timer, delay uint32) {
	if err := c.Retrigger(t, delay); err != nil {
		st.logger.Error("retrigger send timer", "frame", fs.frame.Name, "error", err)
	}
}

func (st *Stack) send(c engine.Context, fs *frameState) {
	f := fs.frame
	if st.buses[f.Bus].offAt(c.Tick()) {
		st.counters.TxSuppressed.Add(1)
		return
	}
	if err := st.tx.Transmit(f.Bus, f.CANHandle(), fs.data); err != nil {
		fs.status.Flags |= SendBufferFull
		st.counters.TxSendFailed.Add(1)
		st.logger.Debug("transmit failed", "frame", f.Name, "error", err)
		return
	}
	fs.status.Flags &^= SendBufferFull
	fs.status.Sent++
	fs.status.LastTx = c.Tick()
	fs.changed = false
	st.counters.TxFrames.Add(1)
}

func (st *Stack) onBusEvent(c engine.Context) {
	bs := c.SourceData().(*busState)
	switch c.Kind() {
	case event.KindBusOff:
		if bs.set(c.Tick(), true) {
			st.counters.BusOffs.Add(1)
			st.logger.Warn("bus off", "bus", st.net.Buses[bs.bus].Name, "tick", c.Tick())
		}
	case event.KindBusRecovered:
		if bs.set(c.Tick(), false) {
			st.logger.Info("bus recovered", "bus", st.net.Buses[bs.bus].Name, "tick", c.Tick())
		}
	}
}

// Driver is the producer side of one bus: the receive interrupt of a real
// controller. Its methods must be called from one goroutine at a time.
type Driver struct {
	st  *Stack
	bus int
	s   *sender.Sender
}

// Bus returns the bus index.
func (d *Driver) Bus() int { return d.bus }

// Receive queues a received frame for its dispatcher. Frames the node does
// not receive are dropped and counted, like a hardware acceptance filter.
func (d *Driver) Receive(id uint32, extended bool, data []byte) bool {
	fi, ok := d.st.rxByID[canKey{d.bus, id, extended}]
	if !ok {
		d.st.counters.RxUnknown.Add(1)
		return false
	}
	if !d.s.PostEvent(event.KindFrameReceived, d.st.handleOf(fi), data) {
		d.st.counters.RxQueueFull.Add(1)
		return false
	}
	return true
}

// BusOff reports the bus-off state to the node.
func (d *Driver) BusOff() bool {
	return d.s.PostEvent(event.KindBusOff, event.Handle(d.bus), nil)
}

// Recovered reports that the bus left bus-off.
func (d *Driver) Recovered() bool {
	return d.s.PostEvent(event.KindBusRecovered, event.Handle(d.bus), nil)
}

// Blocked returns the blocked-event counters of this driver's ports.
func (d *Driver) Blocked() []uint32 {
	out := make([]uint32, d.s.Ports())
	for i := range out {
		out[i] = d.s.Blocked(i)
	}
	return out
}

// App is the application's producer handle. Its methods must be called
// from one goroutine at a time.
type App struct {
	st *Stack
	s  *sender.Sender
}

// Update hands new contents of outbound frame fi to its dispatcher. It
// posts to the dispatcher's application port directly, since the frame's
// handle is only unique within that dispatcher.
func (a *App) Update(fi int, data []byte) error {
	net := a.st.net
	if fi < 0 || fi >= len(net.Frames) {
		return fmt.Errorf("%w: %d", ErrUnknownFrame, fi)
	}
	f := net.Frames[fi]
	if f.Inbound {
		return fmt.Errorf("%w: %s", ErrNotOutbound, f.Name)
	}
	if len(data) > f.Size {
		return fmt.Errorf("%w: %s takes %d bytes, got %d", ErrFrameSize, f.Name, f.Size, len(data))
	}
	if !a.s.PostEventToPort(f.Dispatcher, KindUpdate, a.st.handleOf(fi), data) {
		return fmt.Errorf("%w: %s", ErrQueueFull, f.Name)
	}
	return nil
}

// UpdateByName is Update with a frame name.
func (a *App) UpdateByName(name string, data []byte) error {
	fi, ok := a.st.net.FrameByName(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownFrame, name)
	}
	return a.Update(fi, data)
}
