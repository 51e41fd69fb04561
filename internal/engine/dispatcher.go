package engine

import (
	"log/slog"
	"sync/atomic"

	"github.com/roach88/ede/internal/event"
	"github.com/roach88/ede/internal/handlemap"
	"github.com/roach88/ede/internal/port"
)

// Invocation describes one callback invocation, as reported to a Tracer.
// Data aliases queue memory and must be copied if retained.
type Invocation struct {
	Dispatcher int
	Tick       Tick
	Kind       event.Kind
	Handle     event.Handle
	Source     int
	Internal   bool
	SourceName string
	Timer      int // -1 for source events
	Port       int // -1 unless the event came from a port
	Data       []byte
}

// Tracer observes callback invocations. OnInvoke runs on the dispatcher's
// goroutine, right before the callback.
type Tracer interface {
	OnInvoke(Invocation)
}

// Stats is a snapshot of a dispatcher's counters. Counters are 32 bits wide
// and wrap around.
type Stats struct {
	Tick         Tick
	Events       uint32
	TimerFirings uint32
	Unmapped     uint32
	Misrouted    uint32
	Deferred     uint32
	LiveTimers   int
}

type counters struct {
	events    atomic.Uint32
	firings   atomic.Uint32
	unmapped  atomic.Uint32
	misrouted atomic.Uint32
	deferred  atomic.Uint32
}

const noTimer = -1

type invocation struct {
	serial   uint64
	active   bool
	kind     event.Kind
	handle   event.Handle
	data     []byte
	srcIdx   int
	internal bool
	timer    int32
	port     int
}

// Dispatcher fires timers and dispatches queued events on behalf of the
// event sources registered with it. Main must be called from a single
// goroutine.
type Dispatcher struct {
	sys    *System
	idx    int
	name   string
	ports  []*port.Receiver
	m      handlemap.Map
	clock  *Clock
	logger *slog.Logger

	timers timerArena
	cur    invocation
	serial uint64
	inMain bool
	stats  counters
}

// Index returns the dispatcher's position in its system.
func (d *Dispatcher) Index() int {
	return d.idx
}

// Name returns the configured name.
func (d *Dispatcher) Name() string {
	return d.name
}

// Now returns the current tick.
func (d *Dispatcher) Now() Tick {
	return d.clock.Now()
}

// Stats returns a snapshot of the counters. Safe from any goroutine.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Tick:         d.clock.Now(),
		Events:       d.stats.events.Load(),
		TimerFirings: d.stats.firings.Load(),
		Unmapped:     d.stats.unmapped.Load(),
		Misrouted:    d.stats.misrouted.Load(),
		Deferred:     d.stats.deferred.Load(),
		LiveTimers:   int(d.timers.live.Load()),
	}
}

// Main runs one tick: it fires due timers and then dispatches every queued
// event. The first call on any dispatcher closes registration.
func (d *Dispatcher) Main() error {
	if d.inMain {
		return newRuntimeError(ErrCodeReentrant, d.idx, "main called from a callback")
	}
	d.inMain = true
	defer func() { d.inMain = false }()

	d.sys.closeRegistration()
	d.timers.merge()

	now := d.clock.Advance()
	d.fireTimers(now)
	if err := d.drainPorts(); err != nil {
		return err
	}
	d.timers.collect()
	return nil
}

func (d *Dispatcher) fireTimers(now Tick) {
	for _, i := range d.timers.active {
		t := d.timers.at(i)
		if t.state != timerArmed || !Due(now, t.due) {
			continue
		}

		t.retriggered = false
		d.stats.firings.Add(1)
		d.invoke(invocation{
			kind:     event.KindTimerElapsed,
			srcIdx:   t.srcIdx,
			internal: t.internal,
			timer:    int32(i),
			port:     -1,
		})

		switch {
		case t.state != timerArmed:
			// killed or suspended by its own callback
		case t.retriggered:
			// the callback chose the next due tick
		case t.period > 0:
			t.due += Tick(t.period)
		case t.autoKill:
			d.timers.kill(t)
		default:
			t.state = timerIdle
		}
	}
}

func (d *Dispatcher) drainPorts() error {
	budget := d.sys.budget
	n := 0
	for pi, p := range d.ports {
		for {
			if budget > 0 && n >= budget {
				if left := p.Len(); left > 0 {
					d.stats.deferred.Add(uint32(left))
				}
				break
			}
			ev, ok, err := p.Read()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			n++
			d.dispatch(pi, ev)
			if err := p.Free(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Dispatcher) dispatch(portIdx int, ev event.Event) {
	idx, ok := d.m.Lookup(ev.Kind, ev.Handle)
	if !ok || idx < 0 || idx >= len(d.sys.sources) {
		d.stats.unmapped.Add(1)
		d.logger.Debug("event dropped", "reason", "unmapped", "kind", ev.Kind, "handle", uint64(ev.Handle), "port", portIdx)
		return
	}
	if d.sys.sources[idx].disp != d {
		d.stats.misrouted.Add(1)
		d.logger.Debug("event dropped", "reason", "foreign source", "kind", ev.Kind, "source", idx, "port", portIdx)
		return
	}

	d.stats.events.Add(1)
	d.invoke(invocation{
		kind:   ev.Kind,
		handle: ev.Handle,
		data:   ev.Data,
		srcIdx: idx,
		timer:  noTimer,
		port:   portIdx,
	})
}

func (d *Dispatcher) source(srcIdx int, internal bool) *source {
	if internal {
		return &d.sys.internals[srcIdx]
	}
	return &d.sys.sources[srcIdx]
}

// invoke calls the callback for inv. The previous invocation is restored
// afterwards, so a source registered from inside a callback does not
// invalidate the outer context.
func (d *Dispatcher) invoke(inv invocation) {
	prev := d.cur
	d.serial++
	inv.serial = d.serial
	inv.active = true
	d.cur = inv
	defer func() { d.cur = prev }()

	src := d.source(inv.srcIdx, inv.internal)
	cb := src.cb
	if inv.timer != noTimer {
		cb = d.timers.at(uint32(inv.timer)).cb
	}

	if tr := d.sys.tracer; tr != nil {
		tr.OnInvoke(Invocation{
			Dispatcher: d.idx,
			Tick:       d.clock.Now(),
			Kind:       inv.kind,
			Handle:     inv.handle,
			Source:     inv.srcIdx,
			Internal:   inv.internal,
			SourceName: src.id.Name,
			Timer:      int(inv.timer),
			Port:       inv.port,
			Data:       inv.data,
		})
	}
	cb(Context{d: d, serial: inv.serial})
}
