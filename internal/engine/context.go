package engine

import (
	"github.com/roach88/ede/internal/event"
)

// Context is the callback's view of the event being dispatched. It is only
// valid while the callback runs: getters on a stale context return zero
// values, and operations return an error matching ErrStaleContext.
type Context struct {
	d      *Dispatcher
	serial uint64
}

func (c Context) current() (*invocation, bool) {
	if c.d == nil || !c.d.cur.active || c.d.cur.serial != c.serial {
		return nil, false
	}
	return &c.d.cur, true
}

func (c Context) stale() error {
	idx := -1
	if c.d != nil {
		idx = c.d.idx
	}
	return newRuntimeError(ErrCodeStaleContext, idx, "context used after its callback returned")
}

// Valid reports whether the context may still be used.
func (c Context) Valid() bool {
	_, ok := c.current()
	return ok
}

// Kind returns the kind of the event.
func (c Context) Kind() event.Kind {
	inv, ok := c.current()
	if !ok {
		return event.KindInvalid
	}
	return inv.kind
}

// Data returns the event payload. It aliases queue memory and is only valid
// during the callback. Timer and init events carry no payload.
func (c Context) Data() []byte {
	inv, ok := c.current()
	if !ok {
		return nil
	}
	return inv.data
}

// Handle returns the sender handle of a queued event.
func (c Context) Handle() event.Handle {
	inv, ok := c.current()
	if !ok {
		return 0
	}
	return inv.handle
}

// Port returns the index of the port the event was read from, or -1.
func (c Context) Port() int {
	inv, ok := c.current()
	if !ok {
		return -1
	}
	return inv.port
}

// Tick returns the dispatcher's current tick.
func (c Context) Tick() Tick {
	if c.d == nil {
		return 0
	}
	return c.d.clock.Now()
}

// Dispatcher returns the dispatcher running the callback.
func (c Context) Dispatcher() *Dispatcher {
	return c.d
}

// Timer returns the handle of the expired timer during a timer event.
func (c Context) Timer() (Timer, bool) {
	inv, ok := c.current()
	if !ok || inv.timer == noTimer {
		return Timer{}, false
	}
	t := c.d.timers.at(uint32(inv.timer))
	if t.state == timerKilled {
		return Timer{}, false
	}
	return Timer{d: c.d, idx: uint32(inv.timer), gen: t.gen}, true
}

// TimerData returns the user data of the expired timer.
func (c Context) TimerData() any {
	inv, ok := c.current()
	if !ok || inv.timer == noTimer {
		return nil
	}
	return c.d.timers.at(uint32(inv.timer)).data
}

// SourceIndex returns the index of the associated event source and whether
// it is an external source. Internal sources have their own index range.
func (c Context) SourceIndex() (idx int, external bool) {
	inv, ok := c.current()
	if !ok {
		return -1, false
	}
	return inv.srcIdx, !inv.internal
}

// Source returns the identity of the associated event source.
func (c Context) Source() SourceID {
	inv, ok := c.current()
	if !ok {
		return SourceID{}
	}
	return c.d.source(inv.srcIdx, inv.internal).id
}

// SourceData returns the data given at registration.
func (c Context) SourceData() any {
	inv, ok := c.current()
	if !ok {
		return nil
	}
	return c.d.source(inv.srcIdx, inv.internal).data
}

// Slot returns the source's persistent context slot, or nil when the system
// was created without WithSlotSize.
func (c Context) Slot() []byte {
	inv, ok := c.current()
	if !ok {
		return nil
	}
	return c.d.source(inv.srcIdx, inv.internal).slot
}

// InstallCallback replaces the callback that will handle future events: the
// expired timer's callback during a timer event, the source's callback
// otherwise. It returns the replaced callback. Internal sources keep their
// callback for life.
func (c Context) InstallCallback(cb Callback) (Callback, error) {
	inv, ok := c.current()
	if !ok {
		return nil, c.stale()
	}
	if cb == nil {
		return nil, newRuntimeError(ErrCodeInvalidArgument, c.d.idx, "nil callback")
	}
	if inv.timer != noTimer {
		t := c.d.timers.at(uint32(inv.timer))
		if t.state == timerKilled {
			return nil, newRuntimeError(ErrCodeStaleTimer, c.d.idx, "current timer was killed")
		}
		prev := t.cb
		t.cb = cb
		return prev, nil
	}
	if inv.internal {
		return nil, newRuntimeError(ErrCodeIllegalState, c.d.idx, "internal source callback cannot be replaced")
	}
	src := c.d.source(inv.srcIdx, false)
	prev := src.cb
	src.cb = cb
	return prev, nil
}

// CreatePeriodic creates a timer firing every period ticks, first at
// now+period. The timer belongs to the current event source.
func (c Context) CreatePeriodic(period uint32, cb Callback, data any) (Timer, error) {
	return c.CreatePeriodicShifted(period, period, cb, data)
}

// CreatePeriodicShifted creates a periodic timer whose first expiry is at
// now+phase. Spreading the phases of equal periods balances the load over
// ticks.
func (c Context) CreatePeriodicShifted(period, phase uint32, cb Callback, data any) (Timer, error) {
	inv, ok := c.current()
	if !ok {
		return Timer{}, c.stale()
	}
	if period == 0 || phase == 0 {
		return Timer{}, newRuntimeError(ErrCodeInvalidArgument, c.d.idx, "period %d and phase %d must be positive", period, phase)
	}
	return c.d.newTimer(inv, c.d.clock.Now()+Tick(phase), period, false, cb, data)
}

// CreateSingleShot creates a timer firing once at now+delay. A zero delay
// creates it suspended, to be armed later by Retrigger. With autoKill the
// timer is killed after firing, otherwise it becomes idle.
func (c Context) CreateSingleShot(delay uint32, cb Callback, data any, autoKill bool) (Timer, error) {
	inv, ok := c.current()
	if !ok {
		return Timer{}, c.stale()
	}
	h, err := c.d.newTimer(inv, c.d.clock.Now()+Tick(delay), 0, autoKill, cb, data)
	if err != nil {
		return Timer{}, err
	}
	if delay == 0 {
		c.d.timers.at(h.idx).state = timerIdle
	}
	return h, nil
}

// Retrigger arms the timer to expire delay ticks from now, replacing any
// pending due tick. The zero handle refers to the timer being dispatched.
// A periodic timer resumes its period from the new due tick.
func (c Context) Retrigger(h Timer, delay uint32) error {
	if _, ok := c.current(); !ok {
		return c.stale()
	}
	if delay == 0 {
		return newRuntimeError(ErrCodeInvalidArgument, c.d.idx, "retrigger delay must be positive")
	}
	t, err := c.d.lookupTimer(h)
	if err != nil {
		return err
	}
	t.due = c.d.clock.Now() + Tick(delay)
	t.state = timerArmed
	t.retriggered = true
	return nil
}

// Suspend deactivates the timer without invalidating its handle. An
// auto-kill timer has no idle state and is killed instead.
func (c Context) Suspend(h Timer) error {
	if _, ok := c.current(); !ok {
		return c.stale()
	}
	t, err := c.d.lookupTimer(h)
	if err != nil {
		return err
	}
	if t.autoKill && t.period == 0 {
		c.d.timers.kill(t)
		return nil
	}
	t.state = timerIdle
	return nil
}

// Kill invalidates the timer permanently. Its slot is recycled after the
// current tick.
func (c Context) Kill(h Timer) error {
	if _, ok := c.current(); !ok {
		return c.stale()
	}
	t, err := c.d.lookupTimer(h)
	if err != nil {
		return err
	}
	c.d.timers.kill(t)
	return nil
}

// Inbound reports whether the associated source receives frames.
func (c Context) Inbound() bool {
	return c.Source().Direction == Inbound
}
