package engine

import (
	"fmt"
	"sync/atomic"

	"github.com/roach88/ede/internal/mempool"
)

// timerChunk is the number of timer objects taken from the pool at once.
const timerChunk = 16

type timerState uint8

const (
	timerIdle timerState = iota
	timerArmed
	timerKilled
)

type timer struct {
	gen         uint32
	state       timerState
	due         Tick
	period      uint32
	autoKill    bool
	retriggered bool
	cb          Callback
	data        any
	srcIdx      int
	internal    bool
}

// Timer is a generation-tagged handle to a timer of one dispatcher. The
// zero Timer refers to the timer whose expiry is being dispatched.
type Timer struct {
	d   *Dispatcher
	idx uint32
	gen uint32
}

// IsZero reports whether t is the zero handle.
func (t Timer) IsZero() bool {
	return t.d == nil
}

// Index returns the slot index of the timer within its dispatcher.
func (t Timer) Index() int {
	return int(t.idx)
}

func (t Timer) String() string {
	if t.d == nil {
		return "timer(current)"
	}
	return fmt.Sprintf("timer(%d.%d@%d)", t.idx, t.gen, t.d.idx)
}

// timerArena keeps every timer of a dispatcher. Slots are never returned to
// the pool; killed slots are recycled with a new generation.
type timerArena struct {
	chunks  [][]timer
	n       uint32
	free    []uint32
	active  []uint32 // creation order
	pending []uint32 // created since the last merge
	live    atomic.Int32
}

func (a *timerArena) at(i uint32) *timer {
	return &a.chunks[i/timerChunk][i%timerChunk]
}

func (a *timerArena) alloc(pool *mempool.Pool, max int) (uint32, *timer, error) {
	if max > 0 && int(a.live.Load()) >= max {
		return 0, nil, fmt.Errorf("%d live timers", max)
	}

	var i uint32
	if n := len(a.free); n > 0 {
		i = a.free[n-1]
		a.free = a.free[:n-1]
		// handles taken after the kill must not reach the new timer
		a.at(i).gen++
	} else {
		if a.n == uint32(len(a.chunks))*timerChunk {
			chunk, err := mempool.Make[timer](pool, timerChunk)
			if err != nil {
				return 0, nil, err
			}
			a.chunks = append(a.chunks, chunk)
		}
		i = a.n
		a.n++
		a.at(i).gen = 1
	}

	a.pending = append(a.pending, i)
	a.live.Add(1)
	return i, a.at(i), nil
}

func (a *timerArena) kill(t *timer) {
	if t.state == timerKilled {
		return
	}
	t.state = timerKilled
	t.gen++
	t.cb = nil
	t.data = nil
	a.live.Add(-1)
}

// merge appends the timers created since the last tick to the active list,
// keeping creation order.
func (a *timerArena) merge() {
	if len(a.pending) == 0 {
		return
	}
	for _, i := range a.pending {
		if a.at(i).state == timerKilled {
			a.free = append(a.free, i)
			continue
		}
		a.active = append(a.active, i)
	}
	a.pending = a.pending[:0]
}

// collect moves killed timers from the active list to the free list.
func (a *timerArena) collect() {
	kept := a.active[:0]
	for _, i := range a.active {
		if a.at(i).state == timerKilled {
			a.free = append(a.free, i)
			continue
		}
		kept = append(kept, i)
	}
	a.active = kept
}

func (d *Dispatcher) newTimer(inv *invocation, due Tick, period uint32, autoKill bool, cb Callback, data any) (Timer, error) {
	if cb == nil {
		return Timer{}, newRuntimeError(ErrCodeInvalidArgument, d.idx, "nil timer callback")
	}
	i, t, err := d.timers.alloc(d.sys.pool, d.sys.maxTimers)
	if err != nil {
		return Timer{}, newRuntimeError(ErrCodeExhausted, d.idx, "create timer: %v", err)
	}

	t.state = timerArmed
	t.due = due
	t.period = period
	t.autoKill = autoKill
	t.retriggered = false
	t.cb = cb
	t.data = data
	t.srcIdx = inv.srcIdx
	t.internal = inv.internal
	return Timer{d: d, idx: i, gen: t.gen}, nil
}

// lookupTimer resolves h, the zero handle meaning the firing timer.
func (d *Dispatcher) lookupTimer(h Timer) (*timer, error) {
	if h.d == nil {
		if d.cur.timer == noTimer {
			return nil, newRuntimeError(ErrCodeIllegalState, d.idx, "no current timer outside a timer event")
		}
		t := d.timers.at(uint32(d.cur.timer))
		if t.state == timerKilled {
			return nil, newRuntimeError(ErrCodeStaleTimer, d.idx, "current timer was killed")
		}
		return t, nil
	}
	if h.d != d {
		return nil, newRuntimeError(ErrCodeStaleTimer, d.idx, "%v belongs to dispatcher %d", h, h.d.idx)
	}
	if h.idx >= d.timers.n {
		return nil, newRuntimeError(ErrCodeStaleTimer, d.idx, "%v never created", h)
	}
	t := d.timers.at(h.idx)
	if t.gen != h.gen || t.state == timerKilled {
		return nil, newRuntimeError(ErrCodeStaleTimer, d.idx, "%v was killed", h)
	}
	return t, nil
}
