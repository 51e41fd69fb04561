// Package port implements the bounded single-producer, single-consumer
// event queue that decouples an event producer (an interrupt handler or a
// driver task) from a dispatcher.
//
// NewPair returns the two halves as distinct types. The producer context
// keeps the *Sender and the consumer context keeps the *Receiver; each half
// must be used from one goroutine at a time. No locks are taken: the halves
// synchronize through two atomic cursors only.
package port

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"github.com/roach88/ede/internal/event"
	"github.com/roach88/ede/internal/mempool"
)

var (
	// ErrFull is returned by Allocate and Post while the queue is full.
	ErrFull = errors.New("port: queue full")

	// ErrTooLarge means the payload exceeds the port's MaxPayload.
	ErrTooLarge = errors.New("port: payload exceeds maximum event size")

	// ErrPending means Allocate was called again before Submit.
	ErrPending = errors.New("port: previous allocation not submitted")

	// ErrNotAllocated means Submit was called without a prior Allocate.
	ErrNotAllocated = errors.New("port: submit without allocate")

	// ErrNotFreed means Read was called again before Free.
	ErrNotFreed = errors.New("port: previous event not freed")

	// ErrNotRead means Free was called without a prior successful Read.
	ErrNotRead = errors.New("port: free without read")

	// ErrConfig reports an invalid Config.
	ErrConfig = errors.New("port: invalid configuration")
)

// Config describes one port pair.
type Config struct {
	// Capacity is the maximum number of queued events.
	Capacity int

	// MaxPayload bounds the payload size of a single event.
	MaxPayload int

	// ByReference makes the port queue the caller's payload slice instead of
	// copying it. The producer must leave the payload untouched until the
	// consumer has freed the event.
	ByReference bool
}

// Slot is the staging area returned by Allocate. Fill Kind, Handle and
// Data, then call Submit. On a copying port Data already has the requested
// length and is backed by pool memory; on a by-reference port Data is nil
// and the caller assigns its own slice.
type Slot struct {
	Kind   event.Kind
	Handle event.Handle
	Data   []byte

	payload []byte
}

type ring struct {
	_     cpu.CacheLinePad
	tail  atomic.Uint64 // written by the producer
	_     cpu.CacheLinePad
	head  atomic.Uint64 // written by the consumer
	_     cpu.CacheLinePad
	slots []Slot
	cfg   Config

	blocked  atomic.Uint32
	maxUsage atomic.Uint32
}

// NewPair allocates the queue storage from pool and returns its producer and
// consumer halves.
func NewPair(pool *mempool.Pool, cfg Config) (*Sender, *Receiver, error) {
	if cfg.Capacity <= 0 || cfg.MaxPayload < 0 {
		return nil, nil, fmt.Errorf("%w: capacity %d, max payload %d", ErrConfig, cfg.Capacity, cfg.MaxPayload)
	}
	if cfg.MaxPayload > 0 && cfg.Capacity > math.MaxInt/cfg.MaxPayload {
		return nil, nil, fmt.Errorf("%w: capacity %d x max payload %d overflows", ErrConfig, cfg.Capacity, cfg.MaxPayload)
	}

	slots, err := mempool.Make[Slot](pool, cfg.Capacity)
	if err != nil {
		return nil, nil, fmt.Errorf("port: slots: %w", err)
	}
	if !cfg.ByReference && cfg.MaxPayload > 0 {
		area := pool.Allocate(cfg.Capacity * cfg.MaxPayload)
		if area == nil {
			return nil, nil, fmt.Errorf("port: payload area of %d bytes: %w", cfg.Capacity*cfg.MaxPayload, mempool.ErrExhausted)
		}
		for i := range slots {
			lo := i * cfg.MaxPayload
			slots[i].payload = area[lo : lo+cfg.MaxPayload : lo+cfg.MaxPayload]
		}
	}

	r := &ring{slots: slots, cfg: cfg}
	return &Sender{r: r}, &Receiver{r: r}, nil
}

func (r *ring) slot(pos uint64) *Slot {
	return &r.slots[pos%uint64(len(r.slots))]
}

// Sender is the producer half of a port.
type Sender struct {
	r       *ring
	pending bool
}

// Allocate reserves the next slot for an event with a payload of size bytes.
// A full queue increments the blocked counter and returns ErrFull.
func (s *Sender) Allocate(size int) (*Slot, error) {
	if s.pending {
		return nil, ErrPending
	}
	if size < 0 || size > s.r.cfg.MaxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, size, s.r.cfg.MaxPayload)
	}

	tail := s.r.tail.Load()
	if tail-s.r.head.Load() >= uint64(len(s.r.slots)) {
		s.r.blocked.Add(1)
		return nil, ErrFull
	}

	sl := s.r.slot(tail)
	sl.Kind, sl.Handle = event.KindInvalid, 0
	if s.r.cfg.ByReference {
		sl.Data = nil
	} else {
		sl.Data = sl.payload[:size]
	}
	s.pending = true
	return sl, nil
}

// Submit publishes the slot returned by the most recent Allocate.
func (s *Sender) Submit() error {
	if !s.pending {
		return ErrNotAllocated
	}
	s.pending = false

	tail := s.r.tail.Add(1)
	used := uint32(tail - s.r.head.Load())
	for {
		peak := s.r.maxUsage.Load()
		if used <= peak || s.r.maxUsage.CompareAndSwap(peak, used) {
			break
		}
	}
	return nil
}

// Post allocates, fills and submits one event.
func (s *Sender) Post(kind event.Kind, handle event.Handle, data []byte) error {
	sl, err := s.Allocate(len(data))
	if err != nil {
		return err
	}
	sl.Kind, sl.Handle = kind, handle
	if s.r.cfg.ByReference {
		sl.Data = data
	} else {
		copy(sl.Data, data)
	}
	return s.Submit()
}

// Blocked returns the number of events rejected because the queue was full.
// The counter is 32 bits wide and wraps around.
func (s *Sender) Blocked() uint32 {
	return s.r.blocked.Load()
}

// Cap returns the queue capacity.
func (s *Sender) Cap() int {
	return len(s.r.slots)
}

// Receiver is the consumer half of a port.
type Receiver struct {
	r       *ring
	reading bool
}

// Read returns the oldest submitted event. ok is false when the queue is
// empty. The event's Data is valid until Free.
func (rc *Receiver) Read() (ev event.Event, ok bool, err error) {
	if rc.reading {
		return event.Event{}, false, ErrNotFreed
	}
	head := rc.r.head.Load()
	if head == rc.r.tail.Load() {
		return event.Event{}, false, nil
	}

	sl := rc.r.slot(head)
	rc.reading = true
	return event.Event{Kind: sl.Kind, Handle: sl.Handle, Data: sl.Data}, true, nil
}

// Free releases the event returned by the most recent Read.
func (rc *Receiver) Free() error {
	if !rc.reading {
		return ErrNotRead
	}
	rc.reading = false

	sl := rc.r.slot(rc.r.head.Load())
	if rc.r.cfg.ByReference {
		sl.Data = nil
	}
	rc.r.head.Add(1)
	return nil
}

// Len returns the number of submitted, not yet freed events.
func (rc *Receiver) Len() int {
	return int(rc.r.tail.Load() - rc.r.head.Load())
}

// Cap returns the queue capacity.
func (rc *Receiver) Cap() int {
	return len(rc.r.slots)
}

// MaxUsage returns the highest fill level observed at submit time.
func (rc *Receiver) MaxUsage() int {
	return int(rc.r.maxUsage.Load())
}

// Blocked mirrors Sender.Blocked for consumer-side diagnostics.
func (rc *Receiver) Blocked() uint32 {
	return rc.r.blocked.Load()
}
