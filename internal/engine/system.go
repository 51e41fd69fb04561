package engine

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/roach88/ede/internal/event"
	"github.com/roach88/ede/internal/handlemap"
	"github.com/roach88/ede/internal/mempool"
	"github.com/roach88/ede/internal/port"
)

// Direction is the transmission direction of a frame source.
type Direction uint8

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "out"
	}
	return "in"
}

// SourceID is the external identity of an event source.
type SourceID struct {
	// Kind is the event kind the source is registered for in the handle map.
	Kind event.Kind

	// Bus is the index of the bus the frame is transmitted on.
	Bus int

	Direction Direction

	// Handle is the external frame identifier or raw platform handle.
	Handle event.Handle

	// Name is used in logs and traces only.
	Name string
}

// Callback is invoked by a dispatcher for source events and timer expiries.
// The Context is valid only until the callback returns.
type Callback func(Context)

type source struct {
	id       SourceID
	disp     *Dispatcher
	cb       Callback
	data     any
	slot     []byte
	internal bool
}

// System owns the pool, the source registries and the dispatchers sharing
// them. It replaces process-wide tables: independent systems do not
// interact.
type System struct {
	pool      *mempool.Pool
	logger    *slog.Logger
	tracer    Tracer
	slotSize  int
	maxTimers int
	budget    int

	sources     []source
	internals   []source
	dispatchers []*Dispatcher
	started     atomic.Bool
}

// Option configures a System.
type Option func(*System)

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *System) {
		s.logger = l
	}
}

// WithTracer installs an observer of every callback invocation.
func WithTracer(t Tracer) Option {
	return func(s *System) {
		s.tracer = t
	}
}

// WithSlotSize gives every event source a zeroed, pool-backed context slot
// of n bytes, reachable through Context.Slot.
func WithSlotSize(n int) Option {
	return func(s *System) {
		s.slotSize = n
	}
}

// WithMaxTimers bounds the number of live timers per dispatcher. Zero means
// the pool is the only limit.
func WithMaxTimers(n int) Option {
	return func(s *System) {
		s.maxTimers = n
	}
}

// WithEventBudget bounds the number of queued events one Main call
// dispatches. Remaining events stay queued for the next tick. Zero means
// unbounded.
func WithEventBudget(n int) Option {
	return func(s *System) {
		s.budget = n
	}
}

// NewSystem creates an empty system drawing its memory from pool.
func NewSystem(pool *mempool.Pool, opts ...Option) *System {
	s := &System{
		pool:   pool,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config describes one dispatcher.
type Config struct {
	// Ports are drained in order on every tick.
	Ports []*port.Receiver

	// Map resolves queued events to source indexes. Nil means identity.
	Map handlemap.Map

	// Name is used in logs and traces only.
	Name string
}

// NewDispatcher adds a dispatcher to the system. Dispatchers are numbered
// in creation order.
func (s *System) NewDispatcher(cfg Config) (*Dispatcher, error) {
	if s.started.Load() {
		return nil, newRuntimeError(ErrCodeRegistrationClosed, -1, "dispatcher created after first main")
	}
	m := cfg.Map
	if m == nil {
		m = handlemap.NewIdentity(0)
	}
	d := &Dispatcher{
		sys:    s,
		idx:    len(s.dispatchers),
		name:   cfg.Name,
		ports:  cfg.Ports,
		m:      m,
		clock:  &Clock{},
		logger: s.logger.With("dispatcher", len(s.dispatchers)),
	}
	if d.name == "" {
		d.name = fmt.Sprintf("dispatcher%d", d.idx)
	}
	s.dispatchers = append(s.dispatchers, d)
	return d, nil
}

// Dispatcher returns dispatcher idx.
func (s *System) Dispatcher(idx int) *Dispatcher {
	if idx < 0 || idx >= len(s.dispatchers) {
		return nil
	}
	return s.dispatchers[idx]
}

// Dispatchers returns the number of dispatchers.
func (s *System) Dispatchers() int {
	return len(s.dispatchers)
}

// Sources returns the number of registered external sources.
func (s *System) Sources() int {
	return len(s.sources)
}

// Source returns the identity of external source idx.
func (s *System) Source(idx int) (SourceID, bool) {
	if idx < 0 || idx >= len(s.sources) {
		return SourceID{}, false
	}
	return s.sources[idx].id, true
}

// Started reports whether registration is closed.
func (s *System) Started() bool {
	return s.started.Load()
}

// Pool returns the system's memory pool.
func (s *System) Pool() *mempool.Pool {
	return s.pool
}

func (s *System) closeRegistration() {
	if s.started.CompareAndSwap(false, true) {
		s.logger.Info("registration closed",
			"sources", len(s.sources),
			"internal_sources", len(s.internals),
			"dispatchers", len(s.dispatchers),
			"pool_allocated", s.pool.Allocated(),
			"pool_available", s.pool.Available(),
		)
	}
}

func (s *System) newSlot() ([]byte, error) {
	if s.slotSize == 0 {
		return nil, nil
	}
	slot := s.pool.Allocate(s.slotSize)
	if slot == nil {
		return nil, newRuntimeError(ErrCodeExhausted, -1, "no pool memory for %d byte source slot", s.slotSize)
	}
	return slot, nil
}

// RegisterEventSource registers an external event source and immediately
// invokes cb with a KindSourceInit event. The returned index is the next in
// the system-wide sequence; indexes are contiguous in call order.
func (d *Dispatcher) RegisterEventSource(id SourceID, cb Callback, data any) (int, error) {
	if d.sys.started.Load() {
		return -1, newRuntimeError(ErrCodeRegistrationClosed, d.idx, "source %q registered after first main", id.Name)
	}
	return d.register(id, cb, data)
}

// RegisterBus registers bus idx as an event source receiving bus state
// events (KindBusOff and KindBusRecovered carrying the bus index as handle).
func (d *Dispatcher) RegisterBus(bus int, cb Callback, data any) (int, error) {
	if d.sys.started.Load() {
		return -1, newRuntimeError(ErrCodeRegistrationClosed, d.idx, "bus %d registered after first main", bus)
	}
	return d.register(SourceID{
		Kind:      event.KindBusOff,
		Bus:       bus,
		Direction: Inbound,
		Handle:    event.Handle(bus),
		Name:      fmt.Sprintf("bus%d", bus),
	}, cb, data, event.KindBusRecovered)
}

// register maps id under its own kind and the extra kinds, then appends
// the source. On failure every map entry added so far is removed again.
func (d *Dispatcher) register(id SourceID, cb Callback, data any, extra ...event.Kind) (int, error) {
	s := d.sys
	if cb == nil {
		return -1, newRuntimeError(ErrCodeInvalidArgument, d.idx, "nil callback for source %q", id.Name)
	}

	idx := len(s.sources)
	kinds := append([]event.Kind{id.Kind}, extra...)
	added := 0
	rollback := func() {
		for _, k := range kinds[:added] {
			d.m.Remove(k, id.Handle, idx)
		}
	}
	for _, k := range kinds {
		if err := d.m.Add(k, id.Handle, idx); err != nil {
			rollback()
			return -1, fmt.Errorf("engine: register %q as %v: %w", id.Name, k, err)
		}
		added++
	}
	slot, err := s.newSlot()
	if err != nil {
		rollback()
		return -1, err
	}
	s.sources = append(s.sources, source{id: id, disp: d, cb: cb, data: data, slot: slot})

	d.invoke(invocation{kind: event.KindSourceInit, srcIdx: idx, timer: noTimer, port: -1})
	return idx, nil
}

// RegisterInternalSource registers a source that receives no external
// events. Its callback is invoked once with KindInternalInit and typically
// creates timers. Internal sources have their own contiguous index range.
func (d *Dispatcher) RegisterInternalSource(name string, cb Callback, data any) (int, error) {
	s := d.sys
	if s.started.Load() {
		return -1, newRuntimeError(ErrCodeRegistrationClosed, d.idx, "internal source %q registered after first main", name)
	}
	if cb == nil {
		return -1, newRuntimeError(ErrCodeInvalidArgument, d.idx, "nil callback for internal source %q", name)
	}
	slot, err := s.newSlot()
	if err != nil {
		return -1, err
	}
	idx := len(s.internals)
	s.internals = append(s.internals, source{
		id:       SourceID{Name: name},
		disp:     d,
		cb:       cb,
		data:     data,
		slot:     slot,
		internal: true,
	})

	d.invoke(invocation{kind: event.KindInternalInit, srcIdx: idx, internal: true, timer: noTimer, port: -1})
	return idx, nil
}
