// Package canif wires a network database onto the dispatcher engine: it
// builds the pool, ports, handle maps and senders, registers every bus and
// frame, and implements the transmission patterns of the frames.
//
// Inbound frames with a cycle are supervised by a timeout timer that each
// reception retriggers. Outbound frames are sent regularly, on data change
// (at most once per minimum distance), or mixed: on change with a cyclic
// fallback.
//
// Producers reach the dispatchers through ports only. Each bus driver owns
// one port per dispatcher, and so does the application, so every port keeps
// a single producer.
package canif

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/ede/internal/config"
	"github.com/roach88/ede/internal/engine"
	"github.com/roach88/ede/internal/event"
	"github.com/roach88/ede/internal/handlemap"
	"github.com/roach88/ede/internal/mempool"
	"github.com/roach88/ede/internal/port"
	"github.com/roach88/ede/internal/sender"
)

// KindUpdate carries new contents for an outbound frame from the
// application to the frame's dispatcher.
const KindUpdate = event.FirstCustomKind

// TimeoutFactor is the number of missed cycles after which an inbound
// frame is reported as timed out.
const TimeoutFactor = config.TimeoutFactor

// ErrDirectOrder means a dispatcher using the direct lookup strategy does
// not declare the lowest identifier of a kind first. The table offset is
// taken from the first registration.
var ErrDirectOrder = errors.New("canif: direct handle map needs the lowest identifier declared first")

// Transmitter puts a frame on a bus. It is called on the dispatcher's
// goroutine and must not block.
type Transmitter interface {
	Transmit(bus int, handle event.Handle, data []byte) error
}

// Option configures a Stack.
type Option func(*options)

type options struct {
	logger *slog.Logger
	tracer engine.Tracer
	budget int
}

// WithLogger sets the logger passed to the engine.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithTracer observes every callback invocation.
func WithTracer(t engine.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

// WithEventBudget bounds the events dispatched per tick.
func WithEventBudget(n int) Option {
	return func(o *options) {
		o.budget = n
	}
}

// Stack is one CAN node: engine system, dispatchers and the producer-side
// handles for the bus drivers and the application.
type Stack struct {
	net     *config.Network
	pool    *mempool.Pool
	sys     *engine.System
	disps   []*engine.Dispatcher
	drivers []*Driver
	app     *App
	tx      Transmitter
	logger  *slog.Logger

	frames   []*frameState
	buses    []*busState
	rxByID   map[canKey]int
	counters Counters
}

type canKey struct {
	bus int
	id  uint32
	ext bool
}

// New builds and registers the stack for net. Registration runs every init
// callback, so timers exist once New returns.
func New(net *config.Network, tx Transmitter, opts ...Option) (*Stack, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	// timer slabs may be drawn while dispatchers run in parallel
	pool, err := mempool.New(make([]byte, net.PoolSize), mempool.WithGuard(mempool.FromLocker(&sync.Mutex{})))
	if err != nil {
		return nil, fmt.Errorf("canif: pool: %w", err)
	}

	st := &Stack{
		net:    net,
		pool:   pool,
		tx:     tx,
		logger: o.logger,
		rxByID: map[canKey]int{},
	}

	engineOpts := []engine.Option{engine.WithLogger(o.logger), engine.WithEventBudget(o.budget)}
	if o.tracer != nil {
		engineOpts = append(engineOpts, engine.WithTracer(o.tracer))
	}
	st.sys = engine.NewSystem(pool, engineOpts...)

	// ports: one per bus driver and one for the application, per dispatcher
	nBus := len(net.Buses)
	driverPorts := make([][]*port.Sender, nBus)
	var appPorts []*port.Sender
	for di, dc := range net.Dispatchers {
		var rxs []*port.Receiver
		for b := 0; b <= nBus; b++ {
			s, r, err := port.NewPair(pool, port.Config{Capacity: dc.PortCapacity, MaxPayload: dc.MaxPayload})
			if err != nil {
				return nil, fmt.Errorf("canif: dispatcher %q port %d: %w", dc.Name, b, err)
			}
			rxs = append(rxs, r)
			if b < nBus {
				driverPorts[b] = append(driverPorts[b], s)
			} else {
				appPorts = append(appPorts, s)
			}
		}

		m, err := st.dispatcherMap(di)
		if err != nil {
			return nil, fmt.Errorf("canif: dispatcher %q: %w", dc.Name, err)
		}
		d, err := st.sys.NewDispatcher(engine.Config{Ports: rxs, Map: m, Name: dc.Name})
		if err != nil {
			return nil, err
		}
		st.disps = append(st.disps, d)
	}

	for b := range nBus {
		routing, err := st.busRouting(b)
		if err != nil {
			return nil, fmt.Errorf("canif: bus %q routing: %w", net.Buses[b].Name, err)
		}
		s, err := sender.New(driverPorts[b], routing)
		if err != nil {
			return nil, err
		}
		st.drivers = append(st.drivers, &Driver{st: st, bus: b, s: s})
	}
	// CAN identifiers repeat across dispatchers, so no handle map can route
	// updates; the application addresses frames by index and knows the port
	appSender, err := sender.NewDirect(appPorts)
	if err != nil {
		return nil, err
	}
	st.app = &App{st: st, s: appSender}

	if err := st.register(); err != nil {
		return nil, err
	}
	return st, nil
}

// busSource and frameSource give the registration index of buses and
// frames: all buses first, then frames in declaration order.
func (st *Stack) busSource(b int) int    { return b }
func (st *Stack) frameSource(fi int) int { return len(st.net.Buses) + fi }

// handleOf is the event handle producers use for frame fi. Identity maps
// need the dense source index; the other strategies key on the CAN ID.
func (st *Stack) handleOf(fi int) event.Handle {
	f := st.net.Frames[fi]
	if st.net.Dispatchers[f.Dispatcher].HandleMap == config.MapIdentity {
		return event.Handle(st.frameSource(fi))
	}
	return f.CANHandle()
}

func frameKind(f config.Frame) event.Kind {
	if f.Inbound {
		return event.KindFrameReceived
	}
	return KindUpdate
}

type mapEntry struct {
	kind   event.Kind
	handle event.Handle
	index  int
}

// entriesOf lists the handle map entries of dispatcher di in registration
// order.
func (st *Stack) entriesOf(di int) []mapEntry {
	var out []mapEntry
	if di == 0 {
		for b := range st.net.Buses {
			out = append(out,
				mapEntry{event.KindBusRecovered, event.Handle(b), st.busSource(b)},
				mapEntry{event.KindBusOff, event.Handle(b), st.busSource(b)},
			)
		}
	}
	for _, fi := range st.net.FramesOf(di) {
		out = append(out, mapEntry{frameKind(st.net.Frames[fi]), st.handleOf(fi), st.frameSource(fi)})
	}
	return out
}

// TableEntry is one row of a dispatcher's handle table.
type TableEntry struct {
	Kind   string `json:"kind" yaml:"kind"`
	Handle uint32 `json:"handle" yaml:"handle"`
	Source int    `json:"source" yaml:"source"`
	Name   string `json:"name" yaml:"name"`
}

// Table returns the handle table of dispatcher di ordered by kind and
// handle, the order a binary search map keeps it in.
func (st *Stack) Table(di int) []TableEntry {
	entries := st.entriesOf(di)
	slices.SortStableFunc(entries, func(a, b mapEntry) int {
		if c := cmp.Compare(a.kind, b.kind); c != 0 {
			return c
		}
		return cmp.Compare(a.handle, b.handle)
	})
	out := make([]TableEntry, len(entries))
	for i, e := range entries {
		id, _ := st.sys.Source(e.index)
		out[i] = TableEntry{Kind: e.kind.String(), Handle: uint32(e.handle), Source: e.index, Name: id.Name}
	}
	return out
}

const numKinds = int(KindUpdate) + 1

func (st *Stack) dispatcherMap(di int) (handlemap.Map, error) {
	entries := st.entriesOf(di)
	switch st.net.Dispatchers[di].HandleMap {
	case config.MapIdentity:
		return handlemap.NewIdentity(0), nil

	case config.MapDirect:
		ranges := make([]handlemap.KindRange, numKinds)
		first := map[event.Kind]event.Handle{}
		lo := map[event.Kind]event.Handle{}
		hi := map[event.Kind]event.Handle{}
		for _, e := range entries {
			if _, seen := first[e.kind]; !seen {
				first[e.kind], lo[e.kind], hi[e.kind] = e.handle, e.handle, e.handle
			}
			lo[e.kind] = min(lo[e.kind], e.handle)
			hi[e.kind] = max(hi[e.kind], e.handle)
		}
		for k := range first {
			if first[k] != lo[k] {
				return nil, fmt.Errorf("%w: kind %v starts at %#x, lowest is %#x", ErrDirectOrder, k, first[k], lo[k])
			}
			span := uint64(hi[k]-lo[k]) + 1
			if span > 0x10000 {
				return nil, fmt.Errorf("%w: kind %v spans %d handles", handlemap.ErrTableTooLarge, k, span)
			}
			ranges[k].Size = int(span)
		}
		return handlemap.NewDirect(st.pool, ranges)

	case config.MapOffset:
		return handlemap.NewOffsetOnly(numKinds), nil

	default:
		return buildBinary(entries)
	}
}

// busRouting sends the events of bus b's driver to the port of the
// dispatcher owning their source. Identifiers are unique per bus, so one
// map per driver never conflicts.
func (st *Stack) busRouting(b int) (handlemap.Map, error) {
	entries := []mapEntry{
		{event.KindBusRecovered, event.Handle(b), 0},
		{event.KindBusOff, event.Handle(b), 0},
	}
	for fi, f := range st.net.Frames {
		if f.Bus == b && f.Inbound {
			entries = append(entries, mapEntry{event.KindFrameReceived, st.handleOf(fi), f.Dispatcher})
		}
	}
	return buildBinary(entries)
}

func buildBinary(entries []mapEntry) (*handlemap.BinarySearch, error) {
	byKind := make([][]handlemap.Pair, numKinds)
	for _, e := range entries {
		byKind[e.kind] = append(byKind[e.kind], handlemap.Pair{Key: uint32(e.handle), Index: uint16(e.index)})
	}
	tables := make([]handlemap.KindTable, numKinds)
	for k, pairs := range byKind {
		if len(pairs) == 0 {
			continue
		}
		// bus kinds are small and never extended
		withStd := event.Kind(k) == event.KindFrameReceived || event.Kind(k) == KindUpdate
		t, err := handlemap.BuildTable(pairs, withStd && allStandardOrExtended(pairs))
		if err != nil {
			return nil, fmt.Errorf("kind %v: %w", event.Kind(k), err)
		}
		tables[k] = t
	}
	return handlemap.NewBinarySearch(tables)
}

// allStandardOrExtended reports whether every key is a valid std table key
// or flagged extended, i.e. whether a std table can be used.
func allStandardOrExtended(pairs []handlemap.Pair) bool {
	return !slices.ContainsFunc(pairs, func(p handlemap.Pair) bool {
		return p.Key&handlemap.ExtendedFlag == 0 && p.Key >= handlemap.StdTableSize
	})
}

func (st *Stack) register() error {
	d0 := st.disps[0]
	for b := range st.net.Buses {
		bs := &busState{bus: b}
		st.buses = append(st.buses, bs)
		idx, err := d0.RegisterBus(b, st.onBusEvent, bs)
		if err != nil {
			return fmt.Errorf("canif: bus %q: %w", st.net.Buses[b].Name, err)
		}
		if idx != st.busSource(b) {
			return fmt.Errorf("canif: bus %q registered as %d, want %d", st.net.Buses[b].Name, idx, st.busSource(b))
		}
	}

	for fi, f := range st.net.Frames {
		fs := &frameState{
			idx:     fi,
			frame:   f,
			cycle:   st.net.Ticks(f.Cycle),
			minDist: st.net.Ticks(f.MinDistance),
			data:    st.pool.Allocate(f.Size),
		}
		if fs.data == nil && f.Size > 0 {
			return fmt.Errorf("canif: frame %q: %w", f.Name, mempool.ErrExhausted)
		}
		if f.Inbound {
			fs.status.Flags = NeverReceived
			st.rxByID[canKey{f.Bus, f.ID, f.Extended}] = fi
		}
		st.frames = append(st.frames, fs)

		id := engine.SourceID{
			Kind:      frameKind(f),
			Bus:       f.Bus,
			Direction: engine.Outbound,
			Handle:    st.handleOf(fi),
			Name:      f.Name,
		}
		initCB := st.onInitSendFrame
		if f.Inbound {
			id.Direction = engine.Inbound
			initCB = st.onInitReceivedFrame
		}
		idx, err := st.disps[f.Dispatcher].RegisterEventSource(id, initCB, fs)
		if err != nil {
			return fmt.Errorf("canif: frame %q: %w", f.Name, err)
		}
		if idx != st.frameSource(fi) {
			return fmt.Errorf("canif: frame %q registered as %d, want %d", f.Name, idx, st.frameSource(fi))
		}
	}

	st.logger.Info("can stack registered",
		"buses", len(st.buses),
		"frames", len(st.frames),
		"dispatchers", len(st.disps),
		"pool_used", st.pool.Allocated(),
		"pool_free", st.pool.Available(),
	)
	return nil
}

// System returns the engine system.
func (st *Stack) System() *engine.System { return st.sys }

// Network returns the network database.
func (st *Stack) Network() *config.Network { return st.net }

// Dispatchers returns the dispatchers in configuration order.
func (st *Stack) Dispatchers() []*engine.Dispatcher { return st.disps }

// Driver returns the producer handle of bus b.
func (st *Stack) Driver(b int) *Driver {
	if b < 0 || b >= len(st.drivers) {
		return nil
	}
	return st.drivers[b]
}

// App returns the application's producer handle.
func (st *Stack) App() *App { return st.app }

// Pool returns the memory pool.
func (st *Stack) Pool() *mempool.Pool { return st.pool }

// FrameStatus returns the status of frame fi. Call it from the dispatcher's
// goroutine or while the dispatchers are stopped.
func (st *Stack) FrameStatus(fi int) FrameStatus {
	if fi < 0 || fi >= len(st.frames) {
		return FrameStatus{}
	}
	return st.frames[fi].status
}

// FrameData returns a copy of the last received or last updated contents of
// frame fi. Same access rules as FrameStatus.
func (st *Stack) FrameData(fi int) []byte {
	if fi < 0 || fi >= len(st.frames) {
		return nil
	}
	return slices.Clone(st.frames[fi].data)
}

// BusOff reports whether bus b is in bus-off state.
func (st *Stack) BusOff(b int) bool {
	if b < 0 || b >= len(st.buses) {
		return false
	}
	return st.buses[b].off()
}

// FramesSortedByID returns frame indexes ordered by bus and identifier, as
// used for reports.
func (st *Stack) FramesSortedByID() []int {
	idx := make([]int, len(st.net.Frames))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		fa, fb := st.net.Frames[a], st.net.Frames[b]
		if c := cmp.Compare(fa.Bus, fb.Bus); c != 0 {
			return c
		}
		return cmp.Compare(fa.CANHandle(), fb.CANHandle())
	})
	return idx
}
