// Package sim runs a CAN node against a loopback bus in simulated time.
//
// Every tick the simulator applies the stimuli scheduled for it, steps all
// dispatchers once and collects the transmitted frames. Dispatchers of one
// tick may run in parallel on a worker pool; results are ordered by
// dispatcher so runs stay reproducible.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/roach88/ede/internal/canif"
	"github.com/roach88/ede/internal/config"
	"github.com/roach88/ede/internal/engine"
)

// StimulusKind selects what a Stimulus does.
type StimulusKind string

const (
	// Receive delivers an inbound frame through the bus driver.
	Receive StimulusKind = "receive"
	// Update hands new contents of an outbound frame to the node.
	Update StimulusKind = "update"
	// BusOff puts a bus into bus-off state.
	BusOff StimulusKind = "busoff"
	// Recover takes a bus out of bus-off state.
	Recover StimulusKind = "recover"
	// TxFail makes transmissions on a bus fail; TxRestore ends it.
	TxFail    StimulusKind = "txfail"
	TxRestore StimulusKind = "txrestore"
)

// ErrTxFailure is the error seen by the node while a bus fails transmissions.
var ErrTxFailure = errors.New("sim: transmit mailbox unavailable")

// Stimulus is an external input applied before the dispatchers run at Tick.
type Stimulus struct {
	Tick  engine.Tick
	Kind  StimulusKind
	Frame int // Receive, Update
	Bus   int // BusOff, Recover, TxFail, TxRestore
	Data  []byte
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithParallel runs the dispatchers of each tick on a pool of n workers.
// n <= 1 steps them sequentially.
func WithParallel(n int) Option {
	return func(s *Simulator) {
		s.workers = n
	}
}

// WithLogger sets the logger for the simulator and the node.
func WithLogger(l *slog.Logger) Option {
	return func(s *Simulator) {
		s.logger = l
	}
}

// WithTracer observes every callback invocation of the node.
func WithTracer(t engine.Tracer) Option {
	return func(s *Simulator) {
		s.tracer = t
	}
}

// WithLoopback feeds transmitted frames back to the node at the next tick
// when the node also receives them.
func WithLoopback() Option {
	return func(s *Simulator) {
		s.loopback = true
	}
}

// WithRunID sets the run identifier. The default is a fresh UUIDv7.
func WithRunID(id string) Option {
	return func(s *Simulator) {
		s.runID = id
	}
}

// Simulator drives one node.
type Simulator struct {
	net      *config.Network
	stack    *canif.Stack
	bus      *Bus
	workers  int
	pool     *ants.Pool
	logger   *slog.Logger
	tracer   engine.Tracer
	loopback bool
	runID    string

	tick    engine.Tick
	stimuli map[engine.Tick][]Stimulus
	looped  []Transmission
	sent    []Transmission
}

// New builds the node for net and the simulator around it.
func New(net *config.Network, opts ...Option) (*Simulator, error) {
	s := &Simulator{
		net:     net,
		logger:  slog.Default(),
		stimuli: map[engine.Tick][]Stimulus{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.runID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("sim: run id: %w", err)
		}
		s.runID = id.String()
	}

	s.bus = NewBus(net)
	stackOpts := []canif.Option{canif.WithLogger(s.logger)}
	if s.tracer != nil {
		stackOpts = append(stackOpts, canif.WithTracer(s.tracer))
	}
	st, err := canif.New(net, s.bus, stackOpts...)
	if err != nil {
		return nil, err
	}
	s.stack = st

	if s.workers > 1 && len(st.Dispatchers()) > 1 {
		pool, err := ants.NewPool(s.workers, ants.WithPreAlloc(true))
		if err != nil {
			return nil, fmt.Errorf("sim: worker pool: %w", err)
		}
		s.pool = pool
	}
	return s, nil
}

// Close releases the worker pool.
func (s *Simulator) Close() {
	if s.pool != nil {
		s.pool.Release()
		s.pool = nil
	}
}

// RunID returns the run identifier.
func (s *Simulator) RunID() string { return s.runID }

// Stack returns the simulated node.
func (s *Simulator) Stack() *canif.Stack { return s.stack }

// Bus returns the loopback bus.
func (s *Simulator) Bus() *Bus { return s.bus }

// Tick returns the last completed tick.
func (s *Simulator) Tick() engine.Tick { return s.tick }

// Schedule adds a stimulus. Stimuli of one tick apply in scheduling order.
func (s *Simulator) Schedule(st Stimulus) error {
	switch st.Kind {
	case Receive, Update:
		if st.Frame < 0 || st.Frame >= len(s.net.Frames) {
			return fmt.Errorf("sim: %s: unknown frame %d", st.Kind, st.Frame)
		}
		f := s.net.Frames[st.Frame]
		if (st.Kind == Receive) != f.Inbound {
			return fmt.Errorf("sim: %s: frame %s has the wrong direction", st.Kind, f.Name)
		}
	case BusOff, Recover, TxFail, TxRestore:
		if st.Bus < 0 || st.Bus >= len(s.net.Buses) {
			return fmt.Errorf("sim: %s: unknown bus %d", st.Kind, st.Bus)
		}
	default:
		return fmt.Errorf("sim: unknown stimulus %q", st.Kind)
	}
	if st.Tick <= s.tick {
		return fmt.Errorf("sim: stimulus at tick %d is not after tick %d", st.Tick, s.tick)
	}
	s.stimuli[st.Tick] = append(s.stimuli[st.Tick], st)
	return nil
}

// Step runs one tick.
func (s *Simulator) Step() error {
	next := s.tick + 1

	for _, tr := range s.looped {
		s.deliver(tr)
	}
	s.looped = s.looped[:0]
	for _, st := range s.stimuli[next] {
		s.apply(st)
	}
	delete(s.stimuli, next)

	s.bus.setTick(next)
	if err := s.stepDispatchers(); err != nil {
		return err
	}
	s.tick = next

	out := s.bus.drain()
	s.sent = append(s.sent, out...)
	if s.loopback {
		s.looped = append(s.looped, out...)
	}
	return nil
}

// Run runs ticks ticks or until ctx is cancelled.
func (s *Simulator) Run(ctx context.Context, ticks int) (*Result, error) {
	s.logger.Info("simulation starting",
		"run_id", s.runID,
		"ticks", ticks,
		"dispatchers", len(s.stack.Dispatchers()),
		"parallel", s.pool != nil,
	)
	for range ticks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.Step(); err != nil {
			s.logger.Error("simulation failed", "run_id", s.runID, "tick", s.tick+1, "error", err)
			return nil, err
		}
	}
	res := s.Result()
	s.logger.Info("simulation finished",
		"run_id", s.runID,
		"ticks", res.Ticks,
		"transmissions", len(res.Transmissions),
		"rx_timeouts", res.Counters.RxTimeouts,
	)
	return res, nil
}

func (s *Simulator) apply(st Stimulus) {
	switch st.Kind {
	case Receive:
		f := s.net.Frames[st.Frame]
		s.stack.Driver(f.Bus).Receive(f.ID, f.Extended, st.Data)
	case Update:
		if err := s.stack.App().Update(st.Frame, st.Data); err != nil {
			s.logger.Warn("update rejected", "frame", s.net.Frames[st.Frame].Name, "error", err)
		}
	case BusOff:
		s.stack.Driver(st.Bus).BusOff()
	case Recover:
		s.stack.Driver(st.Bus).Recovered()
	case TxFail:
		s.bus.SetFailure(st.Bus, ErrTxFailure)
	case TxRestore:
		s.bus.SetFailure(st.Bus, nil)
	}
}

func (s *Simulator) deliver(tr Transmission) {
	id := uint32(tr.Handle &^ config.ExtendedFlag)
	ext := tr.Handle&config.ExtendedFlag != 0
	for _, f := range s.net.Frames {
		if f.Inbound && f.Bus == tr.Bus && f.ID == id && f.Extended == ext {
			s.stack.Driver(tr.Bus).Receive(id, ext, tr.Data)
			return
		}
	}
}

func (s *Simulator) stepDispatchers() error {
	disps := s.stack.Dispatchers()
	if s.pool == nil {
		return s.stack.System().Step()
	}

	errs := make([]error, len(disps))
	var wg sync.WaitGroup
	for i, d := range disps {
		wg.Add(1)
		err := s.pool.Submit(func() {
			defer wg.Done()
			errs[i] = d.Main()
		})
		if err != nil {
			wg.Done()
			errs[i] = fmt.Errorf("sim: submit dispatcher %s: %w", d.Name(), err)
		}
	}
	wg.Wait()
	return errors.Join(errs...)
}

// FrameReport is the final state of one frame.
type FrameReport struct {
	Name     string `json:"name"`
	Inbound  bool   `json:"inbound"`
	Flags    string `json:"flags"`
	Received uint32 `json:"received"`
	Sent     uint32 `json:"sent"`
}

// DispatcherReport is the final state of one dispatcher.
type DispatcherReport struct {
	Name  string       `json:"name"`
	Stats engine.Stats `json:"stats"`
}

// Result summarises a run.
type Result struct {
	RunID         string                `json:"run_id"`
	Ticks         engine.Tick           `json:"ticks"`
	Transmissions []Transmission        `json:"transmissions"`
	Counters      canif.CounterSnapshot `json:"counters"`
	Frames        []FrameReport         `json:"frames"`
	Dispatchers   []DispatcherReport    `json:"dispatchers"`
}

// Result reports the current state. Call it between steps only.
func (s *Simulator) Result() *Result {
	res := &Result{
		RunID:         s.runID,
		Ticks:         s.tick,
		Transmissions: slices.Clone(s.sent),
		Counters:      s.stack.Counters(),
	}
	for _, fi := range s.stack.FramesSortedByID() {
		f := s.net.Frames[fi]
		st := s.stack.FrameStatus(fi)
		res.Frames = append(res.Frames, FrameReport{
			Name:     f.Name,
			Inbound:  f.Inbound,
			Flags:    st.Flags.String(),
			Received: st.Received,
			Sent:     st.Sent,
		})
	}
	for _, d := range s.stack.Dispatchers() {
		res.Dispatchers = append(res.Dispatchers, DispatcherReport{Name: d.Name(), Stats: d.Stats()})
	}
	return res
}

// SentAt returns the ticks at which the named frame was transmitted.
func (r *Result) SentAt(frame string) []engine.Tick {
	var out []engine.Tick
	for _, tr := range r.Transmissions {
		if tr.Frame == frame {
			out = append(out, tr.Tick)
		}
	}
	return out
}
