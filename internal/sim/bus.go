package sim

import (
	"cmp"
	"slices"
	"sync"

	"github.com/eapache/queue"

	"github.com/roach88/ede/internal/config"
	"github.com/roach88/ede/internal/engine"
	"github.com/roach88/ede/internal/event"
)

// Transmission is one frame put on a simulated bus.
type Transmission struct {
	Tick   engine.Tick  `json:"tick" yaml:"tick"`
	Bus    int          `json:"bus" yaml:"bus"`
	Frame  string       `json:"frame" yaml:"frame"`
	Handle event.Handle `json:"handle" yaml:"handle"`
	Data   []byte       `json:"data" yaml:"data"`

	disp int
}

// Bus is a loopback CAN bus shared by every bus of the network. Transmit
// may be called from dispatchers running in parallel.
type Bus struct {
	net *config.Network

	mu      sync.Mutex
	pending *queue.Queue
	now     engine.Tick
	fail    map[int]error

	byHandle map[busHandle]int
}

type busHandle struct {
	bus    int
	handle event.Handle
}

// NewBus creates the loopback bus for net.
func NewBus(net *config.Network) *Bus {
	b := &Bus{
		net:      net,
		pending:  queue.New(),
		fail:     map[int]error{},
		byHandle: map[busHandle]int{},
	}
	for i, f := range net.Frames {
		if !f.Inbound {
			b.byHandle[busHandle{f.Bus, f.CANHandle()}] = i
		}
	}
	return b
}

// Transmit queues the frame. It fails while the bus is set to fail.
func (b *Bus) Transmit(bus int, handle event.Handle, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fail[bus]; err != nil {
		return err
	}
	tr := Transmission{
		Tick:   b.now,
		Bus:    bus,
		Handle: handle,
		Data:   slices.Clone(data),
		disp:   -1,
	}
	if fi, ok := b.byHandle[busHandle{bus, handle}]; ok {
		f := b.net.Frames[fi]
		tr.Frame, tr.disp = f.Name, f.Dispatcher
	}
	b.pending.Add(tr)
	return nil
}

// SetFailure makes every Transmit on bus fail with err until it is reset
// with a nil err.
func (b *Bus) SetFailure(bus int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.fail, bus)
		return
	}
	b.fail[bus] = err
}

func (b *Bus) setTick(now engine.Tick) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// drain empties the queue. Within one tick transmissions are ordered by
// dispatcher, and by transmission order within a dispatcher.
func (b *Bus) drain() []Transmission {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Transmission, 0, b.pending.Length())
	for b.pending.Length() > 0 {
		out = append(out, b.pending.Remove().(Transmission))
	}
	slices.SortStableFunc(out, func(x, y Transmission) int {
		if c := cmp.Compare(x.Tick, y.Tick); c != 0 {
			return c
		}
		return cmp.Compare(x.disp, y.disp)
	})
	return out
}
