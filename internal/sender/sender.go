// Package sender fronts one or more port producers. It picks the destination
// port of each reported event through a handle map and enqueues the event.
//
// Posting never blocks and never retries. An event that cannot be mapped
// or that finds its port full is dropped and counted.
package sender

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/roach88/ede/internal/event"
	"github.com/roach88/ede/internal/handlemap"
	"github.com/roach88/ede/internal/port"
)

var (
	// ErrNoPorts means a sender was created without ports.
	ErrNoPorts = errors.New("sender: at least one port required")

	// ErrNeedsMap means several ports were given without a handle map to
	// choose between them.
	ErrNeedsMap = errors.New("sender: handle map required for more than one port")
)

// Sender distributes events over its ports. Like the ports it fronts, a
// Sender belongs to one producer context.
type Sender struct {
	ports    []*port.Sender
	m        handlemap.Map
	unmapped atomic.Uint32
	dropped  atomic.Uint32
}

// New creates a sender. m may be nil when exactly one port is given.
func New(ports []*port.Sender, m handlemap.Map) (*Sender, error) {
	if len(ports) == 0 {
		return nil, ErrNoPorts
	}
	if len(ports) > 1 && m == nil {
		return nil, fmt.Errorf("%w: %d ports", ErrNeedsMap, len(ports))
	}
	return &Sender{ports: ports, m: m}, nil
}

// NewDirect creates a sender for producers that know the destination port
// of every event. It has no handle map: PostEventToPort is the way to post,
// and PostEvent only resolves when there is a single port.
func NewDirect(ports []*port.Sender) (*Sender, error) {
	if len(ports) == 0 {
		return nil, ErrNoPorts
	}
	return &Sender{ports: ports}, nil
}

// PortIndex resolves the port an event would be posted to.
func (s *Sender) PortIndex(kind event.Kind, handle event.Handle) (int, bool) {
	if s.m == nil {
		return 0, len(s.ports) == 1
	}
	idx, ok := s.m.Lookup(kind, handle)
	if !ok || idx < 0 || idx >= len(s.ports) {
		return 0, false
	}
	return idx, true
}

// PostEvent routes the event to its port and enqueues a copy of data.
// It reports whether the event was queued.
func (s *Sender) PostEvent(kind event.Kind, handle event.Handle, data []byte) bool {
	idx, ok := s.PortIndex(kind, handle)
	if !ok {
		s.unmapped.Add(1)
		return false
	}
	return s.PostEventToPort(idx, kind, handle, data)
}

// PostEventToPort bypasses the handle map.
func (s *Sender) PostEventToPort(idx int, kind event.Kind, handle event.Handle, data []byte) bool {
	if idx < 0 || idx >= len(s.ports) {
		s.unmapped.Add(1)
		return false
	}
	if err := s.ports[idx].Post(kind, handle, data); err != nil {
		// full queues are already counted by the port itself
		if !errors.Is(err, port.ErrFull) {
			s.dropped.Add(1)
		}
		return false
	}
	return true
}

// Blocked returns the blocked-event counter of port idx.
func (s *Sender) Blocked(idx int) uint32 {
	if idx < 0 || idx >= len(s.ports) {
		return 0
	}
	return s.ports[idx].Blocked()
}

// Unmapped counts events dropped because no port could be resolved.
func (s *Sender) Unmapped() uint32 {
	return s.unmapped.Load()
}

// Dropped counts events rejected by a port for a reason other than a full
// queue, such as an oversized payload.
func (s *Sender) Dropped() uint32 {
	return s.dropped.Load()
}

// Ports returns the number of ports.
func (s *Sender) Ports() int {
	return len(s.ports)
}
