// Package config loads the network database: the buses, frames and
// dispatchers of one CAN node, declared in CUE.
//
// A database file holds a single top-level "network" struct. It is unified
// with the embedded #Network schema, which supplies defaults and basic type
// constraints; cross references and identifier ranges are checked in Go.
package config

import (
	_ "embed"
	"fmt"
	"time"

	"github.com/roach88/ede/internal/engine"
	"github.com/roach88/ede/internal/event"
)

//go:embed schema.cue
var schemaSource string

// SendMode is the transmission pattern of an outbound frame.
type SendMode string

const (
	// SendRegular transmits every Cycle.
	SendRegular SendMode = "regular"
	// SendEvent transmits on data change, at most once per MinDistance.
	SendEvent SendMode = "event"
	// SendMixed combines change-triggered sending with a Cycle fallback.
	SendMixed SendMode = "mixed"
)

// MapStrategy names the handle map used by a dispatcher.
type MapStrategy string

const (
	MapIdentity MapStrategy = "identity"
	MapDirect   MapStrategy = "direct"
	MapBinary   MapStrategy = "binary"
	// MapOffset suits dispatchers whose frame identifiers run in step with
	// their declaration order.
	MapOffset MapStrategy = "offset"
)

// Network is a validated network database.
type Network struct {
	TickPeriod  time.Duration
	PoolSize    int
	Buses       []Bus
	Dispatchers []Dispatcher
	Frames      []Frame
}

// Bus is one CAN bus.
type Bus struct {
	Name string `json:"name"`
}

// Dispatcher is one dispatcher with its single inbound port.
type Dispatcher struct {
	Name         string
	PortCapacity int
	MaxPayload   int
	HandleMap    MapStrategy
}

// Frame is one CAN frame received or sent by the node.
type Frame struct {
	Name        string
	ID          uint32
	Extended    bool
	Bus         int
	Inbound     bool
	Size        int
	SendMode    SendMode
	Cycle       time.Duration
	MinDistance time.Duration
	Dispatcher  int
}

// CANHandle is the frame's identifier as carried in event handles, with
// extended identifiers flagged in bit 31.
func (f Frame) CANHandle() event.Handle {
	if f.Extended {
		return event.Handle(f.ID | ExtendedFlag)
	}
	return event.Handle(f.ID)
}

// ExtendedFlag marks extended identifiers in CANHandle.
const ExtendedFlag = 1 << 31

// TimeoutFactor is the number of missed cycles after which an inbound
// frame is reported as timed out.
const TimeoutFactor = 3

// FrameByName returns the index of the named frame.
func (n *Network) FrameByName(name string) (int, bool) {
	for i, f := range n.Frames {
		if f.Name == name {
			return i, true
		}
	}
	return -1, false
}

// BusByName returns the index of the named bus.
func (n *Network) BusByName(name string) (int, bool) {
	for i, b := range n.Buses {
		if b.Name == name {
			return i, true
		}
	}
	return -1, false
}

// FramesOf returns the indexes of the frames handled by dispatcher d, in
// declaration order.
func (n *Network) FramesOf(d int) []int {
	var out []int
	for i, f := range n.Frames {
		if f.Dispatcher == d {
			out = append(out, i)
		}
	}
	return out
}

// Ticks converts a duration of the database into dispatcher ticks.
func (n *Network) Ticks(d time.Duration) uint32 {
	return engine.Ticks(d, n.TickPeriod)
}

func (f Frame) String() string {
	dir := "out"
	if f.Inbound {
		dir = "in"
	}
	return fmt.Sprintf("%s(%#x,%s)", f.Name, f.ID, dir)
}
