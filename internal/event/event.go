// Package event defines the event record exchanged between producers and
// dispatchers, together with the reserved range of event kinds.
package event

import "fmt"

// Kind tags an event category. Values below FirstCustomKind are reserved
// for the engine and the CAN interface layer.
type Kind uint16

// Reserved kinds.
const (
	KindInvalid Kind = iota

	// KindSourceInit is the first event every external source receives,
	// delivered synchronously during registration.
	KindSourceInit

	// KindInternalInit is the first event of an internal source.
	KindInternalInit

	// KindTimerElapsed is the kind seen by timer callbacks.
	KindTimerElapsed

	// KindFrameReceived reports a frame reception from the bus driver.
	KindFrameReceived

	// KindFrameSent reports a transmit confirmation.
	KindFrameSent

	// KindBusOff reports a bus entering the bus-off state.
	KindBusOff

	// KindBusRecovered reports recovery from bus-off.
	KindBusRecovered
)

// FirstCustomKind is the lowest kind available to integrators.
const FirstCustomKind Kind = 16

var kindNames = map[Kind]string{
	KindInvalid:       "invalid",
	KindSourceInit:    "source_init",
	KindInternalInit:  "internal_init",
	KindTimerElapsed:  "timer_elapsed",
	KindFrameReceived: "frame_received",
	KindFrameSent:     "frame_sent",
	KindBusOff:        "bus_off",
	KindBusRecovered:  "bus_recovered",
}

// String returns the kind's name, or "custom_<n>" for integrator kinds.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	if k >= FirstCustomKind {
		return fmt.Sprintf("custom_%d", uint16(k))
	}
	return fmt.Sprintf("reserved_%d", uint16(k))
}

// ParseKind resolves a kind name as produced by String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	var n uint16
	if _, err := fmt.Sscanf(s, "custom_%d", &n); err == nil && Kind(n) >= FirstCustomKind {
		return Kind(n), nil
	}
	return KindInvalid, fmt.Errorf("unknown event kind %q", s)
}

// Reserved reports whether k belongs to the engine's reserved range.
func (k Kind) Reserved() bool {
	return k < FirstCustomKind
}

// Handle is the platform-defined identifier of an event's sender, e.g. a
// raw CAN ID or a mailbox number.
type Handle uintptr

// Event is one queued event. Data is owned by the queue slot it was read
// from and is only valid until the slot is freed.
type Event struct {
	Kind   Kind
	Handle Handle
	Data   []byte
}
