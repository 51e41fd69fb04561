// Package handlemap translates external event identities into dense,
// zero-based internal indexes.
//
// A Map is built once during single-threaded startup through Add and is
// read-only afterwards, so distinct goroutines may call Lookup on the same
// instance without synchronization once registration is complete.
package handlemap

import (
	"errors"

	"github.com/roach88/ede/internal/event"
)

// Map is the contract shared by all mapping strategies.
type Map interface {
	// Add records that events of the given kind carrying handle belong to
	// the internal index. It is called once per registration.
	Add(kind event.Kind, handle event.Handle, index int) error

	// Lookup resolves an event identity. ok is false for unknown
	// identities; callers treat that as event loss.
	Lookup(kind event.Kind, handle event.Handle) (index int, ok bool)

	// Remove undoes a successful Add of the same entry so a registration
	// that fails halfway leaves the map as it found it.
	Remove(kind event.Kind, handle event.Handle, index int)
}

var (
	// ErrUnknownKind means the kind is outside the map's configured range.
	ErrUnknownKind = errors.New("handlemap: kind not configured")

	// ErrOutOfRange means the handle falls outside the kind's table.
	ErrOutOfRange = errors.New("handlemap: handle out of range")

	// ErrConflict means the identity is already mapped to another index.
	ErrConflict = errors.New("handlemap: handle already mapped to a different index")

	// ErrInconsistent means Add disagrees with a pre-built table.
	ErrInconsistent = errors.New("handlemap: entry inconsistent with table")

	// ErrTableTooLarge means a per-kind table exceeds the 16 bit index space.
	ErrTableTooLarge = errors.New("handlemap: table exceeds 16 bit index space")

	// ErrUnsorted means a binary search table is not strictly ascending.
	ErrUnsorted = errors.New("handlemap: table keys not strictly ascending")

	// ErrIndexTooLarge means the index does not fit the table's element type.
	ErrIndexTooLarge = errors.New("handlemap: index exceeds table element range")
)

// invalidIndex marks unused slots in uint16 tables.
const invalidIndex = 0xFFFF

// maxTableSize bounds dense tables to the 16 bit index space.
const maxTableSize = 0x10000
