package handlemap

import (
	"fmt"

	"github.com/roach88/ede/internal/event"
)

// Identity is used when the platform already numbers its handles densely
// from zero. Lookup returns the handle unchanged.
type Identity struct {
	kinds int
}

// NewIdentity returns an identity map accepting kinds below kinds. A zero
// kinds value accepts every kind.
func NewIdentity(kinds int) *Identity {
	return &Identity{kinds: kinds}
}

func (m *Identity) Add(kind event.Kind, handle event.Handle, index int) error {
	if m.kinds > 0 && int(kind) >= m.kinds {
		return fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
	if uint64(handle) != uint64(index) {
		return fmt.Errorf("%w: handle %d registered as index %d", ErrInconsistent, handle, index)
	}
	return nil
}

// Remove is a no-op: Add records nothing.
func (m *Identity) Remove(event.Kind, event.Handle, int) {}

func (m *Identity) Lookup(kind event.Kind, handle event.Handle) (int, bool) {
	if m.kinds > 0 && int(kind) >= m.kinds {
		return 0, false
	}
	return int(handle), true
}
