package handlemap

import (
	"fmt"

	"github.com/roach88/ede/internal/event"
)

// OffsetOnly maps handle h to h+offset. It suits platforms that number
// their mailboxes contiguously but not from zero. The offset is taken from
// the first Add and every later Add must agree with it.
type OffsetOnly struct {
	kinds   int
	offset  int64
	hasBase bool
	entries int
}

// NewOffsetOnly returns an OffsetOnly map accepting kinds below kinds, or
// every kind when kinds is zero.
func NewOffsetOnly(kinds int) *OffsetOnly {
	return &OffsetOnly{kinds: kinds}
}

func (m *OffsetOnly) Add(kind event.Kind, handle event.Handle, index int) error {
	if m.kinds > 0 && int(kind) >= m.kinds {
		return fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
	off := int64(index) - int64(handle)
	if !m.hasBase {
		m.offset = off
		m.hasBase = true
	} else if off != m.offset {
		return fmt.Errorf("%w: handle %d to index %d breaks offset %d", ErrInconsistent, handle, index, m.offset)
	}
	m.entries++
	return nil
}

// Remove forgets one Add. The offset is released with the last entry.
func (m *OffsetOnly) Remove(kind event.Kind, handle event.Handle, index int) {
	if !m.hasBase || int64(index)-int64(handle) != m.offset {
		return
	}
	if m.entries--; m.entries == 0 {
		m.hasBase = false
	}
}

func (m *OffsetOnly) Lookup(kind event.Kind, handle event.Handle) (int, bool) {
	if !m.hasBase || (m.kinds > 0 && int(kind) >= m.kinds) {
		return 0, false
	}
	idx := int64(handle) + m.offset
	if idx < 0 {
		return 0, false
	}
	return int(idx), true
}
