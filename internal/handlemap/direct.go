package handlemap

import (
	"fmt"

	"github.com/roach88/ede/internal/event"
	"github.com/roach88/ede/internal/mempool"
)

// KindRange configures one kind of a Direct map. Size is the number of
// distinct handles; zero means events of this kind carry no distinguishing
// handle and map to a single stored index.
type KindRange struct {
	Size int
}

type directKind struct {
	size    int
	offset  int64
	hasBase bool
	entries int
	table   []uint16
	scalar  int
}

// Direct resolves handles through a dense per-kind table indexed by
// handle+offset. The offset is fixed by the first Add of each kind, so a
// table may start at an arbitrary external base value.
type Direct struct {
	kinds []directKind
}

// NewDirect builds a Direct map, drawing its tables from pool.
func NewDirect(pool *mempool.Pool, ranges []KindRange) (*Direct, error) {
	m := &Direct{kinds: make([]directKind, len(ranges))}
	for i, r := range ranges {
		k := &m.kinds[i]
		k.size = r.Size
		k.scalar = -1
		if r.Size < 0 || r.Size > maxTableSize {
			return nil, fmt.Errorf("%w: kind %d wants %d entries", ErrTableTooLarge, i, r.Size)
		}
		if r.Size == 0 {
			continue
		}
		table, err := mempool.Make[uint16](pool, r.Size)
		if err != nil {
			return nil, fmt.Errorf("handlemap: table for kind %d: %w", i, err)
		}
		for j := range table {
			table[j] = invalidIndex
		}
		k.table = table
	}
	return m, nil
}

func (m *Direct) Add(kind event.Kind, handle event.Handle, index int) error {
	if int(kind) >= len(m.kinds) {
		return fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
	if index < 0 || index >= invalidIndex {
		return fmt.Errorf("%w: %d", ErrIndexTooLarge, index)
	}
	k := &m.kinds[kind]

	if k.size == 0 {
		if k.scalar >= 0 && k.scalar != index {
			return fmt.Errorf("%w: kind %d already maps to %d", ErrConflict, kind, k.scalar)
		}
		k.scalar = index
		return nil
	}

	if !k.hasBase {
		k.offset = -int64(handle)
		k.hasBase = true
	}
	slot := int64(handle) + k.offset
	if slot < 0 || slot >= int64(k.size) {
		return fmt.Errorf("%w: kind %d handle %#x (base %#x, size %d)", ErrOutOfRange, kind, handle, -k.offset, k.size)
	}
	if cur := k.table[slot]; cur != invalidIndex && int(cur) != index {
		return fmt.Errorf("%w: kind %d handle %#x maps to %d", ErrConflict, kind, handle, cur)
	}
	if k.table[slot] == invalidIndex {
		k.entries++
	}
	k.table[slot] = uint16(index)
	return nil
}

// Remove clears the entry. Removing the last entry of a kind also drops
// its base, so the next Add picks a new one.
func (m *Direct) Remove(kind event.Kind, handle event.Handle, index int) {
	if int(kind) >= len(m.kinds) {
		return
	}
	k := &m.kinds[kind]
	if k.size == 0 {
		if k.scalar == index {
			k.scalar = -1
		}
		return
	}
	if !k.hasBase {
		return
	}
	slot := int64(handle) + k.offset
	if slot < 0 || slot >= int64(k.size) || int(k.table[slot]) != index {
		return
	}
	k.table[slot] = invalidIndex
	if k.entries--; k.entries == 0 {
		k.hasBase = false
	}
}

func (m *Direct) Lookup(kind event.Kind, handle event.Handle) (int, bool) {
	if int(kind) >= len(m.kinds) {
		return 0, false
	}
	k := &m.kinds[kind]

	if k.size == 0 {
		return k.scalar, k.scalar >= 0
	}
	if !k.hasBase {
		return 0, false
	}
	slot := int64(handle) + k.offset
	if slot < 0 || slot >= int64(k.size) {
		return 0, false
	}
	idx := k.table[slot]
	if idx == invalidIndex {
		return 0, false
	}
	return int(idx), true
}
