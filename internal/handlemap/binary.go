package handlemap

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/roach88/ede/internal/event"
)

// ExtendedFlag marks a 29 bit CAN identifier in a handle. Keys without it
// are 11 bit standard identifiers.
const ExtendedFlag = 1 << 31

// StdTableSize is the size of the dense table covering standard identifiers.
const StdTableSize = 0x800

// Pair associates a key with an internal index.
type Pair struct {
	Key   uint32 `yaml:"key"`
	Index uint16 `yaml:"index"`
}

// KindTable is the constant, offline generated table of one kind.
//
// A kind with Scalar set maps every handle to that index. Otherwise it is
// keyed: Std, when present, must have StdTableSize entries and covers all
// keys without ExtendedFlag; remaining keys are searched in Pairs, which
// must be sorted ascending by Key. The zero KindTable maps nothing.
type KindTable struct {
	Scalar *int     `yaml:"scalar,omitempty"`
	Std    []uint16 `yaml:"std,omitempty"`
	Pairs  []Pair   `yaml:"pairs,omitempty"`
}

// ScalarTable returns a table mapping every handle of its kind to index.
func ScalarTable(index int) KindTable {
	return KindTable{Scalar: &index}
}

// BinarySearch looks up handles in pre-built sorted tables. Add does not
// modify anything; it only verifies the registration against the tables.
type BinarySearch struct {
	kinds []KindTable
}

// NewBinarySearch validates and wraps the given tables.
func NewBinarySearch(tables []KindTable) (*BinarySearch, error) {
	for i, t := range tables {
		if t.Scalar != nil && (len(t.Std) != 0 || len(t.Pairs) != 0) {
			return nil, fmt.Errorf("handlemap: kind %d is both scalar and keyed", i)
		}
		if len(t.Std) != 0 && len(t.Std) != StdTableSize {
			return nil, fmt.Errorf("handlemap: kind %d std table has %d entries, want %d", i, len(t.Std), StdTableSize)
		}
		for j := 1; j < len(t.Pairs); j++ {
			if t.Pairs[j-1].Key >= t.Pairs[j].Key {
				return nil, fmt.Errorf("%w: kind %d at position %d (%#x after %#x)", ErrUnsorted, i, j, t.Pairs[j].Key, t.Pairs[j-1].Key)
			}
		}
	}
	return &BinarySearch{kinds: tables}, nil
}

func (m *BinarySearch) Add(kind event.Kind, handle event.Handle, index int) error {
	if int(kind) >= len(m.kinds) {
		return fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
	got, ok := m.Lookup(kind, handle)
	if !ok {
		return fmt.Errorf("%w: kind %d handle %#x not in table", ErrInconsistent, kind, handle)
	}
	if got != index {
		return fmt.Errorf("%w: kind %d handle %#x is %d in table, registered as %d", ErrInconsistent, kind, handle, got, index)
	}
	return nil
}

// Remove is a no-op: the tables are fixed at construction.
func (m *BinarySearch) Remove(event.Kind, event.Handle, int) {}

func (m *BinarySearch) Lookup(kind event.Kind, handle event.Handle) (int, bool) {
	if int(kind) >= len(m.kinds) {
		return 0, false
	}
	t := &m.kinds[kind]
	if t.Scalar != nil {
		return *t.Scalar, true
	}

	key := uint64(handle)
	if key > 0xFFFFFFFF {
		return 0, false
	}
	if len(t.Std) > 0 && key&ExtendedFlag == 0 {
		if key >= StdTableSize {
			return 0, false
		}
		idx := t.Std[key]
		if idx == invalidIndex {
			return 0, false
		}
		return int(idx), true
	}

	pos, found := slices.BinarySearchFunc(t.Pairs, uint32(key), func(p Pair, k uint32) int {
		return cmp.Compare(p.Key, k)
	})
	if !found {
		return 0, false
	}
	return int(t.Pairs[pos].Index), true
}

// BuildTable produces a KindTable from unordered pairs, the offline step
// that generates tables for BinarySearch. With withStd set, standard
// identifiers go into a dense table and only extended ones are searched.
func BuildTable(entries []Pair, withStd bool) (KindTable, error) {
	var t KindTable
	if withStd {
		t.Std = make([]uint16, StdTableSize)
		for i := range t.Std {
			t.Std[i] = invalidIndex
		}
	}
	for _, e := range entries {
		if e.Index == invalidIndex {
			return KindTable{}, fmt.Errorf("%w: %d", ErrIndexTooLarge, e.Index)
		}
		if e.Key&ExtendedFlag == 0 && e.Key >= StdTableSize {
			return KindTable{}, fmt.Errorf("%w: standard key %#x exceeds 11 bits", ErrOutOfRange, e.Key)
		}
		if withStd && e.Key&ExtendedFlag == 0 {
			if t.Std[e.Key] != invalidIndex {
				return KindTable{}, fmt.Errorf("%w: duplicate key %#x", ErrUnsorted, e.Key)
			}
			t.Std[e.Key] = e.Index
			continue
		}
		t.Pairs = append(t.Pairs, e)
	}
	slices.SortFunc(t.Pairs, func(a, b Pair) int { return cmp.Compare(a.Key, b.Key) })
	for j := 1; j < len(t.Pairs); j++ {
		if t.Pairs[j-1].Key == t.Pairs[j].Key {
			return KindTable{}, fmt.Errorf("%w: duplicate key %#x", ErrUnsorted, t.Pairs[j].Key)
		}
	}
	return t, nil
}
