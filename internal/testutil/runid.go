package testutil

import (
	"fmt"
	"sync"
)

// RunIDs hands out predictable run identifiers for tests, in place of the
// UUIDv7 identifiers of real runs.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type RunIDs struct {
	mu     sync.Mutex
	prefix string
	seq    int
}

// NewRunIDs creates a generator whose first identifier is "<prefix>-0001".
// An empty prefix defaults to "test-run".
func NewRunIDs(prefix string) *RunIDs {
	if prefix == "" {
		prefix = "test-run"
	}
	return &RunIDs{prefix: prefix}
}

// Next returns the next identifier.
func (g *RunIDs) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return fmt.Sprintf("%s-%04d", g.prefix, g.seq)
}

// Count returns how many identifiers were handed out.
func (g *RunIDs) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seq
}

// Reset restarts the sequence. After Reset, Next returns "<prefix>-0001".
func (g *RunIDs) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq = 0
}
