// Package mempool provides a monotonic, alignment-aware arena over a
// caller-supplied buffer.
//
// Memory handed out by a Pool is never returned. All allocations happen at
// startup, so exhaustion is detected once and reproduces on every run with
// the same configuration.
package mempool

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"unsafe"
)

// DefaultAlignment is the alignment applied to every allocation unless
// WithAlignment overrides it.
const DefaultAlignment = 8

// HeaderSize is the number of bytes at the start of the buffer reserved for
// the pool's own bookkeeping. It is counted in Allocated.
const HeaderSize = 32

var (
	// ErrBufferTooSmall means the buffer cannot even hold the pool header.
	ErrBufferTooSmall = errors.New("mempool: buffer too small for pool header")

	// ErrGuardMismatch means only one of Enter/Leave was supplied.
	ErrGuardMismatch = errors.New("mempool: guard enter and leave must be supplied together")

	// ErrBadAlignment means the requested alignment is not a power of two.
	ErrBadAlignment = errors.New("mempool: alignment must be a power of two")

	// ErrExhausted is returned by typed allocations the pool cannot serve.
	ErrExhausted = errors.New("mempool: pool exhausted")
)

// CriticalSection serializes Allocate and the usage readers when the pool
// is shared between concurrency contexts. Both functions are set, or
// neither.
type CriticalSection struct {
	Enter func()
	Leave func()
}

// FromLocker adapts a sync.Locker to a CriticalSection.
func FromLocker(l sync.Locker) CriticalSection {
	return CriticalSection{Enter: l.Lock, Leave: l.Unlock}
}

func (g CriticalSection) valid() bool {
	return (g.Enter == nil) == (g.Leave == nil)
}

func noop() {}

// enter runs the guard's Enter and returns its Leave.
func (p *Pool) enter() func() {
	if p.guard.Enter == nil {
		return noop
	}
	p.guard.Enter()
	return p.guard.Leave
}

// Option configures a Pool.
type Option func(*Pool)

// WithGuard installs a critical section around every access to the cursor.
func WithGuard(g CriticalSection) Option {
	return func(p *Pool) {
		p.guard = g
	}
}

// WithAlignment sets the allocation alignment in bytes.
func WithAlignment(n int) Option {
	return func(p *Pool) {
		p.align = n
	}
}

// Pool is a bump allocator. The cursor only moves forward.
type Pool struct {
	buf    []byte
	base   uintptr
	next   int
	align  int
	chunks int
	guard  CriticalSection
}

// New creates a pool over buf. The pool header is carved from buf itself.
func New(buf []byte, opts ...Option) (*Pool, error) {
	p := &Pool{buf: buf, align: DefaultAlignment}
	for _, opt := range opts {
		opt(p)
	}

	if !p.guard.valid() {
		return nil, ErrGuardMismatch
	}
	if p.align <= 0 || p.align&(p.align-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadAlignment, p.align)
	}
	if len(buf) > 0 {
		p.base = uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	}

	start := p.padding(0)
	if start+HeaderSize > len(buf) {
		return nil, fmt.Errorf("%w: have %d bytes, need %d", ErrBufferTooSmall, len(buf), start+HeaderSize)
	}
	p.next = start + HeaderSize
	return p, nil
}

// padding returns the offset of the first aligned address at or after off.
func (p *Pool) padding(off int) int {
	addr := p.base + uintptr(off)
	mask := uintptr(p.align - 1)
	return off + int((p.align-int(addr&mask))&int(mask))
}

// Allocate reserves size bytes and returns them zeroed, or nil when the
// remaining space is insufficient. The returned slice's capacity is clipped
// so appends cannot spill into neighbouring chunks.
func (p *Pool) Allocate(size int) []byte {
	if size < 0 {
		return nil
	}
	defer p.enter()()

	start := p.padding(p.next)
	if start > len(p.buf) || size > len(p.buf)-start {
		return nil
	}
	end := start + size
	p.next = end
	p.chunks++

	chunk := p.buf[start:end:end]
	clear(chunk)
	return chunk
}

// Available returns the number of bytes between the cursor and the end of
// the buffer. Alignment padding may make a request of exactly this size fail.
func (p *Pool) Available() int {
	defer p.enter()()
	return len(p.buf) - p.next
}

// Allocated returns the number of bytes consumed so far, header included.
func (p *Pool) Allocated() int {
	defer p.enter()()
	return p.next
}

// Chunks returns the number of successful allocations.
func (p *Pool) Chunks() int {
	defer p.enter()()
	return p.chunks
}

// Size returns the size of the underlying buffer.
func (p *Pool) Size() int {
	return len(p.buf)
}

// Make charges the pool for n values of T and returns them. The values live
// on the Go heap so T may contain pointers; the pool only accounts for the
// memory, preserving the exhaustion behaviour of a static arena.
func Make[T any](p *Pool, n int) ([]T, error) {
	if n < 0 {
		return nil, fmt.Errorf("mempool: negative count %d", n)
	}
	var zero T
	elem := int(unsafe.Sizeof(zero))
	if elem > 0 && n > math.MaxInt/elem {
		return nil, fmt.Errorf("%w: %d x %T overflows", ErrExhausted, n, zero)
	}
	size := elem * n
	if size > 0 && p.Allocate(size) == nil {
		return nil, fmt.Errorf("%w: %d bytes for %d x %T", ErrExhausted, size, n, zero)
	}
	return make([]T, n), nil
}
