// Package arena implements fixed-capacity bump allocators for planned
// tensor memory. Pools never free individual allocations; they only rewind
// to empty, which is what makes static memory planning possible on
// constrained targets.
package arena

import (
	"errors"
	"fmt"
)

// ErrPoolExhausted is returned when an allocation does not fit in the
// pool's remaining capacity. This is a hard failure for the execution that
// triggered it: pool sizes are planned at export time, so running out
// signals a sizing mismatch, not a condition to retry or grow past.
var ErrPoolExhausted = errors.New("arena: pool exhausted")

// Pool is one contiguous bump-allocated buffer. Allocation is strictly
// monotonic; the only way to reclaim space is Rewind, which invalidates
// every slice handed out so far.
type Pool struct {
	buf []byte
	off int
}

// NewPool allocates a pool of the given byte capacity.
func NewPool(size int) *Pool {
	if size < 0 {
		size = 0
	}
	return &Pool{buf: make([]byte, size)}
}

// Alloc returns a zeroed slice of n bytes aligned to align (a power of
// two). Exhaustion wraps ErrPoolExhausted.
func (p *Pool) Alloc(n, align int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("arena: negative allocation %d", n)
	}
	if align <= 0 || align&(align-1) != 0 {
		return nil, fmt.Errorf("arena: alignment %d is not a power of two", align)
	}
	start := (p.off + align - 1) &^ (align - 1)
	if start < p.off || start > len(p.buf)-n {
		return nil, fmt.Errorf("arena: need %d bytes (align %d) with %d of %d used: %w",
			n, align, p.off, len(p.buf), ErrPoolExhausted)
	}
	p.off = start + n
	b := p.buf[start : start+n : start+n]
	clear(b)
	return b, nil
}

// Rewind resets the pool to empty. Previously returned slices keep
// pointing at the buffer; callers track validity via tensor generations.
func (p *Pool) Rewind() { p.off = 0 }

// Used reports bytes consumed since the last rewind, including alignment
// padding.
func (p *Pool) Used() int { return p.off }

// Cap reports the fixed pool capacity.
func (p *Pool) Cap() int { return len(p.buf) }

// Manager owns one pool per memory pool id declared by a method.
type Manager struct {
	pools []*Pool
}

// NewManager creates pools with the given byte capacities, one per pool id
// in order. Capacities are fixed for the manager's lifetime.
func NewManager(sizes []int64) (*Manager, error) {
	pools := make([]*Pool, len(sizes))
	for i, sz := range sizes {
		if sz < 0 {
			return nil, fmt.Errorf("arena: pool %d has negative size %d", i, sz)
		}
		if sz > int64(maxInt) {
			return nil, fmt.Errorf("arena: pool %d size %d does not fit in memory", i, sz)
		}
		pools[i] = NewPool(int(sz))
	}
	return &Manager{pools: pools}, nil
}

func (m *Manager) NumPools() int { return len(m.pools) }

// Pool returns the pool for one method-relative pool id.
func (m *Manager) Pool(id int) (*Pool, error) {
	if id < 0 || id >= len(m.pools) {
		return nil, fmt.Errorf("arena: no pool %d (have %d)", id, len(m.pools))
	}
	return m.pools[id], nil
}

// RewindAll rewinds every pool. Called before each execution and when the
// owning method closes.
func (m *Manager) RewindAll() {
	for _, p := range m.pools {
		p.Rewind()
	}
}

const maxInt = int(^uint(0) >> 1)
