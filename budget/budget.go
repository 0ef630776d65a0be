// Package budget tracks the bytes held in memory by every in-flight chunker of the process.
package budget

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Budget is a shared memory budget.
// Reserve never blocks and may overshoot the limit; HasCapacity turns false until
// enough bytes are released. Safe for concurrent use.
type Budget struct {
	limit int64
	inUse atomic.Int64

	mu      sync.Mutex
	freed   chan struct{}
	waiters int
}

// New creates a Budget that reports capacity while less than limit bytes are reserved.
func New(limit int64) (*Budget, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("memory limit must be positive, got %d", limit)
	}
	return &Budget{
		limit: limit,
		freed: make(chan struct{}),
	}, nil
}

// HasCapacity reports whether reserved bytes are below the limit.
func (b *Budget) HasCapacity() bool {
	return b.inUse.Load() < b.limit
}

// Reserve adds n bytes to the in-flight accounting.
func (b *Budget) Reserve(n int64) {
	if n <= 0 {
		return
	}
	b.inUse.Add(n)
}

// Release gives back n previously reserved bytes and wakes up waiters.
func (b *Budget) Release(n int64) {
	if n <= 0 {
		return
	}
	for {
		cur := b.inUse.Load()
		// Releasing more than was reserved is a caller bug; clamp at zero.
		next := max(cur-n, 0)
		if b.inUse.CompareAndSwap(cur, next) {
			break
		}
	}
	b.broadcast()
}

// InUse returns the number of currently reserved bytes.
func (b *Budget) InUse() int64 {
	return b.inUse.Load()
}

// Limit returns the configured limit in bytes.
func (b *Budget) Limit() int64 {
	return b.limit
}

// Wait blocks until the budget has capacity or ctx is done.
func (b *Budget) Wait(ctx context.Context) error {
	for {
		b.mu.Lock()
		if b.HasCapacity() {
			b.mu.Unlock()
			return nil
		}
		freed := b.freed
		b.waiters++
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			b.mu.Lock()
			if b.freed == freed {
				b.waiters--
			}
			b.mu.Unlock()
			return ctx.Err()
		case <-freed:
		}
	}
}

func (b *Budget) broadcast() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.waiters == 0 {
		return
	}
	close(b.freed)
	b.freed = make(chan struct{})
	b.waiters = 0
}
