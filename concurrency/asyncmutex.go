// Package concurrency provides the two cooperative-concurrency primitives
// the demuxers and muxers are built on (§4.1/§5 of the spec): a FIFO async
// mutex and a resolver-pair promise.
package concurrency

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// AsyncMutex is a FIFO mutual-exclusion lock: acquisitions resolve in
// arrival order. This backs per-track packet retrieval serialization, the
// per-muxer "every public method is serialized" contract, and the
// per-segment mutex guarding fragment/cluster list mutation during seeks.
//
// A weight-1 semaphore.Weighted already provides FIFO-fair acquisition
// (waiters are queued and woken in arrival order), so AsyncMutex is a thin,
// domain-named wrapper rather than a hand-rolled queue of channels.
type AsyncMutex struct {
	sem *semaphore.Weighted
}

// NewAsyncMutex creates an unlocked AsyncMutex.
func NewAsyncMutex() *AsyncMutex {
	return &AsyncMutex{sem: semaphore.NewWeighted(1)}
}

// Lock blocks until the mutex is acquired or ctx is cancelled.
func (m *AsyncMutex) Lock(ctx context.Context) error {
	return m.sem.Acquire(ctx, 1)
}

// Unlock releases the mutex. It must only be called by the current holder.
func (m *AsyncMutex) Unlock() {
	m.sem.Release(1)
}

// WithLock runs fn while holding the mutex, always releasing it afterward.
func (m *AsyncMutex) WithLock(ctx context.Context, fn func() error) error {
	if err := m.Lock(ctx); err != nil {
		return err
	}
	defer m.Unlock()
	return fn()
}
