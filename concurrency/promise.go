package concurrency

import "context"

// Promise is a resolver-pair future: one side resolves or rejects it exactly
// once, any number of callers can await the result concurrently.
type Promise[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// NewPromise creates an unresolved Promise.
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// Resolve fulfils the promise with value. Calling Resolve or Reject more
// than once panics: a promise settles exactly once.
func (p *Promise[T]) Resolve(value T) {
	p.value = value
	close(p.done)
}

// Reject fails the promise with err.
func (p *Promise[T]) Reject(err error) {
	p.err = err
	close(p.done)
}

// Await blocks until the promise settles or ctx is cancelled.
func (p *Promise[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Settled reports whether the promise has already resolved or rejected.
func (p *Promise[T]) Settled() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
