package proactor

import (
	"context"
	"errors"
	"sync"
)

// ErrCancelled is the error of a cancelled future.
var ErrCancelled = errors.New("future cancelled")

// Awaitable is the type-erased view of a [Future] returned by Select.
type Awaitable interface {
	// Done is closed once the future is resolved or cancelled.
	Done() <-chan struct{}

	// Err returns the error the future resolved with.
	// It returns nil if the future is not done yet.
	Err() error

	// Cancelled reports whether the future was cancelled.
	Cancelled() bool
}

// canceler requests cancellation of the request behind a future.
type canceler interface {
	Cancel() error
}

// Future is the eventual result of one overlapped request.
type Future[T any] struct {
	op   canceler
	done chan struct{}

	mu        sync.Mutex
	resolved  bool
	cancelled bool
	value     T
	err       error
}

func newFuture[T any](op canceler) *Future[T] {
	return &Future[T]{op: op, done: make(chan struct{})}
}

// resolvedFuture returns a future that is already done with v.
func resolvedFuture[T any](v T) *Future[T] {
	f := newFuture[T](nil)
	f.resolve(v, nil)
	return f
}

func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

func (f *Future[T]) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *Future[T]) Cancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// Cancel cancels the underlying request and the future. Errors from the
// request's cancellation are ignored: the request may already have finished.
// It returns false if the future was already done.
func (f *Future[T]) Cancel() bool {
	if f.op != nil {
		f.op.Cancel()
	}
	return f.markCancelled()
}

func (f *Future[T]) markCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolved {
		return false
	}
	f.resolved = true
	f.cancelled = true
	f.err = ErrCancelled
	close(f.done)
	return true
}

// resolve is a no-op on a future that is already done.
func (f *Future[T]) resolve(v T, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolved {
		return
	}
	f.resolved = true
	f.value = v
	f.err = err
	close(f.done)
}

// Result blocks until the future is done and returns its outcome.
func (f *Future[T]) Result() (T, error) {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// Await is like Result, but gives up when ctx is done.
// Giving up does not cancel the future.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
