// Package future provides the two result carriers used by the controllers.
//
// Future[T] is the loop-side promise: resolved exactly once, with
// continuations registered through Then. Handle[T] is the cross-goroutine
// cell a thread controller hands to its caller: written once from the loop,
// read once from any goroutine with a local timeout.
package future

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrLocalTimeout is returned when a caller stops waiting for a result.
	// The in-flight request is unaffected.
	ErrLocalTimeout = errors.New("timed out waiting for result")

	// ErrHandleConsumed is returned by a second read of a Handle.
	ErrHandleConsumed = errors.New("result already consumed")

	// ErrCancelled marks futures resolved by shutdown instead of a response.
	ErrCancelled = errors.New("future cancelled")
)

// Future is a single-assignment result of an asynchronous operation.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	resolved  bool
	value     T
	err       error
	callbacks []func(T, error)
}

// New returns an unresolved future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future already resolved with v.
func Resolved[T any](v T) *Future[T] {
	f := New[T]()
	f.Resolve(v)
	return f
}

// Failed returns a future already failed with err.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Fail(err)
	return f
}

// Resolve sets the value. Returns false if the future was already resolved.
func (f *Future[T]) Resolve(v T) bool {
	return f.Complete(v, nil)
}

// Fail sets the error. Returns false if the future was already resolved.
func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.Complete(zero, err)
}

// Complete resolves the future with either a value or an error. Only the
// first call has any effect. Continuations run on the calling goroutine.
func (f *Future[T]) Complete(v T, err error) bool {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		return false
	}
	f.resolved = true
	f.value = v
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(v, err)
	}
	return true
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future is resolved.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Peek returns the outcome without blocking. ok is false while unresolved.
func (f *Future[T]) Peek() (v T, err error, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.resolved {
		return v, nil, false
	}
	return f.value, f.err, true
}

// Await blocks until the future resolves or ctx is done.
// Never call it from the loop goroutine for a future the loop resolves.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		v, err, _ := f.Peek()
		return v, err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Then registers fn to run once with the outcome. fn runs on the goroutine
// that resolves the future, or immediately if it is already resolved.
func (f *Future[T]) Then(fn func(T, error)) {
	f.mu.Lock()
	if !f.resolved {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	v, err := f.value, f.err
	f.mu.Unlock()
	fn(v, err)
}

// Map derives a future whose value is fn applied to f's value.
// Errors from f pass through untouched.
func Map[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	out := New[U]()
	f.Then(func(v T, err error) {
		if err != nil {
			out.Fail(err)
			return
		}
		out.Complete(fn(v))
	})
	return out
}
