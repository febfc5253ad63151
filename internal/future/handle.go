package future

import (
	"context"
	"sync"
	"time"
)

type outcome[T any] struct {
	value T
	err   error
}

// Handle is a single-write, single-read result cell shared between the loop
// and one caller goroutine. The write never blocks: an outcome nobody reads
// stays in the buffered slot and is collected with the handle.
type Handle[T any] struct {
	cell  chan outcome[T]
	ready chan struct{}
	once  sync.Once

	mu        sync.Mutex
	consumed  bool
	onTimeout func()
}

// NewHandle returns an empty handle.
func NewHandle[T any]() *Handle[T] {
	return &Handle[T]{
		cell:  make(chan outcome[T], 1),
		ready: make(chan struct{}),
	}
}

// OnTimeout registers fn to run each time a read gives up with
// ErrLocalTimeout. Call it before handing the handle out.
func (h *Handle[T]) OnTimeout(fn func()) *Handle[T] {
	h.onTimeout = fn
	return h
}

func (h *Handle[T]) timedOut() (T, error) {
	if h.onTimeout != nil {
		h.onTimeout()
	}
	var zero T
	return zero, ErrLocalTimeout
}

// Set stores the outcome. Only the first call has any effect; it reports
// whether this call was the one that stored.
func (h *Handle[T]) Set(v T, err error) bool {
	stored := false
	h.once.Do(func() {
		h.cell <- outcome[T]{value: v, err: err}
		close(h.ready)
		stored = true
	})
	return stored
}

// Done is closed once an outcome is available. Does not consume it.
func (h *Handle[T]) Done() <-chan struct{} {
	return h.ready
}

// Result waits up to timeout for the outcome. A zero or negative timeout
// polls. On ErrLocalTimeout the handle stays readable, so a later call can
// still collect a late outcome; after a successful read further calls
// return ErrHandleConsumed.
func (h *Handle[T]) Result(timeout time.Duration) (T, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var zero T
	if h.consumed {
		return zero, ErrHandleConsumed
	}

	if timeout <= 0 {
		select {
		case o := <-h.cell:
			h.consumed = true
			return o.value, o.err
		default:
			return h.timedOut()
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-h.cell:
		h.consumed = true
		return o.value, o.err
	case <-timer.C:
		return h.timedOut()
	}
}

// ResultContext is Result bounded by ctx instead of a timeout. Context
// expiry is reported as ErrLocalTimeout.
func (h *Handle[T]) ResultContext(ctx context.Context) (T, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var zero T
	if h.consumed {
		return zero, ErrHandleConsumed
	}

	select {
	case o := <-h.cell:
		h.consumed = true
		return o.value, o.err
	case <-ctx.Done():
		return h.timedOut()
	}
}

// Relay forwards f's outcome into a new handle. The write happens on the
// goroutine that resolves f.
func Relay[T any](f *Future[T]) *Handle[T] {
	h := NewHandle[T]()
	f.Then(func(v T, err error) { h.Set(v, err) })
	return h
}
