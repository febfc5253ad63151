// Package loop provides the single-goroutine FIFO scheduler that owns the
// communicator, the pending-call table and every reference process.
// Work from other goroutines reaches the loop only through Submit, so state
// confined to the loop needs no locking.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zjrosen/procctl/internal/log"
)

// DefaultQueueCapacity is the default buffer size for the task queue.
const DefaultQueueCapacity = 1000

var (
	// ErrLoopStopped is returned when submitting to a stopped or draining loop,
	// and passed to discard callbacks of tasks that never ran.
	ErrLoopStopped = errors.New("loop is stopped")

	// ErrQueueFull is returned when the task queue is at capacity.
	ErrQueueFull = errors.New("loop queue is full")

	// ErrTaskPanicked is returned by SubmitAndWait when the task panicked.
	ErrTaskPanicked = errors.New("loop task panicked")
)

// Func is a unit of work executed on the loop goroutine.
type Func = func(ctx context.Context)

// Option configures the Loop.
type Option func(*Loop)

// WithQueueCapacity sets the task queue buffer capacity.
func WithQueueCapacity(capacity int) Option {
	return func(lp *Loop) {
		if capacity > 0 {
			lp.queueCapacity = capacity
		}
	}
}

// WithMiddleware adds middleware applied to every task.
// Middleware is applied in order: first middleware wraps outermost.
func WithMiddleware(middlewares ...Middleware) Option {
	return func(lp *Loop) {
		lp.middlewares = append(lp.middlewares, middlewares...)
	}
}

// Loop executes submitted tasks one at a time in FIFO order on a single goroutine.
type Loop struct {
	queue         chan item
	queueCapacity int
	middlewares   []Middleware

	// mu guards stopped and the queue close in Drain so a send never
	// races with close.
	mu       sync.RWMutex
	stopped  bool
	stopCh   chan struct{}
	stopOnce sync.Once

	wg      sync.WaitGroup
	running atomic.Bool
	started atomic.Bool
	readyCh chan struct{}

	processedCount atomic.Int64
	panicCount     atomic.Int64
}

type item struct {
	name     string
	fn       Func
	discard  func(error)
	resultCh chan error // nil for fire-and-forget Submit
}

type ownerKey struct{}

// New creates a Loop. Tasks may be submitted before Run; they execute once
// Run starts.
func New(opts ...Option) *Loop {
	lp := &Loop{
		queueCapacity: DefaultQueueCapacity,
		stopCh:        make(chan struct{}),
		readyCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(lp)
	}
	lp.queue = make(chan item, lp.queueCapacity)
	return lp
}

// Run executes tasks until ctx is cancelled, Stop is called, or Drain
// finishes. It blocks, and only the first call does anything.
func (lp *Loop) Run(ctx context.Context) {
	if !lp.started.CompareAndSwap(false, true) {
		return
	}

	lp.mu.RLock()
	stopped := lp.stopped
	lp.mu.RUnlock()
	if stopped {
		close(lp.readyCh)
		lp.discardQueued()
		return
	}

	loopCtx := context.WithValue(ctx, ownerKey{}, lp)

	lp.wg.Add(1)
	lp.running.Store(true)
	close(lp.readyCh)

	defer func() {
		lp.running.Store(false)
		lp.markStopped()
		lp.discardQueued()
		lp.wg.Done()
	}()

	for {
		// Stop takes priority over queued work.
		select {
		case <-ctx.Done():
			return
		case <-lp.stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-lp.stopCh:
			return
		case it, ok := <-lp.queue:
			if !ok {
				// Queue closed by Drain
				return
			}
			lp.execute(loopCtx, it)
		}
	}
}

// WaitForReady blocks until Run has started.
func (lp *Loop) WaitForReady(ctx context.Context) error {
	select {
	case <-lp.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Owns reports whether ctx was handed out by this loop, i.e. the caller is
// running on the loop goroutine.
func (lp *Loop) Owns(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	owner, _ := ctx.Value(ownerKey{}).(*Loop)
	return owner == lp
}

// Submit queues fn for execution on the loop. Goroutine-safe, never blocks.
func (lp *Loop) Submit(name string, fn func(ctx context.Context)) error {
	return lp.enqueue(item{name: name, fn: fn})
}

// SubmitOrDiscard is Submit with a discard callback invoked with
// ErrLoopStopped if the loop stops before fn runs. The callback is not
// invoked when the submission itself fails; the error is returned instead.
func (lp *Loop) SubmitOrDiscard(name string, fn func(ctx context.Context), discard func(error)) error {
	return lp.enqueue(item{name: name, fn: fn, discard: discard})
}

// SubmitAndWait queues fn and blocks until it has run. When ctx belongs to
// this loop fn runs inline, since waiting would deadlock.
func (lp *Loop) SubmitAndWait(ctx context.Context, name string, fn func(ctx context.Context)) error {
	if lp.Owns(ctx) {
		fn(ctx)
		return nil
	}

	resultCh := make(chan error, 1)
	if err := lp.enqueue(item{name: name, fn: fn, resultCh: resultCh}); err != nil {
		return err
	}

	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (lp *Loop) enqueue(it item) error {
	lp.mu.RLock()
	defer lp.mu.RUnlock()

	if lp.stopped {
		return ErrLoopStopped
	}

	select {
	case lp.queue <- it:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop halts the loop after the current task and waits for it to exit.
// Queued tasks are not executed; their discard callbacks receive
// ErrLoopStopped. Safe to call more than once.
func (lp *Loop) Stop() {
	lp.markStopped()
	lp.wg.Wait()
	if !lp.started.Load() {
		lp.discardQueued()
	}
}

// Drain stops accepting tasks, runs everything already queued, then stops.
func (lp *Loop) Drain() {
	lp.mu.Lock()
	if lp.stopped {
		lp.mu.Unlock()
		lp.wg.Wait()
		return
	}
	lp.stopped = true
	close(lp.queue)
	lp.mu.Unlock()

	lp.wg.Wait()
	if !lp.started.Load() {
		lp.discardQueued()
	}
}

func (lp *Loop) markStopped() {
	lp.mu.Lock()
	lp.stopped = true
	lp.mu.Unlock()
	lp.stopOnce.Do(func() { close(lp.stopCh) })
}

// Done is closed once Stop or Drain has been called or Run has exited.
func (lp *Loop) Done() <-chan struct{} {
	return lp.stopCh
}

// IsRunning returns true while the loop goroutine is executing tasks.
func (lp *Loop) IsRunning() bool {
	return lp.running.Load()
}

// ProcessedCount returns the number of tasks executed, panicked ones included.
func (lp *Loop) ProcessedCount() int64 {
	return lp.processedCount.Load()
}

// PanicCount returns the number of tasks that panicked.
func (lp *Loop) PanicCount() int64 {
	return lp.panicCount.Load()
}

// QueueLength returns the current number of queued tasks.
func (lp *Loop) QueueLength() int {
	return len(lp.queue)
}

func (lp *Loop) execute(ctx context.Context, it item) {
	fn := ChainMiddleware(it.name, it.fn, lp.middlewares...)
	err := lp.safeRun(ctx, it.name, fn)

	lp.processedCount.Add(1)
	if it.resultCh != nil {
		it.resultCh <- err
	}
}

func (lp *Loop) safeRun(ctx context.Context, name string, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			lp.panicCount.Add(1)
			log.Error(log.CatLoop, "task panicked", "task", name, "panic", fmt.Sprint(r))
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	fn(ctx)
	return nil
}

func (lp *Loop) discardQueued() {
	var discarded int
	for {
		select {
		case it, ok := <-lp.queue:
			if !ok {
				lp.logDiscarded(discarded)
				return
			}
			discarded++
			if it.discard != nil {
				it.discard(ErrLoopStopped)
			}
			if it.resultCh != nil {
				it.resultCh <- ErrLoopStopped
			}
		default:
			lp.logDiscarded(discarded)
			return
		}
	}
}

func (lp *Loop) logDiscarded(n int) {
	if n > 0 {
		log.Debug(log.CatLoop, "discarded queued tasks on stop", "count", n)
	}
}
