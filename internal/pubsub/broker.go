package pubsub

import (
	"context"
	"sync"
	"time"
)

const defaultBufferSize = 64

// Option configures a Broker.
type Option func(*brokerOptions)

type brokerOptions struct {
	bufferSize int
	onPanic    PanicHandler
}

// WithBufferSize sets the buffer size of channels returned by Subscribe.
func WithBufferSize(size int) Option {
	return func(o *brokerOptions) {
		if size > 0 {
			o.bufferSize = size
		}
	}
}

// WithPanicHandler sets the handler invoked when a subscriber callback panics.
// The panic never reaches the publisher or other subscribers.
func WithPanicHandler(h PanicHandler) Option {
	return func(o *brokerOptions) {
		o.onPanic = h
	}
}

// Broker is a generic pub/sub event broker.
// Every subscriber owns an unbounded FIFO mailbox drained by its own goroutine,
// so events reach a subscriber in publish order and a slow or failing
// subscriber never blocks the publisher or its siblings.
type Broker[T any] struct {
	subs   map[uint64]*mailbox[T]
	nextID uint64
	mu     sync.RWMutex
	done   chan struct{}
	opts   brokerOptions
}

// NewBroker creates a new broker.
func NewBroker[T any](opts ...Option) *Broker[T] {
	o := brokerOptions{bufferSize: defaultBufferSize}
	for _, opt := range opts {
		opt(&o)
	}
	return &Broker[T]{
		subs: make(map[uint64]*mailbox[T]),
		done: make(chan struct{}),
		opts: o,
	}
}

// NewBrokerWithBuffer creates a new broker with a custom channel buffer size.
func NewBrokerWithBuffer[T any](size int) *Broker[T] {
	return NewBroker[T](WithBufferSize(size))
}

// SubscribeFunc registers fn to be called once per event published after
// registration completes. The returned function removes the subscription;
// calling it more than once is safe.
func (b *Broker[T]) SubscribeFunc(fn func(Event[T])) (unsubscribe func()) {
	id, ok := b.subscribe(fn, nil)
	if !ok {
		return func() {}
	}
	return func() { b.unsubscribe(id) }
}

// Subscribe creates a new subscription channel.
// The channel is closed when ctx is cancelled or the broker is closed.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	out := make(chan Event[T], b.opts.bufferSize)
	stop := make(chan struct{})

	id, ok := b.subscribe(func(e Event[T]) {
		select {
		case out <- e:
		case <-stop:
		}
	}, func() { close(out) })
	if !ok {
		close(out)
		return out
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
		}
		close(stop)
		b.unsubscribe(id)
	}()

	return out
}

func (b *Broker[T]) subscribe(deliver func(Event[T]), onExit func()) (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return 0, false
	default:
	}

	b.nextID++
	id := b.nextID
	mb := newMailbox(id, deliver, onExit, b.opts.onPanic)
	b.subs[id] = mb
	go mb.run()

	return id, true
}

func (b *Broker[T]) unsubscribe(id uint64) {
	b.mu.Lock()
	mb, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if ok {
		mb.close()
	}
}

// Publish appends an event to every subscriber's mailbox.
// Never blocks on subscribers and never drops events.
func (b *Broker[T]) Publish(eventType EventType, payload T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return
	default:
	}

	event := Event[T]{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	for _, mb := range b.subs {
		mb.push(event)
	}
}

// Close shuts down the broker and all subscriptions.
// Events still queued in mailboxes are discarded.
func (b *Broker[T]) Close() {
	b.mu.Lock()

	select {
	case <-b.done:
		b.mu.Unlock()
		return // Already closed
	default:
	}

	close(b.done)
	subs := b.subs
	b.subs = make(map[uint64]*mailbox[T])
	b.mu.Unlock()

	for _, mb := range subs {
		mb.close()
	}
}

// Closed reports whether Close has been called.
func (b *Broker[T]) Closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
