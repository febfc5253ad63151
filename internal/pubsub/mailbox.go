package pubsub

import "sync"

// mailbox is an unbounded FIFO queue drained by a single goroutine.
type mailbox[T any] struct {
	id      uint64
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Event[T]
	closed  bool
	deliver func(Event[T])
	onExit  func()
	onPanic PanicHandler
}

func newMailbox[T any](id uint64, deliver func(Event[T]), onExit func(), onPanic PanicHandler) *mailbox[T] {
	mb := &mailbox[T]{
		id:      id,
		deliver: deliver,
		onExit:  onExit,
		onPanic: onPanic,
	}
	mb.cond = sync.NewCond(&mb.mu)
	return mb
}

func (m *mailbox[T]) push(e Event[T]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.queue = append(m.queue, e)
	m.cond.Signal()
}

func (m *mailbox[T]) close() {
	m.mu.Lock()
	m.closed = true
	m.queue = nil
	m.mu.Unlock()
	m.cond.Broadcast()
}

func (m *mailbox[T]) run() {
	if m.onExit != nil {
		defer m.onExit()
	}

	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if m.closed {
			m.mu.Unlock()
			return
		}
		e := m.queue[0]
		var zero Event[T]
		m.queue[0] = zero
		m.queue = m.queue[1:]
		m.mu.Unlock()

		m.safeDeliver(e)
	}
}

func (m *mailbox[T]) safeDeliver(e Event[T]) {
	defer func() {
		if r := recover(); r != nil && m.onPanic != nil {
			m.onPanic(m.id, r)
		}
	}()
	m.deliver(e)
}
