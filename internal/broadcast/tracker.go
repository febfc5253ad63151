package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zjrosen/procctl/internal/log"
	"github.com/zjrosen/procctl/internal/message"
	"github.com/zjrosen/procctl/internal/process"
)

// StateTracker keeps the last state each sender announced. Its Observe
// method is a broadcast callback.
type StateTracker struct {
	mu      sync.Mutex
	states  map[message.Pid]process.State
	changed chan struct{}
	onTrans func(Transition)
}

// NewStateTracker returns an empty tracker. onTransition, when non-nil, is
// called with every decoded transition on the subscriber goroutine.
func NewStateTracker(onTransition func(Transition)) *StateTracker {
	return &StateTracker{
		states:  make(map[message.Pid]process.State),
		changed: make(chan struct{}),
		onTrans: onTransition,
	}
}

// Observe records the transition carried by b. Non-lifecycle broadcasts
// are ignored.
func (t *StateTracker) Observe(b message.Broadcast) {
	tr, err := Decode(b)
	if err != nil {
		if !errors.Is(err, ErrNotStateChanged) {
			log.Warn(log.CatBroadcast, "undecodable state broadcast",
				"sender", b.Sender, "subject", b.Subject, "error", err)
		}
		return
	}

	t.mu.Lock()
	t.states[tr.Sender] = tr.To
	close(t.changed)
	t.changed = make(chan struct{})
	t.mu.Unlock()

	log.Debug(log.CatBroadcast, "state observed", "sender", tr.Sender, "state", tr.To)
	if t.onTrans != nil {
		t.onTrans(tr)
	}
}

// State returns the last state announced by pid.
func (t *StateTracker) State(pid message.Pid) (process.State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[pid]
	return s, ok
}

// Snapshot copies every known state.
func (t *StateTracker) Snapshot() map[message.Pid]process.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[message.Pid]process.State, len(t.states))
	for pid, s := range t.states {
		out[pid] = s
	}
	return out
}

// WaitForState blocks until pid announces want or ctx ends.
func (t *StateTracker) WaitForState(ctx context.Context, pid message.Pid, want process.State) error {
	for {
		t.mu.Lock()
		s, ok := t.states[pid]
		changed := t.changed
		t.mu.Unlock()

		if ok && s == want {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s to reach %s: %w", pid, want, ctx.Err())
		}
	}
}
