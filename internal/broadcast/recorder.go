package broadcast

import (
	"context"
	"fmt"
	"sync"

	"github.com/zjrosen/procctl/internal/message"
)

// SequenceMismatchError describes the first place a recorded subject
// sequence diverges from the expected one.
type SequenceMismatchError struct {
	Index    int
	Expected []string
	Got      []string
}

func (e *SequenceMismatchError) Error() string {
	switch {
	case e.Index >= len(e.Expected):
		return fmt.Sprintf("unexpected extra subject %d %q (expected %d subjects)",
			e.Index, e.Got[e.Index], len(e.Expected))
	case e.Index >= len(e.Got):
		return fmt.Sprintf("missing subject %d %q (got %d subjects)",
			e.Index, e.Expected[e.Index], len(e.Got))
	default:
		return fmt.Sprintf("subject %d: expected %q, got %q",
			e.Index, e.Expected[e.Index], e.Got[e.Index])
	}
}

// Recorder accumulates broadcasts in arrival order. Its Record method is a
// broadcast callback.
type Recorder struct {
	mu      sync.Mutex
	entries []message.Broadcast
	changed chan struct{}
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{changed: make(chan struct{})}
}

// Record appends b.
func (r *Recorder) Record(b message.Broadcast) {
	r.mu.Lock()
	r.entries = append(r.entries, b)
	close(r.changed)
	r.changed = make(chan struct{})
	r.mu.Unlock()
}

// Broadcasts returns a copy of everything recorded.
func (r *Recorder) Broadcasts() []message.Broadcast {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]message.Broadcast(nil), r.entries...)
}

// Subjects returns the recorded subjects in order.
func (r *Recorder) Subjects() []string {
	return r.subjects(func(message.Broadcast) bool { return true })
}

// SubjectsFor returns the subjects sent by pid in order.
func (r *Recorder) SubjectsFor(pid message.Pid) []string {
	return r.subjects(func(b message.Broadcast) bool { return b.Sender == pid })
}

func (r *Recorder) subjects(keep func(message.Broadcast) bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for _, b := range r.entries {
		if keep(b) {
			out = append(out, b.Subject)
		}
	}
	return out
}

// WaitForCount blocks until at least n broadcasts are recorded or ctx ends.
func (r *Recorder) WaitForCount(ctx context.Context, n int) error {
	for {
		r.mu.Lock()
		count := len(r.entries)
		changed := r.changed
		r.mu.Unlock()

		if count >= n {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("waiting for %d broadcasts, have %d: %w", n, count, ctx.Err())
		}
	}
}

// Match compares every recorded subject with expected, position by
// position.
func (r *Recorder) Match(expected []string) error {
	return MatchSubjects(expected, r.Subjects())
}

// MatchFor is Match restricted to broadcasts sent by pid.
func (r *Recorder) MatchFor(pid message.Pid, expected []string) error {
	return MatchSubjects(expected, r.SubjectsFor(pid))
}

// MatchSubjects requires got to equal expected exactly. It returns a
// *SequenceMismatchError at the first divergence.
func MatchSubjects(expected, got []string) error {
	n := max(len(expected), len(got))
	for i := range n {
		if i >= len(expected) || i >= len(got) || expected[i] != got[i] {
			return &SequenceMismatchError{Index: i, Expected: expected, Got: got}
		}
	}
	return nil
}
