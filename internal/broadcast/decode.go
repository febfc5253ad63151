package broadcast

import (
	"errors"
	"fmt"

	"github.com/zjrosen/procctl/internal/message"
	"github.com/zjrosen/procctl/internal/process"
)

// ErrNotStateChanged is returned by Decode for non-lifecycle broadcasts.
var ErrNotStateChanged = errors.New("not a state_changed broadcast")

// Transition is a decoded lifecycle broadcast. From is nil for the first
// transition out of CREATED.
type Transition struct {
	Sender message.Pid
	From   *process.State
	To     process.State
	Msg    string
}

// Decode parses the subject of b into process states.
func Decode(b message.Broadcast) (Transition, error) {
	if !message.IsStateChanged(b.Subject) {
		return Transition{}, fmt.Errorf("%w: %q", ErrNotStateChanged, b.Subject)
	}
	parsed, err := message.ParseSubject(b.Subject)
	if err != nil {
		return Transition{}, err
	}

	tr := Transition{Sender: b.Sender}
	if parsed.From != "" {
		from, err := process.ParseState(parsed.From)
		if err != nil {
			return Transition{}, err
		}
		tr.From = &from
	}
	if tr.To, err = process.ParseState(parsed.To); err != nil {
		return Transition{}, err
	}
	if msg, ok := b.Body[message.BodyMsg].(string); ok {
		tr.Msg = msg
	}
	return tr, nil
}

// ExpectedSubjects lists the subjects a process emits walking states in
// order. states[0] is where the process starts and emits nothing; the
// first emitted subject carries the None marker.
func ExpectedSubjects(states []process.State) ([]string, error) {
	if len(states) == 0 {
		return nil, errors.New("expected subjects: no states given")
	}
	subjects := make([]string, 0, len(states)-1)
	for i := 1; i < len(states); i++ {
		from := ""
		if i > 1 {
			from = states[i-1].String()
		}
		subjects = append(subjects, message.StateChangedSubject(from, states[i].String()))
	}
	return subjects, nil
}
