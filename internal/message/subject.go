package message

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// SubjectPrefix starts every lifecycle subject.
	SubjectPrefix = "state_changed"

	// NoneMarker stands in for the absent prior state of the first
	// transition out of CREATED.
	NoneMarker = "None"
)

// ErrMalformedSubject is returned for subjects that are not
// state_changed.<from>.<to> with a non-empty <to>.
var ErrMalformedSubject = errors.New("malformed state_changed subject")

// Transition is a parsed lifecycle subject. An empty From means the None
// marker.
type Transition struct {
	From string
	To   string
}

// Subject renders the transition back to its subject.
func (t Transition) Subject() string {
	return StateChangedSubject(t.From, t.To)
}

// StateChangedSubject builds state_changed.<from>.<to>, substituting the
// None marker when from is empty.
func StateChangedSubject(from, to string) string {
	if from == "" {
		from = NoneMarker
	}
	return SubjectPrefix + "." + from + "." + to
}

// IsStateChanged reports whether subject is a lifecycle subject.
func IsStateChanged(subject string) bool {
	return strings.HasPrefix(subject, SubjectPrefix+".")
}

// ParseSubject splits a lifecycle subject into its transition.
func ParseSubject(subject string) (Transition, error) {
	parts := strings.Split(subject, ".")
	if len(parts) != 3 || parts[0] != SubjectPrefix {
		return Transition{}, fmt.Errorf("%w: %q", ErrMalformedSubject, subject)
	}
	if parts[1] == "" || parts[2] == "" {
		return Transition{}, fmt.Errorf("%w: %q", ErrMalformedSubject, subject)
	}

	from := parts[1]
	if from == NoneMarker {
		from = ""
	}
	return Transition{From: from, To: parts[2]}, nil
}
