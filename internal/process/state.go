package process

import (
	"fmt"
)

// State is the lifecycle state of a process.
type State int

const (
	Created State = iota
	Running
	Waiting
	Paused
	Finished
	Excepted
	Killed
)

// AllStates lists every state in declaration order.
func AllStates() []State {
	return []State{Created, Running, Waiting, Paused, Finished, Excepted, Killed}
}

// String returns the upper-case wire name.
func (s State) String() string {
	switch s {
	case Created:
		return "CREATED"
	case Running:
		return "RUNNING"
	case Waiting:
		return "WAITING"
	case Paused:
		return "PAUSED"
	case Finished:
		return "FINISHED"
	case Excepted:
		return "EXCEPTED"
	case Killed:
		return "KILLED"
	default:
		panic(fmt.Sprintf("unknown state %d", int(s)))
	}
}

// IsTerminal reports whether no further transition can leave s.
func (s State) IsTerminal() bool {
	switch s {
	case Finished, Excepted, Killed:
		return true
	case Created, Running, Waiting, Paused:
		return false
	default:
		panic(fmt.Sprintf("unknown state %d", int(s)))
	}
}

// Pausable reports whether pause moves s to Paused.
func (s State) Pausable() bool {
	switch s {
	case Created, Running, Waiting:
		return true
	case Paused, Finished, Excepted, Killed:
		return false
	default:
		panic(fmt.Sprintf("unknown state %d", int(s)))
	}
}

// ParseState converts a wire name back to a State.
func ParseState(name string) (State, error) {
	for _, s := range AllStates() {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownState, name)
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
