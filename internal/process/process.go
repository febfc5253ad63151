// Package process defines the Process capability and a reference state
// machine that answers control intents and broadcasts its transitions.
package process

import (
	"errors"
	"time"

	"github.com/zjrosen/procctl/internal/message"
)

var (
	// ErrProcessTerminated is returned for pause, play or kill on a process
	// that already reached a terminal state it cannot leave.
	ErrProcessTerminated = errors.New("process has terminated")

	// ErrUnknownState is returned when a state name is not recognized.
	ErrUnknownState = errors.New("unknown process state")

	// ErrUnknownIntent is returned for tasks with an unsupported intent.
	ErrUnknownIntent = errors.New("unknown intent")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("process already started")
)

// Process is the capability a controllable process exposes.
type Process interface {
	Pid() message.Pid
	State() State
	Status() StatusInfo
}

// StatusInfo is the status intent's payload. It is never empty for a live pid.
type StatusInfo struct {
	Pid         message.Pid `json:"pid"`
	State       State       `json:"state"`
	Paused      bool        `json:"paused"`
	PausedFrom  *State      `json:"paused_from,omitempty"`
	Step        int         `json:"step"`
	Steps       int         `json:"steps"`
	Description string      `json:"description,omitempty"`
	Exception   string      `json:"exception,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// IsZero reports whether s carries no information.
func (s StatusInfo) IsZero() bool {
	return s.Pid == "" && s.CreatedAt.IsZero()
}
