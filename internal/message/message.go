// Package message defines the wire model exchanged between controllers and
// processes: task envelopes, their responses, and lifecycle broadcasts.
package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Pid identifies a process. It doubles as the task routing key.
type Pid string

// NewPid returns a fresh Pid. Pids are ULIDs, so they sort by creation time.
func NewPid() Pid {
	return Pid(ulid.Make().String())
}

func (p Pid) String() string { return string(p) }

// Intent is the control action carried by a task envelope.
type Intent string

const (
	IntentPause  Intent = "pause"
	IntentPlay   Intent = "play"
	IntentKill   Intent = "kill"
	IntentStatus Intent = "status"
)

// Valid reports whether i is one of the four known intents.
func (i Intent) Valid() bool {
	switch i {
	case IntentPause, IntentPlay, IntentKill, IntentStatus:
		return true
	default:
		return false
	}
}

func (i Intent) String() string { return string(i) }

// Outcome is the terminal status of a task.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeCancelled Outcome = "cancelled"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeCancelled:
		return true
	default:
		return false
	}
}

// ArgMsg is the args key carrying the optional kill message.
const ArgMsg = "msg"

// TaskEnvelope is a control request addressed to one process.
type TaskEnvelope struct {
	CorrelationID string         `json:"correlation_id"`
	Intent        Intent         `json:"intent"`
	Pid           Pid            `json:"pid"`
	Args          map[string]any `json:"args,omitempty"`
	SentAt        time.Time      `json:"sent_at"`
}

// NewTask builds an envelope with a fresh correlation id.
func NewTask(pid Pid, intent Intent, args map[string]any) TaskEnvelope {
	return TaskEnvelope{
		CorrelationID: uuid.NewString(),
		Intent:        intent,
		Pid:           pid,
		Args:          args,
		SentAt:        time.Now().UTC(),
	}
}

// Arg returns the string argument stored under key, or "".
func (e TaskEnvelope) Arg(key string) string {
	if e.Args == nil {
		return ""
	}
	s, _ := e.Args[key].(string)
	return s
}

// TaskResponse is the reply to exactly one TaskEnvelope.
type TaskResponse struct {
	CorrelationID string          `json:"correlation_id"`
	Outcome       Outcome         `json:"outcome"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// SuccessResponse encodes payload as the result of the task.
func SuccessResponse(correlationID string, payload any) (TaskResponse, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return TaskResponse{}, fmt.Errorf("encoding payload: %w", err)
	}
	return TaskResponse{
		CorrelationID: correlationID,
		Outcome:       OutcomeSuccess,
		Payload:       raw,
	}, nil
}

// FailureResponse reports that the receiver rejected or failed the task.
func FailureResponse(correlationID, errMsg string) TaskResponse {
	return TaskResponse{
		CorrelationID: correlationID,
		Outcome:       OutcomeFailure,
		Error:         errMsg,
	}
}

// CancelledResponse reports that the task was cancelled before completing.
func CancelledResponse(correlationID, reason string) TaskResponse {
	return TaskResponse{
		CorrelationID: correlationID,
		Outcome:       OutcomeCancelled,
		Error:         reason,
	}
}

// DecodePayload unmarshals the response payload into out.
func (r TaskResponse) DecodePayload(out any) error {
	if len(r.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformedEnvelope)
	}
	if err := json.Unmarshal(r.Payload, out); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	return nil
}

// Broadcast is a one-to-many notification. Lifecycle broadcasts carry a
// state_changed subject and a body with from, to and msg keys.
type Broadcast struct {
	Subject string         `json:"subject"`
	Sender  Pid            `json:"sender"`
	Body    map[string]any `json:"body,omitempty"`
}

// Broadcast body keys.
const (
	BodyFrom = "from"
	BodyTo   = "to"
	BodyMsg  = "msg"
)
