package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedEnvelope is returned when decoded bytes lack required fields.
var ErrMalformedEnvelope = errors.New("malformed message")

// EncodeTask serializes an envelope. The bytes are the immutable copy that
// travels through the broker.
func EncodeTask(e TaskEnvelope) ([]byte, error) {
	if err := validateTask(e); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// DecodeTask parses and validates an envelope.
func DecodeTask(data []byte) (TaskEnvelope, error) {
	var e TaskEnvelope
	if err := json.Unmarshal(data, &e); err != nil {
		return TaskEnvelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := validateTask(e); err != nil {
		return TaskEnvelope{}, err
	}
	return e, nil
}

func validateTask(e TaskEnvelope) error {
	switch {
	case e.CorrelationID == "":
		return fmt.Errorf("%w: missing correlation_id", ErrMalformedEnvelope)
	case e.Pid == "":
		return fmt.Errorf("%w: missing pid", ErrMalformedEnvelope)
	case !e.Intent.Valid():
		return fmt.Errorf("%w: unknown intent %q", ErrMalformedEnvelope, e.Intent)
	}
	return nil
}

// EncodeResponse serializes a task response.
func EncodeResponse(r TaskResponse) ([]byte, error) {
	if err := validateResponse(r); err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

// DecodeResponse parses and validates a task response.
func DecodeResponse(data []byte) (TaskResponse, error) {
	var r TaskResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return TaskResponse{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := validateResponse(r); err != nil {
		return TaskResponse{}, err
	}
	return r, nil
}

func validateResponse(r TaskResponse) error {
	switch {
	case r.CorrelationID == "":
		return fmt.Errorf("%w: missing correlation_id", ErrMalformedEnvelope)
	case !r.Outcome.Valid():
		return fmt.Errorf("%w: unknown outcome %q", ErrMalformedEnvelope, r.Outcome)
	}
	return nil
}

// EncodeBroadcast serializes a broadcast. Lifecycle subjects are checked
// for well-formedness.
func EncodeBroadcast(b Broadcast) ([]byte, error) {
	if err := validateBroadcast(b); err != nil {
		return nil, err
	}
	return json.Marshal(b)
}

// DecodeBroadcast parses and validates a broadcast.
func DecodeBroadcast(data []byte) (Broadcast, error) {
	var b Broadcast
	if err := json.Unmarshal(data, &b); err != nil {
		return Broadcast{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := validateBroadcast(b); err != nil {
		return Broadcast{}, err
	}
	return b, nil
}

func validateBroadcast(b Broadcast) error {
	if b.Subject == "" {
		return fmt.Errorf("%w: missing subject", ErrMalformedEnvelope)
	}
	if IsStateChanged(b.Subject) {
		if _, err := ParseSubject(b.Subject); err != nil {
			return err
		}
	}
	return nil
}
