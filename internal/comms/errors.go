package comms

import (
	"errors"
	"fmt"

	"github.com/zjrosen/procctl/internal/future"
	"github.com/zjrosen/procctl/internal/message"
)

// ErrDelivery matches every *DeliveryError via errors.Is.
var ErrDelivery = errors.New("task delivery failed")

// Delivery failure causes.
var (
	ErrNoRoute     = errors.New("no receiver bound for pid")
	ErrRateLimited = errors.New("task rate limit exceeded")
	ErrStopped     = errors.New("communicator is stopped")
)

// ErrShutdown resolves calls still pending when the communicator stops.
// It also matches future.ErrCancelled.
var ErrShutdown = fmt.Errorf("communicator shut down: %w", future.ErrCancelled)

var (
	// ErrNotOnLoop is returned when a loop-confined method is called with a
	// context that does not belong to the communicator's loop.
	ErrNotOnLoop = errors.New("called off the communicator loop")

	// ErrAlreadyBound is returned when a second task handler is bound to a pid.
	ErrAlreadyBound = errors.New("task queue already bound for pid")
)

// DeliveryError reports that a task could not be handed to its receiver.
type DeliveryError struct {
	Pid    message.Pid
	Intent message.Intent
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s to %s: %v", e.Intent, e.Pid, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrDelivery) true for any DeliveryError.
func (e *DeliveryError) Is(target error) bool {
	return target == ErrDelivery
}

func deliveryError(env message.TaskEnvelope, cause error) *DeliveryError {
	return &DeliveryError{Pid: env.Pid, Intent: env.Intent, Err: cause}
}
