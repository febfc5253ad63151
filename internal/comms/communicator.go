// Package comms provides the Communicator capability that controllers and
// processes exchange tasks and broadcasts through, plus Local, an in-memory
// broker implementation driven by a loop.
package comms

import (
	"context"

	"github.com/zjrosen/procctl/internal/future"
	"github.com/zjrosen/procctl/internal/message"
)

// TaskHandler answers a task addressed to a bound pid. It runs on the loop.
// A returned error becomes a failure response.
type TaskHandler func(ctx context.Context, env message.TaskEnvelope) (any, error)

// BroadcastCallback receives one broadcast. It runs on the subscriber's own
// goroutine, never on the loop.
type BroadcastCallback func(b message.Broadcast)

// BroadcastFilter selects the broadcasts a subscriber receives.
type BroadcastFilter func(b message.Broadcast) bool

// Communicator is the broker-facing capability.
type Communicator interface {
	// SendTask transmits env at most once. The future resolves with the
	// receiver's response, a *DeliveryError, or ErrShutdown. ctx must
	// belong to the communicator's loop.
	SendTask(ctx context.Context, env message.TaskEnvelope) *future.Future[message.TaskResponse]

	// AddTaskSubscriber binds the task queue for pid.
	AddTaskSubscriber(pid message.Pid, handler TaskHandler) (unsubscribe func(), err error)

	// AddBroadcastSubscriber registers cb for every later broadcast that
	// passes all filters.
	AddBroadcastSubscriber(cb BroadcastCallback, filters ...BroadcastFilter) (unsubscribe func())

	// BroadcastSend publishes b to every subscriber.
	BroadcastSend(b message.Broadcast) error

	// Stop resolves every pending call with ErrShutdown, unbinds task
	// queues and closes broadcast fan-out. Repeated calls are no-ops.
	Stop()
}
