// Package broadcast subscribes to process lifecycle broadcasts and turns
// them into transitions, recorded sequences and last-known states.
package broadcast

import (
	"strings"

	"github.com/zjrosen/procctl/internal/comms"
	"github.com/zjrosen/procctl/internal/message"
)

// Option narrows a subscription.
type Option func(*options)

type options struct {
	filters []comms.BroadcastFilter
}

// WithSender keeps only broadcasts sent by pid.
func WithSender(pid message.Pid) Option {
	return func(o *options) {
		o.filters = append(o.filters, func(b message.Broadcast) bool {
			return b.Sender == pid
		})
	}
}

// WithSubjectPrefix keeps only broadcasts whose subject starts with prefix.
func WithSubjectPrefix(prefix string) Option {
	return func(o *options) {
		o.filters = append(o.filters, func(b message.Broadcast) bool {
			return strings.HasPrefix(b.Subject, prefix)
		})
	}
}

// WithFilter adds an arbitrary predicate.
func WithFilter(fn func(message.Broadcast) bool) Option {
	return func(o *options) {
		if fn != nil {
			o.filters = append(o.filters, fn)
		}
	}
}

// Subscribe registers cb for every broadcast published after the call that
// passes all options. Earlier broadcasts are never replayed.
func Subscribe(c comms.Communicator, cb comms.BroadcastCallback, opts ...Option) (unsubscribe func()) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return c.AddBroadcastSubscriber(cb, o.filters...)
}
