package controller

import (
	"context"
	"fmt"

	"github.com/zjrosen/procctl/internal/comms"
	"github.com/zjrosen/procctl/internal/future"
	"github.com/zjrosen/procctl/internal/log"
	"github.com/zjrosen/procctl/internal/loop"
	"github.com/zjrosen/procctl/internal/message"
	"github.com/zjrosen/procctl/internal/metrics"
	"github.com/zjrosen/procctl/internal/process"
)

// ThreadOption configures a Thread.
type ThreadOption func(*Thread)

// WithMetrics counts local timeouts on the returned handles.
func WithMetrics(m *metrics.Metrics) ThreadOption {
	return func(t *Thread) {
		t.metrics = m
	}
}

// Thread is the goroutine-safe face of a Remote. Each call submits its
// request onto the loop and returns at once with a handle.
type Thread struct {
	lp      *loop.Loop
	remote  *Remote
	metrics *metrics.Metrics
}

// NewThread creates a thread controller that drives remote on lp.
func NewThread(lp *loop.Loop, remote *Remote, opts ...ThreadOption) *Thread {
	t := &Thread{lp: lp, remote: remote}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// PauseProcess asks pid to pause.
func (t *Thread) PauseProcess(pid message.Pid) *future.Handle[bool] {
	return relay(t, "controller.pause", func(ctx context.Context) *future.Future[bool] {
		return t.remote.PauseProcess(ctx, pid)
	})
}

// PlayProcess asks pid to resume from a pause.
func (t *Thread) PlayProcess(pid message.Pid) *future.Handle[bool] {
	return relay(t, "controller.play", func(ctx context.Context) *future.Future[bool] {
		return t.remote.PlayProcess(ctx, pid)
	})
}

// KillProcess asks pid to terminate with an optional message.
func (t *Thread) KillProcess(pid message.Pid, msg string) *future.Handle[bool] {
	return relay(t, "controller.kill", func(ctx context.Context) *future.Future[bool] {
		return t.remote.KillProcess(ctx, pid, msg)
	})
}

// GetStatus fetches the status of pid.
func (t *Thread) GetStatus(pid message.Pid) *future.Handle[process.StatusInfo] {
	return relay(t, "controller.status", func(ctx context.Context) *future.Future[process.StatusInfo] {
		return t.remote.GetStatus(ctx, pid)
	})
}

// relay runs call on the loop and hands its outcome to the returned handle.
// The handle is resolved exactly once even when the loop refuses or drops
// the submission.
func relay[T any](t *Thread, name string, call func(ctx context.Context) *future.Future[T]) *future.Handle[T] {
	h := future.NewHandle[T]().OnTimeout(t.metrics.LocalTimeout)

	var zero T
	err := t.lp.SubmitOrDiscard(name, func(ctx context.Context) {
		call(ctx).Then(func(v T, err error) { h.Set(v, err) })
	}, func(err error) {
		h.Set(zero, fmt.Errorf("%w: %w", comms.ErrShutdown, err))
	})
	if err != nil {
		log.Warn(log.CatController, "control call not submitted", "task", name, "error", err)
		h.Set(zero, err)
	}
	return h
}
