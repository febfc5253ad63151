// Package controller sends control intents to remote processes.
//
// Remote is the loop-confined asynchronous controller: every call returns a
// future resolved on the loop. Thread wraps a Remote for callers on other
// goroutines, returning a handle that can be read with a local timeout.
package controller

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/procctl/internal/comms"
	"github.com/zjrosen/procctl/internal/future"
	"github.com/zjrosen/procctl/internal/log"
	"github.com/zjrosen/procctl/internal/message"
	"github.com/zjrosen/procctl/internal/process"
	"github.com/zjrosen/procctl/internal/tracing"
)

// RemoteOption configures a Remote.
type RemoteOption func(*Remote)

// WithTracer sets the tracer used for one span per call.
func WithTracer(tracer trace.Tracer) RemoteOption {
	return func(r *Remote) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// Remote issues control intents through a communicator. It holds no
// process state and never retries.
type Remote struct {
	comm   comms.Communicator
	tracer trace.Tracer
}

// NewRemote creates an asynchronous controller on top of comm.
func NewRemote(comm comms.Communicator, opts ...RemoteOption) *Remote {
	r := &Remote{
		comm:   comm,
		tracer: noop.NewTracerProvider().Tracer("noop"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// PauseProcess asks pid to pause. The future resolves true on success,
// including when the process was already paused.
func (r *Remote) PauseProcess(ctx context.Context, pid message.Pid) *future.Future[bool] {
	return send(ctx, r, message.NewTask(pid, message.IntentPause, nil), decodeBool)
}

// PlayProcess asks pid to resume from a pause.
func (r *Remote) PlayProcess(ctx context.Context, pid message.Pid) *future.Future[bool] {
	return send(ctx, r, message.NewTask(pid, message.IntentPlay, nil), decodeBool)
}

// KillProcess asks pid to terminate. msg is attached to the kill broadcast
// when non-empty.
func (r *Remote) KillProcess(ctx context.Context, pid message.Pid, msg string) *future.Future[bool] {
	var args map[string]any
	if msg != "" {
		args = map[string]any{message.ArgMsg: msg}
	}
	return send(ctx, r, message.NewTask(pid, message.IntentKill, args), decodeBool)
}

// GetStatus fetches the status of pid.
func (r *Remote) GetStatus(ctx context.Context, pid message.Pid) *future.Future[process.StatusInfo] {
	return send(ctx, r, message.NewTask(pid, message.IntentStatus, nil), decodeStatus)
}

func send[T any](
	ctx context.Context,
	r *Remote,
	env message.TaskEnvelope,
	decode func(message.TaskResponse) (T, error),
) *future.Future[T] {
	ctx, span := r.tracer.Start(ctx, tracing.SpanPrefixController+string(env.Intent),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(tracing.AttrPid, env.Pid.String()),
			attribute.String(tracing.AttrIntent, string(env.Intent)),
			attribute.String(tracing.AttrCorrelationID, env.CorrelationID),
		),
	)
	span.AddEvent(tracing.EventTaskSent)

	out := future.New[T]()
	r.comm.SendTask(ctx, env).Then(func(resp message.TaskResponse, err error) {
		if err == nil {
			span.SetAttributes(attribute.String(tracing.AttrOutcome, string(resp.Outcome)))
			err = responseError(env, resp)
		}
		var v T
		if err == nil {
			v, err = decode(resp)
		}
		if err != nil {
			log.Debug(log.CatController, "control call failed",
				"pid", env.Pid, "intent", env.Intent, "error", err)
		}
		span.AddEvent(tracing.EventTaskResolved)
		tracing.EndSpan(span, err)
		out.Complete(v, err)
	})
	return out
}

func responseError(env message.TaskEnvelope, resp message.TaskResponse) error {
	switch resp.Outcome {
	case message.OutcomeSuccess:
		return nil
	case message.OutcomeCancelled:
		return fmt.Errorf("%s on %s: %s: %w", env.Intent, env.Pid, resp.Error, future.ErrCancelled)
	default:
		return &RemoteError{Pid: env.Pid, Intent: env.Intent, Message: resp.Error}
	}
}

func decodeBool(resp message.TaskResponse) (bool, error) {
	var ok bool
	if err := resp.DecodePayload(&ok); err != nil {
		return false, fmt.Errorf("decoding %s result: %w", resp.CorrelationID, err)
	}
	return ok, nil
}

func decodeStatus(resp message.TaskResponse) (process.StatusInfo, error) {
	var status process.StatusInfo
	if err := resp.DecodePayload(&status); err != nil {
		return process.StatusInfo{}, fmt.Errorf("decoding %s status: %w", resp.CorrelationID, err)
	}
	return status, nil
}
