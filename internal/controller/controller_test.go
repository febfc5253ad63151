package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/zjrosen/procctl/internal/comms"
	"github.com/zjrosen/procctl/internal/future"
	"github.com/zjrosen/procctl/internal/loop"
	"github.com/zjrosen/procctl/internal/message"
	"github.com/zjrosen/procctl/internal/metrics"
	"github.com/zjrosen/procctl/internal/process"
	"github.com/zjrosen/procctl/internal/tracing"
)

const generous = 2 * time.Second

type env struct {
	lp     *loop.Loop
	comm   *comms.Local
	remote *Remote
	thread *Thread
	m      *metrics.Metrics
}

func newEnv(t *testing.T, opts ...RemoteOption) *env {
	t.Helper()
	lp := loop.New()
	ctx, cancel := context.WithCancel(context.Background())
	go lp.Run(ctx)
	require.NoError(t, lp.WaitForReady(ctx))

	cfg := comms.DefaultConfig()
	cfg.TestingMode = true
	c, err := comms.NewLocal(lp, cfg)
	require.NoError(t, err)

	m := metrics.New(nil)
	remote := NewRemote(c, opts...)
	e := &env{
		lp:     lp,
		comm:   c,
		remote: remote,
		thread: NewThread(lp, remote, WithMetrics(m)),
		m:      m,
	}
	t.Cleanup(func() {
		c.Stop()
		cancel()
		lp.Stop()
	})
	return e
}

// start launches a process and waits for it to reach want.
func (e *env) start(t *testing.T, program process.Program, want process.State) *process.Machine {
	t.Helper()
	m := process.New(e.lp, e.comm, program)
	require.NoError(t, m.Start())
	require.Eventually(t, func() bool { return m.State() == want },
		generous, 5*time.Millisecond, "want %s, have %s", want, m.State())
	return m
}

// onLoop calls fn on the loop and returns the future it produced.
func onLoop[T any](t *testing.T, e *env, fn func(ctx context.Context) *future.Future[T]) *future.Future[T] {
	t.Helper()
	var f *future.Future[T]
	require.NoError(t, e.lp.SubmitAndWait(context.Background(), "test", func(ctx context.Context) {
		f = fn(ctx)
	}))
	return f
}

func await[T any](t *testing.T, f *future.Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), generous)
	defer cancel()
	v, err := f.Await(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "future never resolved")
	return v, err
}

func TestRemote_PausePlay(t *testing.T) {
	e := newEnv(t)
	m := e.start(t, process.WaitForSignal(), process.Waiting)

	ok, err := await(t, onLoop(t, e, func(ctx context.Context) *future.Future[bool] {
		return e.remote.PauseProcess(ctx, m.Pid())
	}))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, process.Paused, m.State())

	ok, err = await(t, onLoop(t, e, func(ctx context.Context) *future.Future[bool] {
		return e.remote.PlayProcess(ctx, m.Pid())
	}))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, process.Waiting, m.State())
}

func TestRemote_PauseTwiceIsNoOpSuccess(t *testing.T) {
	e := newEnv(t)
	m := e.start(t, process.WaitForSignal(), process.Waiting)

	for range 2 {
		ok, err := await(t, onLoop(t, e, func(ctx context.Context) *future.Future[bool] {
			return e.remote.PauseProcess(ctx, m.Pid())
		}))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, process.Paused, m.State())
	}
}

func TestRemote_KillFromLiveStates(t *testing.T) {
	for _, pauseFirst := range []bool{false, true} {
		e := newEnv(t)
		m := e.start(t, process.WaitForSignal(), process.Waiting)

		if pauseFirst {
			_, err := await(t, onLoop(t, e, func(ctx context.Context) *future.Future[bool] {
				return e.remote.PauseProcess(ctx, m.Pid())
			}))
			require.NoError(t, err)
		}

		ok, err := await(t, onLoop(t, e, func(ctx context.Context) *future.Future[bool] {
			return e.remote.KillProcess(ctx, m.Pid(), "operator request")
		}))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, process.Killed, m.State())
	}
}

func TestRemote_GetStatus(t *testing.T) {
	e := newEnv(t)
	m := e.start(t, process.WaitForSignal(), process.Waiting)

	status, err := await(t, onLoop(t, e, func(ctx context.Context) *future.Future[process.StatusInfo] {
		return e.remote.GetStatus(ctx, m.Pid())
	}))
	require.NoError(t, err)
	require.False(t, status.IsZero())
	require.Equal(t, m.Pid(), status.Pid)
	require.Equal(t, process.Waiting, status.State)
}

func TestRemote_TerminalProcessFailsRemotely(t *testing.T) {
	e := newEnv(t)
	m := e.start(t, process.Dummy(), process.Finished)

	_, err := await(t, onLoop(t, e, func(ctx context.Context) *future.Future[bool] {
		return e.remote.PauseProcess(ctx, m.Pid())
	}))
	require.ErrorIs(t, err, ErrRemote)
	require.NotErrorIs(t, err, comms.ErrDelivery)

	var remoteErr *RemoteError
	require.True(t, errors.As(err, &remoteErr))
	require.Equal(t, m.Pid(), remoteErr.Pid)
	require.Equal(t, message.IntentPause, remoteErr.Intent)
	require.Contains(t, remoteErr.Message, process.ErrProcessTerminated.Error())
}

func TestRemote_UnknownPidIsDeliveryFailure(t *testing.T) {
	e := newEnv(t)

	_, err := await(t, onLoop(t, e, func(ctx context.Context) *future.Future[bool] {
		return e.remote.PlayProcess(ctx, "nobody")
	}))
	require.ErrorIs(t, err, comms.ErrDelivery)
	require.ErrorIs(t, err, comms.ErrNoRoute)
	require.NotErrorIs(t, err, ErrRemote)
}

func TestRemote_OffLoopCallFails(t *testing.T) {
	e := newEnv(t)
	_, err := await(t, e.remote.PauseProcess(context.Background(), "p"))
	require.ErrorIs(t, err, comms.ErrNotOnLoop)
}

func TestRemote_ShutdownResolvesAllOutstanding(t *testing.T) {
	e := newEnv(t)
	m := e.start(t, process.WaitForSignal(), process.Waiting)

	const n = 5
	futures := make([]*future.Future[bool], 0, n)
	require.NoError(t, e.lp.SubmitAndWait(context.Background(), "test", func(ctx context.Context) {
		for range n {
			futures = append(futures, e.remote.PauseProcess(ctx, m.Pid()))
		}
		// Still on the same turn, so no delivery has happened yet.
		e.comm.Stop()
	}))

	for _, f := range futures {
		_, err := await(t, f)
		require.ErrorIs(t, err, comms.ErrShutdown)
		require.ErrorIs(t, err, future.ErrCancelled)
	}
	require.Equal(t, 0, e.comm.PendingCount())
}

func TestRemote_SpanPerCall(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	e := newEnv(t, WithTracer(tp.Tracer("test")))
	m := e.start(t, process.WaitForSignal(), process.Waiting)

	_, err := await(t, onLoop(t, e, func(ctx context.Context) *future.Future[bool] {
		return e.remote.PauseProcess(ctx, m.Pid())
	}))
	require.NoError(t, err)

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	span := ended[0]
	require.Equal(t, "controller.pause", span.Name())
	require.Contains(t, span.Attributes(), attribute.String(tracing.AttrPid, m.Pid().String()))
	require.Contains(t, span.Attributes(), attribute.String(tracing.AttrOutcome, "success"))
}

func TestResponseError_Cancelled(t *testing.T) {
	task := message.NewTask("p", message.IntentKill, nil)
	err := responseError(task, message.CancelledResponse(task.CorrelationID, "shutting down"))
	require.ErrorIs(t, err, future.ErrCancelled)
	require.NotErrorIs(t, err, ErrRemote)
}
