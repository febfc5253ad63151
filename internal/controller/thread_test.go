package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/procctl/internal/comms"
	"github.com/zjrosen/procctl/internal/future"
	"github.com/zjrosen/procctl/internal/loop"
	"github.com/zjrosen/procctl/internal/process"
)

func TestThread_MatchesRemote(t *testing.T) {
	e := newEnv(t)
	m := e.start(t, process.WaitForSignal(), process.Waiting)

	ok, err := e.thread.PauseProcess(m.Pid()).Result(generous)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, process.Paused, m.State())

	status, err := e.thread.GetStatus(m.Pid()).Result(generous)
	require.NoError(t, err)
	require.Equal(t, process.Paused, status.State)
	require.True(t, status.Paused)

	ok, err = e.thread.PlayProcess(m.Pid()).Result(generous)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, process.Waiting, m.State())

	ok, err = e.thread.KillProcess(m.Pid(), "").Result(generous)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, process.Killed, m.State())
}

func TestThread_ZeroTimeoutThenLateResult(t *testing.T) {
	e := newEnv(t)
	m := e.start(t, process.WaitForSignal(), process.Waiting)

	// Hold the loop so the request cannot complete yet.
	release := make(chan struct{})
	require.NoError(t, e.lp.Submit("test.block", func(context.Context) { <-release }))

	h := e.thread.PauseProcess(m.Pid())
	_, err := h.Result(0)
	require.ErrorIs(t, err, future.ErrLocalTimeout)
	require.InDelta(t, 1, testutil.ToFloat64(e.m.LocalTimeouts), 0)

	close(release)

	ok, err := h.Result(generous)
	require.NoError(t, err, "the timeout must not corrupt the later resolution")
	require.True(t, ok)
	require.Equal(t, process.Paused, m.State())

	_, err = h.Result(generous)
	require.ErrorIs(t, err, future.ErrHandleConsumed)
}

func TestThread_AbandonedHandleDoesNotBlockLoop(t *testing.T) {
	e := newEnv(t)
	m := e.start(t, process.WaitForSignal(), process.Waiting)

	release := make(chan struct{})
	require.NoError(t, e.lp.Submit("test.block", func(context.Context) { <-release }))
	_, err := e.thread.PauseProcess(m.Pid()).Result(0)
	require.ErrorIs(t, err, future.ErrLocalTimeout)
	close(release)

	// Later calls are served even though nobody read the first handle.
	status, err := e.thread.GetStatus(m.Pid()).Result(generous)
	require.NoError(t, err)
	require.Equal(t, process.Paused, status.State)
}

func TestThread_ConcurrentCallers(t *testing.T) {
	e := newEnv(t)
	const n = 8
	machines := make([]*process.Machine, n)
	for i := range machines {
		machines[i] = e.start(t, process.WaitForSignal(), process.Waiting)
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, m := range machines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.thread.PauseProcess(m.Pid()).Result(generous)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	for _, m := range machines {
		require.Equal(t, process.Paused, m.State())
	}
}

func TestThread_StopResolvesQueuedCalls(t *testing.T) {
	e := newEnv(t)
	m := e.start(t, process.WaitForSignal(), process.Waiting)

	release := make(chan struct{})
	require.NoError(t, e.lp.Submit("test.block", func(context.Context) { <-release }))

	const n = 4
	handles := make([]*future.Handle[bool], 0, n)
	for range n {
		handles = append(handles, e.thread.PauseProcess(m.Pid()))
	}

	stopped := make(chan struct{})
	go func() {
		e.lp.Stop()
		close(stopped)
	}()
	<-e.lp.Done()
	close(release)
	<-stopped

	for _, h := range handles {
		_, err := h.Result(generous)
		require.ErrorIs(t, err, comms.ErrShutdown)
		require.ErrorIs(t, err, loop.ErrLoopStopped)
	}
}

func TestThread_RefusedSubmissionResolvesImmediately(t *testing.T) {
	e := newEnv(t)
	e.lp.Stop()

	h := e.thread.KillProcess("p", "")
	select {
	case <-h.Done():
	case <-time.After(generous):
		t.Fatal("handle left unresolved")
	}
	_, err := h.Result(0)
	require.ErrorIs(t, err, loop.ErrLoopStopped)
}
