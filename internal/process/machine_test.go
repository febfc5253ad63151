package process

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/procctl/internal/comms"
	"github.com/zjrosen/procctl/internal/loop"
	"github.com/zjrosen/procctl/internal/message"
)

type harness struct {
	lp   *loop.Loop
	comm *comms.Local

	mu       sync.Mutex
	subjects []string
	bodies   []map[string]any
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	lp := loop.New()
	ctx, cancel := context.WithCancel(context.Background())
	go lp.Run(ctx)
	require.NoError(t, lp.WaitForReady(ctx))

	cfg := comms.DefaultConfig()
	cfg.TestingMode = true
	c, err := comms.NewLocal(lp, cfg)
	require.NoError(t, err)

	h := &harness{lp: lp, comm: c}
	c.AddBroadcastSubscriber(func(b message.Broadcast) {
		h.mu.Lock()
		h.subjects = append(h.subjects, b.Subject)
		h.bodies = append(h.bodies, b.Body)
		h.mu.Unlock()
	})

	t.Cleanup(func() {
		c.Stop()
		cancel()
		lp.Stop()
	})
	return h
}

func (h *harness) waitSubjects(t *testing.T, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.subjects) >= n
	}, 2*time.Second, 5*time.Millisecond)
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.subjects...)
}

// onLoop runs fn on the loop and waits for it.
func (h *harness) onLoop(t *testing.T, fn func()) {
	t.Helper()
	require.NoError(t, h.lp.SubmitAndWait(context.Background(), "test", func(context.Context) { fn() }))
}

// control runs a loop-confined control method on the loop.
func (h *harness) control(t *testing.T, fn func() (bool, error)) (bool, error) {
	t.Helper()
	var (
		changed bool
		err     error
	)
	h.onLoop(t, func() { changed, err = fn() })
	return changed, err
}

func waitState(t *testing.T, m *Machine, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want },
		2*time.Second, 5*time.Millisecond, "want %s, have %s", want, m.State())
}

func TestMachine_DummyLifecycle(t *testing.T) {
	h := newHarness(t)
	m := New(h.lp, h.comm, Dummy())
	require.Equal(t, Created, m.State())
	require.NoError(t, m.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	final, err := m.Done().Await(ctx)
	require.NoError(t, err)
	require.Equal(t, Finished, final)

	require.Equal(t, []string{
		"state_changed.None.RUNNING",
		"state_changed.RUNNING.WAITING",
		"state_changed.WAITING.FINISHED",
	}, h.waitSubjects(t, 3))

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Nil(t, h.bodies[0][message.BodyFrom])
	require.Equal(t, "RUNNING", h.bodies[0][message.BodyTo])
	require.Equal(t, "RUNNING", h.bodies[1][message.BodyFrom])
}

func TestMachine_WaitForSignal(t *testing.T) {
	h := newHarness(t)
	m := New(h.lp, h.comm, WaitForSignal())
	require.NoError(t, m.Start())

	waitState(t, m, Waiting)

	h.onLoop(t, m.Resume)
	waitState(t, m, Finished)
}

func TestMachine_Failing(t *testing.T) {
	h := newHarness(t)
	m := New(h.lp, h.comm, Failing(errors.New("step exploded")))
	require.NoError(t, m.Start())

	waitState(t, m, Excepted)
	require.Equal(t, "step exploded", m.Status().Exception)
	require.Equal(t, []string{
		"state_changed.None.RUNNING",
		"state_changed.RUNNING.EXCEPTED",
	}, h.waitSubjects(t, 2))
}

func TestMachine_PanickingStepExcepts(t *testing.T) {
	h := newHarness(t)
	m := New(h.lp, h.comm, Program{{Name: "bad", Run: func(context.Context) error { panic("bug") }}})
	require.NoError(t, m.Start())

	waitState(t, m, Excepted)
	require.Contains(t, m.Status().Exception, "bug")
}

func TestMachine_MultiStepProgram(t *testing.T) {
	h := newHarness(t)
	var ran []string
	step := func(name string, wait WaitMode) Step {
		return Step{Name: name, Wait: wait, Run: func(context.Context) error {
			ran = append(ran, name)
			return nil
		}}
	}
	m := New(h.lp, h.comm, Program{step("a", WaitNone), step("b", WaitImmediate), step("c", WaitNone)})
	require.NoError(t, m.Start())

	waitState(t, m, Finished)
	var got []string
	h.onLoop(t, func() { got = append(got, ran...) })
	require.Equal(t, []string{"a", "b", "c"}, got)
	require.Equal(t, []string{
		"state_changed.None.RUNNING",
		"state_changed.RUNNING.WAITING",
		"state_changed.WAITING.RUNNING",
		"state_changed.RUNNING.FINISHED",
	}, h.waitSubjects(t, 4))
}

func TestMachine_PauseAndPlayRestorePriorState(t *testing.T) {
	h := newHarness(t)
	m := New(h.lp, h.comm, WaitForSignal())
	require.NoError(t, m.Start())
	waitState(t, m, Waiting)

	changed, err := h.control(t, m.Pause)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, Paused, m.State())

	status := m.Status()
	require.True(t, status.Paused)
	require.NotNil(t, status.PausedFrom)
	require.Equal(t, Waiting, *status.PausedFrom)

	changed, err = h.control(t, m.Pause)
	require.NoError(t, err)
	require.False(t, changed, "pause twice is a no-op")

	changed, err = h.control(t, m.Play)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, Waiting, m.State())

	changed, err = h.control(t, m.Play)
	require.NoError(t, err)
	require.False(t, changed, "play on a live process is a no-op")
}

func TestMachine_PauseBeforeFirstStep(t *testing.T) {
	h := newHarness(t)
	m := New(h.lp, h.comm, Dummy())

	// Pause lands before the start turn, so the process never leaves CREATED
	// on its own.
	var startErr, pauseErr error
	h.onLoop(t, func() {
		startErr = m.Start()
		_, pauseErr = m.Pause()
	})
	require.NoError(t, startErr)
	require.NoError(t, pauseErr)
	require.Equal(t, []string{"state_changed.None.PAUSED"}, h.waitSubjects(t, 1))

	_, err := h.control(t, m.Play)
	require.NoError(t, err)
	waitState(t, m, Finished)
	require.Equal(t, []string{
		"state_changed.None.PAUSED",
		"state_changed.PAUSED.CREATED",
		"state_changed.CREATED.RUNNING",
		"state_changed.RUNNING.WAITING",
		"state_changed.WAITING.FINISHED",
	}, h.waitSubjects(t, 5))
}

func TestMachine_ResumeWhilePaused(t *testing.T) {
	h := newHarness(t)
	m := New(h.lp, h.comm, WaitForSignal())
	require.NoError(t, m.Start())
	waitState(t, m, Waiting)

	var pauseErr error
	h.onLoop(t, func() {
		_, pauseErr = m.Pause()
		m.Resume()
	})
	require.NoError(t, pauseErr)
	require.Equal(t, Paused, m.State())

	_, err := h.control(t, m.Play)
	require.NoError(t, err)
	waitState(t, m, Finished)
}

func TestMachine_Kill(t *testing.T) {
	for _, pauseFirst := range []bool{false, true} {
		h := newHarness(t)
		m := New(h.lp, h.comm, WaitForSignal())
		require.NoError(t, m.Start())
		waitState(t, m, Waiting)

		wantSubjects := 3
		if pauseFirst {
			_, err := h.control(t, m.Pause)
			require.NoError(t, err)
			wantSubjects = 4
		}
		changed, err := h.control(t, func() (bool, error) { return m.Kill("stop now") })
		require.NoError(t, err)
		require.True(t, changed)

		changed, err = h.control(t, func() (bool, error) { return m.Kill("") })
		require.NoError(t, err)
		require.False(t, changed, "kill twice is a no-op")
		require.Equal(t, Killed, m.State())

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		final, err := m.Done().Await(ctx)
		cancel()
		require.NoError(t, err)
		require.Equal(t, Killed, final)

		subjects := h.waitSubjects(t, wantSubjects)
		require.Len(t, subjects, wantSubjects)
		last := subjects[len(subjects)-1]
		if pauseFirst {
			require.Equal(t, "state_changed.PAUSED.KILLED", last)
		} else {
			require.Equal(t, "state_changed.WAITING.KILLED", last)
		}
		h.mu.Lock()
		require.Equal(t, "stop now", h.bodies[len(h.bodies)-1][message.BodyMsg])
		h.mu.Unlock()
	}
}

func TestMachine_TerminalRejectsControl(t *testing.T) {
	h := newHarness(t)
	m := New(h.lp, h.comm, Dummy())
	require.NoError(t, m.Start())
	waitState(t, m, Finished)

	_, err := h.control(t, m.Pause)
	require.ErrorIs(t, err, ErrProcessTerminated)
	_, err = h.control(t, m.Play)
	require.ErrorIs(t, err, ErrProcessTerminated)
	_, err = h.control(t, func() (bool, error) { return m.Kill("") })
	require.ErrorIs(t, err, ErrProcessTerminated)
	require.Equal(t, Finished, m.State())
}

func TestMachine_HandleTask(t *testing.T) {
	h := newHarness(t)
	m := New(h.lp, h.comm, WaitForSignal(), WithDescription("demo"))
	require.NoError(t, m.Start())
	waitState(t, m, Waiting)

	var (
		payload any
		err     error
	)
	h.onLoop(t, func() {
		payload, err = m.handleTask(context.Background(), message.NewTask(m.Pid(), message.IntentStatus, nil))
	})
	require.NoError(t, err)
	status, ok := payload.(StatusInfo)
	require.True(t, ok)
	require.Equal(t, m.Pid(), status.Pid)
	require.Equal(t, Waiting, status.State)
	require.Equal(t, "demo", status.Description)
	require.False(t, status.IsZero())

	h.onLoop(t, func() {
		_, err = m.handleTask(context.Background(), message.TaskEnvelope{Pid: m.Pid(), Intent: "resume"})
	})
	require.ErrorIs(t, err, ErrUnknownIntent)
}

func TestMachine_StartTwice(t *testing.T) {
	h := newHarness(t)
	m := New(h.lp, h.comm, Dummy(), WithPid("fixed"))
	require.Equal(t, message.Pid("fixed"), m.Pid())
	require.NoError(t, m.Start())
	require.ErrorIs(t, m.Start(), ErrAlreadyStarted)
}

func TestMachine_CloseUnbinds(t *testing.T) {
	h := newHarness(t)
	m := New(h.lp, h.comm, WaitForSignal())
	require.NoError(t, m.Start())
	m.Close()

	// A second process may now bind the same pid.
	other := New(h.lp, h.comm, Dummy(), WithPid(m.Pid()))
	require.NoError(t, other.Start())
}

func TestStatusInfo_JSON(t *testing.T) {
	from := Running
	in := StatusInfo{Pid: "p", State: Paused, Paused: true, PausedFrom: &from, Steps: 1, CreatedAt: time.Now().UTC()}

	data, err := json.Marshal(in)
	require.NoError(t, err)
	require.Contains(t, string(data), `"state":"PAUSED"`)
	require.Contains(t, string(data), `"paused_from":"RUNNING"`)

	var out StatusInfo
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, Paused, out.State)
	require.Equal(t, Running, *out.PausedFrom)
}
