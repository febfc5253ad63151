package process

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zjrosen/procctl/internal/comms"
	"github.com/zjrosen/procctl/internal/future"
	"github.com/zjrosen/procctl/internal/log"
	"github.com/zjrosen/procctl/internal/loop"
	"github.com/zjrosen/procctl/internal/message"
)

// Option configures a Machine.
type Option func(*Machine)

// WithPid sets the pid instead of generating one.
func WithPid(pid message.Pid) Option {
	return func(m *Machine) {
		m.pid = pid
	}
}

// WithDescription sets the free-form description reported by status.
func WithDescription(desc string) Option {
	return func(m *Machine) {
		m.description = desc
	}
}

// Machine is the reference process. It steps through a Program on the
// loop, answers control intents from its task queue and broadcasts every
// transition. Pause, Play, Kill and Resume are loop-confined; State and
// Status may be called from any goroutine.
type Machine struct {
	pid         message.Pid
	description string
	lp          *loop.Loop
	comm        comms.Communicator
	program     Program
	done        *future.Future[State]

	mu          sync.RWMutex
	state       State
	pausedFrom  State
	leftCreated bool
	stepIdx     int
	signalled   bool
	scheduled   bool
	started     bool
	exception   string
	createdAt   time.Time
	updatedAt   time.Time
	unbind      func()
}

var _ Process = (*Machine)(nil)

// New creates a process in CREATED. It does nothing until Start.
func New(lp *loop.Loop, comm comms.Communicator, program Program, opts ...Option) *Machine {
	now := time.Now().UTC()
	m := &Machine{
		lp:        lp,
		comm:      comm,
		program:   program,
		done:      future.New[State](),
		state:     Created,
		createdAt: now,
		updatedAt: now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.pid == "" {
		m.pid = message.NewPid()
	}
	return m
}

// Start binds the task queue and schedules the first step. Goroutine-safe.
func (m *Machine) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	unbind, err := m.comm.AddTaskSubscriber(m.pid, m.handleTask)
	if err != nil {
		return fmt.Errorf("binding task queue for %s: %w", m.pid, err)
	}

	m.mu.Lock()
	m.unbind = unbind
	m.mu.Unlock()

	log.Debug(log.CatProcess, "process started", "pid", m.pid, "steps", len(m.program))
	return m.lp.Submit("process.start", func(context.Context) {
		m.schedule()
	})
}

// Close unbinds the task queue. Later tasks fail with a delivery error.
func (m *Machine) Close() {
	m.mu.Lock()
	unbind := m.unbind
	m.unbind = nil
	m.mu.Unlock()
	if unbind != nil {
		unbind()
	}
}

// Pid implements Process.
func (m *Machine) Pid() message.Pid { return m.pid }

// State implements Process.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Status implements Process.
func (m *Machine) Status() StatusInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info := StatusInfo{
		Pid:         m.pid,
		State:       m.state,
		Paused:      m.state == Paused,
		Step:        m.stepIdx,
		Steps:       len(m.program),
		Description: m.description,
		Exception:   m.exception,
		CreatedAt:   m.createdAt,
		UpdatedAt:   m.updatedAt,
	}
	if m.state == Paused {
		from := m.pausedFrom
		info.PausedFrom = &from
	}
	return info
}

// Done resolves with the terminal state once the process reaches one.
func (m *Machine) Done() *future.Future[State] {
	return m.done
}

// Pause moves a live process to PAUSED. Pausing a paused process is a
// successful no-op; the returned bool reports whether anything changed.
func (m *Machine) Pause() (changed bool, err error) {
	cur := m.State()
	switch {
	case cur == Paused:
		return false, nil
	case cur.IsTerminal():
		return false, fmt.Errorf("pause %s: %w (state %s)", m.pid, ErrProcessTerminated, cur)
	}

	m.mu.Lock()
	m.pausedFrom = cur
	m.mu.Unlock()
	m.transition(Paused, "")
	return true, nil
}

// Play restores a paused process to the state it was paused from. Playing
// a live process that is not paused is a successful no-op.
func (m *Machine) Play() (changed bool, err error) {
	cur := m.State()
	switch {
	case cur.IsTerminal():
		return false, fmt.Errorf("play %s: %w (state %s)", m.pid, ErrProcessTerminated, cur)
	case cur != Paused:
		return false, nil
	}

	m.mu.RLock()
	restore := m.pausedFrom
	m.mu.RUnlock()
	m.transition(restore, "")
	m.schedule()
	return true, nil
}

// Kill moves any non-terminal process, paused or not, to KILLED. Killing
// a killed process is a successful no-op.
func (m *Machine) Kill(msg string) (changed bool, err error) {
	cur := m.State()
	switch cur {
	case Killed:
		return false, nil
	case Finished, Excepted:
		return false, fmt.Errorf("kill %s: %w (state %s)", m.pid, ErrProcessTerminated, cur)
	case Created, Running, Waiting, Paused:
	default:
		panic(fmt.Sprintf("unknown state %d", int(cur)))
	}

	m.transition(Killed, msg)
	return true, nil
}

// Resume resolves the signal a WaitSignal step is waiting for. It may be
// called before the step is reached or while paused.
func (m *Machine) Resume() {
	m.mu.Lock()
	m.signalled = true
	m.mu.Unlock()
	m.schedule()
}

func (m *Machine) handleTask(_ context.Context, env message.TaskEnvelope) (any, error) {
	log.Debug(log.CatProcess, "task received", "pid", m.pid, "intent", env.Intent)

	switch env.Intent {
	case message.IntentPause:
		if _, err := m.Pause(); err != nil {
			return nil, err
		}
		return true, nil
	case message.IntentPlay:
		if _, err := m.Play(); err != nil {
			return nil, err
		}
		return true, nil
	case message.IntentKill:
		if _, err := m.Kill(env.Arg(message.ArgMsg)); err != nil {
			return nil, err
		}
		return true, nil
	case message.IntentStatus:
		return m.Status(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownIntent, env.Intent)
	}
}

// schedule queues one step turn unless one is already queued.
func (m *Machine) schedule() {
	m.mu.Lock()
	if m.scheduled || !m.started {
		m.mu.Unlock()
		return
	}
	m.scheduled = true
	m.mu.Unlock()

	if err := m.lp.Submit("process.step", m.step); err != nil {
		m.mu.Lock()
		m.scheduled = false
		m.mu.Unlock()
		log.Warn(log.CatProcess, "could not schedule step", "pid", m.pid, "error", err)
	}
}

func (m *Machine) step(ctx context.Context) {
	m.mu.Lock()
	m.scheduled = false
	state := m.state
	m.mu.Unlock()

	switch state {
	case Created:
		m.transition(Running, "")
		m.schedule()
	case Running:
		m.runStep(ctx)
	case Waiting:
		m.mu.Lock()
		signalled := m.signalled
		if signalled {
			m.signalled = false
			m.stepIdx++
		}
		last := m.stepIdx >= len(m.program)
		m.mu.Unlock()
		if !signalled {
			return
		}
		if last {
			m.transition(Finished, "")
			return
		}
		m.transition(Running, "")
		m.schedule()
	case Paused, Finished, Excepted, Killed:
	default:
		panic(fmt.Sprintf("unknown state %d", int(state)))
	}
}

func (m *Machine) runStep(ctx context.Context) {
	m.mu.RLock()
	idx := m.stepIdx
	m.mu.RUnlock()

	if idx >= len(m.program) {
		m.transition(Finished, "")
		return
	}

	s := m.program[idx]
	if err := m.safeRun(ctx, s); err != nil {
		m.mu.Lock()
		m.exception = err.Error()
		m.mu.Unlock()
		log.Warn(log.CatProcess, "step failed", "pid", m.pid, "step", s.Name, "error", err)
		m.transition(Excepted, "")
		return
	}

	switch s.Wait {
	case WaitNone:
		m.mu.Lock()
		m.stepIdx++
		m.mu.Unlock()
		m.schedule()
	case WaitImmediate:
		m.mu.Lock()
		m.signalled = true
		m.mu.Unlock()
		m.transition(Waiting, "")
		m.schedule()
	case WaitSignal:
		m.transition(Waiting, "")
		// A Resume that arrived early is honored.
		m.schedule()
	default:
		panic(fmt.Sprintf("unknown wait mode %d", int(s.Wait)))
	}
}

func (m *Machine) safeRun(ctx context.Context, s Step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %s panicked: %v", s.Name, r)
		}
	}()
	return s.Run(ctx)
}

// transition moves to 'to' and broadcasts state_changed.<from>.<to>. The
// broadcast is sent while holding the lock so broadcasts leave in
// transition order.
func (m *Machine) transition(to State, msg string) {
	m.mu.Lock()
	from := m.state
	fromName := from.String()
	if from == Created && !m.leftCreated {
		fromName = ""
	}
	m.leftCreated = true
	m.state = to
	m.updatedAt = time.Now().UTC()

	body := map[string]any{
		message.BodyFrom: nil,
		message.BodyTo:   to.String(),
		message.BodyMsg:  nil,
	}
	if fromName != "" {
		body[message.BodyFrom] = fromName
	}
	if msg != "" {
		body[message.BodyMsg] = msg
	}
	b := message.Broadcast{
		Subject: message.StateChangedSubject(fromName, to.String()),
		Sender:  m.pid,
		Body:    body,
	}
	if err := m.comm.BroadcastSend(b); err != nil {
		log.Warn(log.CatProcess, "broadcast failed", "pid", m.pid, "subject", b.Subject, "error", err)
	}
	m.mu.Unlock()

	log.Debug(log.CatProcess, "state changed", "pid", m.pid, "from", from, "to", to)
	if to.IsTerminal() {
		m.done.Resolve(to)
	}
}
