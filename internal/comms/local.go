package comms

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zjrosen/procctl/internal/cachemanager"
	"github.com/zjrosen/procctl/internal/future"
	"github.com/zjrosen/procctl/internal/log"
	"github.com/zjrosen/procctl/internal/loop"
	"github.com/zjrosen/procctl/internal/message"
	"github.com/zjrosen/procctl/internal/metrics"
	"github.com/zjrosen/procctl/internal/pubsub"
)

// Option configures a Local communicator.
type Option func(*Local)

// WithMetrics sets the collectors updated by the communicator.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Local) {
		c.metrics = m
	}
}

// WithDedupCache replaces the correlation-id cache used to drop duplicate
// deliveries.
func WithDedupCache(cache cachemanager.CacheManager[string, time.Time]) Option {
	return func(c *Local) {
		c.seen = cache
	}
}

// Local is an in-memory broker. Task delivery and replies each take a
// separate loop turn so a sender never observes a response synchronously.
type Local struct {
	lp      *loop.Loop
	cfg     Config
	metrics *metrics.Metrics
	seen    cachemanager.CacheManager[string, time.Time]
	limiter *pidLimiter
	fanout  *pubsub.Broker[[]byte]

	// mu guards the tables below. Loop tasks are the usual writers, but
	// Stop may run on any goroutine.
	mu      sync.Mutex
	stopped bool
	queues  map[message.Pid]*taskQueue
	pending map[string]*pendingCall
	nextReg uint64
}

type taskQueue struct {
	name    string
	reg     uint64
	handler TaskHandler
}

type pendingCall struct {
	envelope message.TaskEnvelope
	future   *future.Future[message.TaskResponse]
	sentAt   time.Time
}

var _ Communicator = (*Local)(nil)

// NewLocal creates a communicator whose tasks run on lp.
func NewLocal(lp *loop.Loop, cfg Config, opts ...Option) (*Local, error) {
	if lp == nil {
		return nil, fmt.Errorf("comms: nil loop")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.Resolved()

	c := &Local{
		lp:      lp,
		cfg:     cfg,
		limiter: newPidLimiter(cfg.TaskRateLimit, cfg.TaskRateBurst),
		queues:  make(map[message.Pid]*taskQueue),
		pending: make(map[string]*pendingCall),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.seen == nil {
		ttl := cfg.DedupTTL
		if ttl == 0 {
			ttl = cachemanager.DefaultExpiration
		}
		c.seen = cachemanager.NewInMemoryCacheManager[string, time.Time](
			cfg.TaskExchange+".seen", ttl, cachemanager.DefaultCleanupInterval)
	}

	c.fanout = pubsub.NewBroker[[]byte](pubsub.WithPanicHandler(func(id uint64, r any) {
		log.Error(log.CatComms, "broadcast subscriber panicked",
			"exchange", cfg.BroadcastExchange,
			"subscriber", id,
			"panic", fmt.Sprint(r))
		c.metrics.SubscriberPanicked()
	}))

	log.Info(log.CatComms, "communicator started",
		"url", cfg.URL,
		"task_exchange", cfg.TaskExchange,
		"broadcast_exchange", cfg.BroadcastExchange)

	return c, nil
}

// Config returns the resolved configuration.
func (c *Local) Config() Config {
	return c.cfg
}

// Loop returns the loop the communicator is confined to.
func (c *Local) Loop() *loop.Loop {
	return c.lp
}

// SendTask implements Communicator.
func (c *Local) SendTask(ctx context.Context, env message.TaskEnvelope) *future.Future[message.TaskResponse] {
	if !c.lp.Owns(ctx) {
		return future.Failed[message.TaskResponse](ErrNotOnLoop)
	}

	data, err := message.EncodeTask(env)
	if err != nil {
		return future.Failed[message.TaskResponse](err)
	}

	if reject := c.admit(env); reject != nil {
		c.metrics.TaskRejected()
		log.Debug(log.CatComms, "task rejected",
			"pid", env.Pid, "intent", env.Intent, "reason", reject.Err)
		return future.Failed[message.TaskResponse](reject)
	}

	f := future.New[message.TaskResponse]()
	c.mu.Lock()
	c.pending[env.CorrelationID] = &pendingCall{envelope: env, future: f, sentAt: time.Now()}
	c.mu.Unlock()
	c.metrics.TaskSent(string(env.Intent))

	err = c.lp.SubmitOrDiscard("comms.deliver", func(ctx context.Context) {
		c.deliver(ctx, data)
	}, func(error) {
		c.resolve(env.CorrelationID, ErrShutdown, metrics.OutcomeShutdown)
	})
	if err != nil {
		c.resolve(env.CorrelationID, deliveryError(env, err), metrics.OutcomeDeliveryFailure)
	}

	log.Debug(log.CatComms, "task sent",
		"pid", env.Pid, "intent", env.Intent, "correlation_id", env.CorrelationID)
	return f
}

func (c *Local) admit(env message.TaskEnvelope) *DeliveryError {
	c.mu.Lock()
	stopped := c.stopped
	_, routed := c.queues[env.Pid]
	c.mu.Unlock()

	switch {
	case stopped:
		return deliveryError(env, ErrStopped)
	case !routed:
		return deliveryError(env, ErrNoRoute)
	case !c.limiter.Allow(env.Pid, time.Now()):
		return deliveryError(env, ErrRateLimited)
	}
	return nil
}

// deliver runs on the loop: decode the receiver's copy, invoke the
// handler, and schedule the reply.
func (c *Local) deliver(ctx context.Context, data []byte) {
	env, err := message.DecodeTask(data)
	if err != nil {
		log.ErrorErr(log.CatComms, "dropping undecodable task", err)
		return
	}

	if err := c.seen.Add(ctx, env.CorrelationID, time.Now(), 0); err != nil {
		log.Warn(log.CatComms, "duplicate task dropped",
			"pid", env.Pid, "correlation_id", env.CorrelationID)
		return
	}

	c.mu.Lock()
	q := c.queues[env.Pid]
	c.mu.Unlock()
	if q == nil {
		c.resolve(env.CorrelationID, deliveryError(env, ErrNoRoute), metrics.OutcomeDeliveryFailure)
		return
	}

	resp := c.invoke(ctx, q, env)
	reply, err := message.EncodeResponse(resp)
	if err != nil {
		c.resolve(env.CorrelationID, fmt.Errorf("encoding response: %w", err), string(message.OutcomeFailure))
		return
	}

	err = c.lp.SubmitOrDiscard("comms.reply", func(context.Context) {
		c.reply(reply)
	}, func(error) {
		c.resolve(env.CorrelationID, ErrShutdown, metrics.OutcomeShutdown)
	})
	if err != nil {
		c.resolve(env.CorrelationID, ErrShutdown, metrics.OutcomeShutdown)
	}
}

func (c *Local) invoke(ctx context.Context, q *taskQueue, env message.TaskEnvelope) (resp message.TaskResponse) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatComms, "task handler panicked",
				"queue", q.name, "intent", env.Intent, "panic", fmt.Sprint(r))
			resp = message.FailureResponse(env.CorrelationID, fmt.Sprintf("task handler panicked: %v", r))
		}
	}()

	payload, err := q.handler(ctx, env)
	if err != nil {
		return message.FailureResponse(env.CorrelationID, err.Error())
	}
	resp, err = message.SuccessResponse(env.CorrelationID, payload)
	if err != nil {
		return message.FailureResponse(env.CorrelationID, err.Error())
	}
	return resp
}

func (c *Local) reply(data []byte) {
	resp, err := message.DecodeResponse(data)
	if err != nil {
		log.ErrorErr(log.CatComms, "dropping undecodable response", err)
		return
	}

	pc := c.take(resp.CorrelationID)
	if pc == nil {
		log.Debug(log.CatComms, "response for unknown call dropped",
			"correlation_id", resp.CorrelationID)
		return
	}

	c.metrics.TaskResolved(string(resp.Outcome))
	log.Debug(log.CatComms, "task resolved",
		"pid", pc.envelope.Pid,
		"intent", pc.envelope.Intent,
		"outcome", resp.Outcome,
		"latency", time.Since(pc.sentAt))
	pc.future.Resolve(resp)
}

func (c *Local) take(correlationID string) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc, ok := c.pending[correlationID]
	if !ok {
		return nil
	}
	delete(c.pending, correlationID)
	return pc
}

// resolve fails a pending call if it is still outstanding.
func (c *Local) resolve(correlationID string, err error, outcome string) {
	pc := c.take(correlationID)
	if pc == nil {
		return
	}
	c.metrics.TaskResolved(outcome)
	pc.future.Fail(err)
}

// PendingCount returns the number of calls awaiting a response.
func (c *Local) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// AddTaskSubscriber implements Communicator.
func (c *Local) AddTaskSubscriber(pid message.Pid, handler TaskHandler) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return nil, ErrStopped
	}
	if _, ok := c.queues[pid]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyBound, pid)
	}

	c.nextReg++
	q := &taskQueue{name: c.cfg.QueueName(pid), reg: c.nextReg, handler: handler}
	c.queues[pid] = q
	log.Debug(log.CatComms, "task queue bound", "queue", q.name)

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if cur, ok := c.queues[pid]; ok && cur.reg == q.reg {
			delete(c.queues, pid)
			log.Debug(log.CatComms, "task queue unbound", "queue", q.name)
		}
	}, nil
}

// AddBroadcastSubscriber implements Communicator. Each subscriber decodes
// its own copy of every broadcast.
func (c *Local) AddBroadcastSubscriber(cb BroadcastCallback, filters ...BroadcastFilter) func() {
	return c.fanout.SubscribeFunc(func(e pubsub.Event[[]byte]) {
		b, err := message.DecodeBroadcast(e.Payload)
		if err != nil {
			log.ErrorErr(log.CatComms, "dropping undecodable broadcast", err)
			return
		}
		for _, keep := range filters {
			if !keep(b) {
				return
			}
		}
		cb(b)
	})
}

// BroadcastSend implements Communicator. Goroutine-safe.
func (c *Local) BroadcastSend(b message.Broadcast) error {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	data, err := message.EncodeBroadcast(b)
	if err != nil {
		return err
	}

	c.fanout.Publish(pubsub.BroadcastEvent, data)
	c.metrics.BroadcastPublished()
	log.Debug(log.CatComms, "broadcast sent",
		"exchange", c.cfg.BroadcastExchange, "subject", b.Subject, "sender", b.Sender)
	return nil
}

// Stop implements Communicator. Pending futures are failed on the calling
// goroutine, so their continuations run there too.
func (c *Local) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	c.queues = make(map[message.Pid]*taskQueue)
	c.mu.Unlock()

	for _, pc := range pending {
		c.metrics.TaskResolved(metrics.OutcomeShutdown)
		pc.future.Fail(ErrShutdown)
	}
	c.fanout.Close()

	log.Info(log.CatComms, "communicator stopped", "cancelled_calls", len(pending))
}
