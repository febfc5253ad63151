package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/procctl/internal/comms"
	"github.com/zjrosen/procctl/internal/config"
	"github.com/zjrosen/procctl/internal/controller"
	"github.com/zjrosen/procctl/internal/log"
	"github.com/zjrosen/procctl/internal/loop"
	"github.com/zjrosen/procctl/internal/metrics"
	"github.com/zjrosen/procctl/internal/tracing"
)

// runtime is the wired stack a command drives: one loop, one in-memory
// communicator and both controllers on top of it.
type runtime struct {
	lp       *loop.Loop
	comm     *comms.Local
	remote   *controller.Remote
	thread   *controller.Thread
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	tracer   *tracing.Provider

	cancel context.CancelFunc
}

func newRuntime(ctx context.Context, c config.Config) (*runtime, error) {
	tp, err := tracing.NewProvider(c.Tracing)
	if err != nil {
		return nil, fmt.Errorf("starting tracing: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	lp := loop.New(loop.WithMiddleware(
		tracing.LoopMiddleware(tracerFor(tp)),
		loop.NewLoggingMiddleware(loop.LoggingMiddlewareConfig{SlowThreshold: 100 * time.Millisecond}),
	))
	loopCtx, cancel := context.WithCancel(ctx)
	log.SafeGo("loop.run", func() { lp.Run(loopCtx) })
	if err := lp.WaitForReady(loopCtx); err != nil {
		cancel()
		return nil, err
	}

	comm, err := comms.NewLocal(lp, c.Broker, comms.WithMetrics(m))
	if err != nil {
		cancel()
		lp.Stop()
		return nil, err
	}

	remote := controller.NewRemote(comm, controller.WithTracer(tp.Tracer()))
	return &runtime{
		lp:       lp,
		comm:     comm,
		remote:   remote,
		thread:   controller.NewThread(lp, remote, controller.WithMetrics(m)),
		registry: registry,
		metrics:  m,
		tracer:   tp,
		cancel:   cancel,
	}, nil
}

// tracerFor skips per-task loop spans when tracing is off.
func tracerFor(tp *tracing.Provider) trace.Tracer {
	if !tp.Enabled() {
		return nil
	}
	return tp.Tracer()
}

func (rt *runtime) Close() {
	rt.comm.Stop()
	rt.cancel()
	rt.lp.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.tracer.Shutdown(ctx); err != nil {
		log.ErrorErr(log.CatTracing, "tracer shutdown failed", err)
	}
}
