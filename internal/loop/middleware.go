package loop

import (
	"context"
	"time"

	"github.com/zjrosen/procctl/internal/log"
)

// Middleware wraps a task to add cross-cutting behavior.
// name is the label passed to Submit.
type Middleware func(name string, next Func) Func

// ChainMiddleware applies middlewares in reverse order so the first one
// is the outermost wrapper: ChainMiddleware(n, fn, a, b) == a(b(fn)).
func ChainMiddleware(name string, fn Func, middlewares ...Middleware) Func {
	for i := len(middlewares) - 1; i >= 0; i-- {
		fn = middlewares[i](name, fn)
	}
	return fn
}

// LoggingMiddlewareConfig configures the logging middleware.
type LoggingMiddlewareConfig struct {
	// SlowThreshold promotes the completion log to Warn when a task runs
	// longer than this. Zero disables the promotion.
	SlowThreshold time.Duration
}

// NewLoggingMiddleware creates a middleware that logs task execution.
func NewLoggingMiddleware(cfg LoggingMiddlewareConfig) Middleware {
	return func(name string, next Func) Func {
		return func(ctx context.Context) {
			start := time.Now()
			next(ctx)
			duration := time.Since(start)

			if cfg.SlowThreshold > 0 && duration > cfg.SlowThreshold {
				log.Warn(log.CatLoop, "slow task",
					"task", name,
					"duration", duration,
					"threshold", cfg.SlowThreshold,
				)
				return
			}
			log.Debug(log.CatLoop, "task completed",
				"task", name,
				"duration", duration,
			)
		}
	}
}
