package comms

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zjrosen/procctl/internal/message"
)

const limiterIdleTTL = 10 * time.Minute

// pidLimiter applies a token bucket per pid and periodically evicts idle
// buckets. A nil *pidLimiter allows everything.
type pidLimiter struct {
	limit rate.Limit
	burst int

	mu    sync.Mutex
	byPid map[message.Pid]*limiterEntry
	hits  uint64
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newPidLimiter(rps float64, burst int) *pidLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &pidLimiter{
		limit: rate.Limit(rps),
		burst: burst,
		byPid: make(map[message.Pid]*limiterEntry),
	}
}

func (l *pidLimiter) Allow(pid message.Pid, now time.Time) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byPid[pid]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byPid[pid] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-limiterIdleTTL)
		for k, v := range l.byPid {
			if v.lastSeen.Before(cutoff) {
				delete(l.byPid, k)
			}
		}
	}

	return allowed
}
