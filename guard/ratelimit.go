package guard

import (
	"context"
	"sync"
	"time"
)

// Window is the span the per-key limit applies to.
const Window = time.Minute

// Limiter counts calls per key in a sliding window. Allow records the call
// only when it is admitted; when it is not, retryAfter says when the oldest
// call in the window falls out.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int) (allowed bool, retryAfter time.Duration, err error)
}

// MemoryLimiter is a process-local sliding log. It does not share state
// between instances; configure Redis for that.
type MemoryLimiter struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	now  func() time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{hits: make(map[string][]time.Time), now: time.Now}
}

func (l *MemoryLimiter) Allow(ctx context.Context, key string, limit int) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	live := prune(l.hits[key], now)
	if len(live) >= limit {
		l.hits[key] = live
		retry := Window - now.Sub(live[0])
		return false, retry, nil
	}
	l.hits[key] = append(live, now)
	return true, 0, nil
}

func prune(hits []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-Window)
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	return hits[i:]
}

// Sweep drops keys with no calls inside the window.
func (l *MemoryLimiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for k, hits := range l.hits {
		if live := prune(hits, now); len(live) == 0 {
			delete(l.hits, k)
		} else {
			l.hits[k] = live
		}
	}
}

// Run sweeps every interval until ctx is done.
func (l *MemoryLimiter) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Sweep()
		}
	}
}
