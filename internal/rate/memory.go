package rate

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of one Admit call. On rejection RetryAfter is the
// time until the oldest accepted request leaves the window.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter admits or rejects one request for a caller key.
type Limiter interface {
	Admit(ctx context.Context, key string) (Decision, error)
}

// SlidingWindow keeps the accepted timestamps per key and admits a request
// when fewer than max were accepted in the trailing window. Rejected
// requests are not recorded, so a caller that keeps hammering does not
// extend its own lockout.
type SlidingWindow struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	hits   map[string][]time.Time
	lastGC time.Time
	now    func() time.Time
}

func NewSlidingWindow(max int, window time.Duration) *SlidingWindow {
	l := &SlidingWindow{
		max:    max,
		window: window,
		hits:   map[string][]time.Time{},
		now:    time.Now,
	}
	l.lastGC = l.now()
	return l
}

func (l *SlidingWindow) Admit(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.lastGC) > time.Minute {
		l.gc(now)
	}

	ts := prune(l.hits[key], now, l.window)
	if len(ts) >= l.max {
		l.hits[key] = ts
		if len(ts) == 0 {
			return Decision{RetryAfter: l.window}, nil
		}
		return Decision{RetryAfter: l.window - now.Sub(ts[0])}, nil
	}
	l.hits[key] = append(ts, now)
	return Decision{Allowed: true}, nil
}

// prune drops timestamps with now-t >= window. ts is ordered oldest first.
func prune(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	i := 0
	for i < len(ts) && now.Sub(ts[i]) >= window {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

func (l *SlidingWindow) gc(now time.Time) {
	for k, ts := range l.hits {
		ts = prune(ts, now, l.window)
		if len(ts) == 0 {
			delete(l.hits, k)
			continue
		}
		l.hits[k] = ts
	}
	l.lastGC = now
}

// Noop admits everything.
type Noop struct{}

func (Noop) Admit(context.Context, string) (Decision, error) { return Decision{Allowed: true}, nil }
