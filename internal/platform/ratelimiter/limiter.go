package ratelimiter

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyedLimiter keeps one token bucket per key (an upstream source name, a
// user id) and drops buckets that have been idle for longer than idleTTL.
type KeyedLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time

	mu     sync.Mutex
	byKey  map[string]*bucket
	checks uint64
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const sweepEvery = 256

// New returns nil when rps or burst are not positive; a nil limiter allows
// everything.
func New(rps float64, burst int, idleTTL time.Duration) *KeyedLimiter {
	return newWithClock(rps, burst, idleTTL, time.Now)
}

func newWithClock(rps float64, burst int, idleTTL time.Duration, now func() time.Time) *KeyedLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &KeyedLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		now:     now,
		byKey:   make(map[string]*bucket),
	}
}

// Allow consumes one token for key if available. It never waits.
func (l *KeyedLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.byKey[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byKey[key] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)

	l.checks++
	if l.checks%sweepEvery == 0 {
		l.sweepLocked(now)
	}
	return allowed
}

// Tracked reports how many keys currently hold a bucket.
func (l *KeyedLimiter) Tracked() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byKey)
}

func (l *KeyedLimiter) sweepLocked(now time.Time) {
	cutoff := now.Add(-l.idleTTL)
	for k, b := range l.byKey {
		if b.lastSeen.Before(cutoff) {
			delete(l.byKey, k)
		}
	}
}
