package auth

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter provides rate limiting functionality
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Reset(ctx context.Context, key string) error
}

// TokenBucketLimiter keeps one token bucket per key
type TokenBucketLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	idle    time.Duration
	clock   func() time.Time
	stop    chan struct{}
	once    sync.Once
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewTokenBucketLimiter creates a limiter refilling perSecond tokens up to
// burst for every key. Buckets idle for longer than idle are dropped by a
// background sweep; an idle of zero disables the sweep.
func NewTokenBucketLimiter(perSecond float64, burst int, idle time.Duration) *TokenBucketLimiter {
	l := &TokenBucketLimiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idle:    idle,
		clock:   time.Now,
		stop:    make(chan struct{}),
	}
	if idle > 0 {
		go l.sweep()
	}
	return l
}

// NewUserRateLimiter creates the per-user limiter of the history routes
func NewUserRateLimiter(perSecond float64, burst int) *TokenBucketLimiter {
	return NewTokenBucketLimiter(perSecond, burst, 10*time.Minute)
}

// Allow takes one token from key's bucket
func (l *TokenBucketLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := l.clock()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	return b.limiter.AllowN(now, 1), nil
}

// Reset refills key's bucket
func (l *TokenBucketLimiter) Reset(ctx context.Context, key string) error {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
	return nil
}

// Close stops the background sweep
func (l *TokenBucketLimiter) Close() {
	l.once.Do(func() { close(l.stop) })
}

func (l *TokenBucketLimiter) sweep() {
	ticker := time.NewTicker(l.idle)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.evictIdle()
		}
	}
}

func (l *TokenBucketLimiter) evictIdle() {
	cutoff := l.clock().Add(-l.idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}
