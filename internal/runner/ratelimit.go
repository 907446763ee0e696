package runner

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// RateLimit bounds one rate key. Concurrency caps in-flight invocations;
// QPS, when positive, additionally paces invocation starts.
type RateLimit struct {
	Concurrency int64
	QPS         float64
	Burst       int
}

// Limiter serialises provider calls per rate key. Keys without an explicit
// limit get concurrency 1, which keeps a provider:model pair to one call at
// a time.
type Limiter struct {
	mu     sync.Mutex
	limits map[string]RateLimit
	keys   map[string]*keyLimiter
}

type keyLimiter struct {
	sem    *semaphore.Weighted
	pacer  *rate.Limiter
}

func NewLimiter(limits map[string]RateLimit) *Limiter {
	l := &Limiter{
		limits: map[string]RateLimit{},
		keys:   map[string]*keyLimiter{},
	}
	for k, v := range limits {
		l.limits[k] = v
	}
	return l
}

func (l *Limiter) forKey(key string) *keyLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if kl, ok := l.keys[key]; ok {
		return kl
	}
	cfg := l.limits[key]
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	kl := &keyLimiter{sem: semaphore.NewWeighted(cfg.Concurrency)}
	if cfg.QPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		kl.pacer = rate.NewLimiter(rate.Limit(cfg.QPS), burst)
	}
	l.keys[key] = kl
	return kl
}

// Acquire blocks until the key admits one more invocation. The returned
// release function must be called exactly once.
func (l *Limiter) Acquire(ctx context.Context, key string) (func(), error) {
	kl := l.forKey(key)
	if err := kl.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if kl.pacer != nil {
		if err := kl.pacer.Wait(ctx); err != nil {
			kl.sem.Release(1)
			return nil, err
		}
	}
	return func() { kl.sem.Release(1) }, nil
}
