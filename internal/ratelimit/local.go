package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Local is an in-process Limiter used when Redis is not configured.
type Local struct {
	capacity int
	refill   rate.Limit
	buckets  sync.Map // key -> *rate.Limiter
}

func NewLocal(capacity int, refillPerSecond float64) *Local {
	return &Local{capacity: capacity, refill: rate.Limit(refillPerSecond)}
}

func (l *Local) Allow(_ context.Context, key string) (bool, float64, error) {
	v, ok := l.buckets.Load(key)
	if !ok {
		v, _ = l.buckets.LoadOrStore(key, rate.NewLimiter(l.refill, l.capacity))
	}
	lim := v.(*rate.Limiter)
	allowed := lim.Allow()
	return allowed, lim.Tokens(), nil
}

// Fallback uses Secondary whenever Primary returns an error.
type Fallback struct {
	Primary   Limiter
	Secondary Limiter
}

func (f Fallback) Allow(ctx context.Context, key string) (bool, float64, error) {
	allowed, tokens, err := f.Primary.Allow(ctx, key)
	if err == nil {
		return allowed, tokens, nil
	}
	if f.Secondary == nil {
		return false, 0, err
	}
	return f.Secondary.Allow(ctx, key)
}
