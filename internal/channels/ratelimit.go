package channels

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket used to pace outbound sends so surface
// APIs do not throttle us. It allows bursts up to the bucket capacity and
// refills at a steady rate.
type RateLimiter struct {
	rate     float64 // tokens added per second
	capacity float64

	mu     sync.Mutex
	tokens float64
	last   time.Time

	now func() time.Time
}

// NewRateLimiter creates a limiter that refills rate tokens per second up
// to the given burst capacity. The bucket starts full.
func NewRateLimiter(rate float64, capacity int) *RateLimiter {
	r := &RateLimiter{
		rate:     rate,
		capacity: float64(capacity),
		tokens:   float64(capacity),
		now:      time.Now,
	}
	r.last = r.now()
	return r
}

// Allow consumes a token if one is available.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()
	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	return false
}

// Wait blocks until a token can be consumed or the context is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		if r.Allow() {
			return nil
		}
		wait := r.nextToken()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Tokens reports the currently available token count.
func (r *RateLimiter) Tokens() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()
	return r.tokens
}

// refill credits tokens for the time elapsed since the last refill.
// Caller must hold mu.
func (r *RateLimiter) refill() {
	now := r.now()
	r.tokens += now.Sub(r.last).Seconds() * r.rate
	if r.tokens > r.capacity {
		r.tokens = r.capacity
	}
	r.last = now
}

// nextToken reports how long until one token is available.
func (r *RateLimiter) nextToken() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()
	if r.tokens >= 1 {
		return 0
	}
	return time.Duration((1 - r.tokens) / r.rate * float64(time.Second))
}
