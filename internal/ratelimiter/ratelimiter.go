package ratelimiter

import (
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter caps how fast reads are issued to the operating system using a
// token bucket: tokens refill at a fixed rate and each issued read consumes
// one. The burst size is the number of reads that may be issued back to back
// after a quiet period.
//
// All methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// unlimited is used when a zero rate is configured.
const unlimited = 1_000_000_000

// New creates a limiter allowing readsPerSecond sustained issues with the
// given burst. A zero rate disables limiting.
//
//	// 500 reads/s, up to 64 at once
//	limiter := ratelimiter.New(500, 64)
func New(readsPerSecond, burst uint) *RateLimiter {
	if readsPerSecond == 0 {
		readsPerSecond = unlimited
		burst = readsPerSecond
	}
	if burst == 0 {
		burst = 1
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(readsPerSecond), int(burst)),
	}
}

// Allow consumes a token if one is available.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Delay returns how long to wait before a token becomes available, without
// consuming it. The scheduler goroutine must never block, so callers that
// were denied by Allow use this to arm a timer instead of waiting.
func (r *RateLimiter) Delay() time.Duration {
	now := time.Now()
	res := r.limiter.ReserveN(now, 1)
	if !res.OK() {
		return 0
	}
	d := res.DelayFrom(now)
	res.CancelAt(now)
	return d
}

// Tokens returns the tokens currently in the bucket. The device reports it
// as a statistic.
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}
