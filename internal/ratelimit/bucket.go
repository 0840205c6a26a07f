// ABOUTME: Token bucket measured in requests per minute
// ABOUTME: Consumption reports the wait until the next token when empty

package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket holds up to PerMinute tokens and refills PerMinute tokens per
// minute. It is not safe for concurrent use; Limiter serializes access.
type TokenBucket struct {
	limiter   *rate.Limiter
	perMinute int
}

// NewTokenBucket returns a full bucket.
func NewTokenBucket(perMinute int) *TokenBucket {
	return &TokenBucket{
		limiter:   rate.NewLimiter(perMinuteLimit(perMinute), perMinute),
		perMinute: perMinute,
	}
}

func perMinuteLimit(perMinute int) rate.Limit {
	return rate.Limit(float64(perMinute) / 60.0)
}

// PerMinute returns the bucket's capacity and refill rate.
func (b *TokenBucket) PerMinute() int { return b.perMinute }

// Take consumes one token at now. When the bucket is empty it consumes
// nothing and returns the time until a token is available. On success the
// returned refund puts the token back.
func (b *TokenBucket) Take(now time.Time) (refund func(), wait time.Duration, ok bool) {
	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return nil, time.Minute, false
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return nil, d, false
	}
	return func() { r.CancelAt(now) }, 0, true
}

// Available returns the whole tokens available at now.
func (b *TokenBucket) Available(now time.Time) int {
	return int(b.limiter.TokensAt(now))
}

// SetPerMinute changes capacity and refill rate, keeping at most the new
// capacity in tokens.
func (b *TokenBucket) SetPerMinute(now time.Time, perMinute int) {
	b.perMinute = perMinute
	b.limiter.SetLimitAt(now, perMinuteLimit(perMinute))
	b.limiter.SetBurstAt(now, perMinute)
}

// Fill resets the bucket to full.
func (b *TokenBucket) Fill() {
	b.limiter = rate.NewLimiter(perMinuteLimit(b.perMinute), b.perMinute)
}
