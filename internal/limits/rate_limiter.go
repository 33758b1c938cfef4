// Package limits provides per-connection inbound rate limiting.
package limits

import (
	"time"

	"golang.org/x/time/rate"
)

// Token-bucket limiter owned exclusively by one connection. Refills at the
// configured messages-per-second rate with an equal burst, so a client can
// send a one-second burst and then settles at the sustained rate.
//
// The escalation counter tracks consecutive rejected frames: an isolated
// rejection is a soft drop, but a client that keeps hammering past the limit
// is disconnected rather than throttled indefinitely.
type RateLimiter struct {
	limiter *rate.Limiter
	strikes int
	now     func() time.Time
}

// ViolationStrikes is how many consecutive rejected frames escalate a
// rate-limited connection to disconnection.
const ViolationStrikes = 10

// NewRateLimiter creates a limiter allowing perSec messages per second.
func NewRateLimiter(perSec int) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(perSec), perSec),
		now:     time.Now,
	}
}

// Allow reports whether the current inbound message may proceed, consuming a
// token when it does. A successful consume resets the violation streak.
func (r *RateLimiter) Allow() bool {
	if r.limiter.AllowN(r.now(), 1) {
		r.strikes = 0
		return true
	}
	r.strikes++
	return false
}

// ShouldDisconnect reports whether the violation streak has reached the
// disconnect threshold.
func (r *RateLimiter) ShouldDisconnect() bool {
	return r.strikes >= ViolationStrikes
}

// Remaining reports the current token count for observability. Never
// negative; restored over time by the bucket refill.
func (r *RateLimiter) Remaining() float64 {
	tokens := r.limiter.TokensAt(r.now())
	if tokens < 0 {
		return 0
	}
	return tokens
}

// withClock overrides the time source. Test hook.
func (r *RateLimiter) withClock(now func() time.Time) *RateLimiter {
	r.now = now
	return r
}
