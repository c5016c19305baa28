// Package ratelimit implements the per-provider token bucket backing the
// PROVIDER_BUSY backpressure contract: embedding and LLM calls are
// rate-limited from configuration, and excess traffic is rejected rather
// than queued.
package ratelimit

import (
	"golang.org/x/time/rate"

	"ragkb/internal/kberr"
)

// Limiter wraps a token bucket. A zero-value Limiter (RequestsPerSecond<=0)
// never limits, so callers can construct one unconditionally from
// configuration that may leave rate limiting disabled.
type Limiter struct {
	rl *rate.Limiter
}

// New constructs a Limiter sized ratePerSecond with the given burst. A
// non-positive ratePerSecond disables limiting.
func New(ratePerSecond float64, burst int) *Limiter {
	if ratePerSecond <= 0 {
		return &Limiter{}
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{rl: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Allow returns a PROVIDER_BUSY error if the bucket has no tokens left,
// and nil otherwise. It never blocks: spec backpressure for providers is
// reject-on-exhaustion, not queue-and-wait.
func (l *Limiter) Allow(name string) error {
	if l == nil || l.rl == nil {
		return nil
	}
	if !l.rl.Allow() {
		return kberr.Newf(kberr.ProviderBusy, "%s rate limit exceeded", name)
	}
	return nil
}
