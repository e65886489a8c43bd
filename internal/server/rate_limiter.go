package server

import "golang.org/x/time/rate"

// rateLimiter throttles inbound envelopes on one connection.
type rateLimiter struct {
	limiter *rate.Limiter
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	perSecond := cfg.PerSecond
	if perSecond <= 0 {
		perSecond = float64(burst)
	}
	return &rateLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (rl *rateLimiter) allow() bool {
	return rl.limiter.Allow()
}
