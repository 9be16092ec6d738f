package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"

	"stealthscrape/pkg/config"
	errs "stealthscrape/pkg/errors"
)

// Strategy computes the delay before retry number attempt (1-based)
type Strategy interface {
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff with jitter
type ExponentialBackoff struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Multiplier is the factor by which delay increases
	Multiplier float64
	// JitterFactor adds randomness to avoid thundering herd (0.0 to 1.0)
	JitterFactor float64
}

// DefaultExponentialBackoff returns a backoff with sensible defaults
func DefaultExponentialBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		BaseDelay:    1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// NextDelay calculates the next delay with exponential backoff and jitter
func (eb *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	multiplier := eb.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(eb.BaseDelay) * math.Pow(multiplier, float64(attempt-1))
	if eb.MaxDelay > 0 && delay > float64(eb.MaxDelay) {
		delay = float64(eb.MaxDelay)
	}

	if eb.JitterFactor > 0 {
		jitter := delay * eb.JitterFactor
		delay += rand.Float64()*2*jitter - jitter
	}
	switch {
	case math.IsNaN(delay) || delay < 0:
		return 0
	case delay >= float64(math.MaxInt64):
		// an uncapped backoff grows past what a Duration can hold
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(delay)
}

// ConstantBackoff implements constant delay backoff
type ConstantBackoff struct {
	Delay time.Duration
}

func (cb *ConstantBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return cb.Delay
}

// Policy picks a backoff strategy by error type
type Policy struct {
	Network     Strategy
	RateLimit   Strategy
	ServerError Strategy
	Proxy       Strategy
	Default     Strategy
}

// NewPolicy builds per-type strategies from the retry configuration.
// Rate-limit signals back off from their own, longer base delay.
func NewPolicy(cfg config.RetryConfig) *Policy {
	base := &ExponentialBackoff{
		BaseDelay:    cfg.BaseDelay,
		MaxDelay:     cfg.MaxDelay,
		Multiplier:   cfg.Multiplier,
		JitterFactor: cfg.JitterFactor,
	}

	rateLimitMax := cfg.MaxDelay
	if rateLimitMax < cfg.RateLimitBaseDelay*4 {
		rateLimitMax = cfg.RateLimitBaseDelay * 4
	}

	return &Policy{
		Network: base,
		RateLimit: &ExponentialBackoff{
			BaseDelay:    cfg.RateLimitBaseDelay,
			MaxDelay:     rateLimitMax,
			Multiplier:   1.5,
			JitterFactor: math.Max(cfg.JitterFactor, 0.3),
		},
		ServerError: base,
		// a new proxy is picked on the next attempt, so wait little
		Proxy:   &ConstantBackoff{Delay: cfg.BaseDelay / 2},
		Default: base,
	}
}

// For returns the strategy for errors of type t
func (p *Policy) For(t errs.ErrorType) Strategy {
	var s Strategy
	switch t {
	case errs.ErrorTypeNetwork:
		s = p.Network
	case errs.ErrorTypeRateLimit:
		s = p.RateLimit
	case errs.ErrorTypeServerError:
		s = p.ServerError
	case errs.ErrorTypeProxy:
		s = p.Proxy
	}
	if s == nil {
		s = p.Default
	}
	if s == nil {
		s = DefaultExponentialBackoff()
	}
	return s
}

// Delay is shorthand for p.For(t).NextDelay(attempt)
func (p *Policy) Delay(t errs.ErrorType, attempt int) time.Duration {
	return p.For(t).NextDelay(attempt)
}

// Wait waits for the delay on clock or until ctx is cancelled
func Wait(ctx context.Context, clock clockwork.Clock, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}

	timer := clock.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
