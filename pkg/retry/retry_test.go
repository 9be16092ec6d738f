package retry

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"stealthscrape/pkg/config"
	errs "stealthscrape/pkg/errors"
	"stealthscrape/pkg/logger"
)

func TestExponentialBackoff(t *testing.T) {
	backoff := &ExponentialBackoff{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   1 * time.Second,
		Multiplier: 2.0,
	}

	tests := []struct {
		attempt     int
		expected    time.Duration
		description string
	}{
		{0, 0, "No attempt"},
		{1, 100 * time.Millisecond, "First attempt"},
		{2, 200 * time.Millisecond, "Second attempt"},
		{3, 400 * time.Millisecond, "Third attempt"},
		{4, 800 * time.Millisecond, "Fourth attempt"},
		{5, 1 * time.Second, "Fifth attempt (capped at max)"},
		{9, 1 * time.Second, "Ninth attempt (still capped)"},
	}

	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			if delay := backoff.NextDelay(test.attempt); delay != test.expected {
				t.Errorf("Expected delay %v, got %v", test.expected, delay)
			}
		})
	}
}

func TestExponentialBackoffJitterBounds(t *testing.T) {
	backoff := &ExponentialBackoff{
		BaseDelay:    time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
		JitterFactor: 0.3,
	}

	for i := 0; i < 200; i++ {
		delay := backoff.NextDelay(2)
		if delay < 1400*time.Millisecond || delay > 2600*time.Millisecond {
			t.Fatalf("delay %v outside 2s ±30%%", delay)
		}
	}
}

func TestExponentialBackoffWithoutCap(t *testing.T) {
	backoff := &ExponentialBackoff{
		BaseDelay:    time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.5,
	}

	for _, attempt := range []int{40, 64, 200, 5000} {
		if delay := backoff.NextDelay(attempt); delay != time.Duration(math.MaxInt64) {
			t.Errorf("attempt %d: expected saturated delay, got %v", attempt, delay)
		}
	}
	if delay := backoff.NextDelay(10); delay <= 0 {
		t.Errorf("expected a positive delay, got %v", delay)
	}
}

func TestPolicyPicksStrategyByType(t *testing.T) {
	cfg := config.DefaultConfig().Retry
	cfg.JitterFactor = 0
	p := NewPolicy(cfg)

	if d := p.Delay(errs.ErrorTypeNetwork, 1); d != cfg.BaseDelay {
		t.Errorf("network: expected %v, got %v", cfg.BaseDelay, d)
	}
	if d := p.Delay(errs.ErrorTypeProxy, 3); d != cfg.BaseDelay/2 {
		t.Errorf("proxy: expected %v, got %v", cfg.BaseDelay/2, d)
	}

	rl := p.Delay(errs.ErrorTypeRateLimit, 1)
	if rl < cfg.RateLimitBaseDelay*7/10 || rl > cfg.RateLimitBaseDelay*13/10 {
		t.Errorf("rate limit: expected about %v, got %v", cfg.RateLimitBaseDelay, rl)
	}
	if p.For(errs.ErrorTypeUnknown) != p.Default {
		t.Error("unknown types should use the default strategy")
	}
}

func TestWaitUsesClock(t *testing.T) {
	clk := clockwork.NewFakeClock()
	done := make(chan error, 1)
	go func() {
		done <- Wait(context.Background(), clk, time.Minute)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := clk.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Minute)

	if err := <-done; err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestWaitCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := Wait(ctx, clockwork.NewFakeClock(), time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if err := Wait(ctx, clockwork.NewFakeClock(), 0); !errors.Is(err, context.Canceled) {
		t.Errorf("zero delay should still report cancellation, got %v", err)
	}
}

func testConfig(maxAttempts int) *Config {
	return &Config{
		MaxAttempts: maxAttempts,
		Backoff:     &ConstantBackoff{Delay: 0},
		Logger:      logger.NewNopLogger(),
	}
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errs.New(errs.ErrorTypeServerError, 503, "unavailable")
		}
		return nil
	}, testConfig(5))

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	authErr := errs.New(errs.ErrorTypeAuth, 403, "forbidden")
	err := Do(context.Background(), func(context.Context) error {
		calls++
		return authErr
	}, testConfig(5))

	if !errors.Is(err, authErr) {
		t.Errorf("expected auth error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoMaxAttempts(t *testing.T) {
	calls := 0
	retries := 0
	cfg := testConfig(3)
	cfg.OnRetry = func(int, error, time.Duration) { retries++ }

	err := Do(context.Background(), func(context.Context) error {
		calls++
		return errs.New(errs.ErrorTypeNetwork, 0, "reset")
	}, cfg)

	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 || retries != 2 {
		t.Errorf("expected 3 calls and 2 retries, got %d and %d", calls, retries)
	}
	if errs.TypeOf(err) != errs.ErrorTypeNetwork {
		t.Errorf("last error should stay wrapped, got type %q", errs.TypeOf(err))
	}
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	got, err := DoWithResult(context.Background(), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("flaky")
		}
		return "ok", nil
	}, testConfig(2))

	if err != nil || got != "ok" {
		t.Errorf("expected ok, got %q / %v", got, err)
	}
}

func TestDefaultRetryIf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"rate limit", errs.New(errs.ErrorTypeRateLimit, 429, "slow"), true},
		{"blocked", errs.New(errs.ErrorTypeBlocked, 200, "captcha"), false},
		{"pool exhausted", &errs.NoHealthyProxiesError{PoolSize: 2}, true},
		{"config", errs.ErrInvalidConfig, false},
		{"plain", errors.New("eof"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultRetryIf(tt.err); got != tt.want {
				t.Errorf("DefaultRetryIf(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
