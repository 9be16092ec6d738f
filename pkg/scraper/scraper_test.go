package scraper

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stealthscrape/pkg/config"
	errs "stealthscrape/pkg/errors"
	"stealthscrape/pkg/logger"
	"stealthscrape/pkg/proxy"
	"stealthscrape/pkg/ratelimit"
	"stealthscrape/pkg/session"
	"stealthscrape/pkg/transport"
)

// mockFetcher answers with respond and records every request
type mockFetcher struct {
	mu       sync.Mutex
	respond  func(req transport.Request, call int) (*transport.Response, error)
	calls    map[string]int
	requests []transport.Request
}

func newMockFetcher(respond func(req transport.Request, call int) (*transport.Response, error)) *mockFetcher {
	return &mockFetcher{respond: respond, calls: make(map[string]int)}
}

func (m *mockFetcher) Fetch(ctx context.Context, req transport.Request) (*transport.Response, error) {
	m.mu.Lock()
	m.calls[req.URL]++
	call := m.calls[req.URL]
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	return m.respond(req, call)
}

func (m *mockFetcher) callCount(url string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[url]
}

func (m *mockFetcher) recorded() []transport.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]transport.Request(nil), m.requests...)
}

func ok(body string) (*transport.Response, error) {
	return &transport.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: []byte(body)}, nil
}

func status(code int) (*transport.Response, error) {
	return &transport.Response{StatusCode: code, Header: http.Header{}}, nil
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Concurrency = 4
	cfg.MaxRetries = 2
	cfg.PerAttemptTimeout = time.Second
	cfg.TaskTimeout = 5 * time.Second
	cfg.ProxyRetryInterval = 5 * time.Millisecond
	cfg.RateLimit.RequestsPerWindow = 1000
	cfg.AntiDetection.DelayRangeMs = [2]int{0, 0}
	cfg.Retry = config.RetryConfig{
		BaseDelay:          time.Millisecond,
		MaxDelay:           5 * time.Millisecond,
		Multiplier:         2,
		RateLimitBaseDelay: time.Millisecond,
	}
	cfg.Checkpoint.Directory = ""
	return cfg
}

func newTestScraper(t *testing.T, cfg *config.Config, f transport.Fetcher, opts ...Option) *Scraper {
	t.Helper()
	opts = append([]Option{WithFetcher(f), WithLogger(logger.NewNopLogger())}, opts...)
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func urls(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("https://target.example/item/%d", i)
	}
	return out
}

func TestScrapeBatchPartialFailure(t *testing.T) {
	const k, m = 10, 3
	fatal := map[string]bool{}
	list := urls(k)
	for _, i := range []int{1, 4, 8} {
		fatal[list[i]] = true
	}

	f := newMockFetcher(func(req transport.Request, call int) (*transport.Response, error) {
		if fatal[req.URL] {
			return status(http.StatusForbidden)
		}
		return ok("content of " + req.URL)
	})
	s := newTestScraper(t, testConfig(), f)

	result := s.ScrapeBatch(context.Background(), list)

	require.Len(t, result.Successes, k-m)
	require.Len(t, result.Failures, m)
	assert.Equal(t, k, result.Total())

	prev := -1
	for _, r := range result.Successes {
		assert.Equal(t, "content of "+r.URL, string(r.Body))
		idx := indexOf(list, r.URL)
		assert.Greater(t, idx, prev, "successes keep input order")
		prev = idx
	}
	for _, r := range result.Failures {
		assert.True(t, fatal[r.URL])
		assert.Equal(t, OutcomeFatalFailure, r.Outcome)
		assert.Equal(t, errs.ErrorTypeAuth, r.ErrorType)
		assert.NotEmpty(t, r.Reason)
		assert.Equal(t, 1, f.callCount(r.URL), "fatal failures are never retried")
	}

	stats := s.Stats()
	assert.Equal(t, int64(k), stats.TasksCompleted)
	assert.Equal(t, int64(k-m), stats.TasksSucceeded)
	assert.Equal(t, int64(m), stats.TasksFailed)
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}

func TestScrapeRetriesTransientFailures(t *testing.T) {
	f := newMockFetcher(func(req transport.Request, call int) (*transport.Response, error) {
		if call < 3 {
			return status(http.StatusServiceUnavailable)
		}
		return ok("finally")
	})
	s := newTestScraper(t, testConfig(), f)

	r := s.Scrape(context.Background(), "https://target.example/flaky")

	require.True(t, r.OK(), r.Reason)
	assert.Equal(t, 3, r.Attempts)
	assert.Equal(t, "finally", string(r.Body))

	stats := s.Stats()
	assert.Equal(t, int64(3), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.SuccessfulRequests)
	assert.Equal(t, int64(2), stats.FailedRequests)
	assert.Equal(t, int64(2), stats.Retries)
	assert.InDelta(t, 1.0/3.0, stats.SuccessRate, 0.001)
}

func TestScrapeRetryBudgetExhausted(t *testing.T) {
	f := newMockFetcher(func(req transport.Request, call int) (*transport.Response, error) {
		return status(http.StatusBadGateway)
	})
	cfg := testConfig()
	cfg.MaxRetries = 3
	s := newTestScraper(t, cfg, f)

	r := s.Scrape(context.Background(), "https://target.example/down")

	assert.Equal(t, OutcomeRetryableFailure, r.Outcome)
	assert.Equal(t, errs.ErrorTypeServerError, r.ErrorType)
	assert.Equal(t, 4, r.Attempts)
	assert.Equal(t, 4, f.callCount("https://target.example/down"))
}

func TestScrapeGoesDirectWithoutProxies(t *testing.T) {
	f := newMockFetcher(func(req transport.Request, call int) (*transport.Response, error) {
		return ok("direct")
	})
	s := newTestScraper(t, testConfig(), f)

	r := s.Scrape(context.Background(), "https://target.example/")
	require.True(t, r.OK())
	assert.Empty(t, r.Proxy)
	assert.Nil(t, f.recorded()[0].Proxy)
	assert.NotEmpty(t, f.recorded()[0].Fingerprint.UserAgent)
}

func TestRateLimitSignalRotatesProxy(t *testing.T) {
	f := newMockFetcher(func(req transport.Request, call int) (*transport.Response, error) {
		if call == 1 {
			resp, _ := status(http.StatusTooManyRequests)
			resp.Header.Set("Retry-After", "0")
			return resp, nil
		}
		return ok("after rotation")
	})
	cfg := testConfig()
	cfg.Proxies = []config.ProxyEndpoint{
		{URL: "http://10.0.0.1:8080"},
		{URL: "http://10.0.0.2:8080"},
	}
	s := newTestScraper(t, cfg, f)

	r := s.Scrape(context.Background(), "https://target.example/limited")
	require.True(t, r.OK(), r.Reason)
	assert.Equal(t, 2, r.Attempts)

	reqs := f.recorded()
	require.Len(t, reqs, 2)
	require.NotNil(t, reqs[0].Proxy)
	require.NotNil(t, reqs[1].Proxy)
	assert.NotEqual(t, reqs[0].Proxy.ID, reqs[1].Proxy.ID, "a rate-limited proxy is rotated away from")

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.TargetRateLimits)
	require.Len(t, stats.Proxies, 2)
	var failures int64
	for _, p := range stats.Proxies {
		failures += p.Failures
		if p.ID == reqs[0].Proxy.ID {
			assert.Equal(t, int64(1), p.Failures)
		}
	}
	assert.Equal(t, int64(1), failures)
}

func TestPoolExhaustionIsDistinctOutcome(t *testing.T) {
	f := newMockFetcher(func(req transport.Request, call int) (*transport.Response, error) {
		return nil, errs.Wrap(errs.ErrorTypeProxy, fmt.Errorf("connection refused"), "proxy connection failed")
	})
	cfg := testConfig()
	cfg.MaxRetries = 10
	cfg.TaskTimeout = 150 * time.Millisecond
	cfg.Proxy.MaxFailures = 1
	cfg.Proxy.CooldownDuration = time.Hour
	cfg.Proxies = []config.ProxyEndpoint{{URL: "http://10.0.0.1:8080"}}
	s := newTestScraper(t, cfg, f)

	r := s.Scrape(context.Background(), "https://target.example/")

	assert.Equal(t, OutcomePoolExhausted, r.Outcome)
	assert.Equal(t, errs.ErrorTypePoolExhausted, r.ErrorType)
	assert.ErrorIs(t, r.Err, errs.ErrNoHealthyProxies)
	assert.Equal(t, 1, f.callCount("https://target.example/"))

	stats := s.Stats()
	assert.Positive(t, stats.PoolExhaustedWaits)
	require.Len(t, stats.Proxies, 1)
	assert.Equal(t, "cooldown", strings.ToLower(stats.Proxies[0].Health))
}

func TestPerAttemptTimeoutIsRetried(t *testing.T) {
	f := newMockFetcher(func(req transport.Request, call int) (*transport.Response, error) {
		if call == 1 {
			time.Sleep(100 * time.Millisecond)
			return nil, context.DeadlineExceeded
		}
		return ok("second try")
	})
	cfg := testConfig()
	cfg.PerAttemptTimeout = 20 * time.Millisecond
	s := newTestScraper(t, cfg, f)

	r := s.Scrape(context.Background(), "https://target.example/slow")
	require.True(t, r.OK(), r.Reason)
	assert.Equal(t, 2, r.Attempts)
}

func TestCancelDuringRateWaitLeavesNoAdmission(t *testing.T) {
	limiter, err := ratelimit.New(1, time.Hour)
	require.NoError(t, err)

	f := newMockFetcher(func(req transport.Request, call int) (*transport.Response, error) {
		return ok("x")
	})
	s := newTestScraper(t, testConfig(), f, WithLimiter(limiter))

	require.True(t, s.Scrape(context.Background(), "https://target.example/a").OK())
	assert.Equal(t, 1, limiter.Admitted("target.example"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	r := s.Scrape(ctx, "https://target.example/b")

	assert.Equal(t, OutcomeCancelled, r.Outcome)
	assert.Equal(t, 1, limiter.Admitted("target.example"))
	assert.Equal(t, 0, f.callCount("https://target.example/b"))
	assert.Equal(t, int64(1), s.Stats().RateLimitWaits)
}

func TestBatchCancellationReportsEveryURL(t *testing.T) {
	f := newMockFetcher(func(req transport.Request, call int) (*transport.Response, error) {
		return ok("x")
	})
	s := newTestScraper(t, testConfig(), f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := s.ScrapeBatch(ctx, urls(5))

	assert.Empty(t, result.Successes)
	require.Len(t, result.Failures, 5)
	for _, r := range result.Failures {
		assert.Equal(t, OutcomeCancelled, r.Outcome)
	}
	assert.Len(t, result.FailuresByOutcome()[OutcomeCancelled], 5)
}

func TestInvalidURLIsFatal(t *testing.T) {
	f := newMockFetcher(func(req transport.Request, call int) (*transport.Response, error) {
		return ok("x")
	})
	s := newTestScraper(t, testConfig(), f)

	for _, u := range []string{"ftp://target.example/file", "not a url", "https://"} {
		r := s.Scrape(context.Background(), u)
		assert.Equal(t, OutcomeFatalFailure, r.Outcome, u)
		assert.Equal(t, errs.ErrorTypeConfig, r.ErrorType, u)
	}
	assert.Empty(t, f.recorded())
}

func TestBlockPageIsFatal(t *testing.T) {
	f := newMockFetcher(func(req transport.Request, call int) (*transport.Response, error) {
		h := http.Header{}
		h.Set("Content-Type", "text/html")
		return &transport.Response{StatusCode: 200, Header: h,
			Body: []byte(`<html><body><div id="px-captcha"></div></body></html>`)}, nil
	})
	s := newTestScraper(t, testConfig(), f)

	r := s.Scrape(context.Background(), "https://target.example/")
	assert.Equal(t, OutcomeFatalFailure, r.Outcome)
	assert.Equal(t, errs.ErrorTypeBlocked, r.ErrorType)
	assert.Equal(t, 1, r.Attempts)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.RequestsPerWindow = 0

	_, err := New(cfg, WithLogger(logger.NewNopLogger()))
	assert.ErrorIs(t, err, errs.ErrInvalidConfig)
}

type stubValidator struct {
	ok    bool
	calls int
}

func (v *stubValidator) Validate(ctx context.Context, s *session.Session) (bool, error) {
	v.calls++
	return v.ok, nil
}

func TestSessionRefreshedWhenExpired(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
	store, err := session.NewFileStore(t.TempDir(),
		session.WithTTL(time.Hour), session.WithClock(clock), session.WithLogger(logger.NewNopLogger()))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	_, err = store.Save(ctx, "target.example", session.Blob{Cookies: []session.Cookie{{Name: "sid", Value: "old"}}})
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)

	var refreshes int
	refresher := SessionRefresherFunc(func(ctx context.Context, targetID string) (session.Blob, error) {
		refreshes++
		return session.Blob{Cookies: []session.Cookie{{Name: "sid", Value: "fresh"}}}, nil
	})

	f := newMockFetcher(func(req transport.Request, call int) (*transport.Response, error) {
		return ok("x")
	})
	cfg := testConfig()
	cfg.Session.TargetID = "target.example"
	s := newTestScraper(t, cfg, f,
		WithClock(clock), WithSessionStore(store), WithSessionRefresher(refresher))

	r := s.Scrape(ctx, "https://target.example/")
	require.True(t, r.OK(), r.Reason)
	assert.Equal(t, 1, refreshes)

	req := f.recorded()[0]
	require.Len(t, req.Cookies, 1)
	assert.Equal(t, "fresh", req.Cookies[0].Value)

	stored, err := store.Load(ctx, "target.example")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, session.IsValid(stored, clock.Now()))
	assert.Equal(t, int64(1), s.Stats().SessionRefreshes)
}

func TestSessionMaintenanceEveryNTasks(t *testing.T) {
	store, err := session.NewFileStore(t.TempDir(), session.WithLogger(logger.NewNopLogger()))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	_, err = store.Save(ctx, "target.example", session.Blob{Cookies: []session.Cookie{{Name: "sid", Value: "v"}}})
	require.NoError(t, err)

	validator := &stubValidator{ok: true}
	f := newMockFetcher(func(req transport.Request, call int) (*transport.Response, error) {
		return ok("x")
	})
	cfg := testConfig()
	cfg.Concurrency = 1
	cfg.Session.TargetID = "target.example"
	cfg.Session.RotationInterval = 3
	s := newTestScraper(t, cfg, f, WithSessionStore(store), WithSessionValidator(validator))

	result := s.ScrapeBatch(ctx, urls(7))
	require.Len(t, result.Successes, 7)

	// once up front, then after tasks 3 and 6
	assert.Equal(t, 3, validator.calls)
	for _, req := range f.recorded() {
		require.Len(t, req.Cookies, 1)
		assert.Equal(t, "v", req.Cookies[0].Value)
	}
}

func TestRejectedSessionIsClearedWithoutRefresher(t *testing.T) {
	store, err := session.NewFileStore(t.TempDir(), session.WithLogger(logger.NewNopLogger()))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	_, err = store.Save(ctx, "target.example", session.Blob{Cookies: []session.Cookie{{Name: "sid", Value: "v"}}})
	require.NoError(t, err)

	f := newMockFetcher(func(req transport.Request, call int) (*transport.Response, error) {
		return ok("x")
	})
	cfg := testConfig()
	cfg.Session.TargetID = "target.example"
	s := newTestScraper(t, cfg, f, WithSessionStore(store), WithSessionValidator(&stubValidator{ok: false}))

	r := s.Scrape(ctx, "https://target.example/")
	require.True(t, r.OK())
	assert.Empty(t, f.recorded()[0].Cookies)
	assert.Nil(t, s.CurrentSession())

	stored, err := store.Load(ctx, "target.example")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestSessionValidationUsesRateBudgetProxyAndFingerprint(t *testing.T) {
	store, err := session.NewFileStore(t.TempDir(), session.WithLogger(logger.NewNopLogger()))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	_, err = store.Save(ctx, "target.example", session.Blob{Cookies: []session.Cookie{{Name: "sid", Value: "v"}}})
	require.NoError(t, err)

	limiter, err := ratelimit.New(5, time.Hour)
	require.NoError(t, err)

	f := newMockFetcher(func(req transport.Request, call int) (*transport.Response, error) {
		return ok("x")
	})
	cfg := testConfig()
	cfg.BaseURL = "https://target.example/account"
	cfg.Session.TargetID = "target.example"
	cfg.Proxies = []config.ProxyEndpoint{{URL: "http://10.0.0.1:8080"}}
	s := newTestScraper(t, cfg, f, WithSessionStore(store), WithLimiter(limiter))

	r := s.Scrape(ctx, "https://target.example/item")
	require.True(t, r.OK(), r.Reason)

	reqs := f.recorded()
	require.Len(t, reqs, 2)
	check := reqs[0]
	assert.Equal(t, cfg.BaseURL, check.URL)
	assert.NotEmpty(t, check.Fingerprint.UserAgent)
	require.NotNil(t, check.Proxy)
	require.Len(t, check.Cookies, 1)
	assert.Equal(t, "v", check.Cookies[0].Value)

	assert.Equal(t, 2, limiter.Admitted("target.example"))
	assert.Equal(t, int64(2), s.Stats().TotalRequests)

	snap := s.proxies.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, int64(2), snap[0].TotalSuccesses)
	assert.Zero(t, snap[0].InUse)
}

func TestCancelledFirstTaskDoesNotSkipSessionSetup(t *testing.T) {
	store, err := session.NewFileStore(t.TempDir(), session.WithLogger(logger.NewNopLogger()))
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Save(context.Background(), "target.example",
		session.Blob{Cookies: []session.Cookie{{Name: "sid", Value: "v"}}})
	require.NoError(t, err)

	validator := &stubValidator{ok: true}
	f := newMockFetcher(func(req transport.Request, call int) (*transport.Response, error) {
		return ok("x")
	})
	cfg := testConfig()
	cfg.Session.TargetID = "target.example"
	s := newTestScraper(t, cfg, f, WithSessionStore(store), WithSessionValidator(validator))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	r := s.Scrape(cancelled, "https://target.example/a")
	assert.Equal(t, OutcomeCancelled, r.Outcome)
	assert.Zero(t, validator.calls)

	r = s.Scrape(context.Background(), "https://target.example/b")
	require.True(t, r.OK(), r.Reason)
	assert.Equal(t, 1, validator.calls)
	require.NotNil(t, s.CurrentSession())
	require.Len(t, f.recorded()[0].Cookies, 1)

	s.Scrape(context.Background(), "https://target.example/c")
	assert.Equal(t, 1, validator.calls)
}

// blockingFetcher parks every fetch until its context ends
type blockingFetcher struct {
	started chan struct{}
	once    sync.Once
}

func (b *blockingFetcher) Fetch(ctx context.Context, req transport.Request) (*transport.Response, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCancelDuringFetchReleasesProxyUnharmed(t *testing.T) {
	f := &blockingFetcher{started: make(chan struct{})}
	cfg := testConfig()
	cfg.PerAttemptTimeout = time.Minute
	cfg.TaskTimeout = time.Minute
	cfg.Proxies = []config.ProxyEndpoint{{URL: "http://10.0.0.1:8080"}}
	s := newTestScraper(t, cfg, f)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan *TaskResult, 1)
	go func() { done <- s.Scrape(ctx, "https://target.example/slow") }()

	select {
	case <-f.started:
	case <-time.After(5 * time.Second):
		t.Fatal("fetch never started")
	}
	require.Equal(t, 1, s.proxies.Snapshot()[0].InUse)

	cancel()
	var r *TaskResult
	select {
	case r = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scrape did not return after cancellation")
	}

	assert.Equal(t, OutcomeCancelled, r.Outcome)
	assert.Equal(t, 1, r.Attempts)

	snap := s.proxies.Snapshot()
	require.Len(t, snap, 1)
	assert.Zero(t, snap[0].InUse)
	assert.Zero(t, snap[0].ConsecutiveFailures)
	assert.Zero(t, snap[0].TotalFailures)
	assert.Equal(t, proxy.Healthy, snap[0].Health)
	assert.Zero(t, s.Stats().Proxies[0].Failures)
}

func TestScrapeBatchResumable(t *testing.T) {
	var failing sync.Map
	list := urls(4)
	failing.Store(list[2], true)

	f := newMockFetcher(func(req transport.Request, call int) (*transport.Response, error) {
		if _, bad := failing.Load(req.URL); bad {
			return status(http.StatusNotFound)
		}
		return ok("x")
	})
	cfg := testConfig()
	cfg.Checkpoint.Directory = t.TempDir()
	s := newTestScraper(t, cfg, f)

	first, err := s.ScrapeBatchResumable(context.Background(), "nightly", list)
	require.NoError(t, err)
	assert.Len(t, first.Successes, 3)
	assert.Len(t, first.Failures, 1)
	assert.Empty(t, first.Skipped)

	failing.Delete(list[2])
	second, err := s.ScrapeBatchResumable(context.Background(), "nightly", list)
	require.NoError(t, err)
	assert.Equal(t, []string{list[0], list[1], list[3]}, second.Skipped)
	require.Len(t, second.Successes, 1)
	assert.Equal(t, list[2], second.Successes[0].URL)
	assert.Equal(t, 1, f.callCount(list[0]))
	assert.Equal(t, 2, f.callCount(list[2]))

	// a fully successful batch removes its checkpoint
	third, err := s.ScrapeBatchResumable(context.Background(), "nightly", list)
	require.NoError(t, err)
	assert.Empty(t, third.Skipped)
	assert.Len(t, third.Successes, 4)
}

func TestStateAndOutcomeStrings(t *testing.T) {
	assert.Equal(t, "AWAIT_RATE_SLOT", StateAwaitRateSlot.String())
	assert.Equal(t, "EXECUTE", StateExecute.String())
	assert.Equal(t, "pool_exhausted", OutcomePoolExhausted.String())
	assert.Equal(t, "fatal_failure", OutcomeFatalFailure.String())
}
