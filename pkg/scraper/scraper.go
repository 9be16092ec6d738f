package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"stealthscrape/internal/workerpool"
	"stealthscrape/pkg/antidetect"
	"stealthscrape/pkg/checkpoint"
	"stealthscrape/pkg/config"
	errs "stealthscrape/pkg/errors"
	"stealthscrape/pkg/logger"
	"stealthscrape/pkg/proxy"
	"stealthscrape/pkg/ratelimit"
	"stealthscrape/pkg/retry"
	"stealthscrape/pkg/session"
	"stealthscrape/pkg/transport"
)

// Scraper orchestrates fetches through the limiter, proxy pool and
// transport. It is safe for concurrent use.
type Scraper struct {
	config     *config.Config
	limiter    *ratelimit.Limiter
	proxies    *proxy.Manager
	provider   *antidetect.Provider
	fetcher    transport.Fetcher
	classifier *transport.Classifier
	policy     *retry.Policy
	clock      clockwork.Clock
	logger     logger.Logger

	sessions       session.Store
	ownsSessions   bool
	refresher      SessionRefresher
	validator      SessionValidator
	sessionTarget  string
	maintenanceMu  sync.Mutex
	currentMu      sync.RWMutex
	currentSession *session.Session
	sessionInitMu  sync.Mutex
	sessionReady   atomic.Bool

	interaction bool
	monitor     *proxy.Monitor

	stats *counters
}

// Option overrides a component built from configuration
type Option func(*Scraper)

// WithFetcher replaces the HTTP transport
func WithFetcher(f transport.Fetcher) Option {
	return func(s *Scraper) {
		s.fetcher = f
	}
}

func WithClassifier(c *transport.Classifier) Option {
	return func(s *Scraper) {
		s.classifier = c
	}
}

func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *Scraper) {
		s.limiter = l
	}
}

// WithProxyManager replaces the pool built from cfg.Proxies
func WithProxyManager(m *proxy.Manager) Option {
	return func(s *Scraper) {
		s.proxies = m
	}
}

func WithProvider(p *antidetect.Provider) Option {
	return func(s *Scraper) {
		s.provider = p
	}
}

// WithSessionStore supplies the session store. The caller keeps ownership.
func WithSessionStore(store session.Store) Option {
	return func(s *Scraper) {
		s.sessions = store
	}
}

func WithSessionRefresher(r SessionRefresher) Option {
	return func(s *Scraper) {
		s.refresher = r
	}
}

func WithSessionValidator(v SessionValidator) Option {
	return func(s *Scraper) {
		s.validator = v
	}
}

// WithInteraction plays a simulated interaction plan before each fetch
func WithInteraction() Option {
	return func(s *Scraper) {
		s.interaction = true
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(s *Scraper) {
		s.clock = clock
	}
}

func WithLogger(l logger.Logger) Option {
	return func(s *Scraper) {
		s.logger = l
	}
}

// New builds a Scraper from cfg. Components not supplied through options
// are built from the configuration.
func New(cfg *config.Config, opts ...Option) (*Scraper, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Scraper{
		config: cfg,
		clock:  clockwork.NewRealClock(),
		stats:  newCounters(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.GetLogger()
	}
	s.logger = s.logger.WithComponent("scraper")

	if err := s.buildComponents(); err != nil {
		s.Close()
		return nil, err
	}

	s.logger.InfoWithFields("Scraper initialised", map[string]interface{}{
		"concurrency":         cfg.Concurrency,
		"max_retries":         cfg.MaxRetries,
		"proxies":             s.proxyCount(),
		"requests_per_window": cfg.RateLimit.RequestsPerWindow,
		"window":              cfg.RateLimit.WindowDuration.String(),
		"session_target":      s.sessionTarget,
	})
	return s, nil
}

func (s *Scraper) buildComponents() error {
	cfg := s.config

	if s.limiter == nil {
		var limOpts []ratelimit.Option
		for domain, n := range cfg.RateLimit.DomainOverrides {
			limOpts = append(limOpts, ratelimit.WithScopeCapacity(strings.ToLower(domain), n))
		}
		l, err := ratelimit.New(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration, limOpts...)
		if err != nil {
			return err
		}
		s.limiter = l
	}

	if s.proxies == nil && len(cfg.Proxies) > 0 {
		endpoints, err := proxy.FromConfigs(cfg.Proxies)
		if err != nil {
			return fmt.Errorf("%w: %w", errs.ErrInvalidConfig, err)
		}
		proxyOpts := []proxy.Option{
			proxy.WithMaxFailures(cfg.Proxy.MaxFailures),
			proxy.WithCooldown(cfg.Proxy.CooldownDuration),
			proxy.WithLogger(s.logger),
		}
		if cfg.Proxy.HealthCheckTarget != "" {
			proxyOpts = append(proxyOpts, proxy.WithProber(
				proxy.NewHTTPProber(cfg.Proxy.HealthCheckTarget, cfg.Proxy.HealthCheckTimeout)))
		}
		m, err := proxy.NewManager(endpoints, proxyOpts...)
		if err != nil {
			return err
		}
		s.proxies = m
	}

	if s.provider == nil {
		p, err := antidetect.FromConfig(cfg.AntiDetection)
		if err != nil {
			return fmt.Errorf("%w: %w", errs.ErrInvalidConfig, err)
		}
		s.provider = p
	}

	if s.fetcher == nil {
		s.fetcher = transport.NewHTTPFetcher(
			transport.WithClock(s.clock),
			transport.WithLogger(s.logger),
		)
	}
	if s.classifier == nil {
		s.classifier = transport.NewClassifier()
	}
	s.policy = retry.NewPolicy(cfg.Retry)

	s.sessionTarget = cfg.Session.TargetID
	if s.sessionTarget == "" && cfg.BaseURL != "" {
		if u, err := url.Parse(cfg.BaseURL); err == nil {
			s.sessionTarget = u.Hostname()
		}
	}

	if s.sessions == nil && (cfg.Session.Store.Path != "" || cfg.Session.TargetID != "") {
		sessOpts := []session.Option{
			session.WithTTL(cfg.Session.TTL),
			session.WithClock(s.clock),
			session.WithLogger(s.logger),
		}
		if cfg.Session.Store.Encrypt {
			pass, err := session.ResolvePassphrase(true)
			if err != nil {
				return err
			}
			sessOpts = append(sessOpts, session.WithPassphrase(pass))
		}
		store, err := session.Open(cfg.Session.Store.Path, sessOpts...)
		if err != nil {
			return err
		}
		s.sessions = store
		s.ownsSessions = true
	}

	if s.validator == nil && s.sessions != nil && cfg.BaseURL != "" {
		s.validator = NewProbeValidator(s, cfg.BaseURL)
	}
	return nil
}

func (s *Scraper) proxyCount() int {
	if s.proxies == nil {
		return 0
	}
	return s.proxies.Size()
}

// Start launches the background proxy health monitor when a health-check
// target is configured. It is optional: exhausted tasks also recover
// proxies on demand.
func (s *Scraper) Start(ctx context.Context) {
	if s.proxies == nil || s.config.Proxy.HealthCheckTarget == "" || s.config.Proxy.HealthCheckInterval <= 0 {
		return
	}
	if s.monitor == nil {
		s.monitor = proxy.NewMonitor(s.proxies, s.config.Proxy.HealthCheckInterval)
		s.monitor.Start(ctx)
	}
}

// Close stops the monitor and releases resources the scraper opened
func (s *Scraper) Close() error {
	if s.monitor != nil {
		s.monitor.Stop()
		s.monitor = nil
	}
	if f, ok := s.fetcher.(*transport.HTTPFetcher); ok {
		f.CloseIdleConnections()
	}
	if s.ownsSessions && s.sessions != nil {
		return s.sessions.Close()
	}
	return nil
}

// Stats returns a snapshot of the counters and proxy health
func (s *Scraper) Stats() Statistics {
	var pool []proxy.Status
	if s.proxies != nil {
		pool = s.proxies.Snapshot()
	}
	return s.stats.snapshot(pool)
}

// ScrapeBatch scrapes urls with bounded concurrency. It never fails as a
// whole; cancellation shows up as per-URL failures.
func (s *Scraper) ScrapeBatch(ctx context.Context, urls []string) *BatchResult {
	return s.scrapeBatch(ctx, urls, nil)
}

func (s *Scraper) scrapeBatch(ctx context.Context, urls []string, onSuccess func(*TaskResult)) *BatchResult {
	start := s.clock.Now()

	s.logger.InfoWithFields("Starting batch", map[string]interface{}{
		"urls":        len(urls),
		"concurrency": s.config.Concurrency,
	})

	results := workerpool.Run(ctx, s.config.Concurrency, urls, func(ctx context.Context, u string) *TaskResult {
		r := s.Scrape(ctx, u)
		if r.OK() && onSuccess != nil {
			onSuccess(r)
		}
		return r
	}, s.logger)

	batch := newBatchResult(results)
	batch.Duration = s.clock.Since(start)

	s.logger.InfoWithFields("Batch finished", map[string]interface{}{
		"successes":   len(batch.Successes),
		"failures":    len(batch.Failures),
		"duration_ms": batch.Duration.Milliseconds(),
	})
	return batch
}

// ScrapeBatchResumable is ScrapeBatch with a named checkpoint: URLs that
// completed in an earlier run are skipped and reported in Skipped, and
// every success is recorded as it happens. The checkpoint is removed once
// the whole batch has succeeded. Only checkpoint I/O fails the call.
func (s *Scraper) ScrapeBatchResumable(ctx context.Context, name string, urls []string) (*BatchResult, error) {
	mgr, err := checkpoint.NewManager(s.config.Checkpoint.Directory, name,
		checkpoint.WithClock(s.clock), checkpoint.WithLogger(s.logger))
	if err != nil {
		return nil, err
	}
	cp, err := mgr.LoadOrCreate(len(urls))
	if err != nil {
		return nil, err
	}

	pending := cp.Pending(urls)
	var skipped []string
	if len(pending) < len(urls) {
		for _, u := range urls {
			if cp.IsCompleted(u) {
				skipped = append(skipped, u)
			}
		}
		s.logger.InfoWithFields("Resuming batch from checkpoint", map[string]interface{}{
			"batch":   name,
			"skipped": len(skipped),
			"pending": len(pending),
		})
	}

	var recordErr error
	var recordMu sync.Mutex
	batch := s.scrapeBatch(ctx, pending, func(r *TaskResult) {
		if err := mgr.RecordCompleted(cp, r.URL); err != nil {
			recordMu.Lock()
			recordErr = errors.Join(recordErr, err)
			recordMu.Unlock()
		}
	})
	batch.Skipped = skipped

	if recordErr != nil {
		return batch, fmt.Errorf("failed to record checkpoint progress: %w", recordErr)
	}
	if len(batch.Failures) == 0 {
		if err := mgr.Delete(); err != nil {
			return batch, err
		}
	}
	return batch, nil
}

// Scrape runs one URL through the state machine
func (s *Scraper) Scrape(ctx context.Context, rawURL string) *TaskResult {
	s.ensureSession(ctx)

	task := newTask(rawURL, s.clock.Now())
	log := s.logger.WithFields(map[string]interface{}{
		"task_id": task.ID,
		"url":     rawURL,
	})

	result := s.run(ctx, task, log)

	if n := s.stats.taskDone(result.OK()); s.config.Session.RotationInterval > 0 &&
		n%int64(s.config.Session.RotationInterval) == 0 && ctx.Err() == nil {
		if err := s.maintainSession(ctx); err != nil {
			log.WithError(err).Warn("Session maintenance failed")
		}
	}
	return result
}

func (s *Scraper) run(parent context.Context, task *FetchTask, log logger.Logger) *TaskResult {
	scope, err := s.scopeFor(task.URL)
	if err != nil {
		return s.finish(task, log, OutcomeFatalFailure, errs.Wrap(errs.ErrorTypeConfig, err, "invalid url"), nil)
	}
	task.Scope = scope

	ctx, cancel := context.WithTimeout(parent, s.config.TaskTimeout)
	defer cancel()

	maxAttempts := s.config.MaxRetries + 1
	for {
		task.Attempt++
		task.Proxy = ""

		task.State = StateAwaitRateSlot
		if err := s.awaitRateSlot(ctx, task.Scope); err != nil {
			return s.interrupted(parent, task, log, err)
		}

		task.State = StateAcquireProxy
		lease, err := s.acquireProxy(ctx, log)
		if err != nil {
			if parent.Err() != nil {
				return s.finish(task, log, OutcomeCancelled, parent.Err(), nil)
			}
			if errors.Is(err, errs.ErrNoHealthyProxies) {
				return s.finish(task, log, OutcomePoolExhausted, err, nil)
			}
			return s.interrupted(parent, task, log, err)
		}
		if lease != nil {
			task.Proxy = lease.Endpoint.String()
		}

		task.State = StateExecute
		resp, cls := s.execute(ctx, task, lease)

		if parent.Err() != nil || (ctx.Err() != nil && cls.Kind != transport.KindSuccess) {
			// the attempt did not fail on its own merit
			if lease != nil {
				lease.Release()
			}
			return s.interrupted(parent, task, log, ctx.Err())
		}

		switch cls.Kind {
		case transport.KindSuccess:
			s.stats.successes.Add(1)
			if lease != nil {
				s.proxies.MarkSuccess(lease)
			}
			return s.finish(task, log, OutcomeSuccess, nil, resp)

		case transport.KindFatal:
			s.stats.failures.Add(1)
			if lease != nil {
				lease.Release()
			}
			return s.finish(task, log, OutcomeFatalFailure, cls.Err(statusOf(resp)), resp)
		}

		s.stats.failures.Add(1)
		if lease != nil {
			s.proxies.MarkFailure(lease)
			s.stats.proxyFailed(lease.Endpoint.ID)
		}
		task.Err = cls.Err(statusOf(resp))

		delay := s.policy.Delay(cls.Type, task.Attempt)
		if cls.Type == errs.ErrorTypeRateLimit {
			s.stats.targetLimits.Add(1)
			delay = max(delay, cls.RetryAfter)
		}

		if task.Attempt >= maxAttempts {
			return s.finish(task, log, OutcomeRetryableFailure, task.Err, resp)
		}

		log.WithError(task.Err).WarnWithFields("Attempt failed, retrying", map[string]interface{}{
			"attempt":    task.Attempt,
			"error_type": string(cls.Type),
			"proxy":      task.Proxy,
			"delay_ms":   delay.Milliseconds(),
		})

		task.State = StateBackoff
		s.stats.retries.Add(1)
		if err := retry.Wait(ctx, s.clock, delay); err != nil {
			return s.interrupted(parent, task, log, err)
		}
	}
}

// interrupted ends a task whose context ended. The caller's cancellation is
// OutcomeCancelled; running out of task time keeps the last failure.
func (s *Scraper) interrupted(parent context.Context, task *FetchTask, log logger.Logger, err error) *TaskResult {
	if parent.Err() != nil {
		return s.finish(task, log, OutcomeCancelled, parent.Err(), nil)
	}
	cause := task.Err
	if cause == nil {
		cause = err
	}
	return s.finish(task, log, OutcomeRetryableFailure,
		fmt.Errorf("task timeout after %d attempts: %w", task.Attempt, cause), nil)
}

func (s *Scraper) scopeFor(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host")
	}
	if !s.config.RateLimit.PerDomain {
		return ratelimit.GlobalScope, nil
	}
	return strings.ToLower(u.Hostname()), nil
}

// awaitRateSlot suspends until the limiter admits the task. A cancelled
// wait holds no admission.
func (s *Scraper) awaitRateSlot(ctx context.Context, scope string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wait := s.limiter.Acquire(scope)
	if wait == 0 {
		return nil
	}
	s.stats.rateLimitWaits.Add(1)
	if err := retry.Wait(ctx, s.clock, wait); err != nil {
		return err
	}
	return s.limiter.Wait(ctx, scope)
}

// acquireProxy leases a healthy proxy, or returns nil for a direct fetch
// when no pool is configured. While the pool is exhausted it tries due
// recoveries and waits ProxyRetryInterval until ctx ends, then returns the
// exhaustion error.
func (s *Scraper) acquireProxy(ctx context.Context, log logger.Logger) (*proxy.Lease, error) {
	if s.proxies == nil {
		return nil, nil
	}

	for {
		lease, err := s.proxies.Next()
		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, errs.ErrNoHealthyProxies) {
			return nil, err
		}

		s.stats.poolWaits.Add(1)
		if s.proxies.RecoverDue(ctx) > 0 {
			continue
		}

		log.WithError(err).DebugWithFields("Proxy pool exhausted, waiting", map[string]interface{}{
			"retry_in_ms": s.config.ProxyRetryInterval.Milliseconds(),
		})
		if waitErr := retry.Wait(ctx, s.clock, s.config.ProxyRetryInterval); waitErr != nil {
			return nil, fmt.Errorf("%w (%v)", err, waitErr)
		}
	}
}

func (s *Scraper) execute(ctx context.Context, task *FetchTask, lease *proxy.Lease) (*transport.Response, transport.Classification) {
	return s.send(ctx, task.URL, s.sessionCookies(), lease)
}

// send fetches rawURL once with a fresh fingerprint, bounded by the
// per-attempt timeout
func (s *Scraper) send(ctx context.Context, rawURL string, cookies []*http.Cookie, lease *proxy.Lease) (*transport.Response, transport.Classification) {
	fp := s.provider.Fingerprint()
	if err := retry.Wait(ctx, s.clock, s.provider.PreRequestDelay()); err != nil {
		return nil, transport.Classify(nil, err)
	}

	req := transport.Request{
		URL:         rawURL,
		Fingerprint: fp,
		Cookies:     cookies,
	}
	if lease != nil {
		ep := lease.Endpoint
		req.Proxy = &ep
	}
	if s.interaction {
		req.Plan = s.provider.InteractionPlan(fp, "")
	}

	attemptCtx, cancel := context.WithTimeout(ctx, s.config.PerAttemptTimeout)
	defer cancel()

	s.stats.requests.Add(1)
	resp, err := s.fetcher.Fetch(attemptCtx, req)
	return resp, s.classifier.Classify(resp, err)
}

func (s *Scraper) finish(task *FetchTask, log logger.Logger, outcome Outcome, err error, resp *transport.Response) *TaskResult {
	task.State = StateDone
	task.Outcome = outcome
	task.Err = err

	r := &TaskResult{
		TaskID:   task.ID,
		URL:      task.URL,
		Outcome:  outcome,
		Attempts: task.Attempt,
		Proxy:    task.Proxy,
		Duration: s.clock.Since(task.Started),
		Err:      err,
	}
	if resp != nil {
		r.StatusCode = resp.StatusCode
	}

	if outcome == OutcomeSuccess {
		r.Header = resp.Header
		r.Body = resp.Body
		log.DebugWithFields("Task succeeded", map[string]interface{}{
			"attempts":    task.Attempt,
			"status_code": r.StatusCode,
			"bytes":       len(r.Body),
		})
		return r
	}

	r.ErrorType = errs.TypeOf(err)
	switch outcome {
	case OutcomePoolExhausted:
		r.ErrorType = errs.ErrorTypePoolExhausted
	case OutcomeCancelled:
		r.ErrorType = errs.ErrorTypeUnknown
	}
	if err != nil {
		r.Reason = err.Error()
	}

	log.WithError(err).WarnWithFields("Task failed", map[string]interface{}{
		"outcome":    outcome.String(),
		"attempts":   task.Attempt,
		"error_type": string(r.ErrorType),
	})
	return r
}

func statusOf(resp *transport.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

// retryConfig builds the retry.Do settings used for session refreshes
func (s *Scraper) retryConfig() *retry.Config {
	return &retry.Config{
		MaxAttempts: s.config.MaxRetries + 1,
		Backoff:     s.policy.Default,
		RetryIf:     retry.DefaultRetryIf,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			s.stats.retries.Add(1)
		},
		Clock:  s.clock,
		Logger: s.logger,
	}
}
