package proxy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	errs "stealthscrape/pkg/errors"
	"stealthscrape/pkg/logger"
)

const (
	DefaultMaxFailures      = 3
	DefaultCooldown         = 5 * time.Minute
	defaultProbeConcurrency = 8
)

// Health is the rotation eligibility of a proxy
type Health int

const (
	Healthy Health = iota
	Cooldown
	Removed
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Cooldown:
		return "cooldown"
	case Removed:
		return "removed"
	default:
		return fmt.Sprintf("health(%d)", int(h))
	}
}

// Prober checks whether a proxy can reach the health-check target
type Prober interface {
	Probe(ctx context.Context, e Endpoint) error
}

// state is the mutable record behind one endpoint
type state struct {
	mu       sync.Mutex
	endpoint Endpoint
	health   Health
	until    time.Time
	failures int
	lastUsed time.Time
	inUse    int

	totalSuccesses int64
	totalFailures  int64
}

// Status is a read-only copy of a proxy's state
type Status struct {
	Endpoint            Endpoint
	Health              Health
	CooldownUntil       time.Time
	ConsecutiveFailures int
	LastUsed            time.Time
	InUse               int
	TotalSuccesses      int64
	TotalFailures       int64
}

// Lease is a proxy handed out by Next. Exactly one of MarkSuccess,
// MarkFailure or Release ends it; later calls are no-ops.
type Lease struct {
	Endpoint Endpoint

	st   *state
	once sync.Once
}

// Release returns the proxy to rotation without touching its health
func (l *Lease) Release() {
	l.end(func(*state) {})
}

func (l *Lease) end(fn func(*state)) bool {
	ended := false
	l.once.Do(func() {
		l.st.mu.Lock()
		defer l.st.mu.Unlock()
		if l.st.inUse > 0 {
			l.st.inUse--
		}
		fn(l.st)
		ended = true
	})
	return ended
}

// Manager owns a proxy pool and rotates over its healthy members
type Manager struct {
	maxFailures      int
	cooldown         time.Duration
	prober           Prober
	probeConcurrency int
	clock            clockwork.Clock
	log              logger.Logger

	mu      sync.RWMutex
	proxies []*state
	byID    map[string]*state
	cursor  atomic.Uint64
}

// Option configures a Manager
type Option func(*Manager)

// WithMaxFailures sets the consecutive failures that trigger a cooldown
func WithMaxFailures(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxFailures = n
		}
	}
}

// WithCooldown sets the cooldown duration
func WithCooldown(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.cooldown = d
		}
	}
}

// WithProber sets the health prober. Without one, cooldown expiry alone
// restores a proxy.
func WithProber(p Prober) Option {
	return func(m *Manager) {
		m.prober = p
	}
}

// WithProbeConcurrency bounds concurrent probes in RecoverDue
func WithProbeConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.probeConcurrency = n
		}
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

func WithLogger(l logger.Logger) Option {
	return func(m *Manager) {
		m.log = l
	}
}

// NewManager creates a manager over endpoints. Endpoints without an ID are
// identified by their address.
func NewManager(endpoints []Endpoint, opts ...Option) (*Manager, error) {
	m := &Manager{
		maxFailures:      DefaultMaxFailures,
		cooldown:         DefaultCooldown,
		probeConcurrency: defaultProbeConcurrency,
		clock:            clockwork.NewRealClock(),
		byID:             make(map[string]*state),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logger.GetLogger()
	}
	m.log = m.log.WithComponent("proxy")

	for _, e := range endpoints {
		if err := m.Add(e); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Add puts a new endpoint into rotation. A removed endpoint with the same
// ID is replaced.
func (m *Manager) Add(e Endpoint) error {
	if err := e.validate(); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = e.Address()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.byID[e.ID]; ok {
		old.mu.Lock()
		removed := old.health == Removed
		old.mu.Unlock()
		if !removed {
			return fmt.Errorf("proxy %s already in pool", e.ID)
		}
		for i, st := range m.proxies {
			if st == old {
				m.proxies = append(m.proxies[:i], m.proxies[i+1:]...)
				break
			}
		}
	}

	st := &state{endpoint: e}
	m.proxies = append(m.proxies, st)
	m.byID[e.ID] = st
	return nil
}

// Remove takes a proxy out of rotation permanently
func (m *Manager) Remove(id string) error {
	m.mu.RLock()
	st, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", errs.ErrProxyNotFound, id)
	}

	st.mu.Lock()
	st.health = Removed
	st.mu.Unlock()

	m.log.WithField("proxy", id).Info("Proxy removed from pool")
	return nil
}

// Size returns the number of proxies in the pool, including removed ones
func (m *Manager) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.proxies)
}

// eligible reports whether st may be handed out. A cooled-down proxy whose
// deadline passed is restored here when no prober is configured. Caller
// holds st.mu.
func (m *Manager) eligible(st *state, now time.Time) bool {
	switch st.health {
	case Healthy:
		return true
	case Cooldown:
		if m.prober == nil && !now.Before(st.until) {
			st.health = Healthy
			st.until = time.Time{}
			m.log.WithField("proxy", st.endpoint.ID).Info("Proxy cooldown expired")
			return true
		}
	}
	return false
}

// Next returns the next healthy proxy in round-robin order, or a
// *errors.NoHealthyProxiesError when none is eligible.
func (m *Manager) Next() (*Lease, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := len(m.proxies)
	now := m.clock.Now()
	if n > 0 {
		start := int((m.cursor.Add(1) - 1) % uint64(n))
		for i := 0; i < n; i++ {
			st := m.proxies[(start+i)%n]

			st.mu.Lock()
			if m.eligible(st, now) {
				st.inUse++
				st.lastUsed = now
				lease := &Lease{Endpoint: st.endpoint, st: st}
				st.mu.Unlock()

				if i > 0 {
					// skip past the ineligible ones for the next caller
					m.cursor.Store(uint64(start + i + 1))
				}
				return lease, nil
			}
			st.mu.Unlock()
		}
	}

	exhausted := &errs.NoHealthyProxiesError{PoolSize: n}
	for _, st := range m.proxies {
		st.mu.Lock()
		switch st.health {
		case Cooldown:
			exhausted.Cooldown++
		case Removed:
			exhausted.Removed++
		}
		st.mu.Unlock()
	}
	return nil, exhausted
}

// MarkSuccess resets the proxy's consecutive failures and ends the lease
func (m *Manager) MarkSuccess(l *Lease) {
	l.end(func(st *state) {
		st.failures = 0
		st.totalSuccesses++
	})
}

// MarkFailure counts a failure and ends the lease. Reaching maxFailures
// moves the proxy to cooldown and resets the counter.
func (m *Manager) MarkFailure(l *Lease) {
	var cooled bool
	var until time.Time

	l.end(func(st *state) {
		st.totalFailures++
		if st.health != Healthy {
			return
		}
		st.failures++
		if st.failures >= m.maxFailures {
			st.health = Cooldown
			st.until = m.clock.Now().Add(m.cooldown)
			st.failures = 0
			cooled, until = true, st.until
		}
	})

	if cooled {
		m.log.WithFields(map[string]interface{}{
			"proxy": l.Endpoint.ID,
			"until": until,
		}).Warn("Proxy entered cooldown")
	}
}

func (m *Manager) lookup(id string) (*state, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errs.ErrProxyNotFound, id)
	}
	return st, nil
}

// HealthCheck probes one proxy. Success returns it to rotation regardless
// of remaining cooldown; failure keeps or puts it in cooldown and extends
// the deadline by one cooldown period. The probe error is returned with
// false.
func (m *Manager) HealthCheck(ctx context.Context, id string) (bool, error) {
	st, err := m.lookup(id)
	if err != nil {
		return false, err
	}
	if m.prober == nil {
		return false, fmt.Errorf("%w: no health prober configured", errs.ErrInvalidConfig)
	}

	st.mu.Lock()
	endpoint, health := st.endpoint, st.health
	st.mu.Unlock()
	if health == Removed {
		return false, fmt.Errorf("proxy %s was removed", id)
	}

	probeErr := m.prober.Probe(ctx, endpoint)
	if ctx.Err() != nil {
		// cancellation says nothing about the proxy
		return false, ctx.Err()
	}

	log := m.log.WithField("proxy", id)

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.health == Removed {
		return false, fmt.Errorf("proxy %s was removed", id)
	}

	if probeErr == nil {
		if st.health == Cooldown {
			log.Info("Proxy passed health check, back in rotation")
		}
		st.health = Healthy
		st.until = time.Time{}
		st.failures = 0
		return true, nil
	}

	now := m.clock.Now()
	base := st.until
	if base.Before(now) {
		base = now
	}
	st.health = Cooldown
	st.until = base.Add(m.cooldown)
	st.failures = 0
	log.WithError(probeErr).WithField("until", st.until).Warn("Proxy failed health check")
	return false, probeErr
}

// RecoverDue health-checks every cooled-down proxy whose deadline passed
// and returns how many came back. Without a prober, expiry alone restores.
func (m *Manager) RecoverDue(ctx context.Context) int {
	now := m.clock.Now()

	m.mu.RLock()
	var due []*state
	for _, st := range m.proxies {
		st.mu.Lock()
		if st.health == Cooldown && !now.Before(st.until) {
			due = append(due, st)
		}
		st.mu.Unlock()
	}
	m.mu.RUnlock()

	if len(due) == 0 {
		return 0
	}

	if m.prober == nil {
		recovered := 0
		for _, st := range due {
			st.mu.Lock()
			if m.eligible(st, now) {
				recovered++
			}
			st.mu.Unlock()
		}
		return recovered
	}

	var recovered atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.probeConcurrency)
	for _, st := range due {
		id := st.endpoint.ID
		g.Go(func() error {
			if ok, _ := m.HealthCheck(gctx, id); ok {
				recovered.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return int(recovered.Load())
}

// CheckAll probes every non-removed proxy and returns the result per ID
func (m *Manager) CheckAll(ctx context.Context) map[string]error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.proxies))
	for _, st := range m.proxies {
		st.mu.Lock()
		if st.health != Removed {
			ids = append(ids, st.endpoint.ID)
		}
		st.mu.Unlock()
	}
	m.mu.RUnlock()

	var mu sync.Mutex
	results := make(map[string]error, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.probeConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			_, err := m.HealthCheck(gctx, id)
			mu.Lock()
			results[id] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Snapshot returns a copy of every proxy's state in pool order
func (m *Manager) Snapshot() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.proxies))
	for _, st := range m.proxies {
		st.mu.Lock()
		out = append(out, Status{
			Endpoint:            st.endpoint,
			Health:              st.health,
			CooldownUntil:       st.until,
			ConsecutiveFailures: st.failures,
			LastUsed:            st.lastUsed,
			InUse:               st.inUse,
			TotalSuccesses:      st.totalSuccesses,
			TotalFailures:       st.totalFailures,
		})
		st.mu.Unlock()
	}
	return out
}
