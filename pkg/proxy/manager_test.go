package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "stealthscrape/pkg/errors"
	"stealthscrape/pkg/logger"
)

type fakeProber struct {
	mu     sync.Mutex
	fail   map[string]error
	probed []string
}

func (p *fakeProber) Probe(_ context.Context, e Endpoint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probed = append(p.probed, e.ID)
	return p.fail[e.ID]
}

func (p *fakeProber) setFail(id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail == nil {
		p.fail = make(map[string]error)
	}
	p.fail[id] = err
}

func endpoints(ids ...string) []Endpoint {
	out := make([]Endpoint, 0, len(ids))
	for i, id := range ids {
		out = append(out, Endpoint{ID: id, Host: fmt.Sprintf("10.0.0.%d", i+1), Port: 8080, Protocol: ProtocolHTTP})
	}
	return out
}

func newTestManager(t *testing.T, clk clockwork.Clock, prober Prober, ids ...string) *Manager {
	t.Helper()
	opts := []Option{WithClock(clk), WithLogger(logger.NewNopLogger())}
	if prober != nil {
		opts = append(opts, WithProber(prober))
	}
	m, err := NewManager(endpoints(ids...), opts...)
	require.NoError(t, err)
	return m
}

// failUntilCooldown fails id maxFailures times, releasing other proxies
// with success.
func failUntilCooldown(t *testing.T, m *Manager, id string) {
	t.Helper()
	for failed := 0; failed < m.maxFailures; {
		lease, err := m.Next()
		require.NoError(t, err)
		if lease.Endpoint.ID == id {
			m.MarkFailure(lease)
			failed++
		} else {
			m.MarkSuccess(lease)
		}
	}
}

func TestRoundRobin(t *testing.T) {
	m := newTestManager(t, clockwork.NewFakeClock(), nil, "a", "b", "c")

	var got []string
	for i := 0; i < 6; i++ {
		lease, err := m.Next()
		require.NoError(t, err)
		got = append(got, lease.Endpoint.ID)
		lease.Release()
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, got)
}

func TestFailedProxyLeavesTenCallRotation(t *testing.T) {
	m := newTestManager(t, clockwork.NewFakeClock(), nil, "a", "b", "c")
	failUntilCooldown(t, m, "a")

	counts := map[string]int{}
	for i := 0; i < 10; i++ {
		lease, err := m.Next()
		require.NoError(t, err)
		counts[lease.Endpoint.ID]++
		m.MarkSuccess(lease)
	}

	assert.Zero(t, counts["a"])
	assert.Equal(t, 10, counts["b"]+counts["c"])
	assert.InDelta(t, counts["b"], counts["c"], 2)
}

func TestExcludedImmediatelyAfterMaxFailures(t *testing.T) {
	for _, maxFailures := range []int{1, 2, 3, 5} {
		t.Run(fmt.Sprintf("max_%d", maxFailures), func(t *testing.T) {
			clk := clockwork.NewFakeClock()
			m, err := NewManager(endpoints("a", "b"),
				WithClock(clk), WithMaxFailures(maxFailures), WithLogger(logger.NewNopLogger()))
			require.NoError(t, err)

			failUntilCooldown(t, m, "a")

			for i := 0; i < 4; i++ {
				lease, err := m.Next()
				require.NoError(t, err)
				assert.NotEqual(t, "a", lease.Endpoint.ID)
				lease.Release()
			}

			status := m.Snapshot()[0]
			assert.Equal(t, Cooldown, status.Health)
			assert.Zero(t, status.ConsecutiveFailures, "counter resets on cooldown")
			assert.Equal(t, clk.Now().Add(DefaultCooldown), status.CooldownUntil)
		})
	}
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	m := newTestManager(t, clockwork.NewFakeClock(), nil, "a")

	for i := 0; i < 2; i++ {
		lease, _ := m.Next()
		m.MarkFailure(lease)
	}
	lease, _ := m.Next()
	m.MarkSuccess(lease)
	for i := 0; i < 2; i++ {
		lease, _ := m.Next()
		m.MarkFailure(lease)
	}

	_, err := m.Next()
	assert.NoError(t, err, "failures were not consecutive")
}

func TestHealthCheckOverridesCooldown(t *testing.T) {
	clk := clockwork.NewFakeClock()
	prober := &fakeProber{}
	m := newTestManager(t, clk, prober, "a")
	failUntilCooldown(t, m, "a")

	_, err := m.Next()
	require.ErrorIs(t, err, errs.ErrNoHealthyProxies)

	clk.Advance(time.Minute) // well inside the cooldown
	ok, err := m.HealthCheck(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, ok)

	lease, err := m.Next()
	require.NoError(t, err)
	assert.Equal(t, "a", lease.Endpoint.ID)
}

func TestFailedHealthCheckExtendsCooldown(t *testing.T) {
	clk := clockwork.NewFakeClock()
	prober := &fakeProber{}
	prober.setFail("a", errors.New("connect refused"))
	m := newTestManager(t, clk, prober, "a")
	failUntilCooldown(t, m, "a")
	firstUntil := m.Snapshot()[0].CooldownUntil

	ok, err := m.HealthCheck(context.Background(), "a")
	assert.False(t, ok)
	assert.EqualError(t, err, "connect refused")

	status := m.Snapshot()[0]
	assert.Equal(t, Cooldown, status.Health)
	assert.Equal(t, firstUntil.Add(DefaultCooldown), status.CooldownUntil)
}

func TestCooldownExpiryWithoutProber(t *testing.T) {
	clk := clockwork.NewFakeClock()
	m := newTestManager(t, clk, nil, "a")
	failUntilCooldown(t, m, "a")

	_, err := m.Next()
	require.Error(t, err)

	clk.Advance(DefaultCooldown)
	lease, err := m.Next()
	require.NoError(t, err)
	assert.Equal(t, "a", lease.Endpoint.ID)
}

func TestExhaustionAndRecovery(t *testing.T) {
	clk := clockwork.NewFakeClock()
	prober := &fakeProber{}
	m := newTestManager(t, clk, prober, "a", "b", "c")
	for _, id := range []string{"a", "b", "c"} {
		failUntilCooldown(t, m, id)
	}

	_, err := m.Next()
	var exhausted *errs.NoHealthyProxiesError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.PoolSize)
	assert.Equal(t, 3, exhausted.Cooldown)
	assert.ErrorIs(t, err, errs.ErrNoHealthyProxies)

	// nothing is due yet, and a prober never restores on expiry alone
	assert.Zero(t, m.RecoverDue(context.Background()))

	prober.setFail("a", errors.New("still dead"))
	prober.setFail("c", errors.New("still dead"))
	clk.Advance(DefaultCooldown)
	_, err = m.Next()
	require.Error(t, err, "expired proxies wait for a health check")

	assert.Equal(t, 1, m.RecoverDue(context.Background()))
	for i := 0; i < 3; i++ {
		lease, err := m.Next()
		require.NoError(t, err)
		assert.Equal(t, "b", lease.Endpoint.ID)
		lease.Release()
	}
}

func TestLeaseEndsOnce(t *testing.T) {
	m := newTestManager(t, clockwork.NewFakeClock(), nil, "a")

	lease, err := m.Next()
	require.NoError(t, err)
	assert.Equal(t, 1, m.Snapshot()[0].InUse)

	m.MarkFailure(lease)
	m.MarkFailure(lease)
	lease.Release()

	status := m.Snapshot()[0]
	assert.Zero(t, status.InUse)
	assert.Equal(t, int64(1), status.TotalFailures)
	assert.Equal(t, 1, status.ConsecutiveFailures)
}

func TestRemoveAndAdd(t *testing.T) {
	m := newTestManager(t, clockwork.NewFakeClock(), nil, "a", "b")

	require.NoError(t, m.Remove("a"))
	assert.ErrorIs(t, m.Remove("zzz"), errs.ErrProxyNotFound)

	for i := 0; i < 4; i++ {
		lease, err := m.Next()
		require.NoError(t, err)
		assert.Equal(t, "b", lease.Endpoint.ID)
		lease.Release()
	}

	assert.Error(t, m.Add(Endpoint{ID: "b", Host: "h", Port: 1, Protocol: ProtocolHTTP}))
	require.NoError(t, m.Add(Endpoint{ID: "a", Host: "h", Port: 1, Protocol: ProtocolSOCKS5}))
	assert.Equal(t, 2, m.Size())

	_, err := m.HealthCheck(context.Background(), "missing")
	assert.ErrorIs(t, err, errs.ErrProxyNotFound)
}

func TestEmptyPool(t *testing.T) {
	m := newTestManager(t, clockwork.NewFakeClock(), nil)
	_, err := m.Next()

	var exhausted *errs.NoHealthyProxiesError
	require.ErrorAs(t, err, &exhausted)
	assert.Zero(t, exhausted.PoolSize)
}

func TestConcurrentLeases(t *testing.T) {
	m := newTestManager(t, clockwork.NewFakeClock(), nil, "a", "b", "c", "d")

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lease, err := m.Next()
			if err != nil {
				return
			}
			if i%7 == 0 {
				m.MarkFailure(lease)
			} else {
				m.MarkSuccess(lease)
			}
		}(i)
	}
	wg.Wait()

	for _, s := range m.Snapshot() {
		assert.Zero(t, s.InUse, s.Endpoint.ID)
	}
}

func TestMonitorRecoversProxies(t *testing.T) {
	clk := clockwork.NewFakeClock()
	prober := &fakeProber{}
	m := newTestManager(t, clk, prober, "a")
	failUntilCooldown(t, m, "a")

	mon := NewMonitor(m, time.Minute)
	mon.Start(context.Background())
	defer mon.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clk.BlockUntilContext(ctx, 1))
	clk.Advance(DefaultCooldown)

	require.Eventually(t, func() bool {
		return m.Snapshot()[0].Health == Healthy
	}, time.Second, 10*time.Millisecond)
}
