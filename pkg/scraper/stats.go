package scraper

import (
	"sync"
	"sync/atomic"

	"stealthscrape/pkg/proxy"
)

// ProxyHealth summarises one proxy for a Statistics snapshot
type ProxyHealth struct {
	ID                  string `json:"id"`
	Address             string `json:"address"`
	Health              string `json:"health"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Failures            int64  `json:"failures"`
}

// Statistics is a read-only snapshot of the scraper's counters
type Statistics struct {
	TotalRequests      int64 `json:"total_requests"`
	SuccessfulRequests int64 `json:"successful_requests"`
	FailedRequests     int64 `json:"failed_requests"`
	Retries            int64 `json:"retries"`

	TasksCompleted int64 `json:"tasks_completed"`
	TasksSucceeded int64 `json:"tasks_succeeded"`
	TasksFailed    int64 `json:"tasks_failed"`

	// RateLimitWaits counts local limiter suspensions
	RateLimitWaits int64 `json:"rate_limit_waits"`
	// TargetRateLimits counts rate-limit signals sent by the target
	TargetRateLimits   int64 `json:"target_rate_limits"`
	PoolExhaustedWaits int64 `json:"pool_exhausted_waits"`
	SessionRefreshes   int64 `json:"session_refreshes"`

	SuccessRate float64       `json:"success_rate"`
	Proxies     []ProxyHealth `json:"proxies,omitempty"`
}

type counters struct {
	requests       atomic.Int64
	successes      atomic.Int64
	failures       atomic.Int64
	retries        atomic.Int64
	tasksCompleted atomic.Int64
	tasksSucceeded atomic.Int64
	tasksFailed    atomic.Int64
	rateLimitWaits atomic.Int64
	targetLimits   atomic.Int64
	poolWaits      atomic.Int64
	refreshes      atomic.Int64

	mu            sync.Mutex
	proxyFailures map[string]int64
}

func newCounters() *counters {
	return &counters{proxyFailures: make(map[string]int64)}
}

func (c *counters) proxyFailed(id string) {
	c.mu.Lock()
	c.proxyFailures[id]++
	c.mu.Unlock()
}

func (c *counters) taskDone(ok bool) int64 {
	if ok {
		c.tasksSucceeded.Add(1)
	} else {
		c.tasksFailed.Add(1)
	}
	return c.tasksCompleted.Add(1)
}

func (c *counters) snapshot(pool []proxy.Status) Statistics {
	s := Statistics{
		TotalRequests:      c.requests.Load(),
		SuccessfulRequests: c.successes.Load(),
		FailedRequests:     c.failures.Load(),
		Retries:            c.retries.Load(),
		TasksCompleted:     c.tasksCompleted.Load(),
		TasksSucceeded:     c.tasksSucceeded.Load(),
		TasksFailed:        c.tasksFailed.Load(),
		RateLimitWaits:     c.rateLimitWaits.Load(),
		TargetRateLimits:   c.targetLimits.Load(),
		PoolExhaustedWaits: c.poolWaits.Load(),
		SessionRefreshes:   c.refreshes.Load(),
	}
	if s.TotalRequests > 0 {
		s.SuccessRate = float64(s.SuccessfulRequests) / float64(s.TotalRequests)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range pool {
		s.Proxies = append(s.Proxies, ProxyHealth{
			ID:                  st.Endpoint.ID,
			Address:             st.Endpoint.String(),
			Health:              st.Health.String(),
			ConsecutiveFailures: st.ConsecutiveFailures,
			Failures:            c.proxyFailures[st.Endpoint.ID],
		})
	}
	return s
}
