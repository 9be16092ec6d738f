package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	errs "stealthscrape/pkg/errors"
)

// GlobalScope is the scope shared by every target when per-domain limiting
// is off.
const GlobalScope = "*"

// window is the admission history of one scope
type window struct {
	mu         sync.Mutex
	capacity   int
	timestamps []time.Time
}

// evict drops timestamps that fell out of the window. Caller holds mu.
func (w *window) evict(now time.Time, d time.Duration) {
	cutoff := now.Add(-d)
	i := 0
	for i < len(w.timestamps) && !w.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.timestamps = append(w.timestamps[:0], w.timestamps[i:]...)
	}
}

// Limiter is a sliding-window rate limiter with one window per scope
type Limiter struct {
	capacity  int
	duration  time.Duration
	overrides map[string]int
	clock     clockwork.Clock

	mu      sync.RWMutex
	windows map[string]*window
}

// Option configures a Limiter
type Option func(*Limiter)

// WithClock sets the clock used for timestamps and waits
func WithClock(clock clockwork.Clock) Option {
	return func(l *Limiter) {
		l.clock = clock
	}
}

// WithScopeCapacity overrides the capacity for a single scope
func WithScopeCapacity(scope string, capacity int) Option {
	return func(l *Limiter) {
		l.overrides[scope] = capacity
	}
}

// New creates a limiter admitting at most capacity requests per scope in
// any rolling window of the given duration.
func New(capacity int, duration time.Duration, opts ...Option) (*Limiter, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: rate limit capacity must be positive, got %d", errs.ErrInvalidConfig, capacity)
	}
	if duration <= 0 {
		return nil, fmt.Errorf("%w: rate limit window must be positive, got %s", errs.ErrInvalidConfig, duration)
	}

	l := &Limiter{
		capacity:  capacity,
		duration:  duration,
		overrides: make(map[string]int),
		clock:     clockwork.NewRealClock(),
		windows:   make(map[string]*window),
	}
	for _, opt := range opts {
		opt(l)
	}

	for scope, c := range l.overrides {
		if c <= 0 {
			return nil, fmt.Errorf("%w: capacity for scope %q must be positive, got %d", errs.ErrInvalidConfig, scope, c)
		}
	}

	return l, nil
}

func (l *Limiter) window(scope string) *window {
	l.mu.RLock()
	w, ok := l.windows[scope]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.windows[scope]; ok {
		return w
	}
	capacity := l.capacity
	if c, ok := l.overrides[scope]; ok {
		capacity = c
	}
	w = &window{capacity: capacity, timestamps: make([]time.Time, 0, capacity)}
	l.windows[scope] = w
	return w
}

// Acquire admits a request for scope and returns zero, or returns the
// minimum time to wait before asking again. It never blocks.
func (l *Limiter) Acquire(scope string) time.Duration {
	w := l.window(scope)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.clock.Now()
	w.evict(now, l.duration)

	if len(w.timestamps) < w.capacity {
		w.timestamps = append(w.timestamps, now)
		return 0
	}

	wait := l.duration - now.Sub(w.timestamps[0])
	if wait <= 0 {
		// evict already removed anything at or past the boundary
		wait = time.Nanosecond
	}
	return wait
}

// Wait blocks until scope admits a request or ctx is done. A cancelled
// Wait never holds an admission.
func (l *Limiter) Wait(ctx context.Context, scope string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		wait := l.Acquire(scope)
		if wait == 0 {
			return nil
		}

		timer := l.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.Chan():
		}
	}
}

// Admitted returns the number of admissions currently inside the window
// for scope.
func (l *Limiter) Admitted(scope string) int {
	w := l.window(scope)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(l.clock.Now(), l.duration)
	return len(w.timestamps)
}

// Capacity returns the configured capacity for scope
func (l *Limiter) Capacity(scope string) int {
	if c, ok := l.overrides[scope]; ok {
		return c
	}
	return l.capacity
}

// Window returns the window duration
func (l *Limiter) Window() time.Duration {
	return l.duration
}

// Reset forgets all admissions for scope
func (l *Limiter) Reset(scope string) {
	w := l.window(scope)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.timestamps = w.timestamps[:0]
}
