package proxy

import (
	"context"
	"sync"
	"time"
)

// Monitor periodically returns recovered proxies to rotation
type Monitor struct {
	m        *Manager
	interval time.Duration

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor creates a monitor that calls RecoverDue every interval
func NewMonitor(m *Manager, interval time.Duration) *Monitor {
	return &Monitor{
		m:        m,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start launches the scheduler loop. It ends on Stop or when ctx is done.
func (mon *Monitor) Start(ctx context.Context) {
	mon.wg.Add(1)
	go mon.loop(ctx)
}

func (mon *Monitor) loop(ctx context.Context) {
	defer mon.wg.Done()
	log := mon.m.log.WithField("interval", mon.interval)
	log.Debug("Proxy monitor started")

	ticker := mon.m.clock.NewTicker(mon.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			if n := mon.m.RecoverDue(ctx); n > 0 {
				log.WithField("recovered", n).Info("Proxies recovered")
			}
		case <-ctx.Done():
			log.Debug("Proxy monitor stopped")
			return
		case <-mon.stopChan:
			log.Debug("Proxy monitor stopped")
			return
		}
	}
}

// Stop ends the loop and waits for it
func (mon *Monitor) Stop() {
	mon.stopOnce.Do(func() { close(mon.stopChan) })
	mon.wg.Wait()
}
