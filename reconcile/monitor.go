/*
monitor.go - Periodic discrepancy monitor

PURPOSE:
  Tenants report their usage on their own schedule. The monitor walks the
  ledger periodically, summarises the recent window and logs every tenant
  whose reports disagree with the central counters, so operators do not
  have to poll the summary endpoint.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - Keeps the last summary for callers that want it (Last)

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - WindowDays:    Summary window (default: DefaultWindowDays)
  - Enabled:       Whether the monitor is active (default: true)

USAGE:
  monitor := reconcile.NewMonitor(engine)
  monitor.Start()
  // ... later
  monitor.Stop()
*/
package reconcile

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Monitor periodically summarises ledger discrepancies.
type Monitor struct {
	Engine        *Engine
	CheckInterval time.Duration
	WindowDays    int
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	last   *Summary
}

// NewMonitor creates a monitor with a one hour interval.
func NewMonitor(engine *Engine) *Monitor {
	return &Monitor{
		Engine:        engine,
		CheckInterval: time.Hour,
		WindowDays:    DefaultWindowDays,
		Enabled:       true,
	}
}

// Start begins the monitor. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.Enabled || m.CheckInterval <= 0 {
		m.Engine.Logger.Info("discrepancy monitor disabled")
		return
	}
	if m.ticker != nil {
		return
	}

	m.ticker = time.NewTicker(m.CheckInterval)
	m.stop = make(chan struct{})
	m.wg.Add(1)

	go m.run(m.ticker, m.stop)

	m.Engine.Logger.Info("discrepancy monitor started", zap.Duration("interval", m.CheckInterval))
}

// Stop stops the monitor and waits for an in-flight check.
func (m *Monitor) Stop() {
	m.mu.Lock()
	ticker, stop := m.ticker, m.stop
	m.ticker, m.stop = nil, nil
	m.mu.Unlock()

	if ticker == nil {
		return
	}
	ticker.Stop()
	close(stop)
	m.wg.Wait()
	m.Engine.Logger.Info("discrepancy monitor stopped")
}

func (m *Monitor) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer m.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	m.RunNow(ctx)
	for {
		select {
		case <-ticker.C:
			m.RunNow(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow performs one check and returns its summary.
func (m *Monitor) RunNow(ctx context.Context) (*Summary, error) {
	log := m.Engine.Logger
	summary, err := m.Engine.DiscrepancySummary(ctx, m.WindowDays)
	if err != nil {
		if ctx.Err() == nil {
			log.Error("discrepancy check failed", zap.Error(err))
		}
		return nil, err
	}

	for _, t := range summary.ByTenant {
		if t.Warnings == 0 {
			continue
		}
		log.Warn("tenant usage reports disagree with ledger",
			zap.String("tenant", t.TenantCode),
			zap.Int("warnings", t.Warnings),
			zap.Int("entries", t.Entries),
			zap.Int("max_daily_diff", t.MaxDailyDiff),
			zap.Int("max_monthly_diff", t.MaxMonthlyDiff))
	}
	log.Info("discrepancy check completed",
		zap.Stringer("period", summary.Period),
		zap.Int("entries", summary.TotalEntries),
		zap.Int("warnings", summary.Warnings))

	m.mu.Lock()
	m.last = summary
	m.mu.Unlock()
	return summary, nil
}

// Last returns the most recent summary, nil before the first check.
func (m *Monitor) Last() *Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
