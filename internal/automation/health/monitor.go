package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/outreach/internal/automation/batch"
	"github.com/vietddude/outreach/internal/automation/rotation"
	"github.com/vietddude/outreach/internal/core/domain"
)

// Check pings one dependency.
type Check func(ctx context.Context) error

// StatsSource exposes the batch processor's lifetime counters.
type StatsSource interface {
	Stats() batch.Stats
}

// DashboardSource computes the failure dashboard.
type DashboardSource interface {
	Dashboard(ctx context.Context) (*domain.FailureDashboard, error)
}

// PoolSource reports proxy pool statistics.
type PoolSource interface {
	PoolStats(ctx context.Context) (*rotation.PoolStats, error)
}

type component struct {
	name     string
	check    Check
	required bool
}

// Monitor aggregates health status from the processor, the dashboard and
// the external dependencies.
type Monitor struct {
	components []component
	stats      StatsSource
	dashboard  DashboardSource
	pool       PoolSource
	staleAfter time.Duration
	cacheTTL   time.Duration
	now        func() time.Time
	log        *slog.Logger

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport *Report
	onChange   []func(SystemStatus)
	lastStatus SystemStatus
}

// NewMonitor creates a new health monitor. staleAfter is how long the
// processor may go without a run before the system counts as degraded;
// zero disables that check.
func NewMonitor(stats StatsSource, dashboard DashboardSource, pool PoolSource, staleAfter time.Duration) *Monitor {
	return &Monitor{
		stats:      stats,
		dashboard:  dashboard,
		pool:       pool,
		staleAfter: staleAfter,
		cacheTTL:   10 * time.Second,
		now:        time.Now,
		log:        slog.Default().With("component", "health"),
	}
}

// AddCheck registers a dependency ping. A failing required dependency makes
// the system critical, an optional one only degrades it.
func (m *Monitor) AddCheck(name string, check Check, required bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, component{name: name, check: check, required: required})
}

// OnStatusChange registers a callback invoked whenever the aggregate status changes.
func (m *Monitor) OnStatusChange(fn func(SystemStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// CheckHealth builds a report, reusing the previous one for a few seconds so
// probes don't hammer the database.
func (m *Monitor) CheckHealth(ctx context.Context) *Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.lastReport != nil && now.Sub(m.lastCheck) < m.cacheTTL {
		return m.lastReport
	}

	report := &Report{
		SystemStatus: StatusHealthy,
		Components:   make(map[string]ComponentHealth, len(m.components)),
		CheckedAt:    now,
	}

	for _, c := range m.components {
		start := time.Now()
		ch := ComponentHealth{Name: c.name, Status: StatusHealthy, Required: c.required}
		if err := c.check(ctx); err != nil {
			ch.Error = err.Error()
			ch.Status = StatusDegraded
			if c.required {
				ch.Status = StatusCritical
			}
		}
		ch.Latency = time.Since(start)
		report.Components[c.name] = ch
		report.SystemStatus = worse(report.SystemStatus, ch.Status)
	}

	if m.stats != nil {
		stats := m.stats.Stats()
		report.Batch = &stats
		if stats.LastResult != nil && !stats.LastResult.Success {
			report.SystemStatus = worse(report.SystemStatus, StatusDegraded)
		}
		if m.staleAfter > 0 && !stats.LastRunAt.IsZero() && now.Sub(stats.LastRunAt) > m.staleAfter {
			report.SystemStatus = worse(report.SystemStatus, StatusDegraded)
		}
	}

	if m.dashboard != nil {
		d, err := m.dashboard.Dashboard(ctx)
		if err != nil {
			m.log.Warn("Failed to compute dashboard", "error", err)
		} else {
			report.Dashboard = d
			switch d.SystemHealthStatus {
			case domain.SystemCritical:
				report.SystemStatus = worse(report.SystemStatus, StatusCritical)
			case domain.SystemWarning:
				report.SystemStatus = worse(report.SystemStatus, StatusDegraded)
			}
		}
	}

	if m.pool != nil {
		ps, err := m.pool.PoolStats(ctx)
		if err != nil {
			m.log.Warn("Failed to compute proxy pool stats", "error", err)
		} else {
			report.Proxies = ps
		}
	}

	m.lastCheck = now
	m.lastReport = report

	if report.SystemStatus != m.lastStatus {
		if m.lastStatus != "" {
			m.log.Info("System status changed", "from", m.lastStatus, "to", report.SystemStatus)
		}
		m.lastStatus = report.SystemStatus
		for _, fn := range m.onChange {
			fn(report.SystemStatus)
		}
	}
	return report
}

// Start re-evaluates health on an interval until ctx is done, so status
// change callbacks fire without an inbound probe.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.CheckHealth(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckHealth(ctx)
		}
	}
}
