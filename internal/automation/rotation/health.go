package rotation

import (
	"time"

	"github.com/vietddude/outreach/internal/core/domain"
)

// HealthMetrics is the derived health view of one (proxy, user) record.
// Rates are percentages.
type HealthMetrics struct {
	TotalJobs           int     `json:"total_jobs"`
	SuccessRate         float64 `json:"success_rate"`
	FailureRate         float64 `json:"failure_rate"`
	RecentFailureRate   float64 `json:"recent_failure_rate"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	Score               float64 `json:"score"`
	Healthy             bool    `json:"healthy"`
	NeedsRotation       bool    `json:"needs_rotation"`
}

// ComputeHealth scores a record out of 100:
//
//	100 - min(failRate*2, 50) - min(recentFailRate*3, 30) - min(consecutive*10, 20)
func ComputeHealth(rec *domain.ProxyHealthRecord) HealthMetrics {
	m := HealthMetrics{Score: 100, Healthy: true}
	if rec == nil {
		return m
	}

	total := rec.SuccessCount + rec.FailureCount
	recentTotal := rec.RecentSuccessCount + rec.RecentFailureCount
	m.TotalJobs = total
	m.ConsecutiveFailures = rec.ConsecutiveFailures
	if total > 0 {
		m.SuccessRate = float64(rec.SuccessCount) / float64(total) * 100
		m.FailureRate = float64(rec.FailureCount) / float64(total) * 100
	}
	if recentTotal > 0 {
		m.RecentFailureRate = float64(rec.RecentFailureCount) / float64(recentTotal) * 100
	}

	m.Score = 100 -
		min(m.FailureRate*2, 50) -
		min(m.RecentFailureRate*3, 30) -
		min(float64(rec.ConsecutiveFailures)*10, 20)
	m.Score = max(m.Score, 0)

	m.Healthy = m.Score >= 70 && rec.ConsecutiveFailures < 2 && m.RecentFailureRate < 30
	m.NeedsRotation = rec.ConsecutiveFailures >= 2 || m.RecentFailureRate >= 50 || m.Score < 50
	return m
}

// tripped reports whether the record crossed the auto-disable thresholds.
func (c Config) tripped(rec *domain.ProxyHealthRecord) bool {
	return rec.RecentFailureCount >= c.MaxRecentFailures ||
		rec.ConsecutiveFailures >= c.MaxConsecutiveFailures
}

// disabled reports whether an auto-disable is still inside its cooldown.
func (c Config) disabled(rec *domain.ProxyHealthRecord, now time.Time) bool {
	return rec.AutoDisabledAt != nil && now.Sub(*rec.AutoDisabledAt) < c.Cooldown
}

// rollWindow restarts the recent counters once the window has elapsed.
func (c Config) rollWindow(rec *domain.ProxyHealthRecord, now time.Time) {
	if rec.RecentWindowStart.IsZero() || now.Sub(rec.RecentWindowStart) >= c.RecentWindow {
		rec.RecentSuccessCount = 0
		rec.RecentFailureCount = 0
		rec.RecentWindowStart = now
	}
}
