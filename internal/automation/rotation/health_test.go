package rotation

import (
	"testing"
	"time"

	"github.com/vietddude/outreach/internal/core/domain"
)

func TestComputeHealth(t *testing.T) {
	tests := []struct {
		name          string
		rec           *domain.ProxyHealthRecord
		score         float64
		healthy       bool
		needsRotation bool
	}{
		{
			name:    "no record",
			rec:     nil,
			score:   100,
			healthy: true,
		},
		{
			name:    "all successes",
			rec:     &domain.ProxyHealthRecord{SuccessCount: 10, RecentSuccessCount: 4},
			score:   100,
			healthy: true,
		},
		{
			// fail 12.5% -> 25, recent 25% -> 30 (capped), consecutive 1 -> 10
			name: "mixed",
			rec: &domain.ProxyHealthRecord{
				SuccessCount: 7, FailureCount: 1,
				RecentSuccessCount: 3, RecentFailureCount: 1,
				ConsecutiveFailures: 1,
			},
			score:   35,
			healthy: false, needsRotation: true,
		},
		{
			name: "floored at zero",
			rec: &domain.ProxyHealthRecord{
				FailureCount: 10, RecentFailureCount: 5, ConsecutiveFailures: 5,
			},
			score:         0,
			needsRotation: true,
		},
		{
			// fail 12.5% -> 25, no recent activity, consecutive 2 -> 20
			name: "consecutive only",
			rec: &domain.ProxyHealthRecord{
				SuccessCount: 7, FailureCount: 1, ConsecutiveFailures: 2,
			},
			score:         55,
			needsRotation: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := ComputeHealth(tt.rec)
			if m.Score != tt.score {
				t.Errorf("score: expected %v, got %v", tt.score, m.Score)
			}
			if m.Healthy != tt.healthy {
				t.Errorf("healthy: expected %v, got %v", tt.healthy, m.Healthy)
			}
			if m.NeedsRotation != tt.needsRotation {
				t.Errorf("needsRotation: expected %v, got %v", tt.needsRotation, m.NeedsRotation)
			}
		})
	}
}

func TestConfig_RollWindow(t *testing.T) {
	cfg := DefaultConfig()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rec := &domain.ProxyHealthRecord{
		RecentFailureCount: 2,
		RecentSuccessCount: 5,
		RecentWindowStart:  start,
	}

	cfg.rollWindow(rec, start.Add(23*time.Hour))
	if rec.RecentFailureCount != 2 {
		t.Fatal("window rolled early")
	}

	now := start.Add(24 * time.Hour)
	cfg.rollWindow(rec, now)
	if rec.RecentFailureCount != 0 || rec.RecentSuccessCount != 0 || !rec.RecentWindowStart.Equal(now) {
		t.Errorf("window not rolled: %+v", rec)
	}
}

func TestConfig_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rec := &domain.ProxyHealthRecord{AutoDisabledAt: &at}

	if !cfg.disabled(rec, at.Add(time.Hour)) {
		t.Error("expected disabled inside cooldown")
	}
	if cfg.disabled(rec, at.Add(24*time.Hour)) {
		t.Error("expected released after cooldown")
	}
	if cfg.disabled(&domain.ProxyHealthRecord{}, at) {
		t.Error("record without stamp is never disabled")
	}
}
