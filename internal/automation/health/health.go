// Package health reports process health over HTTP and the gRPC health protocol.
package health

import (
	"time"

	"github.com/vietddude/outreach/internal/automation/batch"
	"github.com/vietddude/outreach/internal/automation/rotation"
	"github.com/vietddude/outreach/internal/core/domain"
)

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// worse returns the more severe of two statuses.
func worse(a, b SystemStatus) SystemStatus {
	rank := map[SystemStatus]int{StatusHealthy: 0, StatusDegraded: 1, StatusCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// ComponentHealth is the result of pinging one dependency.
type ComponentHealth struct {
	Name     string        `json:"name"`
	Status   SystemStatus  `json:"status"`
	Error    string        `json:"error,omitempty"`
	Latency  time.Duration `json:"latency"`
	Required bool          `json:"required"`
}

// Report contains the full system health report.
type Report struct {
	SystemStatus SystemStatus               `json:"system_status"`
	Components   map[string]ComponentHealth `json:"components"`
	Batch        *batch.Stats               `json:"batch,omitempty"`
	Dashboard    *domain.FailureDashboard   `json:"dashboard,omitempty"`
	Proxies      *rotation.PoolStats        `json:"proxies,omitempty"`
	CheckedAt    time.Time                  `json:"checked_at"`
}
