package domain

import "time"

// ProxyStatus is the lifecycle state of a proxy, pool-wide or per user.
type ProxyStatus string

const (
	ProxyStatusActive      ProxyStatus = "active"
	ProxyStatusInactive    ProxyStatus = "inactive"
	ProxyStatusMaintenance ProxyStatus = "maintenance"
	ProxyStatusBanned      ProxyStatus = "banned"
	ProxyStatusTesting     ProxyStatus = "testing"
)

// ProxyRecord is a pool-level egress endpoint.
type ProxyRecord struct {
	ID                 string      `json:"id"`
	Provider           string      `json:"provider"`
	Endpoint           string      `json:"endpoint"` // host:port
	Username           string      `json:"username,omitempty"`
	Password           string      `json:"-"`
	Tier               string      `json:"tier"`
	MaxConcurrentUsers int         `json:"max_concurrent_users"`
	Status             ProxyStatus `json:"status"`
	GlobalSuccessCount int         `json:"global_success_count"`
	GlobalFailureCount int         `json:"global_failure_count"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// ConnectionConfig returns what a browser session needs to route through the proxy.
func (p *ProxyRecord) ConnectionConfig() ProxyConfig {
	return ProxyConfig{
		ProxyID:  p.ID,
		Endpoint: p.Endpoint,
		Username: p.Username,
		Password: p.Password,
		Provider: p.Provider,
		Tier:     p.Tier,
	}
}

// ProxyConfig is the connection material handed to the browser driver.
type ProxyConfig struct {
	ProxyID  string `json:"proxy_id"`
	Endpoint string `json:"endpoint"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Provider string `json:"provider"`
	Tier     string `json:"tier"`
}

// ProxyHealthRecord holds per (proxy, user) statistics.
type ProxyHealthRecord struct {
	ProxyID             string      `json:"proxy_id"`
	UserID              string      `json:"user_id"`
	SuccessCount        int         `json:"success_count"`
	FailureCount        int         `json:"failure_count"`
	RecentSuccessCount  int         `json:"recent_success_count"`
	RecentFailureCount  int         `json:"recent_failure_count"`
	RecentWindowStart   time.Time   `json:"recent_window_start"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	TotalJobsProcessed  int         `json:"total_jobs_processed"`
	AvgResponseTimeMs   float64     `json:"avg_response_time_ms"`
	Status              ProxyStatus `json:"status"`
	AutoDisabledAt      *time.Time  `json:"auto_disabled_at"`
	AutoDisabledReason  string      `json:"auto_disabled_reason"`
	LastSuccessAt       *time.Time  `json:"last_success_at"`
	LastFailureAt       *time.Time  `json:"last_failure_at"`
	AssignedAt          time.Time   `json:"assigned_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// Clone returns a copy that shares no pointers with h.
func (h *ProxyHealthRecord) Clone() *ProxyHealthRecord {
	if h == nil {
		return nil
	}
	c := *h
	c.AutoDisabledAt = cloneTime(h.AutoDisabledAt)
	c.LastSuccessAt = cloneTime(h.LastSuccessAt)
	c.LastFailureAt = cloneTime(h.LastFailureAt)
	return &c
}

// ProxyAssignment is one append-only entry of the assignment/usage log.
type ProxyAssignment struct {
	ID              string    `json:"id"`
	ProxyID         string    `json:"proxy_id"`
	UserID          string    `json:"user_id"`
	JobID           string    `json:"job_id,omitempty"`
	Reason          string    `json:"reason"`
	Success         *bool     `json:"success,omitempty"`
	ResponseTimeMs  *int      `json:"response_time_ms,omitempty"`
	FailureReason   string    `json:"failure_reason,omitempty"`
	PreviousProxyID string    `json:"previous_proxy_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// ProxyPerformance24h aggregates assignment outcomes over the last day.
type ProxyPerformance24h struct {
	Total             int     `json:"total"                db:"total"`
	Successful        int     `json:"successful"           db:"successful"`
	Failed            int     `json:"failed"               db:"failed"`
	SuccessRate       float64 `json:"success_rate"         db:"success_rate"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms" db:"avg_response_time_ms"`
}
