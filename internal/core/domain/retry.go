package domain

import (
	"slices"
	"time"
)

// BackoffStrategy selects how the delay grows with the attempt number.
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffFixed       BackoffStrategy = "fixed"
)

// RetryPolicy controls retry timing and retryability for the jobs it scopes.
// Empty scope lists match everything.
type RetryPolicy struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Active     bool     `json:"active"`
	Priority   int      `json:"priority"`
	JobTypes   []string `json:"job_types"`
	ErrorTypes []string `json:"error_types"`
	UserTiers  []string `json:"user_tiers"`

	MaxAttempts   int             `json:"max_attempts"`
	Strategy      BackoffStrategy `json:"strategy"`
	BaseDelay     time.Duration   `json:"base_delay"`
	MaxDelay      time.Duration   `json:"max_delay"`
	JitterEnabled bool            `json:"jitter_enabled"`

	RetryOnSecurityDetection bool `json:"retry_on_security_detection"`
	RetryOnCaptcha           bool `json:"retry_on_captcha"`
	RetryOnNetworkError      bool `json:"retry_on_network_error"`
	RetryOnRateLimit         bool `json:"retry_on_rate_limit"`
	RetryOnProxyError        bool `json:"retry_on_proxy_error"`
	RetryOnUnknownError      bool `json:"retry_on_unknown_error"`

	EscalateAfterAttempts int  `json:"escalate_after_attempts"`
	EscalateToAdmin       bool `json:"escalate_to_admin"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultRetryPolicy is used when no stored policy matches a lookup.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Name:                     "default",
		Active:                   true,
		MaxAttempts:              3,
		Strategy:                 BackoffExponential,
		BaseDelay:                120 * time.Minute,
		MaxDelay:                 24 * time.Hour,
		JitterEnabled:            true,
		RetryOnSecurityDetection: true,
		RetryOnCaptcha:           true,
		RetryOnNetworkError:      true,
		RetryOnRateLimit:         true,
		RetryOnProxyError:        true,
		RetryOnUnknownError:      true,
	}
}

// Matches reports whether the policy applies to the lookup key.
func (p *RetryPolicy) Matches(jobType string, class ErrorClass, userTier string) bool {
	return scopeMatches(p.JobTypes, jobType) &&
		scopeMatches(p.ErrorTypes, string(class)) &&
		scopeMatches(p.UserTiers, userTier)
}

func scopeMatches(scope []string, v string) bool {
	return len(scope) == 0 || slices.Contains(scope, v)
}

// RetryTrigger names what started an attempt.
type RetryTrigger string

const (
	TriggerCron   RetryTrigger = "cron"
	TriggerManual RetryTrigger = "manual"
)

// RetryHistoryEntry is the append-only audit record of one attempt.
type RetryHistoryEntry struct {
	ID            string        `json:"id"`
	JobID         string        `json:"job_id"`
	AttemptNumber int           `json:"attempt_number"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       time.Time     `json:"ended_at"`
	Success       bool          `json:"success"`
	FailureReason string        `json:"failure_reason"`
	ErrorClass    ErrorClass    `json:"error_class"`
	Trigger       RetryTrigger  `json:"trigger"`
	BackoffDelay  time.Duration `json:"backoff_delay"`
}

// SystemHealth is the coarse status reported by the failure dashboard.
type SystemHealth string

const (
	SystemHealthy  SystemHealth = "Healthy"
	SystemWarning  SystemHealth = "Warning"
	SystemCritical SystemHealth = "Critical"
)

// FailureDashboard is the rolling failure/success aggregate view.
type FailureDashboard struct {
	FailuresLastHour        int          `json:"failures_last_hour"         db:"failures_last_hour"`
	FailuresLast24h         int          `json:"failures_last_24h"          db:"failures_last_24h"`
	FailuresLastWeek        int          `json:"failures_last_week"         db:"failures_last_week"`
	CurrentlyFailed         int          `json:"currently_failed"           db:"currently_failed"`
	PendingRetry            int          `json:"pending_retry"              db:"pending_retry"`
	PermanentlyFailed       int          `json:"permanently_failed"         db:"permanently_failed"`
	RetrySuccessRatePercent float64      `json:"retry_success_rate_percent" db:"retry_success_rate_percent"`
	AvgAttemptsToSuccess    float64      `json:"avg_attempts_to_success"    db:"avg_attempts_to_success"`
	AvgAttemptsToPermanent  float64      `json:"avg_attempts_to_permanent"  db:"avg_attempts_to_permanent"`
	MostCommonFailureReason string       `json:"most_common_failure_reason" db:"most_common_failure_reason"`
	AvgRetryDelayMinutes    float64      `json:"avg_retry_delay_minutes"    db:"avg_retry_delay_minutes"`
	SystemHealthStatus      SystemHealth `json:"system_health_status"       db:"system_health_status"`
}

// ClassifySystemHealth derives the dashboard status from recent failure volume.
func ClassifySystemHealth(failuresLastHour, pendingRetry int) SystemHealth {
	switch {
	case failuresLastHour > 50 || pendingRetry > 200:
		return SystemCritical
	case failuresLastHour > 10 || pendingRetry > 50:
		return SystemWarning
	default:
		return SystemHealthy
	}
}
