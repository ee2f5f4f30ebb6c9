package domain

import "time"

// JobStatus is the lifecycle state of an outreach job.
type JobStatus string

const (
	JobStatusPending           JobStatus = "pending"
	JobStatusRunning           JobStatus = "running"
	JobStatusCompleted         JobStatus = "completed"
	JobStatusFailed            JobStatus = "failed"
	JobStatusRetryPending      JobStatus = "retry_pending"
	JobStatusPermanentlyFailed JobStatus = "permanently_failed"
	JobStatusCancelled         JobStatus = "cancelled"
)

// IsTerminal reports whether no further attempts may happen.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusPermanentlyFailed || s == JobStatusCancelled
}

// Job is a single outreach action (connect, then optionally message) owned by a user.
type Job struct {
	ID            string     `json:"id"             db:"id"`
	UserID        string     `json:"user_id"        db:"user_id"`
	JobType       string     `json:"job_type"       db:"job_type"`
	UserTier      string     `json:"user_tier"      db:"user_tier"`
	ProfileURL    string     `json:"profile_url"    db:"profile_url"`
	Message       string     `json:"message"        db:"message"`
	Status        JobStatus  `json:"status"         db:"status"`
	AttemptNumber int        `json:"attempt_number" db:"attempt_number"`
	NextRetryAt   *time.Time `json:"next_retry_at"  db:"next_retry_at"`
	FailureReason string     `json:"failure_reason" db:"failure_reason"`
	ErrorClass    ErrorClass `json:"error_class"    db:"error_class"`
	CreatedAt     time.Time  `json:"created_at"     db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"     db:"updated_at"`
	StartedAt     *time.Time `json:"started_at"     db:"started_at"`
	CompletedAt   *time.Time `json:"completed_at"   db:"completed_at"`
	FailedAt      *time.Time `json:"failed_at"      db:"failed_at"`

	// RetryTrigger is what queued the next attempt; empty means cron.
	RetryTrigger RetryTrigger `json:"retry_trigger,omitempty" db:"retry_trigger"`
}

// Clone returns a copy that shares no pointers with j.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.NextRetryAt = cloneTime(j.NextRetryAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.FailedAt = cloneTime(j.FailedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
