package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/vietddude/outreach/internal/core/domain"
	"github.com/vietddude/outreach/internal/infra/storage"
)

const jobColumns = `id, user_id, job_type, user_tier, profile_url, message, status,
	attempt_number, next_retry_at, failure_reason, error_class,
	created_at, updated_at, started_at, completed_at, failed_at, retry_trigger`

// JobRepo implements storage.JobRepository using PostgreSQL.
type JobRepo struct {
	db *DB
}

// NewJobRepo creates a new PostgreSQL job repository.
func NewJobRepo(db *DB) *JobRepo {
	return &JobRepo{db: db}
}

// Create inserts a new job.
func (r *JobRepo) Create(ctx context.Context, job *domain.Job) error {
	if job.Status == "" {
		job.Status = domain.JobStatusPending
	}
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = now
	}

	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES (:id, :user_id, :job_type, :user_tier, :profile_url, :message, :status,
			:attempt_number, :next_retry_at, :failure_reason, :error_class,
			:created_at, :updated_at, :started_at, :completed_at, :failed_at, :retry_trigger)
	`
	if _, err := r.db.NamedExecContext(ctx, query, job); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// Get retrieves a job by id.
func (r *JobRepo) Get(ctx context.Context, id string) (*domain.Job, error) {
	var job domain.Job
	err := r.db.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// Update writes every mutable field of the job.
func (r *JobRepo) Update(ctx context.Context, job *domain.Job) error {
	query := `
		UPDATE jobs SET
			status = :status,
			attempt_number = :attempt_number,
			next_retry_at = :next_retry_at,
			failure_reason = :failure_reason,
			error_class = :error_class,
			updated_at = :updated_at,
			started_at = :started_at,
			completed_at = :completed_at,
			failed_at = :failed_at,
			retry_trigger = :retry_trigger
		WHERE id = :id
	`
	res, err := r.db.NamedExecContext(ctx, query, job)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n == 0 {
		return storage.ErrJobNotFound
	}
	return nil
}

// ListReadyForRetry returns due retry_pending jobs, oldest next_retry_at first.
// A non-positive limit returns every due job.
func (r *JobRepo) ListReadyForRetry(
	ctx context.Context,
	now time.Time,
	limit int,
) ([]*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs_ready_for_retry
		WHERE next_retry_at <= $1
		ORDER BY next_retry_at ASC, id ASC
		LIMIT NULLIF($2, 0)
	`
	var jobs []*domain.Job
	if err := r.db.SelectContext(ctx, &jobs, query, now, max(limit, 0)); err != nil {
		return nil, fmt.Errorf("failed to list jobs ready for retry: %w", err)
	}
	return jobs, nil
}

// ListStale returns jobs in one of the statuses last updated before the cutoff.
func (r *JobRepo) ListStale(
	ctx context.Context,
	statuses []domain.JobStatus,
	before time.Time,
	limit int,
) ([]*domain.Job, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT NULLIF($3, 0)
	`
	var jobs []*domain.Job
	if err := r.db.SelectContext(ctx, &jobs, query, pq.Array(names), before, max(limit, 0)); err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}
	return jobs, nil
}

// Dashboard combines the job_failure_dashboard view with history windows
// relative to now.
func (r *JobRepo) Dashboard(ctx context.Context, now time.Time) (*domain.FailureDashboard, error) {
	var d domain.FailureDashboard
	viewQuery := `
		SELECT currently_failed, pending_retry, permanently_failed,
			retry_success_rate_percent, avg_attempts_to_success, avg_attempts_to_permanent
		FROM job_failure_dashboard
	`
	if err := r.db.GetContext(ctx, &d, viewQuery); err != nil {
		return nil, fmt.Errorf("failed to read failure dashboard: %w", err)
	}

	windowQuery := `
		SELECT
			COUNT(*) FILTER (WHERE ended_at >= $1::timestamptz - INTERVAL '1 hour') AS failures_last_hour,
			COUNT(*) FILTER (WHERE ended_at >= $1::timestamptz - INTERVAL '24 hours') AS failures_last_24h,
			COUNT(*) FILTER (WHERE ended_at >= $1::timestamptz - INTERVAL '7 days') AS failures_last_week,
			COALESCE(AVG(backoff_delay_ms) FILTER (WHERE backoff_delay_ms > 0), 0) / 60000.0 AS avg_retry_delay_minutes
		FROM retry_history
		WHERE NOT success
	`
	var w struct {
		LastHour     int     `db:"failures_last_hour"`
		Last24h      int     `db:"failures_last_24h"`
		LastWeek     int     `db:"failures_last_week"`
		AvgDelayMins float64 `db:"avg_retry_delay_minutes"`
	}
	if err := r.db.GetContext(ctx, &w, windowQuery, now); err != nil {
		return nil, fmt.Errorf("failed to read failure windows: %w", err)
	}
	d.FailuresLastHour = w.LastHour
	d.FailuresLast24h = w.Last24h
	d.FailuresLastWeek = w.LastWeek
	d.AvgRetryDelayMinutes = w.AvgDelayMins

	reasonQuery := `
		SELECT failure_reason
		FROM retry_history
		WHERE NOT success AND failure_reason <> '' AND ended_at >= $1::timestamptz - INTERVAL '7 days'
		GROUP BY failure_reason
		ORDER BY COUNT(*) DESC, failure_reason ASC
		LIMIT 1
	`
	err := r.db.GetContext(ctx, &d.MostCommonFailureReason, reasonQuery, now)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read most common failure reason: %w", err)
	}

	d.SystemHealthStatus = domain.ClassifySystemHealth(d.FailuresLastHour, d.PendingRetry)
	return &d, nil
}
