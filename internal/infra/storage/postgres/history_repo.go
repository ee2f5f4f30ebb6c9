package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/vietddude/outreach/internal/core/domain"
)

type historyRow struct {
	ID             string    `db:"id"`
	JobID          string    `db:"job_id"`
	AttemptNumber  int       `db:"attempt_number"`
	StartedAt      time.Time `db:"started_at"`
	EndedAt        time.Time `db:"ended_at"`
	Success        bool      `db:"success"`
	FailureReason  string    `db:"failure_reason"`
	ErrorClass     string    `db:"error_class"`
	Trigger        string    `db:"trigger"`
	BackoffDelayMs int64     `db:"backoff_delay_ms"`
}

// HistoryRepo implements storage.HistoryRepository using PostgreSQL.
type HistoryRepo struct {
	db *DB
}

// NewHistoryRepo creates a new PostgreSQL history repository.
func NewHistoryRepo(db *DB) *HistoryRepo {
	return &HistoryRepo{db: db}
}

// Append adds an entry. Entries must arrive in increasing attempt order.
func (r *HistoryRepo) Append(ctx context.Context, e *domain.RetryHistoryEntry) error {
	query := `
		INSERT INTO retry_history (
			id, job_id, attempt_number, started_at, ended_at, success,
			failure_reason, error_class, trigger, backoff_delay_ms
		)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		WHERE NOT EXISTS (
			SELECT 1 FROM retry_history WHERE job_id = $2 AND attempt_number >= $3
		)
	`
	res, err := r.db.ExecContext(ctx, query,
		e.ID,
		e.JobID,
		e.AttemptNumber,
		e.StartedAt,
		e.EndedAt,
		e.Success,
		e.FailureReason,
		string(e.ErrorClass),
		string(e.Trigger),
		e.BackoffDelay.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("attempt %d for job %s is not after the last recorded attempt", e.AttemptNumber, e.JobID)
	}
	return nil
}

// ListByJob returns a job's entries ordered by attempt number.
func (r *HistoryRepo) ListByJob(ctx context.Context, jobID string) ([]domain.RetryHistoryEntry, error) {
	query := `
		SELECT id, job_id, attempt_number, started_at, ended_at, success,
			failure_reason, error_class, trigger, backoff_delay_ms
		FROM retry_history
		WHERE job_id = $1
		ORDER BY attempt_number ASC
	`
	var rows []historyRow
	if err := r.db.SelectContext(ctx, &rows, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	out := make([]domain.RetryHistoryEntry, len(rows))
	for i, row := range rows {
		out[i] = domain.RetryHistoryEntry{
			ID:            row.ID,
			JobID:         row.JobID,
			AttemptNumber: row.AttemptNumber,
			StartedAt:     row.StartedAt,
			EndedAt:       row.EndedAt,
			Success:       row.Success,
			FailureReason: row.FailureReason,
			ErrorClass:    domain.ErrorClass(row.ErrorClass),
			Trigger:       domain.RetryTrigger(row.Trigger),
			BackoffDelay:  time.Duration(row.BackoffDelayMs) * time.Millisecond,
		}
	}
	return out, nil
}

// DeleteOlderThan removes entries of terminal jobs that ended before the cutoff.
func (r *HistoryRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	query := `
		DELETE FROM retry_history h
		WHERE h.ended_at < $1
		AND NOT EXISTS (
			SELECT 1 FROM jobs j
			WHERE j.id = h.job_id
			AND j.status NOT IN ('completed', 'permanently_failed', 'cancelled')
		)
	`
	res, err := r.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	return res.RowsAffected()
}
