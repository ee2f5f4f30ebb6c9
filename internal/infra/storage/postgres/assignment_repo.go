package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/vietddude/outreach/internal/core/domain"
)

// AssignmentRepo implements storage.AssignmentRepository using PostgreSQL.
type AssignmentRepo struct {
	db *DB
}

// NewAssignmentRepo creates a new PostgreSQL assignment repository.
func NewAssignmentRepo(db *DB) *AssignmentRepo {
	return &AssignmentRepo{db: db}
}

// Append adds an entry.
func (r *AssignmentRepo) Append(ctx context.Context, a *domain.ProxyAssignment) error {
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	query := `
		INSERT INTO proxy_assignments (
			id, proxy_id, user_id, job_id, reason, success,
			response_time_ms, failure_reason, previous_proxy_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		a.ID,
		a.ProxyID,
		a.UserID,
		a.JobID,
		a.Reason,
		a.Success,
		a.ResponseTimeMs,
		a.FailureReason,
		a.PreviousProxyID,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append assignment: %w", err)
	}
	return nil
}

// Performance aggregates outcome entries since the cutoff; empty proxyID
// means all proxies.
func (r *AssignmentRepo) Performance(
	ctx context.Context,
	proxyID string,
	since time.Time,
) (*domain.ProxyPerformance24h, error) {
	query := `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE success) AS successful,
			COUNT(*) FILTER (WHERE NOT success) AS failed,
			COALESCE(AVG(response_time_ms), 0)::float8 AS avg_response_time_ms
		FROM proxy_assignments
		WHERE created_at >= $1 AND success IS NOT NULL AND ($2 = '' OR proxy_id = $2)
	`
	var perf domain.ProxyPerformance24h
	if err := r.db.GetContext(ctx, &perf, query, since, proxyID); err != nil {
		return nil, fmt.Errorf("failed to aggregate proxy performance: %w", err)
	}
	if perf.Total > 0 {
		perf.SuccessRate = float64(perf.Successful) / float64(perf.Total) * 100
	}
	return &perf, nil
}
