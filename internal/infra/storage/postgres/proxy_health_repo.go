package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/outreach/internal/core/domain"
)

const healthColumns = `proxy_id, user_id, success_count, failure_count,
	recent_success_count, recent_failure_count, recent_window_start,
	consecutive_failures, total_jobs_processed, avg_response_time_ms, status,
	auto_disabled_at, auto_disabled_reason, last_success_at, last_failure_at,
	assigned_at, updated_at`

type healthRow struct {
	ProxyID             string     `db:"proxy_id"`
	UserID              string     `db:"user_id"`
	SuccessCount        int        `db:"success_count"`
	FailureCount        int        `db:"failure_count"`
	RecentSuccessCount  int        `db:"recent_success_count"`
	RecentFailureCount  int        `db:"recent_failure_count"`
	RecentWindowStart   time.Time  `db:"recent_window_start"`
	ConsecutiveFailures int        `db:"consecutive_failures"`
	TotalJobsProcessed  int        `db:"total_jobs_processed"`
	AvgResponseTimeMs   float64    `db:"avg_response_time_ms"`
	Status              string     `db:"status"`
	AutoDisabledAt      *time.Time `db:"auto_disabled_at"`
	AutoDisabledReason  string     `db:"auto_disabled_reason"`
	LastSuccessAt       *time.Time `db:"last_success_at"`
	LastFailureAt       *time.Time `db:"last_failure_at"`
	AssignedAt          time.Time  `db:"assigned_at"`
	UpdatedAt           time.Time  `db:"updated_at"`
}

func toHealthRow(h *domain.ProxyHealthRecord) healthRow {
	return healthRow{
		ProxyID:             h.ProxyID,
		UserID:              h.UserID,
		SuccessCount:        h.SuccessCount,
		FailureCount:        h.FailureCount,
		RecentSuccessCount:  h.RecentSuccessCount,
		RecentFailureCount:  h.RecentFailureCount,
		RecentWindowStart:   h.RecentWindowStart,
		ConsecutiveFailures: h.ConsecutiveFailures,
		TotalJobsProcessed:  h.TotalJobsProcessed,
		AvgResponseTimeMs:   h.AvgResponseTimeMs,
		Status:              string(h.Status),
		AutoDisabledAt:      h.AutoDisabledAt,
		AutoDisabledReason:  h.AutoDisabledReason,
		LastSuccessAt:       h.LastSuccessAt,
		LastFailureAt:       h.LastFailureAt,
		AssignedAt:          h.AssignedAt,
		UpdatedAt:           h.UpdatedAt,
	}
}

func (row healthRow) toDomain() *domain.ProxyHealthRecord {
	return &domain.ProxyHealthRecord{
		ProxyID:             row.ProxyID,
		UserID:              row.UserID,
		SuccessCount:        row.SuccessCount,
		FailureCount:        row.FailureCount,
		RecentSuccessCount:  row.RecentSuccessCount,
		RecentFailureCount:  row.RecentFailureCount,
		RecentWindowStart:   row.RecentWindowStart,
		ConsecutiveFailures: row.ConsecutiveFailures,
		TotalJobsProcessed:  row.TotalJobsProcessed,
		AvgResponseTimeMs:   row.AvgResponseTimeMs,
		Status:              domain.ProxyStatus(row.Status),
		AutoDisabledAt:      row.AutoDisabledAt,
		AutoDisabledReason:  row.AutoDisabledReason,
		LastSuccessAt:       row.LastSuccessAt,
		LastFailureAt:       row.LastFailureAt,
		AssignedAt:          row.AssignedAt,
		UpdatedAt:           row.UpdatedAt,
	}
}

// ProxyHealthRepo implements storage.ProxyHealthRepository using PostgreSQL.
type ProxyHealthRepo struct {
	db *DB
}

// NewProxyHealthRepo creates a new PostgreSQL proxy health repository.
func NewProxyHealthRepo(db *DB) *ProxyHealthRepo {
	return &ProxyHealthRepo{db: db}
}

func (r *ProxyHealthRepo) getOne(ctx context.Context, query string, args ...any) (*domain.ProxyHealthRecord, error) {
	var row healthRow
	err := r.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get proxy health: %w", err)
	}
	return row.toDomain(), nil
}

// Get returns the record for the pair, or nil.
func (r *ProxyHealthRepo) Get(ctx context.Context, proxyID, userID string) (*domain.ProxyHealthRecord, error) {
	query := `SELECT ` + healthColumns + ` FROM proxy_health WHERE proxy_id = $1 AND user_id = $2`
	return r.getOne(ctx, query, proxyID, userID)
}

// GetActiveByUser returns the user's active record, or nil.
func (r *ProxyHealthRepo) GetActiveByUser(ctx context.Context, userID string) (*domain.ProxyHealthRecord, error) {
	query := `SELECT ` + healthColumns + ` FROM proxy_health WHERE user_id = $1 AND status = 'active' LIMIT 1`
	return r.getOne(ctx, query, userID)
}

// ListByUser returns all of the user's records, most recently updated first.
func (r *ProxyHealthRepo) ListByUser(ctx context.Context, userID string) ([]*domain.ProxyHealthRecord, error) {
	query := `SELECT ` + healthColumns + ` FROM proxy_health WHERE user_id = $1 ORDER BY updated_at DESC`
	var rows []healthRow
	if err := r.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list proxy health: %w", err)
	}
	out := make([]*domain.ProxyHealthRecord, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}

// Save inserts or replaces the record for its (proxy, user) pair.
func (r *ProxyHealthRepo) Save(ctx context.Context, h *domain.ProxyHealthRecord) error {
	query := `
		INSERT INTO proxy_health (` + healthColumns + `)
		VALUES (:proxy_id, :user_id, :success_count, :failure_count,
			:recent_success_count, :recent_failure_count, :recent_window_start,
			:consecutive_failures, :total_jobs_processed, :avg_response_time_ms, :status,
			:auto_disabled_at, :auto_disabled_reason, :last_success_at, :last_failure_at,
			:assigned_at, :updated_at)
		ON CONFLICT (proxy_id, user_id) DO UPDATE SET
			success_count = EXCLUDED.success_count,
			failure_count = EXCLUDED.failure_count,
			recent_success_count = EXCLUDED.recent_success_count,
			recent_failure_count = EXCLUDED.recent_failure_count,
			recent_window_start = EXCLUDED.recent_window_start,
			consecutive_failures = EXCLUDED.consecutive_failures,
			total_jobs_processed = EXCLUDED.total_jobs_processed,
			avg_response_time_ms = EXCLUDED.avg_response_time_ms,
			status = EXCLUDED.status,
			auto_disabled_at = EXCLUDED.auto_disabled_at,
			auto_disabled_reason = EXCLUDED.auto_disabled_reason,
			last_success_at = EXCLUDED.last_success_at,
			last_failure_at = EXCLUDED.last_failure_at,
			assigned_at = EXCLUDED.assigned_at,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := r.db.NamedExecContext(ctx, query, toHealthRow(h)); err != nil {
		return fmt.Errorf("failed to save proxy health: %w", err)
	}
	return nil
}

// DeactivateUser marks the user's active records inactive, except exceptProxyID.
func (r *ProxyHealthRepo) DeactivateUser(ctx context.Context, userID, exceptProxyID string) error {
	query := `
		UPDATE proxy_health
		SET status = 'inactive', updated_at = NOW()
		WHERE user_id = $1 AND proxy_id <> $2 AND status = 'active'
	`
	if _, err := r.db.ExecContext(ctx, query, userID, exceptProxyID); err != nil {
		return fmt.Errorf("failed to deactivate user proxies: %w", err)
	}
	return nil
}

// CountActiveByProxy returns how many users currently hold the proxy.
func (r *ProxyHealthRepo) CountActiveByProxy(ctx context.Context, proxyID string) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM proxy_health WHERE proxy_id = $1 AND status = 'active'`
	if err := r.db.GetContext(ctx, &n, query, proxyID); err != nil {
		return 0, fmt.Errorf("failed to count proxy users: %w", err)
	}
	return n, nil
}

// ResetRecent zeroes the rolling counters and restarts every window at now.
// The count covers only records that had recent activity.
func (r *ProxyHealthRepo) ResetRecent(ctx context.Context, now time.Time) (int64, error) {
	query := `
		WITH reset AS (
			UPDATE proxy_health p
			SET recent_success_count = 0, recent_failure_count = 0, recent_window_start = $1
			FROM proxy_health old
			WHERE old.proxy_id = p.proxy_id AND old.user_id = p.user_id
			RETURNING old.recent_success_count + old.recent_failure_count AS had
		)
		SELECT COUNT(*) FROM reset WHERE had > 0
	`
	var n int64
	if err := r.db.GetContext(ctx, &n, query, now); err != nil {
		return 0, fmt.Errorf("failed to reset recent counters: %w", err)
	}
	return n, nil
}

// ClearExpiredDisables lifts auto-disables set before the cutoff.
func (r *ProxyHealthRepo) ClearExpiredDisables(ctx context.Context, before time.Time) (int64, error) {
	query := `
		UPDATE proxy_health
		SET auto_disabled_at = NULL, auto_disabled_reason = '', consecutive_failures = 0, updated_at = NOW()
		WHERE auto_disabled_at IS NOT NULL AND auto_disabled_at < $1
	`
	res, err := r.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to clear expired disables: %w", err)
	}
	return res.RowsAffected()
}
