package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/outreach/internal/core/domain"
	"github.com/vietddude/outreach/internal/infra/storage"
)

const proxyColumns = `id, provider, endpoint, username, password, tier, max_concurrent_users,
	status, global_success_count, global_failure_count, created_at, updated_at`

type proxyRow struct {
	ID                 string    `db:"id"`
	Provider           string    `db:"provider"`
	Endpoint           string    `db:"endpoint"`
	Username           string    `db:"username"`
	Password           string    `db:"password"`
	Tier               string    `db:"tier"`
	MaxConcurrentUsers int       `db:"max_concurrent_users"`
	Status             string    `db:"status"`
	GlobalSuccessCount int       `db:"global_success_count"`
	GlobalFailureCount int       `db:"global_failure_count"`
	CreatedAt          time.Time `db:"created_at"`
	UpdatedAt          time.Time `db:"updated_at"`
}

func (row proxyRow) toDomain() *domain.ProxyRecord {
	return &domain.ProxyRecord{
		ID:                 row.ID,
		Provider:           row.Provider,
		Endpoint:           row.Endpoint,
		Username:           row.Username,
		Password:           row.Password,
		Tier:               row.Tier,
		MaxConcurrentUsers: row.MaxConcurrentUsers,
		Status:             domain.ProxyStatus(row.Status),
		GlobalSuccessCount: row.GlobalSuccessCount,
		GlobalFailureCount: row.GlobalFailureCount,
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
	}
}

// ProxyRepo implements storage.ProxyRepository using PostgreSQL.
type ProxyRepo struct {
	db *DB
}

// NewProxyRepo creates a new PostgreSQL proxy repository.
func NewProxyRepo(db *DB) *ProxyRepo {
	return &ProxyRepo{db: db}
}

// Create inserts a proxy.
func (r *ProxyRepo) Create(ctx context.Context, p *domain.ProxyRecord) error {
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	row := proxyRow{
		ID:                 p.ID,
		Provider:           p.Provider,
		Endpoint:           p.Endpoint,
		Username:           p.Username,
		Password:           p.Password,
		Tier:               p.Tier,
		MaxConcurrentUsers: p.MaxConcurrentUsers,
		Status:             string(p.Status),
		GlobalSuccessCount: p.GlobalSuccessCount,
		GlobalFailureCount: p.GlobalFailureCount,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	}
	query := `
		INSERT INTO proxies (` + proxyColumns + `)
		VALUES (:id, :provider, :endpoint, :username, :password, :tier, :max_concurrent_users,
			:status, :global_success_count, :global_failure_count, :created_at, :updated_at)
	`
	if _, err := r.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to create proxy: %w", err)
	}
	return nil
}

// Get retrieves a proxy by id.
func (r *ProxyRepo) Get(ctx context.Context, id string) (*domain.ProxyRecord, error) {
	var row proxyRow
	err := r.db.GetContext(ctx, &row, `SELECT `+proxyColumns+` FROM proxies WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrProxyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get proxy: %w", err)
	}
	return row.toDomain(), nil
}

// List returns every proxy in insertion order.
func (r *ProxyRepo) List(ctx context.Context) ([]*domain.ProxyRecord, error) {
	return r.selectProxies(ctx, `SELECT `+proxyColumns+` FROM proxies ORDER BY created_at ASC, id ASC`)
}

// ListActiveByTier returns active proxies of a tier, fewest global failures first.
func (r *ProxyRepo) ListActiveByTier(ctx context.Context, tier string) ([]*domain.ProxyRecord, error) {
	query := `
		SELECT ` + proxyColumns + `
		FROM proxies
		WHERE tier = $1 AND status = 'active'
		ORDER BY global_failure_count ASC, created_at ASC, id ASC
	`
	return r.selectProxies(ctx, query, tier)
}

func (r *ProxyRepo) selectProxies(ctx context.Context, query string, args ...any) ([]*domain.ProxyRecord, error) {
	var rows []proxyRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list proxies: %w", err)
	}
	out := make([]*domain.ProxyRecord, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}

// UpdateStatus changes the pool-wide status.
func (r *ProxyRepo) UpdateStatus(ctx context.Context, id string, status domain.ProxyStatus) error {
	query := `UPDATE proxies SET status = $2, updated_at = NOW() WHERE id = $1`
	return r.execOne(ctx, "update proxy status", query, id, string(status))
}

// RecordUsage bumps the global success or failure counter.
func (r *ProxyRepo) RecordUsage(ctx context.Context, id string, success bool) error {
	query := `UPDATE proxies SET global_failure_count = global_failure_count + 1, updated_at = NOW() WHERE id = $1`
	if success {
		query = `UPDATE proxies SET global_success_count = global_success_count + 1, updated_at = NOW() WHERE id = $1`
	}
	return r.execOne(ctx, "record proxy usage", query, id)
}

func (r *ProxyRepo) execOne(ctx context.Context, op, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if n == 0 {
		return storage.ErrProxyNotFound
	}
	return nil
}
