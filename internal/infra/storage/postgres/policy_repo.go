package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/vietddude/outreach/internal/core/domain"
)

type policyRow struct {
	ID                       string         `db:"id"`
	Name                     string         `db:"name"`
	Active                   bool           `db:"active"`
	Priority                 int            `db:"priority"`
	JobTypes                 pq.StringArray `db:"job_types"`
	ErrorTypes               pq.StringArray `db:"error_types"`
	UserTiers                pq.StringArray `db:"user_tiers"`
	MaxAttempts              int            `db:"max_attempts"`
	Strategy                 string         `db:"strategy"`
	BaseDelayMs              int64          `db:"base_delay_ms"`
	MaxDelayMs               int64          `db:"max_delay_ms"`
	JitterEnabled            bool           `db:"jitter_enabled"`
	RetryOnSecurityDetection bool           `db:"retry_on_security_detection"`
	RetryOnCaptcha           bool           `db:"retry_on_captcha"`
	RetryOnNetworkError      bool           `db:"retry_on_network_error"`
	RetryOnRateLimit         bool           `db:"retry_on_rate_limit"`
	RetryOnProxyError        bool           `db:"retry_on_proxy_error"`
	RetryOnUnknownError      bool           `db:"retry_on_unknown_error"`
	EscalateAfterAttempts    int            `db:"escalate_after_attempts"`
	EscalateToAdmin          bool           `db:"escalate_to_admin"`
	CreatedAt                time.Time      `db:"created_at"`
	UpdatedAt                time.Time      `db:"updated_at"`
}

func toPolicyRow(p *domain.RetryPolicy) policyRow {
	return policyRow{
		ID:                       p.ID,
		Name:                     p.Name,
		Active:                   p.Active,
		Priority:                 p.Priority,
		JobTypes:                 nonNil(p.JobTypes),
		ErrorTypes:               nonNil(p.ErrorTypes),
		UserTiers:                nonNil(p.UserTiers),
		MaxAttempts:              p.MaxAttempts,
		Strategy:                 string(p.Strategy),
		BaseDelayMs:              p.BaseDelay.Milliseconds(),
		MaxDelayMs:               p.MaxDelay.Milliseconds(),
		JitterEnabled:            p.JitterEnabled,
		RetryOnSecurityDetection: p.RetryOnSecurityDetection,
		RetryOnCaptcha:           p.RetryOnCaptcha,
		RetryOnNetworkError:      p.RetryOnNetworkError,
		RetryOnRateLimit:         p.RetryOnRateLimit,
		RetryOnProxyError:        p.RetryOnProxyError,
		RetryOnUnknownError:      p.RetryOnUnknownError,
		EscalateAfterAttempts:    p.EscalateAfterAttempts,
		EscalateToAdmin:          p.EscalateToAdmin,
		CreatedAt:                p.CreatedAt,
		UpdatedAt:                p.UpdatedAt,
	}
}

func (row policyRow) toDomain() domain.RetryPolicy {
	return domain.RetryPolicy{
		ID:                       row.ID,
		Name:                     row.Name,
		Active:                   row.Active,
		Priority:                 row.Priority,
		JobTypes:                 emptyToNil(row.JobTypes),
		ErrorTypes:               emptyToNil(row.ErrorTypes),
		UserTiers:                emptyToNil(row.UserTiers),
		MaxAttempts:              row.MaxAttempts,
		Strategy:                 domain.BackoffStrategy(row.Strategy),
		BaseDelay:                time.Duration(row.BaseDelayMs) * time.Millisecond,
		MaxDelay:                 time.Duration(row.MaxDelayMs) * time.Millisecond,
		JitterEnabled:            row.JitterEnabled,
		RetryOnSecurityDetection: row.RetryOnSecurityDetection,
		RetryOnCaptcha:           row.RetryOnCaptcha,
		RetryOnNetworkError:      row.RetryOnNetworkError,
		RetryOnRateLimit:         row.RetryOnRateLimit,
		RetryOnProxyError:        row.RetryOnProxyError,
		RetryOnUnknownError:      row.RetryOnUnknownError,
		EscalateAfterAttempts:    row.EscalateAfterAttempts,
		EscalateToAdmin:          row.EscalateToAdmin,
		CreatedAt:                row.CreatedAt,
		UpdatedAt:                row.UpdatedAt,
	}
}

func nonNil(s []string) pq.StringArray {
	if s == nil {
		return pq.StringArray{}
	}
	return pq.StringArray(s)
}

func emptyToNil(s pq.StringArray) []string {
	if len(s) == 0 {
		return nil
	}
	return []string(s)
}

// PolicyRepo implements storage.PolicyRepository using PostgreSQL.
type PolicyRepo struct {
	db *DB
}

// NewPolicyRepo creates a new PostgreSQL policy repository.
func NewPolicyRepo(db *DB) *PolicyRepo {
	return &PolicyRepo{db: db}
}

// ListActive returns active policies, highest priority first.
func (r *PolicyRepo) ListActive(ctx context.Context) ([]domain.RetryPolicy, error) {
	query := `
		SELECT * FROM retry_policies
		WHERE active
		ORDER BY priority DESC, name ASC
	`
	var rows []policyRow
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	out := make([]domain.RetryPolicy, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}

// Save inserts or replaces a policy by id.
func (r *PolicyRepo) Save(ctx context.Context, policy *domain.RetryPolicy) error {
	if policy.ID == "" {
		return fmt.Errorf("policy id is required")
	}
	now := time.Now()
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = now
	}
	policy.UpdatedAt = now

	query := `
		INSERT INTO retry_policies (
			id, name, active, priority, job_types, error_types, user_tiers,
			max_attempts, strategy, base_delay_ms, max_delay_ms, jitter_enabled,
			retry_on_security_detection, retry_on_captcha, retry_on_network_error,
			retry_on_rate_limit, retry_on_proxy_error, retry_on_unknown_error,
			escalate_after_attempts, escalate_to_admin, created_at, updated_at
		) VALUES (
			:id, :name, :active, :priority, :job_types, :error_types, :user_tiers,
			:max_attempts, :strategy, :base_delay_ms, :max_delay_ms, :jitter_enabled,
			:retry_on_security_detection, :retry_on_captcha, :retry_on_network_error,
			:retry_on_rate_limit, :retry_on_proxy_error, :retry_on_unknown_error,
			:escalate_after_attempts, :escalate_to_admin, :created_at, :updated_at
		)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			active = EXCLUDED.active,
			priority = EXCLUDED.priority,
			job_types = EXCLUDED.job_types,
			error_types = EXCLUDED.error_types,
			user_tiers = EXCLUDED.user_tiers,
			max_attempts = EXCLUDED.max_attempts,
			strategy = EXCLUDED.strategy,
			base_delay_ms = EXCLUDED.base_delay_ms,
			max_delay_ms = EXCLUDED.max_delay_ms,
			jitter_enabled = EXCLUDED.jitter_enabled,
			retry_on_security_detection = EXCLUDED.retry_on_security_detection,
			retry_on_captcha = EXCLUDED.retry_on_captcha,
			retry_on_network_error = EXCLUDED.retry_on_network_error,
			retry_on_rate_limit = EXCLUDED.retry_on_rate_limit,
			retry_on_proxy_error = EXCLUDED.retry_on_proxy_error,
			retry_on_unknown_error = EXCLUDED.retry_on_unknown_error,
			escalate_after_attempts = EXCLUDED.escalate_after_attempts,
			escalate_to_admin = EXCLUDED.escalate_to_admin,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := r.db.NamedExecContext(ctx, query, toPolicyRow(policy)); err != nil {
		return fmt.Errorf("failed to save policy: %w", err)
	}
	return nil
}
