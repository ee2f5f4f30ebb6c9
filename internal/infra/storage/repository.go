package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/outreach/internal/core/domain"
)

var (
	// ErrJobNotFound is returned when a job doesn't exist
	ErrJobNotFound = errors.New("job not found")

	// ErrProxyNotFound is returned when a proxy doesn't exist
	ErrProxyNotFound = errors.New("proxy not found")
)

// Store bundles the repositories. It is constructed once and passed to the
// engines explicitly.
type Store struct {
	Jobs        JobRepository
	Policies    PolicyRepository
	History     HistoryRepository
	Proxies     ProxyRepository
	ProxyHealth ProxyHealthRepository
	Assignments AssignmentRepository
	Invites     InviteRepository
}

// JobRepository handles job storage operations
type JobRepository interface {
	// Create inserts a new job
	Create(ctx context.Context, job *domain.Job) error

	// Get retrieves a job by id, or ErrJobNotFound
	Get(ctx context.Context, id string) (*domain.Job, error)

	// Update writes every mutable field of the job
	Update(ctx context.Context, job *domain.Job) error

	// ListReadyForRetry returns retry_pending jobs due at now, oldest next_retry_at first
	ListReadyForRetry(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error)

	// ListStale returns jobs in one of the statuses last updated before the cutoff
	ListStale(
		ctx context.Context,
		statuses []domain.JobStatus,
		before time.Time,
		limit int,
	) ([]*domain.Job, error)

	// Dashboard computes the failure dashboard as of now
	Dashboard(ctx context.Context, now time.Time) (*domain.FailureDashboard, error)
}

// PolicyRepository handles retry policy storage
type PolicyRepository interface {
	// ListActive returns all active policies
	ListActive(ctx context.Context) ([]domain.RetryPolicy, error)

	// Save inserts or replaces a policy by id
	Save(ctx context.Context, policy *domain.RetryPolicy) error
}

// HistoryRepository stores the append-only attempt audit log
type HistoryRepository interface {
	// Append adds an entry
	Append(ctx context.Context, entry *domain.RetryHistoryEntry) error

	// ListByJob returns a job's entries ordered by attempt number
	ListByJob(ctx context.Context, jobID string) ([]domain.RetryHistoryEntry, error)

	// DeleteOlderThan removes entries of terminal jobs that ended before the cutoff
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// ProxyRepository handles pool-level proxy records
type ProxyRepository interface {
	// Create inserts a proxy
	Create(ctx context.Context, proxy *domain.ProxyRecord) error

	// Get retrieves a proxy by id, or ErrProxyNotFound
	Get(ctx context.Context, id string) (*domain.ProxyRecord, error)

	// List returns every proxy
	List(ctx context.Context) ([]*domain.ProxyRecord, error)

	// ListActiveByTier returns active proxies of a tier, fewest global failures first
	ListActiveByTier(ctx context.Context, tier string) ([]*domain.ProxyRecord, error)

	// UpdateStatus changes the pool-wide status
	UpdateStatus(ctx context.Context, id string, status domain.ProxyStatus) error

	// RecordUsage bumps the global success or failure counter
	RecordUsage(ctx context.Context, id string, success bool) error
}

// ProxyHealthRepository handles per (proxy, user) health records
type ProxyHealthRepository interface {
	// Get returns the record for the pair, or nil if none exists
	Get(ctx context.Context, proxyID, userID string) (*domain.ProxyHealthRecord, error)

	// GetActiveByUser returns the user's active record, or nil
	GetActiveByUser(ctx context.Context, userID string) (*domain.ProxyHealthRecord, error)

	// ListByUser returns all of the user's records, most recently updated first
	ListByUser(ctx context.Context, userID string) ([]*domain.ProxyHealthRecord, error)

	// Save inserts or replaces the record for its (proxy, user) pair
	Save(ctx context.Context, record *domain.ProxyHealthRecord) error

	// DeactivateUser marks the user's active records inactive, except exceptProxyID
	DeactivateUser(ctx context.Context, userID, exceptProxyID string) error

	// CountActiveByProxy returns how many users currently hold the proxy
	CountActiveByProxy(ctx context.Context, proxyID string) (int, error)

	// ResetRecent zeroes the rolling counters and restarts the window at now
	ResetRecent(ctx context.Context, now time.Time) (int64, error)

	// ClearExpiredDisables lifts auto-disables set before the cutoff
	ClearExpiredDisables(ctx context.Context, before time.Time) (int64, error)
}

// AssignmentRepository stores the append-only assignment log
type AssignmentRepository interface {
	// Append adds an entry
	Append(ctx context.Context, assignment *domain.ProxyAssignment) error

	// Performance aggregates entries since the cutoff; empty proxyID means all proxies
	Performance(
		ctx context.Context,
		proxyID string,
		since time.Time,
	) (*domain.ProxyPerformance24h, error)
}

// InviteRepository records sent invitations so a profile is not contacted twice
type InviteRepository interface {
	// RecordInvite stores a sent invitation; recording twice is a no-op
	RecordInvite(ctx context.Context, userID, profileURL, jobID string) error

	// HasInvite reports whether the user already invited the profile
	HasInvite(ctx context.Context, userID, profileURL string) (bool, error)
}
