package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/vietddude/outreach/internal/core/domain"
	"github.com/vietddude/outreach/internal/infra/storage"
)

type MemoryStorage struct {
	jobs        map[string]*domain.Job
	policies    map[string]domain.RetryPolicy
	history     map[string][]domain.RetryHistoryEntry
	proxies     map[string]*domain.ProxyRecord
	proxyOrder  []string
	health      map[healthKey]*domain.ProxyHealthRecord
	assignments []domain.ProxyAssignment
	invites     map[string]string
	mu          sync.RWMutex
}

type healthKey struct {
	proxyID string
	userID  string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		jobs:     make(map[string]*domain.Job),
		policies: make(map[string]domain.RetryPolicy),
		history:  make(map[string][]domain.RetryHistoryEntry),
		proxies:  make(map[string]*domain.ProxyRecord),
		health:   make(map[healthKey]*domain.ProxyHealthRecord),
		invites:  make(map[string]string),
	}
}

// NewStore wires every repository against a fresh in-memory backend.
func NewStore() *storage.Store {
	s := NewMemoryStorage()
	return &storage.Store{
		Jobs:        NewJobRepo(s),
		Policies:    NewPolicyRepo(s),
		History:     NewHistoryRepo(s),
		Proxies:     NewProxyRepo(s),
		ProxyHealth: NewProxyHealthRepo(s),
		Assignments: NewAssignmentRepo(s),
		Invites:     NewInviteRepo(s),
	}
}

// -----------------------------------------------------------------------------
// Job Repository
// -----------------------------------------------------------------------------

type JobRepo struct {
	store *MemoryStorage
}

func NewJobRepo(store *MemoryStorage) *JobRepo {
	return &JobRepo{store: store}
}

func (r *JobRepo) Create(ctx context.Context, job *domain.Job) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
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
	r.store.jobs[job.ID] = job.Clone()
	return nil
}

func (r *JobRepo) Get(ctx context.Context, id string) (*domain.Job, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	job, ok := r.store.jobs[id]
	if !ok {
		return nil, storage.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (r *JobRepo) Update(ctx context.Context, job *domain.Job) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.jobs[job.ID]; !ok {
		return storage.ErrJobNotFound
	}
	r.store.jobs[job.ID] = job.Clone()
	return nil
}

func (r *JobRepo) ListReadyForRetry(
	ctx context.Context,
	now time.Time,
	limit int,
) ([]*domain.Job, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var ready []*domain.Job
	for _, j := range r.store.jobs {
		if j.Status == domain.JobStatusRetryPending &&
			j.NextRetryAt != nil && !j.NextRetryAt.After(now) {
			ready = append(ready, j.Clone())
		}
	}
	slices.SortFunc(ready, func(a, b *domain.Job) int {
		if c := a.NextRetryAt.Compare(*b.NextRetryAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	return ready, nil
}

func (r *JobRepo) ListStale(
	ctx context.Context,
	statuses []domain.JobStatus,
	before time.Time,
	limit int,
) ([]*domain.Job, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var stale []*domain.Job
	for _, j := range r.store.jobs {
		if slices.Contains(statuses, j.Status) && j.UpdatedAt.Before(before) {
			stale = append(stale, j.Clone())
		}
	}
	slices.SortFunc(stale, func(a, b *domain.Job) int {
		return a.UpdatedAt.Compare(b.UpdatedAt)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (r *JobRepo) Dashboard(ctx context.Context, now time.Time) (*domain.FailureDashboard, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	d := &domain.FailureDashboard{}
	var (
		retriedTerminal, retriedCompleted int
		successAttempts, permAttempts     int
		successJobs, permJobs             int
	)
	for _, j := range r.store.jobs {
		switch j.Status {
		case domain.JobStatusFailed:
			d.CurrentlyFailed++
		case domain.JobStatusRetryPending:
			d.PendingRetry++
		case domain.JobStatusPermanentlyFailed:
			d.PermanentlyFailed++
			permJobs++
			permAttempts += j.AttemptNumber
			if j.AttemptNumber > 1 {
				retriedTerminal++
			}
		case domain.JobStatusCompleted:
			successJobs++
			successAttempts += j.AttemptNumber
			if j.AttemptNumber > 1 {
				retriedTerminal++
				retriedCompleted++
			}
		}
	}
	if retriedTerminal > 0 {
		d.RetrySuccessRatePercent = float64(retriedCompleted) / float64(retriedTerminal) * 100
	}
	if successJobs > 0 {
		d.AvgAttemptsToSuccess = float64(successAttempts) / float64(successJobs)
	}
	if permJobs > 0 {
		d.AvgAttemptsToPermanent = float64(permAttempts) / float64(permJobs)
	}

	reasons := make(map[string]int)
	var delayTotal time.Duration
	var delayCount int
	for _, entries := range r.store.history {
		for _, e := range entries {
			if e.Success {
				continue
			}
			age := now.Sub(e.EndedAt)
			if age <= time.Hour {
				d.FailuresLastHour++
			}
			if age <= 24*time.Hour {
				d.FailuresLast24h++
			}
			if age <= 7*24*time.Hour {
				d.FailuresLastWeek++
				if e.FailureReason != "" {
					reasons[e.FailureReason]++
				}
			}
			if e.BackoffDelay > 0 {
				delayTotal += e.BackoffDelay
				delayCount++
			}
		}
	}
	best := 0
	for reason, n := range reasons {
		if n > best || (n == best && reason < d.MostCommonFailureReason) {
			best = n
			d.MostCommonFailureReason = reason
		}
	}
	if delayCount > 0 {
		d.AvgRetryDelayMinutes = delayTotal.Minutes() / float64(delayCount)
	}
	d.SystemHealthStatus = domain.ClassifySystemHealth(d.FailuresLastHour, d.PendingRetry)
	return d, nil
}

// -----------------------------------------------------------------------------
// Policy Repository
// -----------------------------------------------------------------------------

type PolicyRepo struct {
	store *MemoryStorage
}

func NewPolicyRepo(store *MemoryStorage) *PolicyRepo {
	return &PolicyRepo{store: store}
}

func (r *PolicyRepo) ListActive(ctx context.Context) ([]domain.RetryPolicy, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []domain.RetryPolicy
	for _, p := range r.store.policies {
		if p.Active {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b domain.RetryPolicy) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return out, nil
}

func (r *PolicyRepo) Save(ctx context.Context, policy *domain.RetryPolicy) error {
	if policy.ID == "" {
		return fmt.Errorf("policy id is required")
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.policies[policy.ID] = *policy
	return nil
}

// -----------------------------------------------------------------------------
// History Repository
// -----------------------------------------------------------------------------

type HistoryRepo struct {
	store *MemoryStorage
}

func NewHistoryRepo(store *MemoryStorage) *HistoryRepo {
	return &HistoryRepo{store: store}
}

func (r *HistoryRepo) Append(ctx context.Context, entry *domain.RetryHistoryEntry) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	entries := r.store.history[entry.JobID]
	if n := len(entries); n > 0 && entries[n-1].AttemptNumber >= entry.AttemptNumber {
		return fmt.Errorf(
			"attempt %d for job %s is not after %d",
			entry.AttemptNumber, entry.JobID, entries[n-1].AttemptNumber,
		)
	}
	r.store.history[entry.JobID] = append(entries, *entry)
	return nil
}

func (r *HistoryRepo) ListByJob(
	ctx context.Context,
	jobID string,
) ([]domain.RetryHistoryEntry, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return slices.Clone(r.store.history[jobID]), nil
}

func (r *HistoryRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var deleted int64
	for jobID, entries := range r.store.history {
		job, ok := r.store.jobs[jobID]
		if ok && !job.Status.IsTerminal() {
			continue
		}
		kept := entries[:0]
		for _, e := range entries {
			if e.EndedAt.Before(before) {
				deleted++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(r.store.history, jobID)
		} else {
			r.store.history[jobID] = kept
		}
	}
	return deleted, nil
}

// -----------------------------------------------------------------------------
// Proxy Repository
// -----------------------------------------------------------------------------

type ProxyRepo struct {
	store *MemoryStorage
}

func NewProxyRepo(store *MemoryStorage) *ProxyRepo {
	return &ProxyRepo{store: store}
}

func (r *ProxyRepo) Create(ctx context.Context, proxy *domain.ProxyRecord) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.proxies[proxy.ID]; ok {
		return fmt.Errorf("proxy %s already exists", proxy.ID)
	}
	p := *proxy
	r.store.proxies[p.ID] = &p
	r.store.proxyOrder = append(r.store.proxyOrder, p.ID)
	return nil
}

func (r *ProxyRepo) Get(ctx context.Context, id string) (*domain.ProxyRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	p, ok := r.store.proxies[id]
	if !ok {
		return nil, storage.ErrProxyNotFound
	}
	c := *p
	return &c, nil
}

func (r *ProxyRepo) List(ctx context.Context) ([]*domain.ProxyRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*domain.ProxyRecord, 0, len(r.store.proxyOrder))
	for _, id := range r.store.proxyOrder {
		c := *r.store.proxies[id]
		out = append(out, &c)
	}
	return out, nil
}

// ListActiveByTier keeps insertion order among equal failure counts.
func (r *ProxyRepo) ListActiveByTier(
	ctx context.Context,
	tier string,
) ([]*domain.ProxyRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.ProxyRecord
	for _, id := range r.store.proxyOrder {
		p := r.store.proxies[id]
		if p.Tier == tier && p.Status == domain.ProxyStatusActive {
			c := *p
			out = append(out, &c)
		}
	}
	slices.SortStableFunc(out, func(a, b *domain.ProxyRecord) int {
		return cmp.Compare(a.GlobalFailureCount, b.GlobalFailureCount)
	})
	return out, nil
}

func (r *ProxyRepo) UpdateStatus(ctx context.Context, id string, status domain.ProxyStatus) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	p, ok := r.store.proxies[id]
	if !ok {
		return storage.ErrProxyNotFound
	}
	p.Status = status
	p.UpdatedAt = time.Now()
	return nil
}

func (r *ProxyRepo) RecordUsage(ctx context.Context, id string, success bool) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	p, ok := r.store.proxies[id]
	if !ok {
		return storage.ErrProxyNotFound
	}
	if success {
		p.GlobalSuccessCount++
	} else {
		p.GlobalFailureCount++
	}
	p.UpdatedAt = time.Now()
	return nil
}

// -----------------------------------------------------------------------------
// Proxy Health Repository
// -----------------------------------------------------------------------------

type ProxyHealthRepo struct {
	store *MemoryStorage
}

func NewProxyHealthRepo(store *MemoryStorage) *ProxyHealthRepo {
	return &ProxyHealthRepo{store: store}
}

func (r *ProxyHealthRepo) Get(
	ctx context.Context,
	proxyID, userID string,
) (*domain.ProxyHealthRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return r.store.health[healthKey{proxyID, userID}].Clone(), nil
}

func (r *ProxyHealthRepo) GetActiveByUser(
	ctx context.Context,
	userID string,
) (*domain.ProxyHealthRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for k, h := range r.store.health {
		if k.userID == userID && h.Status == domain.ProxyStatusActive {
			return h.Clone(), nil
		}
	}
	return nil, nil
}

func (r *ProxyHealthRepo) ListByUser(
	ctx context.Context,
	userID string,
) ([]*domain.ProxyHealthRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.ProxyHealthRecord
	for k, h := range r.store.health {
		if k.userID == userID {
			out = append(out, h.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *domain.ProxyHealthRecord) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return out, nil
}

func (r *ProxyHealthRepo) Save(ctx context.Context, record *domain.ProxyHealthRecord) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.health[healthKey{record.ProxyID, record.UserID}] = record.Clone()
	return nil
}

func (r *ProxyHealthRepo) DeactivateUser(ctx context.Context, userID, exceptProxyID string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	now := time.Now()
	for k, h := range r.store.health {
		if k.userID == userID && k.proxyID != exceptProxyID && h.Status == domain.ProxyStatusActive {
			h.Status = domain.ProxyStatusInactive
			h.UpdatedAt = now
		}
	}
	return nil
}

func (r *ProxyHealthRepo) CountActiveByProxy(ctx context.Context, proxyID string) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	n := 0
	for k, h := range r.store.health {
		if k.proxyID == proxyID && h.Status == domain.ProxyStatusActive {
			n++
		}
	}
	return n, nil
}

func (r *ProxyHealthRepo) ResetRecent(ctx context.Context, now time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var n int64
	for _, h := range r.store.health {
		if h.RecentFailureCount == 0 && h.RecentSuccessCount == 0 {
			h.RecentWindowStart = now
			continue
		}
		h.RecentFailureCount = 0
		h.RecentSuccessCount = 0
		h.RecentWindowStart = now
		n++
	}
	return n, nil
}

func (r *ProxyHealthRepo) ClearExpiredDisables(ctx context.Context, before time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var n int64
	for _, h := range r.store.health {
		if h.AutoDisabledAt != nil && h.AutoDisabledAt.Before(before) {
			h.AutoDisabledAt = nil
			h.AutoDisabledReason = ""
			h.ConsecutiveFailures = 0
			h.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Assignment Repository
// -----------------------------------------------------------------------------

type AssignmentRepo struct {
	store *MemoryStorage
}

func NewAssignmentRepo(store *MemoryStorage) *AssignmentRepo {
	return &AssignmentRepo{store: store}
}

func (r *AssignmentRepo) Append(ctx context.Context, assignment *domain.ProxyAssignment) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.assignments = append(r.store.assignments, *assignment)
	return nil
}

func (r *AssignmentRepo) Performance(
	ctx context.Context,
	proxyID string,
	since time.Time,
) (*domain.ProxyPerformance24h, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	perf := &domain.ProxyPerformance24h{}
	var rtTotal, rtCount int
	for _, a := range r.store.assignments {
		if a.CreatedAt.Before(since) || a.Success == nil {
			continue
		}
		if proxyID != "" && a.ProxyID != proxyID {
			continue
		}
		perf.Total++
		if *a.Success {
			perf.Successful++
		} else {
			perf.Failed++
		}
		if a.ResponseTimeMs != nil {
			rtTotal += *a.ResponseTimeMs
			rtCount++
		}
	}
	if perf.Total > 0 {
		perf.SuccessRate = float64(perf.Successful) / float64(perf.Total) * 100
	}
	if rtCount > 0 {
		perf.AvgResponseTimeMs = float64(rtTotal) / float64(rtCount)
	}
	return perf, nil
}

// -----------------------------------------------------------------------------
// Invite Repository
// -----------------------------------------------------------------------------

type InviteRepo struct {
	store *MemoryStorage
}

func NewInviteRepo(store *MemoryStorage) *InviteRepo {
	return &InviteRepo{store: store}
}

func inviteKey(userID, profileURL string) string {
	return userID + "|" + profileURL
}

func (r *InviteRepo) RecordInvite(ctx context.Context, userID, profileURL, jobID string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	key := inviteKey(userID, profileURL)
	if _, ok := r.store.invites[key]; !ok {
		r.store.invites[key] = jobID
	}
	return nil
}

func (r *InviteRepo) HasInvite(ctx context.Context, userID, profileURL string) (bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	_, ok := r.store.invites[inviteKey(userID, profileURL)]
	return ok, nil
}
