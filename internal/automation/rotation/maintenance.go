package rotation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/outreach/internal/core/domain"
	"github.com/vietddude/outreach/internal/core/errors"
)

// ResetResult reports what a daily reset touched.
type ResetResult struct {
	WindowsReset     int64 `json:"windows_reset"`
	DisablesReleased int64 `json:"disables_released"`
}

// PoolStats summarises the proxy pool.
type PoolStats struct {
	Total          int                         `json:"total"`
	ByStatus       map[domain.ProxyStatus]int  `json:"by_status"`
	ByTier         map[string]int              `json:"by_tier"`
	Performance24h *domain.ProxyPerformance24h `json:"performance_24h"`
}

// DailyReset restarts every recent window and lifts auto-disables whose
// cooldown has elapsed.
func (e *Engine) DailyReset(ctx context.Context) (*ResetResult, error) {
	now := e.now()
	res := &ResetResult{}

	n, err := e.health.ResetRecent(ctx, now)
	if err != nil {
		return nil, errors.Wrap(err, "reset recent proxy windows")
	}
	res.WindowsReset = n

	n, err = e.health.ClearExpiredDisables(ctx, now.Add(-e.cfg.Cooldown))
	if err != nil {
		return res, errors.Wrap(err, "clear expired proxy disables")
	}
	res.DisablesReleased = n

	e.log.Info("Proxy health daily reset",
		"windows_reset", res.WindowsReset,
		"disables_released", res.DisablesReleased,
	)
	return res, nil
}

// Reenable lifts an auto-disable for one (proxy, user) pair ahead of the cooldown.
// The pair becomes the user's active proxy again when the user holds no other.
func (e *Engine) Reenable(ctx context.Context, proxyID, userID string) error {
	unlock := e.users.Lock(userID)
	defer unlock()

	rec, err := e.health.Get(ctx, proxyID, userID)
	if err != nil {
		return errors.Wrapf(err, "load health for proxy %s user %s", proxyID, userID)
	}
	if rec == nil {
		return errors.Newf("no health record for proxy %s user %s", proxyID, userID)
	}
	active, err := e.health.GetActiveByUser(ctx, userID)
	if err != nil {
		return errors.Wrapf(err, "load active proxy for user %s", userID)
	}

	now := e.now()
	rec.AutoDisabledAt = nil
	rec.AutoDisabledReason = ""
	rec.ConsecutiveFailures = 0
	rec.RecentFailureCount = 0
	rec.RecentSuccessCount = 0
	rec.RecentWindowStart = now
	rec.UpdatedAt = now
	if active == nil {
		rec.Status = domain.ProxyStatusActive
		rec.AssignedAt = now
	}
	if err := e.health.Save(ctx, rec); err != nil {
		return errors.Wrapf(err, "re-enable proxy %s for user %s", proxyID, userID)
	}
	e.log.Info("Proxy re-enabled for user", "proxy_id", proxyID, "user_id", userID)
	return nil
}

// PoolStats counts proxies by status and tier and aggregates the last day
// of recorded outcomes.
func (e *Engine) PoolStats(ctx context.Context) (*PoolStats, error) {
	proxies, err := e.proxies.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list proxies")
	}
	st := &PoolStats{
		Total:    len(proxies),
		ByStatus: make(map[domain.ProxyStatus]int),
		ByTier:   make(map[string]int),
	}
	for _, p := range proxies {
		st.ByStatus[p.Status]++
		st.ByTier[p.Tier]++
	}

	perf, err := e.assignments.Performance(ctx, "", e.now().Add(-24*time.Hour))
	if err != nil {
		return nil, errors.Wrap(err, "aggregate proxy performance")
	}
	st.Performance24h = perf
	return st, nil
}

// AddProxy registers a proxy in the pool. A missing ID or status is filled in.
func (e *Engine) AddProxy(ctx context.Context, p *domain.ProxyRecord) error {
	if p.Endpoint == "" {
		return errors.New("proxy endpoint is required")
	}
	if p.Tier == "" {
		return errors.New("proxy tier is required")
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = domain.ProxyStatusActive
	}
	now := e.now()
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := e.proxies.Create(ctx, p); err != nil {
		return errors.Wrapf(err, "create proxy %s", p.Endpoint)
	}
	e.log.Info("Proxy added", "proxy_id", p.ID, "endpoint", p.Endpoint, "tier", p.Tier)
	return nil
}

// SetProxyStatus changes a proxy's pool-wide status. Users holding a proxy
// that leaves active are moved off it on their next Acquire.
func (e *Engine) SetProxyStatus(ctx context.Context, id string, status domain.ProxyStatus) error {
	if err := e.proxies.UpdateStatus(ctx, id, status); err != nil {
		return errors.Wrapf(err, "set proxy %s %s", id, status)
	}
	return nil
}

// ListProxies returns the whole pool.
func (e *Engine) ListProxies(ctx context.Context) ([]*domain.ProxyRecord, error) {
	proxies, err := e.proxies.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list proxies")
	}
	return proxies, nil
}
