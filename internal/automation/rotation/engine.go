// Package rotation assigns outbound proxies to users, tracks per (proxy, user)
// health, and rotates or escalates when a proxy stops working for a user.
package rotation

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/outreach/internal/automation/metrics"
	"github.com/vietddude/outreach/internal/core/domain"
	"github.com/vietddude/outreach/internal/core/errors"
	"github.com/vietddude/outreach/internal/core/keymutex"
	"github.com/vietddude/outreach/internal/infra/notify"
	"github.com/vietddude/outreach/internal/infra/storage"
)

// ErrNoProxyAvailable is returned when no tier has a usable proxy for the user.
var ErrNoProxyAvailable = errors.New("no proxy available")

// Assignment reasons recorded in the assignment log.
const (
	ReasonInitial      = "initial_assignment"
	ReasonAutoFailure  = "auto_failure_rotation"
	ReasonHealth       = "health_rotation"
	ReasonManual       = "manual_rotation"
	ReasonJobOutcome   = "job_outcome"
	ReasonPoolDisabled = "proxy_unavailable"
)

// Config holds the engine thresholds.
type Config struct {
	TierOrder              []string      `yaml:"tier_order"               env:"PROXY_TIER_ORDER" envSeparator:","`
	MaxRecentFailures      int           `yaml:"max_recent_failures"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	RecentWindow           time.Duration `yaml:"recent_window"`
	Cooldown               time.Duration `yaml:"cooldown"                 env:"PROXY_COOLDOWN"`
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		TierOrder:              []string{"decodo", "local", "direct"},
		MaxRecentFailures:      3,
		MaxConsecutiveFailures: 2,
		RecentWindow:           24 * time.Hour,
		Cooldown:               24 * time.Hour,
	}
}

// Assignment is the proxy a user should route through.
type Assignment struct {
	ProxyID         string
	Tier            string
	Config          domain.ProxyConfig
	Reused          bool
	PreviousProxyID string
}

// Performance is one observed use of a proxy by a user.
type Performance struct {
	ProxyID       string
	UserID        string
	JobID         string
	Succeeded     bool
	ResponseTime  time.Duration // zero when unknown
	FailureReason string
}

// PerformanceResult reports the side effects of recording a performance event.
type PerformanceResult struct {
	AutoDisabled bool
	Rotated      bool
	NewProxyID   string
	Escalated    bool
}

// UserProxyStatus summarises a user's current proxy situation.
type UserProxyStatus struct {
	UserID          string                    `json:"user_id"`
	CurrentProxyID  string                    `json:"current_proxy_id,omitempty"`
	Endpoint        string                    `json:"endpoint,omitempty"`
	Provider        string                    `json:"provider,omitempty"`
	Tier            string                    `json:"tier,omitempty"`
	Health          *domain.ProxyHealthRecord `json:"health,omitempty"`
	Metrics         HealthMetrics             `json:"metrics"`
	NeedsRotation   bool                      `json:"needs_rotation"`
	Disabled        bool                      `json:"disabled"`
	DisabledReason  string                    `json:"disabled_reason,omitempty"`
	NeedsAssignment bool                      `json:"needs_assignment"`
}

// Engine implements proxy assignment, health tracking and rotation.
type Engine struct {
	cfg         Config
	proxies     storage.ProxyRepository
	health      storage.ProxyHealthRepository
	assignments storage.AssignmentRepository
	notifier    notify.Notifier
	log         *slog.Logger
	users       keymutex.Map

	now func() time.Time
}

// NewEngine creates an engine over the given store.
func NewEngine(cfg Config, store *storage.Store, notifier notify.Notifier) *Engine {
	def := DefaultConfig()
	if len(cfg.TierOrder) == 0 {
		cfg.TierOrder = def.TierOrder
	}
	if cfg.MaxRecentFailures <= 0 {
		cfg.MaxRecentFailures = def.MaxRecentFailures
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = def.RecentWindow
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Engine{
		cfg:         cfg,
		proxies:     store.Proxies,
		health:      store.ProxyHealth,
		assignments: store.Assignments,
		notifier:    notifier,
		log:         slog.Default().With("component", "rotation"),
		now:         time.Now,
	}
}

// Assign picks a proxy for the user from the first tier that has capacity.
// preferredTier, when set, is tried before the configured order.
func (e *Engine) Assign(
	ctx context.Context,
	userID, reason, preferredTier string,
) (*Assignment, error) {
	unlock := e.users.Lock(userID)
	defer unlock()
	return e.assign(ctx, userID, "", reason, preferredTier, "", nil)
}

// Acquire returns the user's current assignment when it is still usable,
// otherwise rotates or assigns a fresh proxy.
func (e *Engine) Acquire(ctx context.Context, userID, jobID string) (*Assignment, error) {
	unlock := e.users.Lock(userID)
	defer unlock()

	rec, err := e.health.GetActiveByUser(ctx, userID)
	if err != nil {
		return nil, errors.Wrapf(err, "load active proxy for user %s", userID)
	}
	if rec == nil {
		return e.assign(ctx, userID, jobID, ReasonInitial, "", "", nil)
	}

	proxy, err := e.proxies.Get(ctx, rec.ProxyID)
	if err != nil && !errors.Is(err, storage.ErrProxyNotFound) {
		return nil, errors.Wrapf(err, "load proxy %s", rec.ProxyID)
	}
	if proxy == nil || proxy.Status != domain.ProxyStatusActive {
		return e.rotate(ctx, userID, rec.ProxyID, jobID, ReasonPoolDisabled)
	}
	if why := e.unhealthy(proxy, rec, e.now()); why != "" {
		e.log.Info("Active proxy failed pre-job check", "user_id", userID, "proxy_id", proxy.ID, "reason", why)
		return e.rotate(ctx, userID, rec.ProxyID, jobID, ReasonHealth)
	}

	return &Assignment{
		ProxyID: proxy.ID,
		Tier:    proxy.Tier,
		Config:  proxy.ConnectionConfig(),
		Reused:  true,
	}, nil
}

// Rotate deactivates the user's current proxy and assigns a different one.
// An empty currentProxyID rotates away from whatever is active.
func (e *Engine) Rotate(
	ctx context.Context,
	userID, currentProxyID, reason string,
) (*Assignment, error) {
	unlock := e.users.Lock(userID)
	defer unlock()
	return e.rotate(ctx, userID, currentProxyID, "", reason)
}

// RecordPerformance applies one outcome to the (proxy, user) health record
// and auto-disables and rotates when the failure thresholds are crossed.
// Rotation failures are reported through the result, not the error.
func (e *Engine) RecordPerformance(ctx context.Context, p Performance) (*PerformanceResult, error) {
	unlock := e.users.Lock(p.UserID)
	defer unlock()

	now := e.now()
	result := &PerformanceResult{}

	rec, err := e.health.Get(ctx, p.ProxyID, p.UserID)
	if err != nil {
		return result, errors.Wrapf(err, "load health for proxy %s user %s", p.ProxyID, p.UserID)
	}
	if rec == nil {
		active, err := e.health.GetActiveByUser(ctx, p.UserID)
		if err != nil {
			return result, errors.Wrapf(err, "load active proxy for user %s", p.UserID)
		}
		rec = &domain.ProxyHealthRecord{
			ProxyID:           p.ProxyID,
			UserID:            p.UserID,
			Status:            domain.ProxyStatusInactive,
			RecentWindowStart: now,
			AssignedAt:        now,
		}
		if active == nil {
			rec.Status = domain.ProxyStatusActive
		}
	}

	e.cfg.rollWindow(rec, now)
	rec.TotalJobsProcessed++
	if p.ResponseTime > 0 {
		ms := float64(p.ResponseTime.Milliseconds())
		rec.AvgResponseTimeMs += (ms - rec.AvgResponseTimeMs) / float64(rec.TotalJobsProcessed)
	}
	if p.Succeeded {
		rec.SuccessCount++
		rec.RecentSuccessCount++
		rec.ConsecutiveFailures = 0
		rec.LastSuccessAt = &now
	} else {
		rec.FailureCount++
		rec.RecentFailureCount++
		rec.ConsecutiveFailures++
		rec.LastFailureAt = &now
	}
	rec.UpdatedAt = now

	trip := !p.Succeeded && rec.Status == domain.ProxyStatusActive && e.cfg.tripped(rec)
	if trip {
		rec.Status = domain.ProxyStatusInactive
		rec.AutoDisabledAt = &now
		rec.AutoDisabledReason = fmt.Sprintf(
			"auto-disabled after %d recent failures (%d consecutive): %s",
			rec.RecentFailureCount, rec.ConsecutiveFailures, p.FailureReason,
		)
	}

	if err := e.health.Save(ctx, rec); err != nil {
		return result, errors.Wrapf(err, "save health for proxy %s user %s", p.ProxyID, p.UserID)
	}

	if err := e.proxies.RecordUsage(ctx, p.ProxyID, p.Succeeded); err != nil {
		e.log.Warn("Failed to update global proxy counters", "proxy_id", p.ProxyID, "error", err)
	}

	success := p.Succeeded
	entry := &domain.ProxyAssignment{
		ID:            uuid.New().String(),
		ProxyID:       p.ProxyID,
		UserID:        p.UserID,
		JobID:         p.JobID,
		Reason:        ReasonJobOutcome,
		Success:       &success,
		FailureReason: p.FailureReason,
		CreatedAt:     now,
	}
	if p.ResponseTime > 0 {
		ms := int(p.ResponseTime.Milliseconds())
		entry.ResponseTimeMs = &ms
	}
	if err := e.assignments.Append(ctx, entry); err != nil {
		e.log.Warn("Failed to append proxy usage", "proxy_id", p.ProxyID, "error", err)
	}

	metrics.ProxyOutcomes.WithLabelValues(p.ProxyID, outcomeLabel(p.Succeeded)).Inc()
	if !trip {
		return result, nil
	}

	result.AutoDisabled = true
	metrics.ProxyAutoDisabled.Inc()
	e.log.Warn("Proxy auto-disabled for user",
		"proxy_id", p.ProxyID,
		"user_id", p.UserID,
		"recent_failures", rec.RecentFailureCount,
		"consecutive_failures", rec.ConsecutiveFailures,
	)
	e.notifier.Notify(ctx, notify.Event{
		Kind:       notify.KindProxyAutoDisabled,
		Severity:   notify.SeverityWarning,
		Title:      "Proxy auto-disabled",
		Message:    rec.AutoDisabledReason,
		UserID:     p.UserID,
		JobID:      p.JobID,
		ProxyID:    p.ProxyID,
		OccurredAt: now,
	})

	a, err := e.rotate(ctx, p.UserID, p.ProxyID, p.JobID, ReasonAutoFailure)
	switch {
	case err == nil:
		result.Rotated = true
		result.NewProxyID = a.ProxyID
	case errors.Is(err, ErrNoProxyAvailable):
		// assign already escalated
		result.Escalated = true
	default:
		result.Escalated = true
		e.escalate(ctx, notify.Event{
			Kind:     notify.KindRotationFailed,
			Severity: notify.SeverityCritical,
			Title:    "Proxy rotation failed",
			Message:  err.Error(),
			UserID:   p.UserID,
			JobID:    p.JobID,
			ProxyID:  p.ProxyID,
		})
	}
	return result, nil
}

// Status reports the user's current proxy and whether action is needed.
func (e *Engine) Status(ctx context.Context, userID string) (*UserProxyStatus, error) {
	st := &UserProxyStatus{UserID: userID}

	rec, err := e.health.GetActiveByUser(ctx, userID)
	if err != nil {
		return nil, errors.Wrapf(err, "load active proxy for user %s", userID)
	}
	if rec == nil {
		st.NeedsAssignment = true
		records, err := e.health.ListByUser(ctx, userID)
		if err != nil {
			return nil, errors.Wrapf(err, "list proxies for user %s", userID)
		}
		if len(records) > 0 && records[0].AutoDisabledAt != nil {
			st.Disabled = true
			st.DisabledReason = records[0].AutoDisabledReason
			st.Health = records[0]
			st.Metrics = ComputeHealth(records[0])
		}
		return st, nil
	}

	st.CurrentProxyID = rec.ProxyID
	st.Health = rec
	st.Metrics = ComputeHealth(rec)
	st.NeedsRotation = st.Metrics.NeedsRotation || e.cfg.tripped(rec)

	proxy, err := e.proxies.Get(ctx, rec.ProxyID)
	switch {
	case err == nil:
		st.Endpoint = proxy.Endpoint
		st.Provider = proxy.Provider
		st.Tier = proxy.Tier
		if proxy.Status != domain.ProxyStatusActive {
			st.NeedsRotation = true
		}
	case errors.Is(err, storage.ErrProxyNotFound):
		st.NeedsRotation = true
	default:
		return nil, errors.Wrapf(err, "load proxy %s", rec.ProxyID)
	}
	return st, nil
}

// CheckHealthy is the pre-job check for a specific (proxy, user) pair.
func (e *Engine) CheckHealthy(ctx context.Context, proxyID, userID string) (bool, string, error) {
	proxy, err := e.proxies.Get(ctx, proxyID)
	if err != nil {
		return false, "", errors.Wrapf(err, "load proxy %s", proxyID)
	}
	rec, err := e.health.Get(ctx, proxyID, userID)
	if err != nil {
		return false, "", errors.Wrapf(err, "load health for proxy %s user %s", proxyID, userID)
	}
	if why := e.unhealthy(proxy, rec, e.now()); why != "" {
		return false, why, nil
	}
	return true, "", nil
}

// unhealthy returns why the pair must not take a job, or "" when it may.
// rec may be nil for a pair that never ran.
func (e *Engine) unhealthy(proxy *domain.ProxyRecord, rec *domain.ProxyHealthRecord, now time.Time) string {
	if proxy.Status != domain.ProxyStatusActive {
		return "proxy is " + string(proxy.Status)
	}
	if rec == nil {
		return ""
	}
	switch {
	case e.cfg.disabled(rec, now):
		if rec.AutoDisabledReason == "" {
			return "auto-disabled"
		}
		return rec.AutoDisabledReason
	case rec.ConsecutiveFailures >= e.cfg.MaxConsecutiveFailures:
		return fmt.Sprintf("%d consecutive failures", rec.ConsecutiveFailures)
	case rec.RecentFailureCount >= e.cfg.MaxRecentFailures &&
		now.Sub(rec.RecentWindowStart) < e.cfg.RecentWindow:
		return fmt.Sprintf("%d recent failures", rec.RecentFailureCount)
	}
	return ""
}

// HealthMetrics returns the derived metrics for a (proxy, user) pair.
func (e *Engine) HealthMetrics(ctx context.Context, proxyID, userID string) (HealthMetrics, error) {
	rec, err := e.health.Get(ctx, proxyID, userID)
	if err != nil {
		return HealthMetrics{}, errors.Wrapf(err, "load health for proxy %s user %s", proxyID, userID)
	}
	return ComputeHealth(rec), nil
}

// rotate expects the user lock to be held.
func (e *Engine) rotate(
	ctx context.Context,
	userID, currentProxyID, jobID, reason string,
) (*Assignment, error) {
	if currentProxyID == "" {
		rec, err := e.health.GetActiveByUser(ctx, userID)
		if err != nil {
			return nil, errors.Wrapf(err, "load active proxy for user %s", userID)
		}
		if rec != nil {
			currentProxyID = rec.ProxyID
		}
	}

	if currentProxyID != "" {
		rec, err := e.health.Get(ctx, currentProxyID, userID)
		if err != nil {
			return nil, errors.Wrapf(err, "load health for proxy %s", currentProxyID)
		}
		if rec != nil && rec.Status == domain.ProxyStatusActive {
			rec.Status = domain.ProxyStatusInactive
			rec.UpdatedAt = e.now()
			if err := e.health.Save(ctx, rec); err != nil {
				return nil, errors.Wrapf(err, "deactivate proxy %s for user %s", currentProxyID, userID)
			}
		}
	}

	metrics.ProxyRotations.WithLabelValues(reason).Inc()
	e.log.Info("Rotating proxy", "user_id", userID, "from", currentProxyID, "reason", reason)

	exclude := map[string]bool{}
	if currentProxyID != "" {
		exclude[currentProxyID] = true
	}
	return e.assign(ctx, userID, jobID, reason, "", currentProxyID, exclude)
}

// assign expects the user lock to be held.
func (e *Engine) assign(
	ctx context.Context,
	userID, jobID, reason, preferredTier, previousProxyID string,
	exclude map[string]bool,
) (*Assignment, error) {
	now := e.now()
	if exclude == nil {
		exclude = map[string]bool{}
	}

	records, err := e.health.ListByUser(ctx, userID)
	if err != nil {
		return nil, errors.Wrapf(err, "list proxies for user %s", userID)
	}
	for _, r := range records {
		if e.cfg.disabled(r, now) || r.Status == domain.ProxyStatusBanned {
			exclude[r.ProxyID] = true
		}
	}

	tiers := e.tierOrder(preferredTier)
	for _, tier := range tiers {
		candidates, err := e.proxies.ListActiveByTier(ctx, tier)
		if err != nil {
			return nil, errors.Wrapf(err, "list proxies in tier %s", tier)
		}
		for _, c := range candidates {
			if exclude[c.ID] {
				continue
			}
			ok, err := e.hasCapacity(ctx, c, userID)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			if err := e.activate(ctx, c, userID, now); err != nil {
				return nil, err
			}

			entry := &domain.ProxyAssignment{
				ID:              uuid.New().String(),
				ProxyID:         c.ID,
				UserID:          userID,
				JobID:           jobID,
				Reason:          reason,
				PreviousProxyID: previousProxyID,
				CreatedAt:       now,
			}
			if err := e.assignments.Append(ctx, entry); err != nil {
				e.log.Warn("Failed to append proxy assignment", "proxy_id", c.ID, "error", err)
			}

			metrics.ProxyAssignments.WithLabelValues(tier, "assigned").Inc()
			e.log.Info("Proxy assigned",
				"user_id", userID,
				"proxy_id", c.ID,
				"tier", tier,
				"reason", reason,
			)
			return &Assignment{
				ProxyID:         c.ID,
				Tier:            c.Tier,
				Config:          c.ConnectionConfig(),
				PreviousProxyID: previousProxyID,
			}, nil
		}
	}

	metrics.ProxyAssignments.WithLabelValues("", "exhausted").Inc()
	e.escalate(ctx, notify.Event{
		Kind:     notify.KindNoProxyAvailable,
		Severity: notify.SeverityCritical,
		Title:    "No proxy available",
		Message:  fmt.Sprintf("no usable proxy in tiers [%s]", strings.Join(tiers, ", ")),
		UserID:   userID,
		JobID:    jobID,
		ProxyID:  previousProxyID,
		Fields: map[string]string{
			"reason":   reason,
			"excluded": strconv.Itoa(len(exclude)),
		},
	})
	return nil, errors.WithDetailf(ErrNoProxyAvailable, "user %s, tiers %v", userID, tiers)
}

func (e *Engine) hasCapacity(ctx context.Context, p *domain.ProxyRecord, userID string) (bool, error) {
	if p.MaxConcurrentUsers <= 0 {
		return true, nil
	}
	n, err := e.health.CountActiveByProxy(ctx, p.ID)
	if err != nil {
		return false, errors.Wrapf(err, "count users of proxy %s", p.ID)
	}
	own, err := e.health.Get(ctx, p.ID, userID)
	if err != nil {
		return false, errors.Wrapf(err, "load health for proxy %s", p.ID)
	}
	if own != nil && own.Status == domain.ProxyStatusActive {
		n--
	}
	return n < p.MaxConcurrentUsers, nil
}

// activate makes p the user's single active proxy.
func (e *Engine) activate(ctx context.Context, p *domain.ProxyRecord, userID string, now time.Time) error {
	if err := e.health.DeactivateUser(ctx, userID, p.ID); err != nil {
		return errors.Wrapf(err, "deactivate previous proxies for user %s", userID)
	}

	rec, err := e.health.Get(ctx, p.ID, userID)
	if err != nil {
		return errors.Wrapf(err, "load health for proxy %s", p.ID)
	}
	if rec == nil {
		rec = &domain.ProxyHealthRecord{
			ProxyID:           p.ID,
			UserID:            userID,
			RecentWindowStart: now,
		}
	}
	rec.Status = domain.ProxyStatusActive
	rec.AssignedAt = now
	rec.UpdatedAt = now
	if err := e.health.Save(ctx, rec); err != nil {
		return errors.Wrapf(err, "activate proxy %s for user %s", p.ID, userID)
	}
	return nil
}

func (e *Engine) tierOrder(preferred string) []string {
	if preferred == "" {
		return e.cfg.TierOrder
	}
	order := []string{preferred}
	for _, t := range e.cfg.TierOrder {
		if t != preferred {
			order = append(order, t)
		}
	}
	return order
}

func (e *Engine) escalate(ctx context.Context, event notify.Event) {
	event.OccurredAt = e.now()
	metrics.Escalations.WithLabelValues(string(event.Kind)).Inc()
	e.log.Error("Proxy escalation", "kind", event.Kind, "user_id", event.UserID, "message", event.Message)
	e.notifier.Notify(ctx, event)
}

func outcomeLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
