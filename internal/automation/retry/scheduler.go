// Package retry decides whether and when a failed job runs again. It never
// executes jobs; it only keeps job retry state and the attempt audit log.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/outreach/internal/automation/metrics"
	"github.com/vietddude/outreach/internal/core/domain"
	"github.com/vietddude/outreach/internal/core/errors"
	"github.com/vietddude/outreach/internal/core/keymutex"
	"github.com/vietddude/outreach/internal/infra/notify"
	"github.com/vietddude/outreach/internal/infra/storage"
)

var (
	// ErrJobTerminal is returned when a job has already reached a terminal state.
	ErrJobTerminal = errors.New("job is in a terminal state")

	// ErrNotRetryable is returned by ManualRetry for jobs that cannot be requeued.
	ErrNotRetryable = errors.New("job cannot be retried")
)

// Action is the kind of decision taken for an outcome.
type Action string

const (
	ActionNoAction          Action = "no_action"
	ActionScheduled         Action = "scheduled_for_retry"
	ActionPermanentlyFailed Action = "permanently_failed"
)

// Decision is the scheduler's verdict for one registered outcome.
type Decision struct {
	Action      Action
	JobID       string
	Attempt     int
	MaxAttempts int
	NextRetryAt time.Time
	Delay       time.Duration
	Reason      string
	ErrorClass  domain.ErrorClass
	Policy      string
	Escalated   bool
}

// Outcome is one finished attempt as reported by the orchestrator.
type Outcome struct {
	JobID         string
	Succeeded     bool
	FailureReason string
	ErrorClass    domain.ErrorClass
	Trigger       domain.RetryTrigger
	StartedAt     time.Time
}

// Config holds scheduler settings.
type Config struct {
	DefaultPolicy domain.RetryPolicy
}

// DefaultConfig returns the built-in fallback policy.
func DefaultConfig() Config {
	return Config{DefaultPolicy: domain.DefaultRetryPolicy()}
}

// Scheduler owns job retry bookkeeping.
type Scheduler struct {
	cfg      Config
	jobs     storage.JobRepository
	policies storage.PolicyRepository
	history  storage.HistoryRepository
	notifier notify.Notifier
	log      *slog.Logger
	locks    keymutex.Map

	now  func() time.Time
	rand func() float64
}

// NewScheduler creates a scheduler over the given store.
func NewScheduler(cfg Config, store *storage.Store, notifier notify.Notifier) *Scheduler {
	if cfg.DefaultPolicy.MaxAttempts == 0 {
		cfg.DefaultPolicy = domain.DefaultRetryPolicy()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Scheduler{
		cfg:      cfg,
		jobs:     store.Jobs,
		policies: store.Policies,
		history:  store.History,
		notifier: notifier,
		log:      slog.Default().With("component", "retry"),
		now:      time.Now,
		rand:     rand.Float64,
	}
}

// RegisterOutcome applies a finished attempt to the job and records it.
func (s *Scheduler) RegisterOutcome(ctx context.Context, o Outcome) (*Decision, error) {
	unlock := s.locks.Lock(o.JobID)
	defer unlock()

	job, err := s.jobs.Get(ctx, o.JobID)
	if err != nil {
		return nil, errors.Wrapf(err, "load job %s", o.JobID)
	}
	if job.Status.IsTerminal() {
		return nil, errors.Wrapf(ErrJobTerminal, "job %s is %s", job.ID, job.Status)
	}

	now := s.now()
	started := o.StartedAt
	if started.IsZero() {
		if job.StartedAt != nil {
			started = *job.StartedAt
		} else {
			started = now
		}
	}
	trigger := o.Trigger
	if trigger == "" {
		trigger = job.RetryTrigger
	}
	if trigger == "" {
		trigger = domain.TriggerCron
	}

	attempt := job.AttemptNumber + 1
	job.AttemptNumber = attempt
	job.UpdatedAt = now
	job.RetryTrigger = ""

	if o.Succeeded {
		job.Status = domain.JobStatusCompleted
		job.CompletedAt = &now
		job.NextRetryAt = nil
		job.FailureReason = ""
		job.ErrorClass = ""
		if err := s.jobs.Update(ctx, job); err != nil {
			return nil, errors.Wrapf(err, "complete job %s", job.ID)
		}
		s.appendHistory(ctx, &domain.RetryHistoryEntry{
			JobID:         job.ID,
			AttemptNumber: attempt,
			StartedAt:     started,
			EndedAt:       now,
			Success:       true,
			Trigger:       trigger,
		})
		metrics.RetryDecisions.WithLabelValues(string(ActionNoAction), "").Inc()
		return &Decision{Action: ActionNoAction, JobID: job.ID, Attempt: attempt}, nil
	}

	class := o.ErrorClass
	if class == "" {
		class = domain.ErrorClassUnknown
	}
	reason := o.FailureReason
	if reason == "" {
		reason = string(class)
	}

	policy := s.resolve(ctx, job.JobType, class, job.UserTier)
	backoff := Backoff{Policy: policy, Rand: s.rand}

	decision := &Decision{
		JobID:       job.ID,
		Attempt:     attempt,
		MaxAttempts: policy.MaxAttempts,
		Reason:      reason,
		ErrorClass:  class,
		Policy:      policy.Name,
	}
	job.FailureReason = reason
	job.ErrorClass = class

	if backoff.ShouldRetry(class, attempt) {
		decision.Action = ActionScheduled
		decision.Delay = backoff.GetDelay(attempt)
		decision.NextRetryAt = now.Add(decision.Delay)
		next := decision.NextRetryAt
		job.Status = domain.JobStatusRetryPending
		job.NextRetryAt = &next
	} else {
		decision.Action = ActionPermanentlyFailed
		if !backoff.Retryable(class) {
			decision.Reason = fmt.Sprintf("non-retryable %s: %s", class, reason)
			job.FailureReason = decision.Reason
		}
		job.Status = domain.JobStatusPermanentlyFailed
		job.NextRetryAt = nil
		job.FailedAt = &now
	}

	if err := s.jobs.Update(ctx, job); err != nil {
		return nil, errors.Wrapf(err, "update job %s", job.ID)
	}

	s.appendHistory(ctx, &domain.RetryHistoryEntry{
		JobID:         job.ID,
		AttemptNumber: attempt,
		StartedAt:     started,
		EndedAt:       now,
		FailureReason: reason,
		ErrorClass:    class,
		Trigger:       trigger,
		BackoffDelay:  decision.Delay,
	})

	if policy.EscalateToAdmin && policy.EscalateAfterAttempts > 0 &&
		attempt >= policy.EscalateAfterAttempts {
		decision.Escalated = true
		s.escalate(ctx, job, decision)
	}

	metrics.RetryDecisions.WithLabelValues(string(decision.Action), string(class)).Inc()
	if decision.Action == ActionScheduled {
		metrics.RetryDelay.Observe(decision.Delay.Seconds())
		s.log.Info("Retry scheduled",
			"job_id", job.ID,
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"delay", decision.Delay.Round(time.Second),
			"next_retry_at", decision.NextRetryAt,
			"error_class", class,
		)
	} else {
		s.log.Warn("Job permanently failed",
			"job_id", job.ID,
			"attempt", attempt,
			"error_class", class,
			"reason", decision.Reason,
		)
	}
	return decision, nil
}

// DueJobs returns retry_pending jobs whose next_retry_at has passed, oldest first.
func (s *Scheduler) DueJobs(ctx context.Context, limit int) ([]*domain.Job, error) {
	jobs, err := s.jobs.ListReadyForRetry(ctx, s.now(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs ready for retry")
	}
	return jobs, nil
}

// ResolvePolicy returns the policy that applies to the lookup key.
func (s *Scheduler) ResolvePolicy(
	ctx context.Context,
	jobType string,
	class domain.ErrorClass,
	userTier string,
) domain.RetryPolicy {
	return s.resolve(ctx, jobType, class, userTier)
}

func (s *Scheduler) resolve(
	ctx context.Context,
	jobType string,
	class domain.ErrorClass,
	userTier string,
) domain.RetryPolicy {
	policies, err := s.policies.ListActive(ctx)
	if err != nil {
		s.log.Warn("Failed to load retry policies, using default", "error", err)
		return s.cfg.DefaultPolicy
	}
	return selectPolicy(policies, jobType, class, userTier, s.cfg.DefaultPolicy)
}

// SavePolicy validates and stores a policy, assigning an id when missing.
func (s *Scheduler) SavePolicy(ctx context.Context, p *domain.RetryPolicy) error {
	if err := ValidatePolicy(p); err != nil {
		return err
	}
	now := s.now()
	if p.ID == "" {
		p.ID = uuid.New().String()
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	return s.policies.Save(ctx, p)
}

// MarkRunning moves a job into running at the start of an attempt.
func (s *Scheduler) MarkRunning(ctx context.Context, jobID string) (*domain.Job, error) {
	unlock := s.locks.Lock(jobID)
	defer unlock()

	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "load job %s", jobID)
	}
	if job.Status.IsTerminal() {
		return nil, errors.Wrapf(ErrJobTerminal, "job %s is %s", job.ID, job.Status)
	}

	now := s.now()
	job.Status = domain.JobStatusRunning
	job.StartedAt = &now
	job.NextRetryAt = nil
	job.UpdatedAt = now
	if err := s.jobs.Update(ctx, job); err != nil {
		return nil, errors.Wrapf(err, "mark job %s running", jobID)
	}
	return job, nil
}

// MarkFailed forces a running job into failed without consuming a retry
// decision. Jobs in any other state are left alone. RecoverStale later feeds
// such jobs back through RegisterOutcome.
func (s *Scheduler) MarkFailed(
	ctx context.Context,
	jobID, reason string,
	class domain.ErrorClass,
) error {
	unlock := s.locks.Lock(jobID)
	defer unlock()

	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return errors.Wrapf(err, "load job %s", jobID)
	}
	// only an attempt still in flight can be forced; any other state means
	// the outcome was already registered
	if job.Status != domain.JobStatusRunning {
		return nil
	}

	now := s.now()
	job.Status = domain.JobStatusFailed
	job.FailureReason = reason
	job.ErrorClass = class
	job.NextRetryAt = nil
	job.FailedAt = &now
	job.UpdatedAt = now
	if err := s.jobs.Update(ctx, job); err != nil {
		return errors.Wrapf(err, "mark job %s failed", jobID)
	}
	return nil
}

// ManualRetry requeues a failed job to run almost immediately. The attempt
// counter is kept, so a job already at its limit gets exactly one more try.
func (s *Scheduler) ManualRetry(ctx context.Context, jobID, reason string) (*domain.Job, error) {
	unlock := s.locks.Lock(jobID)
	defer unlock()

	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "load job %s", jobID)
	}
	switch job.Status {
	case domain.JobStatusFailed, domain.JobStatusPermanentlyFailed, domain.JobStatusRetryPending:
	default:
		return nil, errors.Wrapf(ErrNotRetryable, "job %s is %s", job.ID, job.Status)
	}

	now := s.now()
	next := now.Add(minDelay)
	job.Status = domain.JobStatusRetryPending
	job.NextRetryAt = &next
	job.FailedAt = nil
	job.RetryTrigger = domain.TriggerManual
	job.UpdatedAt = now
	if err := s.jobs.Update(ctx, job); err != nil {
		return nil, errors.Wrapf(err, "requeue job %s", jobID)
	}

	s.log.Info("Manual retry requested", "job_id", jobID, "reason", reason, "attempt", job.AttemptNumber)
	return job, nil
}

// Cancel stops a job that has not reached a terminal state.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	unlock := s.locks.Lock(jobID)
	defer unlock()

	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return errors.Wrapf(err, "load job %s", jobID)
	}
	if job.Status.IsTerminal() {
		return errors.Wrapf(ErrJobTerminal, "job %s is %s", job.ID, job.Status)
	}

	job.Status = domain.JobStatusCancelled
	job.NextRetryAt = nil
	job.UpdatedAt = s.now()
	return s.jobs.Update(ctx, job)
}

// RecoverStale re-registers jobs left running or force-failed for longer than
// olderThan as timeout failures, so every job still reaches a terminal state.
func (s *Scheduler) RecoverStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	stale, err := s.jobs.ListStale(
		ctx,
		[]domain.JobStatus{domain.JobStatusRunning, domain.JobStatusFailed},
		s.now().Add(-olderThan),
		limit,
	)
	if err != nil {
		return 0, errors.Wrap(err, "list stale jobs")
	}

	recovered := 0
	for _, job := range stale {
		reason := job.FailureReason
		if reason == "" {
			reason = "no outcome recorded within " + olderThan.String()
		}
		d, err := s.RegisterOutcome(ctx, Outcome{
			JobID:         job.ID,
			FailureReason: reason,
			ErrorClass:    domain.ErrorClassTimeout,
		})
		if err != nil {
			s.log.Warn("Failed to recover stale job", "job_id", job.ID, "error", err)
			continue
		}
		recovered++
		s.log.Info("Recovered stale job", "job_id", job.ID, "action", d.Action, "attempt", d.Attempt)
	}
	return recovered, nil
}

// History returns the job's attempts in order.
func (s *Scheduler) History(ctx context.Context, jobID string) ([]domain.RetryHistoryEntry, error) {
	return s.history.ListByJob(ctx, jobID)
}

// PruneHistory drops audit entries of finished jobs older than retention.
func (s *Scheduler) PruneHistory(ctx context.Context, retention time.Duration) (int64, error) {
	return s.history.DeleteOlderThan(ctx, s.now().Add(-retention))
}

// Dashboard returns the failure dashboard as of now.
func (s *Scheduler) Dashboard(ctx context.Context) (*domain.FailureDashboard, error) {
	d, err := s.jobs.Dashboard(ctx, s.now())
	if err != nil {
		return nil, errors.Wrap(err, "load failure dashboard")
	}
	metrics.JobsPendingRetry.Set(float64(d.PendingRetry))
	return d, nil
}

// appendHistory is best effort; a failed write never changes the decision.
func (s *Scheduler) appendHistory(ctx context.Context, e *domain.RetryHistoryEntry) {
	e.ID = uuid.New().String()
	if err := s.history.Append(ctx, e); err != nil {
		s.log.Error("Failed to append retry history",
			"job_id", e.JobID,
			"attempt", e.AttemptNumber,
			"error", err,
		)
	}
}

func (s *Scheduler) escalate(ctx context.Context, job *domain.Job, d *Decision) {
	metrics.Escalations.WithLabelValues(string(notify.KindRetryEscalation)).Inc()
	severity := notify.SeverityWarning
	if d.Action == ActionPermanentlyFailed {
		severity = notify.SeverityCritical
	}
	s.notifier.Notify(ctx, notify.Event{
		Kind:     notify.KindRetryEscalation,
		Severity: severity,
		Title:    "Job retry escalation",
		Message:  fmt.Sprintf("job failed %d time(s): %s", d.Attempt, d.Reason),
		UserID:   job.UserID,
		JobID:    job.ID,
		Fields: map[string]string{
			"attempt":      strconv.Itoa(d.Attempt),
			"max_attempts": strconv.Itoa(d.MaxAttempts),
			"action":       string(d.Action),
			"policy":       d.Policy,
		},
		OccurredAt: s.now(),
	})
}
