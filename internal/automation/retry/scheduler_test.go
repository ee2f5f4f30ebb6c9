package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/outreach/internal/core/domain"
	"github.com/vietddude/outreach/internal/infra/notify"
	"github.com/vietddude/outreach/internal/infra/storage"
	"github.com/vietddude/outreach/internal/infra/storage/memory"
)

// =============================================================================
// Helpers
// =============================================================================

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(ctx context.Context, e notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *recordingNotifier) count(kind notify.Kind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.Kind == kind {
			c++
		}
	}
	return c
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestScheduler(t *testing.T) (*Scheduler, *storage.Store, *recordingNotifier) {
	t.Helper()
	store := memory.NewStore()
	n := &recordingNotifier{}
	cfg := DefaultConfig()
	cfg.DefaultPolicy.JitterEnabled = false
	s := NewScheduler(cfg, store, n)
	s.now = func() time.Time { return testNow }
	return s, store, n
}

func createJob(t *testing.T, store *storage.Store, id string, attempt int) {
	t.Helper()
	err := store.Jobs.Create(context.Background(), &domain.Job{
		ID:            id,
		UserID:        "user-1",
		JobType:       "connect",
		ProfileURL:    "https://www.linkedin.com/in/someone",
		Status:        domain.JobStatusRunning,
		AttemptNumber: attempt,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
}

// =============================================================================
// RegisterOutcome
// =============================================================================

func TestRegisterOutcome_ScheduleThenPermanent(t *testing.T) {
	s, store, _ := newTestScheduler(t)
	ctx := context.Background()
	createJob(t, store, "job-1", 0)

	expectDelays := []time.Duration{240 * time.Minute, 480 * time.Minute}
	for i, want := range expectDelays {
		d, err := s.RegisterOutcome(ctx, Outcome{
			JobID:         "job-1",
			FailureReason: "proxy refused connection",
			ErrorClass:    domain.ErrorClassProxy,
		})
		if err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
		if d.Action != ActionScheduled {
			t.Fatalf("attempt %d: expected scheduled, got %s", i+1, d.Action)
		}
		if d.Attempt != i+1 || d.MaxAttempts != 3 {
			t.Errorf("attempt %d: got attempt=%d max=%d", i+1, d.Attempt, d.MaxAttempts)
		}
		if d.Delay != want {
			t.Errorf("attempt %d: delay %v, want %v", i+1, d.Delay, want)
		}
		if !d.NextRetryAt.After(testNow) {
			t.Errorf("attempt %d: next_retry_at %v not in the future", i+1, d.NextRetryAt)
		}

		job, _ := store.Jobs.Get(ctx, "job-1")
		if job.Status != domain.JobStatusRetryPending || job.NextRetryAt == nil {
			t.Fatalf("attempt %d: expected retry_pending with next_retry_at, got %s", i+1, job.Status)
		}
	}

	// Third retryable failure is terminal.
	d, err := s.RegisterOutcome(ctx, Outcome{JobID: "job-1", ErrorClass: domain.ErrorClassProxy})
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != ActionPermanentlyFailed || d.Attempt != 3 {
		t.Fatalf("expected permanently_failed(3), got %s(%d)", d.Action, d.Attempt)
	}

	job, _ := store.Jobs.Get(ctx, "job-1")
	if job.Status != domain.JobStatusPermanentlyFailed {
		t.Errorf("expected permanently_failed, got %s", job.Status)
	}
	if job.NextRetryAt != nil {
		t.Error("next_retry_at must be cleared once permanently failed")
	}
	if job.FailedAt == nil {
		t.Error("expected failed_at to be set")
	}

	// A terminal job accepts no further outcomes.
	if _, err := s.RegisterOutcome(ctx, Outcome{JobID: "job-1"}); !errors.Is(err, ErrJobTerminal) {
		t.Errorf("expected ErrJobTerminal, got %v", err)
	}

	history, _ := s.History(ctx, "job-1")
	if len(history) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(history))
	}
	for i, e := range history {
		if e.AttemptNumber != i+1 {
			t.Errorf("history[%d].AttemptNumber = %d", i, e.AttemptNumber)
		}
		if e.Success {
			t.Errorf("history[%d] unexpectedly successful", i)
		}
	}
	if history[0].BackoffDelay != 240*time.Minute {
		t.Errorf("history[0] delay %v, want 240m", history[0].BackoffDelay)
	}
}

func TestRegisterOutcome_AttemptTwoIsTerminalAtThree(t *testing.T) {
	s, store, _ := newTestScheduler(t)
	createJob(t, store, "job-2", 2)

	d, err := s.RegisterOutcome(context.Background(), Outcome{
		JobID:      "job-2",
		ErrorClass: domain.ErrorClassNavigation,
	})
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != ActionPermanentlyFailed || d.Attempt != 3 {
		t.Errorf("expected permanently_failed(3), got %s(%d)", d.Action, d.Attempt)
	}
}

func TestRegisterOutcome_NonRetryableShortCircuit(t *testing.T) {
	s, store, _ := newTestScheduler(t)
	ctx := context.Background()

	policy := domain.DefaultRetryPolicy()
	policy.Name = "generous"
	policy.MaxAttempts = 10
	if err := s.SavePolicy(ctx, &policy); err != nil {
		t.Fatal(err)
	}

	classes := []domain.ErrorClass{
		domain.ErrorClassInvalidCredentials,
		domain.ErrorClassProfileNotFound,
		domain.ErrorClassAlreadyConnected,
		domain.ErrorClassAccountSuspended,
	}
	for _, class := range classes {
		id := "job-" + string(class)
		createJob(t, store, id, 0)
		d, err := s.RegisterOutcome(ctx, Outcome{JobID: id, ErrorClass: class})
		if err != nil {
			t.Fatal(err)
		}
		if d.Action != ActionPermanentlyFailed || d.Attempt != 1 {
			t.Errorf("%s: expected permanently_failed(1), got %s(%d)", class, d.Action, d.Attempt)
		}
	}
}

func TestResolvePolicy(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	ctx := context.Background()

	captcha := domain.DefaultRetryPolicy()
	captcha.Name = "captcha"
	captcha.Priority = 10
	captcha.ErrorTypes = []string{string(domain.ErrorClassCaptcha)}
	pro := domain.DefaultRetryPolicy()
	pro.Name = "pro-tier"
	pro.Priority = 5
	pro.UserTiers = []string{"pro"}
	for _, p := range []*domain.RetryPolicy{&captcha, &pro} {
		if err := s.SavePolicy(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		class domain.ErrorClass
		tier  string
		want  string
	}{
		{domain.ErrorClassCaptcha, "pro", "captcha"},
		{domain.ErrorClassProxy, "pro", "pro-tier"},
		{domain.ErrorClassProxy, "free", "default"},
	}
	for _, tt := range tests {
		if got := s.ResolvePolicy(ctx, "connect", tt.class, tt.tier); got.Name != tt.want {
			t.Errorf("ResolvePolicy(%s, %s) = %s, want %s", tt.class, tt.tier, got.Name, tt.want)
		}
	}
}

func TestRegisterOutcome_Success(t *testing.T) {
	s, store, _ := newTestScheduler(t)
	ctx := context.Background()
	createJob(t, store, "job-3", 1)

	d, err := s.RegisterOutcome(ctx, Outcome{JobID: "job-3", Succeeded: true})
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != ActionNoAction {
		t.Errorf("expected no_action, got %s", d.Action)
	}

	job, _ := store.Jobs.Get(ctx, "job-3")
	if job.Status != domain.JobStatusCompleted || job.AttemptNumber != 2 || job.CompletedAt == nil {
		t.Errorf("unexpected job after success: status=%s attempt=%d", job.Status, job.AttemptNumber)
	}

	history, _ := s.History(ctx, "job-3")
	if len(history) != 1 || !history[0].Success {
		t.Errorf("expected one successful history entry, got %+v", history)
	}
}

func TestRegisterOutcome_TerminalWithinMaxAttempts(t *testing.T) {
	ctx := context.Background()
	for maxAttempts := 1; maxAttempts <= 6; maxAttempts++ {
		s, store, _ := newTestScheduler(t)
		s.cfg.DefaultPolicy.MaxAttempts = maxAttempts
		createJob(t, store, "job", 0)

		failures := 0
		for {
			d, err := s.RegisterOutcome(ctx, Outcome{JobID: "job", ErrorClass: domain.ErrorClassTimeout})
			if err != nil {
				t.Fatalf("max=%d: %v", maxAttempts, err)
			}
			failures++
			if d.Action == ActionPermanentlyFailed {
				break
			}
			if failures > maxAttempts {
				t.Fatalf("max=%d: still retrying after %d failures", maxAttempts, failures)
			}
		}
		if failures != maxAttempts {
			t.Errorf("max=%d: terminal after %d failures", maxAttempts, failures)
		}
	}
}

func TestRegisterOutcome_Escalation(t *testing.T) {
	s, store, n := newTestScheduler(t)
	ctx := context.Background()

	policy := domain.DefaultRetryPolicy()
	policy.Name = "escalating"
	policy.MaxAttempts = 5
	policy.EscalateAfterAttempts = 2
	policy.EscalateToAdmin = true
	if err := s.SavePolicy(ctx, &policy); err != nil {
		t.Fatal(err)
	}
	createJob(t, store, "job-4", 0)

	d1, _ := s.RegisterOutcome(ctx, Outcome{JobID: "job-4", ErrorClass: domain.ErrorClassProxy})
	d2, _ := s.RegisterOutcome(ctx, Outcome{JobID: "job-4", ErrorClass: domain.ErrorClassProxy})

	if d1.Escalated {
		t.Error("did not expect escalation on attempt 1")
	}
	if !d2.Escalated {
		t.Error("expected escalation on attempt 2")
	}
	if got := n.count(notify.KindRetryEscalation); got != 1 {
		t.Errorf("expected 1 escalation, got %d", got)
	}

	job, _ := store.Jobs.Get(ctx, "job-4")
	if job.Status != domain.JobStatusRetryPending {
		t.Errorf("escalation must not change status, got %s", job.Status)
	}
}

// =============================================================================
// Queries and maintenance
// =============================================================================

func TestDueJobs_OrderAndLimit(t *testing.T) {
	s, store, _ := newTestScheduler(t)
	ctx := context.Background()

	offsets := map[string]time.Duration{
		"late":   -1 * time.Minute,
		"early":  -3 * time.Hour,
		"middle": -1 * time.Hour,
		"future": 1 * time.Hour,
	}
	for id, off := range offsets {
		next := testNow.Add(off)
		if err := store.Jobs.Create(ctx, &domain.Job{
			ID:          id,
			UserID:      "u",
			Status:      domain.JobStatusRetryPending,
			NextRetryAt: &next,
		}); err != nil {
			t.Fatal(err)
		}
	}

	jobs, err := s.DueJobs(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"early", "middle", "late"}
	if len(jobs) != len(want) {
		t.Fatalf("expected %d due jobs, got %d", len(want), len(jobs))
	}
	for i, id := range want {
		if jobs[i].ID != id {
			t.Errorf("jobs[%d] = %s, want %s", i, jobs[i].ID, id)
		}
	}

	jobs, _ = s.DueJobs(ctx, 2)
	if len(jobs) != 2 {
		t.Errorf("expected limit of 2, got %d", len(jobs))
	}
}

func TestManualRetryAndCancel(t *testing.T) {
	s, store, _ := newTestScheduler(t)
	ctx := context.Background()
	createJob(t, store, "job-5", 2)

	if _, err := s.RegisterOutcome(ctx, Outcome{JobID: "job-5", ErrorClass: domain.ErrorClassProxy}); err != nil {
		t.Fatal(err)
	}

	job, err := s.ManualRetry(ctx, "job-5", "operator override")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.JobStatusRetryPending || job.AttemptNumber != 3 {
		t.Errorf("unexpected job after manual retry: %s attempt=%d", job.Status, job.AttemptNumber)
	}
	if job.NextRetryAt == nil || !job.NextRetryAt.After(testNow) {
		t.Error("manual retry must schedule in the future")
	}
	if job.RetryTrigger != domain.TriggerManual {
		t.Errorf("expected manual trigger to be pending, got %q", job.RetryTrigger)
	}

	if err := s.Cancel(ctx, "job-5"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ManualRetry(ctx, "job-5", ""); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("expected ErrNotRetryable for cancelled job, got %v", err)
	}
}

func TestManualRetry_AttemptRecordedAsManual(t *testing.T) {
	s, store, _ := newTestScheduler(t)
	ctx := context.Background()
	createJob(t, store, "job-6", 0)

	if _, err := s.RegisterOutcome(ctx, Outcome{JobID: "job-6", ErrorClass: domain.ErrorClassProxy}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ManualRetry(ctx, "job-6", "operator override"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkRunning(ctx, "job-6"); err != nil {
		t.Fatal(err)
	}
	// no trigger on the outcome: the one queued by ManualRetry applies
	if _, err := s.RegisterOutcome(ctx, Outcome{JobID: "job-6", ErrorClass: domain.ErrorClassProxy}); err != nil {
		t.Fatal(err)
	}

	history, err := s.History(ctx, "job-6")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	got := map[int]domain.RetryTrigger{}
	for _, h := range history {
		got[h.AttemptNumber] = h.Trigger
	}
	if got[1] != domain.TriggerCron || got[2] != domain.TriggerManual {
		t.Errorf("unexpected triggers by attempt: %v", got)
	}

	job, _ := store.Jobs.Get(ctx, "job-6")
	if job.RetryTrigger != "" {
		t.Errorf("pending trigger not cleared: %q", job.RetryTrigger)
	}
}

func TestMarkFailed_OnlyRunningJobs(t *testing.T) {
	s, store, _ := newTestScheduler(t)
	ctx := context.Background()
	createJob(t, store, "late", 0)
	createJob(t, store, "stuck", 0)

	// the attempt registered its outcome after the deadline fired
	d, err := s.RegisterOutcome(ctx, Outcome{JobID: "late", ErrorClass: domain.ErrorClassNavigation})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.MarkFailed(ctx, "late", "job processing timeout after 30 minutes", domain.ErrorClassTimeout); err != nil {
		t.Fatal(err)
	}
	job, _ := store.Jobs.Get(ctx, "late")
	if job.Status != domain.JobStatusRetryPending || job.NextRetryAt == nil || !job.NextRetryAt.Equal(d.NextRetryAt) {
		t.Errorf("registered retry overwritten: %s next=%v", job.Status, job.NextRetryAt)
	}
	if job.ErrorClass != domain.ErrorClassNavigation {
		t.Errorf("error class overwritten: %s", job.ErrorClass)
	}

	if err := s.MarkFailed(ctx, "stuck", "job processing timeout after 30 minutes", domain.ErrorClassTimeout); err != nil {
		t.Fatal(err)
	}
	job, _ = store.Jobs.Get(ctx, "stuck")
	if job.Status != domain.JobStatusFailed || job.ErrorClass != domain.ErrorClassTimeout || job.FailedAt == nil {
		t.Errorf("running job not forced to failed: %+v", job)
	}
}

func TestRecoverStale(t *testing.T) {
	s, store, _ := newTestScheduler(t)
	ctx := context.Background()

	old := testNow.Add(-2 * time.Hour)
	if err := store.Jobs.Create(ctx, &domain.Job{
		ID:            "stuck",
		UserID:        "u",
		Status:        domain.JobStatusFailed,
		FailureReason: "job processing timeout after 30 minutes",
		UpdatedAt:     old,
		CreatedAt:     old,
	}); err != nil {
		t.Fatal(err)
	}

	n, err := s.RecoverStale(ctx, time.Hour, 10)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered job, got %d", n)
	}

	job, _ := store.Jobs.Get(ctx, "stuck")
	if job.Status != domain.JobStatusRetryPending || job.AttemptNumber != 1 {
		t.Errorf("expected retry_pending attempt 1, got %s attempt %d", job.Status, job.AttemptNumber)
	}
	if job.ErrorClass != domain.ErrorClassTimeout {
		t.Errorf("expected timeout class, got %s", job.ErrorClass)
	}
}

func TestDashboard(t *testing.T) {
	s, store, _ := newTestScheduler(t)
	ctx := context.Background()
	createJob(t, store, "a", 0)
	createJob(t, store, "b", 0)

	_, _ = s.RegisterOutcome(ctx, Outcome{JobID: "a", FailureReason: "captcha", ErrorClass: domain.ErrorClassCaptcha})
	_, _ = s.RegisterOutcome(ctx, Outcome{JobID: "b", FailureReason: "captcha", ErrorClass: domain.ErrorClassCaptcha})
	_, _ = s.RegisterOutcome(ctx, Outcome{JobID: "a", Succeeded: true})

	d, err := s.Dashboard(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if d.FailuresLastHour != 2 || d.PendingRetry != 1 {
		t.Errorf("unexpected dashboard: %+v", d)
	}
	if d.MostCommonFailureReason != "captcha" {
		t.Errorf("most common reason = %q", d.MostCommonFailureReason)
	}
	if d.RetrySuccessRatePercent != 100 {
		t.Errorf("retry success rate = %v, want 100", d.RetrySuccessRatePercent)
	}
	if d.SystemHealthStatus != domain.SystemHealthy {
		t.Errorf("health = %s", d.SystemHealthStatus)
	}
}
