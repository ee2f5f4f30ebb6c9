package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/vietddude/outreach/internal/core/domain"
	"github.com/vietddude/outreach/internal/infra/storage"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		_ = conn.Close()
	})
	return &DB{DB: sqlx.NewDb(conn, "pgx")}, mock
}

var jobCols = []string{
	"id", "user_id", "job_type", "user_tier", "profile_url", "message", "status",
	"attempt_number", "next_retry_at", "failure_reason", "error_class",
	"created_at", "updated_at", "started_at", "completed_at", "failed_at", "retry_trigger",
}

func jobRow(rows *sqlmock.Rows, id string, status domain.JobStatus, attempt int, next *time.Time) *sqlmock.Rows {
	return rows.AddRow(
		id, "u1", "connect", "pro", "https://www.linkedin.com/in/alice", "", string(status),
		attempt, next, "", "",
		testNow, testNow, nil, nil, nil, "",
	)
}

// =============================================================================
// Jobs
// =============================================================================

func TestJobRepoGet(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewJobRepo(db)

	next := testNow.Add(time.Hour)
	mock.ExpectQuery("FROM jobs WHERE id = ").
		WithArgs("j1").
		WillReturnRows(jobRow(sqlmock.NewRows(jobCols), "j1", domain.JobStatusRetryPending, 2, &next))

	job, err := repo.Get(context.Background(), "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != domain.JobStatusRetryPending || job.AttemptNumber != 2 {
		t.Errorf("unexpected job: %+v", job)
	}
	if job.NextRetryAt == nil || !job.NextRetryAt.Equal(next) {
		t.Errorf("expected next_retry_at %v, got %v", next, job.NextRetryAt)
	}
	if job.StartedAt != nil {
		t.Errorf("expected nil started_at, got %v", job.StartedAt)
	}
}

func TestJobRepoGetNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewJobRepo(db)

	mock.ExpectQuery("FROM jobs WHERE id = ").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(jobCols))

	if _, err := repo.Get(context.Background(), "missing"); !errors.Is(err, storage.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestJobRepoCreateDefaults(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewJobRepo(db)

	mock.ExpectExec("INSERT INTO jobs").WillReturnResult(sqlmock.NewResult(0, 1))

	job := &domain.Job{ID: "j1", UserID: "u1", JobType: "connect", ProfileURL: "https://x"}
	if err := repo.Create(context.Background(), job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if job.Status != domain.JobStatusPending {
		t.Errorf("expected pending, got %s", job.Status)
	}
	if job.CreatedAt.IsZero() || job.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be set")
	}
}

func TestJobRepoUpdateNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewJobRepo(db)

	mock.ExpectExec("UPDATE jobs SET").WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Update(context.Background(), &domain.Job{ID: "missing"})
	if !errors.Is(err, storage.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestJobRepoListReadyForRetry(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewJobRepo(db)

	a, b := testNow.Add(-2*time.Hour), testNow.Add(-time.Hour)
	rows := sqlmock.NewRows(jobCols)
	jobRow(rows, "j1", domain.JobStatusRetryPending, 1, &a)
	jobRow(rows, "j2", domain.JobStatusRetryPending, 2, &b)
	mock.ExpectQuery("FROM jobs_ready_for_retry").
		WithArgs(testNow, 5).
		WillReturnRows(rows)

	jobs, err := repo.ListReadyForRetry(context.Background(), testNow, 5)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != "j1" || jobs[1].ID != "j2" {
		t.Errorf("unexpected jobs: %+v", jobs)
	}
}

func TestJobRepoListStale(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewJobRepo(db)

	cutoff := testNow.Add(-time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = ANY($1) AND updated_at < $2")).
		WithArgs(sqlmock.AnyArg(), cutoff, 0).
		WillReturnRows(jobRow(sqlmock.NewRows(jobCols), "j1", domain.JobStatusRunning, 1, nil))

	jobs, err := repo.ListStale(context.Background(),
		[]domain.JobStatus{domain.JobStatusRunning, domain.JobStatusFailed}, cutoff, -1)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != domain.JobStatusRunning {
		t.Errorf("unexpected jobs: %+v", jobs)
	}
}

func TestJobRepoDashboard(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewJobRepo(db)

	mock.ExpectQuery("FROM job_failure_dashboard").
		WillReturnRows(sqlmock.NewRows([]string{
			"currently_failed", "pending_retry", "permanently_failed",
			"retry_success_rate_percent", "avg_attempts_to_success", "avg_attempts_to_permanent",
		}).AddRow(2, 60, 4, 75.0, 1.5, 3.0))
	mock.ExpectQuery("AS failures_last_hour").
		WithArgs(testNow).
		WillReturnRows(sqlmock.NewRows([]string{
			"failures_last_hour", "failures_last_24h", "failures_last_week", "avg_retry_delay_minutes",
		}).AddRow(3, 9, 20, 180.0))
	mock.ExpectQuery("GROUP BY failure_reason").
		WithArgs(testNow).
		WillReturnRows(sqlmock.NewRows([]string{"failure_reason"}).AddRow("navigation timeout"))

	d, err := repo.Dashboard(context.Background(), testNow)
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if d.PendingRetry != 60 || d.FailuresLast24h != 9 || d.AvgRetryDelayMinutes != 180 {
		t.Errorf("unexpected dashboard: %+v", d)
	}
	if d.MostCommonFailureReason != "navigation timeout" {
		t.Errorf("unexpected reason %q", d.MostCommonFailureReason)
	}
	// pending_retry above 50 is a warning
	if d.SystemHealthStatus != domain.SystemWarning {
		t.Errorf("expected Warning, got %s", d.SystemHealthStatus)
	}
}

func TestJobRepoDashboardNoFailures(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewJobRepo(db)

	mock.ExpectQuery("FROM job_failure_dashboard").
		WillReturnRows(sqlmock.NewRows([]string{"currently_failed", "pending_retry"}).AddRow(0, 0))
	mock.ExpectQuery("AS failures_last_hour").
		WillReturnRows(sqlmock.NewRows([]string{"failures_last_hour"}).AddRow(0))
	mock.ExpectQuery("GROUP BY failure_reason").
		WillReturnRows(sqlmock.NewRows([]string{"failure_reason"}))

	d, err := repo.Dashboard(context.Background(), testNow)
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if d.MostCommonFailureReason != "" || d.SystemHealthStatus != domain.SystemHealthy {
		t.Errorf("unexpected dashboard: %+v", d)
	}
}

// =============================================================================
// Policies & History
// =============================================================================

func TestPolicyRepoListActive(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPolicyRepo(db)

	cols := []string{
		"id", "name", "active", "priority", "job_types", "error_types", "user_tiers",
		"max_attempts", "strategy", "base_delay_ms", "max_delay_ms", "jitter_enabled",
		"retry_on_security_detection", "retry_on_captcha", "retry_on_network_error",
		"retry_on_rate_limit", "retry_on_proxy_error", "retry_on_unknown_error",
		"escalate_after_attempts", "escalate_to_admin", "created_at", "updated_at",
	}
	mock.ExpectQuery("FROM retry_policies").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"p1", "captcha", true, 10, "{connect}", "{captcha,security_detection}", "{}",
			5, "linear", int64(30*time.Minute/time.Millisecond), int64(6*time.Hour/time.Millisecond), false,
			true, true, true, true, true, false,
			3, true, testNow, testNow,
		))

	policies, err := repo.ListActive(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("expected 1 policy, got %d", len(policies))
	}
	p := policies[0]
	if p.BaseDelay != 30*time.Minute || p.MaxDelay != 6*time.Hour {
		t.Errorf("unexpected delays: %v %v", p.BaseDelay, p.MaxDelay)
	}
	if len(p.ErrorTypes) != 2 || p.ErrorTypes[0] != "captcha" {
		t.Errorf("unexpected error types: %v", p.ErrorTypes)
	}
	if p.UserTiers != nil {
		t.Errorf("expected empty scope to be nil, got %v", p.UserTiers)
	}
	if !p.Matches("connect", domain.ErrorClassCaptcha, "free") {
		t.Error("expected policy to match")
	}
}

func TestPolicyRepoSaveRequiresID(t *testing.T) {
	db, _ := newMockDB(t)
	if err := NewPolicyRepo(db).Save(context.Background(), &domain.RetryPolicy{Name: "x"}); err == nil {
		t.Error("expected error for missing id")
	}
}

func TestPolicyRepoSaveUpserts(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec("ON CONFLICT \\(id\\) DO UPDATE").WillReturnResult(sqlmock.NewResult(0, 1))

	p := domain.DefaultRetryPolicy()
	p.ID = "default"
	if err := NewPolicyRepo(db).Save(context.Background(), &p); err != nil {
		t.Fatalf("save: %v", err)
	}
}

func TestHistoryRepoAppend(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		wantErr  bool
	}{
		{"next attempt", 1, false},
		{"out of order", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			mock.ExpectExec("INSERT INTO retry_history").
				WithArgs("h1", "j1", 2, testNow, testNow, false, "timeout", "timeout", "cron", int64(7200000)).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			err := NewHistoryRepo(db).Append(context.Background(), &domain.RetryHistoryEntry{
				ID:            "h1",
				JobID:         "j1",
				AttemptNumber: 2,
				StartedAt:     testNow,
				EndedAt:       testNow,
				FailureReason: "timeout",
				ErrorClass:    domain.ErrorClassTimeout,
				Trigger:       domain.TriggerCron,
				BackoffDelay:  2 * time.Hour,
			})
			if (err != nil) != tt.wantErr {
				t.Errorf("wantErr %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestHistoryRepoListByJob(t *testing.T) {
	db, mock := newMockDB(t)
	cols := []string{
		"id", "job_id", "attempt_number", "started_at", "ended_at", "success",
		"failure_reason", "error_class", "trigger", "backoff_delay_ms",
	}
	mock.ExpectQuery("FROM retry_history").
		WithArgs("j1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("h1", "j1", 1, testNow, testNow, false, "nav", "navigation", "cron", int64(240*60*1000)).
			AddRow("h2", "j1", 2, testNow, testNow, true, "", "", "manual", int64(0)))

	entries, err := NewHistoryRepo(db).ListByJob(context.Background(), "j1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].BackoffDelay != 240*time.Minute || entries[0].ErrorClass != domain.ErrorClassNavigation {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	if !entries[1].Success || entries[1].Trigger != domain.TriggerManual {
		t.Errorf("unexpected second entry: %+v", entries[1])
	}
}

func TestHistoryRepoDeleteOlderThan(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec("DELETE FROM retry_history").
		WithArgs(testNow).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := NewHistoryRepo(db).DeleteOlderThan(context.Background(), testNow)
	if err != nil || n != 7 {
		t.Errorf("expected 7 deleted, got %d (%v)", n, err)
	}
}

// =============================================================================
// Proxies
// =============================================================================

var proxyCols = []string{
	"id", "provider", "endpoint", "username", "password", "tier", "max_concurrent_users",
	"status", "global_success_count", "global_failure_count", "created_at", "updated_at",
}

func TestProxyRepoGetNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery("FROM proxies WHERE id").WillReturnRows(sqlmock.NewRows(proxyCols))

	if _, err := NewProxyRepo(db).Get(context.Background(), "nope"); !errors.Is(err, storage.ErrProxyNotFound) {
		t.Errorf("expected ErrProxyNotFound, got %v", err)
	}
}

func TestProxyRepoListActiveByTier(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery("ORDER BY global_failure_count ASC").
		WithArgs("decodo").
		WillReturnRows(sqlmock.NewRows(proxyCols).
			AddRow("p1", "decodo", "gate:7000", "user", "secret", "decodo", 3, "active", 10, 0, testNow, testNow).
			AddRow("p2", "decodo", "gate:7001", "", "", "decodo", 0, "active", 4, 2, testNow, testNow))

	proxies, err := NewProxyRepo(db).ListActiveByTier(context.Background(), "decodo")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(proxies) != 2 || proxies[0].ID != "p1" || proxies[0].Password != "secret" {
		t.Errorf("unexpected proxies: %+v", proxies)
	}
	if proxies[1].Status != domain.ProxyStatusActive || proxies[1].GlobalFailureCount != 2 {
		t.Errorf("unexpected second proxy: %+v", proxies[1])
	}
}

func TestProxyRepoUpdates(t *testing.T) {
	tests := []struct {
		name     string
		run      func(*ProxyRepo) error
		pattern  string
		affected int64
		want     error
	}{
		{
			name:     "status",
			run:      func(r *ProxyRepo) error { return r.UpdateStatus(context.Background(), "p1", domain.ProxyStatusBanned) },
			pattern:  "SET status = ",
			affected: 1,
		},
		{
			name:     "status missing",
			run:      func(r *ProxyRepo) error { return r.UpdateStatus(context.Background(), "p9", domain.ProxyStatusBanned) },
			pattern:  "SET status = ",
			affected: 0,
			want:     storage.ErrProxyNotFound,
		},
		{
			name:     "success usage",
			run:      func(r *ProxyRepo) error { return r.RecordUsage(context.Background(), "p1", true) },
			pattern:  "global_success_count = global_success_count \\+ 1",
			affected: 1,
		},
		{
			name:     "failure usage",
			run:      func(r *ProxyRepo) error { return r.RecordUsage(context.Background(), "p1", false) },
			pattern:  "global_failure_count = global_failure_count \\+ 1",
			affected: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			mock.ExpectExec(tt.pattern).WillReturnResult(sqlmock.NewResult(0, tt.affected))

			err := tt.run(NewProxyRepo(db))
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestProxyHealthRepoGetMissing(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery("FROM proxy_health WHERE proxy_id").
		WithArgs("p1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"proxy_id"}))

	rec, err := NewProxyHealthRepo(db).Get(context.Background(), "p1", "u1")
	if err != nil || rec != nil {
		t.Errorf("expected nil record, got %+v (%v)", rec, err)
	}
}

func TestProxyHealthRepoActiveByUser(t *testing.T) {
	db, mock := newMockDB(t)
	disabled := testNow.Add(-time.Hour)
	mock.ExpectQuery("status = 'active' LIMIT 1").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{
			"proxy_id", "user_id", "success_count", "failure_count",
			"recent_success_count", "recent_failure_count", "recent_window_start",
			"consecutive_failures", "total_jobs_processed", "avg_response_time_ms", "status",
			"auto_disabled_at", "auto_disabled_reason", "last_success_at", "last_failure_at",
			"assigned_at", "updated_at",
		}).AddRow(
			"p1", "u1", 4, 3,
			1, 3, testNow,
			2, 7, 850.5, "active",
			disabled, "3 recent failures", nil, testNow,
			testNow, testNow,
		))

	rec, err := NewProxyHealthRepo(db).GetActiveByUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.ConsecutiveFailures != 2 || rec.AvgResponseTimeMs != 850.5 {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.AutoDisabledAt == nil || !rec.AutoDisabledAt.Equal(disabled) || rec.LastSuccessAt != nil {
		t.Errorf("unexpected timestamps: %+v", rec)
	}
}

func TestProxyHealthRepoMaintenance(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewProxyHealthRepo(db)

	mock.ExpectQuery("WITH reset AS").
		WithArgs(testNow).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(3)))
	mock.ExpectExec("SET auto_disabled_at = NULL").
		WithArgs(testNow).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM proxy_health")).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))
	mock.ExpectExec("SET status = 'inactive'").
		WithArgs("u1", "p2").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	if n, err := repo.ResetRecent(ctx, testNow); err != nil || n != 3 {
		t.Errorf("reset: expected 3, got %d (%v)", n, err)
	}
	if n, err := repo.ClearExpiredDisables(ctx, testNow); err != nil || n != 2 {
		t.Errorf("clear: expected 2, got %d (%v)", n, err)
	}
	if n, err := repo.CountActiveByProxy(ctx, "p1"); err != nil || n != 4 {
		t.Errorf("count: expected 4, got %d (%v)", n, err)
	}
	if err := repo.DeactivateUser(ctx, "u1", "p2"); err != nil {
		t.Errorf("deactivate: %v", err)
	}
}

func TestProxyHealthRepoSave(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec("INSERT INTO proxy_health").WillReturnResult(sqlmock.NewResult(0, 1))

	err := NewProxyHealthRepo(db).Save(context.Background(), &domain.ProxyHealthRecord{
		ProxyID: "p1", UserID: "u1", Status: domain.ProxyStatusActive,
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
}

// =============================================================================
// Assignments & Invites
// =============================================================================

func TestAssignmentRepoPerformance(t *testing.T) {
	db, mock := newMockDB(t)
	since := testNow.Add(-24 * time.Hour)
	mock.ExpectQuery("FROM proxy_assignments").
		WithArgs(since, "").
		WillReturnRows(sqlmock.NewRows([]string{"total", "successful", "failed", "avg_response_time_ms"}).
			AddRow(8, 6, 2, 1200.0))

	perf, err := NewAssignmentRepo(db).Performance(context.Background(), "", since)
	if err != nil {
		t.Fatalf("performance: %v", err)
	}
	if perf.Total != 8 || perf.SuccessRate != 75 || perf.AvgResponseTimeMs != 1200 {
		t.Errorf("unexpected performance: %+v", perf)
	}
}

func TestAssignmentRepoAppend(t *testing.T) {
	db, mock := newMockDB(t)
	ok := false
	rt := 900
	mock.ExpectExec("INSERT INTO proxy_assignments").
		WithArgs("a1", "p1", "u1", "j1", "job_outcome", false, 900, "timeout", "", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := NewAssignmentRepo(db).Append(context.Background(), &domain.ProxyAssignment{
		ID: "a1", ProxyID: "p1", UserID: "u1", JobID: "j1", Reason: "job_outcome",
		Success: &ok, ResponseTimeMs: &rt, FailureReason: "timeout", CreatedAt: testNow,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestInviteRepo(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewInviteRepo(db)

	mock.ExpectExec("ON CONFLICT \\(user_id, profile_url\\) DO NOTHING").
		WithArgs("u1", "https://x", "j1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("u1", "https://x").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ctx := context.Background()
	if err := repo.RecordInvite(ctx, "u1", "https://x", "j1"); err != nil {
		t.Fatalf("record: %v", err)
	}
	ok, err := repo.HasInvite(ctx, "u1", "https://x")
	if err != nil || !ok {
		t.Errorf("expected invite, got %v (%v)", ok, err)
	}
}

// =============================================================================
// Wiring
// =============================================================================

func TestNewStoreWiresEveryRepository(t *testing.T) {
	db, _ := newMockDB(t)
	s := NewStore(db)
	if s.Jobs == nil || s.Policies == nil || s.History == nil || s.Proxies == nil ||
		s.ProxyHealth == nil || s.Assignments == nil || s.Invites == nil {
		t.Errorf("store has nil repositories: %+v", s)
	}
}

func TestHealth(t *testing.T) {
	conn, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer conn.Close()
	db := &DB{DB: sqlx.NewDb(conn, "pgx")}

	mock.ExpectPing().WillReturnError(errors.New("down"))
	if err := db.Health(context.Background()); err == nil {
		t.Error("expected ping error")
	}
}
