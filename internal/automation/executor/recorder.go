package executor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/outreach/internal/automation/metrics"
)

// ActivityTracker is the default OutcomeRecorder. It keeps per-user daily
// activity counters used to watch account warm-up and feeds the invite metrics.
type ActivityTracker struct {
	mu    sync.Mutex
	day   string
	users map[string]*DailyActivity
	now   func() time.Time
	log   *slog.Logger
}

// DailyActivity is one user's activity for the current UTC day.
type DailyActivity struct {
	Invites    int `json:"invites"`
	Messages   int `json:"messages"`
	Failures   int `json:"failures"`
	Detections int `json:"detections"`
}

func NewActivityTracker() *ActivityTracker {
	return &ActivityTracker{
		users: make(map[string]*DailyActivity),
		now:   time.Now,
		log:   slog.Default().With("component", "activity"),
	}
}

// RecordOutcome implements OutcomeRecorder.
func (t *ActivityTracker) RecordOutcome(ctx context.Context, r *Result) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if day := t.now().UTC().Format(time.DateOnly); day != t.day {
		t.day = day
		clear(t.users)
	}
	a, ok := t.users[r.UserID]
	if !ok {
		a = &DailyActivity{}
		t.users[r.UserID] = a
	}

	switch {
	case r.ConnectionSent:
		a.Invites++
		metrics.Invites.WithLabelValues("sent").Inc()
	case r.ErrorClass.IsBusinessRule():
		metrics.Invites.WithLabelValues("skipped").Inc()
	case !r.Success:
		metrics.Invites.WithLabelValues("failed").Inc()
	}
	if r.MessageSent {
		a.Messages++
	}
	if !r.Success {
		a.Failures++
	}
	if r.Detection != nil {
		a.Detections++
	}

	t.log.Debug("Activity recorded",
		"user_id", r.UserID,
		"invites_today", a.Invites,
		"failures_today", a.Failures,
	)
	return nil
}

// Today returns a copy of the user's counters for the current day.
func (t *ActivityTracker) Today(userID string) DailyActivity {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.day != t.now().UTC().Format(time.DateOnly) {
		return DailyActivity{}
	}
	if a, ok := t.users[userID]; ok {
		return *a
	}
	return DailyActivity{}
}
