// Package executor runs one attempt of an outreach job: it acquires a proxy,
// drives a browser session through the action, and hands the outcome to the
// proxy engine and the retry scheduler.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vietddude/outreach/internal/automation/metrics"
	"github.com/vietddude/outreach/internal/automation/retry"
	"github.com/vietddude/outreach/internal/automation/rotation"
	"github.com/vietddude/outreach/internal/core/domain"
	"github.com/vietddude/outreach/internal/core/errors"
	"github.com/vietddude/outreach/internal/infra/browser"
	"github.com/vietddude/outreach/internal/infra/notify"
)

// Job types the executor understands.
const (
	JobTypeConnect = "connect"
	JobTypeMessage = "message"
)

// ProxyEngine is the part of the rotation engine an attempt needs.
type ProxyEngine interface {
	Acquire(ctx context.Context, userID, jobID string) (*rotation.Assignment, error)
	RecordPerformance(ctx context.Context, p rotation.Performance) (*rotation.PerformanceResult, error)
}

// RetryScheduler is the part of the scheduler an attempt needs.
type RetryScheduler interface {
	MarkRunning(ctx context.Context, jobID string) (*domain.Job, error)
	RegisterOutcome(ctx context.Context, o retry.Outcome) (*retry.Decision, error)
}

// Deduplicator remembers which profiles a user already invited.
type Deduplicator interface {
	RecordInvite(ctx context.Context, userID, profileURL, jobID string) error
	HasInvite(ctx context.Context, userID, profileURL string) (bool, error)
}

// OutcomeRecorder receives every finished attempt for behavioural tracking.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, r *Result) error
}

// Config tunes pacing and the optional followup message.
type Config struct {
	MinPause        time.Duration `yaml:"min_pause"`
	MaxPause        time.Duration `yaml:"max_pause"`
	FollowupEnabled bool          `yaml:"followup_enabled"`
	ConnectNote     bool          `yaml:"connect_note"` // send job.Message as the invitation note
	CaptureEvidence bool          `yaml:"capture_evidence"`
}

// DefaultConfig returns human-ish pacing.
func DefaultConfig() Config {
	return Config{
		MinPause:        2 * time.Second,
		MaxPause:        6 * time.Second,
		FollowupEnabled: true,
		CaptureEvidence: true,
	}
}

// Result describes one attempt.
type Result struct {
	JobID          string             `json:"job_id"`
	UserID         string             `json:"user_id"`
	Success        bool               `json:"success"`
	ConnectionSent bool               `json:"connection_sent"`
	MessageSent    bool               `json:"message_sent"`
	ProxyID        string             `json:"proxy_id,omitempty"`
	Duration       time.Duration      `json:"duration"`
	Decision       *retry.Decision    `json:"decision,omitempty"`
	Detection      *browser.Detection `json:"detection,omitempty"`
	FailureReason  string             `json:"failure_reason,omitempty"`
	ErrorClass     domain.ErrorClass  `json:"error_class,omitempty"`
	ScreenshotRef  string             `json:"screenshot_ref,omitempty"`
	FailedStep     Step               `json:"failed_step,omitempty"`

	// FollowupError is set when the follow-up message failed after the
	// connection went out. The attempt still counts as a success.
	FollowupError string `json:"followup_error,omitempty"`
}

// Executor runs job attempts.
type Executor struct {
	cfg      Config
	proxies  ProxyEngine
	retries  RetryScheduler
	browser  browser.Browser
	detector browser.Detector
	actor    browser.Actor
	dedup    Deduplicator
	recorder OutcomeRecorder
	notifier notify.Notifier
	tracer   trace.Tracer
	log      *slog.Logger

	now   func() time.Time
	rand  func() float64
	sleep func(ctx context.Context, d time.Duration) error
}

// Deps groups the collaborators of an Executor. Dedup and Recorder are optional.
type Deps struct {
	Proxies  ProxyEngine
	Retries  RetryScheduler
	Browser  browser.Browser
	Detector browser.Detector
	Actor    browser.Actor
	Dedup    Deduplicator
	Recorder OutcomeRecorder
	Notifier notify.Notifier
}

// New creates an executor.
func New(cfg Config, deps Deps) *Executor {
	if cfg.MaxPause < cfg.MinPause {
		cfg.MaxPause = cfg.MinPause
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	return &Executor{
		cfg:      cfg,
		proxies:  deps.Proxies,
		retries:  deps.Retries,
		browser:  deps.Browser,
		detector: deps.Detector,
		actor:    deps.Actor,
		dedup:    deps.Dedup,
		recorder: deps.Recorder,
		notifier: deps.Notifier,
		tracer:   otel.Tracer("github.com/vietddude/outreach/internal/automation/executor"),
		log:      slog.Default().With("component", "executor"),
		now:      time.Now,
		rand:     rand.Float64,
		sleep:    sleepCtx,
	}
}

// Execute runs one attempt of job. A failure that the scheduler queued for a
// retry is reported only through the Result; the typed error is returned
// when the failure is permanent or could not be registered.
func (x *Executor) Execute(ctx context.Context, job *domain.Job, trigger domain.RetryTrigger) (*Result, error) {
	ctx, span := x.tracer.Start(ctx, "executor.Execute", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", job.JobType),
		attribute.String("user.id", job.UserID),
		attribute.String("trigger", string(trigger)),
	))
	defer span.End()

	start := x.now()
	res := &Result{JobID: job.ID, UserID: job.UserID}

	if _, err := x.retries.MarkRunning(ctx, job.ID); err != nil {
		span.RecordError(err)
		return res, errors.Wrapf(err, "start job %s", job.ID)
	}

	log := x.log.With("job_id", job.ID, "user_id", job.UserID)
	log.Info("Executing job", "type", job.JobType, "attempt", job.AttemptNumber+1, "trigger", trigger)

	var sess browser.Session
	defer x.cleanup(ctx, &sess, log)

	runErr := x.attempt(ctx, job, res, &sess)
	res.Duration = x.now().Sub(start)

	if runErr != nil {
		res.ErrorClass = ClassOf(runErr)
		res.FailureReason = runErr.Error()
		var e *Error
		if errors.As(runErr, &e) {
			if e.JobID == "" {
				e.JobID = job.ID
			}
			res.FailedStep = e.Step
			if e.ScreenshotRef != "" {
				res.ScreenshotRef = e.ScreenshotRef
			}
		}
		var sec *SecurityDetectionError
		if errors.As(runErr, &sec) {
			res.FailedStep = StepSecurityScan
		}
		metrics.StepFailures.WithLabelValues(string(res.FailedStep), string(res.ErrorClass)).Inc()
		span.RecordError(runErr)
		span.SetStatus(codes.Error, string(res.ErrorClass))
	} else {
		res.Success = true
	}

	regErr := x.recordOutcomes(ctx, job, res, trigger, start)
	return x.decide(ctx, res, runErr, regErr, log)
}

func (x *Executor) attempt(ctx context.Context, job *domain.Job, res *Result, sess *browser.Session) error {
	// INIT_PROXY
	var assignment *rotation.Assignment
	err := x.step(ctx, StepInitProxy, func(ctx context.Context) error {
		a, err := x.proxies.Acquire(ctx, job.UserID, job.ID)
		if err != nil {
			return ProxyError(job.ID, err)
		}
		assignment = a
		res.ProxyID = a.ProxyID
		return nil
	})
	if err != nil {
		return err
	}

	// INIT_SESSION
	err = x.step(ctx, StepInitSession, func(ctx context.Context) error {
		s, err := x.browser.OpenSession(ctx, browser.SessionOptions{
			Proxy: &browser.ProxySettings{
				Server:   assignment.Config.Endpoint,
				Username: assignment.Config.Username,
				Password: assignment.Config.Password,
			},
			Identity: randomIdentity(x.rand),
			UserID:   job.UserID,
		})
		if err != nil {
			return BrowserError(job.ID, StepInitSession, err)
		}
		*sess = s
		return nil
	})
	if err != nil {
		return err
	}
	s := *sess

	// NAVIGATE
	err = x.step(ctx, StepNavigate, func(ctx context.Context) error {
		page, err := s.Navigate(ctx, job.ProfileURL)
		if err == nil {
			err = verifyLanding(job.ProfileURL, page)
		}
		if err != nil {
			nerr := NavigationError(job.ID, err)
			nerr.ScreenshotRef = x.screenshot(ctx, s)
			return nerr
		}
		return nil
	})
	if err != nil {
		return err
	}

	// SECURITY_SCAN
	err = x.step(ctx, StepSecurityScan, func(ctx context.Context) error {
		if x.detector == nil {
			return nil
		}
		det, err := x.detector.Scan(ctx, s)
		if err != nil {
			x.log.Warn("Challenge detector failed, continuing", "job_id", job.ID, "error", err)
			return nil
		}
		if det == nil {
			return nil
		}
		return x.handleSecurity(ctx, job, res, det)
	})
	if err != nil {
		return err
	}

	// SIMULATE_BEHAVIOR
	err = x.step(ctx, StepSimulate, func(ctx context.Context) error {
		if err := x.pause(ctx); err != nil {
			return err
		}
		scroll := fmt.Sprintf("window.scrollBy(0, %d)", 300+int(x.rand()*600))
		if _, err := s.Evaluate(ctx, scroll); err != nil {
			return BrowserError(job.ID, StepSimulate, err)
		}
		return x.pause(ctx)
	})
	if err != nil {
		return err
	}

	// PERFORM_ACTION
	err = x.step(ctx, StepPerformAction, func(ctx context.Context) error {
		return x.perform(ctx, job, res, s)
	})
	if err != nil {
		return err
	}

	// SEND_FOLLOWUP
	if job.JobType != JobTypeMessage && x.cfg.FollowupEnabled && job.Message != "" && !x.cfg.ConnectNote {
		err = x.step(ctx, StepSendFollowup, func(ctx context.Context) error {
			if err := x.pause(ctx); err != nil {
				return err
			}
			r, err := x.actor.Message(ctx, s, job.ProfileURL, job.Message)
			switch {
			case err != nil:
				x.log.Warn("Followup message failed", "job_id", job.ID, "error", err)
				return err
			case !r.Done:
				x.log.Info("Followup message not sent", "job_id", job.ID, "code", r.Code, "reason", r.Reason)
				return nil
			}
			res.MessageSent = true
			return nil
		})
		if err != nil {
			res.FollowupError = err.Error()
			metrics.StepFailures.WithLabelValues(string(StepSendFollowup), string(ClassOf(err))).Inc()
		}
	}
	return nil
}

func (x *Executor) perform(ctx context.Context, job *domain.Job, res *Result, s browser.Session) error {
	if job.JobType == JobTypeMessage {
		r, err := x.actor.Message(ctx, s, job.ProfileURL, job.Message)
		if err != nil {
			return actionError(job.ID, err)
		}
		if !r.Done {
			return softFailure(job.ID, "message", r)
		}
		res.MessageSent = true
		return nil
	}

	if x.dedup != nil {
		seen, err := x.dedup.HasInvite(ctx, job.UserID, job.ProfileURL)
		if err != nil {
			x.log.Warn("Invite lookup failed", "job_id", job.ID, "error", err)
		} else if seen {
			return RuleError(domain.ErrorClassAlreadyConnected, job.ID, StepPerformAction,
				errors.New("profile already invited by this user"))
		}
	}

	note := ""
	if x.cfg.ConnectNote {
		note = job.Message
	}
	r, err := x.actor.Connect(ctx, s, job.ProfileURL, note)
	if err != nil {
		return actionError(job.ID, err)
	}
	if !r.Done {
		return softFailure(job.ID, "connect", r)
	}
	res.ConnectionSent = true
	if note != "" {
		res.MessageSent = true
	}
	return nil
}

func (x *Executor) handleSecurity(
	ctx context.Context,
	job *domain.Job,
	res *Result,
	det *browser.Detection,
) error {
	res.Detection = det
	metrics.SecurityDetections.WithLabelValues(det.Type).Inc()
	x.log.Warn("Security challenge detected",
		"job_id", job.ID,
		"user_id", job.UserID,
		"type", det.Type,
		"confidence", det.Confidence,
	)
	x.notifier.Notify(ctx, notify.Event{
		Kind:     notify.KindSecurityDetection,
		Severity: notify.SeverityCritical,
		Title:    "Security challenge detected",
		Message:  fmt.Sprintf("%s challenge (confidence %.2f)", det.Type, det.Confidence),
		UserID:   job.UserID,
		JobID:    job.ID,
		ProxyID:  res.ProxyID,
		Fields: map[string]string{
			"type":         det.Type,
			"evidence_ref": det.EvidenceRef,
		},
		OccurredAt: x.now(),
	})
	res.ScreenshotRef = det.EvidenceRef
	return &SecurityDetectionError{
		Type:        det.Type,
		Confidence:  det.Confidence,
		EvidenceRef: det.EvidenceRef,
		JobID:       job.ID,
	}
}

// recordOutcomes runs the side effects of a finished attempt. Each is
// independent; the scheduler error is returned because it decides what the
// caller sees.
func (x *Executor) recordOutcomes(
	ctx context.Context,
	job *domain.Job,
	res *Result,
	trigger domain.RetryTrigger,
	start time.Time,
) error {
	cancelled := ctx.Err() != nil
	wctx := context.WithoutCancel(ctx)
	wctx, span := x.tracer.Start(wctx, string(StepRecordOutcomes))
	defer span.End()

	log := x.log.With("job_id", job.ID, "user_id", job.UserID)

	if x.recorder != nil {
		if err := x.recorder.RecordOutcome(wctx, res); err != nil {
			log.Warn("Failed to record outcome", "error", err)
		}
	}

	if res.Success && res.ConnectionSent && x.dedup != nil {
		if err := x.dedup.RecordInvite(wctx, job.UserID, job.ProfileURL, job.ID); err != nil {
			log.Warn("Failed to record invite", "error", err)
		}
	}

	if res.ProxyID != "" {
		// business outcomes say nothing bad about the proxy
		proxyOK := res.Success || res.ErrorClass.IsBusinessRule()
		pr, err := x.proxies.RecordPerformance(wctx, rotation.Performance{
			ProxyID:       res.ProxyID,
			UserID:        job.UserID,
			JobID:         job.ID,
			Succeeded:     proxyOK,
			ResponseTime:  res.Duration,
			FailureReason: res.FailureReason,
		})
		switch {
		case err != nil:
			log.Warn("Failed to record proxy performance", "proxy_id", res.ProxyID, "error", err)
		case pr.AutoDisabled:
			log.Warn("Proxy auto-disabled after attempt",
				"proxy_id", res.ProxyID,
				"rotated_to", pr.NewProxyID,
				"escalated", pr.Escalated,
			)
		}
	}

	if cancelled {
		log.Warn("Attempt cancelled, leaving retry bookkeeping to the caller", "error", ctx.Err())
		return nil
	}

	d, err := x.retries.RegisterOutcome(wctx, retry.Outcome{
		JobID:         job.ID,
		Succeeded:     res.Success,
		FailureReason: res.FailureReason,
		ErrorClass:    res.ErrorClass,
		Trigger:       trigger,
		StartedAt:     start,
	})
	if err != nil {
		log.Error("Failed to register outcome", "error", err)
		return err
	}
	res.Decision = d
	return nil
}

func (x *Executor) decide(
	ctx context.Context,
	res *Result,
	runErr, regErr error,
	log *slog.Logger,
) (*Result, error) {
	_, span := x.tracer.Start(ctx, string(StepRetryDecision))
	defer span.End()

	outcome := "success"
	defer func() {
		metrics.JobsProcessed.WithLabelValues(outcome).Inc()
		metrics.JobDuration.WithLabelValues(outcome).Observe(res.Duration.Seconds())
	}()

	if runErr == nil {
		log.Info("Job succeeded",
			"proxy_id", res.ProxyID,
			"connection_sent", res.ConnectionSent,
			"message_sent", res.MessageSent,
			"duration", res.Duration,
		)
		if regErr != nil {
			outcome = "failed"
			return res, errors.Wrap(regErr, "complete job")
		}
		return res, nil
	}

	if regErr != nil || res.Decision == nil {
		outcome = "failed"
		if ctx.Err() != nil {
			outcome = "timeout"
		}
		return res, runErr
	}

	span.SetAttributes(attribute.String("decision", string(res.Decision.Action)))
	if res.Decision.Action == retry.ActionScheduled {
		outcome = "retry_scheduled"
		log.Info("Job failed, retry scheduled",
			"error_class", res.ErrorClass,
			"attempt", res.Decision.Attempt,
			"next_retry_at", res.Decision.NextRetryAt,
		)
		return res, nil
	}

	outcome = "permanently_failed"
	log.Error("Job permanently failed",
		"error_class", res.ErrorClass,
		"attempt", res.Decision.Attempt,
		"reason", res.FailureReason,
	)
	return res, runErr
}

func (x *Executor) cleanup(ctx context.Context, sess *browser.Session, log *slog.Logger) {
	if *sess == nil {
		return
	}
	cctx, span := x.tracer.Start(context.WithoutCancel(ctx), string(StepCleanup))
	defer span.End()
	if err := (*sess).Close(cctx); err != nil {
		log.Warn("Failed to close browser session", "session_id", (*sess).ID(), "error", err)
	}
}

// step runs fn inside a span and turns a context error into a timeout.
func (x *Executor) step(ctx context.Context, name Step, fn func(ctx context.Context) error) error {
	ctx, span := x.tracer.Start(ctx, string(name))
	defer span.End()

	err := fn(ctx)
	if err == nil {
		return nil
	}
	var e *Error
	var sec *SecurityDetectionError
	if !errors.As(err, &e) && !errors.As(err, &sec) {
		err = ExecutionError("", name, err)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (x *Executor) pause(ctx context.Context) error {
	d := x.cfg.MinPause
	if spread := x.cfg.MaxPause - x.cfg.MinPause; spread > 0 {
		d += time.Duration(x.rand() * float64(spread))
	}
	return x.sleep(ctx, d)
}

func (x *Executor) screenshot(ctx context.Context, s browser.Session) string {
	if !x.cfg.CaptureEvidence {
		return ""
	}
	ref, err := s.Screenshot(context.WithoutCancel(ctx))
	if err != nil {
		x.log.Warn("Failed to capture screenshot", "session_id", s.ID(), "error", err)
		return ""
	}
	return ref
}

// verifyLanding checks the session ended up on the requested profile and not
// on a login or auth wall.
func verifyLanding(target string, page *browser.Page) error {
	if page == nil {
		return errors.New("navigation returned no page")
	}
	want, err := url.Parse(target)
	if err != nil {
		return errors.Wrapf(err, "parse target url %q", target)
	}
	got, err := url.Parse(page.URL)
	if err != nil {
		return errors.Wrapf(err, "parse landed url %q", page.URL)
	}

	path := strings.ToLower(got.Path)
	for _, wall := range []string{"/login", "/authwall", "/uas/login", "/signup"} {
		if strings.HasPrefix(path, wall) {
			return errors.Newf("redirected to %s", got.Path)
		}
	}
	if !strings.EqualFold(stripWWW(got.Host), stripWWW(want.Host)) {
		return errors.Newf("landed on host %s, expected %s", got.Host, want.Host)
	}
	prefix := strings.ToLower(strings.TrimSuffix(want.Path, "/"))
	if !strings.HasPrefix(strings.TrimSuffix(path, "/"), prefix) {
		return errors.Newf("landed on %s, expected %s", got.Path, want.Path)
	}
	if page.StatusCode >= 400 {
		return errors.Newf("page returned http %d", page.StatusCode)
	}
	return nil
}

func stripWWW(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}

// actionError classifies an infrastructure failure of a business action.
func actionError(jobID string, err error) error {
	var se *browser.StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == 404 || se.StatusCode == 422:
			return ElementNotFoundError(jobID, StepPerformAction, err)
		case se.StatusCode == 429:
			return RuleError(domain.ErrorClassRateLimit, jobID, StepPerformAction, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(domain.ErrorClassTimeout, jobID, StepPerformAction, err)
	}
	return ExecutionError(jobID, StepPerformAction, err)
}

// softFailure turns a not-done action result into a classified error.
func softFailure(jobID, action string, r *browser.ActionResult) error {
	err := errors.Newf("%s not completed: %s", action, strings.TrimSpace(r.Code+" "+r.Reason))
	class := domain.ErrorClass(r.Code)
	switch {
	case class.IsBusinessRule():
		return RuleError(class, jobID, StepPerformAction, err)
	case class == domain.ErrorClassRateLimit:
		return RuleError(class, jobID, StepPerformAction, err)
	}
	return ConnectionError(jobID, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
