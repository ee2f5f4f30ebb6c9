// Package batch drives retries on a schedule: it pulls due jobs from the
// scheduler and runs them through the executor in small concurrent waves.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/outreach/internal/automation/executor"
	"github.com/vietddude/outreach/internal/automation/metrics"
	"github.com/vietddude/outreach/internal/core/domain"
	"github.com/vietddude/outreach/internal/core/errors"
	"github.com/vietddude/outreach/internal/infra/notify"
)

// ErrAlreadyRunning is returned when a run is already in progress here or on
// another instance.
var ErrAlreadyRunning = errors.New("batch processor already running")

const cronName = "retry-batch"

// Runner executes one job attempt.
type Runner interface {
	Execute(ctx context.Context, job *domain.Job, trigger domain.RetryTrigger) (*executor.Result, error)
}

// Queue is the part of the scheduler the processor needs.
type Queue interface {
	DueJobs(ctx context.Context, limit int) ([]*domain.Job, error)
	MarkFailed(ctx context.Context, jobID, reason string, class domain.ErrorClass) error
}

// StatsPublisher stores the last run summary for other instances.
type StatsPublisher interface {
	PutStats(ctx context.Context, name string, payload []byte, ttl time.Duration) error
}

// StatsReader reads what a StatsPublisher stored.
type StatsReader interface {
	GetStats(ctx context.Context, name string) ([]byte, error)
}

// LastPublished returns the latest run summary published by any instance, or
// nil when none is stored.
func LastPublished(ctx context.Context, r StatsReader) (*Result, error) {
	payload, err := r.GetStats(ctx, cronName)
	if err != nil || payload == nil {
		return nil, err
	}
	var res Result
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, errors.Wrap(err, "decode run summary")
	}
	return &res, nil
}

// Config holds the processor knobs.
type Config struct {
	BatchSize        int           `yaml:"batch_size"        env:"RETRY_BATCH_SIZE"`
	MaxConcurrent    int           `yaml:"max_concurrent"    env:"RETRY_MAX_CONCURRENT"`
	TimeoutMinutes   int           `yaml:"timeout_minutes"   env:"RETRY_TIMEOUT_MINUTES"`
	InterBatchPause  time.Duration `yaml:"inter_batch_pause" env:"RETRY_INTER_BATCH_PAUSE"`
	Interval         time.Duration `yaml:"interval"          env:"RETRY_CRON_INTERVAL"`
	CleanupGrace     time.Duration `yaml:"cleanup_grace"`
	HealthMonitoring bool          `yaml:"health_monitoring"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:        5,
		MaxConcurrent:    3,
		TimeoutMinutes:   30,
		InterBatchPause:  time.Second,
		Interval:         5 * time.Minute,
		CleanupGrace:     15 * time.Second,
		HealthMonitoring: true,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.TimeoutMinutes <= 0 {
		c.TimeoutMinutes = def.TimeoutMinutes
	}
	if c.InterBatchPause < 0 {
		c.InterBatchPause = 0
	}
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.CleanupGrace <= 0 {
		c.CleanupGrace = def.CleanupGrace
	}
	return c
}

// JobResult is the outcome of one job within a run.
type JobResult struct {
	JobID    string            `json:"job_id"`
	UserID   string            `json:"user_id"`
	Success  bool              `json:"success"`
	TimedOut bool              `json:"timed_out,omitempty"`
	Skipped  bool              `json:"skipped,omitempty"`
	Action   string            `json:"action,omitempty"`
	Class    domain.ErrorClass `json:"error_class,omitempty"`
	Error    string            `json:"error,omitempty"`
	Duration time.Duration     `json:"duration"`
}

// Result summarises one run.
type Result struct {
	RunID      string          `json:"run_id"`
	Success    bool            `json:"success"`
	Processed  int             `json:"processed"`
	Successful int             `json:"successful"`
	Failed     int             `json:"failed"`
	TimedOut   int             `json:"timed_out"`
	Skipped    int             `json:"skipped"`
	Message    string          `json:"message"`
	Jobs       []JobResult     `json:"jobs,omitempty"`
	Duration   time.Duration   `json:"duration"`
	StartedAt  time.Time       `json:"started_at"`
	Before     *SystemSnapshot `json:"system_before,omitempty"`
	After      *SystemSnapshot `json:"system_after,omitempty"`
}

// Stats accumulates over the process lifetime.
type Stats struct {
	Running         bool      `json:"running"`
	Runs            int       `json:"runs"`
	TotalProcessed  int       `json:"total_processed"`
	TotalSuccessful int       `json:"total_successful"`
	TotalFailed     int       `json:"total_failed"`
	TotalTimedOut   int       `json:"total_timed_out"`
	LastRunAt       time.Time `json:"last_run_at"`
	LastResult      *Result   `json:"last_result,omitempty"`
}

// Processor runs due retries.
type Processor struct {
	cfg       Config
	queue     Queue
	runner    Runner
	locker    Locker
	publisher StatsPublisher
	notifier  notify.Notifier
	log       *slog.Logger

	running        atomic.Bool
	attemptTimeout time.Duration

	mu    sync.RWMutex
	stats Stats

	now      func() time.Time
	snapshot func(ctx context.Context) *SystemSnapshot
}

// Option customises a Processor.
type Option func(*Processor)

// WithLocker adds cross-process single flight and per-user locks.
func WithLocker(l Locker) Option { return func(p *Processor) { p.locker = l } }

// WithStatsPublisher publishes each run summary.
func WithStatsPublisher(sp StatsPublisher) Option { return func(p *Processor) { p.publisher = sp } }

// WithNotifier reports timeouts.
func WithNotifier(n notify.Notifier) Option { return func(p *Processor) { p.notifier = n } }

// NewProcessor creates a processor.
func NewProcessor(cfg Config, queue Queue, runner Runner, opts ...Option) *Processor {
	p := &Processor{
		cfg:      cfg.withDefaults(),
		queue:    queue,
		runner:   runner,
		notifier: notify.Nop{},
		log:      slog.Default().With("component", "batch"),
		now:      time.Now,
		snapshot: TakeSnapshot,
	}
	p.attemptTimeout = time.Duration(p.cfg.TimeoutMinutes) * time.Minute
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Execute performs one run. A concurrent call returns at once with
// Success false and ErrAlreadyRunning.
func (p *Processor) Execute(ctx context.Context) (*Result, error) {
	start := p.now()
	res := &Result{RunID: uuid.New().String(), StartedAt: start}

	if !p.running.CompareAndSwap(false, true) {
		res.Message = "already running"
		metrics.BatchRuns.WithLabelValues("skipped").Inc()
		return res, ErrAlreadyRunning
	}
	defer p.running.Store(false)

	if p.locker != nil {
		lock, err := p.locker.TryLockCron(ctx, cronName, p.runTTL())
		if err != nil {
			res.Message = "lock unavailable: " + err.Error()
			metrics.BatchRuns.WithLabelValues("error").Inc()
			return res, errors.Wrap(err, "acquire cron lock")
		}
		if lock == nil {
			res.Message = "already running"
			metrics.BatchRuns.WithLabelValues("skipped").Inc()
			return res, ErrAlreadyRunning
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				p.log.Warn("Failed to release cron lock", "error", err)
			}
		}()
	}

	metrics.BatchRunning.Set(1)
	defer metrics.BatchRunning.Set(0)
	p.setRunning(true)
	defer p.setRunning(false)

	log := p.log.With("run_id", res.RunID)
	if p.cfg.HealthMonitoring {
		res.Before = p.snapshot(ctx)
	}

	jobs, err := p.queue.DueJobs(ctx, p.cfg.BatchSize)
	if err != nil {
		res.Message = "failed to load due jobs: " + err.Error()
		metrics.BatchRuns.WithLabelValues("error").Inc()
		return res, errors.Wrap(err, "load due jobs")
	}
	if len(jobs) == 0 {
		res.Success = true
		res.Message = "no jobs due"
		res.Duration = p.now().Sub(start)
		metrics.BatchRuns.WithLabelValues("empty").Inc()
		p.finish(ctx, res)
		return res, nil
	}

	waves := partition(jobs, p.cfg.MaxConcurrent)
	log.Info("Processing due jobs", "jobs", len(jobs), "waves", len(waves))

	for i, wave := range waves {
		if i > 0 {
			if err := sleepCtx(ctx, p.cfg.InterBatchPause); err != nil {
				log.Warn("Run interrupted between waves", "error", err)
				break
			}
		}
		for _, jr := range p.runWave(ctx, wave) {
			res.add(jr)
		}
	}

	if p.cfg.HealthMonitoring {
		res.After = p.snapshot(ctx)
	}
	res.Success = true
	res.Duration = p.now().Sub(start)
	res.Message = fmt.Sprintf("processed %d jobs: %d successful, %d failed, %d timed out",
		res.Processed, res.Successful, res.Failed, res.TimedOut)

	metrics.BatchRuns.WithLabelValues("completed").Inc()
	metrics.BatchDuration.Observe(res.Duration.Seconds())
	log.Info("Batch finished",
		"processed", res.Processed,
		"successful", res.Successful,
		"failed", res.Failed,
		"timed_out", res.TimedOut,
		"skipped", res.Skipped,
		"duration", res.Duration.Round(time.Millisecond),
	)
	p.finish(ctx, res)
	return res, nil
}

// Run calls Execute every Interval until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := p.Execute(ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			p.log.Error("Batch run failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stats returns a copy of the lifetime counters.
func (p *Processor) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

// Running reports whether a run is in progress in this process.
func (p *Processor) Running() bool {
	return p.running.Load()
}

func (p *Processor) runWave(ctx context.Context, wave []*domain.Job) []JobResult {
	out := make([]JobResult, len(wave))
	var g errgroup.Group
	for i, job := range wave {
		g.Go(func() error {
			out[i] = p.runJob(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

type attemptOutcome struct {
	res *executor.Result
	err error
}

func (p *Processor) runJob(ctx context.Context, job *domain.Job) JobResult {
	start := p.now()
	jr := JobResult{JobID: job.ID, UserID: job.UserID}
	log := p.log.With("job_id", job.ID, "user_id", job.UserID)

	if p.locker != nil {
		lock, err := p.locker.TryLockUser(ctx, job.UserID, p.jobTimeout()+p.cfg.CleanupGrace)
		if err != nil {
			log.Warn("User lock unavailable, running without it", "error", err)
		} else if lock == nil {
			log.Info("User busy on another instance, deferring job")
			jr.Skipped = true
			return jr
		} else {
			defer func() {
				if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
					log.Warn("Failed to release user lock", "error", err)
				}
			}()
		}
	}

	jctx, cancel := context.WithTimeout(ctx, p.jobTimeout())
	defer cancel()

	done := make(chan attemptOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("Job panicked", "panic", r, "stack", string(debug.Stack()))
				done <- attemptOutcome{err: errors.Newf("panic: %v", r)}
			}
		}()
		res, err := p.runner.Execute(jctx, job, triggerOf(job))
		done <- attemptOutcome{res: res, err: err}
	}()

	var out attemptOutcome
	select {
	case out = <-done:
	case <-jctx.Done():
		grace := time.NewTimer(p.cfg.CleanupGrace)
		select {
		case out = <-done:
		case <-grace.C:
			log.Warn("Job did not stop within cleanup grace", "grace", p.cfg.CleanupGrace)
		}
		grace.Stop()
	}

	jr.Duration = p.now().Sub(start)
	// an attempt cut off by the deadline never reached the scheduler
	if jctx.Err() != nil && (out.res == nil || out.res.Decision == nil) {
		return p.timeout(ctx, job, jr)
	}

	if out.res != nil {
		jr.Success = out.res.Success
		jr.Class = out.res.ErrorClass
		if out.res.Decision != nil {
			jr.Action = string(out.res.Decision.Action)
		}
	}
	if out.err != nil {
		jr.Success = false
		jr.Error = out.err.Error()
		if jr.Class == "" {
			jr.Class = executor.ClassOf(out.err)
		}
	} else if out.res != nil && !out.res.Success {
		jr.Error = out.res.FailureReason
	}
	return jr
}

// triggerOf reports what queued the job's next attempt.
func triggerOf(job *domain.Job) domain.RetryTrigger {
	if job.RetryTrigger != "" {
		return job.RetryTrigger
	}
	return domain.TriggerCron
}

// timeout forces the job into failed. RecoverStale feeds it back to the
// scheduler later.
func (p *Processor) timeout(ctx context.Context, job *domain.Job, jr JobResult) JobResult {
	reason := fmt.Sprintf("job processing timeout after %d minutes", p.cfg.TimeoutMinutes)
	if ctx.Err() != nil {
		reason = "job processing interrupted: " + ctx.Err().Error()
	}
	jr.TimedOut = true
	jr.Class = domain.ErrorClassTimeout
	jr.Error = reason

	wctx := context.WithoutCancel(ctx)
	if err := p.queue.MarkFailed(wctx, job.ID, reason, domain.ErrorClassTimeout); err != nil {
		p.log.Error("Failed to mark timed out job", "job_id", job.ID, "error", err)
	}
	metrics.JobsProcessed.WithLabelValues("timeout").Inc()
	p.notifier.Notify(wctx, notify.Event{
		Kind:       notify.KindBatchTimeout,
		Severity:   notify.SeverityWarning,
		Title:      "Job timed out",
		Message:    reason,
		UserID:     job.UserID,
		JobID:      job.ID,
		OccurredAt: p.now(),
	})
	p.log.Warn("Job timed out", "job_id", job.ID, "reason", reason)
	return jr
}

func (r *Result) add(jr JobResult) {
	r.Jobs = append(r.Jobs, jr)
	switch {
	case jr.Skipped:
		r.Skipped++
		return
	case jr.TimedOut:
		r.TimedOut++
		r.Failed++
	case jr.Success:
		r.Successful++
	default:
		r.Failed++
	}
	r.Processed++
}

func (p *Processor) finish(ctx context.Context, res *Result) {
	p.mu.Lock()
	p.stats.Runs++
	p.stats.TotalProcessed += res.Processed
	p.stats.TotalSuccessful += res.Successful
	p.stats.TotalFailed += res.Failed
	p.stats.TotalTimedOut += res.TimedOut
	p.stats.LastRunAt = res.StartedAt
	p.stats.LastResult = res
	p.mu.Unlock()

	if p.publisher == nil {
		return
	}
	payload, err := json.Marshal(res)
	if err != nil {
		p.log.Warn("Failed to encode run summary", "error", err)
		return
	}
	if err := p.publisher.PutStats(context.WithoutCancel(ctx), cronName, payload, 24*time.Hour); err != nil {
		p.log.Warn("Failed to publish run summary", "error", err)
	}
}

func (p *Processor) setRunning(v bool) {
	p.mu.Lock()
	p.stats.Running = v
	p.mu.Unlock()
}

func (p *Processor) jobTimeout() time.Duration {
	return p.attemptTimeout
}

// runTTL bounds the cron lock so a crashed instance cannot hold it forever.
func (p *Processor) runTTL() time.Duration {
	waves := (p.cfg.BatchSize + p.cfg.MaxConcurrent - 1) / p.cfg.MaxConcurrent
	return time.Duration(waves)*(p.jobTimeout()+p.cfg.CleanupGrace+p.cfg.InterBatchPause) + time.Minute
}

// partition splits jobs into waves of at most size, never putting two jobs of
// the same user in one wave. Order is kept within the constraint.
func partition(jobs []*domain.Job, size int) [][]*domain.Job {
	var waves [][]*domain.Job
	remaining := jobs
	for len(remaining) > 0 {
		var wave, deferred []*domain.Job
		users := make(map[string]bool)
		for _, j := range remaining {
			if len(wave) < size && !users[j.UserID] {
				wave = append(wave, j)
				users[j.UserID] = true
				continue
			}
			deferred = append(deferred, j)
		}
		waves = append(waves, wave)
		remaining = deferred
	}
	return waves
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
