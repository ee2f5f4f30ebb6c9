package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsProcessed tracks finished job attempts by outcome
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_jobs_processed_total",
			Help: "Total number of job attempts processed",
		},
		[]string{"outcome"}, // success, retry_scheduled, permanently_failed, failed, timeout
	)

	// JobDuration tracks how long a single attempt takes
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outreach_job_duration_seconds",
			Help:    "Job attempt duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"outcome"},
	)

	// StepFailures tracks which orchestrator step failed and why
	StepFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_step_failures_total",
			Help: "Total number of failed orchestrator steps",
		},
		[]string{"step", "error_class"},
	)

	// RetryDecisions tracks scheduler decisions
	RetryDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_retry_decisions_total",
			Help: "Total number of retry decisions",
		},
		[]string{"action", "error_class"},
	)

	// RetryDelay tracks the computed backoff delay
	RetryDelay = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outreach_retry_delay_seconds",
			Help:    "Scheduled retry backoff delay in seconds",
			Buckets: prometheus.ExponentialBuckets(60, 2, 12),
		},
	)

	// Escalations tracks escalation notifications by kind
	Escalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_escalations_total",
			Help: "Total number of escalations raised",
		},
		[]string{"kind"},
	)

	// ProxyAssignments tracks assignment attempts
	ProxyAssignments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_proxy_assignments_total",
			Help: "Total number of proxy assignment attempts",
		},
		[]string{"tier", "result"},
	)

	// ProxyOutcomes tracks recorded proxy performance events
	ProxyOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_proxy_outcomes_total",
			Help: "Total number of recorded proxy outcomes",
		},
		[]string{"proxy", "result"},
	)

	// ProxyAutoDisabled tracks automatic (proxy, user) disables
	ProxyAutoDisabled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outreach_proxy_auto_disabled_total",
			Help: "Total number of automatically disabled proxy assignments",
		},
	)

	// ProxyRotations tracks rotations by reason
	ProxyRotations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_proxy_rotations_total",
			Help: "Total number of proxy rotations",
		},
		[]string{"reason"},
	)

	// SecurityDetections tracks anti-automation challenges seen
	SecurityDetections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_security_detections_total",
			Help: "Total number of security challenges detected",
		},
		[]string{"type"},
	)

	// Invites tracks invitation outcomes recorded for warm-up tracking
	Invites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_invites_total",
			Help: "Total number of invitation outcomes",
		},
		[]string{"result"},
	)

	// BatchRuns tracks cron executions by result
	BatchRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_batch_runs_total",
			Help: "Total number of batch executions",
		},
		[]string{"result"}, // completed, skipped, error
	)

	// BatchDuration tracks a whole batch execution
	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outreach_batch_duration_seconds",
			Help:    "Batch execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	// BatchRunning is 1 while a batch is executing
	BatchRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outreach_batch_running",
			Help: "Whether a batch execution is in progress",
		},
	)

	// JobsPendingRetry mirrors the dashboard pending_retry count
	JobsPendingRetry = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outreach_jobs_pending_retry",
			Help: "Jobs waiting for their next retry",
		},
	)

	// DBConnectionPoolUsage tracks the percentage of used connections in the DB pool
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outreach_db_connection_pool_usage_percent",
			Help: "Percentage of used connections in the DB pool",
		},
	)
)
