// Package notify delivers fire-and-forget operator notifications: admin
// escalations and security-detection alerts.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// Kind identifies what happened.
type Kind string

const (
	KindNoProxyAvailable  Kind = "no_proxy_available"
	KindRotationFailed    Kind = "rotation_failed"
	KindRetryEscalation   Kind = "retry_escalation"
	KindPermanentFailure  Kind = "permanent_failure"
	KindSecurityDetection Kind = "security_detection"
	KindProxyAutoDisabled Kind = "proxy_auto_disabled"
	KindBatchTimeout      Kind = "batch_timeout"
)

// Severity ranks events for routing.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is a single notification.
type Event struct {
	Kind       Kind
	Severity   Severity
	Title      string
	Message    string
	UserID     string
	JobID      string
	ProxyID    string
	Fields     map[string]string
	OccurredAt time.Time
}

// Notifier never blocks the caller on delivery and never reports delivery errors.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// LogNotifier writes events to the structured log.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier creates a notifier backed by the given logger.
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LogNotifier{log: log.With("component", "notify")}
}

func (n *LogNotifier) Notify(ctx context.Context, event Event) {
	attrs := []any{
		"kind", event.Kind,
		"title", event.Title,
		"message", event.Message,
	}
	if event.UserID != "" {
		attrs = append(attrs, "user_id", event.UserID)
	}
	if event.JobID != "" {
		attrs = append(attrs, "job_id", event.JobID)
	}
	if event.ProxyID != "" {
		attrs = append(attrs, "proxy_id", event.ProxyID)
	}
	for k, v := range event.Fields {
		attrs = append(attrs, k, v)
	}

	switch event.Severity {
	case SeverityCritical:
		n.log.ErrorContext(ctx, "Notification", attrs...)
	case SeverityWarning:
		n.log.WarnContext(ctx, "Notification", attrs...)
	default:
		n.log.InfoContext(ctx, "Notification", attrs...)
	}
}

// Multi fans an event out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, event)
		}
	}
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}
