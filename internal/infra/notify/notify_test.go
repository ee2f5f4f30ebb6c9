package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Webhook
// =============================================================================

type webhookSink struct {
	mu     sync.Mutex
	bodies []map[string]any
	status int
}

func newWebhookSink(t *testing.T) (*webhookSink, *httptest.Server) {
	t.Helper()
	s := &webhookSink{status: http.StatusOK}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		s.mu.Lock()
		s.bodies = append(s.bodies, body)
		status := s.status
		s.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *webhookSink) received() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.bodies...)
}

func TestWebhookNotifier_Delivers(t *testing.T) {
	sink, srv := newWebhookSink(t)
	n := NewWebhookNotifier(WebhookConfig{URL: srv.URL}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	n.Notify(ctx, Event{
		Kind:       KindProxyAutoDisabled,
		Severity:   SeverityWarning,
		Title:      "Proxy auto-disabled",
		Message:    "3 recent failures",
		UserID:     "user-1",
		ProxyID:    "proxy-1",
		Fields:     map[string]string{"tier": "decodo"},
		OccurredAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	cancel() // delivery must survive the caller's cancellation

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if err := n.Wait(waitCtx); err != nil {
		t.Fatalf("wait: %v", err)
	}

	got := sink.received()
	if len(got) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(got))
	}
	body := got[0]
	if body["kind"] != string(KindProxyAutoDisabled) || body["user_id"] != "user-1" {
		t.Errorf("unexpected payload %v", body)
	}
	if body["occurred_at"] != "2026-01-02T03:04:05Z" {
		t.Errorf("unexpected timestamp %v", body["occurred_at"])
	}
	if text, _ := body["text"].(string); !strings.Contains(text, "Proxy auto-disabled: 3 recent failures") {
		t.Errorf("unexpected text %q", text)
	}
	if fields, _ := body["fields"].(map[string]any); fields["tier"] != "decodo" {
		t.Errorf("fields not forwarded: %v", body["fields"])
	}
}

func TestWebhookNotifier_RateLimited(t *testing.T) {
	sink, srv := newWebhookSink(t)
	n := NewWebhookNotifier(WebhookConfig{URL: srv.URL, PerMinute: 1, Burst: 2}, nil)

	for i := 0; i < 5; i++ {
		n.Notify(context.Background(), Event{Kind: KindBatchTimeout, Title: "timeout"})
	}
	if err := n.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got := len(sink.received()); got != 2 {
		t.Errorf("expected burst of 2 deliveries, got %d", got)
	}
}

func TestWebhookNotifier_ErrorStatusIsLogged(t *testing.T) {
	sink, srv := newWebhookSink(t)
	sink.status = http.StatusInternalServerError

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	n := NewWebhookNotifier(WebhookConfig{URL: srv.URL}, log)

	n.Notify(context.Background(), Event{Kind: KindPermanentFailure, Title: "job failed"})
	if err := n.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !strings.Contains(buf.String(), "webhook returned status 500") {
		t.Errorf("expected delivery error in log, got %q", buf.String())
	}
}

func TestFormatText(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		want  string
	}{
		{"critical", Event{Severity: SeverityCritical, Title: "No proxy", Message: "user-1"}, "🚨 No proxy: user-1"},
		{"warning", Event{Severity: SeverityWarning, Title: "Escalation"}, "⚠️ Escalation"},
		{"info", Event{Severity: SeverityInfo, Title: "Reset"}, "ℹ️ Reset"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatText(tt.event); got != tt.want {
				t.Errorf("formatText() = %q, want %q", got, tt.want)
			}
		})
	}
}

// =============================================================================
// Log and fan-out
// =============================================================================

type countingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (c *countingNotifier) Notify(ctx context.Context, event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func TestMulti_FansOutAndSkipsNil(t *testing.T) {
	a, b := &countingNotifier{}, &countingNotifier{}
	m := Multi{a, nil, b}

	m.Notify(context.Background(), Event{Kind: KindRetryEscalation})

	if len(a.events) != 1 || len(b.events) != 1 {
		t.Errorf("expected one event each, got %d and %d", len(a.events), len(b.events))
	}
}

func TestLogNotifier_LevelFollowsSeverity(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	n.Notify(context.Background(), Event{
		Kind:     KindSecurityDetection,
		Severity: SeverityCritical,
		Title:    "Captcha",
		JobID:    "job-1",
		Fields:   map[string]string{"confidence": "0.9"},
	})

	out, _ := io.ReadAll(&buf)
	line := string(out)
	for _, want := range []string{"level=ERROR", "kind=security_detection", "job_id=job-1", "confidence=0.9"} {
		if !strings.Contains(line, want) {
			t.Errorf("log line %q missing %q", line, want)
		}
	}
}
