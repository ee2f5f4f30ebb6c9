package notify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// WebhookConfig configures a chat-style incoming webhook.
type WebhookConfig struct {
	URL       string        `yaml:"webhook_url" env:"NOTIFY_WEBHOOK_URL"`
	PerMinute int           `yaml:"per_minute"` // deliveries above the cap are dropped, not queued
	Burst     int           `yaml:"burst"`
	Timeout   time.Duration `yaml:"timeout"`
}

// WebhookNotifier posts events as JSON to a webhook endpoint.
type WebhookNotifier struct {
	cfg     WebhookConfig
	client  *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
	wg      sync.WaitGroup
}

// NewWebhookNotifier creates a rate-limited webhook notifier.
func NewWebhookNotifier(cfg WebhookConfig, log *slog.Logger) *WebhookNotifier {
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = 30
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &WebhookNotifier{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.PerMinute)), cfg.Burst),
		log:     log.With("component", "webhook"),
	}
}

// Notify sends asynchronously. The caller's cancellation does not abort delivery.
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) {
	if !n.limiter.Allow() {
		n.log.Warn("Webhook rate limit reached, dropping notification", "kind", event.Kind)
		return
	}

	body, err := encodeEvent(event)
	if err != nil {
		n.log.Error("Failed to encode notification", "kind", event.Kind, "error", err)
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.cfg.Timeout)
		defer cancel()
		if err := n.post(sendCtx, body); err != nil {
			n.log.Error("Failed to deliver notification", "kind", event.Kind, "error", err)
		}
	}()
}

// Wait blocks until in-flight deliveries finish or ctx ends.
func (n *WebhookNotifier) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *WebhookNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func encodeEvent(event Event) ([]byte, error) {
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}

	fields := make(map[string]any, len(event.Fields))
	for k, v := range event.Fields {
		fields[k] = v
	}

	payload, err := structpb.NewStruct(map[string]any{
		"text":        formatText(event),
		"kind":        string(event.Kind),
		"severity":    string(event.Severity),
		"title":       event.Title,
		"message":     event.Message,
		"user_id":     event.UserID,
		"job_id":      event.JobID,
		"proxy_id":    event.ProxyID,
		"occurred_at": occurred.UTC().Format(time.RFC3339),
		"fields":      fields,
	})
	if err != nil {
		return nil, err
	}
	return protojson.Marshal(payload)
}

func formatText(event Event) string {
	prefix := "ℹ️"
	switch event.Severity {
	case SeverityCritical:
		prefix = "🚨"
	case SeverityWarning:
		prefix = "⚠️"
	}
	if event.Message == "" {
		return fmt.Sprintf("%s %s", prefix, event.Title)
	}
	return fmt.Sprintf("%s %s: %s", prefix, event.Title, event.Message)
}
