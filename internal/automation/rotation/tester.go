package rotation

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/vietddude/outreach/internal/core/domain"
	"github.com/vietddude/outreach/internal/core/errors"
)

// TestResult is the outcome of probing one proxy.
type TestResult struct {
	ProxyID    string        `json:"proxy_id"`
	OK         bool          `json:"ok"`
	StatusCode int           `json:"status_code,omitempty"`
	Latency    time.Duration `json:"latency"`
	Error      string        `json:"error,omitempty"`
}

// DefaultTestURL is fetched through a proxy when no target is configured.
const DefaultTestURL = "https://www.linkedin.com/robots.txt"

// Tester probes proxies by fetching a target URL through them.
type Tester struct {
	engine  *Engine
	target  string
	timeout time.Duration
}

// NewTester creates a tester. target defaults to DefaultTestURL.
func NewTester(engine *Engine, target string, timeout time.Duration) *Tester {
	if target == "" {
		target = DefaultTestURL
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Tester{engine: engine, target: target, timeout: timeout}
}

// Test marks the proxy testing, probes it, and leaves it active or inactive
// depending on the result. The pool-wide counters record the probe.
func (t *Tester) Test(ctx context.Context, proxyID string) (*TestResult, error) {
	e := t.engine
	proxy, err := e.proxies.Get(ctx, proxyID)
	if err != nil {
		return nil, errors.Wrapf(err, "load proxy %s", proxyID)
	}
	if err := e.proxies.UpdateStatus(ctx, proxyID, domain.ProxyStatusTesting); err != nil {
		return nil, errors.Wrapf(err, "mark proxy %s testing", proxyID)
	}

	res := t.probe(ctx, proxy)

	status := domain.ProxyStatusActive
	if !res.OK {
		status = domain.ProxyStatusInactive
	}
	// the probe result is kept even if the caller cancelled meanwhile
	wctx := context.WithoutCancel(ctx)
	if err := e.proxies.UpdateStatus(wctx, proxyID, status); err != nil {
		return res, errors.Wrapf(err, "mark proxy %s %s", proxyID, status)
	}
	if err := e.proxies.RecordUsage(wctx, proxyID, res.OK); err != nil {
		e.log.Warn("Failed to record proxy probe", "proxy_id", proxyID, "error", err)
	}

	e.log.Info("Proxy tested",
		"proxy_id", proxyID,
		"ok", res.OK,
		"latency", res.Latency,
		"error", res.Error,
	)
	return res, nil
}

// TestAll probes every proxy that is not banned.
func (t *Tester) TestAll(ctx context.Context) ([]*TestResult, error) {
	proxies, err := t.engine.proxies.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list proxies")
	}
	var out []*TestResult
	for _, p := range proxies {
		if p.Status == domain.ProxyStatusBanned {
			continue
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := t.Test(ctx, p.ID)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

func (t *Tester) probe(ctx context.Context, proxy *domain.ProxyRecord) *TestResult {
	res := &TestResult{ProxyID: proxy.ID}

	proxyURL := &url.URL{Scheme: "http", Host: proxy.Endpoint}
	if proxy.Username != "" {
		proxyURL.User = url.UserPassword(proxy.Username, proxy.Password)
	}
	client := &http.Client{
		Timeout:   t.timeout,
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
	}
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.target, nil)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	start := time.Now()
	resp, err := client.Do(req)
	res.Latency = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	res.StatusCode = resp.StatusCode
	if resp.StatusCode >= 400 {
		res.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		return res
	}
	res.OK = true
	return res
}
