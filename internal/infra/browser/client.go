package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// StatusError is a non-2xx answer from the sidecar.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sidecar http %d: %s", e.StatusCode, e.Body)
}

// Client implements Browser and Actor against the sidecar HTTP API.
type Client struct {
	endpoint     string
	httpClient   *http.Client
	closeTimeout time.Duration
	log          *slog.Logger
}

// NewClient creates a sidecar client. timeout bounds each request.
func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		closeTimeout: 10 * time.Second,
		log:          slog.Default().With("component", "browser"),
	}
}

// OpenSession creates a sidecar session. The session is torn down as soon as
// ctx is cancelled, so an abandoned attempt does not leak a browser.
func (c *Client) OpenSession(ctx context.Context, opts SessionOptions) (Session, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/sessions", opts, &resp); err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("open session: sidecar returned no session id")
	}

	s := &session{client: c, id: resp.ID}
	s.stop = context.AfterFunc(ctx, func() {
		c.log.Warn("Attempt cancelled, closing browser session", "session_id", s.id)
		_ = s.Close(context.Background())
	})
	return s, nil
}

// Connect sends a connection request to the profile.
func (c *Client) Connect(ctx context.Context, s Session, profileURL, note string) (*ActionResult, error) {
	body := map[string]string{"profile_url": profileURL, "note": note}
	var res ActionResult
	if err := c.do(ctx, http.MethodPost, sessionPath(s.ID(), "actions/connect"), body, &res); err != nil {
		return nil, fmt.Errorf("connect action: %w", err)
	}
	return &res, nil
}

// Message sends a direct message to the profile.
func (c *Client) Message(ctx context.Context, s Session, profileURL, text string) (*ActionResult, error) {
	body := map[string]string{"profile_url": profileURL, "text": text}
	var res ActionResult
	if err := c.do(ctx, http.MethodPost, sessionPath(s.ID(), "actions/message"), body, &res); err != nil {
		return nil, fmt.Errorf("message action: %w", err)
	}
	return &res, nil
}

// Ping checks that the sidecar is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func sessionPath(id, suffix string) string {
	p := "/sessions/" + url.PathEscape(id)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

type session struct {
	client *Client
	id     string
	stop   func() bool

	closeOnce sync.Once
	closeErr  error
}

func (s *session) ID() string { return s.id }

func (s *session) Navigate(ctx context.Context, target string) (*Page, error) {
	var page Page
	body := map[string]string{"url": target}
	if err := s.client.do(ctx, http.MethodPost, sessionPath(s.id, "navigate"), body, &page); err != nil {
		return nil, fmt.Errorf("navigate %s: %w", target, err)
	}
	return &page, nil
}

func (s *session) Evaluate(ctx context.Context, expression string) (json.RawMessage, error) {
	var resp struct {
		Result json.RawMessage `json:"result"`
	}
	body := map[string]string{"expression": expression}
	if err := s.client.do(ctx, http.MethodPost, sessionPath(s.id, "evaluate"), body, &resp); err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	return resp.Result, nil
}

// Screenshot returns the sidecar's storage reference for the capture.
func (s *session) Screenshot(ctx context.Context) (string, error) {
	var resp struct {
		Ref string `json:"ref"`
	}
	if err := s.client.do(ctx, http.MethodPost, sessionPath(s.id, "screenshot"), nil, &resp); err != nil {
		return "", fmt.Errorf("screenshot: %w", err)
	}
	return resp.Ref, nil
}

func (s *session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.client.closeTimeout)
		defer cancel()
		err := s.client.do(cctx, http.MethodDelete, sessionPath(s.id, ""), nil, nil)
		var se *StatusError
		if err != nil && !(errors.As(err, &se) && se.StatusCode == http.StatusNotFound) {
			s.closeErr = fmt.Errorf("close session %s: %w", s.id, err)
		}
	})
	return s.closeErr
}
