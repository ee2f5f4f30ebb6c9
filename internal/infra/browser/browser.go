// Package browser talks to the remote browser-automation sidecar that owns
// the real Chromium instances. The sidecar exposes sessions over HTTP; each
// session routes its traffic through the proxy it was opened with.
package browser

import (
	"context"
	"encoding/json"
)

// Viewport is the window size presented to the site.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Identity is the client fingerprint a session presents.
type Identity struct {
	UserAgent string   `json:"user_agent"`
	Viewport  Viewport `json:"viewport"`
	Locale    string   `json:"locale,omitempty"`
	Timezone  string   `json:"timezone,omitempty"`
}

// ProxySettings routes a session through an egress proxy.
type ProxySettings struct {
	Server   string `json:"server"` // host:port
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// SessionOptions configures a new session.
type SessionOptions struct {
	Proxy    *ProxySettings `json:"proxy,omitempty"`
	Identity Identity       `json:"identity"`
	UserID   string         `json:"user_id,omitempty"`
}

// Page describes where a navigation landed.
type Page struct {
	URL        string `json:"url"`
	Title      string `json:"title"`
	StatusCode int    `json:"status"`
}

// Detection is a positive challenge-detector finding.
type Detection struct {
	Type        string  `json:"type"`
	Confidence  float64 `json:"confidence"`
	EvidenceRef string  `json:"evidence_ref,omitempty"`
}

// ActionResult is the soft outcome of a business action. Done is false when
// the action could not be completed without an infrastructure fault; Code
// then names the reason (for example "already_connected").
type ActionResult struct {
	Done   bool   `json:"done"`
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Browser opens sessions.
type Browser interface {
	OpenSession(ctx context.Context, opts SessionOptions) (Session, error)
}

// Session is one isolated browser context. Close must be safe to call more
// than once and after ctx has been cancelled.
type Session interface {
	ID() string
	Navigate(ctx context.Context, url string) (*Page, error)
	Evaluate(ctx context.Context, expression string) (json.RawMessage, error)
	Screenshot(ctx context.Context) (string, error)
	Close(ctx context.Context) error
}

// Detector scans the current page of a session for anti-automation challenges.
// A nil Detection means the page is clean.
type Detector interface {
	Scan(ctx context.Context, s Session) (*Detection, error)
}

// Actor performs LinkedIn business actions inside a session.
type Actor interface {
	Connect(ctx context.Context, s Session, profileURL, note string) (*ActionResult, error)
	Message(ctx context.Context, s Session, profileURL, text string) (*ActionResult, error)
}
