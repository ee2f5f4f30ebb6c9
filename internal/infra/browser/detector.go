package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Detection types reported by the heuristic detector.
const (
	DetectionCheckpoint   = "checkpoint"
	DetectionCaptcha      = "captcha"
	DetectionLoginWall    = "login_wall"
	DetectionVerification = "security_verification"
	DetectionRestricted   = "account_restricted"
)

// pageProbe collects what the heuristics look at in one round trip.
const pageProbe = `(() => ({
  url: location.href,
  title: document.title,
  captcha: !!document.querySelector('iframe[src*="captcha"], #captcha-internal, .g-recaptcha, [data-sitekey]'),
  restricted: /your account (has been|is) restricted/i.test(document.body ? document.body.innerText : "")
}))()`

type probeResult struct {
	URL        string `json:"url"`
	Title      string `json:"title"`
	Captcha    bool   `json:"captcha"`
	Restricted bool   `json:"restricted"`
}

// HeuristicDetector flags LinkedIn challenge pages by URL, title and DOM markers.
type HeuristicDetector struct {
	// CaptureEvidence takes a screenshot of positive findings.
	CaptureEvidence bool
}

// Scan implements Detector.
func (d *HeuristicDetector) Scan(ctx context.Context, s Session) (*Detection, error) {
	raw, err := s.Evaluate(ctx, pageProbe)
	if err != nil {
		return nil, err
	}
	var probe probeResult
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("parse page probe: %w", err)
	}

	det := classify(probe)
	if det == nil {
		return nil, nil
	}
	if d.CaptureEvidence {
		if ref, err := s.Screenshot(ctx); err == nil {
			det.EvidenceRef = ref
		}
	}
	return det, nil
}

func classify(p probeResult) *Detection {
	path := ""
	if u, err := url.Parse(p.URL); err == nil {
		path = strings.ToLower(u.Path)
	}
	title := strings.ToLower(p.Title)

	switch {
	case p.Restricted:
		return &Detection{Type: DetectionRestricted, Confidence: 0.95}
	case strings.HasPrefix(path, "/checkpoint/challenge"):
		return &Detection{Type: DetectionCheckpoint, Confidence: 0.95}
	case p.Captcha || strings.Contains(path, "captcha"):
		return &Detection{Type: DetectionCaptcha, Confidence: 0.9}
	case strings.Contains(title, "security verification") || strings.Contains(title, "security check"):
		return &Detection{Type: DetectionVerification, Confidence: 0.85}
	case strings.HasPrefix(path, "/checkpoint"):
		return &Detection{Type: DetectionCheckpoint, Confidence: 0.8}
	case strings.HasPrefix(path, "/authwall") || strings.HasPrefix(path, "/login") || strings.HasPrefix(path, "/uas/login"):
		return &Detection{Type: DetectionLoginWall, Confidence: 0.7}
	}
	return nil
}
