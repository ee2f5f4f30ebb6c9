package executor

import (
	"github.com/vietddude/outreach/internal/infra/browser"
)

var viewports = []browser.Viewport{
	{Width: 1920, Height: 1080},
	{Width: 1536, Height: 864},
	{Width: 1440, Height: 900},
	{Width: 1366, Height: 768},
	{Width: 1280, Height: 800},
}

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36",
}

// randomIdentity picks a viewport and user agent independently.
func randomIdentity(rnd func() float64) browser.Identity {
	return browser.Identity{
		UserAgent: userAgents[pick(rnd, len(userAgents))],
		Viewport:  viewports[pick(rnd, len(viewports))],
		Locale:    "en-US",
	}
}

func pick(rnd func() float64, n int) int {
	i := int(rnd() * float64(n))
	return min(max(i, 0), n-1)
}
