package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/vietddude/outreach/internal/core/domain"
)

// jitterFraction bounds the additive jitter as a share of the capped delay.
const jitterFraction = 0.10

// minDelay keeps next_retry_at strictly in the future.
const minDelay = time.Second

// Backoff computes delays and retryability for one resolved policy.
type Backoff struct {
	Policy domain.RetryPolicy
	// Rand returns a value in [0, 1). Defaults to math/rand.
	Rand func() float64
}

// GetDelay returns the delay before the attempt after attempt n (1-indexed).
//
//	exponential: base * 2^n
//	linear:      base * (n+1)
//	fixed:       base
//
// The result is capped at MaxDelay; jitter is added after the cap.
func (b Backoff) GetDelay(attempt int) time.Duration {
	base := float64(b.Policy.BaseDelay)

	var delay float64
	switch b.Policy.Strategy {
	case domain.BackoffLinear:
		delay = base * float64(attempt+1)
	case domain.BackoffFixed:
		delay = base
	default:
		delay = base * math.Pow(2, float64(attempt))
	}

	if b.Policy.MaxDelay > 0 && delay > float64(b.Policy.MaxDelay) {
		delay = float64(b.Policy.MaxDelay)
	}

	if b.Policy.JitterEnabled {
		rnd := b.Rand
		if rnd == nil {
			rnd = rand.Float64
		}
		delay += rnd() * delay * jitterFraction
	}

	d := time.Duration(delay)
	if d < minDelay {
		return minDelay
	}
	return d
}

// Retryable reports whether the policy allows another attempt for the class.
// Business-rule classes are never retryable.
func (b Backoff) Retryable(class domain.ErrorClass) bool {
	p := b.Policy
	switch class {
	case domain.ErrorClassInvalidCredentials,
		domain.ErrorClassProfileNotFound,
		domain.ErrorClassAlreadyConnected,
		domain.ErrorClassAccountSuspended,
		domain.ErrorClassUserBlocked:
		return false
	case domain.ErrorClassSecurityDetection:
		return p.RetryOnSecurityDetection
	case domain.ErrorClassCaptcha:
		return p.RetryOnCaptcha
	case domain.ErrorClassRateLimit:
		return p.RetryOnRateLimit
	case domain.ErrorClassProxy:
		return p.RetryOnProxyError
	case domain.ErrorClassBrowser,
		domain.ErrorClassNavigation,
		domain.ErrorClassConnection,
		domain.ErrorClassNetwork,
		domain.ErrorClassTimeout:
		return p.RetryOnNetworkError
	default:
		return p.RetryOnUnknownError
	}
}

// ShouldRetry combines class retryability with the attempt budget.
// attempt is the number of attempts made so far, including the failed one.
func (b Backoff) ShouldRetry(class domain.ErrorClass, attempt int) bool {
	if !b.Retryable(class) {
		return false
	}
	return attempt < b.Policy.MaxAttempts
}
