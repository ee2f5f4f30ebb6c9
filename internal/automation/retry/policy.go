package retry

import (
	"cmp"
	"slices"

	"github.com/vietddude/outreach/internal/core/domain"
	"github.com/vietddude/outreach/internal/core/errors"
)

// selectPolicy returns the highest-priority policy matching the lookup, or
// fallback when none does. Equal priorities keep the incoming order.
func selectPolicy(
	policies []domain.RetryPolicy,
	jobType string,
	class domain.ErrorClass,
	userTier string,
	fallback domain.RetryPolicy,
) domain.RetryPolicy {
	ordered := slices.Clone(policies)
	slices.SortStableFunc(ordered, func(a, b domain.RetryPolicy) int {
		return cmp.Compare(b.Priority, a.Priority)
	})
	for _, p := range ordered {
		if p.Active && p.Matches(jobType, class, userTier) {
			return p
		}
	}
	return fallback
}

// ValidatePolicy rejects policies the scheduler cannot apply.
func ValidatePolicy(p *domain.RetryPolicy) error {
	switch {
	case p.Name == "":
		return errors.New("policy name is required")
	case p.MaxAttempts < 1:
		return errors.Newf("policy %q: max_attempts must be at least 1", p.Name)
	case p.BaseDelay <= 0:
		return errors.Newf("policy %q: base_delay must be positive", p.Name)
	case p.MaxDelay > 0 && p.MaxDelay < p.BaseDelay:
		return errors.Newf("policy %q: max_delay is below base_delay", p.Name)
	}
	switch p.Strategy {
	case domain.BackoffExponential, domain.BackoffLinear, domain.BackoffFixed:
	default:
		return errors.Newf("policy %q: unknown strategy %q", p.Name, p.Strategy)
	}
	return nil
}
