package executor

import (
	"context"
	"fmt"

	"github.com/vietddude/outreach/internal/core/domain"
	"github.com/vietddude/outreach/internal/core/errors"
	"github.com/vietddude/outreach/internal/infra/browser"
)

// Step names one stage of an attempt.
type Step string

const (
	StepInitProxy      Step = "init_proxy"
	StepInitSession    Step = "init_session"
	StepNavigate       Step = "navigate"
	StepSecurityScan   Step = "security_scan"
	StepSimulate       Step = "simulate_behavior"
	StepPerformAction  Step = "perform_action"
	StepSendFollowup   Step = "send_followup"
	StepRecordOutcomes Step = "record_outcomes"
	StepRetryDecision  Step = "retry_decision"
	StepCleanup        Step = "cleanup"
)

// Error is a classified attempt failure.
type Error struct {
	Class         domain.ErrorClass
	JobID         string
	Step          Step
	Err           error
	ScreenshotRef string
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s error at %s", e.Class, e.Step)
	}
	return fmt.Sprintf("%s error at %s: %v", e.Class, e.Step, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// SecurityDetectionError is raised when the challenge detector flags the page.
type SecurityDetectionError struct {
	Type        string
	Confidence  float64
	EvidenceRef string
	JobID       string
}

func (e *SecurityDetectionError) Error() string {
	return fmt.Sprintf("security detection %s (confidence %.2f)", e.Type, e.Confidence)
}

// Class maps captcha findings to their own class so policies can treat them
// apart. A restricted account is terminal, not a challenge to wait out.
func (e *SecurityDetectionError) Class() domain.ErrorClass {
	switch e.Type {
	case browser.DetectionCaptcha:
		return domain.ErrorClassCaptcha
	case browser.DetectionRestricted:
		return domain.ErrorClassAccountSuspended
	}
	return domain.ErrorClassSecurityDetection
}

func newError(class domain.ErrorClass, jobID string, step Step, err error) *Error {
	return &Error{Class: class, JobID: jobID, Step: step, Err: err}
}

func ProxyError(jobID string, err error) *Error {
	return newError(domain.ErrorClassProxy, jobID, StepInitProxy, err)
}

func BrowserError(jobID string, step Step, err error) *Error {
	return newError(domain.ErrorClassBrowser, jobID, step, err)
}

func NavigationError(jobID string, err error) *Error {
	return newError(domain.ErrorClassNavigation, jobID, StepNavigate, err)
}

func ElementNotFoundError(jobID string, step Step, err error) *Error {
	return newError(domain.ErrorClassElementNotFound, jobID, step, err)
}

func ConnectionError(jobID string, err error) *Error {
	return newError(domain.ErrorClassConnection, jobID, StepPerformAction, err)
}

// ExecutionError is the catch-all class.
func ExecutionError(jobID string, step Step, err error) *Error {
	return newError(domain.ErrorClassExecution, jobID, step, err)
}

// RuleError reports a business-rule outcome such as already_connected.
func RuleError(class domain.ErrorClass, jobID string, step Step, err error) *Error {
	return newError(class, jobID, step, err)
}

// ClassOf returns the ErrorClass of any error an attempt can produce.
func ClassOf(err error) domain.ErrorClass {
	if err == nil {
		return ""
	}
	var sec *SecurityDetectionError
	if errors.As(err, &sec) {
		return sec.Class()
	}
	var e *Error
	if errors.As(err, &e) && e.Class != "" {
		// a deadline inside any step is a timeout, whatever the step wrapped it as
		if errors.Is(e.Err, context.DeadlineExceeded) {
			return domain.ErrorClassTimeout
		}
		return e.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrorClassTimeout
	}
	return domain.ErrorClassUnknown
}
