package domain

// ErrorClass classifies why an attempt failed. Retry decisions are keyed off it.
type ErrorClass string

const (
	// Infrastructure
	ErrorClassProxy           ErrorClass = "proxy"
	ErrorClassBrowser         ErrorClass = "browser"
	ErrorClassNavigation      ErrorClass = "navigation"
	ErrorClassConnection      ErrorClass = "connection"
	ErrorClassNetwork         ErrorClass = "network"
	ErrorClassTimeout         ErrorClass = "timeout"
	ErrorClassRateLimit       ErrorClass = "rate_limit"
	ErrorClassElementNotFound ErrorClass = "element_not_found"
	ErrorClassExecution       ErrorClass = "execution"
	ErrorClassUnknown         ErrorClass = "unknown"

	// Security detection
	ErrorClassSecurityDetection ErrorClass = "security_detection"
	ErrorClassCaptcha           ErrorClass = "captcha"

	// Business rules, always terminal
	ErrorClassInvalidCredentials ErrorClass = "invalid_credentials"
	ErrorClassProfileNotFound    ErrorClass = "profile_not_found"
	ErrorClassAlreadyConnected   ErrorClass = "already_connected"
	ErrorClassAccountSuspended   ErrorClass = "account_suspended"
	ErrorClassUserBlocked        ErrorClass = "user_blocked"
)

// IsBusinessRule reports whether the class can never succeed on retry.
func (c ErrorClass) IsBusinessRule() bool {
	switch c {
	case ErrorClassInvalidCredentials,
		ErrorClassProfileNotFound,
		ErrorClassAlreadyConnected,
		ErrorClassAccountSuspended,
		ErrorClassUserBlocked:
		return true
	}
	return false
}

// IsSecurity reports whether the class is an anti-automation defence.
func (c ErrorClass) IsSecurity() bool {
	return c == ErrorClassSecurityDetection || c == ErrorClassCaptcha
}
