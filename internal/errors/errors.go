package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorCode identifies a class of gateway failure.
type ErrorCode string

const (
	// Auth path
	ErrCodeAuth        ErrorCode = "AUTH_ERROR"   // credential exchange itself failed
	ErrCodeAuthExpired ErrorCode = "AUTH_EXPIRED" // 401 persisted after a forced refresh

	// Quota / rate limiting
	ErrCodeRateLimited   ErrorCode = "RATE_LIMITED"
	ErrCodeQuotaExceeded ErrorCode = "QUOTA_EXCEEDED" // hard daily ceiling, fails fast

	// Transport / broker
	ErrCodeTransientNetwork ErrorCode = "TRANSIENT_NETWORK"
	ErrCodeBrokerRejected   ErrorCode = "BROKER_REJECTED"

	// Vendor-control bridge
	ErrCodeBridgeTimeout  ErrorCode = "BRIDGE_TIMEOUT"
	ErrCodeBridgeRejected ErrorCode = "BRIDGE_REJECTED"

	// Lifecycle
	ErrCodeCancelled ErrorCode = "CANCELLED" // caller-initiated, not a failure
	ErrCodeInternal  ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalid   ErrorCode = "INVALID_INPUT"
)

// ErrorSeverity ranks how loudly an error should be surfaced.
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// GatewayError is the structured error returned across the gateway surface.
// Callers branch on Code, never on message text.
type GatewayError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Severity  ErrorSeverity          `json:"severity"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"-"`
}

func (e *GatewayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// New creates a gateway error with severity derived from the code.
func New(code ErrorCode, message string) *GatewayError {
	return &GatewayError{
		Code:      code,
		Message:   message,
		Severity:  severityByCode(code),
		Timestamp: time.Now(),
	}
}

// Newf creates a gateway error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *GatewayError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches a gateway code to an underlying error. An existing
// GatewayError passes through unchanged so codes are assigned once.
func Wrap(err error, code ErrorCode, message string) *GatewayError {
	if err == nil {
		return nil
	}
	var ge *GatewayError
	if stderrors.As(err, &ge) {
		return ge
	}
	e := New(code, message)
	e.Cause = err
	return e
}

// WithContext adds a diagnostic key/value pair. Never put credentials here.
func (e *GatewayError) WithContext(key string, value interface{}) *GatewayError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// IsRetryable reports whether the executor may retry after this error.
func (e *GatewayError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeRateLimited, ErrCodeTransientNetwork:
		return true
	default:
		return false
	}
}

// HasCode reports whether err carries the given gateway code.
func HasCode(err error, code ErrorCode) bool {
	var ge *GatewayError
	if stderrors.As(err, &ge) {
		return ge.Code == code
	}
	return false
}

// CodeOf returns the gateway code of err, or ErrCodeInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	var ge *GatewayError
	if stderrors.As(err, &ge) {
		return ge.Code
	}
	return ErrCodeInternal
}

func severityByCode(code ErrorCode) ErrorSeverity {
	switch code {
	case ErrCodeAuth, ErrCodeQuotaExceeded:
		return SeverityCritical
	case ErrCodeAuthExpired, ErrCodeBrokerRejected, ErrCodeBridgeRejected:
		return SeverityHigh
	case ErrCodeTransientNetwork, ErrCodeBridgeTimeout:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
