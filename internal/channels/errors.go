package channels

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrorCode classifies a channel or gateway failure. Codes drive retry
// policy, monitoring labels, and the hints surfaced to users.
type ErrorCode string

const (
	// ErrCodeAuth indicates a bad token, password, or expired identity.
	ErrCodeAuth ErrorCode = "AUTH"

	// ErrCodeProtocol indicates a version mismatch or malformed frame.
	ErrCodeProtocol ErrorCode = "PROTOCOL"

	// ErrCodeRateLimit indicates the upstream service returned 429.
	ErrCodeRateLimit ErrorCode = "RATE_LIMIT"

	// ErrCodeTransient indicates a timeout, reset, or similar network
	// failure that may succeed on retry.
	ErrCodeTransient ErrorCode = "TRANSIENT_NETWORK"

	// ErrCodeNotLinked indicates the channel has no stored credentials
	// (for WhatsApp, the device was never linked or was unlinked).
	ErrCodeNotLinked ErrorCode = "NOT_LINKED"

	// ErrCodeContextOverflow indicates the agent reported its context
	// limit; the caller returns a fixed fallback reply and must not retry.
	ErrCodeContextOverflow ErrorCode = "CONTEXT_OVERFLOW"

	// ErrCodeInvalidInput indicates a schema violation or bad argument.
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// ErrCodeChatNotFound indicates the recipient is unknown to the surface.
	ErrCodeChatNotFound ErrorCode = "CHAT_NOT_FOUND"

	// ErrCodeAborted indicates cooperative cancellation; never user-visible.
	ErrCodeAborted ErrorCode = "ABORTED"

	// ErrCodeTimeout indicates a local operation deadline elapsed.
	ErrCodeTimeout ErrorCode = "TIMEOUT"

	// ErrCodeConfig indicates invalid or missing configuration.
	ErrCodeConfig ErrorCode = "CONFIG"

	// ErrCodeNotFound indicates a requested resource does not exist.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeNotSupported indicates the adapter lacks the capability.
	ErrCodeNotSupported ErrorCode = "NOT_SUPPORTED"

	// ErrCodeInternal indicates an unexpected failure.
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// ErrNotSupported is the sentinel wrapped by capability stubs.
var ErrNotSupported = errors.New("not supported by this channel")

// Error is a structured failure with a code, a human-readable message,
// and an optional wrapped cause.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
	// Hint is an actionable suggestion shown to the user, e.g. how to
	// relink WhatsApp or which recipient id was unknown.
	Hint string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Err }

// WithHint attaches an actionable suggestion and returns the error.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// IsRetryable reports whether the failure may succeed on retry.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeRateLimit, ErrCodeTransient, ErrCodeTimeout:
		return true
	default:
		return false
	}
}

// NewError creates an Error with the given code.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func ErrAuth(message string, err error) *Error      { return NewError(ErrCodeAuth, message, err) }
func ErrProtocol(message string, err error) *Error  { return NewError(ErrCodeProtocol, message, err) }
func ErrRateLimit(message string, err error) *Error { return NewError(ErrCodeRateLimit, message, err) }
func ErrTransient(message string, err error) *Error { return NewError(ErrCodeTransient, message, err) }
func ErrTimeout(message string, err error) *Error   { return NewError(ErrCodeTimeout, message, err) }
func ErrConfig(message string, err error) *Error    { return NewError(ErrCodeConfig, message, err) }
func ErrNotFound(message string, err error) *Error  { return NewError(ErrCodeNotFound, message, err) }
func ErrInternal(message string, err error) *Error  { return NewError(ErrCodeInternal, message, err) }
func ErrAborted(message string, err error) *Error   { return NewError(ErrCodeAborted, message, err) }

// ErrInvalidInput creates an invalid input error.
func ErrInvalidInput(message string, err error) *Error {
	return NewError(ErrCodeInvalidInput, message, err)
}

// ErrNotLinked creates a not-linked error carrying the relink hint.
func ErrNotLinked(channel string, err error) *Error {
	e := NewError(ErrCodeNotLinked, fmt.Sprintf("%s is not linked", channel), err)
	return e.WithHint(fmt.Sprintf("run `clawdis channels login %s` to link this device", channel))
}

// ErrContextOverflow creates a context overflow error.
func ErrContextOverflow(message string, err error) *Error {
	return NewError(ErrCodeContextOverflow, message, err)
}

// ErrChatNotFound creates a chat-not-found error with the recipient
// embedded in the hint.
func ErrChatNotFound(recipient string, err error) *Error {
	e := NewError(ErrCodeChatNotFound, fmt.Sprintf("no chat found for %q", recipient), err)
	return e.WithHint(fmt.Sprintf("check that %q is a valid recipient for this channel", recipient))
}

// GetErrorCode extracts the ErrorCode from err, or ErrCodeInternal when
// err is not a structured channel error.
func GetErrorCode(err error) ErrorCode {
	var chErr *Error
	if errors.As(err, &chErr) {
		return chErr.Code
	}
	return ErrCodeInternal
}

// transientPattern matches send-failure messages worth retrying even
// when the adapter did not classify them.
var transientPattern = regexp.MustCompile(`(?i)(429|timeout|connect|reset|closed|unavailable|temporarily)`)

// IsRetryable reports whether err represents a transient failure.
// Structured errors are classified by code; plain errors fall back to
// the transient message pattern.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var chErr *Error
	if errors.As(err, &chErr) {
		return chErr.IsRetryable()
	}
	return transientPattern.MatchString(err.Error())
}
