package providers

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"
)

// Reason buckets a provider failure for retry and surfacing decisions.
type Reason string

const (
	ReasonBilling         Reason = "billing"
	ReasonRateLimit       Reason = "rate_limit"
	ReasonAuth            Reason = "auth"
	ReasonTimeout         Reason = "timeout"
	ReasonServerError     Reason = "server_error"
	ReasonInvalidRequest  Reason = "invalid_request"
	ReasonContextOverflow Reason = "context_overflow"
	ReasonUnavailable     Reason = "model_unavailable"
	ReasonContentFilter   Reason = "content_filter"
	ReasonUnknown         Reason = "unknown"
)

// Retryable reports whether a reason is worth another attempt against
// the same provider.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

// Error is a classified provider failure.
type Error struct {
	Reason   Reason
	Provider string
	Model    string
	Status   int
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s", e.Provider, e.Reason)
	if e.Status != 0 {
		fmt.Fprintf(&sb, " (status %d)", e.Status)
	}
	if e.Message != "" {
		fmt.Fprintf(&sb, ": %s", e.Message)
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// wrapErr classifies err and tags it with the provider and model. An
// already-classified error passes through unchanged.
func wrapErr(provider, model string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return &Error{
		Reason:   Classify(err),
		Provider: provider,
		Model:    model,
		Message:  err.Error(),
		Cause:    err,
	}
}

// statusErr builds a classified error from an HTTP-style status code.
func statusErr(provider, model string, status int, err error) error {
	reason := classifyStatus(status)
	if reason == ReasonUnknown {
		reason = Classify(err)
	}
	return &Error{
		Reason:   reason,
		Provider: provider,
		Model:    model,
		Status:   status,
		Message:  err.Error(),
		Cause:    err,
	}
}

// IsRetryable reports whether err is a transient provider failure.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Reason.Retryable()
	}
	return Classify(err).Retryable()
}

// IsContextOverflow reports whether err means the conversation no
// longer fits the model's context window.
func IsContextOverflow(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Reason == ReasonContextOverflow
	}
	return Classify(err) == ReasonContextOverflow
}

// Classify maps an arbitrary SDK error onto a Reason by message
// inspection. SDKs wrap server payloads inconsistently, so string
// matching is the portable option.
func Classify(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}

	// AWS errors carry structured codes; map those before falling back
	// to message matching. ValidationException stays with the message
	// path since oversized prompts and malformed input share it.
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return ReasonRateLimit
		case "AccessDeniedException", "UnauthorizedException", "UnrecognizedClientException":
			return ReasonAuth
		case "ModelTimeoutException":
			return ReasonTimeout
		case "ModelNotReadyException", "ResourceNotFoundException":
			return ReasonUnavailable
		case "ServiceUnavailableException", "InternalServerException":
			return ReasonServerError
		}
	}

	msg := strings.ToLower(err.Error())

	switch {
	case contains(msg, "context_length_exceeded", "maximum context length",
		"prompt is too long", "context window", "input is too long",
		"exceeds the maximum number of tokens"):
		return ReasonContextOverflow
	case contains(msg, "insufficient_quota", "billing", "payment required",
		"credit balance"):
		return ReasonBilling
	case contains(msg, "rate limit", "rate_limit", "too many requests", "429",
		"quota exceeded", "throttl"):
		return ReasonRateLimit
	case contains(msg, "invalid api key", "invalid x-api-key", "unauthorized",
		"authentication", "401", "403", "permission denied", "forbidden"):
		return ReasonAuth
	case contains(msg, "timeout", "deadline exceeded", "timed out"):
		return ReasonTimeout
	case contains(msg, "model not found", "model_not_found", "does not exist",
		"unknown model", "not supported"):
		return ReasonUnavailable
	case contains(msg, "content filter", "content_filter", "safety",
		"blocked by"):
		return ReasonContentFilter
	case contains(msg, "500", "502", "503", "504", "internal server",
		"bad gateway", "service unavailable", "overloaded"):
		return ReasonServerError
	case contains(msg, "invalid request", "invalid_request", "400",
		"malformed"):
		return ReasonInvalidRequest
	default:
		return ReasonUnknown
	}
}

func classifyStatus(status int) Reason {
	switch {
	case status == 401 || status == 403:
		return ReasonAuth
	case status == 402:
		return ReasonBilling
	case status == 404:
		return ReasonUnavailable
	case status == 408:
		return ReasonTimeout
	case status == 413:
		return ReasonContextOverflow
	case status == 429:
		return ReasonRateLimit
	case status >= 500:
		return ReasonServerError
	case status >= 400:
		return ReasonInvalidRequest
	default:
		return ReasonUnknown
	}
}

func contains(msg string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(msg, n) {
			return true
		}
	}
	return false
}
