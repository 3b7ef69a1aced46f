package llm

import (
	"errors"
	"fmt"
)

// ErrorKind classifies errors surfaced at the library boundary.
type ErrorKind string

const (
	KindAuth          ErrorKind = "auth"
	KindRateLimit     ErrorKind = "rate_limit"
	KindValidation    ErrorKind = "validation"
	KindService       ErrorKind = "service"
	KindNetwork       ErrorKind = "network"
	KindProcessing    ErrorKind = "processing"
	KindTimeout       ErrorKind = "timeout"
	KindNotFound      ErrorKind = "not_found"
	KindConfiguration ErrorKind = "configuration"
	KindCancelled     ErrorKind = "cancelled"

	// KindLLM is the catch-all for provider errors that fit no other kind.
	KindLLM ErrorKind = "llm"
)

// Error is the structured error type used across the library. Errors are
// values; handlers and HTTP layers convert thrown conditions into an Error
// at the boundary.
type Error struct {
	Kind    ErrorKind
	Message string

	// Field names the offending input for validation errors.
	Field string

	// Status is the upstream HTTP status for service errors.
	Status int

	// Stage names the pipeline stage for processing errors.
	Stage string

	// Err is the wrapped cause, if any.
	Err error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindValidation:
		if e.Field != "" {
			return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
		}
		return fmt.Sprintf("validation error: %s", e.Message)
	case KindService:
		return fmt.Sprintf("service error (status %d): %s", e.Status, e.Message)
	case KindProcessing:
		if e.Stage != "" {
			return fmt.Sprintf("processing error in %s: %s", e.Stage, e.Message)
		}
		return fmt.Sprintf("processing error: %s", e.Message)
	default:
		return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func NewAuthError(message string) *Error {
	return &Error{Kind: KindAuth, Message: message}
}

func NewRateLimitError(message string) *Error {
	return &Error{Kind: KindRateLimit, Message: message}
}

func NewValidationError(field, message string) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: message}
}

func NewServiceError(status int, message string) *Error {
	return &Error{Kind: KindService, Status: status, Message: message}
}

func NewNetworkError(message string, cause error) *Error {
	return &Error{Kind: KindNetwork, Message: message, Err: cause}
}

func NewProcessingError(stage, message string) *Error {
	return &Error{Kind: KindProcessing, Stage: stage, Message: message}
}

func NewTimeoutError(message string) *Error {
	return &Error{Kind: KindTimeout, Message: message}
}

func NewNotFoundError(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

func NewConfigurationError(message string) *Error {
	return &Error{Kind: KindConfiguration, Message: message}
}

func NewCancelledError(message string) *Error {
	return &Error{Kind: KindCancelled, Message: message}
}

func NewLLMError(message string, cause error) *Error {
	return &Error{Kind: KindLLM, Message: message, Err: cause}
}

// KindOf returns the ErrorKind of err, or KindLLM when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindLLM
}

// IsRateLimit reports whether err is a rate limit error. The client never
// retries rate limits itself; callers own retry policy.
func IsRateLimit(err error) bool {
	return KindOf(err) == KindRateLimit
}

// errorFromStatus maps an upstream HTTP status code onto the taxonomy.
func errorFromStatus(status int, body string) *Error {
	switch {
	case status == 401 || status == 403:
		return NewAuthError(body)
	case status == 429:
		return NewRateLimitError(body)
	case status == 400 || status == 422:
		return NewValidationError("request", body)
	case status == 404:
		return NewNotFoundError(body)
	case status >= 500:
		return NewServiceError(status, body)
	default:
		return NewServiceError(status, body)
	}
}
