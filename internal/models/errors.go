package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure the system surfaces. Provider adapters
// normalize raw transport and HTTP failures into these kinds; everything
// above the adapter layer reasons about kinds only.
type ErrorKind string

const (
	ErrProviderNotConfigured  ErrorKind = "PROVIDER_NOT_CONFIGURED"
	ErrProviderDisabled       ErrorKind = "PROVIDER_DISABLED"
	ErrTimeout                ErrorKind = "TIMEOUT"
	ErrRateLimit              ErrorKind = "RATE_LIMIT"
	ErrServiceUnavailable     ErrorKind = "SERVICE_UNAVAILABLE"
	ErrAuthentication         ErrorKind = "AUTHENTICATION_ERROR"
	ErrInvalidRequest         ErrorKind = "INVALID_REQUEST"
	ErrNetwork                ErrorKind = "NETWORK_ERROR"
	ErrInsufficientMembers    ErrorKind = "INSUFFICIENT_MEMBERS"
	ErrGlobalDeadlineExceeded ErrorKind = "GLOBAL_DEADLINE_EXCEEDED"
	ErrSynthesisFailed        ErrorKind = "SYNTHESIS_FAILED"
	ErrUnknown                ErrorKind = "UNKNOWN_ERROR"
)

// CouncilError is the typed error surfaced across package boundaries.
type CouncilError struct {
	Kind       ErrorKind
	Provider   string
	Message    string
	HTTPStatus int
	Err        error
}

func (e *CouncilError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CouncilError) Unwrap() error {
	return e.Err
}

func NewError(kind ErrorKind, message string) *CouncilError {
	return &CouncilError{Kind: kind, Message: message}
}

func NewProviderError(kind ErrorKind, provider, message string) *CouncilError {
	return &CouncilError{Kind: kind, Provider: provider, Message: message}
}

func WrapError(kind ErrorKind, message string, err error) *CouncilError {
	return &CouncilError{Kind: kind, Message: message, Err: err}
}

// KindOf walks the wrap chain and returns the first CouncilError kind, or
// ErrUnknown when no typed error is present.
func KindOf(err error) ErrorKind {
	var ce *CouncilError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ErrUnknown
}

func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
