package util

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies failures seen by the session core and the request pipeline.
type Kind string

const (
	KindNetworkFailure    Kind = "NETWORK_FAILURE"
	KindTimeout           Kind = "TIMEOUT"
	KindCredentialInvalid Kind = "CREDENTIAL_INVALID"
	KindPermissionDenied  Kind = "PERMISSION_DENIED"
	KindRefreshFailed     Kind = "REFRESH_FAILED"
)

// AuthError carries a classified failure plus the operation that produced it.
type AuthError struct {
	Kind   Kind
	Op     string
	Status int
	Err    error
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, kindText(e.Kind))
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// NewAuthError constructs an AuthError.
func NewAuthError(kind Kind, op string, status int, err error) *AuthError {
	return &AuthError{Kind: kind, Op: op, Status: status, Err: err}
}

// KindOf returns the kind of the first AuthError in the chain.
func KindOf(err error) (Kind, bool) {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Kind, true
	}
	return "", false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

func kindText(k Kind) string {
	switch k {
	case KindNetworkFailure:
		return "network failure"
	case KindTimeout:
		return "timeout"
	case KindCredentialInvalid:
		return "credential invalid"
	case KindPermissionDenied:
		return "permission denied"
	case KindRefreshFailed:
		return "refresh failed"
	default:
		return "unknown failure"
	}
}

// DomainError standardizes gateway errors.
type DomainError struct {
	Code       string
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError constructs a DomainError.
func NewDomainError(code, message string, status int, details map[string]any) *DomainError {
	return &DomainError{Code: code, Message: message, HTTPStatus: status, Details: details}
}

func NewValidationError(message string, details map[string]any) error {
	return NewDomainError("VALIDATION_FAILED", message, http.StatusBadRequest, details)
}

func NewUnauthorized(message string) error {
	return NewDomainError("UNAUTHORIZED", message, http.StatusUnauthorized, nil)
}

func NewForbidden(message string) error {
	return NewDomainError("FORBIDDEN", message, http.StatusForbidden, nil)
}

func NewInternalError(err error) error {
	return &DomainError{
		Code:       "INTERNAL_ERROR",
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// ToDomainError converts generic and session errors to DomainError.
func ToDomainError(err error) *DomainError {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return fromAuthError(authErr)
	}
	return &DomainError{
		Code:       "INTERNAL_ERROR",
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

func fromAuthError(err *AuthError) *DomainError {
	switch err.Kind {
	case KindRefreshFailed:
		return &DomainError{Code: "UNAUTHENTICATED", Message: "session expired, login required", HTTPStatus: http.StatusUnauthorized, Err: err}
	case KindCredentialInvalid:
		return &DomainError{Code: "UNAUTHORIZED", Message: "credential rejected by upstream", HTTPStatus: http.StatusUnauthorized, Err: err}
	case KindPermissionDenied:
		return &DomainError{Code: "FORBIDDEN", Message: "permission denied", HTTPStatus: http.StatusForbidden, Err: err}
	case KindTimeout:
		return &DomainError{Code: "UPSTREAM_TIMEOUT", Message: "upstream timed out", HTTPStatus: http.StatusGatewayTimeout, Err: err}
	case KindNetworkFailure:
		return &DomainError{Code: "UPSTREAM_UNAVAILABLE", Message: "upstream unreachable", HTTPStatus: http.StatusBadGateway, Err: err}
	default:
		return &DomainError{Code: "INTERNAL_ERROR", Message: "internal server error", HTTPStatus: http.StatusInternalServerError, Err: err}
	}
}
