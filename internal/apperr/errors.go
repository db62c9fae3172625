// Package apperr defines the failure taxonomy shared by every component of the
// request-context core and its mapping onto HTTP status codes.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInfrastructure Kind = iota
	KindUnauthenticated
	KindUnauthorized
	KindTenantNotFound
	KindNotFound
	KindValidation
	KindAuditWriteFailed
	KindTimeout
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindUnauthorized:
		return "unauthorized"
	case KindTenantNotFound:
		return "tenant_not_found"
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation_failed"
	case KindAuditWriteFailed:
		return "audit_write_failed"
	case KindTimeout:
		return "timeout"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "infrastructure"
	}
}

// Status returns the HTTP status code for the kind. AuditWriteFailed never
// reaches a response on its own, it maps to 500 only for completeness.
func (k Kind) Status() int {
	switch k {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindUnauthorized:
		return http.StatusForbidden
	case KindTenantNotFound, KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified failure. Message and Details are safe to return to
// callers; Err is the internal cause and is only ever logged.
type Error struct {
	Kind    Kind
	Message string
	Details string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) WithDetails(details string) *Error {
	e.Details = details
	return e
}

func Unauthenticated() *Error {
	return New(KindUnauthenticated, "Authentication required")
}

func Unauthorized(message string) *Error {
	if message == "" {
		message = "Insufficient permissions"
	}
	return New(KindUnauthorized, message)
}

func Validation(message string) *Error {
	return New(KindValidation, message)
}

func NotFound(message string) *Error {
	return New(KindNotFound, message)
}

func Infrastructure(err error) *Error {
	return Wrap(KindInfrastructure, "Internal server error", err)
}

// From classifies any error. Unclassified errors become Infrastructure so that
// their text never leaves the process.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTimeout, "Request timed out", err)
	}
	return Infrastructure(err)
}

// KindOf reports the kind of err, or KindInfrastructure when unclassified.
func KindOf(err error) Kind {
	return From(err).Kind
}

func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
