package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// Kind classifies a failure for retry, fallback and client-facing decisions.
type Kind string

const (
	KindBackendUnreachable Kind = "backend-unreachable"
	KindBackendTimeout     Kind = "backend-timeout"
	KindModelNotFound      Kind = "model-not-found"
	KindModelCorrupted     Kind = "model-corrupted"
	KindContextTooLarge    Kind = "context-too-large"
	KindInvalidCredential  Kind = "invalid-credential"
	KindInsufficientCredit Kind = "insufficient-credit"
	KindRateLimited        Kind = "rate-limited"
	KindBadRequest         Kind = "bad-request"
	KindUpstream           Kind = "upstream-error"
	KindNoHealthyBackend   Kind = "no-healthy-backend"
	KindInternal           Kind = "internal"
)

// Transient kinds are retried inside an adapter's backoff budget.
func (k Kind) Transient() bool {
	switch k {
	case KindBackendUnreachable, KindBackendTimeout, KindUpstream:
		return true
	default:
		return false
	}
}

// Fallbackable reports whether the router may retry the request on another
// backend. Client-caused kinds are returned to the caller untouched.
func (k Kind) Fallbackable() bool {
	switch k {
	case KindInvalidCredential, KindInsufficientCredit, KindRateLimited,
		KindModelNotFound, KindContextTooLarge, KindBadRequest, KindNoHealthyBackend:
		return false
	default:
		return true
	}
}

// HTTPStatus is the canonical status code for the kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindBackendUnreachable:
		return http.StatusServiceUnavailable
	case KindBackendTimeout:
		return http.StatusGatewayTimeout
	case KindModelNotFound:
		return http.StatusNotFound
	case KindModelCorrupted:
		return http.StatusInternalServerError
	case KindContextTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindInvalidCredential:
		return http.StatusUnauthorized
	case KindInsufficientCredit:
		return http.StatusPaymentRequired
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindBadRequest:
		return http.StatusBadRequest
	case KindNoHealthyBackend:
		return http.StatusServiceUnavailable
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is the canonical error produced by adapters and the router.
type Error struct {
	Kind    Kind
	Message string
	Code    int
	Err     error
}

// NewError builds an error whose code defaults to the kind's status.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Code: kind.HTTPStatus()}
}

// Errorf is NewError with formatting.
func Errorf(kind Kind, format string, args ...any) *Error {
	return NewError(kind, fmt.Sprintf(format, args...))
}

// Wrap attaches an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	e := NewError(kind, message)
	e.Err = err
	return e
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusCode returns the explicit code or the kind's default.
func (e *Error) StatusCode() int {
	if e.Code != 0 {
		return e.Code
	}
	return e.Kind.HTTPStatus()
}

// AsError extracts a canonical error, converting context and unknown errors.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindBackendTimeout, "request timed out", err)
	}
	return Wrap(KindInternal, "internal error", err)
}

// KindOf returns the canonical kind of any error.
func KindOf(err error) Kind {
	if e := AsError(err); e != nil {
		return e.Kind
	}
	return ""
}

// ErrorMessage extracts a human message from a backend error body. It accepts
// `{"error":"..."}`, `{"error":{"message":"..."}}` and plain text bodies.
func ErrorMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		errField := gjson.GetBytes(body, "error")
		switch {
		case errField.Type == gjson.String:
			return errField.String()
		case errField.IsObject():
			if msg := errField.Get("message"); msg.Exists() {
				return msg.String()
			}
			return errField.Raw
		}
		if msg := gjson.GetBytes(body, "message"); msg.Exists() {
			return msg.String()
		}
	}
	return strings.TrimSpace(string(body))
}

// ClassifyStatus maps an HTTP status to a canonical error. Adapters call it
// after applying their own body-specific rules.
func ClassifyStatus(status int, message string) *Error {
	if message == "" {
		message = fmt.Sprintf("backend returned status %d", status)
	}
	var kind Kind
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindInvalidCredential
	case status == http.StatusPaymentRequired:
		kind = KindInsufficientCredit
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status == http.StatusNotFound:
		kind = KindModelNotFound
	case status == http.StatusRequestEntityTooLarge:
		kind = KindContextTooLarge
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = KindBackendTimeout
	case status >= 500:
		kind = KindUpstream
	case status >= 400:
		kind = KindBadRequest
	default:
		kind = KindUpstream
	}
	return &Error{Kind: kind, Message: message, Code: status}
}
