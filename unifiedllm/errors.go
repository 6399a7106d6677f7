package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind classifies a failed completion.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindConfiguration
	KindInvalidRequest
	KindAuthentication
	KindAccessDenied
	KindNotFound
	KindQuotaExceeded
	KindContextLength
	KindContentFilter
	KindRateLimit
	KindServer
	KindTimeout
	KindNetwork
	KindAborted
)

var kindNames = [...]string{
	KindUnknown:        "unknown",
	KindConfiguration:  "configuration",
	KindInvalidRequest: "invalid_request",
	KindAuthentication: "authentication",
	KindAccessDenied:   "access_denied",
	KindNotFound:       "not_found",
	KindQuotaExceeded:  "quota_exceeded",
	KindContextLength:  "context_length",
	KindContentFilter:  "content_filter",
	KindRateLimit:      "rate_limit",
	KindServer:         "server",
	KindTimeout:        "timeout",
	KindNetwork:        "network",
	KindAborted:        "aborted",
}

func (k ErrorKind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Retryable reports whether a failure of this kind may succeed on a later
// attempt. Unknown failures are treated as transient.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimit, KindServer, KindTimeout, KindNetwork, KindUnknown:
		return true
	}
	return false
}

// Error is the error returned for every failed completion.
type Error struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	// Code is the provider's own error code, if it sent one.
	Code       string
	Message    string
	RetryAfter time.Duration
	Raw        map[string]interface{}
	Cause      error
}

func (e *Error) Error() string {
	var s string
	if e.Provider != "" {
		s = "[" + e.Provider + "] "
	}
	s += e.Message
	if e.StatusCode != 0 {
		s += fmt.Sprintf(" (%s, status=%d)", e.Kind, e.StatusCode)
	} else {
		s += fmt.Sprintf(" (%s)", e.Kind)
	}
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error of the same kind, so callers can test
// errors.Is(err, &Error{Kind: KindRateLimit}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && (t.Provider == "" || t.Provider == e.Provider)
}

// Retryable reports whether the request may be sent again.
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

func newError(kind ErrorKind, provider, message string, cause error) *Error {
	return &Error{Kind: kind, Provider: provider, Message: message, Cause: cause}
}

// kindForStatus maps an HTTP status to an error kind. OpenRouter reports
// exhausted credits with 402.
func kindForStatus(status int) ErrorKind {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return KindInvalidRequest
	case http.StatusUnauthorized:
		return KindAuthentication
	case http.StatusPaymentRequired:
		return KindQuotaExceeded
	case http.StatusForbidden:
		return KindAccessDenied
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusRequestTimeout:
		return KindTimeout
	case http.StatusRequestEntityTooLarge:
		return KindContextLength
	case http.StatusTooManyRequests:
		return KindRateLimit
	}
	if status >= 500 {
		return KindServer
	}
	return KindUnknown
}

// ErrorFromStatus builds the error for a non-2xx provider response.
func ErrorFromStatus(provider string, status int, message, code string, raw map[string]interface{}, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       kindForStatus(status),
		Provider:   provider,
		StatusCode: status,
		Code:       code,
		Message:    message,
		RetryAfter: retryAfter,
		Raw:        raw,
	}
}

// contextError classifies a failure caused by ctx ending.
func contextError(provider string, ctx context.Context, cause error) *Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return newError(KindTimeout, provider, "request deadline exceeded", cause)
	}
	return newError(KindAborted, provider, "request cancelled", cause)
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is worth retrying. Context cancellation
// never is; errors from outside this package are assumed transient.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return true
}
