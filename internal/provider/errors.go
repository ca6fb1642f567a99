package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind classifies a provider failure.
type Kind string

const (
	KindAuth                Kind = "AUTH_ERROR"
	KindBadAPIKey           Kind = "BAD_API_KEY"
	KindForbidden           Kind = "FORBIDDEN"
	KindInsufficientCredits Kind = "INSUFFICIENT_CREDITS"
	KindBadRequest          Kind = "BAD_REQUEST"
	KindRateLimited         Kind = "RATE_LIMITED"
	KindTimeout             Kind = "TIMEOUT"
	KindNetwork             Kind = "NETWORK_ERROR"
	KindUpstream            Kind = "UPSTREAM_ERROR"
	KindNoJobID             Kind = "NO_JOB_ID"
	KindGenerationFailed    Kind = "GENERATION_FAILED"
)

// Error is a classified provider failure.
type Error struct {
	Kind    Kind
	Message string
	// Code is the HTTP status or the vendor's embedded code, 0 when no response arrived.
	Code int
	Data any
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Code != 0 {
		fmt.Fprintf(&b, " (%d)", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil && (e.Message == "" || !strings.Contains(e.Message, e.Err.Error())) {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether retrying the same call may succeed: no response, a timeout,
// or a 5xx. 4xx responses are never transient.
func (e *Error) Transient() bool {
	switch e.Kind {
	case KindTimeout, KindNetwork, KindUpstream:
		return true
	}
	return false
}

// IsAuth reports whether the failure is a credential problem.
func (e *Error) IsAuth() bool {
	return e.Kind == KindAuth || e.Kind == KindBadAPIKey || e.Kind == KindForbidden
}

// AsError extracts a classified error from err.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// KindOf returns the classification of err, KindNetwork for unclassified errors.
func KindOf(err error) Kind {
	if pe, ok := AsError(err); ok {
		return pe.Kind
	}
	return KindNetwork
}

// ClassifyStatus maps an HTTP status (or a vendor's embedded code) to a Kind.
// ok is false for success codes.
func ClassifyStatus(code int, message string) (Kind, bool) {
	switch {
	case code == 0 || (code >= 200 && code < 300):
		return "", false
	case code == http.StatusUnauthorized:
		return KindBadAPIKey, true
	case code == http.StatusForbidden:
		return KindForbidden, true
	case code == http.StatusPaymentRequired:
		return KindInsufficientCredits, true
	case code == http.StatusTooManyRequests:
		if mentionsCredits(message) {
			return KindInsufficientCredits, true
		}
		return KindRateLimited, true
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return KindTimeout, true
	case code >= 500:
		return KindUpstream, true
	default:
		if mentionsCredits(message) {
			return KindInsufficientCredits, true
		}
		return KindBadRequest, true
	}
}

func mentionsCredits(message string) bool {
	m := strings.ToLower(message)
	return strings.Contains(m, "credit") || strings.Contains(m, "insufficient balance")
}

// ClassifyTransport wraps a failure that happened before any response was read.
func ClassifyTransport(err error) *Error {
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return &Error{Kind: KindTimeout, Message: "provider did not respond in time", Err: err}
	default:
		return &Error{Kind: KindNetwork, Message: "provider unreachable", Err: err}
	}
}
