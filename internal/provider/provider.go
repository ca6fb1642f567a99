// Package provider defines the generation provider capability shared by every vendor
// integration, the error taxonomy used at that boundary and the registry that picks the
// active implementation.
package provider

import (
	"context"
	"errors"
	"time"
)

// Raw is a decoded provider payload. Its shape is vendor specific and only the
// normalize package interprets it.
type Raw = map[string]any

// SubmitRequest describes one generation job. CallbackURL is always forwarded, even when
// nobody listens on it, because some vendors reject requests without it.
type SubmitRequest struct {
	Prompt       string
	Style        string
	Tags         []string
	Instrumental bool
	Title        string
	CallbackURL  string
}

// SubmitResult carries the provider's job handle. JobID is never empty on success.
type SubmitResult struct {
	JobID string
	Raw   Raw
}

// Handle identifies a job at the provider.
type Handle struct {
	JobID    string
	RecordID string
}

// Health status values.
const (
	HealthOK          = "ok"
	HealthAuthError   = "AUTH_ERROR"
	HealthUnavailable = "UNAVAILABLE"
)

// Health is the result of a provider health probe.
type Health struct {
	OK      bool          `json:"ok"`
	Status  string        `json:"status"`
	Reason  string        `json:"reason,omitempty"`
	Message string        `json:"message,omitempty"`
	BaseURL string        `json:"baseUrl"`
	Latency time.Duration `json:"-"`
}

// Provider is one external generation vendor.
type Provider interface {
	Name() string
	// Submit starts a job. It returns a non-empty JobID or a classified *Error.
	Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error)
	// ResolveStatus fetches the raw status for h. A job the vendor does not know (yet)
	// is reported as found=false with a nil error.
	ResolveStatus(ctx context.Context, h Handle) (raw Raw, found bool, err error)
	Health(ctx context.Context) Health
}

var (
	ErrEmptyPrompt  = errors.New("prompt must not be empty")
	ErrEmptyHandle  = errors.New("job handle must not be empty")
	ErrNoCallback   = errors.New("callback url must be configured")
	ErrNotSelected  = errors.New("no provider selected")
	ErrNoFactories  = errors.New("no provider factories registered")
	ErrNilProvider  = errors.New("provider factory returned nil")
	errEmptyBaseURL = errors.New("base url must not be empty")
)

// ValidateSubmit checks the caller-independent preconditions of a submission.
func ValidateSubmit(req SubmitRequest) error {
	if req.Prompt == "" {
		return &Error{Kind: KindBadRequest, Message: ErrEmptyPrompt.Error(), Err: ErrEmptyPrompt}
	}
	if req.CallbackURL == "" {
		return &Error{Kind: KindBadRequest, Message: ErrNoCallback.Error(), Err: ErrNoCallback}
	}
	return nil
}

// HealthFromError turns a failed probe into a Health, separating credential problems
// from generic unavailability.
func HealthFromError(baseURL string, err error) Health {
	h := Health{OK: false, Status: HealthUnavailable, BaseURL: baseURL, Message: err.Error()}
	if pe, ok := AsError(err); ok {
		h.Reason = string(pe.Kind)
		if pe.IsAuth() {
			h.Status = HealthAuthError
			h.Message = "provider rejected the configured API key; fix credentials"
		} else {
			h.Message = "provider unavailable; retry later: " + pe.Error()
		}
	}
	return h
}
