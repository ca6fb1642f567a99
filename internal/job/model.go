package job

import (
	"errors"
	"strings"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// rank orders the forward path pending -> processing -> completed.
// failed sits outside the ordering and is reachable from any non-terminal status.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is one of the four persisted statuses.
func (s Status) Valid() bool {
	return s.rank() >= 0 || s == StatusFailed
}

// Provider identifies the generation backend that owns a record.
type Provider string

const (
	ProviderDirect     Provider = "direct"
	ProviderAggregator Provider = "aggregator"
)

// Error types stored on records that never reached a usable provider result.
const (
	ErrorTypeGenTimeout       = "GEN_TIMEOUT"
	ErrorTypeGenerationFailed = "GENERATION_FAILED"
)

// ProviderError is the structured failure attached to a failed record.
type ProviderError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Record is the durable state of one generation request.
type Record struct {
	ID               string         `json:"id"`
	Provider         Provider       `json:"provider"`
	ProviderJobID    string         `json:"providerJobId,omitempty"`
	ProviderRecordID string         `json:"providerRecordId,omitempty"`
	Status           Status         `json:"status"`
	AudioURL         string         `json:"audioUrl,omitempty"`
	ProviderError    *ProviderError `json:"providerError,omitempty"`
	Prompt           string         `json:"prompt"`
	Style            string         `json:"style,omitempty"`
	Tags             []string       `json:"tags,omitempty"`
	Instrumental     bool           `json:"instrumental"`
	Title            string         `json:"title,omitempty"`
	NotifyURL        string         `json:"notifyUrl,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
	Version          int64          `json:"-"`
}

// CreateRequest is the payload used to submit a new generation job.
type CreateRequest struct {
	Prompt       string   `json:"prompt"`
	Style        string   `json:"style,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Instrumental bool     `json:"instrumental"`
	Title        string   `json:"title,omitempty"`
	NotifyURL    string   `json:"notifyUrl,omitempty"`
}

const maxPromptLen = 3000

func (r *CreateRequest) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return errors.New("prompt must not be empty")
	}
	if len(r.Prompt) > maxPromptLen {
		return errors.New("prompt must be at most 3000 characters")
	}
	if r.NotifyURL != "" && !strings.HasPrefix(r.NotifyURL, "http://") && !strings.HasPrefix(r.NotifyURL, "https://") {
		return errors.New("notifyUrl must be an http or https URL")
	}
	return nil
}

// Patch carries the fields a resolution step learned. Nil fields are left untouched.
type Patch struct {
	ProviderJobID    *string
	ProviderRecordID *string
	Status           *Status
	AudioURL         *string
	ProviderError    *ProviderError
}

// Merge applies p to cur and returns the resulting record and whether anything changed.
// Terminal records keep status, audio URL and provider error; only missing provider
// identifiers may still be backfilled. Forward-only ordering is enforced for non-failed
// statuses, and a failed status always wins over a non-terminal one.
func Merge(cur Record, p Patch, now time.Time) (Record, bool) {
	next := cur
	changed := false

	if p.ProviderJobID != nil && *p.ProviderJobID != "" && next.ProviderJobID == "" {
		next.ProviderJobID = *p.ProviderJobID
		changed = true
	}
	if p.ProviderRecordID != nil && *p.ProviderRecordID != "" && next.ProviderRecordID != *p.ProviderRecordID {
		if next.ProviderRecordID == "" || !cur.Status.IsTerminal() {
			next.ProviderRecordID = *p.ProviderRecordID
			changed = true
		}
	}

	if !cur.Status.IsTerminal() {
		if p.Status != nil && *p.Status != next.Status && advances(next.Status, *p.Status) {
			next.Status = *p.Status
			changed = true
		}
		if p.AudioURL != nil && *p.AudioURL != "" && *p.AudioURL != next.AudioURL && next.Status != StatusFailed {
			next.AudioURL = *p.AudioURL
			changed = true
		}
		if next.Status == StatusFailed && p.ProviderError != nil {
			pe := *p.ProviderError
			next.ProviderError = &pe
			changed = true
		}
	}

	if changed {
		next.UpdatedAt = now.UTC()
	}
	return next, changed
}

func advances(from, to Status) bool {
	if !to.Valid() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return to.rank() > from.rank()
}
