package job

import "time"

// ViewStatusError is reported to clients when the provider rejected a status query in a way
// that retrying will not fix (credentials, billing). It is never persisted.
const ViewStatusError = "error"

// View is the client-facing status of a record, as returned by the status query.
// Nullable fields are pointers so they serialise as JSON null.
type View struct {
	JobID        string    `json:"jobId"`
	Status       string    `json:"status"`
	AudioURL     *string   `json:"audioUrl"`
	Progress     *int      `json:"progress"`
	ETASeconds   *int      `json:"etaSeconds"`
	RecordID     *string   `json:"recordId"`
	StartedAt    time.Time `json:"startedAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	Message      string    `json:"message,omitempty"`
	ErrorType    string    `json:"errorType,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Retryable    *bool     `json:"retryable,omitempty"`
}

// Terminal reports whether the view describes a final state. A completed view without
// audio is still waiting for its asset.
func (v View) Terminal() bool {
	switch Status(v.Status) {
	case StatusFailed:
		return true
	case StatusCompleted:
		return v.AudioURL != nil
	}
	return false
}

// ViewOf renders the stored state of r.
func ViewOf(r *Record) View {
	v := View{
		JobID:     r.ID,
		Status:    string(r.Status),
		StartedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
	if r.AudioURL != "" {
		u := r.AudioURL
		v.AudioURL = &u
	}
	if r.ProviderRecordID != "" {
		id := r.ProviderRecordID
		v.RecordID = &id
	}
	if r.Status == StatusCompleted {
		full := 100
		v.Progress = &full
	}
	if r.Status == StatusFailed && r.ProviderError != nil {
		v.ErrorType = r.ProviderError.Type
		v.ErrorMessage = r.ProviderError.Message
		retryable := false
		v.Retryable = &retryable
	}
	return v
}
