// Package normalize maps arbitrary provider payloads onto one canonical status.
//
// Extraction is permissive pattern matching, not schema validation: each output field
// owns an ordered list of (field path, extractor) rules and the first rule that yields a
// value wins. Vendors change response shapes without notice, so new aliases are appended
// and never replace existing ones. Nothing in this package returns an error; an
// unrecognisable payload normalizes to "processing, no data yet".
package normalize

import (
	"strings"

	"github.com/tunegate/tunegate/internal/job"
)

// Status is the provider-agnostic view of one job.
type Status struct {
	Status     job.Status
	AudioURL   string
	Progress   *int
	RecordID   string
	ETASeconds *int
	// JobID is the provider job handle when the payload carries one (callbacks do).
	JobID string
	// ErrorMessage is the vendor's failure text, if any.
	ErrorMessage string
	// RawStatus is the status word exactly as the vendor reported it.
	RawStatus string
}

// Field names the output a rule contributes to.
type Field string

const (
	FieldStatus   Field = "status"
	FieldAudioURL Field = "audioUrl"
	FieldProgress Field = "progress"
	FieldRecordID Field = "recordId"
	FieldETA      Field = "etaSeconds"
	FieldJobID    Field = "jobId"
	FieldError    Field = "errorMessage"
)

// Rule extracts one field from the value found at Path. Path segments are separated by
// dots; arrays met along the way are searched element by element.
type Rule struct {
	Path    string
	Extract func(v any, out *Status) bool
}

type field struct {
	name  Field
	rules []Rule
}

// Normalizer evaluates rule lists in order. The zero value has no rules; use Default.
type Normalizer struct {
	fields []field
}

var defaultNormalizer = buildDefault()

// Default returns the normalizer with every known alias.
func Default() *Normalizer { return defaultNormalizer }

// Normalize maps raw with the default rules.
func Normalize(raw map[string]any) Status {
	return defaultNormalizer.Normalize(raw)
}

// Extend returns a copy of n with rules appended to the named field. Existing rules keep
// their precedence.
func (n *Normalizer) Extend(name Field, rules ...Rule) *Normalizer {
	out := &Normalizer{fields: make([]field, len(n.fields))}
	copy(out.fields, n.fields)
	for i := range out.fields {
		if out.fields[i].name == name {
			merged := make([]Rule, 0, len(out.fields[i].rules)+len(rules))
			merged = append(merged, out.fields[i].rules...)
			out.fields[i].rules = append(merged, rules...)
			return out
		}
	}
	out.fields = append(out.fields, field{name: name, rules: rules})
	return out
}

// Normalize is pure: the same payload always yields the same Status.
func (n *Normalizer) Normalize(raw map[string]any) Status {
	var out Status
	if len(raw) > 0 {
		for _, f := range n.fields {
			for _, r := range f.rules {
				extract := func(v any) bool { return r.Extract(v, &out) }
				if visit(raw, splitPath(r.Path), extract) {
					break
				}
			}
		}
	}

	switch {
	case out.RawStatus != "":
		out.Status = MapStatus(out.RawStatus)
		if out.AudioURL != "" && out.Status != job.StatusFailed {
			out.Status = job.StatusCompleted
		}
	case out.AudioURL != "":
		out.Status = job.StatusCompleted
	default:
		out.Status = job.StatusProcessing
	}

	if out.Status == job.StatusCompleted && out.Progress == nil {
		full := 100
		out.Progress = &full
	}
	return out
}

// MapStatus maps a vendor status word onto the canonical four. Unknown words mean the
// job is still running.
func MapStatus(s string) job.Status {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.ReplaceAll(v, "-", "_")
	v = strings.ReplaceAll(v, " ", "_")
	switch v {
	case "completed", "complete", "success", "succeeded", "successful", "done", "finished", "ready":
		return job.StatusCompleted
	case "pending", "queued", "queue", "submitted", "waiting", "created", "not_started", "initializing":
		return job.StatusPending
	case "cancelled", "canceled", "rejected", "expired", "timeout", "timed_out":
		return job.StatusFailed
	}
	if strings.Contains(v, "fail") || strings.Contains(v, "error") {
		return job.StatusFailed
	}
	return job.StatusProcessing
}

func splitPath(p string) []string {
	if p == "" {
		return nil
	}
	return strings.Split(p, ".")
}

// visit walks path through maps and calls fn with each value found there until fn
// accepts one. Arrays met along the way are searched element by element, in order.
func visit(node any, path []string, fn func(v any) bool) bool {
	if arr, ok := node.([]any); ok && len(path) > 0 {
		for _, el := range arr {
			if visit(el, path, fn) {
				return true
			}
		}
		return false
	}
	if len(path) == 0 {
		return node != nil && fn(node)
	}
	m, ok := node.(map[string]any)
	if !ok {
		return false
	}
	next, ok := m[path[0]]
	if !ok {
		return false
	}
	return visit(next, path[1:], fn)
}
