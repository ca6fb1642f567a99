package normalize

import (
	"math"
	"strconv"
	"strings"
)

// Containers are probed in this order. "data" precedes the root because envelope
// responses put a transport-level "status" next to the real one.
var (
	statusContainers = []string{"data", "", "data.data", "data.response", "result"}
	audioContainers  = []string{
		"", "data", "data.data", "data.response.sunoData", "data.response.data",
		"data.response", "result", "output", "clips", "tracks", "data.tracks", "data.clips",
	}
	detailContainers = []string{"data", "", "data.data", "data.response"}
)

var (
	statusAliases   = []string{"status", "state", "jobStatus", "job_status"}
	audioAliases    = []string{"audioUrl", "audio_url", "audioURL", "sourceAudioUrl", "source_audio_url", "audio_file_url", "mp3_url", "mp3Url", "audioUrls", "audio_urls"}
	progressAliases = []string{"progress", "percent", "percentage", "progress_percent"}
	etaAliases      = []string{"etaSeconds", "eta_seconds", "eta", "estimated_time", "estimatedSeconds"}
	recordAliases   = []string{"recordId", "record_id"}
	jobAliases      = []string{"taskId", "task_id", "jobId", "job_id"}
	errorAliases    = []string{"errorMessage", "error_message", "errorMsg", "failReason", "fail_reason", "error"}
)

func buildDefault() *Normalizer {
	return &Normalizer{fields: []field{
		{name: FieldStatus, rules: aliasRules(statusContainers, statusAliases, extractStatus)},
		{name: FieldAudioURL, rules: aliasRules(audioContainers, audioAliases, extractAudioURL)},
		{name: FieldProgress, rules: aliasRules(detailContainers, progressAliases, extractProgress)},
		{name: FieldETA, rules: aliasRules(detailContainers, etaAliases, extractETA)},
		{name: FieldRecordID, rules: aliasRules(detailContainers, recordAliases, extractRecordID)},
		{name: FieldJobID, rules: aliasRules(detailContainers, jobAliases, extractJobID)},
		{name: FieldError, rules: aliasRules(detailContainers, errorAliases, extractError)},
	}}
}

// aliasRules expands every container/alias pair, containers outermost, so the order of
// containers decides precedence before the order of aliases.
func aliasRules(containers, aliases []string, extract func(any, *Status) bool) []Rule {
	rules := make([]Rule, 0, len(containers)*len(aliases))
	for _, c := range containers {
		for _, a := range aliases {
			p := a
			if c != "" {
				p = c + "." + a
			}
			rules = append(rules, Rule{Path: p, Extract: extract})
		}
	}
	return rules
}

func extractStatus(v any, out *Status) bool {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return false
	}
	out.RawStatus = s
	return true
}

func extractAudioURL(v any, out *Status) bool {
	switch t := v.(type) {
	case string:
		if !looksLikeURL(t) {
			return false
		}
		out.AudioURL = strings.TrimSpace(t)
		return true
	case []any:
		for _, el := range t {
			if extractAudioURL(el, out) {
				return true
			}
		}
	}
	return false
}

func looksLikeURL(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://")
}

func extractProgress(v any, out *Status) bool {
	f, ok := number(v)
	if !ok {
		return false
	}
	// Fractions like 0.45 are ratios; 1 is ambiguous and read as 1%.
	if f > 0 && f < 1 {
		f *= 100
	}
	p := int(math.Round(math.Max(0, math.Min(100, f))))
	out.Progress = &p
	return true
}

func extractETA(v any, out *Status) bool {
	f, ok := number(v)
	if !ok || f < 0 {
		return false
	}
	eta := int(math.Round(f))
	out.ETASeconds = &eta
	return true
}

func extractRecordID(v any, out *Status) bool {
	s, ok := identifier(v)
	if !ok {
		return false
	}
	out.RecordID = s
	return true
}

func extractJobID(v any, out *Status) bool {
	s, ok := identifier(v)
	if !ok {
		return false
	}
	out.JobID = s
	return true
}

func extractError(v any, out *Status) bool {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return false
	}
	out.ErrorMessage = s
	return true
}

// number accepts JSON numbers, numeric strings and percentages such as "45%".
func number(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case int:
		return float64(t), true
	case string:
		s := strings.TrimSuffix(strings.TrimSpace(t), "%")
		var err error
		if f, err = strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func identifier(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		t = strings.TrimSpace(t)
		return t, t != ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	}
	return "", false
}
