package normalize

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunegate/tunegate/internal/job"
)

func decode(t *testing.T, s string) map[string]any {
	t.Helper()
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &raw))
	return raw
}

func TestNormalize_EmptyPayloadIsSafeDefault(t *testing.T) {
	for _, raw := range []map[string]any{nil, {}, {"unrelated": true}} {
		got := Normalize(raw)
		assert.Equal(t, job.StatusProcessing, got.Status)
		assert.Empty(t, got.AudioURL)
		assert.Nil(t, got.Progress)
		assert.Empty(t, got.RecordID)
		assert.Nil(t, got.ETASeconds)
	}
}

func TestNormalize_AnyAudioAliasForcesCompleted(t *testing.T) {
	for _, alias := range audioAliases {
		t.Run(alias, func(t *testing.T) {
			got := Normalize(map[string]any{alias: "https://cdn.example/a.mp3"})
			assert.Equal(t, job.StatusCompleted, got.Status)
			assert.Equal(t, "https://cdn.example/a.mp3", got.AudioURL)
		})
	}
}

func TestNormalize_NestedArrayAudio(t *testing.T) {
	got := Normalize(decode(t, `{"data":{"data":[{"audio_url":"https://x/y.mp3"}]}}`))
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, "https://x/y.mp3", got.AudioURL)
	require.NotNil(t, got.Progress)
	assert.Equal(t, 100, *got.Progress)
}

func TestNormalize_ArraySkipsEmptyEntries(t *testing.T) {
	got := Normalize(decode(t, `{"data":{"response":{"sunoData":[{"audioUrl":""},{"audioUrl":"https://x/second.mp3","id":"s2"}]}}}`))
	assert.Equal(t, "https://x/second.mp3", got.AudioURL)
	assert.Equal(t, job.StatusCompleted, got.Status)
}

func TestNormalize_StatusSynonyms(t *testing.T) {
	tests := []struct {
		payload string
		want    job.Status
	}{
		{`{"status":"queued"}`, job.StatusPending},
		{`{"state":"running"}`, job.StatusProcessing},
		{`{"jobStatus":"SUCCESS"}`, job.StatusCompleted},
		{`{"data":{"status":"TEXT_SUCCESS"}}`, job.StatusProcessing},
		{`{"data":{"status":"GENERATE_AUDIO_FAILED"}}`, job.StatusFailed},
		{`{"data":{"data":[{"state":"error"}]}}`, job.StatusFailed},
		{`{"status":"something-new"}`, job.StatusProcessing},
	}
	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(decode(t, tt.payload)).Status)
		})
	}
}

func TestNormalize_EnvelopeStatusDoesNotShadowJobStatus(t *testing.T) {
	got := Normalize(decode(t, `{"status":"success","data":{"status":"processing","progress":40}}`))
	assert.Equal(t, job.StatusProcessing, got.Status)
	require.NotNil(t, got.Progress)
	assert.Equal(t, 40, *got.Progress)
}

func TestNormalize_FailedWithAudioStaysFailed(t *testing.T) {
	got := Normalize(decode(t, `{"status":"failed","audio_url":"https://x/partial.mp3","errorMessage":"moderation"}`))
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, "moderation", got.ErrorMessage)
}

func TestNormalize_DetailFields(t *testing.T) {
	got := Normalize(decode(t, `{"code":200,"data":{"taskId":"abc123","recordId":"rec-1","status":"PENDING","progress":"45%","eta":"90"}}`))
	assert.Equal(t, job.StatusPending, got.Status)
	assert.Equal(t, "PENDING", got.RawStatus)
	assert.Equal(t, "abc123", got.JobID)
	assert.Equal(t, "rec-1", got.RecordID)
	require.NotNil(t, got.Progress)
	assert.Equal(t, 45, *got.Progress)
	require.NotNil(t, got.ETASeconds)
	assert.Equal(t, 90, *got.ETASeconds)
}

func TestNormalize_ProgressRatioAndClamp(t *testing.T) {
	got := Normalize(map[string]any{"progress": 0.25})
	require.NotNil(t, got.Progress)
	assert.Equal(t, 25, *got.Progress)

	got = Normalize(map[string]any{"progress": 250.0})
	require.NotNil(t, got.Progress)
	assert.Equal(t, 100, *got.Progress)
}

func TestNormalize_RejectsNonFiniteNumbers(t *testing.T) {
	for _, raw := range []map[string]any{
		{"eta": "Inf", "progress": "-Inf"},
		{"eta": "+Infinity", "progress": "NaN"},
		{"eta": math.Inf(1), "progress": math.NaN()},
	} {
		got := Normalize(raw)
		assert.Nil(t, got.ETASeconds, "%v", raw)
		assert.Nil(t, got.Progress, "%v", raw)
	}
}

func TestNormalize_IgnoresNonURLAudioValues(t *testing.T) {
	got := Normalize(map[string]any{"audio_url": "pending"})
	assert.Equal(t, job.StatusProcessing, got.Status)
	assert.Empty(t, got.AudioURL)
}

func TestExtend_AddsAliasWithoutBreakingExisting(t *testing.T) {
	n := Default().Extend(FieldAudioURL, Rule{Path: "payload.wav", Extract: extractAudioURL})

	got := n.Normalize(map[string]any{"payload": map[string]any{"wav": "https://x/z.wav"}})
	assert.Equal(t, "https://x/z.wav", got.AudioURL)
	assert.Equal(t, job.StatusCompleted, got.Status)

	// Existing aliases still win over the appended one.
	got = n.Normalize(map[string]any{
		"audio_url": "https://x/first.mp3",
		"payload":   map[string]any{"wav": "https://x/z.wav"},
	})
	assert.Equal(t, "https://x/first.mp3", got.AudioURL)

	// The default normalizer is untouched.
	assert.Empty(t, Normalize(map[string]any{"payload": map[string]any{"wav": "https://x/z.wav"}}).AudioURL)
}

func TestMapStatus(t *testing.T) {
	assert.Equal(t, job.StatusCompleted, MapStatus(" Done "))
	assert.Equal(t, job.StatusPending, MapStatus("not-started"))
	assert.Equal(t, job.StatusFailed, MapStatus("SENSITIVE_WORD_ERROR"))
	assert.Equal(t, job.StatusFailed, MapStatus("canceled"))
	assert.Equal(t, job.StatusProcessing, MapStatus("FIRST_SUCCESS"))
}
