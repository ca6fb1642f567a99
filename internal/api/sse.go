package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tunegate/tunegate/internal/events"
	"github.com/tunegate/tunegate/internal/job"
)

// StreamSSE handles GET /api/v1/jobs/{id}/sse.
// It re-resolves the job on the caller's connection every SSE interval and also relays
// changes pushed by callbacks, until the job is final or the client disconnects.
func (h *Handler) StreamSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	id := r.PathValue("id")
	external := r.URL.Query().Get("jobId")

	v, err := h.svc.Status(r.Context(), id, external)
	if err != nil {
		log.Error().Err(err).Str("job_id", id).Msg("resolve status for stream")
		writeError(w, http.StatusInternalServerError, "failed to resolve status")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if v.Terminal() {
		writeSSEEvent(w, flusher, events.EventResult, v)
		return
	}

	var updates chan events.Event
	if h.hub != nil {
		updates = h.hub.Subscribe(id)
		defer h.hub.Unsubscribe(id, updates)
	}

	writeSSEEvent(w, flusher, events.EventStatus, v)
	last := fingerprint(v)

	ticker := time.NewTicker(h.opts.SSEInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-updates:
			if !open {
				// The hub closes subscriptions after the final event; keep polling
				// only if nothing final was delivered.
				updates = nil
				continue
			}
			writeSSEEvent(w, flusher, ev.Name, ev.View)
			if ev.Name == events.EventResult {
				return
			}
			last = fingerprint(ev.View)
		case <-ticker.C:
			v, err := h.svc.Status(r.Context(), id, external)
			if err != nil {
				log.Warn().Err(err).Str("job_id", id).Msg("stream poll failed")
				continue
			}
			if v.Terminal() {
				writeSSEEvent(w, flusher, events.EventResult, v)
				return
			}
			if fp := fingerprint(v); fp != last {
				writeSSEEvent(w, flusher, events.EventStatus, v)
				last = fp
			}
		}
	}
}

// fingerprint identifies what a client would see, ignoring timestamps.
func fingerprint(v job.View) string {
	v.UpdatedAt = time.Time{}
	b, _ := json.Marshal(v)
	return string(b)
}

// writeSSEEvent serialises data as JSON and writes a single SSE event frame.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}
