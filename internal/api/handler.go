package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tunegate/tunegate/internal/events"
	"github.com/tunegate/tunegate/internal/job"
	"github.com/tunegate/tunegate/internal/provider"
	"github.com/tunegate/tunegate/internal/resolver"
)

const (
	maxBodyBytes       = 1 << 20
	defaultSSEInterval = 3 * time.Second
)

// Service is what the handlers need from the resolution layer.
type Service interface {
	Submit(ctx context.Context, req job.CreateRequest) (*job.Record, error)
	Status(ctx context.Context, id, externalJobID string) (job.View, error)
	HandleCallback(ctx context.Context, raw provider.Raw) (bool, error)
	Get(ctx context.Context, id string) (*job.Record, error)
	List(ctx context.Context, limit, offset int) ([]*job.Record, int, error)
	Health(ctx context.Context) provider.Health
}

// Options configures a Handler.
type Options struct {
	// CallbackToken, when set, must be passed as ?token= by the provider callback.
	CallbackToken string
	SSEInterval   time.Duration
}

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	svc  Service
	hub  *events.Hub
	opts Options
}

// NewHandler constructs a Handler. hub may be nil, in which case SSE streams only poll.
func NewHandler(svc Service, hub *events.Hub, opts Options) *Handler {
	if opts.SSEInterval <= 0 {
		opts.SSEInterval = defaultSSEInterval
	}
	return &Handler{svc: svc, hub: hub, opts: opts}
}

// RegisterRoutes registers all API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/jobs", h.CreateJob)
	mux.HandleFunc("GET /api/v1/jobs", h.ListJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}", h.GetJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}/status", h.JobStatus)
	mux.HandleFunc("GET /api/v1/jobs/{id}/sse", h.StreamSSE)
	mux.HandleFunc("POST /api/v1/callback", h.Callback)
	mux.HandleFunc("GET /api/v1/health", h.Health)
}

// CreateJob handles POST /api/v1/jobs and responds 202 with the created record.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req job.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	rec, err := h.svc.Submit(r.Context(), req)
	if err != nil {
		writeSubmitError(w, rec, err)
		return
	}

	writeJSON(w, http.StatusAccepted, rec)
}

// writeSubmitError maps a submission failure to a client response. Provider errors are
// reported with their kind so clients can tell billing from outages.
func writeSubmitError(w http.ResponseWriter, rec *job.Record, err error) {
	if errors.Is(err, resolver.ErrInvalidRequest) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pe, ok := provider.AsError(err)
	if !ok {
		log.Error().Err(err).Msg("submission failed")
		writeError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}

	body := map[string]any{
		"error":     pe.Message,
		"errorType": string(pe.Kind),
		"retryable": pe.Transient() || pe.Kind == provider.KindRateLimited,
	}
	if pe.Message == "" {
		body["error"] = pe.Error()
	}
	if rec != nil {
		body["job"] = rec
	}
	writeJSON(w, submitStatus(pe.Kind), body)
}

func submitStatus(kind provider.Kind) int {
	switch kind {
	case provider.KindBadRequest:
		return http.StatusBadRequest
	case provider.KindInsufficientCredits:
		return http.StatusPaymentRequired
	case provider.KindRateLimited:
		return http.StatusTooManyRequests
	case provider.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// ListJobs handles GET /api/v1/jobs and responds 200 with a paginated list of records.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r.URL.Query().Get("limit"), 20)
	offset := parseIntParam(r.URL.Query().Get("offset"), 0)

	recs, total, err := h.svc.List(r.Context(), limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("list jobs")
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	// Return an empty array instead of null when there are no jobs.
	if recs == nil {
		recs = []*job.Record{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   recs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// parseIntParam parses a query string integer, returning the fallback on empty or invalid input.
func parseIntParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

// GetJob handles GET /api/v1/jobs/{id} and responds with the stored record. The
// provider is not contacted.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	rec, err := h.svc.Get(r.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("job_id", id).Msg("get job")
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// JobStatus handles GET /api/v1/jobs/{id}/status?jobId=. Unknown ids answer 200 with a
// pending view since a submission may still be in flight.
func (h *Handler) JobStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	setNoStore(w)

	v, err := h.svc.Status(r.Context(), id, r.URL.Query().Get("jobId"))
	if err != nil {
		log.Error().Err(err).Str("job_id", id).Msg("resolve status")
		writeError(w, http.StatusInternalServerError, "failed to resolve status")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// Callback handles POST /api/v1/callback from the provider. Unknown jobs are
// acknowledged so the vendor does not keep retrying.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	if h.opts.CallbackToken != "" {
		token := r.URL.Query().Get("token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.opts.CallbackToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid callback token")
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var raw provider.Raw
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	matched, err := h.svc.HandleCallback(r.Context(), raw)
	if err != nil {
		log.Error().Err(err).Msg("apply provider callback")
		writeError(w, http.StatusInternalServerError, "failed to apply callback")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true, "matched": matched})
}

// Health handles GET /api/v1/health: 200 when the provider is reachable, 503 otherwise.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	hl := h.svc.Health(r.Context())
	status := http.StatusOK
	if !hl.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, hl)
}

func setNoStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
