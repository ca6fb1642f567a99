// Package resolver owns the job lifecycle: it submits generation requests and answers
// status polls by combining the stored record, the micro-cache and a fresh provider
// query. There is no background poller; every state change is driven by a client poll
// or a provider callback.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tunegate/tunegate/internal/cache"
	"github.com/tunegate/tunegate/internal/events"
	"github.com/tunegate/tunegate/internal/job"
	"github.com/tunegate/tunegate/internal/normalize"
	"github.com/tunegate/tunegate/internal/provider"
	"github.com/tunegate/tunegate/internal/webhook"
)

const (
	DefaultGraceWindow      = 8 * time.Second
	DefaultEmptyURLRetries  = 2
	DefaultEmptyURLInterval = 1500 * time.Millisecond
)

// Messages attached to non-final views.
const (
	MessageInitializing  = "initializing"
	MessageAwaitingAudio = "generation finished, audio not yet available"
	MessageUnavailable   = "provider temporarily unavailable"
)

// ErrInvalidRequest wraps validation failures of a submission.
var ErrInvalidRequest = errors.New("invalid request")

// Publisher announces terminal views outside the process.
type Publisher interface {
	Publish(ctx context.Context, v job.View) error
}

// Notifier delivers client webhooks.
type Notifier interface {
	Send(ctx context.Context, target string, p webhook.Payload)
}

// Settings tunes the state machine.
type Settings struct {
	// GraceWindow is how long a record may wait for its provider job id.
	GraceWindow time.Duration
	// EmptyURLRetries is how many times a "completed" answer without audio is re-queried.
	EmptyURLRetries  int
	EmptyURLInterval time.Duration
	// CallbackURL is forwarded on every submission.
	CallbackURL string
}

func (s Settings) withDefaults() Settings {
	if s.GraceWindow <= 0 {
		s.GraceWindow = DefaultGraceWindow
	}
	if s.EmptyURLRetries < 0 {
		s.EmptyURLRetries = 0
	}
	if s.EmptyURLInterval <= 0 {
		s.EmptyURLInterval = DefaultEmptyURLInterval
	}
	return s
}

// Deps are the collaborators of a Service. Store and Provider are required; the rest
// may be nil.
type Deps struct {
	Store      job.Store
	Provider   provider.Provider
	Cache      cache.Cache
	Hub        *events.Hub
	Publisher  Publisher
	Notifier   Notifier
	Normalizer *normalize.Normalizer
	// Background bounds work that outlives a request, such as webhook delivery.
	Background context.Context
}

// Service resolves job status.
type Service struct {
	store      job.Store
	provider   provider.Provider
	kind       job.Provider
	cache      cache.Cache
	hub        *events.Hub
	publisher  Publisher
	notifier   Notifier
	normalizer *normalize.Normalizer
	background context.Context
	settings   Settings

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	newID func() string
}

// New creates a Service.
func New(d Deps, s Settings) *Service {
	if d.Normalizer == nil {
		d.Normalizer = normalize.Default()
	}
	if d.Background == nil {
		d.Background = context.Background()
	}
	return &Service{
		store:      d.Store,
		provider:   d.Provider,
		kind:       job.Provider(d.Provider.Name()),
		cache:      d.Cache,
		hub:        d.Hub,
		publisher:  d.Publisher,
		notifier:   d.Notifier,
		normalizer: d.Normalizer,
		background: d.Background,
		settings:   s.withDefaults(),
		now:        time.Now,
		sleep:      sleepCtx,
		newID:      uuid.NewString,
	}
}

// Provider returns the active provider.
func (s *Service) Provider() provider.Provider { return s.provider }

// Health probes the active provider.
func (s *Service) Health(ctx context.Context) provider.Health {
	return s.provider.Health(ctx)
}

// Submit creates the record, starts the provider job and stores its handle. The record
// is written before the provider is contacted so that a crash in between is caught by
// the grace window instead of leaving an untracked vendor job. Submission is never
// retried: a duplicate would be billed twice.
//
// On a provider failure the record is stored as failed and returned together with the
// classified error.
func (s *Service) Submit(ctx context.Context, req job.CreateRequest) (*job.Record, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	now := s.now().UTC()
	rec := &job.Record{
		ID:           s.newID(),
		Provider:     s.kind,
		Status:       job.StatusPending,
		Prompt:       req.Prompt,
		Style:        req.Style,
		Tags:         req.Tags,
		Instrumental: req.Instrumental,
		Title:        req.Title,
		NotifyURL:    req.NotifyURL,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if _, err := s.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create record: %w", err)
	}

	res, err := s.provider.Submit(ctx, provider.SubmitRequest{
		Prompt:       req.Prompt,
		Style:        req.Style,
		Tags:         req.Tags,
		Instrumental: req.Instrumental,
		Title:        req.Title,
		CallbackURL:  s.settings.CallbackURL,
	})
	if err != nil {
		log.Warn().Err(err).Str("job_id", rec.ID).Str("provider", string(s.kind)).Msg("submission rejected")
		failed := job.StatusFailed
		updated, perr := s.patch(ctx, rec, job.Patch{Status: &failed, ProviderError: providerErrorOf(err)})
		if perr != nil {
			return nil, errors.Join(err, perr)
		}
		return updated, err
	}

	updated, err := s.patch(ctx, rec, job.Patch{ProviderJobID: &res.JobID})
	if err != nil {
		return nil, err
	}
	log.Info().Str("job_id", rec.ID).Str("provider_job_id", res.JobID).Msg("job submitted")
	return updated, nil
}

// Get returns the stored record without contacting the provider.
func (s *Service) Get(ctx context.Context, id string) (*job.Record, error) {
	return s.store.Get(ctx, id)
}

// List returns a page of stored records.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*job.Record, int, error) {
	return s.store.List(ctx, limit, offset)
}

// Status resolves the current state of record id. externalJobID is the provider
// handle the client may already hold; it lets a record that was never stored, or never
// received its handle, be recovered. The returned error is only ever a store failure.
func (s *Service) Status(ctx context.Context, id, externalJobID string) (job.View, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(ctx, id); ok {
			return v, nil
		}
	}

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return job.View{}, fmt.Errorf("get record: %w", err)
	}

	switch {
	case rec == nil:
		return s.resolveMissing(ctx, id, externalJobID)
	case rec.Status.IsTerminal():
		v := job.ViewOf(rec)
		s.remember(ctx, v)
		return v, nil
	case rec.ProviderJobID == "":
		return s.resolveAwaiting(ctx, rec, externalJobID)
	default:
		return s.resolveKnown(ctx, rec)
	}
}

// resolveMissing handles polls for ids the store does not know. Submission may still
// be in flight, so the answer is never "not found".
func (s *Service) resolveMissing(ctx context.Context, id, externalJobID string) (job.View, error) {
	if externalJobID == "" {
		return s.initializing(id, time.Time{}), nil
	}

	st, found, err := s.query(ctx, provider.Handle{JobID: externalJobID})
	if err != nil || !found {
		if err != nil {
			log.Debug().Err(err).Str("job_id", id).Str("provider_job_id", externalJobID).Msg("recovery query failed")
		}
		return s.initializing(id, time.Time{}), nil
	}

	now := s.now().UTC()
	rec := &job.Record{
		ID:            id,
		Provider:      s.kind,
		ProviderJobID: externalJobID,
		Status:        job.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	created, err := s.store.Create(ctx, rec)
	if err != nil {
		return job.View{}, fmt.Errorf("create record: %w", err)
	}
	if created {
		log.Info().Str("job_id", id).Str("provider_job_id", externalJobID).Msg("record recovered from provider")
	} else if rec, err = s.store.Get(ctx, id); err != nil {
		return job.View{}, fmt.Errorf("get record: %w", err)
	} else if rec == nil {
		return s.initializing(id, time.Time{}), nil
	}
	return s.apply(ctx, rec, st)
}

// resolveAwaiting handles records whose provider handle never arrived. Inside the grace
// window a client-supplied handle is stored only once the provider confirms it; past the
// window the record fails whatever the client holds.
func (s *Service) resolveAwaiting(ctx context.Context, rec *job.Record, externalJobID string) (job.View, error) {
	if s.now().Sub(rec.CreatedAt) <= s.settings.GraceWindow {
		if externalJobID == "" {
			return s.initializing(rec.ID, rec.CreatedAt), nil
		}
		st, found, err := s.query(ctx, provider.Handle{JobID: externalJobID})
		if err != nil || !found {
			if err != nil {
				log.Debug().Err(err).Str("job_id", rec.ID).Str("provider_job_id", externalJobID).Msg("client handle not confirmed")
			}
			return s.initializing(rec.ID, rec.CreatedAt), nil
		}
		updated, err := s.patch(ctx, rec, job.Patch{ProviderJobID: &externalJobID})
		if err != nil {
			return job.View{}, err
		}
		return s.apply(ctx, updated, st)
	}

	failed := job.StatusFailed
	updated, err := s.patch(ctx, rec, job.Patch{
		Status: &failed,
		ProviderError: &job.ProviderError{
			Type:    job.ErrorTypeGenTimeout,
			Message: fmt.Sprintf("provider did not assign a job id within %s", s.settings.GraceWindow),
		},
	})
	if err != nil {
		return job.View{}, err
	}
	log.Warn().Str("job_id", rec.ID).Dur("grace_window", s.settings.GraceWindow).Msg("job timed out waiting for provider assignment")
	v := job.ViewOf(updated)
	s.remember(ctx, v)
	return v, nil
}

// resolveKnown queries the provider for a record with a handle.
func (s *Service) resolveKnown(ctx context.Context, rec *job.Record) (job.View, error) {
	st, found, err := s.query(ctx, provider.Handle{JobID: rec.ProviderJobID, RecordID: rec.ProviderRecordID})
	if err != nil {
		return s.queryFailed(rec, err), nil
	}
	if !found {
		v := job.ViewOf(rec)
		if rec.Status == job.StatusPending {
			v.Message = MessageInitializing
		}
		s.remember(ctx, v)
		return v, nil
	}
	return s.apply(ctx, rec, st)
}

// query asks the provider, which retries each outbound call itself. A "completed"
// answer without an audio URL is asked again a bounded number of times since vendors publish the asset a
// moment after flipping the status.
func (s *Service) query(ctx context.Context, h provider.Handle) (normalize.Status, bool, error) {
	var st normalize.Status
	for attempt := 0; ; attempt++ {
		raw, found, err := s.provider.ResolveStatus(ctx, h)
		if err != nil {
			return normalize.Status{}, false, err
		}
		if !found {
			return normalize.Status{}, false, nil
		}

		st = s.normalizer.Normalize(raw)
		if st.Status != job.StatusCompleted || st.AudioURL != "" || attempt >= s.settings.EmptyURLRetries {
			return st, true, nil
		}
		log.Debug().Str("provider_job_id", h.JobID).Int("attempt", attempt+1).Msg("completed without audio url, asking again")
		if err := s.sleep(ctx, s.settings.EmptyURLInterval); err != nil {
			return st, true, nil
		}
	}
}

// apply persists what the provider reported and renders the resulting view.
func (s *Service) apply(ctx context.Context, rec *job.Record, st normalize.Status) (job.View, error) {
	p := job.Patch{}
	if st.RecordID != "" {
		p.ProviderRecordID = &st.RecordID
	}
	if st.JobID != "" && rec.ProviderJobID == "" {
		p.ProviderJobID = &st.JobID
	}

	awaitingAudio := st.Status == job.StatusCompleted && st.AudioURL == ""
	status := st.Status
	if awaitingAudio {
		// Only a usable asset makes the record final.
		status = job.StatusProcessing
	}
	p.Status = &status
	if st.AudioURL != "" {
		p.AudioURL = &st.AudioURL
	}
	if status == job.StatusFailed {
		msg := st.ErrorMessage
		if msg == "" {
			msg = "provider reported the generation as failed"
			if st.RawStatus != "" {
				msg += ": " + st.RawStatus
			}
		}
		p.ProviderError = &job.ProviderError{Type: job.ErrorTypeGenerationFailed, Message: msg}
	}

	updated, err := s.patch(ctx, rec, p)
	if err != nil {
		return job.View{}, err
	}

	v := job.ViewOf(updated)
	if !updated.Status.IsTerminal() {
		v.Progress = st.Progress
		v.ETASeconds = st.ETASeconds
		if v.RecordID == nil && st.RecordID != "" {
			id := st.RecordID
			v.RecordID = &id
		}
		if awaitingAudio {
			v.Status = string(job.StatusCompleted)
			v.Message = MessageAwaitingAudio
			// Not cached: the view claims completion the store does not record.
			return v, nil
		}
	}
	s.remember(ctx, v)
	return v, nil
}

// queryFailed renders a provider failure without touching the store.
func (s *Service) queryFailed(rec *job.Record, err error) job.View {
	v := job.ViewOf(rec)
	pe, ok := provider.AsError(err)
	if ok && (pe.IsAuth() || pe.Kind == provider.KindInsufficientCredits) {
		log.Error().Err(err).Str("job_id", rec.ID).Msg("provider rejected status query")
		retryable := false
		v.Status = job.ViewStatusError
		v.ErrorType = string(pe.Kind)
		v.ErrorMessage = pe.Message
		v.Retryable = &retryable
		return v
	}

	log.Warn().Err(err).Str("job_id", rec.ID).Msg("status query failed, reporting stored state")
	retryable := true
	if rec.Status == job.StatusPending {
		v.Status = string(job.StatusProcessing)
	}
	v.ErrorType = string(provider.KindOf(err))
	v.ErrorMessage = MessageUnavailable
	v.Retryable = &retryable
	return v
}

// HandleCallback applies a provider callback. It reports whether the payload matched a
// stored record; unknown handles are not an error.
func (s *Service) HandleCallback(ctx context.Context, raw provider.Raw) (bool, error) {
	st := s.normalizer.Normalize(raw)
	if st.JobID == "" {
		log.Warn().Msg("callback without a job handle ignored")
		return false, nil
	}
	if code, msg, failed := callbackFailure(raw); failed {
		st.Status = job.StatusFailed
		st.AudioURL = ""
		st.ErrorMessage = fmt.Sprintf("provider callback reported code %d: %s", code, msg)
	}

	rec, err := s.store.FindByProviderJobID(ctx, s.kind, st.JobID)
	if err != nil {
		return false, fmt.Errorf("find record: %w", err)
	}
	if rec == nil {
		log.Info().Str("provider_job_id", st.JobID).Msg("callback for unknown job ignored")
		return false, nil
	}
	if rec.Status.IsTerminal() {
		return true, nil
	}
	if st.Status == job.StatusCompleted && st.AudioURL == "" {
		// Intermediate callbacks (lyrics, first clip) carry no asset yet.
		st.Status = job.StatusProcessing
	}
	if _, err := s.apply(ctx, rec, st); err != nil {
		return true, err
	}
	return true, nil
}

// patch writes p and fans out the change. rec is the state the caller acted on.
func (s *Service) patch(ctx context.Context, rec *job.Record, p job.Patch) (*job.Record, error) {
	updated, changed, err := s.store.Patch(ctx, rec.ID, p)
	if err != nil {
		return nil, fmt.Errorf("patch record %s: %w", rec.ID, err)
	}
	if changed && updated.Status != rec.Status {
		s.emit(ctx, rec, updated)
	}
	return updated, nil
}

// emit announces a status transition. Terminal transitions also reach NATS and the
// client's webhook.
func (s *Service) emit(ctx context.Context, before, after *job.Record) {
	v := job.ViewOf(after)
	log.Info().Str("job_id", after.ID).Str("from", string(before.Status)).Str("to", string(after.Status)).Msg("job status changed")
	if s.cache != nil {
		s.cache.Delete(ctx, after.ID)
	}
	if s.hub != nil {
		s.hub.Publish(v)
	}
	if !after.Status.IsTerminal() {
		return
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, v); err != nil {
			log.Warn().Err(err).Str("job_id", after.ID).Msg("terminal event not published")
		}
	}
	if s.notifier != nil && after.NotifyURL != "" {
		payload := webhook.Payload{JobID: after.ID, Status: string(after.Status), AudioURL: v.AudioURL}
		if after.ProviderError != nil {
			payload.Error = after.ProviderError.Message
		}
		s.notifier.Send(s.background, after.NotifyURL, payload)
	}
}

func (s *Service) remember(ctx context.Context, v job.View) {
	if s.cache != nil {
		s.cache.Set(ctx, v.JobID, v)
	}
}

// initializing is the answer for a job the provider has not picked up yet.
func (s *Service) initializing(id string, startedAt time.Time) job.View {
	now := s.now().UTC()
	if startedAt.IsZero() {
		startedAt = now
	}
	retryable := true
	return job.View{
		JobID:     id,
		Status:    string(job.StatusPending),
		StartedAt: startedAt,
		UpdatedAt: now,
		Message:   MessageInitializing,
		Retryable: &retryable,
	}
}

func providerErrorOf(err error) *job.ProviderError {
	pe, ok := provider.AsError(err)
	if !ok {
		return &job.ProviderError{Type: string(provider.KindNetwork), Message: err.Error()}
	}
	msg := pe.Message
	if msg == "" {
		msg = pe.Error()
	}
	return &job.ProviderError{Type: string(pe.Kind), Message: msg, Code: pe.Code, Data: pe.Data}
}

// callbackFailure reports an embedded non-success code in a callback body.
func callbackFailure(raw provider.Raw) (int, string, bool) {
	code, ok := raw["code"].(float64)
	if !ok || code < 400 {
		return 0, "", false
	}
	msg, _ := raw["msg"].(string)
	return int(code), msg, true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
