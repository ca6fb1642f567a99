// Package aggregator integrates a reseller API that fronts a generation model. Its
// responses wrap every payload in {code, msg, data} and job state is spread over several
// endpoints, so status resolution walks a fallback chain.
package aggregator

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tunegate/tunegate/internal/normalize"
	"github.com/tunegate/tunegate/internal/provider"
	"github.com/tunegate/tunegate/internal/retry"
)

const Name = "aggregator"

const (
	apiGenerate     = "/api/v1/generate"
	apiRecordInfo   = "/api/v1/generate/record-info"
	apiRecordDetail = "/api/v1/generate/record-detail"
	apiLegacyQuery  = "/api/v1/query"
	apiCredit       = "/api/v1/generate/credit"
)

const (
	DefaultModel  = "V4_5"
	healthTimeout = 10 * time.Second
)

// Config configures the aggregator.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	CallbackURL string
	Timeout     time.Duration
	// Retry wraps each status call. Nil uses retry.DefaultPolicy.
	Retry *retry.Executor
}

// Step is one strategy in the status fallback chain. Query returns ok=false when the
// step has nothing to ask with.
type Step struct {
	Name  string
	Path  string
	Query func(h provider.Handle) (url.Values, bool)
}

// Provider talks to the aggregator API.
type Provider struct {
	client      *provider.Client
	model       string
	callbackURL string
	chain       []Step
	exec        *retry.Executor
}

// New creates the provider. The model and callback address are mandatory for this
// vendor; requests without them are rejected outright.
func New(cfg Config) (*Provider, error) {
	client, err := provider.NewClient(cfg.BaseURL, cfg.APIKey, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	exec := cfg.Retry
	if exec == nil {
		exec = retry.New(retry.DefaultPolicy())
	}
	return &Provider{client: client, model: model, callbackURL: cfg.CallbackURL, chain: DefaultChain(), exec: exec}, nil
}

// DefaultChain is the status resolution order: live progress first, the record detail
// (most reliable final asset URL) second, the legacy query last.
func DefaultChain() []Step {
	return []Step{
		{
			Name: "record-info",
			Path: apiRecordInfo,
			Query: func(h provider.Handle) (url.Values, bool) {
				return url.Values{"taskId": {h.JobID}}, h.JobID != ""
			},
		},
		{
			Name: "record-detail",
			Path: apiRecordDetail,
			Query: func(h provider.Handle) (url.Values, bool) {
				id := h.RecordID
				if id == "" {
					id = h.JobID
				}
				return url.Values{"recordId": {id}}, id != ""
			},
		},
		{
			Name: "legacy-query",
			Path: apiLegacyQuery,
			Query: func(h provider.Handle) (url.Values, bool) {
				return url.Values{"ids": {h.JobID}}, h.JobID != ""
			},
		},
	}
}

func (p *Provider) Name() string { return Name }

type generateRequest struct {
	Prompt       string `json:"prompt"`
	Style        string `json:"style,omitempty"`
	Tags         string `json:"tags,omitempty"`
	Title        string `json:"title,omitempty"`
	CustomMode   bool   `json:"customMode"`
	Instrumental bool   `json:"instrumental"`
	Model        string `json:"model"`
	CallBackURL  string `json:"callBackUrl"`
}

func (p *Provider) Submit(ctx context.Context, req provider.SubmitRequest) (provider.SubmitResult, error) {
	if req.CallbackURL == "" {
		req.CallbackURL = p.callbackURL
	}
	if err := provider.ValidateSubmit(req); err != nil {
		return provider.SubmitResult{}, err
	}

	resp, err := p.client.Do(ctx, http.MethodPost, apiGenerate, nil, generateRequest{
		Prompt:       req.Prompt,
		Style:        req.Style,
		Tags:         strings.Join(req.Tags, ", "),
		Title:        req.Title,
		CustomMode:   req.Style != "" || req.Title != "",
		Instrumental: req.Instrumental,
		Model:        p.model,
		CallBackURL:  req.CallbackURL,
	})
	if err != nil {
		return provider.SubmitResult{}, err
	}
	if resp.NotFound() {
		return provider.SubmitResult{}, &provider.Error{Kind: provider.KindBadRequest, Code: http.StatusNotFound, Message: "generate endpoint not found"}
	}

	jobID := normalize.Normalize(resp.Raw).JobID
	if jobID == "" {
		return provider.SubmitResult{}, &provider.Error{
			Kind:    provider.KindNoJobID,
			Code:    resp.Status,
			Message: "submission accepted but no task id was returned",
			Data:    resp.Raw,
		}
	}

	log.Info().Str("provider", Name).Str("provider_job_id", jobID).Msg("generation submitted")
	return provider.SubmitResult{JobID: jobID, Raw: resp.Raw}, nil
}

// ResolveStatus walks the fallback chain and returns the first step that knows the job.
// Each step is retried on its own; a step that still fails aborts the walk. Not-found at
// every step is found=false.
func (p *Provider) ResolveStatus(ctx context.Context, h provider.Handle) (provider.Raw, bool, error) {
	for _, step := range p.chain {
		q, ok := step.Query(h)
		if !ok {
			continue
		}
		resp, err := retry.Value(ctx, p.exec, step.Name, func(ctx context.Context) (provider.Response, error) {
			return p.client.Do(ctx, http.MethodGet, step.Path, q, nil)
		})
		if err != nil {
			return nil, false, fmt.Errorf("%s: %w", step.Name, err)
		}
		if notFound(resp) {
			log.Debug().Str("provider", Name).Str("step", step.Name).Str("provider_job_id", h.JobID).Msg("status step found nothing")
			continue
		}
		return resp.Raw, true, nil
	}
	return nil, false, nil
}

// notFound treats a 404 or a reply without usable data as "this step does not know the job".
func notFound(resp provider.Response) bool {
	if resp.NotFound() {
		return true
	}
	data, ok := resp.Raw["data"]
	if !ok || data == nil {
		return true
	}
	switch d := data.(type) {
	case []any:
		return len(d) == 0
	case map[string]any:
		return len(d) == 0
	case string:
		return strings.TrimSpace(d) == ""
	}
	return false
}

func (p *Provider) Health(ctx context.Context) provider.Health {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	start := time.Now()
	resp, err := p.client.Do(ctx, http.MethodGet, apiCredit, nil, nil)
	if err != nil {
		h := provider.HealthFromError(p.client.BaseURL(), err)
		h.Latency = time.Since(start)
		return h
	}
	if resp.NotFound() {
		return provider.Health{Status: provider.HealthUnavailable, Reason: "NOT_FOUND", Message: "credit endpoint not found", BaseURL: p.client.BaseURL()}
	}

	msg := "provider reachable"
	if credits, ok := resp.Raw["data"].(float64); ok {
		msg = fmt.Sprintf("provider reachable, %g credits remaining", credits)
	}
	return provider.Health{OK: true, Status: provider.HealthOK, Message: msg, BaseURL: p.client.BaseURL(), Latency: time.Since(start)}
}
