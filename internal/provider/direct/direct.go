// Package direct integrates a generation vendor that exposes its own job API: one
// create endpoint and one status endpoint per job.
package direct

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tunegate/tunegate/internal/normalize"
	"github.com/tunegate/tunegate/internal/provider"
	"github.com/tunegate/tunegate/internal/retry"
)

const Name = "direct"

const (
	apiGenerations = "/v1/generations"
	apiAccount     = "/v1/account"
)

const healthTimeout = 10 * time.Second

// Config configures the direct vendor.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	CallbackURL string
	Timeout     time.Duration
	// Retry wraps each status call. Nil uses retry.DefaultPolicy.
	Retry *retry.Executor
}

// Provider talks to the vendor's job API.
type Provider struct {
	client      *provider.Client
	model       string
	callbackURL string
	exec        *retry.Executor
}

// New creates the provider. Model and CallbackURL are sent on every submission.
func New(cfg Config) (*Provider, error) {
	client, err := provider.NewClient(cfg.BaseURL, cfg.APIKey, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	exec := cfg.Retry
	if exec == nil {
		exec = retry.New(retry.DefaultPolicy())
	}
	return &Provider{client: client, model: cfg.Model, callbackURL: cfg.CallbackURL, exec: exec}, nil
}

func (p *Provider) Name() string { return Name }

type generateRequest struct {
	Prompt       string `json:"prompt"`
	Style        string `json:"style,omitempty"`
	Tags         string `json:"tags,omitempty"`
	Title        string `json:"title,omitempty"`
	Instrumental bool   `json:"make_instrumental"`
	Model        string `json:"model"`
	CallbackURL  string `json:"callback_url"`
}

func (p *Provider) Submit(ctx context.Context, req provider.SubmitRequest) (provider.SubmitResult, error) {
	if req.CallbackURL == "" {
		req.CallbackURL = p.callbackURL
	}
	if err := provider.ValidateSubmit(req); err != nil {
		return provider.SubmitResult{}, err
	}

	resp, err := p.client.Do(ctx, http.MethodPost, apiGenerations, nil, generateRequest{
		Prompt:       req.Prompt,
		Style:        req.Style,
		Tags:         strings.Join(req.Tags, ", "),
		Title:        req.Title,
		Instrumental: req.Instrumental,
		Model:        p.model,
		CallbackURL:  req.CallbackURL,
	})
	if err != nil {
		return provider.SubmitResult{}, err
	}
	if resp.NotFound() {
		return provider.SubmitResult{}, &provider.Error{Kind: provider.KindBadRequest, Code: http.StatusNotFound, Message: "generation endpoint not found"}
	}

	jobID := normalize.Normalize(resp.Raw).JobID
	if jobID == "" {
		if id, ok := resp.Raw["id"].(string); ok {
			jobID = strings.TrimSpace(id)
		}
	}
	if jobID == "" {
		return provider.SubmitResult{}, &provider.Error{
			Kind:    provider.KindNoJobID,
			Code:    resp.Status,
			Message: "submission accepted but no job id was returned",
			Data:    resp.Raw,
		}
	}

	log.Info().Str("provider", Name).Str("provider_job_id", jobID).Msg("generation submitted")
	return provider.SubmitResult{JobID: jobID, Raw: resp.Raw}, nil
}

func (p *Provider) ResolveStatus(ctx context.Context, h provider.Handle) (provider.Raw, bool, error) {
	if h.JobID == "" {
		return nil, false, nil
	}
	path := apiGenerations + "/" + url.PathEscape(h.JobID)
	resp, err := retry.Value(ctx, p.exec, "generation status", func(ctx context.Context) (provider.Response, error) {
		return p.client.Do(ctx, http.MethodGet, path, nil, nil)
	})
	if err != nil {
		return nil, false, err
	}
	if resp.NotFound() || len(resp.Raw) == 0 {
		return nil, false, nil
	}
	return resp.Raw, true, nil
}

func (p *Provider) Health(ctx context.Context) provider.Health {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	start := time.Now()
	resp, err := p.client.Do(ctx, http.MethodGet, apiAccount, nil, nil)
	if err != nil {
		h := provider.HealthFromError(p.client.BaseURL(), err)
		h.Latency = time.Since(start)
		return h
	}
	if resp.NotFound() {
		return provider.Health{Status: provider.HealthUnavailable, Reason: "NOT_FOUND", Message: "account endpoint not found", BaseURL: p.client.BaseURL()}
	}
	return provider.Health{OK: true, Status: provider.HealthOK, Message: "provider reachable", BaseURL: p.client.BaseURL(), Latency: time.Since(start)}
}
