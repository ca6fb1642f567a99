// Package webhook notifies a client's notifyUrl when one of its jobs reaches a final state.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tunegate/tunegate/internal/retry"
)

const (
	requestTimeout = 30 * time.Second
	retryAttempts  = 8
	retryBase      = time.Second
	retryCap       = 5 * time.Minute
)

// Payload is the body POSTed to the notify URL.
type Payload struct {
	JobID    string  `json:"jobId"`
	Status   string  `json:"status"`
	AudioURL *string `json:"audioUrl"`
	Error    string  `json:"error,omitempty"`
}

// Notifier delivers payloads in the background with bounded retries.
type Notifier struct {
	client   *http.Client
	exec     *retry.Executor
	validate func(string) error
	wg       sync.WaitGroup
}

// New creates a notifier. A zero policy uses 8 attempts with backoff capped at 5 minutes.
func New(p retry.Policy) *Notifier {
	if p.Attempts <= 0 {
		p = retry.Policy{Attempts: retryAttempts, BaseDelay: retryBase, MaxDelay: retryCap}
	}
	return &Notifier{
		client:   &http.Client{Timeout: requestTimeout},
		exec:     retry.New(p),
		validate: validateURL,
	}
}

// Send dispatches p to target asynchronously. ctx should outlive the request that
// triggered the notification (context.WithoutCancel) and end on server shutdown.
func (n *Notifier) Send(ctx context.Context, target string, p Payload) {
	if err := n.validate(target); err != nil {
		log.Warn().Str("url", target).Str("job_id", p.JobID).Err(err).Msg("webhook: rejected notify URL")
		return
	}
	body, err := json.Marshal(p)
	if err != nil {
		log.Error().Err(err).Str("job_id", p.JobID).Msg("webhook: encode payload")
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		err := n.exec.Do(ctx, "webhook", func(ctx context.Context) error {
			return n.post(ctx, target, body)
		})
		if err != nil {
			log.Error().Err(err).Str("url", target).Str("job_id", p.JobID).Msg("webhook: delivery abandoned")
			return
		}
		log.Debug().Str("url", target).Str("job_id", p.JobID).Msg("webhook delivered")
	}()
}

// Wait blocks until in-flight deliveries finish.
func (n *Notifier) Wait() { n.wg.Wait() }

// validateURL blocks non-HTTP schemes and private/internal IP ranges.
func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	ips, err := net.LookupHost(u.Hostname())
	if err != nil {
		return fmt.Errorf("DNS lookup failed: %w", err)
	}

	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP blocked: %s", ipStr)
		}
	}

	return nil
}

// deliveryError marks failures worth another attempt: no response, 429 and 5xx.
type deliveryError struct {
	status int
	err    error
}

func (e *deliveryError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("non-2xx status: %d", e.status)
}

func (e *deliveryError) Unwrap() error { return e.err }

func (e *deliveryError) Transient() bool {
	return e.status == 0 || e.status == http.StatusTooManyRequests || e.status >= 500
}

func (n *Notifier) post(ctx context.Context, target string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return &deliveryError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &deliveryError{status: resp.StatusCode}
	}
	return nil
}
