package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	headerContentType   = "Content-Type"
	headerAccept        = "Accept"
	headerAuthorization = "Authorization"
	contentTypeJSON     = "application/json"

	// maxResponseBytes bounds how much of a vendor response is read.
	maxResponseBytes = 4 << 20
)

// Client is the JSON-over-HTTP transport shared by vendor integrations. It classifies
// every failure at the boundary so callers only ever see *Error values.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewClient creates a client for baseURL. The timeout applies to every request.
func NewClient(baseURL, apiKey string, timeout time.Duration) (*Client, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, errEmptyBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// BaseURL returns the vendor base URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// Response is a decoded vendor reply.
type Response struct {
	Status int
	Raw    Raw
}

// NotFound reports whether the vendor said it does not know the requested resource,
// either with HTTP 404 or an embedded 404 code.
func (r Response) NotFound() bool {
	return r.Status == http.StatusNotFound || embeddedCode(r.Raw) == http.StatusNotFound
}

// Do sends a JSON request and decodes a JSON object reply. 404 responses are returned
// without error so callers can treat them as "not found"; every other failure is a
// classified *Error.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body any) (Response, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return Response{}, &Error{Kind: KindBadRequest, Message: "encode request", Err: err}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return Response{}, &Error{Kind: KindBadRequest, Message: "build request", Err: err}
	}
	req.Header.Set(headerAccept, contentTypeJSON)
	if body != nil {
		req.Header.Set(headerContentType, contentTypeJSON)
	}
	if c.apiKey != "" {
		req.Header.Set(headerAuthorization, "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Response{}, ClassifyTransport(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, ClassifyTransport(err)
	}

	out := Response{Status: resp.StatusCode, Raw: decodeObject(data)}

	if resp.StatusCode == http.StatusNotFound {
		return out, nil
	}
	if kind, failed := ClassifyStatus(resp.StatusCode, messageOf(out.Raw, data)); failed {
		return out, &Error{Kind: kind, Code: resp.StatusCode, Message: messageOf(out.Raw, data), Data: out.Raw}
	}

	// Some vendors answer HTTP 200 and carry the real outcome in a "code" field.
	if code := embeddedCode(out.Raw); code != 0 && code != http.StatusNotFound {
		if kind, failed := ClassifyStatus(code, messageOf(out.Raw, data)); failed {
			return out, &Error{Kind: kind, Code: code, Message: messageOf(out.Raw, data), Data: out.Raw}
		}
	}
	if out.Raw == nil && len(bytes.TrimSpace(data)) > 0 {
		return out, &Error{Kind: KindUpstream, Code: resp.StatusCode, Message: "provider returned a non-JSON body"}
	}
	return out, nil
}

func decodeObject(data []byte) Raw {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var raw Raw
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	return raw
}

func embeddedCode(raw Raw) int {
	switch v := raw["code"].(type) {
	case float64:
		return int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

func messageOf(raw Raw, body []byte) string {
	for _, key := range []string{"msg", "message", "error", "detail"} {
		if s, ok := raw[key].(string); ok && s != "" {
			return s
		}
	}
	if raw == nil {
		s := strings.TrimSpace(string(body))
		if len(s) > 200 {
			s = s[:200]
		}
		return s
	}
	return ""
}
