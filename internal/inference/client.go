// Package inference is the client for the text-generation endpoint. The
// endpoint is a black box: one prompt in, one generated text out.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"vibetune/internal/fault"
)

// Option configures a Client.
type Option func(*Client)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

// WithHTTPClient allows supplying a custom HTTP client when constructing via New.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeouts sets the dial timeout and the overall request timeout.
// Generations can legitimately run minutes, so read should be generous.
func WithTimeouts(connect, read time.Duration) Option {
	return func(c *Client) {
		c.httpClient = &http.Client{
			Timeout: read,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connect}).DialContext,
			},
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 180 * time.Second},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	return c
}

// Request is the payload for POST <base>/inference. ModelID is omitted
// for the base model.
type Request struct {
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	TopP        float64 `json:"top_p"`
	ModelID     string  `json:"modelId,omitempty"`
}

// Response is the endpoint's reply. A populated Error field means the
// generation failed even when the HTTP status was 2xx.
type Response struct {
	Text   string `json:"text"`
	Tokens int    `json:"tokens"`
	Error  string `json:"error,omitempty"`
}

// Generate runs one generation. Every failure comes back as a typed
// fault error; no transport exception escapes raw.
func (c *Client) Generate(ctx context.Context, req Request) (*Response, error) {
	const op = "inference.generate"

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fault.New(fault.Parse, op, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/inference", bytes.NewReader(body))
	if err != nil {
		return nil, fault.New(fault.Transport, op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fault.New(fault.Transport, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.New(fault.Transport, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fault.Newf(fault.Upstream, op, "inference API error: %d - %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fault.New(fault.Parse, op, fmt.Errorf("invalid inference response: %w", err))
	}

	if out.Error != "" {
		return nil, fault.Newf(fault.Upstream, op, "inference reported error: %s", out.Error)
	}

	return &out, nil
}
