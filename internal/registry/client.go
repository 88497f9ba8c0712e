// Package registry looks up bot registrations and project tool
// catalogues from the platform registry service.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"vibetune/internal/fault"
	"vibetune/internal/toolcall"
)

// ProjectConfig carries per-project generation overrides. Pointer fields
// distinguish "unset" from zero.
type ProjectConfig struct {
	TrainedModelID string   `json:"trainedModelId,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	MaxTokens      *int     `json:"maxTokens,omitempty"`
	TopP           *float64 `json:"topP,omitempty"`
}

type Project struct {
	SystemPrompt string        `json:"systemPrompt,omitempty"`
	Description  string        `json:"description,omitempty"`
	Config       ProjectConfig `json:"config"`
}

// Prompt returns the project's system prompt, falling back to its
// description.
func (p Project) Prompt() string {
	if strings.TrimSpace(p.SystemPrompt) != "" {
		return p.SystemPrompt
	}
	return p.Description
}

// BotInfo is one bot registration as the registry reports it.
type BotInfo struct {
	BotID     string  `json:"botId"`
	Username  string  `json:"username"`
	ProjectID string  `json:"projectId"`
	Project   Project `json:"project"`
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

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

// WithCacheTTL overrides how long bot lookups are cached.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) {
		c.cacheTTL = ttl
	}
}

// Client caches bot lookups for the life of the process; tool
// catalogues are always fetched fresh so newly registered tools show up
// on the next turn.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cacheTTL   time.Duration

	mu    sync.Mutex
	cache map[string]cachedBot
}

type cachedBot struct {
	info    BotInfo
	fetched time.Time
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cacheTTL:   5 * time.Minute,
		cache:      make(map[string]cachedBot),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// LookupBot resolves a bot token to its registration.
func (c *Client) LookupBot(ctx context.Context, token string) (*BotInfo, error) {
	const op = "registry.lookup_bot"

	c.mu.Lock()
	if entry, ok := c.cache[token]; ok && time.Since(entry.fetched) < c.cacheTTL {
		info := entry.info
		c.mu.Unlock()
		return &info, nil
	}
	c.mu.Unlock()

	body, _ := json.Marshal(map[string]string{"token": token})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/bots/lookup", bytes.NewReader(body))
	if err != nil {
		return nil, fault.New(fault.Transport, op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fault.New(fault.Transport, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.New(fault.Transport, op, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, fault.Newf(fault.NotFound, op, "no bot registered for token")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fault.Newf(fault.Upstream, op, "registry error: %d - %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var info BotInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fault.New(fault.Parse, op, fmt.Errorf("invalid registry response: %w", err))
	}
	if info.BotID == "" {
		return nil, fault.Newf(fault.NotFound, op, "registry returned no bot id")
	}

	c.mu.Lock()
	c.cache[token] = cachedBot{info: info, fetched: time.Now()}
	c.mu.Unlock()

	return &info, nil
}

// Tools fetches the project's registered tool definitions. An empty
// catalogue is a normal condition, not an error.
func (c *Client) Tools(ctx context.Context, projectID string) ([]toolcall.Definition, error) {
	const op = "registry.tools"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/projects/"+projectID+"/tools", nil)
	if err != nil {
		return nil, fault.New(fault.Transport, op, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fault.New(fault.Transport, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.New(fault.Transport, op, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fault.Newf(fault.Upstream, op, "registry error: %d - %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	// Either a bare array or an object wrapping a "tools" array.
	var tools []toolcall.Definition
	if err := json.Unmarshal(raw, &tools); err == nil {
		return tools, nil
	}

	var wrapped struct {
		Tools []toolcall.Definition `json:"tools"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fault.New(fault.Parse, op, fmt.Errorf("invalid tools response: %w", err))
	}
	return wrapped.Tools, nil
}
