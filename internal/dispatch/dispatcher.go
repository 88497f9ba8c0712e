// Package dispatch executes normalized tool invocations against their
// registered HTTP endpoints. The dispatcher never propagates an error to
// its caller: every failure mode comes back as a failure Result so it
// can be persisted and summarized like any other tool outcome.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"vibetune/internal/fault"
	"vibetune/internal/toolcall"
)

// TokenSink receives bearer tokens captured from successful tool
// responses for replay on later calls.
type TokenSink interface {
	Upsert(ctx context.Context, userID, botUsername, token string) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		d.httpClient = client
	}
}

func WithTimeouts(connect, read time.Duration) Option {
	return func(d *Dispatcher) {
		d.httpClient = &http.Client{
			Timeout: read,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connect}).DialContext,
			},
		}
	}
}

// WithTokenSink enables auth-token capture from tool responses.
func WithTokenSink(sink TokenSink) Option {
	return func(d *Dispatcher) {
		d.tokens = sink
	}
}

type Dispatcher struct {
	httpClient *http.Client
	tokens     TokenSink
}

func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Request carries everything one dispatch needs besides the call itself.
type Request struct {
	Call  toolcall.Call
	Tools []toolcall.Definition
	// UserID, when set, is stamped onto the outgoing request so the
	// tool can scope side effects to the caller.
	UserID string
	// BotUsername keys captured tokens together with UserID.
	BotUsername string
	// Bearer, when set, is sent as an Authorization header.
	Bearer string
}

// Execute resolves and performs one tool call.
func (d *Dispatcher) Execute(ctx context.Context, req Request) toolcall.Result {
	def, ok := resolve(req.Call.Name, req.Tools)
	if !ok {
		msg := fmt.Sprintf("tool not found: %s", req.Call.Name)
		return toolcall.Result{Success: false, Error: msg, Data: map[string]any{"error": msg}}
	}

	args := req.Call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	if req.UserID != "" {
		stamped := make(map[string]any, len(args)+1)
		for k, v := range args {
			stamped[k] = v
		}
		stamped["user_id"] = req.UserID
		args = stamped
	}

	method := def.HTTPMethod()
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		log.Printf("dispatch: tool %s declares unsupported method %s, defaulting to POST", def.Name, method)
		method = http.MethodPost
	}

	httpReq, err := buildRequest(ctx, method, def.Endpoint, args)
	if err != nil {
		return failure(fmt.Sprintf("failed to build request for %s: %v", def.Name, err))
	}

	if req.Bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Bearer)
	}

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		return failure(fmt.Sprintf("tool %s unreachable: %v", def.Name, err))
	}
	defer resp.Body.Close()

	result := decodeResponse(def.Name, resp)

	if result.Success && d.tokens != nil && req.UserID != "" {
		if token := tokenFromData(result.Data); token != "" {
			if err := d.tokens.Upsert(ctx, req.UserID, req.BotUsername, token); err != nil {
				log.Printf("dispatch: failed to store auth token for user %s: %v", req.UserID, err)
			}
		}
	}

	return result
}

func resolve(name string, tools []toolcall.Definition) (toolcall.Definition, bool) {
	for _, def := range tools {
		if def.Matches(name) {
			return def, true
		}
	}
	return toolcall.Definition{}, false
}

// buildRequest shapes the request per method: query parameters for GET
// and simple DELETE, a JSON body for everything else. A DELETE carrying
// object or array values falls back to a body because those do not
// survive query encoding.
func buildRequest(ctx context.Context, method, endpoint string, args map[string]any) (*http.Request, error) {
	useQuery := method == http.MethodGet ||
		(method == http.MethodDelete && !hasComplexValues(args))

	if useQuery {
		req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
		if err != nil {
			return nil, err
		}

		q := url.Values{}
		for key, value := range args {
			q.Set(key, queryValue(value))
		}
		req.URL.RawQuery = q.Encode()
		return req, nil
	}

	body, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func hasComplexValues(args map[string]any) bool {
	for _, value := range args {
		switch value.(type) {
		case map[string]any, []any:
			return true
		}
	}
	return false
}

// queryValue renders one argument for the query string. Lists are joined
// into a single comma-separated value.
func queryValue(value any) string {
	switch v := value.(type) {
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = queryValue(item)
		}
		return strings.Join(parts, ",")
	case map[string]any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func decodeResponse(toolName string, resp *http.Response) toolcall.Result {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return failure(fmt.Sprintf("failed to read response from %s: %v", toolName, err))
	}

	isJSON := strings.Contains(resp.Header.Get("Content-Type"), "application/json")

	var data any
	var jsonErr error
	if isJSON && len(raw) > 0 {
		jsonErr = json.Unmarshal(raw, &data)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		// Reported as a failure result, never retried here; the user has
		// to authenticate with the tool first.
		log.Printf("dispatch: tool %s: %s", toolName, fault.AuthRequired)
		result := failure("authentication required")
		if data != nil {
			result.Data = data
		}
		return result
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := errorMessage(data, raw)
		result := toolcall.Result{Success: false, Error: msg}
		if data != nil {
			result.Data = data
		} else {
			result.Data = map[string]any{"error": msg}
		}
		return result
	}

	if !isJSON {
		return toolcall.Result{Success: true, Data: map[string]any{"result": string(raw)}}
	}
	if jsonErr != nil {
		return failure(fmt.Sprintf("tool %s returned malformed JSON: %v", toolName, jsonErr))
	}

	return toolcall.Result{Success: true, Data: data}
}

// errorMessage extracts a human-readable error from a JSON error body,
// preferring error, then message, then detail, then the raw text.
func errorMessage(data any, raw []byte) string {
	if obj, ok := data.(map[string]any); ok {
		for _, key := range []string{"error", "message", "detail"} {
			if s, ok := obj[key].(string); ok && s != "" {
				return s
			}
		}
	}
	return strings.TrimSpace(string(raw))
}

func tokenFromData(data any) string {
	obj, ok := data.(map[string]any)
	if !ok {
		return ""
	}
	token, _ := obj["token"].(string)
	return token
}

func failure(msg string) toolcall.Result {
	return toolcall.Result{
		Success: false,
		Error:   msg,
		Data:    map[string]any{"error": msg},
	}
}
