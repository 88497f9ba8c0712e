package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vibetune/internal/fault"
)

const defaultBaseURL = "https://api.telegram.org"

// Option configures a LongPoller.
type Option func(*LongPoller)

func WithBaseURL(baseURL string) Option {
	return func(p *LongPoller) {
		p.baseURL = strings.TrimRight(baseURL, "/")
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(p *LongPoller) {
		p.httpClient = client
	}
}

// WithPollWindow sets the long-poll blocking window in seconds.
func WithPollWindow(seconds int) Option {
	return func(p *LongPoller) {
		p.pollWindow = seconds
	}
}

// LongPoller implements Transport over the bot HTTP API: blocking
// getUpdates for inbound, sendMessage for outbound.
type LongPoller struct {
	baseURL    string
	token      string
	httpClient *http.Client
	pollWindow int
	offset     int64
}

func NewLongPoller(token string, opts ...Option) *LongPoller {
	p := &LongPoller{
		baseURL:    defaultBaseURL,
		token:      token,
		pollWindow: 30,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.httpClient == nil {
		// The request blocks for the whole poll window, so the read
		// timeout must comfortably exceed it.
		p.httpClient = &http.Client{
			Timeout: time.Duration(p.pollWindow+20) * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
			},
		}
	}
	return p
}

type apiUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		From *struct {
			ID       int64  `json:"id"`
			Username string `json:"username"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text string `json:"text"`
	} `json:"message"`
}

func (p *LongPoller) Poll(ctx context.Context) ([]Update, error) {
	const op = "transport.poll"

	url := fmt.Sprintf("%s/bot%s/getUpdates?offset=%d&timeout=%d", p.baseURL, p.token, p.offset, p.pollWindow)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fault.New(fault.Transport, op, err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fault.New(fault.Transport, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.New(fault.Transport, op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fault.Newf(fault.Upstream, op, "bot API error: %d - %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var payload struct {
		OK     bool        `json:"ok"`
		Result []apiUpdate `json:"result"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fault.New(fault.Parse, op, err)
	}
	if !payload.OK {
		return nil, fault.Newf(fault.Upstream, op, "bot API reported not ok")
	}

	var updates []Update
	for _, u := range payload.Result {
		if u.UpdateID >= p.offset {
			p.offset = u.UpdateID + 1
		}
		if u.Message == nil || u.Message.Text == "" {
			continue
		}

		update := Update{
			ID:     u.UpdateID,
			ChatID: u.Message.Chat.ID,
			Text:   u.Message.Text,
		}
		if u.Message.From != nil {
			update.UserID = strconv.FormatInt(u.Message.From.ID, 10)
			update.Username = u.Message.From.Username
		}
		updates = append(updates, update)
	}

	return updates, nil
}

func (p *LongPoller) Send(ctx context.Context, chatID int64, text string) error {
	const op = "transport.send"

	body, _ := json.Marshal(map[string]any{
		"chat_id": chatID,
		"text":    text,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/bot%s/sendMessage", p.baseURL, p.token), bytes.NewReader(body))
	if err != nil {
		return fault.New(fault.Transport, op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fault.New(fault.Transport, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fault.Newf(fault.Upstream, op, "bot API error: %d - %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	io.Copy(io.Discard, resp.Body)
	return nil
}

func (p *LongPoller) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}
