// Package orchestrator drives one user turn end to end: prompt, first
// generation, optional tool mediation, and the final reply, with every
// step persisted to the conversation ledger.
//
// Turn states: RECEIVED -> PROMPTED -> REPLIED for a plain turn, or
// RECEIVED -> PROMPTED -> TOOL_DETECTED -> PARSED -> NORMALIZED ->
// DISPATCHED -> SUMMARIZING -> REPLIED for a tool-bearing one.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"vibetune/config"
	"vibetune/internal/authtoken"
	"vibetune/internal/dispatch"
	"vibetune/internal/fault"
	"vibetune/internal/inference"
	"vibetune/internal/ledger"
	"vibetune/internal/prefs"
	"vibetune/internal/registry"
	"vibetune/internal/toolcall"
)

// Transcript notices, visible to the user when a turn cannot complete.
const (
	EmptyResponseNotice = "The model returned an empty response. Try rephrasing your message."
	FailureNotice       = "Sorry, I could not generate a response right now. Please try again."
)

// defaultHistoryWindow bounds how many prior prose messages feed the prompt.
const defaultHistoryWindow = 10

type Orchestrator struct {
	inference     *inference.Client
	dispatcher    *dispatch.Dispatcher
	ledger        *ledger.Store
	tokens        *authtoken.Store
	settings      *config.Settings
	historyWindow int
}

func New(inf *inference.Client, disp *dispatch.Dispatcher, led *ledger.Store, tokens *authtoken.Store, settings *config.Settings) *Orchestrator {
	return &Orchestrator{
		inference:     inf,
		dispatcher:    disp,
		ledger:        led,
		tokens:        tokens,
		settings:      settings,
		historyWindow: defaultHistoryWindow,
	}
}

// Turn is one inbound user message with everything needed to answer it.
type Turn struct {
	Conversation ledger.Conversation
	Bot          registry.BotInfo
	Tools        []toolcall.Definition
	UserID       string
	Text         string
	Prefs        prefs.Preferences
}

// HandleTurn runs the turn to a terminal state and returns the reply to
// send. A non-nil error means no reply could be produced; the failure is
// already recorded in the ledger.
func (o *Orchestrator) HandleTurn(ctx context.Context, turn Turn) (string, error) {
	convID := turn.Conversation.ID

	// Prior prose history, read before the current message is appended
	// so it is not doubled into the prompt.
	history, err := o.ledger.History(ctx, convID, o.historyWindow)
	if err != nil {
		log.Printf("orchestrator: failed to read history for %s: %v", convID, err)
	}

	// Ledger step 1: the raw user message, persisted before any
	// inference call so the audit trail exists even if inference fails.
	o.append(ctx, convID, ledger.AppendParams{
		Role:    ledger.RoleUser,
		Content: turn.Text,
	})

	req := o.generationRequest(turn)
	req.Prompt = buildPrompt(turn.Bot.Project.Prompt(), turn.Tools, history, turn.Text)
	if len(turn.Tools) > 0 && req.MaxTokens < config.ToolCallMaxTokensFloor {
		// Tool invocations are verbose; a short budget truncates them
		// mid-payload and leaves unclosed delimiters.
		req.MaxTokens = config.ToolCallMaxTokensFloor
	}

	resp, err := o.inference.Generate(ctx, req)
	if err != nil {
		o.append(ctx, convID, ledger.AppendParams{
			Role:        ledger.RoleAssistant,
			Content:     FailureNotice,
			BotUsername: turn.Bot.Username,
		})
		return "", fmt.Errorf("first generation failed: %w", err)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		o.append(ctx, convID, ledger.AppendParams{
			Role:        ledger.RoleAssistant,
			Content:     EmptyResponseNotice,
			BotUsername: turn.Bot.Username,
		})
		return EmptyResponseNotice, nil
	}

	if len(turn.Tools) == 0 || !toolcall.Contains(text) {
		return o.replyPlain(ctx, turn, text, resp.Tokens)
	}

	calls := toolcall.Parse(text)
	if len(calls) == 0 {
		// Detection over-matched but nothing parseable came out; treat
		// the text as an ordinary reply.
		return o.replyPlain(ctx, turn, text, resp.Tokens)
	}
	if len(calls) > 1 {
		// One call per turn; extras are parsed but intentionally unused.
		log.Printf("orchestrator: model produced %d tool calls, using the first", len(calls))
	}

	call := calls[0]
	call.Arguments = toolcall.Normalize(call.Arguments)

	return o.runToolTurn(ctx, turn, call, resp.Tokens)
}

func (o *Orchestrator) runToolTurn(ctx context.Context, turn Turn, call toolcall.Call, firstTokens int) (string, error) {
	convID := turn.Conversation.ID

	// Ledger step 2 of 4: the tool call, as a tagged payload.
	o.append(ctx, convID, ledger.AppendParams{
		Role:         ledger.RoleAssistant,
		Content:      taggedPayload(toolcall.OpenTag, toolcall.CloseTag, call),
		IsToolCall:   true,
		ToolCalls:    call,
		OutputTokens: firstTokens,
		BotUsername:  turn.Bot.Username,
	})

	bearer, err := o.tokens.Get(ctx, turn.UserID, turn.Bot.Username)
	if err != nil {
		log.Printf("orchestrator: failed to read auth token for user %s: %v", turn.UserID, err)
	}

	result := o.dispatcher.Execute(ctx, dispatch.Request{
		Call:        call,
		Tools:       turn.Tools,
		UserID:      turn.UserID,
		BotUsername: turn.Bot.Username,
		Bearer:      bearer,
	})

	// Ledger step 3 of 4: the tool response, role system. Token capture
	// already happened inside the dispatcher.
	o.append(ctx, convID, ledger.AppendParams{
		Role:           ledger.RoleSystem,
		Content:        taggedPayload("<tool_response>", "</tool_response>", result),
		IsToolResponse: true,
		BotUsername:    turn.Bot.Username,
	})

	summaryReq := o.generationRequest(turn)
	summaryReq.Prompt = buildSummaryPrompt(turn.Bot.Project.Prompt(), turn.Text, call, result)

	reply := ""
	if resp, err := o.inference.Generate(ctx, summaryReq); err != nil {
		log.Printf("orchestrator: summarization failed, using fallback: %v", err)
		reply = fallbackReply(call, result)
	} else if reply = strings.TrimSpace(resp.Text); reply == "" {
		reply = fallbackReply(call, result)
	}

	// Ledger step 4 of 4: the user-visible summary.
	o.append(ctx, convID, ledger.AppendParams{
		Role:        ledger.RoleAssistant,
		Content:     reply,
		BotUsername: turn.Bot.Username,
	})

	return reply, nil
}

func (o *Orchestrator) replyPlain(ctx context.Context, turn Turn, text string, tokens int) (string, error) {
	// Ledger step 2 of 2 for a turn without tool mediation.
	o.append(ctx, turn.Conversation.ID, ledger.AppendParams{
		Role:         ledger.RoleAssistant,
		Content:      text,
		OutputTokens: tokens,
		BotUsername:  turn.Bot.Username,
	})
	return text, nil
}

// generationRequest folds preference and project config into an
// inference request. Precedence for the model: user preference, then the
// project's trained model, then base. The project's generation knobs
// (temperature, maxTokens, topP) override the process-wide defaults:
// they are tuned alongside the fine-tune itself, and no user command
// edits those values.
func (o *Orchestrator) generationRequest(turn Turn) inference.Request {
	req := inference.Request{
		Temperature: turn.Prefs.Temperature,
		MaxTokens:   turn.Prefs.MaxTokens,
		TopP:        o.settings.TopP,
		ModelID:     turn.Prefs.ModelID,
	}

	cfg := turn.Bot.Project.Config
	if req.ModelID == "" {
		req.ModelID = cfg.TrainedModelID
	}
	if cfg.Temperature != nil {
		req.Temperature = *cfg.Temperature
	}
	if cfg.MaxTokens != nil {
		req.MaxTokens = *cfg.MaxTokens
	}
	if cfg.TopP != nil {
		req.TopP = *cfg.TopP
	}

	return req
}

// append writes one ledger entry. A persistence failure is logged and
// swallowed: ordering is best-effort, and a failed intermediate write
// must not abort the turn (readers tolerate gaps).
func (o *Orchestrator) append(ctx context.Context, convID string, p ledger.AppendParams) {
	if _, err := o.ledger.Append(ctx, convID, p); err != nil {
		kind, _ := fault.KindOf(err)
		log.Printf("orchestrator: ledger write failed (%s, role=%s): %v", kind, p.Role, err)
	}
}

func taggedPayload(openTag, closeTag string, v any) string {
	encoded, err := json.Marshal(v)
	if err != nil {
		encoded = []byte("{}")
	}
	return openTag + string(encoded) + closeTag
}
