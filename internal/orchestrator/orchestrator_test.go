package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"vibetune/config"
	"vibetune/internal/authtoken"
	"vibetune/internal/dispatch"
	"vibetune/internal/inference"
	"vibetune/internal/ledger"
	"vibetune/internal/prefs"
	"vibetune/internal/registry"
	"vibetune/internal/toolcall"
	"vibetune/pkg/db"
	"vibetune/pkg/migration"
)

// fakeInference serves a scripted sequence of generations. An int in
// the script is served as that HTTP status; anything after the script
// runs out is a 500.
type fakeInference struct {
	mu       sync.Mutex
	script   []any
	requests []inference.Request
}

func (f *fakeInference) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		var req inference.Request
		json.NewDecoder(r.Body).Decode(&req)
		f.requests = append(f.requests, req)

		if len(f.script) == 0 {
			http.Error(w, "script exhausted", http.StatusInternalServerError)
			return
		}
		next := f.script[0]
		f.script = f.script[1:]

		switch v := next.(type) {
		case int:
			http.Error(w, "scripted failure", v)
		case inference.Response:
			json.NewEncoder(w).Encode(v)
		}
	}
}

type fixture struct {
	orch   *Orchestrator
	ledger *ledger.Store
	tokens *authtoken.Store
	fake   *fakeInference
	conv   ledger.Conversation
}

func setup(t *testing.T, script ...any) *fixture {
	t.Helper()

	h, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	if err := migration.NewRunner(h.Write()).Run(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	fake := &fakeInference{script: script}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	led := ledger.NewStore(h)
	tokens := authtoken.NewStore(h)
	settings := &config.Settings{TopP: config.DefaultTopP}

	orch := New(
		inference.New(srv.URL),
		dispatch.New(dispatch.WithTokenSink(tokens)),
		led,
		tokens,
		settings,
	)

	conv, err := led.Current(context.Background(), "bot1", "proj1", "42", "Chat with kobi")
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}

	return &fixture{orch: orch, ledger: led, tokens: tokens, fake: fake, conv: conv}
}

func (f *fixture) turn(tools []toolcall.Definition, text string) Turn {
	return Turn{
		Conversation: f.conv,
		Bot: registry.BotInfo{
			BotID:     "bot1",
			Username:  "vibetune_bot",
			ProjectID: "proj1",
			Project:   registry.Project{SystemPrompt: "You are a delivery assistant."},
		},
		Tools:  tools,
		UserID: "42",
		Text:   text,
		Prefs:  prefs.Preferences{Temperature: 0.7, MaxTokens: 250},
	}
}

func toolServer(t *testing.T, handler http.HandlerFunc) []toolcall.Definition {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return []toolcall.Definition{{Name: "create_delivery", Endpoint: srv.URL, Method: "POST"}}
}

func TestPlainTurnNoTools(t *testing.T) {
	f := setup(t, inference.Response{Text: "Hello! How can I help?", Tokens: 8})

	reply, err := f.orch.HandleTurn(context.Background(), f.turn(nil, "hello"))
	if err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	if reply != "Hello! How can I help?" {
		t.Errorf("reply = %q", reply)
	}

	messages, _ := f.ledger.Messages(context.Background(), f.conv.ID)
	if len(messages) != 2 {
		t.Fatalf("expected 2 ledger messages, got %d", len(messages))
	}
	if messages[0].Role != ledger.RoleUser || messages[0].Content != "hello" {
		t.Errorf("message 1 = %+v", messages[0])
	}
	if messages[1].Role != ledger.RoleAssistant || messages[1].OutputTokens != 8 {
		t.Errorf("message 2 = %+v", messages[1])
	}
}

func TestToolTurnFourMessages(t *testing.T) {
	tools := toolServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"d-1","status":"created"}`))
	})

	f := setup(t,
		inference.Response{Text: `Booking that now. <tool_call>{"name":"create_delivery","arguments":{"sender":{"name":"Kobi"}}}</tool_call>`, Tokens: 30},
		inference.Response{Text: "Your delivery is booked! The id is d-1.", Tokens: 12},
	)

	reply, err := f.orch.HandleTurn(context.Background(), f.turn(tools, "send a package to Kobi"))
	if err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	if reply != "Your delivery is booked! The id is d-1." {
		t.Errorf("reply = %q", reply)
	}

	messages, _ := f.ledger.Messages(context.Background(), f.conv.ID)
	if len(messages) != 4 {
		t.Fatalf("expected 4 ledger messages, got %d", len(messages))
	}

	if messages[0].Role != ledger.RoleUser {
		t.Errorf("step 1 = %+v", messages[0])
	}
	if !messages[1].IsToolCall || messages[1].IsToolResponse {
		t.Errorf("step 2 flags wrong: %+v", messages[1])
	}
	if !strings.Contains(messages[1].Content, `"create_delivery"`) {
		t.Errorf("step 2 content = %q", messages[1].Content)
	}
	if !messages[2].IsToolResponse || messages[2].Role != ledger.RoleSystem {
		t.Errorf("step 3 = %+v", messages[2])
	}
	if messages[3].Role != ledger.RoleAssistant || messages[3].IsToolCall || messages[3].IsToolResponse {
		t.Errorf("step 4 = %+v", messages[3])
	}
}

func TestToolFailureSummarizedWithoutStatusCode(t *testing.T) {
	tools := toolServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"downstream unavailable"}`))
	})

	f := setup(t,
		inference.Response{Text: `<tool_call>{"name":"create_delivery","arguments":{}}</tool_call>`},
		inference.Response{Text: "I could not book the delivery because the delivery service is unavailable right now."},
	)

	reply, err := f.orch.HandleTurn(context.Background(), f.turn(tools, "send it"))
	if err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	if strings.Contains(reply, "500") {
		t.Errorf("reply leaks status code: %q", reply)
	}

	messages, _ := f.ledger.Messages(context.Background(), f.conv.ID)
	if len(messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(messages))
	}
	if !strings.Contains(messages[2].Content, "downstream unavailable") {
		t.Errorf("tool response payload = %q", messages[2].Content)
	}
}

func TestSummaryFailureFallsBackToTemplate(t *testing.T) {
	tools := toolServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"d-2"}`))
	})

	// Only the first generation is scripted; the summary call hits the
	// exhausted script and fails.
	f := setup(t, inference.Response{Text: `<tool_call>{"name":"create_delivery","arguments":{}}</tool_call>`})

	reply, err := f.orch.HandleTurn(context.Background(), f.turn(tools, "send it"))
	if err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	if !strings.Contains(reply, "create_delivery") {
		t.Errorf("fallback reply = %q", reply)
	}

	messages, _ := f.ledger.Messages(context.Background(), f.conv.ID)
	if len(messages) != 4 {
		t.Fatalf("expected 4 messages even on summary failure, got %d", len(messages))
	}
	if messages[3].Content != reply {
		t.Errorf("final message %q != reply %q", messages[3].Content, reply)
	}
}

func TestInferenceFailureRecordsNotice(t *testing.T) {
	f := setup(t) // empty script: every generation fails

	_, err := f.orch.HandleTurn(context.Background(), f.turn(nil, "hello"))
	if err == nil {
		t.Fatal("expected error")
	}

	messages, _ := f.ledger.Messages(context.Background(), f.conv.ID)
	if len(messages) != 2 {
		t.Fatalf("expected user message + failure notice, got %d", len(messages))
	}
	if messages[1].Role != ledger.RoleAssistant || messages[1].Content != FailureNotice {
		t.Errorf("notice = %+v", messages[1])
	}
}

func TestEmptyResponseNotice(t *testing.T) {
	f := setup(t, inference.Response{Text: "   "})

	reply, err := f.orch.HandleTurn(context.Background(), f.turn(nil, "hello"))
	if err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	if reply != EmptyResponseNotice {
		t.Errorf("reply = %q", reply)
	}
}

func TestMaxTokensRaisedWhenToolsRegistered(t *testing.T) {
	tools := []toolcall.Definition{{Name: "create_delivery", Endpoint: "http://unused.invalid", Method: "POST"}}

	f := setup(t, inference.Response{Text: "no tool needed, just chatting"})

	if _, err := f.orch.HandleTurn(context.Background(), f.turn(tools, "hi")); err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}

	f.fake.mu.Lock()
	defer f.fake.mu.Unlock()
	if len(f.fake.requests) != 1 {
		t.Fatalf("expected 1 generation, got %d", len(f.fake.requests))
	}
	if f.fake.requests[0].MaxTokens < config.ToolCallMaxTokensFloor {
		t.Errorf("max_tokens = %d, want at least %d", f.fake.requests[0].MaxTokens, config.ToolCallMaxTokensFloor)
	}
}

func TestProjectConfigOverridesGenerationDefaults(t *testing.T) {
	f := setup(t, inference.Response{Text: "hi there"})

	temperature := 0.2
	maxTokens := 999
	topP := 0.5

	turn := f.turn(nil, "hello")
	turn.Bot.Project.Config = registry.ProjectConfig{
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
		TopP:        &topP,
	}

	if _, err := f.orch.HandleTurn(context.Background(), turn); err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}

	f.fake.mu.Lock()
	defer f.fake.mu.Unlock()
	req := f.fake.requests[0]
	if req.Temperature != 0.2 || req.MaxTokens != 999 || req.TopP != 0.5 {
		t.Errorf("request knobs = temp %v, max %v, top_p %v", req.Temperature, req.MaxTokens, req.TopP)
	}
}

func TestStoredBearerTokenReplayed(t *testing.T) {
	var gotAuth string
	tools := toolServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	})

	f := setup(t,
		inference.Response{Text: `<tool_call>{"name":"create_delivery","arguments":{}}</tool_call>`},
		inference.Response{Text: "done"},
	)
	if err := f.tokens.Upsert(context.Background(), "42", "vibetune_bot", "stored-token"); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	if _, err := f.orch.HandleTurn(context.Background(), f.turn(tools, "go")); err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	if gotAuth != "Bearer stored-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestHistoryWindowFeedsPrompt(t *testing.T) {
	f := setup(t,
		inference.Response{Text: "first reply"},
		inference.Response{Text: "second reply"},
	)

	ctx := context.Background()
	if _, err := f.orch.HandleTurn(ctx, f.turn(nil, "remember the number 7")); err != nil {
		t.Fatalf("turn 1 failed: %v", err)
	}
	if _, err := f.orch.HandleTurn(ctx, f.turn(nil, "what number?")); err != nil {
		t.Fatalf("turn 2 failed: %v", err)
	}

	f.fake.mu.Lock()
	defer f.fake.mu.Unlock()
	prompt := f.fake.requests[1].Prompt
	if !strings.Contains(prompt, "remember the number 7") || !strings.Contains(prompt, "first reply") {
		t.Errorf("second prompt missing history:\n%s", prompt)
	}
}
