package ledger

import (
	"context"
	"path/filepath"
	"testing"

	"vibetune/pkg/db"
	"vibetune/pkg/migration"
)

func setupStore(t *testing.T) *Store {
	t.Helper()

	h, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { h.Close() })

	if err := migration.NewRunner(h.Write()).Run(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	return NewStore(h)
}

func TestCurrentCreatesThenReuses(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	first, err := store.Current(ctx, "bot1", "proj1", "user1", "Chat with alice")
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if first.ID == "" || first.Title != "Chat with alice" {
		t.Errorf("unexpected conversation: %+v", first)
	}

	second, err := store.Current(ctx, "bot1", "proj1", "user1", "ignored title")
	if err != nil {
		t.Fatalf("second Current failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected the same conversation, got %s and %s", first.ID, second.ID)
	}

	// A different user gets a different conversation.
	other, err := store.Current(ctx, "bot1", "proj1", "user2", "Chat with bob")
	if err != nil {
		t.Fatalf("Current for user2 failed: %v", err)
	}
	if other.ID == first.ID {
		t.Error("conversations must be per-user")
	}
}

func TestStartNewArchivesOldConversation(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	old, err := store.Current(ctx, "bot1", "proj1", "user1", "old")
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if _, err := store.Append(ctx, old.ID, AppendParams{Role: RoleUser, Content: "hello"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	fresh, err := store.StartNew(ctx, "bot1", "proj1", "user1", "fresh")
	if err != nil {
		t.Fatalf("StartNew failed: %v", err)
	}
	if fresh.ID == old.ID {
		t.Fatal("StartNew must create a new conversation")
	}

	current, err := store.Current(ctx, "bot1", "proj1", "user1", "")
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if current.ID != fresh.ID {
		t.Errorf("current = %s, want the fresh conversation %s", current.ID, fresh.ID)
	}

	// The archived conversation keeps its history.
	messages, err := store.Messages(ctx, old.ID)
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(messages) != 1 || messages[0].Content != "hello" {
		t.Errorf("archived history lost: %+v", messages)
	}
}

func TestFourStepOrdering(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	conv, err := store.Current(ctx, "bot1", "proj1", "user1", "t")
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}

	steps := []AppendParams{
		{Role: RoleUser, Content: "send a package to Kobi"},
		{Role: RoleAssistant, Content: `<tool_call>{"name":"create_delivery"}</tool_call>`, IsToolCall: true},
		{Role: RoleSystem, Content: `<tool_response>{"success":true}</tool_response>`, IsToolResponse: true},
		{Role: RoleAssistant, Content: "Your delivery is booked."},
	}
	for _, p := range steps {
		if _, err := store.Append(ctx, conv.ID, p); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	messages, err := store.Messages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(messages))
	}

	if messages[0].Role != RoleUser ||
		!messages[1].IsToolCall ||
		!messages[2].IsToolResponse || messages[2].Role != RoleSystem ||
		messages[3].Role != RoleAssistant || messages[3].IsToolCall || messages[3].IsToolResponse {
		t.Errorf("ordering contract violated: %+v", messages)
	}

	for i := 1; i < len(messages); i++ {
		if messages[i].Seq <= messages[i-1].Seq {
			t.Errorf("seq not monotonic at index %d", i)
		}
	}
}

func TestHistoryExcludesToolTraffic(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	conv, _ := store.Current(ctx, "bot1", "proj1", "user1", "t")

	appends := []AppendParams{
		{Role: RoleUser, Content: "one"},
		{Role: RoleAssistant, Content: "tc", IsToolCall: true},
		{Role: RoleSystem, Content: "tr", IsToolResponse: true},
		{Role: RoleAssistant, Content: "two"},
		{Role: RoleUser, Content: "three"},
		{Role: RoleAssistant, Content: "four"},
	}
	for _, p := range appends {
		if _, err := store.Append(ctx, conv.ID, p); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	history, err := store.History(ctx, conv.ID, 3)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(history))
	}

	// Most recent three non-tool messages, oldest first.
	want := []string{"two", "three", "four"}
	for i, w := range want {
		if history[i].Content != w {
			t.Errorf("history[%d] = %q, want %q", i, history[i].Content, w)
		}
	}
}

func TestAppendStoresToolCallPayload(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	conv, _ := store.Current(ctx, "bot1", "proj1", "user1", "t")

	msg, err := store.Append(ctx, conv.ID, AppendParams{
		Role:        RoleAssistant,
		Content:     "tc",
		IsToolCall:  true,
		ToolCalls:   map[string]any{"name": "lookup"},
		BotUsername: "vibetune_bot",
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if msg.ToolCalls == "" {
		t.Error("expected serialized tool calls payload")
	}

	messages, _ := store.Messages(ctx, conv.ID)
	if messages[0].ToolCalls != `{"name":"lookup"}` {
		t.Errorf("tool_calls = %q", messages[0].ToolCalls)
	}
	if messages[0].BotUsername != "vibetune_bot" {
		t.Errorf("bot_username = %q", messages[0].BotUsername)
	}
}
