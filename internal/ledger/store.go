// Package ledger is the append-only, ordered message log of every
// conversation. Messages are never updated or deleted; clearing a
// conversation archives it and starts a fresh one.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"vibetune/internal/fault"
	"vibetune/pkg/db"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type Conversation struct {
	ID             string
	ProjectID      string
	BotID          string
	ExternalUserID string
	Title          string
	Archived       bool
	CreatedAt      int64
	UpdatedAt      int64
}

// Message is one ledger entry. Seq is assigned by the database and
// defines the ordering contract; for tool calls and tool responses
// Content is a serialized tagged payload, not prose.
type Message struct {
	Seq            int64
	ID             string
	ConversationID string
	Role           string
	Content        string
	IsToolCall     bool
	IsToolResponse bool
	ToolCalls      string
	InputTokens    int
	OutputTokens   int
	BotUsername    string
	CreatedAt      int64
}

// AppendParams describes a message to append. ToolCalls, when non-nil,
// is marshaled to JSON and stored alongside the content.
type AppendParams struct {
	Role           string
	Content        string
	IsToolCall     bool
	IsToolResponse bool
	ToolCalls      any
	InputTokens    int
	OutputTokens   int
	BotUsername    string
}

type Store struct {
	h *db.Handle
}

func NewStore(h *db.Handle) *Store {
	return &Store{h: h}
}

// Current returns the user's current (non-archived) conversation for the
// (bot, project) pair, creating one when none exists. title is only used
// when a new conversation is created.
func (s *Store) Current(ctx context.Context, botID, projectID, userID, title string) (Conversation, error) {
	const op = "ledger.current"

	var c Conversation
	err := s.h.Read().QueryRowContext(ctx,
		`SELECT id, project_id, bot_id, external_user_id, title, archived, created_at, updated_at
		 FROM conversations
		 WHERE bot_id = ? AND project_id = ? AND external_user_id = ? AND archived = FALSE
		 ORDER BY created_at DESC LIMIT 1`,
		botID, projectID, userID).
		Scan(&c.ID, &c.ProjectID, &c.BotID, &c.ExternalUserID, &c.Title, &c.Archived, &c.CreatedAt, &c.UpdatedAt)
	if err == nil {
		return c, nil
	}
	if err != sql.ErrNoRows {
		return Conversation{}, fault.New(fault.Persistence, op, err)
	}

	return s.create(ctx, botID, projectID, userID, title)
}

// StartNew archives the user's current conversation (if any) and creates
// a fresh one. The archived history stays readable forever.
func (s *Store) StartNew(ctx context.Context, botID, projectID, userID, title string) (Conversation, error) {
	const op = "ledger.start_new"

	_, err := s.h.Write().ExecContext(ctx,
		`UPDATE conversations SET archived = TRUE, updated_at = ?
		 WHERE bot_id = ? AND project_id = ? AND external_user_id = ? AND archived = FALSE`,
		time.Now().Unix(), botID, projectID, userID)
	if err != nil {
		return Conversation{}, fault.New(fault.Persistence, op, err)
	}

	return s.create(ctx, botID, projectID, userID, title)
}

func (s *Store) create(ctx context.Context, botID, projectID, userID, title string) (Conversation, error) {
	const op = "ledger.create"

	now := time.Now().Unix()
	c := Conversation{
		ID:             uuid.NewString(),
		ProjectID:      projectID,
		BotID:          botID,
		ExternalUserID: userID,
		Title:          title,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	_, err := s.h.Write().ExecContext(ctx,
		`INSERT INTO conversations(id, project_id, bot_id, external_user_id, title, archived, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, FALSE, ?, ?)`,
		c.ID, c.ProjectID, c.BotID, c.ExternalUserID, c.Title, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return Conversation{}, fault.New(fault.Persistence, op, err)
	}

	return c, nil
}

// Append writes one message. Each append is its own atomic unit; the
// four-step ordering of a tool-bearing turn is a best-effort sequence of
// independent appends, not a transaction.
func (s *Store) Append(ctx context.Context, conversationID string, p AppendParams) (Message, error) {
	const op = "ledger.append"

	m := Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           p.Role,
		Content:        p.Content,
		IsToolCall:     p.IsToolCall,
		IsToolResponse: p.IsToolResponse,
		InputTokens:    p.InputTokens,
		OutputTokens:   p.OutputTokens,
		BotUsername:    p.BotUsername,
		CreatedAt:      time.Now().Unix(),
	}

	if p.ToolCalls != nil {
		encoded, err := json.Marshal(p.ToolCalls)
		if err != nil {
			return Message{}, fault.New(fault.Persistence, op, err)
		}
		m.ToolCalls = string(encoded)
	}

	res, err := s.h.Write().ExecContext(ctx,
		`INSERT INTO messages(id, conversation_id, role, content, is_tool_call, is_tool_response,
		                      tool_calls, input_tokens, output_tokens, bot_username, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Role, m.Content, m.IsToolCall, m.IsToolResponse,
		nullable(m.ToolCalls), m.InputTokens, m.OutputTokens, nullable(m.BotUsername), m.CreatedAt)
	if err != nil {
		return Message{}, fault.New(fault.Persistence, op, err)
	}

	if seq, err := res.LastInsertId(); err == nil {
		m.Seq = seq
	}

	// Touch the conversation; failure here is not worth failing the append.
	s.h.Write().ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, m.CreatedAt, conversationID)

	return m, nil
}

// Messages returns every message of a conversation in ledger order.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	return s.query(ctx,
		`SELECT seq, id, conversation_id, role, content, is_tool_call, is_tool_response,
		        tool_calls, input_tokens, output_tokens, bot_username, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY seq ASC`,
		conversationID)
}

// History returns the most recent limit prompt-relevant messages (tool
// calls and tool responses excluded) in ledger order.
func (s *Store) History(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	messages, err := s.query(ctx,
		`SELECT seq, id, conversation_id, role, content, is_tool_call, is_tool_response,
		        tool_calls, input_tokens, output_tokens, bot_username, created_at
		 FROM messages
		 WHERE conversation_id = ? AND is_tool_call = FALSE AND is_tool_response = FALSE
		 ORDER BY seq DESC LIMIT ?`,
		conversationID, limit)
	if err != nil {
		return nil, err
	}

	// Flip back into chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Message, error) {
	const op = "ledger.read"

	rows, err := s.h.Read().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fault.New(fault.Persistence, op, err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var (
			m           Message
			toolCalls   sql.NullString
			inTokens    sql.NullInt64
			outTokens   sql.NullInt64
			botUsername sql.NullString
		)
		if err := rows.Scan(&m.Seq, &m.ID, &m.ConversationID, &m.Role, &m.Content,
			&m.IsToolCall, &m.IsToolResponse, &toolCalls, &inTokens, &outTokens,
			&botUsername, &m.CreatedAt); err != nil {
			return nil, fault.New(fault.Persistence, op, err)
		}
		m.ToolCalls = toolCalls.String
		m.InputTokens = int(inTokens.Int64)
		m.OutputTokens = int(outTokens.Int64)
		m.BotUsername = botUsername.String
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.New(fault.Persistence, op, err)
	}

	return messages, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
