// Package transport is the chat-side boundary: receiving end-user
// messages and sending replies. The daemon talks to it only through the
// Transport interface; the concrete implementation is a Telegram-style
// bot-API long poller.
package transport

import (
	"context"
)

// Update is one inbound chat message.
type Update struct {
	// ID is the transport's monotonically increasing update id, used
	// to acknowledge consumption.
	ID       int64
	ChatID   int64
	UserID   string
	Username string
	Text     string
}

// Transport receives updates for one bot and sends its replies.
type Transport interface {
	// Poll blocks up to the long-poll window and returns any pending
	// updates. An empty slice is a normal timeout, not an error.
	Poll(ctx context.Context) ([]Update, error)
	// Send delivers one text reply to a chat.
	Send(ctx context.Context, chatID int64, text string) error
	Close() error
}

// Factory builds a Transport for a bot token. The lifecycle manager
// takes one of these so tests can substitute an in-memory transport.
type Factory func(token string) Transport
