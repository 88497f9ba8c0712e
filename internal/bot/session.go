package bot

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"vibetune/config"
	"vibetune/internal/ledger"
	"vibetune/internal/orchestrator"
	"vibetune/internal/registry"
	"vibetune/internal/transport"
)

// pollRetryDelay spaces out retries after a failed long poll so a dead
// transport does not spin the loop.
const pollRetryDelay = 3 * time.Second

// chatQueueDepth bounds how many pending updates one chat may hold; a
// full queue backpressures the poll loop rather than dropping turns.
const chatQueueDepth = 64

// Session is one running bot: a poll loop feeding inbound messages into
// the orchestrator, with replies sent back over the same transport.
type Session struct {
	cfg    config.BotConfig
	info   registry.BotInfo
	tr     transport.Transport
	deps   Deps
	cancel context.CancelFunc
	done   chan struct{}

	// chatQueues holds one update channel per chat, each drained by a
	// single consumer goroutine, so turns from the same chat run one at
	// a time in arrival order. Different chats run concurrently. Values
	// are chan transport.Update.
	chatQueues sync.Map
}

func newSession(cfg config.BotConfig, info registry.BotInfo, tr transport.Transport, deps Deps) *Session {
	return &Session{
		cfg:  cfg,
		info: info,
		tr:   tr,
		deps: deps,
		done: make(chan struct{}),
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	for {
		updates, err := s.tr.Poll(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("bot %s: poll failed: %v", s.cfg.Name, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollRetryDelay):
			}
			continue
		}

		for _, update := range updates {
			s.enqueue(ctx, update)
		}
	}
}

// enqueue routes an update to its chat's queue, spawning the chat's
// consumer on first contact.
func (s *Session) enqueue(ctx context.Context, update transport.Update) {
	v, loaded := s.chatQueues.LoadOrStore(update.ChatID, make(chan transport.Update, chatQueueDepth))
	queue := v.(chan transport.Update)
	if !loaded {
		go s.consumeChat(ctx, queue)
	}

	select {
	case queue <- update:
	case <-ctx.Done():
	}
}

func (s *Session) consumeChat(ctx context.Context, queue chan transport.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case update := <-queue:
			s.handleUpdate(ctx, update)
		}
	}
}

func (s *Session) handleUpdate(ctx context.Context, update transport.Update) {
	reply := s.respond(ctx, update)
	if reply == "" {
		return
	}
	if err := s.tr.Send(ctx, update.ChatID, reply); err != nil {
		log.Printf("bot %s: failed to send reply to chat %d: %v", s.cfg.Name, update.ChatID, err)
	}
}

// respond produces the reply text for one update: slash commands are
// answered locally, everything else goes through a full orchestrated turn.
func (s *Session) respond(ctx context.Context, update transport.Update) string {
	if strings.HasPrefix(update.Text, "/") {
		return s.handleCommand(ctx, update)
	}

	conv, err := s.deps.Ledger.Current(ctx, s.info.BotID, s.info.ProjectID, update.UserID, conversationTitle(update))
	if err != nil {
		log.Printf("bot %s: failed to resolve conversation for user %s: %v", s.cfg.Name, update.UserID, err)
		return orchestrator.FailureNotice
	}

	preferences, err := s.deps.Prefs.Get(ctx, update.UserID)
	if err != nil {
		log.Printf("bot %s: failed to load preferences for user %s: %v", s.cfg.Name, update.UserID, err)
		preferences = s.deps.Prefs.Defaults()
	}

	tools, err := s.deps.Registry.Tools(ctx, s.info.ProjectID)
	if err != nil {
		// A turn without tools is still useful; degrade rather than fail.
		log.Printf("bot %s: failed to load tools for project %s: %v", s.cfg.Name, s.info.ProjectID, err)
	}

	reply, err := s.deps.Orchestrator.HandleTurn(ctx, orchestrator.Turn{
		Conversation: conv,
		Bot:          s.info,
		Tools:        tools,
		UserID:       update.UserID,
		Text:         update.Text,
		Prefs:        preferences,
	})
	if err != nil {
		log.Printf("bot %s: turn failed for user %s: %v", s.cfg.Name, update.UserID, err)
		return orchestrator.FailureNotice
	}
	return reply
}

func conversationTitle(update transport.Update) string {
	if update.Username != "" {
		return fmt.Sprintf("Chat with %s", update.Username)
	}
	return fmt.Sprintf("Chat with %s", update.UserID)
}

func (s *Session) startNewConversation(ctx context.Context, update transport.Update) (ledger.Conversation, error) {
	return s.deps.Ledger.StartNew(ctx, s.info.BotID, s.info.ProjectID, update.UserID, conversationTitle(update))
}

// close tears the session down: cancels the poll loop and closes the
// transport, waiting briefly for the loop to drain.
func (s *Session) close() {
	if s.cancel != nil {
		s.cancel()
	}
	if err := s.tr.Close(); err != nil {
		log.Printf("bot %s: transport close failed: %v", s.cfg.Name, err)
	}

	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		log.Printf("bot %s: poll loop did not exit in time", s.cfg.Name)
	}
}
