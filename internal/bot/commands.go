package bot

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"

	"vibetune/internal/ledger"
	"vibetune/internal/prefs"
	"vibetune/internal/transport"
)

// modelIDPattern bounds what /model accepts before it reaches the
// inference service.
var modelIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const helpText = `Here is what I understand:
/model <id> - switch to a fine-tuned model
/base - switch back to the base model
/status - show your current settings
/settings - alias for /status
/clear - start a fresh conversation
/report <text> - report a problem with my replies
/help - this message

Anything else you send me is answered by the model.`

// handleCommand answers a slash command locally, without an inference
// round trip. The command keyword is case-insensitive; arguments are the
// remainder of the line.
func (s *Session) handleCommand(ctx context.Context, update transport.Update) string {
	keyword, args, _ := strings.Cut(strings.TrimSpace(update.Text), " ")
	args = strings.TrimSpace(args)

	switch strings.ToLower(keyword) {
	case "/start":
		return fmt.Sprintf("Hi! I'm %s. Send me a message and I'll answer. Use /help to see what else I can do.", s.displayName())
	case "/help":
		return helpText
	case "/model":
		return s.commandModel(ctx, update.UserID, args)
	case "/base":
		return s.commandBase(ctx, update.UserID)
	case "/status", "/settings":
		return s.commandStatus(ctx, update.UserID)
	case "/clear":
		return s.commandClear(ctx, update)
	case "/report":
		return s.commandReport(ctx, update, args)
	default:
		return "Unknown command. Send /help to see what I understand."
	}
}

func (s *Session) displayName() string {
	if s.info.Username != "" {
		return "@" + s.info.Username
	}
	return s.cfg.Name
}

func (s *Session) commandModel(ctx context.Context, userID, modelID string) string {
	if modelID == "" {
		current, err := s.deps.Prefs.Get(ctx, userID)
		if err != nil {
			return "Could not read your settings right now. Please try again."
		}
		if current.ModelID == "" {
			return "You are on the base model. Use /model <id> to switch to a fine-tuned one."
		}
		return fmt.Sprintf("You are on model %s. Use /model <id> to switch, or /base to go back to the base model.", current.ModelID)
	}

	if !modelIDPattern.MatchString(modelID) {
		return "That model id does not look right. Ids contain only letters, digits, dashes and underscores."
	}

	return s.updatePrefs(ctx, userID, func(p *prefs.Preferences) { p.ModelID = modelID },
		fmt.Sprintf("Switched to model %s.", modelID))
}

func (s *Session) commandBase(ctx context.Context, userID string) string {
	return s.updatePrefs(ctx, userID, func(p *prefs.Preferences) { p.ModelID = "" },
		"Switched back to the base model.")
}

func (s *Session) commandStatus(ctx context.Context, userID string) string {
	current, err := s.deps.Prefs.Get(ctx, userID)
	if err != nil {
		return "Could not read your settings right now. Please try again."
	}

	model := current.ModelID
	if model == "" {
		model = "base"
	}
	return fmt.Sprintf("Bot: %s\nModel: %s\nTemperature: %.2f\nMax tokens: %d",
		s.displayName(), model, current.Temperature, current.MaxTokens)
}

func (s *Session) commandClear(ctx context.Context, update transport.Update) string {
	if _, err := s.startNewConversation(ctx, update); err != nil {
		log.Printf("bot %s: failed to clear conversation for user %s: %v", s.cfg.Name, update.UserID, err)
		return "Could not clear the conversation right now. Please try again."
	}
	return "Started a fresh conversation. Previous messages are archived."
}

func (s *Session) commandReport(ctx context.Context, update transport.Update, text string) string {
	if text == "" {
		return "Tell me what went wrong: /report <what happened>"
	}

	// Reports land in the ledger alongside the conversation they
	// concern, under role system so they stay out of prompts. The
	// reported conversation is then archived so the user continues on a
	// clean one.
	conv, err := s.deps.Ledger.Current(ctx, s.info.BotID, s.info.ProjectID, update.UserID, conversationTitle(update))
	if err == nil {
		_, err = s.deps.Ledger.Append(ctx, conv.ID, reportEntry(update, text))
	}
	if err == nil {
		_, err = s.startNewConversation(ctx, update)
	}
	if err != nil {
		log.Printf("bot %s: failed to record report from user %s: %v", s.cfg.Name, update.UserID, err)
		return "Could not record your report right now. Please try again."
	}
	return "Thanks, your report has been recorded. We'll continue in a fresh conversation."
}

// reportEntry is stored with role system so prompt assembly never
// renders it back to the model.
func reportEntry(update transport.Update, text string) ledger.AppendParams {
	return ledger.AppendParams{
		Role:    ledger.RoleSystem,
		Content: fmt.Sprintf("[user report from %s] %s", update.UserID, text),
	}
}

func (s *Session) updatePrefs(ctx context.Context, userID string, mutate func(*prefs.Preferences), confirmation string) string {
	current, err := s.deps.Prefs.Get(ctx, userID)
	if err != nil {
		return "Could not read your settings right now. Please try again."
	}
	mutate(&current)
	if err := s.deps.Prefs.Set(ctx, userID, current); err != nil {
		log.Printf("failed to save preferences for user %s: %v", userID, err)
		return "Could not save your settings right now. Please try again."
	}
	return confirmation
}
