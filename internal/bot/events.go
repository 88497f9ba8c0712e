package bot

import "time"

type EventType string

const (
	EventBotStarted    EventType = "bot_started"
	EventBotStopped    EventType = "bot_stopped"
	EventSyncCompleted EventType = "sync_completed"
)

// Event is one lifecycle state change, published to the manager's broker
// so the daemon can log and expose what happened.
type Event struct {
	Type   EventType
	Bot    string
	Detail string
	Time   time.Time
}

func newEvent(eventType EventType, botName, detail string) Event {
	return Event{
		Type:   eventType,
		Bot:    botName,
		Detail: detail,
		Time:   time.Now(),
	}
}
