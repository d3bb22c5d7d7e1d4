package domain

import "time"

const (
	NotificationWelcome = "welcome"
	NotificationInfo    = "info"

	welcomeMessage = "Connected to notification service"
)

// Notification is the payload pushed to connected sessions.
type Notification struct {
	Type    string    `json:"type"`
	Message string    `json:"message"`
	Event   *Envelope `json:"event,omitempty"`
	At      string    `json:"at"`
}

// MessageFor returns the human readable text for an event.
func MessageFor(env Envelope) string {
	switch env.Type {
	case TaskCreated:
		return "Task created: " + env.taskTitle()
	case TaskUpdated:
		return "Task updated: " + env.taskTitle()
	case TaskDeleted:
		return "Task deleted: " + env.TaskID
	default:
		return "Task event"
	}
}

func (e Envelope) taskTitle() string {
	if e.Task == nil {
		return ""
	}
	return e.Task.Title
}

// NotificationFor derives the push payload for a routed event.
func NotificationFor(env Envelope, now time.Time) Notification {
	ev := env
	return Notification{
		Type:    env.Type,
		Message: MessageFor(env),
		Event:   &ev,
		At:      FormatTime(now),
	}
}

func Welcome(now time.Time) Notification {
	return Notification{Type: NotificationWelcome, Message: welcomeMessage, At: FormatTime(now)}
}

func Info(message string, now time.Time) Notification {
	return Notification{Type: NotificationInfo, Message: message, At: FormatTime(now)}
}

// FormatTime renders t the way envelopes and notifications carry timestamps.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
