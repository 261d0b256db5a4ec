package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/whisper/directchat/internal/chat"
)

// Event types published on the bus.
const (
	EventMessageCreated  = "message.created"
	EventPresenceChanged = "presence.changed"
	EventTyping          = "typing"
)

// Event is the JSON body of every bus message.
type Event struct {
	Type     string        `json:"type"`
	Server   string        `json:"server"`
	At       time.Time     `json:"at"`
	ChatID   string        `json:"chatId,omitempty"`
	UserID   string        `json:"userId,omitempty"`
	Online   *bool         `json:"online,omitempty"`
	IsTyping *bool         `json:"isTyping,omitempty"`
	Message  *chat.Message `json:"message,omitempty"`
}

// Subject returns the NATS subject the event is published on.
func (e Event) Subject() string {
	switch e.Type {
	case EventMessageCreated:
		return SubjectMessage + "." + e.ChatID
	case EventPresenceChanged:
		return SubjectPresence + "." + e.UserID
	case EventTyping:
		return SubjectTyping + "." + e.ChatID
	default:
		return SubjectRoot + ".unknown"
	}
}

// PublishEvent stamps and publishes ev on its subject.
func (c *NATSClient) PublishEvent(ev Event) error {
	ev.Server = c.server
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("messaging: marshal %s: %w", ev.Type, err)
	}
	if err := c.Publish(ev.Subject(), data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", ev.Type, err)
	}
	return nil
}

// PublishMessageCreated announces a persisted message.
func (c *NATSClient) PublishMessageCreated(m chat.Message) error {
	m.ClientRef = ""
	return c.PublishEvent(Event{Type: EventMessageCreated, ChatID: m.ChatID, UserID: m.SenderID, Message: &m})
}

// PublishPresence announces a user going online or offline.
func (c *NATSClient) PublishPresence(userID string, online bool) error {
	return c.PublishEvent(Event{Type: EventPresenceChanged, UserID: userID, Online: &online})
}

// PublishTyping announces a typing change.
func (c *NATSClient) PublishTyping(chatID, userID string, isTyping bool) error {
	return c.PublishEvent(Event{Type: EventTyping, ChatID: chatID, UserID: userID, IsTyping: &isTyping})
}

// SubscribeEvents decodes every event under subject (default all dm events)
// and passes it to handler. Undecodable messages are logged and skipped.
func (c *NATSClient) SubscribeEvents(subject string, handler func(Event)) error {
	if subject == "" {
		subject = SubjectAll
	}
	return c.Subscribe(subject, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			c.log.Warn().Err(err).Str("subject", msg.Subject).Msg("undecodable event")
			return
		}
		handler(ev)
	})
}
