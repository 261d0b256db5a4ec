// Package chat holds the durable domain model of the direct-messaging
// service: users, two-party chats and messages, plus the error taxonomy
// shared by the persistence, fan-out and transport layers.
package chat

import (
	"time"
	"unicode/utf8"
)

// PreviewRunes is the length of the denormalized lastMessage preview.
const PreviewRunes = 50

// User is a persisted account. IsOnline and LastSeen are best-effort copies;
// the presence registry is authoritative for "online now".
type User struct {
	ID        string     `json:"id" db:"id"`
	Name      string     `json:"name" db:"name"`
	Email     string     `json:"email" db:"email"`
	AvatarURL string     `json:"avatarUrl" db:"avatar_url"`
	IsOnline  bool       `json:"isOnline" db:"is_online"`
	LastSeen  *time.Time `json:"lastSeen,omitempty" db:"last_seen"`
}

// Summary returns the public projection embedded in chats and messages.
func (u User) Summary() UserSummary {
	return UserSummary{
		ID:        u.ID,
		Name:      u.Name,
		AvatarURL: u.AvatarURL,
		IsOnline:  u.IsOnline,
		LastSeen:  u.LastSeen,
	}
}

// UserSummary is the participant/sender shape returned to clients.
type UserSummary struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	AvatarURL string     `json:"avatarUrl"`
	IsOnline  bool       `json:"isOnline"`
	LastSeen  *time.Time `json:"lastSeen,omitempty"`
}

// Chat is an unordered pair of distinct users with a denormalized summary of
// its latest message. The participant set never changes after creation.
type Chat struct {
	ID              string        `json:"id"`
	Participants    []UserSummary `json:"participants"`
	LastMessage     *string       `json:"lastMessage"`
	LastMessageTime *time.Time    `json:"lastMessageTime"`
	CreatedAt       time.Time     `json:"createdAt"`
}

// IsParticipant reports whether userID is one of the chat's two users.
func (c *Chat) IsParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// Other returns the participant that is not userID, or "" if userID is not
// a participant.
func (c *Chat) Other(userID string) string {
	if !c.IsParticipant(userID) {
		return ""
	}
	for _, p := range c.Participants {
		if p.ID != userID {
			return p.ID
		}
	}
	return ""
}

// ParticipantIDs returns the participant ids in stored (sorted) order.
func (c *Chat) ParticipantIDs() []string {
	ids := make([]string, len(c.Participants))
	for i, p := range c.Participants {
		ids[i] = p.ID
	}
	return ids
}

// Message is a persisted text message.
type Message struct {
	ID        string       `json:"id"`
	ChatID    string       `json:"chatId"`
	SenderID  string       `json:"senderId"`
	Sender    *UserSummary `json:"sender,omitempty"`
	Text      string       `json:"text"`
	CreatedAt time.Time    `json:"createdAt"`
	ReadBy    []string     `json:"readBy"`

	// ClientRef is the sender's correlation token. It is echoed back on the
	// send response, the confirmation and the live push but never stored.
	ClientRef string `json:"clientRef,omitempty"`
}

// OrderedPair returns a and b sorted so that an unordered pair has one key.
func OrderedPair(a, b string) (low, high string) {
	if a < b {
		return a, b
	}
	return b, a
}

// Preview truncates text to the first PreviewRunes characters.
func Preview(text string) string {
	if utf8.RuneCountInString(text) <= PreviewRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:PreviewRunes])
}
