// Package store is the persistence gateway for users, chats and messages.
//
// Two implementations are provided: Postgres, the production backend, and
// Memory, which keeps everything in process and is used by tests and local
// tooling. Both return errors wrapping the chat package sentinels so callers
// can map them with errors.Is.
package store

import (
	"context"
	"time"

	"github.com/whisper/directchat/internal/chat"
)

// Gateway is the storage contract the dispatcher and REST layer depend on.
type Gateway interface {
	CreateUser(ctx context.Context, u chat.User) (chat.User, error)
	GetUser(ctx context.Context, id string) (chat.User, error)

	// SetPresence updates the persisted, non-authoritative online flag.
	SetPresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error

	// GetOrCreateChat returns the single chat for the unordered pair {a, b},
	// creating it if needed. created reports whether this call created it.
	GetOrCreateChat(ctx context.Context, a, b string) (c *chat.Chat, created bool, err error)
	GetChat(ctx context.Context, id string) (*chat.Chat, error)

	// ListChatsForUser orders by last message time descending; chats
	// without messages come last, newest first.
	ListChatsForUser(ctx context.Context, userID string) ([]chat.Chat, error)

	// CreateMessage persists m, assigning an ID when empty.
	CreateMessage(ctx context.Context, m *chat.Message) error
	UpdateChatSummary(ctx context.Context, chatID, preview string, at time.Time) error

	// ListMessages returns a chat's history in ascending creation order.
	ListMessages(ctx context.Context, chatID string) ([]chat.Message, error)
}
