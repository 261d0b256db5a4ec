package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/directchat/internal/chat"
)

type memChat struct {
	id              string
	low, high       string
	lastMessage     *string
	lastMessageTime *time.Time
	createdAt       time.Time
}

type memMessage struct {
	seq int64
	msg chat.Message
}

// Memory is an in-process Gateway. It is safe for concurrent use.
type Memory struct {
	mu       sync.RWMutex
	users    map[string]chat.User
	chats    map[string]*memChat
	pairs    map[[2]string]string // ordered pair -> chat id
	messages map[string][]memMessage
	seq      int64

	now func() time.Time
}

// NewMemory returns an empty in-memory gateway.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]chat.User),
		chats:    make(map[string]*memChat),
		pairs:    make(map[[2]string]string),
		messages: make(map[string][]memMessage),
		now:      time.Now,
	}
}

func (m *Memory) CreateUser(_ context.Context, u chat.User) (chat.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if _, ok := m.users[u.ID]; ok {
		return chat.User{}, fmt.Errorf("store: create user: %w: duplicate id %s", chat.ErrPersistence, u.ID)
	}
	m.users[u.ID] = u
	return u, nil
}

func (m *Memory) GetUser(_ context.Context, id string) (chat.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return chat.User{}, fmt.Errorf("store: user %s: %w", id, chat.ErrNotFound)
	}
	return u, nil
}

func (m *Memory) SetPresence(_ context.Context, userID string, online bool, lastSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return nil
	}
	u.IsOnline = online
	ls := lastSeen.UTC()
	u.LastSeen = &ls
	m.users[userID] = u
	return nil
}

func (m *Memory) GetOrCreateChat(_ context.Context, a, b string) (*chat.Chat, bool, error) {
	if a == b {
		return nil, false, fmt.Errorf("store: chat with self: %w", chat.ErrValidation)
	}
	low, high := chat.OrderedPair(a, b)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[low]; !ok {
		return nil, false, fmt.Errorf("store: user %s: %w", low, chat.ErrNotFound)
	}
	if _, ok := m.users[high]; !ok {
		return nil, false, fmt.Errorf("store: user %s: %w", high, chat.ErrNotFound)
	}

	key := [2]string{low, high}
	if id, ok := m.pairs[key]; ok {
		c := m.buildChat(m.chats[id])
		return &c, false, nil
	}

	mc := &memChat{id: uuid.NewString(), low: low, high: high, createdAt: m.now().UTC()}
	m.chats[mc.id] = mc
	m.pairs[key] = mc.id
	c := m.buildChat(mc)
	return &c, true, nil
}

func (m *Memory) GetChat(_ context.Context, id string) (*chat.Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mc, ok := m.chats[id]
	if !ok {
		return nil, fmt.Errorf("store: chat %s: %w", id, chat.ErrNotFound)
	}
	c := m.buildChat(mc)
	return &c, nil
}

func (m *Memory) ListChatsForUser(_ context.Context, userID string) ([]chat.Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var list []*memChat
	for _, mc := range m.chats {
		if mc.low == userID || mc.high == userID {
			list = append(list, mc)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		switch {
		case a.lastMessageTime != nil && b.lastMessageTime != nil:
			if !a.lastMessageTime.Equal(*b.lastMessageTime) {
				return a.lastMessageTime.After(*b.lastMessageTime)
			}
		case a.lastMessageTime != nil:
			return true
		case b.lastMessageTime != nil:
			return false
		}
		return a.createdAt.After(b.createdAt)
	})

	chats := make([]chat.Chat, 0, len(list))
	for _, mc := range list {
		chats = append(chats, m.buildChat(mc))
	}
	return chats, nil
}

func (m *Memory) CreateMessage(_ context.Context, msg *chat.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.chats[msg.ChatID]; !ok {
		return fmt.Errorf("store: create message: %w: unknown chat %s", chat.ErrPersistence, msg.ChatID)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if len(msg.ReadBy) == 0 {
		msg.ReadBy = []string{msg.SenderID}
	}

	stored := *msg
	stored.ClientRef = ""
	stored.Sender = nil
	stored.ReadBy = append([]string(nil), msg.ReadBy...)
	m.seq++
	m.messages[msg.ChatID] = append(m.messages[msg.ChatID], memMessage{seq: m.seq, msg: stored})
	return nil
}

func (m *Memory) UpdateChatSummary(_ context.Context, chatID, preview string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mc, ok := m.chats[chatID]
	if !ok {
		return fmt.Errorf("store: chat %s: %w", chatID, chat.ErrNotFound)
	}
	p := preview
	t := at.UTC()
	mc.lastMessage = &p
	mc.lastMessageTime = &t
	return nil
}

func (m *Memory) ListMessages(_ context.Context, chatID string) ([]chat.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := append([]memMessage(nil), m.messages[chatID]...)
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
			return a.msg.CreatedAt.Before(b.msg.CreatedAt)
		}
		return a.seq < b.seq
	})

	msgs := make([]chat.Message, 0, len(rows))
	for _, r := range rows {
		msg := r.msg
		msg.ReadBy = append([]string(nil), r.msg.ReadBy...)
		if u, ok := m.users[msg.SenderID]; ok {
			s := u.Summary()
			msg.Sender = &s
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// buildChat must be called with m.mu held.
func (m *Memory) buildChat(mc *memChat) chat.Chat {
	c := chat.Chat{
		ID: mc.id,
		Participants: []chat.UserSummary{
			m.users[mc.low].Summary(),
			m.users[mc.high].Summary(),
		},
		CreatedAt: mc.createdAt,
	}
	if mc.lastMessage != nil {
		s := *mc.lastMessage
		c.LastMessage = &s
	}
	if mc.lastMessageTime != nil {
		t := *mc.lastMessageTime
		c.LastMessageTime = &t
	}
	return c
}
