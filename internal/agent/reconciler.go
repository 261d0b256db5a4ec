// Package agent is the client side of the service. Reconciler merges loaded
// history, optimistic local sends and live pushes into one ordered message
// list for the active chat; Client drives it over a live connection and the
// REST API.
package agent

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/directchat/internal/chat"
	"github.com/whisper/directchat/internal/protocol"
)

// Entry is one row of the rendered message list. Pending entries have no
// persisted ID yet and carry the ClientRef used to promote them.
type Entry struct {
	Message chat.Message
	Pending bool
}

type pending struct {
	ref    string
	chatID string
	text   string
	at     time.Time
}

// Reconciler holds the client's view of chats, the active chat's messages,
// typing indicators and presence. It is safe for concurrent use.
type Reconciler struct {
	mu sync.RWMutex

	self   string
	active string

	confirmed []chat.Message // active chat, chronological
	ids       map[string]bool
	pending   []pending // all chats, in creation order

	typing map[string]string // chatID -> user currently typing
	online map[string]bool
	chats  []chat.Chat

	now func() time.Time
}

// NewReconciler creates a Reconciler for the signed-in user self.
func NewReconciler(self string) *Reconciler {
	return &Reconciler{
		self:   self,
		ids:    make(map[string]bool),
		typing: make(map[string]string),
		online: make(map[string]bool),
		now:    time.Now,
	}
}

// Self returns the signed-in user id.
func (r *Reconciler) Self() string { return r.self }

// SetActiveChat switches the active chat and clears the message list. The
// caller is expected to load history next.
func (r *Reconciler) SetActiveChat(chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = chatID
	r.confirmed = nil
	r.ids = make(map[string]bool)
}

// ActiveChat returns the active chat id, or "" when none is open.
func (r *Reconciler) ActiveChat() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// OnHistoryLoaded merges history into the active chat's messages. Messages
// already merged from live pushes or confirmations while the request was in
// flight are kept. A response for a chat that is no longer active is dropped
// and false is returned. Unconfirmed pending sends stay visible.
func (r *Reconciler) OnHistoryLoaded(chatID string, history []chat.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if chatID != r.active {
		return false
	}

	merged := make([]chat.Message, 0, len(history)+len(r.confirmed))
	ids := make(map[string]bool, len(history)+len(r.confirmed))
	for _, m := range history {
		if ids[m.ID] {
			continue
		}
		ids[m.ID] = true
		merged = append(merged, m)
	}
	for _, m := range r.confirmed {
		if ids[m.ID] {
			continue
		}
		ids[m.ID] = true
		merged = append(merged, m)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.Before(merged[j].CreatedAt)
	})
	r.confirmed = merged
	r.ids = ids
	return true
}

// AddPending records an optimistic send and returns the client reference
// to attach to it.
func (r *Reconciler) AddPending(chatID, text string) string {
	ref := uuid.NewString()
	r.mu.Lock()
	r.pending = append(r.pending, pending{ref: ref, chatID: chatID, text: text, at: r.now()})
	r.mu.Unlock()
	return ref
}

// OnLocalSendConfirmed merges the persisted result of a local send.
func (r *Reconciler) OnLocalSendConfirmed(m chat.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mergeLocked(m)
}

// OnLivePush merges a message pushed over the live connection. Messages
// for other chats are not merged. The return value asks the caller to
// reload the chat list, which every live message does.
func (r *Reconciler) OnLivePush(m chat.Message) (refresh bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mergeLocked(m)
	return true
}

// OnSendFailed drops the pending entry for ref and returns its text so the
// caller can put it back in the composer. ok is false for an unknown ref.
func (r *Reconciler) OnSendFailed(ref string) (text string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.takePendingLocked(ref)
	return p.text, ok
}

// mergeLocked promotes a matching pending entry and appends m to the active
// list unless its ID is already there. Must be called with mu held.
func (r *Reconciler) mergeLocked(m chat.Message) {
	if m.ClientRef != "" {
		r.takePendingLocked(m.ClientRef)
	}
	if r.typing[m.ChatID] == m.SenderID {
		delete(r.typing, m.ChatID)
	}

	if m.ChatID != r.active || r.ids[m.ID] {
		return
	}
	r.ids[m.ID] = true

	// Insert keeping chronological order; equal timestamps keep arrival order.
	i := sort.Search(len(r.confirmed), func(i int) bool {
		return r.confirmed[i].CreatedAt.After(m.CreatedAt)
	})
	r.confirmed = append(r.confirmed, chat.Message{})
	copy(r.confirmed[i+1:], r.confirmed[i:])
	r.confirmed[i] = m
}

func (r *Reconciler) takePendingLocked(ref string) (pending, bool) {
	for i, p := range r.pending {
		if p.ref == ref {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return p, true
		}
	}
	return pending{}, false
}

// Messages returns the active chat's list: confirmed messages in
// chronological order followed by pending sends.
func (r *Reconciler) Messages() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.confirmed)+len(r.pending))
	for _, m := range r.confirmed {
		out = append(out, Entry{Message: m})
	}
	for _, p := range r.pending {
		if p.chatID != r.active {
			continue
		}
		out = append(out, Entry{
			Message: chat.Message{ChatID: p.chatID, SenderID: r.self, Text: p.text, CreatedAt: p.at, ClientRef: p.ref},
			Pending: true,
		})
	}
	return out
}

// OnTyping applies a typing notice. Notices about self are ignored.
func (r *Reconciler) OnTyping(n protocol.TypingNotice) {
	if n.UserID == r.self {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if n.IsTyping {
		r.typing[n.ChatID] = n.UserID
		return
	}
	if r.typing[n.ChatID] == n.UserID {
		delete(r.typing, n.ChatID)
	}
}

// IsOtherTyping reports whether the other participant of chatID is typing.
func (r *Reconciler) IsOtherTyping(chatID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.typing[chatID]
	return ok && u != r.self
}

// OnPresenceSnapshot replaces the online set.
func (r *Reconciler) OnPresenceSnapshot(userIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.online = make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		r.online[id] = true
	}
}

// OnPresenceChange applies one join or leave.
func (r *Reconciler) OnPresenceChange(userID string, online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if online {
		r.online[userID] = true
	} else {
		delete(r.online, userID)
	}
}

// Online reports whether userID is currently online.
func (r *Reconciler) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.online[userID]
}

// OnlineUsers returns the online set, sorted.
func (r *Reconciler) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.online))
	for id := range r.online {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SetChats replaces the chat list.
func (r *Reconciler) SetChats(chats []chat.Chat) {
	r.mu.Lock()
	r.chats = append([]chat.Chat(nil), chats...)
	r.mu.Unlock()
}

// Chats returns the chat list as last loaded.
func (r *Reconciler) Chats() []chat.Chat {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]chat.Chat(nil), r.chats...)
}

// Peer returns the other participant of chatID from the chat list.
func (r *Reconciler) Peer(chatID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := range r.chats {
		if r.chats[i].ID == chatID {
			return r.chats[i].Other(r.self)
		}
	}
	return ""
}

// Apply routes a server message to the matching handler. refresh asks the
// caller to reload the chat list; failedText is set when a live send was
// rejected and its text should be requeued.
func (r *Reconciler) Apply(msg protocol.ServerMessage) (refresh bool, failedText string) {
	switch m := msg.(type) {
	case protocol.PresenceSnapshot:
		r.OnPresenceSnapshot(m.UserIDs)
	case protocol.PresenceChange:
		r.OnPresenceChange(m.UserID, m.Online)
	case protocol.DeliveryPush:
		refresh = r.OnLivePush(m.Message)
	case protocol.DeliveryConfirm:
		r.OnLocalSendConfirmed(m.Message)
		refresh = true
	case protocol.TypingNotice:
		r.OnTyping(m)
	case protocol.Error:
		if m.ClientRef != "" {
			failedText, _ = r.OnSendFailed(m.ClientRef)
		}
	}
	return refresh, failedText
}
