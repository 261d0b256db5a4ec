// Package typing holds the per-chat "who is typing" slot.
//
// A two-party chat needs only one slot: the latest signal wins. There is no
// server-side expiry; clients send isTyping=false after a short idle period
// and the slot is also cleared when the typer's message lands.
package typing

import (
	"sync"
	"time"
)

// State is the current typing slot of one chat.
type State struct {
	ChatID   string
	UserID   string // empty when nobody is typing
	IsTyping bool
	At       time.Time
}

// Registry maps chat ids to their typing slot.
type Registry struct {
	mu    sync.Mutex
	slots map[string]State
	now   func() time.Time
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		slots: make(map[string]State),
		now:   time.Now,
	}
}

// Set records a typing signal and returns the resulting state. A stop
// signal clears the slot regardless of who held it.
func (r *Registry) Set(chatID, userID string, isTyping bool) State {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !isTyping {
		delete(r.slots, chatID)
		return State{ChatID: chatID, UserID: userID, At: r.now()}
	}
	s := State{ChatID: chatID, UserID: userID, IsTyping: true, At: r.now()}
	r.slots[chatID] = s
	return s
}

// Get returns the typing state of chatID, if anyone is typing.
func (r *Registry) Get(chatID string) (State, bool) {
	r.mu.Lock()
	s, ok := r.slots[chatID]
	r.mu.Unlock()
	return s, ok
}

// ClearIf clears chatID's slot when userID holds it and reports whether it
// did.
func (r *Registry) ClearIf(chatID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.slots[chatID]; ok && s.UserID == userID {
		delete(r.slots, chatID)
		return true
	}
	return false
}

// Len returns the number of chats with an active typer.
func (r *Registry) Len() int {
	r.mu.Lock()
	n := len(r.slots)
	r.mu.Unlock()
	return n
}
