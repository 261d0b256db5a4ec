// Package fanout coordinates persistence with live delivery.
//
// A send is persisted first and pushed second: nothing reaches a live
// connection unless it is already durable. Delivery to an offline recipient
// is a no-op outcome; the message stays in history for the next fetch.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/directchat/internal/chat"
	"github.com/whisper/directchat/internal/logger"
	"github.com/whisper/directchat/internal/metrics"
	"github.com/whisper/directchat/internal/presence"
	"github.com/whisper/directchat/internal/protocol"
	"github.com/whisper/directchat/internal/ratelimit"
	"github.com/whisper/directchat/internal/typing"
)

// Store is the slice of the persistence gateway the dispatcher needs.
type Store interface {
	GetChat(ctx context.Context, id string) (*chat.Chat, error)
	CreateMessage(ctx context.Context, m *chat.Message) error
	UpdateChatSummary(ctx context.Context, chatID, preview string, at time.Time) error
}

// Limiter throttles sends per user.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	Remaining(ctx context.Context, identifier string, rule ratelimit.Rule) (int, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Publisher announces domain events to observers.
type Publisher interface {
	PublishMessageCreated(m chat.Message) error
	PublishTyping(chatID, userID string, isTyping bool) error
}

// SendRequest is one message send, from REST or a live connection.
type SendRequest struct {
	ChatID    string
	SenderID  string
	Text      string
	ClientRef string

	// Origin, when set, receives the confirmation instead of the sender's
	// registered connection.
	Origin presence.Conn
}

// Result reports what happened after the message was persisted.
type Result struct {
	Message   chat.Message
	Delivered bool // pushed to the recipient's live connection
	Confirmed bool // confirmation pushed to the sender
	Remaining int  // sends left in the sender's window, -1 when unthrottled
}

// Dispatcher routes persisted messages and typing changes to live
// connections.
type Dispatcher struct {
	store    Store
	presence *presence.Registry
	typing   *typing.Registry

	limiter   Limiter
	publisher Publisher

	// Participant sets never change after chat creation, so membership
	// checks for typing signals are served from memory after the first hit.
	mu           sync.RWMutex
	participants map[string][]string

	now func() time.Time
	log zerolog.Logger
}

// New creates a Dispatcher.
func New(store Store, reg *presence.Registry, typ *typing.Registry) *Dispatcher {
	return &Dispatcher{
		store:        store,
		presence:     reg,
		typing:       typ,
		participants: make(map[string][]string),
		now:          time.Now,
		log:          logger.Module("fanout"),
	}
}

// SetLimiter enables per-user send throttling.
func (d *Dispatcher) SetLimiter(l Limiter) { d.limiter = l }

// SetPublisher enables domain event publishing.
func (d *Dispatcher) SetPublisher(p Publisher) { d.publisher = p }

// Send validates, persists and fans out one message.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) (Result, error) {
	start := time.Now()

	text, err := chat.ValidateMessage(req.Text)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		return Result{}, fmt.Errorf("fanout: send: %w", err)
	}
	if strings.TrimSpace(req.ChatID) == "" {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		return Result{}, fmt.Errorf("fanout: send: chatId is required: %w", chat.ErrValidation)
	}

	if d.limiter != nil {
		allowed, _ := d.limiter.Allow(ctx, req.SenderID, ratelimit.RuleMessage)
		if !allowed {
			metrics.MessagesTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
			wait := d.limiter.RetryAfter(ctx, req.SenderID, ratelimit.RuleMessage)
			return Result{}, fmt.Errorf("fanout: send by %s: %w", req.SenderID, &chat.RateLimitError{RetryAfter: wait})
		}
	}
	remaining := -1
	if d.limiter != nil {
		remaining, _ = d.limiter.Remaining(ctx, req.SenderID, ratelimit.RuleMessage)
	}

	c, err := d.store.GetChat(ctx, req.ChatID)
	if err != nil {
		d.rejectOrFail(err)
		return Result{}, fmt.Errorf("fanout: send: %w", err)
	}
	d.remember(c)
	if !c.IsParticipant(req.SenderID) {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		return Result{}, fmt.Errorf("fanout: %s is not in chat %s: %w", req.SenderID, c.ID, chat.ErrForbidden)
	}

	createdAt := d.now().UTC()
	if c.LastMessageTime != nil && createdAt.Before(*c.LastMessageTime) {
		createdAt = *c.LastMessageTime
	}

	msg := chat.Message{
		ChatID:    c.ID,
		SenderID:  req.SenderID,
		Text:      text,
		CreatedAt: createdAt,
		ReadBy:    []string{req.SenderID},
	}
	if err := d.store.CreateMessage(ctx, &msg); err != nil {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomePersistFail).Inc()
		return Result{}, fmt.Errorf("fanout: persist message: %w", asPersistence(err))
	}
	msg.ClientRef = req.ClientRef
	for i := range c.Participants {
		if c.Participants[i].ID == req.SenderID {
			s := c.Participants[i]
			msg.Sender = &s
		}
	}

	if err := d.store.UpdateChatSummary(ctx, c.ID, chat.Preview(text), createdAt); err != nil {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomePersistFail).Inc()
		return Result{Message: msg}, fmt.Errorf("fanout: update chat summary: %w", asPersistence(err))
	}

	res := Result{Message: msg, Remaining: remaining}
	recipient := c.Other(req.SenderID)

	if conn, ok := d.presence.Lookup(recipient); ok {
		if err := conn.Send(protocol.DeliveryPush{Message: msg}); err != nil {
			d.log.Debug().Err(err).Str("chat", c.ID).Str("recipient", recipient).Msg("push failed")
		} else {
			res.Delivered = true
		}
	}

	origin := req.Origin
	if origin == nil {
		origin, _ = d.presence.Lookup(req.SenderID)
	}
	if origin != nil {
		if err := origin.Send(protocol.DeliveryConfirm{Message: msg}); err != nil {
			d.log.Debug().Err(err).Str("chat", c.ID).Str("sender", req.SenderID).Msg("confirm failed")
		} else {
			res.Confirmed = true
		}
	}

	// The message ends the sender's typing burst.
	d.typing.ClearIf(c.ID, req.SenderID)

	if d.publisher != nil {
		if err := d.publisher.PublishMessageCreated(msg); err != nil {
			d.log.Warn().Err(err).Str("message", msg.ID).Msg("failed to publish message event")
		}
	}

	outcome := metrics.OutcomeStored
	if res.Delivered {
		outcome = metrics.OutcomeDelivered
	}
	metrics.MessagesTotal.WithLabelValues(outcome).Inc()
	metrics.SendLatency.Observe(time.Since(start).Seconds())

	d.log.Debug().
		Str("chat", c.ID).
		Str("message", msg.ID).
		Str("sender", req.SenderID).
		Bool("delivered", res.Delivered).
		Bool("confirmed", res.Confirmed).
		Msg("message sent")
	return res, nil
}

// TypingRequest is one typing signal.
type TypingRequest struct {
	ChatID   string
	UserID   string
	IsTyping bool
}

// Typing records a typing change and notifies the other participant only.
func (d *Dispatcher) Typing(ctx context.Context, req TypingRequest) error {
	if req.ChatID == "" || req.UserID == "" {
		return fmt.Errorf("fanout: typing: chatId and userId are required: %w", chat.ErrValidation)
	}

	members, err := d.members(ctx, req.ChatID)
	if err != nil {
		return fmt.Errorf("fanout: typing: %w", err)
	}
	other, ok := otherOf(members, req.UserID)
	if !ok {
		return fmt.Errorf("fanout: %s is not in chat %s: %w", req.UserID, req.ChatID, chat.ErrForbidden)
	}

	d.typing.Set(req.ChatID, req.UserID, req.IsTyping)

	state := "stop"
	if req.IsTyping {
		state = "start"
	}
	if conn, ok := d.presence.Lookup(other); ok {
		notice := protocol.TypingNotice{ChatID: req.ChatID, UserID: req.UserID, IsTyping: req.IsTyping}
		if err := conn.Send(notice); err != nil {
			d.log.Debug().Err(err).Str("chat", req.ChatID).Str("recipient", other).Msg("typing push failed")
		} else {
			metrics.TypingSignals.WithLabelValues(state).Inc()
		}
	}

	if d.publisher != nil {
		if err := d.publisher.PublishTyping(req.ChatID, req.UserID, req.IsTyping); err != nil {
			d.log.Debug().Err(err).Str("chat", req.ChatID).Msg("failed to publish typing event")
		}
	}
	return nil
}

func (d *Dispatcher) members(ctx context.Context, chatID string) ([]string, error) {
	d.mu.RLock()
	ids, ok := d.participants[chatID]
	d.mu.RUnlock()
	if ok {
		return ids, nil
	}

	c, err := d.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return d.remember(c), nil
}

func (d *Dispatcher) remember(c *chat.Chat) []string {
	ids := c.ParticipantIDs()
	d.mu.Lock()
	d.participants[c.ID] = ids
	d.mu.Unlock()
	return ids
}

func otherOf(members []string, userID string) (string, bool) {
	found := false
	other := ""
	for _, id := range members {
		if id == userID {
			found = true
		} else {
			other = id
		}
	}
	return other, found
}

func (d *Dispatcher) rejectOrFail(err error) {
	if errors.Is(err, chat.ErrNotFound) {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		return
	}
	metrics.MessagesTotal.WithLabelValues(metrics.OutcomePersistFail).Inc()
}

func asPersistence(err error) error {
	if errors.Is(err, chat.ErrPersistence) {
		return err
	}
	return fmt.Errorf("%w: %w", chat.ErrPersistence, err)
}
