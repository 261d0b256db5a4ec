package ws

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/directchat/internal/chat"
	"github.com/whisper/directchat/internal/fanout"
	"github.com/whisper/directchat/internal/logger"
	"github.com/whisper/directchat/internal/presence"
	"github.com/whisper/directchat/internal/protocol"
)

// Sender is the part of the fan-out dispatcher the router drives.
type Sender interface {
	Send(ctx context.Context, req fanout.SendRequest) (fanout.Result, error)
	Typing(ctx context.Context, req fanout.TypingRequest) error
}

// Router decodes inbound frames into the closed client message set and
// routes each variant. Identity always comes from the upgrade token; ids in
// payloads are checked against it, never trusted.
type Router struct {
	presence *presence.Registry
	sender   Sender
	timeout  time.Duration
	log      zerolog.Logger
}

// NewRouter creates a Router.
func NewRouter(reg *presence.Registry, sender Sender) *Router {
	return &Router{
		presence: reg,
		sender:   sender,
		timeout:  10 * time.Second,
		log:      logger.Module("ws"),
	}
}

// Dispatch handles one data frame from c.
func (rt *Router) Dispatch(c *Connection, data []byte) {
	msg, err := protocol.DecodeClient(data)
	if err != nil {
		rt.log.Debug().Err(err).Str("conn", c.ID).Msg("dispatch parse error")
		rt.sendError(c, protocol.Error{Code: protocol.CodeParse, Message: "invalid message format"})
		return
	}
	protocol.Visit(msg, &connHandler{rt: rt, c: c})
}

// Disconnect releases everything bound to c.
func (rt *Router) Disconnect(c *Connection) {
	rt.presence.Unregister(c)
}

func (rt *Router) sendError(c *Connection, e protocol.Error) {
	if err := c.Send(e); err != nil {
		rt.log.Debug().Err(err).Str("conn", c.ID).Msg("failed to send error message")
	}
}

// connHandler binds a Router to one connection for a single Visit.
type connHandler struct {
	rt *Router
	c  *Connection
}

func (h *connHandler) OnJoin(m protocol.Join) {
	if m.UserID != "" && m.UserID != h.c.UserID {
		h.rt.log.Warn().Str("conn", h.c.ID).Str("token_user", h.c.UserID).Str("claimed", m.UserID).Msg("join identity mismatch")
		h.rt.sendError(h.c, protocol.Error{Code: protocol.CodeForbidden, Message: "userId does not match token"})
		return
	}
	if err := h.c.Send(protocol.Joined{UserID: h.c.UserID}); err != nil {
		h.rt.log.Debug().Err(err).Str("conn", h.c.ID).Msg("failed to ack join")
	}
	h.rt.presence.Register(h.c.UserID, h.c)
}

func (h *connHandler) OnSendMessage(m protocol.SendMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), h.rt.timeout)
	defer cancel()

	_, err := h.rt.sender.Send(ctx, fanout.SendRequest{
		ChatID:    m.ChatID,
		SenderID:  h.c.UserID,
		Text:      m.Text,
		ClientRef: m.ClientRef,
		Origin:    h.c,
	})
	if err != nil {
		h.rt.log.Info().Err(err).Str("conn", h.c.ID).Str("chat", m.ChatID).Msg("live send failed")
		h.rt.sendError(h.c, liveError(err, m.ClientRef))
	}
}

func (h *connHandler) OnSetTyping(m protocol.SetTyping) {
	if m.UserID != "" && m.UserID != h.c.UserID {
		h.rt.sendError(h.c, protocol.Error{Code: protocol.CodeForbidden, Message: "userId does not match token"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.rt.timeout)
	defer cancel()

	err := h.rt.sender.Typing(ctx, fanout.TypingRequest{ChatID: m.ChatID, UserID: h.c.UserID, IsTyping: m.IsTyping})
	if err != nil {
		h.rt.log.Debug().Err(err).Str("conn", h.c.ID).Str("chat", m.ChatID).Msg("typing rejected")
		h.rt.sendError(h.c, liveError(err, ""))
	}
}

func (h *connHandler) OnPing(protocol.Ping) {
	h.c.Touch()
	if err := h.c.Send(protocol.Pong{}); err != nil {
		h.rt.log.Debug().Err(err).Str("conn", h.c.ID).Msg("failed to send pong")
	}
}

// liveError converts a send or typing failure into an error frame.
func liveError(err error, clientRef string) protocol.Error {
	e := protocol.Error{Code: errorCode(err), Message: errorMessage(err), ClientRef: clientRef}
	if wait, ok := chat.RetryAfter(err); ok {
		e.RetryAfter = int((wait + time.Second - 1) / time.Second)
		if e.RetryAfter < 1 {
			e.RetryAfter = 1
		}
	}
	return e
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, chat.ErrValidation):
		return protocol.CodeValidation
	case errors.Is(err, chat.ErrNotFound):
		return protocol.CodeNotFound
	case errors.Is(err, chat.ErrForbidden):
		return protocol.CodeForbidden
	case errors.Is(err, chat.ErrRateLimited):
		return protocol.CodeRateLimited
	case errors.Is(err, chat.ErrPersistence):
		return protocol.CodePersistence
	default:
		return protocol.CodeInternal
	}
}

func errorMessage(err error) string {
	switch errorCode(err) {
	case protocol.CodeValidation:
		return "invalid message"
	case protocol.CodeNotFound:
		return "chat not found"
	case protocol.CodeForbidden:
		return "not a participant of this chat"
	case protocol.CodeRateLimited:
		return "too many messages, slow down"
	case protocol.CodePersistence:
		return "message could not be saved"
	default:
		return "internal error"
	}
}
