// Package protocol defines the live-connection message types exchanged
// between clients and the server. Every frame is a flat JSON object with a
// "type" discriminator; the client and server message sets are closed, so
// decoding yields exactly one of the variants declared here.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/whisper/directchat/internal/chat"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoin           = "join"
	TypePrivateMessage = "private_message" // also Server -> recipient
	TypeTyping         = "typing"
	TypePing           = "ping"
)

// Server -> Client message types.
const (
	TypeOnlineUsers = "online_users"
	TypePresence    = "presence"
	TypeMessageSent = "message_sent"
	TypeUserTyping  = "user_typing"
	TypeJoined      = "joined"
	TypeError       = "error"
	TypePong        = "pong"
)

// Error codes carried by Error.
const (
	CodeParse       = "parse_error"
	CodeValidation  = "validation_error"
	CodeNotFound    = "not_found"
	CodeForbidden   = "forbidden"
	CodeRateLimited = "rate_limited"
	CodePersistence = "persistence_error"
	CodeInternal    = "internal_error"
)

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest of the payload can be decoded into the right variant.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server variants
// ---------------------------------------------------------------------------

// ClientMessage is one of Join, SendMessage, SetTyping or Ping.
type ClientMessage interface {
	Kind() string
	clientMessage()
}

// Join binds the connection to a user identity.
type Join struct {
	UserID string `json:"userId"`
}

// SendMessage asks the server to persist and deliver a message. RecipientID
// is advisory; the chat's participant set decides the recipient.
type SendMessage struct {
	ChatID      string `json:"chatId"`
	Text        string `json:"text"`
	ClientRef   string `json:"clientRef,omitempty"`
	RecipientID string `json:"recipientId,omitempty"`
}

// SetTyping reports a typing state change for a chat.
type SetTyping struct {
	ChatID      string `json:"chatId"`
	UserID      string `json:"userId"`
	RecipientID string `json:"recipientId,omitempty"`
	IsTyping    bool   `json:"isTyping"`
}

// Ping is an application-level keepalive.
type Ping struct{}

func (Join) Kind() string        { return TypeJoin }
func (SendMessage) Kind() string { return TypePrivateMessage }
func (SetTyping) Kind() string   { return TypeTyping }
func (Ping) Kind() string        { return TypePing }

func (Join) clientMessage()        {}
func (SendMessage) clientMessage() {}
func (SetTyping) clientMessage()   {}
func (Ping) clientMessage()        {}

// Handler has one method per client variant. Implementations are checked by
// the compiler, so adding a variant breaks every handler that misses it.
type Handler interface {
	OnJoin(Join)
	OnSendMessage(SendMessage)
	OnSetTyping(SetTyping)
	OnPing(Ping)
}

// Visit calls the Handler method matching msg's variant.
func Visit(msg ClientMessage, h Handler) {
	switch m := msg.(type) {
	case Join:
		h.OnJoin(m)
	case SendMessage:
		h.OnSendMessage(m)
	case SetTyping:
		h.OnSetTyping(m)
	case Ping:
		h.OnPing(m)
	}
}

// DecodeClient parses a raw frame into a client variant. Unknown types,
// server-only types and malformed payloads are errors.
func DecodeClient(data []byte) (ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	switch env.Type {
	case TypeJoin:
		var m Join
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypePrivateMessage:
		var m struct {
			SendMessage
			// Older clients nest the message object.
			Message *SendMessage `json:"message"`
		}
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		out := m.SendMessage
		if out.ChatID == "" && m.Message != nil {
			out.ChatID = m.Message.ChatID
			out.Text = m.Message.Text
			if out.ClientRef == "" {
				out.ClientRef = m.Message.ClientRef
			}
		}
		return out, nil
	case TypeTyping:
		var m SetTyping
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypePing:
		return Ping{}, nil
	default:
		return nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}
}

func decodePayload(env Envelope, dst any) error {
	if err := json.Unmarshal(env.Raw, dst); err != nil {
		return fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Server -> Client variants
// ---------------------------------------------------------------------------

// ServerMessage is one of the server variants below.
type ServerMessage interface {
	Kind() string
	serverMessage()
}

// PresenceSnapshot is the full set of online user ids.
type PresenceSnapshot struct {
	UserIDs []string `json:"userIds"`
}

// PresenceChange is an incremental join/leave event.
type PresenceChange struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// DeliveryPush carries a persisted message to its recipient.
type DeliveryPush struct {
	Message chat.Message `json:"message"`
}

// DeliveryConfirm echoes a persisted message back to its sender.
type DeliveryConfirm struct {
	Message chat.Message `json:"message"`
}

// TypingNotice tells the other participant about a typing change.
type TypingNotice struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// Joined acknowledges a successful join.
type Joined struct {
	UserID string `json:"userId"`
}

// Error communicates a failed request on the live connection.
type Error struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	ClientRef  string `json:"clientRef,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"` // seconds, set with rate_limited
}

// Pong answers Ping.
type Pong struct{}

func (PresenceSnapshot) Kind() string { return TypeOnlineUsers }
func (PresenceChange) Kind() string   { return TypePresence }
func (DeliveryPush) Kind() string     { return TypePrivateMessage }
func (DeliveryConfirm) Kind() string  { return TypeMessageSent }
func (TypingNotice) Kind() string     { return TypeUserTyping }
func (Joined) Kind() string           { return TypeJoined }
func (Error) Kind() string            { return TypeError }
func (Pong) Kind() string             { return TypePong }

func (PresenceSnapshot) serverMessage() {}
func (PresenceChange) serverMessage()   {}
func (DeliveryPush) serverMessage()     {}
func (DeliveryConfirm) serverMessage()  {}
func (TypingNotice) serverMessage()     {}
func (Joined) serverMessage()           {}
func (Error) serverMessage()            {}
func (Pong) serverMessage()             {}

// MarshalJSON keeps the snapshot an array even when nobody is online.
func (p PresenceSnapshot) MarshalJSON() ([]byte, error) {
	ids := p.UserIDs
	if ids == nil {
		ids = []string{}
	}
	return json.Marshal(struct {
		UserIDs []string `json:"userIds"`
	}{ids})
}

// Encode serializes msg with its "type" field injected.
func Encode(msg ServerMessage) ([]byte, error) {
	return encode(msg.Kind(), msg)
}

// EncodeClient serializes a client frame. It is used by clients.
func EncodeClient(msg ClientMessage) ([]byte, error) {
	return encode(msg.Kind(), msg)
}

func encode(kind string, msg any) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]json.RawMessage, 1)
	}
	m["type"], _ = json.Marshal(kind)

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %s message: %w", kind, err)
	}
	return out, nil
}

// DecodeServer parses a server frame. It is used by clients.
func DecodeServer(data []byte) (ServerMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var msg ServerMessage
	switch env.Type {
	case TypeOnlineUsers:
		var m PresenceSnapshot
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		msg = m
	case TypePresence:
		var m PresenceChange
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		msg = m
	case TypePrivateMessage:
		var m DeliveryPush
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		msg = m
	case TypeMessageSent:
		var m DeliveryConfirm
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		msg = m
	case TypeUserTyping:
		var m TypingNotice
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		msg = m
	case TypeJoined:
		var m Joined
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		msg = m
	case TypeError:
		var m Error
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		msg = m
	case TypePong:
		msg = Pong{}
	default:
		return nil, fmt.Errorf("protocol: unknown server message type: %q", env.Type)
	}
	return msg, nil
}
