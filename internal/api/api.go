// Package api is the REST surface: chat creation and listing, history,
// message sends and presence lookups. Every route requires a bearer token
// and answers with a {success, data} or {success:false, message} envelope.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/whisper/directchat/internal/auth"
	"github.com/whisper/directchat/internal/chat"
	"github.com/whisper/directchat/internal/fanout"
	"github.com/whisper/directchat/internal/logger"
	"github.com/whisper/directchat/internal/store"
)

// Sender sends a message through persistence and fan-out.
type Sender interface {
	Send(ctx context.Context, req fanout.SendRequest) (fanout.Result, error)
}

// Presence answers "online now" questions.
type Presence interface {
	IsOnline(userID string) bool
}

// API holds the dependencies of the REST handlers.
type API struct {
	store    store.Gateway
	presence Presence
	sender   Sender
	auth     Authenticator
	origins  string
	log      zerolog.Logger
}

// New creates an API. allowedOrigins is a comma-separated CORS allow list or "*".
func New(gw store.Gateway, presence Presence, sender Sender, authn Authenticator, allowedOrigins string) *API {
	return &API{
		store:    gw,
		presence: presence,
		sender:   sender,
		auth:     authn,
		origins:  allowedOrigins,
		log:      logger.Module("api"),
	}
}

// Register mounts the /api routes on r.
func (a *API) Register(r *mux.Router) {
	r.Use(Instrument)

	sub := r.PathPrefix("/api").Subrouter()
	sub.Use(mux.MiddlewareFunc(Chain(CORS(a.origins), RequireAuth(a.auth))))

	sub.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	sub.Handle("/chats", jsonHandler(a.listChats)).Methods(http.MethodGet)
	sub.Handle("/chats", jsonHandler(a.createChat)).Methods(http.MethodPost)
	sub.Handle("/chats/{id}", jsonHandler(a.getChat)).Methods(http.MethodGet)
	sub.Handle("/messages/{chatId}", jsonHandler(a.listMessages)).Methods(http.MethodGet)
	sub.Handle("/messages", jsonHandler(a.sendMessage)).Methods(http.MethodPost)
	sub.Handle("/users/{id}/presence", jsonHandler(a.userPresence)).Methods(http.MethodGet)
}

// Handler returns a router serving only the /api routes.
func (a *API) Handler() http.Handler {
	r := mux.NewRouter()
	a.Register(r)
	return r
}

func caller(r *http.Request) string {
	c, _ := auth.FromContext(r.Context())
	return c.UserID
}

func (a *API) listChats(w http.ResponseWriter, r *http.Request) error {
	chats, err := a.store.ListChatsForUser(r.Context(), caller(r))
	if err != nil {
		a.log.Error().Err(err).Str("user", caller(r)).Msg("list chats failed")
		return err
	}
	if chats == nil {
		chats = []chat.Chat{}
	}
	for i := range chats {
		a.overlayPresence(&chats[i])
	}
	return writeData(w, http.StatusOK, chats)
}

type createChatRequest struct {
	UserID string `json:"userId"`
}

func (a *API) createChat(w http.ResponseWriter, r *http.Request) error {
	self := caller(r)

	var req createChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return badRequest("Invalid request body")
	}
	if err := chat.ValidatePeer(self, req.UserID); err != nil {
		if req.UserID == self {
			return badRequest("Cannot create chat with yourself")
		}
		return badRequest("Please provide userId")
	}

	if _, err := a.store.GetUser(r.Context(), req.UserID); err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			return &httpError{status: http.StatusNotFound, message: "User not found"}
		}
		return err
	}

	c, created, err := a.store.GetOrCreateChat(r.Context(), self, req.UserID)
	if err != nil {
		a.log.Error().Err(err).Str("user", self).Str("peer", req.UserID).Msg("create chat failed")
		return err
	}
	a.overlayPresence(c)

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return writeData(w, status, c)
}

// participantChat loads a chat the caller must belong to.
func (a *API) participantChat(r *http.Request, id string) (*chat.Chat, error) {
	c, err := a.store.GetChat(r.Context(), id)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			return nil, &httpError{status: http.StatusNotFound, message: "Chat not found"}
		}
		return nil, err
	}
	if !c.IsParticipant(caller(r)) {
		return nil, fmt.Errorf("api: chat %s: %w", id, chat.ErrForbidden)
	}
	return c, nil
}

func (a *API) getChat(w http.ResponseWriter, r *http.Request) error {
	c, err := a.participantChat(r, mux.Vars(r)["id"])
	if err != nil {
		return err
	}
	a.overlayPresence(c)
	return writeData(w, http.StatusOK, c)
}

func (a *API) listMessages(w http.ResponseWriter, r *http.Request) error {
	c, err := a.participantChat(r, mux.Vars(r)["chatId"])
	if err != nil {
		return err
	}
	msgs, err := a.store.ListMessages(r.Context(), c.ID)
	if err != nil {
		a.log.Error().Err(err).Str("chat", c.ID).Msg("list messages failed")
		return err
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	return writeData(w, http.StatusOK, msgs)
}

type sendMessageRequest struct {
	ChatID    string `json:"chatId"`
	Text      string `json:"text"`
	ClientRef string `json:"clientRef"`
}

func (a *API) sendMessage(w http.ResponseWriter, r *http.Request) error {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return badRequest("Invalid request body")
	}
	if req.ChatID == "" || req.Text == "" {
		return badRequest("Please provide chatId and text")
	}

	res, err := a.sender.Send(r.Context(), fanout.SendRequest{
		ChatID:    req.ChatID,
		SenderID:  caller(r),
		Text:      req.Text,
		ClientRef: req.ClientRef,
	})
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			return &httpError{status: http.StatusNotFound, message: "Chat not found"}
		}
		return err
	}
	if res.Remaining >= 0 {
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	}
	return writeData(w, http.StatusCreated, res.Message)
}

type presenceResponse struct {
	UserID   string     `json:"userId"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

func (a *API) userPresence(w http.ResponseWriter, r *http.Request) error {
	id := mux.Vars(r)["id"]
	u, err := a.store.GetUser(r.Context(), id)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			return &httpError{status: http.StatusNotFound, message: "User not found"}
		}
		return err
	}
	return writeData(w, http.StatusOK, presenceResponse{
		UserID:   u.ID,
		Online:   a.presence.IsOnline(u.ID),
		LastSeen: u.LastSeen,
	})
}

// overlayPresence replaces the persisted online flags with the registry's.
func (a *API) overlayPresence(c *chat.Chat) {
	for i := range c.Participants {
		c.Participants[i].IsOnline = a.presence.IsOnline(c.Participants[i].ID)
	}
}
