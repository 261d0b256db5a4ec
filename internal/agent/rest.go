package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/whisper/directchat/internal/chat"
)

// APIError is a non-success REST response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("agent: api %d: %s", e.Status, e.Message)
}

// Unwrap maps the status back onto the shared error taxonomy.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusBadRequest:
		return chat.ErrValidation
	case http.StatusNotFound:
		return chat.ErrNotFound
	case http.StatusForbidden:
		return chat.ErrForbidden
	case http.StatusTooManyRequests:
		return chat.ErrRateLimited
	case http.StatusInternalServerError:
		return chat.ErrPersistence
	default:
		return nil
	}
}

// restClient calls the /api routes with a bearer token.
type restClient struct {
	base  string
	token string
	http  *http.Client
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func (c *restClient) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("agent: encode %s %s: %w", method, path, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, &buf)
	if err != nil {
		return fmt.Errorf("agent: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("agent: decode %s %s (status %d): %w", method, path, resp.StatusCode, err)
	}
	if !env.Success || resp.StatusCode >= 400 {
		return &APIError{Status: resp.StatusCode, Message: env.Message}
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("agent: decode %s %s data: %w", method, path, err)
		}
	}
	return nil
}

func (c *restClient) listChats(ctx context.Context) ([]chat.Chat, error) {
	var chats []chat.Chat
	err := c.do(ctx, http.MethodGet, "/api/chats", nil, &chats)
	return chats, err
}

func (c *restClient) createChat(ctx context.Context, peerID string) (*chat.Chat, error) {
	var ch chat.Chat
	if err := c.do(ctx, http.MethodPost, "/api/chats", map[string]string{"userId": peerID}, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (c *restClient) history(ctx context.Context, chatID string) ([]chat.Message, error) {
	var msgs []chat.Message
	err := c.do(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(chatID), nil, &msgs)
	return msgs, err
}

func (c *restClient) send(ctx context.Context, chatID, text, ref string) (chat.Message, error) {
	var m chat.Message
	err := c.do(ctx, http.MethodPost, "/api/messages", map[string]string{
		"chatId": chatID, "text": text, "clientRef": ref,
	}, &m)
	return m, err
}
