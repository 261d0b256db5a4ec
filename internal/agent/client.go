package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/whisper/directchat/internal/chat"
	"github.com/whisper/directchat/internal/logger"
	"github.com/whisper/directchat/internal/protocol"
)

// ErrNoActiveChat is returned by actions that need an open chat.
var ErrNoActiveChat = errors.New("agent: no active chat")

// Client is a signed-in user: a live connection for pushes and typing plus
// REST calls for chats, history and sends, all reconciled into one view.
type Client struct {
	rec  *Reconciler
	rest *restClient

	conn    net.Conn
	writeMu sync.Mutex

	updates chan struct{}
	failed  chan string

	done      chan struct{}
	closeOnce sync.Once
	log       zerolog.Logger
}

// Dial connects to the server at baseURL (http or https) as self using token.
// The read loop starts immediately; call Join to appear online.
func Dial(ctx context.Context, baseURL, token, self string) (*Client, error) {
	base := strings.TrimRight(baseURL, "/")
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("agent: parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"token": {token}}.Encode()

	conn, _, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("agent: dial: %w", err)
	}

	c := &Client{
		rec:     NewReconciler(self),
		rest:    &restClient{base: base, token: token, http: &http.Client{Timeout: 10 * time.Second}},
		conn:    conn,
		updates: make(chan struct{}, 1),
		failed:  make(chan string, 16),
		done:    make(chan struct{}),
		log:     logger.Module("agent"),
	}
	go c.readLoop()
	return c, nil
}

// State returns the reconciled view.
func (c *Client) State() *Reconciler { return c.rec }

// Updates signals (coalesced) that the view changed.
func (c *Client) Updates() <-chan struct{} { return c.updates }

// Failed yields the text of live sends the server rejected, for requeueing.
func (c *Client) Failed() <-chan string { return c.failed }

// Done is closed when the live connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) write(msg protocol.ClientMessage) error {
	data, err := protocol.EncodeClient(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		return fmt.Errorf("agent: write %s: %w", msg.Kind(), err)
	}
	return nil
}

// Join registers the live connection as the user's presence.
func (c *Client) Join() error {
	return c.write(protocol.Join{UserID: c.rec.Self()})
}

// Ping sends an application-level keepalive.
func (c *Client) Ping() error {
	return c.write(protocol.Ping{})
}

// RefreshChats reloads the chat list.
func (c *Client) RefreshChats(ctx context.Context) error {
	chats, err := c.rest.listChats(ctx)
	if err != nil {
		return err
	}
	c.rec.SetChats(chats)
	c.notify()
	return nil
}

// OpenChat creates or fetches the chat with peerID, makes it active and
// loads its history.
func (c *Client) OpenChat(ctx context.Context, peerID string) (*chat.Chat, error) {
	ch, err := c.rest.createChat(ctx, peerID)
	if err != nil {
		return nil, err
	}
	c.rec.SetActiveChat(ch.ID)
	if err := c.RefreshChats(ctx); err != nil {
		c.log.Warn().Err(err).Msg("chat list refresh failed")
	}
	if err := c.LoadHistory(ctx); err != nil {
		return ch, err
	}
	return ch, nil
}

// LoadHistory reloads the active chat. A response that arrives after the
// user switched chats is discarded.
func (c *Client) LoadHistory(ctx context.Context) error {
	chatID := c.rec.ActiveChat()
	if chatID == "" {
		return ErrNoActiveChat
	}
	msgs, err := c.rest.history(ctx, chatID)
	if err != nil {
		return err
	}
	if !c.rec.OnHistoryLoaded(chatID, msgs) {
		c.log.Debug().Str("chat", chatID).Msg("dropped stale history")
		return nil
	}
	c.notify()
	return nil
}

// Send posts text to the active chat. On failure the pending entry is
// removed and the returned error carries the text for the caller to requeue.
func (c *Client) Send(ctx context.Context, text string) (chat.Message, error) {
	chatID := c.rec.ActiveChat()
	if chatID == "" {
		return chat.Message{}, ErrNoActiveChat
	}
	ref := c.rec.AddPending(chatID, text)
	c.notify()

	m, err := c.rest.send(ctx, chatID, text, ref)
	if err != nil {
		c.rec.OnSendFailed(ref)
		c.notify()
		return chat.Message{}, &SendError{Text: text, Err: err}
	}
	c.rec.OnLocalSendConfirmed(m)
	c.notify()
	_ = c.Typing(false)
	return m, nil
}

// SendLive sends text to the active chat over the live connection. The
// confirmation or a rejection arrives asynchronously; rejected text is
// delivered on Failed.
func (c *Client) SendLive(text string) error {
	chatID := c.rec.ActiveChat()
	if chatID == "" {
		return ErrNoActiveChat
	}
	ref := c.rec.AddPending(chatID, text)
	c.notify()
	err := c.write(protocol.SendMessage{
		ChatID:      chatID,
		Text:        text,
		ClientRef:   ref,
		RecipientID: c.rec.Peer(chatID),
	})
	if err != nil {
		c.rec.OnSendFailed(ref)
		return &SendError{Text: text, Err: err}
	}
	return nil
}

// Typing reports the user's typing state in the active chat.
func (c *Client) Typing(isTyping bool) error {
	chatID := c.rec.ActiveChat()
	if chatID == "" {
		return ErrNoActiveChat
	}
	return c.write(protocol.SetTyping{
		ChatID:      chatID,
		UserID:      c.rec.Self(),
		RecipientID: c.rec.Peer(chatID),
		IsTyping:    isTyping,
	})
}

// Close ends the live connection. It is safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

func (c *Client) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		data, op, err := wsutil.ReadServerData(c.conn)
		if err != nil {
			c.log.Debug().Err(err).Msg("live connection closed")
			return
		}
		if op != ws.OpText {
			continue
		}

		msg, err := protocol.DecodeServer(data)
		if err != nil {
			c.log.Debug().Err(err).Msg("ignoring undecodable frame")
			continue
		}

		refresh, failedText := c.rec.Apply(msg)
		if e, ok := msg.(protocol.Error); ok {
			c.log.Info().Str("code", e.Code).Str("ref", e.ClientRef).Msg(e.Message)
		}
		if failedText != "" {
			select {
			case c.failed <- failedText:
			default:
				c.log.Warn().Msg("failed-send queue full, dropping requeue")
			}
		}
		if refresh {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := c.RefreshChats(ctx); err != nil {
					c.log.Debug().Err(err).Msg("chat list refresh failed")
				}
			}()
		}
		c.notify()
	}
}

// SendError is a failed send; Text is the unsent input.
type SendError struct {
	Text string
	Err  error
}

func (e *SendError) Error() string { return fmt.Sprintf("agent: send failed: %v", e.Err) }

func (e *SendError) Unwrap() error { return e.Err }
