package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/directchat/internal/auth"
	"github.com/whisper/directchat/internal/chat"
	"github.com/whisper/directchat/internal/fanout"
	"github.com/whisper/directchat/internal/presence"
	"github.com/whisper/directchat/internal/protocol"
	"github.com/whisper/directchat/internal/store"
	"github.com/whisper/directchat/internal/typing"
)

const testSecret = "test-secret"

type harness struct {
	srv    *Server
	http   *httptest.Server
	jwt    *auth.JWT
	reg    *presence.Registry
	chatID string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	st := store.NewMemory()
	for _, u := range []chat.User{
		{ID: "u1", Name: "Alice", Email: "a@example.com"},
		{ID: "u2", Name: "Bob", Email: "b@example.com"},
		{ID: "u3", Name: "Carol", Email: "c@example.com"},
	} {
		if _, err := st.CreateUser(ctx, u); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
	}
	c, _, err := st.GetOrCreateChat(ctx, "u1", "u2")
	if err != nil {
		t.Fatalf("GetOrCreateChat: %v", err)
	}

	reg := presence.NewRegistry(nil)
	t.Cleanup(reg.Close)
	d := fanout.New(st, reg, typing.NewRegistry())

	jwt := auth.NewJWT(testSecret)
	cfg := DefaultServerConfig()
	cfg.WorkerPoolSize = 8
	cfg.ReadTimeout = 200 * time.Millisecond
	srv := NewServer(cfg, NewRouter(reg, d), jwt)
	if err := srv.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		_ = srv.Shutdown(context.Background())
	})

	return &harness{srv: srv, http: hs, jwt: jwt, reg: reg, chatID: c.ID}
}

func (h *harness) dial(t *testing.T, userID string) net.Conn {
	t.Helper()
	token, err := h.jwt.Sign(userID, userID+"@example.com", time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws?token=" + token
	conn, _, _, err := ws.Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn net.Conn, msg protocol.ClientMessage) {
	t.Helper()
	data, err := protocol.EncodeClient(msg)
	if err != nil {
		t.Fatalf("EncodeClient: %v", err)
	}
	if err := wsutil.WriteClientMessage(conn, ws.OpText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// await reads frames until one with the wanted type arrives.
func await(t *testing.T, conn net.Conn, kind string) protocol.ServerMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	for {
		data, op, err := wsutil.ReadServerData(conn)
		if err != nil {
			t.Fatalf("waiting for %s: %v", kind, err)
		}
		if op != ws.OpText {
			continue
		}
		msg, err := protocol.DecodeServer(data)
		if err != nil {
			t.Fatalf("DecodeServer(%s): %v", data, err)
		}
		if msg.Kind() == kind {
			return msg
		}
	}
}

func join(t *testing.T, h *harness, userID string) net.Conn {
	t.Helper()
	conn := h.dial(t, userID)
	send(t, conn, protocol.Join{UserID: userID})
	await(t, conn, protocol.TypeJoined)
	waitFor(t, func() bool { return h.reg.IsOnline(userID) })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestUpgrade_RequiresToken(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.http.URL + "/ws")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestServer_SendDeliversAndConfirms(t *testing.T) {
	h := newHarness(t)
	alice := join(t, h, "u1")
	bob := join(t, h, "u2")

	send(t, alice, protocol.SendMessage{ChatID: h.chatID, Text: "hi bob", ClientRef: "r1"})

	push := await(t, bob, protocol.TypePrivateMessage).(protocol.DeliveryPush)
	if push.Message.Text != "hi bob" || push.Message.SenderID != "u1" {
		t.Errorf("push = %+v", push.Message)
	}

	confirm := await(t, alice, protocol.TypeMessageSent).(protocol.DeliveryConfirm)
	if confirm.Message.ID != push.Message.ID {
		t.Errorf("confirm id = %q, push id = %q", confirm.Message.ID, push.Message.ID)
	}
	if confirm.Message.ClientRef != "r1" {
		t.Errorf("confirm clientRef = %q, want r1", confirm.Message.ClientRef)
	}
}

func TestServer_NonParticipantSendIsForbidden(t *testing.T) {
	h := newHarness(t)
	carol := join(t, h, "u3")

	send(t, carol, protocol.SendMessage{ChatID: h.chatID, Text: "intrude", ClientRef: "r9"})

	e := await(t, carol, protocol.TypeError).(protocol.Error)
	if e.Code != protocol.CodeForbidden || e.ClientRef != "r9" {
		t.Errorf("error = %+v", e)
	}
}

func TestServer_JoinMismatchRejected(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "u1")

	send(t, conn, protocol.Join{UserID: "u2"})

	e := await(t, conn, protocol.TypeError).(protocol.Error)
	if e.Code != protocol.CodeForbidden {
		t.Errorf("code = %q, want forbidden", e.Code)
	}
	if h.reg.IsOnline("u2") || h.reg.IsOnline("u1") {
		t.Error("mismatched join must not register anyone")
	}
}

func TestServer_PingPongAndParseError(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "u1")

	send(t, conn, protocol.Ping{})
	await(t, conn, protocol.TypePong)

	if err := wsutil.WriteClientMessage(conn, ws.OpText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	e := await(t, conn, protocol.TypeError).(protocol.Error)
	if e.Code != protocol.CodeParse {
		t.Errorf("code = %q, want %q", e.Code, protocol.CodeParse)
	}
}

func TestServer_DisconnectClearsPresence(t *testing.T) {
	h := newHarness(t)
	conn := join(t, h, "u1")

	conn.Close()
	waitFor(t, func() bool { return !h.reg.IsOnline("u1") })
	waitFor(t, func() bool { return h.srv.Connections().Count() == 0 })
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	join(t, h, "u1")

	resp, err := http.Get(h.http.URL + "/health")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), `"online":1`) {
		t.Errorf("health body = %s", body)
	}
}

func TestCheckConnections_EvictsStale(t *testing.T) {
	h := newHarness(t)
	join(t, h, "u1")

	cfg := HeartbeatConfig{Interval: time.Second, Timeout: time.Second}
	checkConnections(h.srv, cfg, time.Now().Add(time.Minute))

	if h.srv.Connections().Count() != 0 {
		t.Error("stale connection was not evicted")
	}
	if h.reg.IsOnline("u1") {
		t.Error("evicted user still online")
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("x: %w", chat.ErrValidation), protocol.CodeValidation},
		{fmt.Errorf("x: %w", chat.ErrNotFound), protocol.CodeNotFound},
		{fmt.Errorf("x: %w", chat.ErrForbidden), protocol.CodeForbidden},
		{fmt.Errorf("x: %w", chat.ErrRateLimited), protocol.CodeRateLimited},
		{fmt.Errorf("x: %w", chat.ErrPersistence), protocol.CodePersistence},
		{errors.New("boom"), protocol.CodeInternal},
	}
	for _, tt := range tests {
		if got := errorCode(tt.err); got != tt.want {
			t.Errorf("errorCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestLiveError_CarriesRetryAfter(t *testing.T) {
	err := fmt.Errorf("send: %w", &chat.RateLimitError{RetryAfter: 1500 * time.Millisecond})
	e := liveError(err, "r1")
	if e.Code != protocol.CodeRateLimited || e.ClientRef != "r1" || e.RetryAfter != 2 {
		t.Errorf("liveError = %+v", e)
	}

	if e := liveError(fmt.Errorf("x: %w", chat.ErrForbidden), ""); e.RetryAfter != 0 {
		t.Errorf("RetryAfter set on a non rate-limit error: %+v", e)
	}
}
