package agent

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/whisper/directchat/internal/api"
	"github.com/whisper/directchat/internal/auth"
	"github.com/whisper/directchat/internal/chat"
	"github.com/whisper/directchat/internal/fanout"
	"github.com/whisper/directchat/internal/presence"
	"github.com/whisper/directchat/internal/store"
	"github.com/whisper/directchat/internal/typing"
	"github.com/whisper/directchat/internal/ws"
)

type server struct {
	url string
	jwt *auth.JWT
	reg *presence.Registry
}

func startServer(t *testing.T) *server {
	t.Helper()
	ctx := context.Background()

	st := store.NewMemory()
	for _, u := range []chat.User{
		{ID: "u1", Name: "Alice", Email: "a@example.com"},
		{ID: "u2", Name: "Bob", Email: "b@example.com"},
	} {
		if _, err := st.CreateUser(ctx, u); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
	}

	reg := presence.NewRegistry(nil)
	t.Cleanup(reg.Close)
	d := fanout.New(st, reg, typing.NewRegistry())
	jwt := auth.NewJWT("agent-test-secret")

	cfg := ws.DefaultServerConfig()
	cfg.WorkerPoolSize = 8
	cfg.ReadTimeout = 200 * time.Millisecond
	srv := ws.NewServer(cfg, ws.NewRouter(reg, d), jwt)

	r := mux.NewRouter()
	api.New(st, reg, d, jwt, "*").Register(r)
	srv.SetFallback(r)

	if err := srv.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		_ = srv.Shutdown(context.Background())
	})
	return &server{url: hs.URL, jwt: jwt, reg: reg}
}

func (s *server) connect(t *testing.T, userID string) *Client {
	t.Helper()
	token, err := s.jwt.Sign(userID, userID+"@example.com", time.Hour)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	c, err := Dial(context.Background(), s.url, token, userID)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	if err := c.Join(); err != nil {
		t.Fatalf("Join: %v", err)
	}
	eventually(t, func() bool { return s.reg.IsOnline(userID) })
	return c
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClient_Conversation(t *testing.T) {
	s := startServer(t)
	ctx := context.Background()

	alice := s.connect(t, "u1")
	bob := s.connect(t, "u2")

	ca, err := alice.OpenChat(ctx, "u2")
	if err != nil {
		t.Fatalf("alice OpenChat: %v", err)
	}
	cb, err := bob.OpenChat(ctx, "u1")
	if err != nil {
		t.Fatalf("bob OpenChat: %v", err)
	}
	if ca.ID != cb.ID {
		t.Fatalf("chat ids differ: %s vs %s", ca.ID, cb.ID)
	}

	if err := bob.Typing(true); err != nil {
		t.Fatalf("Typing: %v", err)
	}
	eventually(t, func() bool { return alice.State().IsOtherTyping(ca.ID) })

	sent, err := alice.Send(ctx, "hello bob")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	eventually(t, func() bool {
		got := bob.State().Messages()
		return len(got) == 1 && got[0].Message.ID == sent.ID
	})

	// The REST result and the live confirmation echo must collapse to one row.
	time.Sleep(100 * time.Millisecond)
	got := alice.State().Messages()
	if len(got) != 1 || got[0].Pending || got[0].Message.ID != sent.ID {
		t.Errorf("alice messages = %+v", got)
	}

	if err := bob.SendLive("hi alice"); err != nil {
		t.Fatalf("SendLive: %v", err)
	}
	eventually(t, func() bool { return len(alice.State().Messages()) == 2 })
	if alice.State().IsOtherTyping(ca.ID) {
		t.Error("bob's message should clear his typing indicator")
	}

	eventually(t, func() bool {
		chats := alice.State().Chats()
		return len(chats) == 1 && chats[0].LastMessage != nil && *chats[0].LastMessage == "hi alice"
	})
}

func TestClient_SendFailureReturnsText(t *testing.T) {
	s := startServer(t)
	ctx := context.Background()
	alice := s.connect(t, "u1")

	if _, err := alice.Send(ctx, "x"); !errors.Is(err, ErrNoActiveChat) {
		t.Fatalf("Send without chat = %v, want ErrNoActiveChat", err)
	}

	if _, err := alice.OpenChat(ctx, "u2"); err != nil {
		t.Fatalf("OpenChat: %v", err)
	}
	_, err := alice.Send(ctx, "   ")
	var se *SendError
	if !errors.As(err, &se) || se.Text != "   " {
		t.Fatalf("Send error = %v", err)
	}
	if !errors.Is(err, chat.ErrValidation) {
		t.Errorf("error %v should unwrap to ErrValidation", err)
	}
	if n := len(alice.State().Messages()); n != 0 {
		t.Errorf("failed send left %d entries", n)
	}
}

func TestClient_OpenChatUnknownPeer(t *testing.T) {
	s := startServer(t)
	alice := s.connect(t, "u1")

	_, err := alice.OpenChat(context.Background(), "ghost")
	if !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("OpenChat(ghost) = %v, want ErrNotFound", err)
	}
}
