package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/directchat/internal/chat"
)

func TestMemory(t *testing.T) {
	runGatewaySuite(t, func(t *testing.T) Gateway { return NewMemory() })
}

// TestPostgres runs the same suite against a live database. It is skipped
// unless TEST_DATABASE_URL points at a disposable PostgreSQL instance.
func TestPostgres(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping PostgreSQL tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pg, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Skipf("PostgreSQL not available: %v", err)
	}
	t.Cleanup(func() { pg.Close() })

	if err := Migrate(pg.DB().DB); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	// Running again must be a no-op.
	if err := Migrate(pg.DB().DB); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}

	runGatewaySuite(t, func(t *testing.T) Gateway {
		if _, err := pg.DB().Exec(`TRUNCATE messages, chats, users`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return pg
	})
}

func runGatewaySuite(t *testing.T, fresh func(t *testing.T) Gateway) {
	tests := []struct {
		name string
		fn   func(t *testing.T, g Gateway)
	}{
		{"GetUserNotFound", testGetUserNotFound},
		{"GetOrCreateChatIdempotent", testGetOrCreateChatIdempotent},
		{"GetOrCreateChatConcurrent", testGetOrCreateChatConcurrent},
		{"GetOrCreateChatUnknownUser", testGetOrCreateChatUnknownUser},
		{"MessagesAscending", testMessagesAscending},
		{"ListChatsOrdering", testListChatsOrdering},
		{"SetPresence", testSetPresence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, fresh(t))
		})
	}
}

func mustUser(t *testing.T, g Gateway, name string) chat.User {
	t.Helper()
	u, err := g.CreateUser(context.Background(), chat.User{
		ID:    uuid.NewString(),
		Name:  name,
		Email: name + "-" + uuid.NewString()[:8] + "@example.com",
	})
	if err != nil {
		t.Fatalf("CreateUser(%s): %v", name, err)
	}
	return u
}

func testGetUserNotFound(t *testing.T, g Gateway) {
	_, err := g.GetUser(context.Background(), "missing")
	if !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := g.GetChat(context.Background(), uuid.NewString()); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for chat, got %v", err)
	}
}

func testGetOrCreateChatIdempotent(t *testing.T, g Gateway) {
	ctx := context.Background()
	alice := mustUser(t, g, "alice")
	bob := mustUser(t, g, "bob")

	c1, created, err := g.GetOrCreateChat(ctx, alice.ID, bob.ID)
	if err != nil {
		t.Fatalf("GetOrCreateChat: %v", err)
	}
	if !created {
		t.Error("first call should create the chat")
	}

	c2, created, err := g.GetOrCreateChat(ctx, bob.ID, alice.ID)
	if err != nil {
		t.Fatalf("GetOrCreateChat reversed: %v", err)
	}
	if created {
		t.Error("second call should return the existing chat")
	}
	if c1.ID != c2.ID {
		t.Fatalf("expected same chat, got %s and %s", c1.ID, c2.ID)
	}
	if !c2.IsParticipant(alice.ID) || !c2.IsParticipant(bob.ID) {
		t.Errorf("participants = %+v", c2.Participants)
	}
	if c2.LastMessage != nil || c2.LastMessageTime != nil {
		t.Error("new chat should have no summary")
	}

	if _, _, err := g.GetOrCreateChat(ctx, alice.ID, alice.ID); !errors.Is(err, chat.ErrValidation) {
		t.Errorf("self chat: expected ErrValidation, got %v", err)
	}
}

func testGetOrCreateChatConcurrent(t *testing.T, g Gateway) {
	ctx := context.Background()
	alice := mustUser(t, g, "alice")
	bob := mustUser(t, g, "bob")

	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := alice.ID, bob.ID
			if i%2 == 1 {
				a, b = b, a
			}
			c, _, err := g.GetOrCreateChat(ctx, a, b)
			if err != nil {
				t.Errorf("GetOrCreateChat: %v", err)
				return
			}
			ids[i] = c.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("concurrent creates produced different chats: %v", ids)
		}
	}
}

func testGetOrCreateChatUnknownUser(t *testing.T, g Gateway) {
	alice := mustUser(t, g, "alice")
	_, _, err := g.GetOrCreateChat(context.Background(), alice.ID, uuid.NewString())
	if !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testMessagesAscending(t *testing.T, g Gateway) {
	ctx := context.Background()
	alice := mustUser(t, g, "alice")
	bob := mustUser(t, g, "bob")
	c, _, err := g.GetOrCreateChat(ctx, alice.ID, bob.ID)
	if err != nil {
		t.Fatalf("GetOrCreateChat: %v", err)
	}

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	texts := []string{"one", "two", "three"}
	for i, text := range texts {
		sender := alice.ID
		if i%2 == 1 {
			sender = bob.ID
		}
		// Equal timestamps for the last two: insertion order breaks the tie.
		at := base
		if i > 0 {
			at = base.Add(time.Second)
		}
		m := &chat.Message{ChatID: c.ID, SenderID: sender, Text: text, CreatedAt: at, ClientRef: "ref"}
		if err := g.CreateMessage(ctx, m); err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
		if m.ID == "" {
			t.Fatal("CreateMessage should assign an ID")
		}
		if len(m.ReadBy) != 1 || m.ReadBy[0] != sender {
			t.Errorf("ReadBy = %v, want [%s]", m.ReadBy, sender)
		}
	}

	msgs, err := g.ListMessages(ctx, c.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != len(texts) {
		t.Fatalf("expected %d messages, got %d", len(texts), len(msgs))
	}
	for i, m := range msgs {
		if m.Text != texts[i] {
			t.Errorf("msgs[%d].Text = %q, want %q", i, m.Text, texts[i])
		}
		if m.ClientRef != "" {
			t.Errorf("ClientRef should not be persisted, got %q", m.ClientRef)
		}
		if m.Sender == nil || m.Sender.ID != m.SenderID {
			t.Errorf("msgs[%d] sender summary missing", i)
		}
	}
}

func testListChatsOrdering(t *testing.T, g Gateway) {
	ctx := context.Background()
	alice := mustUser(t, g, "alice")
	bob := mustUser(t, g, "bob")
	carol := mustUser(t, g, "carol")
	dave := mustUser(t, g, "dave")

	withBob, _, _ := g.GetOrCreateChat(ctx, alice.ID, bob.ID)
	withCarol, _, _ := g.GetOrCreateChat(ctx, alice.ID, carol.ID)
	empty, _, _ := g.GetOrCreateChat(ctx, alice.ID, dave.ID)

	now := time.Now().UTC().Truncate(time.Millisecond)
	if err := g.UpdateChatSummary(ctx, withBob.ID, "older", now.Add(-time.Minute)); err != nil {
		t.Fatalf("UpdateChatSummary: %v", err)
	}
	if err := g.UpdateChatSummary(ctx, withCarol.ID, "newer", now); err != nil {
		t.Fatalf("UpdateChatSummary: %v", err)
	}

	chats, err := g.ListChatsForUser(ctx, alice.ID)
	if err != nil {
		t.Fatalf("ListChatsForUser: %v", err)
	}
	want := []string{withCarol.ID, withBob.ID, empty.ID}
	if len(chats) != len(want) {
		t.Fatalf("expected %d chats, got %d", len(want), len(chats))
	}
	for i := range want {
		if chats[i].ID != want[i] {
			t.Errorf("chats[%d] = %s, want %s", i, chats[i].ID, want[i])
		}
	}
	if chats[0].LastMessage == nil || *chats[0].LastMessage != "newer" {
		t.Errorf("LastMessage = %v, want newer", chats[0].LastMessage)
	}

	bobs, _ := g.ListChatsForUser(ctx, bob.ID)
	if len(bobs) != 1 {
		t.Errorf("bob should see 1 chat, got %d", len(bobs))
	}

	if err := g.UpdateChatSummary(ctx, uuid.NewString(), "x", now); !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("unknown chat: expected ErrNotFound, got %v", err)
	}
}

func testSetPresence(t *testing.T, g Gateway) {
	ctx := context.Background()
	alice := mustUser(t, g, "alice")
	seen := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	if err := g.SetPresence(ctx, alice.ID, true, seen); err != nil {
		t.Fatalf("SetPresence: %v", err)
	}
	u, err := g.GetUser(ctx, alice.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if !u.IsOnline {
		t.Error("expected IsOnline=true")
	}
	if u.LastSeen == nil || !u.LastSeen.Equal(seen) {
		t.Errorf("LastSeen = %v, want %v", u.LastSeen, seen)
	}
}
