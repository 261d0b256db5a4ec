package messaging

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/directchat/internal/chat"
)

func TestEvent_Subject(t *testing.T) {
	tests := []struct {
		ev   Event
		want string
	}{
		{Event{Type: EventMessageCreated, ChatID: "c1"}, "dm.message.c1"},
		{Event{Type: EventPresenceChanged, UserID: "u1"}, "dm.presence.u1"},
		{Event{Type: EventTyping, ChatID: "c2"}, "dm.typing.c2"},
		{Event{Type: "other"}, "dm.unknown"},
	}
	for _, tt := range tests {
		if got := tt.ev.Subject(); got != tt.want {
			t.Errorf("Subject(%s) = %q, want %q", tt.ev.Type, got, tt.want)
		}
	}
}

// TestPublishSubscribe requires a running NATS server on localhost:4222.
func TestPublishSubscribe(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.Name = "test-" + uuid.NewString()[:8]
	cfg.MaxReconnects = 0
	client, err := NewNATSClient(cfg)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	defer client.Close()

	chatID := uuid.NewString()
	var (
		mu  sync.Mutex
		got []Event
	)
	done := make(chan struct{}, 4)
	if err := client.SubscribeEvents(SubjectRoot+".*."+chatID, func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		done <- struct{}{}
	}); err != nil {
		t.Fatalf("SubscribeEvents: %v", err)
	}
	if err := client.Flush(time.Second); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	msg := chat.Message{ID: "m1", ChatID: chatID, SenderID: "u1", Text: "hi", ClientRef: "secret"}
	if err := client.PublishMessageCreated(msg); err != nil {
		t.Fatalf("PublishMessageCreated: %v", err)
	}
	if err := client.PublishTyping(chatID, "u1", true); err != nil {
		t.Fatalf("PublishTyping: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i+1)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0].Type != EventMessageCreated || got[0].Message == nil || got[0].Message.ID != "m1" {
		t.Errorf("first event = %+v", got[0])
	}
	if got[0].Message.ClientRef != "" {
		t.Error("client correlation token must not be published")
	}
	if got[0].Server != cfg.Name {
		t.Errorf("Server = %q, want %q", got[0].Server, cfg.Name)
	}
	if got[1].Type != EventTyping || got[1].IsTyping == nil || !*got[1].IsTyping {
		t.Errorf("second event = %+v", got[1])
	}
}

// TestUnsubscribeEvents requires a running NATS server on localhost:4222.
func TestUnsubscribeEvents(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.Name = "test-" + uuid.NewString()[:8]
	cfg.MaxReconnects = 0
	client, err := NewNATSClient(cfg)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	defer client.Close()

	chatID := uuid.NewString()
	subject := Event{Type: EventTyping, ChatID: chatID}.Subject()
	received := make(chan Event, 4)
	if err := client.SubscribeEvents(subject, func(ev Event) { received <- ev }); err != nil {
		t.Fatalf("SubscribeEvents: %v", err)
	}
	if err := client.Unsubscribe(subject); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if err := client.Unsubscribe(subject); err == nil {
		t.Error("second Unsubscribe should fail")
	}
	if err := client.Flush(time.Second); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if err := client.PublishEvent(Event{Type: EventTyping, ChatID: chatID}); err != nil {
		t.Fatalf("PublishEvent: %v", err)
	}
	select {
	case ev := <-received:
		t.Errorf("received %+v after unsubscribe", ev)
	case <-time.After(200 * time.Millisecond):
	}
}
