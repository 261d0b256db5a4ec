package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/whisper/directchat/internal/chat"
)

// recorder is a Handler that remembers which variant it saw.
type recorder struct {
	got string
	msg ClientMessage
}

func (r *recorder) OnJoin(m Join)               { r.got, r.msg = "join", m }
func (r *recorder) OnSendMessage(m SendMessage) { r.got, r.msg = "send", m }
func (r *recorder) OnSetTyping(m SetTyping)     { r.got, r.msg = "typing", m }
func (r *recorder) OnPing(m Ping)               { r.got, r.msg = "ping", m }

func TestDecodeClient_Variants(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"join", `{"type":"join","userId":"u1"}`, "join"},
		{"send", `{"type":"private_message","chatId":"c1","text":"hi","clientRef":"r1"}`, "send"},
		{"typing", `{"type":"typing","chatId":"c1","userId":"u1","recipientId":"u2","isTyping":true}`, "typing"},
		{"ping", `{"type":"ping"}`, "ping"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeClient([]byte(tt.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			var r recorder
			Visit(msg, &r)
			if r.got != tt.want {
				t.Fatalf("visited %q, want %q", r.got, tt.want)
			}
		})
	}
}

func TestDecodeClient_SendMessageFields(t *testing.T) {
	msg, err := DecodeClient([]byte(`{"type":"private_message","chatId":"abc-123","text":"Hello!","clientRef":"ref-1","recipientId":"u2"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sm, ok := msg.(SendMessage)
	if !ok {
		t.Fatalf("expected SendMessage, got %T", msg)
	}
	if sm.ChatID != "abc-123" || sm.Text != "Hello!" || sm.ClientRef != "ref-1" || sm.RecipientID != "u2" {
		t.Errorf("unexpected fields: %+v", sm)
	}
}

func TestDecodeClient_NestedMessageObject(t *testing.T) {
	input := `{"type":"private_message","recipientId":"u2","message":{"chatId":"c9","text":"yo"}}`
	msg, err := DecodeClient([]byte(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sm := msg.(SendMessage)
	if sm.ChatID != "c9" || sm.Text != "yo" {
		t.Errorf("nested message not lifted: %+v", sm)
	}
}

func TestDecodeClient_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", `hello`},
		{"missing type", `{"userId":"u1"}`},
		{"empty type", `{"type":""}`},
		{"unknown type", `{"type":"find_match"}`},
		{"server only type", `{"type":"online_users","userIds":[]}`},
		{"wrong field type", `{"type":"typing","isTyping":"yes"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeClient([]byte(tt.input)); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestEncode_InjectsType(t *testing.T) {
	data, err := Encode(TypingNotice{ChatID: "c1", UserID: "u1", IsTyping: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("failed to unmarshal output: %v", err)
	}
	if m["type"] != TypeUserTyping {
		t.Errorf("type = %v, want %q", m["type"], TypeUserTyping)
	}
	if m["chatId"] != "c1" || m["userId"] != "u1" || m["isTyping"] != true {
		t.Errorf("unexpected payload: %v", m)
	}
}

func TestEncode_EmptySnapshotIsArray(t *testing.T) {
	data, err := Encode(PresenceSnapshot{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"type":"online_users","userIds":[]}`
	if string(data) != want {
		t.Errorf("Encode() = %s, want %s", data, want)
	}
}

func TestEncode_PongHasOnlyType(t *testing.T) {
	data, err := Encode(Pong{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"type":"pong"}` {
		t.Errorf("Encode(Pong) = %s", data)
	}
}

func TestDecodeServer_DeliveryPush(t *testing.T) {
	sent := chat.Message{
		ID:        "m1",
		ChatID:    "c1",
		SenderID:  "u1",
		Text:      "hello",
		CreatedAt: time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
		ReadBy:    []string{"u1"},
		ClientRef: "r1",
	}
	data, err := Encode(DeliveryPush{Message: sent})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	msg, err := DecodeServer(data)
	if err != nil {
		t.Fatalf("DecodeServer: %v", err)
	}
	push, ok := msg.(DeliveryPush)
	if !ok {
		t.Fatalf("expected DeliveryPush, got %T", msg)
	}
	got := push.Message
	if got.ID != sent.ID || got.Text != sent.Text || got.ClientRef != sent.ClientRef || !got.CreatedAt.Equal(sent.CreatedAt) {
		t.Errorf("decoded message = %+v, want %+v", got, sent)
	}
}

func TestDecodeServer_Unknown(t *testing.T) {
	if _, err := DecodeServer([]byte(`{"type":"join","userId":"u1"}`)); err == nil {
		t.Fatal("client-only type should not decode as a server message")
	}
}

func TestEncodeClient_DecodesBack(t *testing.T) {
	data, err := EncodeClient(SetTyping{ChatID: "c1", UserID: "u1", IsTyping: true})
	if err != nil {
		t.Fatalf("EncodeClient: %v", err)
	}
	msg, err := DecodeClient(data)
	if err != nil {
		t.Fatalf("DecodeClient: %v", err)
	}
	got, ok := msg.(SetTyping)
	if !ok || got.ChatID != "c1" || got.UserID != "u1" || !got.IsTyping {
		t.Errorf("decoded = %#v", msg)
	}
}
