package presence

import (
	"fmt"
	"testing"
	"time"

	"github.com/whisper/directchat/internal/protocol"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// stalledConn blocks every Send until release is closed, like a peer that
// stopped reading.
type stalledConn struct {
	id      string
	release chan struct{}
}

func (c *stalledConn) ConnID() string { return c.id }

func (c *stalledConn) Send(protocol.ServerMessage) error {
	<-c.release
	return nil
}

func TestBroadcaster_Incremental(t *testing.T) {
	reg := NewRegistry(nil)
	defer reg.Close()
	b := NewBroadcaster(reg, ModeIncremental)
	defer b.Stop()

	alice := newFakeConn("alice")
	bob := newFakeConn("bob")
	reg.Register("u1", alice)
	reg.Register("u2", bob)

	waitFor(t, func() bool { return len(bob.messages()) == 1 && len(alice.messages()) == 2 })

	// Bob joined second: he gets exactly one snapshot with both users.
	bobMsgs := bob.messages()
	snap, ok := bobMsgs[0].(protocol.PresenceSnapshot)
	if !ok || fmt.Sprint(snap.UserIDs) != "[u1 u2]" {
		t.Fatalf("bob got %#v, want snapshot [u1 u2]", bobMsgs[0])
	}

	// Alice got her own snapshot, then an incremental change for bob.
	aliceMsgs := alice.messages()
	change, ok := aliceMsgs[1].(protocol.PresenceChange)
	if !ok || change.UserID != "u2" || !change.Online {
		t.Fatalf("alice got %#v, want presence u2 online", aliceMsgs[1])
	}

	reg.Unregister(bob)
	waitFor(t, func() bool { return len(alice.messages()) == 3 })
	aliceMsgs = alice.messages()
	left, ok := aliceMsgs[2].(protocol.PresenceChange)
	if !ok || left.UserID != "u2" || left.Online {
		t.Fatalf("alice got %#v, want presence u2 offline", aliceMsgs[2])
	}
}

func TestBroadcaster_Snapshot(t *testing.T) {
	reg := NewRegistry(nil)
	defer reg.Close()
	b := NewBroadcaster(reg, ModeSnapshot)

	alice := newFakeConn("alice")
	bob := newFakeConn("bob")
	reg.Register("u1", alice)
	reg.Register("u2", bob)
	reg.Unregister(bob)
	b.Stop()

	msgs := alice.messages()
	if len(msgs) != 3 {
		t.Fatalf("alice expected 3 snapshots, got %d", len(msgs))
	}
	last, ok := msgs[2].(protocol.PresenceSnapshot)
	if !ok || fmt.Sprint(last.UserIDs) != "[u1]" {
		t.Errorf("last snapshot = %#v, want [u1]", msgs[2])
	}
	for _, m := range bob.messages() {
		if _, ok := m.(protocol.PresenceSnapshot); !ok {
			t.Errorf("snapshot mode sent %T", m)
		}
	}
}

func TestBroadcaster_AudienceIncludesUnjoinedConnections(t *testing.T) {
	reg := NewRegistry(nil)
	defer reg.Close()
	b := NewBroadcaster(reg, ModeIncremental)

	alice := newFakeConn("alice")
	lurker := newFakeConn("lurker")
	b.SetAudience(func() []Conn { return []Conn{alice, lurker} })

	reg.Register("u1", alice)
	b.Stop()

	msgs := lurker.messages()
	if len(msgs) != 1 {
		t.Fatalf("unjoined connection got %d messages, want 1", len(msgs))
	}
	if change, ok := msgs[0].(protocol.PresenceChange); !ok || change.UserID != "u1" || !change.Online {
		t.Errorf("unjoined connection got %#v", msgs[0])
	}
	if n := len(alice.messages()); n != 1 {
		t.Errorf("joiner got %d messages, want its snapshot only", n)
	}
}

func TestBroadcaster_StalledPeerDoesNotBlockRegistry(t *testing.T) {
	reg := NewRegistry(nil)
	defer reg.Close()
	b := NewBroadcaster(reg, ModeIncremental)

	stalled := &stalledConn{id: "stalled", release: make(chan struct{})}
	reg.Register("u1", stalled)

	done := make(chan struct{})
	go func() {
		reg.Register("u2", newFakeConn("bob"))
		reg.Unregister(stalled)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Register blocked behind a stalled peer")
	}
	if !reg.IsOnline("u2") || reg.IsOnline("u1") {
		t.Errorf("online = %v", reg.Snapshot())
	}

	close(stalled.release)
	b.Stop()
}
