package presence

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/whisper/directchat/internal/logger"
	"github.com/whisper/directchat/internal/protocol"
)

// Broadcast modes.
const (
	ModeIncremental = "incremental"
	ModeSnapshot    = "snapshot"
)

const broadcastQueueSize = 1024

// Broadcaster pushes registry changes to an audience of live connections,
// by default every registered connection.
//
// In incremental mode a joining connection receives one full snapshot and
// everybody else receives a single presence change. In snapshot mode every
// change sends the full online set to everyone.
//
// Events are queued and written by one goroutine in registry order, so a
// slow peer delays later pushes but never Register or Unregister.
type Broadcaster struct {
	reg  *Registry
	mode string

	audMu    sync.RWMutex
	audience func() []Conn

	mu     sync.Mutex // guards closed and sends on events
	closed bool
	events chan Event
	done   chan struct{}

	cancel func()
	log    zerolog.Logger
}

// NewBroadcaster subscribes to reg. Call Stop to unsubscribe.
func NewBroadcaster(reg *Registry, mode string) *Broadcaster {
	if mode != ModeSnapshot {
		mode = ModeIncremental
	}
	b := &Broadcaster{
		reg:      reg,
		mode:     mode,
		audience: reg.Conns,
		events:   make(chan Event, broadcastQueueSize),
		done:     make(chan struct{}),
		log:      logger.Module("presence"),
	}
	go b.run()
	b.cancel = reg.Subscribe(b.handle)
	return b
}

// SetAudience replaces the set of connections that receive presence pushes.
// The live server passes every upgraded connection, joined or not.
func (b *Broadcaster) SetAudience(fn func() []Conn) {
	b.audMu.Lock()
	b.audience = fn
	b.audMu.Unlock()
}

// Stop unsubscribes from the registry and waits for queued pushes.
func (b *Broadcaster) Stop() {
	b.cancel()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.events)
	b.mu.Unlock()
	<-b.done
}

func (b *Broadcaster) handle(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.events <- ev
}

func (b *Broadcaster) run() {
	defer close(b.done)
	for ev := range b.events {
		b.push(ev)
	}
}

func (b *Broadcaster) push(ev Event) {
	b.audMu.RLock()
	conns := b.audience()
	b.audMu.RUnlock()

	snapshot := protocol.PresenceSnapshot{UserIDs: ev.Online}

	if b.mode == ModeSnapshot {
		for _, c := range conns {
			b.send(c, snapshot)
		}
		return
	}

	change := protocol.PresenceChange{UserID: ev.UserID, Online: ev.Kind == Joined}
	for _, c := range conns {
		if c == ev.Conn {
			continue
		}
		b.send(c, change)
	}
	if ev.Kind == Joined {
		b.send(ev.Conn, snapshot)
	}
}

func (b *Broadcaster) send(c Conn, msg protocol.ServerMessage) {
	if err := c.Send(msg); err != nil {
		b.log.Debug().Err(err).Str("conn", c.ConnID()).Str("type", msg.Kind()).Msg("presence push failed")
	}
}
