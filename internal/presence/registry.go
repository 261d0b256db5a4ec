// Package presence tracks which users currently hold a live connection.
//
// The Registry is process-local and authoritative for "online now". Each
// mutation is applied synchronously, then observers are notified, then a
// best-effort status update is queued for the persistence layer. Updates
// are written by a single background worker in the order they were queued,
// so an online/offline pair for one user can never land reversed.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/directchat/internal/logger"
	"github.com/whisper/directchat/internal/protocol"
)

// Conn is a live connection handle able to receive server messages.
// Implementations must be comparable (pointer types).
type Conn interface {
	ConnID() string
	Send(msg protocol.ServerMessage) error
}

// StatusWriter persists the non-authoritative online flag.
type StatusWriter interface {
	SetPresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error
}

// EventKind distinguishes joins from leaves.
type EventKind int

const (
	Joined EventKind = iota + 1
	Left
)

func (k EventKind) String() string {
	switch k {
	case Joined:
		return "joined"
	case Left:
		return "left"
	default:
		return "unknown"
	}
}

// Event describes one registry mutation. Online is the sorted set of online
// users after the mutation.
type Event struct {
	Kind   EventKind
	UserID string
	Conn   Conn
	Online []string
}

type statusUpdate struct {
	userID   string
	online   bool
	lastSeen time.Time
}

const (
	updateQueueSize = 1024
	updateTimeout   = 3 * time.Second
)

// Registry maps user ids to their current live connection.
type Registry struct {
	// emitMu serializes mutation and notification so observers see events
	// in mutation order.
	emitMu sync.Mutex

	mu      sync.RWMutex
	entries map[string]Conn // userID -> conn
	byConn  map[Conn]string // conn -> userID
	subs    map[int]func(Event)
	nextSub int
	closed  bool

	writer  StatusWriter
	updates chan statusUpdate
	wg      sync.WaitGroup

	now func() time.Time
	log zerolog.Logger
}

// NewRegistry creates a Registry. writer may be nil, in which case status
// updates are not persisted.
func NewRegistry(writer StatusWriter) *Registry {
	r := &Registry{
		entries: make(map[string]Conn),
		byConn:  make(map[Conn]string),
		subs:    make(map[int]func(Event)),
		writer:  writer,
		updates: make(chan statusUpdate, updateQueueSize),
		now:     time.Now,
		log:     logger.Module("presence"),
	}
	r.wg.Add(1)
	go r.runWriter()
	return r
}

// Register binds userID to conn, replacing any previous connection for that
// user. A connection bound to a different user is moved.
func (r *Registry) Register(userID string, conn Conn) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	var events []Event

	r.mu.Lock()
	if prevUser, ok := r.byConn[conn]; ok && prevUser != userID {
		if r.entries[prevUser] == conn {
			delete(r.entries, prevUser)
			events = append(events, Event{Kind: Left, UserID: prevUser, Conn: conn, Online: r.snapshotLocked()})
		}
	}
	if prev, ok := r.entries[userID]; ok && prev != conn {
		delete(r.byConn, prev)
		r.log.Debug().Str("user", userID).Str("conn", prev.ConnID()).Msg("superseded connection")
	}
	r.entries[userID] = conn
	r.byConn[conn] = userID
	events = append(events, Event{Kind: Joined, UserID: userID, Conn: conn, Online: r.snapshotLocked()})
	subs := r.subscribersLocked()
	r.mu.Unlock()

	now := r.now()
	for _, ev := range events {
		r.enqueue(statusUpdate{userID: ev.UserID, online: ev.Kind == Joined, lastSeen: now})
		notify(subs, ev)
	}
	r.log.Info().Str("user", userID).Str("conn", conn.ConnID()).Int("online", len(events[len(events)-1].Online)).Msg("user joined")
}

// Unregister removes conn's entry if conn is still the registered handle for
// its user. It returns the user id that went offline.
func (r *Registry) Unregister(conn Conn) (string, bool) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	userID, ok := r.byConn[conn]
	if !ok {
		r.mu.Unlock()
		return "", false
	}
	delete(r.byConn, conn)
	if r.entries[userID] != conn {
		r.mu.Unlock()
		return "", false
	}
	delete(r.entries, userID)
	ev := Event{Kind: Left, UserID: userID, Conn: conn, Online: r.snapshotLocked()}
	subs := r.subscribersLocked()
	r.mu.Unlock()

	r.enqueue(statusUpdate{userID: userID, online: false, lastSeen: r.now()})
	notify(subs, ev)
	r.log.Info().Str("user", userID).Str("conn", conn.ConnID()).Int("online", len(ev.Online)).Msg("user left")
	return userID, true
}

// IsOnline reports whether userID has a registered connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	_, ok := r.entries[userID]
	r.mu.RUnlock()
	return ok
}

// Lookup returns the registered connection for userID.
func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.RLock()
	c, ok := r.entries[userID]
	r.mu.RUnlock()
	return c, ok
}

// UserOf returns the user a connection is registered as.
func (r *Registry) UserOf(conn Conn) (string, bool) {
	r.mu.RLock()
	u, ok := r.byConn[conn]
	r.mu.RUnlock()
	return u, ok
}

// Snapshot returns the sorted ids of all online users.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Count returns the number of online users.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.entries)
	r.mu.RUnlock()
	return n
}

// Conns returns every registered connection.
func (r *Registry) Conns() []Conn {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.entries))
	for _, c := range r.entries {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	return conns
}

// Subscribe registers fn for every future event. fn runs on the mutating
// goroutine and must not call Register or Unregister.
func (r *Registry) Subscribe(fn func(Event)) (cancel func()) {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// Close stops accepting status updates and waits for queued ones to be
// written.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.updates)
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Registry) snapshotLocked() []string {
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) subscribersLocked() []func(Event) {
	ids := make([]int, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, r.subs[id])
	}
	return subs
}

func notify(subs []func(Event), ev Event) {
	for _, fn := range subs {
		fn(ev)
	}
}

// enqueue hands an update to the writer without blocking. A full queue
// drops the update.
func (r *Registry) enqueue(u statusUpdate) {
	if r.writer == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.updates <- u:
	default:
		r.log.Warn().Str("user", u.userID).Bool("online", u.online).Msg("status queue full, dropping update")
	}
}

func (r *Registry) runWriter() {
	defer r.wg.Done()
	for u := range r.updates {
		ctx, cancel := context.WithTimeout(context.Background(), updateTimeout)
		err := r.writer.SetPresence(ctx, u.userID, u.online, u.lastSeen)
		cancel()
		if err != nil {
			r.log.Warn().Err(err).Str("user", u.userID).Bool("online", u.online).Msg("failed to persist presence")
		}
	}
}
