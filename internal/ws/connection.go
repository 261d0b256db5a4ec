package ws

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/directchat/internal/presence"
	"github.com/whisper/directchat/internal/protocol"
)

// Connection represents a single live client connection with its associated
// metadata and a write mutex for serializing outbound frames.
type Connection struct {
	ID         string    // connection ID (UUID)
	UserID     string    // authenticated user from the upgrade token
	RemoteAddr string    // client address at upgrade time
	Conn       net.Conn  // underlying TCP connection
	Fd         int       // file descriptor, -1 when the poller does not use it
	CreatedAt  time.Time // when the connection was established

	writeTimeout time.Duration
	lastActive   atomic.Int64 // unix nanos of the last frame read
	writeMu      sync.Mutex   // serializes writes to this connection
	processing   int32        // atomic flag: 0 = idle, 1 = being read by handleConn
}

// ConnID implements presence.Conn.
func (c *Connection) ConnID() string { return c.ID }

// Send encodes msg and writes it as a text frame.
func (c *Connection) Send(msg protocol.ServerMessage) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.WriteMessage(data)
}

// WriteMessage sends a text frame to this connection. The write mutex ensures
// that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	defer c.setWriteDeadline()()

	if err := wsutil.WriteServerMessage(c.Conn, ws.OpText, data); err != nil {
		return fmt.Errorf("ws: write to %s: %w", c.ID, err)
	}
	return nil
}

// WritePing sends a protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	return c.writeControl(ws.NewPingFrame(nil))
}

func (c *Connection) writeControl(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	defer c.setWriteDeadline()()

	if err := ws.WriteFrame(c.Conn, f); err != nil {
		return fmt.Errorf("ws: write control to %s: %w", c.ID, err)
	}
	return nil
}

// setWriteDeadline bounds the next write by writeTimeout so a peer that
// stops reading cannot hold writeMu forever. The returned func clears it.
// Must be called with writeMu held.
func (c *Connection) setWriteDeadline() func() {
	if c.writeTimeout <= 0 {
		return func() {}
	}
	_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return func() { _ = c.Conn.SetWriteDeadline(time.Time{}) }
}

// Touch records activity on the connection.
func (c *Connection) Touch() { c.lastActive.Store(time.Now().UnixNano()) }

// LastActive returns when a frame was last read from the connection.
func (c *Connection) LastActive() time.Time { return time.Unix(0, c.lastActive.Load()) }

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry of live connections, indexed by
// connection ID and by the underlying net.Conn the poller reports.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID and closes it. Returns false if it was
// already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping c, or nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}

// Audience returns every current connection as a presence push target,
// whether or not it has joined.
func (cm *ConnectionManager) Audience() []presence.Conn {
	cm.mu.RLock()
	conns := make([]presence.Conn, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
