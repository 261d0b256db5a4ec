// Package ws serves live connections: it authenticates and upgrades HTTP
// requests with gobwas/ws, multiplexes reads with epoll (or a goroutine
// fallback off Linux), bounds frame processing with a worker pool and evicts
// dead peers with heartbeat pings.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/whisper/directchat/internal/auth"
	"github.com/whisper/directchat/internal/logger"
	"github.com/whisper/directchat/internal/metrics"
	"github.com/whisper/directchat/internal/ratelimit"
)

// ServerConfig holds tunable parameters for the live-connection server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for frame read operations
	WriteTimeout   time.Duration // timeout for frame write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Authenticator verifies the caller of an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (*auth.Claims, error)
}

// ConnectLimiter throttles upgrades per client IP.
type ConnectLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// SessionRecorder keeps operational records of live connections.
type SessionRecorder interface {
	Create(ctx context.Context, connID, userID, remoteAddr string) error
	Touch(ctx context.Context, connID string) error
	Delete(ctx context.Context, connID string) error
}

// Server upgrades HTTP requests to live connections, registers them with the
// poller and dispatches ready connections to a bounded worker pool.
type Server struct {
	config     ServerConfig
	poller     *poller
	conns      *ConnectionManager
	router     *Router
	auth       Authenticator
	limiter    ConnectLimiter
	sessions   SessionRecorder
	workerPool chan struct{} // semaphore limiting concurrent read workers
	fallback   http.Handler  // serves every path not owned by the server
	httpServer *http.Server
	slots      atomic.Int64  // reserved connection slots, bounded by MaxConnections
	done       chan struct{}
	closeOnce  sync.Once
	startedAt  time.Time
	log        zerolog.Logger
}

// NewServer creates a Server. Frames are routed through router; upgrades are
// authenticated with authn.
func NewServer(config ServerConfig, router *Router, authn Authenticator) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = DefaultHeartbeatConfig()
	}
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		router:     router,
		auth:       authn,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
		log:        logger.Module("ws"),
	}
}

// SetLimiter enables per-IP upgrade throttling.
func (s *Server) SetLimiter(l ConnectLimiter) { s.limiter = l }

// SetSessionRecorder enables session records for live connections.
func (s *Server) SetSessionRecorder(r SessionRecorder) { s.sessions = r }

// SetFallback mounts h for every route the server does not own (REST, metrics).
func (s *Server) SetFallback(h http.Handler) { s.fallback = h }

// Open creates the poller and starts the event loop and heartbeat. It does
// not listen; Start does both.
func (s *Server) Open() error {
	var err error
	s.poller, err = newPoller(s.handleConn)
	if err != nil {
		return fmt.Errorf("ws: failed to create poller: %w", err)
	}
	s.startedAt = time.Now()

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)
	return nil
}

// Handler returns the HTTP routes owned by the server plus the fallback.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleUpgrade).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.fallback != nil {
		r.PathPrefix("/").Handler(s.fallback)
	}
	return r
}

// Start opens the server and blocks serving HTTP on the configured address.
func (s *Server) Start() error {
	if err := s.Open(); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info().
		Str("addr", s.config.ListenAddr).
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the request, then upgrades it with the gobwas/ws
// zero-copy upgrader and registers the connection.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.reserveSlot() {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	registered := false
	defer func() {
		if !registered {
			s.releaseSlot()
		}
	}()

	ip := clientIP(r)
	if s.limiter != nil {
		if ok, _ := s.limiter.Allow(r.Context(), ip, ratelimit.RuleConnect); !ok {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	claims, err := s.auth.Authenticate(r)
	if err != nil {
		s.log.Debug().Err(err).Str("ip", ip).Msg("upgrade rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn().Err(err).Str("ip", ip).Msg("upgrade failed")
		return
	}

	now := time.Now()
	c := &Connection{
		ID:           uuid.NewString(),
		UserID:       claims.UserID,
		RemoteAddr:   r.RemoteAddr,
		Conn:         conn,
		Fd:           socketFD(conn),
		CreatedAt:    now,
		writeTimeout: s.config.WriteTimeout,
	}
	c.Touch()

	// From here the slot belongs to the conns entry and is released by
	// whoever removes it.
	s.conns.Add(c)
	registered = true
	if err := s.poller.add(conn); err != nil {
		s.log.Error().Err(err).Str("conn", c.ID).Msg("poller add failed")
		if s.conns.Remove(c.ID) {
			s.releaseSlot()
		}
		return
	}
	metrics.ConnectionsTotal.Inc()

	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessions.Create(ctx, c.ID, c.UserID, c.RemoteAddr); err != nil {
			s.log.Warn().Err(err).Str("conn", c.ID).Msg("failed to create session record")
		}
		cancel()
	}

	s.log.Info().Str("conn", c.ID).Str("user", c.UserID).Int("fd", c.Fd).Int("total", s.conns.Count()).Msg("new connection")
}

// reserveSlot claims one of MaxConnections slots. The slot is held until
// the connection is removed.
func (s *Server) reserveSlot() bool {
	for {
		n := s.slots.Load()
		if n >= int64(s.config.MaxConnections) {
			return false
		}
		if s.slots.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (s *Server) releaseSlot() { s.slots.Add(-1) }

// handleHealth reports connection and presence counts as JSON.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Online      int    `json:"online"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Online:      s.router.presence.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the poller wait loop. Each ready connection is handed
// to a worker goroutine bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poller.wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if isEINTR(err) {
				continue
			}
			s.log.Error().Err(err).Msg("poller wait error")
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		for _, conn := range conns {
			conn := conn

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single frame from a ready connection. Control frames
// are handled inline so a ping never blocks waiting for a data frame. A
// failed read removes the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A timeout means no data was available (stale dispatch). The
		// heartbeat deals with dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	payload := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, payload); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.Touch()

	if header.OpCode.IsControl() {
		switch header.OpCode {
		case ws.OpClose:
			s.RemoveConnection(c)
		case ws.OpPing:
			if err := c.writeControl(ws.NewPongFrame(payload)); err != nil {
				s.RemoveConnection(c)
			}
		}
		return
	}

	if len(payload) == 0 {
		return
	}

	s.router.Dispatch(c, payload)
}

// RemoveConnection unregisters c from the poller, the connection manager and
// the presence registry, and deletes its session record. Concurrent calls for
// the same connection clean up once.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.poller.remove(c.Conn)

	if !s.conns.Remove(c.ID) {
		return
	}
	s.releaseSlot()
	metrics.ConnectionsTotal.Dec()

	s.router.Disconnect(c)

	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessions.Delete(ctx, c.ID); err != nil {
			s.log.Warn().Err(err).Str("conn", c.ID).Msg("failed to delete session record")
		}
		cancel()
	}

	s.log.Info().Str("conn", c.ID).Str("user", c.UserID).Int("total", s.conns.Count()).Msg("connection closed")
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener, stops the event loop and closes every
// live connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down server")

	s.closeOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warn().Err(err).Msg("http shutdown error")
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.poller != nil {
		_ = s.poller.close()
	}

	s.log.Info().Msg("server stopped, all connections closed")
	return nil
}

// clientIP returns the remote host, preferring the first X-Forwarded-For hop
// set by the load balancer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return xff[:i]
			}
		}
		return xff
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
