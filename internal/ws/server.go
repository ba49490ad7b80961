// Package ws is the WebSocket session transport. It upgrades HTTP requests
// authenticated by the upstream gateway, watches sockets for readiness with
// epoll on Linux, and hands complete text frames to a message callback from
// a bounded worker pool.
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
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tandem/server/internal/metrics"
	"github.com/tandem/server/internal/protocol"
)

// UserHeader carries the user id set by the authenticating gateway. The
// "user" query parameter is accepted as a fallback for browser clients that
// cannot set headers on the upgrade request.
const UserHeader = "X-User-Id"

const maxUserIDLen = 128

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string
	WorkerPoolSize int           // max concurrent read workers
	MaxConnections int           // hard cap on total connections
	MaxFrameSize   int64         // larger data frames close the connection
	ReadTimeout    time.Duration // per-frame read deadline once a socket is ready
	WriteTimeout   time.Duration
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		MaxFrameSize:   64 << 10,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server upgrades, tracks and reads WebSocket connections.
type Server struct {
	config     ServerConfig
	poller     *poller
	conns      *ConnectionManager
	workerPool chan struct{}
	mux        *http.ServeMux
	httpServer *http.Server
	done       chan struct{}
	lifeMu     sync.Mutex // guards poller and httpServer against a concurrent Shutdown
	startedAt  time.Time

	onMessage    func(conn *Connection, data []byte)
	onConnect    func(conn *Connection)
	onDisconnect func(conn *Connection)
	onPong       func(conn *Connection)
}

// NewServer creates a server that passes each text frame to onMessage from
// a worker goroutine. Frames of one connection are never processed
// concurrently.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) *Server {
	s := &Server{
		config:     config,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		mux:        http.NewServeMux(),
		done:       make(chan struct{}),
		onMessage:  onMessage,
	}
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// Handle registers an extra HTTP handler, for example /metrics. It must be
// called before Start.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// SetOnConnect registers a callback run after a connection is registered and
// greeted.
func (s *Server) SetOnConnect(fn func(conn *Connection)) { s.onConnect = fn }

// SetOnDisconnect registers a callback run once when a connection is removed
// for any reason.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) { s.onDisconnect = fn }

// SetOnPong registers a callback run when the client answers a heartbeat.
func (s *Server) SetOnPong(fn func(conn *Connection)) { s.onPong = fn }

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve creates the poller and serves HTTP on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	p, err := newPoller()
	if err != nil {
		ln.Close()
		return fmt.Errorf("ws: failed to create poller: %w", err)
	}
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.lifeMu.Lock()
	select {
	case <-s.done:
		s.lifeMu.Unlock()
		p.close()
		ln.Close()
		return nil
	default:
	}
	s.poller = p
	s.httpServer = srv
	s.startedAt = time.Now()
	s.lifeMu.Unlock()

	go s.runEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	log.Info().Str("module", "ws").
		Str("addr", ln.Addr().String()).
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("server listening")

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// UserFromRequest extracts the gateway-supplied user id.
func UserFromRequest(r *http.Request) (string, error) {
	user := r.Header.Get(UserHeader)
	if user == "" {
		user = r.URL.Query().Get("user")
	}
	switch {
	case user == "":
		return "", errors.New("missing user identity")
	case len(user) > maxUserIDLen:
		return "", errors.New("user identity too long")
	case !validUserID(user):
		return "", errors.New("user identity has invalid characters")
	}
	return user, nil
}

// validUserID allows letters, digits, '_' and '-'. User ids end up in NATS
// subjects and Redis keys, so wildcards, separators and spaces are refused.
func validUserID(id string) bool {
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	user, err := UserFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Warn().Str("module", "ws").Err(err).Msg("upgrade failed")
		return
	}

	c := newConnection(uuid.New().String(), user, conn, s.config.WriteTimeout)
	s.conns.Add(c)
	if err := s.poller.watch(s, c); err != nil {
		log.Error().Str("module", "ws").Str("conn", c.ID).Err(err).Msg("watch failed")
		s.conns.Remove(c.ID)
		return
	}
	metrics.ConnectionsTotal.Inc()

	greeting, err := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		ConnID: c.ID,
		UserID: user,
	})
	if err == nil {
		err = c.WriteMessage(greeting)
	}
	if err != nil {
		log.Warn().Str("module", "ws").Str("conn", c.ID).Err(err).Msg("send session:created")
	}

	if s.onConnect != nil {
		s.onConnect(c)
	}

	log.Info().Str("module", "ws").Str("conn", c.ID).Str("user", user).Int("fd", c.Fd).Int("total", s.conns.Count()).Msg("connected")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// dispatch hands a ready connection to a worker, blocking while the pool is
// full.
func (s *Server) dispatch(c *Connection) {
	select {
	case s.workerPool <- struct{}{}:
	case <-s.done:
		return
	}
	go func() {
		defer func() { <-s.workerPool }()
		s.readFrame(c)
	}()
}

// readFrame reads one frame from a ready connection. It reports false once
// the connection has been removed.
func (s *Server) readFrame(c *Connection) bool {
	// Level-triggered epoll may report the same socket twice.
	if !c.processing.CompareAndSwap(false, true) {
		return true
	}
	defer c.processing.Store(false)

	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		s.RemoveConnection(c)
		return false
	}
	_ = c.Conn.SetReadDeadline(time.Time{})
	c.markSeen()

	if header.OpCode.IsControl() {
		switch header.OpCode {
		case ws.OpClose:
			s.RemoveConnection(c)
			return false
		case ws.OpPong:
			if s.onPong != nil {
				s.onPong(c)
			}
		}
		return true
	}

	if s.config.MaxFrameSize > 0 && header.Length > s.config.MaxFrameSize {
		log.Warn().Str("module", "ws").Str("conn", c.ID).Int64("length", header.Length).Msg("frame too large")
		s.RemoveConnection(c)
		return false
	}

	data := make([]byte, header.Length)
	if _, err := io.ReadFull(reader, data); err != nil {
		s.RemoveConnection(c)
		return false
	}
	if len(data) > 0 && s.onMessage != nil {
		s.onMessage(c, data)
	}
	return true
}

// RemoveConnection unwatches, closes and forgets a connection. Concurrent
// calls for the same connection run the disconnect callback once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.poller != nil {
		_ = s.poller.unwatch(c)
	}
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}
	log.Info().Str("module", "ws").Str("conn", c.ID).Str("user", c.User).Int("total", s.conns.Count()).Msg("disconnected")
}

// SendMessage writes a text frame to the connection with the given id.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return c.WriteMessage(data)
}

// Connections exposes the connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting connections and closes every open one, running
// the disconnect callback for each.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Str("module", "ws").Msg("shutting down")
	s.lifeMu.Lock()
	close(s.done)
	srv, p := s.httpServer, s.poller
	s.lifeMu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}
	if p != nil {
		_ = p.close()
	}
	log.Info().Str("module", "ws").Msg("server stopped")
	return err
}
