// Package ws handles WebSocket connection management for the in-game
// channel: upgrading HTTP connections authenticated by session cookie,
// attaching them to the caller's paired game, and dispatching incoming
// frames to the game registry.
package ws

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/chessd/backend/internal/game"
	"github.com/chessd/backend/internal/matchmaking"
	"github.com/chessd/backend/internal/metrics"
	"github.com/chessd/backend/internal/protocol"
	"github.com/chessd/backend/internal/session"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	MaxFrameSize   int64         // maximum allowed WebSocket frame payload in bytes
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxFrameSize:   10000,
	}
}

// Server is the WebSocket transport built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections to WebSocket, registers them with an epoll
// instance for I/O readiness notifications, and dispatches ready
// connections to a bounded worker pool for frame reading. The game/move
// semantics live in internal/game and internal/matchmaking; this package is
// pure frame plumbing plus the attach-at-upgrade step.
type Server struct {
	config     ServerConfig
	epoll      *Epoll
	conns      *ConnectionManager
	sessions   *session.Store
	games      *game.Registry
	matcher    *matchmaking.Loop
	dispatcher *Dispatcher
	workerPool chan struct{} // semaphore limiting concurrent read workers
	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time   // server start time for uptime calculation
	draining   atomic.Bool // true when server is draining connections during shutdown
}

// NewServer creates a Server wired to the session store (for upgrade
// authentication), the game registry (for attach + move dispatch), and the
// matchmaking loop (whose result map resolves a freshly paired session to
// its game_id).
func NewServer(config ServerConfig, sessions *session.Store, games *game.Registry, matcher *matchmaking.Loop) *Server {
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		sessions:   sessions,
		games:      games,
		matcher:    matcher,
		dispatcher: NewDispatcher(games),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
	}
}

// Start initializes the epoll instance, registers the WebSocket routes onto
// apiMux (a fresh mux is used if apiMux is nil, e.g. in tests), and begins
// accepting connections. It starts the epoll event loop in a background
// goroutine and blocks on http.Server.ListenAndServe. Passing the process's
// shared mux lets the HTTP API (internal/httpapi) and the WebSocket upgrade
// endpoint share a single listen address, per spec §2's one-process flow.
func (s *Server) Start(apiMux *http.ServeMux) error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux := apiMux
	if mux == nil {
		mux = http.NewServeMux()
	}
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/ws/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.startEventLoop()
	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("[ws] server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade performs the RFC-6455 upgrade handshake after authenticating
// the request by session cookie and resolving the session's game. Per
// spec §4.F: if the session is missing/expired, or no game is found for it,
// the request fails before the socket is ever upgraded.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	cookie, err := r.Cookie(session.CookieName)
	if err != nil || cookie.Value == "" {
		http.Error(w, "missing session", http.StatusUnauthorized)
		return
	}
	sessionID := cookie.Value

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	sess, err := s.sessions.Get(ctx, sessionID)
	cancel()
	if err != nil || sess == nil {
		http.Error(w, "invalid or expired session", http.StatusUnauthorized)
		return
	}

	gameID, ok := s.matcher.ResultFor(sessionID)
	if !ok {
		gameID, ok = s.games.GameIDForSession(sessionID)
	}
	if !ok {
		http.Error(w, "no active game for this session", http.StatusNotFound)
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("[ws] upgrade failed: %v", err)
		return
	}

	fd := socketFD(netConn)
	c := NewConnection(sessionID, gameID, netConn, fd)

	s.conns.Add(c)
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))
	if err := s.epoll.Add(netConn); err != nil {
		log.Printf("[ws] epoll add failed session=%s: %v", sessionID, err)
		s.conns.Remove(sessionID)
		return
	}

	g, self, opp, ok := s.games.Attach(gameID, sessionID, c)
	if !ok {
		log.Printf("[ws] attach failed session=%s game=%s", sessionID, gameID)
		sendErrorFrame(c, "game not found")
		s.RemoveConnection(c)
		return
	}

	startMsg := protocol.GameStartMsg{
		Type:        protocol.TypeGameStart,
		Opponent:    opp.Username,
		Color:       string(self.Color),
		FEN:         g.FEN,
		LegalMoves:  g.LegalMoves,
		CurrentTurn: string(g.CurrentTurn),
	}
	if data, err := protocol.NewServerMessage(protocol.TypeGameStart, startMsg); err == nil {
		_ = c.WriteMessage(data)
	}

	log.Printf("[ws] attached session=%s game=%s color=%s (total=%d)", sessionID, gameID, self.Color, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","connections":%d,"uptime":%q}`,
		s.conns.Count(), time.Since(s.startedAt).Round(time.Second).String())
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				if isEINTR(err) {
					continue
				}
				log.Printf("[ws] epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails
// (connection closed, protocol error, etc.) the connection is removed from
// epoll and the connection manager.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})

	c.LastPing = time.Now()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	if s.config.MaxFrameSize > 0 && header.Length > s.config.MaxFrameSize {
		log.Printf("[ws] frame too large session=%s: %d bytes (max %d)", c.ID, header.Length, s.config.MaxFrameSize)
		_, _ = io.Copy(io.Discard, reader)
		sendErrorFrame(c, "message exceeds maximum size")
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	s.dispatcher.Dispatch(context.Background(), c, data)
}

// RemoveConnection removes a connection from both epoll and the connection
// manager, closes the underlying network connection, and notifies the game
// registry so the remaining peer learns of the disconnect.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	if c.GameID != "" {
		s.games.HandleDisconnect(c.GameID, c.ID)
	}

	log.Printf("[ws] connection closed session=%s (total=%d)", c.ID, s.conns.Count())
}

// Connections returns the ConnectionManager for external access to
// connection state (used by the heartbeat monitor).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown of the server: it first stops
// accepting new connections, notifies every attached peer of the pending
// disconnect, then drains existing connections with a bounded timeout before
// force-closing any that remain.
func (s *Server) Shutdown() error {
	log.Println("[ws] initiating graceful shutdown...")
	s.draining.Store(true)

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := s.httpServer.Shutdown(httpCtx); err != nil {
		log.Printf("[ws] http shutdown error: %v", err)
	}

	for _, c := range s.conns.All() {
		c.writeMu.Lock()
		_ = ws.WriteFrame(c.Conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusGoingAway, "server shutting down")))
		c.writeMu.Unlock()
	}

	connCount := s.conns.Count()
	log.Printf("[ws] draining %d connections (30s timeout)...", connCount)

	drainDeadline := time.After(30 * time.Second)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

drainLoop:
	for {
		select {
		case <-drainDeadline:
			remaining := s.conns.Count()
			if remaining > 0 {
				log.Printf("[ws] drain timeout, force-closing %d connections", remaining)
			}
			break drainLoop
		case <-ticker.C:
			if s.conns.Count() == 0 {
				log.Println("[ws] all connections drained successfully")
				break drainLoop
			}
		}
	}

	close(s.done)
	for _, c := range s.conns.All() {
		_ = s.epoll.Remove(c.Conn)
		c.Close()
	}
	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("[ws] server stopped, all connections closed")
	return nil
}

func sendErrorFrame(c *Connection, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{Type: protocol.TypeError, Message: message})
	if err != nil {
		return
	}
	_ = c.WriteMessage(data)
}

// isEINTR checks if the error is a syscall interrupted error (EINTR), which
// is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" || err.Error() == "errno 4"
}
