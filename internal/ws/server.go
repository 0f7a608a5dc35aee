// Package ws handles WebSocket connection management: it authenticates and
// upgrades HTTP requests, keeps the open connections, reads frames through
// epoll and a bounded worker pool, and hands parsed messages to a dispatcher.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/duochat/chat-app/internal/auth"
	"github.com/duochat/chat-app/internal/metrics"
	"github.com/duochat/chat-app/internal/protocol"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr      string        // address to listen on, e.g. ":8080"
	WorkerPoolSize  int           // max concurrent read-worker goroutines
	MaxConnections  int           // hard cap on total connections
	MaxFrameBytes   int64         // larger data frames close the connection
	ReadTimeout     time.Duration // timeout for WebSocket read operations
	WriteTimeout    time.Duration // timeout for WebSocket write operations
	ShutdownTimeout time.Duration // grace period for the HTTP listener
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:      ":8080",
		WorkerPoolSize:  256,
		MaxConnections:  100000,
		MaxFrameBytes:   16 * 1024,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// ConnectLimiter throttles upgrade attempts per client IP.
type ConnectLimiter interface {
	AllowConnect(ctx context.Context, ip string) bool
}

// Server is the WebSocket server built on gobwas/ws and epoll. Identity is
// resolved before the upgrade; unauthenticated requests never become
// connections.
type Server struct {
	config       ServerConfig
	heartbeat    HeartbeatConfig
	epoll        *Epoll
	conns        *ConnectionManager
	identity     auth.Resolver
	limiter      ConnectLimiter
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onConnect    func(conn *Connection) error        // rejects the connection on error
	onDisconnect func(conn *Connection)              // called once per removed connection
	mux          *http.ServeMux
	httpServer   *http.Server
	done         chan struct{}
	startedAt    time.Time
	logger       *zap.Logger
}

// NewServer creates a Server. The onMessage function is called from a worker
// goroutine whenever a complete WebSocket text frame is received.
func NewServer(config ServerConfig, heartbeat HeartbeatConfig, identity auth.Resolver, onMessage func(conn *Connection, data []byte), logger *zap.Logger) *Server {
	s := &Server{
		config:     config,
		heartbeat:  heartbeat,
		conns:      NewConnectionManager(),
		identity:   identity,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		mux:        http.NewServeMux(),
		done:       make(chan struct{}),
		logger:     logger.Named("ws"),
	}
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetOnConnect registers the callback run for every accepted connection
// before it starts receiving frames.
func (s *Server) SetOnConnect(fn func(conn *Connection) error) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (read error, close frame, heartbeat timeout or explicit close).
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// SetConnectLimiter installs a per-IP upgrade limiter.
func (s *Server) SetConnectLimiter(l ConnectLimiter) {
	s.limiter = l
}

// Handle registers an extra HTTP handler, e.g. /metrics.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Init creates the epoll instance and starts the event loop and the
// heartbeat monitor. Serve calls it when it has not been called yet.
func (s *Server) Init() error {
	if s.epoll != nil {
		return nil
	}
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()
	go s.startEventLoop()
	s.startHeartbeat()
	return nil
}

// Serve blocks serving HTTP on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.Init(); err != nil {
		return err
	}

	s.logger.Info("server listening",
		zap.String("addr", ln.Addr().String()),
		zap.Int("workers", s.config.WorkerPoolSize),
		zap.Int("max_conns", s.config.MaxConnections))

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the request, upgrades it with the gobwas/ws
// zero-copy upgrader, runs onConnect and then registers the socket with epoll.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	if s.limiter != nil && !s.limiter.AllowConnect(r.Context(), ip) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	userID, err := s.identity.Resolve(r)
	if err != nil || userID == "" {
		s.logger.Debug("rejecting unauthenticated upgrade", zap.String("ip", ip), zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.String("ip", ip), zap.Error(err))
		return
	}

	c := newConnection(uuid.NewString(), userID, ip, conn, s.config.WriteTimeout)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	if err := c.Emit(protocol.TypeConnected, protocol.ConnectedMsg{UserID: userID, ConnectionID: c.ID()}); err != nil {
		s.logger.Debug("failed to send connected", zap.String("conn_id", c.ID()), zap.Error(err))
	}

	if s.onConnect != nil {
		if err := s.onConnect(c); err != nil {
			s.logger.Warn("connection rejected", zap.String("conn_id", c.ID()), zap.Error(err))
			s.dropConnection(c)
			return
		}
	}

	if err := s.epoll.Add(conn); err != nil {
		s.logger.Error("epoll add failed", zap.String("conn_id", c.ID()), zap.Error(err))
		s.RemoveConnection(c)
		return
	}

	s.logger.Info("new connection",
		zap.String("conn_id", c.ID()),
		zap.String("user_id", userID),
		zap.Int("total", s.conns.Count()))
}

// handleHealth responds with the server's health status as JSON.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop and hands each ready connection to
// a worker, bounded by the worker pool semaphore.
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
			}
			if isEINTR(err) {
				continue
			}
			s.logger.Error("epoll wait error", zap.Error(err))
			continue
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

// handleConn reads a single WebSocket frame from a ready connection. Control
// frames are handled without waiting for a data frame. Any read failure
// removes the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered epoll can report the same socket again while a worker
	// is still reading it.
	if !c.processing.CompareAndSwap(false, true) {
		return
	}
	defer func() {
		c.processing.Store(false)
		s.epoll.Done(netConn)
	}()

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A timeout means no data was available; the heartbeat handles
		// dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	if s.config.MaxFrameBytes > 0 && header.Length > s.config.MaxFrameBytes {
		s.logger.Info("frame too large",
			zap.String("conn_id", c.ID()),
			zap.Int64("length", header.Length))
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 || header.OpCode != ws.OpText {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection unregisters c from epoll and the manager, closes it and
// runs onDisconnect. Concurrent removals of the same connection run the
// callback once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}
	if !s.conns.Remove(c.ID()) {
		return
	}
	_ = c.Close()
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	s.logger.Info("connection closed",
		zap.String("conn_id", c.ID()),
		zap.String("user_id", c.UserID()),
		zap.Int("total", s.conns.Count()))
}

// dropConnection removes a connection that never reached onConnect success,
// so onDisconnect is not called for it.
func (s *Server) dropConnection(c *Connection) {
	if s.conns.Remove(c.ID()) {
		metrics.ConnectionsTotal.Dec()
	}
	_ = c.Close()
}

// CloseConnection sends a close frame and removes c. Used after logout.
func (s *Server) CloseConnection(c *Connection, reason string) {
	_ = c.write(func() error {
		return ws.WriteFrame(c.Conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, reason)))
	})
	s.RemoveConnection(c)
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener and the event loop, then closes every
// connection. onDisconnect is not run for connections closed here.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	select {
	case <-s.done:
	default:
		close(s.done)
	}

	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown error", zap.Error(err))
	}

	for _, c := range s.conns.All() {
		if s.epoll != nil {
			_ = s.epoll.Remove(c.Conn)
		}
		s.conns.Remove(c.ID())
		_ = c.Close()
	}
	metrics.ConnectionsTotal.Set(0)

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	s.logger.Info("server stopped, all connections closed")
	return nil
}

// clientIP prefers the first X-Forwarded-For hop set by the load balancer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			xff = xff[:i]
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
