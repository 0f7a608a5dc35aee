package ws

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/atomic"

	"github.com/duochat/chat-app/internal/protocol"
)

// ErrConnectionClosed is returned by writes on a closed connection.
var ErrConnectionClosed = errors.New("ws: connection closed")

// Connection represents a single authenticated WebSocket client connection.
// It satisfies presence.Conn.
type Connection struct {
	id        string
	userID    string
	remoteIP  string
	Conn      net.Conn  // underlying TCP connection
	CreatedAt time.Time // when the connection was established

	lastActive   atomic.Time // last frame received from the client
	alive        atomic.Bool
	processing   atomic.Bool // set while a worker is reading from the socket
	writeMu      sync.Mutex  // serializes writes to this connection
	writeTimeout time.Duration
}

func newConnection(id, userID, remoteIP string, conn net.Conn, writeTimeout time.Duration) *Connection {
	now := time.Now()
	c := &Connection{
		id:           id,
		userID:       userID,
		remoteIP:     remoteIP,
		Conn:         conn,
		CreatedAt:    now,
		writeTimeout: writeTimeout,
	}
	c.lastActive.Store(now)
	c.alive.Store(true)
	return c
}

// ID returns the connection handle.
func (c *Connection) ID() string { return c.id }

// UserID returns the identity resolved before the upgrade.
func (c *Connection) UserID() string { return c.userID }

// RemoteIP returns the client address used for rate limiting.
func (c *Connection) RemoteIP() string { return c.remoteIP }

// IsAlive reports whether the connection has not been closed.
func (c *Connection) IsAlive() bool { return c.alive.Load() }

// Touch records client activity.
func (c *Connection) Touch() { c.lastActive.Store(time.Now()) }

// LastActive returns the time of the last frame received from the client.
func (c *Connection) LastActive() time.Time { return c.lastActive.Load() }

// Emit encodes payload as a server message of type event and writes it.
func (c *Connection) Emit(event string, payload interface{}) error {
	data, err := protocol.NewServerMessage(event, payload)
	if err != nil {
		return err
	}
	return c.WriteMessage(data)
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	return c.write(func() error {
		return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
	})
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	return c.write(func() error {
		return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
	})
}

func (c *Connection) write(fn func() error) error {
	if !c.alive.Load() {
		return ErrConnectionClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return fn()
}

// Close marks the connection dead and closes the socket. Only the first call
// closes; later calls return nil.
func (c *Connection) Close() error {
	if !c.alive.CompareAndSwap(true, false) {
		return nil
	}
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe index of open connections by handle and
// by underlying net.Conn. A user may briefly own several connections while a
// replaced one drains.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection   // handle -> Connection
	byConn map[net.Conn]*Connection // net.Conn -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add indexes a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.id] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove drops a connection by handle. It returns false if it was already
// gone, which lets concurrent removers agree on a single cleanup.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	conn, ok := cm.byID[id]
	if !ok {
		return false
	}
	delete(cm.byID, id)
	delete(cm.byConn, conn.Conn)
	return true
}

// Get returns the connection for the given handle, or nil if not found.
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

// Count returns the current number of open connections.
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
