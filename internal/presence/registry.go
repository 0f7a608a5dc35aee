// Package presence tracks which users are online, which two users are viewing
// each other's conversation, and derives the chat status that drives read
// receipts and entered/left notices.
package presence

import (
	"sort"
	"sync"
)

// Conn is the capability the engine needs from a transport connection.
type Conn interface {
	// ID is the handle unique to this physical connection.
	ID() string
	// UserID is the identity resolved when the connection was accepted.
	UserID() string
	// Emit writes one event to the client.
	Emit(event string, payload interface{}) error
	// IsAlive reports whether writes can still succeed.
	IsAlive() bool
}

// Registry maps each online user to their single authoritative connection.
// The latest registration for a user wins.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Conn // userId -> Conn
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Conn)}
}

// Register makes conn the authoritative connection for user and returns the
// connection it replaced, if any.
func (r *Registry) Register(user string, conn Conn) Conn {
	r.mu.Lock()
	prev := r.conns[user]
	r.conns[user] = conn
	r.mu.Unlock()
	return prev
}

// Unregister removes user only if handle is still the authoritative
// connection. A superseded handle leaves the entry untouched and returns false.
func (r *Registry) Unregister(user, handle string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.conns[user]
	if !ok || cur.ID() != handle {
		return false
	}
	delete(r.conns, user)
	return true
}

// Lookup returns the authoritative connection for user.
func (r *Registry) Lookup(user string) (Conn, bool) {
	r.mu.RLock()
	c, ok := r.conns[user]
	r.mu.RUnlock()
	return c, ok
}

// IsOnline reports whether user has a registered connection.
func (r *Registry) IsOnline(user string) bool {
	_, ok := r.Lookup(user)
	return ok
}

// Snapshot returns the sorted list of online user IDs.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	users := make([]string, 0, len(r.conns))
	for u := range r.conns {
		users = append(users, u)
	}
	r.mu.RUnlock()
	sort.Strings(users)
	return users
}

// Connections returns a snapshot of every authoritative connection. The
// returned slice is safe to iterate without holding the lock.
func (r *Registry) Connections() []Conn {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	return conns
}

// Len returns the number of online users.
func (r *Registry) Len() int {
	r.mu.RLock()
	n := len(r.conns)
	r.mu.RUnlock()
	return n
}
