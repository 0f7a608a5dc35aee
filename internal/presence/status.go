package presence

// ChatStatus is the derived state of one user's view of a peer.
type ChatStatus string

const (
	// StatusOffline means the peer holds no registered connection.
	StatusOffline ChatStatus = "offline"
	// StatusActive means the peer is online but not viewing this conversation.
	StatusActive ChatStatus = "active"
	// StatusConnect means both users are viewing each other.
	StatusConnect ChatStatus = "connect"
)

// Resolve computes self's status toward peer from the current registry and
// tracker contents. It is never cached.
func Resolve(reg *Registry, tr *Tracker, self, peer string) ChatStatus {
	if tr.IsMutual(self, peer) {
		return StatusConnect
	}
	if reg.IsOnline(peer) {
		return StatusActive
	}
	return StatusOffline
}
