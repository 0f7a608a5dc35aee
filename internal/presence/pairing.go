package presence

import (
	"sort"
	"sync"
)

// Tracker records, for each user, the one peer whose conversation they are
// currently viewing. Entries are only changed by the user they belong to.
//
// A reverse index (peer -> viewers) is kept alongside so that presence
// changes of a user can be pushed to everyone looking at them.
type Tracker struct {
	mu      sync.RWMutex
	peers   map[string]string              // user -> peer
	viewers map[string]map[string]struct{} // peer -> users viewing peer
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		peers:   make(map[string]string),
		viewers: make(map[string]map[string]struct{}),
	}
}

// SetPair records that user is viewing peer. It returns the peer it replaced
// ("" if none) and whether the entry changed.
func (t *Tracker) SetPair(user, peer string) (previous string, changed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	previous = t.peers[user]
	if previous == peer {
		return previous, false
	}
	if previous != "" {
		t.removeViewer(previous, user)
	}
	t.peers[user] = peer
	set := t.viewers[peer]
	if set == nil {
		set = make(map[string]struct{})
		t.viewers[peer] = set
	}
	set[user] = struct{}{}
	return previous, true
}

// ClearPair removes user's entry unconditionally and returns the peer that
// was recorded ("" if none).
func (t *Tracker) ClearPair(user string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	previous, ok := t.peers[user]
	if !ok {
		return ""
	}
	delete(t.peers, user)
	t.removeViewer(previous, user)
	return previous
}

// removeViewer must be called with t.mu held.
func (t *Tracker) removeViewer(peer, user string) {
	set, ok := t.viewers[peer]
	if !ok {
		return
	}
	delete(set, user)
	if len(set) == 0 {
		delete(t.viewers, peer)
	}
}

// GetPeer returns the peer user is viewing.
func (t *Tracker) GetPeer(user string) (string, bool) {
	t.mu.RLock()
	p, ok := t.peers[user]
	t.mu.RUnlock()
	return p, ok
}

// IsMutual reports whether a and b are viewing each other.
func (t *Tracker) IsMutual(a, b string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pa, okA := t.peers[a]
	pb, okB := t.peers[b]
	return okA && okB && pa == b && pb == a
}

// Viewers returns the sorted users currently viewing peer.
func (t *Tracker) Viewers(peer string) []string {
	t.mu.RLock()
	set := t.viewers[peer]
	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	t.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Pairs returns a copy of every user -> peer entry.
func (t *Tracker) Pairs() map[string]string {
	t.mu.RLock()
	out := make(map[string]string, len(t.peers))
	for u, p := range t.peers {
		out[u] = p
	}
	t.mu.RUnlock()
	return out
}

// Len returns the number of users with a recorded peer.
func (t *Tracker) Len() int {
	t.mu.RLock()
	n := len(t.peers)
	t.mu.RUnlock()
	return n
}
