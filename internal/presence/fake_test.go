package presence

import (
	"context"
	"errors"
	"sync"

	"github.com/duochat/chat-app/internal/protocol"
	"github.com/duochat/chat-app/internal/store"
)

type emitted struct {
	Event   string
	Payload interface{}
}

// fakeConn records every emitted event.
type fakeConn struct {
	id   string
	user string

	mu     sync.Mutex
	events []emitted
	dead   bool
	fail   error
	seq    *sequence
}

// sequence records deliveries across several connections in global order.
type sequence struct {
	mu      sync.Mutex
	entries []string
}

func (s *sequence) add(entry string) {
	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.mu.Unlock()
}

func (s *sequence) Entries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *sequence) Reset() {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()
}

func newFakeConn(id, user string) *fakeConn {
	return &fakeConn{id: id, user: user}
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.user }

func (c *fakeConn) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.dead
}

func (c *fakeConn) Emit(event string, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.events = append(c.events, emitted{Event: event, Payload: payload})
	if c.seq != nil {
		c.seq.add(c.user + "/" + event)
	}
	return nil
}

func (c *fakeConn) Events() []emitted {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]emitted, len(c.events))
	copy(out, c.events)
	return out
}

func (c *fakeConn) Reset() {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
}

// Of returns the payloads of every event of the given type, in order.
func (c *fakeConn) Of(event string) []interface{} {
	var out []interface{}
	for _, e := range c.Events() {
		if e.Event == event {
			out = append(out, e.Payload)
		}
	}
	return out
}

func (c *fakeConn) Statuses() []protocol.ChatStatusMsg {
	var out []protocol.ChatStatusMsg
	for _, p := range c.Of(protocol.TypeChatStatus) {
		out = append(out, p.(protocol.ChatStatusMsg))
	}
	return out
}

// LastStatus returns the most recent status received about peer.
func (c *fakeConn) LastStatus(peer string) (ChatStatus, bool) {
	st := c.Statuses()
	for i := len(st) - 1; i >= 0; i-- {
		if st[i].PeerID == peer {
			return ChatStatus(st[i].Status), true
		}
	}
	return "", false
}

func (c *fakeConn) PresenceActors(event string) []string {
	var out []string
	for _, p := range c.Of(event) {
		out = append(out, p.(protocol.UserPresenceMsg).UserID)
	}
	return out
}

// markReadCall records one MarkRead invocation.
type markReadCall struct {
	reader, sender string
}

// recordingStore wraps a MemoryStore and records MarkRead calls.
type recordingStore struct {
	*store.MemoryStore

	mu    sync.Mutex
	calls []markReadCall
	err   error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{MemoryStore: store.NewMemoryStore()}
}

func (s *recordingStore) MarkRead(ctx context.Context, readerID, senderID string) (store.ReadResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, markReadCall{reader: readerID, sender: senderID})
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return store.ReadResult{}, err
	}
	return s.MemoryStore.MarkRead(ctx, readerID, senderID)
}

func (s *recordingStore) Calls() []markReadCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]markReadCall, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *recordingStore) CallsFor(reader, sender string) int {
	n := 0
	for _, c := range s.Calls() {
		if c.reader == reader && c.sender == sender {
			n++
		}
	}
	return n
}

var errStoreDown = errors.New("store down")

// sinkRecorder collects published presence events.
type sinkRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *sinkRecorder) PresenceEvent(_ context.Context, evt Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *sinkRecorder) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}
