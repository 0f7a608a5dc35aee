package store

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps messages in process memory in insertion order.
type MemoryStore struct {
	mu       sync.RWMutex
	messages []*Message
	byID     map[string]*Message
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Message)}
}

func (s *MemoryStore) Create(ctx context.Context, msg *Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("store: create: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[msg.ID]; ok {
		return fmt.Errorf("store: create: duplicate id %s", msg.ID)
	}
	cp := *msg
	s.messages = append(s.messages, &cp)
	s.byID[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, readerID, senderID string) (ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return ReadResult{}, fmt.Errorf("store: mark read: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res := ReadResult{MessageIDs: []string{}}
	for _, m := range s.messages {
		if m.SenderID == senderID && m.ReceiverID == readerID && !m.IsRead {
			m.IsRead = true
			res.MessageIDs = append(res.MessageIDs, m.ID)
		}
	}
	res.ModifiedCount = int64(len(res.MessageIDs))
	return res, nil
}

func (s *MemoryStore) Conversation(ctx context.Context, a, b string, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("store: conversation: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Message
	for _, m := range s.messages {
		if (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a) {
			out = append(out, *m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Get returns a copy of the message with the given id.
func (s *MemoryStore) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

func (s *MemoryStore) Close(context.Context) error { return nil }
