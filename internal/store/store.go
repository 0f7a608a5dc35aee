// Package store persists direct messages between two users and implements the
// read-receipt write used by the presence engine. Backends: in-memory,
// PostgreSQL and MongoDB.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidMessage is returned by Create when the message lacks a sender or
// receiver.
var ErrInvalidMessage = errors.New("store: invalid message")

// Message is a single direct message. Only IsRead is ever changed after
// creation, and only from false to true.
type Message struct {
	ID         string    `json:"_id" bson:"_id"`
	SenderID   string    `json:"senderId" bson:"senderId"`
	ReceiverID string    `json:"receiverId" bson:"receiverId"`
	Text       string    `json:"text,omitempty" bson:"text,omitempty"`
	Image      string    `json:"image,omitempty" bson:"image,omitempty"`
	IsRead     bool      `json:"isRead" bson:"isRead"`
	CreatedAt  time.Time `json:"createdAt" bson:"createdAt"`
}

// ReadResult reports the messages flipped by a MarkRead call.
type ReadResult struct {
	ModifiedCount int64    `json:"modifiedCount"`
	MessageIDs    []string `json:"messageIds"`
}

// Store is the message persistence contract.
type Store interface {
	// Create persists msg. ID and CreatedAt are assigned by the caller.
	Create(ctx context.Context, msg *Message) error

	// MarkRead flips every unread message sent by senderID to readerID and
	// returns the identifiers it flipped.
	MarkRead(ctx context.Context, readerID, senderID string) (ReadResult, error)

	// Conversation returns up to limit of the most recent messages exchanged
	// between a and b, oldest first. limit <= 0 means no limit.
	Conversation(ctx context.Context, a, b string, limit int) ([]Message, error)

	Close(ctx context.Context) error
}

func validate(msg *Message) error {
	if msg == nil || msg.ID == "" || msg.SenderID == "" || msg.ReceiverID == "" {
		return ErrInvalidMessage
	}
	return nil
}
