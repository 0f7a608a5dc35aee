package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/duochat/chat-app/internal/presence"
	"github.com/duochat/chat-app/internal/store"
)

// Engine is the part of the presence engine exposed on the bus.
type Engine interface {
	SendMessage(ctx context.Context, msg store.Message) (store.Message, error)
	MarkRead(ctx context.Context, readerID, senderID string) (store.ReadResult, bool, error)
	History(ctx context.Context, userID, peerID string, limit int) ([]store.Message, error)
}

// SendRequest asks the engine to store and deliver a message.
type SendRequest struct {
	ID         string `json:"id,omitempty"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Text       string `json:"text,omitempty"`
	Image      string `json:"image,omitempty"`
}

// SendReply carries the stored message or an error.
type SendReply struct {
	Message *store.Message `json:"message,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// MarkReadRequest asks the engine to mark messages from SenderID to ReaderID
// read if both users are viewing the conversation.
type MarkReadRequest struct {
	ReaderID string `json:"readerId"`
	SenderID string `json:"senderId"`
}

// MarkReadReply mirrors the explicit markRead result.
type MarkReadReply struct {
	ModifiedCount int64    `json:"modifiedCount"`
	MessageIDs    []string `json:"messageIds"`
	BothInChat    bool     `json:"bothInChat"`
	Error         string   `json:"error,omitempty"`
}

// HistoryRequest asks for the most recent messages between UserID and PeerID.
// Limit 0 means the engine default.
type HistoryRequest struct {
	UserID string `json:"userId"`
	PeerID string `json:"peerId"`
	Limit  int    `json:"limit,omitempty"`
}

// HistoryReply carries the conversation, oldest first.
type HistoryReply struct {
	Messages []store.Message `json:"messages"`
	Error    string          `json:"error,omitempty"`
}

// Bridge connects the presence engine to the collaborator bus. It serves
// the request/reply subjects and, as a presence.EventSink, publishes
// presence transitions.
type Bridge struct {
	client  *NATSClient
	engine  Engine
	queue   string
	timeout time.Duration
	logger  *zap.Logger
}

// NewBridge creates a Bridge. Call Start to begin serving requests.
func NewBridge(client *NATSClient, engine Engine, queue string, timeout time.Duration, logger *zap.Logger) *Bridge {
	return &Bridge{
		client:  client,
		engine:  engine,
		queue:   queue,
		timeout: timeout,
		logger:  logger.Named("bridge"),
	}
}

// Start subscribes to the request subjects.
func (b *Bridge) Start() error {
	if err := b.client.QueueSubscribe(SubjectMessageSend, b.queue, func(msg *nats.Msg) {
		b.respond(msg, b.handleSend(msg.Data))
	}); err != nil {
		return err
	}
	if err := b.client.QueueSubscribe(SubjectMessageMarkRead, b.queue, func(msg *nats.Msg) {
		b.respond(msg, b.handleMarkRead(msg.Data))
	}); err != nil {
		return err
	}
	return b.client.QueueSubscribe(SubjectMessageHistory, b.queue, func(msg *nats.Msg) {
		b.respond(msg, b.handleHistory(msg.Data))
	})
}

func (b *Bridge) respond(msg *nats.Msg, reply interface{}) {
	data, err := json.Marshal(reply)
	if err != nil {
		b.logger.Error("marshal reply", zap.String("subject", msg.Subject), zap.Error(err))
		data = []byte(`{"error":"internal error"}`)
	}
	if msg.Reply == "" {
		return
	}
	if err := msg.Respond(data); err != nil {
		b.logger.Warn("respond failed", zap.String("subject", msg.Subject), zap.Error(err))
	}
}

func (b *Bridge) requestContext() (context.Context, context.CancelFunc) {
	if b.timeout > 0 {
		return context.WithTimeout(context.Background(), b.timeout)
	}
	return context.WithCancel(context.Background())
}

func (b *Bridge) handleSend(data []byte) SendReply {
	var req SendRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return SendReply{Error: "invalid request"}
	}

	ctx, cancel := b.requestContext()
	defer cancel()

	msg, err := b.engine.SendMessage(ctx, store.Message{
		ID:         req.ID,
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		Text:       req.Text,
		Image:      req.Image,
	})
	if err != nil {
		return SendReply{Error: replyError(err)}
	}
	return SendReply{Message: &msg}
}

func (b *Bridge) handleMarkRead(data []byte) MarkReadReply {
	var req MarkReadRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return MarkReadReply{MessageIDs: []string{}, Error: "invalid request"}
	}

	ctx, cancel := b.requestContext()
	defer cancel()

	res, both, err := b.engine.MarkRead(ctx, req.ReaderID, req.SenderID)
	reply := MarkReadReply{
		ModifiedCount: res.ModifiedCount,
		MessageIDs:    res.MessageIDs,
		BothInChat:    both,
	}
	if reply.MessageIDs == nil {
		reply.MessageIDs = []string{}
	}
	if err != nil {
		reply.Error = replyError(err)
	}
	return reply
}

func (b *Bridge) handleHistory(data []byte) HistoryReply {
	var req HistoryRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return HistoryReply{Messages: []store.Message{}, Error: "invalid request"}
	}

	ctx, cancel := b.requestContext()
	defer cancel()

	msgs, err := b.engine.History(ctx, req.UserID, req.PeerID, req.Limit)
	if err != nil {
		return HistoryReply{Messages: []store.Message{}, Error: replyError(err)}
	}
	return HistoryReply{Messages: msgs}
}

// replyError hides internal failures from collaborators but passes
// validation messages through.
func replyError(err error) string {
	if errors.Is(err, presence.ErrInvalidPayload) {
		return err.Error()
	}
	return "internal error"
}

// PresenceEvent publishes evt to presence.events.<type>. Publishing is
// best-effort.
func (b *Bridge) PresenceEvent(_ context.Context, evt presence.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		b.logger.Error("marshal event", zap.Error(err))
		return
	}
	if err := b.client.Publish(SubjectPresenceEvents+"."+string(evt.Type), data); err != nil {
		b.logger.Warn("publish event failed",
			zap.String("type", string(evt.Type)),
			zap.String("user_id", evt.UserID),
			zap.Error(err))
	}
}
