package presence

import (
	"go.uber.org/zap"

	"github.com/duochat/chat-app/internal/metrics"
	"github.com/duochat/chat-app/internal/protocol"
	"github.com/duochat/chat-app/internal/store"
)

// notice is one staged outbound event. An empty target means every
// registered connection.
type notice struct {
	target  string
	event   string
	payload interface{}
}

// Batch is an ordered outbox of notices. It is filled while the engine lock
// is held and delivered by Broadcaster.Flush after the lock is released, so
// socket writes never happen under the lock.
type Batch struct {
	reg     *Registry
	notices []notice
}

// BroadcastOnlineList stages the current online-user snapshot for every
// registered connection.
func (b *Batch) BroadcastOnlineList() {
	b.notices = append(b.notices, notice{
		event:   protocol.TypeOnlineUsers,
		payload: protocol.OnlineUsersMsg{Users: b.reg.Snapshot()},
	})
}

// SendStatus stages user's status toward peer.
func (b *Batch) SendStatus(user, peer string, status ChatStatus) {
	metrics.ChatStatusTotal.WithLabelValues(string(status)).Inc()
	b.notices = append(b.notices, notice{
		target:  user,
		event:   protocol.TypeChatStatus,
		payload: protocol.ChatStatusMsg{PeerID: peer, Status: string(status)},
	})
}

// NotifyEntered tells peer that actor opened their conversation.
func (b *Batch) NotifyEntered(actor, peer string) {
	b.notices = append(b.notices, notice{
		target:  peer,
		event:   protocol.TypeUserEnteredChat,
		payload: protocol.UserPresenceMsg{UserID: actor},
	})
}

// NotifyLeft tells peer that actor closed their conversation.
func (b *Batch) NotifyLeft(actor, peer string) {
	b.notices = append(b.notices, notice{
		target:  peer,
		event:   protocol.TypeUserLeftChat,
		payload: protocol.UserPresenceMsg{UserID: actor},
	})
}

// NotifyReadReceipts tells sender which of their messages reader has read.
func (b *Batch) NotifyReadReceipts(sender, reader string, ids []string) {
	if ids == nil {
		ids = []string{}
	}
	b.notices = append(b.notices, notice{
		target: sender,
		event:  protocol.TypeMessagesRead,
		payload: protocol.MessagesReadMsg{
			By:         reader,
			MessageIDs: ids,
			Count:      int64(len(ids)),
		},
	})
}

// DeliverMessage stages msg for its receiver.
func (b *Batch) DeliverMessage(msg store.Message) {
	b.notices = append(b.notices, notice{
		target:  msg.ReceiverID,
		event:   protocol.TypeNewMessage,
		payload: msg,
	})
}

// Len returns the number of staged notices.
func (b *Batch) Len() int {
	return len(b.notices)
}

// Broadcaster delivers staged notices to registered connections.
type Broadcaster struct {
	reg    *Registry
	logger *zap.Logger
}

// NewBroadcaster creates a Broadcaster that routes through reg.
func NewBroadcaster(reg *Registry, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{reg: reg, logger: logger}
}

// NewBatch returns an empty outbox bound to the broadcaster's registry.
func (b *Broadcaster) NewBatch() *Batch {
	return &Batch{reg: b.reg}
}

// Flush delivers every notice in order. Targets are looked up at delivery
// time; a target that is no longer registered is skipped. Write errors are
// logged and never retried.
func (b *Broadcaster) Flush(batch *Batch) {
	if batch == nil {
		return
	}
	for _, n := range batch.notices {
		if n.target == "" {
			for _, c := range b.reg.Connections() {
				b.emit(c, n)
			}
			continue
		}

		c, ok := b.reg.Lookup(n.target)
		if !ok {
			metrics.NoticesDropped.WithLabelValues("offline").Inc()
			b.logger.Debug("dropping notice for offline user",
				zap.String("event", n.event),
				zap.String("user_id", n.target))
			continue
		}
		b.emit(c, n)
	}
	batch.notices = nil
}

func (b *Broadcaster) emit(c Conn, n notice) {
	if !c.IsAlive() {
		metrics.NoticesDropped.WithLabelValues("offline").Inc()
		return
	}
	if err := c.Emit(n.event, n.payload); err != nil {
		metrics.NoticesDropped.WithLabelValues("write_error").Inc()
		b.logger.Debug("notice write failed",
			zap.String("event", n.event),
			zap.String("user_id", c.UserID()),
			zap.String("conn_id", c.ID()),
			zap.Error(err))
		return
	}
	metrics.NoticesTotal.WithLabelValues(n.event).Inc()
}
