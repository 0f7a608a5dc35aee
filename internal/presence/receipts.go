package presence

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/duochat/chat-app/internal/metrics"
	"github.com/duochat/chat-app/internal/store"
)

// Read-receipt triggers, used as metric labels.
const (
	TriggerConnect = "connect"
	TriggerRequest = "request"
	TriggerSend    = "send"
)

// readFlip is a pending MarkRead(reader, sender) call.
type readFlip struct {
	reader string
	sender string
}

// ReceiptCoordinator performs read-receipt writes against the message store.
// Calls are bounded by the configured timeout and are never made while the
// engine lock is held.
type ReceiptCoordinator struct {
	store   store.Store
	timeout time.Duration
	logger  *zap.Logger
}

// NewReceiptCoordinator creates a coordinator writing through st.
func NewReceiptCoordinator(st store.Store, timeout time.Duration, logger *zap.Logger) *ReceiptCoordinator {
	return &ReceiptCoordinator{store: st, timeout: timeout, logger: logger}
}

// Flip marks every unread message from sender to reader as read.
func (c *ReceiptCoordinator) Flip(ctx context.Context, reader, sender, trigger string) (store.ReadResult, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	res, err := c.store.MarkRead(ctx, reader, sender)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("mark_read").Inc()
		c.logger.Warn("mark read failed",
			zap.String("reader", reader),
			zap.String("sender", sender),
			zap.String("trigger", trigger),
			zap.Error(err))
		return store.ReadResult{MessageIDs: []string{}}, fmt.Errorf("presence: mark read: %w", err)
	}
	if res.MessageIDs == nil {
		res.MessageIDs = []string{}
	}

	if res.ModifiedCount > 0 {
		metrics.ReadReceiptFlips.WithLabelValues(trigger).Add(float64(res.ModifiedCount))
		c.logger.Debug("messages marked read",
			zap.String("reader", reader),
			zap.String("sender", sender),
			zap.String("trigger", trigger),
			zap.Int64("count", res.ModifiedCount))
	}
	return res, nil
}
