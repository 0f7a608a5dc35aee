package ws

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/duochat/chat-app/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage (e.g. protocol.EnterChatMsg).
// A returned error is reported to the client as an error frame.
type MessageHandler func(conn *Connection, msg interface{}) error

// HandlerError carries the code and client-facing message for a failed
// handler.
type HandlerError struct {
	Code    string
	Message string
	Err     error
}

func (e *HandlerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *HandlerError) Unwrap() error { return e.Err }

// NewHandlerError wraps err with a client-facing code and message.
func NewHandlerError(code, message string, err error) error {
	return &HandlerError{Code: code, Message: message, Err: err}
}

// EventLimiter decides whether a user may send another event of msgType.
type EventLimiter interface {
	AllowEvent(ctx context.Context, userID, msgType string) bool
}

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It answers ping internally and sends structured
// error responses for malformed, unsupported, limited or failed messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	limiter  EventLimiter
	logger   *zap.Logger
}

// NewMessageDispatcher creates an empty dispatcher.
func NewMessageDispatcher(logger *zap.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		logger:   logger.Named("dispatch"),
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// SetEventLimiter installs a limiter consulted before every handler.
func (d *MessageDispatcher) SetEventLimiter(l EventLimiter) {
	d.limiter = l
}

// Dispatch is the onMessage callback implementation.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.logger.Debug("parse error",
			zap.String("conn_id", conn.ID()),
			zap.String("type", msgType),
			zap.Error(err))
		if msgType != "" && msg == nil && !isDecodeError(msgType) {
			d.sendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
			return
		}
		d.sendError(conn, protocol.CodeParseError, "invalid message format")
		return
	}

	// Built-in ping handler; respond immediately without requiring registration.
	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.logger.Debug("unsupported message type",
			zap.String("type", msgType),
			zap.String("conn_id", conn.ID()))
		d.sendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
		return
	}

	if d.limiter != nil && !d.limiter.AllowEvent(context.Background(), conn.UserID(), msgType) {
		d.sendError(conn, protocol.CodeRateLimited, "too many events, slow down")
		return
	}

	if err := handler(conn, msg); err != nil {
		var he *HandlerError
		if errors.As(err, &he) {
			d.logger.Debug("handler rejected message",
				zap.String("type", msgType),
				zap.String("user_id", conn.UserID()),
				zap.Error(err))
			d.sendError(conn, he.Code, he.Message)
			return
		}
		d.logger.Warn("handler failed",
			zap.String("type", msgType),
			zap.String("user_id", conn.UserID()),
			zap.Error(err))
		d.sendError(conn, protocol.CodeInternal, "internal error")
	}
}

// isDecodeError reports whether msgType is a known client type, in which case
// a parse failure means a malformed payload rather than an unknown type.
func isDecodeError(msgType string) bool {
	switch msgType {
	case protocol.TypeEnterChat, protocol.TypeLeaveChat, protocol.TypeLogout,
		protocol.TypeMarkRead, protocol.TypePing:
		return true
	}
	return false
}

// sendError sends a structured error message back to the client. Errors during
// message construction or transmission are logged but not propagated.
func (d *MessageDispatcher) sendError(conn *Connection, code string, message string) {
	if err := conn.Emit(protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message}); err != nil {
		d.logger.Debug("failed to send error message",
			zap.String("conn_id", conn.ID()),
			zap.Error(err))
	}
}

// sendPong responds to a client ping and records the activity.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.Touch()
	if err := conn.Emit(protocol.TypePong, protocol.PongMsg{}); err != nil {
		d.logger.Debug("failed to send pong",
			zap.String("conn_id", conn.ID()),
			zap.Error(err))
	}
}
