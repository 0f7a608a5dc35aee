package main

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/duochat/chat-app/internal/presence"
	"github.com/duochat/chat-app/internal/protocol"
	"github.com/duochat/chat-app/internal/store"
	"github.com/duochat/chat-app/internal/ws"
)

// chatEngine is the part of the presence engine the socket handlers drive.
type chatEngine interface {
	EnterChat(conn presence.Conn, peerID, selfID string) error
	LeaveChat(conn presence.Conn, peerID string) error
	Logout(conn presence.Conn) bool
	MarkRead(ctx context.Context, readerID, senderID string) (store.ReadResult, bool, error)
}

type handlers struct {
	engine chatEngine
	closer func(*ws.Connection)
	logger *zap.Logger
}

func (h *handlers) register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeEnterChat, h.enterChat)
	d.Register(protocol.TypeLeaveChat, h.leaveChat)
	d.Register(protocol.TypeLogout, h.logout)
	d.Register(protocol.TypeMarkRead, h.markRead)
}

func (h *handlers) enterChat(conn *ws.Connection, msg interface{}) error {
	m, ok := msg.(protocol.EnterChatMsg)
	if !ok {
		return errBadMessage
	}
	if err := m.Validate(); err != nil {
		return ws.NewHandlerError(protocol.CodeInvalidPayload, err.Error(), err)
	}
	return presenceError(h.engine.EnterChat(conn, m.PeerID, m.SelfID))
}

func (h *handlers) leaveChat(conn *ws.Connection, msg interface{}) error {
	m, ok := msg.(protocol.LeaveChatMsg)
	if !ok {
		return errBadMessage
	}
	if err := m.Validate(); err != nil {
		return ws.NewHandlerError(protocol.CodeInvalidPayload, err.Error(), err)
	}
	return presenceError(h.engine.LeaveChat(conn, m.PeerID))
}

// logout clears the user's presence before closing the socket, so the
// disconnect that follows finds nothing left to clean up.
func (h *handlers) logout(conn *ws.Connection, _ interface{}) error {
	if !h.engine.Logout(conn) {
		h.logger.Debug("logout from superseded connection",
			zap.String("conn_id", conn.ID()),
			zap.String("user_id", conn.UserID()))
	}
	if h.closer != nil {
		h.closer(conn)
	}
	return nil
}

func (h *handlers) markRead(conn *ws.Connection, msg interface{}) error {
	m, ok := msg.(protocol.MarkReadMsg)
	if !ok {
		return errBadMessage
	}
	if err := m.Validate(); err != nil {
		return ws.NewHandlerError(protocol.CodeInvalidPayload, err.Error(), err)
	}

	res, both, err := h.engine.MarkRead(context.Background(), conn.UserID(), m.PeerID)
	if err != nil {
		return presenceError(err)
	}
	return conn.Emit(protocol.TypeMarkReadResult, protocol.MarkReadResultMsg{
		PeerID:        m.PeerID,
		ModifiedCount: res.ModifiedCount,
		BothInChat:    both,
	})
}

var errBadMessage = ws.NewHandlerError(protocol.CodeParseError, "invalid message format", nil)

// presenceError maps engine validation failures to client-facing codes.
// Anything else is reported as an internal error by the dispatcher.
func presenceError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, presence.ErrSelfMismatch):
		return ws.NewHandlerError(protocol.CodeInvalidPayload, "selfId does not match the connection", err)
	case errors.Is(err, presence.ErrInvalidPayload), errors.Is(err, presence.ErrNoIdentity):
		return ws.NewHandlerError(protocol.CodeInvalidPayload, "invalid payload", err)
	case errors.Is(err, presence.ErrNotRegistered):
		return ws.NewHandlerError(protocol.CodeInvalidPayload, "connection is no longer active", err)
	default:
		return err
	}
}
