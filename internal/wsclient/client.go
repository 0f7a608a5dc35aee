// Package wsclient is a Go client for the presence server. It connects using
// gobwas/ws (the same library the server uses), waits for the connected
// frame, and keeps the client-side view a chat UI needs: the online list, the
// chat status per peer, the received messages with their read flags and the
// system notices synthesized from enter/leave events.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/duochat/chat-app/internal/protocol"
	"github.com/duochat/chat-app/internal/store"
)

// ErrClosed is returned when the connection closed before the awaited frame.
var ErrClosed = errors.New("wsclient: connection closed")

// Frame is one decoded server message.
type Frame struct {
	Type string
	Raw  json.RawMessage
}

// Decode unmarshals the frame into v.
func (f Frame) Decode(v interface{}) error {
	return json.Unmarshal(f.Raw, v)
}

// SystemNotice is a UI-only message about a peer entering or leaving the
// conversation. It is never persisted.
type SystemNotice struct {
	ID              string    `json:"id"`
	Text            string    `json:"text"`
	IsSystemMessage bool      `json:"isSystemMessage"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Client is a single user connection.
type Client struct {
	conn   net.Conn
	reader io.Reader

	userID       string
	connectionID string

	writeMu sync.Mutex

	mu       sync.Mutex
	online   []string
	statuses map[string]string
	messages []store.Message
	notices  []SystemNotice
	dropped  int

	frames    chan Frame
	done      chan struct{}
	closeOnce sync.Once
	now       func() time.Time
}

// Dial connects to url with the given handshake headers (e.g. a Cookie or
// Authorization header carrying the identity token) and waits for the
// connected frame.
func Dial(ctx context.Context, url string, header http.Header) (*Client, error) {
	dialer := ws.Dialer{}
	if len(header) > 0 {
		dialer.Header = ws.HandshakeHeaderHTTP(header)
	}
	conn, br, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("wsclient: dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		reader:   conn,
		statuses: make(map[string]string),
		frames:   make(chan Frame, 1024),
		done:     make(chan struct{}),
		now:      time.Now,
	}
	// The server writes the connected frame right after the handshake, so it
	// may already sit in the handshake reader's buffer.
	if br != nil {
		c.reader = br
	}

	if err := c.awaitConnected(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

func (c *Client) awaitConnected(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}
	data, err := c.readText()
	if err != nil {
		return fmt.Errorf("wsclient: await connected: %w", err)
	}
	var msg protocol.ConnectedMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("wsclient: decode connected: %w", err)
	}
	if msg.Type != protocol.TypeConnected {
		return fmt.Errorf("wsclient: expected %s, got %q", protocol.TypeConnected, msg.Type)
	}
	c.userID = msg.UserID
	c.connectionID = msg.ConnectionID
	return nil
}

func (c *Client) readText() ([]byte, error) {
	return wsutil.ReadServerText(struct {
		io.Reader
		io.Writer
	}{c.reader, c.conn})
}

// UserID returns the identity the server resolved for this connection.
func (c *Client) UserID() string { return c.userID }

// ConnectionID returns the connection handle assigned by the server.
func (c *Client) ConnectionID() string { return c.connectionID }

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wsclient: marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// EnterChat announces that this user is viewing the conversation with peer.
func (c *Client) EnterChat(peer string) error {
	return c.Send(protocol.EnterChatMsg{Type: protocol.TypeEnterChat, PeerID: peer, SelfID: c.userID})
}

// LeaveChat announces that this user stopped viewing the conversation with peer.
func (c *Client) LeaveChat(peer string) error {
	return c.Send(protocol.LeaveChatMsg{Type: protocol.TypeLeaveChat, PeerID: peer})
}

// MarkRead asks the server to mark peer's messages read.
func (c *Client) MarkRead(peer string) error {
	return c.Send(protocol.MarkReadMsg{Type: protocol.TypeMarkRead, PeerID: peer})
}

// Logout ends the session; the server closes the connection afterwards.
func (c *Client) Logout() error {
	return c.Send(protocol.LogoutMsg{Type: protocol.TypeLogout})
}

// Ping sends an application-level ping.
func (c *Client) Ping() error {
	return c.Send(protocol.PingMsg{Type: protocol.TypePing})
}

// Next returns the next frame received from the server.
func (c *Client) Next(ctx context.Context) (Frame, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return Frame{}, ErrClosed
		}
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Expect returns the next frame whose type is one of types, discarding any
// other frames received before it.
func (c *Client) Expect(ctx context.Context, types ...string) (Frame, error) {
	for {
		f, err := c.Next(ctx)
		if err != nil {
			return Frame{}, fmt.Errorf("wsclient: waiting for %v: %w", types, err)
		}
		for _, t := range types {
			if f.Type == t {
				return f, nil
			}
		}
	}
}

// ExpectStatus waits for a chatStatus frame about peer and returns its status.
func (c *Client) ExpectStatus(ctx context.Context, peer string) (string, error) {
	for {
		f, err := c.Expect(ctx, protocol.TypeChatStatus)
		if err != nil {
			return "", err
		}
		var m protocol.ChatStatusMsg
		if err := f.Decode(&m); err != nil {
			return "", err
		}
		if m.PeerID == peer {
			return m.Status, nil
		}
	}
}

// Online returns the last online-user list received.
func (c *Client) Online() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.online...)
}

// Status returns the last chat status received for peer, or "" if none.
func (c *Client) Status(peer string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statuses[peer]
}

// Messages returns the messages received so far, in arrival order.
func (c *Client) Messages() []store.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]store.Message(nil), c.messages...)
}

// Notices returns the synthesized system notices, oldest first.
func (c *Client) Notices() []SystemNotice {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SystemNotice(nil), c.notices...)
}

// Dropped reports how many frames were discarded because nobody consumed them.
func (c *Client) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Done is closed when the read loop exits.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	return c.conn.Close()
}

// readLoop reads frames until the connection fails, updates the local view
// and queues each frame for Next.
func (c *Client) readLoop() {
	defer c.closeOnce.Do(func() {
		close(c.done)
		close(c.frames)
	})

	for {
		data, err := c.readText()
		if err != nil {
			return
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		f := Frame{Type: envelope.Type, Raw: json.RawMessage(data)}
		c.apply(f)

		select {
		case c.frames <- f:
		default:
			c.mu.Lock()
			c.dropped++
			c.mu.Unlock()
		}
	}
}

func (c *Client) apply(f Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch f.Type {
	case protocol.TypeOnlineUsers:
		var m protocol.OnlineUsersMsg
		if f.Decode(&m) == nil {
			c.online = m.Users
		}
	case protocol.TypeChatStatus:
		var m protocol.ChatStatusMsg
		if f.Decode(&m) == nil {
			c.statuses[m.PeerID] = m.Status
			if m.Status == "connect" {
				c.markConversationRead(m.PeerID)
			}
		}
	case protocol.TypeUserEnteredChat:
		var m protocol.UserPresenceMsg
		if f.Decode(&m) == nil {
			c.notices = append(c.notices, c.notice(m.UserID+" entered the chat"))
		}
	case protocol.TypeUserLeftChat:
		var m protocol.UserPresenceMsg
		if f.Decode(&m) == nil {
			c.notices = append(c.notices, c.notice(m.UserID+" left the chat"))
		}
	case protocol.TypeNewMessage:
		var m store.Message
		if f.Decode(&m) == nil {
			c.messages = append(c.messages, m)
		}
	case protocol.TypeMessagesRead:
		var m protocol.MessagesReadMsg
		if f.Decode(&m) == nil {
			c.markIDsRead(m.MessageIDs)
		}
	}
}

func (c *Client) notice(text string) SystemNotice {
	return SystemNotice{
		ID:              uuid.NewString(),
		Text:            text,
		IsSystemMessage: true,
		CreatedAt:       c.now().UTC(),
	}
}

// markConversationRead mirrors the server flipping both directions of the
// conversation with peer on entering connect. Must be called with c.mu held.
func (c *Client) markConversationRead(peer string) {
	for i := range c.messages {
		m := &c.messages[i]
		if (m.SenderID == peer && m.ReceiverID == c.userID) || (m.SenderID == c.userID && m.ReceiverID == peer) {
			m.IsRead = true
		}
	}
}

// markIDsRead must be called with c.mu held.
func (c *Client) markIDsRead(ids []string) {
	if len(ids) == 0 {
		return
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	for i := range c.messages {
		if _, ok := set[c.messages[i].ID]; ok {
			c.messages[i].IsRead = true
		}
	}
}
