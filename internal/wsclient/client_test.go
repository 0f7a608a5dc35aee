package wsclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duochat/chat-app/internal/protocol"
	"github.com/duochat/chat-app/internal/store"
)

// scriptedServer upgrades every request, sends connected followed by frames
// and then echoes each client message back as received.
func scriptedServer(t *testing.T, frames ...[]byte) (string, <-chan []byte) {
	t.Helper()
	received := make(chan []byte, 16)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()

		user := r.URL.Query().Get("userId")
		hello, _ := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{UserID: user, ConnectionID: "h-" + user})
		if err := wsutil.WriteServerText(conn, hello); err != nil {
			return
		}
		for _, f := range frames {
			if err := wsutil.WriteServerText(conn, f); err != nil {
				return
			}
		}
		for {
			data, err := wsutil.ReadClientText(conn)
			if err != nil {
				return
			}
			received <- data
		}
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", received
}

func frame(t *testing.T, msgType string, payload interface{}) []byte {
	t.Helper()
	data, err := protocol.NewServerMessage(msgType, payload)
	require.NoError(t, err)
	return data
}

func TestDial_ReadsConnected(t *testing.T) {
	url, received := scriptedServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := Dial(ctx, url+"?userId=alice", nil)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, "alice", c.UserID())
	assert.Equal(t, "h-alice", c.ConnectionID())

	require.NoError(t, c.EnterChat("bob"))
	select {
	case data := <-received:
		var m protocol.EnterChatMsg
		require.NoError(t, json.Unmarshal(data, &m))
		assert.Equal(t, protocol.TypeEnterChat, m.Type)
		assert.Equal(t, "bob", m.PeerID)
		assert.Equal(t, "alice", m.SelfID)
	case <-ctx.Done():
		t.Fatal("server did not receive enterChat")
	}
}

func TestClient_LocalView(t *testing.T) {
	url, _ := scriptedServer(t,
		frame(t, protocol.TypeOnlineUsers, protocol.OnlineUsersMsg{Users: []string{"alice", "bob"}}),
		frame(t, protocol.TypeNewMessage, store.Message{ID: "m1", SenderID: "bob", ReceiverID: "alice", Text: "hi"}),
		frame(t, protocol.TypeNewMessage, store.Message{ID: "m2", SenderID: "carol", ReceiverID: "alice", Text: "yo"}),
		frame(t, protocol.TypeUserEnteredChat, protocol.UserPresenceMsg{UserID: "bob"}),
		frame(t, protocol.TypeChatStatus, protocol.ChatStatusMsg{PeerID: "bob", Status: "connect"}),
		frame(t, protocol.TypeMessagesRead, protocol.MessagesReadMsg{By: "carol", MessageIDs: []string{"m2"}, Count: 1}),
		frame(t, protocol.TypeUserLeftChat, protocol.UserPresenceMsg{UserID: "bob"}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := Dial(ctx, url+"?userId=alice", nil)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Expect(ctx, protocol.TypeUserLeftChat)
	require.NoError(t, err)

	assert.Equal(t, []string{"alice", "bob"}, c.Online())
	assert.Equal(t, "connect", c.Status("bob"))
	assert.Equal(t, "", c.Status("carol"))

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].IsRead, "connect marks the conversation read")
	assert.True(t, msgs[1].IsRead, "messagesRead marks listed ids read")

	notices := c.Notices()
	require.Len(t, notices, 2)
	assert.Equal(t, "bob entered the chat", notices[0].Text)
	assert.Equal(t, "bob left the chat", notices[1].Text)
	for _, n := range notices {
		assert.True(t, n.IsSystemMessage)
		assert.NotEmpty(t, n.ID)
		assert.False(t, n.CreatedAt.IsZero())
	}
	assert.NotEqual(t, notices[0].ID, notices[1].ID)
}

func TestExpectStatus_SkipsOtherPeers(t *testing.T) {
	url, _ := scriptedServer(t,
		frame(t, protocol.TypeChatStatus, protocol.ChatStatusMsg{PeerID: "carol", Status: "offline"}),
		frame(t, protocol.TypePong, nil),
		frame(t, protocol.TypeChatStatus, protocol.ChatStatusMsg{PeerID: "bob", Status: "active"}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := Dial(ctx, url+"?userId=alice", nil)
	require.NoError(t, err)
	defer c.Close()

	status, err := c.ExpectStatus(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "active", status)
}

func TestNext_AfterServerClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		hello, _ := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{UserID: "alice", ConnectionID: "h1"})
		_ = wsutil.WriteServerText(conn, hello)
		conn.Close()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Next(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	select {
	case <-c.Done():
	case <-ctx.Done():
		t.Fatal("read loop did not stop")
	}
}

func TestDial_RejectsUnexpectedFirstFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()
		pong, _ := protocol.NewServerMessage(protocol.TypePong, nil)
		_ = wsutil.WriteServerText(conn, pong)
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	assert.Error(t, err)
}
