package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/duochat/chat-app/internal/presence"
	"github.com/duochat/chat-app/internal/store"
)

type fakeEngine struct {
	sent    []store.Message
	sendErr error
	mutual  bool
	readErr error
	reads   [][2]string
	history []store.Message
	histErr error
	limits  []int
}

func (f *fakeEngine) SendMessage(_ context.Context, msg store.Message) (store.Message, error) {
	if f.sendErr != nil {
		return store.Message{}, f.sendErr
	}
	msg.ID = "m-" + msg.SenderID
	msg.IsRead = f.mutual
	f.sent = append(f.sent, msg)
	return msg, nil
}

func (f *fakeEngine) MarkRead(_ context.Context, reader, sender string) (store.ReadResult, bool, error) {
	f.reads = append(f.reads, [2]string{reader, sender})
	if f.readErr != nil {
		return store.ReadResult{}, f.mutual, f.readErr
	}
	if !f.mutual {
		return store.ReadResult{MessageIDs: []string{}}, false, nil
	}
	return store.ReadResult{ModifiedCount: 2, MessageIDs: []string{"m1", "m2"}}, true, nil
}

func (f *fakeEngine) History(_ context.Context, user, peer string, limit int) ([]store.Message, error) {
	f.limits = append(f.limits, limit)
	if f.histErr != nil {
		return nil, f.histErr
	}
	return f.history, nil
}

func newTestBridge(engine Engine) *Bridge {
	return NewBridge(nil, engine, "", time.Second, zap.NewNop())
}

func TestHandleSend(t *testing.T) {
	eng := &fakeEngine{mutual: true}
	b := newTestBridge(eng)

	reply := b.handleSend([]byte(`{"senderId":"alice","receiverId":"bob","text":"hi"}`))
	require.Empty(t, reply.Error)
	require.NotNil(t, reply.Message)
	assert.Equal(t, "m-alice", reply.Message.ID)
	assert.True(t, reply.Message.IsRead)
	require.Len(t, eng.sent, 1)
	assert.Equal(t, "hi", eng.sent[0].Text)
}

func TestHandleSend_Errors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		sendErr error
		want    string
	}{
		{"bad json", `{`, nil, "invalid request"},
		{"validation", `{"senderId":"a","receiverId":"a"}`,
			fmt.Errorf("presence: send message: bad participants: %w", presence.ErrInvalidPayload),
			"presence: send message: bad participants: presence: invalid payload"},
		{"store down", `{"senderId":"a","receiverId":"b","text":"x"}`, errors.New("connection refused"), "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBridge(&fakeEngine{sendErr: tt.sendErr})
			reply := b.handleSend([]byte(tt.data))
			assert.Nil(t, reply.Message)
			assert.Equal(t, tt.want, reply.Error)
		})
	}
}

func TestHandleMarkRead(t *testing.T) {
	eng := &fakeEngine{}
	b := newTestBridge(eng)

	reply := b.handleMarkRead([]byte(`{"readerId":"bob","senderId":"alice"}`))
	assert.False(t, reply.BothInChat)
	assert.Zero(t, reply.ModifiedCount)
	assert.NotNil(t, reply.MessageIDs)

	eng.mutual = true
	reply = b.handleMarkRead([]byte(`{"readerId":"bob","senderId":"alice"}`))
	assert.True(t, reply.BothInChat)
	assert.EqualValues(t, 2, reply.ModifiedCount)
	assert.Equal(t, []string{"m1", "m2"}, reply.MessageIDs)
	assert.Equal(t, [][2]string{{"bob", "alice"}, {"bob", "alice"}}, eng.reads)

	eng.readErr = errors.New("timeout")
	reply = b.handleMarkRead([]byte(`{"readerId":"bob","senderId":"alice"}`))
	assert.Equal(t, "internal error", reply.Error)
	assert.NotNil(t, reply.MessageIDs)

	reply = b.handleMarkRead([]byte(`[]`))
	assert.Equal(t, "invalid request", reply.Error)
}

func TestHandleHistory(t *testing.T) {
	eng := &fakeEngine{history: []store.Message{
		{ID: "m1", SenderID: "alice", ReceiverID: "bob", Text: "hi"},
		{ID: "m2", SenderID: "bob", ReceiverID: "alice", Text: "hey", IsRead: true},
	}}
	b := newTestBridge(eng)

	reply := b.handleHistory([]byte(`{"userId":"alice","peerId":"bob","limit":20}`))
	require.Empty(t, reply.Error)
	require.Len(t, reply.Messages, 2)
	assert.Equal(t, "m1", reply.Messages[0].ID)
	assert.Equal(t, []int{20}, eng.limits)

	tests := []struct {
		name    string
		data    string
		histErr error
		want    string
	}{
		{"bad json", `"alice"`, nil, "invalid request"},
		{"validation", `{"userId":"alice","peerId":"alice"}`,
			fmt.Errorf("presence: history: bad participants: %w", presence.ErrInvalidPayload),
			"presence: history: bad participants: presence: invalid payload"},
		{"store down", `{"userId":"alice","peerId":"bob"}`, errors.New("no reachable servers"), "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBridge(&fakeEngine{histErr: tt.histErr})
			reply := b.handleHistory([]byte(tt.data))
			assert.Equal(t, tt.want, reply.Error)
			assert.NotNil(t, reply.Messages)
			assert.Empty(t, reply.Messages)
		})
	}
}

func TestBridge_OverNATS(t *testing.T) {
	url := os.Getenv("DUOCHAT_TEST_NATS_URL")
	if url == "" {
		url = nats.DefaultURL
	}
	cfg := DefaultNATSConfig()
	cfg.URL = url
	cfg.MaxReconnects = 0
	client, err := NewNATSClient(cfg, zap.NewNop())
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	defer client.Close()

	eng := &fakeEngine{mutual: true}
	b := NewBridge(client, eng, "test-presence", time.Second, zap.NewNop())
	require.NoError(t, b.Start())

	events := make(chan *nats.Msg, 1)
	require.NoError(t, client.Subscribe(SubjectPresenceEvents+".>", func(msg *nats.Msg) { events <- msg }))

	data, err := client.Request(SubjectMessageSend, []byte(`{"senderId":"alice","receiverId":"bob","text":"hi"}`), 2*time.Second)
	require.NoError(t, err)
	var send SendReply
	require.NoError(t, json.Unmarshal(data, &send))
	require.NotNil(t, send.Message)
	assert.True(t, send.Message.IsRead)

	data, err = client.Request(SubjectMessageMarkRead, []byte(`{"readerId":"bob","senderId":"alice"}`), 2*time.Second)
	require.NoError(t, err)
	var read MarkReadReply
	require.NoError(t, json.Unmarshal(data, &read))
	assert.True(t, read.BothInChat)

	eng.history = []store.Message{*send.Message}
	data, err = client.Request(SubjectMessageHistory, []byte(`{"userId":"bob","peerId":"alice"}`), 2*time.Second)
	require.NoError(t, err)
	var hist HistoryReply
	require.NoError(t, json.Unmarshal(data, &hist))
	require.Len(t, hist.Messages, 1)
	assert.Equal(t, send.Message.ID, hist.Messages[0].ID)

	b.PresenceEvent(context.Background(), presence.Event{Type: presence.EventOnline, UserID: "alice", ConnectionID: "h1"})
	select {
	case msg := <-events:
		assert.Equal(t, "presence.events.online", msg.Subject)
		var evt presence.Event
		require.NoError(t, json.Unmarshal(msg.Data, &evt))
		assert.Equal(t, "alice", evt.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("presence event not published")
	}
}
