package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/duochat/chat-app/internal/protocol"
)

// pipeConn returns a Connection over net.Pipe and a channel of the decoded
// frames the client side receives.
func pipeConn(t *testing.T, user string) (*Connection, <-chan map[string]interface{}) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})

	frames := make(chan map[string]interface{}, 16)
	go func() {
		defer close(frames)
		for {
			data, err := wsutil.ReadServerText(client)
			if err != nil {
				return
			}
			var m map[string]interface{}
			if json.Unmarshal(data, &m) == nil {
				frames <- m
			}
		}
	}()
	return newConnection("conn-"+user, user, "127.0.0.1", server, time.Second), frames
}

func nextFrame(t *testing.T, frames <-chan map[string]interface{}) map[string]interface{} {
	t.Helper()
	select {
	case m, ok := <-frames:
		if !ok {
			t.Fatal("connection closed")
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return nil
}

type limiterFunc func(userID, msgType string) bool

func (f limiterFunc) AllowEvent(_ context.Context, userID, msgType string) bool {
	return f(userID, msgType)
}

func TestDispatch_ErrorCodes(t *testing.T) {
	d := NewMessageDispatcher(zap.NewNop())
	d.Register(protocol.TypeEnterChat, func(*Connection, interface{}) error {
		return NewHandlerError(protocol.CodeInvalidPayload, "peerId must differ from selfId", nil)
	})
	d.Register(protocol.TypeMarkRead, func(*Connection, interface{}) error {
		return errors.New("database unavailable")
	})

	tests := []struct {
		name string
		raw  string
		code string
	}{
		{"not json", `{{{`, protocol.CodeParseError},
		{"unknown type", `{"type":"typing"}`, protocol.CodeUnsupportedType},
		{"known type bad field", `{"type":"enterChat","peerId":42}`, protocol.CodeParseError},
		{"unregistered known type", `{"type":"logout"}`, protocol.CodeUnsupportedType},
		{"handler error", `{"type":"enterChat","peerId":"a","selfId":"a"}`, protocol.CodeInvalidPayload},
		{"internal error", `{"type":"markRead","peerId":"bob"}`, protocol.CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, frames := pipeConn(t, "alice")
			go d.Dispatch(conn, []byte(tt.raw))

			got := nextFrame(t, frames)
			if got["type"] != protocol.TypeError {
				t.Fatalf("expected error frame, got %v", got)
			}
			if got["code"] != tt.code {
				t.Errorf("expected code %q, got %v", tt.code, got["code"])
			}
		})
	}
}

func TestDispatch_PingTouches(t *testing.T) {
	d := NewMessageDispatcher(zap.NewNop())
	conn, frames := pipeConn(t, "alice")
	before := conn.LastActive()
	time.Sleep(5 * time.Millisecond)

	go d.Dispatch(conn, []byte(`{"type":"ping"}`))

	if got := nextFrame(t, frames); got["type"] != protocol.TypePong {
		t.Fatalf("expected pong, got %v", got)
	}
	if !conn.LastActive().After(before) {
		t.Error("ping did not update last activity")
	}
}

func TestDispatch_RateLimited(t *testing.T) {
	d := NewMessageDispatcher(zap.NewNop())
	called := false
	d.Register(protocol.TypeLeaveChat, func(*Connection, interface{}) error {
		called = true
		return nil
	})
	d.SetEventLimiter(limiterFunc(func(userID, msgType string) bool {
		return !(userID == "alice" && msgType == protocol.TypeLeaveChat)
	}))

	conn, frames := pipeConn(t, "alice")
	go d.Dispatch(conn, []byte(`{"type":"leaveChat","peerId":"bob"}`))

	got := nextFrame(t, frames)
	if got["code"] != protocol.CodeRateLimited {
		t.Fatalf("expected rate_limited, got %v", got)
	}
	if called {
		t.Error("handler ran despite the limiter")
	}
}

func TestConnection_EmitAfterClose(t *testing.T) {
	conn, _ := pipeConn(t, "alice")
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if conn.IsAlive() {
		t.Fatal("connection still alive after Close")
	}
	if err := conn.Emit(protocol.TypePong, nil); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestConnectionManager(t *testing.T) {
	cm := NewConnectionManager()
	a, _ := pipeConn(t, "alice")
	b, _ := pipeConn(t, "bob")
	cm.Add(a)
	cm.Add(b)

	if cm.Count() != 2 {
		t.Fatalf("expected 2, got %d", cm.Count())
	}
	if cm.GetByConn(a.Conn) != a || cm.Get(b.ID()) != b {
		t.Fatal("lookup mismatch")
	}
	if !cm.Remove(a.ID()) {
		t.Fatal("first remove should report true")
	}
	if cm.Remove(a.ID()) {
		t.Fatal("second remove should report false")
	}
	if cm.GetByConn(a.Conn) != nil {
		t.Fatal("removed connection still indexed by net.Conn")
	}
	if len(cm.All()) != 1 {
		t.Fatalf("expected 1 connection left, got %d", len(cm.All()))
	}
}
