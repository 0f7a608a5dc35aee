package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid enterChat message
// ---------------------------------------------------------------------------

func TestParseClientMessage_EnterChat(t *testing.T) {
	input := []byte(`{"type":"enterChat","peerId":"bob","selfId":"alice"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeEnterChat {
		t.Fatalf("expected type %q, got %q", TypeEnterChat, msgType)
	}

	ec, ok := msg.(EnterChatMsg)
	if !ok {
		t.Fatalf("expected EnterChatMsg, got %T", msg)
	}
	if ec.PeerID != "bob" || ec.SelfID != "alice" {
		t.Errorf("unexpected pair: peer=%q self=%q", ec.PeerID, ec.SelfID)
	}
	if err := ec.Validate(); err != nil {
		t.Errorf("expected valid message, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Test: A positional array payload is rejected
// ---------------------------------------------------------------------------

func TestParseClientMessage_PositionalArrayRejected(t *testing.T) {
	input := []byte(`["bob","alice"]`)

	if _, _, err := ParseClientMessage(input); err == nil {
		t.Fatal("expected an error for a positional array payload, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: enterChat validation
// ---------------------------------------------------------------------------

func TestEnterChatMsg_Validate(t *testing.T) {
	cases := []struct {
		name    string
		msg     EnterChatMsg
		wantErr bool
	}{
		{"ok", EnterChatMsg{PeerID: "b", SelfID: "a"}, false},
		{"missing peer", EnterChatMsg{SelfID: "a"}, true},
		{"blank peer", EnterChatMsg{PeerID: "  ", SelfID: "a"}, true},
		{"missing self", EnterChatMsg{PeerID: "b"}, true},
		{"self pairing", EnterChatMsg{PeerID: "a", SelfID: "a"}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.msg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestLeaveAndMarkRead_Validate(t *testing.T) {
	if err := (LeaveChatMsg{}).Validate(); err == nil {
		t.Error("expected error for leaveChat without peerId")
	}
	if err := (LeaveChatMsg{PeerID: "b"}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := (MarkReadMsg{}).Validate(); err == nil {
		t.Error("expected error for markRead without peerId")
	}
	if err := (MarkReadMsg{PeerID: "b"}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a chatStatus server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_ChatStatus(t *testing.T) {
	data, err := NewServerMessage(TypeChatStatus, ChatStatusMsg{PeerID: "bob", Status: "connect"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeChatStatus {
		t.Errorf("expected type %q, got %v", TypeChatStatus, result["type"])
	}
	if result["peerId"] != "bob" {
		t.Errorf("expected peerId %q, got %v", "bob", result["peerId"])
	}
	if result["status"] != "connect" {
		t.Errorf("expected status %q, got %v", "connect", result["status"])
	}
}

// ---------------------------------------------------------------------------
// Test: The injected type overrides the payload's own Type field
// ---------------------------------------------------------------------------

func TestNewServerMessage_TypeOverride(t *testing.T) {
	data, err := NewServerMessage(TypeUserLeftChat, UserPresenceMsg{Type: "bogus", UserID: "alice"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded UserPresenceMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != TypeUserLeftChat {
		t.Errorf("expected type %q, got %q", TypeUserLeftChat, decoded.Type)
	}
	if decoded.UserID != "alice" {
		t.Errorf("expected userId %q, got %q", "alice", decoded.UserID)
	}
}

func TestNewServerMessage_MessagesRead(t *testing.T) {
	data, err := NewServerMessage(TypeMessagesRead, MessagesReadMsg{
		By:         "bob",
		MessageIDs: []string{"m1", "m2"},
		Count:      2,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	ids, ok := result["messageIds"].([]interface{})
	if !ok || len(ids) != 2 {
		t.Fatalf("expected 2 messageIds, got %v", result["messageIds"])
	}
	if count, _ := result["count"].(float64); int(count) != 2 {
		t.Errorf("expected count 2, got %v", result["count"])
	}
}

func TestNewServerMessage_NilPayload(t *testing.T) {
	data, err := NewServerMessage(TypePong, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"type":"pong"}` {
		t.Errorf("unexpected output %s", data)
	}
}

func TestNewServerMessage_NonObjectPayload(t *testing.T) {
	if _, err := NewServerMessage(TypeOnlineUsers, []string{"a"}); err == nil {
		t.Fatal("expected error for a non-object payload, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"onlineUsers","users":[]}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for a server-only message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != TypeOnlineUsers {
		t.Errorf("expected returned type %q, got %q", TypeOnlineUsers, msgType)
	}
}

func TestParseClientMessage_WrongFieldType(t *testing.T) {
	input := []byte(`{"type":"leaveChat","peerId":42}`)

	if _, _, err := ParseClientMessage(input); err == nil {
		t.Fatal("expected decode error for numeric peerId, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"enterChat", `{"type":"enterChat","peerId":"b","selfId":"a"}`, TypeEnterChat},
		{"leaveChat", `{"type":"leaveChat","peerId":"b"}`, TypeLeaveChat},
		{"logout", `{"type":"logout"}`, TypeLogout},
		{"markRead", `{"type":"markRead","peerId":"b"}`, TypeMarkRead},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
