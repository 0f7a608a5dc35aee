// Package protocol defines the WebSocket message types and structures used for
// communication between the client and the presence server. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeEnterChat = "enterChat"
	TypeLeaveChat = "leaveChat"
	TypeLogout    = "logout"
	TypeMarkRead  = "markRead"
	TypePing      = "ping"
)

// Server -> Client message types.
const (
	TypeConnected       = "connected"
	TypeOnlineUsers     = "onlineUsers"
	TypeChatStatus      = "chatStatus"
	TypeUserEnteredChat = "userEnteredChat"
	TypeUserLeftChat    = "userLeftChat"
	TypeNewMessage      = "newMessage"
	TypeMessagesRead    = "messagesRead"
	TypeMarkReadResult  = "markReadResult"
	TypeError           = "error"
	TypePong            = "pong"
)

// Error codes carried in ErrorMsg.Code.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
	CodeInvalidPayload  = "invalid_payload"
	CodeRateLimited     = "rate_limited"
	CodeInternal        = "internal_error"
)

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// EnterChatMsg announces that the sender opened the conversation with PeerID.
// SelfID must match the identity the connection was authenticated with; it is
// carried explicitly so that a client which swapped the pair is rejected
// instead of silently pairing the wrong users.
type EnterChatMsg struct {
	Type   string `json:"type"`
	PeerID string `json:"peerId"`
	SelfID string `json:"selfId"`
}

// Validate checks the ordered pair for emptiness and self-pairing.
func (m EnterChatMsg) Validate() error {
	if strings.TrimSpace(m.PeerID) == "" {
		return fmt.Errorf("protocol: enterChat: missing peerId")
	}
	if strings.TrimSpace(m.SelfID) == "" {
		return fmt.Errorf("protocol: enterChat: missing selfId")
	}
	if m.PeerID == m.SelfID {
		return fmt.Errorf("protocol: enterChat: peerId equals selfId")
	}
	return nil
}

// LeaveChatMsg announces that the sender closed the conversation with PeerID.
type LeaveChatMsg struct {
	Type   string `json:"type"`
	PeerID string `json:"peerId"`
}

// Validate checks that PeerID is present.
func (m LeaveChatMsg) Validate() error {
	if strings.TrimSpace(m.PeerID) == "" {
		return fmt.Errorf("protocol: leaveChat: missing peerId")
	}
	return nil
}

// LogoutMsg is sent by the client on explicit logout.
type LogoutMsg struct {
	Type string `json:"type"`
}

// MarkReadMsg asks the server to mark every unread message from PeerID to the
// sender as read. It only has an effect while both users are mutually paired.
type MarkReadMsg struct {
	Type   string `json:"type"`
	PeerID string `json:"peerId"`
}

// Validate checks that PeerID is present.
func (m MarkReadMsg) Validate() error {
	if strings.TrimSpace(m.PeerID) == "" {
		return fmt.Errorf("protocol: markRead: missing peerId")
	}
	return nil
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent once the connection is registered.
type ConnectedMsg struct {
	Type         string `json:"type"`
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
}

// OnlineUsersMsg carries the full snapshot of online user IDs.
type OnlineUsersMsg struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

// ChatStatusMsg carries the recomputed status of the recipient's view of PeerID.
type ChatStatusMsg struct {
	Type   string `json:"type"`
	PeerID string `json:"peerId"`
	Status string `json:"status"`
}

// UserPresenceMsg is the payload of userEnteredChat and userLeftChat. UserID
// is the actor whose view changed.
type UserPresenceMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// MessagesReadMsg tells a sender which of their messages were read and by whom.
type MessagesReadMsg struct {
	Type       string   `json:"type"`
	By         string   `json:"by"`
	MessageIDs []string `json:"messageIds"`
	Count      int64    `json:"count"`
}

// MarkReadResultMsg answers a client markRead request.
type MarkReadResultMsg struct {
	Type          string `json:"type"`
	PeerID        string `json:"peerId"`
	ModifiedCount int64  `json:"modifiedCount"`
	BothInChat    bool   `json:"bothInChat"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeEnterChat:
		var m EnterChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveChat:
		var m LeaveChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLogout:
		var m LogoutMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkRead:
		var m MarkReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key, overriding
// whatever the payload struct carried.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]interface{})
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
