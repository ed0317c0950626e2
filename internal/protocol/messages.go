// Package protocol defines the WebSocket event types and structures exchanged
// between chat clients and the hub. All events are serialized as JSON and
// follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Hub event types.
const (
	TypeJoin          = "join"
	TypeSendMessage   = "send_message"
	TypeClearUnread   = "clear_unread"
	TypeTypingStarted = "typing_started"
	TypeTypingStopped = "typing_stopped"
	TypeUserOnline    = "user_online"
	TypeUserOffline   = "user_offline"
	TypeReport        = "report"
	TypePing          = "ping"
)

// Hub -> Client event types. The typing relays reuse the client-side type
// strings so a client's handler table stays symmetric.
const (
	TypeConnected         = "connected"
	TypeMessageReceived   = "message_received"
	TypeUnreadCountUpdate = "unread_count_update"
	TypeUnreadCleared     = "unread_cleared"
	TypePresenceSnapshot  = "presence_snapshot"
	TypePresenceChanged   = "presence_changed"
	TypeError             = "error"
	TypePong              = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
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
// Client -> Hub event structs
// ---------------------------------------------------------------------------

// JoinMsg is sent by the client immediately after connecting to bind the
// connection to its user's address.
type JoinMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// ChatEnvelope is the payload of a routed chat-domain event. Members is the
// ordered pair of conversation participants; the hub resolves fan-out
// targets from it. Text, Image, and CreatedAt are present on messages only —
// typing signals carry just the chat and member identifiers.
type ChatEnvelope struct {
	Type      string   `json:"type"`
	ChatID    string   `json:"chat_id"`
	Members   []string `json:"members"`
	Sender    string   `json:"sender"`
	Text      string   `json:"text,omitempty"`
	Image     string   `json:"image,omitempty"`
	CreatedAt string   `json:"created_at,omitempty"`
}

// Validate checks the structural invariants a routed envelope must satisfy.
func (m *ChatEnvelope) Validate() error {
	if m.ChatID == "" {
		return fmt.Errorf("protocol: envelope missing chat_id")
	}
	if len(m.Members) != 2 {
		return fmt.Errorf("protocol: envelope requires exactly 2 members, got %d", len(m.Members))
	}
	if m.Members[0] == "" || m.Members[1] == "" {
		return fmt.Errorf("protocol: envelope has an empty member id")
	}
	return nil
}

// ClearUnreadMsg is sent by the client after opening a chat to zero its
// unread counter on both sides.
type ClearUnreadMsg struct {
	Type      string   `json:"type"`
	ChatID    string   `json:"chat_id"`
	Members   []string `json:"members"`
	ClearedBy string   `json:"cleared_by"`
}

// Validate checks the structural invariants of a clear-unread event.
func (m *ClearUnreadMsg) Validate() error {
	if m.ChatID == "" {
		return fmt.Errorf("protocol: clear_unread missing chat_id")
	}
	if len(m.Members) != 2 {
		return fmt.Errorf("protocol: clear_unread requires exactly 2 members, got %d", len(m.Members))
	}
	return nil
}

// PresenceMsg is sent by the client to re-sync its online status
// (user_online) or to announce a logout (user_offline).
type PresenceMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// ReportMsg is sent by the client to report the other chat participant.
type ReportMsg struct {
	Type     string   `json:"type"`
	ChatID   string   `json:"chat_id"`
	Members  []string `json:"members"`
	Reporter string   `json:"reporter"`
	Reason   string   `json:"reason"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Hub -> Client event structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent by the hub when a new connection is established,
// before the client has joined its address.
type ConnectedMsg struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
}

// PresenceSetMsg carries the full online user set. It is used for both
// presence_snapshot (to one connection) and presence_changed (to all); the
// set is always a full replacement, never a diff.
type PresenceSetMsg struct {
	Type   string   `json:"type"`
	Online []string `json:"online"`
}

// ErrorMsg is sent by the hub to the offending connection only.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the hub's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client event.
// It returns the event type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or hub-only
// event types.
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
	case TypeJoin:
		var m JoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage, TypeTypingStarted, TypeTypingStopped:
		var m ChatEnvelope
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeClearUnread:
		var m ClearUnreadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUserOnline, TypeUserOffline:
		var m PresenceMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReport:
		var m ReportMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client event type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a hub event. The
// msgType is injected into the payload under the "type" key. The payload
// should be one of the event structs above; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
