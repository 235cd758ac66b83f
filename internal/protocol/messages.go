// Package protocol defines the Mehfil socket message types and structures
// used for communication between the client and server. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeRegister        = "register"
	TypeCheckPostingBan = "checkPostingBan"
	TypeJoinRoom        = "joinRoom"
	TypeLoadThoughts    = "loadThoughts"
	TypeNewThought      = "newThought"
	TypeToggleReaction  = "toggleReaction"
	TypeEditThought     = "editThought"
	TypeDeleteThought   = "deleteThought"
	TypePing            = "ping"
)

// Server -> Client message types.
const (
	TypeThoughts         = "thoughts"
	TypeThoughtCreated   = "thoughtCreated"
	TypeThoughtAccepted  = "thoughtAccepted"
	TypeThoughtRejected  = "thoughtRejected"
	TypeThoughtRerouted  = "thoughtRerouted"
	TypeThoughtUpdated   = "thoughtUpdated"
	TypeThoughtDeleted   = "thoughtDeleted"
	TypeReactionUpdated  = "reactionUpdated"
	TypePostingBanStatus = "postingBanStatus"
	TypeOnlineCount      = "onlineCount"
	TypeRateLimited      = "rateLimited"
	TypeError            = "error"
	TypePong             = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
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
// Client -> Server message structs
// ---------------------------------------------------------------------------

// RegisterMsg binds the socket to a user identity. Sent once after connect
// and again after every reconnect — connected-session state is never
// persisted server-side, so the client always re-registers.
type RegisterMsg struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

// CheckPostingBanMsg re-queries the caller's posting ban status on demand.
type CheckPostingBanMsg struct {
	Type string `json:"type"`
}

// JoinRoomMsg switches the socket's feed subscription. Room is one of
// ACADEMIC, REFLECTIVE or ALL.
type JoinRoomMsg struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

// LoadThoughtsMsg requests a page of thoughts for a room view, newest first.
type LoadThoughtsMsg struct {
	Type  string `json:"type"`
	Page  int    `json:"page"`
	Limit int    `json:"limit"`
	Room  string `json:"room"`
}

// NewThoughtMsg submits a new thought for moderation and publication.
type NewThoughtMsg struct {
	Type        string `json:"type"`
	Content     string `json:"content"`
	ImageURL    string `json:"imageUrl,omitempty"`
	IsAnonymous bool   `json:"isAnonymous,omitempty"`
	Room        string `json:"room"`
}

// ToggleReactionMsg flips the caller's reaction on a thought.
type ToggleReactionMsg struct {
	Type      string `json:"type"`
	ThoughtID string `json:"thoughtId"`
}

// EditThoughtMsg replaces the content of the caller's own thought.
type EditThoughtMsg struct {
	Type      string `json:"type"`
	ThoughtID string `json:"thoughtId"`
	Content   string `json:"content"`
}

// DeleteThoughtMsg removes the caller's own thought outright.
type DeleteThoughtMsg struct {
	Type      string `json:"type"`
	ThoughtID string `json:"thoughtId"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ThoughtPayload is the wire representation of a thought as delivered to
// clients. Anonymous thoughts carry the placeholder identity; the true
// author id is only included for the author's own connection.
type ThoughtPayload struct {
	ID             string   `json:"id"`
	AuthorID       string   `json:"authorId,omitempty"`
	AuthorName     string   `json:"authorName"`
	AuthorAvatar   string   `json:"authorAvatar"`
	IsAnonymous    bool     `json:"isAnonymous"`
	Content        string   `json:"content"`
	ImageURL       string   `json:"imageUrl,omitempty"`
	Category       string   `json:"category"`
	Tags           []string `json:"tags,omitempty"`
	RelatableCount int      `json:"relatableCount"`
	HasReacted     bool     `json:"hasReacted,omitempty"`
	CreatedAt      int64    `json:"createdAt"`
	EditedAt       int64    `json:"editedAt,omitempty"`
}

// ThoughtsMsg is a page response for loadThoughts.
type ThoughtsMsg struct {
	Type     string           `json:"type"`
	Thoughts []ThoughtPayload `json:"thoughts"`
	Room     string           `json:"room"`
	Page     int              `json:"page"`
	HasMore  bool             `json:"hasMore"`
}

// ThoughtCreatedMsg broadcasts a newly accepted thought to room subscribers.
type ThoughtCreatedMsg struct {
	Type    string         `json:"type"`
	Thought ThoughtPayload `json:"thought"`
}

// ThoughtAcceptedMsg acknowledges a submission to its author.
type ThoughtAcceptedMsg struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	Category string `json:"category"`
}

// ThoughtRejectedMsg is a submitter-only rejection notice.
type ThoughtRejectedMsg struct {
	Type             string `json:"type"`
	Message          string `json:"message"`
	StrikesRemaining int    `json:"strikesRemaining,omitempty"`
}

// ThoughtReroutedMsg tells the submitter their thought landed in a different
// room than the one they posted into.
type ThoughtReroutedMsg struct {
	Type   string `json:"type"`
	Room   string `json:"room"`
	Reason string `json:"reason"`
}

// ThoughtUpdatedMsg broadcasts an edited thought.
type ThoughtUpdatedMsg struct {
	Type    string         `json:"type"`
	Thought ThoughtPayload `json:"thought"`
}

// ThoughtDeletedMsg broadcasts a deletion.
type ThoughtDeletedMsg struct {
	Type      string `json:"type"`
	ThoughtID string `json:"thoughtId"`
}

// ReactionUpdatedMsg carries the result of a reaction toggle.
type ReactionUpdatedMsg struct {
	Type           string `json:"type"`
	ThoughtID      string `json:"thoughtId"`
	RelatableCount int    `json:"relatableCount"`
	UserID         string `json:"userId"`
	HasReacted     bool   `json:"hasReacted"`
}

// PostingBanStatusMsg reports the caller's current posting ban state.
// BannedUntil is a unix timestamp, zero for permanent or inactive bans.
type PostingBanStatusMsg struct {
	Type        string `json:"type"`
	IsActive    bool   `json:"isActive"`
	IsPermanent bool   `json:"isPermanent"`
	BannedUntil int64  `json:"bannedUntil,omitempty"`
	Message     string `json:"message,omitempty"`
}

// OnlineCountMsg broadcasts the number of registered users online.
type OnlineCountMsg struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// RateLimitedMsg is sent when the caller exceeds a submission window.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retryAfter"`
}

// ErrorMsg is sent by the server to communicate an error condition. It is
// always scoped to the originating socket.
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

// ParseClientMessage parses raw socket bytes into a typed client message.
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
	case TypeRegister:
		var m RegisterMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCheckPostingBan:
		var m CheckPostingBanMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinRoom:
		var m JoinRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLoadThoughts:
		var m LoadThoughtsMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNewThought:
		var m NewThoughtMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeToggleReaction:
		var m ToggleReactionMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEditThought:
		var m EditThoughtMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDeleteThought:
		var m DeleteThoughtMsg
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
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
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
