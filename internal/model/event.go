package model

import "time"

type EventType string

const (
	EventMessageNew       EventType = "message_new"
	EventPresenceChanged  EventType = "presence_changed"
	EventTypingChanged    EventType = "typing_changed"
	EventReadStateChanged EventType = "read_state_changed"
	EventRoomCreated      EventType = "room_created"
	EventRoomMembership   EventType = "room_membership_changed"
	EventError            EventType = "error"
)

// Event is a server push notification. Payload is always one of the typed
// structs below (or *Message / *Room); never an ad-hoc map.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// PresencePayload is pushed when a user transitions online/offline.
type PresencePayload struct {
	UserID     string    `json:"user_id"`
	Online     bool      `json:"online"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// TypingPayload carries the current non-expired typer set for a
// conversation. An empty set means nobody is typing anymore.
type TypingPayload struct {
	Conversation string   `json:"conversation"`
	UserIDs      []string `json:"user_ids"`
}

// ReadPayload is pushed once per distinct sender whose messages were newly
// marked read, not once per message.
type ReadPayload struct {
	Conversation string `json:"conversation"`
	ReaderID     string `json:"reader_id"`
	SenderID     string `json:"sender_id"`
	UptoID       string `json:"upto_id"`
}

// RoomMembershipPayload is pushed on join/leave.
type RoomMembershipPayload struct {
	RoomID      string `json:"room_id"`
	UserID      string `json:"user_id"`
	Joined      bool   `json:"joined"`
	MemberCount int    `json:"member_count"`
}

// ErrorPayload is sent to a single connection when one of its commands is
// rejected.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
