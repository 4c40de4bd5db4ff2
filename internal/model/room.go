package model

import "time"

// Room name length limits, enforced on create.
const (
	RoomNameMinLen = 3
	RoomNameMaxLen = 30
)

// Room is a named group conversation. Names are not unique; rooms are
// disambiguated by id. MemberCount is derived from the membership relation,
// never stored as a bare counter.
type Room struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	MemberCount int       `json:"member_count"`
	CreatedAt   time.Time `json:"created_at"`
}

type RoomMember struct {
	RoomID   string    `json:"room_id"`
	UserID   string    `json:"user_id"`
	JoinedAt time.Time `json:"joined_at"`
}
