package model

import (
	"fmt"
	"strings"
)

type ConversationKind string

const (
	ConversationRoom   ConversationKind = "room"
	ConversationDirect ConversationKind = "dm"
)

// ConversationRef identifies the unit of message ordering: a room, or a
// direct-message pair. A direct pair is unordered; its identity is the
// sorted pair of user ids.
type ConversationRef struct {
	Kind   ConversationKind
	RoomID string
	// Direct pair, sorted so that UserA < UserB.
	UserA string
	UserB string
}

func RoomRef(roomID string) ConversationRef {
	return ConversationRef{Kind: ConversationRoom, RoomID: roomID}
}

func DirectRef(u1, u2 string) ConversationRef {
	if u2 < u1 {
		u1, u2 = u2, u1
	}
	return ConversationRef{Kind: ConversationDirect, UserA: u1, UserB: u2}
}

// ParseConversationRef parses the wire form "room:<id>" or "dm:<a>:<b>".
// The direct pair is canonicalized regardless of the order sent.
func ParseConversationRef(s string) (ConversationRef, error) {
	switch {
	case strings.HasPrefix(s, "room:"):
		id := s[len("room:"):]
		if id == "" {
			return ConversationRef{}, fmt.Errorf("parse conversation %q: empty room id", s)
		}
		return RoomRef(id), nil
	case strings.HasPrefix(s, "dm:"):
		rest := s[len("dm:"):]
		idx := strings.Index(rest, ":")
		if idx <= 0 || idx == len(rest)-1 {
			return ConversationRef{}, fmt.Errorf("parse conversation %q: want dm:<a>:<b>", s)
		}
		a, b := rest[:idx], rest[idx+1:]
		if a == b {
			return ConversationRef{}, fmt.Errorf("parse conversation %q: pair must be two distinct users", s)
		}
		return DirectRef(a, b), nil
	default:
		return ConversationRef{}, fmt.Errorf("parse conversation %q: unknown kind", s)
	}
}

// Key returns the canonical string identity used as the storage key and in
// event payloads.
func (c ConversationRef) Key() string {
	if c.Kind == ConversationRoom {
		return "room:" + c.RoomID
	}
	return "dm:" + c.UserA + ":" + c.UserB
}

// Includes reports whether userID is one of a direct pair. Always false for
// rooms; room membership lives in the room directory.
func (c ConversationRef) Includes(userID string) bool {
	return c.Kind == ConversationDirect && (c.UserA == userID || c.UserB == userID)
}

// Peers returns both parties of a direct pair.
func (c ConversationRef) Peers() []string {
	if c.Kind != ConversationDirect {
		return nil
	}
	return []string{c.UserA, c.UserB}
}
