package model

import "time"

// Message is an entry in a conversation's append-only log. Once created,
// Body, SenderID and CreatedAt are immutable; only ReadBy grows. Seq is
// strictly increasing within a conversation and defines the total order
// every observer agrees on.
type Message struct {
	ID           string      `json:"id"`
	Conversation string      `json:"conversation"`
	Seq          int64       `json:"seq"`
	SenderID     string      `json:"sender_id"`
	Body         string      `json:"body"`
	CreatedAt    time.Time   `json:"created_at"`
	ReadBy       []string    `json:"read_by"`
	Sender       *UserPublic `json:"sender,omitempty"`
}
