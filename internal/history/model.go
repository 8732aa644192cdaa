package history

import (
	"errors"
	"time"
)

var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrForbidden      = errors.New("forbidden")
)

// Message is a persisted direct message. Only Seen changes after creation.
type Message struct {
	ID         int64     `json:"id,omitempty"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Text       string    `json:"text"`
	ClientID   string    `json:"clientId,omitempty"` // sender-side correlation id
	Seen       bool      `json:"seen"`
	CreatedAt  time.Time `json:"createdAt"`
}

// AppendRequest is the body of POST /history.
type AppendRequest struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Text       string `json:"text"`
	ClientID   string `json:"clientId,omitempty"`
}

type SeenResponse struct {
	Updated int64 `json:"updated"`
}

type UnreadResponse struct {
	Count int64 `json:"count"`
}
