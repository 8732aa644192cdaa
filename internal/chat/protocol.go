package chat

import (
	"encoding/json"

	"gigchat/internal/history"
)

// Transport events.
const (
	// client -> server
	EventUserJoin    = "user:join"
	EventMessageSend = "message:send"
	EventTypingStart = "typing:start"
	EventTypingStop  = "typing:stop"

	// server -> client
	EventUsersOnline    = "users:online"
	EventMessageReceive = "message:receive"
	EventMessageSent    = "message:sent"
	EventTypingUpdate   = "typing:update"
)

// Envelope is the frame exchanged over the websocket in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(event string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: raw}, nil
}

// Encode marshals an event and its payload into a single websocket frame.
func Encode(event string, data any) ([]byte, error) {
	env, err := NewEnvelope(event, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// JoinPayload accepts both a bare JSON string and {"userId": "..."}.
type JoinPayload struct {
	UserID string `json:"userId"`
}

func (p *JoinPayload) UnmarshalJSON(b []byte) error {
	var id string
	if err := json.Unmarshal(b, &id); err == nil {
		p.UserID = id
		return nil
	}
	type plain JoinPayload
	return json.Unmarshal(b, (*plain)(p))
}

// SendPayload is the body of message:send. ConversationID is an opaque
// routing key and is echoed back untouched.
type SendPayload struct {
	ConversationID string          `json:"conversationId"`
	ReceiverID     string          `json:"receiverId"`
	Message        history.Message `json:"message"`
}

type ReceivePayload struct {
	ConversationID string          `json:"conversationId"`
	Message        history.Message `json:"message"`
}

// SentPayload acknowledges a send. Success means the relay accepted the
// request; it says nothing about persistence or receipt.
type SentPayload struct {
	Success bool            `json:"success"`
	Message history.Message `json:"message"`
	Error   string          `json:"error,omitempty"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type TypingUpdatePayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}
