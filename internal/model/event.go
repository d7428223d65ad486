package model

import "encoding/json"

// EventType identifies a frame on the realtime transport.
type EventType string

const (
	// client -> server
	EventJoin       EventType = "join_conversation"
	EventLeave      EventType = "leave_conversation"
	EventNewMessage EventType = "new_message"
	EventTyping     EventType = "typing"
	EventStopTyping EventType = "stop_typing"

	// server -> client
	EventConnected       EventType = "connected"
	EventJoined          EventType = "joined"
	EventLeft            EventType = "left"
	EventMessageReceived EventType = "message_received"
	EventMessageAck      EventType = "message_ack"
	EventError           EventType = "error"
)

// Frame is the envelope exchanged over the websocket transport.
type Frame struct {
	Type           EventType       `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// SendPayload is the client payload of a new_message frame.
type SendPayload struct {
	Content   string  `json:"content"`
	Kind      Kind    `json:"kind"`
	FileURL   *string `json:"file_url,omitempty"`
	DedupeKey *string `json:"dedupe_key,omitempty"`
}

// MessagePayload is the server payload of message_received and message_ack frames.
type MessagePayload struct {
	Message Message `json:"message"`
}

// TypingPayload is the payload of typing and stop_typing frames.
type TypingPayload struct {
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name,omitempty"`
}

// ErrorPayload is the payload of error frames. DedupeKey, when present,
// identifies the failed send so the client can mark its echo unsent.
type ErrorPayload struct {
	Code      string  `json:"code"`
	Message   string  `json:"message"`
	DedupeKey *string `json:"dedupe_key,omitempty"`
}
