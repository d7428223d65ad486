package model

import (
	"time"
)

// Kind represents the payload kind of a message.
type Kind string

const (
	KindText  Kind = "text"
	KindVoice Kind = "voice"
	KindImage Kind = "image"
)

// Valid reports whether k is a known message kind.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindVoice, KindImage:
		return true
	}
	return false
}

// RequiresFile reports whether the kind must carry a file URL.
func (k Kind) RequiresFile() bool {
	return k == KindVoice || k == KindImage
}

// Message represents a persisted conversation message.
type Message struct {
	// Identity
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`

	// Content
	Kind    Kind    `json:"kind"`
	Content string  `json:"content"`
	FileURL *string `json:"file_url,omitempty"`

	// Client-generated idempotency token, echoed back so senders can
	// reconcile their optimistic copy.
	DedupeKey *string `json:"dedupe_key,omitempty"`

	// Server-assigned ordering
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// SendMessageRequest is the payload for appending a message.
type SendMessageRequest struct {
	Content   string  `json:"content"`
	Kind      Kind    `json:"kind"`
	FileURL   *string `json:"file_url,omitempty"`
	DedupeKey *string `json:"dedupe_key,omitempty"`
}

// ListMessagesResponse is the response for fetching history.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	LastSeq  int64     `json:"last_seq"`
}
