// Package model defines data structures for the messaging core.
package model

import (
	"time"
)

// Conversation represents a durable conversation between a set of participants.
type Conversation struct {
	ID            string     `json:"id"`
	Participants  []string   `json:"participants"`
	IsGroup       bool       `json:"is_group"`
	Topic         *string    `json:"topic,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	UnreadCount   int64      `json:"unread_count"`
	LastMessage   *Message   `json:"last_message,omitempty"`
}

// HasParticipant reports whether userID belongs to the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// DefaultGroupTopic is assigned when a group is created without a topic.
const DefaultGroupTopic = "Group Chat"

// CreateConversationRequest is the request to create or find a conversation.
type CreateConversationRequest struct {
	Participants []string `json:"participants"`
	Topic        string   `json:"topic,omitempty"`
}

// RenameTopicRequest is the request to rename a group conversation.
type RenameTopicRequest struct {
	Topic string `json:"topic"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
}
