package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/campushq/messaging/internal/cache"
	"github.com/campushq/messaging/internal/model"
	"github.com/campushq/messaging/internal/store"
	"github.com/campushq/messaging/pkg/logger"
	"github.com/campushq/messaging/pkg/metrics"
)

// MessageStore is the persistence surface the message log needs.
type MessageStore interface {
	Append(ctx context.Context, conversationID, senderID string, kind model.Kind, content string, fileURL, dedupeKey *string) (*model.Message, error)
	History(ctx context.Context, conversationID string, limit int, beforeSeq int64) ([]model.Message, error)
	MarkRead(ctx context.Context, conversationID, userID string) error
}

// MessageService appends messages, serves history and tracks read state.
type MessageService struct {
	messages      MessageStore
	conversations *ConversationService
	unread        cache.Unread
	logger        *logger.Logger
}

// NewMessageService creates a new message service. unread may be nil.
func NewMessageService(messages MessageStore, conversations *ConversationService, unread cache.Unread, log *logger.Logger) *MessageService {
	return &MessageService{
		messages:      messages,
		conversations: conversations,
		unread:        unread,
		logger:        log,
	}
}

// Append validates and durably persists a message, bumping the owning
// conversation's recency. The sender must be a current participant; the
// check runs against the store, never client-supplied state.
func (s *MessageService) Append(ctx context.Context, conversationID, senderID string, req *model.SendMessageRequest) (*model.Message, error) {
	if err := validatePayload(req); err != nil {
		metrics.MessageAppendFailures.WithLabelValues("invalid_payload").Inc()
		return nil, err
	}

	conv, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		metrics.MessageAppendFailures.WithLabelValues("not_found").Inc()
		return nil, err
	}
	if !conv.HasParticipant(senderID) {
		metrics.MessageAppendFailures.WithLabelValues("not_participant").Inc()
		return nil, fmt.Errorf("%w: sender %s", ErrNotParticipant, senderID)
	}

	msg, err := s.messages.Append(ctx, conversationID, senderID, req.Kind, req.Content, req.FileURL, req.DedupeKey)
	if err != nil {
		metrics.MessageAppendFailures.WithLabelValues("store").Inc()
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	metrics.MessagesTotal.WithLabelValues(string(msg.Kind)).Inc()

	if s.unread != nil {
		recipients := make([]string, 0, len(conv.Participants)-1)
		for _, p := range conv.Participants {
			if p != senderID {
				recipients = append(recipients, p)
			}
		}
		if err := s.unread.Increment(ctx, conversationID, recipients); err != nil {
			s.logger.Warn("unread increment failed",
				zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}

	return msg, nil
}

// History returns the conversation's messages in ascending (created_at, seq)
// order. limit <= 0 returns everything; beforeSeq > 0 pages backwards.
func (s *MessageService) History(ctx context.Context, conversationID, requesterID string, limit int, beforeSeq int64) ([]model.Message, error) {
	conv, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(requesterID) {
		return nil, fmt.Errorf("%w: requester is not a participant", ErrForbidden)
	}

	msgs, err := s.messages.History(ctx, conversationID, limit, beforeSeq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return msgs, nil
}

// MarkRead records that userID has read up to the newest message at call
// time. Idempotent: repeat calls without new messages change nothing.
func (s *MessageService) MarkRead(ctx context.Context, conversationID, userID string) error {
	conv, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(userID) {
		return fmt.Errorf("%w: user is not a participant", ErrForbidden)
	}

	if err := s.messages.MarkRead(ctx, conversationID, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if s.unread != nil {
		if err := s.unread.Clear(ctx, conversationID, userID); err != nil {
			s.logger.Warn("unread clear failed",
				zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}
	return nil
}

func validatePayload(req *model.SendMessageRequest) error {
	if !req.Kind.Valid() {
		return fmt.Errorf("%w: unknown message kind %q", ErrInvalidPayload, req.Kind)
	}
	if req.Kind.RequiresFile() && (req.FileURL == nil || *req.FileURL == "") {
		return fmt.Errorf("%w: %s messages require a file_url", ErrInvalidPayload, req.Kind)
	}
	if req.Kind == model.KindText && req.Content == "" {
		return fmt.Errorf("%w: text messages require content", ErrInvalidPayload)
	}
	return nil
}
