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

// ConversationStore is the persistence surface the directory needs.
type ConversationStore interface {
	Create(ctx context.Context, participants []string, isGroup bool, topic *string) (*model.Conversation, bool, error)
	Get(ctx context.Context, conversationID string) (*model.Conversation, error)
	ListByUser(ctx context.Context, userID string) ([]model.Conversation, error)
	UpdateTopic(ctx context.Context, conversationID, topic string) (*model.Conversation, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	Participants(ctx context.Context, conversationID string) ([]string, error)
}

// ConversationService resolves, creates and lists conversations.
type ConversationService struct {
	store  ConversationStore
	unread cache.Unread
	logger *logger.Logger
}

// NewConversationService creates a new conversation service. unread may be
// nil; listings then carry zero unread counts.
func NewConversationService(st ConversationStore, unread cache.Unread, log *logger.Logger) *ConversationService {
	return &ConversationService{
		store:  st,
		unread: unread,
		logger: log,
	}
}

// Create constructs the deduplicated participant set and creates the
// conversation, or returns the existing one for a 1:1 pair. The boolean
// reports whether a new record was inserted.
func (s *ConversationService) Create(ctx context.Context, creatorID string, req *model.CreateConversationRequest) (*model.Conversation, bool, error) {
	participants := dedupe(append([]string{creatorID}, req.Participants...))
	if len(participants) < 2 {
		return nil, false, fmt.Errorf("%w: need at least two distinct participants", ErrInvalidParticipants)
	}

	isGroup := len(participants) > 2
	var topic *string
	if req.Topic != "" {
		t := req.Topic
		topic = &t
	} else if isGroup {
		t := model.DefaultGroupTopic
		topic = &t
	}

	conv, created, err := s.store.Create(ctx, participants, isGroup, topic)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if created {
		kind := "direct"
		if isGroup {
			kind = "group"
		}
		metrics.ConversationsTotal.WithLabelValues(kind).Inc()
		s.logger.Info("conversation created",
			zap.String("conversation_id", conv.ID),
			zap.Bool("is_group", conv.IsGroup),
			zap.Int("participants", len(conv.Participants)),
		)
	}

	return conv, created, nil
}

// List returns the user's conversations ordered by recency, decorated with
// unread counts when the cache is reachable.
func (s *ConversationService) List(ctx context.Context, userID string) ([]model.Conversation, error) {
	convs, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if s.unread != nil {
		for i := range convs {
			n, err := s.unread.Get(ctx, convs[i].ID, userID)
			if err != nil && !errors.Is(err, cache.ErrMiss) {
				s.logger.Warn("unread lookup failed", zap.Error(err))
				break
			}
			convs[i].UnreadCount = n
		}
	}

	return convs, nil
}

// Get retrieves a conversation by id.
func (s *ConversationService) Get(ctx context.Context, conversationID string) (*model.Conversation, error) {
	conv, err := s.store.Get(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return conv, nil
}

// RenameTopic updates a group conversation's topic. Only participants of a
// group conversation may rename it; this is the sole topic mutation path.
func (s *ConversationService) RenameTopic(ctx context.Context, conversationID, requesterID, topic string) (*model.Conversation, error) {
	conv, err := s.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.IsGroup {
		return nil, fmt.Errorf("%w: topic rename is group-only", ErrForbidden)
	}
	if !conv.HasParticipant(requesterID) {
		return nil, fmt.Errorf("%w: requester is not a participant", ErrForbidden)
	}

	updated, err := s.store.UpdateTopic(ctx, conversationID, topic)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return updated, nil
}

// Participants returns the participant set of a conversation.
func (s *ConversationService) Participants(ctx context.Context, conversationID string) ([]string, error) {
	users, err := s.store.Participants(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if len(users) == 0 {
		return nil, ErrNotFound
	}
	return users, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
