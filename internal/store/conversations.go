package store

import (
	"context"
	_ "embed"
	"errors"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campushq/messaging/internal/model"
)

// Schema is the reference DDL for the tables this package reads and writes.
//
//go:embed schema.sql
var Schema string

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// PgConversationStore persists conversations and participant rows.
type PgConversationStore struct {
	pool *pgxpool.Pool
}

// NewPgConversationStore creates a conversation store backed by pool.
func NewPgConversationStore(pool *pgxpool.Pool) *PgConversationStore {
	return &PgConversationStore{pool: pool}
}

// PairKey derives the canonical dedup key for a 1:1 participant pair.
// User ids are opaque and may contain any byte, so each id is escaped
// before joining; otherwise distinct pairs sharing separator bytes would
// collapse onto one key.
func PairKey(participants []string) string {
	pair := make([]string, len(participants))
	for i, id := range participants {
		pair[i] = url.QueryEscape(id)
	}
	sort.Strings(pair)
	return strings.Join(pair, ":")
}

// Create inserts a conversation with its participant rows. For 1:1
// conversations the pair_key unique index absorbs concurrent creates:
// if another transaction won the race, the existing row is returned
// and created is false.
func (s *PgConversationStore) Create(ctx context.Context, participants []string, isGroup bool, topic *string) (*model.Conversation, bool, error) {
	var pairKey *string
	if !isGroup {
		k := PairKey(participants)
		pairKey = &k
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	conv := &model.Conversation{
		ID:           uuid.NewString(),
		Participants: append([]string(nil), participants...),
		IsGroup:      isGroup,
		Topic:        topic,
		CreatedAt:    time.Now().UTC(),
	}

	var insertedID string
	err = tx.QueryRow(ctx, `
		INSERT INTO conversations (id, is_group, topic, pair_key, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (pair_key) DO NOTHING
		RETURNING id
	`, conv.ID, conv.IsGroup, conv.Topic, pairKey, conv.CreatedAt).Scan(&insertedID)

	if errors.Is(err, pgx.ErrNoRows) {
		// Lost the 1:1 race; hand back the winner.
		_ = tx.Rollback(ctx)
		existing, err := s.FindByPairKey(ctx, *pairKey)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	for _, userID := range conv.Participants {
		if _, err := tx.Exec(ctx, `
			INSERT INTO participants (conversation_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT (conversation_id, user_id) DO NOTHING
		`, conv.ID, userID); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return conv, true, nil
}

// FindByPairKey looks up the 1:1 conversation for a canonical pair key.
func (s *PgConversationStore) FindByPairKey(ctx context.Context, pairKey string) (*model.Conversation, error) {
	return s.queryOne(ctx, `WHERE c.pair_key = $1`, pairKey)
}

// Get retrieves a conversation with its participant set.
func (s *PgConversationStore) Get(ctx context.Context, conversationID string) (*model.Conversation, error) {
	return s.queryOne(ctx, `WHERE c.id = $1`, conversationID)
}

func (s *PgConversationStore) queryOne(ctx context.Context, where string, arg any) (*model.Conversation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT c.id::text, c.is_group, c.topic, c.created_at, c.last_message_at,
		       array_agg(p.user_id ORDER BY p.user_id)
		FROM conversations c
		JOIN participants p ON p.conversation_id = c.id
		`+where+`
		GROUP BY c.id
	`, arg)

	conv, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// ListByUser returns every conversation userID participates in, most
// recently messaged first, never-messaged conversations last.
func (s *PgConversationStore) ListByUser(ctx context.Context, userID string) ([]model.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id::text, c.is_group, c.topic, c.created_at, c.last_message_at,
		       array_agg(p.user_id ORDER BY p.user_id)
		FROM conversations c
		JOIN participants p ON p.conversation_id = c.id
		WHERE c.id IN (SELECT conversation_id FROM participants WHERE user_id = $1)
		GROUP BY c.id
		ORDER BY c.last_message_at DESC NULLS LAST, c.created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []model.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *conv)
	}
	return convs, rows.Err()
}

// UpdateTopic sets the topic and returns the updated conversation.
func (s *PgConversationStore) UpdateTopic(ctx context.Context, conversationID, topic string) (*model.Conversation, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE conversations SET topic = $2 WHERE id = $1
	`, conversationID, topic)
	if err != nil {
		return nil, err
	}
	if ct.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, conversationID)
}

// IsParticipant reports whether userID belongs to the conversation.
func (s *PgConversationStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM participants
			WHERE conversation_id = $1 AND user_id = $2
		)
	`, conversationID, userID).Scan(&ok)
	return ok, err
}

// Participants returns the participant set of a conversation.
func (s *PgConversationStore) Participants(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id FROM participants WHERE conversation_id = $1 ORDER BY user_id
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

func scanConversation(row pgx.Row) (*model.Conversation, error) {
	var conv model.Conversation
	if err := row.Scan(
		&conv.ID,
		&conv.IsGroup,
		&conv.Topic,
		&conv.CreatedAt,
		&conv.LastMessageAt,
		&conv.Participants,
	); err != nil {
		return nil, err
	}
	return &conv, nil
}
