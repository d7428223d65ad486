package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campushq/messaging/internal/model"
)

// PgMessageStore persists the append-only message log and read state.
type PgMessageStore struct {
	pool *pgxpool.Pool
}

// NewPgMessageStore creates a message store backed by pool.
func NewPgMessageStore(pool *pgxpool.Pool) *PgMessageStore {
	return &PgMessageStore{pool: pool}
}

// Append inserts a message and bumps the conversation's last_message_at in
// one transaction. A retried send carrying an already-persisted dedupe key
// returns the existing row unchanged.
func (s *PgMessageStore) Append(ctx context.Context, conversationID, senderID string, kind model.Kind, content string, fileURL, dedupeKey *string) (*model.Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	msg := &model.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Kind:           kind,
		Content:        content,
		FileURL:        fileURL,
		DedupeKey:      dedupeKey,
		CreatedAt:      time.Now().UTC(),
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, kind, content, file_url, dedupe_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (conversation_id, sender_id, dedupe_key) WHERE dedupe_key IS NOT NULL
		DO NOTHING
		RETURNING seq
	`, msg.ID, msg.ConversationID, msg.SenderID, msg.Kind, msg.Content, msg.FileURL, msg.DedupeKey, msg.CreatedAt).Scan(&msg.Seq)

	if errors.Is(err, pgx.ErrNoRows) {
		// Duplicate dedupe key: the send already landed.
		_ = tx.Rollback(ctx)
		return s.findByDedupeKey(ctx, conversationID, senderID, *dedupeKey)
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE conversations SET last_message_at = $2 WHERE id = $1
	`, conversationID, msg.CreatedAt); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *PgMessageStore) findByDedupeKey(ctx context.Context, conversationID, senderID, dedupeKey string) (*model.Message, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT seq, id::text, conversation_id::text, sender_id, kind, content, file_url, dedupe_key, created_at
		FROM messages
		WHERE conversation_id = $1 AND sender_id = $2 AND dedupe_key = $3
	`, conversationID, senderID, dedupeKey)
	return scanMessage(row)
}

// History returns messages in ascending (created_at, seq) order. A zero
// limit means everything; with a limit the newest rows of the window are
// returned, so paging backwards with beforeSeq walks the log from the tail.
func (s *PgMessageStore) History(ctx context.Context, conversationID string, limit int, beforeSeq int64) ([]model.Message, error) {
	query := `
		SELECT seq, id::text, conversation_id::text, sender_id, kind, content, file_url, dedupe_key, created_at
		FROM messages
		WHERE conversation_id = $1`
	args := []any{conversationID}

	if beforeSeq > 0 {
		query += ` AND seq < $2`
		args = append(args, beforeSeq)
	}
	if limit > 0 {
		query = `SELECT * FROM (` + query +
			` ORDER BY created_at DESC, seq DESC LIMIT ` + strconv.Itoa(limit) +
			`) page ORDER BY created_at ASC, seq ASC`
	} else {
		query += ` ORDER BY created_at ASC, seq ASC`
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *msg)
	}
	return msgs, rows.Err()
}

// MarkRead records that userID has read up to the newest message at call
// time. Repeat calls with no intervening messages write the same value.
func (s *PgMessageStore) MarkRead(ctx context.Context, conversationID, userID string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE participants
		SET last_read_seq = COALESCE(
			(SELECT max(seq) FROM messages WHERE conversation_id = $1), 0)
		WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanMessage(row pgx.Row) (*model.Message, error) {
	var msg model.Message
	if err := row.Scan(
		&msg.Seq,
		&msg.ID,
		&msg.ConversationID,
		&msg.SenderID,
		&msg.Kind,
		&msg.Content,
		&msg.FileURL,
		&msg.DedupeKey,
		&msg.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &msg, nil
}
