package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/converse/internal/chat"
	"github.com/converse/internal/pubsub"
	"github.com/converse/internal/retry"
)

// Store persists messages and summaries in Postgres and publishes a
// NOTIFY event for every stored message, which is what feeds the
// reconciliation channel.
type Store struct {
	db    *sql.DB
	retry retry.Config
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, retry: retry.PersistenceConfig()}
}

// MessageRow is one stored message as read back for summarization.
type MessageRow struct {
	ID        string
	Role      string
	Content   string
	CreatedAt time.Time
}

// EnsureSchema creates the tables this core needs. Schema beyond the
// reconciliation fields is deliberately minimal.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS conversation_summaries (
			conversation_id TEXT PRIMARY KEY,
			summary TEXT NOT NULL,
			message_count INT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// StoreMessage inserts a message and publishes its channel event in the same
// transaction, so subscribers only ever see durable rows. The write retries
// with linearly increasing delay (3 attempts) before giving up.
func (s *Store) StoreMessage(ctx context.Context, rec chat.StoredMessage) (string, error) {
	id := uuid.NewString()
	createdAt := time.Now().UTC()

	payload, err := json.Marshal(pubsub.Event{
		Type:           pubsub.Inserted,
		ID:             id,
		ConversationID: rec.ConversationID,
		Sender:         rec.Role,
		Content:        rec.Content,
		CreatedAt:      createdAt,
	})
	if err != nil {
		return "", fmt.Errorf("marshal message event: %w", err)
	}

	result := retry.Do(ctx, s.retry, func() error {
		return s.insertAndNotify(ctx, id, rec, createdAt, string(payload))
	})
	if !result.Success {
		return "", fmt.Errorf("store message: %w", result.LastError)
	}

	log.Debug().
		Str("conversation_id", rec.ConversationID).
		Str("message_id", id).
		Str("role", rec.Role).
		Int("attempts", result.Attempts).
		Msg("message stored")
	return id, nil
}

func (s *Store) insertAndNotify(ctx context.Context, id string, rec chat.StoredMessage, createdAt time.Time, payload string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, rec.ConversationID, rec.SenderID, rec.Role, rec.Content, createdAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, pubsub.NotifyChannel, payload); err != nil {
		return fmt.Errorf("notify: %w", err)
	}

	return tx.Commit()
}

// RecentMessages returns the newest limit messages for a conversation in
// chronological order.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]MessageRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, created_at
		FROM (
			SELECT id, role, content, created_at
			FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	var out []MessageRow
	for rows.Next() {
		var row MessageRow
		if err := rows.Scan(&row.ID, &row.Role, &row.Content, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// MessageCount returns the number of stored messages in a conversation.
func (s *Store) MessageCount(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = $1`, conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// HasSummary reports whether the conversation has a stored summary.
func (s *Store) HasSummary(ctx context.Context, conversationID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM conversation_summaries WHERE conversation_id = $1`, conversationID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup summary: %w", err)
	}
	return true, nil
}

// GetSummary returns the stored summary text, or "" when none exists.
func (s *Store) GetSummary(ctx context.Context, conversationID string) (string, error) {
	var summary string
	err := s.db.QueryRowContext(ctx,
		`SELECT summary FROM conversation_summaries WHERE conversation_id = $1`, conversationID).Scan(&summary)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get summary: %w", err)
	}
	return summary, nil
}

// SaveSummary upserts the conversation summary.
func (s *Store) SaveSummary(ctx context.Context, conversationID, summary string, messageCount int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_summaries (conversation_id, summary, message_count, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (conversation_id)
		DO UPDATE SET summary = EXCLUDED.summary,
			message_count = EXCLUDED.message_count,
			updated_at = NOW()
	`, conversationID, summary, messageCount)
	if err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}
