package chat

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
)

// CacheStore is a local sqlite mirror of fetched messages so a chat screen
// can warm-start (and scroll recent history) before the network answers.
// It is a cache, not a source of truth: rows are only ever written from
// backend responses and the backend ordering always wins.
type CacheStore struct {
	db  *dbutil.Database
	log zerolog.Logger
}

// OpenCacheStore opens (or creates) the cache database at path.
func OpenCacheStore(path string, log zerolog.Logger) (*CacheStore, error) {
	raw, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	db, err := dbutil.NewWithDB(raw, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to wrap cache database: %w", err)
	}
	store := &CacheStore{db: db, log: log.With().Str("component", "cache").Logger()}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return store, nil
}

func (s *CacheStore) ensureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS message_cache (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			body TEXT NOT NULL,
			created_ms BIGINT NOT NULL,
			cached_ms BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_message_cache_conv_ts
			ON message_cache (conversation_id, created_ms)`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return fmt.Errorf("failed to create cache schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database.
func (s *CacheStore) Close() error {
	return s.db.Close()
}

// UpsertMessages mirrors a batch of backend rows into the cache in one
// transaction. Idempotent: re-caching a known id refreshes the row.
func (s *CacheStore) UpsertMessages(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.RawDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin cache transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO message_cache (id, conversation_id, sender_id, body, created_ms, cached_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			conversation_id=excluded.conversation_id,
			sender_id=excluded.sender_id,
			body=excluded.body,
			created_ms=excluded.created_ms,
			cached_ms=excluded.cached_ms
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare cache statement: %w", err)
	}
	defer stmt.Close()

	nowMS := time.Now().UnixMilli()
	for _, m := range msgs {
		_, err = stmt.ExecContext(ctx,
			m.ID, m.ConversationID, m.SenderID, m.Body, m.CreatedAt.UnixMilli(), nowMS)
		if err != nil {
			return fmt.Errorf("failed to cache message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// RecentMessages returns up to limit cached messages of a conversation,
// chronological ascending.
func (s *CacheStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultFetchLimit
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, conversation_id, sender_id, body, created_ms
		FROM message_cache WHERE conversation_id=$1
		ORDER BY created_ms DESC LIMIT $2
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read message cache: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var createdMS int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &createdMS); err != nil {
			return nil, fmt.Errorf("failed to scan cached message: %w", err)
		}
		m.CreatedAt = time.UnixMilli(createdMS).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// DeleteMessage drops one cached row, if present.
func (s *CacheStore) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM message_cache WHERE id=$1`, messageID)
	return err
}

// PruneConversation drops every cached row of a conversation.
func (s *CacheStore) PruneConversation(ctx context.Context, conversationID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM message_cache WHERE conversation_id=$1`, conversationID)
	return err
}
