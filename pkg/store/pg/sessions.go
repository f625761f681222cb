package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/modernmethod/ethos/pkg/store"
)

// SessionStore is the pg implementation of [store.SessionStore]. Session
// upserts normally happen inline with [Store.IngestEventAndVector];
// WriteEvent exists for callers (tests, backfills) that write a session
// event outside the ingest transaction.
type SessionStore struct {
	pool *pgxpool.Pool
}

func (s SessionStore) WriteEvent(ctx context.Context, ev store.SessionEvent) error {
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("store: write event: marshal metadata: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: write event: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO sessions (key, agent_id, started_at, last_active_at, message_count)
		VALUES ($1, $2, now(), now(), 1)
		ON CONFLICT (key) DO UPDATE SET
			last_active_at = now(),
			message_count = sessions.message_count + 1
	`, ev.SessionKey, ev.AgentID); err != nil {
		return fmt.Errorf("store: write event: upsert session: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO session_events (id, session_key, agent_id, role, content, token_count, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
	`, ev.ID, ev.SessionKey, ev.AgentID, string(ev.Role), ev.Content, ev.TokenCount, meta); err != nil {
		return fmt.Errorf("store: write event: insert event: %w", err)
	}

	return tx.Commit(ctx)
}

func (s SessionStore) RecentEventExists(ctx context.Context, window time.Duration) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM session_events WHERE created_at > now() - $1::interval
		)
	`, window.String()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: recent event exists: %w", err)
	}
	return exists, nil
}

func (s SessionStore) GetSession(ctx context.Context, key string) (*store.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key, agent_id, channel_tag, started_at, last_active_at, message_count, metadata
		FROM sessions WHERE key = $1
	`, key)
	if err != nil {
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	defer rows.Close()

	sess, err := pgx.CollectOneRow(rows, func(row pgx.CollectableRow) (store.Session, error) {
		var sess store.Session
		var meta []byte
		if err := row.Scan(&sess.Key, &sess.AgentID, &sess.ChannelTag, &sess.StartedAt, &sess.LastActiveAt, &sess.MessageCount, &meta); err != nil {
			return sess, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &sess.Metadata); err != nil {
				return sess, err
			}
		}
		return sess, nil
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	return &sess, nil
}
