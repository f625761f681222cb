package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/modernmethod/ethos/pkg/store"
)

// IngestEventAndVector inserts a SessionEvent and its placeholder
// MemoryVector in a single transaction, and upserts the owning Session.
// Either both rows commit or neither does — the ingest pipeline's core
// guarantee (spec.md §4.1).
func (s *Store) IngestEventAndVector(ctx context.Context, ev store.SessionEvent, vec store.MemoryVector) (uuid.UUID, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: ingest: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	evMeta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: ingest: marshal event metadata: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO sessions (key, agent_id, started_at, last_active_at, message_count)
		VALUES ($1, $2, now(), now(), 1)
		ON CONFLICT (key) DO UPDATE SET
			last_active_at = now(),
			message_count = sessions.message_count + 1
	`, ev.SessionKey, ev.AgentID); err != nil {
		return uuid.Nil, fmt.Errorf("store: ingest: upsert session: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO session_events (id, session_key, agent_id, role, content, token_count, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
	`, ev.ID, ev.SessionKey, ev.AgentID, string(ev.Role), ev.Content, ev.TokenCount, evMeta); err != nil {
		return uuid.Nil, fmt.Errorf("store: ingest: insert event: %w", err)
	}

	if vec.ID == uuid.Nil {
		vec.ID = uuid.New()
	}

	var embedding *pgvector.Vector
	if vec.Embedding != nil {
		v := pgvector.NewVector(vec.Embedding)
		embedding = &v
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO memory_vectors (id, source_type, source_id, embedding, dimension, model_tag, task_type, importance, content_snippet, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
	`, vec.ID, string(vec.SourceType), vec.SourceID, embedding, vec.Dimension, vec.ModelTag, string(vec.TaskType), vec.Importance, vec.ContentSnippet); err != nil {
		return uuid.Nil, fmt.Errorf("store: ingest: insert vector: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("store: ingest: commit: %w", err)
	}
	return vec.ID, nil
}
