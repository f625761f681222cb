package pg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlExtensions = `CREATE EXTENSION IF NOT EXISTS vector;`

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
	key             TEXT PRIMARY KEY,
	agent_id        TEXT NOT NULL,
	channel_tag     TEXT NOT NULL DEFAULT '',
	started_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_active_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	message_count   INTEGER NOT NULL DEFAULT 0,
	metadata        JSONB NOT NULL DEFAULT '{}'::jsonb
);`

const ddlSessionEvents = `
CREATE TABLE IF NOT EXISTS session_events (
	id          TEXT PRIMARY KEY,
	session_key TEXT NOT NULL REFERENCES sessions(key),
	agent_id    TEXT NOT NULL,
	role        TEXT NOT NULL,
	content     TEXT NOT NULL,
	token_count INTEGER,
	metadata    JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_session_events_created_at ON session_events (created_at);
CREATE INDEX IF NOT EXISTS idx_session_events_session_key ON session_events (session_key);
CREATE INDEX IF NOT EXISTS idx_session_events_fts ON session_events USING GIN (to_tsvector('english', content));`

const ddlEpisodicTraces = `
CREATE TABLE IF NOT EXISTS episodic_traces (
	id               UUID PRIMARY KEY,
	session_key      TEXT NOT NULL,
	agent_id         TEXT NOT NULL,
	turn_index       INTEGER NOT NULL DEFAULT 0,
	role             TEXT NOT NULL,
	content          TEXT NOT NULL,
	summary          TEXT,
	importance       DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	emotional_tone   DOUBLE PRECISION NOT NULL DEFAULT 0,
	novelty          DOUBLE PRECISION NOT NULL DEFAULT 0,
	topics           TEXT[] NOT NULL DEFAULT '{}',
	entities         TEXT[] NOT NULL DEFAULT '{}',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	consolidated_at  TIMESTAMPTZ,
	retrieval_count  INTEGER NOT NULL DEFAULT 0,
	last_retrieved_at TIMESTAMPTZ,
	salience         DOUBLE PRECISION NOT NULL DEFAULT 1,
	pruned           BOOLEAN NOT NULL DEFAULT false
);
CREATE INDEX IF NOT EXISTS idx_episodic_unconsolidated ON episodic_traces (consolidated_at) WHERE consolidated_at IS NULL AND pruned = false;
CREATE INDEX IF NOT EXISTS idx_episodic_pruned ON episodic_traces (pruned);`

const ddlSemanticFacts = `
CREATE TABLE IF NOT EXISTS semantic_facts (
	id                 UUID PRIMARY KEY,
	kind               TEXT NOT NULL,
	statement          TEXT NOT NULL,
	subject            TEXT NOT NULL,
	predicate          TEXT NOT NULL,
	object             TEXT NOT NULL,
	topics             TEXT[] NOT NULL DEFAULT '{}',
	confidence         DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	retrieval_count    INTEGER NOT NULL DEFAULT 0,
	last_retrieved_at  TIMESTAMPTZ,
	superseded_by      UUID REFERENCES semantic_facts(id),
	flagged_for_review BOOLEAN NOT NULL DEFAULT false,
	source_episodes    UUID[] NOT NULL DEFAULT '{}',
	source_agent       TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	salience           DOUBLE PRECISION NOT NULL DEFAULT 1,
	pruned             BOOLEAN NOT NULL DEFAULT false
);
-- the most-frequently evaluated predicate in the system (spec.md §9); every
-- conflict lookup and every retrieval filter hits this index.
CREATE INDEX IF NOT EXISTS idx_facts_active_key ON semantic_facts (subject, predicate) WHERE superseded_by IS NULL AND pruned = false;`

func ddlMemoryVectors(dimension int) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS memory_vectors (
	id              UUID PRIMARY KEY,
	source_type     TEXT NOT NULL,
	source_id       UUID NOT NULL,
	embedding       vector(%d),
	dimension       INTEGER NOT NULL,
	model_tag       TEXT NOT NULL DEFAULT '',
	task_type       TEXT NOT NULL DEFAULT 'document',
	access_count    INTEGER NOT NULL DEFAULT 0,
	last_accessed_at TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at      TIMESTAMPTZ,
	importance      DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	pruned          BOOLEAN NOT NULL DEFAULT false,
	content_snippet TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_memory_vectors_hnsw ON memory_vectors USING hnsw (embedding vector_cosine_ops) WHERE pruned = false;
CREATE INDEX IF NOT EXISTS idx_memory_vectors_pending ON memory_vectors (created_at) WHERE embedding IS NULL AND pruned = false;
CREATE INDEX IF NOT EXISTS idx_memory_vectors_source ON memory_vectors (source_type, source_id);`, dimension)
}

const ddlMemoryGraphLinks = `
CREATE TABLE IF NOT EXISTS memory_graph_links (
	from_type  TEXT NOT NULL,
	from_id    UUID NOT NULL,
	to_type    TEXT NOT NULL,
	to_id      UUID NOT NULL,
	relation   TEXT NOT NULL,
	weight     DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (from_type, from_id, to_type, to_id, relation)
);
CREATE INDEX IF NOT EXISTS idx_graph_links_from ON memory_graph_links (from_type, from_id);`

// Migrate applies the full schema, creating every relation and index the
// engine needs. It is idempotent — every statement uses IF NOT EXISTS — so
// it is safe to run on every process start, the way the teacher's
// pkg/memory/postgres package does.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dimension int) error {
	stmts := []string{
		ddlExtensions,
		ddlSessions,
		ddlSessionEvents,
		ddlEpisodicTraces,
		ddlSemanticFacts,
		ddlMemoryVectors(dimension),
		ddlMemoryGraphLinks,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}
