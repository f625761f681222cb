package pg

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/modernmethod/ethos/pkg/store"
)

// VectorIndex is the pg implementation of [store.VectorIndex], grounded in
// the teacher's semantic_index.go cosine-query pattern.
type VectorIndex struct {
	pool      *pgxpool.Pool
	dimension int
}

const vectorSelectCols = `SELECT id, source_type, source_id, embedding, dimension, model_tag, task_type,
	access_count, last_accessed_at, created_at, expires_at, importance, pruned, content_snippet`

func scanVector(row pgx.CollectableRow) (store.MemoryVector, error) {
	var v store.MemoryVector
	var sourceType, taskType string
	var emb *pgvector.Vector
	err := row.Scan(&v.ID, &sourceType, &v.SourceID, &emb, &v.Dimension, &v.ModelTag, &taskType,
		&v.AccessCount, &v.LastAccessedAt, &v.CreatedAt, &v.ExpiresAt, &v.Importance, &v.Pruned, &v.ContentSnippet)
	v.SourceType = store.SourceType(sourceType)
	v.TaskType = store.TaskMode(taskType)
	if emb != nil {
		s := emb.Slice()
		v.Embedding = s
	}
	return v, err
}

func (i VectorIndex) Insert(ctx context.Context, v *store.MemoryVector) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	var embedding *pgvector.Vector
	if v.Embedding != nil {
		e := pgvector.NewVector(v.Embedding)
		embedding = &e
	}
	_, err := i.pool.Exec(ctx, `
		INSERT INTO memory_vectors
			(id, source_type, source_id, embedding, dimension, model_tag, task_type,
			 access_count, last_accessed_at, created_at, expires_at, importance, pruned, content_snippet)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now(),$10,$11,$12,$13)
	`, v.ID, string(v.SourceType), v.SourceID, embedding, v.Dimension, v.ModelTag, string(v.TaskType),
		v.AccessCount, v.LastAccessedAt, v.ExpiresAt, v.Importance, v.Pruned, v.ContentSnippet)
	if err != nil {
		return fmt.Errorf("store: insert vector: %w", err)
	}
	return nil
}

func (i VectorIndex) Get(ctx context.Context, id uuid.UUID) (*store.MemoryVector, error) {
	rows, err := i.pool.Query(ctx, vectorSelectCols+` FROM memory_vectors WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("store: get vector: %w", err)
	}
	defer rows.Close()
	v, err := pgx.CollectOneRow(rows, scanVector)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get vector: %w", err)
	}
	return &v, nil
}

// SetEmbedding fills a NULL embedding. The WHERE clause makes a second call
// against an already-embedded row a no-op, satisfying the embedder
// subsystem's idempotence requirement (spec.md §4.2).
func (i VectorIndex) SetEmbedding(ctx context.Context, id uuid.UUID, embedding []float32, modelTag string) error {
	if len(embedding) != i.dimension {
		return fmt.Errorf("store: set embedding: got %d dims, want %d", len(embedding), i.dimension)
	}
	v := pgvector.NewVector(embedding)
	_, err := i.pool.Exec(ctx, `
		UPDATE memory_vectors SET embedding = $2, dimension = $3, model_tag = $4
		WHERE id = $1 AND embedding IS NULL
	`, id, v, i.dimension, modelTag)
	if err != nil {
		return fmt.Errorf("store: set embedding: %w", err)
	}
	return nil
}

// CosineSearch finds the k nearest non-NULL, non-pruned embeddings to query.
// score_cos = 1 - cosine_distance, clamped to [0,1] (spec.md §4.3 step 4).
func (i VectorIndex) CosineSearch(ctx context.Context, query []float32, k int) ([]store.VectorMatch, error) {
	if k <= 0 {
		k = 10
	}
	qv := pgvector.NewVector(query)
	rows, err := i.pool.Query(ctx, vectorSelectCols+`, GREATEST(LEAST(1 - (embedding <=> $1), 1), 0) AS score
		FROM memory_vectors
		WHERE embedding IS NOT NULL AND pruned = false
		ORDER BY embedding <=> $1
		LIMIT $2
	`, qv, k)
	if err != nil {
		return nil, fmt.Errorf("store: cosine search: %w", err)
	}
	defer rows.Close()

	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.VectorMatch, error) {
		var sourceType, taskType string
		var emb *pgvector.Vector
		var m store.VectorMatch
		err := row.Scan(&m.Vector.ID, &sourceType, &m.Vector.SourceID, &emb, &m.Vector.Dimension,
			&m.Vector.ModelTag, &taskType, &m.Vector.AccessCount, &m.Vector.LastAccessedAt,
			&m.Vector.CreatedAt, &m.Vector.ExpiresAt, &m.Vector.Importance, &m.Vector.Pruned,
			&m.Vector.ContentSnippet, &m.ScoreCos)
		m.Vector.SourceType = store.SourceType(sourceType)
		m.Vector.TaskType = store.TaskMode(taskType)
		if emb != nil {
			m.Vector.Embedding = emb.Slice()
		}
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: cosine search: %w", err)
	}
	return matches, nil
}

func (i VectorIndex) FetchPendingEmbedding(ctx context.Context, limit int) ([]store.MemoryVector, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := i.pool.Query(ctx, vectorSelectCols+`
		FROM memory_vectors WHERE embedding IS NULL AND pruned = false ORDER BY created_at LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: fetch pending embedding: %w", err)
	}
	defer rows.Close()
	vecs, err := pgx.CollectRows(rows, scanVector)
	if err != nil {
		return nil, fmt.Errorf("store: fetch pending embedding: %w", err)
	}
	return vecs, nil
}

func (i VectorIndex) ApplyLTP(ctx context.Context, id uuid.UUID) error {
	_, err := i.pool.Exec(ctx, `
		UPDATE memory_vectors SET
			access_count = access_count + 1,
			last_accessed_at = now(),
			importance = LEAST(importance * 1.05, 1)
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("store: vector ltp: %w", err)
	}
	return nil
}

func (i VectorIndex) FetchForDecay(ctx context.Context, limit int) ([]store.MemoryVector, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := i.pool.Query(ctx, vectorSelectCols+` FROM memory_vectors WHERE pruned = false ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: fetch vectors for decay: %w", err)
	}
	defer rows.Close()
	vecs, err := pgx.CollectRows(rows, scanVector)
	if err != nil {
		return nil, fmt.Errorf("store: fetch vectors for decay: %w", err)
	}
	return vecs, nil
}

func (i VectorIndex) UpdateDecay(ctx context.Context, id uuid.UUID, importance float64, pruned bool) error {
	_, err := i.pool.Exec(ctx, `
		UPDATE memory_vectors SET importance = $2,
			pruned = pruned OR $3 OR (expires_at IS NOT NULL AND expires_at < now())
		WHERE id = $1
	`, id, importance, pruned)
	if err != nil {
		return fmt.Errorf("store: vector decay update: %w", err)
	}
	return nil
}
