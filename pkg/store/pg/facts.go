package pg

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/modernmethod/ethos/pkg/store"
)

// SemanticStore is the pg implementation of [store.SemanticStore].
type SemanticStore struct {
	pool *pgxpool.Pool
}

const factSelectCols = `SELECT id, kind, statement, subject, predicate, object, topics, confidence,
	retrieval_count, last_retrieved_at, superseded_by, flagged_for_review, source_episodes,
	source_agent, created_at, updated_at, salience, pruned`

func scanFact(row pgx.CollectableRow) (store.SemanticFact, error) {
	var f store.SemanticFact
	var kind string
	err := row.Scan(&f.ID, &kind, &f.Statement, &f.Subject, &f.Predicate, &f.Object, &f.Topics,
		&f.Confidence, &f.RetrievalCount, &f.LastRetrievedAt, &f.SupersededBy, &f.FlaggedForReview,
		&f.SourceEpisodes, &f.SourceAgent, &f.CreatedAt, &f.UpdatedAt, &f.Salience, &f.Pruned)
	f.Kind = store.FactKind(kind)
	return f, err
}

func (s SemanticStore) Insert(ctx context.Context, f *store.SemanticFact) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO semantic_facts
			(id, kind, statement, subject, predicate, object, topics, confidence,
			 retrieval_count, last_retrieved_at, superseded_by, flagged_for_review,
			 source_episodes, source_agent, created_at, updated_at, salience, pruned)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,now(),now(),$15,$16)
	`, f.ID, string(f.Kind), f.Statement, f.Subject, f.Predicate, f.Object, f.Topics, f.Confidence,
		f.RetrievalCount, f.LastRetrievedAt, f.SupersededBy, f.FlaggedForReview, f.SourceEpisodes,
		f.SourceAgent, f.Salience, f.Pruned)
	if err != nil {
		return fmt.Errorf("store: insert fact: %w", err)
	}
	return nil
}

func (s SemanticStore) Get(ctx context.Context, id uuid.UUID) (*store.SemanticFact, error) {
	rows, err := s.pool.Query(ctx, factSelectCols+` FROM semantic_facts WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("store: get fact: %w", err)
	}
	defer rows.Close()
	f, err := pgx.CollectOneRow(rows, scanFact)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get fact: %w", err)
	}
	return &f, nil
}

// FindActiveByKey is the conflict-resolution lookup: active facts (not
// superseded, not pruned) sharing (subject, predicate).
func (s SemanticStore) FindActiveByKey(ctx context.Context, subject, predicate string) ([]store.SemanticFact, error) {
	rows, err := s.pool.Query(ctx, factSelectCols+`
		FROM semantic_facts
		WHERE subject = $1 AND predicate = $2 AND superseded_by IS NULL AND pruned = false
	`, subject, predicate)
	if err != nil {
		return nil, fmt.Errorf("store: find active facts: %w", err)
	}
	defer rows.Close()
	facts, err := pgx.CollectRows(rows, scanFact)
	if err != nil {
		return nil, fmt.Errorf("store: find active facts: %w", err)
	}
	return facts, nil
}

func (s SemanticStore) Refine(ctx context.Context, id uuid.UUID, object string, confidenceBump float64, newSourceEpisode uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE semantic_facts SET
			object = $2,
			confidence = LEAST(confidence + $3, 1),
			source_episodes = array_append(source_episodes, $4),
			updated_at = now()
		WHERE id = $1
	`, id, object, confidenceBump, newSourceEpisode)
	if err != nil {
		return fmt.Errorf("store: refine fact: %w", err)
	}
	return nil
}

func (s SemanticStore) Supersede(ctx context.Context, oldID, newID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE semantic_facts SET superseded_by = $2, updated_at = now() WHERE id = $1`, oldID, newID)
	if err != nil {
		return fmt.Errorf("store: supersede fact: %w", err)
	}
	return nil
}

func (s SemanticStore) Flag(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE semantic_facts SET flagged_for_review = true, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: flag fact: %w", err)
	}
	return nil
}

func (s SemanticStore) ApplyLTP(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE semantic_facts SET
			retrieval_count = retrieval_count + 1,
			last_retrieved_at = now(),
			confidence = LEAST(confidence + 0.02, 1),
			salience = LEAST(salience * 1.1, 1)
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("store: fact ltp: %w", err)
	}
	return nil
}

func (s SemanticStore) FetchActiveForDecay(ctx context.Context, limit int) ([]store.SemanticFact, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, factSelectCols+`
		FROM semantic_facts WHERE superseded_by IS NULL AND pruned = false ORDER BY id LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: fetch facts for decay: %w", err)
	}
	defer rows.Close()
	facts, err := pgx.CollectRows(rows, scanFact)
	if err != nil {
		return nil, fmt.Errorf("store: fetch facts for decay: %w", err)
	}
	return facts, nil
}

func (s SemanticStore) UpdateDecay(ctx context.Context, id uuid.UUID, confidence, salience float64, pruned bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE semantic_facts SET confidence = $2, salience = $3, pruned = pruned OR $4, updated_at = now()
		WHERE id = $1
	`, id, confidence, salience, pruned)
	if err != nil {
		return fmt.Errorf("store: fact decay update: %w", err)
	}
	return nil
}
