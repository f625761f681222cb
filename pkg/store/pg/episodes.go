package pg

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/modernmethod/ethos/pkg/store"
)

// candidateScanPredicate mirrors spec.md §4.4 step 2 verbatim: importance or
// retrieval-count thresholds, or one of three literal phrase groups, case
// insensitive. Kept as a SQL fragment (rather than fetched-then-filtered in
// Go) so the 100-row cap is enforced by the database, not after a larger
// fetch.
const candidateScanPredicate = `
	consolidated_at IS NULL AND pruned = false AND (
		importance >= 0.8
		OR retrieval_count >= 5
		OR content ~* '(decided|let''s go with|the plan is|we''ll use|going with)'
		OR content ~* '(prefer|love|hate|always|never|favorite)'
		OR content ~* '(remember this|note that|important:)'
	)`

// EpisodicStore is the pg implementation of [store.EpisodicStore].
type EpisodicStore struct {
	pool *pgxpool.Pool
}

func (e EpisodicStore) Insert(ctx context.Context, ep *store.EpisodicTrace) error {
	if ep.ID == uuid.Nil {
		ep.ID = uuid.New()
	}
	_, err := e.pool.Exec(ctx, `
		INSERT INTO episodic_traces
			(id, session_key, agent_id, turn_index, role, content, summary, importance,
			 emotional_tone, novelty, topics, entities, created_at, consolidated_at,
			 retrieval_count, last_retrieved_at, salience, pruned)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,now(),$13,$14,$15,$16,$17)
	`, ep.ID, ep.SessionKey, ep.AgentID, ep.TurnIndex, string(ep.Role), ep.Content, ep.Summary,
		ep.Importance, ep.EmotionalTone, ep.Novelty, ep.Topics, ep.Entities, ep.ConsolidatedAt,
		ep.RetrievalCount, ep.LastRetrievedAt, ep.Salience, ep.Pruned)
	if err != nil {
		return fmt.Errorf("store: insert episode: %w", err)
	}
	return nil
}

func (e EpisodicStore) Get(ctx context.Context, id uuid.UUID) (*store.EpisodicTrace, error) {
	rows, err := e.pool.Query(ctx, episodeSelectCols+` FROM episodic_traces WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("store: get episode: %w", err)
	}
	defer rows.Close()
	return collectOneEpisode(rows)
}

func (e EpisodicStore) CandidateScan(ctx context.Context, limit int) ([]store.EpisodicTrace, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	rows, err := e.pool.Query(ctx, episodeSelectCols+` FROM episodic_traces WHERE `+candidateScanPredicate+` ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: candidate scan: %w", err)
	}
	defer rows.Close()
	return collectEpisodes(rows)
}

func (e EpisodicStore) MarkConsolidated(ctx context.Context, id uuid.UUID) error {
	_, err := e.pool.Exec(ctx, `UPDATE episodic_traces SET consolidated_at = now() WHERE id = $1 AND consolidated_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("store: mark consolidated: %w", err)
	}
	return nil
}

func (e EpisodicStore) ApplyLTP(ctx context.Context, id uuid.UUID) error {
	_, err := e.pool.Exec(ctx, `
		UPDATE episodic_traces SET
			retrieval_count = retrieval_count + 1,
			last_retrieved_at = now(),
			salience = LEAST(salience * 1.1, 1)
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("store: episode ltp: %w", err)
	}
	return nil
}

func (e EpisodicStore) FetchForDecay(ctx context.Context, limit int) ([]store.EpisodicTrace, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := e.pool.Query(ctx, episodeSelectCols+` FROM episodic_traces WHERE pruned = false ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: fetch for decay: %w", err)
	}
	defer rows.Close()
	return collectEpisodes(rows)
}

func (e EpisodicStore) UpdateDecay(ctx context.Context, id uuid.UUID, salience float64, pruned bool) error {
	_, err := e.pool.Exec(ctx, `UPDATE episodic_traces SET salience = $2, pruned = pruned OR $3 WHERE id = $1`, id, salience, pruned)
	if err != nil {
		return fmt.Errorf("store: episode decay update: %w", err)
	}
	return nil
}

const episodeSelectCols = `SELECT id, session_key, agent_id, turn_index, role, content, summary, importance,
	emotional_tone, novelty, topics, entities, created_at, consolidated_at,
	retrieval_count, last_retrieved_at, salience, pruned`

func scanEpisode(row pgx.CollectableRow) (store.EpisodicTrace, error) {
	var ep store.EpisodicTrace
	var role string
	err := row.Scan(&ep.ID, &ep.SessionKey, &ep.AgentID, &ep.TurnIndex, &role, &ep.Content, &ep.Summary,
		&ep.Importance, &ep.EmotionalTone, &ep.Novelty, &ep.Topics, &ep.Entities, &ep.CreatedAt, &ep.ConsolidatedAt,
		&ep.RetrievalCount, &ep.LastRetrievedAt, &ep.Salience, &ep.Pruned)
	ep.Role = store.Role(role)
	return ep, err
}

func collectEpisodes(rows pgx.Rows) ([]store.EpisodicTrace, error) {
	eps, err := pgx.CollectRows(rows, scanEpisode)
	if err != nil {
		return nil, fmt.Errorf("store: scan episodes: %w", err)
	}
	return eps, nil
}

func collectOneEpisode(rows pgx.Rows) (*store.EpisodicTrace, error) {
	ep, err := pgx.CollectOneRow(rows, scanEpisode)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: scan episode: %w", err)
	}
	return &ep, nil
}

func isNoRows(err error) bool {
	return err == pgx.ErrNoRows
}
