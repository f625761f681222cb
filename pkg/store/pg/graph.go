package pg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/modernmethod/ethos/pkg/store"
)

// GraphStore is the pg implementation of [store.GraphStore].
type GraphStore struct {
	pool *pgxpool.Pool
}

// UpsertLink inserts a new edge or strengthens an existing one. The incoming
// weight is clamped to [0,1]; on conflict the stored weight becomes the
// greater of the stored and incoming weight, so a concurrent weaker write
// never regresses a stronger one.
func (g GraphStore) UpsertLink(ctx context.Context, link store.MemoryGraphLink) error {
	weight := link.Weight
	if weight < 0 {
		weight = 0
	}
	if weight > 1 {
		weight = 1
	}
	_, err := g.pool.Exec(ctx, `
		INSERT INTO memory_graph_links (from_type, from_id, to_type, to_id, relation, weight, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now(),now())
		ON CONFLICT (from_type, from_id, to_type, to_id, relation) DO UPDATE SET
			weight = GREATEST(memory_graph_links.weight, LEAST($6, 1)),
			updated_at = now()
	`, string(link.From.Type), link.From.ID, string(link.To.Type), link.To.ID, string(link.Relation), weight)
	if err != nil {
		return fmt.Errorf("store: upsert link: %w", err)
	}
	return nil
}

// Subgraph returns up to maxEdges outbound edges from any of the given
// anchors. Bounding the edge count here — rather than in the caller — keeps
// the 500-edge cap from spec.md §4.3 step 6 enforced at the query level.
func (g GraphStore) Subgraph(ctx context.Context, anchors []store.NodeRef, maxEdges int) ([]store.MemoryGraphLink, error) {
	if len(anchors) == 0 {
		return nil, nil
	}
	if maxEdges <= 0 || maxEdges > 500 {
		maxEdges = 500
	}

	fromTypes := make([]string, len(anchors))
	fromIDs := make([]string, len(anchors))
	for idx, a := range anchors {
		fromTypes[idx] = string(a.Type)
		fromIDs[idx] = a.ID.String()
	}

	rows, err := g.pool.Query(ctx, `
		SELECT from_type, from_id, to_type, to_id, relation, weight, created_at, updated_at
		FROM memory_graph_links
		WHERE (from_type, from_id) IN (
			SELECT * FROM unnest($1::text[], $2::uuid[])
		)
		ORDER BY weight DESC
		LIMIT $3
	`, fromTypes, fromIDs, maxEdges)
	if err != nil {
		return nil, fmt.Errorf("store: subgraph: %w", err)
	}
	defer rows.Close()

	links, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.MemoryGraphLink, error) {
		var l store.MemoryGraphLink
		var fromType, toType, relation string
		err := row.Scan(&fromType, &l.From.ID, &toType, &l.To.ID, &relation, &l.Weight, &l.CreatedAt, &l.UpdatedAt)
		l.From.Type = store.SourceType(fromType)
		l.To.Type = store.SourceType(toType)
		l.Relation = store.RelationTag(relation)
		return l, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: subgraph: %w", err)
	}
	return links, nil
}
