// Package retrieval implements the hybrid cosine-anchor + spreading-
// activation search pipeline (spec.md §4.3): embed the query, find nearest
// anchors, optionally spread activation over a bounded associative
// subgraph, combine into a final weighted score, and fire-and-forget an LTP
// update for every returned memory.
package retrieval

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/modernmethod/ethos/internal/observe"
	"github.com/modernmethod/ethos/pkg/embedgw"
	"github.com/modernmethod/ethos/pkg/ethoserr"
	"github.com/modernmethod/ethos/pkg/store"
)

// Weights are the final-scoring coefficients from spec.md §4.3 step 7. They
// must sum to 1 (enforced by config validation upstream).
type Weights struct {
	Similarity float64
	Activation float64
	Structural float64
}

// Config tunes the retrieval engine.
type Config struct {
	AnchorK           int
	SpreadingStrength float64
	Iterations        int
	Weights           Weights
	MaxSubgraphEdges  int
	LTPSemaphoreSize  int
}

// DefaultConfig returns the spec.md §6 defaults.
func DefaultConfig() Config {
	return Config{
		AnchorK:           10,
		SpreadingStrength: 0.85,
		Iterations:        3,
		Weights:           Weights{Similarity: 0.5, Activation: 0.3, Structural: 0.2},
		MaxSubgraphEdges:  500,
		LTPSemaphoreSize:  32,
	}
}

// Request is a search request (spec.md §4.3).
type Request struct {
	Query        string
	Limit        int
	UseSpreading bool
	MinScore     *float64
}

// Hit is one ranked result.
type Hit struct {
	ID        uuid.UUID
	Source    store.SourceType
	Content   string
	Score     float64
	CreatedAt time.Time
	Metadata  map[string]any
}

// Response is the engine's full response envelope.
type Response struct {
	Results []Hit
	Query   string
	Count   int
	TookMS  int64
}

// Engine is the retrieval engine. Safe for concurrent use.
type Engine struct {
	store   store.Store
	gw      *embedgw.Gateway
	cfg     Config
	metrics *observe.Metrics
	ltpSem  chan struct{}
}

// New builds an Engine.
func New(st store.Store, gw *embedgw.Gateway, cfg Config, metrics *observe.Metrics) *Engine {
	if cfg.AnchorK < 1 {
		cfg.AnchorK = 10
	}
	if cfg.Iterations < 0 {
		cfg.Iterations = 0
	}
	if cfg.LTPSemaphoreSize < 1 {
		cfg.LTPSemaphoreSize = 32
	}
	return &Engine{
		store:   st,
		gw:      gw,
		cfg:     cfg,
		metrics: metrics,
		ltpSem:  make(chan struct{}, cfg.LTPSemaphoreSize),
	}
}

// Search runs the full retrieval pipeline for req.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	ctx, span := observe.Tracer().Start(ctx, "retrieval.Search")
	defer span.End()
	start := time.Now()

	limit := req.Limit
	if limit < 1 {
		limit = 5
	}
	if limit > 20 {
		limit = 20
	}

	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, ethoserr.New(ethoserr.BadRequest, "retrieval: query must not be empty")
	}

	queryVec, err := e.gw.Embed(ctx, query, embedgw.TaskQuery)
	if err != nil || queryVec == nil {
		if e.metrics != nil {
			e.metrics.RecordRetrieval(ctx, "embedding_unavailable")
		}
		if err == nil {
			err = ethoserr.New(ethoserr.EmbeddingUnavailable, "retrieval: query embedding unavailable")
		}
		return nil, ethoserr.Wrap(ethoserr.EmbeddingUnavailable, "retrieval: embed query", err)
	}

	anchors, err := e.store.Vectors().CosineSearch(ctx, queryVec, e.cfg.AnchorK)
	if err != nil {
		if e.metrics != nil {
			e.metrics.RecordStoreError(ctx, "cosine_search")
			e.metrics.RecordRetrieval(ctx, "store_error")
		}
		return nil, ethoserr.Wrap(ethoserr.StoreError, "retrieval: cosine search", err)
	}

	var hits []Hit
	if !req.UseSpreading {
		hits = anchorsOnly(anchors, limit)
	} else {
		hits, err = e.spreadAndScore(ctx, anchors, limit)
		if err != nil {
			if e.metrics != nil {
				e.metrics.RecordStoreError(ctx, "subgraph")
				e.metrics.RecordRetrieval(ctx, "store_error")
			}
			return nil, ethoserr.Wrap(ethoserr.StoreError, "retrieval: subgraph fetch", err)
		}
	}

	if req.MinScore != nil {
		hits = filterMinScore(hits, *req.MinScore)
	}

	e.dispatchLTP(hits)

	if e.metrics != nil {
		e.metrics.RecordRetrieval(ctx, "ok")
		e.metrics.RetrievalDuration.Record(ctx, time.Since(start).Seconds())
	}

	return &Response{
		Results: hits,
		Query:   query,
		Count:   len(hits),
		TookMS:  time.Since(start).Milliseconds(),
	}, nil
}

// anchorsOnly implements spec.md §4.3 step 5: no spreading, top `limit`
// anchors by cosine score, ties broken by newer created_at.
func anchorsOnly(anchors []store.VectorMatch, limit int) []Hit {
	sort.SliceStable(anchors, func(i, j int) bool {
		if anchors[i].ScoreCos != anchors[j].ScoreCos {
			return anchors[i].ScoreCos > anchors[j].ScoreCos
		}
		return anchors[i].Vector.CreatedAt.After(anchors[j].Vector.CreatedAt)
	})
	if len(anchors) > limit {
		anchors = anchors[:limit]
	}
	hits := make([]Hit, len(anchors))
	for i, a := range anchors {
		hits[i] = hitFromVector(a.Vector, a.ScoreCos)
	}
	return hits
}

// node identifies a candidate in the activation map. Anchors are addressed
// by their vector's (source type, source id) reference, since spreading
// activation operates over MemoryVector source references (spec.md §4.3
// step 6).
type node struct {
	ref store.NodeRef
	mv  *store.MemoryVector
}

// spreadAndScore implements spec.md §4.3 steps 6-7.
func (e *Engine) spreadAndScore(ctx context.Context, anchors []store.VectorMatch, limit int) ([]Hit, error) {
	anchorRefs := make([]store.NodeRef, 0, len(anchors))
	activation := map[store.NodeRef]float64{}
	byRef := map[store.NodeRef]*node{}

	for i := range anchors {
		mv := anchors[i].Vector
		ref := store.NodeRef{Type: mv.SourceType, ID: mv.SourceID}
		anchorRefs = append(anchorRefs, ref)
		activation[ref] = anchors[i].ScoreCos
		byRef[ref] = &node{ref: ref, mv: &anchors[i].Vector}
	}

	if e.cfg.SpreadingStrength > 0 && e.cfg.Iterations > 0 {
		edges, err := e.store.Graph().Subgraph(ctx, anchorRefs, e.cfg.MaxSubgraphEdges)
		if err != nil {
			return nil, err
		}
		activation = spreadActivation(activation, edges, e.cfg.SpreadingStrength, e.cfg.Iterations)

		inDegree := computeInDegree(edges)
		maxInDegree := 0
		for _, d := range inDegree {
			if d > maxInDegree {
				maxInDegree = d
			}
		}

		hits := make([]Hit, 0, len(activation))
		for ref, act := range activation {
			n, ok := byRef[ref]
			scoreCos := 0.0
			if ok {
				scoreCos = anchorScoreOf(anchors, ref)
			}
			structural := 0.0
			if maxInDegree > 0 {
				structural = float64(inDegree[ref]) / float64(maxInDegree)
			}
			final := e.cfg.Weights.Similarity*scoreCos + e.cfg.Weights.Activation*act + e.cfg.Weights.Structural*structural

			if n != nil && n.mv != nil {
				hits = append(hits, hitFromVector(*n.mv, final))
			} else {
				// A neighbor activated purely via the graph, with no fetched
				// vector row (edges reference arbitrary NodeRefs, not just
				// vectors); skip it rather than emit a hit with no content.
				continue
			}
		}
		sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
		if len(hits) > limit {
			hits = hits[:limit]
		}
		return hits, nil
	}

	// spreading_strength == 0 (or iterations == 0) collapses to anchors only.
	return anchorsOnly(anchors, limit), nil
}

func anchorScoreOf(anchors []store.VectorMatch, ref store.NodeRef) float64 {
	for _, a := range anchors {
		if a.Vector.SourceType == ref.Type && a.Vector.SourceID == ref.ID {
			return a.ScoreCos
		}
	}
	return 0
}

// spreadActivation runs exactly iterations rounds of double-buffered
// propagation: activation[i] is computed purely from activation[i-1], per
// spec.md §4.3 step 6.
func spreadActivation(initial map[store.NodeRef]float64, edges []store.MemoryGraphLink, strength float64, iterations int) map[store.NodeRef]float64 {
	adjacency := map[store.NodeRef][]store.MemoryGraphLink{}
	for _, edge := range edges {
		adjacency[edge.From] = append(adjacency[edge.From], edge)
	}

	current := make(map[store.NodeRef]float64, len(initial))
	for k, v := range initial {
		current[k] = v
	}

	for i := 0; i < iterations; i++ {
		next := make(map[store.NodeRef]float64, len(current))
		for k, v := range current {
			next[k] = v
		}
		for n, act := range current {
			if act <= 0 {
				continue
			}
			for _, edge := range adjacency[n] {
				next[edge.To] += act * edge.Weight * strength
			}
		}
		current = next
	}
	return current
}

func computeInDegree(edges []store.MemoryGraphLink) map[store.NodeRef]int {
	deg := map[store.NodeRef]int{}
	for _, e := range edges {
		deg[e.To]++
	}
	return deg
}

func filterMinScore(hits []Hit, minScore float64) []Hit {
	out := hits[:0]
	for _, h := range hits {
		if h.Score >= minScore {
			out = append(out, h)
		}
	}
	return out
}

func hitFromVector(mv store.MemoryVector, score float64) Hit {
	return Hit{
		ID:        mv.SourceID,
		Source:    mv.SourceType,
		Content:   mv.ContentSnippet,
		Score:     score,
		CreatedAt: mv.CreatedAt,
	}
}

// dispatchLTP schedules a fire-and-forget retrieval-event record for every
// returned hit (spec.md §4.3 step 8). Failures are logged, never surfaced.
func (e *Engine) dispatchLTP(hits []Hit) {
	for _, h := range hits {
		h := h
		select {
		case e.ltpSem <- struct{}{}:
		default:
			// Semaphore saturated: this update is cheap but not free; drop
			// rather than block the response (spec.md §5).
			continue
		}
		go func() {
			defer func() { <-e.ltpSem }()
			ctx := context.Background()
			var err error
			switch h.Source {
			case store.SourceEpisode:
				err = e.store.Episodes().ApplyLTP(ctx, h.ID)
			case store.SourceFact:
				err = e.store.Facts().ApplyLTP(ctx, h.ID)
			default:
				err = e.store.Vectors().ApplyLTP(ctx, h.ID)
			}
			if err != nil {
				observe.Logger(ctx).Warn("retrieval: LTP update failed", "id", h.ID, "source", h.Source, "err", err)
			}
		}()
	}
}
