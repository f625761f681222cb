// Package transport implements the six request verbs spec.md §6 requires
// every external surface to expose (ping, health, ingest, search, embed,
// consolidate), independent of wire format. transport/socket and
// transport/http are thin codecs around the same [Core].
package transport

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/modernmethod/ethos/pkg/consolidate"
	"github.com/modernmethod/ethos/pkg/embedgw"
	"github.com/modernmethod/ethos/pkg/ethoserr"
	"github.com/modernmethod/ethos/pkg/ingest"
	"github.com/modernmethod/ethos/pkg/retrieval"
	"github.com/modernmethod/ethos/pkg/store"
)

// Verb names recognised by Core.Dispatch, shared by every adapter.
const (
	VerbPing        = "ping"
	VerbHealth      = "health"
	VerbIngest      = "ingest"
	VerbSearch      = "search"
	VerbEmbed       = "embed"
	VerbConsolidate = "consolidate"
)

// Envelope is the canonical response shape every external surface returns
// (spec.md §6): `status`, `data` on success, `error` on failure, `version`.
// Socket frames and HTTP bodies marshal the same struct with different
// codecs (msgpack and JSON respectively).
type Envelope struct {
	Status  string `json:"status" msgpack:"status"`
	Data    any    `json:"data,omitempty" msgpack:"data,omitempty"`
	Error   string `json:"error,omitempty" msgpack:"error,omitempty"`
	Version string `json:"version" msgpack:"version"`
}

// Core implements every request verb's business logic. It holds no
// connection state of its own; transport/socket and transport/http each
// construct one Core and reuse it across every connection/request.
type Core struct {
	Ingest      *ingest.Pipeline
	Retrieval   *retrieval.Engine
	Consolidate *consolidate.Loop
	Store       store.Store
	Gateway     *embedgw.Gateway
	Version     string
}

// Dispatch runs verb against payload and always returns a populated
// Envelope: errors are folded into Envelope.Error/Status, since every
// adapter's remaining job is just to serialize this value on the wire.
func (c *Core) Dispatch(ctx context.Context, verb string, payload map[string]any) Envelope {
	data, err := c.handle(ctx, verb, payload)
	if err != nil {
		return Envelope{Status: "error", Error: err.Error(), Version: c.Version}
	}
	return Envelope{Status: "ok", Data: data, Version: c.Version}
}

func (c *Core) handle(ctx context.Context, verb string, payload map[string]any) (any, error) {
	switch verb {
	case VerbPing:
		return map[string]any{"pong": true}, nil
	case VerbHealth:
		return c.health(ctx), nil
	case VerbIngest:
		return c.doIngest(ctx, payload)
	case VerbSearch:
		return c.doSearch(ctx, payload)
	case VerbEmbed:
		return c.doEmbed(ctx, payload)
	case VerbConsolidate:
		return c.doConsolidate(ctx)
	default:
		return nil, ethoserr.New(ethoserr.BadRequest, "unknown verb "+verb)
	}
}

type healthResult struct {
	Status     string `json:"status" msgpack:"status"`
	Postgresql string `json:"postgresql" msgpack:"postgresql"`
	Pgvector   string `json:"pgvector" msgpack:"pgvector"`
	Socket     string `json:"socket" msgpack:"socket"`
}

func (c *Core) health(ctx context.Context) healthResult {
	pg := "ok"
	if err := c.Store.Ping(ctx); err != nil {
		pg = "error: " + err.Error()
	}
	status := "healthy"
	if pg != "ok" {
		status = "degraded"
	}
	// pgvector shares the same connection pool as the relational tables, so
	// a successful Ping covers both; there is no separate extension probe.
	return healthResult{Status: status, Postgresql: pg, Pgvector: pg, Socket: "ok"}
}

type ingestResult struct {
	Queued bool      `json:"queued" msgpack:"queued"`
	ID     uuid.UUID `json:"id" msgpack:"id"`
}

func (c *Core) doIngest(ctx context.Context, payload map[string]any) (any, error) {
	content, _ := payload["content"].(string)
	source, _ := payload["source"].(string)
	metadata, _ := payload["metadata"].(map[string]any)

	res, err := c.Ingest.Ingest(ctx, ingest.Request{Content: content, Source: source, Metadata: metadata})
	if err != nil {
		return nil, err
	}
	return ingestResult{Queued: true, ID: res.VectorID}, nil
}

type searchHit struct {
	ID        uuid.UUID      `json:"id" msgpack:"id"`
	Source    string         `json:"source" msgpack:"source"`
	Content   string         `json:"content" msgpack:"content"`
	Score     float64        `json:"score" msgpack:"score"`
	CreatedAt time.Time      `json:"created_at" msgpack:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
}

type searchResult struct {
	Results []searchHit `json:"results" msgpack:"results"`
	Query   string      `json:"query" msgpack:"query"`
	Count   int         `json:"count" msgpack:"count"`
	TookMS  int64       `json:"took_ms" msgpack:"took_ms"`
}

func (c *Core) doSearch(ctx context.Context, payload map[string]any) (any, error) {
	query, _ := payload["query"].(string)
	req := retrieval.Request{Query: query}
	if limit, ok := numberField(payload, "limit"); ok {
		req.Limit = int(limit)
	}
	if spread, ok := payload["use_spreading"].(bool); ok {
		req.UseSpreading = spread
	}
	if minScore, ok := numberField(payload, "min_score"); ok {
		req.MinScore = &minScore
	}

	resp, err := c.Retrieval.Search(ctx, req)
	if err != nil {
		return nil, err
	}
	out := searchResult{Query: resp.Query, Count: resp.Count, TookMS: resp.TookMS}
	for _, h := range resp.Results {
		out.Results = append(out.Results, searchHit{
			ID:        h.ID,
			Source:    string(h.Source),
			Content:   h.Content,
			Score:     h.Score,
			CreatedAt: h.CreatedAt,
			Metadata:  h.Metadata,
		})
	}
	return out, nil
}

type embedResult struct {
	ID       uuid.UUID `json:"id" msgpack:"id"`
	Embedded bool      `json:"embedded" msgpack:"embedded"`
}

// doEmbed implements the manual embed_by_id re-fill verb (spec.md §4.2): a
// no-op if the vector already carries an embedding.
func (c *Core) doEmbed(ctx context.Context, payload map[string]any) (any, error) {
	idStr, _ := payload["id"].(string)
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, ethoserr.New(ethoserr.BadRequest, "embed: invalid id "+idStr)
	}

	vec, err := c.Store.Vectors().Get(ctx, id)
	if err != nil {
		return nil, ethoserr.Wrap(ethoserr.StoreError, "embed: lookup", err)
	}
	if vec == nil {
		return nil, ethoserr.New(ethoserr.NotFound, "embed: no such vector "+idStr)
	}
	if vec.Embedding != nil {
		return embedResult{ID: id, Embedded: true}, nil
	}

	embedding, err := c.Gateway.Embed(ctx, vec.ContentSnippet, embedgw.TaskDocument)
	if err != nil {
		return nil, err
	}
	if embedding == nil {
		return embedResult{ID: id, Embedded: false}, nil
	}
	if err := c.Store.Vectors().SetEmbedding(ctx, id, embedding, c.Gateway.ModelID()); err != nil {
		return nil, ethoserr.Wrap(ethoserr.StoreError, "embed: persist", err)
	}
	return embedResult{ID: id, Embedded: true}, nil
}

type consolidateResult struct {
	EpisodesScanned  int     `json:"episodes_scanned" msgpack:"episodes_scanned"`
	EpisodesPromoted int     `json:"episodes_promoted" msgpack:"episodes_promoted"`
	FactsCreated     int     `json:"facts_created" msgpack:"facts_created"`
	FactsRefined     int     `json:"facts_refined" msgpack:"facts_refined"`
	FactsSuperseded  int     `json:"facts_superseded" msgpack:"facts_superseded"`
	FactsFlagged     int     `json:"facts_flagged" msgpack:"facts_flagged"`
	VectorsPruned    int     `json:"vectors_pruned" msgpack:"vectors_pruned"`
	EpisodesPruned   int     `json:"episodes_pruned" msgpack:"episodes_pruned"`
	FactsPruned      int     `json:"facts_pruned" msgpack:"facts_pruned"`
	DurationMS       float64 `json:"duration_ms" msgpack:"duration_ms"`
	Skipped          bool    `json:"skipped" msgpack:"skipped"`
	SkipReason       string  `json:"skip_reason,omitempty" msgpack:"skip_reason,omitempty"`
}

// doConsolidate runs an on-demand cycle, ignoring the idle gate. The
// session/reason fields spec.md §6 allows on this verb are accepted by every
// adapter's payload but unused here: the consolidation loop scans candidates
// engine-wide, not per session.
func (c *Core) doConsolidate(ctx context.Context) (any, error) {
	report, err := c.Consolidate.RunCycle(ctx, true)
	if err != nil {
		return nil, err
	}
	return consolidateResult{
		EpisodesScanned:  report.EpisodesScanned,
		EpisodesPromoted: report.EpisodesPromoted,
		FactsCreated:     report.FactsCreated,
		FactsRefined:     report.FactsRefined,
		FactsSuperseded:  report.FactsSuperseded,
		FactsFlagged:     report.FactsFlagged,
		VectorsPruned:    report.VectorsPruned,
		EpisodesPruned:   report.EpisodesPruned,
		FactsPruned:      report.FactsPruned,
		DurationMS:       float64(report.Duration.Microseconds()) / 1000,
		Skipped:          report.Skipped,
		SkipReason:       report.SkipReason,
	}, nil
}

// numberField extracts a float64 from payload[key], accepting the numeric
// types a msgpack or JSON decode is likely to produce.
func numberField(payload map[string]any, key string) (float64, bool) {
	switch v := payload[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	default:
		return 0, false
	}
}
