// Package memorytool exposes Ethos's ingest, search, and consolidate verbs
// as MCP tools, for agent runtimes that prefer the Model Context Protocol
// over the raw socket/HTTP surface (spec.md §6). It is additive: the
// socket and HTTP transports remain the primary, required interfaces.
package memorytool

import (
	"context"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/modernmethod/ethos/pkg/consolidate"
	"github.com/modernmethod/ethos/pkg/ingest"
	"github.com/modernmethod/ethos/pkg/retrieval"
)

// Server owns the three memory-engine handles a registered tool set calls
// into. It holds no state of its own beyond those references.
type Server struct {
	ingest      *ingest.Pipeline
	retrieval   *retrieval.Engine
	consolidate *consolidate.Loop
}

// New builds a Server around the engine's already-constructed components.
func New(ing *ingest.Pipeline, ret *retrieval.Engine, cons *consolidate.Loop) *Server {
	return &Server{ingest: ing, retrieval: ret, consolidate: cons}
}

// Register adds the ingest/search/consolidate tools to srv.
func (s *Server) Register(srv *mcpsdk.Server) {
	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "ingest",
		Description: "Write a conversation turn into Ethos's memory engine. Returns immediately; embedding happens in the background.",
	}, s.handleIngest)

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "search",
		Description: "Retrieve contextually relevant memories for a query via cosine similarity and optional graph spreading activation.",
	}, s.handleSearch)

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "consolidate",
		Description: "Run an on-demand consolidation cycle: promote episodic traces to semantic facts and sweep decay, ignoring the idle gate.",
	}, s.handleConsolidate)
}

// ─────────────────────────────────────────────────────────────────────────
// ingest
// ─────────────────────────────────────────────────────────────────────────

// IngestArgs is the JSON-decoded input for the "ingest" tool.
type IngestArgs struct {
	Content  string         `json:"content" jsonschema:"The raw turn content to store"`
	Source   string         `json:"source" jsonschema:"Who produced the turn: user, assistant, system, or tool"`
	Metadata map[string]any `json:"metadata,omitempty" jsonschema:"Arbitrary metadata; session_id and agent_id are recognised keys"`
}

// IngestResult is the JSON-encoded output of the "ingest" tool.
type IngestResult struct {
	Queued bool   `json:"queued"`
	ID     string `json:"id"`
}

func (s *Server) handleIngest(ctx context.Context, _ *mcpsdk.CallToolRequest, args IngestArgs) (*mcpsdk.CallToolResult, IngestResult, error) {
	res, err := s.ingest.Ingest(ctx, ingest.Request{Content: args.Content, Source: args.Source, Metadata: args.Metadata})
	if err != nil {
		return nil, IngestResult{}, err
	}
	out := IngestResult{Queued: true, ID: res.VectorID.String()}
	return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: fmt.Sprintf("queued %s", out.ID)}}}, out, nil
}

// ─────────────────────────────────────────────────────────────────────────
// search
// ─────────────────────────────────────────────────────────────────────────

// SearchArgs is the JSON-decoded input for the "search" tool.
type SearchArgs struct {
	Query        string   `json:"query" jsonschema:"The natural-language search query"`
	Limit        int      `json:"limit,omitempty" jsonschema:"Maximum results, clamped to [1,20]; default 5"`
	UseSpreading bool     `json:"use_spreading,omitempty" jsonschema:"Whether to spread activation across the associative graph"`
	MinScore     *float64 `json:"min_score,omitempty" jsonschema:"Optional minimum score filter"`
}

// SearchHit is one ranked result in SearchResult.
type SearchHit struct {
	ID        string         `json:"id"`
	Source    string         `json:"source"`
	Content   string         `json:"content"`
	Score     float64        `json:"score"`
	CreatedAt string         `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SearchResult is the JSON-encoded output of the "search" tool.
type SearchResult struct {
	Results []SearchHit `json:"results"`
	Query   string      `json:"query"`
	Count   int         `json:"count"`
	TookMS  int64       `json:"took_ms"`
}

func (s *Server) handleSearch(ctx context.Context, _ *mcpsdk.CallToolRequest, args SearchArgs) (*mcpsdk.CallToolResult, SearchResult, error) {
	resp, err := s.retrieval.Search(ctx, retrieval.Request{
		Query:        args.Query,
		Limit:        args.Limit,
		UseSpreading: args.UseSpreading,
		MinScore:     args.MinScore,
	})
	if err != nil {
		return nil, SearchResult{}, err
	}

	out := SearchResult{Query: resp.Query, Count: resp.Count, TookMS: resp.TookMS}
	for _, h := range resp.Results {
		out.Results = append(out.Results, SearchHit{
			ID:        h.ID.String(),
			Source:    string(h.Source),
			Content:   h.Content,
			Score:     h.Score,
			CreatedAt: h.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
			Metadata:  h.Metadata,
		})
	}
	return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: fmt.Sprintf("%d results", out.Count)}}}, out, nil
}

// ─────────────────────────────────────────────────────────────────────────
// consolidate
// ─────────────────────────────────────────────────────────────────────────

// ConsolidateArgs is the JSON-decoded input for the "consolidate" tool. It
// takes no parameters but is kept as a struct so the schema is well-formed.
type ConsolidateArgs struct{}

// ConsolidateResult mirrors consolidate.Report for MCP callers.
type ConsolidateResult struct {
	EpisodesScanned  int     `json:"episodes_scanned"`
	EpisodesPromoted int     `json:"episodes_promoted"`
	FactsCreated     int     `json:"facts_created"`
	FactsRefined     int     `json:"facts_refined"`
	FactsSuperseded  int     `json:"facts_superseded"`
	FactsFlagged     int     `json:"facts_flagged"`
	VectorsPruned    int     `json:"vectors_pruned"`
	EpisodesPruned   int     `json:"episodes_pruned"`
	FactsPruned      int     `json:"facts_pruned"`
	DurationMS       float64 `json:"duration_ms"`
}

func (s *Server) handleConsolidate(ctx context.Context, _ *mcpsdk.CallToolRequest, _ ConsolidateArgs) (*mcpsdk.CallToolResult, ConsolidateResult, error) {
	report, err := s.consolidate.RunCycle(ctx, true)
	if err != nil {
		return nil, ConsolidateResult{}, err
	}
	out := ConsolidateResult{
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
	}
	return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: fmt.Sprintf("promoted %d episodes", out.EpisodesPromoted)}}}, out, nil
}
