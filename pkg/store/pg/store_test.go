package pg_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/modernmethod/ethos/pkg/store"
	"github.com/modernmethod/ethos/pkg/store/pg"
)

const testDimension = 8

// testDSN returns the test database DSN from the environment, or skips the
// test if ETHOS_TEST_POSTGRES_DSN is not set. Exercising the real schema and
// cosine query requires a live pgvector-enabled Postgres; these tests are
// integration tests, not unit tests.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("ETHOS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ETHOS_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T) *pg.Store {
	t.Helper()
	ctx := context.Background()
	s, err := pg.New(ctx, testDSN(t), testDimension)
	if err != nil {
		t.Fatalf("pg.New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestIngestEventAndVector_Atomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := store.SessionEvent{
		ID:         "01J00000000000000000000000",
		SessionKey: "test-session",
		AgentID:    "ethos",
		Role:       store.RoleUser,
		Content:    "hello world",
	}
	vec := store.MemoryVector{
		SourceType:     store.SourceRaw,
		Dimension:      testDimension,
		Importance:     0.5,
		ContentSnippet: ev.Content,
	}

	id, err := s.IngestEventAndVector(ctx, ev, vec)
	if err != nil {
		t.Fatalf("IngestEventAndVector: %v", err)
	}
	if id == uuid.Nil {
		t.Fatal("expected non-nil vector id")
	}

	got, err := s.Vectors().Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("expected vector row to exist")
	}
	if got.Embedding != nil {
		t.Error("expected NULL embedding on freshly ingested vector")
	}
}

func TestCandidateScan_MatchesDecisionPhrase(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ep := &store.EpisodicTrace{
		SessionKey: "test-session",
		AgentID:    "ethos",
		Role:       store.RoleUser,
		Content:    "We decided to use BMAD Method for all projects",
		Importance: 0.6,
		Salience:   1,
	}
	if err := s.Episodes().Insert(ctx, ep); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	candidates, err := s.Episodes().CandidateScan(ctx, 100)
	if err != nil {
		t.Fatalf("CandidateScan: %v", err)
	}
	found := false
	for _, c := range candidates {
		if c.ID == ep.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("expected episode with a decision phrase to be a consolidation candidate")
	}

	if err := s.Episodes().MarkConsolidated(ctx, ep.ID); err != nil {
		t.Fatalf("MarkConsolidated: %v", err)
	}
	after, err := s.Episodes().CandidateScan(ctx, 100)
	if err != nil {
		t.Fatalf("CandidateScan after consolidation: %v", err)
	}
	for _, c := range after {
		if c.ID == ep.ID {
			t.Fatal("consolidated episode must not be re-scanned")
		}
	}
}

func TestGraphUpsertLink_HebbianStrengthening(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	from := store.NodeRef{Type: store.SourceEpisode, ID: uuid.New()}
	to := store.NodeRef{Type: store.SourceEpisode, ID: uuid.New()}

	if err := s.Graph().UpsertLink(ctx, store.MemoryGraphLink{From: from, To: to, Relation: store.RelationSimilarity, Weight: 0.6}); err != nil {
		t.Fatalf("UpsertLink: %v", err)
	}
	if err := s.Graph().UpsertLink(ctx, store.MemoryGraphLink{From: from, To: to, Relation: store.RelationSimilarity, Weight: 0.5}); err != nil {
		t.Fatalf("UpsertLink (weaker): %v", err)
	}

	edges, err := s.Graph().Subgraph(ctx, []store.NodeRef{from}, 500)
	if err != nil {
		t.Fatalf("Subgraph: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("expected exactly 1 edge, got %d", len(edges))
	}
	if edges[0].Weight != 0.6 {
		t.Errorf("weight = %v, want 0.6 (weaker write must not regress it)", edges[0].Weight)
	}

	if err := s.Graph().UpsertLink(ctx, store.MemoryGraphLink{From: from, To: to, Relation: store.RelationSimilarity, Weight: 0.9}); err != nil {
		t.Fatalf("UpsertLink (stronger): %v", err)
	}
	edges, err = s.Graph().Subgraph(ctx, []store.NodeRef{from}, 500)
	if err != nil {
		t.Fatalf("Subgraph: %v", err)
	}
	if edges[0].Weight != 0.9 {
		t.Errorf("weight = %v, want 0.9 after stronger write", edges[0].Weight)
	}
}
