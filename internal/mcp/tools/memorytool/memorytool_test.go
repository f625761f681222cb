package memorytool

import (
	"context"
	"path/filepath"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/modernmethod/ethos/pkg/consolidate"
	"github.com/modernmethod/ethos/pkg/embedgw"
	"github.com/modernmethod/ethos/pkg/ingest"
	"github.com/modernmethod/ethos/pkg/retrieval"
	"github.com/modernmethod/ethos/pkg/reviewinbox"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	st := newFakeStore()
	gw := embedgw.New("fake", fakeProvider{dims: 4}, embedgw.Config{})

	ing, err := ingest.New(st, gw, ingest.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("ingest.New: %v", err)
	}
	t.Cleanup(ing.Close)

	ret := retrieval.New(st, gw, retrieval.DefaultConfig(), nil)

	inbox := reviewinbox.New(filepath.Join(t.TempDir(), "inbox.md"))
	cons := consolidate.New(st, nil, inbox, consolidate.DefaultConfig(), nil)

	return New(ing, ret, cons)
}

func TestHandleIngestQueuesAndReturnsID(t *testing.T) {
	srv := newTestServer(t)

	_, result, err := srv.handleIngest(context.Background(), nil, IngestArgs{
		Content: "the user prefers dark mode",
		Source:  "user",
	})
	if err != nil {
		t.Fatalf("handleIngest: %v", err)
	}
	if !result.Queued {
		t.Fatalf("expected Queued=true, got %+v", result)
	}
	if result.ID == "" {
		t.Fatalf("expected non-empty ID, got %+v", result)
	}
}

func TestHandleSearchReturnsIngestedHit(t *testing.T) {
	srv := newTestServer(t)

	ctx := context.Background()
	if _, _, err := srv.handleIngest(ctx, nil, IngestArgs{Content: "user likes espresso", Source: "user"}); err != nil {
		t.Fatalf("handleIngest: %v", err)
	}

	_, result, err := srv.handleSearch(ctx, nil, SearchArgs{Query: "coffee preference", Limit: 5})
	if err != nil {
		t.Fatalf("handleSearch: %v", err)
	}
	if result.Count != 1 || len(result.Results) != 1 {
		t.Fatalf("expected 1 result, got %+v", result)
	}
	hit := result.Results[0]
	if hit.Content != "user likes espresso" {
		t.Errorf("unexpected hit content: %q", hit.Content)
	}
	if hit.Source != "user" {
		t.Errorf("unexpected hit source: %q", hit.Source)
	}
	if hit.CreatedAt == "" {
		t.Errorf("expected non-empty CreatedAt")
	}
}

func TestHandleSearchEmptyStoreReturnsNoResults(t *testing.T) {
	srv := newTestServer(t)

	_, result, err := srv.handleSearch(context.Background(), nil, SearchArgs{Query: "anything", Limit: 5})
	if err != nil {
		t.Fatalf("handleSearch: %v", err)
	}
	if result.Count != 0 || len(result.Results) != 0 {
		t.Fatalf("expected no results, got %+v", result)
	}
}

func TestHandleConsolidateRunsForcedCycle(t *testing.T) {
	srv := newTestServer(t)

	toolRes, result, err := srv.handleConsolidate(context.Background(), nil, ConsolidateArgs{})
	if err != nil {
		t.Fatalf("handleConsolidate: %v", err)
	}
	if toolRes == nil || len(toolRes.Content) == 0 {
		t.Fatalf("expected non-empty tool result content")
	}
	if result.EpisodesScanned != 0 {
		t.Errorf("expected empty store to scan 0 episodes, got %d", result.EpisodesScanned)
	}
}

func TestRegisterAddsAllThreeTools(t *testing.T) {
	srv := newTestServer(t)
	mcpServer := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "ethos-test", Version: "0.0.0"}, nil)
	srv.Register(mcpServer)
}
