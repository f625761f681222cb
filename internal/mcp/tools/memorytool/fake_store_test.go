package memorytool

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/modernmethod/ethos/pkg/embedgw"
	"github.com/modernmethod/ethos/pkg/store"
)

// fakeStore is a minimal in-memory store.Store, just enough to drive the
// ingest pipeline's write path, the retrieval engine's anchor search, and a
// consolidation cycle that finds nothing to do. The mutex guards against the
// ingest pipeline's background embed/link goroutine racing the test's own
// synchronous reads.
type fakeStore struct {
	mu      sync.Mutex
	vectors []store.MemoryVector
}

func newFakeStore() *fakeStore { return &fakeStore{} }

func (s *fakeStore) Sessions() store.SessionStore  { return fakeSessions{} }
func (s *fakeStore) Episodes() store.EpisodicStore { return fakeEpisodes{} }
func (s *fakeStore) Facts() store.SemanticStore    { return fakeFacts{} }
func (s *fakeStore) Vectors() store.VectorIndex    { return (*fakeVectors)(s) }
func (s *fakeStore) Graph() store.GraphStore       { return fakeGraph{} }

func (s *fakeStore) IngestEventAndVector(_ context.Context, _ store.SessionEvent, vec store.MemoryVector) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vectors = append(s.vectors, vec)
	return vec.ID, nil
}

func (s *fakeStore) Ping(context.Context) error { return nil }
func (s *fakeStore) Close()                     {}

type fakeVectors fakeStore

func (v *fakeVectors) Insert(context.Context, *store.MemoryVector) error { return nil }
func (v *fakeVectors) Get(context.Context, uuid.UUID) (*store.MemoryVector, error) {
	return nil, nil
}
func (v *fakeVectors) SetEmbedding(context.Context, uuid.UUID, []float32, string) error { return nil }

func (v *fakeVectors) CosineSearch(_ context.Context, _ []float32, k int) ([]store.VectorMatch, error) {
	fs := (*fakeStore)(v)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	matches := make([]store.VectorMatch, 0, len(fs.vectors))
	for _, mv := range fs.vectors {
		matches = append(matches, store.VectorMatch{Vector: mv, ScoreCos: 0.9})
	}
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (v *fakeVectors) FetchPendingEmbedding(context.Context, int) ([]store.MemoryVector, error) {
	return nil, nil
}
func (v *fakeVectors) ApplyLTP(context.Context, uuid.UUID) error { return nil }
func (v *fakeVectors) FetchForDecay(context.Context, int) ([]store.MemoryVector, error) {
	return nil, nil
}
func (v *fakeVectors) UpdateDecay(context.Context, uuid.UUID, float64, bool) error { return nil }

type fakeGraph struct{}

func (fakeGraph) UpsertLink(context.Context, store.MemoryGraphLink) error { return nil }
func (fakeGraph) Subgraph(context.Context, []store.NodeRef, int) ([]store.MemoryGraphLink, error) {
	return nil, nil
}

type fakeSessions struct{}

func (fakeSessions) WriteEvent(context.Context, store.SessionEvent) error { return nil }
func (fakeSessions) RecentEventExists(context.Context, time.Duration) (bool, error) {
	return false, nil
}
func (fakeSessions) GetSession(context.Context, string) (*store.Session, error) { return nil, nil }

type fakeEpisodes struct{}

func (fakeEpisodes) Insert(context.Context, *store.EpisodicTrace) error { return nil }
func (fakeEpisodes) Get(context.Context, uuid.UUID) (*store.EpisodicTrace, error) {
	return nil, nil
}
func (fakeEpisodes) CandidateScan(context.Context, int) ([]store.EpisodicTrace, error) {
	return nil, nil
}
func (fakeEpisodes) MarkConsolidated(context.Context, uuid.UUID) error { return nil }
func (fakeEpisodes) ApplyLTP(context.Context, uuid.UUID) error        { return nil }
func (fakeEpisodes) FetchForDecay(context.Context, int) ([]store.EpisodicTrace, error) {
	return nil, nil
}
func (fakeEpisodes) UpdateDecay(context.Context, uuid.UUID, float64, bool) error { return nil }

type fakeFacts struct{}

func (fakeFacts) Insert(context.Context, *store.SemanticFact) error { return nil }
func (fakeFacts) Get(context.Context, uuid.UUID) (*store.SemanticFact, error) {
	return nil, nil
}
func (fakeFacts) FindActiveByKey(context.Context, string, string) ([]store.SemanticFact, error) {
	return nil, nil
}
func (fakeFacts) Refine(context.Context, uuid.UUID, string, float64, uuid.UUID) error { return nil }
func (fakeFacts) Supersede(context.Context, uuid.UUID, uuid.UUID) error              { return nil }
func (fakeFacts) Flag(context.Context, uuid.UUID) error                              { return nil }
func (fakeFacts) ApplyLTP(context.Context, uuid.UUID) error                          { return nil }
func (fakeFacts) FetchActiveForDecay(context.Context, int) ([]store.SemanticFact, error) {
	return nil, nil
}
func (fakeFacts) UpdateDecay(context.Context, uuid.UUID, float64, float64, bool) error {
	return nil
}

// fakeProvider is a deterministic embedgw.Provider: every text maps to the
// same small fixed vector, so tests only need to assert on shape and plumbing.
type fakeProvider struct{ dims int }

var _ embedgw.Provider = fakeProvider{}

func (p fakeProvider) Embed(context.Context, string, embedgw.TaskMode) ([]float32, error) {
	return make([]float32, p.dims), nil
}

func (p fakeProvider) EmbedBatch(_ context.Context, texts []string, _ embedgw.TaskMode) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, p.dims)
	}
	return out, nil
}

func (p fakeProvider) Dimensions() int { return p.dims }
func (p fakeProvider) ModelID() string { return "fake-model" }
