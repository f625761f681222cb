package retrieval

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/modernmethod/ethos/pkg/store"
)

// fakeStore is a minimal in-memory store.Store for exercising the retrieval
// pipeline: cosine search over a fixed vector set, a fixed edge set, and LTP
// call counters.
type fakeStore struct {
	mu       sync.Mutex
	vectors  []store.MemoryVector
	edges    []store.MemoryGraphLink
	ltpCalls map[uuid.UUID]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{ltpCalls: map[uuid.UUID]int{}}
}

func (s *fakeStore) Sessions() store.SessionStore  { return fakeSessions{} }
func (s *fakeStore) Episodes() store.EpisodicStore { return (*fakeEpisodes)(s) }
func (s *fakeStore) Facts() store.SemanticStore    { return (*fakeFacts)(s) }
func (s *fakeStore) Vectors() store.VectorIndex    { return (*fakeVectors)(s) }
func (s *fakeStore) Graph() store.GraphStore       { return (*fakeGraph)(s) }

func (s *fakeStore) IngestEventAndVector(context.Context, store.SessionEvent, store.MemoryVector) (uuid.UUID, error) {
	return uuid.Nil, nil
}
func (s *fakeStore) Ping(context.Context) error { return nil }
func (s *fakeStore) Close()                     {}

func (s *fakeStore) ltpCountFor(id uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ltpCalls[id]
}

func (s *fakeStore) recordLTP(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ltpCalls[id]++
}

type fakeVectors fakeStore

func (v *fakeVectors) Insert(context.Context, *store.MemoryVector) error { return nil }
func (v *fakeVectors) Get(context.Context, uuid.UUID) (*store.MemoryVector, error) {
	return nil, nil
}
func (v *fakeVectors) SetEmbedding(context.Context, uuid.UUID, []float32, string) error { return nil }

func (v *fakeVectors) CosineSearch(_ context.Context, query []float32, k int) ([]store.VectorMatch, error) {
	fs := (*fakeStore)(v)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	matches := make([]store.VectorMatch, 0, len(fs.vectors))
	for _, mv := range fs.vectors {
		matches = append(matches, store.VectorMatch{Vector: mv, ScoreCos: cosine(query, mv.Embedding)})
	}
	// sort desc
	for i := 0; i < len(matches); i++ {
		for j := i + 1; j < len(matches); j++ {
			if matches[j].ScoreCos > matches[i].ScoreCos {
				matches[i], matches[j] = matches[j], matches[i]
			}
		}
	}
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (sqrt(na) * sqrt(nb))
}

func sqrt(x float64) float64 {
	if x == 0 {
		return 0
	}
	z := x
	for i := 0; i < 30; i++ {
		z -= (z*z - x) / (2 * z)
	}
	return z
}

func (v *fakeVectors) FetchPendingEmbedding(context.Context, int) ([]store.MemoryVector, error) {
	return nil, nil
}
func (v *fakeVectors) ApplyLTP(_ context.Context, id uuid.UUID) error {
	(*fakeStore)(v).recordLTP(id)
	return nil
}
func (v *fakeVectors) FetchForDecay(context.Context, int) ([]store.MemoryVector, error) {
	return nil, nil
}
func (v *fakeVectors) UpdateDecay(context.Context, uuid.UUID, float64, bool) error { return nil }

type fakeGraph fakeStore

func (g *fakeGraph) UpsertLink(context.Context, store.MemoryGraphLink) error { return nil }
func (g *fakeGraph) Subgraph(_ context.Context, anchors []store.NodeRef, maxEdges int) ([]store.MemoryGraphLink, error) {
	fs := (*fakeStore)(g)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	edges := append([]store.MemoryGraphLink(nil), fs.edges...)
	if len(edges) > maxEdges {
		edges = edges[:maxEdges]
	}
	return edges, nil
}

type fakeSessions struct{}

func (fakeSessions) WriteEvent(context.Context, store.SessionEvent) error { return nil }
func (fakeSessions) RecentEventExists(context.Context, time.Duration) (bool, error) {
	return false, nil
}
func (fakeSessions) GetSession(context.Context, string) (*store.Session, error) { return nil, nil }

type fakeEpisodes fakeStore

func (e *fakeEpisodes) Insert(context.Context, *store.EpisodicTrace) error { return nil }
func (e *fakeEpisodes) Get(context.Context, uuid.UUID) (*store.EpisodicTrace, error) {
	return nil, nil
}
func (e *fakeEpisodes) CandidateScan(context.Context, int) ([]store.EpisodicTrace, error) {
	return nil, nil
}
func (e *fakeEpisodes) MarkConsolidated(context.Context, uuid.UUID) error { return nil }
func (e *fakeEpisodes) ApplyLTP(_ context.Context, id uuid.UUID) error {
	(*fakeStore)(e).recordLTP(id)
	return nil
}
func (e *fakeEpisodes) FetchForDecay(context.Context, int) ([]store.EpisodicTrace, error) {
	return nil, nil
}
func (e *fakeEpisodes) UpdateDecay(context.Context, uuid.UUID, float64, bool) error { return nil }

type fakeFacts fakeStore

func (f *fakeFacts) Insert(context.Context, *store.SemanticFact) error { return nil }
func (f *fakeFacts) Get(context.Context, uuid.UUID) (*store.SemanticFact, error) {
	return nil, nil
}
func (f *fakeFacts) FindActiveByKey(context.Context, string, string) ([]store.SemanticFact, error) {
	return nil, nil
}
func (f *fakeFacts) Refine(context.Context, uuid.UUID, string, float64, uuid.UUID) error { return nil }
func (f *fakeFacts) Supersede(context.Context, uuid.UUID, uuid.UUID) error              { return nil }
func (f *fakeFacts) Flag(context.Context, uuid.UUID) error                              { return nil }
func (f *fakeFacts) ApplyLTP(_ context.Context, id uuid.UUID) error {
	(*fakeStore)(f).recordLTP(id)
	return nil
}
func (f *fakeFacts) FetchActiveForDecay(context.Context, int) ([]store.SemanticFact, error) {
	return nil, nil
}
func (f *fakeFacts) UpdateDecay(context.Context, uuid.UUID, float64, float64, bool) error {
	return nil
}
