package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/modernmethod/ethos/pkg/store"
)

// fakeStore is a minimal in-memory store.Store sufficient to exercise the
// ingest pipeline's write, embed-fill, and link-build paths.
type fakeStore struct {
	mu       sync.Mutex
	events   []store.SessionEvent
	vectors  map[uuid.UUID]*store.MemoryVector
	links    []store.MemoryGraphLink
	failWrite bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{vectors: map[uuid.UUID]*store.MemoryVector{}}
}

func (s *fakeStore) Sessions() store.SessionStore { return fakeSessions{} }
func (s *fakeStore) Episodes() store.EpisodicStore { return fakeEpisodes{} }
func (s *fakeStore) Facts() store.SemanticStore     { return fakeFacts{} }
func (s *fakeStore) Vectors() store.VectorIndex     { return (*fakeVectors)(s) }
func (s *fakeStore) Graph() store.GraphStore        { return (*fakeGraph)(s) }

func (s *fakeStore) IngestEventAndVector(_ context.Context, ev store.SessionEvent, vec store.MemoryVector) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite {
		return uuid.Nil, assertErr{"write failed"}
	}
	s.events = append(s.events, ev)
	v := vec
	s.vectors[v.ID] = &v
	return v.ID, nil
}

func (s *fakeStore) Ping(context.Context) error { return nil }
func (s *fakeStore) Close()                     {}

func (s *fakeStore) snapshot() (int, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events), len(s.vectors), len(s.links)
}

func (s *fakeStore) vector(id uuid.UUID) store.MemoryVector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.vectors[id]
}

func (s *fakeStore) linkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }

// fakeVectors implements store.VectorIndex over fakeStore's map.
type fakeVectors fakeStore

func (v *fakeVectors) Insert(_ context.Context, vec *store.MemoryVector) error {
	fs := (*fakeStore)(v)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.vectors[vec.ID] = vec
	return nil
}

func (v *fakeVectors) Get(_ context.Context, id uuid.UUID) (*store.MemoryVector, error) {
	fs := (*fakeStore)(v)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	mv, ok := fs.vectors[id]
	if !ok {
		return nil, nil
	}
	cp := *mv
	return &cp, nil
}

func (v *fakeVectors) SetEmbedding(_ context.Context, id uuid.UUID, embedding []float32, modelTag string) error {
	fs := (*fakeStore)(v)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	mv, ok := fs.vectors[id]
	if !ok {
		return assertErr{"unknown vector"}
	}
	if mv.Embedding != nil {
		return nil
	}
	mv.Embedding = embedding
	mv.ModelTag = modelTag
	return nil
}

func (v *fakeVectors) CosineSearch(_ context.Context, query []float32, k int) ([]store.VectorMatch, error) {
	fs := (*fakeStore)(v)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var matches []store.VectorMatch
	for _, mv := range fs.vectors {
		if mv.Embedding == nil || mv.Pruned {
			continue
		}
		matches = append(matches, store.VectorMatch{Vector: *mv, ScoreCos: cosine(query, mv.Embedding)})
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
func (v *fakeVectors) ApplyLTP(context.Context, uuid.UUID) error { return nil }
func (v *fakeVectors) FetchForDecay(context.Context, int) ([]store.MemoryVector, error) {
	return nil, nil
}
func (v *fakeVectors) UpdateDecay(context.Context, uuid.UUID, float64, bool) error { return nil }

// fakeGraph implements store.GraphStore over fakeStore's slice.
type fakeGraph fakeStore

func (g *fakeGraph) UpsertLink(_ context.Context, link store.MemoryGraphLink) error {
	fs := (*fakeStore)(g)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.links = append(fs.links, link)
	return nil
}

func (g *fakeGraph) Subgraph(context.Context, []store.NodeRef, int) ([]store.MemoryGraphLink, error) {
	return nil, nil
}

// Unused sub-interfaces, stubbed to satisfy store.Store.

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
func (fakeFacts) UpdateDecay(context.Context, uuid.UUID, float64, float64, bool) error { return nil }
