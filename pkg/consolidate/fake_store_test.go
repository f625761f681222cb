package consolidate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/modernmethod/ethos/pkg/reviewinbox"
	"github.com/modernmethod/ethos/pkg/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestInbox(t *testing.T) *reviewinbox.Inbox {
	t.Helper()
	return reviewinbox.New(t.TempDir() + "/review_inbox.md")
}

// fakeStore is a minimal in-memory store.Store exercising the candidate
// scan, conflict resolution, and decay sweep paths.
type fakeStore struct {
	mu sync.Mutex

	episodes          []store.EpisodicTrace
	facts             []store.SemanticFact
	vectors           []store.MemoryVector
	recentEventExists bool

	// failInsert makes every fact Insert fail, for exercising the
	// "mark consolidated even when resolution errors" path.
	failInsert bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{}
}

func (s *fakeStore) Sessions() store.SessionStore  { return (*fakeSessions)(s) }
func (s *fakeStore) Episodes() store.EpisodicStore { return (*fakeEpisodes)(s) }
func (s *fakeStore) Facts() store.SemanticStore    { return (*fakeFacts)(s) }
func (s *fakeStore) Vectors() store.VectorIndex    { return (*fakeVectors)(s) }
func (s *fakeStore) Graph() store.GraphStore       { return (*fakeGraph)(s) }

func (s *fakeStore) IngestEventAndVector(context.Context, store.SessionEvent, store.MemoryVector) (uuid.UUID, error) {
	return uuid.Nil, nil
}
func (s *fakeStore) Ping(context.Context) error { return nil }
func (s *fakeStore) Close()                     {}

type fakeSessions fakeStore

func (s *fakeSessions) WriteEvent(context.Context, store.SessionEvent) error { return nil }
func (s *fakeSessions) RecentEventExists(context.Context, time.Duration) (bool, error) {
	fs := (*fakeStore)(s)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.recentEventExists, nil
}
func (s *fakeSessions) GetSession(context.Context, string) (*store.Session, error) { return nil, nil }

type fakeEpisodes fakeStore

func (e *fakeEpisodes) Insert(context.Context, *store.EpisodicTrace) error { return nil }
func (e *fakeEpisodes) Get(context.Context, uuid.UUID) (*store.EpisodicTrace, error) {
	return nil, nil
}

func (e *fakeEpisodes) CandidateScan(_ context.Context, limit int) ([]store.EpisodicTrace, error) {
	fs := (*fakeStore)(e)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []store.EpisodicTrace
	for _, ep := range fs.episodes {
		if ep.ConsolidatedAt == nil && !ep.Pruned {
			out = append(out, ep)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (e *fakeEpisodes) MarkConsolidated(_ context.Context, id uuid.UUID) error {
	fs := (*fakeStore)(e)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	now := time.Now()
	for i := range fs.episodes {
		if fs.episodes[i].ID == id {
			fs.episodes[i].ConsolidatedAt = &now
		}
	}
	return nil
}

func (e *fakeEpisodes) ApplyLTP(context.Context, uuid.UUID) error { return nil }

func (e *fakeEpisodes) FetchForDecay(_ context.Context, limit int) ([]store.EpisodicTrace, error) {
	fs := (*fakeStore)(e)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := append([]store.EpisodicTrace(nil), fs.episodes...)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (e *fakeEpisodes) UpdateDecay(_ context.Context, id uuid.UUID, salience float64, pruned bool) error {
	fs := (*fakeStore)(e)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for i := range fs.episodes {
		if fs.episodes[i].ID == id {
			fs.episodes[i].Salience = salience
			fs.episodes[i].Pruned = pruned
		}
	}
	return nil
}

type fakeFacts fakeStore

func (f *fakeFacts) Insert(_ context.Context, fact *store.SemanticFact) error {
	fs := (*fakeStore)(f)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.failInsert {
		return errors.New("insert failed")
	}
	fs.facts = append(fs.facts, *fact)
	return nil
}

func (f *fakeFacts) Get(context.Context, uuid.UUID) (*store.SemanticFact, error) { return nil, nil }

func (f *fakeFacts) FindActiveByKey(_ context.Context, subject, predicate string) ([]store.SemanticFact, error) {
	fs := (*fakeStore)(f)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []store.SemanticFact
	for _, fact := range fs.facts {
		if fact.Subject == subject && fact.Predicate == predicate && fact.Active() {
			out = append(out, fact)
		}
	}
	return out, nil
}

func (f *fakeFacts) Refine(_ context.Context, id uuid.UUID, object string, confidenceBump float64, newSourceEpisode uuid.UUID) error {
	fs := (*fakeStore)(f)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for i := range fs.facts {
		if fs.facts[i].ID == id {
			fs.facts[i].Object = object
			fs.facts[i].Confidence += confidenceBump
			if fs.facts[i].Confidence > 1 {
				fs.facts[i].Confidence = 1
			}
			fs.facts[i].SourceEpisodes = append(fs.facts[i].SourceEpisodes, newSourceEpisode)
		}
	}
	return nil
}

func (f *fakeFacts) Supersede(_ context.Context, oldID, newID uuid.UUID) error {
	fs := (*fakeStore)(f)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for i := range fs.facts {
		if fs.facts[i].ID == oldID {
			fs.facts[i].SupersededBy = &newID
		}
	}
	return nil
}

func (f *fakeFacts) Flag(_ context.Context, id uuid.UUID) error {
	fs := (*fakeStore)(f)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for i := range fs.facts {
		if fs.facts[i].ID == id {
			fs.facts[i].FlaggedForReview = true
		}
	}
	return nil
}

func (f *fakeFacts) ApplyLTP(context.Context, uuid.UUID) error { return nil }

func (f *fakeFacts) FetchActiveForDecay(_ context.Context, limit int) ([]store.SemanticFact, error) {
	fs := (*fakeStore)(f)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []store.SemanticFact
	for _, fact := range fs.facts {
		if fact.Active() {
			out = append(out, fact)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeFacts) UpdateDecay(_ context.Context, id uuid.UUID, confidence, salience float64, pruned bool) error {
	fs := (*fakeStore)(f)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for i := range fs.facts {
		if fs.facts[i].ID == id {
			fs.facts[i].Confidence = confidence
			fs.facts[i].Salience = salience
			fs.facts[i].Pruned = pruned
		}
	}
	return nil
}

type fakeVectors fakeStore

func (v *fakeVectors) Insert(context.Context, *store.MemoryVector) error { return nil }
func (v *fakeVectors) Get(context.Context, uuid.UUID) (*store.MemoryVector, error) {
	return nil, nil
}
func (v *fakeVectors) SetEmbedding(context.Context, uuid.UUID, []float32, string) error { return nil }
func (v *fakeVectors) CosineSearch(context.Context, []float32, int) ([]store.VectorMatch, error) {
	return nil, nil
}
func (v *fakeVectors) FetchPendingEmbedding(context.Context, int) ([]store.MemoryVector, error) {
	return nil, nil
}
func (v *fakeVectors) ApplyLTP(context.Context, uuid.UUID) error { return nil }

func (v *fakeVectors) FetchForDecay(_ context.Context, limit int) ([]store.MemoryVector, error) {
	fs := (*fakeStore)(v)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := append([]store.MemoryVector(nil), fs.vectors...)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (v *fakeVectors) UpdateDecay(_ context.Context, id uuid.UUID, importance float64, pruned bool) error {
	fs := (*fakeStore)(v)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for i := range fs.vectors {
		if fs.vectors[i].ID == id {
			fs.vectors[i].Importance = importance
			fs.vectors[i].Pruned = pruned
		}
	}
	return nil
}

type fakeGraph fakeStore

func (g *fakeGraph) UpsertLink(context.Context, store.MemoryGraphLink) error { return nil }
func (g *fakeGraph) Subgraph(context.Context, []store.NodeRef, int) ([]store.MemoryGraphLink, error) {
	return nil, nil
}
