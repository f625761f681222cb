// Package ingest implements the atomic event+vector write path (spec.md
// §4.1) and the post-commit background work it triggers: asynchronous
// embedding fill and associative link building (spec.md §4.6).
package ingest

import (
	"context"
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/panjf2000/ants/v2"

	"github.com/modernmethod/ethos/internal/observe"
	"github.com/modernmethod/ethos/pkg/embedgw"
	"github.com/modernmethod/ethos/pkg/ethoserr"
	"github.com/modernmethod/ethos/pkg/ratelimit"
	"github.com/modernmethod/ethos/pkg/store"
)

// Config parameterises the pipeline's background task queue.
type Config struct {
	// QueueCapacity bounds the number of submitters allowed to wait for a
	// free worker before Submit is rejected outright (spec.md §5's
	// "embedding queue exceeds its capacity").
	QueueCapacity int

	// Workers is the number of goroutines the embed/link pool runs
	// concurrently.
	Workers int

	// DropImportanceBelow: once the queue has stayed full for
	// queueFullGracePeriod, enqueues for content below this importance are
	// dropped (with a warn log) rather than blocked.
	DropImportanceBelow float64

	// DefaultSessionKey / DefaultAgentID fill metadata.session_id /
	// metadata.agent_id when absent from the request.
	DefaultSessionKey string
	DefaultAgentID    string

	// DefaultImportance is the importance assigned to every raw ingested
	// vector (spec.md §4.1 step 2).
	DefaultImportance float64

	// LinkSimilarityThreshold and LinkTopK parameterise the associative
	// link builder (spec.md §4.6).
	LinkSimilarityThreshold float64
	LinkTopK                int

	// IdleCache, if set, is touched with every event's timestamp so the
	// consolidation loop's idle gate can check recent activity without a
	// store round trip. Optional: nil disables the fast path.
	IdleCache ratelimit.IdleCache
}

// DefaultConfig returns the spec.md defaults.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:           1000,
		Workers:                 16,
		DropImportanceBelow:     0.3,
		DefaultSessionKey:       "default",
		DefaultAgentID:          "ethos",
		DefaultImportance:       0.5,
		LinkSimilarityThreshold: 0.6,
		LinkTopK:                3,
	}
}

// Request is the ingest pipeline's input (spec.md §4.1).
type Request struct {
	Content  string
	Source   string // maps to store.Role
	Metadata map[string]any
}

// Result is returned to the caller before embedding completes.
type Result struct {
	VectorID   uuid.UUID
	SessionKey string
	AgentID    string
}

// Pipeline is the ingest pipeline: atomic store write plus a bounded
// background pool for the embed-fill and link-build follow-up tasks.
type Pipeline struct {
	store   store.Store
	gw      *embedgw.Gateway
	cfg     Config
	pool    *ants.Pool
	metrics *observe.Metrics

	idEntropy *ulidEntropy

	fullMu    sync.Mutex
	fullSince time.Time // zero when the queue was last observed not full
}

// New builds a Pipeline. The caller owns gw and store's lifecycle; Close
// only releases the pipeline's own worker pool.
func New(st store.Store, gw *embedgw.Gateway, cfg Config, metrics *observe.Metrics) (*Pipeline, error) {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = 1
	}
	pool, err := ants.NewPool(cfg.Workers,
		ants.WithMaxBlockingTasks(cfg.QueueCapacity),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(30*time.Second),
	)
	if err != nil {
		return nil, ethoserr.Wrap(ethoserr.Internal, "ingest: build worker pool", err)
	}
	return &Pipeline{
		store:     st,
		gw:        gw,
		cfg:       cfg,
		pool:      pool,
		metrics:   metrics,
		idEntropy: newULIDEntropy(),
	}, nil
}

// Close releases the background worker pool. In-flight tasks are allowed to
// finish (spec.md §5's cancellation guarantee for ingest-triggered work).
func (p *Pipeline) Close() {
	p.pool.Release()
}

// Ingest performs the atomic write and schedules the post-commit background
// work. It returns as soon as the write commits; embedding and linking
// happen asynchronously.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (*Result, error) {
	ctx, span := observe.Tracer().Start(ctx, "ingest.Ingest")
	defer span.End()
	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.IngestDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, ethoserr.New(ethoserr.BadRequest, "ingest: content must not be empty")
	}

	role := store.Role(req.Source)
	if !role.IsValid() {
		return nil, ethoserr.New(ethoserr.BadRequest, "ingest: unknown source "+req.Source)
	}

	sessionKey := stringMeta(req.Metadata, "session_id", p.cfg.DefaultSessionKey)
	agentID := stringMeta(req.Metadata, "agent_id", p.cfg.DefaultAgentID)

	ev := store.SessionEvent{
		ID:         p.idEntropy.New(),
		SessionKey: sessionKey,
		AgentID:    agentID,
		Role:       role,
		Content:    content,
		Metadata:   req.Metadata,
		CreatedAt:  time.Now(),
	}
	vecID := uuid.New()
	vec := store.MemoryVector{
		ID:         vecID,
		SourceType: store.SourceRaw,
		// A raw ingested vector has no separate source entity; it points at
		// itself so retrieval and LTP addressing have a stable (type, id).
		SourceID:       vecID,
		TaskType:       store.TaskDocument,
		CreatedAt:      time.Now(),
		Importance:     p.cfg.DefaultImportance,
		ContentSnippet: snippet(content, 256),
	}

	vecID, err := p.store.IngestEventAndVector(ctx, ev, vec)
	if err != nil {
		if p.metrics != nil {
			p.metrics.RecordStoreError(ctx, "ingest")
		}
		return nil, ethoserr.Wrap(ethoserr.StoreError, "ingest: write event and vector", err)
	}

	if p.metrics != nil {
		p.metrics.IngestEvents.Add(ctx, 1)
	}
	if p.cfg.IdleCache != nil {
		if err := p.cfg.IdleCache.Touch(ctx, ev.CreatedAt); err != nil {
			observe.Logger(ctx).Warn("ingest: idle cache touch failed", "err", err)
		}
	}

	p.enqueueEmbedAndLink(vecID, content, p.cfg.DefaultImportance)

	return &Result{VectorID: vecID, SessionKey: sessionKey, AgentID: agentID}, nil
}

// enqueueEmbedAndLink submits the embed-fill task. The link-build task is
// chained after embedding succeeds, since linking needs a real vector to
// run CosineSearch against.
func (p *Pipeline) enqueueEmbedAndLink(vectorID uuid.UUID, content string, importance float64) {
	task := func() {
		ctx := context.Background()
		logger := observe.Logger(ctx)

		embedding, err := p.gw.Embed(ctx, content, embedgw.TaskDocument)
		if err != nil {
			logger.Warn("ingest: background embed failed", "vector_id", vectorID, "err", err)
			if p.metrics != nil {
				p.metrics.RecordEmbeddingError(ctx, "document")
			}
			return
		}
		if embedding == nil {
			// Graceful-mode provider returned none; row stays keyword-searchable.
			return
		}
		if err := p.store.Vectors().SetEmbedding(ctx, vectorID, embedding, p.gw.ModelID()); err != nil {
			logger.Warn("ingest: persist embedding failed", "vector_id", vectorID, "err", err)
			if p.metrics != nil {
				p.metrics.RecordStoreError(ctx, "set_embedding")
			}
			return
		}

		p.buildLinks(ctx, vectorID, embedding)
	}
	p.submit(task, importance)
}

// buildLinks implements the associative link builder (spec.md §4.6).
func (p *Pipeline) buildLinks(ctx context.Context, vectorID uuid.UUID, embedding []float32) {
	logger := observe.Logger(ctx)

	matches, err := p.store.Vectors().CosineSearch(ctx, embedding, p.cfg.LinkTopK+1)
	if err != nil {
		logger.Warn("ingest: link builder cosine search failed", "vector_id", vectorID, "err", err)
		return
	}

	for _, m := range matches {
		if m.Vector.ID == vectorID {
			continue
		}
		if m.ScoreCos < p.cfg.LinkSimilarityThreshold {
			continue
		}
		link := store.MemoryGraphLink{
			From:      store.NodeRef{Type: store.SourceRaw, ID: vectorID},
			To:        store.NodeRef{Type: m.Vector.SourceType, ID: m.Vector.SourceID},
			Relation:  store.RelationSimilarity,
			Weight:    m.ScoreCos,
			UpdatedAt: time.Now(),
		}
		if err := p.store.Graph().UpsertLink(ctx, link); err != nil {
			logger.Warn("ingest: link upsert failed", "vector_id", vectorID, "target", m.Vector.SourceID, "err", err)
			continue
		}
		if p.metrics != nil {
			p.metrics.RecordLink(ctx, "upsert")
		}
	}
}

// queueFullGracePeriod is how long the background pool must stay
// continuously full before low-importance work starts getting dropped
// (spec.md §5).
const queueFullGracePeriod = 5 * time.Minute

// submit enqueues task on the bounded pool, applying the backpressure rule
// from spec.md §5: while the queue is full, every submitter blocks by
// retrying; only once the queue has stayed full for queueFullGracePeriod
// do low-importance submitters give up and drop the task (with a warn log).
// Higher-importance submitters keep blocking regardless of how long the
// queue has been full.
func (p *Pipeline) submit(task func(), importance float64) {
	if err := p.pool.Submit(task); err == nil {
		p.markQueueNotFull()
		return
	}

	for {
		fullFor := p.markQueueFull()
		if importance < p.cfg.DropImportanceBelow && fullFor >= queueFullGracePeriod {
			observe.Logger(context.Background()).Warn("ingest: dropping low-importance background task, queue full",
				"importance", importance, "full_for", fullFor)
			return
		}

		time.Sleep(50 * time.Millisecond)
		if p.pool.IsClosed() {
			return
		}
		if err := p.pool.Submit(task); err == nil {
			p.markQueueNotFull()
			return
		}
	}
}

// markQueueFull records the first moment the queue was observed full (if not
// already recorded) and returns how long it has been continuously full.
func (p *Pipeline) markQueueFull() time.Duration {
	p.fullMu.Lock()
	defer p.fullMu.Unlock()
	if p.fullSince.IsZero() {
		p.fullSince = time.Now()
	}
	return time.Since(p.fullSince)
}

// markQueueNotFull clears the full-since timestamp once a submit succeeds.
func (p *Pipeline) markQueueNotFull() {
	p.fullMu.Lock()
	p.fullSince = time.Time{}
	p.fullMu.Unlock()
}

func stringMeta(md map[string]any, key, def string) string {
	if md == nil {
		return def
	}
	v, ok := md[key]
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return def
	}
	return s
}

func snippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// ulidEntropy generates monotonically-sortable SessionEvent ids, matching
// the pack's "single mutex-guarded monotonic source" pattern.
type ulidEntropy struct {
	mu     sync.Mutex
	source *ulid.MonotonicEntropy
}

func newULIDEntropy() *ulidEntropy {
	return &ulidEntropy{source: ulid.Monotonic(rand.Reader, 0)}
}

func (e *ulidEntropy) New() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), e.source).String()
}
