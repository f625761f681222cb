// Package store defines the engine's six persisted entities and the narrow
// interfaces through which every other component reads and mutates them.
// The Store is the sole owner of this state; Ingest, Retrieval, and
// Consolidation mutate it only through the operations declared here — they
// never share in-memory state beyond a connection pool and an embedding
// gateway handle.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Role classifies who produced a SessionEvent or EpisodicTrace turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// IsValid reports whether r is one of the four recognised roles.
func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// FactKind classifies a SemanticFact.
type FactKind string

const (
	FactKindFact         FactKind = "fact"
	FactKindDecision     FactKind = "decision"
	FactKindPreference   FactKind = "preference"
	FactKindEntity       FactKind = "entity"
	FactKindRelationship FactKind = "relationship"
)

// SourceType classifies what a MemoryVector (or a MemoryGraphLink endpoint)
// points at.
type SourceType string

const (
	SourceEpisode  SourceType = "episode"
	SourceFact     SourceType = "fact"
	SourceWorkflow SourceType = "workflow"
	SourceQuery    SourceType = "query"
	SourceRaw      SourceType = "raw"
)

// TaskMode selects the embedding sub-space a text is projected into, per the
// embedding gateway's document/query asymmetry.
type TaskMode string

const (
	TaskDocument TaskMode = "document"
	TaskQuery    TaskMode = "query"
)

// RelationTag classifies a MemoryGraphLink edge.
type RelationTag string

const (
	RelationSimilarity   RelationTag = "similarity"
	RelationTemporalNext RelationTag = "temporal_next"
	RelationDerivedFrom  RelationTag = "derived_from"
	RelationContradicts  RelationTag = "contradicts"
	RelationSupports     RelationTag = "supports"
)

// NodeRef identifies an addressable memory: a (type, id) pair used as a
// MemoryVector's or MemoryGraphLink endpoint's source reference, and as the
// unit the retrieval engine spreads activation across.
type NodeRef struct {
	Type SourceType
	ID   uuid.UUID
}

// Session is a conversational context. Created on first event, updated on
// every subsequent one, never deleted.
type Session struct {
	Key          string
	AgentID      string
	ChannelTag   string
	StartedAt    time.Time
	LastActiveAt time.Time
	MessageCount int
	Metadata     map[string]any
}

// SessionEvent is the raw write-ahead log of a single conversational turn.
// Immutable after insert.
type SessionEvent struct {
	ID         string // ULID: monotonically sortable without a secondary index
	SessionKey string
	AgentID    string
	Role       Role
	Content    string
	TokenCount *int
	Metadata   map[string]any
	CreatedAt  time.Time
}

// EpisodicTrace is a turn-cluster carrying the salience signals that drive
// consolidation and decay.
//
// Invariant: once ConsolidatedAt is non-nil the episode is never re-scanned
// for promotion; its Salience continues to decay independently.
type EpisodicTrace struct {
	ID            uuid.UUID
	SessionKey    string
	AgentID       string
	TurnIndex     int
	Role          Role
	Content       string
	Summary       *string
	Importance    float64
	EmotionalTone float64 // raw signed value in [-1,1]; clamped to [0,1] only by the decay formula
	Novelty       float64
	Topics        []string
	Entities      []string
	CreatedAt     time.Time
	ConsolidatedAt *time.Time
	RetrievalCount int
	LastRetrievedAt *time.Time
	Salience       float64
	Pruned         bool
}

// SemanticFact is a durable (subject, predicate, object) triple.
//
// Invariants:
//   - A fact with SupersededBy != nil is never returned by retrieval and is
//     never a conflict target.
//   - Supersession is a DAG: following SupersededBy from any fact terminates.
//   - A fact is active iff !Pruned && SupersededBy == nil.
//   - (Subject, Predicate) among active facts is the conflict key.
type SemanticFact struct {
	ID               uuid.UUID
	Kind             FactKind
	Statement        string
	Subject          string
	Predicate        string
	Object           string
	Topics           []string
	Confidence       float64
	RetrievalCount   int
	LastRetrievedAt  *time.Time
	SupersededBy     *uuid.UUID
	FlaggedForReview bool
	SourceEpisodes   []uuid.UUID
	SourceAgent      string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Salience         float64
	Pruned           bool
}

// Active reports whether f is eligible for retrieval and conflict matching.
func (f *SemanticFact) Active() bool {
	return !f.Pruned && f.SupersededBy == nil
}

// MemoryVector is an embedding row. A NULL Embedding is legal and means the
// row is keyword-searchable only.
//
// Invariant: if Embedding != nil, len(Embedding) == Dimension.
type MemoryVector struct {
	ID             uuid.UUID
	SourceType     SourceType
	SourceID       uuid.UUID
	Embedding      []float32 // nil means NULL
	Dimension      int
	ModelTag       string
	TaskType       TaskMode
	AccessCount    int
	LastAccessedAt *time.Time
	CreatedAt      time.Time
	ExpiresAt      *time.Time
	Importance     float64
	Pruned         bool
	ContentSnippet string
}

// MemoryGraphLink is a directed associative edge. Uniqueness:
// (FromType, FromID, ToType, ToID, Relation) is unique.
//
// Invariant: Weight is clamped to [0,1]; Hebbian strengthening may only
// increase it.
type MemoryGraphLink struct {
	From      NodeRef
	To        NodeRef
	Relation  RelationTag
	Weight    float64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// VectorMatch is one row of a cosine anchor search result.
type VectorMatch struct {
	Vector   MemoryVector
	ScoreCos float64 // 1 - cosine_distance, clamped to [0,1]
}

// SessionStore owns Session and SessionEvent rows.
type SessionStore interface {
	// WriteEvent appends an immutable SessionEvent and upserts the owning
	// Session's LastActiveAt/MessageCount in the same unit of work.
	WriteEvent(ctx context.Context, ev SessionEvent) error

	// RecentEventExists reports whether any SessionEvent was created within
	// the given window — the event-quiet half of the consolidation idle gate.
	RecentEventExists(ctx context.Context, window time.Duration) (bool, error)

	// GetSession looks up a session by key. Returns nil, nil if not found.
	GetSession(ctx context.Context, key string) (*Session, error)
}

// EpisodicStore owns EpisodicTrace rows.
type EpisodicStore interface {
	Insert(ctx context.Context, ep *EpisodicTrace) error
	Get(ctx context.Context, id uuid.UUID) (*EpisodicTrace, error)

	// CandidateScan returns up to limit unconsolidated, unpruned episodes
	// matching the consolidation promotion criteria (spec.md §4.4 step 2).
	CandidateScan(ctx context.Context, limit int) ([]EpisodicTrace, error)

	// MarkConsolidated sets ConsolidatedAt = now() on id. Idempotent.
	MarkConsolidated(ctx context.Context, id uuid.UUID) error

	// ApplyLTP performs the episode's retrieval-triggered potentiation
	// update (spec.md §4.5): retrieval_count += 1, last_retrieved_at = now(),
	// salience = min(salience*1.1, 1).
	ApplyLTP(ctx context.Context, id uuid.UUID) error

	// FetchForDecay returns up to limit non-pruned episodes for a decay
	// sweep batch.
	FetchForDecay(ctx context.Context, limit int) ([]EpisodicTrace, error)

	// UpdateDecay persists a decay sweep's result for one episode.
	UpdateDecay(ctx context.Context, id uuid.UUID, salience float64, pruned bool) error
}

// SemanticStore owns SemanticFact rows.
type SemanticStore interface {
	Insert(ctx context.Context, f *SemanticFact) error
	Get(ctx context.Context, id uuid.UUID) (*SemanticFact, error)

	// FindActiveByKey returns active facts sharing (subject, predicate) —
	// the conflict-resolution lookup key.
	FindActiveByKey(ctx context.Context, subject, predicate string) ([]SemanticFact, error)

	// Refine applies the refinement resolution: updates object, bumps
	// confidence (capped at 1.0), and appends a source episode id.
	Refine(ctx context.Context, id uuid.UUID, object string, confidenceBump float64, newSourceEpisode uuid.UUID) error

	// Supersede sets oldID.SupersededBy = newID.
	Supersede(ctx context.Context, oldID, newID uuid.UUID) error

	// Flag sets FlaggedForReview = true on id.
	Flag(ctx context.Context, id uuid.UUID) error

	// ApplyLTP performs the fact's retrieval-triggered potentiation update.
	ApplyLTP(ctx context.Context, id uuid.UUID) error

	// FetchActiveForDecay returns up to limit active (non-superseded,
	// non-pruned) facts for a decay sweep batch.
	FetchActiveForDecay(ctx context.Context, limit int) ([]SemanticFact, error)

	// UpdateDecay persists a decay sweep's result for one fact.
	UpdateDecay(ctx context.Context, id uuid.UUID, confidence, salience float64, pruned bool) error
}

// VectorIndex owns MemoryVector rows and the cosine anchor search.
type VectorIndex interface {
	Insert(ctx context.Context, v *MemoryVector) error
	Get(ctx context.Context, id uuid.UUID) (*MemoryVector, error)

	// SetEmbedding fills a previously-NULL embedding. Idempotent: a no-op
	// when the row already has one.
	SetEmbedding(ctx context.Context, id uuid.UUID, embedding []float32, modelTag string) error

	// CosineSearch returns the k nearest non-NULL, non-pruned embeddings to
	// query ordered by descending cosine score.
	CosineSearch(ctx context.Context, query []float32, k int) ([]VectorMatch, error)

	// FetchPendingEmbedding returns up to limit rows with a NULL embedding,
	// for the embedder subsystem's background fill worker.
	FetchPendingEmbedding(ctx context.Context, limit int) ([]MemoryVector, error)

	// ApplyLTP performs the vector's retrieval-triggered potentiation
	// update: access_count += 1, last_accessed = now(),
	// importance = min(importance*1.05, 1).
	ApplyLTP(ctx context.Context, id uuid.UUID) error

	// FetchForDecay returns up to limit non-pruned vectors for a decay
	// sweep batch.
	FetchForDecay(ctx context.Context, limit int) ([]MemoryVector, error)

	// UpdateDecay persists a decay sweep's result for one vector, pruning it
	// if expired or decayed below the prune threshold.
	UpdateDecay(ctx context.Context, id uuid.UUID, importance float64, pruned bool) error
}

// GraphStore owns MemoryGraphLink rows.
type GraphStore interface {
	// UpsertLink inserts a new edge, or — if (From, To, Relation) already
	// exists — strengthens it: the stored weight becomes the greater of the
	// stored and the supplied weight, so Hebbian strengthening only ever
	// increases it.
	UpsertLink(ctx context.Context, link MemoryGraphLink) error

	// Subgraph returns up to maxEdges outbound edges touching any of the
	// given anchor nodes, for the spreading-activation phase of retrieval.
	Subgraph(ctx context.Context, anchors []NodeRef, maxEdges int) ([]MemoryGraphLink, error)
}

// Store aggregates every sub-interface behind one handle, the shape every
// component is constructed with.
type Store interface {
	Sessions() SessionStore
	Episodes() EpisodicStore
	Facts() SemanticStore
	Vectors() VectorIndex
	Graph() GraphStore

	// IngestEventAndVector inserts a SessionEvent and its placeholder
	// MemoryVector (embedding left as supplied, normally nil) in a single
	// atomic unit of work: either both commit or neither does. Returns the
	// vector's id. This is the one cross-table write in the Store — every
	// other mutation touches a single relation.
	IngestEventAndVector(ctx context.Context, ev SessionEvent, vec MemoryVector) (uuid.UUID, error)

	// Ping verifies connectivity (used by the health verb).
	Ping(ctx context.Context) error

	Close()
}
