// Package observe provides application-wide observability primitives for
// Ethos: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Ethos metrics.
const meterName = "github.com/modernmethod/ethos"

// Metrics holds all OpenTelemetry metric instruments for the engine. All
// fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per engine stage ---

	// IngestDuration tracks the end-to-end latency of the ingest pipeline's
	// atomic event+vector write.
	IngestDuration metric.Float64Histogram

	// RetrievalDuration tracks a full search request, cosine anchor search
	// through final scoring.
	RetrievalDuration metric.Float64Histogram

	// EmbeddingDuration tracks a single embedding-gateway call, including
	// retries.
	EmbeddingDuration metric.Float64Histogram

	// ConsolidationCycleDuration tracks one consolidation-loop tick.
	ConsolidationCycleDuration metric.Float64Histogram

	// DecaySweepDuration tracks one decay-sweep batch pass.
	DecaySweepDuration metric.Float64Histogram

	// --- Counters ---

	// IngestEvents counts ingested SessionEvent rows.
	IngestEvents metric.Int64Counter

	// RetrievalRequests counts search requests by outcome status.
	RetrievalRequests metric.Int64Counter

	// EpisodesConsolidated counts episodes promoted to a SemanticFact.
	EpisodesConsolidated metric.Int64Counter

	// FactsCreated, FactsSuperseded, FactsFlagged count conflict-resolution
	// outcomes (spec.md §4.4 step 4).
	FactsCreated    metric.Int64Counter
	FactsSuperseded metric.Int64Counter
	FactsFlagged    metric.Int64Counter

	// MemoriesPruned counts tombstoned rows by tier, via attribute "tier".
	MemoriesPruned metric.Int64Counter

	// LinksCreated counts associative-link-builder edge insertions and
	// Hebbian strengthenings, via attribute "action" ("insert"/"strengthen").
	LinksCreated metric.Int64Counter

	// --- Error counters ---

	// EmbeddingErrors counts gateway failures by attribute "mode"
	// ("document"/"query").
	EmbeddingErrors metric.Int64Counter

	// StoreErrors counts persistence failures by attribute "op".
	StoreErrors metric.Int64Counter

	// --- Gauges ---

	// EmbedQueueDepth tracks the embedder subsystem's pending-fill backlog.
	EmbedQueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) tuned for
// a mix of sub-millisecond pure math (decay) and multi-second I/O
// (embedding provider calls, consolidation cycles).
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.IngestDuration, err = m.Float64Histogram("ethos.ingest.duration",
		metric.WithDescription("Latency of the ingest pipeline's atomic event+vector write."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RetrievalDuration, err = m.Float64Histogram("ethos.retrieval.duration",
		metric.WithDescription("Latency of a full search request."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EmbeddingDuration, err = m.Float64Histogram("ethos.embedding.duration",
		metric.WithDescription("Latency of an embedding-gateway call, including retries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConsolidationCycleDuration, err = m.Float64Histogram("ethos.consolidation.cycle_duration",
		metric.WithDescription("Duration of one consolidation-loop tick."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DecaySweepDuration, err = m.Float64Histogram("ethos.decay.sweep_duration",
		metric.WithDescription("Duration of one decay-sweep batch pass."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.IngestEvents, err = m.Int64Counter("ethos.ingest.events",
		metric.WithDescription("Total SessionEvent rows ingested."),
	); err != nil {
		return nil, err
	}
	if met.RetrievalRequests, err = m.Int64Counter("ethos.retrieval.requests",
		metric.WithDescription("Total search requests by outcome status."),
	); err != nil {
		return nil, err
	}
	if met.EpisodesConsolidated, err = m.Int64Counter("ethos.consolidation.episodes_consolidated",
		metric.WithDescription("Total episodes promoted by a consolidation cycle."),
	); err != nil {
		return nil, err
	}
	if met.FactsCreated, err = m.Int64Counter("ethos.consolidation.facts_created",
		metric.WithDescription("Total SemanticFact rows inserted."),
	); err != nil {
		return nil, err
	}
	if met.FactsSuperseded, err = m.Int64Counter("ethos.consolidation.facts_superseded",
		metric.WithDescription("Total SemanticFact rows superseded."),
	); err != nil {
		return nil, err
	}
	if met.FactsFlagged, err = m.Int64Counter("ethos.consolidation.facts_flagged",
		metric.WithDescription("Total SemanticFact rows flagged for review."),
	); err != nil {
		return nil, err
	}
	if met.MemoriesPruned, err = m.Int64Counter("ethos.decay.memories_pruned",
		metric.WithDescription("Total memories tombstoned by the decay sweep, by tier."),
	); err != nil {
		return nil, err
	}
	if met.LinksCreated, err = m.Int64Counter("ethos.graph.links",
		metric.WithDescription("Total associative-link insertions and strengthenings."),
	); err != nil {
		return nil, err
	}

	if met.EmbeddingErrors, err = m.Int64Counter("ethos.embedding.errors",
		metric.WithDescription("Total embedding-gateway failures by task mode."),
	); err != nil {
		return nil, err
	}
	if met.StoreErrors, err = m.Int64Counter("ethos.store.errors",
		metric.WithDescription("Total persistence failures by operation."),
	); err != nil {
		return nil, err
	}

	if met.EmbedQueueDepth, err = m.Int64UpDownCounter("ethos.embedding.queue_depth",
		metric.WithDescription("Current depth of the embedder subsystem's pending-fill backlog."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("ethos.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordRetrieval is a convenience method that records a search request's
// outcome status.
func (m *Metrics) RecordRetrieval(ctx context.Context, status string) {
	m.RetrievalRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordEmbeddingError is a convenience method that records an embedding
// failure by task mode.
func (m *Metrics) RecordEmbeddingError(ctx context.Context, mode string) {
	m.EmbeddingErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordStoreError is a convenience method that records a persistence
// failure by operation name.
func (m *Metrics) RecordStoreError(ctx context.Context, op string) {
	m.StoreErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordPrune is a convenience method that records a tombstoning by tier
// ("episode", "fact", "vector").
func (m *Metrics) RecordPrune(ctx context.Context, tier string) {
	m.MemoriesPruned.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

// RecordLink is a convenience method that records an associative-link
// mutation by action ("insert"/"strengthen").
func (m *Metrics) RecordLink(ctx context.Context, action string) {
	m.LinksCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}
