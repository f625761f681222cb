// Package app wires every Ethos subsystem into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run starts the background loop and blocks until the context
// is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject test doubles via functional options (WithStore,
// WithGateway, ...). When an option is not provided, New creates a real
// implementation from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/modernmethod/ethos/internal/config"
	"github.com/modernmethod/ethos/internal/health"
	"github.com/modernmethod/ethos/internal/observe"
	"github.com/modernmethod/ethos/internal/resilience"
	"github.com/modernmethod/ethos/pkg/consolidate"
	"github.com/modernmethod/ethos/pkg/embedgw"
	"github.com/modernmethod/ethos/pkg/embedgw/ollama"
	"github.com/modernmethod/ethos/pkg/embedgw/openai"
	"github.com/modernmethod/ethos/pkg/ingest"
	"github.com/modernmethod/ethos/pkg/ratelimit"
	"github.com/modernmethod/ethos/pkg/retrieval"
	"github.com/modernmethod/ethos/pkg/reviewinbox"
	"github.com/modernmethod/ethos/pkg/store"
	"github.com/modernmethod/ethos/pkg/store/pg"
	"github.com/modernmethod/ethos/pkg/transport"
)

// App owns all subsystem lifetimes for one running ethosd process.
type App struct {
	cfg *config.Config

	store       store.Store
	gateway     *embedgw.Gateway
	limiter     ratelimit.Limiter
	idleCache   ratelimit.IdleCache
	inbox       *reviewinbox.Inbox
	ingest      *ingest.Pipeline
	retrieval   *retrieval.Engine
	consolidate *consolidate.Loop
	metrics     *observe.Metrics
	health      *health.Handler
	core        *transport.Core

	redisClient *redis.Client

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New, used to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of connecting to Postgres from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithGateway injects an embedding gateway instead of building one from
// config's backend selector.
func WithGateway(g *embedgw.Gateway) Option {
	return func(a *App) { a.gateway = g }
}

// WithMetrics injects a metrics recorder instead of the default no-op
// [observe.Metrics] built from the global meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New wires every subsystem together in dependency order: store, rate
// limiter/idle cache, embedding gateway, review inbox, metrics, ingest
// pipeline, retrieval engine, consolidation loop, health checks, and the
// request-verb core shared by every transport adapter.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initRateLimitAndIdleCache(); err != nil {
		return nil, fmt.Errorf("app: init rate limiter: %w", err)
	}
	if err := a.initGateway(); err != nil {
		return nil, fmt.Errorf("app: init embedding gateway: %w", err)
	}
	a.initReviewInbox()
	if err := a.initMetrics(); err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}
	a.initIngest()
	a.initRetrieval()
	a.initConsolidate()
	a.initHealth()
	a.initCore()

	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	if a.cfg.Store.URL == "" {
		return fmt.Errorf("store.url is required when no store is injected")
	}
	dimension := a.cfg.Embedding.Dimension
	if dimension <= 0 {
		dimension = 1536
	}
	st, err := pg.New(ctx, a.cfg.Store.URL, dimension)
	if err != nil {
		return err
	}
	a.store = st
	a.closers = append(a.closers, func() error {
		st.Close()
		return nil
	})
	return nil
}

func (a *App) initRateLimitAndIdleCache() error {
	if a.cfg.Embedding.RedisURL != "" {
		opt, err := redis.ParseURL(a.cfg.Embedding.RedisURL)
		if err != nil {
			return fmt.Errorf("parse embedding.redis_url: %w", err)
		}
		a.redisClient = redis.NewClient(opt)
		a.closers = append(a.closers, a.redisClient.Close)
		a.limiter = ratelimit.NewRedis(a.redisClient, "ethos:embedgw:tokens", a.cfg.Embedding.RateLimitPerSecond, int(a.cfg.Embedding.BatchSize))
		a.idleCache = ratelimit.NewRedisIdleCache(a.redisClient, "ethos:consolidate:last_event")
		return nil
	}
	a.limiter = ratelimit.NewLocal(a.cfg.Embedding.RateLimitPerSecond, int(a.cfg.Embedding.BatchSize))
	a.idleCache = ratelimit.NewLocalIdleCache()
	return nil
}

// initGateway builds the primary embedding provider from cfg.Embedding.Backend
// and, when LocalModelPath is set, registers a second Ollama-backed provider
// as the graceful fallback (spec.md §4.2's "Primary-with-graceful-fallback").
func (a *App) initGateway() error {
	if a.gateway != nil {
		return nil
	}

	primary, err := buildProvider(a.cfg.Embedding.Backend, a.cfg.Embedding)
	if err != nil {
		return err
	}

	gw := embedgw.New(a.cfg.Embedding.Backend, primary, embedgw.Config{
		Graceful:       a.cfg.Embedding.Graceful,
		MaxAttempts:    a.cfg.Embedding.Retry.MaxAttempts,
		BaseDelay:      a.cfg.Embedding.Retry.BaseDelay,
		MaxDelay:       a.cfg.Embedding.Retry.MaxDelay,
		Limiter:        a.limiter,
		CircuitBreaker: resilience.CircuitBreakerConfig{Name: a.cfg.Embedding.Backend},
	})

	if a.cfg.Embedding.LocalModelPath != "" {
		local, err := ollama.New(a.cfg.Embedding.OllamaURL, a.cfg.Embedding.LocalModelPath, ollama.WithDimensions(a.cfg.Embedding.LocalDimension))
		if err != nil {
			return fmt.Errorf("build local fallback provider: %w", err)
		}
		gw.AddFallback("local", local)
	}

	a.gateway = gw
	return nil
}

// buildProvider constructs the named backend's embedgw.Provider.
func buildProvider(backend string, cfg config.EmbeddingConfig) (embedgw.Provider, error) {
	switch backend {
	case "openai", "":
		return openai.New(cfg.APIKey, cfg.Model, cfg.Dimension, openai.WithBaseURL(cfg.BaseURL))
	case "ollama":
		return ollama.New(cfg.OllamaURL, cfg.Model, ollama.WithDimensions(cfg.Dimension))
	default:
		return nil, fmt.Errorf("unknown embedding backend %q", backend)
	}
}

func (a *App) initReviewInbox() {
	path := a.cfg.Conflict.ReviewInboxPath
	if path == "" {
		path = "review_inbox.md"
	}
	a.inbox = reviewinbox.New(path)
}

func (a *App) initIngest() {
	cfg := ingest.DefaultConfig()
	cfg.QueueCapacity = a.cfg.Embedding.QueueCapacity
	cfg.LinkSimilarityThreshold = a.cfg.Conflict.SimilarityLinkThreshold
	cfg.IdleCache = a.idleCache

	pipeline, err := ingest.New(a.store, a.gateway, cfg, a.metrics)
	if err != nil {
		// ingest.New only fails constructing the worker pool, which only
		// happens with an invalid (negative) worker/queue size — both are
		// clamped by DefaultConfig, so this is unreachable in practice.
		slog.Error("app: ingest pipeline init failed, using defaults", "err", err)
		pipeline, _ = ingest.New(a.store, a.gateway, ingest.DefaultConfig(), a.metrics)
	}
	a.ingest = pipeline
	a.closers = append(a.closers, func() error {
		pipeline.Close()
		return nil
	})
}

func (a *App) initRetrieval() {
	cfg := retrieval.DefaultConfig()
	cfg.AnchorK = a.cfg.Retrieval.AnchorK
	cfg.SpreadingStrength = a.cfg.Retrieval.SpreadingStrength
	cfg.Iterations = a.cfg.Retrieval.Iterations
	cfg.MaxSubgraphEdges = a.cfg.Retrieval.MaxSubgraphEdges
	cfg.LTPSemaphoreSize = a.cfg.Retrieval.LTPSemaphoreSize
	cfg.Weights = retrieval.Weights{
		Similarity: a.cfg.Retrieval.Weights.Similarity,
		Activation: a.cfg.Retrieval.Weights.Activation,
		Structural: a.cfg.Retrieval.Weights.Structural,
	}
	a.retrieval = retrieval.New(a.store, a.gateway, cfg, a.metrics)
}

func (a *App) initConsolidate() {
	cfg := consolidate.DefaultConfig()
	cfg.Interval = durationFromMinutes(a.cfg.Consolidation.IntervalMinutes)
	cfg.IdleThreshold = durationFromSeconds(a.cfg.Consolidation.IdleThresholdSeconds)
	cfg.CPUThresholdPercent = float64(a.cfg.Consolidation.CPUThresholdPercent)
	cfg.CandidateLimit = a.cfg.Consolidation.MaxCandidatesPerCycle
	cfg.AutoSupersedeDelta = a.cfg.Conflict.AutoSupersedeDelta
	cfg.Decay.BaseTau = a.cfg.Decay.BaseTauDays
	cfg.Decay.LTPMultiplier = a.cfg.Decay.LTPMultiplier
	cfg.Decay.FrequencyWeight = a.cfg.Decay.FrequencyWeight
	cfg.Decay.EmotionalWeight = a.cfg.Decay.EmotionalWeight
	cfg.Decay.PruneThreshold = a.cfg.Decay.PruneThreshold
	cfg.DecayBatchSize = a.cfg.Decay.BatchSize

	loop := consolidate.New(a.store, a.idleCache, a.inbox, cfg, a.metrics)
	a.consolidate = loop
	a.closers = append(a.closers, func() error {
		loop.Stop()
		return nil
	})
}

func (a *App) initMetrics() error {
	if a.metrics != nil {
		return nil
	}
	a.metrics = observe.DefaultMetrics()
	return nil
}

func (a *App) initHealth() {
	a.health = health.New(health.Checker{
		Name:  "store",
		Check: a.store.Ping,
	})
}

func (a *App) initCore() {
	a.core = &transport.Core{
		Ingest:      a.ingest,
		Retrieval:   a.retrieval,
		Consolidate: a.consolidate,
		Store:       a.store,
		Gateway:     a.gateway,
		Version:     version,
	}
}

// version is stamped into every response envelope's `version` field
// (spec.md §6). Overridable at link time via -ldflags.
var version = "dev"

// Store returns the underlying store, for transport construction in main.
func (a *App) Store() store.Store { return a.store }

// Health returns the health/readiness handler, for HTTP route registration.
func (a *App) Health() *health.Handler { return a.health }

// Core returns the shared request-verb implementation every transport
// adapter (socket, HTTP, MCP) dispatches through.
func (a *App) Core() *transport.Core { return a.core }

// Metrics returns the metrics recorder, for HTTP /metrics wiring.
func (a *App) Metrics() *observe.Metrics { return a.metrics }

// Ingest, Retrieval, and Consolidate expose the three engine components
// directly, for the MCP tool surface (additive to the socket/HTTP surface).
func (a *App) Ingest() *ingest.Pipeline         { return a.ingest }
func (a *App) Retrieval() *retrieval.Engine     { return a.retrieval }
func (a *App) Consolidate() *consolidate.Loop   { return a.consolidate }

// Run starts the consolidation loop's background ticker and blocks until
// ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.consolidate.Start()
	slog.Info("ethos engine running")
	<-ctx.Done()
	return ctx.Err()
}

// Shutdown tears down every subsystem in initialization order, respecting
// ctx's deadline: if it expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func durationFromMinutes(m int) time.Duration {
	return time.Duration(m) * time.Minute
}

func durationFromSeconds(s int) time.Duration {
	return time.Duration(s) * time.Second
}
