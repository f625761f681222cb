package embedgw

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/modernmethod/ethos/internal/resilience"
	"github.com/modernmethod/ethos/pkg/ethoserr"
	"github.com/modernmethod/ethos/pkg/ratelimit"
)

// Config tunes a [Gateway]'s retry and fallback behavior.
type Config struct {
	// Graceful selects the "primary-with-graceful-fallback" configuration:
	// once retries are exhausted, Embed returns (nil, nil) instead of an
	// error, so the caller stores a NULL embedding and the row remains
	// keyword-searchable. When false, exhaustion surfaces
	// [ethoserr.EmbeddingUnavailable].
	Graceful bool

	// MaxAttempts is the number of attempts per call. Each attempt runs the
	// whole provider chain (the primary, then any registered fallbacks,
	// skipping those whose breaker is open); the call fails once every
	// attempt has failed. Per spec, default 3.
	MaxAttempts int

	// BaseDelay is the first retry's backoff; each subsequent retry doubles
	// it, capped at MaxDelay. Defaults: 1s base, 60s cap.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Limiter is shared across every Gateway caller (embedder worker,
	// retrieval query embedding, link builder) so that a single token
	// bucket governs backoff against the provider, per spec.md §9's
	// rate-limit discipline. Callers construct one ratelimit.Limiter — local
	// or Redis-backed — and pass it to every Gateway that talks to the same
	// provider.
	Limiter ratelimit.Limiter

	CircuitBreaker resilience.CircuitBreakerConfig
}

// Gateway is the embedding gateway: a single logical embed(text, mode)
// capability backed by a primary provider, an optional ordered list of
// fallback providers, a shared circuit breaker per provider, and a shared
// rate limiter.
//
// Gateway is safe for concurrent use.
type Gateway struct {
	fg       *resilience.FallbackGroup[Provider]
	limiter  ratelimit.Limiter
	graceful bool

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration

	dimension int
	modelID   string
}

// New constructs a Gateway around primary, named for log/breaker purposes.
// The dimension is fixed at construction and never changes for the lifetime
// of the Gateway — switching providers means constructing a new Gateway
// (and, at the store layer, resizing the vector column).
func New(primaryName string, primary Provider, cfg Config) *Gateway {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * time.Second
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.NewLocal(5, 5)
	}

	fg := resilience.NewFallbackGroup(primary, primaryName, resilience.FallbackConfig{
		CircuitBreaker: cfg.CircuitBreaker,
	})

	return &Gateway{
		fg:          fg,
		limiter:     cfg.Limiter,
		graceful:    cfg.Graceful,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		dimension:   primary.Dimensions(),
		modelID:     primary.ModelID(),
	}
}

// AddFallback registers an additional provider (e.g. a local model) tried
// after the primary fails or while its breaker is open. Used for the
// "Local" configuration layered behind a cloud "Primary".
func (g *Gateway) AddFallback(name string, provider Provider) {
	g.fg.AddFallback(name, provider)
}

// Dimensions reports the fixed vector length every embedding from this
// Gateway has.
func (g *Gateway) Dimensions() int { return g.dimension }

// ModelID reports the primary provider's model identifier, used as the
// MemoryVector.ModelTag stamped on every embedding this Gateway fills.
func (g *Gateway) ModelID() string { return g.modelID }

// Embed computes the embedding for a single text under mode. On exhaustion
// of the retry policy it either returns (nil, nil) in graceful mode, or a
// [ethoserr.EmbeddingUnavailable] error in strict mode.
func (g *Gateway) Embed(ctx context.Context, text string, mode TaskMode) ([]float32, error) {
	vec, err := g.withRetry(ctx, func(p Provider) ([]float32, error) {
		return p.Embed(ctx, text, mode)
	})
	return g.handleResult(vec, err)
}

// EmbedBatch computes embeddings for many texts in one provider call,
// subject to the same retry and fallback policy as Embed.
func (g *Gateway) EmbedBatch(ctx context.Context, texts []string, mode TaskMode) ([][]float32, error) {
	vecs, err := g.withRetryBatch(ctx, func(p Provider) ([][]float32, error) {
		return p.EmbedBatch(ctx, texts, mode)
	})
	if err != nil {
		if g.graceful {
			slog.Warn("embedding gateway exhausted retries, degrading to NULL embeddings", "error", err, "batch_size", len(texts))
			return make([][]float32, len(texts)), nil
		}
		return nil, ethoserr.Wrap(ethoserr.EmbeddingUnavailable, "embedgw: embed batch", err)
	}
	return vecs, nil
}

func (g *Gateway) handleResult(vec []float32, err error) ([]float32, error) {
	if err != nil {
		if g.graceful {
			slog.Warn("embedding gateway exhausted retries, degrading to NULL embedding", "error", err)
			return nil, nil
		}
		return nil, ethoserr.Wrap(ethoserr.EmbeddingUnavailable, "embedgw: embed", err)
	}
	return vec, nil
}

// withRetry runs fn against the fallback group, retrying the whole group
// up to maxAttempts times with exponential backoff before giving up. The
// shared limiter is waited on before every attempt, spreading backoff
// pressure across every caller of this Gateway.
func (g *Gateway) withRetry(ctx context.Context, fn func(Provider) ([]float32, error)) ([]float32, error) {
	var lastErr error
	delay := g.baseDelay
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		vec, err := resilience.ExecuteWithResult(g.fg, fn)
		if err == nil {
			return vec, nil
		}
		lastErr = err
		if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ctx.Err()
		}
		if attempt < g.maxAttempts {
			slog.Debug("embedding gateway retrying", "attempt", attempt, "delay", delay, "error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			delay *= 2
			if delay > g.maxDelay {
				delay = g.maxDelay
			}
		}
	}
	return nil, lastErr
}

func (g *Gateway) withRetryBatch(ctx context.Context, fn func(Provider) ([][]float32, error)) ([][]float32, error) {
	var lastErr error
	delay := g.baseDelay
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		vecs, err := resilience.ExecuteWithResult(g.fg, fn)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		if attempt < g.maxAttempts {
			slog.Debug("embedding gateway retrying batch", "attempt", attempt, "delay", delay, "error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			delay *= 2
			if delay > g.maxDelay {
				delay = g.maxDelay
			}
		}
	}
	return nil, lastErr
}
