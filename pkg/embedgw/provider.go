// Package embedgw is the embedding gateway: an abstraction over whatever
// text-embedding backend is configured, mapping text to a fixed-dimension
// vector with document/query task-mode asymmetry.
//
// A Gateway wraps one or more [Provider] instances, each behind its own
// circuit breaker, with one retry policy for the whole chain. Callers never
// talk to a Provider directly.
package embedgw

import "context"

// Provider is the abstraction over any text-embedding backend. All vectors
// returned by a single Provider instance share one dimensionality.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Embed computes the embedding vector for a single text string under the
	// given task mode. Returns a slice of length Dimensions() or an error.
	Embed(ctx context.Context, text string, mode TaskMode) ([]float32, error)

	// EmbedBatch computes embeddings for many texts in one provider call.
	// The returned slice has the same length and order as texts.
	EmbedBatch(ctx context.Context, texts []string, mode TaskMode) ([][]float32, error)

	// Dimensions returns the fixed vector length produced by this provider.
	Dimensions() int

	// ModelID returns the provider-specific model identifier, for logging.
	ModelID() string
}

// TaskMode selects the embedding sub-space a text is projected into.
// Mirrors [github.com/modernmethod/ethos/pkg/store.TaskMode] but kept
// independent so this package has no dependency on the store's schema types.
type TaskMode string

const (
	TaskDocument TaskMode = "document"
	TaskQuery    TaskMode = "query"
)
