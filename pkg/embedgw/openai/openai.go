// Package openai provides an [embedgw.Provider] backed by the OpenAI
// embeddings API.
package openai

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"context"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/modernmethod/ethos/pkg/embedgw"
)

// DefaultModel is the default OpenAI embeddings model.
const DefaultModel = oai.EmbeddingModelTextEmbedding3Small

var _ embedgw.Provider = (*Provider)(nil)

// Provider implements embedgw.Provider using the OpenAI API. OpenAI's
// embeddings endpoint does not distinguish document/query sub-spaces, so
// TaskMode is accepted but does not change the request.
type Provider struct {
	client oai.Client
	model  string
	dims   int
}

type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) { c.organization = org }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs a new OpenAI-backed Provider. If model is empty,
// DefaultModel is used. dimension must match the configured embedding
// column width (spec.md §4.2's dimension rule); pass 0 to infer it from
// the model name via modelDimensions.
func New(apiKey, model string, dimension int, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("embedgw/openai: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	if dimension <= 0 {
		dimension = modelDimensions(model)
	}

	return &Provider{
		client: oai.NewClient(reqOpts...),
		model:  model,
		dims:   dimension,
	}, nil
}

// Embed implements embedgw.Provider.
func (p *Provider) Embed(ctx context.Context, text string, _ embedgw.TaskMode) ([]float32, error) {
	resp, err := p.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: p.model,
		Input: oai.EmbeddingNewParamsInputUnion{OfString: param.NewOpt(text)},
	})
	if err != nil {
		return nil, fmt.Errorf("embedgw/openai: embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedgw/openai: empty response")
	}
	return float64ToFloat32(resp.Data[0].Embedding), nil
}

// EmbedBatch implements embedgw.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string, _ embedgw.TaskMode) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := p.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: p.model,
		Input: oai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})
	if err != nil {
		return nil, fmt.Errorf("embedgw/openai: embed batch: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedgw/openai: expected %d embeddings, got %d", len(texts), len(resp.Data))
	}
	result := make([][]float32, len(texts))
	for _, e := range resp.Data {
		if int(e.Index) >= len(texts) {
			return nil, fmt.Errorf("embedgw/openai: unexpected index %d", e.Index)
		}
		result[e.Index] = float64ToFloat32(e.Embedding)
	}
	return result, nil
}

// Dimensions implements embedgw.Provider.
func (p *Provider) Dimensions() int { return p.dims }

// ModelID implements embedgw.Provider.
func (p *Provider) ModelID() string { return p.model }

// modelDimensions returns the embedding width for known OpenAI models.
func modelDimensions(model string) int {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "text-embedding-3-large"):
		return 3072
	case strings.Contains(lower, "text-embedding-3-small"):
		return 1536
	case strings.Contains(lower, "text-embedding-ada-002"):
		return 1536
	default:
		return 1536
	}
}

func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
