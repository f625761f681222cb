// Package ollama provides an [embedgw.Provider] backed by a local Ollama
// server, for the "Local" (offline, D₂) embedding configuration.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/modernmethod/ethos/pkg/embedgw"
)

// DefaultBaseURL is the default base URL for a locally running Ollama instance.
const DefaultBaseURL = "http://localhost:11434"

var _ embedgw.Provider = (*Provider)(nil)

// Provider implements embedgw.Provider using a local Ollama server's
// /api/embed endpoint. Some Ollama embedding models (e.g. nomic-embed-text)
// expect a "search_query: " / "search_document: " prefix to distinguish the
// two task modes; Provider applies that convention for models it recognises
// and passes text through verbatim otherwise.
type Provider struct {
	baseURL    string
	model      string
	httpClient *http.Client

	dimensions int
	detectOnce sync.Once
	detectErr  error
}

type config struct {
	timeout    time.Duration
	dimensions int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithTimeout sets a per-request HTTP timeout on the underlying HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithDimensions pre-sets the embedding dimension, bypassing the look-up
// table and the probe request Dimensions() would otherwise issue.
func WithDimensions(dims int) Option {
	return func(c *config) { c.dimensions = dims }
}

// New constructs a new Ollama-backed Provider. baseURL defaults to
// DefaultBaseURL when empty; model must not be empty.
func New(baseURL, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("embedgw/ollama: model must not be empty")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	httpClient := &http.Client{}
	if cfg.timeout > 0 {
		httpClient.Timeout = cfg.timeout
	}

	p := &Provider{
		baseURL:    baseURL,
		model:      model,
		httpClient: httpClient,
		dimensions: cfg.dimensions,
	}
	if p.dimensions == 0 {
		p.dimensions = knownDimensions(model)
	}
	return p, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed implements embedgw.Provider.
func (p *Provider) Embed(ctx context.Context, text string, mode embedgw.TaskMode) ([]float32, error) {
	vecs, err := p.callEmbed(ctx, []string{applyModePrefix(p.model, text, mode)})
	if err != nil {
		return nil, fmt.Errorf("embedgw/ollama: embed: %w", err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("embedgw/ollama: embed: empty response")
	}
	return vecs[0], nil
}

// EmbedBatch implements embedgw.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string, mode embedgw.TaskMode) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	prefixed := make([]string, len(texts))
	for i, t := range texts {
		prefixed[i] = applyModePrefix(p.model, t, mode)
	}
	vecs, err := p.callEmbed(ctx, prefixed)
	if err != nil {
		return nil, fmt.Errorf("embedgw/ollama: embed batch: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embedgw/ollama: expected %d embeddings, got %d", len(texts), len(vecs))
	}
	return vecs, nil
}

// Dimensions implements embedgw.Provider, probing a live server once for
// models not present in the built-in table.
func (p *Provider) Dimensions() int {
	if p.dimensions != 0 {
		return p.dimensions
	}
	p.detectOnce.Do(func() {
		vecs, err := p.callEmbed(context.Background(), []string{"probe"})
		if err != nil {
			p.detectErr = err
			return
		}
		if len(vecs) > 0 {
			p.dimensions = len(vecs[0])
		}
	})
	return p.dimensions
}

// ModelID implements embedgw.Provider.
func (p *Provider) ModelID() string { return p.model }

func (p *Provider) callEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("empty embeddings in response")
	}
	return result.Embeddings, nil
}

// knownDimensions returns the well-known output width for recognised Ollama
// embedding models. Returns 0 for unknown models, triggering a probe on the
// first Dimensions() call.
func knownDimensions(model string) int {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "nomic-embed-text"):
		return 768
	case strings.Contains(lower, "mxbai-embed-large"):
		return 1024
	case strings.Contains(lower, "all-minilm"):
		return 384
	default:
		return 0
	}
}

// applyModePrefix adds the document/query instruction prefix nomic-embed-text
// expects. Other models receive the text unmodified: the asymmetry is a
// quality improvement, not a correctness requirement (spec.md §4.2).
func applyModePrefix(model, text string, mode embedgw.TaskMode) string {
	if !strings.Contains(strings.ToLower(model), "nomic-embed-text") {
		return text
	}
	switch mode {
	case embedgw.TaskQuery:
		return "search_query: " + text
	default:
		return "search_document: " + text
	}
}
