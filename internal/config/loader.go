package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, merges it over [Default],
// and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over [Default] and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every validation failure found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Service.LogLevel != "" && !cfg.Service.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("service.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Service.LogLevel))
	}
	if cfg.Service.SocketPath == "" && cfg.Service.HTTPAddr == "" {
		errs = append(errs, errors.New("service: at least one of socket_path or http_addr must be set"))
	}

	if cfg.Store.MaxConns <= 0 {
		errs = append(errs, errors.New("store.max_conns must be positive"))
	}

	switch cfg.Embedding.Backend {
	case "openai", "ollama":
	default:
		errs = append(errs, fmt.Errorf("embedding.backend %q is invalid; valid values: openai, ollama", cfg.Embedding.Backend))
	}
	if cfg.Embedding.Dimension <= 0 {
		errs = append(errs, errors.New("embedding.dimension must be positive"))
	}
	if cfg.Embedding.Backend == "openai" && cfg.Embedding.APIKey == "" {
		errs = append(errs, errors.New("embedding.api_key is required when embedding.backend is openai"))
	}

	if cfg.Consolidation.IntervalMinutes <= 0 {
		errs = append(errs, errors.New("consolidation.interval_minutes must be positive"))
	}
	if cfg.Consolidation.MaxCandidatesPerCycle <= 0 {
		errs = append(errs, errors.New("consolidation.max_candidates_per_cycle must be positive"))
	}
	if cfg.Consolidation.ImportanceThreshold < 0 || cfg.Consolidation.ImportanceThreshold > 1 {
		errs = append(errs, errors.New("consolidation.importance_threshold must be in [0,1]"))
	}

	if cfg.Retrieval.AnchorK <= 0 {
		errs = append(errs, errors.New("retrieval.anchor_k must be positive"))
	}
	if cfg.Retrieval.Iterations < 0 {
		errs = append(errs, errors.New("retrieval.iterations must be non-negative"))
	}
	if cfg.Retrieval.SpreadingStrength < 0 || cfg.Retrieval.SpreadingStrength > 1 {
		errs = append(errs, errors.New("retrieval.spreading_strength must be in [0,1]"))
	}
	w := cfg.Retrieval.Weights
	if sum := w.Similarity + w.Activation + w.Structural; math.Abs(sum-1.0) > 1e-6 {
		errs = append(errs, fmt.Errorf("retrieval.weights must sum to 1, got %.4f", sum))
	}

	if cfg.Decay.BaseTauDays <= 0 {
		errs = append(errs, errors.New("decay.base_tau_days must be positive"))
	}
	if cfg.Decay.LTPMultiplier < 1 {
		errs = append(errs, errors.New("decay.ltp_multiplier must be >= 1"))
	}
	if cfg.Decay.PruneThreshold < 0 || cfg.Decay.PruneThreshold > 1 {
		errs = append(errs, errors.New("decay.prune_threshold must be in [0,1]"))
	}

	if cfg.Conflict.AutoSupersedeDelta < 0 || cfg.Conflict.AutoSupersedeDelta > 1 {
		errs = append(errs, errors.New("conflict.auto_supersede_delta must be in [0,1]"))
	}
	if cfg.Conflict.ReviewInboxPath == "" {
		errs = append(errs, errors.New("conflict.review_inbox_path must not be empty"))
	}

	return errors.Join(errs...)
}
