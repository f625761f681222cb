// Package decay implements the engine's salience function: a pure,
// dependency-free model of Ebbinghaus-style exponential decay attenuated by
// retrieval-frequency long-term potentiation and emotional weighting
// (spec.md §4.5). It performs no I/O and is exhaustively unit-testable.
package decay

import "math"

// Config parameterises the salience function. The zero value is invalid;
// use [DefaultConfig].
type Config struct {
	// BaseTau is the base decay time constant, in days.
	BaseTau float64

	// LTPMultiplier widens the effective time constant per retrieval:
	// tau_eff = BaseTau * LTPMultiplier^retrievalCount.
	LTPMultiplier float64

	// FrequencyWeight (α) scales the retrieval-frequency potentiation term.
	FrequencyWeight float64

	// EmotionalWeight (β) scales the emotional-tone potentiation term.
	EmotionalWeight float64

	// PruneThreshold is the salience floor below which a memory should be
	// tombstoned. Not applied by [Salience] itself — callers compare the
	// result against this threshold.
	PruneThreshold float64
}

// DefaultConfig returns the spec.md §4.5 defaults.
func DefaultConfig() Config {
	return Config{
		BaseTau:         7.0,
		LTPMultiplier:   1.5,
		FrequencyWeight: 0.3,
		EmotionalWeight: 0.2,
		PruneThreshold:  0.05,
	}
}

// Input is the full set of per-memory state the salience function reads.
type Input struct {
	// CurrentSalience (S₀) is the memory's salience before this decay step.
	CurrentSalience float64

	// RetrievalCount is the number of times this memory has been retrieved.
	RetrievalCount int

	// DaysSinceAccess (t) is the number of days since the memory was last
	// accessed, or since creation if it was never retrieved.
	DaysSinceAccess float64

	// DaysAlive is the memory's total age in days, used as the denominator
	// of the retrieval-frequency term. Floored to 1 by [Salience] so a
	// same-day memory doesn't divide by (near-)zero.
	DaysAlive float64

	// EmotionalTone is the memory's raw signed emotional valence in
	// [-1,1]. [Salience] clamps it to [0,1] per spec.md's literal formula;
	// see DESIGN.md for the Open Question on negative-emotion handling.
	EmotionalTone float64
}

// clamp restricts v to [lo, hi].
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Salience computes the next salience value from in under cfg, implementing
// spec.md §4.5's formula exactly:
//
//	t     = DaysSinceAccess
//	τ_eff = BaseTau * LTPMultiplier^RetrievalCount
//	f     = min(RetrievalCount / max(DaysAlive, 1), 1)
//	E     = clamp(EmotionalTone, 0, 1)
//	new   = clamp(S₀ * exp(-t/τ_eff) * (1 + α·f) * (1 + β·E), 0, 1)
//
// The result is always in [0,1]. Compare it against cfg.PruneThreshold to
// decide whether the memory should be tombstoned.
func Salience(in Input, cfg Config) float64 {
	s0 := clamp(in.CurrentSalience, 0, 1)
	tauEff := cfg.BaseTau * math.Pow(cfg.LTPMultiplier, float64(in.RetrievalCount))

	daysAlive := in.DaysAlive
	if daysAlive < 1 {
		daysAlive = 1
	}
	f := float64(in.RetrievalCount) / daysAlive
	if f > 1 {
		f = 1
	}

	e := clamp(in.EmotionalTone, 0, 1)

	decayed := s0 * math.Exp(-in.DaysSinceAccess/tauEff)
	potentiated := decayed * (1 + cfg.FrequencyWeight*f) * (1 + cfg.EmotionalWeight*e)

	return clamp(potentiated, 0, 1)
}

// ShouldPrune reports whether salience has fallen below cfg's prune
// threshold.
func ShouldPrune(salience float64, cfg Config) bool {
	return salience < cfg.PruneThreshold
}

// LTPBoost applies the retrieval-triggered potentiation bump from spec.md
// §4.5's LTP record rule: min(current*factor, 1). Episode and fact salience
// both use factor 1.1; vector importance uses 1.05.
func LTPBoost(current, factor float64) float64 {
	return clamp(current*factor, 0, 1)
}

// ConfidenceBoost applies the fact-specific LTP confidence bump: an additive
// +delta capped at 1.0, distinct from the multiplicative salience boost.
func ConfidenceBoost(current, delta float64) float64 {
	return clamp(current+delta, 0, 1)
}
