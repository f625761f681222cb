package decay

import (
	"math"
	"testing"
)

func approxEqual(a, b, eps float64) bool {
	return math.Abs(a-b) < eps
}

func TestSalienceNoDecayAtZeroDays(t *testing.T) {
	cfg := DefaultConfig()
	in := Input{CurrentSalience: 1.0, DaysSinceAccess: 0, DaysAlive: 1}
	got := Salience(in, cfg)
	if !approxEqual(got, 1.0, 1e-9) {
		t.Errorf("Salience at t=0 = %v, want 1.0", got)
	}
}

func TestSalienceDecaysOverTime(t *testing.T) {
	cfg := DefaultConfig()
	in := Input{CurrentSalience: 1.0, DaysSinceAccess: 7, DaysAlive: 7}
	got := Salience(in, cfg)
	if got >= 1.0 {
		t.Errorf("Salience after one tau should have decayed below 1.0, got %v", got)
	}
	// exp(-1) ~= 0.368, undamped by any retrieval or emotional boost.
	want := math.Exp(-1)
	if !approxEqual(got, want, 1e-9) {
		t.Errorf("Salience(t=tau) = %v, want %v", got, want)
	}
}

func TestSalienceIsMonotoneWithoutRetrieval(t *testing.T) {
	cfg := DefaultConfig()
	base := Input{CurrentSalience: 0.8, DaysAlive: 30}
	prev := Salience(Input{CurrentSalience: base.CurrentSalience, DaysSinceAccess: 1, DaysAlive: base.DaysAlive}, cfg)
	for _, t2 := range []float64{2, 5, 10, 20, 40} {
		cur := Salience(Input{CurrentSalience: base.CurrentSalience, DaysSinceAccess: t2, DaysAlive: base.DaysAlive}, cfg)
		if cur > prev {
			t.Errorf("salience increased as t grew from a prior value: %v -> %v at t=%v", prev, cur, t2)
		}
		prev = cur
	}
}

func TestSalienceClampedToUnitInterval(t *testing.T) {
	cfg := DefaultConfig()
	cases := []Input{
		{CurrentSalience: 1.0, RetrievalCount: 1000, DaysSinceAccess: 0, DaysAlive: 1, EmotionalTone: 1},
		{CurrentSalience: 0.0, DaysSinceAccess: 100, DaysAlive: 100},
		{CurrentSalience: 2.0, DaysSinceAccess: 0, DaysAlive: 1}, // out-of-range input salience
	}
	for _, in := range cases {
		got := Salience(in, cfg)
		if got < 0 || got > 1 {
			t.Errorf("Salience(%+v) = %v, out of [0,1]", in, got)
		}
	}
}

func TestRetrievalWidensEffectiveTau(t *testing.T) {
	cfg := DefaultConfig()
	noRetrieval := Salience(Input{CurrentSalience: 1.0, DaysSinceAccess: 14, DaysAlive: 14}, cfg)
	withRetrieval := Salience(Input{CurrentSalience: 1.0, RetrievalCount: 5, DaysSinceAccess: 14, DaysAlive: 14}, cfg)
	if withRetrieval <= noRetrieval {
		t.Errorf("a frequently-retrieved memory should decay slower: got %v (retrieved) <= %v (never)", withRetrieval, noRetrieval)
	}
}

func TestEmotionalToneBoostsSalience(t *testing.T) {
	cfg := DefaultConfig()
	neutral := Salience(Input{CurrentSalience: 0.5, DaysSinceAccess: 3, DaysAlive: 10, EmotionalTone: 0}, cfg)
	emotional := Salience(Input{CurrentSalience: 0.5, DaysSinceAccess: 3, DaysAlive: 10, EmotionalTone: 1}, cfg)
	if emotional <= neutral {
		t.Errorf("positive emotional tone should potentiate salience: got %v (emotional) <= %v (neutral)", emotional, neutral)
	}
}

func TestNegativeEmotionalToneClampsToZeroContribution(t *testing.T) {
	// Per DESIGN.md's recorded Open Question decision: negative tone is
	// clamped to 0 rather than converted to its absolute value, so it must
	// behave identically to EmotionalTone=0.
	cfg := DefaultConfig()
	zero := Salience(Input{CurrentSalience: 0.5, DaysSinceAccess: 3, DaysAlive: 10, EmotionalTone: 0}, cfg)
	negative := Salience(Input{CurrentSalience: 0.5, DaysSinceAccess: 3, DaysAlive: 10, EmotionalTone: -0.9}, cfg)
	if !approxEqual(zero, negative, 1e-12) {
		t.Errorf("negative emotional tone should clamp to the same result as zero: %v vs %v", negative, zero)
	}
}

func TestFrequencyTermCapsAtOne(t *testing.T) {
	cfg := DefaultConfig()
	// RetrievalCount far exceeding DaysAlive should cap f at 1, not grow
	// unbounded.
	cappedHigh := Salience(Input{CurrentSalience: 0.9, RetrievalCount: 1000, DaysSinceAccess: 0, DaysAlive: 1}, cfg)
	cappedAtOne := Salience(Input{CurrentSalience: 0.9, RetrievalCount: 1, DaysSinceAccess: 0, DaysAlive: 1}, cfg)
	if !approxEqual(cappedHigh, cappedAtOne, 1e-9) {
		t.Errorf("f should cap at 1 regardless of how far RetrievalCount exceeds DaysAlive: %v vs %v", cappedHigh, cappedAtOne)
	}
}

func TestDaysAliveFlooredToOne(t *testing.T) {
	cfg := DefaultConfig()
	// A same-day memory (DaysAlive=0) must not divide by zero or blow up f.
	got := Salience(Input{CurrentSalience: 1.0, RetrievalCount: 1, DaysSinceAccess: 0, DaysAlive: 0}, cfg)
	want := Salience(Input{CurrentSalience: 1.0, RetrievalCount: 1, DaysSinceAccess: 0, DaysAlive: 1}, cfg)
	if !approxEqual(got, want, 1e-9) {
		t.Errorf("DaysAlive=0 should behave as DaysAlive=1: got %v, want %v", got, want)
	}
}

func TestShouldPrune(t *testing.T) {
	cfg := DefaultConfig()
	if !ShouldPrune(0.04, cfg) {
		t.Error("0.04 should be below the default prune threshold of 0.05")
	}
	if ShouldPrune(0.05, cfg) {
		t.Error("0.05 should not be below the default prune threshold (strict less-than)")
	}
	if ShouldPrune(0.5, cfg) {
		t.Error("0.5 should not be prunable")
	}
}

func TestLTPBoost(t *testing.T) {
	if got := LTPBoost(0.5, 1.1); !approxEqual(got, 0.55, 1e-9) {
		t.Errorf("LTPBoost(0.5, 1.1) = %v, want 0.55", got)
	}
	if got := LTPBoost(0.99, 1.1); got != 1.0 {
		t.Errorf("LTPBoost should cap at 1.0, got %v", got)
	}
}

func TestConfidenceBoost(t *testing.T) {
	if got := ConfidenceBoost(0.5, 0.02); !approxEqual(got, 0.52, 1e-9) {
		t.Errorf("ConfidenceBoost(0.5, 0.02) = %v, want 0.52", got)
	}
	if got := ConfidenceBoost(0.99, 0.05); got != 1.0 {
		t.Errorf("ConfidenceBoost should cap at 1.0, got %v", got)
	}
}
