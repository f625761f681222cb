// Package consolidate implements the background consolidation loop
// (spec.md §4.4): an idle-gated periodic scan of unconsolidated episodes,
// rule-based fact extraction, conflict resolution against the active
// SemanticFact set, and the decay sweep that closes every cycle (spec.md
// §4.5). Grounded on the 5-stage pipeline and ticker-driven
// Start/Stop/stopCh/sync.WaitGroup background-service shape of
// cea25bf7_Harshitk-cp-engram's consolidation service, since the teacher
// repo has no consolidation or decay concept of its own.
package consolidate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"
	"github.com/google/uuid"

	"github.com/modernmethod/ethos/internal/observe"
	"github.com/modernmethod/ethos/pkg/decay"
	"github.com/modernmethod/ethos/pkg/ethoserr"
	"github.com/modernmethod/ethos/pkg/ratelimit"
	"github.com/modernmethod/ethos/pkg/reviewinbox"
	"github.com/modernmethod/ethos/pkg/store"
)

// Config tunes the consolidation loop and the decay sweep it runs every
// cycle.
type Config struct {
	// Interval is the ticker period between cycles. Missed ticks coalesce:
	// a slow cycle never triggers back-to-back catch-up runs.
	Interval time.Duration

	// IdleThreshold is the "event-quiet" half of the idle gate: no
	// SessionEvent may have been created within this window.
	IdleThreshold time.Duration

	// CPUThresholdPercent is the "load-quiet" half of the idle gate: the
	// 1-minute load average, normalised to percent of logical CPUs, must
	// stay below this. Unavailable load always passes the gate.
	CPUThresholdPercent float64

	// CandidateLimit bounds one cycle's episode scan.
	CandidateLimit int

	// AutoSupersedeDelta is the confidence-delta threshold at which a new
	// fact automatically supersedes a conflicting one (spec.md §4.4 step 4).
	AutoSupersedeDelta float64

	// Decay parameterises the pure salience function applied during the
	// sweep.
	Decay decay.Config

	// DecayBatchSize bounds each tier's sweep batch.
	DecayBatchSize int
}

// DefaultConfig returns the spec.md §4.4/§4.5 defaults.
func DefaultConfig() Config {
	return Config{
		Interval:            15 * time.Minute,
		IdleThreshold:       60 * time.Second,
		CPUThresholdPercent: 80,
		CandidateLimit:      100,
		AutoSupersedeDelta:  0.15,
		Decay:               decay.DefaultConfig(),
		DecayBatchSize:      500,
	}
}

// Report summarises one consolidation cycle, returned to both the ticker
// loop's log line and the manual-trigger caller.
type Report struct {
	EpisodesScanned  int
	EpisodesPromoted int
	FactsCreated     int
	FactsRefined     int
	FactsSuperseded  int
	FactsFlagged     int
	VectorsPruned    int
	EpisodesPruned   int
	FactsPruned      int
	Duration         time.Duration

	// Skipped is true when the idle gate blocked the cycle. SkipReason
	// explains why.
	Skipped    bool
	SkipReason string
}

// Loop is the background consolidation service. Safe for concurrent use by
// one Start/Stop pair and any number of concurrent manual RunCycle calls.
type Loop struct {
	store     store.Store
	cfg       Config
	idleCache ratelimit.IdleCache
	inbox     *reviewinbox.Inbox
	metrics   *observe.Metrics

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Loop. idleCache and inbox are both optional (nil disables the
// fast idle-gate path and the flagged-conflict Markdown log, respectively).
func New(st store.Store, idleCache ratelimit.IdleCache, inbox *reviewinbox.Inbox, cfg Config, metrics *observe.Metrics) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.CandidateLimit < 1 {
		cfg.CandidateLimit = 100
	}
	if cfg.DecayBatchSize < 1 {
		cfg.DecayBatchSize = 500
	}
	if cfg.AutoSupersedeDelta <= 0 {
		cfg.AutoSupersedeDelta = 0.15
	}
	return &Loop{
		store:     st,
		cfg:       cfg,
		idleCache: idleCache,
		inbox:     inbox,
		metrics:   metrics,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the ticker-driven background worker.
func (l *Loop) Start() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.cfg.Interval)
		defer ticker.Stop()

		logger := observe.Logger(context.Background())
		logger.Info("consolidation loop started", "interval", l.cfg.Interval)

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
				if _, err := l.RunCycle(ctx, false); err != nil {
					logger.Warn("consolidation cycle failed", "err", err)
				}
				cancel()
			case <-l.stopCh:
				logger.Info("consolidation loop stopped")
				return
			}
		}
	}()
}

// Stop halts the background worker and waits for any in-flight cycle to
// finish.
func (l *Loop) Stop() {
	close(l.stopCh)
	l.wg.Wait()
}

// RunCycle runs one consolidation cycle. When force is true (the manual
// `consolidate` verb), the idle gate is bypassed.
func (l *Loop) RunCycle(ctx context.Context, force bool) (*Report, error) {
	ctx, span := observe.Tracer().Start(ctx, "consolidate.RunCycle")
	defer span.End()
	start := time.Now()
	logger := observe.Logger(ctx)

	if !force {
		idle, reason, err := l.isIdle(ctx)
		if err != nil {
			return nil, ethoserr.Wrap(ethoserr.StoreError, "consolidate: idle gate check", err)
		}
		if !idle {
			logger.Info("consolidation cycle skipped", "reason", reason)
			return &Report{Skipped: true, SkipReason: reason, Duration: time.Since(start)}, nil
		}
	}

	report := &Report{}

	candidates, err := l.store.Episodes().CandidateScan(ctx, l.cfg.CandidateLimit)
	if err != nil {
		return nil, ethoserr.Wrap(ethoserr.StoreError, "consolidate: candidate scan", err)
	}
	report.EpisodesScanned = len(candidates)

	for _, ep := range candidates {
		l.processCandidate(ctx, ep, report, logger)
	}

	if l.metrics != nil && report.EpisodesPromoted > 0 {
		l.metrics.EpisodesConsolidated.Add(ctx, int64(report.EpisodesPromoted))
	}

	if err := l.decaySweep(ctx, report, logger); err != nil {
		logger.Warn("consolidate: decay sweep failed", "err", err)
	}

	report.Duration = time.Since(start)
	if l.metrics != nil {
		l.metrics.ConsolidationCycleDuration.Record(ctx, report.Duration.Seconds())
	}
	logger.Info("consolidation cycle complete",
		"episodes_scanned", report.EpisodesScanned,
		"episodes_promoted", report.EpisodesPromoted,
		"facts_created", report.FactsCreated,
		"facts_refined", report.FactsRefined,
		"facts_superseded", report.FactsSuperseded,
		"facts_flagged", report.FactsFlagged,
		"duration", report.Duration)
	return report, nil
}

// isIdle implements spec.md §4.4 step 1. The IdleCache, when present and
// populated, answers the event-quiet half without a store round trip;
// otherwise it falls back to the authoritative RecentEventExists query.
func (l *Loop) isIdle(ctx context.Context) (bool, string, error) {
	if l.idleCache != nil {
		if last, ok, err := l.idleCache.LastEvent(ctx); err == nil && ok {
			if time.Since(last) < l.cfg.IdleThreshold {
				return false, "recent session activity", nil
			}
			return l.checkLoad()
		}
	}

	recent, err := l.store.Sessions().RecentEventExists(ctx, l.cfg.IdleThreshold)
	if err != nil {
		return false, "", err
	}
	if recent {
		return false, "recent session activity", nil
	}
	return l.checkLoad()
}

func (l *Loop) checkLoad() (bool, string, error) {
	if pct, ok := loadPercent(); ok && pct >= l.cfg.CPUThresholdPercent {
		return false, fmt.Sprintf("system load %.0f%% at or above threshold", pct), nil
	}
	return true, "", nil
}

// processCandidate runs extraction and conflict resolution for one episode,
// then marks it consolidated — unless no extraction rule matched at all, in
// which case spec.md §4.4 step 3's "otherwise" row leaves it unconsolidated
// for a future cycle.
func (l *Loop) processCandidate(ctx context.Context, ep store.EpisodicTrace, report *Report, logger *slog.Logger) {
	ex, ok := extract(ep)
	if !ok {
		return
	}

	if err := l.resolve(ctx, ep, ex, report); err != nil {
		logger.Warn("consolidate: conflict resolution failed", "episode_id", ep.ID, "err", err)
	} else {
		report.EpisodesPromoted++
	}

	if err := l.store.Episodes().MarkConsolidated(ctx, ep.ID); err != nil {
		logger.Warn("consolidate: mark consolidated failed", "episode_id", ep.ID, "err", err)
	}
}

// resolve implements the conflict-resolution state machine (spec.md §4.4
// step 4). Only the first active fact sharing (subject, predicate) is
// consulted — the store's own invariant keeps that key effectively unique
// among active facts.
func (l *Loop) resolve(ctx context.Context, ep store.EpisodicTrace, ex *extraction, report *Report) error {
	existing, err := l.store.Facts().FindActiveByKey(ctx, ex.subject, ex.predicate)
	if err != nil {
		return fmt.Errorf("find active facts: %w", err)
	}

	newFact := &store.SemanticFact{
		ID:             uuid.New(),
		Kind:           ex.kind,
		Statement:      snippet(ep.Content, 500),
		Subject:        ex.subject,
		Predicate:      ex.predicate,
		Object:         ex.object,
		Topics:         ep.Topics,
		Confidence:     ex.confidence,
		SourceEpisodes: []uuid.UUID{ep.ID},
		SourceAgent:    ep.AgentID,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
		Salience:       1.0,
	}

	if len(existing) == 0 {
		if err := l.store.Facts().Insert(ctx, newFact); err != nil {
			return fmt.Errorf("insert fact: %w", err)
		}
		report.FactsCreated++
		if l.metrics != nil {
			l.metrics.FactsCreated.Add(ctx, 1)
		}
		return nil
	}

	old := existing[0]
	oldObj := strings.ToLower(old.Object)
	newObj := strings.ToLower(ex.object)

	switch {
	case oldObj != "" && newObj != "" && (strings.Contains(oldObj, newObj) || strings.Contains(newObj, oldObj)):
		moreSpecific := ex.object
		if len(old.Object) > len(ex.object) {
			moreSpecific = old.Object
		}
		if err := l.store.Facts().Refine(ctx, old.ID, moreSpecific, 0.05, ep.ID); err != nil {
			return fmt.Errorf("refine fact: %w", err)
		}
		report.FactsRefined++
		observe.Logger(ctx).Info("consolidate: refined fact",
			"fact_id", old.ID, "object", moreSpecific,
			"jaro_winkler", matchr.JaroWinkler(old.Object, ex.object, false))
		return nil

	case ex.kind == store.FactKindDecision:
		return l.supersede(ctx, old, newFact, report)

	case ex.confidence > old.Confidence+l.cfg.AutoSupersedeDelta:
		return l.supersede(ctx, old, newFact, report)

	default:
		return l.flag(ctx, old, newFact, report)
	}
}

func (l *Loop) supersede(ctx context.Context, old store.SemanticFact, newFact *store.SemanticFact, report *Report) error {
	if err := l.store.Facts().Insert(ctx, newFact); err != nil {
		return fmt.Errorf("insert superseding fact: %w", err)
	}
	if err := l.store.Facts().Supersede(ctx, old.ID, newFact.ID); err != nil {
		return fmt.Errorf("supersede fact: %w", err)
	}
	report.FactsCreated++
	report.FactsSuperseded++
	if l.metrics != nil {
		l.metrics.FactsCreated.Add(ctx, 1)
		l.metrics.FactsSuperseded.Add(ctx, 1)
	}
	return nil
}

// flag implements the "ambiguous" resolution: both facts stay active with
// flagged_for_review set, and a human-readable entry is appended to the
// review inbox. The Jaro-Winkler similarity is an observability annotation
// only — per DESIGN.md, it never feeds the resolution decision itself,
// which remains the literal substring-containment test above.
func (l *Loop) flag(ctx context.Context, old store.SemanticFact, newFact *store.SemanticFact, report *Report) error {
	newFact.FlaggedForReview = true
	if err := l.store.Facts().Insert(ctx, newFact); err != nil {
		return fmt.Errorf("insert flagged fact: %w", err)
	}
	if err := l.store.Facts().Flag(ctx, old.ID); err != nil {
		return fmt.Errorf("flag existing fact: %w", err)
	}
	report.FactsCreated++
	report.FactsFlagged++
	if l.metrics != nil {
		l.metrics.FactsCreated.Add(ctx, 1)
		l.metrics.FactsFlagged.Add(ctx, 1)
	}

	if l.inbox != nil {
		note := fmt.Sprintf("jaro-winkler object similarity %.2f", matchr.JaroWinkler(old.Object, newFact.Object, false))
		err := l.inbox.Append(reviewinbox.Entry{
			OldFactID:      old.ID,
			NewFactID:      newFact.ID,
			Subject:        old.Subject,
			Predicate:      old.Predicate,
			OldStatement:   old.Statement,
			NewStatement:   newFact.Statement,
			OldConfidence:  old.Confidence,
			NewConfidence:  newFact.Confidence,
			SimilarityNote: note,
			FlaggedAt:      time.Now(),
		})
		if err != nil {
			observe.Logger(ctx).Warn("consolidate: review inbox append failed", "err", err)
		}
	}
	return nil
}

func snippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
