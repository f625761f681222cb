package consolidate

import (
	"context"
	"log/slog"
	"time"

	"github.com/modernmethod/ethos/internal/observe"
	"github.com/modernmethod/ethos/pkg/decay"
)

// decaySweep implements spec.md §4.5's per-cycle sweep: each tier is
// processed in one bounded batch, decay.Salience runs the pure math, and
// rows crossing the prune threshold are tombstoned. A failure in one tier's
// fetch does not block the others.
func (l *Loop) decaySweep(ctx context.Context, report *Report, logger *slog.Logger) error {
	ctx, span := observe.Tracer().Start(ctx, "consolidate.decaySweep")
	defer span.End()
	start := time.Now()

	if err := l.sweepVectors(ctx, report, logger); err != nil {
		logger.Warn("consolidate: vector decay sweep failed", "err", err)
	}
	if err := l.sweepEpisodes(ctx, report, logger); err != nil {
		logger.Warn("consolidate: episode decay sweep failed", "err", err)
	}
	if err := l.sweepFacts(ctx, report, logger); err != nil {
		logger.Warn("consolidate: fact decay sweep failed", "err", err)
	}

	if l.metrics != nil {
		l.metrics.DecaySweepDuration.Record(ctx, time.Since(start).Seconds())
	}
	return nil
}

func daysBetween(a, b time.Time) float64 {
	return b.Sub(a).Hours() / 24
}

func (l *Loop) sweepVectors(ctx context.Context, report *Report, logger *slog.Logger) error {
	rows, err := l.store.Vectors().FetchForDecay(ctx, l.cfg.DecayBatchSize)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, v := range rows {
		lastAccess := v.CreatedAt
		if v.LastAccessedAt != nil {
			lastAccess = *v.LastAccessedAt
		}
		in := decay.Input{
			CurrentSalience: v.Importance,
			RetrievalCount:  v.AccessCount,
			DaysSinceAccess: daysBetween(lastAccess, now),
			DaysAlive:       daysBetween(v.CreatedAt, now),
			EmotionalTone:   0,
		}
		newImportance := decay.Salience(in, l.cfg.Decay)
		pruned := decay.ShouldPrune(newImportance, l.cfg.Decay) || (v.ExpiresAt != nil && v.ExpiresAt.Before(now))

		if err := l.store.Vectors().UpdateDecay(ctx, v.ID, newImportance, pruned); err != nil {
			logger.Warn("consolidate: vector decay update failed", "vector_id", v.ID, "err", err)
			continue
		}
		if pruned {
			report.VectorsPruned++
			if l.metrics != nil {
				l.metrics.RecordPrune(ctx, "vector")
			}
		}
	}
	return nil
}

func (l *Loop) sweepEpisodes(ctx context.Context, report *Report, logger *slog.Logger) error {
	rows, err := l.store.Episodes().FetchForDecay(ctx, l.cfg.DecayBatchSize)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, ep := range rows {
		lastAccess := ep.CreatedAt
		if ep.LastRetrievedAt != nil {
			lastAccess = *ep.LastRetrievedAt
		}
		in := decay.Input{
			CurrentSalience: ep.Salience,
			RetrievalCount:  ep.RetrievalCount,
			DaysSinceAccess: daysBetween(lastAccess, now),
			DaysAlive:       daysBetween(ep.CreatedAt, now),
			EmotionalTone:   ep.EmotionalTone,
		}
		newSalience := decay.Salience(in, l.cfg.Decay)
		pruned := decay.ShouldPrune(newSalience, l.cfg.Decay)

		if err := l.store.Episodes().UpdateDecay(ctx, ep.ID, newSalience, pruned); err != nil {
			logger.Warn("consolidate: episode decay update failed", "episode_id", ep.ID, "err", err)
			continue
		}
		if pruned {
			report.EpisodesPruned++
			if l.metrics != nil {
				l.metrics.RecordPrune(ctx, "episode")
			}
		}
	}
	return nil
}

func (l *Loop) sweepFacts(ctx context.Context, report *Report, logger *slog.Logger) error {
	rows, err := l.store.Facts().FetchActiveForDecay(ctx, l.cfg.DecayBatchSize)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, f := range rows {
		lastAccess := f.CreatedAt
		if f.LastRetrievedAt != nil {
			lastAccess = *f.LastRetrievedAt
		}
		daysSinceAccess := daysBetween(lastAccess, now)
		daysAlive := daysBetween(f.CreatedAt, now)

		newConfidence := decay.Salience(decay.Input{
			CurrentSalience: f.Confidence,
			RetrievalCount:  f.RetrievalCount,
			DaysSinceAccess: daysSinceAccess,
			DaysAlive:       daysAlive,
			EmotionalTone:   0,
		}, l.cfg.Decay)
		newSalience := decay.Salience(decay.Input{
			CurrentSalience: f.Salience,
			RetrievalCount:  f.RetrievalCount,
			DaysSinceAccess: daysSinceAccess,
			DaysAlive:       daysAlive,
			EmotionalTone:   0,
		}, l.cfg.Decay)
		pruned := decay.ShouldPrune(newConfidence, l.cfg.Decay)

		if err := l.store.Facts().UpdateDecay(ctx, f.ID, newConfidence, newSalience, pruned); err != nil {
			logger.Warn("consolidate: fact decay update failed", "fact_id", f.ID, "err", err)
			continue
		}
		if pruned {
			report.FactsPruned++
			if l.metrics != nil {
				l.metrics.RecordPrune(ctx, "fact")
			}
		}
	}
	return nil
}
