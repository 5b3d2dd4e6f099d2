package consolidation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-mind/internal/vectorstore"
)

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

func (e *Engine) full(ctx context.Context, personaID string, r *Report) error {
	if err := e.creative(ctx, personaID, r); err != nil {
		return err
	}

	dups, err := e.reorganizer.RemoveDuplicates(ctx, personaID)
	if err != nil {
		return fmt.Errorf("remove duplicates: %w", err)
	}
	if dups > 0 {
		r.insight("removed %d duplicate memories", dups)
	}

	purged, err := e.episodic.PurgeDecayed(ctx, personaID, e.cfg.PurgeImportance, days(e.cfg.PurgeAgeDays))
	if err != nil {
		return err
	}
	if purged > 0 {
		r.insight("purged %d faded episodes", purged)
	}
	archived, err := e.episodic.Archive(ctx, personaID, e.cfg.ArchiveImportance, days(e.cfg.ArchiveAgeDays))
	if err != nil {
		return err
	}
	if archived > 0 {
		r.insight("archived %d stale episodes", archived)
	}

	hierarchy, err := e.reorganizer.ReorganizeHierarchy(ctx, personaID)
	if err != nil {
		return fmt.Errorf("reorganize hierarchy: %w", err)
	}
	r.Insights = append(r.Insights, hierarchy...)
	assoc, err := e.reorganizer.OptimizeAssociations(ctx, personaID)
	if err != nil {
		return fmt.Errorf("optimize associations: %w", err)
	}
	r.Insights = append(r.Insights, assoc...)

	return e.withPatterns(ctx, personaID, r)
}

// Maintenance prunes skills, purges decayed episodes, checks that every
// memory row has its vector and refreshes the episodic statistics.
func (e *Engine) Maintenance(ctx context.Context, personaID string) (*Report, error) {
	return e.run(ctx, PassMaintenance, personaID, func(ctx context.Context, r *Report) error {
		pruned, err := e.procedural.PruneSkills(ctx, personaID)
		if err != nil {
			return err
		}
		if len(pruned) > 0 {
			r.insight("pruned %d unused skills", len(pruned))
		}
		purged, err := e.episodic.PurgeDecayed(ctx, personaID, e.cfg.PurgeImportance, days(e.cfg.PurgeAgeDays))
		if err != nil {
			return err
		}
		if purged > 0 {
			r.insight("purged %d faded episodes", purged)
		}

		e.checkIntegrity(ctx, personaID, r)

		stats := e.episodic.Statistics(ctx, personaID)
		r.ConsolidatedCount = stats.Consolidated
		r.insight("episodes: %d total, %d pending, average importance %.2f",
			stats.Total, stats.Pending, stats.AverageImportance)
		return nil
	})
}

// checkIntegrity compares row and vector counts per memory type. It is
// advisory and only reports mismatches.
func (e *Engine) checkIntegrity(ctx context.Context, personaID string, r *Report) {
	if e.index == nil {
		return
	}
	checks := []struct {
		kind  string
		count func(context.Context, string) (int, error)
	}{
		{vectorstore.TypeEpisodic, e.episodic.Count},
		{vectorstore.TypeSemantic, e.semantic.Count},
		{vectorstore.TypeProcedural, e.procedural.Count},
	}
	for _, c := range checks {
		rows, err := c.count(ctx, personaID)
		if err != nil {
			e.logger.Warn("Integrity check skipped", zap.String("kind", c.kind), zap.Error(err))
			continue
		}
		vectors, err := e.index.Count(ctx, vectorstore.Filter{
			vectorstore.KeyType:      c.kind,
			vectorstore.KeyPersonaID: personaID,
		})
		if err != nil {
			e.logger.Warn("Integrity check skipped", zap.String("kind", c.kind), zap.Error(err))
			continue
		}
		if rows != vectors {
			r.insight("integrity: %d %s rows but %d vectors", rows, c.kind, vectors)
			e.logger.Warn("Memory index out of sync",
				zap.String("persona", personaID),
				zap.String("kind", c.kind),
				zap.Int("rows", rows),
				zap.Int("vectors", vectors))
		}
	}
}
