package episodic

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-mind/internal/apperr"
	"github.com/nidhogg/nuka-mind/internal/memory"
	"github.com/nidhogg/nuka-mind/internal/store"
)

// ConsolidateMemories tags and re-scores up to ConsolidationBatch pending
// episodes, newest first, and marks them consolidated. The run stops
// between items when ctx is cancelled; already processed items stay done.
func (s *Store) ConsolidateMemories(ctx context.Context, personaID string) (*ConsolidationResult, error) {
	result := &ConsolidationResult{Patterns: map[string]int{}, Adjustments: []ImportanceChange{}}
	pending, err := s.ListUnconsolidated(ctx, personaID, s.cfg.ConsolidationBatch)
	if err != nil {
		return result, err
	}

	now := s.now()
	for _, e := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		tags := DerivePatterns(e, s.cfg)
		after := ConsolidatedImportance(e, tags, now, s.cfg)
		patterns := memory.MergeTags(e.Patterns, tags...)
		b, _ := json.Marshal(patterns)

		_, err := s.db.Exec(ctx, s.db.Builder().Update(table).
			Set("importance", after).
			Set("patterns", string(b)).
			Set("is_consolidated", 1).
			Set("consolidated_at", store.Millis(now)).
			Where(sq.Eq{"id": e.ID}))
		if err != nil {
			return result, apperr.Storage("consolidate episode "+e.ID, err)
		}

		result.Processed++
		for _, tag := range tags {
			result.Patterns[tag]++
		}
		if math.Abs(after-e.ImportanceScore) > 1e-9 {
			result.Adjustments = append(result.Adjustments, ImportanceChange{MemoryID: e.ID, Before: e.ImportanceScore, After: after})
		}
	}

	if result.Processed > 0 {
		s.logger.Info("Episodes consolidated",
			zap.String("persona", personaID),
			zap.Int("processed", result.Processed),
			zap.Int("adjusted", len(result.Adjustments)))
	}
	return result, nil
}

// Rescore writes a recomputed importance and extra pattern tags in one
// statement. It is used by consolidation passes that derive importance from
// the immutable base score.
func (s *Store) Rescore(ctx context.Context, e *Entry, importance float64, tags []string) error {
	importance = memory.Clamp01(importance)
	patterns := memory.MergeTags(e.Patterns, tags...)
	b, _ := json.Marshal(patterns)
	_, err := s.db.Exec(ctx, s.db.Builder().Update(table).
		Set("importance", importance).
		Set("patterns", string(b)).
		Where(sq.Eq{"id": e.ID}))
	if err != nil {
		return apperr.Storage("rescore episode "+e.ID, err)
	}
	e.ImportanceScore = importance
	e.Patterns = patterns
	return nil
}

// PurgeDecayed deletes episodes (and their vectors) whose importance is
// below maxImportance and that are older than minAge.
func (s *Store) PurgeDecayed(ctx context.Context, personaID string, maxImportance float64, minAge time.Duration) (int, error) {
	cutoff := store.Millis(s.now().Add(-minAge))
	var ids []string
	err := s.db.Query(ctx, s.db.Builder().Select("id").From(table).Where(sq.And{
		sq.Eq{"persona_id": personaID},
		sq.Lt{"importance": maxImportance},
		sq.Lt{"occurred_at": cutoff},
	}), func(rows *sql.Rows) error {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return 0, apperr.Storage("select decayed episodes", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	err = s.indexer.Remove(ctx, ids, func(ctx context.Context) error {
		_, err := s.db.Exec(ctx, s.db.Builder().Delete(table).Where(sq.Eq{"id": ids}))
		return apperr.Storage("purge episodes", err)
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("Decayed episodes purged", zap.String("persona", personaID), zap.Int("count", len(ids)))
	return len(ids), nil
}

// Archive tags (without deleting) episodes whose importance is below
// maxImportance and that are older than minAge.
func (s *Store) Archive(ctx context.Context, personaID string, maxImportance float64, minAge time.Duration) (int, error) {
	cutoff := store.Millis(s.now().Add(-minAge))
	entries, err := s.list(ctx, s.selectEntries().Where(sq.And{
		sq.Eq{"persona_id": personaID, "is_archived": 0},
		sq.Lt{"importance": maxImportance},
		sq.Lt{"occurred_at": cutoff},
	}))
	if err != nil {
		return 0, apperr.Storage("select archivable episodes", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	err = s.db.WithTx(ctx, func(ctx context.Context) error {
		for _, e := range entries {
			b, _ := json.Marshal(memory.MergeTags(e.Patterns, TagArchived))
			_, err := s.db.Exec(ctx, s.db.Builder().Update(table).
				Set("is_archived", 1).
				Set("patterns", string(b)).
				Where(sq.Eq{"id": e.ID}))
			if err != nil {
				return apperr.Storage("archive episode "+e.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("Episodes archived", zap.String("persona", personaID), zap.Int("count", len(entries)))
	return len(entries), nil
}

// Statistics aggregates the persona's episodes. Failures are logged and
// yield whatever was gathered so far.
func (s *Store) Statistics(ctx context.Context, personaID string) *Statistics {
	stats := &Statistics{ByEventType: map[string]int{}}

	var (
		avg                    sql.NullFloat64
		consolidated, archived sql.NullInt64
		oldest, newest, last   sql.NullInt64
	)
	err := s.db.QueryRow(ctx, s.db.Builder().Select(
		"COUNT(*)",
		"AVG(importance)",
		"SUM(is_consolidated)",
		"SUM(is_archived)",
		"MIN(occurred_at)",
		"MAX(occurred_at)",
		"MAX(consolidated_at)",
	).From(table).Where(sq.Eq{"persona_id": personaID}),
		&stats.Total, &avg, &consolidated, &archived, &oldest, &newest, &last)
	if err != nil {
		s.logger.Warn("Episode statistics unavailable", zap.String("persona", personaID), zap.Error(err))
		return stats
	}
	stats.AverageImportance = avg.Float64
	stats.Consolidated = int(consolidated.Int64)
	stats.Archived = int(archived.Int64)
	stats.Pending = stats.Total - stats.Consolidated
	stats.Oldest = store.FromNullMillis(oldest)
	stats.Newest = store.FromNullMillis(newest)
	stats.LastConsolidation = store.FromNullMillis(last)

	err = s.db.Query(ctx, s.db.Builder().Select("event_type", "COUNT(*)").From(table).
		Where(sq.Eq{"persona_id": personaID}).GroupBy("event_type"),
		func(rows *sql.Rows) error {
			var (
				eventType string
				n         int
			)
			if err := rows.Scan(&eventType, &n); err != nil {
				return err
			}
			stats.ByEventType[eventType] = n
			return nil
		})
	if err != nil {
		s.logger.Warn("Episode type breakdown unavailable", zap.String("persona", personaID), zap.Error(err))
	}
	return stats
}
