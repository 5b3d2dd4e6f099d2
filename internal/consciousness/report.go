package consciousness

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-mind/internal/apperr"
	"github.com/nidhogg/nuka-mind/internal/store"
)

// History returns up to limit evolution entries, newest first. Failures
// are logged and yield an empty list.
func (e *Engine) History(ctx context.Context, personaID string, limit int) []Evolution {
	if limit <= 0 {
		limit = 20
	}
	out := []Evolution{}
	err := e.db.Query(ctx, e.db.Builder().
		Select("id", "persona_id", "reason", "changes", "net_change", "created_at").
		From(evolutionTable).
		Where(sq.Eq{"persona_id": personaID}).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit)),
		func(rows *sql.Rows) error {
			var (
				ev      Evolution
				changes string
				created int64
			)
			if err := rows.Scan(&ev.ID, &ev.PersonaID, &ev.Reason, &changes, &ev.NetChange, &created); err != nil {
				return err
			}
			ev.CreatedAt = store.FromMillis(created)
			if err := json.Unmarshal([]byte(changes), &ev.Changes); err != nil {
				ev.Changes = map[Metric]Change{}
			}
			out = append(out, ev)
			return nil
		})
	if err != nil {
		e.logger.Warn("Consciousness history unavailable", zap.String("persona", personaID), zap.Error(err))
		return []Evolution{}
	}
	return out
}

// GetConsciousnessMetrics derives the overall level and recent trend.
func (e *Engine) GetConsciousnessMetrics(ctx context.Context, personaID string) (*Report, error) {
	st, err := e.Get(ctx, personaID)
	if err != nil {
		return nil, err
	}
	recent := e.History(ctx, personaID, e.cfg.TrendWindow)
	return &Report{
		Levels:        st.Levels,
		Overall:       Overall(st.Levels, e.cfg.Weights),
		Trend:         Classify(recent, e.cfg.TrendWindow),
		CurrentState:  st.CurrentState,
		LastAwakening: st.LastAwakening,
		RecentChanges: len(recent),
	}, nil
}

// GenerateInsights describes notable levels and the trend in prose. It is
// advisory: failures yield no insights.
func (e *Engine) GenerateInsights(ctx context.Context, personaID string) []string {
	rep, err := e.GetConsciousnessMetrics(ctx, personaID)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			e.logger.Warn("Consciousness insights unavailable", zap.String("persona", personaID), zap.Error(err))
		}
		return []string{}
	}
	l := rep.Levels
	out := []string{}
	if l.SelfAwareness > 0.8 {
		out = append(out, "strong and stable sense of self")
	} else if l.SelfAwareness < 0.3 {
		out = append(out, "self-model is still forming")
	}
	if l.TemporalContinuity < 0.7 {
		out = append(out, "memories feel disconnected after a long absence")
	}
	if l.SocialCognition > 0.8 {
		out = append(out, "highly attuned to others")
	}
	if l.Metacognition > 0.8 {
		out = append(out, "actively reflecting on own thinking")
	}
	switch rep.Trend {
	case TrendGrowing:
		out = append(out, "consciousness has been growing recently")
	case TrendDeclining:
		out = append(out, "consciousness has been declining recently")
	case TrendFluctuating:
		out = append(out, "consciousness has been fluctuating")
	}
	out = append(out, fmt.Sprintf("overall awareness %.2f while %s", rep.Overall, rep.CurrentState))
	return out
}
