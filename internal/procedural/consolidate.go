package procedural

import (
	"context"
	"encoding/json"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-mind/internal/apperr"
	"github.com/nidhogg/nuka-mind/internal/memory"
	"github.com/nidhogg/nuka-mind/internal/store"
)

// ConsolidateSkills merges same-domain skills whose similarity to a seed
// exceeds the merge threshold, then prunes. The primary of each group is
// the member with the best MergeScore; it takes the usage-weighted success
// rate, the summed usage and the union of context conditions.
func (s *Store) ConsolidateSkills(ctx context.Context, personaID string) (*ConsolidationResult, error) {
	res := &ConsolidationResult{Merged: []string{}, Removed: []string{}, Pruned: []string{}}
	skills, err := s.ListForPersona(ctx, personaID, "")
	if err != nil {
		return res, err
	}

	done := make(map[string]bool, len(skills))
	for i, seed := range skills {
		if done[seed.ID] {
			continue
		}
		group := []*Skill{seed}
		for _, other := range skills[i+1:] {
			if done[other.ID] || other.Domain != seed.Domain {
				continue
			}
			if Similarity(seed, other, s.cfg) > s.cfg.MergeThreshold {
				group = append(group, other)
			}
		}
		if len(group) < 2 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		primary, removed, err := s.merge(ctx, group)
		if err != nil {
			return res, err
		}
		for _, sk := range group {
			done[sk.ID] = true
		}
		res.Groups++
		res.Merged = append(res.Merged, primary)
		res.Removed = append(res.Removed, removed...)
	}

	pruned, err := s.PruneSkills(ctx, personaID)
	if err != nil {
		return res, err
	}
	res.Pruned = pruned

	if res.Groups > 0 {
		s.logger.Info("Skills consolidated",
			zap.String("persona", personaID),
			zap.Int("groups", res.Groups),
			zap.Int("removed", len(res.Removed)))
	}
	return res, nil
}

func (s *Store) merge(ctx context.Context, group []*Skill) (string, []string, error) {
	best := 0
	for i, sk := range group {
		if MergeScore(sk) > MergeScore(group[best]) {
			best = i
		}
	}
	primary := *group[best]

	var weighted float64
	usage := 0
	conds := append([]string{}, primary.ContextConditions...)
	ids := make([]string, 0, len(group)-1)
	for i, sk := range group {
		weighted += sk.SuccessRate * float64(sk.UsageCount)
		usage += sk.UsageCount
		if sk.LastUsed.After(primary.LastUsed) {
			primary.LastUsed = sk.LastUsed
		}
		if i != best {
			conds = memory.MergeTags(conds, sk.ContextConditions...)
			ids = append(ids, sk.ID)
		}
	}
	if usage > 0 {
		primary.SuccessRate = memory.Clamp01(weighted / float64(usage))
	}
	primary.UsageCount = usage
	primary.ContextConditions = conds
	primary.UpdatedAt = s.now()
	pattern, err := withPatternKey(primary.Pattern, "merged_from", ids)
	if err != nil {
		return "", nil, err
	}
	primary.Pattern = pattern

	vec, err := s.embedder.EmbedOne(ctx, EmbeddingText(&primary))
	if err != nil {
		return "", nil, err
	}
	condsJSON, _ := json.Marshal(conds)

	err = s.db.WithTx(ctx, func(ctx context.Context) error {
		err := s.indexer.Put(ctx, s.vectorEntry(&primary, vec), false, func(ctx context.Context) error {
			_, err := s.db.Exec(ctx, s.db.Builder().Update(table).
				Set("success_rate", primary.SuccessRate).
				Set("usage_count", primary.UsageCount).
				Set("context_conditions", string(condsJSON)).
				Set("pattern", primary.Pattern.Stored()).
				Set("last_used", store.Millis(primary.LastUsed)).
				Set("updated_at", store.Millis(primary.UpdatedAt)).
				Where(sq.Eq{"id": primary.ID}))
			return apperr.Storage("update merged skill", err)
		})
		if err != nil {
			return err
		}
		return s.indexer.Remove(ctx, ids, func(ctx context.Context) error {
			_, err := s.db.Exec(ctx, s.db.Builder().Delete(table).Where(sq.Eq{"id": ids}))
			return apperr.Storage("delete merged skills", err)
		})
	})
	if err != nil {
		return "", nil, err
	}
	return primary.ID, ids, nil
}
