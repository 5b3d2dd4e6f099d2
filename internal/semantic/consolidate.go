package semantic

import (
	"context"
	"encoding/json"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-mind/internal/apperr"
	"github.com/nidhogg/nuka-mind/internal/memory"
	"github.com/nidhogg/nuka-mind/internal/store"
)

type mergedContent struct {
	Primary    memory.Payload   `json:"primary"`
	Additional []memory.Payload `json:"additional"`
}

// ConsolidateKnowledge groups same-domain items whose similarity to a seed
// exceeds the merge threshold and folds each group into its most confident
// member. Each merge commits atomically; the others are removed from the
// store and the index and their source markers move to the survivor.
func (s *Store) ConsolidateKnowledge(ctx context.Context, personaID string) (*ConsolidationResult, error) {
	res := &ConsolidationResult{Merged: []string{}, Removed: []string{}}
	items, err := s.ListForPersona(ctx, personaID)
	if err != nil {
		return res, err
	}

	done := make(map[string]bool, len(items))
	for i, seed := range items {
		if done[seed.ID] {
			continue
		}
		group := []*Knowledge{seed}
		for _, other := range items[i+1:] {
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
		if err := s.merge(ctx, group); err != nil {
			return res, err
		}
		for _, k := range group {
			done[k.ID] = true
		}
		res.Groups++
		res.Merged = append(res.Merged, seed.ID)
		for _, k := range group[1:] {
			res.Removed = append(res.Removed, k.ID)
		}
	}

	if res.Groups > 0 {
		s.logger.Info("Knowledge consolidated",
			zap.String("persona", personaID),
			zap.Int("groups", res.Groups),
			zap.Int("removed", len(res.Removed)))
	}
	return res, nil
}

// merge folds group[1:] into group[0], which must be the most confident.
func (s *Store) merge(ctx context.Context, group []*Knowledge) error {
	primary := *group[0]
	others := group[1:]

	content := mergedContent{Primary: primary.Content, Additional: make([]memory.Payload, 0, len(others))}
	rels := append([]string{}, primary.Relationships...)
	reinforcements := primary.ReinforcementCount
	ids := make([]string, 0, len(others))
	for _, k := range others {
		content.Additional = append(content.Additional, k.Content)
		rels = memory.MergeTags(rels, k.Relationships...)
		reinforcements += k.ReinforcementCount
		ids = append(ids, k.ID)
	}
	payload, err := memory.NewPayload(content)
	if err != nil {
		return err
	}
	primary.Content = payload
	primary.Relationships = rels
	primary.ConfidenceLevel = min(1, primary.ConfidenceLevel+s.cfg.MergeConfidenceStep*float64(len(others)))
	primary.ReinforcementCount = reinforcements
	primary.UpdatedAt = s.now()

	vec, err := s.embedder.EmbedOne(ctx, EmbeddingText(&primary))
	if err != nil {
		return err
	}
	relsJSON, _ := json.Marshal(rels)

	return s.db.WithTx(ctx, func(ctx context.Context) error {
		err := s.indexer.Put(ctx, s.vectorEntry(&primary, vec), false, func(ctx context.Context) error {
			_, err := s.db.Exec(ctx, s.db.Builder().Update(table).
				Set("content", primary.Content.Stored()).
				Set("relationships", string(relsJSON)).
				Set("confidence", primary.ConfidenceLevel).
				Set("reinforcement_count", primary.ReinforcementCount).
				Set("updated_at", store.Millis(primary.UpdatedAt)).
				Where(sq.Eq{"id": primary.ID}))
			return apperr.Storage("update merged knowledge", err)
		})
		if err != nil {
			return err
		}
		inherited, err := s.sources(ctx, ids)
		if err != nil {
			return err
		}
		if err := s.addSources(ctx, primary.ID, primary.PersonaID, inherited...); err != nil {
			return err
		}
		return s.indexer.Remove(ctx, ids, func(ctx context.Context) error {
			if _, err := s.db.Exec(ctx, s.db.Builder().Delete(sourcesTable).Where(sq.Eq{"knowledge_id": ids})); err != nil {
				return apperr.Storage("delete merged knowledge sources", err)
			}
			_, err := s.db.Exec(ctx, s.db.Builder().Delete(table).Where(sq.Eq{"id": ids}))
			return apperr.Storage("delete merged knowledge", err)
		})
	})
}
