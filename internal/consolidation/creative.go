package consolidation

import (
	"context"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-mind/internal/episodic"
	"github.com/nidhogg/nuka-mind/internal/memory"
	"github.com/nidhogg/nuka-mind/internal/semantic"
)

// Connection kinds found by the creative pass.
const (
	KindEpisodePair      = "episode_pair"
	KindKnowledgeOverlap = "knowledge_overlap"
)

// Connection links two memories that consolidation would not otherwise relate.
type Connection struct {
	Kind     string  `json:"kind"`
	From     string  `json:"from"`
	To       string  `json:"to"`
	Label    string  `json:"label"`
	Strength float64 `json:"strength"`
}

// Source is the knowledge source marker for c, independent of direction.
func (c Connection) Source() string {
	a, b := c.From, c.To
	if b < a {
		a, b = b, a
	}
	return "creative:" + a + ":" + b
}

// EpisodeConnections pairs episodes of different event types whose
// emotional valence lies within span of each other. Strength is the
// valence closeness scaled by the pair's mean importance.
func EpisodeConnections(episodes []*episodic.Entry, span float64) []Connection {
	var out []Connection
	for i, a := range episodes {
		for _, b := range episodes[i+1:] {
			if a.EventType == b.EventType {
				continue
			}
			gap := math.Abs(a.EmotionalValence - b.EmotionalValence)
			if gap > span {
				continue
			}
			out = append(out, Connection{
				Kind:     KindEpisodePair,
				From:     a.ID,
				To:       b.ID,
				Label:    a.EventType + " ~ " + b.EventType,
				Strength: memory.Clamp01((1 - gap) * (a.ImportanceScore + b.ImportanceScore) / 2),
			})
		}
	}
	return out
}

// KnowledgeConnections links knowledge to episodes whose content shares at
// least minOverlap of its words. Knowledge mined from an episode is not
// linked back to it.
func KnowledgeConnections(knowledge []*semantic.Knowledge, episodes []*episodic.Entry, minOverlap float64) []Connection {
	var out []Connection
	for _, k := range knowledge {
		text := k.Concept + " " + k.Content.String()
		for _, ep := range episodes {
			if k.Source == sourceEpisode+ep.ID {
				continue
			}
			overlap := memory.SharedWordRatio(text, ep.Content.String())
			if overlap < minOverlap {
				continue
			}
			out = append(out, Connection{
				Kind:     KindKnowledgeOverlap,
				From:     k.ID,
				To:       ep.ID,
				Label:    k.Concept + " ~ " + ep.EventType,
				Strength: overlap,
			})
		}
	}
	return out
}

func (e *Engine) creative(ctx context.Context, personaID string, r *Report) error {
	if err := e.withPatterns(ctx, personaID, r); err != nil {
		return err
	}

	conns := e.findConnections(ctx, personaID)
	sort.SliceStable(conns, func(i, j int) bool {
		if conns[i].Strength != conns[j].Strength {
			return conns[i].Strength > conns[j].Strength
		}
		return conns[i].Source() < conns[j].Source()
	})

	var (
		picked []Connection
		items  []*semantic.Knowledge
	)
	seen := make(map[string]bool)
	for _, c := range conns {
		if len(picked) >= e.cfg.CreativeMaxInsights || c.Strength < e.cfg.CreativeMinStrength {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if seen[c.Source()] {
			continue
		}
		seen[c.Source()] = true
		exists, err := e.semantic.ExistsBySource(ctx, personaID, c.Source())
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		content, err := memory.NewPayload(c)
		if err != nil {
			return err
		}
		picked = append(picked, c)
		items = append(items, &semantic.Knowledge{
			Domain:          e.cfg.CreativeDomain,
			Concept:         c.Label,
			Content:         content,
			ConfidenceLevel: memory.Clamp01(c.Strength * e.cfg.CreativeConfidence),
			Source:          c.Source(),
			Relationships:   []string{c.From, c.To},
		})
	}
	if _, err := e.semantic.StoreKnowledgeBatch(ctx, personaID, items); err != nil {
		return err
	}
	for _, c := range picked {
		r.insight("connection %s (%.2f)", c.Label, c.Strength)
	}
	if len(conns) > 0 {
		r.PatternsIdentified = append(r.PatternsIdentified, fmt.Sprintf("creative_connections (%d)", len(conns)))
	}
	return nil
}

// findConnections is advisory: failures are logged and yield none.
func (e *Engine) findConnections(ctx context.Context, personaID string) []Connection {
	episodes, err := e.episodic.GetRecentEpisodes(ctx, personaID, e.cfg.CreativeSample)
	if err != nil {
		e.logger.Warn("Creative sampling skipped", zap.String("persona", personaID), zap.Error(err))
		return nil
	}
	knowledge, err := e.semantic.ListForPersona(ctx, personaID)
	if err != nil {
		e.logger.Warn("Creative sampling skipped", zap.String("persona", personaID), zap.Error(err))
		return nil
	}
	var own []*semantic.Knowledge
	for _, k := range knowledge {
		if k.Domain != e.cfg.CreativeDomain {
			own = append(own, k)
		}
	}
	conns := EpisodeConnections(episodes, e.cfg.CreativeValenceSpan)
	return append(conns, KnowledgeConnections(own, episodes, e.cfg.CreativeMinOverlap)...)
}
