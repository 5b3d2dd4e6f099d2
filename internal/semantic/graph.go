package semantic

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-mind/internal/memory"
)

// BuildKnowledgeGraph maps every concept to the union of the relationships
// recorded on its knowledge items and emits one node per item. A node's
// strength is its confidence plus a bounded bonus per connection. Storage
// failures yield an empty graph.
func (s *Store) BuildKnowledgeGraph(ctx context.Context, personaID string) (*Graph, error) {
	g := &Graph{Nodes: []Node{}, Adjacency: map[string][]string{}}
	items, err := s.ListForPersona(ctx, personaID)
	if err != nil {
		s.logger.Warn("Knowledge graph unavailable", zap.String("persona", personaID), zap.Error(err))
		return g, nil
	}

	for _, k := range items {
		g.Adjacency[k.Concept] = memory.MergeTags(g.Adjacency[k.Concept], k.Relationships...)
	}
	for _, k := range items {
		links := g.Adjacency[k.Concept]
		bonus := min(s.cfg.MaxLinkStrength, s.cfg.StrengthPerLink*float64(len(links)))
		g.Nodes = append(g.Nodes, Node{
			ID:          k.ID,
			Concept:     k.Concept,
			Domain:      k.Domain,
			Strength:    memory.Clamp01(k.ConfidenceLevel + bonus),
			Connections: links,
		})
	}
	sort.SliceStable(g.Nodes, func(i, j int) bool { return g.Nodes[i].Strength > g.Nodes[j].Strength })

	if s.sink != nil && len(g.Nodes) > 0 {
		if err := s.sink.SyncKnowledgeGraph(ctx, personaID, g); err != nil {
			s.logger.Warn("Knowledge graph sync failed", zap.String("persona", personaID), zap.Error(err))
		}
	}
	return g, nil
}

// FindRelatedKnowledge walks the relationship graph breadth-first from a
// concept or knowledge id, up to maxDepth hops (a non-positive depth uses
// the configured default). An item is directly related to a term when its
// concept or id equals the term or its serialized relationships contain
// it. The next hop expands from the concepts, ids and relationships of the
// items just found. Each item is returned at most once, in discovery order.
func (s *Store) FindRelatedKnowledge(ctx context.Context, personaID, start string, maxDepth int) ([]*Knowledge, error) {
	if maxDepth <= 0 {
		maxDepth = s.cfg.DefaultDepth
	}
	out := []*Knowledge{}
	if strings.TrimSpace(start) == "" {
		return out, nil
	}
	items, err := s.ListForPersona(ctx, personaID)
	if err != nil {
		s.logger.Warn("Related knowledge unavailable", zap.String("persona", personaID), zap.Error(err))
		return out, nil
	}

	serialized := make(map[string]string, len(items))
	for _, k := range items {
		b, _ := json.Marshal(k.Relationships)
		serialized[k.ID] = string(b)
	}

	visited := map[string]bool{}
	frontier := []string{start}
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, term := range frontier {
			if term == "" {
				continue
			}
			for _, k := range items {
				if visited[k.ID] {
					continue
				}
				if k.Concept == term || k.ID == term || strings.Contains(serialized[k.ID], term) {
					visited[k.ID] = true
					out = append(out, k)
					next = append(next, k.Concept, k.ID)
					next = append(next, k.Relationships...)
				}
			}
		}
		frontier = lo.Uniq(next)
	}
	return out, nil
}
