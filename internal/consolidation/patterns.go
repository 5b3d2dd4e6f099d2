package consolidation

import (
	"context"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-mind/internal/episodic"
	"github.com/nidhogg/nuka-mind/internal/memory"
	"github.com/nidhogg/nuka-mind/internal/procedural"
	"github.com/nidhogg/nuka-mind/internal/semantic"
)

// Tags marking episodes already mined by the pattern pass.
const (
	TagDerivedSkill = "derived:skill"
	sourceEpisode   = "episode:"
)

func (e *Engine) withPatterns(ctx context.Context, personaID string, r *Report) error {
	if err := e.recent(ctx, personaID, e.cfg.RecentLimit, r); err != nil {
		return err
	}

	res, err := e.episodic.ConsolidateMemories(ctx, personaID)
	if err != nil {
		return err
	}
	r.ConsolidatedCount += res.Processed
	for _, c := range res.Adjustments {
		r.adjust(c, e.cfg.AdjustmentThreshold)
	}
	r.patterns(res.Patterns)

	episodes, err := e.episodic.GetRecentEpisodes(ctx, personaID, e.cfg.ScanLimit)
	if err != nil {
		return err
	}
	if err := e.extractKnowledge(ctx, personaID, episodes, r); err != nil {
		return err
	}

	merged, err := e.semantic.ConsolidateKnowledge(ctx, personaID)
	if err != nil {
		return err
	}
	if merged.Groups > 0 {
		r.insight("merged %d duplicate knowledge groups, removing %d entries", merged.Groups, len(merged.Removed))
	}

	if err := e.deriveSkills(ctx, personaID, episodes, r); err != nil {
		return err
	}
	skills, err := e.procedural.ConsolidateSkills(ctx, personaID)
	if err != nil {
		return err
	}
	if skills.Groups > 0 {
		r.insight("merged %d overlapping skill groups, removing %d skills", skills.Groups, len(skills.Removed))
	}
	if len(skills.Pruned) > 0 {
		r.insight("pruned %d unused skills", len(skills.Pruned))
	}
	e.crossMemoryPatterns(ctx, personaID, episodes, r)
	return nil
}

// mentionsKnowledge reports whether content contains one of the keywords.
func mentionsKnowledge(content string, keywords []string) bool {
	content = strings.ToLower(content)
	for _, k := range keywords {
		if strings.Contains(content, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

// extractKnowledge turns important conversations about learning into
// semantic knowledge. Each episode is mined at most once.
func (e *Engine) extractKnowledge(ctx context.Context, personaID string, episodes []*episodic.Entry, r *Report) error {
	var (
		items   []*semantic.Knowledge
		sources []string
	)
	for _, ep := range episodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ep.EventType != episodic.EventConversation || ep.ImportanceScore < e.cfg.HighImportance {
			continue
		}
		if !mentionsKnowledge(ep.Content.String(), e.cfg.KnowledgeKeywords) {
			continue
		}
		source := sourceEpisode + ep.ID
		exists, err := e.semantic.ExistsBySource(ctx, personaID, source)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		items = append(items, &semantic.Knowledge{
			Domain:          firstNonEmpty(ep.Content.Field("domain"), "general"),
			Concept:         firstNonEmpty(ep.Content.Field("topic"), ep.Content.Field("concept"), headline(ep.Content.String())),
			Content:         ep.Content,
			ConfidenceLevel: memory.Clamp01(ep.ImportanceScore * e.cfg.KnowledgeConfidence),
			Source:          source,
			Relationships:   append([]string{}, ep.Participants...),
		})
		sources = append(sources, ep.ID)
	}
	if _, err := e.semantic.StoreKnowledgeBatch(ctx, personaID, items); err != nil {
		return err
	}
	for i, k := range items {
		r.insight("learned %q from conversation %s", k.Concept, sources[i])
	}
	return nil
}

// deriveSkills feeds important, positive problem-solving episodes into
// procedural memory. Each episode is mined at most once.
func (e *Engine) deriveSkills(ctx context.Context, personaID string, episodes []*episodic.Entry, r *Report) error {
	for _, ep := range episodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !lo.Contains(e.cfg.SkillEventTypes, ep.EventType) || ep.HasPattern(TagDerivedSkill) {
			continue
		}
		if ep.ImportanceScore < e.cfg.HighImportance || ep.EmotionalValence <= 0 {
			continue
		}
		res, err := e.procedural.EvolveSkillFromExperience(ctx, personaID, procedural.Experience{
			Name:      ep.Content.Field("skill"),
			Domain:    firstNonEmpty(ep.Content.Field("domain"), ep.EventType),
			Context:   experienceContext(ep),
			Action:    ep.Content,
			Success:   true,
			Timestamp: ep.Timestamp,
		})
		if err != nil {
			return err
		}
		if err := e.episodic.AddPatterns(ctx, ep.ID, TagDerivedSkill); err != nil {
			return err
		}
		if res.Skill != nil {
			if res.Created {
				r.insight("new skill %q from %s", res.Skill.Name, ep.ID)
			} else {
				r.insight("skill %q reinforced by %s", res.Skill.Name, ep.ID)
			}
		}
	}
	return nil
}

func experienceContext(ep *episodic.Entry) []string {
	words := memory.Words(ep.Content.String(), 3)
	if len(words) > 5 {
		words = words[:5]
	}
	return memory.MergeTags([]string{ep.EventType}, words...)
}

// crossMemoryPatterns reports episode event types that are also knowledge
// domains and the dominant time of day. It is advisory and never fails.
func (e *Engine) crossMemoryPatterns(ctx context.Context, personaID string, episodes []*episodic.Entry, r *Report) {
	knowledge, err := e.semantic.ListForPersona(ctx, personaID)
	if err != nil {
		e.logger.Warn("Cross-memory patterns skipped", zap.String("persona", personaID), zap.Error(err))
		return
	}
	domains := lo.Uniq(lo.Map(knowledge, func(k *semantic.Knowledge, _ int) string { return strings.ToLower(k.Domain) }))
	types := lo.Uniq(lo.Map(episodes, func(ep *episodic.Entry, _ int) string { return strings.ToLower(ep.EventType) }))
	for _, shared := range lo.Filter(types, func(t string, _ int) bool { return lo.Contains(domains, t) }) {
		r.PatternsIdentified = append(r.PatternsIdentified, "shared_domain:"+shared)
	}

	if len(episodes) == 0 {
		return
	}
	buckets := lo.CountValuesBy(episodes, func(ep *episodic.Entry) string { return episodic.TimeOfDay(ep.Timestamp) })
	best, bestN := "", 0
	for _, b := range []string{"late_night", "morning", "afternoon", "evening"} {
		if buckets[b] > bestN {
			best, bestN = b, buckets[b]
		}
	}
	r.PatternsIdentified = append(r.PatternsIdentified, "dominant_time:"+best)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// headline returns the first few words of text as a concept name.
func headline(text string) string {
	words := strings.Fields(text)
	if len(words) > 4 {
		words = words[:4]
	}
	if len(words) == 0 {
		return "untitled"
	}
	return strings.Join(words, " ")
}
