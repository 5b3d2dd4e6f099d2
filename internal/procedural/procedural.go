// Package procedural stores reusable skill patterns with tracked success
// rates, learns them from experience and merges near-duplicates.
package procedural

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/nidhogg/nuka-mind/internal/memory"
)

// Skill is one procedural memory.
type Skill struct {
	ID                string         `json:"id"`
	PersonaID         string         `json:"persona_id"`
	Name              string         `json:"name"`
	Domain            string         `json:"domain"`
	Pattern           memory.Payload `json:"pattern"`
	SuccessRate       float64        `json:"success_rate"`
	ContextConditions []string       `json:"context_conditions"`
	UsageCount        int            `json:"usage_count"`
	LastUsed          time.Time      `json:"last_used"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Config holds the procedural-memory tuning.
type Config struct {
	LearningRate     float64       `json:"learning_rate"`
	MatchThreshold   float64       `json:"match_threshold"`
	ExperienceWindow int           `json:"experience_window"`
	NewSkillRate     float64       `json:"new_skill_rate"`
	MergeThreshold   float64       `json:"merge_threshold"`
	ContextWeight    float64       `json:"context_weight"`
	NameWeight       float64       `json:"name_weight"`
	PruneRate        float64       `json:"prune_rate"`
	PruneUsage       int           `json:"prune_usage"`
	PruneIdle        time.Duration `json:"prune_idle"`
	SearchOverfetch  int           `json:"search_overfetch"`
}

// DefaultConfig returns the standard procedural constants.
func DefaultConfig() Config {
	return Config{
		LearningRate:     0.1,
		MatchThreshold:   0.5,
		ExperienceWindow: 5,
		NewSkillRate:     0.7,
		MergeThreshold:   0.7,
		ContextWeight:    0.7,
		NameWeight:       0.3,
		PruneRate:        0.2,
		PruneUsage:       3,
		PruneIdle:        30 * 24 * time.Hour,
		SearchOverfetch:  3,
	}
}

// Experience is one observed attempt at something skill-like.
type Experience struct {
	Name      string         `json:"name,omitempty"`
	Domain    string         `json:"domain"`
	Context   []string       `json:"context"`
	Action    memory.Payload `json:"action,omitempty"`
	Success   bool           `json:"success"`
	Timestamp time.Time      `json:"timestamp"`
}

// EvolveResult reports what EvolveSkillFromExperience did.
type EvolveResult struct {
	Skill      *Skill  `json:"skill,omitempty"`
	Created    bool    `json:"created"`
	Similarity float64 `json:"similarity"`
}

// SearchOptions narrows SearchSkills.
type SearchOptions struct {
	Limit          int
	Domain         string
	MinSuccessRate float64
	Threshold      float64
}

// Result is a skill search hit.
type Result struct {
	Skill *Skill  `json:"skill"`
	Score float64 `json:"score"`
}

// ConsolidationResult summarizes one ConsolidateSkills run.
type ConsolidationResult struct {
	Groups  int      `json:"groups"`
	Merged  []string `json:"merged"`
	Removed []string `json:"removed"`
	Pruned  []string `json:"pruned"`
}

// Smooth moves rate toward 1 on success or 0 on failure by alpha.
func Smooth(rate, alpha float64, success bool) float64 {
	target := 0.0
	if success {
		target = 1
	}
	return memory.Clamp01(rate + alpha*(target-rate))
}

// Applies reports whether any of the skill's conditions matches any tag as
// a case-insensitive substring in either direction.
func Applies(conditions, tags []string) bool {
	for _, c := range conditions {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		for _, t := range tags {
			t = strings.ToLower(strings.TrimSpace(t))
			if t != "" && (strings.Contains(c, t) || strings.Contains(t, c)) {
				return true
			}
		}
	}
	return false
}

// Similarity scores two skills by weighted context and name-word overlap.
func Similarity(a, b *Skill, cfg Config) float64 {
	return cfg.ContextWeight*memory.Jaccard(a.ContextConditions, b.ContextConditions) +
		cfg.NameWeight*memory.Jaccard(memory.Words(a.Name, 0), memory.Words(b.Name, 0))
}

// MergeScore ranks merge candidates; the highest becomes the primary.
func MergeScore(s *Skill) float64 {
	return s.SuccessRate * math.Log(float64(max(s.UsageCount, 1)))
}

// Prunable reports whether s is weak, rarely used and idle long enough to drop.
func Prunable(s *Skill, now time.Time, cfg Config) bool {
	return s.SuccessRate < cfg.PruneRate &&
		s.UsageCount < cfg.PruneUsage &&
		now.Sub(s.LastUsed) >= cfg.PruneIdle
}

// EmbeddingText is the deterministic text embedded for a skill.
func EmbeddingText(s *Skill) string {
	parts := []string{s.Domain, s.Name}
	if len(s.ContextConditions) > 0 {
		parts = append(parts, "when: "+strings.Join(s.ContextConditions, ", "))
	}
	return strings.Join(parts, " | ")
}

// appendExperience records exp in the pattern's rolling window of recent
// experiences. A pattern that is not a JSON object is kept under "base".
func appendExperience(pattern memory.Payload, exp Experience, window int) (memory.Payload, error) {
	doc := patternDoc(pattern)
	var recent []json.RawMessage
	if raw, ok := doc["experiences"]; ok {
		_ = json.Unmarshal(raw, &recent)
	}
	b, err := json.Marshal(exp)
	if err != nil {
		return nil, err
	}
	recent = append(recent, b)
	if window > 0 && len(recent) > window {
		recent = recent[len(recent)-window:]
	}
	doc["experiences"], _ = json.Marshal(recent)
	return memory.NewPayload(doc)
}

// withPatternKey sets one top-level key on the pattern document.
func withPatternKey(pattern memory.Payload, key string, v any) (memory.Payload, error) {
	doc := patternDoc(pattern)
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	doc[key] = b
	return memory.NewPayload(doc)
}

func patternDoc(pattern memory.Payload) map[string]json.RawMessage {
	doc := map[string]json.RawMessage{}
	if pattern.IsZero() {
		return doc
	}
	if err := json.Unmarshal(pattern, &doc); err != nil || doc == nil {
		doc = map[string]json.RawMessage{"base": json.RawMessage(pattern)}
	}
	return doc
}

// Experiences returns the experiences recorded in a skill pattern.
func Experiences(pattern memory.Payload) []Experience {
	var out []Experience
	if raw, ok := patternDoc(pattern)["experiences"]; ok {
		_ = json.Unmarshal(raw, &out)
	}
	return out
}
