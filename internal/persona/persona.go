// Package persona is the aggregate root: identity, personality traits and
// the awakening and sleep transitions around the memory engines.
package persona

import (
	"sort"
	"strings"
	"time"

	"github.com/nidhogg/nuka-mind/internal/consciousness"
	"github.com/nidhogg/nuka-mind/internal/sleep"
)

// Persona is the persona identity row.
type Persona struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	LastSleep     time.Time `json:"last_sleep,omitzero"`
	LastAwakening time.Time `json:"last_awakening,omitzero"`
}

// Asleep reports whether the last recorded sleep has not been followed by
// an awakening.
func (p *Persona) Asleep() bool {
	return !p.LastSleep.IsZero() && !p.LastAwakening.After(p.LastSleep)
}

// Trait is one personality dimension.
type Trait struct {
	Name        string    `json:"name"`
	Value       float64   `json:"value"`
	Description string    `json:"description"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DefaultTraits are seeded on persona creation.
func DefaultTraits() []Trait {
	return []Trait{
		{Name: "openness", Value: 0.7, Description: "Openness to new experiences and ideas"},
		{Name: "conscientiousness", Value: 0.6, Description: "Organization and dependability"},
		{Name: "extraversion", Value: 0.5, Description: "Energy drawn from social interaction"},
		{Name: "agreeableness", Value: 0.7, Description: "Cooperation and warmth toward others"},
		{Name: "neuroticism", Value: 0.3, Description: "Tendency toward emotional instability"},
		{Name: "curiosity", Value: 0.8, Description: "Drive to explore and learn"},
		{Name: "empathy", Value: 0.7, Description: "Understanding of others' feelings"},
	}
}

// Outcome values for Experience.
const (
	OutcomePositive = "positive"
	OutcomeNegative = "negative"
	OutcomeNeutral  = "neutral"
)

// Experience drives personality evolution.
type Experience struct {
	EventType       string   `json:"event_type"`
	Outcome         string   `json:"outcome"`
	EmotionalImpact float64  `json:"emotional_impact"`
	ContextTags     []string `json:"context_tags"`
}

// Rule weights a trait's response to an event type. Positive applies to
// positive and neutral outcomes, Negative to negative ones.
type Rule struct {
	Trait    string  `json:"trait"`
	Positive float64 `json:"positive"`
	Negative float64 `json:"negative"`
}

// DefaultRules is the event-type rule table.
func DefaultRules() map[string][]Rule {
	return map[string][]Rule{
		"social_interaction": {
			{Trait: "extraversion", Positive: 1, Negative: -0.5},
			{Trait: "agreeableness", Positive: 0.5, Negative: -0.3},
			{Trait: "empathy", Positive: 0.3, Negative: 0.3},
		},
		"problem_solving": {
			{Trait: "openness", Positive: 0.5, Negative: 0.2},
			{Trait: "conscientiousness", Positive: 1, Negative: 0.5},
			{Trait: "curiosity", Positive: 0.3, Negative: 0.3},
		},
		"stressful_situation": {
			{Trait: "neuroticism", Positive: -0.5, Negative: 1},
			{Trait: "conscientiousness", Positive: 0.3},
		},
		"learning": {
			{Trait: "curiosity", Positive: 1, Negative: 0.5},
			{Trait: "openness", Positive: 0.5, Negative: 0.3},
		},
		"creative_task": {
			{Trait: "openness", Positive: 1, Negative: 0.5},
			{Trait: "curiosity", Positive: 0.5, Negative: 0.3},
		},
		"conflict": {
			{Trait: "agreeableness", Positive: 0.3, Negative: -0.5},
			{Trait: "neuroticism", Positive: 0.2, Negative: 0.5},
		},
	}
}

// Config tunes the persona core.
type Config struct {
	ConsolidationThreshold time.Duration        `json:"consolidation_threshold"`
	TraitStep              float64              `json:"trait_step"`
	MinTraitChange         float64              `json:"min_trait_change"`
	ContextTagWeight       float64              `json:"context_tag_weight"`
	InitialLevels          consciousness.Levels `json:"initial_levels"`
	Rules                  map[string][]Rule    `json:"rules"`
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		ConsolidationThreshold: 30 * time.Minute,
		TraitStep:              0.01,
		MinTraitChange:         0.001,
		ContextTagWeight:       0.5,
		InitialLevels:          consciousness.DefaultLevels(),
		Rules:                  DefaultRules(),
	}
}

// TraitChange is one applied trait adjustment.
type TraitChange struct {
	Trait string  `json:"trait"`
	From  float64 `json:"from"`
	To    float64 `json:"to"`
	Delta float64 `json:"delta"`
}

// TraitDeltas computes raw trait deltas for exp: the rule weight for the
// outcome times step times emotional impact, plus ContextTagWeight for each
// context tag naming a trait.
func TraitDeltas(exp Experience, cfg Config) map[string]float64 {
	deltas := map[string]float64{}
	scale := cfg.TraitStep * exp.EmotionalImpact
	negative := strings.EqualFold(exp.Outcome, OutcomeNegative)
	for _, r := range cfg.Rules[exp.EventType] {
		w := r.Positive
		if negative {
			w = r.Negative
		}
		deltas[r.Trait] += w * scale
	}
	for _, tag := range exp.ContextTags {
		deltas[strings.ToLower(strings.TrimSpace(tag))] += cfg.ContextTagWeight * scale
	}
	return deltas
}

func sortChanges(changes []TraitChange) {
	sort.Slice(changes, func(i, j int) bool { return changes[i].Trait < changes[j].Trait })
}

// Awakening describes a wake-up from sleep.
type Awakening struct {
	Elapsed time.Duration        `json:"elapsed"`
	State   *consciousness.State `json:"state"`
	Cycle   *sleep.Cycle         `json:"cycle,omitempty"`
}

// Session is the result of Initialize.
type Session struct {
	Persona   *Persona   `json:"persona"`
	Created   bool       `json:"created"`
	Awakening *Awakening `json:"awakening,omitempty"`
}

// Status is the persona overview.
type Status struct {
	Persona       *Persona              `json:"persona"`
	Traits        []Trait               `json:"traits"`
	Consciousness *consciousness.Report `json:"consciousness,omitempty"`
	Insights      []string              `json:"insights"`
	Sleep         *sleep.Analytics      `json:"sleep"`
}
