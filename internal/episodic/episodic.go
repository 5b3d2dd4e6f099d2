// Package episodic stores time-stamped experiences with their embeddings and
// consolidates them into pattern-tagged, importance-adjusted memories.
package episodic

import (
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/nuka-mind/internal/memory"
)

// EventConversation is the event type that receives social-group tags.
const EventConversation = "conversation"

// Entry is one episodic memory.
type Entry struct {
	ID               string         `json:"id"`
	PersonaID        string         `json:"persona_id"`
	Timestamp        time.Time      `json:"timestamp"`
	EventType        string         `json:"event_type"`
	Content          memory.Payload `json:"content"`
	Context          memory.Payload `json:"context,omitempty"`
	EmotionalValence float64        `json:"emotional_valence"`
	ImportanceScore  float64        `json:"importance_score"`
	BaseImportance   float64        `json:"base_importance"`
	Participants     []string       `json:"participants"`
	Location         string         `json:"location,omitempty"`
	Patterns         []string       `json:"patterns"`
	IsConsolidated   bool           `json:"is_consolidated"`
	IsArchived       bool           `json:"is_archived"`
	ConsolidatedAt   time.Time      `json:"consolidated_at,omitzero"`
	CreatedAt        time.Time      `json:"created_at"`
}

// HasPattern reports whether the entry carries tag.
func (e *Entry) HasPattern(tag string) bool {
	for _, p := range e.Patterns {
		if p == tag {
			return true
		}
	}
	return false
}

// Config holds the consolidation tuning for episodic memories.
type Config struct {
	ConsolidationBatch  int     `json:"consolidation_batch"`
	DecayDays           float64 `json:"decay_days"`
	PositiveBonus       float64 `json:"positive_bonus"`
	NegativeBonus       float64 `json:"negative_bonus"`
	GroupBonus          float64 `json:"group_bonus"`
	HighImportanceBonus float64 `json:"high_importance_bonus"`
	HighImportance      float64 `json:"high_importance"`
	ValenceThreshold    float64 `json:"valence_threshold"`
	SearchOverfetch     int     `json:"search_overfetch"`
}

// DefaultConfig returns the standard consolidation constants.
func DefaultConfig() Config {
	return Config{
		ConsolidationBatch:  50,
		DecayDays:           30,
		PositiveBonus:       0.1,
		NegativeBonus:       0.15,
		GroupBonus:          0.05,
		HighImportanceBonus: 0.02,
		HighImportance:      0.8,
		ValenceThreshold:    0.5,
		SearchOverfetch:     3,
	}
}

// Pattern tags written by consolidation.
const (
	TagArchived         = "archived"
	TagEmotionPositive  = "emotion:positive"
	TagEmotionNegative  = "emotion:negative"
	TagEmotionNeutral   = "emotion:neutral"
	TagImportanceHigh   = "importance:high"
	TagSocialSolo       = "social:solo"
	TagSocialOneOnOne   = "social:one_on_one"
	TagSocialSmallGroup = "social:small_group"
	TagSocialLargeGroup = "social:large_group"
	timeOfDayTagPrefix  = "time:"
)

// TimeOfDay buckets the hour of t (UTC): late_night before 06:00, morning
// before 12:00, afternoon before 18:00, evening after.
func TimeOfDay(t time.Time) string {
	switch h := t.UTC().Hour(); {
	case h < 6:
		return "late_night"
	case h < 12:
		return "morning"
	case h < 18:
		return "afternoon"
	default:
		return "evening"
	}
}

// SocialTag buckets the number of other participants.
func SocialTag(participants int) string {
	switch {
	case participants <= 0:
		return TagSocialSolo
	case participants == 1:
		return TagSocialOneOnOne
	case participants < 5:
		return TagSocialSmallGroup
	default:
		return TagSocialLargeGroup
	}
}

// IsGroup reports whether a social tag describes two or more other participants.
func IsGroup(tag string) bool {
	return tag == TagSocialSmallGroup || tag == TagSocialLargeGroup
}

// DerivePatterns returns the consolidation tags for e: a time-of-day bucket,
// a social bucket for conversations, a valence bucket and a high-importance
// marker.
func DerivePatterns(e *Entry, cfg Config) []string {
	tags := []string{timeOfDayTagPrefix + TimeOfDay(e.Timestamp)}
	if e.EventType == EventConversation {
		tags = append(tags, SocialTag(len(e.Participants)))
	}
	switch {
	case e.EmotionalValence > cfg.ValenceThreshold:
		tags = append(tags, TagEmotionPositive)
	case e.EmotionalValence < -cfg.ValenceThreshold:
		tags = append(tags, TagEmotionNegative)
	default:
		tags = append(tags, TagEmotionNeutral)
	}
	if e.ImportanceScore > cfg.HighImportance {
		tags = append(tags, TagImportanceHigh)
	}
	return tags
}

// ConsolidatedImportance applies the consolidation bonuses for tags to the
// current importance and decays the result by age.
func ConsolidatedImportance(e *Entry, tags []string, now time.Time, cfg Config) float64 {
	bonus := 0.0
	for _, tag := range tags {
		switch {
		case tag == TagEmotionPositive:
			bonus += cfg.PositiveBonus
		case tag == TagEmotionNegative:
			bonus += cfg.NegativeBonus
		case IsGroup(tag):
			bonus += cfg.GroupBonus
		case tag == TagImportanceHigh:
			bonus += cfg.HighImportanceBonus
		}
	}
	decay := memory.ExpDecay(memory.AgeDays(e.Timestamp, now), cfg.DecayDays)
	return memory.Clamp01((e.ImportanceScore + bonus) * decay)
}

// EmbeddingText is the deterministic text embedded for an episode.
func EmbeddingText(e *Entry) string {
	parts := []string{e.EventType}
	if s := e.Content.String(); s != "" {
		parts = append(parts, s)
	}
	if s := e.Context.String(); s != "" {
		parts = append(parts, s)
	}
	if e.Location != "" {
		parts = append(parts, "location: "+e.Location)
	}
	if len(e.Participants) > 0 {
		parts = append(parts, "participants: "+strings.Join(e.Participants, ", "))
	}
	return strings.Join(parts, " | ")
}

// ImportanceChange records one importance rewrite.
type ImportanceChange struct {
	MemoryID string  `json:"memory_id"`
	Before   float64 `json:"before"`
	After    float64 `json:"after"`
}

// Delta returns After - Before.
func (c ImportanceChange) Delta() float64 { return c.After - c.Before }

func (c ImportanceChange) String() string {
	return fmt.Sprintf("%s %.3f->%.3f", c.MemoryID, c.Before, c.After)
}

// ConsolidationResult summarizes one ConsolidateMemories run.
type ConsolidationResult struct {
	Processed   int                `json:"processed"`
	Patterns    map[string]int     `json:"patterns"`
	Adjustments []ImportanceChange `json:"adjustments"`
}

// Statistics aggregates a persona's episodic memories.
type Statistics struct {
	Total             int            `json:"total"`
	Consolidated      int            `json:"consolidated"`
	Pending           int            `json:"pending"`
	Archived          int            `json:"archived"`
	AverageImportance float64        `json:"average_importance"`
	ByEventType       map[string]int `json:"by_event_type"`
	Oldest            time.Time      `json:"oldest,omitzero"`
	Newest            time.Time      `json:"newest,omitzero"`
	LastConsolidation time.Time      `json:"last_consolidation,omitzero"`
}

// SearchOptions narrows SearchEpisodes. Zero values disable a filter.
type SearchOptions struct {
	Limit         int
	From          time.Time
	To            time.Time
	EventTypes    []string
	MinImportance float64
	Threshold     float64
}

// Result is a search hit.
type Result struct {
	Entry *Entry  `json:"entry"`
	Score float64 `json:"score"`
}
