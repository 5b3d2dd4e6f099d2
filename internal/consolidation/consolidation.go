// Package consolidation runs the escalating memory consolidation passes over
// the episodic, semantic and procedural stores of one persona.
package consolidation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nidhogg/nuka-mind/internal/episodic"
)

// Pass names one consolidation routine.
type Pass string

const (
	PassRecent      Pass = "recent"
	PassPatterns    Pass = "patterns"
	PassCreative    Pass = "creative"
	PassFull        Pass = "full"
	PassMaintenance Pass = "maintenance"
)

// Valid reports whether p names a known pass.
func (p Pass) Valid() bool {
	switch p {
	case PassRecent, PassPatterns, PassCreative, PassFull, PassMaintenance:
		return true
	}
	return false
}

// Config holds the engine's tuning.
type Config struct {
	RecentLimit         int      `json:"recent_limit"`
	RecentHalfLifeDays  float64  `json:"recent_half_life_days"`
	RecentPositiveBonus float64  `json:"recent_positive_bonus"`
	RecentNegativeBonus float64  `json:"recent_negative_bonus"`
	RecentHighBonus     float64  `json:"recent_high_bonus"`
	ReinforcementPerTag float64  `json:"reinforcement_per_tag"`
	MaxReinforcement    float64  `json:"max_reinforcement"`
	AdjustmentThreshold float64  `json:"adjustment_threshold"`
	HighImportance      float64  `json:"high_importance"`
	ScanLimit           int      `json:"scan_limit"`
	KnowledgeKeywords   []string `json:"knowledge_keywords"`
	KnowledgeConfidence float64  `json:"knowledge_confidence"`
	SkillEventTypes     []string `json:"skill_event_types"`
	CreativeSample      int      `json:"creative_sample"`
	CreativeValenceSpan float64  `json:"creative_valence_span"`
	CreativeMinOverlap  float64  `json:"creative_min_overlap"`
	CreativeMinStrength float64  `json:"creative_min_strength"`
	CreativeMaxInsights int      `json:"creative_max_insights"`
	CreativeConfidence  float64  `json:"creative_confidence"`
	CreativeDomain      string   `json:"creative_domain"`
	PurgeImportance     float64  `json:"purge_importance"`
	PurgeAgeDays        int      `json:"purge_age_days"`
	ArchiveImportance   float64  `json:"archive_importance"`
	ArchiveAgeDays      int      `json:"archive_age_days"`
}

// DefaultConfig returns the standard consolidation constants.
func DefaultConfig() Config {
	return Config{
		RecentLimit:         50,
		RecentHalfLifeDays:  60,
		RecentPositiveBonus: 0.05,
		RecentNegativeBonus: 0.08,
		RecentHighBonus:     0.02,
		ReinforcementPerTag: 0.01,
		MaxReinforcement:    0.05,
		AdjustmentThreshold: 0.05,
		HighImportance:      0.7,
		ScanLimit:           200,
		KnowledgeKeywords:   []string{"learn", "fact", "knowledge"},
		KnowledgeConfidence: 0.8,
		SkillEventTypes:     []string{"problem_solving", "task_completion"},
		CreativeSample:      20,
		CreativeValenceSpan: 0.2,
		CreativeMinOverlap:  0.3,
		CreativeMinStrength: 0.4,
		CreativeMaxInsights: 3,
		CreativeConfidence:  0.6,
		CreativeDomain:      "creative_insights",
		PurgeImportance:     0.1,
		PurgeAgeDays:        90,
		ArchiveImportance:   0.3,
		ArchiveAgeDays:      180,
	}
}

// Report summarizes one pass.
type Report struct {
	Pass                  Pass                        `json:"pass"`
	PersonaID             string                      `json:"persona_id"`
	ConsolidatedCount     int                         `json:"consolidated_count"`
	PatternsIdentified    []string                    `json:"patterns_identified"`
	ImportanceAdjustments []episodic.ImportanceChange `json:"importance_adjustments"`
	Insights              []string                    `json:"insights"`
	StartedAt             time.Time                   `json:"started_at"`
	Duration              time.Duration               `json:"duration"`
}

func newReport(pass Pass, personaID string, now time.Time) *Report {
	return &Report{
		Pass:                  pass,
		PersonaID:             personaID,
		PatternsIdentified:    []string{},
		ImportanceAdjustments: []episodic.ImportanceChange{},
		Insights:              []string{},
		StartedAt:             now,
	}
}

func (r *Report) insight(format string, args ...any) {
	r.Insights = append(r.Insights, fmt.Sprintf(format, args...))
}

func (r *Report) patterns(counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		r.PatternsIdentified = append(r.PatternsIdentified, fmt.Sprintf("%s (%d)", k, counts[k]))
	}
}

// adjust records a change when it moved at least threshold.
func (r *Report) adjust(c episodic.ImportanceChange, threshold float64) {
	if d := c.Delta(); d >= threshold || -d >= threshold {
		r.ImportanceAdjustments = append(r.ImportanceAdjustments, c)
	}
}

// Reorganizer is the extension point for structural clean-up during full
// reorganization.
type Reorganizer interface {
	RemoveDuplicates(ctx context.Context, personaID string) (int, error)
	ReorganizeHierarchy(ctx context.Context, personaID string) ([]string, error)
	OptimizeAssociations(ctx context.Context, personaID string) ([]string, error)
}

// NopReorganizer does nothing.
type NopReorganizer struct{}

func (NopReorganizer) RemoveDuplicates(context.Context, string) (int, error) { return 0, nil }

func (NopReorganizer) ReorganizeHierarchy(context.Context, string) ([]string, error) {
	return []string{}, nil
}

func (NopReorganizer) OptimizeAssociations(context.Context, string) ([]string, error) {
	return []string{}, nil
}

// Recorder observes finished passes.
type Recorder interface {
	ObservePass(pass string, duration time.Duration, consolidated, adjustments int, err error)
}

type nopRecorder struct{}

func (nopRecorder) ObservePass(string, time.Duration, int, int, error) {}
