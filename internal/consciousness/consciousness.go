// Package consciousness tracks a persona's four awareness scalars and its
// awake, sleeping or dreaming mode, and logs how the scalars evolve.
package consciousness

import (
	"fmt"
	"time"
)

// Mode is the persona's current state of consciousness.
type Mode string

const (
	Awake    Mode = "awake"
	Sleeping Mode = "sleeping"
	Dreaming Mode = "dreaming"
)

// Metric names one awareness scalar.
type Metric string

const (
	SelfAwareness      Metric = "self_awareness"
	TemporalContinuity Metric = "temporal_continuity"
	SocialCognition    Metric = "social_cognition"
	Metacognition      Metric = "metacognition"
)

// Metrics lists every scalar in storage order.
var Metrics = []Metric{SelfAwareness, TemporalContinuity, SocialCognition, Metacognition}

// Levels holds the four scalars.
type Levels struct {
	SelfAwareness      float64 `json:"self_awareness"`
	TemporalContinuity float64 `json:"temporal_continuity"`
	SocialCognition    float64 `json:"social_cognition"`
	Metacognition      float64 `json:"metacognition"`
}

// DefaultLevels is the state a new persona wakes up with.
func DefaultLevels() Levels {
	return Levels{SelfAwareness: 0.5, TemporalContinuity: 0.8, SocialCognition: 0.6, Metacognition: 0.7}
}

// Get returns one scalar.
func (l Levels) Get(m Metric) float64 {
	switch m {
	case SelfAwareness:
		return l.SelfAwareness
	case TemporalContinuity:
		return l.TemporalContinuity
	case SocialCognition:
		return l.SocialCognition
	case Metacognition:
		return l.Metacognition
	}
	return 0
}

// Set overwrites one scalar.
func (l *Levels) Set(m Metric, v float64) {
	switch m {
	case SelfAwareness:
		l.SelfAwareness = v
	case TemporalContinuity:
		l.TemporalContinuity = v
	case SocialCognition:
		l.SocialCognition = v
	case Metacognition:
		l.Metacognition = v
	}
}

// State is a persona's consciousness row.
type State struct {
	PersonaID     string         `json:"persona_id"`
	Levels        Levels         `json:"levels"`
	CurrentState  Mode           `json:"current_state"`
	StateContext  map[string]any `json:"state_context"`
	LastAwakening time.Time      `json:"last_awakening,omitzero"`
	LastUpdated   time.Time      `json:"last_updated"`
}

// Change is one scalar's movement in an evolution entry.
type Change struct {
	Before float64 `json:"before"`
	After  float64 `json:"after"`
}

// Evolution is one logged update.
type Evolution struct {
	ID        string            `json:"id"`
	PersonaID string            `json:"persona_id"`
	Reason    string            `json:"reason"`
	Changes   map[Metric]Change `json:"changes"`
	NetChange float64           `json:"net_change"`
	CreatedAt time.Time         `json:"created_at"`
}

// Experience carries the attributes that move consciousness. All values
// are in [0,1].
type Experience struct {
	Novelty            float64 `json:"novelty"`
	Complexity         float64 `json:"complexity"`
	EmotionalIntensity float64 `json:"emotional_intensity"`
	Social             bool    `json:"social"`
}

// Trend classifications.
const (
	TrendStable      = "stable"
	TrendEmerging    = "emerging"
	TrendGrowing     = "growing"
	TrendDeclining   = "declining"
	TrendFluctuating = "fluctuating"
)

// Report is the derived view returned by GetConsciousnessMetrics.
type Report struct {
	Levels        Levels    `json:"levels"`
	Overall       float64   `json:"overall"`
	Trend         string    `json:"trend"`
	CurrentState  Mode      `json:"current_state"`
	LastAwakening time.Time `json:"last_awakening,omitzero"`
	RecentChanges int       `json:"recent_changes"`
}

// Config holds the engine's tuning.
type Config struct {
	WriteThreshold    float64            `json:"write_threshold"`
	LogThreshold      float64            `json:"log_threshold"`
	Weights           map[Metric]float64 `json:"weights"`
	TrendWindow       int                `json:"trend_window"`
	NoveltyTrigger    float64            `json:"novelty_trigger"`
	NoveltyGain       float64            `json:"novelty_gain"`
	OverloadTrigger   float64            `json:"overload_trigger"`
	OverloadLoss      float64            `json:"overload_loss"`
	ContinuityFloor   float64            `json:"continuity_floor"`
	SocialGain        float64            `json:"social_gain"`
	ReflectionTrigger float64            `json:"reflection_trigger"`
	ReflectionGain    float64            `json:"reflection_gain"`
}

// DefaultConfig returns the standard consciousness constants.
func DefaultConfig() Config {
	return Config{
		WriteThreshold: 0.001,
		LogThreshold:   0.01,
		Weights: map[Metric]float64{
			SelfAwareness:      0.3,
			TemporalContinuity: 0.25,
			SocialCognition:    0.2,
			Metacognition:      0.25,
		},
		TrendWindow:       5,
		NoveltyTrigger:    0.7,
		NoveltyGain:       0.02,
		OverloadTrigger:   0.8,
		OverloadLoss:      0.02,
		ContinuityFloor:   0.5,
		SocialGain:        0.03,
		ReflectionTrigger: 0.6,
		ReflectionGain:    0.015,
	}
}

// Overall is the weighted sum of the scalars.
func Overall(l Levels, weights map[Metric]float64) float64 {
	sum := 0.0
	for _, m := range Metrics {
		sum += l.Get(m) * weights[m]
	}
	return sum
}

// ContinuityAfterSleep maps a sleep duration to temporal continuity. Short
// sleeps preserve continuity best.
func ContinuityAfterSleep(d time.Duration) float64 {
	switch {
	case d < time.Hour:
		return 0.95
	case d < 8*time.Hour:
		return 0.9
	case d < 24*time.Hour:
		return 0.85
	default:
		return 0.6
	}
}

// ElapsedPhrase renders d for humans.
func ElapsedPhrase(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "moments"
	case d < time.Hour:
		return plural(int(d/time.Minute), "minute")
	case d < 48*time.Hour:
		return plural(int(d/time.Hour), "hour")
	default:
		return plural(int(d/(24*time.Hour)), "day")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// Classify derives the trend from the newest-first evolution entries.
func Classify(entries []Evolution, window int) string {
	if window > 0 && len(entries) > window {
		entries = entries[:window]
	}
	switch {
	case len(entries) == 0:
		return TrendStable
	case len(entries) < 3:
		return TrendEmerging
	}
	positive := 0
	for _, e := range entries {
		if e.NetChange > 0 {
			positive++
		}
	}
	switch ratio := float64(positive) / float64(len(entries)); {
	case ratio > 0.7:
		return TrendGrowing
	case ratio < 0.3:
		return TrendDeclining
	default:
		return TrendFluctuating
	}
}
