// Package sleep classifies sleep periods, runs the matching consolidation
// pass and keeps the append-only sleep-cycle log.
package sleep

import (
	"time"

	"github.com/nidhogg/nuka-mind/internal/consolidation"
)

// Type is the consolidation depth a sleep period calls for.
type Type string

const (
	LightProcessing        Type = "light_processing"
	DeepConsolidation      Type = "deep_consolidation"
	REMIntegration         Type = "rem_integration"
	ExtendedReorganization Type = "extended_reorganization"
	Maintenance            Type = "maintenance"
)

// Classify maps a sleep duration to its type. Brackets are half-open:
// under 2h is light, under 6h deep, under 12h REM, anything longer extended.
func Classify(d time.Duration) Type {
	switch {
	case d < 2*time.Hour:
		return LightProcessing
	case d < 6*time.Hour:
		return DeepConsolidation
	case d < 12*time.Hour:
		return REMIntegration
	default:
		return ExtendedReorganization
	}
}

// Pass returns the consolidation pass run for t.
func (t Type) Pass() consolidation.Pass {
	switch t {
	case LightProcessing:
		return consolidation.PassRecent
	case DeepConsolidation:
		return consolidation.PassPatterns
	case REMIntegration:
		return consolidation.PassCreative
	case ExtendedReorganization:
		return consolidation.PassFull
	default:
		return consolidation.PassMaintenance
	}
}

// Cycle is one sleep-cycle log row.
type Cycle struct {
	ID                     string                `json:"id"`
	PersonaID              string                `json:"persona_id"`
	Type                   Type                  `json:"sleep_type"`
	Duration               time.Duration         `json:"duration"`
	Timestamp              time.Time             `json:"timestamp"`
	ConsolidationProcessed bool                  `json:"consolidation_processed"`
	Report                 *consolidation.Report `json:"report,omitempty"`
}

// Analytics summarizes a persona's sleep log.
type Analytics struct {
	TotalCycles      int           `json:"total_cycles"`
	AverageDuration  time.Duration `json:"average_duration"`
	AverageInterval  time.Duration `json:"average_interval"`
	TypeDistribution map[Type]int  `json:"type_distribution"`
	Efficiency       float64       `json:"efficiency"`
	LastSleep        time.Time     `json:"last_sleep,omitzero"`
}

// Summarize computes Analytics over cycles ordered oldest first.
func Summarize(cycles []Cycle) *Analytics {
	a := &Analytics{TypeDistribution: map[Type]int{}}
	if len(cycles) == 0 {
		return a
	}
	var total time.Duration
	processed := 0
	for _, c := range cycles {
		total += c.Duration
		a.TypeDistribution[c.Type]++
		if c.ConsolidationProcessed {
			processed++
		}
	}
	a.TotalCycles = len(cycles)
	a.AverageDuration = total / time.Duration(len(cycles))
	a.Efficiency = float64(processed) / float64(len(cycles))
	a.LastSleep = cycles[len(cycles)-1].Timestamp
	if len(cycles) > 1 {
		span := cycles[len(cycles)-1].Timestamp.Sub(cycles[0].Timestamp)
		a.AverageInterval = span / time.Duration(len(cycles)-1)
	}
	return a
}
