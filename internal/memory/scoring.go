package memory

import (
	"math"
	"time"
)

// Clamp01 limits v to [0,1]; NaN becomes 0.
func Clamp01(v float64) float64 {
	return Clamp(v, 0, 1)
}

// Clamp limits v to [lo,hi]; NaN becomes lo.
func Clamp(v, lo, hi float64) float64 {
	switch {
	case math.IsNaN(v), v < lo:
		return lo
	case v > hi:
		return hi
	}
	return v
}

// AgeDays returns the age of t at now in fractional days, never negative.
func AgeDays(t, now time.Time) float64 {
	d := now.Sub(t).Hours() / 24
	if d < 0 {
		return 0
	}
	return d
}

// ExpDecay returns exp(-ageDays/tauDays).
func ExpDecay(ageDays, tauDays float64) float64 {
	if tauDays <= 0 {
		return 1
	}
	return math.Exp(-ageDays / tauDays)
}

// HalfLifeDecay returns 0.5^(ageDays/halfLifeDays).
func HalfLifeDecay(ageDays, halfLifeDays float64) float64 {
	if halfLifeDays <= 0 {
		return 1
	}
	return math.Pow(0.5, ageDays/halfLifeDays)
}
