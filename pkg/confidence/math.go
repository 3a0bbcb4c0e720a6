// Package confidence provides confidence score math and per-entity
// confidence level derivation.
package confidence

import (
	"math"
	"time"
)

// Level is the coarse per-entity confidence bucket used by opportunity
// scoring and the run summary.
type Level string

const (
	LevelHigh   Level = "high"
	LevelMedium Level = "medium"
	LevelLow    Level = "low"
)

// Fixed per-strategy match confidences.
const (
	ExactMatch   = 1.0
	ManualMatch  = 1.0
	ProductInURL = 0.9
	PathPrefix   = 0.8
	CategoryPath = 0.7
	FuzzyFloor   = 0.6
)

// FreshnessThreshold is the age past which data degrades confidence
// by one level.
const FreshnessThreshold = 90 * 24 * time.Hour

// FromSources derives a level from how many of the three sources
// contributed records with non-trivial volume.
func FromSources(present int) Level {
	switch {
	case present >= 3:
		return LevelHigh
	case present == 2:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Degrade lowers a level by one step. Low stays low.
func Degrade(l Level) Level {
	switch l {
	case LevelHigh:
		return LevelMedium
	case LevelMedium:
		return LevelLow
	default:
		return LevelLow
	}
}

// ForEntity combines source coverage with data freshness. Data age is a
// first-class input: a stale entity loses one level regardless of coverage.
func ForEntity(sourcesPresent int, newestRecord time.Time, now time.Time) Level {
	level := FromSources(sourcesPresent)
	if newestRecord.IsZero() || now.Sub(newestRecord) > FreshnessThreshold {
		level = Degrade(level)
	}
	return level
}

// Aggregate combines multiple confidence scores.
// Uses geometric mean to penalize low-confidence components.
func Aggregate(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}

	product := 1.0
	for _, s := range scores {
		if s <= 0 {
			return 0
		}
		product *= s
	}

	return math.Pow(product, 1.0/float64(len(scores)))
}

// WeightedAverage calculates weighted confidence.
func WeightedAverage(scores []float64, weights []float64) float64 {
	if len(scores) == 0 || len(scores) != len(weights) {
		return 0
	}

	var sum, weightSum float64
	for i, s := range scores {
		sum += s * weights[i]
		weightSum += weights[i]
	}

	if weightSum == 0 {
		return 0
	}
	return sum / weightSum
}

// Clamp ensures confidence is in valid range [0, 1].
func Clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// Distribution counts entities per level for the run summary.
type Distribution struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

// Add records one entity's level.
func (d *Distribution) Add(l Level) {
	switch l {
	case LevelHigh:
		d.High++
	case LevelMedium:
		d.Medium++
	default:
		d.Low++
	}
}

// Total returns the number of entities counted.
func (d Distribution) Total() int {
	return d.High + d.Medium + d.Low
}
