package confidence

import (
	"math"
	"testing"
	"time"
)

func TestFromSources(t *testing.T) {
	if got := FromSources(3); got != LevelHigh {
		t.Errorf("FromSources(3) = %s, want high", got)
	}
	if got := FromSources(2); got != LevelMedium {
		t.Errorf("FromSources(2) = %s, want medium", got)
	}
	if got := FromSources(1); got != LevelLow {
		t.Errorf("FromSources(1) = %s, want low", got)
	}
	if got := FromSources(0); got != LevelLow {
		t.Errorf("FromSources(0) = %s, want low", got)
	}
}

func TestForEntity_FreshDataKeepsLevel(t *testing.T) {
	now := time.Now()
	if got := ForEntity(3, now.Add(-24*time.Hour), now); got != LevelHigh {
		t.Errorf("fresh 3-source entity = %s, want high", got)
	}
}

func TestForEntity_StaleDataDegradesOneLevel(t *testing.T) {
	now := time.Now()
	stale := now.Add(-FreshnessThreshold - time.Hour)
	if got := ForEntity(3, stale, now); got != LevelMedium {
		t.Errorf("stale 3-source entity = %s, want medium", got)
	}
	if got := ForEntity(2, stale, now); got != LevelLow {
		t.Errorf("stale 2-source entity = %s, want low", got)
	}
	if got := ForEntity(0, stale, now); got != LevelLow {
		t.Errorf("stale 0-source entity = %s, want low", got)
	}
}

func TestForEntity_ZeroTimeCountsAsStale(t *testing.T) {
	if got := ForEntity(3, time.Time{}, time.Now()); got != LevelMedium {
		t.Errorf("entity with no record date = %s, want medium", got)
	}
}

func TestAggregate_GeometricMean(t *testing.T) {
	got := Aggregate([]float64{0.81, 0.81})
	if math.Abs(got-0.81) > 1e-9 {
		t.Errorf("Aggregate = %f, want 0.81", got)
	}
	if got := Aggregate(nil); got != 0 {
		t.Errorf("Aggregate(nil) = %f, want 0", got)
	}
	if got := Aggregate([]float64{0.9, 0}); got != 0 {
		t.Errorf("Aggregate with zero score = %f, want 0", got)
	}
}

func TestWeightedAverage(t *testing.T) {
	got := WeightedAverage([]float64{1.0, 0.5}, []float64{3, 1})
	want := (1.0*3 + 0.5*1) / 4
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("WeightedAverage = %f, want %f", got, want)
	}
	if got := WeightedAverage([]float64{1}, []float64{0}); got != 0 {
		t.Errorf("zero total weight = %f, want 0", got)
	}
}

func TestClamp(t *testing.T) {
	if got := Clamp(1.5); got != 1 {
		t.Errorf("Clamp(1.5) = %f, want 1", got)
	}
	if got := Clamp(-0.1); got != 0 {
		t.Errorf("Clamp(-0.1) = %f, want 0", got)
	}
}

func TestDistribution(t *testing.T) {
	var d Distribution
	d.Add(LevelHigh)
	d.Add(LevelMedium)
	d.Add(LevelMedium)
	d.Add(LevelLow)
	if d.High != 1 || d.Medium != 2 || d.Low != 1 {
		t.Errorf("distribution = %+v, want 1/2/1", d)
	}
	if d.Total() != 4 {
		t.Errorf("Total() = %d, want 4", d.Total())
	}
}
