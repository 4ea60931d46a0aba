package progression

import (
	"math"
	"strings"
	"time"
)

// ScoringWeights holds the reconciliation constants. The defaults are the
// production values and should only be overridden for experiments.
type ScoringWeights struct {
	LevelWeight     float64
	StatWeight      float64
	TotalXPWeight   float64
	NearTieUpper    float64
	NearTieLower    float64
	RegressionRatio float64
	MaxClockSkew    time.Duration
}

func DefaultScoringWeights() ScoringWeights {
	return ScoringWeights{
		LevelWeight:     1000,
		StatWeight:      1,
		TotalXPWeight:   0.01,
		NearTieUpper:    1.1,
		NearTieLower:    0.91,
		RegressionRatio: 0.5,
		MaxClockSkew:    24 * time.Hour,
	}
}

func (w ScoringWeights) withDefaults() ScoringWeights {
	defaults := DefaultScoringWeights()
	if w.LevelWeight <= 0 {
		w.LevelWeight = defaults.LevelWeight
	}
	if w.StatWeight <= 0 {
		w.StatWeight = defaults.StatWeight
	}
	if w.TotalXPWeight <= 0 {
		w.TotalXPWeight = defaults.TotalXPWeight
	}
	if w.NearTieUpper <= 1 {
		w.NearTieUpper = defaults.NearTieUpper
	}
	if w.NearTieLower <= 0 || w.NearTieLower >= 1 {
		w.NearTieLower = defaults.NearTieLower
	}
	if w.RegressionRatio <= 0 || w.RegressionRatio >= 1 {
		w.RegressionRatio = defaults.RegressionRatio
	}
	if w.MaxClockSkew <= 0 {
		w.MaxClockSkew = defaults.MaxClockSkew
	}
	return w
}

type Scorer struct {
	weights ScoringWeights
	now     func() time.Time
}

func NewScorer(weights ScoringWeights, now func() time.Time) *Scorer {
	if now == nil {
		now = time.Now
	}
	return &Scorer{weights: weights.withDefaults(), now: now}
}

// Quality is a coarse monotonic proxy for how much real progress a snapshot
// represents. Each term is floored at zero before summing.
func (s *Scorer) Quality(state *ProgressionState) float64 {
	if state == nil {
		return 0
	}
	level := floorZero(float64(state.Level) * s.weights.LevelWeight)
	stats := floorZero(float64(state.StatSum()) * s.weights.StatWeight)
	total := floorZero(state.TotalXP * s.weights.TotalXPWeight)
	return level + stats + total
}

// Timestamp returns the snapshot's lastSave in epoch milliseconds. Missing,
// unparseable and far-future values all score as zero.
func (s *Scorer) Timestamp(state *ProgressionState) int64 {
	if state == nil {
		return 0
	}
	raw := strings.TrimSpace(state.Metadata.LastSave)
	if raw == "" {
		return 0
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return 0
	}
	if parsed.After(s.now().Add(s.weights.MaxClockSkew)) {
		return 0
	}
	ms := parsed.UnixMilli()
	if ms < 0 {
		return 0
	}
	return ms
}

func floorZero(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if math.IsInf(v, 1) {
		return 0
	}
	return v
}
