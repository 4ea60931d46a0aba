package progression

import (
	"context"
	"errors"
	"math"
	"sort"
)

const (
	SlotPrimary = "primary"
	SlotRescue  = "rescue"
)

// Candidate is a scored snapshot proposal from one backend slot. It only
// lives for the duration of a reconciliation pass.
type Candidate struct {
	Source    BackendID         `json:"source"`
	Kind      BackendKind       `json:"kind"`
	Slot      string            `json:"slot"`
	Key       string            `json:"key"`
	Data      *ProgressionState `json:"data"`
	Timestamp int64             `json:"timestamp"`
	Quality   float64           `json:"quality"`
}

func (c Candidate) Priority() int {
	return c.Kind.Priority()
}

// FromPrimary reports whether the candidate came from a live primary slot
// of a backend that is kept in sync on every flush.
func (c Candidate) FromPrimary() bool {
	return c.Slot == SlotPrimary && c.Kind != KindLegacy
}

type Reconciler struct {
	adapters    []Adapter
	scorer      *Scorer
	weights     ScoringWeights
	backupDepth int
	logger      Logger
}

func NewReconciler(adapters []Adapter, scorer *Scorer, weights ScoringWeights, backupDepth int, logger Logger) *Reconciler {
	if scorer == nil {
		scorer = NewScorer(weights, nil)
	}
	if backupDepth <= 0 {
		backupDepth = DefaultBackupDepth
	}
	return &Reconciler{
		adapters:    adapters,
		scorer:      scorer,
		weights:     weights.withDefaults(),
		backupDepth: backupDepth,
		logger:      logger,
	}
}

func (r *Reconciler) Score(source Adapter, key, slot string, data *ProgressionState) Candidate {
	return Candidate{
		Source:    source.ID(),
		Kind:      source.Kind(),
		Slot:      slot,
		Key:       key,
		Data:      data,
		Timestamp: r.scorer.Timestamp(data),
		Quality:   r.scorer.Quality(data),
	}
}

// Gather queries every adapter in parallel and returns every candidate that
// settled before ctx ended. A backend whose primary slot is empty or
// unreadable additionally contributes its backup slots.
func (r *Reconciler) Gather(ctx context.Context, key string) []Candidate {
	type result struct {
		index      int
		candidates []Candidate
	}
	results := make(chan result, len(r.adapters))
	for i, adapter := range r.adapters {
		go func(index int, adapter Adapter) {
			results <- result{index: index, candidates: r.gatherOne(ctx, adapter, key)}
		}(i, adapter)
	}

	collected := make([][]Candidate, len(r.adapters))
	pending := len(r.adapters)
	for pending > 0 {
		select {
		case res := <-results:
			collected[res.index] = res.candidates
			pending--
		case <-ctx.Done():
			logf(r.logger, "warn", "reconcile: %d backend(s) did not settle: %v", pending, ctx.Err())
			pending = 0
		}
	}

	out := make([]Candidate, 0, len(r.adapters))
	for _, candidates := range collected {
		out = append(out, candidates...)
	}
	return out
}

func (r *Reconciler) gatherOne(ctx context.Context, adapter Adapter, key string) []Candidate {
	state, err := adapter.Load(ctx, key)
	if err != nil {
		if errors.Is(err, ErrDeserialization) {
			logf(r.logger, "warn", "reconcile: discarding %s primary: %v", adapter.ID(), err)
		} else {
			logf(r.logger, "warn", "reconcile: %s load failed: %v", adapter.ID(), err)
		}
	}
	if err == nil && state != nil {
		return []Candidate{r.Score(adapter, key, SlotPrimary, state)}
	}
	if err != nil && !errors.Is(err, ErrDeserialization) {
		return nil
	}
	backups, backupErr := adapter.ListBackups(ctx, key, r.backupDepth)
	if backupErr != nil {
		logf(r.logger, "warn", "reconcile: %s backup listing failed: %v", adapter.ID(), backupErr)
		return nil
	}
	out := make([]Candidate, 0, len(backups))
	for _, backup := range backups {
		if backup.Data == nil {
			continue
		}
		out = append(out, r.Score(adapter, key, backup.ID, backup.Data))
	}
	return out
}

// SelectBest folds candidates into a single winner. Quality differences
// beyond the near-tie band always win; inside the band the strictly newer
// timestamp wins, then backend priority.
func (r *Reconciler) SelectBest(candidates []Candidate) (Candidate, bool) {
	return selectBest(candidates, r.weights)
}

func selectBest(candidates []Candidate, weights ScoringWeights) (Candidate, bool) {
	weights = weights.withDefaults()
	var best Candidate
	found := false
	for _, candidate := range candidates {
		if candidate.Data == nil {
			continue
		}
		// The seed {quality 0, timestamp 0, no source} has no backend
		// priority, so the first non-empty candidate always replaces it.
		if !found {
			best = candidate
			found = true
			continue
		}
		if replaces(candidate, best, weights) {
			best = candidate
		}
	}
	return best, found
}

func replaces(candidate, acc Candidate, weights ScoringWeights) bool {
	ratio := qualityRatio(candidate.Quality, acc.Quality)
	if ratio > weights.NearTieUpper {
		return true
	}
	if ratio < weights.NearTieLower {
		return false
	}
	if candidate.Timestamp != acc.Timestamp {
		return candidate.Timestamp > acc.Timestamp
	}
	return candidate.Priority() > acc.Priority()
}

func qualityRatio(candidate, acc float64) float64 {
	const epsilon = 1e-9
	if acc <= 0 {
		if candidate > 0 {
			return math.Inf(1)
		}
		return 1
	}
	return candidate / math.Max(acc, epsilon)
}

// SortCandidates orders candidates for display: quality, then recency,
// then backend priority. Empty candidates sort last.
func SortCandidates(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if (a.Data == nil) != (b.Data == nil) {
			return a.Data != nil
		}
		if a.Quality != b.Quality {
			return a.Quality > b.Quality
		}
		if a.Timestamp != b.Timestamp {
			return a.Timestamp > b.Timestamp
		}
		return a.Priority() > b.Priority()
	})
}
