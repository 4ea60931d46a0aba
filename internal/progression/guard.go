package progression

import "fmt"

// WriteGuard decides whether an in-memory state may reach any adapter.
type WriteGuard struct {
	scorer  *Scorer
	weights ScoringWeights
}

func NewWriteGuard(scorer *Scorer, weights ScoringWeights) *WriteGuard {
	if scorer == nil {
		scorer = NewScorer(weights, nil)
	}
	return &WriteGuard{scorer: scorer, weights: weights.withDefaults()}
}

// Validate runs the checks in order and returns the first failure as a
// *ValidationError. best is the highest-quality snapshot known to be durable;
// it may be nil. The only mutation Validate performs is the TotalXP repair,
// reported through the repaired result.
func (g *WriteGuard) Validate(candidate *ProgressionState, best *Candidate) (repaired bool, err error) {
	if candidate == nil {
		return false, &ValidationError{Rule: RulePositiveLevel, Detail: "state is nil"}
	}
	if candidate.Level < 1 {
		return false, &ValidationError{Rule: RulePositiveLevel, Detail: fmt.Sprintf("level %d is not a positive integer", candidate.Level)}
	}
	if !isFinite(candidate.XP) || candidate.XP < 0 {
		return false, &ValidationError{Rule: RuleFiniteXP, Detail: fmt.Sprintf("xp %v is not a finite non-negative number", candidate.XP)}
	}
	statSum := candidate.StatSum()
	if candidate.Level > 1 && statSum == 0 {
		return false, &ValidationError{Rule: RuleStatWipe, Detail: fmt.Sprintf("level %d with zero stat sum", candidate.Level)}
	}
	if best != nil && best.Data != nil {
		bestSum := best.Data.StatSum()
		if best.Quality > g.scorer.Quality(candidate) && float64(statSum) < float64(bestSum)*g.weights.RegressionRatio {
			return false, &ValidationError{
				Rule:   RuleRegression,
				Detail: fmt.Sprintf("stat sum %d is below %.0f%% of %s/%s stat sum %d", statSum, g.weights.RegressionRatio*100, best.Source, best.Slot, bestSum),
			}
		}
	}
	return candidate.RepairTotalXP(), nil
}
