// Package strategy selects the execution strategy for a set of scored work units
package strategy

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cloud-shuttle/foreman/pkg/types"
)

// Trigger labels for strategy decisions
const (
	TriggerConflicts     = "conflicts"
	TriggerLowScore      = "low-score"
	TriggerModerateScore = "moderate-score"
	TriggerHighScore     = "high-score"
	TriggerUnitCount     = "unit-count"
	TriggerMissingScores = "missing-scores"
	TriggerEmptyPlan     = "empty-plan"
)

// Selector maps scores, unit count, and conflicts to an execution strategy.
// The decision rules are evaluated in order: conflicts force isolation,
// then score and unit-count thresholds pick between the three strategies.
type Selector struct {
	directThreshold int
	sharedThreshold int
	sharedMaxUnits  int
}

// NewSelector creates a selector with the default thresholds
// (direct ≤ 10, shared-branch ≤ 30 with at most 5 units).
func NewSelector() *Selector {
	return &Selector{
		directThreshold: 10,
		sharedThreshold: 30,
		sharedMaxUnits:  5,
	}
}

// NewSelectorWithThresholds creates a selector with custom thresholds
func NewSelectorWithThresholds(direct, shared, maxUnits int) *Selector {
	return &Selector{
		directThreshold: direct,
		sharedThreshold: shared,
		sharedMaxUnits:  maxUnits,
	}
}

// Select picks a strategy for the given units. The returned decision always
// carries a rationale naming the thresholds that fired. Selection is a pure
// function of its inputs apart from the decision timestamp.
func (s *Selector) Select(units []*types.WorkUnit, scores map[string]*types.ComplexityScore, conflicts []types.Conflict) types.StrategyDecision {
	now := time.Now().Unix()

	if len(units) == 0 {
		return types.StrategyDecision{
			Strategy:  types.StrategyDirect,
			Rationale: "no units to schedule: direct execution is trivially safe",
			Trigger:   TriggerEmptyPlan,
			DecidedAt: now,
		}
	}

	// Rule 1: any detected conflict forces isolation, regardless of score.
	if len(conflicts) > 0 {
		return types.StrategyDecision{
			Strategy: types.StrategyIsolatedWorkspace,
			Rationale: fmt.Sprintf("%d ownership conflict(s) detected (%s): isolated-workspace is forced regardless of score",
				len(conflicts), conflictPairs(conflicts)),
			Trigger:   TriggerConflicts,
			DecidedAt: now,
		}
	}

	// A unit without a score cannot be placed safely; isolate everything.
	if missing := unscoredUnits(units, scores); len(missing) > 0 {
		return types.StrategyDecision{
			Strategy: types.StrategyIsolatedWorkspace,
			Rationale: fmt.Sprintf("unit(s) %s have no complexity score: isolating conservatively",
				strings.Join(missing, ", ")),
			Trigger:   TriggerMissingScores,
			DecidedAt: now,
		}
	}

	maxTotal := maxScore(units, scores)

	// Rule 2: every unit scores at or below the direct threshold.
	if maxTotal <= s.directThreshold {
		return types.StrategyDecision{
			Strategy: types.StrategyDirect,
			Rationale: fmt.Sprintf("max unit score %d ≤ %d: orchestrator executes %d unit(s) directly without isolation",
				maxTotal, s.directThreshold, len(units)),
			Trigger:   TriggerLowScore,
			DecidedAt: now,
		}
	}

	// Rule 3: moderate scores, few units, no overlap (rule 1 already
	// guarantees the claim set is conflict-free here).
	if maxTotal <= s.sharedThreshold && len(units) <= s.sharedMaxUnits {
		return types.StrategyDecision{
			Strategy: types.StrategySharedBranch,
			Rationale: fmt.Sprintf("max unit score %d ≤ %d, %d unit(s) ≤ %d, and no file overlap: concurrent execution on a shared branch",
				maxTotal, s.sharedThreshold, len(units), s.sharedMaxUnits),
			Trigger:   TriggerModerateScore,
			DecidedAt: now,
		}
	}

	// Rule 4: everything else gets per-unit isolation.
	var reasons []string
	trigger := TriggerHighScore
	if maxTotal > s.sharedThreshold {
		reasons = append(reasons, fmt.Sprintf("max unit score %d > %d", maxTotal, s.sharedThreshold))
	}
	if len(units) > s.sharedMaxUnits {
		reasons = append(reasons, fmt.Sprintf("%d units > %d", len(units), s.sharedMaxUnits))
		if maxTotal <= s.sharedThreshold {
			trigger = TriggerUnitCount
		}
	}

	return types.StrategyDecision{
		Strategy:  types.StrategyIsolatedWorkspace,
		Rationale: strings.Join(reasons, "; ") + ": each unit gets an isolated workspace, merged sequentially",
		Trigger:   trigger,
		DecidedAt: now,
	}
}

// Reevaluate re-runs selection after execution-time discovery. It only ever
// escalates: direct or shared-branch may move to isolated-workspace, never
// the other way, and never silently. The bool reports whether the strategy
// changed.
func (s *Selector) Reevaluate(prev types.StrategyDecision, units []*types.WorkUnit, scores map[string]*types.ComplexityScore, conflicts []types.Conflict) (types.StrategyDecision, bool) {
	if prev.Strategy == types.StrategyIsolatedWorkspace {
		return prev, false
	}

	fresh := s.Select(units, scores, conflicts)
	if strategyRank(fresh.Strategy) <= strategyRank(prev.Strategy) {
		return prev, false
	}

	fresh.Escalated = true
	fresh.Rationale = "escalated mid-flight from " + string(prev.Strategy) + ": " + fresh.Rationale
	return fresh, true
}

func strategyRank(st types.Strategy) int {
	switch st {
	case types.StrategyDirect:
		return 0
	case types.StrategySharedBranch:
		return 1
	case types.StrategyIsolatedWorkspace:
		return 2
	}
	return -1
}

func maxScore(units []*types.WorkUnit, scores map[string]*types.ComplexityScore) int {
	max := 0
	for _, u := range units {
		if sc, ok := scores[u.ID]; ok && sc.Total > max {
			max = sc.Total
		}
	}
	return max
}

func unscoredUnits(units []*types.WorkUnit, scores map[string]*types.ComplexityScore) []string {
	var missing []string
	for _, u := range units {
		if _, ok := scores[u.ID]; !ok {
			missing = append(missing, u.ID)
		}
	}
	sort.Strings(missing)
	return missing
}

func conflictPairs(conflicts []types.Conflict) string {
	pairs := make([]string, 0, len(conflicts))
	for _, c := range conflicts {
		pairs = append(pairs, c.UnitA+"/"+c.UnitB)
	}
	sort.Strings(pairs)
	if len(pairs) > 3 {
		pairs = append(pairs[:3], "...")
	}
	return strings.Join(pairs, ", ")
}
