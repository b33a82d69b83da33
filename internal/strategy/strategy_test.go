package strategy

import (
	"fmt"
	"strings"
	"testing"

	"github.com/cloud-shuttle/foreman/pkg/types"
)

func unitsWithScores(totals ...int) ([]*types.WorkUnit, map[string]*types.ComplexityScore) {
	units := make([]*types.WorkUnit, 0, len(totals))
	scores := make(map[string]*types.ComplexityScore, len(totals))
	for i, total := range totals {
		id := fmt.Sprintf("unit-%d", i+1)
		units = append(units, &types.WorkUnit{ID: id, Title: "Unit " + id})
		scores[id] = &types.ComplexityScore{FileImpact: total, Total: total}
	}
	return units, scores
}

func TestSelectDirectForLowScores(t *testing.T) {
	// 3 units scoring [4, 6, 3], no overlaps
	units, scores := unitsWithScores(4, 6, 3)

	d := NewSelector().Select(units, scores, nil)

	if d.Strategy != types.StrategyDirect {
		t.Fatalf("Strategy = %s; want direct", d.Strategy)
	}
	if d.Rationale == "" {
		t.Fatal("decision has no rationale")
	}
	if !strings.Contains(d.Rationale, "10") {
		t.Errorf("rationale does not reference the direct threshold: %q", d.Rationale)
	}
}

func TestSelectSharedBranchForModerateScores(t *testing.T) {
	units, scores := unitsWithScores(15, 22, 30)

	d := NewSelector().Select(units, scores, nil)

	if d.Strategy != types.StrategySharedBranch {
		t.Fatalf("Strategy = %s; want shared-branch", d.Strategy)
	}
	if !strings.Contains(d.Rationale, "30") || !strings.Contains(d.Rationale, "5") {
		t.Errorf("rationale does not reference thresholds: %q", d.Rationale)
	}
}

func TestSelectIsolatedForHighScores(t *testing.T) {
	units, scores := unitsWithScores(12, 45)

	d := NewSelector().Select(units, scores, nil)

	if d.Strategy != types.StrategyIsolatedWorkspace {
		t.Fatalf("Strategy = %s; want isolated-workspace", d.Strategy)
	}
	if !strings.Contains(d.Rationale, "45") {
		t.Errorf("rationale does not name the offending score: %q", d.Rationale)
	}
}

func TestSelectIsolatedForUnitCount(t *testing.T) {
	// 6 units each scoring 15: moderate scores, but count > 5
	units, scores := unitsWithScores(15, 15, 15, 15, 15, 15)

	d := NewSelector().Select(units, scores, nil)

	if d.Strategy != types.StrategyIsolatedWorkspace {
		t.Fatalf("Strategy = %s; want isolated-workspace", d.Strategy)
	}
	if d.Trigger != TriggerUnitCount {
		t.Errorf("Trigger = %s; want %s", d.Trigger, TriggerUnitCount)
	}
	if !strings.Contains(d.Rationale, "6 units") {
		t.Errorf("rationale does not reference the unit count: %q", d.Rationale)
	}
}

func TestConflictForcesIsolationRegardlessOfScore(t *testing.T) {
	units, scores := unitsWithScores(2, 3)
	conflicts := []types.Conflict{
		{ID: "conf-1", UnitA: "unit-1", UnitB: "unit-2", Paths: []string{"src/auth.js"}},
	}

	d := NewSelector().Select(units, scores, conflicts)

	if d.Strategy != types.StrategyIsolatedWorkspace {
		t.Fatalf("Strategy = %s; want isolated-workspace", d.Strategy)
	}
	if d.Trigger != TriggerConflicts {
		t.Errorf("Trigger = %s; want %s", d.Trigger, TriggerConflicts)
	}
	if !strings.Contains(d.Rationale, "unit-1/unit-2") {
		t.Errorf("rationale does not name the conflicting pair: %q", d.Rationale)
	}
}

func TestSelectBoundaryScores(t *testing.T) {
	tests := []struct {
		name   string
		totals []int
		want   types.Strategy
	}{
		{"exactly 10 is direct", []int{10}, types.StrategyDirect},
		{"11 is shared-branch", []int{11}, types.StrategySharedBranch},
		{"exactly 30 is shared-branch", []int{30}, types.StrategySharedBranch},
		{"31 is isolated", []int{31}, types.StrategyIsolatedWorkspace},
		{"five units at 30 shared", []int{30, 30, 30, 30, 30}, types.StrategySharedBranch},
		{"six units at 11 isolated", []int{11, 11, 11, 11, 11, 11}, types.StrategyIsolatedWorkspace},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			units, scores := unitsWithScores(tt.totals...)
			d := NewSelector().Select(units, scores, nil)
			if d.Strategy != tt.want {
				t.Errorf("Strategy = %s; want %s", d.Strategy, tt.want)
			}
		})
	}
}

func TestSelectMissingScoresIsolates(t *testing.T) {
	units, scores := unitsWithScores(4, 5)
	delete(scores, "unit-2")

	d := NewSelector().Select(units, scores, nil)

	if d.Strategy != types.StrategyIsolatedWorkspace {
		t.Fatalf("Strategy = %s; want isolated-workspace", d.Strategy)
	}
	if d.Trigger != TriggerMissingScores {
		t.Errorf("Trigger = %s; want %s", d.Trigger, TriggerMissingScores)
	}
}

func TestSelectDeterministic(t *testing.T) {
	units, scores := unitsWithScores(8, 20, 14)

	first := NewSelector().Select(units, scores, nil)
	for i := 0; i < 5; i++ {
		again := NewSelector().Select(units, scores, nil)
		if again.Strategy != first.Strategy || again.Rationale != first.Rationale || again.Trigger != first.Trigger {
			t.Fatalf("run %d decision differs: %+v vs %+v", i, again, first)
		}
	}
}

func TestReevaluateEscalatesOnDiscoveredConflict(t *testing.T) {
	units, scores := unitsWithScores(4, 6)
	sel := NewSelector()

	prev := sel.Select(units, scores, nil)
	if prev.Strategy != types.StrategyDirect {
		t.Fatalf("initial Strategy = %s; want direct", prev.Strategy)
	}

	discovered := []types.Conflict{
		{ID: "conf-1", UnitA: "unit-1", UnitB: "unit-2", Paths: []string{"pkg/shared.go"}, Origin: types.ConflictDynamic},
	}
	next, changed := sel.Reevaluate(prev, units, scores, discovered)

	if !changed {
		t.Fatal("Reevaluate did not escalate on a discovered conflict")
	}
	if next.Strategy != types.StrategyIsolatedWorkspace {
		t.Errorf("Strategy = %s; want isolated-workspace", next.Strategy)
	}
	if !next.Escalated {
		t.Error("decision not marked escalated")
	}
	if !strings.Contains(next.Rationale, "mid-flight") {
		t.Errorf("rationale does not mention mid-flight escalation: %q", next.Rationale)
	}
}

func TestReevaluateNeverDeescalates(t *testing.T) {
	units, scores := unitsWithScores(40)
	sel := NewSelector()

	prev := sel.Select(units, scores, nil)
	if prev.Strategy != types.StrategyIsolatedWorkspace {
		t.Fatalf("initial Strategy = %s; want isolated-workspace", prev.Strategy)
	}

	// Scores drop, conflicts clear: the earlier decision still stands.
	easier := map[string]*types.ComplexityScore{"unit-1": {Total: 2}}
	next, changed := sel.Reevaluate(prev, units, easier, nil)

	if changed {
		t.Fatal("Reevaluate de-escalated")
	}
	if next.Strategy != types.StrategyIsolatedWorkspace {
		t.Errorf("Strategy = %s; want isolated-workspace", next.Strategy)
	}
}

func TestReevaluateKeepsStrategyWhenNothingChanged(t *testing.T) {
	units, scores := unitsWithScores(4, 6)
	sel := NewSelector()

	prev := sel.Select(units, scores, nil)
	next, changed := sel.Reevaluate(prev, units, scores, nil)

	if changed {
		t.Fatal("Reevaluate reported a change with identical inputs")
	}
	if next.Strategy != prev.Strategy {
		t.Errorf("Strategy = %s; want %s", next.Strategy, prev.Strategy)
	}
}
