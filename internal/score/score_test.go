package score

import (
	"errors"
	"testing"

	"github.com/cloud-shuttle/foreman/pkg/types"
)

func sampleUnit() *types.WorkUnit {
	return &types.WorkUnit{
		ID:    "unit-1",
		Title: "Add login endpoint",
		Files: []types.FileChange{
			{Path: "internal/auth/login.go", Edit: types.EditNew},
			{Path: "internal/auth/session.go", Edit: types.EditMedium},
			{Path: "internal/server/routes.go", Edit: types.EditSmall, Core: true},
		},
	}
}

func TestFileImpactScore(t *testing.T) {
	unit := sampleUnit()

	sc, err := NewScorer().Score(unit, 0)
	if err != nil {
		t.Fatalf("Score() error: %v", err)
	}

	// new=1 + medium=2 + (small=1 + core=2) = 6
	if sc.FileImpact != 6 {
		t.Errorf("FileImpact = %d; want 6", sc.FileImpact)
	}
	if sc.Total != 6 {
		t.Errorf("Total = %d; want 6", sc.Total)
	}
}

func TestFileImpactFromEstimate(t *testing.T) {
	unit := &types.WorkUnit{
		ID:       "unit-est",
		Title:    "Refactor config loading",
		Estimate: types.SizeEstimate{FileCount: 3, LineCount: 200},
	}

	sc, err := NewScorer().Score(unit, 0)
	if err != nil {
		t.Fatalf("Score() error: %v", err)
	}

	// estimated files score as medium edits: 3 * 2 = 6
	if sc.FileImpact != 6 {
		t.Errorf("FileImpact = %d; want 6", sc.FileImpact)
	}
}

func TestDependencyScore(t *testing.T) {
	unit := sampleUnit()
	unit.Deps = types.DependencyProfile{
		ExternalIntegrations: 1,
		SchemaChanges:        2,
		ThirdPartyUpgrades:   1,
		CrossModuleDeps:      3,
	}

	sc, err := NewScorer().Score(unit, 0)
	if err != nil {
		t.Fatalf("Score() error: %v", err)
	}

	// 3*1 + 2*2 + 2*1 + 1*3 = 12
	if sc.Dependency != 12 {
		t.Errorf("Dependency = %d; want 12", sc.Dependency)
	}
}

func TestTestingScore(t *testing.T) {
	unit := sampleUnit()
	unit.Testing = types.TestingProfile{
		UnitTestFiles:        2,
		IntegrationScenarios: 1,
		MockingRequired:      true,
		EndToEndScenarios:    1,
	}

	sc, err := NewScorer().Score(unit, 0)
	if err != nil {
		t.Fatalf("Score() error: %v", err)
	}

	// 1*2 + 2*1 + 2 + 3*1 = 9
	if sc.Testing != 9 {
		t.Errorf("Testing = %d; want 9", sc.Testing)
	}
}

func TestIntegrationScoreCountsOverlaps(t *testing.T) {
	unit := sampleUnit()
	unit.Integration = types.IntegrationProfile{
		SharedInterfaceChanges: 1,
		CrossCuttingConcerns:   2,
	}

	sc, err := NewScorer().Score(unit, 2)
	if err != nil {
		t.Fatalf("Score() error: %v", err)
	}

	// 3*2 + 2*1 + 2*2 = 12
	if sc.Integration != 12 {
		t.Errorf("Integration = %d; want 12", sc.Integration)
	}
}

func TestUncertaintyScore(t *testing.T) {
	unit := sampleUnit()
	unit.Uncertainty = types.UncertaintyProfile{
		UnfamiliarTech:      1,
		UnclearRequirements: 1,
		MissingDocs:         2,
		RequiresResearch:    true,
	}

	sc, err := NewScorer().Score(unit, 0)
	if err != nil {
		t.Fatalf("Score() error: %v", err)
	}

	// 3*1 + 2*1 + 1*2 + 2 = 9
	if sc.Uncertainty != 9 {
		t.Errorf("Uncertainty = %d; want 9", sc.Uncertainty)
	}
}

func TestScoreDeterministic(t *testing.T) {
	unit := sampleUnit()
	unit.Deps = types.DependencyProfile{ExternalIntegrations: 2}
	unit.Testing = types.TestingProfile{UnitTestFiles: 3, MockingRequired: true}
	unit.Uncertainty = types.UncertaintyProfile{RequiresResearch: true}

	scorer := NewScorer()
	first, err := scorer.Score(unit, 1)
	if err != nil {
		t.Fatalf("first Score() error: %v", err)
	}

	for i := 0; i < 10; i++ {
		again, err := scorer.Score(unit, 1)
		if err != nil {
			t.Fatalf("Score() run %d error: %v", i, err)
		}
		if *again != *first {
			t.Fatalf("Score() run %d = %+v; want %+v", i, again, first)
		}
	}
}

func TestTotalIsSumOfSubScores(t *testing.T) {
	unit := sampleUnit()
	unit.Deps = types.DependencyProfile{ExternalIntegrations: 1, CrossModuleDeps: 2}
	unit.Testing = types.TestingProfile{UnitTestFiles: 1}
	unit.Integration = types.IntegrationProfile{CrossCuttingConcerns: 1}
	unit.Uncertainty = types.UncertaintyProfile{MissingDocs: 1}

	sc, err := NewScorer().Score(unit, 1)
	if err != nil {
		t.Fatalf("Score() error: %v", err)
	}

	want := sc.FileImpact + sc.Dependency + sc.Testing + sc.Integration + sc.Uncertainty
	if sc.Total != want {
		t.Errorf("Total = %d; want %d", sc.Total, want)
	}
}

func TestScoreMalformedUnit(t *testing.T) {
	tests := []struct {
		name string
		unit *types.WorkUnit
	}{
		{"nil unit", nil},
		{"missing title", &types.WorkUnit{ID: "unit-x", Files: []types.FileChange{{Path: "a.go", Edit: types.EditSmall}}}},
		{"no files no estimate", &types.WorkUnit{ID: "unit-y", Title: "Mystery work"}},
		{"unknown edit class", &types.WorkUnit{ID: "unit-z", Title: "Odd edit", Files: []types.FileChange{{Path: "a.go", Edit: "huge"}}}},
		{"empty file path", &types.WorkUnit{ID: "unit-w", Title: "Blank path", Files: []types.FileChange{{Edit: types.EditSmall}}}},
		{"negative counts", &types.WorkUnit{
			ID: "unit-n", Title: "Bad profile",
			Files: []types.FileChange{{Path: "a.go", Edit: types.EditSmall}},
			Deps:  types.DependencyProfile{SchemaChanges: -1},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewScorer().Score(tt.unit, 0)
			if err == nil {
				t.Fatal("Score() succeeded; want ScoreUnavailable error")
			}
			var su *types.ScoreUnavailableError
			if !errors.As(err, &su) {
				t.Errorf("error type = %T; want *types.ScoreUnavailableError", err)
			}
		})
	}
}

func TestScoreAllIsolatesFailures(t *testing.T) {
	good := sampleUnit()
	bad := &types.WorkUnit{ID: "unit-bad", Title: "No sizing info"}

	scores, failures := NewScorer().ScoreAll([]*types.WorkUnit{good, bad}, nil)

	if _, ok := scores[good.ID]; !ok {
		t.Error("healthy sibling was not scored")
	}
	if _, ok := failures[bad.ID]; !ok {
		t.Error("malformed unit did not record a failure")
	}
	if _, ok := scores[bad.ID]; ok {
		t.Error("malformed unit received a score")
	}
}
