// Package score computes complexity scores for work units
package score

import (
	"fmt"

	"github.com/cloud-shuttle/foreman/pkg/types"
)

// Scorer computes the five-dimension complexity score for a work unit.
// Scoring is deterministic: identical inputs always produce identical scores.
type Scorer struct{}

// NewScorer creates a new scorer
func NewScorer() *Scorer {
	return &Scorer{}
}

// Score computes the complexity score for a unit. overlaps is the number of
// file overlaps this unit has with other units, supplied by conflict detection.
// A malformed unit yields a ScoreUnavailable error, never a silent zero.
func (s *Scorer) Score(unit *types.WorkUnit, overlaps int) (*types.ComplexityScore, error) {
	if unit == nil {
		return nil, &types.ScoreUnavailableError{Reason: "unit is nil"}
	}
	if unit.Title == "" {
		return nil, &types.ScoreUnavailableError{UnitID: unit.ID, Reason: "missing title"}
	}
	if len(unit.Files) == 0 && unit.Estimate.Empty() {
		return nil, &types.ScoreUnavailableError{UnitID: unit.ID, Reason: "no file list and no size estimate"}
	}
	if overlaps < 0 {
		return nil, &types.ScoreUnavailableError{UnitID: unit.ID, Reason: "negative overlap count"}
	}
	if err := validateProfiles(unit); err != nil {
		return nil, &types.ScoreUnavailableError{UnitID: unit.ID, Reason: err.Error()}
	}

	fileImpact, err := fileImpactScore(unit)
	if err != nil {
		return nil, &types.ScoreUnavailableError{UnitID: unit.ID, Reason: err.Error()}
	}

	score := &types.ComplexityScore{
		FileImpact:  fileImpact,
		Dependency:  dependencyScore(unit.Deps),
		Testing:     testingScore(unit.Testing),
		Integration: integrationScore(unit.Integration, overlaps),
		Uncertainty: uncertaintyScore(unit.Uncertainty),
	}
	score.Total = score.Sum()

	return score, nil
}

// ScoreAll scores every unit, collecting per-unit errors so one malformed
// unit never blocks its siblings. overlaps maps unit ID to overlap count.
func (s *Scorer) ScoreAll(units []*types.WorkUnit, overlaps map[string]int) (map[string]*types.ComplexityScore, map[string]error) {
	scores := make(map[string]*types.ComplexityScore, len(units))
	failures := make(map[string]error)

	for _, unit := range units {
		if unit == nil {
			continue
		}
		sc, err := s.Score(unit, overlaps[unit.ID])
		if err != nil {
			failures[unit.ID] = err
			continue
		}
		scores[unit.ID] = sc
	}

	return scores, failures
}

// fileImpactScore sums per-file points: new=1, small=1, medium=2, large=3,
// plus 2 for core/high-risk files. Units with only a size estimate are
// scored as if each estimated file were a medium edit.
func fileImpactScore(unit *types.WorkUnit) (int, error) {
	if len(unit.Files) == 0 {
		return 2 * unit.Estimate.FileCount, nil
	}

	total := 0
	for _, f := range unit.Files {
		if f.Path == "" {
			return 0, fmt.Errorf("file change with empty path")
		}
		switch f.Edit {
		case types.EditNew, types.EditSmall:
			total += 1
		case types.EditMedium:
			total += 2
		case types.EditLarge:
			total += 3
		default:
			return 0, fmt.Errorf("file %s: unknown edit class %q", f.Path, f.Edit)
		}
		if f.Core {
			total += 2
		}
	}
	return total, nil
}

// dependencyScore = 3*external integrations + 2*schema changes +
// 2*third-party upgrades + 1*cross-module deps
func dependencyScore(d types.DependencyProfile) int {
	return 3*d.ExternalIntegrations + 2*d.SchemaChanges + 2*d.ThirdPartyUpgrades + 1*d.CrossModuleDeps
}

// testingScore = 1*unit-test files + 2*integration scenarios +
// 2 if mocking required + 3*end-to-end scenarios
func testingScore(t types.TestingProfile) int {
	total := 1*t.UnitTestFiles + 2*t.IntegrationScenarios + 3*t.EndToEndScenarios
	if t.MockingRequired {
		total += 2
	}
	return total
}

// integrationScore = 3*file overlaps + 2*shared-interface changes +
// 2*cross-cutting concerns
func integrationScore(i types.IntegrationProfile, overlaps int) int {
	return 3*overlaps + 2*i.SharedInterfaceChanges + 2*i.CrossCuttingConcerns
}

// uncertaintyScore = 3*unfamiliar tech + 2*unclear requirements +
// 1*missing docs + 2 if research required
func uncertaintyScore(u types.UncertaintyProfile) int {
	total := 3*u.UnfamiliarTech + 2*u.UnclearRequirements + 1*u.MissingDocs
	if u.RequiresResearch {
		total += 2
	}
	return total
}

func validateProfiles(unit *types.WorkUnit) error {
	if unit.Estimate.FileCount < 0 || unit.Estimate.LineCount < 0 {
		return fmt.Errorf("negative size estimate")
	}
	d := unit.Deps
	if d.ExternalIntegrations < 0 || d.SchemaChanges < 0 || d.ThirdPartyUpgrades < 0 || d.CrossModuleDeps < 0 {
		return fmt.Errorf("negative dependency counts")
	}
	t := unit.Testing
	if t.UnitTestFiles < 0 || t.IntegrationScenarios < 0 || t.EndToEndScenarios < 0 {
		return fmt.Errorf("negative testing counts")
	}
	i := unit.Integration
	if i.SharedInterfaceChanges < 0 || i.CrossCuttingConcerns < 0 {
		return fmt.Errorf("negative integration counts")
	}
	u := unit.Uncertainty
	if u.UnfamiliarTech < 0 || u.UnclearRequirements < 0 || u.MissingDocs < 0 {
		return fmt.Errorf("negative uncertainty counts")
	}
	return nil
}
