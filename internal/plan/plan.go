// Package plan decomposes tasks into bounded work units
package plan

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/cloud-shuttle/foreman/pkg/types"
)

// Plan is the decomposition result: an ordered set of work units whose
// prerequisite edges form a DAG.
type Plan struct {
	TaskID string            `json:"task_id"`
	Units  []*types.WorkUnit `json:"units"`
	Order  []string          `json:"order"` // topological order of unit IDs
}

// Decomposer turns a task description into a unit graph. Decomposition is a
// pure transformation: no side effects, deterministic output for the same
// input task.
type Decomposer struct {
	maxFiles int
	maxLines int
}

// NewDecomposer creates a decomposer enforcing the default size limits
func NewDecomposer() *Decomposer {
	return &Decomposer{
		maxFiles: types.MaxUnitFiles,
		maxLines: types.MaxUnitLines,
	}
}

var (
	unitStanzaRegex = regexp.MustCompile(`(?m)^\s*(\d+)\.\s+\*\*(.+?)\*\*\s*\n((?:\s+-[^\n]+\n?)+)`)
	estimateRegex   = regexp.MustCompile(`(\d+)\s*(files?|lines?|minutes?|mins?|hours?|hrs?)`)
	fileEntryRegex  = regexp.MustCompile(`^(\S+)(?:\s*\(([^)]*)\))?$`)
	flagCountRegex  = regexp.MustCompile(`^([a-z-]+)(?::(\d+))?$`)
)

// Decompose parses the task description into work units. Descriptions use
// numbered stanzas:
//
//	1. **Add login endpoint**
//	   - Description: wire the POST /login route
//	   - Files: internal/auth/login.go (new), internal/server/routes.go (small, core)
//	   - Depends: 2
//	   - Estimate: 2 files, 150 lines, 45 minutes
//	   - Flags: unit-tests:2, mocking, schema:1
//
// Free text without stanzas becomes a single unit carrying a size estimate.
// Cycles in the prerequisite graph and oversized units are rejected.
func (d *Decomposer) Decompose(task *types.Task) (*Plan, error) {
	if task == nil {
		return nil, fmt.Errorf("task is nil")
	}
	if strings.TrimSpace(task.Description) == "" && strings.TrimSpace(task.Title) == "" {
		return nil, fmt.Errorf("task %s has no description to decompose", task.ID)
	}

	known := make(map[string]bool, len(task.Hints))
	for _, h := range task.Hints {
		known[strings.TrimSpace(h)] = true
	}

	matches := unitStanzaRegex.FindAllStringSubmatch(task.Description, -1)

	var units []*types.WorkUnit
	byNumber := make(map[int]*types.WorkUnit)
	depNumbers := make(map[string][]int)

	if len(matches) == 0 {
		units = []*types.WorkUnit{fallbackUnit(task)}
	} else {
		for _, m := range matches {
			num := parseInt(m[1])
			unit := &types.WorkUnit{
				ID:        fmt.Sprintf("%s-u%d", task.ID, num),
				TaskID:    task.ID,
				Title:     strings.TrimSpace(m[2]),
				Ownership: types.OwnershipExclusive,
				Status:    types.UnitStatusPending,
			}

			deps, err := parseStanzaBody(unit, m[3], known)
			if err != nil {
				return nil, fmt.Errorf("unit %d (%s): %w", num, unit.Title, err)
			}

			if _, dup := byNumber[num]; dup {
				return nil, fmt.Errorf("duplicate unit number %d", num)
			}
			byNumber[num] = unit
			depNumbers[unit.ID] = deps
			units = append(units, unit)
		}

		// Resolve numeric depends-references into unit IDs.
		for _, unit := range units {
			for _, dep := range depNumbers[unit.ID] {
				target, ok := byNumber[dep]
				if !ok {
					return nil, fmt.Errorf("unit %s depends on unknown unit %d", unit.Title, dep)
				}
				if target.ID == unit.ID {
					return nil, fmt.Errorf("unit %s depends on itself", unit.Title)
				}
				unit.Prereqs = append(unit.Prereqs, target.ID)
			}
		}
	}

	for _, unit := range units {
		if unit.Oversized() {
			return nil, &types.UnitTooLargeError{
				UnitID:    unit.ID,
				Title:     unit.Title,
				FileCount: unit.EstimatedFiles(),
				LineCount: unit.EstimatedLines(),
				Suggested: suggestSplitAxis(unit),
			}
		}
	}

	order, err := TopoSort(units)
	if err != nil {
		return nil, err
	}

	return &Plan{TaskID: task.ID, Units: units, Order: order}, nil
}

// parseStanzaBody fills the unit from its indented dash lines and returns
// the numeric depends-references for later resolution.
func parseStanzaBody(unit *types.WorkUnit, body string, known map[string]bool) ([]int, error) {
	var deps []int

	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "-") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "-"))

		switch {
		case strings.HasPrefix(line, "Description:"):
			unit.Description = strings.TrimSpace(strings.TrimPrefix(line, "Description:"))
		case strings.HasPrefix(line, "Files:"):
			files, err := parseFileEntries(strings.TrimPrefix(line, "Files:"), known)
			if err != nil {
				return nil, err
			}
			unit.Files = files
		case strings.HasPrefix(line, "Depends:"):
			for _, part := range strings.Split(strings.TrimPrefix(line, "Depends:"), ",") {
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
				n := parseInt(part)
				if n == 0 {
					return nil, fmt.Errorf("invalid depends reference %q", part)
				}
				deps = append(deps, n)
			}
		case strings.HasPrefix(line, "Estimate:"):
			unit.Estimate = parseEstimate(strings.TrimPrefix(line, "Estimate:"))
		case strings.HasPrefix(line, "Flags:"):
			if err := parseFlags(unit, strings.TrimPrefix(line, "Flags:")); err != nil {
				return nil, err
			}
		}
	}

	if len(unit.Files) == 0 && unit.Estimate.Empty() {
		// Nothing declared at all: assume a single medium-sized change so
		// the scorer still has something to work with.
		unit.Estimate = types.SizeEstimate{FileCount: 1, LineCount: 100, DurationMin: 30}
	}

	return deps, nil
}

// parseFileEntries parses "path (class[, core])" entries separated by commas
// outside parentheses. Entries without an explicit class default to a medium
// edit for paths present in the layout hints and a new file otherwise.
func parseFileEntries(s string, known map[string]bool) ([]types.FileChange, error) {
	var files []types.FileChange

	for _, entry := range splitOutsideParens(s) {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		m := fileEntryRegex.FindStringSubmatch(entry)
		if m == nil {
			return nil, fmt.Errorf("invalid file entry %q", entry)
		}

		fc := types.FileChange{Path: strings.Trim(m[1], "`'")}
		classSet := false
		if m[2] != "" {
			for _, attr := range strings.Split(m[2], ",") {
				attr = strings.TrimSpace(strings.ToLower(attr))
				switch attr {
				case "new":
					fc.Edit = types.EditNew
					classSet = true
				case "small":
					fc.Edit = types.EditSmall
					classSet = true
				case "medium":
					fc.Edit = types.EditMedium
					classSet = true
				case "large":
					fc.Edit = types.EditLarge
					classSet = true
				case "core":
					fc.Core = true
				case "":
				default:
					return nil, fmt.Errorf("file %s: unknown attribute %q", fc.Path, attr)
				}
			}
		}
		if !classSet {
			if known[fc.Path] {
				fc.Edit = types.EditMedium
			} else {
				fc.Edit = types.EditNew
			}
		}

		files = append(files, fc)
	}

	return files, nil
}

// splitOutsideParens splits on commas not enclosed in parentheses
func splitOutsideParens(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func parseEstimate(s string) types.SizeEstimate {
	var est types.SizeEstimate
	for _, m := range estimateRegex.FindAllStringSubmatch(strings.ToLower(s), -1) {
		n := parseInt(m[1])
		switch {
		case strings.HasPrefix(m[2], "file"):
			est.FileCount = n
		case strings.HasPrefix(m[2], "line"):
			est.LineCount = n
		case strings.HasPrefix(m[2], "min"):
			est.DurationMin = n
		case strings.HasPrefix(m[2], "hour"), strings.HasPrefix(m[2], "hr"):
			est.DurationMin = n * 60
		}
	}
	return est
}

// parseFlags applies complexity flags to the unit's profiles. Flags take an
// optional count suffix, e.g. "schema:2"; bare flags count as one.
func parseFlags(unit *types.WorkUnit, s string) error {
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(strings.ToLower(part))
		if part == "" {
			continue
		}

		m := flagCountRegex.FindStringSubmatch(part)
		if m == nil {
			return fmt.Errorf("invalid flag %q", part)
		}
		n := 1
		if m[2] != "" {
			n = parseInt(m[2])
		}

		switch m[1] {
		case "external":
			unit.Deps.ExternalIntegrations += n
		case "schema":
			unit.Deps.SchemaChanges += n
		case "upgrades", "third-party":
			unit.Deps.ThirdPartyUpgrades += n
		case "cross-module":
			unit.Deps.CrossModuleDeps += n
		case "unit-tests":
			unit.Testing.UnitTestFiles += n
		case "integration":
			unit.Testing.IntegrationScenarios += n
		case "mocking":
			unit.Testing.MockingRequired = true
		case "e2e":
			unit.Testing.EndToEndScenarios += n
		case "shared-interface":
			unit.Integration.SharedInterfaceChanges += n
		case "cross-cutting":
			unit.Integration.CrossCuttingConcerns += n
		case "unfamiliar":
			unit.Uncertainty.UnfamiliarTech += n
		case "unclear":
			unit.Uncertainty.UnclearRequirements += n
		case "missing-docs":
			unit.Uncertainty.MissingDocs += n
		case "research":
			unit.Uncertainty.RequiresResearch = true
		default:
			return fmt.Errorf("unknown flag %q", m[1])
		}
	}
	return nil
}

// fallbackUnit wraps a free-text task into a single unit
func fallbackUnit(task *types.Task) *types.WorkUnit {
	return &types.WorkUnit{
		ID:          task.ID + "-u1",
		TaskID:      task.ID,
		Title:       task.Title,
		Description: task.Description,
		Ownership:   types.OwnershipExclusive,
		Status:      types.UnitStatusPending,
		Estimate:    types.SizeEstimate{FileCount: 1, LineCount: 100, DurationMin: 30},
	}
}

// suggestSplitAxis picks the most promising way to split an oversized unit:
// too many files splits by file, cross-cutting shape splits by
// responsibility, a deep single-spot change splits by layer.
func suggestSplitAxis(unit *types.WorkUnit) types.SplitAxis {
	if unit.EstimatedFiles() > types.MaxUnitFiles {
		return types.SplitByFile
	}
	if unit.Integration.CrossCuttingConcerns > 0 || unit.Integration.SharedInterfaceChanges > 0 {
		return types.SplitByResponsibility
	}
	return types.SplitByLayer
}

// TopoSort orders unit IDs so every unit appears after its prerequisites.
// Ties break by unit ID so the order is deterministic. A cycle is an error
// naming the units involved.
func TopoSort(units []*types.WorkUnit) ([]string, error) {
	indegree := make(map[string]int, len(units))
	dependents := make(map[string][]string)
	byID := make(map[string]*types.WorkUnit, len(units))

	for _, u := range units {
		byID[u.ID] = u
		if _, ok := indegree[u.ID]; !ok {
			indegree[u.ID] = 0
		}
	}
	for _, u := range units {
		for _, pre := range u.Prereqs {
			if _, ok := byID[pre]; !ok {
				return nil, fmt.Errorf("unit %s has unknown prerequisite %s", u.ID, pre)
			}
			indegree[u.ID]++
			dependents[pre] = append(dependents[pre], u.ID)
		}
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(units))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		var unlocked []string
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				unlocked = append(unlocked, dep)
			}
		}
		sort.Strings(unlocked)
		ready = mergeSorted(ready, unlocked)
	}

	if len(order) != len(units) {
		var cycle []string
		for id, deg := range indegree {
			if deg > 0 {
				cycle = append(cycle, id)
			}
		}
		sort.Strings(cycle)
		return nil, fmt.Errorf("prerequisite cycle involving units: %s", strings.Join(cycle, ", "))
	}

	return order, nil
}

func mergeSorted(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

func parseInt(s string) int {
	var n int
	fmt.Sscanf(s, "%d", &n)
	return n
}
