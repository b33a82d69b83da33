// Package conflict detects exclusive file-ownership overlaps between work units
package conflict

import (
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cloud-shuttle/foreman/pkg/types"
)

// Detector cross-checks file-ownership claims across units. Two claims
// conflict when their path sets intersect, both are exclusive, and they
// belong to different units. Detection is symmetric and deterministic:
// the same claim set always yields the same conflicts in the same order.
type Detector struct{}

// NewDetector creates a new conflict detector
func NewDetector() *Detector {
	return &Detector{}
}

// Detect finds all pairwise overlaps in the claim set. Overlapping claims
// from the same two units are folded into a single conflict carrying every
// overlapping path.
func (d *Detector) Detect(claims []types.FileOwnershipClaim) []types.Conflict {
	byPair := make(map[string]*types.Conflict)
	now := time.Now().Unix()

	for i := 0; i < len(claims); i++ {
		for j := i + 1; j < len(claims); j++ {
			a, b := claims[i], claims[j]
			if a.UnitID == b.UnitID {
				continue
			}
			if a.Mode != types.OwnershipExclusive || b.Mode != types.OwnershipExclusive {
				continue
			}
			if !pathsOverlap(a.Pattern, b.Pattern) {
				continue
			}

			unitA, unitB := a.UnitID, b.UnitID
			if unitA > unitB {
				unitA, unitB = unitB, unitA
			}

			key := unitA + "\x00" + unitB
			conf, ok := byPair[key]
			if !ok {
				conf = &types.Conflict{
					ID:         uuid.New().String(),
					UnitA:      unitA,
					UnitB:      unitB,
					Origin:     types.ConflictStatic,
					DetectedAt: now,
				}
				byPair[key] = conf
			}
			conf.Paths = appendPath(conf.Paths, a.Pattern)
			conf.Paths = appendPath(conf.Paths, b.Pattern)
			if a.Origin == types.ClaimDiscovered || b.Origin == types.ClaimDiscovered {
				conf.Origin = types.ConflictDynamic
			}
		}
	}

	conflicts := make([]types.Conflict, 0, len(byPair))
	for _, conf := range byPair {
		sort.Strings(conf.Paths)
		conflicts = append(conflicts, *conf)
	}
	sort.Slice(conflicts, func(i, j int) bool {
		if conflicts[i].UnitA != conflicts[j].UnitA {
			return conflicts[i].UnitA < conflicts[j].UnitA
		}
		return conflicts[i].UnitB < conflicts[j].UnitB
	})

	return conflicts
}

// DetectDynamic compares an executor's reported touched paths against the
// unit's declared claims. Paths outside the declaration become
// discovered-at-runtime claims, and detection re-runs over the union.
// Returns the new claims and any conflict involving the unit.
func (d *Detector) DetectDynamic(unitID string, touched []string, claims []types.FileOwnershipClaim) ([]types.FileOwnershipClaim, []types.Conflict) {
	now := time.Now().Unix()

	var discovered []types.FileOwnershipClaim
	for _, p := range touched {
		if p == "" || coveredByUnit(unitID, p, claims) {
			continue
		}
		discovered = append(discovered, types.FileOwnershipClaim{
			ID:        uuid.New().String(),
			UnitID:    unitID,
			Pattern:   p,
			Mode:      types.OwnershipExclusive,
			Origin:    types.ClaimDiscovered,
			CreatedAt: now,
		})
	}

	if len(discovered) == 0 {
		return nil, nil
	}

	all := make([]types.FileOwnershipClaim, 0, len(claims)+len(discovered))
	all = append(all, claims...)
	all = append(all, discovered...)

	var involving []types.Conflict
	for _, conf := range d.Detect(all) {
		if conf.Involves(unitID) {
			involving = append(involving, conf)
		}
	}

	return discovered, involving
}

// OverlapCounts returns, per unit, the number of other units it overlaps
// with. Feeds the integration-risk sub-score.
func OverlapCounts(conflicts []types.Conflict) map[string]int {
	counts := make(map[string]int)
	for _, c := range conflicts {
		counts[c.UnitA]++
		counts[c.UnitB]++
	}
	return counts
}

// Groups clusters conflicts into transitive chains: if A conflicts with B
// and B with C, all three form one group even when A and C never overlap
// directly. The whole group escalates together. Groups and their members
// are sorted for deterministic output.
func Groups(conflicts []types.Conflict) [][]string {
	parent := make(map[string]string)

	var find func(string) string
	find = func(x string) string {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(a, b string) {
		if _, ok := parent[a]; !ok {
			parent[a] = a
		}
		if _, ok := parent[b]; !ok {
			parent[b] = b
		}
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}

	for _, c := range conflicts {
		union(c.UnitA, c.UnitB)
	}

	members := make(map[string][]string)
	for unit := range parent {
		root := find(unit)
		members[root] = append(members[root], unit)
	}

	groups := make([][]string, 0, len(members))
	for _, group := range members {
		sort.Strings(group)
		groups = append(groups, group)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i][0] < groups[j][0] })

	return groups
}

// coveredByUnit reports whether the unit already claims the given path
func coveredByUnit(unitID, p string, claims []types.FileOwnershipClaim) bool {
	for _, c := range claims {
		if c.UnitID == unitID && pathsOverlap(c.Pattern, p) {
			return true
		}
	}
	return false
}

// pathsOverlap reports whether two claim patterns can cover a common path.
// Handles exact paths, directory prefixes (trailing slash), and glob
// patterns. Two globs are compared by their literal prefixes, which
// over-approximates: a false positive escalates strategy, never loses data.
func pathsOverlap(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}

	if strings.HasSuffix(a, "/") && strings.HasPrefix(b, a) {
		return true
	}
	if strings.HasSuffix(b, "/") && strings.HasPrefix(a, b) {
		return true
	}

	aGlob, bGlob := isGlob(a), isGlob(b)
	switch {
	case aGlob && !bGlob:
		ok, err := path.Match(a, b)
		return err == nil && ok
	case !aGlob && bGlob:
		ok, err := path.Match(b, a)
		return err == nil && ok
	case aGlob && bGlob:
		pa, pb := literalPrefix(a), literalPrefix(b)
		return strings.HasPrefix(pa, pb) || strings.HasPrefix(pb, pa)
	}

	return false
}

// appendPath adds p unless the conflict already carries it
func appendPath(paths []string, p string) []string {
	for _, existing := range paths {
		if existing == p {
			return paths
		}
	}
	return append(paths, p)
}

func isGlob(p string) bool {
	return strings.ContainsAny(p, "*?[")
}

// literalPrefix returns the part of a glob before its first metacharacter
func literalPrefix(p string) string {
	if i := strings.IndexAny(p, "*?["); i >= 0 {
		return p[:i]
	}
	return p
}
