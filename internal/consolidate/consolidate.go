// Package consolidate merges terminal-integrated units into the
// integration point in dependency order. A unit merges only after every
// prerequisite has merged; shared-branch groups merge once, after every
// unit of the group has passed its gates. An incompatible merge halts
// the unit's dependent subgraph and never reorders the remaining work.
package consolidate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cloud-shuttle/foreman/internal/db"
	"github.com/cloud-shuttle/foreman/internal/workspace"
	"github.com/cloud-shuttle/foreman/pkg/telemetry"
	"github.com/cloud-shuttle/foreman/pkg/types"
)

// Coordinator performs consolidation passes over a task's units.
type Coordinator struct {
	store   *db.Store
	manager *workspace.Manager
	verbose bool

	mu    sync.Mutex
	order []types.MergeRecord
}

// NewCoordinator creates a consolidation coordinator. The manager may be
// nil when every unit executes directly on the integration point.
func NewCoordinator(store *db.Store, manager *workspace.Manager) *Coordinator {
	return &Coordinator{store: store, manager: manager}
}

// SetVerbose enables detailed logging.
func (c *Coordinator) SetVerbose(v bool) {
	c.verbose = v
}

// Result describes one consolidation pass.
type Result struct {
	// Merged lists this pass's merges in order.
	Merged []types.MergeRecord
	// Incompatible lists units whose branch refused to merge.
	Incompatible []string
	// Cancelled lists dependents halted by incompatible merges.
	Cancelled []string
	// Waiting lists integrated units still blocked on prerequisites or
	// on the rest of their shared-branch group.
	Waiting []string
}

// Consolidate merges every unit that is currently eligible and returns
// what happened. Call it after each unit passes its gates; merging a
// unit readies its dependents, so one call can unlock several merges.
func (c *Coordinator) Consolidate(ctx context.Context, taskID string) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, span := telemetry.StartUnitSpan(ctx, telemetry.SpanMergeTask)
	defer span.End()

	result := &Result{}

	// Each round merges at most one workspace, then reloads: a merge
	// can flip dependents and change what is eligible
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		units, err := c.store.ListUnits(taskID)
		if err != nil {
			return result, err
		}
		merged := make(map[string]bool, len(units))
		for _, u := range units {
			if u.Status == types.UnitStatusMerged {
				merged[u.ID] = true
			}
		}

		progress := false
		for _, unit := range units {
			if unit.Status != types.UnitStatusIntegrated {
				continue
			}
			ok, err := c.tryMerge(ctx, unit, units, merged, result)
			if err != nil {
				return result, err
			}
			if ok {
				progress = true
				break
			}
		}
		if !progress {
			for _, u := range units {
				if u.Status == types.UnitStatusIntegrated {
					result.Waiting = append(result.Waiting, u.ID)
				}
			}
			return result, nil
		}
	}
}

// tryMerge merges one unit if its prerequisites and shared-branch group
// allow it. Returns true when the pass made progress, including a
// refused merge: rejection is progress too.
func (c *Coordinator) tryMerge(ctx context.Context, unit *types.WorkUnit, units []*types.WorkUnit, merged map[string]bool, result *Result) (bool, error) {
	if !prereqsMerged(unit, merged) {
		return false, nil
	}

	// Direct units worked the integration point itself; merging is pure
	// bookkeeping
	if unit.WorkspaceID == "" {
		if err := c.completeMerge(unit, ""); err != nil {
			return false, err
		}
		c.record(result, unit.ID, "")
		return true, nil
	}

	ws, err := c.store.GetWorkspace(unit.WorkspaceID)
	if err != nil {
		return false, fmt.Errorf("loading workspace for unit %s: %w", unit.ID, err)
	}

	// units is already in plan order, so the group inherits it
	group := []*types.WorkUnit{unit}
	if ws.Shared {
		group = group[:0]
		for _, u := range units {
			if u.WorkspaceID == ws.ID {
				group = append(group, u)
			}
		}
		if !groupEligible(group, merged) {
			return false, nil
		}
	}

	// One git merge carries the whole group's work
	if ws.State != types.WorkspaceMerged {
		landed, err := c.mergeWorkspace(ctx, unit, ws, group, result)
		if err != nil {
			return false, err
		}
		if !landed {
			return true, nil
		}
	}

	for _, member := range group {
		if member.Status != types.UnitStatusIntegrated {
			continue
		}
		if err := c.completeMerge(member, ws.Branch); err != nil {
			return false, err
		}
		c.record(result, member.ID, ws.Branch)
	}
	return true, nil
}

// prereqsMerged reports whether every prerequisite has been merged.
func prereqsMerged(unit *types.WorkUnit, merged map[string]bool) bool {
	for _, req := range unit.Prereqs {
		if !merged[req] {
			return false
		}
	}
	return true
}

// groupEligible reports whether a shared-branch group may merge: every
// member passed its gates and every external prerequisite is merged.
// Prerequisites inside the group ride the same branch and merge with it.
func groupEligible(group []*types.WorkUnit, merged map[string]bool) bool {
	inGroup := make(map[string]bool, len(group))
	for _, u := range group {
		inGroup[u.ID] = true
	}
	for _, u := range group {
		switch u.Status {
		case types.UnitStatusIntegrated, types.UnitStatusMerged:
		default:
			return false
		}
		for _, req := range u.Prereqs {
			if !inGroup[req] && !merged[req] {
				return false
			}
		}
	}
	return true
}

// mergeWorkspace performs the git merge for a workspace. Returns false
// when the merge was refused as incompatible: every unit riding on the
// branch is rejected and their dependents cancelled. Any other failure
// is an infrastructure error.
func (c *Coordinator) mergeWorkspace(ctx context.Context, unit *types.WorkUnit, ws *types.Workspace, group []*types.WorkUnit, result *Result) (bool, error) {
	_, span := telemetry.StartMergeSpan(ctx, unit.ID, ws.Branch)
	defer span.End()

	err := c.manager.Merge(ws)
	if err == nil {
		return true, nil
	}

	var incompatible *types.MergeIncompatibleError
	if !errors.As(err, &incompatible) {
		telemetry.RecordError(span, err, "MergeError", telemetry.ErrorCategoryGit)
		return false, fmt.Errorf("merging workspace %s: %w", ws.ID, err)
	}
	telemetry.RecordError(span, err, "MergeIncompatibleError", telemetry.ErrorCategoryMerge)

	if c.verbose {
		log.Printf("❌ Merge refused for %s: %s", ws.Owner, incompatible.Reason)
	}

	for _, member := range group {
		if member.Status != types.UnitStatusIntegrated {
			continue
		}
		reason := fmt.Sprintf("merge incompatible: %s", incompatible.Reason)
		cancelled, err := c.store.RejectUnit(member.ID, reason)
		if err != nil {
			return false, fmt.Errorf("rejecting unit %s after failed merge: %w", member.ID, err)
		}
		result.Incompatible = append(result.Incompatible, member.ID)
		c.store.AppendEvent(member.TaskID, member.ID, "merge_failed", reason)
		for _, dep := range cancelled {
			result.Cancelled = append(result.Cancelled, dep)
			c.store.AppendEvent(member.TaskID, dep, "unit_cancelled",
				fmt.Sprintf("prerequisite %s could not be merged", member.ID))
		}
	}
	return false, nil
}

// completeMerge flips the unit to merged, which readies any dependents
// whose prerequisites are now all in.
func (c *Coordinator) completeMerge(unit *types.WorkUnit, branch string) error {
	if err := c.store.CompleteUnitMerge(unit.ID); err != nil {
		return fmt.Errorf("completing merge for unit %s: %w", unit.ID, err)
	}
	msg := "consolidated into the integration point"
	if branch != "" {
		msg = fmt.Sprintf("consolidated from %s", branch)
	}
	c.store.AppendEvent(unit.TaskID, unit.ID, "unit_merged", msg)
	if c.verbose {
		log.Printf("✅ Merged %s", unit.ID)
	}
	return nil
}

// record appends one entry to the task's merge order.
func (c *Coordinator) record(result *Result, unitID, branch string) {
	rec := types.MergeRecord{
		Position: len(c.order) + 1,
		UnitID:   unitID,
		Branch:   branch,
		MergedAt: time.Now().Unix(),
	}
	c.order = append(c.order, rec)
	result.Merged = append(result.Merged, rec)
}

// MergeOrder returns every merge recorded so far, in order.
func (c *Coordinator) MergeOrder() []types.MergeRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.MergeRecord, len(c.order))
	copy(out, c.order)
	return out
}
