// Package consolidate_test provides tests for the consolidation coordinator
package consolidate_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cloud-shuttle/foreman/internal/consolidate"
	"github.com/cloud-shuttle/foreman/internal/db"
	"github.com/cloud-shuttle/foreman/internal/workspace"
	"github.com/cloud-shuttle/foreman/pkg/types"
)

// setupTestRepo creates a temporary git repository with a store-backed
// workspace manager
func setupTestRepo(t *testing.T) (string, *workspace.Manager, *db.Store) {
	t.Helper()

	tmpDir := t.TempDir()

	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = tmpDir
		if output, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v\n%s", args, err, output)
		}
	}

	run("init")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test User")

	if err := os.WriteFile(filepath.Join(tmpDir, "README.md"), []byte("# Test Repo\n"), 0644); err != nil {
		t.Fatalf("Failed to create initial file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, ".gitignore"), []byte(".foreman/\n"), 0644); err != nil {
		t.Fatalf("Failed to create gitignore: %v", err)
	}
	run("add", "README.md", ".gitignore")
	run("commit", "-m", "Initial commit")
	run("branch", "-M", "main")

	store, err := db.Open(filepath.Join(tmpDir, ".foreman", "foreman.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}

	mgr := workspace.NewManager(tmpDir, filepath.Join(tmpDir, ".foreman", "workspaces"), store)
	return tmpDir, mgr, store
}

// seedUnits saves a task with units; prereqs maps a unit index to the
// indexes it requires.
func seedUnits(t *testing.T, store *db.Store, count int, prereqs map[int][]int) (*types.Task, []*types.WorkUnit) {
	t.Helper()

	task, err := store.CreateTask("Consolidation task", "merge ordering", nil)
	if err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}

	units := make([]*types.WorkUnit, count)
	for i := 0; i < count; i++ {
		units[i] = &types.WorkUnit{
			ID:     db.UnitID(task.ID, i+1),
			TaskID: task.ID,
			Title:  "Unit " + string(rune('A'+i)),
			Files:  []types.FileChange{{Path: "src/file" + string(rune('a'+i)) + ".go", Edit: types.EditSmall}},
		}
	}
	for unitIdx, reqIdxs := range prereqs {
		for _, reqIdx := range reqIdxs {
			units[unitIdx].Prereqs = append(units[unitIdx].Prereqs, units[reqIdx].ID)
		}
	}
	if err := store.SaveUnits(units); err != nil {
		t.Fatalf("Failed to save units: %v", err)
	}
	return task, units
}

// integrate forces a unit to the integrated status
func integrate(t *testing.T, store *db.Store, unitID string) {
	t.Helper()
	if err := store.UpdateUnitStatus(unitID, types.UnitStatusIntegrated, ""); err != nil {
		t.Fatalf("Failed to mark unit integrated: %v", err)
	}
}

// provisionVerified creates a workspace with one committed file, marked
// verified and bound to the unit
func provisionVerified(t *testing.T, mgr *workspace.Manager, store *db.Store, unit *types.WorkUnit, filename, content string) *types.Workspace {
	t.Helper()

	ws, err := mgr.Provision(unit.ID, false)
	if err != nil {
		t.Fatalf("Failed to provision workspace: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ws.Path, filename), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	if _, err := mgr.Commit(ws, "unit work"); err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}
	if err := mgr.Activate(ws.ID); err != nil {
		t.Fatalf("Failed to activate: %v", err)
	}
	if err := mgr.MarkVerified(ws.ID); err != nil {
		t.Fatalf("Failed to mark verified: %v", err)
	}
	if err := store.SetUnitWorkspace(unit.ID, ws.ID); err != nil {
		t.Fatalf("Failed to bind workspace: %v", err)
	}
	return ws
}

func TestConsolidate_DirectUnitsInDependencyOrder(t *testing.T) {
	_, _, store := setupTestRepo(t)

	task, units := seedUnits(t, store, 2, map[int][]int{1: {0}})
	integrate(t, store, units[0].ID)
	integrate(t, store, units[1].ID)

	c := consolidate.NewCoordinator(store, nil)
	result, err := c.Consolidate(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Consolidate failed: %v", err)
	}

	if len(result.Merged) != 2 {
		t.Fatalf("Expected 2 merges, got %d", len(result.Merged))
	}
	if result.Merged[0].UnitID != units[0].ID || result.Merged[1].UnitID != units[1].ID {
		t.Errorf("Expected merge order [%s %s], got [%s %s]",
			units[0].ID, units[1].ID, result.Merged[0].UnitID, result.Merged[1].UnitID)
	}
	if result.Merged[0].Position != 1 || result.Merged[1].Position != 2 {
		t.Errorf("Expected positions 1 and 2, got %d and %d",
			result.Merged[0].Position, result.Merged[1].Position)
	}

	for _, u := range units {
		got, err := store.GetUnit(u.ID)
		if err != nil {
			t.Fatalf("GetUnit failed: %v", err)
		}
		if got.Status != types.UnitStatusMerged {
			t.Errorf("Expected unit %s merged, got %s", u.ID, got.Status)
		}
	}
}

func TestConsolidate_WaitsForUnmergedPrereqs(t *testing.T) {
	_, _, store := setupTestRepo(t)

	task, units := seedUnits(t, store, 2, map[int][]int{1: {0}})
	// Only the dependent is integrated; its prerequisite is still in flight
	integrate(t, store, units[1].ID)

	c := consolidate.NewCoordinator(store, nil)
	result, err := c.Consolidate(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Consolidate failed: %v", err)
	}

	if len(result.Merged) != 0 {
		t.Errorf("Expected no merges, got %v", result.Merged)
	}
	if len(result.Waiting) != 1 || result.Waiting[0] != units[1].ID {
		t.Errorf("Expected unit %s waiting, got %v", units[1].ID, result.Waiting)
	}

	got, err := store.GetUnit(units[1].ID)
	if err != nil {
		t.Fatalf("GetUnit failed: %v", err)
	}
	if got.Status != types.UnitStatusIntegrated {
		t.Errorf("Waiting unit must stay integrated, got %s", got.Status)
	}
}

func TestConsolidate_IsolatedWorkspaces(t *testing.T) {
	baseDir, mgr, store := setupTestRepo(t)

	task, units := seedUnits(t, store, 2, map[int][]int{1: {0}})
	provisionVerified(t, mgr, store, units[0], "alpha.txt", "alpha\n")
	provisionVerified(t, mgr, store, units[1], "beta.txt", "beta\n")
	integrate(t, store, units[0].ID)
	integrate(t, store, units[1].ID)

	c := consolidate.NewCoordinator(store, mgr)
	result, err := c.Consolidate(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Consolidate failed: %v", err)
	}

	if len(result.Merged) != 2 {
		t.Fatalf("Expected 2 merges, got %d: %+v", len(result.Merged), result)
	}
	if result.Merged[0].UnitID != units[0].ID {
		t.Errorf("Expected %s to merge first, got %s", units[0].ID, result.Merged[0].UnitID)
	}
	if result.Merged[0].Branch == "" || result.Merged[1].Branch == "" {
		t.Errorf("Expected branches in merge records, got %+v", result.Merged)
	}

	// Both files landed on main
	for _, f := range []string{"alpha.txt", "beta.txt"} {
		if _, err := os.Stat(filepath.Join(baseDir, f)); err != nil {
			t.Errorf("Expected %s on main: %v", f, err)
		}
	}
}

func TestConsolidate_IncompatibleMergeHaltsSubgraph(t *testing.T) {
	baseDir, mgr, store := setupTestRepo(t)

	// D is independent; C depends on B; A and B rewrite the same file
	task, units := seedUnits(t, store, 4, map[int][]int{2: {1}})
	provisionVerified(t, mgr, store, units[0], "README.md", "version A\n")
	provisionVerified(t, mgr, store, units[1], "README.md", "version B\n")
	provisionVerified(t, mgr, store, units[3], "delta.txt", "delta\n")

	integrate(t, store, units[0].ID)
	integrate(t, store, units[1].ID)
	integrate(t, store, units[3].ID)

	c := consolidate.NewCoordinator(store, mgr)
	result, err := c.Consolidate(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Consolidate failed: %v", err)
	}

	mergedIDs := make([]string, 0, len(result.Merged))
	for _, r := range result.Merged {
		mergedIDs = append(mergedIDs, r.UnitID)
	}
	if len(mergedIDs) != 2 || mergedIDs[0] != units[0].ID || mergedIDs[1] != units[3].ID {
		t.Errorf("Expected [%s %s] merged, got %v", units[0].ID, units[3].ID, mergedIDs)
	}

	if len(result.Incompatible) != 1 || result.Incompatible[0] != units[1].ID {
		t.Errorf("Expected %s incompatible, got %v", units[1].ID, result.Incompatible)
	}
	if len(result.Cancelled) != 1 || result.Cancelled[0] != units[2].ID {
		t.Errorf("Expected %s cancelled, got %v", units[2].ID, result.Cancelled)
	}

	wantStatus := map[string]types.UnitStatus{
		units[0].ID: types.UnitStatusMerged,
		units[1].ID: types.UnitStatusRejected,
		units[2].ID: types.UnitStatusCancelled,
		units[3].ID: types.UnitStatusMerged,
	}
	for id, want := range wantStatus {
		got, err := store.GetUnit(id)
		if err != nil {
			t.Fatalf("GetUnit failed: %v", err)
		}
		if got.Status != want {
			t.Errorf("Unit %s: expected %s, got %s", id, want, got.Status)
		}
	}

	// Main took A's version and stayed clean
	content, err := os.ReadFile(filepath.Join(baseDir, "README.md"))
	if err != nil {
		t.Fatalf("Failed to read README: %v", err)
	}
	if string(content) != "version A\n" {
		t.Errorf("Expected version A on main, got %q", content)
	}
	cmd := exec.Command("git", "status", "--porcelain")
	cmd.Dir = baseDir
	output, err := cmd.Output()
	if err != nil {
		t.Fatalf("Failed to get status: %v", err)
	}
	if len(strings.TrimSpace(string(output))) != 0 {
		t.Errorf("Main checkout not clean after refused merge: %s", output)
	}
}

func TestConsolidate_SharedGroupMergesOnce(t *testing.T) {
	baseDir, mgr, store := setupTestRepo(t)

	task, units := seedUnits(t, store, 2, map[int][]int{1: {0}})

	ws, err := mgr.Provision(task.ID, true)
	if err != nil {
		t.Fatalf("Failed to provision shared workspace: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ws.Path, "shared.txt"), []byte("both units\n"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	if _, err := mgr.Commit(ws, "group work"); err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}
	if err := mgr.Activate(ws.ID); err != nil {
		t.Fatalf("Failed to activate: %v", err)
	}
	for _, u := range units {
		if err := store.SetUnitWorkspace(u.ID, ws.ID); err != nil {
			t.Fatalf("Failed to bind workspace: %v", err)
		}
	}

	c := consolidate.NewCoordinator(store, mgr)

	// Half the group is through its gates; nothing may merge yet
	integrate(t, store, units[0].ID)
	result, err := c.Consolidate(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Consolidate failed: %v", err)
	}
	if len(result.Merged) != 0 {
		t.Fatalf("Expected no merges before the group completes, got %v", result.Merged)
	}
	if len(result.Waiting) != 1 || result.Waiting[0] != units[0].ID {
		t.Errorf("Expected %s waiting, got %v", units[0].ID, result.Waiting)
	}

	// The last unit clears its gates; the group merges once
	integrate(t, store, units[1].ID)
	if err := mgr.MarkVerified(ws.ID); err != nil {
		t.Fatalf("Failed to mark verified: %v", err)
	}
	result, err = c.Consolidate(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Consolidate failed: %v", err)
	}

	if len(result.Merged) != 2 {
		t.Fatalf("Expected both group units merged, got %+v", result)
	}
	if result.Merged[0].UnitID != units[0].ID || result.Merged[1].UnitID != units[1].ID {
		t.Errorf("Expected group order [%s %s], got %+v", units[0].ID, units[1].ID, result.Merged)
	}
	for _, r := range result.Merged {
		if r.Branch != ws.Branch {
			t.Errorf("Expected branch %s on record, got %s", ws.Branch, r.Branch)
		}
	}

	// Exactly one merge commit carried the group
	cmd := exec.Command("git", "log", "--oneline", "--merges")
	cmd.Dir = baseDir
	output, err := cmd.Output()
	if err != nil {
		t.Fatalf("Failed to list merges: %v", err)
	}
	merges := strings.Split(strings.TrimSpace(string(output)), "\n")
	if len(merges) != 1 || merges[0] == "" {
		t.Errorf("Expected exactly one merge commit, got %q", output)
	}

	if _, err := os.Stat(filepath.Join(baseDir, "shared.txt")); err != nil {
		t.Errorf("Expected shared.txt on main: %v", err)
	}
}

func TestConsolidate_MergeOrderAccumulates(t *testing.T) {
	_, _, store := setupTestRepo(t)

	task, units := seedUnits(t, store, 2, nil)
	c := consolidate.NewCoordinator(store, nil)

	integrate(t, store, units[0].ID)
	if _, err := c.Consolidate(context.Background(), task.ID); err != nil {
		t.Fatalf("Consolidate failed: %v", err)
	}
	integrate(t, store, units[1].ID)
	if _, err := c.Consolidate(context.Background(), task.ID); err != nil {
		t.Fatalf("Consolidate failed: %v", err)
	}

	order := c.MergeOrder()
	if len(order) != 2 {
		t.Fatalf("Expected 2 records across passes, got %d", len(order))
	}
	if order[0].Position != 1 || order[1].Position != 2 {
		t.Errorf("Expected monotonic positions, got %d then %d", order[0].Position, order[1].Position)
	}
	if order[0].UnitID != units[0].ID || order[1].UnitID != units[1].ID {
		t.Errorf("Expected [%s %s], got [%s %s]", units[0].ID, units[1].ID, order[0].UnitID, order[1].UnitID)
	}
}
