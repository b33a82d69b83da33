package report

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cloud-shuttle/foreman/internal/db"
	"github.com/cloud-shuttle/foreman/pkg/types"
)

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "foreman.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatalf("initializing schema: %v", err)
	}
	return store
}

// seedTask creates a task with three units: one merged with a clean gate
// run, one rejected at review, and one cancelled because its prerequisite
// was rejected.
func seedTask(t *testing.T, store *db.Store) (*types.Task, []*types.WorkUnit) {
	t.Helper()

	task, err := store.CreateTask("Add rate limiting", "Token bucket on all public endpoints", nil)
	if err != nil {
		t.Fatalf("creating task: %v", err)
	}
	if err := store.SetTaskStrategy(task.ID, types.StrategyDecision{
		Strategy:  types.StrategyIsolatedWorkspace,
		Rationale: "core files with high uncertainty",
		Trigger:   "score-high",
		DecidedAt: time.Now().Unix(),
	}); err != nil {
		t.Fatalf("setting strategy: %v", err)
	}

	units := []*types.WorkUnit{
		{
			ID:     db.UnitID(task.ID, 1),
			TaskID: task.ID,
			Title:  "Implement token bucket",
			Files:  []types.FileChange{{Path: "internal/limit/bucket.go", Edit: types.EditNew}},
			Status: types.UnitStatusPending,
		},
		{
			ID:     db.UnitID(task.ID, 2),
			TaskID: task.ID,
			Title:  "Wire limiter into handlers",
			Files:  []types.FileChange{{Path: "internal/server/handlers.go", Edit: types.EditMedium}},
			Status: types.UnitStatusPending,
		},
		{
			ID:      db.UnitID(task.ID, 3),
			TaskID:  task.ID,
			Title:   "Document limiter configuration",
			Prereqs: []string{db.UnitID(task.ID, 2)},
			Files:   []types.FileChange{{Path: "docs/limits.md", Edit: types.EditNew}},
			Status:  types.UnitStatusPending,
		},
	}
	if err := store.SaveUnits(units); err != nil {
		t.Fatalf("saving units: %v", err)
	}

	// Unit 1 passes its gates and merges
	for attempt, gate := range []types.Gate{types.GateBuildTest, types.GateReview} {
		if err := store.AppendGateResult(&types.GateResult{
			UnitID:    units[0].ID,
			Gate:      gate,
			Verdict:   types.VerdictPass,
			Attempt:   attempt + 1,
			Timestamp: time.Now().Unix(),
		}); err != nil {
			t.Fatalf("appending gate result: %v", err)
		}
	}
	if err := store.CompleteUnitMerge(units[0].ID); err != nil {
		t.Fatalf("completing merge: %v", err)
	}

	// Unit 2 fails review and is rejected, cancelling unit 3
	if err := store.AppendGateResult(&types.GateResult{
		UnitID:  units[1].ID,
		Gate:    types.GateReview,
		Verdict: types.VerdictFail,
		BlockingIssues: []types.BlockingIssue{
			{Text: "handler bypasses the limiter for admin routes", Severity: types.SeverityCritical},
		},
		Attempt:   1,
		Timestamp: time.Now().Unix(),
	}); err != nil {
		t.Fatalf("appending gate result: %v", err)
	}
	cancelled, err := store.RejectUnit(units[1].ID, "review attempts exhausted")
	if err != nil {
		t.Fatalf("rejecting unit: %v", err)
	}
	if len(cancelled) != 1 || cancelled[0] != units[2].ID {
		t.Fatalf("expected rejection to cancel %s, got %v", units[2].ID, cancelled)
	}

	return task, units
}

func TestBuildReport(t *testing.T) {
	store := newTestStore(t)
	task, units := seedTask(t, store)

	builder := NewBuilder(store)
	order := []types.MergeRecord{
		{Position: 1, UnitID: units[0].ID, Branch: "foreman/" + units[0].ID, MergedAt: time.Now().Unix()},
	}
	report, err := builder.Build(task.ID, order)
	if err != nil {
		t.Fatalf("building report: %v", err)
	}

	if report.TaskID != task.ID {
		t.Errorf("task ID = %q, want %q", report.TaskID, task.ID)
	}
	if report.TaskTitle != "Add rate limiting" {
		t.Errorf("task title = %q", report.TaskTitle)
	}
	if report.Strategy.Strategy != types.StrategyIsolatedWorkspace {
		t.Errorf("strategy = %q, want isolated-workspace", report.Strategy.Strategy)
	}
	if report.Strategy.Rationale == "" {
		t.Error("expected strategy rationale to be carried into the report")
	}

	if len(report.Units) != 3 {
		t.Fatalf("expected 3 unit outcomes, got %d", len(report.Units))
	}
	if report.Integrated != 1 {
		t.Errorf("integrated = %d, want 1", report.Integrated)
	}
	if report.Rejected != 2 {
		t.Errorf("rejected = %d, want 2 (one rejected, one cancelled)", report.Rejected)
	}
	if report.Integrated+report.Rejected != len(report.Units) {
		t.Errorf("every unit must be accounted for: %d + %d != %d",
			report.Integrated, report.Rejected, len(report.Units))
	}

	outcomes := make(map[string]types.UnitOutcome, len(report.Units))
	for _, u := range report.Units {
		outcomes[u.UnitID] = u
	}
	merged := outcomes[units[0].ID]
	if merged.Status != types.UnitStatusMerged {
		t.Errorf("unit 1 status = %q, want merged", merged.Status)
	}
	if len(merged.GateHistory) != 2 {
		t.Errorf("unit 1 gate history = %d entries, want 2", len(merged.GateHistory))
	}
	if merged.Reason != "" {
		t.Errorf("merged unit should have no reason, got %q", merged.Reason)
	}

	rejected := outcomes[units[1].ID]
	if rejected.Status != types.UnitStatusRejected {
		t.Errorf("unit 2 status = %q, want rejected", rejected.Status)
	}
	if rejected.Reason != "review attempts exhausted" {
		t.Errorf("unit 2 reason = %q", rejected.Reason)
	}
	if len(rejected.GateHistory) != 1 || rejected.GateHistory[0].Verdict != types.VerdictFail {
		t.Errorf("unit 2 should carry its failed review result, got %+v", rejected.GateHistory)
	}

	cancelled := outcomes[units[2].ID]
	if cancelled.Status != types.UnitStatusCancelled {
		t.Errorf("unit 3 status = %q, want cancelled", cancelled.Status)
	}
	if !strings.Contains(cancelled.Reason, units[1].ID) {
		t.Errorf("cancelled reason should name the rejected prerequisite, got %q", cancelled.Reason)
	}

	if len(report.MergeOrder) != 1 || report.MergeOrder[0].UnitID != units[0].ID {
		t.Errorf("merge order = %+v", report.MergeOrder)
	}
}

func TestBuildRebuildsMergeOrderFromEvents(t *testing.T) {
	store := newTestStore(t)

	task, err := store.CreateTask("Split parser", "", nil)
	if err != nil {
		t.Fatalf("creating task: %v", err)
	}
	units := []*types.WorkUnit{
		{ID: db.UnitID(task.ID, 1), TaskID: task.ID, Title: "Lexer", Status: types.UnitStatusPending},
		{ID: db.UnitID(task.ID, 2), TaskID: task.ID, Title: "Grammar", Status: types.UnitStatusPending},
	}
	if err := store.SaveUnits(units); err != nil {
		t.Fatalf("saving units: %v", err)
	}

	// Give each unit a workspace so the rebuilt order can name branches
	for i, u := range units {
		ws := &types.Workspace{
			ID:     u.ID + "-ws",
			Path:   filepath.Join(t.TempDir(), "ws"),
			Branch: "foreman/unit-" + string(rune('a'+i)),
			Owner:  u.ID,
			State:  types.WorkspaceMerged,
		}
		if err := store.CreateWorkspace(ws); err != nil {
			t.Fatalf("creating workspace: %v", err)
		}
		if err := store.SetUnitWorkspace(u.ID, ws.ID); err != nil {
			t.Fatalf("assigning workspace: %v", err)
		}
	}

	// Merge events land in consolidation order: unit 2 merged before unit 1
	for _, id := range []string{units[1].ID, units[0].ID} {
		if err := store.CompleteUnitMerge(id); err != nil {
			t.Fatalf("completing merge: %v", err)
		}
		if err := store.AppendEvent(task.ID, id, "unit_merged", "merged"); err != nil {
			t.Fatalf("appending event: %v", err)
		}
	}

	report, err := NewBuilder(store).Build(task.ID, nil)
	if err != nil {
		t.Fatalf("building report: %v", err)
	}

	if len(report.MergeOrder) != 2 {
		t.Fatalf("expected 2 merge records, got %d", len(report.MergeOrder))
	}
	if report.MergeOrder[0].UnitID != units[1].ID || report.MergeOrder[1].UnitID != units[0].ID {
		t.Errorf("rebuilt order = [%s, %s], want [%s, %s]",
			report.MergeOrder[0].UnitID, report.MergeOrder[1].UnitID, units[1].ID, units[0].ID)
	}
	if report.MergeOrder[0].Position != 1 || report.MergeOrder[1].Position != 2 {
		t.Errorf("positions = %d, %d", report.MergeOrder[0].Position, report.MergeOrder[1].Position)
	}
	if report.MergeOrder[0].Branch != "foreman/unit-b" {
		t.Errorf("first merged branch = %q, want foreman/unit-b", report.MergeOrder[0].Branch)
	}
	if report.Integrated != 2 {
		t.Errorf("integrated = %d, want 2", report.Integrated)
	}
}

func TestBuildFiltersConflictsToTask(t *testing.T) {
	store := newTestStore(t)

	taskA, err := store.CreateTask("Task A", "", nil)
	if err != nil {
		t.Fatalf("creating task: %v", err)
	}
	taskB, err := store.CreateTask("Task B", "", nil)
	if err != nil {
		t.Fatalf("creating task: %v", err)
	}
	unitsA := []*types.WorkUnit{
		{ID: db.UnitID(taskA.ID, 1), TaskID: taskA.ID, Title: "A1", Status: types.UnitStatusPending},
		{ID: db.UnitID(taskA.ID, 2), TaskID: taskA.ID, Title: "A2", Status: types.UnitStatusPending},
	}
	unitsB := []*types.WorkUnit{
		{ID: db.UnitID(taskB.ID, 1), TaskID: taskB.ID, Title: "B1", Status: types.UnitStatusPending},
		{ID: db.UnitID(taskB.ID, 2), TaskID: taskB.ID, Title: "B2", Status: types.UnitStatusPending},
	}
	if err := store.SaveUnits(unitsA); err != nil {
		t.Fatalf("saving units: %v", err)
	}
	if err := store.SaveUnits(unitsB); err != nil {
		t.Fatalf("saving units: %v", err)
	}

	conflicts := []types.Conflict{
		{
			ID: "c-a", UnitA: unitsA[0].ID, UnitB: unitsA[1].ID,
			Paths: []string{"internal/db/db.go"}, Origin: types.ConflictStatic,
			DetectedAt: time.Now().Unix(),
		},
		{
			ID: "c-b", UnitA: unitsB[0].ID, UnitB: unitsB[1].ID,
			Paths: []string{"cmd/main.go"}, Origin: types.ConflictDynamic,
			DetectedAt: time.Now().Unix(),
		},
	}
	if err := store.SaveConflicts(conflicts); err != nil {
		t.Fatalf("saving conflicts: %v", err)
	}

	report, err := NewBuilder(store).Build(taskA.ID, nil)
	if err != nil {
		t.Fatalf("building report: %v", err)
	}
	if len(report.Conflicts) != 1 {
		t.Fatalf("expected 1 conflict for task A, got %d", len(report.Conflicts))
	}
	if report.Conflicts[0].ID != "c-a" {
		t.Errorf("conflict = %q, want c-a", report.Conflicts[0].ID)
	}
}

func TestRender(t *testing.T) {
	store := newTestStore(t)
	task, units := seedTask(t, store)

	report, err := NewBuilder(store).Build(task.ID, []types.MergeRecord{
		{Position: 1, UnitID: units[0].ID, Branch: "foreman/bucket", MergedAt: time.Now().Unix()},
	})
	if err != nil {
		t.Fatalf("building report: %v", err)
	}

	out := Render(report)

	for _, want := range []string{
		"╔═", "╚═",
		"Integration Report: " + task.ID,
		"Add rate limiting",
		"Strategy: isolated-workspace",
		"Integrated: 1",
		"Rejected: 2",
		"✅ " + units[0].ID,
		"❌ " + units[1].ID,
		"🚫 " + units[2].ID,
		"review attempts exhausted",
		"handler bypasses the limiter",
		"1. " + units[0].ID,
		"(from foreman/bucket)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered report missing %q\n%s", want, out)
		}
	}
}

func TestRenderConflicts(t *testing.T) {
	report := &types.IntegrationReport{
		TaskID:    "task-1",
		TaskTitle: "Refactor storage",
		Conflicts: []types.Conflict{
			{UnitA: "task-1-unit-1", UnitB: "task-1-unit-2", Paths: []string{"internal/db/db.go"}, Origin: types.ConflictStatic},
		},
	}
	out := Render(report)
	if !strings.Contains(out, "Conflicts Encountered") {
		t.Error("expected conflicts section header")
	}
	if !strings.Contains(out, "task-1-unit-1 / task-1-unit-2: internal/db/db.go (static)") {
		t.Errorf("conflict line missing:\n%s", out)
	}
}

func TestToJSON(t *testing.T) {
	store := newTestStore(t)
	task, _ := seedTask(t, store)

	report, err := NewBuilder(store).Build(task.ID, nil)
	if err != nil {
		t.Fatalf("building report: %v", err)
	}

	out, err := ToJSON(report)
	if err != nil {
		t.Fatalf("marshaling: %v", err)
	}

	var decoded types.IntegrationReport
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if decoded.TaskID != task.ID {
		t.Errorf("task ID = %q, want %q", decoded.TaskID, task.ID)
	}
	if decoded.Rejected != 2 || len(decoded.Units) != 3 {
		t.Errorf("decoded counts: rejected=%d units=%d", decoded.Rejected, len(decoded.Units))
	}
}

func TestSaveAndReload(t *testing.T) {
	store := newTestStore(t)
	task, _ := seedTask(t, store)

	builder := NewBuilder(store)
	report, err := builder.Build(task.ID, nil)
	if err != nil {
		t.Fatalf("building report: %v", err)
	}
	if err := builder.Save(report); err != nil {
		t.Fatalf("saving report: %v", err)
	}

	loaded, err := store.GetLatestReport(task.ID)
	if err != nil {
		t.Fatalf("loading report: %v", err)
	}
	if loaded.TaskTitle != report.TaskTitle {
		t.Errorf("reloaded title = %q, want %q", loaded.TaskTitle, report.TaskTitle)
	}
	if len(loaded.Units) != len(report.Units) {
		t.Errorf("reloaded units = %d, want %d", len(loaded.Units), len(report.Units))
	}
}
