// Package workflow_test provides integration tests for the orchestrator
package workflow_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cloud-shuttle/foreman/internal/config"
	"github.com/cloud-shuttle/foreman/internal/db"
	"github.com/cloud-shuttle/foreman/internal/workflow"
	"github.com/cloud-shuttle/foreman/pkg/types"
)

// setupProject creates a temporary git repository with a store. The
// orchestrator treats it as the project directory and integration point.
func setupProject(t *testing.T) (string, *db.Store) {
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

	return tmpDir, store
}

// writeAgent installs a shell script that stands in for the coding agent
func writeAgent(t *testing.T, tmpDir, name, body string) string {
	t.Helper()
	path := filepath.Join(tmpDir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatalf("Failed to write agent script: %v", err)
	}
	return path
}

// workingAgent writes one file per unit so merges have real content
const workingAgent = `echo "working on $FOREMAN_UNIT_ID"
echo done > "work-$FOREMAN_UNIT_ID.txt"
exit 0
`

// testConfig returns a config tuned for fast test runs
func testConfig(agentPath string) *config.Config {
	return &config.Config{
		Workers:              2,
		UnitTimeout:          10 * time.Second,
		MaxUnitAttempts:      3,
		GateRetryBudget:      2,
		ApprovalPollInterval: 50 * time.Millisecond,
		PollInterval:         50 * time.Millisecond,
		WorkspaceDir:         filepath.Join(".foreman", "workspaces"),
		AgentType:            "command",
		AgentPath:            agentPath,
		DirectThreshold:      10,
		SharedThreshold:      30,
		SharedMaxUnits:       5,
	}
}

// approve pre-records an authorization decision so the gate finds it on
// its first poll
func approve(t *testing.T, store *db.Store, unitID string) {
	t.Helper()
	err := store.RecordApproval(&types.Approval{UnitID: unitID, Approved: true, Actor: "tester"})
	if err != nil {
		t.Fatalf("Failed to record approval: %v", err)
	}
}

// runTask drives one task to completion with a guard timeout
func runTask(t *testing.T, orch *workflow.Orchestrator, taskID string, timeout time.Duration) error {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- orch.Run(ctx, taskID)
	}()

	select {
	case err := <-errChan:
		return err
	case <-time.After(timeout + 10*time.Second):
		t.Fatal("Test timed out waiting for the task to settle")
		return nil
	}
}

func TestOrchestrator_DirectTask(t *testing.T) {
	tmpDir, store := setupProject(t)
	agent := writeAgent(t, tmpDir, "agent.sh", workingAgent)

	orch, err := workflow.NewOrchestrator(testConfig(agent), store, tmpDir)
	if err != nil {
		t.Fatalf("Failed to create orchestrator: %v", err)
	}

	// Free text decomposes into a single low-score unit, which runs
	// directly on the project directory
	task, err := store.CreateTask("Add health endpoint", "Expose GET /healthz returning build info", nil)
	if err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}
	unitID := db.UnitID(task.ID, 1)
	approve(t, store, unitID)

	if err := runTask(t, orch, task.ID, 30*time.Second); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	fresh, err := store.GetTask(task.ID)
	if err != nil {
		t.Fatalf("Failed to reload task: %v", err)
	}
	if fresh.Status != types.TaskStatusCompleted {
		t.Errorf("Expected task completed, got %s", fresh.Status)
	}
	if fresh.Strategy != types.StrategyDirect {
		t.Errorf("Expected direct strategy, got %s", fresh.Strategy)
	}

	unit, err := store.GetUnit(unitID)
	if err != nil {
		t.Fatalf("Failed to load unit: %v", err)
	}
	if unit.Status != types.UnitStatusMerged {
		t.Errorf("Expected unit merged, got %s", unit.Status)
	}
	if unit.WorkspaceID != "" {
		t.Errorf("Direct unit should have no workspace, got %s", unit.WorkspaceID)
	}

	// The agent worked on the integration point itself
	if _, err := os.Stat(filepath.Join(tmpDir, "work-"+unitID+".txt")); err != nil {
		t.Errorf("Expected agent output in project dir: %v", err)
	}

	rep, err := store.GetLatestReport(task.ID)
	if err != nil {
		t.Fatalf("Failed to load report: %v", err)
	}
	if rep.Integrated != 1 || rep.Rejected != 0 {
		t.Errorf("Report integrated=%d rejected=%d; want 1/0", rep.Integrated, rep.Rejected)
	}
	if len(rep.MergeOrder) != 1 || rep.MergeOrder[0].UnitID != unitID {
		t.Errorf("Unexpected merge order: %+v", rep.MergeOrder)
	}
}

func TestOrchestrator_PrereqOrdering(t *testing.T) {
	tmpDir, store := setupProject(t)
	agent := writeAgent(t, tmpDir, "agent.sh", workingAgent)

	orch, err := workflow.NewOrchestrator(testConfig(agent), store, tmpDir)
	if err != nil {
		t.Fatalf("Failed to create orchestrator: %v", err)
	}

	desc := `1. **Create the schema**
   - Description: base tables for the limiter

2. **Backfill the counters**
   - Description: migrate existing rows
   - Depends: 1
`
	task, err := store.CreateTask("Rate limiter storage", desc, nil)
	if err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}
	first := db.UnitID(task.ID, 1)
	second := db.UnitID(task.ID, 2)
	approve(t, store, first)
	approve(t, store, second)

	if err := runTask(t, orch, task.ID, 30*time.Second); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	rep, err := store.GetLatestReport(task.ID)
	if err != nil {
		t.Fatalf("Failed to load report: %v", err)
	}
	if len(rep.MergeOrder) != 2 {
		t.Fatalf("Expected 2 merge records, got %+v", rep.MergeOrder)
	}
	if rep.MergeOrder[0].UnitID != first || rep.MergeOrder[1].UnitID != second {
		t.Errorf("Expected merge order [%s %s], got %+v", first, second, rep.MergeOrder)
	}
	if rep.MergeOrder[0].Position != 1 || rep.MergeOrder[1].Position != 2 {
		t.Errorf("Positions not sequential: %+v", rep.MergeOrder)
	}
}

func TestOrchestrator_SharedBranchGroup(t *testing.T) {
	tmpDir, store := setupProject(t)
	agent := writeAgent(t, tmpDir, "agent.sh", workingAgent)

	// One worker keeps the shared worktree free of concurrent commits
	cfg := testConfig(agent)
	cfg.Workers = 1

	orch, err := workflow.NewOrchestrator(cfg, store, tmpDir)
	if err != nil {
		t.Fatalf("Failed to create orchestrator: %v", err)
	}

	// Moderate uncertainty pushes both units past the direct threshold
	// without any file overlap
	desc := `1. **Wire the limiter core**
   - Description: token bucket implementation
   - Files: limiter.go (new)
   - Flags: unfamiliar:3, research

2. **Wire the admin bypass**
   - Description: exemptions for admin routes
   - Files: bypass.go (new)
   - Flags: unfamiliar:3, research
`
	task, err := store.CreateTask("Rate limiting", desc, nil)
	if err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}
	first := db.UnitID(task.ID, 1)
	second := db.UnitID(task.ID, 2)
	approve(t, store, first)
	approve(t, store, second)

	if err := runTask(t, orch, task.ID, 45*time.Second); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	fresh, err := store.GetTask(task.ID)
	if err != nil {
		t.Fatalf("Failed to reload task: %v", err)
	}
	if fresh.Strategy != types.StrategySharedBranch {
		t.Fatalf("Expected shared-branch strategy, got %s (%s)", fresh.Strategy, fresh.Rationale)
	}

	// Both units rode the same workspace and merged with it
	u1, err := store.GetUnit(first)
	if err != nil {
		t.Fatalf("Failed to load unit: %v", err)
	}
	u2, err := store.GetUnit(second)
	if err != nil {
		t.Fatalf("Failed to load unit: %v", err)
	}
	if u1.Status != types.UnitStatusMerged || u2.Status != types.UnitStatusMerged {
		t.Errorf("Expected both units merged, got %s / %s", u1.Status, u2.Status)
	}
	if u1.WorkspaceID == "" || u1.WorkspaceID != u2.WorkspaceID {
		t.Errorf("Expected one shared workspace, got %q and %q", u1.WorkspaceID, u2.WorkspaceID)
	}

	ws, err := store.GetWorkspace(u1.WorkspaceID)
	if err != nil {
		t.Fatalf("Failed to load workspace: %v", err)
	}
	if !ws.Shared {
		t.Error("Workspace not marked shared")
	}
	if ws.State != types.WorkspaceMerged {
		t.Errorf("Expected workspace merged, got %s", ws.State)
	}

	// The group's work landed on main together
	for _, id := range []string{first, second} {
		if _, err := os.Stat(filepath.Join(tmpDir, "work-"+id+".txt")); err != nil {
			t.Errorf("Expected %s work on main: %v", id, err)
		}
	}

	// One merge commit carried the whole group
	cmd := exec.Command("git", "log", "--oneline", "--merges")
	cmd.Dir = tmpDir
	output, err := cmd.Output()
	if err != nil {
		t.Fatalf("Failed to list merges: %v", err)
	}
	merges := strings.Split(strings.TrimSpace(string(output)), "\n")
	if len(merges) != 1 || merges[0] == "" {
		t.Errorf("Expected exactly one merge commit, got %q", output)
	}
}

func TestOrchestrator_ConflictForcesIsolation(t *testing.T) {
	tmpDir, store := setupProject(t)
	agent := writeAgent(t, tmpDir, "agent.sh", workingAgent)

	orch, err := workflow.NewOrchestrator(testConfig(agent), store, tmpDir)
	if err != nil {
		t.Fatalf("Failed to create orchestrator: %v", err)
	}

	// Both units claim config.go; the overlap forces isolation no matter
	// how low the scores are
	desc := `1. **Extend the config schema**
   - Description: add the limits block
   - Files: config.go (new)

2. **Migrate config consumers**
   - Description: move readers onto the limits block
   - Files: config.go (new)
`
	task, err := store.CreateTask("Config rework", desc, nil)
	if err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}
	first := db.UnitID(task.ID, 1)
	second := db.UnitID(task.ID, 2)
	approve(t, store, first)
	approve(t, store, second)

	if err := runTask(t, orch, task.ID, 45*time.Second); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	fresh, err := store.GetTask(task.ID)
	if err != nil {
		t.Fatalf("Failed to reload task: %v", err)
	}
	if fresh.Strategy != types.StrategyIsolatedWorkspace {
		t.Fatalf("Expected isolated-workspace strategy, got %s (%s)", fresh.Strategy, fresh.Rationale)
	}

	conflicts, err := store.ListConflicts()
	if err != nil {
		t.Fatalf("Failed to list conflicts: %v", err)
	}
	found := false
	for _, c := range conflicts {
		if c.Involves(first) && c.Involves(second) {
			found = true
			if c.Origin != types.ConflictStatic {
				t.Errorf("Expected static conflict, got %s", c.Origin)
			}
		}
	}
	if !found {
		t.Errorf("Expected a recorded conflict between %s and %s", first, second)
	}

	// Isolation kept both units mergeable: each wrote its own file
	u1, err := store.GetUnit(first)
	if err != nil {
		t.Fatalf("Failed to load unit: %v", err)
	}
	u2, err := store.GetUnit(second)
	if err != nil {
		t.Fatalf("Failed to load unit: %v", err)
	}
	if u1.Status != types.UnitStatusMerged || u2.Status != types.UnitStatusMerged {
		t.Errorf("Expected both units merged, got %s / %s", u1.Status, u2.Status)
	}
	if u1.WorkspaceID == "" || u2.WorkspaceID == "" || u1.WorkspaceID == u2.WorkspaceID {
		t.Errorf("Expected separate workspaces, got %q and %q", u1.WorkspaceID, u2.WorkspaceID)
	}

	rep, err := store.GetLatestReport(task.ID)
	if err != nil {
		t.Fatalf("Failed to load report: %v", err)
	}
	if rep.Integrated != 2 {
		t.Errorf("Report integrated=%d; want 2", rep.Integrated)
	}
	if len(rep.Conflicts) == 0 {
		t.Error("Report should list the encountered conflict")
	}
}

func TestOrchestrator_FailingAgentRejectsUnit(t *testing.T) {
	tmpDir, store := setupProject(t)
	agent := writeAgent(t, tmpDir, "agent.sh", `echo "agent cannot comply" >&2
exit 1
`)

	cfg := testConfig(agent)
	cfg.MaxUnitAttempts = 2

	orch, err := workflow.NewOrchestrator(cfg, store, tmpDir)
	if err != nil {
		t.Fatalf("Failed to create orchestrator: %v", err)
	}

	task, err := store.CreateTask("Doomed task", "Nothing the agent can do", nil)
	if err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}
	unitID := db.UnitID(task.ID, 1)

	if err := runTask(t, orch, task.ID, 30*time.Second); err == nil {
		t.Fatal("Expected Run to report the rejected unit")
	}

	fresh, err := store.GetTask(task.ID)
	if err != nil {
		t.Fatalf("Failed to reload task: %v", err)
	}
	if fresh.Status != types.TaskStatusFailed {
		t.Errorf("Expected task failed, got %s", fresh.Status)
	}

	unit, err := store.GetUnit(unitID)
	if err != nil {
		t.Fatalf("Failed to load unit: %v", err)
	}
	if unit.Status != types.UnitStatusRejected {
		t.Errorf("Expected unit rejected, got %s", unit.Status)
	}
	if unit.LastError == "" {
		t.Error("Rejected unit should carry its last error")
	}

	rep, err := store.GetLatestReport(task.ID)
	if err != nil {
		t.Fatalf("Failed to load report: %v", err)
	}
	if rep.Rejected != 1 || rep.Integrated != 0 {
		t.Errorf("Report integrated=%d rejected=%d; want 0/1", rep.Integrated, rep.Rejected)
	}
}

func TestOrchestrator_DeniedAuthorizationRejectsUnit(t *testing.T) {
	tmpDir, store := setupProject(t)
	agent := writeAgent(t, tmpDir, "agent.sh", workingAgent)

	cfg := testConfig(agent)
	cfg.GateRetryBudget = 1

	orch, err := workflow.NewOrchestrator(cfg, store, tmpDir)
	if err != nil {
		t.Fatalf("Failed to create orchestrator: %v", err)
	}

	task, err := store.CreateTask("Risky change", "Swap the payment provider", nil)
	if err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}
	unitID := db.UnitID(task.ID, 1)
	err = store.RecordApproval(&types.Approval{
		UnitID:   unitID,
		Approved: false,
		Actor:    "tester",
		Reason:   "not sanctioned for this sprint",
	})
	if err != nil {
		t.Fatalf("Failed to record denial: %v", err)
	}

	if err := runTask(t, orch, task.ID, 30*time.Second); err == nil {
		t.Fatal("Expected Run to report the rejected unit")
	}

	unit, err := store.GetUnit(unitID)
	if err != nil {
		t.Fatalf("Failed to load unit: %v", err)
	}
	if unit.Status != types.UnitStatusRejected {
		t.Errorf("Expected unit rejected, got %s", unit.Status)
	}

	history, err := store.GetGateHistory(unitID)
	if err != nil {
		t.Fatalf("Failed to load gate history: %v", err)
	}
	denied := false
	for _, r := range history {
		if r.Gate == types.GateAuthorization && r.Verdict == types.VerdictFail {
			denied = true
			for _, issue := range r.BlockingIssues {
				if !strings.Contains(issue.Text, "not sanctioned") {
					t.Errorf("Denial reason lost: %q", issue.Text)
				}
			}
		}
	}
	if !denied {
		t.Error("Expected a failed authorization verdict in the history")
	}

	fresh, err := store.GetTask(task.ID)
	if err != nil {
		t.Fatalf("Failed to reload task: %v", err)
	}
	if fresh.Status != types.TaskStatusFailed {
		t.Errorf("Expected task failed, got %s", fresh.Status)
	}
}

func TestOrchestrator_RetryAfterAgentFailure(t *testing.T) {
	tmpDir, store := setupProject(t)

	marker := filepath.Join(tmpDir, ".first-attempt")
	agent := writeAgent(t, tmpDir, "agent.sh", fmt.Sprintf(`if [ ! -f "%s" ]; then
  : > "%s"
  echo "transient failure" >&2
  exit 1
fi
echo done > "work-$FOREMAN_UNIT_ID.txt"
exit 0
`, marker, marker))

	orch, err := workflow.NewOrchestrator(testConfig(agent), store, tmpDir)
	if err != nil {
		t.Fatalf("Failed to create orchestrator: %v", err)
	}

	task, err := store.CreateTask("Flaky start", "Succeeds on the second try", nil)
	if err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}
	unitID := db.UnitID(task.ID, 1)
	approve(t, store, unitID)

	if err := runTask(t, orch, task.ID, 30*time.Second); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	unit, err := store.GetUnit(unitID)
	if err != nil {
		t.Fatalf("Failed to load unit: %v", err)
	}
	if unit.Status != types.UnitStatusMerged {
		t.Errorf("Expected unit merged after retry, got %s", unit.Status)
	}
	if unit.Attempts != 1 {
		t.Errorf("Expected 1 recorded retry, got %d", unit.Attempts)
	}
}
