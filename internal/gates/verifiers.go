package gates

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cloud-shuttle/foreman/internal/checks"
	"github.com/cloud-shuttle/foreman/internal/db"
	"github.com/cloud-shuttle/foreman/internal/outcome"
	"github.com/cloud-shuttle/foreman/internal/workspace"
	"github.com/cloud-shuttle/foreman/pkg/types"
)

// ChecksVerifier adapts the build and test runner to the gate boundary.
type ChecksVerifier struct {
	runner  *checks.Runner
	baseDir string
}

// NewChecksVerifier wraps a checks runner. baseDir is where direct
// units, which have no workspace, get verified.
func NewChecksVerifier(runner *checks.Runner, baseDir string) *ChecksVerifier {
	return &ChecksVerifier{runner: runner, baseDir: baseDir}
}

// Verify runs the build and test commands and returns their normalized
// outcome.
func (v *ChecksVerifier) Verify(ctx context.Context, unit *types.WorkUnit, ws *types.Workspace) (*outcome.Outcome, error) {
	dir := v.baseDir
	if ws != nil {
		dir = ws.Path
	}
	result := v.runner.Run(ctx, dir, unit.ID)
	return result.Outcome(), nil
}

// CommandVerifier runs a configured hook command in the workspace and
// normalizes whatever it prints. Used for the review and security
// gates; the hook sees the unit through FOREMAN_* environment
// variables and reports through its output and exit code.
type CommandVerifier struct {
	gate    types.Gate
	command []string
	baseDir string
	timeout time.Duration
	verbose bool
}

// NewCommandVerifier builds a hook-backed verifier. An empty command
// means the gate has no hook and passes by configuration.
func NewCommandVerifier(gate types.Gate, command []string, baseDir string, timeout time.Duration) *CommandVerifier {
	return &CommandVerifier{
		gate:    gate,
		command: command,
		baseDir: baseDir,
		timeout: timeout,
	}
}

// SetVerbose enables detailed logging.
func (v *CommandVerifier) SetVerbose(verbose bool) {
	v.verbose = verbose
}

// Verify runs the hook and parses its output into an outcome.
func (v *CommandVerifier) Verify(ctx context.Context, unit *types.WorkUnit, ws *types.Workspace) (*outcome.Outcome, error) {
	if len(v.command) == 0 {
		return outcome.Pass(fmt.Sprintf("no %s hook configured", v.gate)), nil
	}

	dir := v.baseDir
	if ws != nil {
		dir = ws.Path
	}

	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	if v.verbose {
		log.Printf("🔍 Running %s hook: %s", v.gate, strings.Join(v.command, " "))
	}

	cmd := exec.CommandContext(ctx, v.command[0], v.command[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"FOREMAN_UNIT_ID="+unit.ID,
		"FOREMAN_TASK_ID="+unit.TaskID,
		"FOREMAN_UNIT_TITLE="+unit.Title,
		"FOREMAN_GATE="+string(v.gate),
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return outcome.Fail(
				fmt.Sprintf("%s hook timed out after %v", v.gate, v.timeout),
				fmt.Sprintf("hook %s did not finish within %v", v.command[0], v.timeout),
			), nil
		}
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			// The hook itself could not run; that is an
			// infrastructure failure, not a verdict
			return nil, fmt.Errorf("running %s hook: %w", v.gate, err)
		}
		return outcome.Parse(string(output), exitErr.ExitCode()), nil
	}

	return outcome.Parse(string(output), 0), nil
}

// ApprovalVerifier blocks until an explicit go/no-go decision for the
// unit arrives in the store. It never times out on its own; cancelling
// the context is the only way to stop waiting.
type ApprovalVerifier struct {
	store    *db.Store
	interval time.Duration
	verbose  bool
}

// NewApprovalVerifier polls the approval store every interval.
func NewApprovalVerifier(store *db.Store, interval time.Duration) *ApprovalVerifier {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &ApprovalVerifier{store: store, interval: interval}
}

// SetVerbose enables detailed logging.
func (v *ApprovalVerifier) SetVerbose(verbose bool) {
	v.verbose = verbose
}

// Verify waits for a decision. The first attempt honors decisions
// recorded before the gate started; after a denial, only a decision
// newer than that verdict counts, so a stale "deny" cannot fail the
// unit twice.
func (v *ApprovalVerifier) Verify(ctx context.Context, unit *types.WorkUnit, ws *types.Workspace) (*outcome.Outcome, error) {
	since, err := v.sinceFor(unit.ID)
	if err != nil {
		return nil, err
	}

	if v.verbose {
		log.Printf("⏳ Waiting for authorization of unit %s (approve with: foreman approve %s)", unit.ID, unit.ID)
	}

	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	for {
		a, err := v.store.GetApproval(unit.ID, since)
		if err != nil {
			return nil, err
		}
		if a != nil {
			actor := a.Actor
			if actor == "" {
				actor = "operator"
			}
			if a.Approved {
				return outcome.Pass(fmt.Sprintf("approved by %s", actor)), nil
			}
			reason := a.Reason
			if reason == "" {
				reason = "no reason given"
			}
			return outcome.Fail(
				fmt.Sprintf("denied by %s", actor),
				fmt.Sprintf("authorization denied: %s", reason),
			), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// sinceFor returns the cutoff for acceptable decisions: zero on the
// first attempt, one past the latest recorded authorization verdict
// otherwise.
func (v *ApprovalVerifier) sinceFor(unitID string) (int64, error) {
	history, err := v.store.GetGateHistory(unitID)
	if err != nil {
		return 0, err
	}
	var since int64
	for _, r := range history {
		if r.Gate == types.GateAuthorization && r.Timestamp+1 > since {
			since = r.Timestamp + 1
		}
	}
	return since, nil
}

// MergeVerifier answers whether the unit's branch would merge cleanly
// into the integration point right now. Passing it is the last gate;
// the actual merge still happens at consolidation, in DAG order.
type MergeVerifier struct {
	manager *workspace.Manager
}

// NewMergeVerifier wraps the workspace manager's merge preview.
func NewMergeVerifier(manager *workspace.Manager) *MergeVerifier {
	return &MergeVerifier{manager: manager}
}

// Verify dry-runs the merge.
func (v *MergeVerifier) Verify(ctx context.Context, unit *types.WorkUnit, ws *types.Workspace) (*outcome.Outcome, error) {
	if ws == nil {
		// Direct units work on the integration point itself
		return outcome.Pass("no integration branch to check"), nil
	}

	conflicts, err := v.manager.MergePreview(ws)
	if err != nil {
		return nil, fmt.Errorf("merge preview for unit %s: %w", unit.ID, err)
	}
	if len(conflicts) == 0 {
		return outcome.Pass(fmt.Sprintf("branch %s merges cleanly", ws.Branch)), nil
	}

	issues := make([]string, 0, len(conflicts))
	for _, c := range conflicts {
		issues = append(issues, "would conflict on "+c)
	}
	return outcome.Fail(fmt.Sprintf("branch %s does not merge cleanly", ws.Branch), issues...), nil
}
