// Package workspace provisions isolated git worktrees for unit execution
// and reclaims them once their work has merged or been abandoned.
package workspace

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cloud-shuttle/foreman/internal/db"
	"github.com/cloud-shuttle/foreman/pkg/types"
)

// mergeMutex serializes merges into the integration branch. Workspaces run
// in parallel but consolidation is strictly one merge at a time.
var mergeMutex sync.Mutex

// artifactDirs are build outputs and dependency caches that get removed
// ahead of the worktree itself during reclaim.
var artifactDirs = []string{
	"node_modules",
	"target",
	"vendor",
	"__pycache__",
	".venv",
	"venv",
	"dist",
	"build",
	".next",
	".nuxt",
	"coverage",
}

// NotReclaimableError reports a reclaim attempt on a workspace that has not
// reached a terminal state. Reclaim is only legal once merged or discarded.
type NotReclaimableError struct {
	ID    string
	State types.WorkspaceState
}

func (e *NotReclaimableError) Error() string {
	return fmt.Sprintf("workspace %s is %s and cannot be reclaimed", e.ID, e.State)
}

// Manager provisions workspaces as git worktrees, tracks their lifecycle in
// the store, and reclaims their disk once their state allows it.
type Manager struct {
	baseDir      string
	workspaceDir string
	store        *db.Store
	verbose      bool
}

// NewManager creates a workspace manager rooted at the project directory
func NewManager(baseDir, workspaceDir string, store *db.Store) *Manager {
	return &Manager{
		baseDir:      baseDir,
		workspaceDir: workspaceDir,
		store:        store,
	}
}

// SetVerbose enables detailed logging of workspace operations
func (m *Manager) SetVerbose(verbose bool) {
	m.verbose = verbose
}

// BranchName returns the branch a workspace owner works on
func BranchName(owner string) string {
	return "foreman-" + owner
}

// WorkspaceID returns the workspace record ID for an owner
func WorkspaceID(owner string) string {
	return "ws-" + owner
}

// Path returns where a workspace for the given owner lives on disk
func (m *Manager) Path(owner string) string {
	return filepath.Join(m.workspaceDir, owner)
}

// Provision creates a worktree and branch for an owner. The owner is a unit
// ID for isolated execution or a task ID for a shared-branch group. A live
// workspace already recorded for the same owner is an error; a merged or
// discarded one is reclaimed first.
func (m *Manager) Provision(owner string, shared bool) (*types.Workspace, error) {
	id := WorkspaceID(owner)
	path := m.Path(owner)
	branch := BranchName(owner)

	if existing, err := m.store.GetWorkspace(id); err == nil {
		if !existing.State.Reclaimable() {
			return nil, &NotReclaimableError{ID: existing.ID, State: existing.State}
		}
		if _, err := m.Reclaim(existing.ID); err != nil {
			return nil, fmt.Errorf("reclaiming previous workspace for %s: %w", owner, err)
		}
	}

	// Clear leftovers from a run that died before recording anything
	m.removeWorktree(path)
	staleBranch := exec.Command("git", "branch", "-D", branch)
	staleBranch.Dir = m.baseDir
	staleBranch.CombinedOutput()

	if err := os.MkdirAll(m.workspaceDir, 0755); err != nil {
		return nil, fmt.Errorf("creating workspace directory: %w", err)
	}

	cmd := exec.Command("git", "worktree", "add", "-b", branch, path)
	cmd.Dir = m.baseDir
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("provisioning workspace: %w\n%s", err, output)
	}

	ws := &types.Workspace{
		ID:     id,
		Path:   path,
		Branch: branch,
		Owner:  owner,
		Shared: shared,
		State:  types.WorkspaceProvisioned,
	}
	if err := m.store.CreateWorkspace(ws); err != nil {
		m.removeWorktree(path)
		return nil, err
	}

	if m.verbose {
		log.Printf("📂 Provisioned workspace %s on branch %s", ws.ID, branch)
	}
	return ws, nil
}

// Activate marks a workspace as executing. Calling it on an already active
// workspace is a no-op; shared workspaces activate on their first unit.
func (m *Manager) Activate(id string) error {
	ws, err := m.store.GetWorkspace(id)
	if err != nil {
		return fmt.Errorf("loading workspace %s: %w", id, err)
	}
	if ws.State == types.WorkspaceActive {
		return m.store.TouchWorkspace(id)
	}
	if !legalTransition(ws.State, types.WorkspaceActive) {
		return fmt.Errorf("workspace %s cannot move from %s to %s", id, ws.State, types.WorkspaceActive)
	}
	return m.store.UpdateWorkspaceState(id, types.WorkspaceActive)
}

// MarkVerified records that every gate passed in this workspace
func (m *Manager) MarkVerified(id string) error {
	return m.transition(id, types.WorkspaceVerified)
}

// Discard abandons a workspace without merging. The directory stays on disk
// until Reclaim runs.
func (m *Manager) Discard(id string) error {
	return m.transition(id, types.WorkspaceDiscarded)
}

func (m *Manager) transition(id string, to types.WorkspaceState) error {
	ws, err := m.store.GetWorkspace(id)
	if err != nil {
		return fmt.Errorf("loading workspace %s: %w", id, err)
	}
	if !legalTransition(ws.State, to) {
		return fmt.Errorf("workspace %s cannot move from %s to %s", id, ws.State, to)
	}
	return m.store.UpdateWorkspaceState(id, to)
}

// legalTransition reports whether a workspace may move between two states.
// Discard is reachable from any non-terminal state; everything else follows
// provisioned, active, verified, merged in order.
func legalTransition(from, to types.WorkspaceState) bool {
	if to == types.WorkspaceDiscarded {
		return from != types.WorkspaceMerged && from != types.WorkspaceDiscarded
	}
	switch from {
	case types.WorkspaceProvisioned:
		return to == types.WorkspaceActive
	case types.WorkspaceActive:
		return to == types.WorkspaceVerified
	case types.WorkspaceVerified:
		return to == types.WorkspaceMerged
	}
	return false
}

// Commit stages and commits everything in the workspace. Returns false with
// no error when there is nothing to commit.
func (m *Manager) Commit(ws *types.Workspace, message string) (bool, error) {
	statusCmd := exec.Command("git", "status", "--porcelain")
	statusCmd.Dir = ws.Path
	statusOutput, err := statusCmd.Output()
	if err != nil {
		return false, fmt.Errorf("checking workspace status: %w", err)
	}

	if len(strings.TrimSpace(string(statusOutput))) == 0 {
		if m.verbose {
			log.Printf("📭 No changes to commit for %s", ws.Owner)
		}
		return false, nil
	}

	if m.verbose {
		lines := strings.Split(strings.TrimSpace(string(statusOutput)), "\n")
		log.Printf("📝 Committing %d changed files for %s:", len(lines), ws.Owner)
		for _, line := range lines {
			log.Printf("   %s", line)
		}
	}

	addCmd := exec.Command("git", "add", "-A")
	addCmd.Dir = ws.Path
	if output, err := addCmd.CombinedOutput(); err != nil {
		return false, fmt.Errorf("staging changes: %w\n%s", err, output)
	}

	commitCmd := exec.Command("git", "commit", "-m", message)
	commitCmd.Dir = ws.Path
	if output, err := commitCmd.CombinedOutput(); err != nil {
		if strings.Contains(string(output), "nothing to commit") {
			return false, nil
		}
		return false, fmt.Errorf("committing changes: %w\n%s", err, output)
	}

	if m.verbose {
		log.Printf("✅ Committed changes for %s", ws.Owner)
	}
	m.store.TouchWorkspace(ws.ID)
	return true, nil
}

// ModifiedPaths returns every path touched in the workspace, committed or
// not, relative to the workspace root. Feeds dynamic conflict detection.
func (m *Manager) ModifiedPaths(ws *types.Workspace) ([]string, error) {
	seen := make(map[string]bool)

	// -uall expands untracked directories into individual files
	statusCmd := exec.Command("git", "status", "--porcelain", "-uall")
	statusCmd.Dir = ws.Path
	output, err := statusCmd.Output()
	if err != nil {
		return nil, fmt.Errorf("checking workspace status: %w", err)
	}
	for _, line := range strings.Split(string(output), "\n") {
		if len(line) < 4 {
			continue
		}
		p := strings.TrimSpace(line[3:])
		// Renames report as "old -> new"; the new path is the one that counts
		if idx := strings.Index(p, " -> "); idx >= 0 {
			p = p[idx+4:]
		}
		p = strings.Trim(p, `"`)
		if p != "" {
			seen[p] = true
		}
	}

	// Work already committed on the branch counts too
	diffCmd := exec.Command("git", "diff", "--name-only", "main...HEAD")
	diffCmd.Dir = ws.Path
	output, err = diffCmd.Output()
	if err == nil {
		for _, line := range strings.Split(string(output), "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				seen[line] = true
			}
		}
	}

	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

// Merge folds a verified workspace's branch into main. Merges are serialized;
// a conflict aborts cleanly and returns MergeIncompatibleError so the caller
// can halt the dependent subgraph.
func (m *Manager) Merge(ws *types.Workspace) error {
	mergeMutex.Lock()
	defer mergeMutex.Unlock()

	current, err := m.store.GetWorkspace(ws.ID)
	if err != nil {
		return fmt.Errorf("loading workspace %s: %w", ws.ID, err)
	}
	if current.State != types.WorkspaceVerified {
		return fmt.Errorf("workspace %s is %s; only verified workspaces merge", ws.ID, current.State)
	}

	countCmd := exec.Command("git", "rev-list", "main.."+ws.Branch, "--count")
	countCmd.Dir = m.baseDir
	countOutput, err := countCmd.Output()
	if err != nil {
		// Assume there is something to merge and let the merge decide
		countOutput = []byte("1")
	}
	if strings.TrimSpace(string(countOutput)) == "0" {
		if m.verbose {
			log.Printf("📭 No commits to merge for %s", ws.Owner)
		}
		return m.store.UpdateWorkspaceState(ws.ID, types.WorkspaceMerged)
	}

	checkoutCmd := exec.Command("git", "checkout", "main")
	checkoutCmd.Dir = m.baseDir
	if output, err := checkoutCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("checking out main: %w\n%s", err, output)
	}

	mergeCmd := exec.Command("git", "merge", "--no-ff", ws.Branch, "-m",
		fmt.Sprintf("foreman: merge %s", ws.Owner))
	mergeCmd.Dir = m.baseDir
	if output, err := mergeCmd.CombinedOutput(); err != nil {
		abortCmd := exec.Command("git", "merge", "--abort")
		abortCmd.Dir = m.baseDir
		abortCmd.CombinedOutput()
		return &types.MergeIncompatibleError{
			UnitID: ws.Owner,
			Reason: trimOutput(output),
			Cause:  err,
		}
	}

	// Deleting the branch fails while the worktree holds it; Reclaim finishes
	// the job after the worktree is gone
	branchCmd := exec.Command("git", "branch", "-d", ws.Branch)
	branchCmd.Dir = m.baseDir
	branchCmd.CombinedOutput()

	if m.verbose {
		log.Printf("✅ Merged %s into main", ws.Owner)
	}
	return m.store.UpdateWorkspaceState(ws.ID, types.WorkspaceMerged)
}

// MergePreview reports the paths that would conflict if the workspace's
// branch merged into main right now. The probe merges main into the
// workspace and unwinds, so the integration point is never touched.
func (m *Manager) MergePreview(ws *types.Workspace) ([]string, error) {
	mergeMutex.Lock()
	defer mergeMutex.Unlock()

	mergeCmd := exec.Command("git", "merge", "--no-commit", "--no-ff", "main")
	mergeCmd.Dir = ws.Path
	output, mergeErr := mergeCmd.CombinedOutput()

	var conflicts []string
	if mergeErr != nil {
		diffCmd := exec.Command("git", "diff", "--name-only", "--diff-filter=U")
		diffCmd.Dir = ws.Path
		if diffOutput, err := diffCmd.Output(); err == nil {
			for _, line := range strings.Split(string(diffOutput), "\n") {
				line = strings.TrimSpace(line)
				if line != "" {
					conflicts = append(conflicts, line)
				}
			}
		}
		if len(conflicts) == 0 {
			conflicts = append(conflicts, trimOutput(output))
		}
	}

	// Unwind the probe, but only when a merge is actually in progress;
	// an up-to-date branch leaves nothing behind
	checkCmd := exec.Command("git", "rev-parse", "-q", "--verify", "MERGE_HEAD")
	checkCmd.Dir = ws.Path
	if checkCmd.Run() == nil {
		abortCmd := exec.Command("git", "merge", "--abort")
		abortCmd.Dir = ws.Path
		abortCmd.CombinedOutput()
	}

	return conflicts, nil
}

// Reclaim destroys a merged or discarded workspace, deletes its branch and
// record, and returns the bytes freed. Anything still live is refused.
func (m *Manager) Reclaim(id string) (int64, error) {
	ws, err := m.store.GetWorkspace(id)
	if err != nil {
		return 0, fmt.Errorf("loading workspace %s: %w", id, err)
	}
	if !ws.State.Reclaimable() {
		return 0, &NotReclaimableError{ID: id, State: ws.State}
	}

	var freed int64
	if info, err := os.Stat(ws.Path); err == nil && info.IsDir() {
		freed = directorySize(ws.Path)
		// Dependency caches and build outputs go first; they dominate size
		m.removeArtifacts(ws.Path)
	}

	m.removeWorktree(ws.Path)

	if ws.Branch != "" {
		branchCmd := exec.Command("git", "branch", "-D", ws.Branch)
		branchCmd.Dir = m.baseDir
		branchCmd.CombinedOutput()
	}

	if err := m.store.DeleteWorkspace(id); err != nil {
		return freed, fmt.Errorf("deleting workspace record: %w", err)
	}

	if m.verbose {
		log.Printf("🗑️  Reclaimed workspace %s (%s)", id, FormatBytes(freed))
	}
	return freed, nil
}

// ReclaimAll destroys every workspace whose state allows it. Returns how many
// were reclaimed and the total bytes freed.
func (m *Manager) ReclaimAll() (int, int64, error) {
	candidates, err := m.store.GetWorkspacesForReclaim()
	if err != nil {
		return 0, 0, err
	}

	var count int
	var freed int64
	for _, info := range candidates {
		n, err := m.Reclaim(info.ID)
		if err != nil {
			return count, freed, fmt.Errorf("reclaiming %s: %w", info.ID, err)
		}
		count++
		freed += n
	}
	return count, freed, nil
}

// PruneOrphaned removes workspace directories no record accounts for and
// drops records whose directory is already gone. Safe to run any time.
func (m *Manager) PruneOrphaned() ([]string, int64, error) {
	var pruned []string
	var freed int64

	orphaned, err := m.store.GetOrphanedWorkspaces(m.workspaceDir)
	if err != nil {
		return nil, 0, err
	}
	for _, path := range orphaned {
		size := directorySize(path)
		m.removeWorktree(path)
		pruned = append(pruned, path)
		freed += size
		if m.verbose {
			log.Printf("🗑️  Pruned orphaned workspace %s (%s)", path, FormatBytes(size))
		}
	}

	all, err := m.store.ListWorkspaces()
	if err != nil {
		return pruned, freed, err
	}
	for _, ws := range all {
		if _, err := os.Stat(ws.Path); os.IsNotExist(err) {
			if err := m.store.DeleteWorkspace(ws.ID); err == nil && m.verbose {
				log.Printf("⚠️  Dropped record for missing workspace %s", ws.ID)
			}
		}
	}

	pruneCmd := exec.Command("git", "worktree", "prune")
	pruneCmd.Dir = m.baseDir
	pruneCmd.CombinedOutput()

	return pruned, freed, nil
}

// ListRegistered returns the worktree paths git currently tracks under the
// workspace directory
func (m *Manager) ListRegistered() ([]string, error) {
	cmd := exec.Command("git", "worktree", "list", "--porcelain")
	cmd.Dir = m.baseDir
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("listing worktrees: %w", err)
	}

	var paths []string
	for _, line := range strings.Split(string(output), "\n") {
		if strings.HasPrefix(line, "worktree ") {
			p := strings.TrimPrefix(line, "worktree ")
			if strings.HasPrefix(p, m.workspaceDir) {
				paths = append(paths, p)
			}
		}
	}
	return paths, nil
}

// CleanupAll removes every workspace directory, branch, and record,
// regardless of state. Used by reset.
func (m *Manager) CleanupAll() error {
	all, err := m.store.ListWorkspaces()
	if err != nil {
		return err
	}
	for _, ws := range all {
		m.removeWorktree(ws.Path)
		if ws.Branch != "" {
			branchCmd := exec.Command("git", "branch", "-D", ws.Branch)
			branchCmd.Dir = m.baseDir
			branchCmd.CombinedOutput()
		}
		if err := m.store.DeleteWorkspace(ws.ID); err != nil {
			return fmt.Errorf("deleting workspace record %s: %w", ws.ID, err)
		}
	}

	// Catch worktrees git knows about that never made it into a record
	registered, err := m.ListRegistered()
	if err == nil {
		for _, path := range registered {
			m.removeWorktree(path)
		}
	}

	os.RemoveAll(m.workspaceDir)
	return nil
}

// MeasureDisk records a workspace's current disk usage in the store
func (m *Manager) MeasureDisk(ws *types.Workspace) (int64, error) {
	size := directorySize(ws.Path)
	if err := m.store.UpdateWorkspaceDiskSize(ws.ID, size); err != nil {
		return size, err
	}
	return size, nil
}

// DiskUsage returns total bytes under the workspace directory
func (m *Manager) DiskUsage() int64 {
	return directorySize(m.workspaceDir)
}

// removeWorktree unregisters and deletes a worktree directory. Errors are
// ignored; the directory may be half-gone already.
func (m *Manager) removeWorktree(path string) {
	removeCmd := exec.Command("git", "worktree", "remove", path, "--force")
	removeCmd.Dir = m.baseDir
	removeCmd.CombinedOutput()

	os.RemoveAll(path)

	pruneCmd := exec.Command("git", "worktree", "prune")
	pruneCmd.Dir = m.baseDir
	pruneCmd.CombinedOutput()
}

// removeArtifacts deletes known build and dependency directories anywhere
// under root, returning the bytes freed
func (m *Manager) removeArtifacts(root string) int64 {
	targets := make(map[string]bool, len(artifactDirs))
	for _, name := range artifactDirs {
		targets[name] = true
	}

	var paths []string
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() && targets[d.Name()] {
			paths = append(paths, path)
			return filepath.SkipDir
		}
		return nil
	})

	var removed int64
	for _, p := range paths {
		size := directorySize(p)
		if err := os.RemoveAll(p); err != nil {
			continue
		}
		removed += size
		if m.verbose {
			log.Printf("🗑️  Removed %s (%s)", p, FormatBytes(size))
		}
	}
	return removed
}

// directorySize walks a directory tree and sums file sizes
func directorySize(path string) int64 {
	var size int64
	filepath.WalkDir(path, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			if info, err := d.Info(); err == nil {
				size += info.Size()
			}
		}
		return nil
	})
	return size
}

// FormatBytes renders a byte count in human units
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	units := []string{"KB", "MB", "GB", "TB"}
	return fmt.Sprintf("%.1f %s", float64(bytes)/float64(div), units[exp])
}

func trimOutput(output []byte) string {
	s := strings.TrimSpace(string(output))
	if len(s) > 400 {
		s = s[:400] + "..."
	}
	return s
}
