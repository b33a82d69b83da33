package types

// WorkspaceState tracks a workspace through its lifecycle.
// Legal transitions: provisioned → active → verified → merged, or → discarded
// from any non-terminal state. Reclaim is only legal from merged or discarded.
type WorkspaceState string

const (
	WorkspaceProvisioned WorkspaceState = "provisioned"
	WorkspaceActive      WorkspaceState = "active"
	WorkspaceVerified    WorkspaceState = "verified"
	WorkspaceMerged      WorkspaceState = "merged"
	WorkspaceDiscarded   WorkspaceState = "discarded"
)

// Reclaimable reports whether a workspace in this state may be destroyed
func (s WorkspaceState) Reclaimable() bool {
	return s == WorkspaceMerged || s == WorkspaceDiscarded
}

// Workspace is an isolated execution context assigned per unit or per strategy group
type Workspace struct {
	ID        string         `json:"id" db:"id"`
	Path      string         `json:"path" db:"path"`
	Branch    string         `json:"branch" db:"branch"`
	Owner     string         `json:"owner" db:"owner"` // Unit ID, or task ID for a shared-branch group
	Shared    bool           `json:"shared" db:"shared"`
	State     WorkspaceState `json:"state" db:"state"`
	CreatedAt int64          `json:"created_at" db:"created_at"`
	UpdatedAt int64          `json:"updated_at" db:"updated_at"`
}
