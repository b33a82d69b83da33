// Package types defines core data structures for Foreman
package types

// UnitStatus represents the current state of a work unit
type UnitStatus string

const (
	UnitStatusPending    UnitStatus = "pending"    // Prerequisites not yet merged
	UnitStatusReady      UnitStatus = "ready"      // Eligible for claiming
	UnitStatusClaimed    UnitStatus = "claimed"    // Claimed by a worker
	UnitStatusExecuting  UnitStatus = "executing"  // Executor is producing changes
	UnitStatusVerifying  UnitStatus = "verifying"  // In the quality gate pipeline
	UnitStatusReplanning UnitStatus = "replanning" // Pulled back by an ownership conflict
	UnitStatusIntegrated UnitStatus = "integrated" // Passed all gates, awaiting merge
	UnitStatusMerged     UnitStatus = "merged"     // Consolidated into the integration point
	UnitStatusRejected   UnitStatus = "rejected"   // Terminal failure (gate budget exhausted)
	UnitStatusCancelled  UnitStatus = "cancelled"  // Cancelled (e.g. a prerequisite was rejected)
)

// Terminal reports whether the status is a terminal pipeline state
func (s UnitStatus) Terminal() bool {
	switch s {
	case UnitStatusMerged, UnitStatusRejected, UnitStatusCancelled:
		return true
	}
	return false
}

// OwnershipMode defines how a unit holds its file claims
type OwnershipMode string

const (
	// OwnershipExclusive means no other unit may touch the claimed files
	OwnershipExclusive OwnershipMode = "exclusive"
)

// EditClass classifies the expected size of a change to a single file
type EditClass string

const (
	EditNew    EditClass = "new"    // New file
	EditSmall  EditClass = "small"  // Small edit
	EditMedium EditClass = "medium" // Medium edit
	EditLarge  EditClass = "large"  // Large edit
)

// Size invariant thresholds for a single work unit
const (
	MaxUnitFiles = 5
	MaxUnitLines = 500
)

// FileChange is one file a unit intends to create or modify
type FileChange struct {
	Path string    `json:"path"`
	Edit EditClass `json:"edit"`
	Core bool      `json:"core,omitempty"` // Core/high-risk file
}

// SizeEstimate sizes a unit when concrete file paths are not yet known
type SizeEstimate struct {
	FileCount   int `json:"file_count"`
	LineCount   int `json:"line_count"`
	DurationMin int `json:"duration_min,omitempty"`
}

// Empty reports whether no estimate was provided
func (e SizeEstimate) Empty() bool {
	return e.FileCount == 0 && e.LineCount == 0 && e.DurationMin == 0
}

// DependencyProfile counts dependency-related complexity signals
type DependencyProfile struct {
	ExternalIntegrations int `json:"external_integrations"`
	SchemaChanges        int `json:"schema_changes"`
	ThirdPartyUpgrades   int `json:"third_party_upgrades"`
	CrossModuleDeps      int `json:"cross_module_deps"`
}

// TestingProfile counts the testing burden of a unit
type TestingProfile struct {
	UnitTestFiles        int  `json:"unit_test_files"`
	IntegrationScenarios int  `json:"integration_scenarios"`
	MockingRequired      bool `json:"mocking_required"`
	EndToEndScenarios    int  `json:"end_to_end_scenarios"`
}

// IntegrationProfile counts integration-risk signals
type IntegrationProfile struct {
	SharedInterfaceChanges int `json:"shared_interface_changes"`
	CrossCuttingConcerns   int `json:"cross_cutting_concerns"`
}

// UncertaintyProfile flags sources of uncertainty
type UncertaintyProfile struct {
	UnfamiliarTech      int  `json:"unfamiliar_tech"`
	UnclearRequirements int  `json:"unclear_requirements"`
	MissingDocs         int  `json:"missing_docs"`
	RequiresResearch    bool `json:"requires_research"`
}

// ComplexityScore holds the five weighted sub-scores and their sum
type ComplexityScore struct {
	FileImpact  int `json:"file_impact"`
	Dependency  int `json:"dependency"`
	Testing     int `json:"testing"`
	Integration int `json:"integration"`
	Uncertainty int `json:"uncertainty"`
	Total       int `json:"total"`
}

// Sum returns the sub-score sum; Total must always equal it
func (c ComplexityScore) Sum() int {
	return c.FileImpact + c.Dependency + c.Testing + c.Integration + c.Uncertainty
}

// WorkUnit is the atomic schedulable item of a decomposed task
type WorkUnit struct {
	ID          string        `json:"id" db:"id"`
	TaskID      string        `json:"task_id" db:"task_id"`
	Title       string        `json:"title" db:"title"`
	Description string        `json:"description" db:"description"`
	Prereqs     []string      `json:"prereqs,omitempty" db:"-"` // Prerequisite unit IDs (forms a DAG)
	Files       []FileChange  `json:"files,omitempty" db:"-"`
	Estimate    SizeEstimate  `json:"estimate" db:"-"`
	Ownership   OwnershipMode `json:"ownership" db:"ownership"`

	Deps        DependencyProfile  `json:"deps" db:"-"`
	Testing     TestingProfile     `json:"testing" db:"-"`
	Integration IntegrationProfile `json:"integration" db:"-"`
	Uncertainty UncertaintyProfile `json:"uncertainty" db:"-"`

	// Annotated by the Scorer and the Workspace Manager respectively
	Score       *ComplexityScore `json:"score,omitempty" db:"-"`
	WorkspaceID string           `json:"workspace_id,omitempty" db:"workspace_id"`

	Status      UnitStatus `json:"status" db:"status"`
	Attempts    int        `json:"attempts" db:"attempts"`
	MaxAttempts int        `json:"max_attempts" db:"max_attempts"`
	LastError   string     `json:"last_error,omitempty" db:"last_error"`
	ClaimedBy   string     `json:"claimed_by,omitempty" db:"claimed_by"`
	ClaimedAt   *int64     `json:"claimed_at,omitempty" db:"claimed_at"`
	CreatedAt   int64      `json:"created_at" db:"created_at"`
	UpdatedAt   int64      `json:"updated_at" db:"updated_at"`
}

// EstimatedFiles returns the effective file count checked against the unit size limits
func (u *WorkUnit) EstimatedFiles() int {
	if len(u.Files) > 0 {
		return len(u.Files)
	}
	return u.Estimate.FileCount
}

// EstimatedLines returns the effective line estimate checked against the unit size limits
func (u *WorkUnit) EstimatedLines() int {
	if u.Estimate.LineCount > 0 {
		return u.Estimate.LineCount
	}
	// Rough per-file line weights when only concrete files are declared
	total := 0
	for _, f := range u.Files {
		switch f.Edit {
		case EditNew, EditSmall:
			total += 50
		case EditMedium:
			total += 150
		case EditLarge:
			total += 300
		}
	}
	return total
}

// Oversized reports whether the unit exceeds the per-unit file or line limits
func (u *WorkUnit) Oversized() bool {
	return u.EstimatedFiles() > MaxUnitFiles || u.EstimatedLines() > MaxUnitLines
}

// DeclaredPaths returns the unit's declared file paths
func (u *WorkUnit) DeclaredPaths() []string {
	paths := make([]string, 0, len(u.Files))
	for _, f := range u.Files {
		paths = append(paths, f.Path)
	}
	return paths
}

// TaskStatus represents the state of a top-level task
type TaskStatus string

const (
	TaskStatusOpen      TaskStatus = "open"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Task is the top-level request a plan decomposes into work units
type Task struct {
	ID          string     `json:"id" db:"id"`
	Title       string     `json:"title" db:"title"`
	Description string     `json:"description" db:"description"`
	Hints       []string   `json:"hints,omitempty" db:"-"` // Prior-state layout hints
	Strategy    Strategy   `json:"strategy,omitempty" db:"strategy"`
	Rationale   string     `json:"rationale,omitempty" db:"rationale"`
	Status      TaskStatus `json:"status" db:"status"`
	CreatedAt   int64      `json:"created_at" db:"created_at"`
	UpdatedAt   int64      `json:"updated_at" db:"updated_at"`
}

// UnitPrerequisite represents a prerequisite edge in the unit DAG
type UnitPrerequisite struct {
	UnitID   string `json:"unit_id" db:"unit_id"`
	Requires string `json:"requires" db:"requires"`
}

// TaskSummary summarizes the units of a single task
type TaskSummary struct {
	Task       Task    `json:"task"`
	Total      int     `json:"total"`
	Pending    int     `json:"pending"`
	Ready      int     `json:"ready"`
	Executing  int     `json:"executing"`
	Verifying  int     `json:"verifying"`
	Integrated int     `json:"integrated"`
	Merged     int     `json:"merged"`
	Rejected   int     `json:"rejected"`
	Progress   float64 `json:"progress"`
}
