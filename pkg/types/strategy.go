package types

// Strategy is the concurrency/isolation mode for executing a set of work units
type Strategy string

const (
	// StrategyDirect executes units sequentially in the ambient context, no isolation
	StrategyDirect Strategy = "direct"
	// StrategySharedBranch executes units concurrently against one shared workspace,
	// with exclusive file ownership arbitrating safety
	StrategySharedBranch Strategy = "shared-branch"
	// StrategyIsolatedWorkspace gives each unit its own workspace, merged sequentially
	StrategyIsolatedWorkspace Strategy = "isolated-workspace"
)

// Valid reports whether the strategy is a known value
func (s Strategy) Valid() bool {
	switch s {
	case StrategyDirect, StrategySharedBranch, StrategyIsolatedWorkspace:
		return true
	}
	return false
}

// StrategyDecision is a selected strategy plus the mandatory explanation of
// which thresholds triggered it. Downstream consolidation planning depends on
// knowing why a strategy was chosen, so the rationale is never empty.
type StrategyDecision struct {
	Strategy  Strategy `json:"strategy"`
	Rationale string   `json:"rationale"`
	Trigger   string   `json:"trigger"` // Short machine tag: "conflict-override", "score-low", ...
	Escalated bool     `json:"escalated,omitempty"`
	DecidedAt int64    `json:"decided_at"`
}
