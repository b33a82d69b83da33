package types

// UnitOutcome is the terminal status of one unit in the integration report
type UnitOutcome struct {
	UnitID      string       `json:"unit_id"`
	Title       string       `json:"title"`
	Status      UnitStatus   `json:"status"`
	Reason      string       `json:"reason,omitempty"` // Populated for rejected/cancelled units
	GateHistory []GateResult `json:"gate_history,omitempty"`
}

// MergeRecord is one entry of the consolidation order
type MergeRecord struct {
	Position int    `json:"position"`
	UnitID   string `json:"unit_id"`
	Branch   string `json:"branch,omitempty"`
	MergedAt int64  `json:"merged_at"`
}

// IntegrationReport is the structured outcome handed back to the caller.
// Silent partial success is disallowed: every unit appears with a terminal
// status, and rejected units carry their reason.
type IntegrationReport struct {
	ID         string           `json:"id"`
	TaskID     string           `json:"task_id"`
	TaskTitle  string           `json:"task_title"`
	Strategy   StrategyDecision `json:"strategy"`
	Units      []UnitOutcome    `json:"units"`
	MergeOrder []MergeRecord    `json:"merge_order"`
	Conflicts  []Conflict       `json:"conflicts,omitempty"`
	Integrated int              `json:"integrated"`
	Rejected   int              `json:"rejected"`
	CreatedAt  int64            `json:"created_at"`
}
