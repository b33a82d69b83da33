package types

// ClaimOrigin records how a file ownership claim came to be known
type ClaimOrigin string

const (
	// ClaimDeclared means the claim was declared at planning time
	ClaimDeclared ClaimOrigin = "declared"
	// ClaimDiscovered means the claim surfaced from the executor's actual touched files
	ClaimDiscovered ClaimOrigin = "discovered-at-runtime"
)

// FileOwnershipClaim asserts exclusive ownership of a path (or glob pattern)
// by a single work unit while that unit is active
type FileOwnershipClaim struct {
	ID        string        `json:"id" db:"id"`
	UnitID    string        `json:"unit_id" db:"unit_id"`
	Pattern   string        `json:"pattern" db:"pattern"`
	Mode      OwnershipMode `json:"mode" db:"mode"`
	Origin    ClaimOrigin   `json:"origin" db:"origin"`
	CreatedAt int64         `json:"created_at" db:"created_at"`
}

// ConflictOrigin records which detection pass found a conflict
type ConflictOrigin string

const (
	ConflictStatic  ConflictOrigin = "static"  // Planning-time pass over declared claims
	ConflictDynamic ConflictOrigin = "dynamic" // Execution-time pass over discovered claims
)

// Conflict is an overlap between two units' exclusive claims.
// UnitA sorts before UnitB so the same pair is reported identically
// regardless of detection direction.
type Conflict struct {
	ID         string         `json:"id" db:"id"`
	UnitA      string         `json:"unit_a" db:"unit_a"`
	UnitB      string         `json:"unit_b" db:"unit_b"`
	Paths      []string       `json:"paths" db:"-"` // Overlapping paths or patterns
	Origin     ConflictOrigin `json:"origin" db:"origin"`
	DetectedAt int64          `json:"detected_at" db:"detected_at"`
}

// Involves reports whether the conflict involves the given unit
func (c *Conflict) Involves(unitID string) bool {
	return c.UnitA == unitID || c.UnitB == unitID
}
