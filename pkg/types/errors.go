package types

import (
	"fmt"
	"strings"
)

// SplitAxis suggests how an oversized unit should be split
type SplitAxis string

const (
	SplitByLayer          SplitAxis = "by-layer"
	SplitByResponsibility SplitAxis = "by-responsibility"
	SplitByFile           SplitAxis = "by-file"
)

// UnitTooLargeError reports a unit that violates the size invariant.
// Non-fatal: the caller re-decomposes along the suggested axis.
type UnitTooLargeError struct {
	UnitID    string
	Title     string
	FileCount int
	LineCount int
	Suggested SplitAxis
}

func (e *UnitTooLargeError) Error() string {
	return fmt.Sprintf("unit %s %q too large: %d files (max %d), %d lines (max %d); split %s",
		e.UnitID, e.Title, e.FileCount, MaxUnitFiles, e.LineCount, MaxUnitLines, e.Suggested)
}

// ScoreUnavailableError reports a unit too malformed to score.
// Fatal for that unit only; sibling units are unaffected.
type ScoreUnavailableError struct {
	UnitID string
	Reason string
}

func (e *ScoreUnavailableError) Error() string {
	return fmt.Sprintf("score unavailable for unit %s: %s", e.UnitID, e.Reason)
}

// OwnershipConflictError reports overlapping exclusive claims between two units.
// Triggers re-scheduling and strategy escalation, never data loss.
type OwnershipConflictError struct {
	Conflict *Conflict
}

func (e *OwnershipConflictError) Error() string {
	return fmt.Sprintf("ownership conflict between %s and %s on %s",
		e.Conflict.UnitA, e.Conflict.UnitB, strings.Join(e.Conflict.Paths, ", "))
}

// GateFailedError reports a failed gate attempt. Recoverable: the unit returns
// to the producing actor and re-enters the same gate, bounded by the retry budget.
type GateFailedError struct {
	UnitID  string
	Gate    Gate
	Attempt int
	Issues  []BlockingIssue
}

func (e *GateFailedError) Error() string {
	return fmt.Sprintf("gate %s failed for unit %s (attempt %d): %s",
		e.Gate, e.UnitID, e.Attempt, summarizeIssues(e.Issues))
}

// GateExhaustedError reports a unit that used up its retry budget at a gate.
// Terminal: the unit becomes rejected and is excluded from merging.
type GateExhaustedError struct {
	UnitID   string
	Gate     Gate
	Attempts int
	Issues   []BlockingIssue
}

func (e *GateExhaustedError) Error() string {
	return fmt.Sprintf("gate %s exhausted for unit %s after %d attempts: %s",
		e.Gate, e.UnitID, e.Attempts, summarizeIssues(e.Issues))
}

// MergeIncompatibleError reports a merge that failed at consolidation time.
// Halts the dependent subgraph; names the failing unit.
type MergeIncompatibleError struct {
	UnitID string
	Reason string
	Cause  error
}

func (e *MergeIncompatibleError) Error() string {
	return fmt.Sprintf("merge incompatible for unit %s: %s", e.UnitID, e.Reason)
}

func (e *MergeIncompatibleError) Unwrap() error {
	return e.Cause
}

func summarizeIssues(issues []BlockingIssue) string {
	if len(issues) == 0 {
		return "no issues reported"
	}
	parts := make([]string, 0, len(issues))
	for _, issue := range issues {
		parts = append(parts, issue.Text)
	}
	s := strings.Join(parts, "; ")
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
