// Package db provides database utilities for Foreman
package db

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// unitIDPattern matches unit IDs like:
// - task-1724500000000000000-u1 (first unit of a task)
// - task-1724500000000000000-u12
var unitIDPattern = regexp.MustCompile(`^(.+)-u(\d+)$`)

// ParseUnitID extracts the owning task ID and unit sequence number from a
// unit ID.
//
// Examples:
//
//	"task-17245-u1"  -> ("task-17245", 1, nil)
//	"task-17245-u12" -> ("task-17245", 12, nil)
//	"task-17245"     -> ("", 0, error)
func ParseUnitID(id string) (string, int, error) {
	matches := unitIDPattern.FindStringSubmatch(id)
	if matches == nil {
		return "", 0, fmt.Errorf("invalid unit ID format: %s", id)
	}

	seq, err := strconv.Atoi(matches[2])
	if err != nil {
		return "", 0, fmt.Errorf("invalid unit sequence in %s: %w", id, err)
	}

	return matches[1], seq, nil
}

// TaskIDOf returns the owning task ID for a unit ID, or the input unchanged
// when it is not a unit ID (callers pass task and unit IDs interchangeably)
func TaskIDOf(id string) string {
	taskID, _, err := ParseUnitID(id)
	if err != nil {
		return id
	}
	return taskID
}

// UnitSeq returns the unit's sequence number within its task, or 0 when the
// ID is not a unit ID
func UnitSeq(id string) int {
	_, seq, err := ParseUnitID(id)
	if err != nil {
		return 0
	}
	return seq
}

// IsUnitID reports whether the ID names a work unit rather than a task
func IsUnitID(id string) bool {
	return unitIDPattern.MatchString(id)
}

// UnitID builds a unit ID from its task and sequence number.
// Sequence numbers are 1-indexed plan positions.
func UnitID(taskID string, seq int) string {
	return fmt.Sprintf("%s-u%d", taskID, seq)
}

// ShortID trims the nano-timestamp noise out of an ID for display.
// "task-1724500000000000000-u3" becomes "task-…-u3"; short IDs pass through.
func ShortID(id string) string {
	parts := strings.Split(id, "-")
	for i, part := range parts {
		if len(part) >= 15 && isDigits(part) {
			parts[i] = "…"
		}
	}
	return strings.Join(parts, "-")
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
