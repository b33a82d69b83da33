// Package report assembles the final integration report for a task:
// the strategy with its rationale, per-unit gate history, merge order
// and terminal statuses. Every unit appears in the report; silent
// partial success is disallowed.
package report

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cloud-shuttle/foreman/internal/db"
	"github.com/cloud-shuttle/foreman/pkg/types"
)

// Builder assembles integration reports from the store.
type Builder struct {
	store *db.Store
}

// NewBuilder creates a report builder.
func NewBuilder(store *db.Store) *Builder {
	return &Builder{store: store}
}

// Build assembles the report for a task. mergeOrder is the consolidation
// coordinator's live record; pass nil to reconstruct the order from the
// durable event log instead.
func (b *Builder) Build(taskID string, mergeOrder []types.MergeRecord) (*types.IntegrationReport, error) {
	task, err := b.store.GetTask(taskID)
	if err != nil {
		return nil, fmt.Errorf("loading task: %w", err)
	}

	units, err := b.store.ListUnits(taskID)
	if err != nil {
		return nil, fmt.Errorf("loading units: %w", err)
	}

	report := &types.IntegrationReport{
		TaskID:    task.ID,
		TaskTitle: task.Title,
		Strategy: types.StrategyDecision{
			Strategy:  task.Strategy,
			Rationale: task.Rationale,
		},
		CreatedAt: time.Now().Unix(),
	}

	unitSet := make(map[string]bool, len(units))
	for _, unit := range units {
		unitSet[unit.ID] = true

		history, err := b.store.GetGateHistory(unit.ID)
		if err != nil {
			return nil, fmt.Errorf("gate history for %s: %w", unit.ID, err)
		}

		outcome := types.UnitOutcome{
			UnitID:      unit.ID,
			Title:       unit.Title,
			Status:      unit.Status,
			GateHistory: history,
		}
		switch unit.Status {
		case types.UnitStatusMerged, types.UnitStatusIntegrated:
			report.Integrated++
		case types.UnitStatusRejected, types.UnitStatusCancelled:
			outcome.Reason = unit.LastError
			report.Rejected++
		}
		report.Units = append(report.Units, outcome)
	}

	if mergeOrder == nil {
		mergeOrder, err = b.rebuildMergeOrder(taskID, units)
		if err != nil {
			return nil, err
		}
	}
	report.MergeOrder = mergeOrder

	all, err := b.store.ListConflicts()
	if err != nil {
		return nil, fmt.Errorf("loading conflicts: %w", err)
	}
	for _, c := range all {
		if unitSet[c.UnitA] || unitSet[c.UnitB] {
			report.Conflicts = append(report.Conflicts, c)
		}
	}

	return report, nil
}

// rebuildMergeOrder reconstructs the merge sequence from the event log.
// Merge events were appended in merge order, so their insertion order is
// the consolidation order.
func (b *Builder) rebuildMergeOrder(taskID string, units []*types.WorkUnit) ([]types.MergeRecord, error) {
	events, err := b.store.ListEvents(taskID, 10000)
	if err != nil {
		return nil, fmt.Errorf("loading events: %w", err)
	}

	branches := make(map[string]string)
	for _, u := range units {
		if u.WorkspaceID == "" {
			continue
		}
		if ws, err := b.store.GetWorkspace(u.WorkspaceID); err == nil {
			branches[u.ID] = ws.Branch
		}
	}

	// ListEvents returns newest first
	var order []types.MergeRecord
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if e.Kind != "unit_merged" {
			continue
		}
		order = append(order, types.MergeRecord{
			Position: len(order) + 1,
			UnitID:   e.UnitID,
			Branch:   branches[e.UnitID],
			MergedAt: e.CreatedAt,
		})
	}
	return order, nil
}

// Save persists the report for later retrieval by `foreman report`.
func (b *Builder) Save(report *types.IntegrationReport) error {
	return b.store.SaveReport(report)
}

// Render formats the report for human display
func Render(r *types.IntegrationReport) string {
	var sb strings.Builder

	sb.WriteString("\n╔════════════════════════════════════════════════════════════╗\n")
	sb.WriteString(fmt.Sprintf("║  Integration Report: %s\n", r.TaskID))
	sb.WriteString("╠════════════════════════════════════════════════════════════╣\n")
	sb.WriteString(fmt.Sprintf("║  Task: %s\n", r.TaskTitle))
	if r.Strategy.Strategy != "" {
		sb.WriteString(fmt.Sprintf("║  Strategy: %s\n", r.Strategy.Strategy))
	}
	if r.Strategy.Rationale != "" {
		sb.WriteString(fmt.Sprintf("║  Rationale: %s\n", r.Strategy.Rationale))
	}
	sb.WriteString("╠════════════════════════════════════════════════════════════╣\n")
	sb.WriteString(fmt.Sprintf("║  Units: %d | Integrated: %d | Rejected: %d\n",
		len(r.Units), r.Integrated, r.Rejected))
	sb.WriteString("╠────────────────────────────────────────────────────────────────╣\n")

	for _, u := range r.Units {
		sb.WriteString(fmt.Sprintf("║  %s %s: %s\n", statusIcon(u.Status), u.UnitID, u.Title))
		for _, g := range u.GateHistory {
			sb.WriteString(fmt.Sprintf("║      %s %s (attempt %d)\n", g.Verdict.Icon(), g.Gate, g.Attempt))
			for _, issue := range g.BlockingIssues {
				sb.WriteString(fmt.Sprintf("║        - %s\n", issue.Text))
			}
		}
		if u.Reason != "" {
			sb.WriteString(fmt.Sprintf("║      ⚠️  %s\n", u.Reason))
		}
	}

	if len(r.MergeOrder) > 0 {
		sb.WriteString("╠────────────────────────────────────────────────────────────────╣\n")
		sb.WriteString("║  Merge Order:\n")
		for _, m := range r.MergeOrder {
			line := fmt.Sprintf("║    %d. %s", m.Position, m.UnitID)
			if m.Branch != "" {
				line += fmt.Sprintf(" (from %s)", m.Branch)
			}
			sb.WriteString(line + "\n")
		}
	}

	if len(r.Conflicts) > 0 {
		sb.WriteString("╠────────────────────────────────────────────────────────────────╣\n")
		sb.WriteString("║  Conflicts Encountered:\n")
		for _, c := range r.Conflicts {
			sb.WriteString(fmt.Sprintf("║    ⚠️  %s / %s: %s (%s)\n",
				c.UnitA, c.UnitB, strings.Join(c.Paths, ", "), c.Origin))
		}
	}

	sb.WriteString("╚════════════════════════════════════════════════════════════╝\n")

	return sb.String()
}

// ToJSON converts a report to indented JSON for export
func ToJSON(r *types.IntegrationReport) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling report: %w", err)
	}
	return string(data), nil
}

func statusIcon(s types.UnitStatus) string {
	switch s {
	case types.UnitStatusMerged:
		return "✅"
	case types.UnitStatusIntegrated:
		return "📦"
	case types.UnitStatusRejected:
		return "❌"
	case types.UnitStatusCancelled:
		return "🚫"
	default:
		return "⏳"
	}
}
