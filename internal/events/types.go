// Package events provides in-process pub/sub for the unit lifecycle:
// planning, execution, gates, conflicts and consolidation.
package events

import (
	"encoding/json"
	"time"
)

// EventType names one kind of lifecycle event
type EventType string

const (
	// EventTaskStarted is emitted when orchestration of a task begins
	EventTaskStarted EventType = "task.started"
	// EventTaskCompleted is emitted when every unit reached a terminal state
	EventTaskCompleted EventType = "task.completed"
	// EventTaskFailed is emitted when orchestration aborts
	EventTaskFailed EventType = "task.failed"

	// EventPlanReady is emitted when decomposition produced the unit DAG
	EventPlanReady EventType = "plan.ready"
	// EventStrategySelected is emitted when the execution strategy is decided
	EventStrategySelected EventType = "strategy.selected"
	// EventConflictDetected is emitted when units claim overlapping files
	EventConflictDetected EventType = "conflict.detected"

	// EventUnitStarted is emitted when an agent begins executing a unit
	EventUnitStarted EventType = "unit.started"
	// EventUnitExecuted is emitted when the agent produced its changes
	EventUnitExecuted EventType = "unit.executed"
	// EventUnitIntegrated is emitted when a unit passes every gate
	EventUnitIntegrated EventType = "unit.integrated"
	// EventUnitMerged is emitted when a unit's work lands on the integration point
	EventUnitMerged EventType = "unit.merged"
	// EventUnitRejected is emitted when a unit fails terminally
	EventUnitRejected EventType = "unit.rejected"
	// EventUnitCancelled is emitted when a prerequisite's failure cancels a unit
	EventUnitCancelled EventType = "unit.cancelled"

	// EventGatePassed is emitted on each passing gate verdict
	EventGatePassed EventType = "gate.passed"
	// EventGateFailed is emitted on each failing gate verdict
	EventGateFailed EventType = "gate.failed"

	// EventMergeFailed is emitted when consolidation refuses a branch
	EventMergeFailed EventType = "merge.failed"

	// EventWorkspaceProvisioned is emitted when an isolation workspace is created
	EventWorkspaceProvisioned EventType = "workspace.provisioned"
	// EventWorkspaceReclaimed is emitted when a workspace's disk is freed
	EventWorkspaceReclaimed EventType = "workspace.reclaimed"
)

// Event is one occurrence in a task's lifecycle
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp int64          `json:"timestamp"`
	TaskID    string         `json:"task_id"`
	UnitID    string         `json:"unit_id,omitempty"`
	Gate      string         `json:"gate,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// New creates an event stamped with the current time
func New(eventType EventType, taskID, unitID string, data map[string]any) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now().Unix(),
		TaskID:    taskID,
		UnitID:    unitID,
		Data:      data,
	}
}

// WithGate annotates the event with the gate it concerns
func (e *Event) WithGate(gate string) *Event {
	e.Gate = gate
	return e
}

// MarshalData encodes the Data map for storage
func (e *Event) MarshalData() ([]byte, error) {
	if len(e.Data) == 0 {
		return nil, nil
	}
	return json.Marshal(e.Data)
}

// UnmarshalData decodes stored data into the Data map
func (e *Event) UnmarshalData(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, &e.Data)
}

// Filter selects a subset of the stream. Zero values match everything.
type Filter struct {
	Types  []EventType `json:"types,omitempty"`
	TaskID string      `json:"task_id,omitempty"`
	UnitID string      `json:"unit_id,omitempty"`
	Gate   string      `json:"gate,omitempty"`
	Since  int64       `json:"since,omitempty"`
	Until  int64       `json:"until,omitempty"`
}

// Matches reports whether the event passes the filter
func (f *Filter) Matches(e *Event) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.TaskID != "" && e.TaskID != f.TaskID {
		return false
	}
	if f.UnitID != "" && e.UnitID != f.UnitID {
		return false
	}
	if f.Gate != "" && e.Gate != f.Gate {
		return false
	}
	if f.Since > 0 && e.Timestamp < f.Since {
		return false
	}
	if f.Until > 0 && e.Timestamp > f.Until {
		return false
	}
	return true
}
