// Package callbacks provides a hook system for orchestration lifecycle
// events. It lets observability integrations (OpenTelemetry, logging,
// metrics) attach to unit, gate and merge transitions without coupling
// the orchestrator to specific tools.
package callbacks

import (
	"time"
)

// EventType identifies one lifecycle event.
type EventType string

const (
	// Task lifecycle
	EventTaskStarted   EventType = "task.started"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"

	// Unit lifecycle
	EventUnitStarted    EventType = "unit.started"
	EventUnitExecuted   EventType = "unit.executed"
	EventUnitIntegrated EventType = "unit.integrated"
	EventUnitMerged     EventType = "unit.merged"
	EventUnitRejected   EventType = "unit.rejected"
	EventUnitCancelled  EventType = "unit.cancelled"

	// Gate verdicts
	EventGatePassed EventType = "gate.passed"
	EventGateFailed EventType = "gate.failed"

	// Consolidation
	EventMergeFailed EventType = "merge.failed"
)

// TaskEventContext describes a task-level event.
type TaskEventContext struct {
	TaskID   string
	Title    string
	Strategy string

	// Outcome counts, populated for completed/failed events
	UnitCount  int
	Integrated int
	Rejected   int

	Timestamp time.Time
	Duration  *time.Duration

	Error string

	Metadata map[string]string
}

// UnitEventContext describes a unit-level event.
type UnitEventContext struct {
	UnitID   string
	TaskID   string
	Title    string
	Strategy string

	PrevStatus string
	NewStatus  string

	WorkerIndex int
	Attempt     int

	Timestamp time.Time
	Duration  *time.Duration

	// Failure information for rejected/cancelled events
	Error         string
	ErrorType     string
	ErrorCategory string

	Metadata map[string]string
}

// GateEventContext describes one gate verdict.
type GateEventContext struct {
	UnitID string
	TaskID string

	Gate    string
	Verdict string

	Attempt     int
	MaxAttempts int

	BlockingIssues []string
	Summary        string

	Timestamp time.Time

	Metadata map[string]string
}

// MergeEventContext describes a refused consolidation merge.
type MergeEventContext struct {
	UnitID string
	TaskID string
	Branch string

	Position  int
	Conflicts []string
	Reason    string

	Timestamp time.Time

	Metadata map[string]string
}

// Callback receives lifecycle events. Implementations should be
// idempotent where possible and must not panic; a panic is contained
// by the registry but loses the event for that callback.
//
// Callbacks run synchronously on the orchestrator's goroutines, so
// long-running work belongs behind a channel or goroutine.
type Callback interface {
	OnTaskStarted(ctx *TaskEventContext) error
	OnTaskCompleted(ctx *TaskEventContext) error
	OnTaskFailed(ctx *TaskEventContext) error

	OnUnitStarted(ctx *UnitEventContext) error
	OnUnitExecuted(ctx *UnitEventContext) error
	OnUnitIntegrated(ctx *UnitEventContext) error
	OnUnitMerged(ctx *UnitEventContext) error
	OnUnitRejected(ctx *UnitEventContext) error
	OnUnitCancelled(ctx *UnitEventContext) error

	OnGatePassed(ctx *GateEventContext) error
	OnGateFailed(ctx *GateEventContext) error

	OnMergeFailed(ctx *MergeEventContext) error
}

// CallbackFunc adapts plain functions into a Callback. Only set the
// events you care about; unset methods return nil.
type CallbackFunc struct {
	OnTaskStartedFunc   func(*TaskEventContext) error
	OnTaskCompletedFunc func(*TaskEventContext) error
	OnTaskFailedFunc    func(*TaskEventContext) error

	OnUnitStartedFunc    func(*UnitEventContext) error
	OnUnitExecutedFunc   func(*UnitEventContext) error
	OnUnitIntegratedFunc func(*UnitEventContext) error
	OnUnitMergedFunc     func(*UnitEventContext) error
	OnUnitRejectedFunc   func(*UnitEventContext) error
	OnUnitCancelledFunc  func(*UnitEventContext) error

	OnGatePassedFunc func(*GateEventContext) error
	OnGateFailedFunc func(*GateEventContext) error

	OnMergeFailedFunc func(*MergeEventContext) error
}

func (c *CallbackFunc) OnTaskStarted(ctx *TaskEventContext) error {
	if c.OnTaskStartedFunc != nil {
		return c.OnTaskStartedFunc(ctx)
	}
	return nil
}

func (c *CallbackFunc) OnTaskCompleted(ctx *TaskEventContext) error {
	if c.OnTaskCompletedFunc != nil {
		return c.OnTaskCompletedFunc(ctx)
	}
	return nil
}

func (c *CallbackFunc) OnTaskFailed(ctx *TaskEventContext) error {
	if c.OnTaskFailedFunc != nil {
		return c.OnTaskFailedFunc(ctx)
	}
	return nil
}

func (c *CallbackFunc) OnUnitStarted(ctx *UnitEventContext) error {
	if c.OnUnitStartedFunc != nil {
		return c.OnUnitStartedFunc(ctx)
	}
	return nil
}

func (c *CallbackFunc) OnUnitExecuted(ctx *UnitEventContext) error {
	if c.OnUnitExecutedFunc != nil {
		return c.OnUnitExecutedFunc(ctx)
	}
	return nil
}

func (c *CallbackFunc) OnUnitIntegrated(ctx *UnitEventContext) error {
	if c.OnUnitIntegratedFunc != nil {
		return c.OnUnitIntegratedFunc(ctx)
	}
	return nil
}

func (c *CallbackFunc) OnUnitMerged(ctx *UnitEventContext) error {
	if c.OnUnitMergedFunc != nil {
		return c.OnUnitMergedFunc(ctx)
	}
	return nil
}

func (c *CallbackFunc) OnUnitRejected(ctx *UnitEventContext) error {
	if c.OnUnitRejectedFunc != nil {
		return c.OnUnitRejectedFunc(ctx)
	}
	return nil
}

func (c *CallbackFunc) OnUnitCancelled(ctx *UnitEventContext) error {
	if c.OnUnitCancelledFunc != nil {
		return c.OnUnitCancelledFunc(ctx)
	}
	return nil
}

func (c *CallbackFunc) OnGatePassed(ctx *GateEventContext) error {
	if c.OnGatePassedFunc != nil {
		return c.OnGatePassedFunc(ctx)
	}
	return nil
}

func (c *CallbackFunc) OnGateFailed(ctx *GateEventContext) error {
	if c.OnGateFailedFunc != nil {
		return c.OnGateFailedFunc(ctx)
	}
	return nil
}

func (c *CallbackFunc) OnMergeFailed(ctx *MergeEventContext) error {
	if c.OnMergeFailedFunc != nil {
		return c.OnMergeFailedFunc(ctx)
	}
	return nil
}
