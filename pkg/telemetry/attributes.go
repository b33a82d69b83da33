// Package telemetry provides OpenTelemetry observability for Foreman
package telemetry

import "go.opentelemetry.io/otel/attribute"

// Semantic convention keys for Foreman-specific attributes
const (
	// Project attributes
	KeyProjectID   = "foreman.project.id"
	KeyProjectPath = "foreman.project.path"
	KeyProjectName = "foreman.project.name"

	// Task attributes
	KeyTaskID    = "foreman.task.id"
	KeyTaskTitle = "foreman.task.title"
	KeyStrategy  = "foreman.task.strategy"

	// Unit attributes
	KeyUnitID      = "foreman.unit.id"
	KeyUnitTitle   = "foreman.unit.title"
	KeyUnitState   = "foreman.unit.state"
	KeyUnitScore   = "foreman.unit.score"
	KeyUnitAttempt = "foreman.unit.attempt"

	// Worker attributes
	KeyWorkerID    = "foreman.worker.id"
	KeyWorkerCount = "foreman.worker.count"

	// Workspace attributes
	KeyWorkspacePath   = "foreman.workspace.path"
	KeyWorkspaceID     = "foreman.workspace.id"
	KeyWorkspaceBranch = "foreman.workspace.branch"

	// Agent attributes
	KeyAgentType    = "foreman.agent.type"
	KeyAgentVariant = "foreman.agent.variant"

	// Gate attributes
	KeyGateName    = "foreman.gate.name"
	KeyGateVerdict = "foreman.gate.verdict"
	KeyGateAttempt = "foreman.gate.attempt"

	// Conflict attributes
	KeyConflictUnitA = "foreman.conflict.unit_a"
	KeyConflictUnitB = "foreman.conflict.unit_b"
	KeyConflictPaths = "foreman.conflict.paths"

	// Error attributes
	KeyErrorType     = "foreman.error.type"
	KeyErrorCategory = "foreman.error.category"
)

// Common attribute key values
const (
	// Agent types
	AgentTypeClaudeCode = "claude-code"
	AgentTypeCommand    = "command"
	AgentTypeScript     = "script"

	// Error categories
	ErrorCategoryAgent     = "agent"
	ErrorCategoryGit       = "git"
	ErrorCategoryWorkspace = "workspace"
	ErrorCategoryDatabase  = "database"
	ErrorCategoryGate      = "gate"
	ErrorCategoryMerge     = "merge"
	ErrorCategoryTimeout   = "timeout"
	ErrorCategoryUnknown   = "unknown"
)

// UnitAttrs returns a set of attributes for a work unit
func UnitAttrs(id, title, state string, score, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(KeyUnitID, id),
		attribute.String(KeyUnitTitle, title),
		attribute.String(KeyUnitState, state),
		attribute.Int(KeyUnitScore, score),
		attribute.Int(KeyUnitAttempt, attempt),
	}
}

// WorkerAttrs returns a set of attributes for a worker
func WorkerAttrs(workerID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(KeyWorkerID, workerID),
	}
}

// ProjectAttrs returns a set of attributes for a project
func ProjectAttrs(id, path, name string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(KeyProjectID, id),
		attribute.String(KeyProjectPath, path),
		attribute.String(KeyProjectName, name),
	}
}

// TaskAttrs returns a set of attributes for a task
func TaskAttrs(taskID, title string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(KeyTaskID, taskID),
		attribute.String(KeyTaskTitle, title),
	}
}
