package callbacks

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

// LoggingConfig configures the structured logging callback
type LoggingConfig struct {
	// Output destination (defaults to stdout)
	Writer io.Writer
	// Enable pretty-printing for development
	Pretty bool
}

// StructuredLoggingCallback implements Callback with JSON-formatted
// logs, one object per line, for easy parsing by external tools.
type StructuredLoggingCallback struct {
	config LoggingConfig
	mu     sync.Mutex
	logger *log.Logger
}

// NewStructuredLoggingCallback creates a new structured logging callback
func NewStructuredLoggingCallback(config LoggingConfig) *StructuredLoggingCallback {
	writer := config.Writer
	if writer == nil {
		writer = os.Stdout
	}
	return &StructuredLoggingCallback{
		config: config,
		logger: log.New(writer, "", 0),
	}
}

// logEvent writes a structured log entry
func (c *StructuredLoggingCallback) logEvent(eventType EventType, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := map[string]any{
		"event":     eventType,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}

	switch v := data.(type) {
	case *TaskEventContext:
		entry["task_id"] = v.TaskID
		entry["title"] = v.Title
		if v.Strategy != "" {
			entry["strategy"] = v.Strategy
		}
		if v.UnitCount > 0 {
			entry["units"] = v.UnitCount
			entry["integrated"] = v.Integrated
			entry["rejected"] = v.Rejected
		}
		if v.Duration != nil {
			entry["duration_ms"] = v.Duration.Milliseconds()
		}
		if v.Error != "" {
			entry["error"] = v.Error
		}
		if len(v.Metadata) > 0 {
			entry["metadata"] = v.Metadata
		}

	case *UnitEventContext:
		entry["unit_id"] = v.UnitID
		entry["task_id"] = v.TaskID
		entry["title"] = v.Title
		if v.Strategy != "" {
			entry["strategy"] = v.Strategy
		}
		if v.PrevStatus != "" || v.NewStatus != "" {
			entry["prev_status"] = v.PrevStatus
			entry["new_status"] = v.NewStatus
		}
		if v.Attempt > 0 {
			entry["attempt"] = v.Attempt
		}
		if v.Duration != nil {
			entry["duration_ms"] = v.Duration.Milliseconds()
		}
		if v.Error != "" {
			entry["error"] = v.Error
			entry["error_type"] = v.ErrorType
			entry["error_category"] = v.ErrorCategory
		}
		if len(v.Metadata) > 0 {
			entry["metadata"] = v.Metadata
		}

	case *GateEventContext:
		entry["unit_id"] = v.UnitID
		entry["task_id"] = v.TaskID
		entry["gate"] = v.Gate
		entry["verdict"] = v.Verdict
		entry["attempt"] = v.Attempt
		entry["max_attempts"] = v.MaxAttempts
		if len(v.BlockingIssues) > 0 {
			entry["blocking_issues"] = v.BlockingIssues
		}
		if v.Summary != "" {
			entry["summary"] = v.Summary
		}

	case *MergeEventContext:
		entry["unit_id"] = v.UnitID
		entry["task_id"] = v.TaskID
		entry["branch"] = v.Branch
		entry["reason"] = v.Reason
		if len(v.Conflicts) > 0 {
			entry["conflicts"] = v.Conflicts
		}
	}

	var output []byte
	var err error
	if c.config.Pretty {
		output, err = json.MarshalIndent(entry, "", "  ")
	} else {
		output, err = json.Marshal(entry)
	}
	if err != nil {
		return fmt.Errorf("marshaling log entry: %w", err)
	}

	c.logger.Println(string(output))
	return nil
}

func (c *StructuredLoggingCallback) OnTaskStarted(ctx *TaskEventContext) error {
	return c.logEvent(EventTaskStarted, ctx)
}

func (c *StructuredLoggingCallback) OnTaskCompleted(ctx *TaskEventContext) error {
	return c.logEvent(EventTaskCompleted, ctx)
}

func (c *StructuredLoggingCallback) OnTaskFailed(ctx *TaskEventContext) error {
	return c.logEvent(EventTaskFailed, ctx)
}

func (c *StructuredLoggingCallback) OnUnitStarted(ctx *UnitEventContext) error {
	return c.logEvent(EventUnitStarted, ctx)
}

func (c *StructuredLoggingCallback) OnUnitExecuted(ctx *UnitEventContext) error {
	return c.logEvent(EventUnitExecuted, ctx)
}

func (c *StructuredLoggingCallback) OnUnitIntegrated(ctx *UnitEventContext) error {
	return c.logEvent(EventUnitIntegrated, ctx)
}

func (c *StructuredLoggingCallback) OnUnitMerged(ctx *UnitEventContext) error {
	return c.logEvent(EventUnitMerged, ctx)
}

func (c *StructuredLoggingCallback) OnUnitRejected(ctx *UnitEventContext) error {
	return c.logEvent(EventUnitRejected, ctx)
}

func (c *StructuredLoggingCallback) OnUnitCancelled(ctx *UnitEventContext) error {
	return c.logEvent(EventUnitCancelled, ctx)
}

func (c *StructuredLoggingCallback) OnGatePassed(ctx *GateEventContext) error {
	return c.logEvent(EventGatePassed, ctx)
}

func (c *StructuredLoggingCallback) OnGateFailed(ctx *GateEventContext) error {
	return c.logEvent(EventGateFailed, ctx)
}

func (c *StructuredLoggingCallback) OnMergeFailed(ctx *MergeEventContext) error {
	return c.logEvent(EventMergeFailed, ctx)
}
