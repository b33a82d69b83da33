package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloud-shuttle/foreman/internal/backpressure"
	"github.com/cloud-shuttle/foreman/pkg/telemetry"
	"github.com/cloud-shuttle/foreman/pkg/types"
	"go.opentelemetry.io/otel/attribute"
)

// CommandAgent runs any executable that honors the unit contract:
//
//   - the rendered prompt arrives as the final argument
//   - the unit arrives as JSON on stdin
//   - FOREMAN_UNIT_ID, FOREMAN_TASK_ID, FOREMAN_UNIT_FILES and
//     FOREMAN_WORKSPACE are set in the environment
//   - the exit code reports success
//   - an optional JSON object with "modified_paths" in the output
//     names the files it touched
//
// Remediation fix steps and vendor CLIs other than claude both run
// through this agent.
type CommandAgent struct {
	path       string
	args       []string
	timeout    time.Duration
	slow       time.Duration
	guidelines string
	verbose    bool
}

// NewCommandAgent creates an agent around an arbitrary executable.
func NewCommandAgent(path string, args []string, timeout time.Duration) *CommandAgent {
	return &CommandAgent{
		path:    path,
		args:    args,
		timeout: timeout,
	}
}

// SetVerbose enables or disables verbose logging.
func (a *CommandAgent) SetVerbose(v bool) {
	a.verbose = v
}

// SetGuidelines sets project guidelines prepended to every prompt.
func (a *CommandAgent) SetGuidelines(guidelines string) {
	a.guidelines = guidelines
}

// Execute runs one work unit inside its workspace and returns the
// normalized result.
func (a *CommandAgent) Execute(ctx context.Context, workspacePath string, unit *types.WorkUnit) *Result {
	name := filepath.Base(a.path)

	ctx, span := telemetry.StartAgentSpan(ctx, telemetry.AgentTypeCommand, name,
		attribute.String(telemetry.KeyUnitID, unit.ID),
		attribute.String(telemetry.KeyTaskID, unit.TaskID),
	)
	defer span.End()

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	prompt := buildUnitPrompt(unit, a.guidelines)

	if a.verbose {
		log.Printf("🤖 Sending unit %s to %s (prompt: %d chars)", unit.ID, name, len(prompt))
	}

	args := append(append([]string{}, a.args...), prompt)
	cmd := exec.CommandContext(ctx, a.path, args...)
	cmd.Dir = workspacePath
	cmd.Env = append(os.Environ(),
		"FOREMAN_UNIT_ID="+unit.ID,
		"FOREMAN_TASK_ID="+unit.TaskID,
		"FOREMAN_UNIT_FILES="+strings.Join(unit.DeclaredPaths(), ","),
		"FOREMAN_WORKSPACE="+workspacePath,
	)

	// Structured consumers read the unit from stdin instead of
	// re-parsing the prompt
	if unitJSON, err := json.Marshal(unit); err == nil {
		cmd.Stdin = strings.NewReader(string(unitJSON))
	}

	var outputBuf, errBuf strings.Builder
	cmd.Stdout = io.MultiWriter(os.Stdout, &outputBuf)
	cmd.Stderr = io.MultiWriter(os.Stderr, &errBuf)

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	output := outputBuf.String() + errBuf.String()
	signal := backpressure.Classify(output, duration, err, a.slow)

	if err != nil {
		exitCode := 1
		if exitError, ok := err.(*exec.ExitError); ok {
			exitCode = exitError.ExitCode()
		}
		if a.verbose {
			log.Printf("❌ %s exited with code %d after %v", name, exitCode, duration)
		}

		if ctx.Err() == context.DeadlineExceeded {
			if signal == backpressure.SignalOK {
				signal = backpressure.SignalAPIError
			}
			timeoutErr := fmt.Errorf("%s timed out after %v", name, duration)
			telemetry.RecordError(span, timeoutErr, "TimeoutError", telemetry.ErrorCategoryTimeout)
			return &Result{
				Success:  false,
				Output:   output,
				Error:    timeoutErr,
				Duration: duration,
				Signal:   signal,
			}
		}

		telemetry.RecordError(span, err, "ExecutionError", telemetry.ErrorCategoryAgent)
		return &Result{
			Success:  false,
			Output:   output,
			Error:    fmt.Errorf("%s failed after %v: %w", name, duration, err),
			Duration: duration,
			Signal:   signal,
		}
	}

	if a.verbose {
		log.Printf("✅ %s completed in %v", name, duration)
	}

	return &Result{
		Success:       true,
		Output:        output,
		Duration:      duration,
		ModifiedPaths: parseModifiedPaths(output),
		Signal:        signal,
	}
}

// CheckInstalled verifies the command resolves to an executable.
func (a *CommandAgent) CheckInstalled() error {
	if _, err := exec.LookPath(a.path); err != nil {
		return fmt.Errorf("agent command %s not found: %w", a.path, err)
	}
	return nil
}
