package executor

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cloud-shuttle/foreman/internal/backpressure"
	"github.com/cloud-shuttle/foreman/pkg/telemetry"
	"github.com/cloud-shuttle/foreman/pkg/types"
	"go.opentelemetry.io/otel/attribute"
)

// ClaudeAgent runs work units through the Claude Code CLI.
type ClaudeAgent struct {
	path       string
	timeout    time.Duration
	slow       time.Duration
	verbose    bool
	guidelines string
}

// NewClaudeAgent creates a Claude Code agent. An empty path resolves
// "claude" from PATH.
func NewClaudeAgent(path string, timeout time.Duration) *ClaudeAgent {
	if path == "" {
		path = "claude"
	}
	return &ClaudeAgent{
		path:    path,
		timeout: timeout,
	}
}

// SetVerbose enables or disables verbose logging.
func (a *ClaudeAgent) SetVerbose(v bool) {
	a.verbose = v
}

// SetGuidelines sets project guidelines prepended to every prompt.
func (a *ClaudeAgent) SetGuidelines(guidelines string) {
	a.guidelines = guidelines
}

// Execute runs one work unit inside its workspace and returns the
// normalized result.
func (a *ClaudeAgent) Execute(ctx context.Context, workspacePath string, unit *types.WorkUnit) *Result {
	ctx, span := telemetry.StartAgentSpan(ctx, telemetry.AgentTypeClaudeCode, "cli",
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
		log.Printf("🤖 Sending unit %s to claude (prompt: %d chars)", unit.ID, len(prompt))
		log.Printf("📝 Prompt preview: %s", truncateString(prompt, 200))
	}

	// Run in print mode with the prompt as a positional argument.
	// --dangerously-skip-permissions keeps it from hanging on
	// permission prompts inside the workspace.
	cmd := exec.CommandContext(ctx, a.path, "-p", prompt, "--dangerously-skip-permissions")
	cmd.Dir = workspacePath

	// Capture output while streaming it for real-time viewing
	var outputBuf, errBuf strings.Builder
	cmd.Stdout = io.MultiWriter(os.Stdout, &outputBuf)
	cmd.Stderr = io.MultiWriter(os.Stderr, &errBuf)

	start := time.Now()
	if a.verbose {
		log.Printf("⏱️  claude started at %s", start.Format("15:04:05"))
	}
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
			log.Printf("❌ claude exited with code %d after %v", exitCode, duration)
		}

		if ctx.Err() == context.DeadlineExceeded {
			// The deadline kill surfaces as SIGKILL, not a deadline
			// error, so the classifier cannot see it on its own
			if signal == backpressure.SignalOK {
				signal = backpressure.SignalAPIError
			}
			timeoutErr := fmt.Errorf("claude timed out after %v", duration)
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
			Error:    fmt.Errorf("claude failed after %v: %w", duration, err),
			Duration: duration,
			Signal:   signal,
		}
	}

	if a.verbose {
		log.Printf("✅ claude completed in %v", duration)
	}

	return &Result{
		Success:       true,
		Output:        output,
		Duration:      duration,
		ModifiedPaths: parseModifiedPaths(output),
		Signal:        signal,
	}
}

// CheckInstalled verifies the Claude Code CLI is available.
func (a *ClaudeAgent) CheckInstalled() error {
	cmd := exec.Command(a.path, "--version")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("claude not found at %s: %w\n%s", a.path, err, output)
	}
	return nil
}
