// Package executor runs work units through coding agents and hands
// normalized results back to the orchestrator. The orchestrator never
// inspects how a result was produced; everything it needs is on Result.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cloud-shuttle/foreman/internal/backpressure"
	"github.com/cloud-shuttle/foreman/pkg/types"
)

// Result is what one agent run hands back.
type Result struct {
	Success  bool
	Output   string
	Error    error
	Duration time.Duration

	// ModifiedPaths is the agent's own account of which files it
	// touched. Nil when the agent does not report paths; the workspace
	// diff is the source of truth then.
	ModifiedPaths []string

	// Signal classifies the run for the backpressure controller.
	Signal backpressure.Signal
}

// Agent executes one work unit inside an isolated workspace.
type Agent interface {
	Execute(ctx context.Context, workspacePath string, unit *types.WorkUnit) *Result
	CheckInstalled() error
	SetVerbose(v bool)
	SetGuidelines(guidelines string)
}

// Config describes how to construct an agent.
type Config struct {
	Type          string        // "claude" or "command"; empty means claude
	Path          string        // Binary to run
	Args          []string      // Extra args, command agents only
	Timeout       time.Duration // Per-unit wall clock budget; 0 means none
	SlowThreshold time.Duration // Run duration reported as slow; 0 disables
	Guidelines    string        // Project guidelines prepended to prompts
	Verbose       bool
}

// New builds an agent from config.
func New(cfg *Config) (Agent, error) {
	var agent Agent
	switch cfg.Type {
	case "", "claude":
		a := NewClaudeAgent(cfg.Path, cfg.Timeout)
		a.slow = cfg.SlowThreshold
		agent = a
	case "command":
		a := NewCommandAgent(cfg.Path, cfg.Args, cfg.Timeout)
		a.slow = cfg.SlowThreshold
		agent = a
	default:
		return nil, fmt.Errorf("unknown agent type %q", cfg.Type)
	}

	if cfg.Guidelines != "" {
		agent.SetGuidelines(cfg.Guidelines)
	}
	if cfg.Verbose {
		agent.SetVerbose(true)
	}
	return agent, nil
}

// buildUnitPrompt renders a work unit as an agent prompt. The declared
// files carry the ownership contract, so the prompt spells out the
// stay-in-scope rule whenever paths were declared.
func buildUnitPrompt(unit *types.WorkUnit, guidelines string) string {
	var prompt strings.Builder

	if guidelines != "" {
		prompt.WriteString("=== PROJECT GUIDELINES ===\n")
		prompt.WriteString(guidelines)
		prompt.WriteString("\n==========================\n\n")
	}

	if unit.LastError != "" {
		prompt.WriteString("=== PREVIOUS ATTEMPT FAILED ===\n")
		prompt.WriteString(unit.LastError)
		prompt.WriteString("\n===============================\n\n")
		prompt.WriteString("Fix the issues above before anything else.\n\n")
	}

	prompt.WriteString(fmt.Sprintf("Work unit: %s\n", unit.Title))

	if unit.Description != "" {
		prompt.WriteString(fmt.Sprintf("Description: %s\n", unit.Description))
	}

	if len(unit.Files) > 0 {
		prompt.WriteString("\nFiles in scope:\n")
		for _, f := range unit.Files {
			prompt.WriteString(fmt.Sprintf("  - %s (%s edit)\n", f.Path, f.Edit))
		}
		prompt.WriteString("\nOnly touch the files listed above. If another file must change, stop and report it in your output instead of editing it.\n")
	}

	prompt.WriteString("\nPlease implement this work unit completely.")

	return prompt.String()
}

// reportRe finds a flat JSON object carrying the agent's path report.
var reportRe = regexp.MustCompile(`\{[^{}]*"modified_paths"[^{}]*\}`)

// parseModifiedPaths pulls the agent's path report out of its output.
// Agents report by printing a JSON object with a "modified_paths" key;
// the last such object in the output wins. Returns nil when no report
// was printed.
func parseModifiedPaths(output string) []string {
	matches := reportRe.FindAllString(output, -1)
	if len(matches) == 0 {
		return nil
	}

	var report struct {
		ModifiedPaths []string `json:"modified_paths"`
	}
	if err := json.Unmarshal([]byte(matches[len(matches)-1]), &report); err != nil {
		return nil
	}
	return report.ModifiedPaths
}

// truncateString shortens a string for log previews.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
