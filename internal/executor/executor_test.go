package executor_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cloud-shuttle/foreman/internal/backpressure"
	"github.com/cloud-shuttle/foreman/internal/executor"
	"github.com/cloud-shuttle/foreman/pkg/types"
)

// writeAgentScript drops a shell script into dir that stands in for an
// agent binary.
func writeAgentScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("Failed to write agent script: %v", err)
	}
	return path
}

func testUnit() *types.WorkUnit {
	return &types.WorkUnit{
		ID:          "task-1-u1",
		TaskID:      "task-1",
		Title:       "Add rate limiter",
		Description: "Wrap the API client in a token bucket",
		Files: []types.FileChange{
			{Path: "internal/api/limiter.go", Edit: types.EditNew},
			{Path: "internal/api/client.go", Edit: types.EditSmall},
		},
	}
}

func TestClaudeAgent_Execute_Success(t *testing.T) {
	tmpDir := t.TempDir()
	script := writeAgentScript(t, tmpDir, "mock-claude.sh", `echo "implemented the limiter"`)

	agent := executor.NewClaudeAgent(script, 5*time.Minute)
	agent.SetVerbose(true)

	result := agent.Execute(context.Background(), tmpDir, testUnit())
	if !result.Success {
		t.Fatalf("Execute failed: %v", result.Error)
	}
	if !strings.Contains(result.Output, "implemented the limiter") {
		t.Errorf("Output not captured: %q", result.Output)
	}
	if result.Duration <= 0 {
		t.Error("Expected a positive duration")
	}
	if result.Signal != backpressure.SignalOK {
		t.Errorf("Expected ok signal, got %s", result.Signal)
	}
}

func TestClaudeAgent_Execute_Failure(t *testing.T) {
	tmpDir := t.TempDir()
	script := writeAgentScript(t, tmpDir, "mock-claude.sh", `echo "could not find the client"
exit 3`)

	agent := executor.NewClaudeAgent(script, 5*time.Minute)

	result := agent.Execute(context.Background(), tmpDir, testUnit())
	if result.Success {
		t.Fatal("Expected failure for exit code 3")
	}
	if result.Error == nil || !strings.Contains(result.Error.Error(), "claude failed") {
		t.Errorf("Expected a claude failure error, got %v", result.Error)
	}
	if !strings.Contains(result.Output, "could not find the client") {
		t.Errorf("Failure output not captured: %q", result.Output)
	}
}

func TestClaudeAgent_Execute_Timeout(t *testing.T) {
	tmpDir := t.TempDir()
	script := writeAgentScript(t, tmpDir, "mock-claude.sh", `sleep 5`)

	agent := executor.NewClaudeAgent(script, 100*time.Millisecond)

	result := agent.Execute(context.Background(), tmpDir, testUnit())
	if result.Success {
		t.Fatal("Expected timeout failure")
	}
	if result.Error == nil || !strings.Contains(result.Error.Error(), "timed out") {
		t.Errorf("Expected a timeout error, got %v", result.Error)
	}
	if result.Signal == backpressure.SignalOK {
		t.Error("A timed out run must not report an ok signal")
	}
}

func TestClaudeAgent_Execute_Cancelled(t *testing.T) {
	tmpDir := t.TempDir()
	script := writeAgentScript(t, tmpDir, "mock-claude.sh", `sleep 5`)

	agent := executor.NewClaudeAgent(script, 5*time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := agent.Execute(ctx, tmpDir, testUnit())
	if result.Success {
		t.Error("Expected failure when the context is already cancelled")
	}
}

func TestClaudeAgent_PromptContent(t *testing.T) {
	tmpDir := t.TempDir()
	promptFile := filepath.Join(tmpDir, "prompt.txt")

	// claude is invoked as: -p <prompt> --dangerously-skip-permissions
	script := writeAgentScript(t, tmpDir, "mock-claude.sh",
		fmt.Sprintf(`printf '%%s' "$2" > %s`, promptFile))

	agent := executor.NewClaudeAgent(script, 5*time.Minute)
	agent.SetGuidelines("Follow the house import grouping.")

	unit := testUnit()
	unit.LastError = "review: error handling missing on Close"

	result := agent.Execute(context.Background(), tmpDir, unit)
	if !result.Success {
		t.Fatalf("Execute failed: %v", result.Error)
	}

	promptBytes, err := os.ReadFile(promptFile)
	if err != nil {
		t.Fatalf("Failed to read captured prompt: %v", err)
	}
	prompt := string(promptBytes)

	for _, expected := range []string{
		"Add rate limiter",
		"Wrap the API client in a token bucket",
		"internal/api/limiter.go",
		"Only touch the files listed above",
		"PREVIOUS ATTEMPT FAILED",
		"error handling missing on Close",
		"PROJECT GUIDELINES",
		"house import grouping",
	} {
		if !strings.Contains(prompt, expected) {
			t.Errorf("Prompt missing %q:\n%s", expected, prompt)
		}
	}
}

func TestClaudeAgent_CheckInstalled(t *testing.T) {
	tmpDir := t.TempDir()
	script := writeAgentScript(t, tmpDir, "mock-claude.sh", `echo "1.0.0"`)

	agent := executor.NewClaudeAgent(script, time.Minute)
	if err := agent.CheckInstalled(); err != nil {
		t.Errorf("CheckInstalled failed for a working script: %v", err)
	}

	missing := executor.NewClaudeAgent("/nonexistent/claude", time.Minute)
	if err := missing.CheckInstalled(); err == nil {
		t.Error("Expected error for a missing binary")
	}
}

func TestCommandAgent_Execute_Environment(t *testing.T) {
	tmpDir := t.TempDir()
	workspace := filepath.Join(tmpDir, "ws")
	if err := os.MkdirAll(workspace, 0755); err != nil {
		t.Fatalf("Failed to create workspace dir: %v", err)
	}

	// The script runs with the workspace as its working directory
	script := writeAgentScript(t, tmpDir, "agent.sh",
		`printf '%s|%s|%s' "$FOREMAN_UNIT_ID" "$FOREMAN_UNIT_FILES" "$FOREMAN_WORKSPACE" > env.txt`)

	agent := executor.NewCommandAgent(script, nil, time.Minute)

	result := agent.Execute(context.Background(), workspace, testUnit())
	if !result.Success {
		t.Fatalf("Execute failed: %v", result.Error)
	}

	captured, err := os.ReadFile(filepath.Join(workspace, "env.txt"))
	if err != nil {
		t.Fatalf("Failed to read captured env: %v", err)
	}

	got := string(captured)
	want := "task-1-u1|internal/api/limiter.go,internal/api/client.go|" + workspace
	if got != want {
		t.Errorf("Environment contract broken:\n got %q\nwant %q", got, want)
	}
}

func TestCommandAgent_Execute_StdinUnit(t *testing.T) {
	tmpDir := t.TempDir()
	script := writeAgentScript(t, tmpDir, "agent.sh", `cat > unit.json`)

	agent := executor.NewCommandAgent(script, nil, time.Minute)

	result := agent.Execute(context.Background(), tmpDir, testUnit())
	if !result.Success {
		t.Fatalf("Execute failed: %v", result.Error)
	}

	data, err := os.ReadFile(filepath.Join(tmpDir, "unit.json"))
	if err != nil {
		t.Fatalf("Failed to read unit.json: %v", err)
	}
	if !strings.Contains(string(data), `"id":"task-1-u1"`) {
		t.Errorf("Stdin did not carry the unit JSON: %s", data)
	}
}

func TestCommandAgent_Execute_ModifiedPathsReport(t *testing.T) {
	tmpDir := t.TempDir()
	script := writeAgentScript(t, tmpDir, "agent.sh",
		`echo "working..."
echo '{"modified_paths": ["internal/api/limiter.go", "internal/api/client.go"]}'`)

	agent := executor.NewCommandAgent(script, nil, time.Minute)

	result := agent.Execute(context.Background(), tmpDir, testUnit())
	if !result.Success {
		t.Fatalf("Execute failed: %v", result.Error)
	}

	want := []string{"internal/api/limiter.go", "internal/api/client.go"}
	if len(result.ModifiedPaths) != len(want) {
		t.Fatalf("Expected %d reported paths, got %v", len(want), result.ModifiedPaths)
	}
	for i, p := range want {
		if result.ModifiedPaths[i] != p {
			t.Errorf("Path %d: expected %s, got %s", i, p, result.ModifiedPaths[i])
		}
	}
}

func TestCommandAgent_Execute_NoPathReport(t *testing.T) {
	tmpDir := t.TempDir()
	script := writeAgentScript(t, tmpDir, "agent.sh", `echo "done"`)

	agent := executor.NewCommandAgent(script, nil, time.Minute)

	result := agent.Execute(context.Background(), tmpDir, testUnit())
	if !result.Success {
		t.Fatalf("Execute failed: %v", result.Error)
	}
	if result.ModifiedPaths != nil {
		t.Errorf("Expected nil paths without a report, got %v", result.ModifiedPaths)
	}
}

func TestCommandAgent_Execute_RateLimitSignal(t *testing.T) {
	tmpDir := t.TempDir()
	script := writeAgentScript(t, tmpDir, "agent.sh",
		`echo "error: rate limit exceeded"
exit 1`)

	agent := executor.NewCommandAgent(script, nil, time.Minute)

	result := agent.Execute(context.Background(), tmpDir, testUnit())
	if result.Success {
		t.Fatal("Expected failure")
	}
	if result.Signal != backpressure.SignalRateLimited {
		t.Errorf("Expected rate_limited signal, got %s", result.Signal)
	}
}

func TestCommandAgent_Execute_ExtraArgs(t *testing.T) {
	tmpDir := t.TempDir()
	script := writeAgentScript(t, tmpDir, "agent.sh",
		`printf '%s' "$1" > args.txt`)

	agent := executor.NewCommandAgent(script, []string{"--mode=apply"}, time.Minute)

	result := agent.Execute(context.Background(), tmpDir, testUnit())
	if !result.Success {
		t.Fatalf("Execute failed: %v", result.Error)
	}

	captured, err := os.ReadFile(filepath.Join(tmpDir, "args.txt"))
	if err != nil {
		t.Fatalf("Failed to read args.txt: %v", err)
	}
	if string(captured) != "--mode=apply" {
		t.Errorf("Expected extra args before the prompt, got %q", captured)
	}
}

func TestCommandAgent_Guidelines(t *testing.T) {
	tmpDir := t.TempDir()
	script := writeAgentScript(t, tmpDir, "agent.sh",
		`printf '%s' "$1" > prompt.txt`)

	agent, err := executor.New(&executor.Config{
		Type:       "command",
		Path:       script,
		Timeout:    time.Minute,
		Guidelines: "Run gofmt before finishing.",
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	result := agent.Execute(context.Background(), tmpDir, testUnit())
	if !result.Success {
		t.Fatalf("Execute failed: %v", result.Error)
	}

	promptBytes, err := os.ReadFile(filepath.Join(tmpDir, "prompt.txt"))
	if err != nil {
		t.Fatalf("Failed to read captured prompt: %v", err)
	}
	prompt := string(promptBytes)
	if !strings.Contains(prompt, "PROJECT GUIDELINES") || !strings.Contains(prompt, "gofmt") {
		t.Errorf("Prompt missing guidelines:\n%s", prompt)
	}
}

func TestCommandAgent_CheckInstalled(t *testing.T) {
	tmpDir := t.TempDir()
	script := writeAgentScript(t, tmpDir, "agent.sh", `exit 0`)

	agent := executor.NewCommandAgent(script, nil, time.Minute)
	if err := agent.CheckInstalled(); err != nil {
		t.Errorf("CheckInstalled failed for an executable script: %v", err)
	}

	missing := executor.NewCommandAgent("/nonexistent/agent", nil, time.Minute)
	if err := missing.CheckInstalled(); err == nil {
		t.Error("Expected error for a missing command")
	}
}

func TestNew_Types(t *testing.T) {
	agent, err := executor.New(&executor.Config{Path: "claude", Timeout: time.Minute})
	if err != nil {
		t.Fatalf("New failed for default type: %v", err)
	}
	if _, ok := agent.(*executor.ClaudeAgent); !ok {
		t.Errorf("Expected default type to build a claude agent, got %T", agent)
	}

	agent, err = executor.New(&executor.Config{Type: "command", Path: "/usr/bin/true"})
	if err != nil {
		t.Fatalf("New failed for command type: %v", err)
	}
	if _, ok := agent.(*executor.CommandAgent); !ok {
		t.Errorf("Expected a command agent, got %T", agent)
	}

	if _, err := executor.New(&executor.Config{Type: "telepathy"}); err == nil {
		t.Error("Expected error for an unknown agent type")
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := executor.NewRegistry()

	err := r.Register(&executor.Profile{
		Name:         "codex",
		Type:         "command",
		Command:      "codex",
		Capabilities: []string{"code"},
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	p, ok := r.Get("codex")
	if !ok {
		t.Fatal("Profile not found after registration")
	}
	if !p.Has("code") || p.Has("review") {
		t.Error("Capability tags not preserved")
	}
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := executor.NewRegistry()

	if err := r.Register(&executor.Profile{Command: "x"}); err == nil {
		t.Error("Expected error for a profile without a name")
	}
	if err := r.Register(&executor.Profile{Name: "x"}); err == nil {
		t.Error("Expected error for a profile without a command")
	}
}

func TestRegistry_Find(t *testing.T) {
	r := executor.DefaultRegistry()
	r.Register(&executor.Profile{
		Name:         "scanner",
		Type:         "command",
		Command:      "scan.sh",
		Capabilities: []string{"security"},
	})

	p, err := r.Find("code", "review")
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if p.Name != "claude" {
		t.Errorf("Expected the claude profile, got %s", p.Name)
	}

	p, err = r.Find("security")
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if p.Name != "scanner" {
		t.Errorf("Expected the scanner profile, got %s", p.Name)
	}

	if _, err := r.Find("code", "security"); err == nil {
		t.Error("Expected error when no profile carries every required tag")
	} else if !strings.Contains(err.Error(), "security") {
		t.Errorf("Error should name the requirements: %v", err)
	}
}

func TestRegistry_New(t *testing.T) {
	r := executor.NewRegistry()
	r.Register(&executor.Profile{
		Name:         "fixer",
		Type:         "command",
		Command:      "/usr/bin/true",
		Args:         []string{"--fix"},
		Capabilities: []string{"fix"},
	})

	agent, err := r.New("fixer", time.Minute)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := agent.(*executor.CommandAgent); !ok {
		t.Errorf("Expected a command agent, got %T", agent)
	}

	if _, err := r.New("ghost", time.Minute); err == nil {
		t.Error("Expected error for an unregistered profile")
	}
}

func TestRegistry_ListSorted(t *testing.T) {
	r := executor.NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		r.Register(&executor.Profile{Name: name, Type: "command", Command: name})
	}

	list := r.List()
	if len(list) != 3 {
		t.Fatalf("Expected 3 profiles, got %d", len(list))
	}
	for i, want := range []string{"alpha", "mid", "zeta"} {
		if list[i].Name != want {
			t.Errorf("Position %d: expected %s, got %s", i, want, list[i].Name)
		}
	}
}
