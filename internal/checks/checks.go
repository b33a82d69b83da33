// Package checks provides automated build and test verification for work units
package checks

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cloud-shuttle/foreman/internal/outcome"
)

// Mode defines how check failures are handled
type Mode string

const (
	// ModeStrict means check failures block the gate
	ModeStrict Mode = "strict"
	// ModeLenient means check failures are logged but don't block
	ModeLenient Mode = "lenient"
	// ModeDisabled means checks are not run
	ModeDisabled Mode = "disabled"
)

// Scope defines when checks run
type Scope string

const (
	// ScopeAll always runs checks
	ScopeAll Scope = "all"
	// ScopeDiff runs checks when the workspace differs from main
	ScopeDiff Scope = "diff"
	// ScopeSkip skips checks if no changes are detected
	ScopeSkip Scope = "skip"
)

// Config configures check execution
type Config struct {
	Mode         Mode          `json:"mode"`
	Scope        Scope         `json:"scope"`
	Timeout      time.Duration `json:"timeout"`
	BuildCommand string        `json:"build_command,omitempty"` // Custom build command (optional)
	TestCommand  string        `json:"test_command,omitempty"`  // Custom test command (optional)
}

// DefaultConfig returns the default check configuration
func DefaultConfig() *Config {
	return &Config{
		Mode:    ModeStrict,
		Scope:   ScopeDiff,
		Timeout: 5 * time.Minute,
	}
}

// Result represents the outcome of one check run
type Result struct {
	Success  bool          `json:"success"`
	Passed   int           `json:"passed"`
	Failed   int           `json:"failed"`
	Skipped  int           `json:"skipped"`
	Total    int           `json:"total"`
	Duration time.Duration `json:"duration"`
	Output   string        `json:"output"`
	Error    string        `json:"error,omitempty"`
	Ran      bool          `json:"ran"` // Whether checks were actually run
}

// Outcome converts the result into the normalized form the gate pipeline consumes
func (r *Result) Outcome() *outcome.Outcome {
	if r.Success {
		switch {
		case r.Error != "":
			return outcome.Pass("advisory: " + r.Error)
		case !r.Ran:
			return outcome.Pass("checks skipped")
		case r.Total > 0:
			return outcome.Pass(fmt.Sprintf("%d passed, %d failed, %d skipped", r.Passed, r.Failed, r.Skipped))
		default:
			return outcome.Pass("checks passed")
		}
	}

	issues := make([]string, 0, 8)
	if r.Error != "" {
		issues = append(issues, r.Error)
	}
	issues = append(issues, extractFailures(r.Output)...)
	if len(issues) == 0 {
		issues = append(issues, "checks failed without diagnostics")
	}
	return outcome.Fail(fmt.Sprintf("%d passed, %d failed", r.Passed, r.Failed), issues...)
}

// Runner executes build and test checks based on configuration
type Runner struct {
	config  *Config
	verbose bool
}

// NewRunner creates a new check runner
func NewRunner(config *Config) *Runner {
	if config == nil {
		config = DefaultConfig()
	}
	return &Runner{config: config}
}

// SetVerbose enables or disables verbose logging
func (r *Runner) SetVerbose(v bool) {
	r.verbose = v
}

// Run executes build then test checks for a unit in its workspace directory
func (r *Runner) Run(ctx context.Context, dir string, owner string) *Result {
	result := &Result{Success: true}

	start := time.Now()
	defer func() {
		result.Duration = time.Since(start)
	}()

	if r.config.Mode == ModeDisabled {
		if r.verbose {
			log.Printf("🧪 Checks disabled for %s", owner)
		}
		return result
	}

	shouldRun, err := r.shouldRun(dir)
	if err != nil {
		result.Error = fmt.Sprintf("checking scope: %v", err)
		result.Success = r.config.Mode != ModeStrict
		return result
	}
	if !shouldRun {
		if r.verbose {
			log.Printf("🧪 Skipping checks for %s (no relevant changes)", owner)
		}
		return result
	}

	result.Ran = true
	if r.verbose {
		log.Printf("🧪 Running checks for %s (mode: %s, scope: %s)", owner, r.config.Mode, r.config.Scope)
	}

	set, err := r.detectCommands(dir)
	if err != nil {
		result.Error = fmt.Sprintf("determining check commands: %v", err)
		result.Success = r.config.Mode != ModeStrict
		return result
	}

	if len(set.Build) > 0 {
		output, err := r.runCommand(ctx, dir, set.Build[0], set.Build[1:])
		result.Output = output
		if err != nil {
			result.Success = r.config.Mode == ModeLenient
			result.Error = fmt.Sprintf("build failed: %v", err)
			log.Printf("❌ Build failed for %s", owner)
			return result
		}
	}

	if len(set.Test) > 0 {
		output, err := r.runCommand(ctx, dir, set.Test[0], set.Test[1:])
		if result.Output != "" {
			result.Output += "\n"
		}
		result.Output += output
		result.Passed, result.Failed, result.Skipped = parseCounts(output)
		result.Total = result.Passed + result.Failed + result.Skipped
		if err != nil {
			result.Success = r.config.Mode == ModeLenient
			result.Error = fmt.Sprintf("tests failed: %v", err)
			log.Printf("❌ Tests failed for %s: %d passed, %d failed, %d skipped",
				owner, result.Passed, result.Failed, result.Skipped)
			return result
		}
	}

	result.Success = true
	log.Printf("✅ Checks passed for %s: %d passed, %d failed, %d skipped",
		owner, result.Passed, result.Failed, result.Skipped)
	return result
}

// shouldRun determines whether checks run based on scope configuration
func (r *Runner) shouldRun(dir string) (bool, error) {
	switch r.config.Scope {
	case ScopeAll:
		return true, nil
	case ScopeSkip, ScopeDiff:
		return hasChanges(dir)
	default:
		return true, nil
	}
}

// hasChanges reports whether the workspace differs from main
func hasChanges(dir string) (bool, error) {
	cmd := exec.Command("git", "diff", "--quiet", "main")
	cmd.Dir = dir
	err := cmd.Run()

	// git diff --quiet exits 1 when there are differences
	if err != nil {
		if cmd.ProcessState != nil && cmd.ProcessState.ExitCode() == 1 {
			return true, nil
		}
		return false, fmt.Errorf("checking for changes: %w", err)
	}
	return false, nil
}

// commandSet holds the build and test invocations for a project
type commandSet struct {
	Build []string
	Test  []string
}

// detectCommands determines build and test commands from the project layout,
// with config overrides taking precedence
func (r *Runner) detectCommands(dir string) (*commandSet, error) {
	set := &commandSet{}

	switch {
	case hasFile(dir, "go.mod"):
		set.Build = []string{"go", "build", "./..."}
		set.Test = []string{"go", "test", "./..."}
	case hasFile(dir, "package.json"):
		if content, err := os.ReadFile(filepath.Join(dir, "package.json")); err == nil {
			if strings.Contains(string(content), `"build"`) {
				set.Build = []string{"npm", "run", "build"}
			}
			if strings.Contains(string(content), `"test"`) {
				set.Test = []string{"npm", "test"}
			}
		}
	case hasFile(dir, "Cargo.toml"):
		set.Build = []string{"cargo", "build"}
		set.Test = []string{"cargo", "test"}
	case hasFile(dir, "pyproject.toml"), hasFile(dir, "setup.py"):
		set.Test = []string{"python", "-m", "pytest"}
	}

	if r.config.BuildCommand != "" {
		set.Build = strings.Fields(r.config.BuildCommand)
	}
	if r.config.TestCommand != "" {
		set.Test = strings.Fields(r.config.TestCommand)
	}

	if len(set.Build) == 0 && len(set.Test) == 0 {
		return nil, fmt.Errorf("unable to determine check commands for project")
	}
	return set, nil
}

// hasFile checks if a file exists in the workspace
func hasFile(dir, filename string) bool {
	_, err := os.Stat(filepath.Join(dir, filename))
	return err == nil
}

// runCommand executes a command in the workspace and returns its combined output
func (r *Runner) runCommand(ctx context.Context, dir string, name string, args []string) (string, error) {
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	output := stdout.String()
	if stderr.String() != "" {
		output += "\n" + stderr.String()
	}
	return output, err
}

var (
	passedRe  = regexp.MustCompile(`(\d+) passed`)
	failedRe  = regexp.MustCompile(`(\d+) failed`)
	skippedRe = regexp.MustCompile(`(\d+) skipped`)
	goPassRe  = regexp.MustCompile(`(?m)^\s*--- PASS`)
	goFailRe  = regexp.MustCompile(`(?m)^\s*--- FAIL`)
	goSkipRe  = regexp.MustCompile(`(?m)^\s*--- SKIP`)
)

// parseCounts extracts test counts from tool output. Summary lines like
// "5 passed, 1 skipped" win; verbose go test markers are the fallback.
func parseCounts(output string) (passed, failed, skipped int) {
	if m := passedRe.FindStringSubmatch(output); m != nil {
		passed, _ = strconv.Atoi(m[1])
	}
	if m := failedRe.FindStringSubmatch(output); m != nil {
		failed, _ = strconv.Atoi(m[1])
	}
	if m := skippedRe.FindStringSubmatch(output); m != nil {
		skipped, _ = strconv.Atoi(m[1])
	}

	if passed == 0 && failed == 0 && skipped == 0 {
		passed = len(goPassRe.FindAllString(output, -1))
		failed = len(goFailRe.FindAllString(output, -1))
		skipped = len(goSkipRe.FindAllString(output, -1))
	}

	// Last resort: at least record that something passed or failed
	if passed == 0 && failed == 0 {
		if strings.Contains(output, "FAIL") {
			failed = 1
		} else if strings.Contains(output, "PASS") || strings.Contains(output, "\nok") {
			passed = 1
		}
	}

	return passed, failed, skipped
}

// extractFailures pulls diagnostic lines from check output for gate issues
func extractFailures(output string) []string {
	var lines []string
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "--- FAIL") ||
			strings.HasPrefix(trimmed, "FAIL") ||
			strings.HasPrefix(trimmed, "error[") ||
			strings.HasPrefix(trimmed, "error:") ||
			strings.HasPrefix(trimmed, "Error:") ||
			strings.Contains(trimmed, "undefined:") ||
			strings.Contains(trimmed, "cannot find") {
			lines = append(lines, trimmed)
		}
		if len(lines) >= 8 {
			break
		}
	}
	return lines
}
