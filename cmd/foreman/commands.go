package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cloud-shuttle/foreman/internal/analytics"
	"github.com/cloud-shuttle/foreman/internal/config"
	"github.com/cloud-shuttle/foreman/internal/db"
	"github.com/cloud-shuttle/foreman/internal/flags"
	"github.com/cloud-shuttle/foreman/internal/plan"
	"github.com/cloud-shuttle/foreman/internal/project"
	"github.com/cloud-shuttle/foreman/internal/search"
	"github.com/cloud-shuttle/foreman/internal/webhooks"
	"github.com/cloud-shuttle/foreman/internal/workflow"
	"github.com/cloud-shuttle/foreman/pkg/types"
	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/spf13/cobra"
)

const configTemplate = `# Foreman project configuration.
# Every key is optional; unset keys fall back to FOREMAN_* environment
# variables and built-in defaults.

# Agent command run for each work unit.
# agent = "claude"
# agent_path = "claude"

# Parallelism and timeouts.
# max_workers = 3
# unit_timeout = "1h"
# max_attempts = 3
# gate_retries = 2

# Verification commands. Empty review/security commands pass their gate.
# review_command = "scripts/review.sh"
# security_command = "scripts/security.sh"
# strict_checks = false

# Strategy thresholds (summed complexity scores).
# direct_threshold = 10
# shared_threshold = 30
# shared_max_units = 5

# Guidelines are prepended to every agent prompt.
# guidelines = "Follow the style guide in docs/STYLE.md."

# Layout hints passed to the decomposer for every task.
# default_hints = ["cmd/ holds binaries", "internal/ holds packages"]

# Webhooks receive orchestration events as signed JSON POSTs.
# [[webhooks]]
# id = "ci"
# url = "https://ci.example.com/hooks/foreman"
# secret = "shared-secret"
# events = ["unit.merged", "unit.rejected"]

# [analytics]
# enabled = true
# path = ".foreman/analytics.json"
`

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize Foreman in the current directory",
		Long: `Initialize Foreman in the current directory.

Creates a .foreman directory holding the SQLite database (tasks, units,
ownership claims, gate history, reports) and writes a commented
.foreman.toml configuration template next to it.

Execution engines:
  default    local orchestrator on SQLite, zero setup
  durable    set DBOS_SYSTEM_DATABASE_URL to run units as recoverable
             PostgreSQL-backed workflows`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := os.Getwd()
			if err != nil {
				return err
			}

			foremanDir := filepath.Join(dir, ".foreman")
			if _, err := os.Stat(foremanDir); err == nil {
				return fmt.Errorf("already initialized in %s", foremanDir)
			}

			if err := os.MkdirAll(foremanDir, 0755); err != nil {
				return fmt.Errorf("creating .foreman directory: %w", err)
			}

			store, err := db.Open(filepath.Join(foremanDir, "foreman.db"))
			if err != nil {
				return fmt.Errorf("creating database: %w", err)
			}
			defer store.Close()

			if err := store.InitSchema(); err != nil {
				return fmt.Errorf("initializing schema: %w", err)
			}
			if err := search.NewSearcher(store.DB).InitSchema(); err != nil {
				return fmt.Errorf("initializing search index: %w", err)
			}

			tomlPath := filepath.Join(dir, project.FileName)
			if _, err := os.Stat(tomlPath); os.IsNotExist(err) {
				if err := os.WriteFile(tomlPath, []byte(configTemplate), 0644); err != nil {
					return fmt.Errorf("writing %s: %w", project.FileName, err)
				}
				fmt.Printf("📝 Wrote configuration template: %s\n", project.FileName)
			}

			fmt.Printf("🔨 Initialized Foreman in %s\n", foremanDir)
			fmt.Println("\nNext steps:")
			fmt.Println("  foreman add \"Add a login endpoint\" -d \"What to change and where\"")
			fmt.Println("  foreman plan <task-id>")
			fmt.Println("  foreman run <task-id>")
			return nil
		},
	}
}

func addCmd() *cobra.Command {
	var (
		description    string
		hints          []string
		skipValidation bool
	)

	command := &cobra.Command{
		Use:   "add <title>",
		Short: "Add a task",
		Long: `Add a task to the project.

Titles and descriptions are validated before decomposition: vague tasks
decompose into vague units. Use --skip-validation to bypass the check.

Descriptions may declare explicit work units as numbered stanzas:

  1. **Add login endpoint**
     - Description: wire the POST /login route into the router
     - Files: internal/auth/login.go (new), internal/router/routes.go (small)
     - Depends: 2
     - Estimate: 2 files, 150 lines, 45 minutes
     - Flags: unit-tests:2

Free text without stanzas becomes a single work unit.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectDir, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			title := args[0]
			if !skipValidation {
				if errs := plan.Validate(title, description); len(errs) > 0 {
					fmt.Println("⚠️  Task quality validation failed:")
					for _, e := range errs {
						fmt.Printf("\n  [%s] %s\n", e.Field, e.Message)
						for _, s := range e.Suggestions {
							fmt.Printf("    → %s\n", s)
						}
					}
					fmt.Println("\nUse --skip-validation to create the task anyway (not recommended)")
					return fmt.Errorf("task validation failed")
				}
			}

			pc, err := project.Load(projectDir)
			if err != nil {
				return err
			}
			allHints := append(hints, pc.Hints()...)

			task, err := store.CreateTask(title, description, allHints)
			if err != nil {
				return err
			}

			fmt.Printf("✅ Created task %s\n", task.ID)
			fmt.Printf("   Preview the plan with: foreman plan %s\n", task.ID)
			return nil
		},
	}

	command.Flags().StringVarP(&description, "description", "d", "", "Task description, may contain unit stanzas")
	command.Flags().StringSliceVar(&hints, "hint", nil, "Layout hint passed to the decomposer (repeatable)")
	command.Flags().BoolVar(&skipValidation, "skip-validation", false, "Skip task quality validation")
	return command
}

func planCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan <task-id>",
		Short: "Decompose a task and pick its execution strategy",
		Long: `Decompose a task into work units, score their complexity, detect file
ownership conflicts and pick the execution strategy. The plan is
persisted; running the command on an already planned task shows the
stored plan.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectDir, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			taskID := args[0]
			task, err := store.GetTask(taskID)
			if err != nil {
				return err
			}

			units, err := store.ListUnits(taskID)
			if err != nil {
				return err
			}
			if len(units) > 0 {
				fmt.Printf("📋 Task %s is already planned\n", taskID)
				printPlan(store, taskID, units, string(task.Strategy), task.Rationale)
				return nil
			}

			runCfg := *cfg
			pc, err := project.Load(projectDir)
			if err != nil {
				return err
			}
			pc.ApplyTo(&runCfg)

			orch, err := workflow.NewOrchestrator(&runCfg, store, projectDir)
			if err != nil {
				return fmt.Errorf("creating orchestrator: %w", err)
			}

			p, decision, err := orch.Plan(context.Background(), taskID)
			if err != nil {
				return err
			}
			printPlan(store, taskID, p.Units, string(decision.Strategy), decision.Rationale)
			return nil
		},
	}
}

func printPlan(store *db.Store, taskID string, units []*types.WorkUnit, strategy, rationale string) {
	fmt.Printf("\n📋 Plan for %s: %d units\n", taskID, len(units))
	fmt.Println(strings.Repeat("═", 40))

	for _, unit := range units {
		total := 0
		if unit.Score != nil {
			total = unit.Score.Total
		}
		fmt.Printf("\n  %s %s: %s (score %d)\n", unitIcon(unit.Status), unit.ID, unit.Title, total)
		for _, f := range unit.Files {
			fmt.Printf("       %s (%s)\n", f.Path, f.Edit)
		}
		if len(unit.Prereqs) > 0 {
			fmt.Printf("       after: %s\n", strings.Join(unit.Prereqs, ", "))
		}
	}

	fmt.Printf("\n🎯 Strategy: %s\n", strategy)
	if rationale != "" {
		fmt.Printf("   %s\n", rationale)
	}

	if conflicts, err := store.ListConflicts(); err == nil {
		for _, c := range conflicts {
			for _, unit := range units {
				if c.Involves(unit.ID) {
					fmt.Printf("\n⚠️  Conflict (%s): %s and %s overlap on %s\n",
						c.Origin, c.UnitA, c.UnitB, strings.Join(c.Paths, ", "))
					break
				}
			}
		}
	}

	fmt.Printf("\nRun it with: foreman run %s\n", taskID)
}

func runCmd() *cobra.Command {
	var (
		workers int
		verbose bool
	)

	command := &cobra.Command{
		Use:   "run <task-id>",
		Short: "Execute a task's units through the gate pipeline",
		Long: `Execute a task: workers claim ready units, run the agent, push each
unit through the gates (build-test, review, security, authorization)
and consolidate merged work in dependency order.

Runs on the local SQLite orchestrator by default. When
DBOS_SYSTEM_DATABASE_URL is set, units execute as durable PostgreSQL
workflows that survive crashes and resume from the last completed step.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectDir, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			taskID := args[0]
			if _, err := store.GetTask(taskID); err != nil {
				return err
			}

			runCfg := *cfg
			pc, err := project.Load(projectDir)
			if err != nil {
				return err
			}
			pc.ApplyTo(&runCfg)
			if workers > 0 {
				runCfg.Workers = workers
			}
			if verbose {
				runCfg.Verbose = true
			}

			wm, err := pc.WebhookManager()
			if err != nil {
				return err
			}
			if runCfg.WebhookURL != "" {
				if wm == nil {
					wm = webhooks.NewManager()
				}
				err := wm.Register(&webhooks.Webhook{
					ID:      "env",
					URL:     runCfg.WebhookURL,
					Secret:  runCfg.WebhookSecret,
					Enabled: true,
				})
				if err != nil {
					return fmt.Errorf("registering webhook: %w", err)
				}
			}

			am, err := pc.AnalyticsManager(projectDir, nil)
			if err != nil {
				return err
			}

			if os.Getenv("DBOS_SYSTEM_DATABASE_URL") != "" {
				return runDurable(&runCfg, store, projectDir, taskID, wm, am)
			}
			return runLocal(&runCfg, store, projectDir, taskID, wm, am)
		},
	}

	command.Flags().IntVarP(&workers, "workers", "w", 0, "Parallel unit workers (overrides config)")
	command.Flags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")
	return command
}

// runLocal drives the task on the in-process orchestrator backed by the
// project's SQLite store.
func runLocal(runCfg *config.Config, store *db.Store, projectDir, taskID string, wm *webhooks.Manager, am *analytics.Manager) error {
	orch, err := workflow.NewOrchestrator(runCfg, store, projectDir)
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}

	fm, err := flags.NewManager(flags.Config{
		ConfigPath: flagsPath(projectDir),
		Watch:      true,
	})
	if err != nil {
		return fmt.Errorf("loading feature flags: %w", err)
	}
	defer fm.Stop()
	orch.SetFlags(fm)

	if am != nil {
		orch.SetAnalytics(am)
		defer stopAnalytics(am)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if wm != nil {
		wm.Start(2)
		wm.Attach(ctx, orch.Bus())
		defer stopWebhooks(wm)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\n🛑 Interrupt received, stopping gracefully...")
		cancel()
		signal.Stop(sigCh)
	}()

	if err := orch.Run(ctx, taskID); err != nil {
		return err
	}

	fmt.Printf("\n📊 Full details: foreman report %s\n", taskID)
	return nil
}

// runDurable hands the task to the DBOS workflow engine. Interrupting
// the process is safe: the next run resumes each unit from its last
// completed step.
func runDurable(runCfg *config.Config, store *db.Store, projectDir, taskID string, wm *webhooks.Manager, am *analytics.Manager) error {
	fmt.Println("🔨 Durable mode: units run as recoverable workflows")

	task, err := store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.Strategy == "" {
		planner, err := workflow.NewOrchestrator(runCfg, store, projectDir)
		if err != nil {
			return fmt.Errorf("creating planner: %w", err)
		}
		if _, _, err := planner.Plan(context.Background(), taskID); err != nil {
			return fmt.Errorf("planning task: %w", err)
		}
	}

	dbosCtx, err := dbos.NewDBOSContext(context.Background(), dbos.Config{
		AppName:     "foreman",
		DatabaseURL: os.Getenv("DBOS_SYSTEM_DATABASE_URL"),
	})
	if err != nil {
		return fmt.Errorf("initializing workflow engine: %w", err)
	}

	orch, err := workflow.NewDBOSOrchestrator(runCfg, dbosCtx, projectDir, store)
	if err != nil {
		return fmt.Errorf("creating durable orchestrator: %w", err)
	}
	if err := orch.RegisterWorkflows(); err != nil {
		return fmt.Errorf("registering workflows: %w", err)
	}

	if wm != nil {
		wm.Start(2)
		orch.SetWebhooks(wm)
		defer stopWebhooks(wm)
	}
	if am != nil {
		orch.SetAnalytics(am)
		defer stopAnalytics(am)
	}

	// Queues and workflows are registered; the engine may start.
	if err := dbos.Launch(dbosCtx); err != nil {
		return fmt.Errorf("launching workflow engine: %w", err)
	}
	defer dbos.Shutdown(dbosCtx, 5*time.Second)

	stats, err := orch.RunTaskUnits(taskID)
	orch.PrintStats(stats)
	return err
}

func stopWebhooks(wm *webhooks.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wm.Stop(ctx)
}

func stopAnalytics(am *analytics.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	am.Stop(ctx)
}

func statusCmd() *cobra.Command {
	var watch bool

	command := &cobra.Command{
		Use:   "status [task-id]",
		Short: "Show task and unit progress",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			taskID := ""
			if len(args) > 0 {
				taskID = args[0]
			}

			if watch {
				return watchStatus(store, taskID)
			}
			return printStatus(store, taskID)
		},
	}

	command.Flags().BoolVarP(&watch, "watch", "w", false, "Refresh every second until interrupted")
	return command
}

func printStatus(store *db.Store, taskID string) error {
	if taskID != "" {
		return printTaskDetail(store, taskID)
	}

	tasks, err := store.ListTasks()
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("📭 No tasks yet. Create one with 'foreman add'.")
		return nil
	}

	fmt.Println("\n🔨 Foreman Status")
	fmt.Println("═════════════════")
	for _, task := range tasks {
		counts, err := store.GetUnitCounts(task.ID)
		if err != nil {
			return err
		}

		fmt.Printf("\n%s %s: %s\n", taskIcon(task.Status), task.ID, task.Title)
		if task.Strategy != "" {
			fmt.Printf("   Strategy: %s\n", task.Strategy)
		}
		if counts.Total == 0 {
			fmt.Println("   Units:    not planned yet")
			continue
		}

		fmt.Printf("   Units:    %d total | %d ready | %d running | %d verifying | %d merged | %d rejected\n",
			counts.Total, counts.Ready, counts.Claimed+counts.Executing, counts.Verifying,
			counts.Merged, counts.Rejected+counts.Cancelled)

		settled := counts.Merged + counts.Rejected + counts.Cancelled
		fmt.Print("   ")
		printProgressBar(float64(settled) / float64(counts.Total) * 100)
	}
	return nil
}

func printTaskDetail(store *db.Store, taskID string) error {
	task, err := store.GetTask(taskID)
	if err != nil {
		return err
	}
	units, err := store.ListUnits(taskID)
	if err != nil {
		return err
	}

	fmt.Printf("\n%s %s: %s [%s]\n", taskIcon(task.Status), task.ID, task.Title, task.Status)
	if task.Strategy != "" {
		fmt.Printf("   Strategy: %s\n   %s\n", task.Strategy, task.Rationale)
	}
	if len(units) == 0 {
		fmt.Println("\n   Not planned yet. Run: foreman plan " + taskID)
		return nil
	}

	fmt.Println()
	for _, u := range units {
		fmt.Printf("  %s %s: %s [%s]", unitIcon(u.Status), u.ID, u.Title, u.Status)
		if u.Attempts > 0 {
			fmt.Printf(" (attempt %d/%d)", u.Attempts, u.MaxAttempts)
		}
		if u.ClaimedBy != "" {
			fmt.Printf(" by %s", u.ClaimedBy)
		}
		fmt.Println()
		if len(u.Prereqs) > 0 {
			fmt.Printf("       after: %s\n", strings.Join(u.Prereqs, ", "))
		}
		if u.LastError != "" {
			fmt.Printf("       ⚠️  %s\n", truncate(u.LastError, 100))
		}
	}
	return nil
}

func watchStatus(store *db.Store, taskID string) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	render := func() error {
		fmt.Print("\033[H\033[2J")
		fmt.Printf("🔨 Foreman (watching, %s)\n", time.Now().Format("15:04:05"))
		if err := printStatus(store, taskID); err != nil {
			return err
		}
		fmt.Println("\nPress Ctrl+C to exit")
		return nil
	}

	if err := render(); err != nil {
		return err
	}
	for {
		select {
		case <-sigCh:
			fmt.Println("\n👋 Watch stopped")
			return nil
		case <-ticker.C:
			if err := render(); err != nil {
				return err
			}
		}
	}
}

func approveCmd() *cobra.Command {
	var reason string

	command := &cobra.Command{
		Use:   "approve <unit-id>",
		Short: "Record a go decision for a unit's authorization gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			unitID := args[0]
			if _, err := store.GetUnit(unitID); err != nil {
				return err
			}

			err = store.RecordApproval(&types.Approval{
				UnitID:   unitID,
				Approved: true,
				Actor:    operator(),
				Reason:   reason,
			})
			if err != nil {
				return err
			}

			fmt.Printf("✅ Approved unit %s\n", unitID)
			return nil
		},
	}

	command.Flags().StringVarP(&reason, "reason", "r", "", "Reason recorded with the decision")
	return command
}

func denyCmd() *cobra.Command {
	var reason string

	command := &cobra.Command{
		Use:   "deny <unit-id>",
		Short: "Record a no-go decision for a unit's authorization gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			unitID := args[0]
			if _, err := store.GetUnit(unitID); err != nil {
				return err
			}

			err = store.RecordApproval(&types.Approval{
				UnitID:   unitID,
				Approved: false,
				Actor:    operator(),
				Reason:   reason,
			})
			if err != nil {
				return err
			}

			fmt.Printf("🚫 Denied unit %s\n", unitID)
			return nil
		},
	}

	command.Flags().StringVarP(&reason, "reason", "r", "", "Reason recorded with the decision")
	return command
}

func resetCmd() *cobra.Command {
	var (
		alsoRejected  bool
		alsoCancelled bool
	)

	command := &cobra.Command{
		Use:   "reset",
		Short: "Requeue in-flight units",
		Long: `Reset units back to pending so the next run picks them up fresh.
Useful after a crashed or interrupted run.

By default only in-flight units (claimed, executing, verifying,
replanning) are reset. The flags also requeue terminal units.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := requireProject()
			if err != nil {
				return err
			}
			defer store.Close()

			statuses := []types.UnitStatus{
				types.UnitStatusClaimed,
				types.UnitStatusExecuting,
				types.UnitStatusVerifying,
				types.UnitStatusReplanning,
			}
			if alsoRejected {
				statuses = append(statuses, types.UnitStatusRejected)
			}
			if alsoCancelled {
				statuses = append(statuses, types.UnitStatusCancelled)
			}

			count, err := store.ResetUnits(statuses)
			if err != nil {
				return err
			}

			fmt.Printf("🔄 Reset %d units to pending\n", count)
			return nil
		},
	}

	command.Flags().BoolVar(&alsoRejected, "rejected", false, "Also requeue rejected units")
	command.Flags().BoolVar(&alsoCancelled, "cancelled", false, "Also requeue cancelled units")
	return command
}

func operator() string {
	if op := config.GetOperator(); op != "" {
		return op
	}
	return "operator"
}

func taskIcon(status types.TaskStatus) string {
	switch status {
	case types.TaskStatusRunning:
		return "🔄"
	case types.TaskStatusCompleted:
		return "✅"
	case types.TaskStatusFailed:
		return "❌"
	default:
		return "⏳"
	}
}

func unitIcon(status types.UnitStatus) string {
	switch status {
	case types.UnitStatusReady:
		return "🟢"
	case types.UnitStatusClaimed:
		return "👷"
	case types.UnitStatusExecuting:
		return "🤖"
	case types.UnitStatusVerifying:
		return "🧪"
	case types.UnitStatusReplanning:
		return "🔧"
	case types.UnitStatusIntegrated:
		return "📦"
	case types.UnitStatusMerged:
		return "✅"
	case types.UnitStatusRejected:
		return "❌"
	case types.UnitStatusCancelled:
		return "🚫"
	default:
		return "⏳"
	}
}

func printProgressBar(percent float64) {
	const width = 30
	filled := int(percent / 100 * width)
	if filled > width {
		filled = width
	}
	fmt.Printf("[%s%s] %.0f%%\n", strings.Repeat("█", filled), strings.Repeat("░", width-filled), percent)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
