// DBOS-backed durable execution track. The SQLite Orchestrator drives
// units with its own worker pool and survives restarts through store
// state; this track expresses the same unit lifecycle as DBOS workflows
// so an interrupted run resumes from the last completed step instead of
// the last database write. Selected by `foreman run` when
// DBOS_SYSTEM_DATABASE_URL is set.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloud-shuttle/foreman/internal/analytics"
	"github.com/cloud-shuttle/foreman/internal/checks"
	"github.com/cloud-shuttle/foreman/internal/config"
	"github.com/cloud-shuttle/foreman/internal/conflict"
	"github.com/cloud-shuttle/foreman/internal/consolidate"
	"github.com/cloud-shuttle/foreman/internal/db"
	"github.com/cloud-shuttle/foreman/internal/events"
	"github.com/cloud-shuttle/foreman/internal/executor"
	"github.com/cloud-shuttle/foreman/internal/gates"
	"github.com/cloud-shuttle/foreman/internal/report"
	"github.com/cloud-shuttle/foreman/internal/strategy"
	"github.com/cloud-shuttle/foreman/internal/webhooks"
	"github.com/cloud-shuttle/foreman/internal/workspace"
	"github.com/cloud-shuttle/foreman/pkg/telemetry"
	"github.com/cloud-shuttle/foreman/pkg/types"
	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// UnitInput is the serializable input of one durable unit workflow. The
// workflow reloads the unit from the store, so only identity and
// scheduling context travel through DBOS.
type UnitInput struct {
	UnitID      string
	TaskID      string
	Strategy    types.Strategy
	WorkspaceID string // pre-provisioned shared workspace, when set
	MaxAttempts int
}

// UnitResult is the checkpointed outcome of one durable unit workflow.
type UnitResult struct {
	UnitID   string
	Success  bool
	Output   string
	Error    string
	Duration time.Duration
	Merged   bool
}

// TaskRunStats summarizes a queue-driven task run.
type TaskRunStats struct {
	TotalEnqueued int
	Merged        int
	Rejected      int
	Duration      time.Duration
}

// agentStep carries the executor outcome across the step boundary.
type agentStep struct {
	Output   string
	Paths    []string
	Duration time.Duration
}

// DBOSOrchestrator schedules units onto a DBOS workflow queue. Each unit
// runs as its own workflow whose steps (provision, execute, commit, one
// per gate, consolidate) are individually checkpointed to Postgres.
type DBOSOrchestrator struct {
	config      *config.Config
	store       *db.Store
	manager     *workspace.Manager
	agent       executor.Agent
	pipeline    *gates.Pipeline
	coordinator *consolidate.Coordinator
	selector    *strategy.Selector
	detector    *conflict.Detector
	dbosCtx     dbos.DBOSContext
	queue       dbos.WorkflowQueue
	webhooks    *webhooks.Manager
	analytics   *analytics.Manager
	projectDir  string
	verbose     bool
}

// NewDBOSOrchestrator creates the durable orchestrator. The queue must
// exist before dbos.Launch, so construct this first, then register
// workflows, then launch.
func NewDBOSOrchestrator(cfg *config.Config, dbosCtx dbos.DBOSContext, projectDir string, store *db.Store) (*DBOSOrchestrator, error) {
	manager := workspace.NewManager(projectDir, filepath.Join(projectDir, cfg.WorkspaceDir), store)
	manager.SetVerbose(cfg.Verbose)

	agent, err := executor.New(&executor.Config{
		Type:       cfg.AgentType,
		Path:       cfg.AgentPath,
		Timeout:    cfg.UnitTimeout,
		Guidelines: cfg.Guidelines,
		Verbose:    cfg.Verbose,
	})
	if err != nil {
		return nil, fmt.Errorf("building agent: %w", err)
	}
	if err := agent.CheckInstalled(); err != nil {
		return nil, fmt.Errorf("checking agent: %w", err)
	}

	queue := dbos.NewWorkflowQueue(dbosCtx, "foreman-units",
		dbos.WithQueueBasePollingInterval(10*time.Millisecond),
	)

	o := &DBOSOrchestrator{
		config:      cfg,
		store:       store,
		manager:     manager,
		agent:       agent,
		coordinator: consolidate.NewCoordinator(store, manager),
		selector:    strategy.NewSelectorWithThresholds(cfg.DirectThreshold, cfg.SharedThreshold, cfg.SharedMaxUnits),
		detector:    conflict.NewDetector(),
		dbosCtx:     dbosCtx,
		queue:       queue,
		projectDir:  projectDir,
		verbose:     cfg.Verbose,
	}
	o.coordinator.SetVerbose(cfg.Verbose)
	o.pipeline = o.buildPipeline()
	return o, nil
}

// buildPipeline wires the same gate verifiers as the SQLite track. Gate
// events land in the store either way; the bus decoration stays on the
// in-process track.
func (o *DBOSOrchestrator) buildPipeline() *gates.Pipeline {
	checksCfg := checks.DefaultConfig()
	if !o.config.StrictChecks {
		checksCfg.Mode = checks.ModeLenient
	}
	checksCfg.Timeout = o.config.UnitTimeout

	p := gates.NewPipeline(o.store, gates.Options{
		MaxAttempts: o.config.GateRetryBudget,
		Verbose:     o.config.Verbose,
	})
	p.SetVerifier(types.GateBuildTest,
		gates.NewChecksVerifier(checks.NewRunner(checksCfg), o.projectDir))
	p.SetVerifier(types.GateReview,
		gates.NewCommandVerifier(types.GateReview, strings.Fields(o.config.ReviewCommand), o.projectDir, o.config.UnitTimeout))
	p.SetVerifier(types.GateSecurity,
		gates.NewCommandVerifier(types.GateSecurity, strings.Fields(o.config.SecurityCommand), o.projectDir, o.config.UnitTimeout))
	p.SetVerifier(types.GateAuthorization,
		gates.NewApprovalVerifier(o.store, o.config.ApprovalPollInterval))
	p.SetVerifier(types.GateIntegrate, gates.NewMergeVerifier(o.manager))
	p.SetFixer(gates.FixerFunc(o.fixUnit))
	return p
}

// SetWebhooks attaches a webhook manager for lifecycle notifications.
func (o *DBOSOrchestrator) SetWebhooks(m *webhooks.Manager) {
	o.webhooks = m
}

// SetAnalytics attaches a metrics manager.
func (o *DBOSOrchestrator) SetAnalytics(m *analytics.Manager) {
	o.analytics = m
}

// RegisterWorkflows registers the durable workflows. Must run before
// dbos.Launch.
func (o *DBOSOrchestrator) RegisterWorkflows() error {
	dbos.RegisterWorkflow(o.dbosCtx, o.ExecuteUnitWorkflow)
	log.Println("✅ DBOS workflows registered")
	return nil
}

// RunTaskUnits drives a planned task over the workflow queue: waves of
// ready units are enqueued, joined, and consolidated until every unit is
// terminal. Called from outside any workflow context.
func (o *DBOSOrchestrator) RunTaskUnits(taskID string) (TaskRunStats, error) {
	start := time.Now()
	stats := TaskRunStats{}

	task, err := o.store.GetTask(taskID)
	if err != nil {
		return stats, err
	}
	units, err := o.store.ListUnits(taskID)
	if err != nil {
		return stats, err
	}
	if len(units) == 0 {
		return stats, fmt.Errorf("task %s has no planned units; run 'foreman plan' first", taskID)
	}
	if task.Strategy == "" {
		return stats, fmt.Errorf("task %s has no recorded strategy; run 'foreman plan' first", taskID)
	}

	_, span := telemetry.StartWorkflowSpan(o.dbosCtx, string(task.Strategy), task.ID,
		attribute.Int("foreman.unit.count", len(units)))
	defer span.End()

	log.Printf("🔨 Starting foreman (durable): task %s with %d units (%s strategy)",
		task.ID, len(units), task.Strategy)

	if err := o.store.UpdateTaskStatus(task.ID, types.TaskStatusRunning); err != nil {
		return stats, err
	}
	if _, err := o.store.MarkReadyUnits(task.ID); err != nil {
		return stats, err
	}

	// A shared branch binds the whole group before the first unit runs
	var sharedWS *types.Workspace
	if task.Strategy == types.StrategySharedBranch {
		sharedWS, err = o.manager.Provision(task.ID, true)
		if err != nil {
			o.store.UpdateTaskStatus(task.ID, types.TaskStatusFailed)
			return stats, fmt.Errorf("provisioning shared workspace: %w", err)
		}
		if err := o.manager.Activate(sharedWS.ID); err != nil {
			o.store.UpdateTaskStatus(task.ID, types.TaskStatusFailed)
			return stats, fmt.Errorf("activating shared workspace: %w", err)
		}
		for _, u := range units {
			if err := o.store.SetUnitWorkspace(u.ID, sharedWS.ID); err != nil {
				return stats, err
			}
		}
	}

	for {
		// Reload each round: a wave may have escalated the strategy
		task, err = o.store.GetTask(taskID)
		if err != nil {
			return stats, err
		}

		ready, err := o.readyUnits(taskID)
		if err != nil {
			return stats, err
		}

		if len(ready) == 0 {
			counts, err := o.store.GetUnitCounts(taskID)
			if err != nil {
				return stats, err
			}
			if counts.Done() {
				break
			}
			if o.reapStranded(task) {
				continue
			}
			o.store.UpdateTaskStatus(task.ID, types.TaskStatusFailed)
			return stats, fmt.Errorf("task %s stalled with %d unsettled units",
				taskID, counts.Total-counts.Merged-counts.Rejected-counts.Cancelled)
		}

		wave := o.config.Workers
		if wave < 1 || task.Strategy == types.StrategyDirect {
			wave = 1
		}
		if len(ready) < wave {
			wave = len(ready)
		}

		handles := make([]dbos.WorkflowHandle[UnitResult], 0, wave)
		for _, unit := range ready[:wave] {
			input := UnitInput{
				UnitID:      unit.ID,
				TaskID:      task.ID,
				Strategy:    task.Strategy,
				MaxAttempts: o.config.MaxUnitAttempts,
			}
			if sharedWS != nil {
				input.WorkspaceID = sharedWS.ID
			}
			handle, err := dbos.RunWorkflow(o.dbosCtx, o.ExecuteUnitWorkflow, input,
				dbos.WithQueue(o.queue.Name),
			)
			if err != nil {
				log.Printf("❌ Failed to enqueue unit %s: %v", unit.ID, err)
				continue
			}
			stats.TotalEnqueued++
			handles = append(handles, handle)
			log.Printf("📤 Enqueued unit %s: %s", unit.ID, unit.Title)
		}

		for _, handle := range handles {
			result, err := handle.GetResult()
			if err != nil {
				log.Printf("❌ Durable unit failed: %v", err)
				continue
			}
			if o.verbose {
				log.Printf("📋 Unit %s: success=%v merged=%v", result.UnitID, result.Success, result.Merged)
			}
		}

		o.escalateIfConflicted(task)
	}

	if counts, err := o.store.GetUnitCounts(taskID); err == nil {
		stats.Merged = counts.Merged
		stats.Rejected = counts.Rejected + counts.Cancelled
	}
	stats.Duration = time.Since(start)

	// A shared workspace whose group never merged has nothing left to
	// wait for
	if sharedWS != nil {
		if fresh, err := o.store.GetWorkspace(sharedWS.ID); err == nil {
			switch fresh.State {
			case types.WorkspaceProvisioned, types.WorkspaceActive:
				o.manager.Discard(sharedWS.ID)
			}
		}
	}

	rep, err := report.NewBuilder(o.store).Build(task.ID, o.coordinator.MergeOrder())
	if err != nil {
		return stats, fmt.Errorf("building integration report: %w", err)
	}
	if err := report.NewBuilder(o.store).Save(rep); err != nil {
		return stats, fmt.Errorf("saving integration report: %w", err)
	}

	status := types.TaskStatusCompleted
	if rep.Rejected > 0 {
		status = types.TaskStatusFailed
	}
	if err := o.store.UpdateTaskStatus(task.ID, status); err != nil {
		return stats, err
	}

	span.SetAttributes(
		attribute.Int("foreman.workflow.merged", stats.Merged),
		attribute.Int("foreman.workflow.rejected", stats.Rejected),
	)

	log.Printf("📊 Durable run complete in %v", stats.Duration)
	if rep.Rejected > 0 {
		return stats, fmt.Errorf("task %s finished with %d rejected units", task.ID, rep.Rejected)
	}
	return stats, nil
}

// ExecuteUnitWorkflow is the durable workflow for one unit. Every phase
// is a checkpointed step: a recovered run reuses the provisioned
// workspace, skips the finished agent run, and resumes the gate sequence
// from the first unpassed gate.
func (o *DBOSOrchestrator) ExecuteUnitWorkflow(ctx dbos.DBOSContext, input UnitInput) (UnitResult, error) {
	start := time.Now()

	unit, err := o.store.GetUnit(input.UnitID)
	if err != nil {
		return UnitResult{UnitID: input.UnitID, Error: err.Error()}, err
	}

	log.Printf("👷 Durable unit %s: %s", unit.ID, unit.Title)

	_, span := telemetry.StartUnitSpan(ctx, telemetry.SpanUnitExecute,
		telemetry.UnitAttrs(unit.ID, unit.Title, string(unit.Status), scoreTotal(unit), unit.Attempts)...)
	defer span.End()

	o.emit(events.EventUnitStarted, unit.TaskID, unit.ID, map[string]any{
		"title":    unit.Title,
		"strategy": string(input.Strategy),
	})
	if o.analytics != nil {
		o.analytics.StartUnit(unit.ID, unit.TaskID, unit.Title, string(input.Strategy), o.config.AgentType)
	}

	wsID, err := dbos.RunAsStep(ctx, func(stepCtx context.Context) (string, error) {
		return o.provisionStep(stepCtx, unit, input)
	}, dbos.WithStepMaxRetries(3))
	if err != nil {
		return o.failResult(unit, span, start, telemetry.ErrorCategoryWorkspace,
			fmt.Sprintf("provisioning workspace: %v", err)), err
	}

	ws, err := o.loadWorkspace(wsID)
	if err != nil {
		return o.failResult(unit, span, start, telemetry.ErrorCategoryWorkspace, err.Error()), err
	}

	// DBOS owns the agent retry budget on this track
	attempts := input.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	agentOut, err := dbos.RunAsStep(ctx, func(stepCtx context.Context) (agentStep, error) {
		return o.executeStep(stepCtx, unit, ws)
	}, dbos.WithStepMaxRetries(attempts))
	if err != nil {
		return o.failResult(unit, span, start, telemetry.ErrorCategoryAgent,
			fmt.Sprintf("agent exhausted %d attempts: %v", attempts, err)), err
	}

	if ws != nil {
		if _, err := dbos.RunAsStep(ctx, func(stepCtx context.Context) (bool, error) {
			return o.commitStep(stepCtx, unit, ws)
		}, dbos.WithStepMaxRetries(3)); err != nil {
			return o.failResult(unit, span, start, telemetry.ErrorCategoryGit,
				fmt.Sprintf("committing workspace: %v", err)), err
		}
	}

	if err := o.store.UpdateUnitStatus(unit.ID, types.UnitStatusVerifying, ""); err != nil {
		return o.failResult(unit, span, start, telemetry.ErrorCategoryGate, err.Error()), err
	}

	// One checkpoint per gate; the pipeline itself manages fail/fix
	// retries within a gate, so the steps carry no extra retry budget
	for _, gate := range types.GateOrder() {
		if _, err := dbos.RunAsStep(ctx, func(stepCtx context.Context) (string, error) {
			if err := o.pipeline.RunGate(stepCtx, unit, ws, gate); err != nil {
				return "", err
			}
			return string(gate), nil
		}); err != nil {
			fresh, gerr := o.store.GetUnit(unit.ID)
			if gerr == nil && fresh.Status == types.UnitStatusRejected {
				// The pipeline already rejected the unit and cancelled
				// its dependents
				log.Printf("🛑 Unit %s rejected at gate %s", unit.ID, gate)
				telemetry.RecordError(span, err, "GateExhausted", telemetry.ErrorCategoryGate)
				o.emit(events.EventUnitRejected, unit.TaskID, unit.ID, map[string]any{
					"gate":   string(gate),
					"reason": fresh.LastError,
				})
				if o.analytics != nil {
					o.analytics.EndUnit(unit.ID, "rejected", fresh.LastError)
				}
				return UnitResult{UnitID: unit.ID, Error: fresh.LastError, Duration: time.Since(start)}, err
			}
			return o.failResult(unit, span, start, telemetry.ErrorCategoryGate,
				fmt.Sprintf("gate %s: %v", gate, err)), err
		}
	}

	if err := o.store.UpdateUnitStatus(unit.ID, types.UnitStatusIntegrated, ""); err != nil {
		return o.failResult(unit, span, start, telemetry.ErrorCategoryGate, err.Error()), err
	}
	o.store.AppendEvent(unit.TaskID, unit.ID, "unit_integrated", "all gates passed")
	o.emit(events.EventUnitIntegrated, unit.TaskID, unit.ID, map[string]any{"title": unit.Title})
	if o.analytics != nil {
		o.analytics.EndUnit(unit.ID, "integrated", "")
	}

	if ws != nil {
		if !ws.Shared {
			o.manager.MarkVerified(ws.ID)
		} else if groupIntegrated(o.store, unit.TaskID, ws.ID) {
			// The last unit through its gates verifies the group's
			// workspace; a racing sibling already did it otherwise
			o.manager.MarkVerified(ws.ID)
		}
	}

	merged, err := dbos.RunAsStep(ctx, func(stepCtx context.Context) (bool, error) {
		return o.consolidateStep(stepCtx, unit)
	}, dbos.WithStepMaxRetries(3))
	if err != nil {
		return o.failResult(unit, span, start, telemetry.ErrorCategoryGit,
			fmt.Sprintf("consolidating: %v", err)), err
	}

	// Consolidation may have rejected the whole group on an
	// incompatible merge
	if fresh, err := o.store.GetUnit(unit.ID); err == nil && fresh.Status == types.UnitStatusRejected {
		reason := fresh.LastError
		o.emit(events.EventUnitRejected, unit.TaskID, unit.ID, map[string]any{"reason": reason})
		if o.analytics != nil {
			o.analytics.EndUnit(unit.ID, "rejected", reason)
		}
		return UnitResult{UnitID: unit.ID, Error: reason, Duration: time.Since(start)},
			fmt.Errorf("unit %s: %s", unit.ID, reason)
	}

	duration := time.Since(start)
	log.Printf("✅ Durable unit %s finished in %v", unit.ID, duration)

	return UnitResult{
		UnitID:   unit.ID,
		Success:  true,
		Output:   agentOut.Output,
		Duration: duration,
		Merged:   merged,
	}, nil
}

// provisionStep resolves the unit's workspace. Isolated units get their
// own worktree; shared units ride the group workspace bound by the
// scheduler; direct units work on the project directory.
func (o *DBOSOrchestrator) provisionStep(ctx context.Context, unit *types.WorkUnit, input UnitInput) (string, error) {
	switch input.Strategy {
	case types.StrategyIsolatedWorkspace:
		if unit.WorkspaceID != "" {
			// Recovery: the workspace from the interrupted run survives
			if err := o.manager.Activate(unit.WorkspaceID); err == nil {
				return unit.WorkspaceID, nil
			}
		}
		ws, err := o.manager.Provision(unit.ID, false)
		if err != nil {
			return "", err
		}
		if err := o.store.SetUnitWorkspace(unit.ID, ws.ID); err != nil {
			return "", err
		}
		if err := o.manager.Activate(ws.ID); err != nil {
			return "", err
		}
		o.emit(events.EventWorkspaceProvisioned, unit.TaskID, unit.ID, map[string]any{
			"workspace": ws.ID,
			"branch":    ws.Branch,
		})
		return ws.ID, nil
	case types.StrategySharedBranch:
		if input.WorkspaceID != "" {
			return input.WorkspaceID, nil
		}
		return unit.WorkspaceID, nil
	default:
		return "", nil
	}
}

// executeStep runs the agent and records any ownership discovered at
// runtime. Escalation on those conflicts happens at the scheduler's wave
// boundary.
func (o *DBOSOrchestrator) executeStep(ctx context.Context, unit *types.WorkUnit, ws *types.Workspace) (agentStep, error) {
	if err := o.store.UpdateUnitStatus(unit.ID, types.UnitStatusExecuting, ""); err != nil {
		return agentStep{}, err
	}

	dir := o.projectDir
	if ws != nil {
		dir = ws.Path
	}

	result := o.agent.Execute(ctx, dir, unit)
	if !result.Success {
		msg := "agent reported failure"
		if result.Error != nil {
			msg = result.Error.Error()
		}
		return agentStep{}, fmt.Errorf("agent failed for unit %s: %s", unit.ID, msg)
	}

	touched := result.ModifiedPaths
	if len(touched) == 0 && ws != nil {
		if paths, err := o.manager.ModifiedPaths(ws); err == nil {
			touched = paths
		}
	}
	o.recordDiscoveredClaims(unit, touched)
	if o.analytics != nil {
		o.analytics.UpdateUnitFiles(unit.ID, len(touched))
	}

	return agentStep{Output: result.Output, Paths: touched, Duration: result.Duration}, nil
}

// recordDiscoveredClaims persists runtime ownership and any conflicts it
// creates against active claims.
func (o *DBOSOrchestrator) recordDiscoveredClaims(unit *types.WorkUnit, touched []string) {
	if len(touched) == 0 {
		return
	}
	claims, err := o.store.ListActiveClaims()
	if err != nil {
		return
	}
	discovered, conflicts := o.detector.DetectDynamic(unit.ID, touched, claims)
	if len(discovered) > 0 {
		o.store.AddClaims(discovered)
	}
	if len(conflicts) == 0 {
		return
	}
	o.store.SaveConflicts(conflicts)
	for _, c := range conflicts {
		log.Printf("⚠️  Runtime ownership conflict: %s and %s overlap on %v", c.UnitA, c.UnitB, c.Paths)
		o.emit(events.EventConflictDetected, unit.TaskID, c.UnitA, map[string]any{
			"unit_b": c.UnitB,
			"paths":  c.Paths,
			"origin": string(c.Origin),
		})
	}
}

// commitStep commits the agent's work on the unit's branch.
func (o *DBOSOrchestrator) commitStep(ctx context.Context, unit *types.WorkUnit, ws *types.Workspace) (bool, error) {
	return o.manager.Commit(ws, fmt.Sprintf("foreman: %s\n\n%s", unit.Title, unit.Description))
}

// consolidateStep merges everything currently eligible in DAG order and
// reports whether this unit landed. Safe to re-run: merged units are
// skipped and the coordinator serializes rounds.
func (o *DBOSOrchestrator) consolidateStep(ctx context.Context, unit *types.WorkUnit) (bool, error) {
	res, err := o.coordinator.Consolidate(ctx, unit.TaskID)
	if err != nil {
		return false, err
	}

	for _, rec := range res.Merged {
		log.Printf("📦 Unit %s merged into the integration point (position %d)", rec.UnitID, rec.Position)
		o.emit(events.EventUnitMerged, unit.TaskID, rec.UnitID, map[string]any{
			"position": rec.Position,
			"branch":   rec.Branch,
		})
		if o.analytics != nil {
			o.analytics.IncrementCounter("units_merged", 1, map[string]string{"task": unit.TaskID})
		}
	}
	for _, id := range res.Incompatible {
		log.Printf("❌ Unit %s could not merge cleanly", id)
		o.emit(events.EventMergeFailed, unit.TaskID, id, nil)
	}
	for _, id := range res.Cancelled {
		o.emit(events.EventUnitCancelled, unit.TaskID, id, nil)
	}

	fresh, err := o.store.GetUnit(unit.ID)
	if err != nil {
		return false, err
	}
	return fresh.Status == types.UnitStatusMerged, nil
}

// fixUnit hands a gate's blocking issues back to the producing agent.
func (o *DBOSOrchestrator) fixUnit(ctx context.Context, unit *types.WorkUnit, ws *types.Workspace, gate types.Gate, issues []types.BlockingIssue) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "The %s gate failed with these blocking issues:\n", gate)
	for _, issue := range issues {
		fmt.Fprintf(&sb, "- [%s] %s\n", issue.Severity, issue.Text)
	}
	unit.LastError = sb.String()

	log.Printf("🔧 Handing unit %s back to the agent to fix %s findings", unit.ID, gate)

	dir := o.projectDir
	if ws != nil {
		dir = ws.Path
	}
	result := o.agent.Execute(ctx, dir, unit)
	if !result.Success {
		if result.Error != nil {
			return fmt.Errorf("fix run for unit %s: %w", unit.ID, result.Error)
		}
		return fmt.Errorf("fix run for unit %s failed", unit.ID)
	}

	if ws != nil {
		if _, err := o.manager.Commit(ws, fmt.Sprintf("foreman: fix %s findings for %s", gate, unit.ID)); err != nil {
			return fmt.Errorf("committing fix for unit %s: %w", unit.ID, err)
		}
	}
	return nil
}

// failResult rejects a unit whose infrastructure failed terminally and
// returns the failed outcome.
func (o *DBOSOrchestrator) failResult(unit *types.WorkUnit, span trace.Span, start time.Time, category, msg string) UnitResult {
	telemetry.RecordError(span, errors.New(msg), "UnitFailed", category)
	log.Printf("❌ Unit %s failed: %s", unit.ID, msg)

	cancelled, err := o.store.RejectUnit(unit.ID, msg)
	if err == nil {
		o.store.AppendEvent(unit.TaskID, unit.ID, "unit_rejected", msg)
		for _, dep := range cancelled {
			o.store.AppendEvent(unit.TaskID, dep, "unit_cancelled",
				fmt.Sprintf("prerequisite %s was rejected", unit.ID))
			o.emit(events.EventUnitCancelled, unit.TaskID, dep, nil)
		}
	}

	o.emit(events.EventUnitRejected, unit.TaskID, unit.ID, map[string]any{"reason": msg})
	if o.analytics != nil {
		o.analytics.EndUnit(unit.ID, "rejected", msg)
	}
	return UnitResult{UnitID: unit.ID, Error: msg, Duration: time.Since(start)}
}

// readyUnits lists the task's units eligible for enqueueing, in plan
// order.
func (o *DBOSOrchestrator) readyUnits(taskID string) ([]*types.WorkUnit, error) {
	units, err := o.store.ListUnits(taskID)
	if err != nil {
		return nil, err
	}
	var ready []*types.WorkUnit
	for _, u := range units {
		if u.Status == types.UnitStatusReady {
			ready = append(ready, u)
		}
	}
	return ready, nil
}

// reapStranded rejects integrated units stuck behind a shared branch
// that can never merge because a group member was rejected. Returns
// whether anything changed.
func (o *DBOSOrchestrator) reapStranded(task *types.Task) bool {
	units, err := o.store.ListUnits(task.ID)
	if err != nil {
		return false
	}

	byWorkspace := make(map[string][]*types.WorkUnit)
	for _, u := range units {
		if u.WorkspaceID != "" {
			byWorkspace[u.WorkspaceID] = append(byWorkspace[u.WorkspaceID], u)
		}
	}

	reaped := false
	for _, u := range units {
		if u.Status != types.UnitStatusIntegrated || u.WorkspaceID == "" {
			continue
		}
		ws, err := o.store.GetWorkspace(u.WorkspaceID)
		if err != nil || !ws.Shared {
			continue
		}
		for _, member := range byWorkspace[u.WorkspaceID] {
			if member.Status != types.UnitStatusRejected && member.Status != types.UnitStatusCancelled {
				continue
			}
			reason := fmt.Sprintf("shared branch %s carries rejected work from %s", ws.Branch, member.ID)
			log.Printf("🛑 Unit %s cannot merge: %s", u.ID, reason)
			cancelled, err := o.store.RejectUnit(u.ID, reason)
			if err != nil {
				break
			}
			o.store.AppendEvent(task.ID, u.ID, "unit_rejected", reason)
			o.emit(events.EventUnitRejected, task.ID, u.ID, map[string]any{"reason": reason})
			for _, dep := range cancelled {
				o.store.AppendEvent(task.ID, dep, "unit_cancelled",
					fmt.Sprintf("prerequisite %s was rejected", u.ID))
				o.emit(events.EventUnitCancelled, task.ID, dep, nil)
			}
			reaped = true
			break
		}
	}
	return reaped
}

// escalateIfConflicted re-runs the selector over the task's recorded
// conflicts at a wave boundary. Escalation only; a calmer read never
// walks the strategy back mid-run.
func (o *DBOSOrchestrator) escalateIfConflicted(task *types.Task) {
	units, err := o.store.ListUnits(task.ID)
	if err != nil || len(units) == 0 {
		return
	}
	conflicts, err := taskConflicts(o.store, task.ID)
	if err != nil || len(conflicts) == 0 {
		return
	}

	prev := types.StrategyDecision{Strategy: task.Strategy, Rationale: task.Rationale}
	next, changed := o.selector.Reevaluate(prev, units, unitScores(units), conflicts)
	if !changed {
		return
	}

	log.Printf("🔍 Escalating strategy to %s: %s", next.Strategy, next.Rationale)
	if err := o.store.SetTaskStrategy(task.ID, next); err != nil {
		return
	}
	task.Strategy = next.Strategy
	task.Rationale = next.Rationale
	o.emit(events.EventStrategySelected, task.ID, "", map[string]any{
		"strategy":  string(next.Strategy),
		"rationale": next.Rationale,
		"escalated": true,
	})
}

// loadWorkspace resolves a step's workspace ID; empty means direct.
func (o *DBOSOrchestrator) loadWorkspace(id string) (*types.Workspace, error) {
	if id == "" {
		return nil, nil
	}
	return o.store.GetWorkspace(id)
}

// emit forwards a lifecycle event to the webhook manager, when attached.
func (o *DBOSOrchestrator) emit(t events.EventType, taskID, unitID string, data map[string]any) {
	if o.webhooks == nil {
		return
	}
	o.webhooks.Emit(events.New(t, taskID, unitID, data))
}

// PrintStats renders the durable run summary.
func (o *DBOSOrchestrator) PrintStats(stats TaskRunStats) {
	fmt.Println("\n🔨 Foreman Run Complete (Durable Mode)")
	fmt.Println("═══════════════════════════════════════")
	fmt.Printf("\nUnits enqueued:  %d", stats.TotalEnqueued)
	fmt.Printf("\nMerged:          %d", stats.Merged)
	fmt.Printf("\nRejected:        %d", stats.Rejected)
	fmt.Printf("\nDuration:        %v\n", stats.Duration)

	if stats.Rejected > 0 {
		fmt.Println("\n⚠️  Some units did not integrate")
		fmt.Println("   Run 'foreman report' for details")
	}
}
