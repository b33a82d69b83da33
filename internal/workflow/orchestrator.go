// Package workflow drives tasks from decomposition to the integration
// report: plan, score, detect conflicts, select a strategy, provision
// workspaces, execute units through the gate pipeline, consolidate in
// dependency order. Two tracks share these phases: the SQLite-backed
// Orchestrator here and the DBOS durable track in dbos_workflow.go.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cloud-shuttle/foreman/internal/analytics"
	"github.com/cloud-shuttle/foreman/internal/backpressure"
	"github.com/cloud-shuttle/foreman/internal/callbacks"
	"github.com/cloud-shuttle/foreman/internal/checks"
	"github.com/cloud-shuttle/foreman/internal/config"
	"github.com/cloud-shuttle/foreman/internal/conflict"
	"github.com/cloud-shuttle/foreman/internal/consolidate"
	"github.com/cloud-shuttle/foreman/internal/db"
	"github.com/cloud-shuttle/foreman/internal/events"
	"github.com/cloud-shuttle/foreman/internal/executor"
	"github.com/cloud-shuttle/foreman/internal/flags"
	"github.com/cloud-shuttle/foreman/internal/gates"
	"github.com/cloud-shuttle/foreman/internal/outcome"
	"github.com/cloud-shuttle/foreman/internal/plan"
	"github.com/cloud-shuttle/foreman/internal/report"
	"github.com/cloud-shuttle/foreman/internal/score"
	"github.com/cloud-shuttle/foreman/internal/strategy"
	"github.com/cloud-shuttle/foreman/internal/workspace"
	"github.com/cloud-shuttle/foreman/pkg/telemetry"
	"github.com/cloud-shuttle/foreman/pkg/types"
	"go.opentelemetry.io/otel/attribute"
)

// Orchestrator runs one task end to end against the SQLite store.
type Orchestrator struct {
	config      *config.Config
	store       *db.Store
	manager     *workspace.Manager
	agent       executor.Agent
	decomposer  *plan.Decomposer
	scorer      *score.Scorer
	selector    *strategy.Selector
	detector    *conflict.Detector
	pipeline    *gates.Pipeline
	coordinator *consolidate.Coordinator
	controller  *backpressure.Controller
	bus         *events.Bus
	registry    *callbacks.Registry
	analytics   *analytics.Manager
	flags       *flags.Manager
	projectDir  string
	verbose     bool
}

// NewOrchestrator wires the full execution stack from config.
func NewOrchestrator(cfg *config.Config, store *db.Store, projectDir string) (*Orchestrator, error) {
	manager := workspace.NewManager(
		projectDir,
		filepath.Join(projectDir, cfg.WorkspaceDir),
		store,
	)
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

	coordinator := consolidate.NewCoordinator(store, manager)
	coordinator.SetVerbose(cfg.Verbose)

	o := &Orchestrator{
		config:      cfg,
		store:       store,
		manager:     manager,
		agent:       agent,
		decomposer:  plan.NewDecomposer(),
		scorer:      score.NewScorer(),
		selector:    strategy.NewSelectorWithThresholds(cfg.DirectThreshold, cfg.SharedThreshold, cfg.SharedMaxUnits),
		detector:    conflict.NewDetector(),
		coordinator: coordinator,
		controller: backpressure.NewController(backpressure.Config{
			InitialWorkers: cfg.Workers,
			MaxWorkers:     cfg.Workers,
		}),
		bus:        events.NewBus(),
		registry:   callbacks.NewRegistry(),
		projectDir: projectDir,
		verbose:    cfg.Verbose,
	}
	o.pipeline = o.buildPipeline()
	return o, nil
}

// buildPipeline assembles the gate pipeline with the default verifiers:
// the checks runner for build-test, configured hooks for review and
// security, the approval store for authorization and a merge dry-run
// for integrate. The agent doubles as the remediation fix step.
func (o *Orchestrator) buildPipeline() *gates.Pipeline {
	p := gates.NewPipeline(o.store, gates.Options{
		MaxAttempts: o.config.GateRetryBudget,
		Verbose:     o.verbose,
	})

	checksCfg := checks.DefaultConfig()
	if !o.config.StrictChecks {
		checksCfg.Mode = checks.ModeLenient
	}
	checksCfg.Timeout = o.config.UnitTimeout

	p.SetVerifier(types.GateBuildTest, o.emitting(types.GateBuildTest,
		gates.NewChecksVerifier(checks.NewRunner(checksCfg), o.projectDir)))
	p.SetVerifier(types.GateReview, o.emitting(types.GateReview,
		gates.NewCommandVerifier(types.GateReview, strings.Fields(o.config.ReviewCommand), o.projectDir, o.config.UnitTimeout)))
	p.SetVerifier(types.GateSecurity, o.emitting(types.GateSecurity,
		gates.NewCommandVerifier(types.GateSecurity, strings.Fields(o.config.SecurityCommand), o.projectDir, o.config.UnitTimeout)))
	p.SetVerifier(types.GateAuthorization, o.emitting(types.GateAuthorization,
		gates.NewApprovalVerifier(o.store, o.config.ApprovalPollInterval)))
	p.SetVerifier(types.GateIntegrate, o.emitting(types.GateIntegrate,
		gates.NewMergeVerifier(o.manager)))

	p.SetFixer(gates.FixerFunc(func(ctx context.Context, unit *types.WorkUnit, ws *types.Workspace, gate types.Gate, issues []types.BlockingIssue) error {
		return o.fixUnit(ctx, unit, ws, gate, issues)
	}))
	return p
}

// emitting wraps a verifier so every verdict reaches the event bus,
// the callback registry and analytics alongside the store.
func (o *Orchestrator) emitting(gate types.Gate, v gates.Verifier) gates.Verifier {
	return gates.VerifierFunc(func(ctx context.Context, unit *types.WorkUnit, ws *types.Workspace) (*outcome.Outcome, error) {
		attempt, _ := o.store.LatestGateAttempt(unit.ID, gate)
		attempt++

		out, err := v.Verify(ctx, unit, ws)
		if err != nil || out == nil {
			return out, err
		}

		busType, cbType := events.EventGateFailed, callbacks.EventGateFailed
		if out.Passed() {
			busType, cbType = events.EventGatePassed, callbacks.EventGatePassed
		}
		o.bus.Emit(events.New(busType, unit.TaskID, unit.ID, map[string]any{
			"verdict": string(out.Verdict),
			"attempt": attempt,
		}).WithGate(string(gate)))

		issues := make([]string, 0, len(out.BlockingIssues))
		for _, issue := range out.BlockingIssues {
			issues = append(issues, issue.Text)
		}
		o.registry.DispatchGate(cbType, &callbacks.GateEventContext{
			UnitID:         unit.ID,
			TaskID:         unit.TaskID,
			Gate:           string(gate),
			Verdict:        string(out.Verdict),
			Attempt:        attempt,
			MaxAttempts:    o.config.GateRetryBudget,
			BlockingIssues: issues,
			Summary:        out.Summary,
			Timestamp:      time.Now(),
		})

		if o.analytics != nil {
			o.analytics.RecordGateAttempt(unit.ID, string(gate), string(out.Verdict))
		}
		return out, nil
	})
}

// fixUnit hands a failed unit back to its agent with the gate's
// blocking issues and commits whatever the fix run produced.
func (o *Orchestrator) fixUnit(ctx context.Context, unit *types.WorkUnit, ws *types.Workspace, gate types.Gate, issues []types.BlockingIssue) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "The %s gate failed with these blocking issues:\n", gate)
	for _, issue := range issues {
		fmt.Fprintf(&sb, "- [%s] %s\n", issue.Severity, issue.Text)
	}
	unit.LastError = sb.String()

	if o.verbose {
		log.Printf("🔧 Handing unit %s back to the agent to fix %s findings", unit.ID, gate)
	}

	result := o.agent.Execute(ctx, o.workDir(ws), unit)
	o.controller.Observe(result.Signal)
	if !result.Success {
		if result.Error != nil {
			return fmt.Errorf("fix run: %w", result.Error)
		}
		return fmt.Errorf("fix run reported failure")
	}

	if ws != nil {
		msg := fmt.Sprintf("foreman: fix %s findings for %s", gate, unit.ID)
		if _, err := o.manager.Commit(ws, msg); err != nil {
			return fmt.Errorf("committing fix: %w", err)
		}
	}
	return nil
}

// Bus exposes the event bus so callers can attach webhook managers or
// stream events.
func (o *Orchestrator) Bus() *events.Bus {
	return o.bus
}

// Callbacks exposes the lifecycle callback registry.
func (o *Orchestrator) Callbacks() *callbacks.Registry {
	return o.registry
}

// SetAnalytics attaches a metrics manager. Optional.
func (o *Orchestrator) SetAnalytics(m *analytics.Manager) {
	o.analytics = m
}

// SetFlags attaches a feature flag manager. Optional; without one every
// toggle defaults to enabled.
func (o *Orchestrator) SetFlags(m *flags.Manager) {
	o.flags = m
}

// SetAgent swaps the executor boundary. Used by tests to substitute
// script-backed agents.
func (o *Orchestrator) SetAgent(agent executor.Agent) {
	o.agent = agent
}

// Pipeline exposes the gate pipeline for verifier overrides.
func (o *Orchestrator) Pipeline() *gates.Pipeline {
	return o.pipeline
}

// workDir is where a unit's agent runs: its workspace, or the project
// directory for direct units.
func (o *Orchestrator) workDir(ws *types.Workspace) string {
	if ws != nil {
		return ws.Path
	}
	return o.projectDir
}

// Plan decomposes a task into work units, detects static ownership
// conflicts, scores every unit and selects the execution strategy. The
// result is fully persisted; Run picks it up from the store.
func (o *Orchestrator) Plan(ctx context.Context, taskID string) (*plan.Plan, *types.StrategyDecision, error) {
	task, err := o.store.GetTask(taskID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading task: %w", err)
	}

	_, span := telemetry.StartUnitSpan(ctx, telemetry.SpanPlanDecompose,
		attribute.String(telemetry.KeyTaskID, taskID))
	defer span.End()

	p, err := o.decomposer.Decompose(task)
	if err != nil {
		return nil, nil, fmt.Errorf("decomposing task %s: %w", taskID, err)
	}

	var claims []types.FileOwnershipClaim
	for _, unit := range p.Units {
		unit.MaxAttempts = o.config.MaxUnitAttempts
		for _, f := range unit.Files {
			claims = append(claims, types.FileOwnershipClaim{
				UnitID:  unit.ID,
				Pattern: f.Path,
				Mode:    types.OwnershipExclusive,
				Origin:  types.ClaimDeclared,
			})
		}
	}

	conflicts := o.detector.Detect(claims)
	overlaps := conflict.OverlapCounts(conflicts)
	scores, scoreErrs := o.scorer.ScoreAll(p.Units, overlaps)

	// Units that cannot be scored go terminal before execution; their
	// siblings proceed and the strategy is chosen over the survivors.
	scorable := make([]*types.WorkUnit, 0, len(p.Units))
	for _, unit := range p.Units {
		if _, bad := scoreErrs[unit.ID]; !bad {
			scorable = append(scorable, unit)
		}
	}
	decision := o.selector.Select(scorable, scores, conflicts)

	if err := o.store.SaveUnits(p.Units); err != nil {
		return nil, nil, fmt.Errorf("saving units: %w", err)
	}
	for id, sc := range scores {
		if err := o.store.SetUnitScore(id, sc); err != nil {
			return nil, nil, fmt.Errorf("saving score for %s: %w", id, err)
		}
	}
	for id, serr := range scoreErrs {
		log.Printf("⚠️  Unit %s cannot be scored: %v", id, serr)
		if _, err := o.store.RejectUnit(id, serr.Error()); err != nil {
			return nil, nil, fmt.Errorf("rejecting unscorable unit %s: %w", id, err)
		}
		o.store.AppendEvent(taskID, id, "unit_rejected", serr.Error())
	}
	if err := o.store.AddClaims(claims); err != nil {
		return nil, nil, fmt.Errorf("recording claims: %w", err)
	}
	if len(conflicts) > 0 {
		if err := o.store.SaveConflicts(conflicts); err != nil {
			return nil, nil, fmt.Errorf("recording conflicts: %w", err)
		}
	}
	if err := o.store.SetTaskStrategy(taskID, decision); err != nil {
		return nil, nil, fmt.Errorf("recording strategy: %w", err)
	}
	if _, err := o.store.MarkReadyUnits(taskID); err != nil {
		return nil, nil, fmt.Errorf("marking ready units: %w", err)
	}

	o.bus.Emit(events.New(events.EventPlanReady, taskID, "", map[string]any{
		"units": len(p.Units),
	}))
	for _, c := range conflicts {
		log.Printf("⚠️  Ownership conflict: %s and %s both claim %v", c.UnitA, c.UnitB, c.Paths)
		o.bus.Emit(events.New(events.EventConflictDetected, taskID, c.UnitA, map[string]any{
			"unit_b": c.UnitB,
			"paths":  c.Paths,
			"origin": string(c.Origin),
		}))
	}
	o.bus.Emit(events.New(events.EventStrategySelected, taskID, "", map[string]any{
		"strategy":  string(decision.Strategy),
		"rationale": decision.Rationale,
	}))

	return p, &decision, nil
}

// Run executes a task to completion: every unit through its gates,
// eligible units consolidated, the integration report saved. Tasks
// without persisted units are planned first.
func (o *Orchestrator) Run(ctx context.Context, taskID string) error {
	start := time.Now()

	task, err := o.store.GetTask(taskID)
	if err != nil {
		return fmt.Errorf("loading task: %w", err)
	}

	units, err := o.store.ListUnits(taskID)
	if err != nil {
		return fmt.Errorf("loading units: %w", err)
	}
	if len(units) == 0 {
		if _, _, err := o.Plan(ctx, taskID); err != nil {
			o.store.UpdateTaskStatus(taskID, types.TaskStatusFailed)
			return err
		}
		task, err = o.store.GetTask(taskID)
		if err != nil {
			return fmt.Errorf("reloading task: %w", err)
		}
		units, err = o.store.ListUnits(taskID)
		if err != nil {
			return fmt.Errorf("reloading units: %w", err)
		}
	}

	// Units added by hand after planning may have left the task without
	// a recorded strategy; decide over what the store holds.
	if task.Strategy == "" {
		conflicts, _ := taskConflicts(o.store, taskID)
		decision := o.selector.Select(units, unitScores(units), conflicts)
		if err := o.store.SetTaskStrategy(taskID, decision); err != nil {
			return fmt.Errorf("recording strategy: %w", err)
		}
		task.Strategy = decision.Strategy
		task.Rationale = decision.Rationale
	}

	ctx, span := telemetry.StartWorkflowSpan(ctx, string(task.Strategy), taskID)
	defer span.End()

	if err := o.store.UpdateTaskStatus(taskID, types.TaskStatusRunning); err != nil {
		return fmt.Errorf("marking task running: %w", err)
	}
	o.store.MarkReadyUnits(taskID)

	workers := o.workerCount(task.Strategy)
	log.Printf("🔨 Starting foreman: task %s with %d units (%s strategy, %d workers)",
		taskID, len(units), task.Strategy, workers)

	o.bus.Emit(events.New(events.EventTaskStarted, taskID, "", map[string]any{
		"strategy": string(task.Strategy),
		"units":    len(units),
	}))
	o.registry.DispatchTask(callbacks.EventTaskStarted, &callbacks.TaskEventContext{
		TaskID:    taskID,
		Title:     task.Title,
		Strategy:  string(task.Strategy),
		UnitCount: len(units),
		Timestamp: time.Now(),
	})

	// A shared-branch group works in one workspace provisioned up
	// front; isolated units provision their own at claim time. Binding
	// every unit now fixes the group before the first merge check.
	var sharedWS *types.Workspace
	if task.Strategy == types.StrategySharedBranch {
		sharedWS, err = o.manager.Provision(taskID, true)
		if err != nil {
			o.store.UpdateTaskStatus(taskID, types.TaskStatusFailed)
			return fmt.Errorf("provisioning shared workspace: %w", err)
		}
		if err := o.manager.Activate(sharedWS.ID); err != nil {
			o.store.UpdateTaskStatus(taskID, types.TaskStatusFailed)
			return fmt.Errorf("activating shared workspace: %w", err)
		}
		for _, u := range units {
			if err := o.store.SetUnitWorkspace(u.ID, sharedWS.ID); err != nil {
				return fmt.Errorf("binding unit %s to shared workspace: %w", u.ID, err)
			}
		}
		o.bus.Emit(events.New(events.EventWorkspaceProvisioned, taskID, "", map[string]any{
			"workspace": sharedWS.ID,
			"branch":    sharedWS.Branch,
			"shared":    true,
		}))
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go o.worker(ctx, i, taskID, sharedWS, &wg)
	}

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("🛑 Context cancelled, stopping...")
			wg.Wait()
			o.store.UpdateTaskStatus(taskID, types.TaskStatusFailed)
			return ctx.Err()

		case <-ticker.C:
			o.consolidatePass(ctx, taskID)

			counts, err := o.store.GetUnitCounts(taskID)
			if err != nil {
				log.Printf("Error getting unit counts: %v", err)
				continue
			}
			if counts.Done() {
				wg.Wait()
				return o.finish(ctx, task, sharedWS, start)
			}
			o.printProgress(counts)
		}
	}
}

// workerCount derives the pool size: direct runs strictly sequentially,
// everything else uses the configured worker count, optionally capped
// by the max_concurrent_workers flag.
func (o *Orchestrator) workerCount(st types.Strategy) int {
	if st == types.StrategyDirect {
		return 1
	}
	workers := o.config.Workers
	if workers < 1 {
		workers = 1
	}
	if o.flags != nil {
		if n := o.flags.GetInt("max_concurrent_workers"); n > 0 && n < workers {
			workers = n
		}
	}
	return workers
}

// worker claims ready units and executes them until the task settles or
// the context ends.
func (o *Orchestrator) worker(ctx context.Context, idx int, taskID string, sharedWS *types.Workspace, wg *sync.WaitGroup) {
	defer wg.Done()

	workerID := fmt.Sprintf("worker-%d", idx)
	if o.verbose {
		log.Printf("👷 Worker %d started", idx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if o.flags != nil && o.flags.GetBool("kill_switch_all_workers") {
			log.Printf("🛑 Worker %d stopping: kill switch engaged", idx)
			return
		}

		if o.backpressureOn() && !o.controller.CanStart() {
			if !sleepCtx(ctx, o.config.PollInterval) {
				return
			}
			continue
		}

		unit, err := o.store.ClaimUnitForTask(workerID, taskID)
		if err != nil {
			log.Printf("Worker %d: error claiming unit: %v", idx, err)
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}
		if unit == nil {
			counts, err := o.store.GetUnitCounts(taskID)
			if err == nil && counts.Done() {
				return
			}
			// Nothing ready yet; pending units may become ready once
			// their prerequisites merge
			if !sleepCtx(ctx, o.config.PollInterval) {
				return
			}
			continue
		}

		o.controller.Started()
		o.executeUnit(ctx, idx, unit, sharedWS)
		o.controller.Finished()
	}
}

// executeUnit runs one claimed unit: workspace, agent, dynamic
// ownership check, commit, gate pipeline, consolidation.
func (o *Orchestrator) executeUnit(ctx context.Context, workerIdx int, unit *types.WorkUnit, sharedWS *types.Workspace) {
	start := time.Now()

	// The strategy may have escalated since this unit was planned
	task, err := o.store.GetTask(unit.TaskID)
	if err != nil {
		log.Printf("Error loading task for unit %s: %v", unit.ID, err)
		o.failUnit(nil, unit, nil, fmt.Sprintf("loading task: %v", err))
		return
	}

	ctx, span := telemetry.StartUnitSpan(ctx, telemetry.SpanUnitExecute,
		telemetry.UnitAttrs(unit.ID, unit.Title, string(unit.Status), scoreTotal(unit), unit.Attempts)...)
	defer span.End()

	log.Printf("👷 Worker %d executing unit %s: %s", workerIdx, unit.ID, unit.Title)

	var ws *types.Workspace
	switch task.Strategy {
	case types.StrategyIsolatedWorkspace:
		ws, err = o.manager.Provision(unit.ID, false)
		if err != nil {
			log.Printf("❌ Unit %s failed: provisioning workspace: %v", unit.ID, err)
			telemetry.RecordError(span, err, "WorkspaceProvisionFailed", telemetry.ErrorCategoryWorkspace)
			o.failUnit(task, unit, nil, fmt.Sprintf("provisioning workspace: %v", err))
			return
		}
		o.store.SetUnitWorkspace(unit.ID, ws.ID)
		if err := o.manager.Activate(ws.ID); err != nil {
			o.failUnit(task, unit, ws, fmt.Sprintf("activating workspace: %v", err))
			return
		}
		o.bus.Emit(events.New(events.EventWorkspaceProvisioned, task.ID, unit.ID, map[string]any{
			"workspace": ws.ID,
			"branch":    ws.Branch,
		}))
	case types.StrategySharedBranch:
		ws = sharedWS
		if ws != nil && unit.WorkspaceID == "" {
			// Units re-queued after an escalation back off to their
			// planned binding
			o.store.SetUnitWorkspace(unit.ID, ws.ID)
		}
	default:
		// Direct units work on the project directory itself
	}

	if err := o.store.UpdateUnitStatus(unit.ID, types.UnitStatusExecuting, ""); err != nil {
		log.Printf("Error updating unit status: %v", err)
	}
	o.emitUnit(events.EventUnitStarted, callbacks.EventUnitStarted, task, unit, &callbacks.UnitEventContext{
		PrevStatus:  string(types.UnitStatusClaimed),
		NewStatus:   string(types.UnitStatusExecuting),
		WorkerIndex: workerIdx,
		Attempt:     unit.Attempts + 1,
	})
	if o.analytics != nil {
		o.analytics.StartUnit(unit.ID, task.ID, unit.Title, string(task.Strategy), o.config.AgentType)
	}

	result := o.agent.Execute(ctx, o.workDir(ws), unit)
	o.controller.Observe(result.Signal)

	if !result.Success {
		errMsg := "agent execution failed"
		if result.Error != nil {
			errMsg = result.Error.Error()
		}
		log.Printf("❌ Unit %s failed: %s", unit.ID, errMsg)
		telemetry.RecordError(span, result.Error, "AgentExecutionFailed", telemetry.ErrorCategoryAgent)
		o.failUnit(task, unit, ws, errMsg)
		return
	}

	duration := result.Duration
	o.emitUnit(events.EventUnitExecuted, callbacks.EventUnitExecuted, task, unit, &callbacks.UnitEventContext{
		NewStatus:   string(types.UnitStatusExecuting),
		WorkerIndex: workerIdx,
		Attempt:     unit.Attempts + 1,
		Duration:    &duration,
	})

	// Compare what the agent actually touched against its declared
	// ownership; undeclared paths become discovered claims and may
	// surface conflicts
	if o.dynamicDetectionOn() {
		touched := result.ModifiedPaths
		if touched == nil && ws != nil {
			if diffed, err := o.manager.ModifiedPaths(ws); err == nil {
				touched = diffed
			}
		}
		if len(touched) > 0 {
			o.dynamicConflictPass(task, unit, touched)
		}
		if o.analytics != nil {
			o.analytics.UpdateUnitFiles(unit.ID, len(touched))
		}
	}

	if ws != nil {
		msg := fmt.Sprintf("foreman: %s\n\n%s", unit.ID, unit.Title)
		if _, err := o.manager.Commit(ws, msg); err != nil {
			log.Printf("❌ Unit %s failed: committing: %v", unit.ID, err)
			telemetry.RecordError(span, err, "CommitFailed", telemetry.ErrorCategoryGit)
			o.failUnit(task, unit, ws, fmt.Sprintf("committing changes: %v", err))
			return
		}
	}

	err = o.pipeline.Run(ctx, unit, ws)
	var exhausted *types.GateExhaustedError
	switch {
	case err == nil:
		if ws != nil && !ws.Shared {
			o.manager.MarkVerified(ws.ID)
		}
		if ws != nil && ws.Shared && groupIntegrated(o.store, task.ID, ws.ID) {
			// The last unit through its gates verifies the group's
			// workspace; a racing sibling already did it otherwise
			o.manager.MarkVerified(ws.ID)
		}
		log.Printf("✅ Worker %d: unit %s passed all gates in %v", workerIdx, unit.ID, time.Since(start).Round(time.Second))
		elapsed := time.Since(start)
		o.emitUnit(events.EventUnitIntegrated, callbacks.EventUnitIntegrated, task, unit, &callbacks.UnitEventContext{
			PrevStatus:  string(types.UnitStatusVerifying),
			NewStatus:   string(types.UnitStatusIntegrated),
			WorkerIndex: workerIdx,
			Duration:    &elapsed,
		})
		if o.analytics != nil {
			o.analytics.EndUnit(unit.ID, string(types.UnitStatusIntegrated), "")
		}
		o.consolidatePass(ctx, task.ID)

	case errors.As(err, &exhausted):
		// The pipeline already rejected the unit and cancelled its
		// dependents; surface the events and free the workspace
		log.Printf("🛑 Unit %s rejected: %s", unit.ID, exhausted.Error())
		o.emitUnit(events.EventUnitRejected, callbacks.EventUnitRejected, task, unit, &callbacks.UnitEventContext{
			NewStatus: string(types.UnitStatusRejected),
			Error:     exhausted.Error(),
			ErrorType: "GateExhausted",
		})
		if o.analytics != nil {
			o.analytics.EndUnit(unit.ID, string(types.UnitStatusRejected), exhausted.Error())
		}
		if ws != nil && !ws.Shared {
			o.manager.Discard(ws.ID)
		}

	case ctx.Err() != nil:
		// Shutdown: the unit keeps its state and resumes next run

	default:
		log.Printf("❌ Unit %s gate pipeline error: %v", unit.ID, err)
		telemetry.RecordError(span, err, "GatePipelineError", telemetry.ErrorCategoryGate)
		o.failUnit(task, unit, ws, err.Error())
	}
}

// dynamicConflictPass records discovered claims for undeclared touched
// paths, pulls colliding units out of scheduling and escalates the
// strategy for the rest of the run.
func (o *Orchestrator) dynamicConflictPass(task *types.Task, unit *types.WorkUnit, touched []string) {
	active, err := o.store.ListActiveClaims()
	if err != nil {
		log.Printf("Error loading claims: %v", err)
		return
	}

	discovered, conflicts := o.detector.DetectDynamic(unit.ID, touched, active)
	if len(discovered) > 0 {
		if err := o.store.AddClaims(discovered); err != nil {
			log.Printf("Error recording discovered claims: %v", err)
		}
	}
	if len(conflicts) == 0 {
		return
	}

	if err := o.store.SaveConflicts(conflicts); err != nil {
		log.Printf("Error recording conflicts: %v", err)
	}

	for _, c := range conflicts {
		log.Printf("⚠️  Runtime ownership conflict: %s and %s overlap on %v", c.UnitA, c.UnitB, c.Paths)
		o.bus.Emit(events.New(events.EventConflictDetected, task.ID, c.UnitA, map[string]any{
			"unit_b": c.UnitB,
			"paths":  c.Paths,
			"origin": string(c.Origin),
		}))

		// The counterpart loses its slot in the schedule until the
		// escalated strategy takes effect; running units finish
		other := c.UnitA
		if other == unit.ID {
			other = c.UnitB
		}
		if fresh, err := o.store.GetUnit(other); err == nil && fresh.Status == types.UnitStatusReady {
			o.store.UpdateUnitStatus(other, types.UnitStatusReplanning,
				fmt.Sprintf("ownership conflict with %s", unit.ID))
		}
	}

	units, err := o.store.ListUnits(task.ID)
	if err != nil {
		return
	}
	all, err := taskConflicts(o.store, task.ID)
	if err != nil {
		all = conflicts
	}

	prev := types.StrategyDecision{Strategy: task.Strategy, Rationale: task.Rationale}
	decision, changed := o.selector.Reevaluate(prev, units, unitScores(units), all)
	if changed {
		log.Printf("🔍 Escalating strategy to %s: %s", decision.Strategy, decision.Rationale)
		if err := o.store.SetTaskStrategy(task.ID, decision); err != nil {
			log.Printf("Error recording escalated strategy: %v", err)
		}
		o.bus.Emit(events.New(events.EventStrategySelected, task.ID, "", map[string]any{
			"strategy":  string(decision.Strategy),
			"rationale": decision.Rationale,
			"escalated": true,
		}))
	}

	// Conflicted units re-enter the queue under the escalated strategy
	if _, err := o.store.ResetUnits([]types.UnitStatus{types.UnitStatusReplanning}); err != nil {
		log.Printf("Error releasing replanning units: %v", err)
	}
}

// failUnit discards the unit's workspace and either requeues the unit
// for another attempt or rejects it when the budget is spent.
func (o *Orchestrator) failUnit(task *types.Task, unit *types.WorkUnit, ws *types.Workspace, errMsg string) {
	if ws != nil && !ws.Shared {
		o.manager.Discard(ws.ID)
	}

	fresh, err := o.store.GetUnit(unit.ID)
	if err != nil {
		log.Printf("Error fetching unit %s: %v", unit.ID, err)
		fresh = unit
	}

	if fresh.MaxAttempts > 0 && fresh.Attempts+1 >= fresh.MaxAttempts {
		cancelled, err := o.store.RejectUnit(unit.ID, errMsg)
		if err != nil {
			log.Printf("Error rejecting unit %s: %v", unit.ID, err)
			return
		}
		log.Printf("❌ Unit %s rejected after %d attempts", unit.ID, fresh.Attempts+1)
		o.store.AppendEvent(unit.TaskID, unit.ID, "unit_rejected", errMsg)
		if task != nil {
			o.emitUnit(events.EventUnitRejected, callbacks.EventUnitRejected, task, unit, &callbacks.UnitEventContext{
				NewStatus: string(types.UnitStatusRejected),
				Error:     errMsg,
			})
		}
		for _, dep := range cancelled {
			o.store.AppendEvent(unit.TaskID, dep, "unit_cancelled",
				fmt.Sprintf("prerequisite %s was rejected", unit.ID))
			o.bus.Emit(events.New(events.EventUnitCancelled, unit.TaskID, dep, nil))
		}
		if o.analytics != nil {
			o.analytics.EndUnit(unit.ID, string(types.UnitStatusRejected), errMsg)
		}
		return
	}

	if err := o.store.IncrementUnitAttempts(unit.ID); err != nil {
		log.Printf("Error incrementing attempts for %s: %v", unit.ID, err)
	}
	if err := o.store.ReleaseUnit(unit.ID, types.UnitStatusReady); err != nil {
		log.Printf("Error releasing unit %s: %v", unit.ID, err)
	}
	if err := o.store.UpdateUnitStatus(unit.ID, types.UnitStatusReady, errMsg); err != nil {
		log.Printf("Error updating unit %s: %v", unit.ID, err)
	}
	log.Printf("⏱️  Unit %s retrying (attempt %d/%d)", unit.ID, fresh.Attempts+1, fresh.MaxAttempts)
}

// groupIntegrated reports whether every unit bound to the workspace has
// passed its gates.
func groupIntegrated(store *db.Store, taskID, workspaceID string) bool {
	units, err := store.ListUnits(taskID)
	if err != nil {
		return false
	}
	for _, u := range units {
		if u.WorkspaceID != workspaceID {
			continue
		}
		switch u.Status {
		case types.UnitStatusIntegrated, types.UnitStatusMerged:
		default:
			return false
		}
	}
	return true
}

// consolidatePass merges whatever is eligible and surfaces the results.
func (o *Orchestrator) consolidatePass(ctx context.Context, taskID string) {
	res, err := o.coordinator.Consolidate(ctx, taskID)
	if err != nil && ctx.Err() == nil {
		log.Printf("⚠️  Consolidation error: %v", err)
	}
	if res == nil {
		return
	}
	o.reapPoisonedGroups(taskID, res.Waiting)

	for _, rec := range res.Merged {
		o.bus.Emit(events.New(events.EventUnitMerged, taskID, rec.UnitID, map[string]any{
			"position": rec.Position,
			"branch":   rec.Branch,
		}))
		o.registry.DispatchUnit(callbacks.EventUnitMerged, &callbacks.UnitEventContext{
			UnitID:    rec.UnitID,
			TaskID:    taskID,
			NewStatus: string(types.UnitStatusMerged),
			Timestamp: time.Now(),
		})
		if o.analytics != nil {
			o.analytics.IncrementCounter("units_merged", 1, map[string]string{"task": taskID})
		}
	}
	for _, id := range res.Incompatible {
		o.bus.Emit(events.New(events.EventMergeFailed, taskID, id, nil))
		o.registry.DispatchMerge(callbacks.EventMergeFailed, &callbacks.MergeEventContext{
			UnitID:    id,
			TaskID:    taskID,
			Timestamp: time.Now(),
		})
	}
	for _, id := range res.Cancelled {
		o.bus.Emit(events.New(events.EventUnitCancelled, taskID, id, nil))
		o.registry.DispatchUnit(callbacks.EventUnitCancelled, &callbacks.UnitEventContext{
			UnitID:    id,
			TaskID:    taskID,
			NewStatus: string(types.UnitStatusCancelled),
			Timestamp: time.Now(),
		})
	}
}

// reapPoisonedGroups rejects integrated units stuck behind a shared
// branch that can never merge. A rejected group member leaves its
// commits interleaved on the branch, so the surviving members' work
// cannot land either; leaving them waiting would stall the task
// forever.
func (o *Orchestrator) reapPoisonedGroups(taskID string, waiting []string) {
	if len(waiting) == 0 {
		return
	}
	units, err := o.store.ListUnits(taskID)
	if err != nil {
		return
	}
	byID := make(map[string]*types.WorkUnit, len(units))
	for _, u := range units {
		byID[u.ID] = u
	}

	for _, id := range waiting {
		unit := byID[id]
		if unit == nil || unit.WorkspaceID == "" {
			continue
		}
		ws, err := o.store.GetWorkspace(unit.WorkspaceID)
		if err != nil || !ws.Shared {
			continue
		}

		var poisonedBy string
		for _, member := range units {
			if member.WorkspaceID != unit.WorkspaceID {
				continue
			}
			if member.Status == types.UnitStatusRejected || member.Status == types.UnitStatusCancelled {
				poisonedBy = member.ID
				break
			}
		}
		if poisonedBy == "" {
			continue
		}

		reason := fmt.Sprintf("shared branch %s carries rejected work from %s", ws.Branch, poisonedBy)
		log.Printf("🛑 Unit %s cannot merge: %s", id, reason)
		cancelled, err := o.store.RejectUnit(id, reason)
		if err != nil {
			log.Printf("Error rejecting unit %s: %v", id, err)
			continue
		}
		o.store.AppendEvent(taskID, id, "unit_rejected", reason)
		o.bus.Emit(events.New(events.EventUnitRejected, taskID, id, map[string]any{
			"reason": reason,
		}))
		for _, dep := range cancelled {
			o.store.AppendEvent(taskID, dep, "unit_cancelled",
				fmt.Sprintf("prerequisite %s was rejected", id))
			o.bus.Emit(events.New(events.EventUnitCancelled, taskID, dep, nil))
		}
	}
}

// finish runs the last consolidation pass, builds and saves the
// integration report, and settles the task status.
func (o *Orchestrator) finish(ctx context.Context, task *types.Task, sharedWS *types.Workspace, start time.Time) error {
	o.consolidatePass(ctx, task.ID)

	// A shared workspace whose group never merged has nothing left to
	// wait for
	if sharedWS != nil {
		if ws, err := o.store.GetWorkspace(sharedWS.ID); err == nil {
			switch ws.State {
			case types.WorkspaceProvisioned, types.WorkspaceActive:
				o.manager.Discard(ws.ID)
			}
		}
	}

	builder := report.NewBuilder(o.store)
	rep, err := builder.Build(task.ID, o.coordinator.MergeOrder())
	if err != nil {
		return fmt.Errorf("building integration report: %w", err)
	}
	if err := builder.Save(rep); err != nil {
		log.Printf("Error saving report: %v", err)
	}

	status := types.TaskStatusCompleted
	busType, cbType := events.EventTaskCompleted, callbacks.EventTaskCompleted
	if rep.Rejected > 0 {
		status = types.TaskStatusFailed
		busType, cbType = events.EventTaskFailed, callbacks.EventTaskFailed
	}
	if err := o.store.UpdateTaskStatus(task.ID, status); err != nil {
		log.Printf("Error updating task status: %v", err)
	}

	duration := time.Since(start)
	o.bus.Emit(events.New(busType, task.ID, "", map[string]any{
		"integrated": rep.Integrated,
		"rejected":   rep.Rejected,
		"duration":   duration.String(),
	}))
	o.registry.DispatchTask(cbType, &callbacks.TaskEventContext{
		TaskID:     task.ID,
		Title:      task.Title,
		Strategy:   string(task.Strategy),
		UnitCount:  len(rep.Units),
		Integrated: rep.Integrated,
		Rejected:   rep.Rejected,
		Timestamp:  time.Now(),
		Duration:   &duration,
	})

	o.printFinalStatus(rep, duration)
	if rep.Rejected > 0 {
		return fmt.Errorf("task %s finished with %d rejected units", task.ID, rep.Rejected)
	}
	return nil
}

// taskConflicts returns recorded conflicts involving this task's units.
func taskConflicts(store *db.Store, taskID string) ([]types.Conflict, error) {
	units, err := store.ListUnits(taskID)
	if err != nil {
		return nil, err
	}
	members := make(map[string]bool, len(units))
	for _, u := range units {
		members[u.ID] = true
	}

	all, err := store.ListConflicts()
	if err != nil {
		return nil, err
	}
	var out []types.Conflict
	for _, c := range all {
		if members[c.UnitA] || members[c.UnitB] {
			out = append(out, c)
		}
	}
	return out, nil
}

// emitUnit publishes a unit transition to the bus and the callback
// registry, filling the shared identity fields.
func (o *Orchestrator) emitUnit(busType events.EventType, cbType callbacks.EventType, task *types.Task, unit *types.WorkUnit, cb *callbacks.UnitEventContext) {
	o.bus.Emit(events.New(busType, task.ID, unit.ID, map[string]any{
		"title": unit.Title,
	}))

	cb.UnitID = unit.ID
	cb.TaskID = task.ID
	cb.Title = unit.Title
	cb.Strategy = string(task.Strategy)
	if cb.Timestamp.IsZero() {
		cb.Timestamp = time.Now()
	}
	o.registry.DispatchUnit(cbType, cb)
}

func (o *Orchestrator) backpressureOn() bool {
	if o.flags == nil {
		return true
	}
	return o.flags.GetBool("backpressure_enabled")
}

func (o *Orchestrator) dynamicDetectionOn() bool {
	if o.flags == nil {
		return true
	}
	return o.flags.GetBool("dynamic_conflict_detection")
}

// printProgress prints current progress
func (o *Orchestrator) printProgress(counts *db.UnitCounts) {
	if counts.Total == 0 {
		return
	}
	settled := counts.Merged + counts.Rejected + counts.Cancelled
	progress := float64(settled) / float64(counts.Total) * 100
	log.Printf("📊 Progress: %d/%d units (%.1f%%) | Ready: %d | Executing: %d | Verifying: %d | Integrated: %d | Rejected: %d",
		settled, counts.Total, progress,
		counts.Ready, counts.Executing+counts.Claimed, counts.Verifying,
		counts.Integrated, counts.Rejected)
}

// printFinalStatus prints final run results
func (o *Orchestrator) printFinalStatus(rep *types.IntegrationReport, duration time.Duration) {
	fmt.Println("\n🔨 Foreman Run Complete")
	fmt.Println("═══════════════════════")
	fmt.Printf("\nTotal units:     %d", len(rep.Units))
	fmt.Printf("\nIntegrated:      %d", rep.Integrated)
	fmt.Printf("\nRejected:        %d", rep.Rejected)
	fmt.Printf("\nDuration:        %v\n", duration.Round(time.Second))

	if rep.Rejected > 0 {
		fmt.Println("\n⚠️  Some units did not integrate")
		fmt.Println("   Run 'foreman report' for details")
	}
}

// sleepCtx sleeps for d unless the context ends first. Reports whether
// the sleep completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// scoreTotal reads a unit's total score for telemetry, zero when unscored.
func scoreTotal(unit *types.WorkUnit) int {
	if unit.Score == nil {
		return 0
	}
	return unit.Score.Total
}

// unitScores collects the stored scores for a unit set.
func unitScores(units []*types.WorkUnit) map[string]*types.ComplexityScore {
	scores := make(map[string]*types.ComplexityScore, len(units))
	for _, u := range units {
		if u.Score != nil {
			scores[u.ID] = u.Score
		}
	}
	return scores
}
