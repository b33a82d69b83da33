// Package gates drives work units through the fixed-order verification
// pipeline: build-test, review, security, authorization, integrate.
// Every gate delegates to an external verifier and consumes its
// normalized outcome; the pipeline records verdicts and sequencing but
// never derives a verdict itself.
package gates

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cloud-shuttle/foreman/internal/db"
	"github.com/cloud-shuttle/foreman/internal/outcome"
	"github.com/cloud-shuttle/foreman/pkg/telemetry"
	"github.com/cloud-shuttle/foreman/pkg/types"
	"go.opentelemetry.io/otel/attribute"
)

// Verifier produces the outcome for one gate attempt. An error return
// means the verifier itself could not run; it is not a fail verdict.
type Verifier interface {
	Verify(ctx context.Context, unit *types.WorkUnit, ws *types.Workspace) (*outcome.Outcome, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, unit *types.WorkUnit, ws *types.Workspace) (*outcome.Outcome, error)

// Verify calls f.
func (f VerifierFunc) Verify(ctx context.Context, unit *types.WorkUnit, ws *types.Workspace) (*outcome.Outcome, error) {
	return f(ctx, unit, ws)
}

// Fixer hands a failed unit back to its producing agent with the gate's
// blocking issues. The pipeline re-enters the same gate once Fix
// returns; earlier gates are not re-run.
type Fixer interface {
	Fix(ctx context.Context, unit *types.WorkUnit, ws *types.Workspace, gate types.Gate, issues []types.BlockingIssue) error
}

// FixerFunc adapts a function to the Fixer interface.
type FixerFunc func(ctx context.Context, unit *types.WorkUnit, ws *types.Workspace, gate types.Gate, issues []types.BlockingIssue) error

// Fix calls f.
func (f FixerFunc) Fix(ctx context.Context, unit *types.WorkUnit, ws *types.Workspace, gate types.Gate, issues []types.BlockingIssue) error {
	return f(ctx, unit, ws, gate, issues)
}

// Options tunes the pipeline.
type Options struct {
	// MaxAttempts is the per-gate retry budget. 0 means unbounded.
	MaxAttempts int
	Verbose     bool
}

// Pipeline runs units through the gates in their fixed order.
type Pipeline struct {
	store       *db.Store
	verifiers   map[types.Gate]Verifier
	fixer       Fixer
	maxAttempts int
	verbose     bool
}

// NewPipeline creates a pipeline. Verifiers are registered per gate
// with SetVerifier; running a gate without one is an error.
func NewPipeline(store *db.Store, opts Options) *Pipeline {
	return &Pipeline{
		store:       store,
		verifiers:   make(map[types.Gate]Verifier),
		maxAttempts: opts.MaxAttempts,
		verbose:     opts.Verbose,
	}
}

// SetVerifier registers the verifier for a gate.
func (p *Pipeline) SetVerifier(gate types.Gate, v Verifier) {
	p.verifiers[gate] = v
}

// SetFixer registers the remediation boundary.
func (p *Pipeline) SetFixer(f Fixer) {
	p.fixer = f
}

// Run drives one unit through every gate it has not already passed.
// Returns nil once the unit is terminal-integrated, a GateExhaustedError
// once a gate's retry budget runs out (the unit is already rejected and
// its dependents cancelled by then), or the context error on shutdown.
func (p *Pipeline) Run(ctx context.Context, unit *types.WorkUnit, ws *types.Workspace) error {
	ctx, span := telemetry.StartUnitSpan(ctx, telemetry.SpanGatePipeline,
		attribute.String(telemetry.KeyUnitID, unit.ID),
		attribute.String(telemetry.KeyTaskID, unit.TaskID),
	)
	defer span.End()

	if err := p.store.UpdateUnitStatus(unit.ID, types.UnitStatusVerifying, ""); err != nil {
		return err
	}

	for _, gate := range types.GateOrder() {
		// A recorded pass is history; the gate never re-runs
		passed, err := p.store.HasPassedGate(unit.ID, gate)
		if err != nil {
			return err
		}
		if passed {
			continue
		}

		if err := p.runGate(ctx, unit, ws, gate); err != nil {
			return err
		}
	}

	if err := p.store.UpdateUnitStatus(unit.ID, types.UnitStatusIntegrated, ""); err != nil {
		return err
	}
	p.store.AppendEvent(unit.TaskID, unit.ID, "unit_integrated", "all gates passed")

	if p.verbose {
		log.Printf("✅ Unit %s passed all gates", unit.ID)
	}
	return nil
}

// RunGate runs a single gate for a unit, honoring recorded passes and
// resuming the attempt count. Durable callers checkpoint between gates
// with this instead of Run.
func (p *Pipeline) RunGate(ctx context.Context, unit *types.WorkUnit, ws *types.Workspace, gate types.Gate) error {
	passed, err := p.store.HasPassedGate(unit.ID, gate)
	if err != nil {
		return err
	}
	if passed {
		return nil
	}
	return p.runGate(ctx, unit, ws, gate)
}

// runGate runs one gate until it passes, the retry budget runs out, or
// the context ends. A fail hands the unit to the fixer and re-enters
// the same gate.
func (p *Pipeline) runGate(ctx context.Context, unit *types.WorkUnit, ws *types.Workspace, gate types.Gate) error {
	verifier := p.verifiers[gate]
	if verifier == nil {
		return fmt.Errorf("no verifier configured for gate %s", gate)
	}

	attempt, err := p.store.LatestGateAttempt(unit.ID, gate)
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		attempt++
		if p.maxAttempts > 0 && attempt > p.maxAttempts {
			return p.exhaust(unit, gate, attempt-1)
		}

		if p.verbose {
			log.Printf("🚧 Gate %s for unit %s (attempt %d)", gate, unit.ID, attempt)
		}

		gateCtx, span := telemetry.StartGateSpan(ctx, unit.ID, string(gate), attempt)
		o, err := verifier.Verify(gateCtx, unit, ws)
		if err != nil {
			telemetry.RecordError(span, err, "VerifierError", telemetry.ErrorCategoryGate)
			span.End()
			return fmt.Errorf("gate %s verifier for unit %s: %w", gate, unit.ID, err)
		}

		result := &types.GateResult{
			UnitID:         unit.ID,
			Gate:           gate,
			Verdict:        o.Verdict,
			BlockingIssues: o.BlockingIssues,
			Attempt:        attempt,
			Timestamp:      time.Now().Unix(),
		}
		if err := p.store.AppendGateResult(result); err != nil {
			span.End()
			return err
		}
		telemetry.RecordGateVerdict(span, string(gate), string(o.Verdict), len(o.BlockingIssues))
		span.End()

		if o.Passed() {
			if p.verbose {
				log.Printf("✅ Gate %s passed for unit %s", gate, unit.ID)
			}
			p.store.AppendEvent(unit.TaskID, unit.ID, "gate_passed",
				fmt.Sprintf("%s (attempt %d)", gate, attempt))
			return nil
		}

		if p.verbose {
			log.Printf("❌ Gate %s failed for unit %s: %s", gate, unit.ID, o.Summary)
			for _, issue := range o.BlockingIssues {
				log.Printf("   [%s] %s", issue.Severity, issue.Text)
			}
		}
		p.store.AppendEvent(unit.TaskID, unit.ID, "gate_failed",
			fmt.Sprintf("%s (attempt %d): %s", gate, attempt, o.Summary))

		// Hand the unit back to its producing agent before re-entering
		// this gate. Without a fixer the retry budget decides.
		if p.fixer != nil {
			if p.maxAttempts > 0 && attempt >= p.maxAttempts {
				// The budget is spent; skip the fix run nobody will verify
				continue
			}
			if err := p.fixer.Fix(ctx, unit, ws, gate, o.BlockingIssues); err != nil {
				return fmt.Errorf("fix step after gate %s for unit %s: %w", gate, unit.ID, err)
			}
		}
	}
}

// exhaust rejects a unit whose gate budget ran out and cancels its
// dependents. Never silent: the caller gets the error and the store
// gets the terminal state.
func (p *Pipeline) exhaust(unit *types.WorkUnit, gate types.Gate, attempts int) error {
	history, _ := p.store.GetGateHistory(unit.ID)
	var lastIssues []types.BlockingIssue
	for _, r := range history {
		if r.Gate == gate && r.Verdict == types.VerdictFail {
			lastIssues = r.BlockingIssues
		}
	}

	exhausted := &types.GateExhaustedError{
		UnitID:   unit.ID,
		Gate:     gate,
		Attempts: attempts,
		Issues:   lastIssues,
	}

	cancelled, err := p.store.RejectUnit(unit.ID, exhausted.Error())
	if err != nil {
		return fmt.Errorf("rejecting unit %s: %w", unit.ID, err)
	}

	p.store.AppendEvent(unit.TaskID, unit.ID, "unit_rejected", exhausted.Error())
	for _, dep := range cancelled {
		p.store.AppendEvent(unit.TaskID, dep, "unit_cancelled",
			fmt.Sprintf("prerequisite %s was rejected", unit.ID))
	}

	if p.verbose {
		log.Printf("🛑 Unit %s rejected: %s", unit.ID, exhausted.Error())
		if len(cancelled) > 0 {
			log.Printf("🛑 Cancelled dependents: %v", cancelled)
		}
	}
	return exhausted
}
