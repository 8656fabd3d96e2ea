// Package orchestrator drives pipeline runs through their step state
// machine.
//
// All coordination state lives in Postgres. Claiming a step is a
// conditional write against the stored step status; losing the race is
// reported as a noop, never an error. The orchestrator holds no locks
// and keeps no in-memory run state, so any number of replicas can
// advance the same run safely.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/scopeware/periscope/internal/model"
)

// ErrUnknownStep is returned when a caller names a step outside the
// declared pipeline.
var ErrUnknownStep = errors.New("orchestrator: unknown step")

// Store is the subset of the storage layer the orchestrator needs.
// *storage.DB satisfies it; unit tests use an in-memory fake.
type Store interface {
	GetOrCreateActiveRun(ctx context.Context, projectID uuid.UUID, inputVersion string) (model.Run, error)
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	SetRunRunning(ctx context.Context, runID uuid.UUID) error
	SetRunSucceeded(ctx context.Context, runID uuid.UUID, output map[string]any) error
	SetRunFailed(ctx context.Context, runID uuid.UUID, failure model.SanitizedError) error
	ClaimStep(ctx context.Context, runID uuid.UUID, stepName string, prevAttempts int, next model.StepState) (bool, error)
	SettleStep(ctx context.Context, runID uuid.UUID, stepName string, next model.StepState) (bool, error)
	UpdateRunMetrics(ctx context.Context, runID uuid.UUID, patch map[string]any) error
}

// Action describes what an advance call actually did.
type Action string

const (
	// ActionNoop means nothing changed: the run is terminal, the step is
	// already running or completed, or a concurrent caller won the claim.
	ActionNoop Action = "noop"
	// ActionStarted means this caller claimed the step's first attempt.
	ActionStarted Action = "started"
	// ActionResumed means this caller claimed a retry of a failed step.
	ActionResumed Action = "resumed"
)

// AdvanceResult reports the outcome of an advance call. Step and State
// are zero-valued for run-level noops.
type AdvanceResult struct {
	Run    model.Run
	Action Action
	Step   string
	State  model.StepState
}

// Orchestrator coordinates run and step transitions.
type Orchestrator struct {
	store       Store
	logger      *slog.Logger
	tracer      trace.Tracer
	maxAttempts int
}

// New creates an Orchestrator. maxAttempts bounds retries per step;
// once a step fails that many times the whole run is failed.
func New(store Store, logger *slog.Logger, maxAttempts int) *Orchestrator {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Orchestrator{
		store:       store,
		logger:      logger,
		tracer:      otel.Tracer("periscope/orchestrator"),
		maxAttempts: maxAttempts,
	}
}

// Advance is the external entry point: resolve the run for the
// (project, input version) pair, creating it if needed, then try to
// claim the requested step, or the next incomplete step when
// requestedStep is empty. Safe to call repeatedly and concurrently;
// every outcome that is not a won claim is a noop.
func (o *Orchestrator) Advance(ctx context.Context, projectID uuid.UUID, inputVersion, requestedStep string) (AdvanceResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.Advance",
		trace.WithAttributes(
			attribute.String("project.id", projectID.String()),
			attribute.String("run.input_version", inputVersion),
		))
	defer span.End()

	if requestedStep != "" && !model.ValidStep(requestedStep) {
		return AdvanceResult{}, fmt.Errorf("%w: %q", ErrUnknownStep, requestedStep)
	}

	run, err := o.store.GetOrCreateActiveRun(ctx, projectID, inputVersion)
	if err != nil {
		return AdvanceResult{}, err
	}
	span.SetAttributes(attribute.String("run.id", run.ID.String()))

	return o.advance(ctx, run, requestedStep)
}

// AdvanceExisting claims the next incomplete step of an already-known
// run. Used by the poll loop, which scans active runs directly.
func (o *Orchestrator) AdvanceExisting(ctx context.Context, run model.Run) (AdvanceResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.AdvanceExisting",
		trace.WithAttributes(attribute.String("run.id", run.ID.String())))
	defer span.End()
	return o.advance(ctx, run, "")
}

func (o *Orchestrator) advance(ctx context.Context, run model.Run, requestedStep string) (AdvanceResult, error) {
	if run.Status.Terminal() {
		return AdvanceResult{Run: run, Action: ActionNoop}, nil
	}

	step := requestedStep
	if step == "" {
		next, ok := nextStep(run)
		if !ok {
			// Every step completed but the run is still open: finalize.
			if err := o.finalize(ctx, run); err != nil {
				return AdvanceResult{}, err
			}
			return AdvanceResult{Run: run, Action: ActionNoop}, nil
		}
		step = next
	}

	prev := model.StepStateFromMetrics(run.Metrics, step)
	switch prev.Status {
	case model.StepRunning, model.StepCompleted:
		return AdvanceResult{Run: run, Action: ActionNoop, Step: step, State: prev}, nil
	}

	now := time.Now().UTC()
	next := model.StepState{
		Status:    model.StepRunning,
		StartedAt: &now,
		Attempts:  prev.Attempts + 1,
	}

	// The claim is conditioned on the attempt count read above, so a
	// stale snapshot loses to any concurrent claim-and-settle cycle and
	// the action reported below always reflects the state the claim
	// actually replaced.
	claimed, err := o.store.ClaimStep(ctx, run.ID, step, prev.Attempts, next)
	if err != nil {
		return AdvanceResult{}, err
	}
	if !claimed {
		// Another caller won, or the run went terminal underneath us.
		return AdvanceResult{Run: run, Action: ActionNoop, Step: step, State: prev}, nil
	}

	if run.Status == model.RunStatusQueued {
		if err := o.store.SetRunRunning(ctx, run.ID); err != nil {
			o.logger.Warn("run transition to running lost", "run_id", run.ID, "error", err)
		} else {
			run.Status = model.RunStatusRunning
		}
	}

	o.recordTelemetry(ctx, run, model.Telemetry{
		Timeline: model.Timeline{
			StartedAt: &now,
			Steps:     map[string]model.StepTiming{step: {StartedAt: &now}},
		},
	})

	action := ActionStarted
	if prev.Status == model.StepFailed {
		action = ActionResumed
	}
	o.logger.Info("step claimed",
		"run_id", run.ID, "step", step, "action", string(action), "attempt", next.Attempts)

	return AdvanceResult{Run: run, Action: action, Step: step, State: next}, nil
}

// CompleteStep transitions a running step to completed and records
// counters reported by the executor. When the final step completes the
// run is finalized as succeeded. Returns false without error if the
// stored step is no longer running (settled by someone else).
func (o *Orchestrator) CompleteStep(ctx context.Context, runID uuid.UUID, step string, counters map[string]float64) (bool, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.CompleteStep",
		trace.WithAttributes(attribute.String("run.id", runID.String()), attribute.String("step", step)))
	defer span.End()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}

	prev := model.StepStateFromMetrics(run.Metrics, step)
	now := time.Now().UTC()
	next := model.StepState{
		Status:     model.StepCompleted,
		StartedAt:  prev.StartedAt,
		FinishedAt: &now,
		Attempts:   prev.Attempts,
	}

	settled, err := o.store.SettleStep(ctx, runID, step, next)
	if err != nil {
		return false, err
	}
	if !settled {
		return false, nil
	}

	patch := model.Telemetry{
		Timeline: model.Timeline{
			Steps: map[string]model.StepTiming{step: stepTiming(prev.StartedAt, now)},
		},
	}
	if len(counters) > 0 {
		patch.Counters = map[string]map[string]float64{step: counters}
	}
	o.recordTelemetry(ctx, run, patch)

	o.logger.Info("step completed", "run_id", runID, "step", step, "attempt", prev.Attempts)

	run, err = o.store.GetRun(ctx, runID)
	if err != nil {
		return true, err
	}
	if _, remaining := nextStep(run); !remaining {
		if err := o.finalize(ctx, run); err != nil {
			return true, err
		}
	}
	return true, nil
}

// FailStep transitions a running step to failed with a sanitized error.
// When the step has exhausted its retry budget the whole run is failed.
// Returns false without error if the stored step is no longer running.
func (o *Orchestrator) FailStep(ctx context.Context, runID uuid.UUID, step string, failure model.SanitizedError) (bool, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.FailStep",
		trace.WithAttributes(attribute.String("run.id", runID.String()), attribute.String("step", step)))
	defer span.End()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}

	prev := model.StepStateFromMetrics(run.Metrics, step)
	now := time.Now().UTC()
	failure.Step = step
	next := model.StepState{
		Status:     model.StepFailed,
		StartedAt:  prev.StartedAt,
		FinishedAt: &now,
		Attempts:   prev.Attempts,
		Error:      &failure,
	}

	settled, err := o.store.SettleStep(ctx, runID, step, next)
	if err != nil {
		return false, err
	}
	if !settled {
		return false, nil
	}

	o.recordTelemetry(ctx, run, model.Telemetry{
		Timeline: model.Timeline{
			Steps: map[string]model.StepTiming{step: stepTiming(prev.StartedAt, now)},
		},
	})

	o.logger.Warn("step failed",
		"run_id", runID, "step", step, "attempt", prev.Attempts,
		"error_code", failure.Code)

	if prev.Attempts >= o.maxAttempts {
		runFailure := model.NewSanitizedError("step_exhausted",
			fmt.Sprintf("step %s failed after %d attempts: %s", step, prev.Attempts, failure.Message))
		runFailure.Step = step
		if err := o.store.SetRunFailed(ctx, runID, runFailure); err != nil {
			return true, err
		}
		o.logger.Error("run failed, retry budget exhausted", "run_id", runID, "step", step)
	}
	return true, nil
}

// SweepStuck fails running steps whose claim is older than timeout. A
// crashed executor leaves its step stuck in running forever otherwise;
// failing it makes the step claimable again on the next advance. The
// settle is conditional, so a live executor that finishes late simply
// loses the race and its result is discarded.
func (o *Orchestrator) SweepStuck(ctx context.Context, run model.Run, timeout time.Duration) (int, error) {
	if run.Status.Terminal() {
		return 0, nil
	}
	deadline := time.Now().UTC().Add(-timeout)

	swept := 0
	for _, step := range model.StepOrder {
		st := model.StepStateFromMetrics(run.Metrics, step)
		if st.Status != model.StepRunning || st.StartedAt == nil || st.StartedAt.After(deadline) {
			continue
		}
		failure := model.NewSanitizedError("step_timeout",
			fmt.Sprintf("no progress since %s", st.StartedAt.Format(time.RFC3339)))
		settled, err := o.FailStep(ctx, run.ID, step, failure)
		if err != nil {
			return swept, err
		}
		if settled {
			swept++
		}
	}
	return swept, nil
}

// finalize closes out a run whose steps have all completed.
func (o *Orchestrator) finalize(ctx context.Context, run model.Run) error {
	if run.Status != model.RunStatusRunning {
		return nil
	}
	output := map[string]any{
		"completed_steps": model.StepOrder,
		"finalized_at":    time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := o.store.SetRunSucceeded(ctx, run.ID, output); err != nil {
		// Lost to a concurrent finalize or failure; both are fine.
		o.logger.Warn("finalize lost", "run_id", run.ID, "error", err)
		return nil
	}
	o.logger.Info("run succeeded", "run_id", run.ID)
	return nil
}

// recordTelemetry merges a telemetry patch into the run's metrics.
// Telemetry is display state, never control flow, so failures are
// logged and swallowed. The merge reads from the caller's run snapshot,
// not a fresh fetch, so two steps settling at once can drop each
// other's timeline entries; step_status is written by the claim and
// settle updates, never by this merge, and stays authoritative.
func (o *Orchestrator) recordTelemetry(ctx context.Context, run model.Run, patch model.Telemetry) {
	current := model.TelemetryFromMetrics(run.Metrics)
	merged := model.MergeTelemetry(current, patch)
	if err := o.store.UpdateRunMetrics(ctx, run.ID, merged.MetricsDoc()); err != nil {
		o.logger.Warn("telemetry update dropped", "run_id", run.ID, "error", err)
	}
}

// nextStep returns the first step in pipeline order that has not
// completed. ok is false when every step is done.
func nextStep(run model.Run) (string, bool) {
	for _, step := range model.StepOrder {
		if model.StepStateFromMetrics(run.Metrics, step).Status != model.StepCompleted {
			return step, true
		}
	}
	return "", false
}

func stepTiming(startedAt *time.Time, finishedAt time.Time) model.StepTiming {
	timing := model.StepTiming{StartedAt: startedAt, FinishedAt: &finishedAt}
	if startedAt != nil {
		ms := finishedAt.Sub(*startedAt).Milliseconds()
		timing.DurationMS = &ms
	}
	return timing
}
