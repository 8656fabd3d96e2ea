package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/scopeware/periscope/internal/model"
	"golang.org/x/sync/errgroup"
)

// StepFunc executes one pipeline step for a run. Counters returned on
// success are recorded under the step's telemetry namespace.
type StepFunc func(ctx context.Context, run model.Run) (map[string]float64, error)

// StepError carries a stable error code for a failed step. Executors
// wrap upstream failures in StepError so the persisted error document
// gets a code the UI can map; everything else lands as step_failed.
type StepError struct {
	Code string
	Err  error
}

func (e *StepError) Error() string { return e.Code + ": " + e.Err.Error() }
func (e *StepError) Unwrap() error { return e.Err }

// ActiveRunLister is the poll loop's view of storage.
type ActiveRunLister interface {
	ListActiveRuns(ctx context.Context, limit int) ([]model.Run, error)
	ListStuckRuns(ctx context.Context, runningSince time.Time, limit int) ([]model.Run, error)
}

// Pipeline binds step executors to the orchestrator and drives claimed
// steps to completion.
type Pipeline struct {
	orc    *Orchestrator
	lister ActiveRunLister
	logger *slog.Logger
	steps  map[string]StepFunc

	stepTimeout time.Duration
	parallelism int
}

// NewPipeline creates a Pipeline. stepTimeout bounds each executor
// invocation and doubles as the stuck-claim deadline for the sweep.
func NewPipeline(orc *Orchestrator, lister ActiveRunLister, logger *slog.Logger, stepTimeout time.Duration, parallelism int) *Pipeline {
	if stepTimeout <= 0 {
		stepTimeout = 10 * time.Minute
	}
	if parallelism <= 0 {
		parallelism = 4
	}
	return &Pipeline{
		orc:         orc,
		lister:      lister,
		logger:      logger,
		steps:       make(map[string]StepFunc),
		stepTimeout: stepTimeout,
		parallelism: parallelism,
	}
}

// Register binds an executor to a step name. Steps without an executor
// are claimable but fail immediately when driven by this pipeline.
func (p *Pipeline) Register(step string, fn StepFunc) {
	p.steps[step] = fn
}

// Drive claims and executes the next incomplete step of run. A noop
// claim (terminal run, step already running, lost race) returns nil
// without executing anything.
func (p *Pipeline) Drive(ctx context.Context, run model.Run) error {
	res, err := p.orc.AdvanceExisting(ctx, run)
	if err != nil {
		return err
	}
	if res.Action == ActionNoop {
		return nil
	}
	return p.execute(ctx, res)
}

// DriveClaimed executes an already-won claim, as returned by Advance.
// The HTTP advance handler uses this to run the claimed step without
// re-claiming.
func (p *Pipeline) DriveClaimed(ctx context.Context, res AdvanceResult) error {
	if res.Action == ActionNoop {
		return nil
	}
	return p.execute(ctx, res)
}

func (p *Pipeline) execute(ctx context.Context, res AdvanceResult) error {
	fn, ok := p.steps[res.Step]
	if !ok {
		failure := model.NewSanitizedError("step_not_registered", "no executor bound for step")
		_, err := p.orc.FailStep(ctx, res.Run.ID, res.Step, failure)
		return err
	}

	stepCtx, cancel := context.WithTimeout(ctx, p.stepTimeout)
	defer cancel()

	counters, err := fn(stepCtx, res.Run)
	if err != nil {
		code := "step_failed"
		var stepErr *StepError
		if errors.As(err, &stepErr) {
			code = stepErr.Code
		}
		failure := model.NewSanitizedError(code, err.Error())
		_, ferr := p.orc.FailStep(ctx, res.Run.ID, res.Step, failure)
		return ferr
	}

	_, err = p.orc.CompleteStep(ctx, res.Run.ID, res.Step, counters)
	return err
}

// Tick advances every active run by at most one step. Runs are driven
// concurrently up to the configured parallelism; a failure driving one
// run does not stop the others.
func (p *Pipeline) Tick(ctx context.Context) error {
	runs, err := p.lister.ListActiveRuns(ctx, 100)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallelism)
	for _, run := range runs {
		g.Go(func() error {
			if err := p.Drive(gctx, run); err != nil {
				p.logger.Error("drive run", "run_id", run.ID, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Sweep fails step claims older than the step timeout so they become
// claimable again. Covers executors that crashed mid-step.
func (p *Pipeline) Sweep(ctx context.Context) error {
	runs, err := p.lister.ListStuckRuns(ctx, time.Now().UTC().Add(-p.stepTimeout), 100)
	if err != nil {
		return err
	}
	for _, run := range runs {
		swept, err := p.orc.SweepStuck(ctx, run, p.stepTimeout)
		if err != nil {
			p.logger.Error("sweep run", "run_id", run.ID, "error", err)
			continue
		}
		if swept > 0 {
			p.logger.Warn("swept stuck steps", "run_id", run.ID, "count", swept)
		}
	}
	return nil
}

// Loop runs Tick on every interval and Sweep on every sweepInterval
// until ctx is canceled.
func (p *Pipeline) Loop(ctx context.Context, interval, sweepInterval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	sweeper := time.NewTicker(sweepInterval)
	defer sweeper.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Error("pipeline tick", "error", err)
			}
		case <-sweeper.C:
			if err := p.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Error("pipeline sweep", "error", err)
			}
		}
	}
}
