package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/scopeware/periscope/internal/model"
)

// GetOrCreateActiveRun returns the run for (project, input version),
// creating a queued one if none exists. The idempotency key derived from
// the pair is unique-indexed; when a concurrent caller wins the insert
// race this re-fetches and returns the winner's row instead of erroring.
// Safe to repeat from any number of concurrent callers — an existing run
// is returned unchanged with no side effects.
func (db *DB) GetOrCreateActiveRun(ctx context.Context, projectID uuid.UUID, inputVersion string) (model.Run, error) {
	key := model.IdempotencyKey(projectID, inputVersion)

	run, err := db.GetRunByIdempotencyKey(ctx, key)
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return model.Run{}, err
	}

	now := time.Now().UTC()
	run = model.Run{
		ID:             uuid.New(),
		ProjectID:      projectID,
		InputVersion:   inputVersion,
		Status:         model.RunStatusQueued,
		IdempotencyKey: key,
		Metrics: map[string]any{
			"step_status": map[string]any{},
			"timeline":    map[string]any{"created_at": now.Format(time.RFC3339Nano)},
		},
		CreatedAt: now,
	}

	tag, err := db.pool.Exec(ctx,
		`INSERT INTO runs (id, project_id, input_version, status, idempotency_key, metrics, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		run.ID, run.ProjectID, run.InputVersion, string(run.Status), run.IdempotencyKey,
		run.Metrics, run.CreatedAt,
	)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: create run: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return run, nil
	}

	// Lost the insert race; the winner's row is the run.
	return db.GetRunByIdempotencyKey(ctx, key)
}

const runColumns = `id, project_id, input_version, status, idempotency_key,
	 metrics, output, error_code, error_message, error_detail,
	 created_at, started_at, finished_at`

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	return scanRun(row)
}

// GetRunByIdempotencyKey retrieves a run by its idempotency key.
func (db *DB) GetRunByIdempotencyKey(ctx context.Context, key string) (model.Run, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE idempotency_key = $1`, key)
	return scanRun(row)
}

// ListRunsByProject returns runs for a project, newest first.
func (db *DB) ListRunsByProject(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE project_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		projectID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetLatestRunForProject returns the most recently created run for a project.
func (db *DB) GetLatestRunForProject(ctx context.Context, projectID uuid.UUID) (model.Run, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE project_id = $1
		 ORDER BY created_at DESC
		 LIMIT 1`, projectID)
	return scanRun(row)
}

// ListActiveRuns returns all runs not yet in a terminal status, oldest
// first. Consumed by the pipeline poll loop.
func (db *DB) ListActiveRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE status IN ('queued', 'running')
		 ORDER BY created_at ASC
		 LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list active runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// UpdateRunMetrics applies a shallow top-level merge of patch into the
// run's metrics document. Refuses to touch terminal runs. Every replica
// touching a run writes through this path, so transient conflicts are
// retried.
func (db *DB) UpdateRunMetrics(ctx context.Context, runID uuid.UUID, patch map[string]any) error {
	return WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		tag, err := db.pool.Exec(ctx,
			`UPDATE runs SET metrics = COALESCE(metrics, '{}'::jsonb) || $2
			 WHERE id = $1 AND status IN ('queued', 'running')`,
			runID, patch,
		)
		if err != nil {
			return fmt.Errorf("storage: update run metrics: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("storage: update run metrics: run %s not found or terminal", runID)
		}
		return nil
	})
}

// SetRunRunning transitions a queued run to running and stamps
// started_at once. A no-op for runs already running; fails for terminal
// runs so a stale caller cannot resurrect a finished run.
func (db *DB) SetRunRunning(ctx context.Context, runID uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = 'running', started_at = COALESCE(started_at, $2)
		 WHERE id = $1 AND status IN ('queued', 'running')`,
		runID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: set run running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: set run running: run %s not found or terminal", runID)
	}
	return nil
}

// SetRunSucceeded marks a running run as succeeded. The status guard
// prevents a stale "succeeded" write from overwriting a concurrent
// failure.
func (db *DB) SetRunSucceeded(ctx context.Context, runID uuid.UUID, output map[string]any) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = 'succeeded', finished_at = $2, output = COALESCE(output, '{}'::jsonb) || $3
		 WHERE id = $1 AND status = 'running'`,
		runID, time.Now().UTC(), output,
	)
	if err != nil {
		return fmt.Errorf("storage: set run succeeded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: set run succeeded: run %s not running", runID)
	}
	return nil
}

// SetRunFailed marks a run as failed with a sanitized top-level error.
// Once failed no further step may start. Succeeded runs are not
// overwritten.
func (db *DB) SetRunFailed(ctx context.Context, runID uuid.UUID, failure model.SanitizedError) error {
	detail := failure.Doc()
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = 'failed', finished_at = $2,
		        error_code = $3, error_message = $4, error_detail = $5
		 WHERE id = $1 AND status IN ('queued', 'running')`,
		runID, time.Now().UTC(), failure.Code, failure.Message, detail,
	)
	if err != nil {
		return fmt.Errorf("storage: set run failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: set run failed: run %s not found or terminal", runID)
	}
	return nil
}

// ClaimStep attempts the atomic claim that grants exclusive execution
// rights for a step. The conditional UPDATE succeeds only if, at the
// moment of the write, the stored step status is still claimable —
// pending, failed, or any malformed shape the tracker would default to
// pending — AND the stored attempt count still equals prevAttempts, the
// count the caller read before claiming. The attempts match makes the
// claim a compare-and-swap on the previously read state: a caller
// holding a stale read loses to a concurrent claim-and-settle cycle
// instead of overwriting its attempt count. Running and completed steps
// are never reclaimed; completed is terminal.
//
// Returns true if this caller won the claim, false if another caller got
// there first (zero rows affected). This is the whole concurrency
// contract: no in-process mutex can cover independent callers in
// separate processes, so correctness rests solely on the atomicity of
// this update.
func (db *DB) ClaimStep(ctx context.Context, runID uuid.UUID, stepName string, prevAttempts int, next model.StepState) (bool, error) {
	doc, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("storage: marshal step state: %w", err)
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE runs
		 SET metrics = jsonb_set(
		     CASE WHEN jsonb_typeof(COALESCE(metrics, '{}'::jsonb) -> 'step_status') = 'object'
		          THEN COALESCE(metrics, '{}'::jsonb)
		          ELSE jsonb_set(COALESCE(metrics, '{}'::jsonb), '{step_status}', '{}'::jsonb, true)
		     END,
		     ARRAY['step_status', $2], $3::jsonb, true)
		 WHERE id = $1
		   AND status IN ('queued', 'running')
		   AND COALESCE(metrics #>> ARRAY['step_status', $2, 'status'], 'pending')
		       NOT IN ('running', 'completed')
		   AND CASE WHEN jsonb_typeof(metrics #> ARRAY['step_status', $2, 'attempts']) = 'number'
		            THEN round((metrics #>> ARRAY['step_status', $2, 'attempts'])::numeric)::int
		            ELSE 0 END = $4`,
		runID, stepName, string(doc), prevAttempts,
	)
	if err != nil {
		return false, fmt.Errorf("storage: claim step: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SettleStep records the outcome of an executed step, transitioning it
// out of running. The conditional write only applies while the stored
// status is still running, so a timeout sweep and a slow executor cannot
// both settle the same attempt.
func (db *DB) SettleStep(ctx context.Context, runID uuid.UUID, stepName string, next model.StepState) (bool, error) {
	doc, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("storage: marshal step state: %w", err)
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE runs
		 SET metrics = jsonb_set(COALESCE(metrics, '{}'::jsonb), ARRAY['step_status', $2], $3::jsonb, true)
		 WHERE id = $1
		   AND metrics #>> ARRAY['step_status', $2, 'status'] = 'running'`,
		runID, stepName, string(doc),
	)
	if err != nil {
		return false, fmt.Errorf("storage: settle step: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListStuckRuns returns running runs whose last update predates the
// deadline. Consumed by the pipeline's stuck-claim sweep.
func (db *DB) ListStuckRuns(ctx context.Context, runningSince time.Time, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE status = 'running' AND started_at < $1
		 ORDER BY started_at ASC
		 LIMIT $2`, runningSince, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list stuck runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanRun(row pgx.Row) (model.Run, error) {
	var r model.Run
	var status string
	err := row.Scan(
		&r.ID, &r.ProjectID, &r.InputVersion, &status, &r.IdempotencyKey,
		&r.Metrics, &r.Output, &r.ErrorCode, &r.ErrorMessage, &r.ErrorDetail,
		&r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, ErrNotFound
		}
		return model.Run{}, fmt.Errorf("storage: scan run: %w", err)
	}
	r.Status = model.RunStatus(status)
	return r, nil
}
