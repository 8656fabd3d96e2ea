package storage_test

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/scopeware/periscope/internal/model"
	"github.com/scopeware/periscope/internal/storage"
	"github.com/scopeware/periscope/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func TestGetOrCreateActiveRun_Idempotent(t *testing.T) {
	ctx := context.Background()
	projectID := uuid.New()

	first, err := testDB.GetOrCreateActiveRun(ctx, projectID, "v1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusQueued, first.Status)
	assert.Equal(t, model.IdempotencyKey(projectID, "v1"), first.IdempotencyKey)

	second, err := testDB.GetOrCreateActiveRun(ctx, projectID, "v1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "same input version must return the same run")

	third, err := testDB.GetOrCreateActiveRun(ctx, projectID, "v2")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID, "new input version must create a fresh run")
}

func TestGetOrCreateActiveRun_Concurrent(t *testing.T) {
	ctx := context.Background()
	projectID := uuid.New()

	const callers = 8
	ids := make([]uuid.UUID, callers)

	g, gctx := errgroup.WithContext(ctx)
	for i := range callers {
		g.Go(func() error {
			run, err := testDB.GetOrCreateActiveRun(gctx, projectID, "v1")
			if err != nil {
				return err
			}
			ids[i] = run.ID
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for i := 1; i < callers; i++ {
		assert.Equal(t, ids[0], ids[i], "every concurrent caller must observe the same run")
	}
}

func TestClaimStep_ExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t, ctx)
	require.NoError(t, testDB.SetRunRunning(ctx, run.ID))

	const claimers = 8
	var wins atomic.Int32
	now := time.Now().UTC()

	g, gctx := errgroup.WithContext(ctx)
	for range claimers {
		g.Go(func() error {
			claimed, err := testDB.ClaimStep(gctx, run.ID, model.StepEvidence, 0, model.StepState{
				Status:    model.StepRunning,
				StartedAt: &now,
				Attempts:  1,
			})
			if err != nil {
				return err
			}
			if claimed {
				wins.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), wins.Load(), "exactly one claimer may win the step")

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	st := model.StepStateFromMetrics(got.Metrics, model.StepEvidence)
	assert.Equal(t, model.StepRunning, st.Status)
	assert.Equal(t, 1, st.Attempts)
}

func TestClaimStep_RetryAfterFailure(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t, ctx)
	require.NoError(t, testDB.SetRunRunning(ctx, run.ID))

	now := time.Now().UTC()
	claimed, err := testDB.ClaimStep(ctx, run.ID, model.StepAnalysis, 0, model.StepState{
		Status: model.StepRunning, StartedAt: &now, Attempts: 1,
	})
	require.NoError(t, err)
	require.True(t, claimed)

	failure := model.NewSanitizedError("upstream_timeout", "collector timed out")
	settled, err := testDB.SettleStep(ctx, run.ID, model.StepAnalysis, model.StepState{
		Status: model.StepFailed, StartedAt: &now, FinishedAt: &now, Attempts: 1, Error: &failure,
	})
	require.NoError(t, err)
	require.True(t, settled)

	// Failed steps are claimable again, with the attempt count advancing.
	claimed, err = testDB.ClaimStep(ctx, run.ID, model.StepAnalysis, 1, model.StepState{
		Status: model.StepRunning, StartedAt: &now, Attempts: 2,
	})
	require.NoError(t, err)
	assert.True(t, claimed)

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	st := model.StepStateFromMetrics(got.Metrics, model.StepAnalysis)
	assert.Equal(t, model.StepRunning, st.Status)
	assert.Equal(t, 2, st.Attempts)
}

func TestClaimStep_CompletedIsTerminal(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t, ctx)
	require.NoError(t, testDB.SetRunRunning(ctx, run.ID))

	now := time.Now().UTC()
	claimed, err := testDB.ClaimStep(ctx, run.ID, model.StepScoring, 0, model.StepState{
		Status: model.StepRunning, StartedAt: &now, Attempts: 1,
	})
	require.NoError(t, err)
	require.True(t, claimed)

	settled, err := testDB.SettleStep(ctx, run.ID, model.StepScoring, model.StepState{
		Status: model.StepCompleted, StartedAt: &now, FinishedAt: &now, Attempts: 1,
	})
	require.NoError(t, err)
	require.True(t, settled)

	claimed, err = testDB.ClaimStep(ctx, run.ID, model.StepScoring, 1, model.StepState{
		Status: model.StepRunning, StartedAt: &now, Attempts: 2,
	})
	require.NoError(t, err)
	assert.False(t, claimed, "completed steps must never be re-claimed")
}

func TestClaimStep_HealsCorruptStepStatus(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t, ctx)
	require.NoError(t, testDB.SetRunRunning(ctx, run.ID))

	// Simulate a corrupted telemetry write: step_status is a string, not
	// an object. The claim must still succeed, treating the step as
	// pending and rebuilding the parent document.
	require.NoError(t, testDB.UpdateRunMetrics(ctx, run.ID, map[string]any{
		"step_status": "corrupted",
	}))

	now := time.Now().UTC()
	claimed, err := testDB.ClaimStep(ctx, run.ID, model.StepEvidence, 0, model.StepState{
		Status: model.StepRunning, StartedAt: &now, Attempts: 1,
	})
	require.NoError(t, err)
	assert.True(t, claimed)

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	st := model.StepStateFromMetrics(got.Metrics, model.StepEvidence)
	assert.Equal(t, model.StepRunning, st.Status)
}

func TestClaimStep_StaleReadLoses(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t, ctx)
	require.NoError(t, testDB.SetRunRunning(ctx, run.ID))

	// Two callers read the step as pending with zero attempts. The first
	// claims, its executor fails, and the failure settles with one attempt
	// recorded.
	now := time.Now().UTC()
	claimed, err := testDB.ClaimStep(ctx, run.ID, model.StepSynthesis, 0, model.StepState{
		Status: model.StepRunning, StartedAt: &now, Attempts: 1,
	})
	require.NoError(t, err)
	require.True(t, claimed)

	failure := model.NewSanitizedError("upstream_timeout", "collector timed out")
	settled, err := testDB.SettleStep(ctx, run.ID, model.StepSynthesis, model.StepState{
		Status: model.StepFailed, StartedAt: &now, FinishedAt: &now, Attempts: 1, Error: &failure,
	})
	require.NoError(t, err)
	require.True(t, settled)

	// The second caller's claim still carries the stale zero-attempt read.
	// It must lose rather than overwrite the recorded attempt count.
	claimed, err = testDB.ClaimStep(ctx, run.ID, model.StepSynthesis, 0, model.StepState{
		Status: model.StepRunning, StartedAt: &now, Attempts: 1,
	})
	require.NoError(t, err)
	assert.False(t, claimed, "a claim based on a stale read must lose")

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	st := model.StepStateFromMetrics(got.Metrics, model.StepSynthesis)
	assert.Equal(t, model.StepFailed, st.Status)
	assert.Equal(t, 1, st.Attempts)

	// A fresh read claims the retry with the attempt count advancing.
	claimed, err = testDB.ClaimStep(ctx, run.ID, model.StepSynthesis, 1, model.StepState{
		Status: model.StepRunning, StartedAt: &now, Attempts: 2,
	})
	require.NoError(t, err)
	assert.True(t, claimed)

	got, err = testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	st = model.StepStateFromMetrics(got.Metrics, model.StepSynthesis)
	assert.Equal(t, model.StepRunning, st.Status)
	assert.Equal(t, 2, st.Attempts)
}

func TestSettleStep_RequiresRunning(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t, ctx)

	now := time.Now().UTC()
	settled, err := testDB.SettleStep(ctx, run.ID, model.StepSynthesis, model.StepState{
		Status: model.StepCompleted, FinishedAt: &now, Attempts: 1,
	})
	require.NoError(t, err)
	assert.False(t, settled, "an unclaimed step cannot be settled")
}

func TestRunTerminalGuards(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t, ctx)

	// Succeeding a run that never started running is rejected.
	err := testDB.SetRunSucceeded(ctx, run.ID, map[string]any{"report": "done"})
	assert.Error(t, err)

	require.NoError(t, testDB.SetRunRunning(ctx, run.ID))
	require.NoError(t, testDB.SetRunFailed(ctx, run.ID, model.NewSanitizedError("step_exhausted", "analysis failed after 3 attempts")))

	// Terminal runs stay terminal.
	assert.Error(t, testDB.SetRunSucceeded(ctx, run.ID, nil))
	assert.Error(t, testDB.SetRunRunning(ctx, run.ID))
	assert.Error(t, testDB.SetRunFailed(ctx, run.ID, model.NewSanitizedError("x", "y")))

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	require.NotNil(t, got.ErrorCode)
	assert.Equal(t, "step_exhausted", *got.ErrorCode)
	assert.NotNil(t, got.FinishedAt)
}

func TestUpdateRunMetrics(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t, ctx)

	require.NoError(t, testDB.UpdateRunMetrics(ctx, run.ID, map[string]any{
		"counters": map[string]any{"evidence": map[string]any{"urls_fetched": 42}},
	}))

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	counters, ok := got.Metrics["counters"].(map[string]any)
	require.True(t, ok)
	evidence, ok := counters["evidence"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 42, evidence["urls_fetched"])

	// The seeded step_status key survives a top-level merge of other keys.
	_, ok = got.Metrics["step_status"].(map[string]any)
	assert.True(t, ok)
}

func TestGetRun_NotFound(t *testing.T) {
	_, err := testDB.GetRun(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListRunsByProject(t *testing.T) {
	ctx := context.Background()
	projectID := uuid.New()

	for _, version := range []string{"v1", "v2", "v3"} {
		_, err := testDB.GetOrCreateActiveRun(ctx, projectID, version)
		require.NoError(t, err)
	}

	runs, err := testDB.ListRunsByProject(ctx, projectID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 3)

	latest, err := testDB.GetLatestRunForProject(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, runs[0].ID, latest.ID)
}

func TestCitations(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t, ctx)
	now := time.Now().UTC()
	published := now.AddDate(0, 0, -10)

	single := model.Citation{
		ID: uuid.New(), ProjectID: run.ProjectID, RunID: run.ID,
		Competitor: "acme", Criterion: "pricing",
		URL: "https://acme.example.com/pricing", Domain: "acme.example.com",
		SourceType: "official", PublishedAt: &published, CreatedAt: now,
	}
	require.NoError(t, testDB.CreateCitation(ctx, single))

	batch := []model.Citation{
		{ID: uuid.New(), ProjectID: run.ProjectID, RunID: run.ID,
			Competitor: "acme", Criterion: "pricing",
			URL: "https://news.example.org/acme-pricing", Domain: "news.example.org",
			SourceType: "news", CreatedAt: now},
		{ID: uuid.New(), ProjectID: run.ProjectID, RunID: run.ID,
			Competitor: "acme", Criterion: "support",
			URL: "https://reviews.example.net/acme", Domain: "reviews.example.net",
			SourceType: "review", PublishedAt: &now, CreatedAt: now},
	}
	n, err := testDB.CreateCitations(ctx, batch)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	byProject, err := testDB.GetCitationsByProject(ctx, run.ProjectID)
	require.NoError(t, err)
	assert.Len(t, byProject, 3)

	byPair, err := testDB.GetCitationsByPair(ctx, run.ProjectID, "acme", "pricing")
	require.NoError(t, err)
	assert.Len(t, byPair, 2)
	// Dated citations sort before undated ones.
	assert.NotNil(t, byPair[0].PublishedAt)
	assert.Nil(t, byPair[1].PublishedAt)

	byRun, err := testDB.GetCitationsByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, byRun, 3)

	count, err := testDB.CountCitationsByProject(ctx, run.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestListStuckRuns(t *testing.T) {
	ctx := context.Background()
	run := mustCreateRun(t, ctx)
	require.NoError(t, testDB.SetRunRunning(ctx, run.ID))

	stuck, err := testDB.ListStuckRuns(ctx, time.Now().UTC().Add(time.Minute), 100)
	require.NoError(t, err)

	found := false
	for _, r := range stuck {
		if r.ID == run.ID {
			found = true
		}
	}
	assert.True(t, found, "a run started before the deadline must be reported")

	none, err := testDB.ListStuckRuns(ctx, time.Now().UTC().Add(-time.Hour), 100)
	require.NoError(t, err)
	for _, r := range none {
		assert.NotEqual(t, run.ID, r.ID)
	}
}

func mustCreateRun(t *testing.T, ctx context.Context) model.Run {
	t.Helper()
	run, err := testDB.GetOrCreateActiveRun(ctx, uuid.New(), "v1")
	require.NoError(t, err)
	return run
}
