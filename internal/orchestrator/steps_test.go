package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scopeware/periscope/internal/model"
	"github.com/scopeware/periscope/internal/orchestrator"
)

// fakeCitations is an in-memory CitationStore.
type fakeCitations struct {
	citations []model.Citation
}

func (f *fakeCitations) CreateCitations(_ context.Context, citations []model.Citation) (int64, error) {
	f.citations = append(f.citations, citations...)
	return int64(len(citations)), nil
}

func (f *fakeCitations) GetCitationsByProject(_ context.Context, projectID uuid.UUID) ([]model.Citation, error) {
	var out []model.Citation
	for _, c := range f.citations {
		if c.ProjectID == projectID {
			out = append(out, c)
		}
	}
	return out, nil
}

// fakeMetrics records metric patches per run.
type fakeMetrics struct {
	patches map[uuid.UUID]map[string]any
}

func (f *fakeMetrics) UpdateRunMetrics(_ context.Context, runID uuid.UUID, patch map[string]any) error {
	if f.patches == nil {
		f.patches = make(map[uuid.UUID]map[string]any)
	}
	if f.patches[runID] == nil {
		f.patches[runID] = make(map[string]any)
	}
	for k, v := range patch {
		f.patches[runID][k] = v
	}
	return nil
}

type staticCollector struct {
	citations []model.Citation
	err       error
}

func (c staticCollector) Collect(context.Context, model.Run) ([]model.Citation, error) {
	return c.citations, c.err
}

func seedCitations(projectID uuid.UUID, competitor, criterion string, n int, sourceTypes []string, publishedAt *time.Time) []model.Citation {
	out := make([]model.Citation, n)
	for i := range n {
		out[i] = model.Citation{
			ID:          uuid.New(),
			ProjectID:   projectID,
			Competitor:  competitor,
			Criterion:   criterion,
			URL:         "https://example.org/a",
			Domain:      "example.org",
			SourceType:  sourceTypes[i%len(sourceTypes)],
			PublishedAt: publishedAt,
			CreatedAt:   time.Now().UTC(),
		}
	}
	return out
}

func TestEvidenceStep(t *testing.T) {
	ctx := context.Background()
	projectID := uuid.New()
	run := model.Run{ID: uuid.New(), ProjectID: projectID}

	t.Run("no evidence fails retryable", func(t *testing.T) {
		fn := orchestrator.EvidenceStep(&fakeCitations{}, nil)
		_, err := fn(ctx, run)
		require.Error(t, err)
		var stepErr *orchestrator.StepError
		require.ErrorAs(t, err, &stepErr)
		assert.Equal(t, "no_evidence", stepErr.Code)
	})

	t.Run("collector results are stored", func(t *testing.T) {
		store := &fakeCitations{}
		collector := staticCollector{
			citations: seedCitations(projectID, "acme", "pricing", 4, []string{"official", "news"}, nil),
		}
		fn := orchestrator.EvidenceStep(store, collector)

		counters, err := fn(ctx, run)
		require.NoError(t, err)
		assert.EqualValues(t, 4, counters["citations_collected"])
		assert.EqualValues(t, 4, counters["citations_total"])
		assert.Len(t, store.citations, 4)
	})

	t.Run("ingested evidence suffices without collector", func(t *testing.T) {
		store := &fakeCitations{
			citations: seedCitations(projectID, "acme", "pricing", 2, []string{"news"}, nil),
		}
		fn := orchestrator.EvidenceStep(store, nil)

		counters, err := fn(ctx, run)
		require.NoError(t, err)
		assert.EqualValues(t, 0, counters["citations_collected"])
		assert.EqualValues(t, 2, counters["citations_total"])
	})
}

func TestAnalysisStep(t *testing.T) {
	ctx := context.Background()
	projectID := uuid.New()
	run := model.Run{ID: uuid.New(), ProjectID: projectID}
	now := time.Now().UTC()
	threshold := model.CoverageThreshold{
		MinTotalSources:    3,
		MinEvidenceTypes:   2,
		MinFirstPartyRatio: 0.2, // disabled by the step; no domain registry here
		MaxMedianAgeDays:   180,
	}

	t.Run("sufficient pair passes the gate", func(t *testing.T) {
		store := &fakeCitations{
			citations: seedCitations(projectID, "acme", "pricing", 5, []string{"official", "news", "review"}, &now),
		}
		fn := orchestrator.AnalysisStep(store, threshold)

		counters, err := fn(ctx, run)
		require.NoError(t, err)
		assert.EqualValues(t, 1, counters["pairs_total"])
		assert.EqualValues(t, 1, counters["pairs_sufficient"])
	})

	t.Run("all pairs below threshold blocks generation", func(t *testing.T) {
		store := &fakeCitations{
			citations: seedCitations(projectID, "acme", "pricing", 1, []string{"news"}, &now),
		}
		fn := orchestrator.AnalysisStep(store, threshold)

		_, err := fn(ctx, run)
		var stepErr *orchestrator.StepError
		require.ErrorAs(t, err, &stepErr)
		assert.Equal(t, "coverage_insufficient", stepErr.Code)
	})

	t.Run("no pairs at all", func(t *testing.T) {
		fn := orchestrator.AnalysisStep(&fakeCitations{}, threshold)
		_, err := fn(ctx, run)
		var stepErr *orchestrator.StepError
		require.ErrorAs(t, err, &stepErr)
		assert.Equal(t, "no_evidence", stepErr.Code)
	})
}

func TestScoringStep(t *testing.T) {
	ctx := context.Background()
	projectID := uuid.New()
	run := model.Run{ID: uuid.New(), ProjectID: projectID}
	now := time.Now().UTC()

	store := &fakeCitations{}
	store.citations = append(store.citations,
		seedCitations(projectID, "acme", "pricing", 5, []string{"official", "news", "review"}, &now)...)
	store.citations = append(store.citations,
		seedCitations(projectID, "globex", "pricing", 2, []string{"news"}, nil)...)

	metrics := &fakeMetrics{}
	fn := orchestrator.ScoringStep(store, metrics)

	counters, err := fn(ctx, run)
	require.NoError(t, err)
	assert.EqualValues(t, 2, counters["pairs_scored"])
	assert.EqualValues(t, 0, counters["pairs_unscored"])

	scores, ok := metrics.patches[run.ID]["scores"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, scores, "acme/pricing")
	assert.Contains(t, scores, "globex/pricing")
}

func TestSynthesisStep(t *testing.T) {
	ctx := context.Background()
	projectID := uuid.New()
	run := model.Run{ID: uuid.New(), ProjectID: projectID, InputVersion: "v7"}
	now := time.Now().UTC()

	store := &fakeCitations{
		citations: seedCitations(projectID, "acme", "pricing", 5, []string{"official", "news", "review"}, &now),
	}
	metrics := &fakeMetrics{}
	fn := orchestrator.SynthesisStep(store, nil, metrics)

	counters, err := fn(ctx, run)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counters["report_pairs"])

	report, ok := metrics.patches[run.ID]["report"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "v7", report["input_version"])

	rows, ok := report["pairs"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, rows, 1)
	assert.Equal(t, "acme/pricing", rows[0]["pair"])
	assert.Equal(t, string(model.ScoreStatusScored), rows[0]["status"])
}
