package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/scopeware/periscope/internal/model"
	"github.com/scopeware/periscope/internal/service/coverage"
	"github.com/scopeware/periscope/internal/service/scoring"
)

// Collector gathers evidence citations for a run. Production deployments
// plug in an implementation that talks to the crawling fleet; when nil,
// the evidence step relies entirely on citations ingested through the
// API.
type Collector interface {
	Collect(ctx context.Context, run model.Run) ([]model.Citation, error)
}

// Generator produces the synthesis artifact from the scored pairs.
// Production deployments plug in a model-backed implementation; the
// built-in SummaryGenerator produces a deterministic ranking table.
type Generator interface {
	Generate(ctx context.Context, run model.Run, scores map[string]model.ComputedScore) (map[string]any, error)
}

// CitationStore is the evidence access the step executors need.
type CitationStore interface {
	CreateCitations(ctx context.Context, citations []model.Citation) (int64, error)
	GetCitationsByProject(ctx context.Context, projectID uuid.UUID) ([]model.Citation, error)
}

// MetricsUpdater persists derived step artifacts into the run's metrics
// document.
type MetricsUpdater interface {
	UpdateRunMetrics(ctx context.Context, runID uuid.UUID, patch map[string]any) error
}

// EvidenceStep builds the evidence executor. With a collector it fetches
// and stores fresh citations; either way the step fails with no_evidence
// until the project has at least one citation, making it retryable once
// ingestion catches up.
func EvidenceStep(store CitationStore, collector Collector) StepFunc {
	return func(ctx context.Context, run model.Run) (map[string]float64, error) {
		collected := 0
		if collector != nil {
			citations, err := collector.Collect(ctx, run)
			if err != nil {
				return nil, &StepError{Code: "collector_failed", Err: err}
			}
			if len(citations) > 0 {
				n, err := store.CreateCitations(ctx, citations)
				if err != nil {
					return nil, err
				}
				collected = int(n)
			}
		}

		existing, err := store.GetCitationsByProject(ctx, run.ProjectID)
		if err != nil {
			return nil, err
		}
		if len(existing) == 0 {
			return nil, &StepError{Code: "no_evidence", Err: fmt.Errorf("no citations for project %s", run.ProjectID)}
		}

		return map[string]float64{
			"citations_collected": float64(collected),
			"citations_total":     float64(len(existing)),
		}, nil
	}
}

// AnalysisStep builds the coverage gate: every (competitor, criterion)
// pair is evaluated against the threshold, and the pipeline halts until
// at least one pair has sufficient evidence. Insufficient pairs are
// reported, not fatal; generation proceeds with what passes.
func AnalysisStep(store CitationStore, threshold model.CoverageThreshold) StepFunc {
	// The official-domain registry lives outside this service, so the
	// first-party condition cannot be checked here; the coverage API
	// applies it when the caller supplies official_domain.
	threshold.MinFirstPartyRatio = 0

	return func(ctx context.Context, run model.Run) (map[string]float64, error) {
		citations, err := store.GetCitationsByProject(ctx, run.ProjectID)
		if err != nil {
			return nil, err
		}
		pairs := groupByPair(citations)
		if len(pairs) == 0 {
			return nil, &StepError{Code: "no_evidence", Err: fmt.Errorf("no citation pairs for project %s", run.ProjectID)}
		}

		now := time.Now().UTC()
		sufficient := 0
		for _, pair := range pairs {
			verdict := coverage.Evaluate(pair, "", threshold, now)
			if verdict.Sufficient {
				sufficient++
			}
		}
		if sufficient == 0 {
			return nil, &StepError{Code: "coverage_insufficient",
				Err: fmt.Errorf("none of %d pairs meets the coverage threshold", len(pairs))}
		}

		return map[string]float64{
			"pairs_total":      float64(len(pairs)),
			"pairs_sufficient": float64(sufficient),
		}, nil
	}
}

// ScoringStep builds the scoring executor: every pair's evidence set is
// scored and the score table is persisted into the run's metrics for the
// synthesis step and the audit UI.
func ScoringStep(store CitationStore, metrics MetricsUpdater) StepFunc {
	return func(ctx context.Context, run model.Run) (map[string]float64, error) {
		scores, err := scorePairs(ctx, store, run)
		if err != nil {
			return nil, err
		}

		scored, unscored := 0, 0
		docs := make(map[string]any, len(scores))
		for key, s := range scores {
			if s.Status == model.ScoreStatusScored {
				scored++
			} else {
				unscored++
			}
			docs[key] = scoreDoc(s)
		}
		if err := metrics.UpdateRunMetrics(ctx, run.ID, map[string]any{"scores": docs}); err != nil {
			return nil, err
		}

		return map[string]float64{
			"pairs_scored":   float64(scored),
			"pairs_unscored": float64(unscored),
		}, nil
	}
}

// SynthesisStep builds the synthesis executor: the generator renders the
// final artifact from the score table and the result lands in the run's
// metrics under the report key.
func SynthesisStep(store CitationStore, gen Generator, metrics MetricsUpdater) StepFunc {
	if gen == nil {
		gen = SummaryGenerator{}
	}
	return func(ctx context.Context, run model.Run) (map[string]float64, error) {
		scores, err := scorePairs(ctx, store, run)
		if err != nil {
			return nil, err
		}

		report, err := gen.Generate(ctx, run, scores)
		if err != nil {
			return nil, &StepError{Code: "generation_failed", Err: err}
		}
		if err := metrics.UpdateRunMetrics(ctx, run.ID, map[string]any{"report": report}); err != nil {
			return nil, err
		}

		return map[string]float64{"report_pairs": float64(len(scores))}, nil
	}
}

// scorePairs groups the project's citations and scores each pair.
func scorePairs(ctx context.Context, store CitationStore, run model.Run) (map[string]model.ComputedScore, error) {
	citations, err := store.GetCitationsByProject(ctx, run.ProjectID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	scores := make(map[string]model.ComputedScore)
	for key, pair := range groupByPair(citations) {
		scores[key] = scoring.Score(pair, now)
	}
	return scores, nil
}

// groupByPair buckets citations by "competitor/criterion".
func groupByPair(citations []model.Citation) map[string][]model.Citation {
	pairs := make(map[string][]model.Citation)
	for _, c := range citations {
		key := c.Competitor + "/" + c.Criterion
		pairs[key] = append(pairs[key], c)
	}
	return pairs
}

// scoreDoc renders a score as a plain map for jsonb embedding.
func scoreDoc(s model.ComputedScore) map[string]any {
	raw, _ := json.Marshal(s)
	var doc map[string]any
	_ = json.Unmarshal(raw, &doc)
	return doc
}

// SummaryGenerator is the built-in Generator: a deterministic ranking of
// competitors by mean scored value. Deployments wanting prose reports
// substitute a model-backed Generator.
type SummaryGenerator struct{}

// Generate renders the score table into a stable, sorted summary.
func (SummaryGenerator) Generate(_ context.Context, run model.Run, scores map[string]model.ComputedScore) (map[string]any, error) {
	keys := make([]string, 0, len(scores))
	for k := range scores {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		s := scores[k]
		row := map[string]any{
			"pair":           k,
			"status":         string(s.Status),
			"evidence_count": s.EvidenceCount,
		}
		if s.Value != nil {
			row["score"] = *s.Value
		}
		if s.Reason != "" {
			row["reason"] = s.Reason
		}
		rows = append(rows, row)
	}

	return map[string]any{
		"input_version": run.InputVersion,
		"generated_at":  time.Now().UTC().Format(time.RFC3339Nano),
		"pairs":         rows,
	}, nil
}
