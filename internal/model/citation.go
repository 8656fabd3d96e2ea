package model

import (
	"time"

	"github.com/google/uuid"
)

// Citation is one piece of public evidence about a competitor,
// normalized from whatever a collector returns. Citations accumulate per
// (competitor, criterion) pair over a run's lifetime and are read-only
// after the evidence step.
type Citation struct {
	ID          uuid.UUID  `json:"id"`
	ProjectID   uuid.UUID  `json:"project_id"`
	RunID       uuid.UUID  `json:"run_id"`
	Competitor  string     `json:"competitor"`
	Criterion   string     `json:"criterion"`
	URL         string     `json:"url"`
	Domain      string     `json:"domain,omitempty"`
	SourceType  string     `json:"source_type"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ScoreStatus distinguishes a computed score from an explicit refusal to
// score.
type ScoreStatus string

const (
	ScoreStatusScored   ScoreStatus = "scored"
	ScoreStatusUnscored ScoreStatus = "unscored"
)

// ReasonInsufficientEvidence is the reason attached to an unscored
// result with no citations. The product guarantee: we never fabricate a
// score with zero evidence.
const ReasonInsufficientEvidence = "insufficient_evidence"

// ComputedScore is the output of the evidence scoring engine. Value is
// nil iff Status is unscored. Scores are derived on demand from the
// citation set and never stored as mutable entities.
type ComputedScore struct {
	Value            *float64    `json:"value"`
	Status           ScoreStatus `json:"status"`
	Reason           string      `json:"reason,omitempty"`
	EvidenceCount    int         `json:"evidence_count"`
	SourceTypes      []string    `json:"source_types"`
	NewestEvidenceAt *time.Time  `json:"newest_evidence_at,omitempty"`
	OldestEvidenceAt *time.Time  `json:"oldest_evidence_at,omitempty"`
}

// CoverageThreshold is the tunable policy an evidence corpus is
// evaluated against before generation may proceed. Passed explicitly to
// the evaluator so environments and tests can override it.
type CoverageThreshold struct {
	MinTotalSources    int     `json:"min_total_sources"`
	MinEvidenceTypes   int     `json:"min_evidence_types"`
	MinFirstPartyRatio float64 `json:"min_first_party_ratio"`
	MaxMedianAgeDays   int     `json:"max_median_age_days"`
}

// CoverageVerdict is the sufficiency decision for an evidence corpus.
// Reasons lists each failing condition in human-readable form so the UI
// can explain why generation is blocked rather than just that it is.
type CoverageVerdict struct {
	Sufficient      bool     `json:"sufficient"`
	Reasons         []string `json:"reasons,omitempty"`
	TotalSources    int      `json:"total_sources"`
	EvidenceTypes   int      `json:"evidence_types"`
	FirstPartyRatio float64  `json:"first_party_ratio"`
	MedianAgeDays   *float64 `json:"median_age_days,omitempty"`
}
