// Package scoring converts a citation set into a 0-10 evidence quality
// score. Scores back the product's credibility claim: every number shown
// to a user is a deterministic function of the citations behind it, so a
// score can always be recomputed and audited.
package scoring

import (
	"math"
	"sort"
	"time"

	"github.com/scopeware/periscope/internal/model"
)

// Recency boundaries, in days since the newest citation.
const (
	freshWindowDays = 30
	staleWindowDays = 90
)

// Score computes the evidence quality score for the citations collected
// for one (competitor, criterion) pair. Deterministic and reproducible
// for the same citation set and evaluation time.
//
// Sub-scores:
//   - Coverage (0-6): step function of citation count. Deliberately
//     sub-linear — the marginal value of additional sources decreases.
//   - Recency (0-2): age of the newest dated citation. 0 when no
//     citation carries a date (dates are optional upstream).
//   - Diversity (0-2): count of distinct source types.
//
// Total is clamped to [0,10] and rounded to one decimal. An empty set
// returns an unscored result: the system never fabricates a score with
// zero evidence.
func Score(citations []model.Citation, now time.Time) model.ComputedScore {
	if len(citations) == 0 {
		return model.ComputedScore{
			Status:      model.ScoreStatusUnscored,
			Reason:      model.ReasonInsufficientEvidence,
			SourceTypes: []string{},
		}
	}

	types := distinctSourceTypes(citations)
	newest, oldest := evidenceBounds(citations)

	total := coverageSubScore(len(citations)) +
		recencySubScore(newest, now) +
		diversitySubScore(len(types))

	value := math.Round(clamp(total, 0, 10)*10) / 10
	return model.ComputedScore{
		Value:            &value,
		Status:           model.ScoreStatusScored,
		EvidenceCount:    len(citations),
		SourceTypes:      types,
		NewestEvidenceAt: newest,
		OldestEvidenceAt: oldest,
	}
}

// coverageSubScore maps citation count to 0-6.
func coverageSubScore(count int) float64 {
	switch {
	case count >= 11:
		return 6
	case count >= 6:
		return 5
	case count >= 3:
		return 4
	case count >= 1:
		return 2
	default:
		return 0
	}
}

// recencySubScore maps the age of the newest dated citation to 0-2.
func recencySubScore(newest *time.Time, now time.Time) float64 {
	if newest == nil {
		return 0
	}
	ageDays := now.Sub(*newest).Hours() / 24
	switch {
	case ageDays <= freshWindowDays:
		return 2
	case ageDays <= staleWindowDays:
		return 1
	default:
		return 0
	}
}

// diversitySubScore maps the distinct source type count to 0-2.
func diversitySubScore(types int) float64 {
	switch {
	case types >= 3:
		return 2
	case types == 2:
		return 1
	default:
		return 0
	}
}

// distinctSourceTypes returns the sorted set of source types present.
func distinctSourceTypes(citations []model.Citation) []string {
	seen := make(map[string]bool, len(citations))
	for _, c := range citations {
		if c.SourceType != "" {
			seen[c.SourceType] = true
		}
	}
	types := make([]string, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// evidenceBounds returns the newest and oldest publication timestamps
// among dated citations, or nils when no citation carries a date.
func evidenceBounds(citations []model.Citation) (newest, oldest *time.Time) {
	for _, c := range citations {
		if c.PublishedAt == nil {
			continue
		}
		ts := *c.PublishedAt
		if newest == nil || ts.After(*newest) {
			newest = &ts
		}
		if oldest == nil || ts.Before(*oldest) {
			oldest = &ts
		}
	}
	return newest, oldest
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
