// Package coverage decides whether an accumulated evidence corpus is
// sufficient for recommendation generation to proceed. The verdict gates
// the synthesis step; the reasons explain a blocked generation to the
// user instead of a bare "insufficient".
package coverage

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/scopeware/periscope/internal/model"
)

// Evaluate checks the full citation set collected for a project against
// a coverage threshold. All four conditions must hold for sufficiency:
// total source count, distinct source-type count, first-party ratio, and
// median citation age. Each failing condition contributes one
// human-readable reason.
//
// officialDomain identifies first-party sources (the competitor's own
// domain). Matching ignores case and a leading "www.".
func Evaluate(citations []model.Citation, officialDomain string, t model.CoverageThreshold, now time.Time) model.CoverageVerdict {
	v := model.CoverageVerdict{TotalSources: len(citations)}

	types := make(map[string]bool)
	firstParty := 0
	var ages []float64
	for _, c := range citations {
		if c.SourceType != "" {
			types[c.SourceType] = true
		}
		if isFirstParty(c, officialDomain) {
			firstParty++
		}
		if c.PublishedAt != nil {
			ages = append(ages, now.Sub(*c.PublishedAt).Hours()/24)
		}
	}
	v.EvidenceTypes = len(types)
	if len(citations) > 0 {
		v.FirstPartyRatio = float64(firstParty) / float64(len(citations))
	}
	if len(ages) > 0 {
		m := median(ages)
		v.MedianAgeDays = &m
	}

	var reasons []string
	if v.TotalSources < t.MinTotalSources {
		reasons = append(reasons, fmt.Sprintf(
			"only %d sources collected, need at least %d", v.TotalSources, t.MinTotalSources))
	}
	if v.EvidenceTypes < t.MinEvidenceTypes {
		reasons = append(reasons, fmt.Sprintf(
			"evidence spans %d source types, need at least %d", v.EvidenceTypes, t.MinEvidenceTypes))
	}
	if v.FirstPartyRatio < t.MinFirstPartyRatio {
		reasons = append(reasons, fmt.Sprintf(
			"%.0f%% of sources are first-party, need at least %.0f%%",
			v.FirstPartyRatio*100, t.MinFirstPartyRatio*100))
	}
	if t.MaxMedianAgeDays > 0 {
		switch {
		case v.MedianAgeDays == nil:
			reasons = append(reasons, "no citation carries a publication date, freshness cannot be verified")
		case *v.MedianAgeDays > float64(t.MaxMedianAgeDays):
			reasons = append(reasons, fmt.Sprintf(
				"median citation age is %.0f days, must be at most %d days",
				*v.MedianAgeDays, t.MaxMedianAgeDays))
		}
	}

	v.Sufficient = len(reasons) == 0
	v.Reasons = reasons
	return v
}

// isFirstParty reports whether a citation points at the official domain.
// Falls back to the URL host when the normalized Domain field is empty.
func isFirstParty(c model.Citation, officialDomain string) bool {
	if officialDomain == "" {
		return false
	}
	domain := c.Domain
	if domain == "" {
		if u, err := url.Parse(c.URL); err == nil {
			domain = u.Hostname()
		}
	}
	return normalizeDomain(domain) == normalizeDomain(officialDomain)
}

func normalizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	return strings.TrimPrefix(d, "www.")
}

// median of a non-empty slice. Even-length inputs average the two middle
// values.
func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
