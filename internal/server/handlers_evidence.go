package server

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scopeware/periscope/internal/model"
	"github.com/scopeware/periscope/internal/service/coverage"
	"github.com/scopeware/periscope/internal/service/scoring"
	"github.com/scopeware/periscope/internal/storage"
)

// HandleIngestCitations handles POST /v1/projects/{project_id}/citations.
// Accepts a batch of collector results for an open run.
func (h *handlers) HandleIngestCitations(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.projectID(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	var req model.IngestCitationsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if len(req.Citations) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "citations must not be empty")
		return
	}
	if len(req.Citations) > h.maxCitationBatch {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "citation batch too large")
		return
	}

	runID, err := uuid.Parse(req.RunID)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run id")
		return
	}

	run, err := h.db.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.logger.Error("get run for ingest", "run_id", runID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load run")
		return
	}
	if run.ProjectID != projectID {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
		return
	}
	if run.Status.Terminal() {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "run is closed")
		return
	}

	now := time.Now().UTC()
	citations := make([]model.Citation, 0, len(req.Citations))
	for i, in := range req.Citations {
		if in.Competitor == "" || in.Criterion == "" || in.SourceType == "" {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				"citation "+strconv.Itoa(i)+": competitor, criterion, and source_type are required")
			return
		}
		if err := model.ValidateCitationURL(in.URL); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				"citation "+strconv.Itoa(i)+": "+err.Error())
			return
		}
		citations = append(citations, model.Citation{
			ID:          uuid.New(),
			ProjectID:   projectID,
			RunID:       runID,
			Competitor:  in.Competitor,
			Criterion:   in.Criterion,
			URL:         in.URL,
			Domain:      citationDomain(in.URL),
			SourceType:  in.SourceType,
			PublishedAt: in.PublishedAt,
			CreatedAt:   now,
		})
	}

	n, err := h.db.CreateCitations(r.Context(), citations)
	if err != nil {
		h.logger.Error("ingest citations", "run_id", runID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to store citations")
		return
	}

	writeJSON(w, r, http.StatusCreated, map[string]any{"ingested": n})
}

// HandleCoverage handles GET /v1/projects/{project_id}/coverage.
//
// Evaluates the evidence corpus for one (competitor, criterion) pair
// against the coverage threshold and returns the verdict together with
// the derived score. Threshold fields can be overridden per request via
// query parameters.
func (h *handlers) HandleCoverage(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.projectID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	competitor := q.Get("competitor")
	criterion := q.Get("criterion")
	if competitor == "" || criterion == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "competitor and criterion are required")
		return
	}

	threshold := h.threshold
	if v := q.Get("min_total_sources"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			threshold.MinTotalSources = n
		}
	}
	if v := q.Get("min_evidence_types"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			threshold.MinEvidenceTypes = n
		}
	}
	if v := q.Get("min_first_party_ratio"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			threshold.MinFirstPartyRatio = f
		}
	}
	if v := q.Get("max_median_age_days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			threshold.MaxMedianAgeDays = n
		}
	}

	citations, err := h.db.GetCitationsByPair(r.Context(), projectID, competitor, criterion)
	if err != nil {
		h.logger.Error("get citations for coverage", "project_id", projectID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load citations")
		return
	}

	now := time.Now().UTC()
	writeJSON(w, r, http.StatusOK, model.CoverageResponse{
		Verdict: coverage.Evaluate(citations, q.Get("official_domain"), threshold, now),
		Score:   scoring.Score(citations, now),
	})
}

// citationDomain extracts the lowercased host from an already-validated
// citation URL.
func citationDomain(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
