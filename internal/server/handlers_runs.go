package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/scopeware/periscope/internal/model"
	"github.com/scopeware/periscope/internal/orchestrator"
	"github.com/scopeware/periscope/internal/storage"
)

// HandleAdvance handles POST /v1/projects/{project_id}/advance.
//
// The endpoint is idempotent: repeating a call, or racing it against
// another caller, yields action "noop" rather than an error or a
// duplicate run.
func (h *handlers) HandleAdvance(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.projectID(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	var req model.AdvanceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.InputVersion == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "input_version is required")
		return
	}

	res, err := h.orc.Advance(r.Context(), projectID, req.InputVersion, req.Step)
	if err != nil {
		if errors.Is(err, orchestrator.ErrUnknownStep) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown step")
			return
		}
		h.logger.Error("advance run", "project_id", projectID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to advance run")
		return
	}

	// A won claim is executed in the background; the response reports the
	// claim, not the step result. Detached from the request context so a
	// client disconnect does not abort a running step.
	if h.driver != nil && res.Action != orchestrator.ActionNoop {
		go func() {
			ctx := context.WithoutCancel(r.Context())
			if err := h.driver.DriveClaimed(ctx, res); err != nil {
				h.logger.Error("drive claimed step", "run_id", res.Run.ID, "step", res.Step, "error", err)
			}
		}()
	}

	writeJSON(w, r, http.StatusOK, model.AdvanceResponse{
		RunID:  res.Run.ID.String(),
		Action: string(res.Action),
		Step:   res.Step,
		State:  res.State,
	})
}

// HandleGetRun handles GET /v1/projects/{project_id}/run.
//
// With ?input_version=, resolves the exact run for that pair; without
// it, returns the project's most recent run.
func (h *handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.projectID(w, r)
	if !ok {
		return
	}

	var run model.Run
	var err error
	if version := r.URL.Query().Get("input_version"); version != "" {
		run, err = h.db.GetRunByIdempotencyKey(r.Context(), model.IdempotencyKey(projectID, version))
	} else {
		run, err = h.db.GetLatestRunForProject(r.Context(), projectID)
	}
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no run for project")
			return
		}
		h.logger.Error("get run", "project_id", projectID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load run")
		return
	}

	writeJSON(w, r, http.StatusOK, runStatusResponse(run))
}

// HandleListRuns handles GET /v1/projects/{project_id}/runs.
func (h *handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.projectID(w, r)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	runs, err := h.db.ListRunsByProject(r.Context(), projectID, limit, offset)
	if err != nil {
		h.logger.Error("list runs", "project_id", projectID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list runs")
		return
	}

	out := make([]model.RunStatusResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, runStatusResponse(run))
	}
	writeJSON(w, r, http.StatusOK, out)
}

// projectID parses the project_id path value, writing a 400 on failure.
func (h *handlers) projectID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("project_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid project id")
		return uuid.Nil, false
	}
	return id, true
}

// runStatusResponse projects a run row into the status payload,
// expanding the embedded step document for every declared step.
func runStatusResponse(run model.Run) model.RunStatusResponse {
	steps := make(map[string]model.StepState, len(model.StepOrder))
	for _, step := range model.StepOrder {
		steps[step] = model.StepStateFromMetrics(run.Metrics, step)
	}

	resp := model.RunStatusResponse{
		RunID:        run.ID.String(),
		ProjectID:    run.ProjectID.String(),
		InputVersion: run.InputVersion,
		Status:       run.Status,
		Steps:        steps,
		CreatedAt:    run.CreatedAt,
		StartedAt:    run.StartedAt,
		FinishedAt:   run.FinishedAt,
	}
	if run.ErrorCode != nil {
		detail := model.ErrorDetail{Code: *run.ErrorCode}
		if run.ErrorMessage != nil {
			detail.Message = *run.ErrorMessage
		}
		resp.Error = &detail
	}
	return resp
}
