// Package model defines the core domain types for Periscope.
//
// Types correspond directly to database rows and API payloads. The one
// deliberate exception to strong typing is Run.Metrics: it mirrors an
// untyped jsonb column and is parsed defensively at every read boundary
// (see StepStateFromMetrics).
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// StepStatus represents per-step progress within a run.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// ValidStepStatus reports whether s is a recognized step status value.
// Used when parsing persisted step_status documents, where any other
// value is treated as pending.
func ValidStepStatus(s StepStatus) bool {
	switch s {
	case StepPending, StepRunning, StepCompleted, StepFailed:
		return true
	}
	return false
}

// Pipeline step names, in declared execution order.
const (
	StepEvidence  = "evidence"
	StepAnalysis  = "analysis"
	StepScoring   = "scoring"
	StepSynthesis = "synthesis"
)

// StepOrder is the declared pipeline sequence. The orchestrator does not
// enforce this ordering itself; callers (the poll loop) invoke steps in
// this order, and each step's claim is independently safe regardless.
var StepOrder = []string{StepEvidence, StepAnalysis, StepScoring, StepSynthesis}

// ValidStep reports whether name is a declared pipeline step.
func ValidStep(name string) bool {
	for _, s := range StepOrder {
		if s == name {
			return true
		}
	}
	return false
}

// StepState is the per-step progress record embedded in Run.Metrics
// under the step_status key.
type StepState struct {
	Status     StepStatus      `json:"status"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Attempts   int             `json:"attempts,omitempty"`
	Error      *SanitizedError `json:"error,omitempty"`
}

// Run is one execution attempt of the pipeline for a (project, input
// version) pair. At most one run exists per idempotency key.
type Run struct {
	ID             uuid.UUID      `json:"id"`
	ProjectID      uuid.UUID      `json:"project_id"`
	InputVersion   string         `json:"input_version"`
	Status         RunStatus      `json:"status"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metrics        map[string]any `json:"metrics"`
	Output         map[string]any `json:"output,omitempty"`
	ErrorCode      *string        `json:"error_code,omitempty"`
	ErrorMessage   *string        `json:"error_message,omitempty"`
	ErrorDetail    map[string]any `json:"error_detail,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
}

// idempotencySalt versions the key derivation. Bumping it invalidates all
// existing keys, forcing fresh runs after an incompatible schema change.
const idempotencySalt = "periscope-run-v1"

// IdempotencyKey deterministically derives the run idempotency key for a
// (project, input version) pair. A new input version always produces a
// new key, permitting a fresh run without reusing stale step state.
func IdempotencyKey(projectID uuid.UUID, inputVersion string) string {
	sum := sha256.Sum256([]byte(projectID.String() + "|" + inputVersion + "|" + idempotencySalt))
	return hex.EncodeToString(sum[:])
}

// StepStateFromMetrics reads the step state for stepName out of an
// untyped metrics document. The document came from a generic jsonb
// column, so every shape mismatch — missing key, wrong type, unknown
// status value — degrades to {status: pending} rather than an error.
// Corrupt telemetry must never block the pipeline from being retried.
func StepStateFromMetrics(metrics map[string]any, stepName string) StepState {
	pending := StepState{Status: StepPending}
	if metrics == nil {
		return pending
	}
	stepStatus, ok := metrics["step_status"].(map[string]any)
	if !ok {
		return pending
	}
	raw, ok := stepStatus[stepName].(map[string]any)
	if !ok {
		return pending
	}

	status, _ := raw["status"].(string)
	if !ValidStepStatus(StepStatus(status)) {
		return pending
	}

	st := StepState{Status: StepStatus(status)}
	if ts := parseTime(raw["started_at"]); ts != nil {
		st.StartedAt = ts
	}
	if ts := parseTime(raw["finished_at"]); ts != nil {
		st.FinishedAt = ts
	}
	switch v := raw["attempts"].(type) {
	case float64:
		st.Attempts = int(v)
	case int:
		st.Attempts = v
	}
	if errDoc, ok := raw["error"].(map[string]any); ok {
		st.Error = sanitizedErrorFromDoc(errDoc)
	}
	return st
}

// parseTime accepts the shapes a jsonb round trip can produce for a
// timestamp: RFC 3339 strings and time.Time values.
func parseTime(v any) *time.Time {
	switch t := v.(type) {
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return &parsed
		}
	case time.Time:
		return &t
	}
	return nil
}
