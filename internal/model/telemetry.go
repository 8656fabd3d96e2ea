package model

import "time"

// TelemetryFromMetrics reads the telemetry view out of an untyped
// metrics document. Like StepStateFromMetrics, every shape mismatch
// degrades to the zero value rather than an error.
func TelemetryFromMetrics(metrics map[string]any) Telemetry {
	var t Telemetry
	if metrics == nil {
		return t
	}

	if tl, ok := metrics["timeline"].(map[string]any); ok {
		if ts := parseTime(tl["created_at"]); ts != nil {
			t.Timeline.CreatedAt = *ts
		}
		t.Timeline.StartedAt = parseTime(tl["started_at"])
		if steps, ok := tl["steps"].(map[string]any); ok {
			t.Timeline.Steps = make(map[string]StepTiming, len(steps))
			for name, raw := range steps {
				doc, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				timing := StepTiming{
					StartedAt:  parseTime(doc["started_at"]),
					FinishedAt: parseTime(doc["finished_at"]),
				}
				if d, ok := doc["duration_ms"].(float64); ok {
					ms := int64(d)
					timing.DurationMS = &ms
				}
				t.Timeline.Steps[name] = timing
			}
		}
	}

	if counters, ok := metrics["counters"].(map[string]any); ok {
		t.Counters = make(map[string]map[string]float64, len(counters))
		for ns, raw := range counters {
			keys, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			leaf := make(map[string]float64, len(keys))
			for k, v := range keys {
				if f, ok := v.(float64); ok {
					leaf[k] = f
				}
			}
			t.Counters[ns] = leaf
		}
	}

	return t
}

// MetricsDoc renders the telemetry as the timeline and counters keys of
// a metrics patch, suitable for a top-level jsonb merge.
func (t Telemetry) MetricsDoc() map[string]any {
	timeline := map[string]any{}
	if !t.Timeline.CreatedAt.IsZero() {
		timeline["created_at"] = t.Timeline.CreatedAt.Format(time.RFC3339Nano)
	}
	if t.Timeline.StartedAt != nil {
		timeline["started_at"] = t.Timeline.StartedAt.Format(time.RFC3339Nano)
	}
	if len(t.Timeline.Steps) > 0 {
		steps := make(map[string]any, len(t.Timeline.Steps))
		for name, timing := range t.Timeline.Steps {
			doc := map[string]any{}
			if timing.StartedAt != nil {
				doc["started_at"] = timing.StartedAt.Format(time.RFC3339Nano)
			}
			if timing.FinishedAt != nil {
				doc["finished_at"] = timing.FinishedAt.Format(time.RFC3339Nano)
			}
			if timing.DurationMS != nil {
				doc["duration_ms"] = *timing.DurationMS
			}
			steps[name] = doc
		}
		timeline["steps"] = steps
	}

	doc := map[string]any{"timeline": timeline}
	if len(t.Counters) > 0 {
		counters := make(map[string]any, len(t.Counters))
		for ns, keys := range t.Counters {
			leaf := make(map[string]any, len(keys))
			for k, v := range keys {
				leaf[k] = v
			}
			counters[ns] = leaf
		}
		doc["counters"] = counters
	}
	return doc
}

// Telemetry records step timings and free-form counters for a run. It is
// a denormalized view embedded in Run.Metrics, never independently
// persisted as authoritative — it is always recomputable state for
// display, not control flow.
type Telemetry struct {
	Timeline Timeline                      `json:"timeline"`
	Counters map[string]map[string]float64 `json:"counters,omitempty"`
}

// Timeline holds run-level and per-step timing.
type Timeline struct {
	CreatedAt time.Time             `json:"created_at"`
	StartedAt *time.Time            `json:"started_at,omitempty"`
	Steps     map[string]StepTiming `json:"steps,omitempty"`
}

// StepTiming is the timing record for one pipeline step. Nil fields mean
// "not reported in this patch" to MergeTelemetry, not "unset".
type StepTiming struct {
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DurationMS *int64     `json:"duration_ms,omitempty"`
}

// MergeTelemetry merges patch into current and returns the result. The
// merge is structural, not a replace:
//
//   - Timeline.CreatedAt is preserved from current once set; a later
//     patch never overwrites it.
//   - Timeline.StartedAt follows patch-wins-if-present.
//   - Each step in Timeline.Steps is merged independently: fields
//     present in patch overwrite, fields absent survive from current.
//   - Counters merge per leaf key within each namespace.
//
// The asymmetry lets the orchestrator emit small incremental patches
// without re-sending or clobbering the full telemetry history. The
// operation is idempotent: merging the same patch twice equals merging
// it once.
func MergeTelemetry(current, patch Telemetry) Telemetry {
	out := Telemetry{Timeline: Timeline{CreatedAt: current.Timeline.CreatedAt}}

	if out.Timeline.CreatedAt.IsZero() {
		out.Timeline.CreatedAt = patch.Timeline.CreatedAt
	}

	out.Timeline.StartedAt = current.Timeline.StartedAt
	if patch.Timeline.StartedAt != nil {
		out.Timeline.StartedAt = patch.Timeline.StartedAt
	}

	if len(current.Timeline.Steps) > 0 || len(patch.Timeline.Steps) > 0 {
		out.Timeline.Steps = make(map[string]StepTiming, len(current.Timeline.Steps)+len(patch.Timeline.Steps))
		for name, t := range current.Timeline.Steps {
			out.Timeline.Steps[name] = t
		}
		for name, p := range patch.Timeline.Steps {
			merged := out.Timeline.Steps[name]
			if p.StartedAt != nil {
				merged.StartedAt = p.StartedAt
			}
			if p.FinishedAt != nil {
				merged.FinishedAt = p.FinishedAt
			}
			if p.DurationMS != nil {
				merged.DurationMS = p.DurationMS
			}
			out.Timeline.Steps[name] = merged
		}
	}

	if len(current.Counters) > 0 || len(patch.Counters) > 0 {
		out.Counters = make(map[string]map[string]float64, len(current.Counters)+len(patch.Counters))
		for ns, keys := range current.Counters {
			merged := make(map[string]float64, len(keys))
			for k, v := range keys {
				merged[k] = v
			}
			out.Counters[ns] = merged
		}
		for ns, keys := range patch.Counters {
			merged, ok := out.Counters[ns]
			if !ok {
				merged = make(map[string]float64, len(keys))
				out.Counters[ns] = merged
			}
			for k, v := range keys {
				merged[k] = v
			}
		}
	}

	return out
}
