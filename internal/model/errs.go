package model

import (
	"time"
	"unicode/utf8"
)

// Length caps for sanitized errors. Collector and generator failures can
// carry arbitrarily large upstream payloads; these caps keep the
// persisted error documents bounded.
const (
	MaxErrorCodeLen    = 100
	MaxErrorMessageLen = 1000
	truncationMarker   = "...[truncated]"
)

// SanitizedError is the bounded error shape persisted into
// StepState.Error and the run-level error columns. It never carries
// stack traces or raw upstream responses; the UI derives a user message
// from Code alone.
type SanitizedError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Step      string         `json:"step,omitempty"`
	Upstream  string         `json:"upstream,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	At        time.Time      `json:"at"`
}

// NewSanitizedError builds a SanitizedError with Code and Message
// truncated to their caps. Oversized messages end with a marker so
// operators can tell truncation from a naturally short message. Cuts
// land on rune boundaries; upstream messages are not guaranteed ASCII
// and the result must stay valid UTF-8 for the jsonb column.
func NewSanitizedError(code, message string) SanitizedError {
	if len(code) > MaxErrorCodeLen {
		code = cutOnRune(code, MaxErrorCodeLen)
	}
	if len(message) > MaxErrorMessageLen {
		message = cutOnRune(message, MaxErrorMessageLen-len(truncationMarker)) + truncationMarker
	}
	return SanitizedError{Code: code, Message: message, At: time.Now().UTC()}
}

// cutOnRune truncates s to at most max bytes, backing up so the cut
// never splits a multi-byte rune. Callers guarantee len(s) > max.
func cutOnRune(s string, max int) string {
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// Doc renders the error as a plain map for embedding in a jsonb metrics
// patch.
func (e SanitizedError) Doc() map[string]any {
	doc := map[string]any{
		"code":    e.Code,
		"message": e.Message,
		"at":      e.At.Format(time.RFC3339Nano),
	}
	if e.RequestID != "" {
		doc["request_id"] = e.RequestID
	}
	if e.Step != "" {
		doc["step"] = e.Step
	}
	if e.Upstream != "" {
		doc["upstream"] = e.Upstream
	}
	if len(e.Details) > 0 {
		doc["details"] = e.Details
	}
	return doc
}

// sanitizedErrorFromDoc parses a persisted error document. Like all
// reads of the metrics column it is defensive: missing or mistyped
// fields are simply dropped.
func sanitizedErrorFromDoc(doc map[string]any) *SanitizedError {
	e := &SanitizedError{}
	e.Code, _ = doc["code"].(string)
	e.Message, _ = doc["message"].(string)
	e.RequestID, _ = doc["request_id"].(string)
	e.Step, _ = doc["step"].(string)
	e.Upstream, _ = doc["upstream"].(string)
	e.Details, _ = doc["details"].(map[string]any)
	if ts := parseTime(doc["at"]); ts != nil {
		e.At = *ts
	}
	return e
}
