package model

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// privateIPRanges is the set of CIDR blocks considered non-public.
// Populated once at package init; used by ValidateCitationURL.
var privateIPRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16", // link-local
		"::1/128",
		"fc00::/7",  // unique-local IPv6
		"fe80::/10", // link-local IPv6
	} {
		_, network, err := net.ParseCIDR(cidr)
		if err == nil {
			privateIPRanges = append(privateIPRanges, network)
		}
	}
}

// ValidateCitationURL ensures a citation URL is a safe, publicly-routable
// http/https URL. Rejects javascript: and file: schemes (XSS via the
// audit UI), embedded credentials, and private/loopback addresses (SSRF
// surface if a collector ever re-fetches stored URLs).
func ValidateCitationURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("citation url must use http or https scheme (got %q)", u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("citation url must not include credentials")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("citation url must include a host")
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("citation url must not point to localhost")
	}
	if ip := net.ParseIP(host); ip != nil {
		for _, r := range privateIPRanges {
			if r.Contains(ip) {
				return fmt.Errorf("citation url must not point to a private or loopback address")
			}
		}
	}
	return nil
}

// APIResponse is the standard response envelope for all HTTP responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error. Message is a user-safe string
// derived from Code — internal error text never crosses this boundary.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// AdvanceRequest is the request body for POST /v1/projects/{project_id}/advance.
type AdvanceRequest struct {
	Step         string `json:"step"`
	InputVersion string `json:"input_version"`
}

// AdvanceResponse reports the orchestration decision for an advance call.
// A lost claim race is not an error; it surfaces as action "noop".
type AdvanceResponse struct {
	RunID  string    `json:"run_id"`
	Action string    `json:"action"` // "noop", "started", or "resumed"
	Step   string    `json:"step"`
	State  StepState `json:"state"`
}

// RunStatusResponse is the status API payload consumed by polling UIs.
type RunStatusResponse struct {
	RunID        string               `json:"run_id"`
	ProjectID    string               `json:"project_id"`
	InputVersion string               `json:"input_version"`
	Status       RunStatus            `json:"status"`
	Steps        map[string]StepState `json:"steps"`
	Error        *ErrorDetail         `json:"error,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	StartedAt    *time.Time           `json:"started_at,omitempty"`
	FinishedAt   *time.Time           `json:"finished_at,omitempty"`
}

// CoverageResponse is the coverage API payload: the sufficiency verdict
// plus the derived evidence score for audit display.
type CoverageResponse struct {
	Verdict CoverageVerdict `json:"verdict"`
	Score   ComputedScore   `json:"score"`
}

// CitationInput is one citation in an ingestion request, as returned by
// an evidence collector.
type CitationInput struct {
	Competitor  string     `json:"competitor"`
	Criterion   string     `json:"criterion"`
	URL         string     `json:"url"`
	SourceType  string     `json:"source_type"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// IngestCitationsRequest is the request body for
// POST /v1/projects/{project_id}/citations.
type IngestCitationsRequest struct {
	RunID     string          `json:"run_id"`
	Citations []CitationInput `json:"citations"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Uptime   int64  `json:"uptime_seconds"`
}
