package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/scopeware/periscope/internal/model"
	"github.com/scopeware/periscope/internal/orchestrator"
	"github.com/scopeware/periscope/internal/storage"
)

// handlers implements all HTTP endpoints.
type handlers struct {
	db        *storage.DB
	orc       *orchestrator.Orchestrator
	driver    StepDriver
	threshold model.CoverageThreshold
	logger    *slog.Logger

	version          string
	maxBodyBytes     int64
	maxCitationBatch int
	startTime        time.Time
}

func newHandlers(cfg ServerConfig) *handlers {
	maxBody := cfg.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	maxBatch := cfg.MaxCitationBatch
	if maxBatch <= 0 {
		maxBatch = 500
	}
	return &handlers{
		db:               cfg.DB,
		orc:              cfg.Orc,
		driver:           cfg.Driver,
		threshold:        cfg.Threshold,
		logger:           cfg.Logger,
		version:          cfg.Version,
		maxBodyBytes:     maxBody,
		maxCitationBatch: maxBatch,
		startTime:        time.Now(),
	}
}

// HandleHealth responds to GET /health.
func (h *handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "ok"
	status := "ok"
	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "unreachable"
		status = "degraded"
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startTime).Seconds()),
	})
}
