package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/scopeware/periscope/internal/config"
	"github.com/scopeware/periscope/internal/model"
	"github.com/scopeware/periscope/internal/orchestrator"
	"github.com/scopeware/periscope/internal/ratelimit"
	"github.com/scopeware/periscope/internal/server"
	"github.com/scopeware/periscope/internal/storage"
	"github.com/scopeware/periscope/internal/telemetry"
	"github.com/scopeware/periscope/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("PERISCOPE_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("periscope starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database and apply migrations.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Rate limiter: Redis when configured so the limit holds across
	// replicas, in-memory token bucket otherwise.
	var limiter ratelimit.Limiter
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		client := redis.NewClient(opts)
		defer func() { _ = client.Close() }()
		limiter = ratelimit.NewRedisLimiter(client, logger, cfg.RateLimitRPS*60, time.Minute)
		logger.Info("rate limiting: redis fixed window", "rpm", cfg.RateLimitRPS*60)
	} else {
		mem := ratelimit.NewMemoryLimiter(float64(cfg.RateLimitRPS), cfg.RateLimitBurst)
		defer func() { _ = mem.Close() }()
		limiter = mem
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	}

	orc := orchestrator.New(db, logger, cfg.MaxStepAttempts)

	// Pipeline driver with the built-in executors. The evidence step has
	// no collector wired here: citations arrive through the ingest API.
	pipe := orchestrator.NewPipeline(orc, db, logger, cfg.StepTimeout, cfg.DriverParallel)
	pipe.Register(model.StepEvidence, orchestrator.EvidenceStep(db, nil))
	pipe.Register(model.StepAnalysis, orchestrator.AnalysisStep(db, cfg.CoverageThreshold()))
	pipe.Register(model.StepScoring, orchestrator.ScoringStep(db, db))
	pipe.Register(model.StepSynthesis, orchestrator.SynthesisStep(db, nil, db))

	srv := server.New(server.ServerConfig{
		DB:                  db,
		Orc:                 orc,
		Driver:              pipe,
		Logger:              logger,
		Limiter:             limiter,
		Threshold:           cfg.CoverageThreshold(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		MaxCitationBatch:    cfg.MaxCitationBatch,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.RunPollDisabled {
		logger.Info("pipeline driver: disabled")
	} else {
		g.Go(func() error {
			err := pipe.Loop(gctx, cfg.PollInterval, cfg.SweepInterval)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	// Wait for shutdown signal or a fatal component error.
	<-gctx.Done()

	slog.Info("periscope shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	return g.Wait()
}
