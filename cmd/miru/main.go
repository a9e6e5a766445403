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

	"github.com/miru-ai/miru/internal/config"
	"github.com/miru-ai/miru/internal/ingest"
	"github.com/miru-ai/miru/internal/metric"
	"github.com/miru-ai/miru/internal/model"
	"github.com/miru-ai/miru/internal/query"
	"github.com/miru-ai/miru/internal/server"
	"github.com/miru-ai/miru/internal/storage"
	"github.com/miru-ai/miru/internal/telemetry"
	"github.com/miru-ai/miru/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

// Exit codes: 0 clean shutdown, 1 fatal configuration or runtime error,
// 2 storage unreachable at startup.
const (
	exitOK             = 0
	exitFatal          = 1
	exitStorageUnreach = 2
)

// errStorageStartup marks a storage failure during startup.
var errStorageStartup = errors.New("storage unreachable")

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("MIRU_LOG_LEVEL") == "debug" {
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
		if errors.Is(err, errStorageStartup) {
			return exitStorageUnreach
		}
		return exitFatal
	}
	return exitOK
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("miru starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("%w: %v", errStorageStartup, err)
	}
	defer db.Close()

	// Register connection pool OTEL metrics (after telemetry.Init).
	db.RegisterPoolMetrics()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("%w: migrations: %v", errStorageStartup, err)
	}

	// Build the metric evaluator. Without an endpoint, metric computation is
	// disabled and query paths serve only already-persisted results.
	var evaluator metric.Evaluator
	if cfg.EvaluatorURL != "" {
		evaluator = metric.NewHTTPEvaluator(cfg.EvaluatorURL, cfg.EvaluatorAPIKey, cfg.EvaluatorTimeout)
		logger.Info("metric evaluator: enabled", "endpoint", cfg.EvaluatorURL)
	} else {
		evaluator = disabledEvaluator{}
		logger.Info("metric evaluator: disabled (no MIRU_EVALUATOR_URL)")
	}

	metricSvc := metric.New(db, evaluator, logger)
	defer metricSvc.Close()

	ingestSvc := ingest.New(db, logger)
	querySvc := query.New(db.Pool(), logger)

	srv := server.New(server.ServerConfig{
		DB:                  db,
		Ingest:              ingestSvc,
		Query:               querySvc,
		Metrics:             metricSvc,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		IngestTimeout:       cfg.IngestTimeout,
		QueryTimeout:        cfg.QueryTimeout,
	})

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown: stop accepting new requests and drain in-flight
	// ones. Ingest transactions either commit within the drain window or
	// roll back; nothing is left half-written.
	slog.Info("miru shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	slog.Info("miru stopped")
	return nil
}

// disabledEvaluator is used when no evaluator endpoint is configured.
type disabledEvaluator struct{}

func (disabledEvaluator) Evaluate(context.Context, model.MetricRequest) ([]model.MetricResult, error) {
	return nil, metric.ErrEvaluatorUnavailable
}
