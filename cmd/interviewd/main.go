package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MikeSquared-Agency/interviewd/internal/api"
	"github.com/MikeSquared-Agency/interviewd/internal/audio"
	"github.com/MikeSquared-Agency/interviewd/internal/config"
	"github.com/MikeSquared-Agency/interviewd/internal/dispatch"
	"github.com/MikeSquared-Agency/interviewd/internal/hermes"
	"github.com/MikeSquared-Agency/interviewd/internal/interview"
	"github.com/MikeSquared-Agency/interviewd/internal/metrics"
	"github.com/MikeSquared-Agency/interviewd/internal/policy"
	"github.com/MikeSquared-Agency/interviewd/internal/processor"
	"github.com/MikeSquared-Agency/interviewd/internal/store"
	"github.com/MikeSquared-Agency/interviewd/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger, logCloser, err := telemetry.NewLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		slog.Error("failed to set up logging", "error", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("interviewd starting", "port", cfg.Port, "store", cfg.StoreBackend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metrics
	meter, shutdownMetrics, err := telemetry.InitMetrics(ctx, cfg.MetricsExportFile, cfg.MetricsInterval)
	if err != nil {
		slog.Error("failed to set up metrics export", "error", err)
		os.Exit(1)
	}
	instruments, err := metrics.NewInstruments(meter)
	if err != nil {
		slog.Error("failed to create instruments", "error", err)
		os.Exit(1)
	}

	// Database
	dsn := cfg.SQLitePath
	if cfg.StoreBackend == config.BackendPostgres {
		dsn = cfg.DatabaseURL
	}
	db, err := store.Open(ctx, cfg.StoreBackend, dsn)
	if err != nil {
		slog.Error("failed to open store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("store ready", "backend", cfg.StoreBackend)

	// Audio chunk store
	chunks, err := audio.NewStore(cfg.AudioBaseDir,
		audio.WithHeaderSize(cfg.AudioHeaderSize),
		audio.WithWAVHeaderFix(cfg.AudioFixWAVHeader))
	if err != nil {
		slog.Error("failed to open audio store", "dir", cfg.AudioBaseDir, "error", err)
		os.Exit(1)
	}

	window, err := policy.LoadWindow(cfg.ReschedulePolicyFile)
	if err != nil {
		slog.Error("failed to load reschedule policy", "error", err)
		os.Exit(1)
	}

	// NATS/Hermes (optional: events go to the log without it)
	var hermesClient *hermes.Client
	var sink dispatch.Sink = dispatch.LogSink{Logger: slog.Default()}
	if cfg.NatsURL != "" {
		hermesClient, err = hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, slog.Default())
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		sink = hermesClient
		slog.Info("NATS connected", "url", cfg.NatsURL)
	} else {
		slog.Warn("NATS not configured, lifecycle events will only be logged")
	}
	queue := dispatch.NewQueue(sink, cfg.EventQueueSize, slog.Default())

	svc := interview.NewService(db, chunks, queue, window, slog.Default(),
		interview.WithInvitationTTL(cfg.InvitationTTL),
		interview.WithInstruments(instruments))
	recorder := metrics.NewRecorder(db, instruments, slog.Default())

	// Realtime driver intake
	if hermesClient != nil {
		proc := processor.New(svc, recorder, slog.Default())
		if err := hermesClient.Subscribe(hermes.SubjectRealtimeTranscript, proc.HandleTranscriptTurn); err != nil {
			slog.Error("failed to subscribe to transcript turns", "error", err)
			os.Exit(1)
		}
		if err := hermesClient.Subscribe(hermes.SubjectRealtimeMetrics, proc.HandleRealtimeMetrics); err != nil {
			slog.Error("failed to subscribe to realtime metrics", "error", err)
			os.Exit(1)
		}
	}

	// HTTP API
	srv := api.NewServer(cfg.Port, svc, recorder, slog.Default())
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	slog.Info("interviewd ready", "port", cfg.Port)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown", "error", err)
	}
	queue.Close()
	if hermesClient != nil {
		hermesClient.Close()
	}
	if err := shutdownMetrics(shutdownCtx); err != nil {
		slog.Warn("metrics shutdown", "error", err)
	}
	cancel()
	slog.Info("interviewd stopped")
}
