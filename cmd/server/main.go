package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"invpredict/config"
	"invpredict/db"
	qhttp "invpredict/http"
	"invpredict/logging"
	"invpredict/ml"
	"invpredict/monitoring"
	"invpredict/pipeline"
	"invpredict/service"
	"invpredict/training"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	// 1. Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	metrics := monitoring.NewMetrics("invpredict")

	// 2. Prediction service, seeded from the last published artifact
	svc, err := service.New(service.Config{
		Schema:       cfg.Schema,
		MaxBatchSize: cfg.Prediction.MaxBatchSize,
		CacheSize:    cfg.Prediction.CacheSize,
	}, metrics, logger.Named("service"))
	if err != nil {
		return err
	}
	if _, err := svc.LoadFile(cfg.Model.ArtifactPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load artifact: %w", err)
		}
		logger.Info("no model artifact yet", zap.String("path", cfg.Model.ArtifactPath))
	}

	// 3. Training ledger
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return fmt.Errorf("create database dir: %w", err)
	}
	store, err := db.Open(cfg.Database.Path, logger.Named("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()
	logger.Info("database initialized", zap.String("path", cfg.Database.Path))

	hub := monitoring.NewWebSocketHub(metrics, logger.Named("ws"))
	go hub.Start()
	defer hub.Stop()

	// 4. Training runner; successful runs are persisted before they serve
	algorithm, err := ml.NewAlgorithm(cfg.Model.Algorithm, cfg.Model.Params)
	if err != nil {
		return err
	}
	orchestrator := training.NewOrchestrator(algorithm, logger.Named("training"))
	publish := func(ctx context.Context, m *ml.TrainedModel) error {
		if err := ml.SaveArtifact(cfg.Model.ArtifactPath, m); err != nil {
			return fmt.Errorf("save artifact: %w", err)
		}
		return svc.Load(m)
	}
	alerts := monitoring.NewAlertSystem(cfg.Alerts.Channels, logger.Named("alerts"))
	defer alerts.Wait()
	runner := training.NewRunner(orchestrator, publish, training.RunnerConfig{
		MaxHistory: cfg.Training.MaxHistory,
		QueueSize:  cfg.Training.QueueSize,
	}, logger.Named("runner"), store, hub, metrics, alerts)
	defer runner.Close()

	var dataset qhttp.DatasetSource
	if cfg.Training.DatasetPath != "" {
		ingester := pipeline.NewDataIngester(cfg.Training.CSV, cfg.Schema, logger.Named("pipeline"))
		dataset = func() (ml.Dataset, error) {
			ds, _, err := ingester.Load(cfg.Training.DatasetPath)
			return ds, err
		}
	}

	if cfg.Training.OnStartup && svc.State() == service.StateUninitialized {
		ds, err := dataset()
		if err != nil {
			return fmt.Errorf("load startup dataset: %w", err)
		}
		job, err := runner.Submit(ds, cfg.Training.Orchestrator())
		if err != nil {
			return fmt.Errorf("startup training: %w", err)
		}
		logger.Info("startup training queued", zap.String("job_id", job.ID))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Model.Watch {
		watcher, err := service.NewWatcher(cfg.Model.ArtifactPath, svc, logger.Named("watcher"))
		if err != nil {
			return fmt.Errorf("watch artifact: %w", err)
		}
		go watcher.Run(ctx)
	}

	// 5. Start HTTP server
	server := qhttp.NewServer(qhttp.ServerConfig{
		Port:           cfg.HTTP.Port,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}, &qhttp.Handlers{
		Service:       svc,
		Runner:        runner,
		Ledger:        store,
		Hub:           hub,
		Metrics:       metrics,
		Dataset:       dataset,
		TrainDefaults: cfg.Training.Orchestrator(),
		Logger:        logger.Named("http"),
	}, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	// 6. Handle graceful shutdown
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
