// Package main provides the HTTP server for batchgen.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raphaelgruber/batchgen/internal/config"
	"github.com/raphaelgruber/batchgen/internal/db"
	"github.com/raphaelgruber/batchgen/internal/expand"
	"github.com/raphaelgruber/batchgen/internal/gemini"
	"github.com/raphaelgruber/batchgen/internal/llm"
	"github.com/raphaelgruber/batchgen/internal/metrics"
	"github.com/raphaelgruber/batchgen/internal/server"
	"github.com/raphaelgruber/batchgen/internal/service"
	"github.com/raphaelgruber/batchgen/internal/storage"
	_ "go.uber.org/automaxprocs"
)

// version is set at build time.
var version = "0.1.0"

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	wipeDB := flag.Bool("wipe", false, "wipe all data from database on startup (testing only)")
	flag.Parse()

	cfg := config.Load()

	logger, closeLog := config.NewLogger(cfg)
	defer func() {
		if err := closeLog(); err != nil {
			fmt.Fprintf(os.Stderr, "close log file: %v\n", err)
		}
	}()
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Info("starting batchgen-server", "version", version, "port", cfg.ServerPort,
		"image_model", cfg.ImageModel, "prompt_provider", cfg.PromptProvider)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector()

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	dbClient, err := db.NewClient(initCtx, db.ConfigFrom(cfg), logger, collector)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer func() {
		if err := dbClient.Close(context.Background()); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()

	if *wipeDB || os.Getenv("BATCHGEN_WIPE_DB") == "true" {
		if err := dbClient.WipeData(initCtx); err != nil {
			return fmt.Errorf("wipe database: %w", err)
		}
		logger.Warn("database wiped")
	}
	if err := dbClient.InitSchema(initCtx); err != nil {
		return fmt.Errorf("initialize schema: %w", err)
	}

	objects, err := storage.NewS3Store(initCtx, storage.ConfigFrom(cfg), collector)
	if err != nil {
		return fmt.Errorf("create object store: %w", err)
	}
	if cfg.StorageCreateBuckets {
		if err := objects.EnsureBuckets(initCtx, cfg.ReferenceBucket, cfg.GeneratedBucket); err != nil {
			return fmt.Errorf("ensure buckets: %w", err)
		}
	}

	genaiClient, err := gemini.NewClient(initCtx, cfg.GeminiAPIKey)
	if err != nil {
		return fmt.Errorf("create gemini client: %w", err)
	}
	images := gemini.NewImageGenerator(genaiClient, gemini.ImageOptions{
		Model:        cfg.ImageModel,
		ImageSize:    cfg.ImageSize,
		GoogleSearch: cfg.ImageSearchGround,
	}, collector)

	var expander expand.Expander
	if cfg.PromptProvider == config.ProviderGemini {
		expander = gemini.NewExpander(genaiClient, cfg.PromptModel, collector)
	} else {
		expander, err = llm.NewExpander(initCtx, cfg, collector)
		if err != nil {
			return fmt.Errorf("create prompt expander: %w", err)
		}
	}

	buckets := service.Buckets{Reference: cfg.ReferenceBucket, Generated: cfg.GeneratedBucket}
	events := service.NewEventBus()
	generator := service.NewGenerator(dbClient, objects, images, service.GeneratorOptions{
		Concurrency:       cfg.GenerationConcurrency,
		RateInterval:      cfg.GenerationRateInterval,
		HeartbeatInterval: cfg.RunHeartbeatInterval,
		StaleAfter:        cfg.RunStaleAfter,
		Buckets:           buckets,
		ReferenceCacheTTL: cfg.ReferenceCacheDuration,
	}, collector)
	runs := service.NewRunManager(generator, dbClient, events, cfg.RunStaleAfter)
	references := service.NewReferenceService(dbClient, objects, cfg.ReferenceBucket)

	// Runs left behind by a previous process can never finish.
	if err := runs.Reconcile(initCtx); err != nil {
		logger.Warn("failed to reconcile stale runs", "error", err)
	}
	runs.StartReconciler(cfg.RunStaleAfter)
	cancel()

	srv := server.New(version, server.Deps{
		Batches:    service.NewBatchService(dbClient, objects, buckets),
		Runs:       runs,
		References: references,
		Prompts:    service.NewPromptService(expander, references),
		Events:     events,
		Objects:    objects,
		Buckets:    buckets,
		Metrics:    collector,
	}, logger)

	logger.Info("API available", "url", fmt.Sprintf("http://localhost:%s/api/batches", cfg.ServerPort))
	serveErr := srv.Run(ctx, ":"+cfg.ServerPort, cfg.ShutdownTimeout)

	logger.Info("stopping generation runs...")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	if err := runs.Shutdown(shutdownCtx); err != nil {
		logger.Error("generation runs did not stop in time", "error", err)
	}

	if serveErr != nil {
		return fmt.Errorf("serve: %w", serveErr)
	}
	logger.Info("server stopped")
	return nil
}
