package main

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/nmoreras/punchcard/internal/api"
	"github.com/nmoreras/punchcard/internal/config"
	"github.com/nmoreras/punchcard/internal/convert"
	"github.com/nmoreras/punchcard/internal/core"
	"github.com/nmoreras/punchcard/internal/janitor"
	"github.com/nmoreras/punchcard/internal/store"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("punchcard: starting",
		"listen_addr", cfg.ListenAddr(),
		"db_path", cfg.DBPath,
		"workers", cfg.Workers,
		"job_timeout", cfg.JobTimeout,
	)

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		log.Fatalf("failed to create upload dir: %v", err)
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	runner := convert.New(logger, filepath.Join(cfg.UploadDir, "scratch"))

	c := core.New(db, runner, logger, core.Options{
		Workers:         cfg.Workers,
		JobTimeout:      cfg.JobTimeout,
		GracefulTimeout: cfg.GracefulTimeout,
	})
	c.Start()

	jan := janitor.New(db, logger, cfg.Retention)
	if err := jan.Start(); err != nil {
		log.Fatalf("failed to start janitor: %v", err)
	}

	srv := api.NewServer(cfg, db, c, logger)

	// Run blocks until SIGINT/SIGTERM and stops the HTTP listener first, so
	// the drain below sees no new submissions.
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout+5*time.Second)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		logger.Error("drain did not complete", "error", err)
	}

	jan.Stop()
	logger.Info("punchcard: stopped")
}
