package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/joho/godotenv/autoload"

	"meteorcal/internal/cli"
	"meteorcal/internal/config"
	"meteorcal/internal/frame"
	"meteorcal/internal/frameindex"
	"meteorcal/internal/logging"
	"meteorcal/internal/pipeline"
	"meteorcal/internal/storage"
)

func main() {
	if err := run(); err != nil {
		slog.Error("meteorcal failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	for _, p := range []string{cfg.Paths.DatabasePath, cfg.Paths.FrameIndexPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", filepath.Dir(p), err)
		}
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	defer store.Close()

	frames, err := frameindex.Open(cfg.Paths.FrameIndexPath, logger)
	if err != nil {
		// Ingest jobs fail without the index; every other level still works.
		logger.Warn("frame index unavailable", "path", cfg.Paths.FrameIndexPath, "error", err)
		frames = nil
	} else {
		defer frames.Close()
	}

	if cfg.Stacking.Quicklook {
		if err := frame.InitQuicklook(); err != nil {
			return err
		}
		defer frame.TerminateQuicklook()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipe := pipeline.New(ctx, cfg, logger, store, frames)
	defer pipe.Drain()

	return cli.NewRootCmd(cfg, logger, store, pipe).ExecuteContext(ctx)
}
