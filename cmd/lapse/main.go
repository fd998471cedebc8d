package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"lapse/internal/cli"
	"lapse/internal/config"
	"lapse/internal/logging"
	"lapse/internal/pipeline"
	"lapse/internal/storage"
	"lapse/internal/tasks"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup logging: %v\n", err)
		logger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		logger.Warn("job history disabled", "database", cfg.Paths.DatabasePath, "error", err)
		store = nil
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, logger, store, cfg)
	defer tasks.TerminateMagick()
	defer pipe.Stop()

	if err := cli.NewRootCmd(cfg, logger, store, pipe).ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}
