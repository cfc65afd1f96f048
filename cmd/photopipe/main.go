package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"photopipe/internal/cli"
	"photopipe/internal/config"
	"photopipe/internal/fits"
	"photopipe/internal/instrument"
	"photopipe/internal/logging"
	"photopipe/internal/pipeline"
	"photopipe/internal/storage"
	"photopipe/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("photopipe failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		logger.Warn("run ledger unavailable, continuing without it", "path", cfg.Paths.DatabasePath, "error", err)
		store = nil
	}
	defer store.Close()

	reg, err := loadRegistry(cfg)
	if err != nil {
		return err
	}

	inspector := fits.NewInspector(fits.Keys{
		Instrument: cfg.Pipeline.InstrumentKeys,
		Filter:     cfg.Pipeline.FilterKeys,
	}, logger)
	stages := tasks.NewToolStages(cfg.Tools, logger).Stages()

	opts := []pipeline.RunnerOption{
		pipeline.WithReporter(pipeline.NewLedgerReporter(store)),
		pipeline.WithParams(pipeline.Params{
			RegisterThreshold:   cfg.Pipeline.RegisterThreshold,
			PhotometryThreshold: cfg.Pipeline.PhotometryThreshold,
			MinStars:            cfg.Pipeline.MinStars,
		}),
	}
	if cfg.Logging.RunLogs {
		opts = append(opts, pipeline.WithRunLogs(logging.ParseLevel(cfg.Logging.Level)))
	}
	runner, err := pipeline.NewRunner(inspector, reg, stages, logger, opts...)
	if err != nil {
		return err
	}

	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, cfg.Processing.QueueSize, logger, store, runner)
	defer pipe.Stop()

	root := cli.NewRoot(pipe, cfg, logger, store, reg)
	return root.Run(ctx, os.Args[1:])
}

func loadRegistry(cfg *config.Config) (*instrument.Registry, error) {
	if cfg.Pipeline.InstrumentsFile != "" {
		return instrument.Load(cfg.Pipeline.InstrumentsFile)
	}
	return instrument.Builtin()
}
