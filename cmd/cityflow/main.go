package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"cityflow/internal/archive"
	"cityflow/internal/config"
	"cityflow/internal/health"
	"cityflow/internal/logging"
	"cityflow/internal/pipeline"
	"cityflow/internal/sink"
	"cityflow/internal/source"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "cityflow",
		Usage:   "streaming validation, enrichment and windowed aggregation for city events",
		Version: version,
		Commands: []*cli.Command{
			runCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "start the pipeline",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				EnvVars: []string{"CITYFLOW_CONFIG"},
				Value:   "cityflow.yaml",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return run(c.Context, cfg)
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("starting cityflow",
		"version", version,
		"source", cfg.Source.Driver,
		"sink", cfg.Sink.Driver,
		"window_size", cfg.Pipeline.WindowSize,
		"allowed_lateness", cfg.Pipeline.AllowedLateness,
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := sink.NewStore(cfg.Sink)
	if err != nil {
		return fmt.Errorf("open sink store: %w", err)
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("init sink store: %w", err)
	}

	arch, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer arch.Close()

	checkpoints, err := store.LoadCheckpoints(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoints: %w", err)
	}
	committed := make(map[int]int64, len(checkpoints))
	for p, cp := range checkpoints {
		committed[p] = cp.Offset
	}

	var log source.Log
	switch strings.ToLower(cfg.Source.Driver) {
	case "kafka":
		log, err = source.NewKafkaLog(cfg.Source, committed, logger)
		if err != nil {
			return fmt.Errorf("open kafka source: %w", err)
		}
	case "mem":
		log = source.NewMemLog(cfg.Source.Partitions, committed)
	}
	defer log.Close()

	metrics := health.NewMetrics()
	health.StartServer(ctx, cfg.Health, metrics, logger, version)

	p := pipeline.New(cfg, log, store, arch, metrics, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.Run(ctx)
	})
	err = g.Wait()
	logger.Info("cityflow stopped")
	return err
}
