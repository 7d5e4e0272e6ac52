package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"cityflow/internal/archive"
	"cityflow/internal/config"
	"cityflow/internal/engine"
	"cityflow/internal/health"
	"cityflow/internal/logging"
	"cityflow/internal/sink"
	"cityflow/internal/source"
	"cityflow/internal/validate"
)

// Pipeline runs one worker per source partition. Workers share nothing
// mutable: each owns its shard, dedup set and watermark. The stores they
// write to tolerate concurrent upserts because window keys embed the
// dimension key, which is partition affine.
type Pipeline struct {
	cfg     *config.Config
	logger  *slog.Logger
	log     source.Log
	store   sink.Store
	writer  *sink.Writer
	metrics *health.Metrics
}

func New(cfg *config.Config, log source.Log, store sink.Store, arch archive.Archive, metrics *health.Metrics, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		logger:  logger,
		log:     log,
		store:   store,
		writer:  sink.NewWriter(store, arch, cfg.Sink, logger, metrics),
		metrics: metrics,
	}
}

func (p *Pipeline) Run(ctx context.Context) error {
	checkpoints, err := p.store.LoadCheckpoints(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoints: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, partition := range p.log.Partitions() {
		partition := partition
		g.Go(func() error {
			w, err := newWorker(p, partition, checkpoints[partition])
			if err != nil {
				return fmt.Errorf("partition %d: %w", partition, err)
			}
			return w.run(ctx)
		})
	}
	return g.Wait()
}

func (p *Pipeline) shardLogger(partition int) *slog.Logger {
	return logging.ForShard(p.logger, partition)
}

func (p *Pipeline) newValidator() *validate.Validator {
	return validate.New(p.cfg.Pipeline, p.logger)
}

func (p *Pipeline) newShard(partition int) *engine.Shard {
	return engine.NewShard(partition, p.cfg.Pipeline)
}
