package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"

	"cityflow/internal/archive"
	"cityflow/internal/config"
	"cityflow/internal/health"
	"cityflow/internal/model"
)

// ErrConstraint marks a non-transient write failure. The caller quarantines
// the offending payload and moves on; retrying would fail forever.
var ErrConstraint = errors.New("constraint violation")

// Writer wraps the store and archive with bounded exponential retry.
// Transient exhaustion surfaces as an error so the owning shard holds its
// batch and pauses. Backpressure, not data loss.
type Writer struct {
	store   Store
	archive archive.Archive
	logger  *slog.Logger
	metrics *health.Metrics

	retryInitial  time.Duration
	retryMax      time.Duration
	retryDeadline time.Duration
}

func NewWriter(store Store, arch archive.Archive, cfg config.SinkConfig, logger *slog.Logger, metrics *health.Metrics) *Writer {
	return &Writer{
		store:         store,
		archive:       arch,
		logger:        logger,
		metrics:       metrics,
		retryInitial:  cfg.RetryInitial,
		retryMax:      cfg.RetryMax,
		retryDeadline: cfg.RetryDeadline,
	}
}

func (w *Writer) EmitAggregate(ctx context.Context, agg *model.WindowAggregate) error {
	op := func() error {
		start := time.Now()
		err := w.store.UpsertAggregate(ctx, agg)
		if w.metrics != nil {
			w.metrics.ObserveSinkWrite(time.Since(start), err)
		}
		if err != nil && isConstraint(err) {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrConstraint, err))
		}
		return err
	}
	if err := backoff.Retry(op, w.policy(ctx)); err != nil {
		return fmt.Errorf("upsert %s [%s, %s): %w",
			agg.Key.DimensionKey,
			agg.Key.WindowStart.Format(time.RFC3339),
			agg.Key.WindowEnd.Format(time.RFC3339),
			err)
	}
	return nil
}

func (w *Writer) ArchiveEvents(ctx context.Context, events []model.EnrichedEvent) error {
	for _, ev := range events {
		ev := ev
		op := func() error {
			return w.archive.PutEvent(ctx, ev)
		}
		if err := backoff.Retry(op, w.policy(ctx)); err != nil {
			return fmt.Errorf("archive event %s: %w", ev.EventID, err)
		}
	}
	return nil
}

// DeadLetter is best effort: a single bounded retry cycle, then a warning.
// The event is beyond correction either way; losing the dead letter copy is
// logged and counted but never stalls the partition.
func (w *Writer) DeadLetter(ctx context.Context, ev model.EnrichedEvent) {
	op := func() error {
		return w.archive.PutDeadLetter(ctx, ev)
	}
	if err := backoff.Retry(op, w.policy(ctx)); err != nil {
		if w.logger != nil {
			w.logger.Warn("dead letter write failed", "event_id", ev.EventID, "err", err)
		}
	}
}

func (w *Writer) QuarantineBatch(ctx context.Context, rec model.QuarantineRecord) error {
	op := func() error {
		return w.store.Quarantine(ctx, rec)
	}
	return backoff.Retry(op, w.policy(ctx))
}

func (w *Writer) SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	op := func() error {
		return w.store.SaveCheckpoint(ctx, cp)
	}
	return backoff.Retry(op, w.policy(ctx))
}

func (w *Writer) policy(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.retryInitial
	b.MaxInterval = w.retryMax
	b.MaxElapsedTime = w.retryDeadline
	return backoff.WithContext(b, ctx)
}

func isConstraint(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 23: integrity constraint violation.
		return strings.HasPrefix(pgErr.Code, "23")
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "constraint")
}
