package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"cityflow/internal/engine"
	"cityflow/internal/enrich"
	"cityflow/internal/model"
	"cityflow/internal/sink"
	"cityflow/internal/source"
	"cityflow/internal/validate"
)

// worker drives one partition end to end. It is the only goroutine touching
// its shard, validator and dedup state.
type worker struct {
	p         *Pipeline
	partition int
	logger    *slog.Logger
	validator *validate.Validator
	shard     *engine.Shard

	offset  int64 // last processed offset, -1 before the first record
	pending *batch
}

// batch carries a poll through its stages so a sink outage can be retried
// without re-running stages that must happen exactly once. Validation marks
// the dedup set and folding mutates the shard, so neither may repeat;
// archiving and emission are idempotent and may.
type batch struct {
	events      []model.EnrichedEvent
	corrections []*model.WindowAggregate
	deadLetters []model.EnrichedEvent
	lastOffset  int64
	archived    bool
	folded      bool
}

func newWorker(p *Pipeline, partition int, cp model.Checkpoint) (*worker, error) {
	w := &worker{
		p:         p,
		partition: partition,
		logger:    p.shardLogger(partition),
		validator: p.newValidator(),
		shard:     p.newShard(partition),
		offset:    -1,
	}
	if cp.Partition == partition && (cp.Offset > 0 || len(cp.Windows) > 0) {
		w.offset = cp.Offset
		if err := w.shard.Restore(cp.Windows, time.Now().UTC()); err != nil {
			return nil, err
		}
		w.logger.Info("resuming from checkpoint",
			"offset", cp.Offset,
			"watermark", cp.Watermark,
			"open_windows", w.shard.OpenWindows(),
		)
	}
	return w, nil
}

func (w *worker) run(ctx context.Context) error {
	defer w.shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if w.pending == nil {
			recs, err := w.p.log.Poll(ctx, w.partition, w.p.cfg.Source.MaxBatch)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				w.logger.Warn("poll error", "err", err)
				source.BackoffSleep(ctx, w.p.cfg.Pipeline.RetryPause)
				continue
			}
			w.pending = w.prepare(recs)
		}

		if err := w.advance(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, sink.ErrConstraint) {
				w.quarantine(ctx, err)
				continue
			}
			// Transient sink outage: hold the batch and pause this
			// partition only.
			w.logger.Warn("sink unavailable, holding batch", "err", err)
			source.BackoffSleep(ctx, w.p.cfg.Pipeline.RetryPause)
			continue
		}
		w.pending = nil
	}
}

// prepare runs the exactly-once stages: validation (which marks the dedup
// set) and enrichment. Rejections become counters and logs here and are
// never retried.
func (w *worker) prepare(recs []source.Record) *batch {
	now := time.Now().UTC()
	b := &batch{lastOffset: w.offset}
	for _, rec := range recs {
		b.lastOffset = rec.Offset
		ev, rej := w.validator.Validate(rec.Value, now)
		if rej != nil {
			w.p.metrics.Rejected.WithLabelValues(string(rej.Reason)).Inc()
			w.logger.Warn("event rejected",
				"reason", rej.Reason, "detail", rej.Detail, "offset", rec.Offset)
			continue
		}
		w.p.metrics.Ingested.Inc()
		b.events = append(b.events, enrich.Enrich(ev, now))
	}
	w.p.metrics.RejectionRate.Set(w.validator.RejectionRate(now))
	return b
}

func (w *worker) advance(ctx context.Context) error {
	b := w.pending
	now := time.Now().UTC()

	if !b.archived {
		if err := w.p.writer.ArchiveEvents(ctx, b.events); err != nil {
			return err
		}
		b.archived = true
	}

	if !b.folded {
		var maxSeen time.Time
		for _, ev := range b.events {
			res, corrected := w.shard.Observe(ev, now)
			switch res {
			case engine.Folded:
			case engine.Corrected:
				b.corrections = append(b.corrections, corrected)
			case engine.LateDrop:
				w.p.metrics.LateDropped.Inc()
				w.logger.Debug("late event dropped",
					"event_id", ev.EventID, "event_time", ev.EventTime)
			case engine.DeadLetter:
				b.deadLetters = append(b.deadLetters, ev)
			case engine.FinalDrop:
				w.p.metrics.LateDropped.Inc()
			}
			if ev.EventTime.After(maxSeen) {
				maxSeen = ev.EventTime
			}
		}
		w.shard.AdvanceWatermark(maxSeen)
		b.folded = true
	}

	for len(b.deadLetters) > 0 {
		w.p.writer.DeadLetter(ctx, b.deadLetters[0])
		w.p.metrics.DeadLettered.Inc()
		b.deadLetters = b.deadLetters[1:]
	}

	for len(b.corrections) > 0 {
		if err := w.p.writer.EmitAggregate(ctx, b.corrections[0]); err != nil {
			return err
		}
		w.p.metrics.WindowsCorrected.Inc()
		b.corrections = b.corrections[1:]
	}

	emitted, err := w.emitRipe(ctx, now)
	if err != nil {
		return err
	}

	w.p.metrics.SetWatermarkLag(w.partition, w.shard.Watermark(), now)
	w.p.metrics.SetOpenWindows(w.partition, w.shard.OpenWindows())

	if b.lastOffset > w.offset || emitted > 0 {
		if err := w.checkpoint(ctx, b.lastOffset); err != nil {
			return err
		}
		w.offset = b.lastOffset
	}
	return nil
}

func (w *worker) emitRipe(ctx context.Context, now time.Time) (int, error) {
	emitted := 0
	for _, agg := range w.shard.Ripe(now) {
		if err := w.p.writer.EmitAggregate(ctx, agg); err != nil {
			return emitted, err
		}
		w.shard.MarkEmitted(agg.Key)
		w.p.metrics.WindowsEmitted.Inc()
		emitted++
		w.logger.Info("window emitted",
			"dimension_key", agg.Key.DimensionKey,
			"window_start", agg.Key.WindowStart,
			"count", agg.Count,
			"revision", agg.Revision,
		)
	}
	return emitted, nil
}

func (w *worker) checkpoint(ctx context.Context, offset int64) error {
	snap, err := w.shard.Snapshot()
	if err != nil {
		return err
	}
	return w.p.writer.SaveCheckpoint(ctx, model.Checkpoint{
		Partition: w.partition,
		Offset:    offset,
		Watermark: w.shard.Watermark(),
		Windows:   snap,
	})
}

// quarantine isolates a poison batch after a constraint-class write failure
// so the partition can keep moving. The batch payload is preserved for
// manual inspection.
func (w *worker) quarantine(ctx context.Context, cause error) {
	b := w.pending
	w.pending = nil
	first := w.offset + 1
	rec := model.QuarantineRecord{
		ID:          uuid.NewString(),
		Partition:   w.partition,
		FirstOffset: first,
		LastOffset:  b.lastOffset,
		Payload:     quarantinePayload(b),
		Error:       cause.Error(),
	}
	if err := w.p.writer.QuarantineBatch(ctx, rec); err != nil {
		w.logger.Error("quarantine write failed", "err", err)
	} else {
		w.logger.Warn("batch quarantined",
			"id", rec.ID, "first_offset", first, "last_offset", b.lastOffset, "cause", cause)
	}
	// The shard may hold CLOSING windows from this batch; discard them so
	// the poison aggregate cannot wedge every later emission.
	for _, agg := range w.shard.Ripe(time.Now().UTC()) {
		w.shard.Discard(agg.Key)
	}
	if b.lastOffset > w.offset {
		if err := w.checkpoint(ctx, b.lastOffset); err == nil {
			w.offset = b.lastOffset
		}
	}
}

// quarantinePayload preserves the batch as it stood when the write failed,
// enough to replay or inspect it offline.
func quarantinePayload(b *batch) []byte {
	data, _ := json.Marshal(struct {
		Events      []model.EnrichedEvent    `json:"events"`
		Corrections []*model.WindowAggregate `json:"corrections,omitempty"`
	}{b.events, b.corrections})
	return data
}

// shutdown emits the windows already due and saves a final checkpoint. The
// still-open windows travel in the checkpoint snapshot, so a restart resumes
// them instead of re-counting from scratch. Fresh context: the run context
// is already canceled by the time we land here.
func (w *worker) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// A batch held on a sink outage is already folded into the shard.
	// Either finish it now, or leave the previous durable checkpoint as
	// the restart point: that checkpoint predates the folds, so replay
	// applies the batch exactly once. Writing a fresh checkpoint here
	// would pair the old offset with a snapshot that already contains
	// the batch.
	if w.pending != nil {
		if err := w.advance(ctx); err != nil {
			w.logger.Warn("held batch not flushed, keeping previous checkpoint", "err", err)
			w.logger.Info("worker stopped", "last_offset", w.offset)
			return
		}
		w.pending = nil
	}

	flushed, err := w.emitRipe(ctx, time.Now().UTC())
	if err != nil {
		w.logger.Error("flush emit failed", "err", err)
	}
	if err := w.checkpoint(ctx, w.offset); err != nil {
		w.logger.Error("final checkpoint failed", "err", err)
	}
	w.logger.Info("worker stopped",
		"flushed_windows", flushed,
		"open_windows", w.shard.OpenWindows(),
		"last_offset", w.offset,
	)
}
