package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"cityflow/internal/archive"
	"cityflow/internal/config"
	"cityflow/internal/health"
	"cityflow/internal/model"
	"cityflow/internal/sink"
	"cityflow/internal/source"
)

func testConfig() *config.Config {
	return &config.Config{
		Source: config.SourceConfig{
			Driver:     "mem",
			Partitions: []int{0},
			MaxBatch:   100,
		},
		Pipeline: config.PipelineConfig{
			WindowSize:         5 * time.Minute,
			AllowedLateness:    2 * time.Minute,
			GracePeriod:        time.Hour,
			MaxPastSkew:        24 * time.Hour,
			MaxFutureSkew:      30 * time.Second,
			DedupeCapacity:     1000,
			CorrectionCapacity: 16,
			FinalWindowPolicy:  config.FinalPolicyDeadLetter,
			RejectionRateLimit: 0.5,
			RejectionRateSpan:  time.Minute,
			RetryPause:         10 * time.Millisecond,
		},
		Sink: config.SinkConfig{
			Driver:        "memory",
			RetryInitial:  time.Millisecond,
			RetryMax:      5 * time.Millisecond,
			RetryDeadline: 100 * time.Millisecond,
		},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tripPayload(id string, at time.Time, fare float64) []byte {
	return []byte(fmt.Sprintf(`{
		"event_id": %q,
		"event_type": "bike",
		"city": "Warsaw",
		"zone": "Wola",
		"event_time": %q,
		"metrics": {"fare": %g, "distance_km": 2.0, "duration_min": 10}
	}`, id, at.Format(time.RFC3339), fare))
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startPipeline(t *testing.T, cfg *config.Config, log source.Log, store sink.Store) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	p := New(cfg, log, store, archive.Nop{}, health.NewMetrics(), quietLogger())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return func() {
		stop()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("pipeline returned error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("pipeline did not stop")
		}
	}
}

func TestPipelineEmitsWindowAndSurvivesRedelivery(t *testing.T) {
	base := time.Now().UTC().Add(-2 * time.Hour).Truncate(5 * time.Minute)
	mlog := source.NewMemLog([]int{0}, nil)
	mlog.Append(0, tripPayload("t1", base.Add(1*time.Minute), 10))
	mlog.Append(0, tripPayload("t2", base.Add(3*time.Minute), 20))
	// Pushes the watermark past the first window's end.
	mlog.Append(0, tripPayload("kick", base.Add(9*time.Minute), 5))

	store := sink.NewMemory()
	stop := startPipeline(t, testConfig(), mlog, store)
	defer stop()

	key := model.WindowKey{
		DimensionKey: "bike|Warsaw|Wola",
		WindowStart:  base,
		WindowEnd:    base.Add(5 * time.Minute),
	}
	ctx := context.Background()
	waitFor(t, 5*time.Second, "first window emission", func() bool {
		_, err := store.GetAggregate(ctx, key)
		return err == nil
	})

	agg, err := store.GetAggregate(ctx, key)
	if err != nil {
		t.Fatalf("get aggregate: %v", err)
	}
	if agg.Count != 2 || agg.SumMetrics["fare"] != 30 {
		t.Fatalf("aggregate count/sum = %d/%g, want 2/30", agg.Count, agg.SumMetrics["fare"])
	}
	if agg.MinMetrics["fare"] != 10 || agg.MaxMetrics["fare"] != 20 {
		t.Fatalf("min/max fare = %g/%g", agg.MinMetrics["fare"], agg.MaxMetrics["fare"])
	}
	if agg.Revision != 0 {
		t.Fatalf("revision = %d, want 0", agg.Revision)
	}

	// Full redelivery of the partition: every event is a duplicate, so the
	// stored aggregate must not move.
	_, appliedBefore := store.Upserts()
	mlog.Rewind(0, 0)
	time.Sleep(200 * time.Millisecond)
	if _, applied := store.Upserts(); applied != appliedBefore {
		t.Fatalf("redelivery changed the store: applied %d -> %d", appliedBefore, applied)
	}
	agg, _ = store.GetAggregate(ctx, key)
	if agg.Count != 2 || agg.Revision != 0 {
		t.Fatalf("aggregate changed on redelivery: %+v", agg)
	}
}

func TestPipelineCheckpointAndRestart(t *testing.T) {
	base := time.Now().UTC().Add(-2 * time.Hour).Truncate(5 * time.Minute)
	store := sink.NewMemory()
	ctx := context.Background()

	mlog := source.NewMemLog([]int{0}, nil)
	mlog.Append(0, tripPayload("t1", base.Add(1*time.Minute), 10))
	mlog.Append(0, tripPayload("t2", base.Add(3*time.Minute), 20))
	mlog.Append(0, tripPayload("kick", base.Add(9*time.Minute), 5))

	stop := startPipeline(t, testConfig(), mlog, store)
	firstKey := model.WindowKey{
		DimensionKey: "bike|Warsaw|Wola",
		WindowStart:  base,
		WindowEnd:    base.Add(5 * time.Minute),
	}
	waitFor(t, 5*time.Second, "first window emission", func() bool {
		_, err := store.GetAggregate(ctx, firstKey)
		return err == nil
	})
	stop()

	cps, err := store.LoadCheckpoints(ctx)
	if err != nil {
		t.Fatalf("load checkpoints: %v", err)
	}
	cp, ok := cps[0]
	if !ok {
		t.Fatalf("no checkpoint for partition 0")
	}
	if cp.Offset != 2 {
		t.Fatalf("checkpoint offset = %d, want 2", cp.Offset)
	}
	if len(cp.Windows) == 0 {
		t.Fatalf("checkpoint carries no window snapshot")
	}

	// Second run against the same store: the open window holding "kick"
	// must come back from the snapshot and keep folding.
	mlog2 := source.NewMemLog([]int{0}, map[int]int64{0: cp.Offset})
	for i := int64(0); i <= cp.Offset; i++ {
		mlog2.Append(0, []byte("committed-placeholder"))
	}
	mlog2.Append(0, tripPayload("t4", base.Add(6*time.Minute), 7))
	mlog2.Append(0, tripPayload("kick2", base.Add(16*time.Minute), 3))

	stop = startPipeline(t, testConfig(), mlog2, store)
	defer stop()

	secondKey := model.WindowKey{
		DimensionKey: "bike|Warsaw|Wola",
		WindowStart:  base.Add(5 * time.Minute),
		WindowEnd:    base.Add(10 * time.Minute),
	}
	waitFor(t, 5*time.Second, "second window emission", func() bool {
		_, err := store.GetAggregate(ctx, secondKey)
		return err == nil
	})
	agg, _ := store.GetAggregate(ctx, secondKey)
	if agg.Count != 2 || agg.SumMetrics["fare"] != 12 {
		t.Fatalf("restored window count/sum = %d/%g, want 2/12 (kick + t4)", agg.Count, agg.SumMetrics["fare"])
	}
}

func TestPipelineHeldBatchReplaysOnceAfterRestart(t *testing.T) {
	base := time.Now().UTC().Add(-2 * time.Hour).Truncate(5 * time.Minute)
	store := sink.NewMemory()
	store.FailUpserts = 1 << 20
	store.FailErr = errors.New("connection refused")

	mlog := source.NewMemLog([]int{0}, nil)
	mlog.Append(0, tripPayload("t1", base.Add(1*time.Minute), 10))
	mlog.Append(0, tripPayload("kick", base.Add(9*time.Minute), 5))

	// The batch folds, its window ripens, the emit fails, the worker holds
	// the batch. Stopping now must not leave a checkpoint whose snapshot
	// contains the held folds with an offset from before them.
	stop := startPipeline(t, testConfig(), mlog, store)
	waitFor(t, 5*time.Second, "failed upsert attempts", func() bool {
		attempted, _ := store.Upserts()
		return attempted > 0
	})
	stop()

	ctx := context.Background()
	cps, err := store.LoadCheckpoints(ctx)
	if err != nil {
		t.Fatalf("load checkpoints: %v", err)
	}
	if len(cps) != 0 {
		t.Fatalf("inconsistent checkpoint persisted during outage: %+v", cps)
	}

	// Store recovers; the replay folds the batch exactly once.
	store.FailUpserts = 0
	store.FailErr = nil
	mlog2 := source.NewMemLog([]int{0}, nil)
	mlog2.Append(0, tripPayload("t1", base.Add(1*time.Minute), 10))
	mlog2.Append(0, tripPayload("kick", base.Add(9*time.Minute), 5))

	stop = startPipeline(t, testConfig(), mlog2, store)
	defer stop()

	key := model.WindowKey{
		DimensionKey: "bike|Warsaw|Wola",
		WindowStart:  base,
		WindowEnd:    base.Add(5 * time.Minute),
	}
	waitFor(t, 5*time.Second, "window emission after recovery", func() bool {
		_, err := store.GetAggregate(ctx, key)
		return err == nil
	})
	agg, _ := store.GetAggregate(ctx, key)
	if agg.Count != 1 || agg.SumMetrics["fare"] != 10 {
		t.Fatalf("replayed batch double counted: count=%d sum=%g, want 1/10", agg.Count, agg.SumMetrics["fare"])
	}
}

func TestPipelineQuarantinesOnConstraintFailure(t *testing.T) {
	base := time.Now().UTC().Add(-2 * time.Hour).Truncate(5 * time.Minute)
	store := sink.NewMemory()
	store.FailUpserts = 1 << 20
	store.FailErr = errors.New("CHECK constraint failed: aggregates")

	mlog := source.NewMemLog([]int{0}, nil)
	mlog.Append(0, tripPayload("t1", base.Add(1*time.Minute), 10))
	mlog.Append(0, tripPayload("kick", base.Add(9*time.Minute), 5))

	stop := startPipeline(t, testConfig(), mlog, store)
	defer stop()

	waitFor(t, 5*time.Second, "quarantine record", func() bool {
		return len(store.Quarantined()) > 0
	})
	recs := store.Quarantined()
	if recs[0].Partition != 0 {
		t.Fatalf("quarantine partition = %d", recs[0].Partition)
	}
	if !strings.Contains(recs[0].Error, "constraint") {
		t.Fatalf("quarantine error = %q", recs[0].Error)
	}
	if len(recs[0].Payload) == 0 {
		t.Fatalf("quarantine record carries no payload")
	}
}
