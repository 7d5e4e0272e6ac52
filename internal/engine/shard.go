package engine

import (
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"cityflow/internal/config"
	"cityflow/internal/model"
)

type ObserveResult int

const (
	Folded ObserveResult = iota
	LateDrop
	Corrected
	FinalDrop
	DeadLetter
)

// Shard holds the windowed aggregation state for one source partition. It is
// owned exclusively by that partition's worker goroutine, so none of its
// state is locked.
type Shard struct {
	partition int
	window    time.Duration
	lateness  time.Duration
	grace     time.Duration
	policy    string

	watermark time.Time
	windows   map[model.WindowKey]*entry
	emitted   *lru.Cache[model.WindowKey, *model.WindowAggregate]

	// evictedUpTo is the latest window_end pushed out of the correction
	// cache. Windows ending after it cannot have been emitted and evicted,
	// so a miss there means the window was never opened at all.
	evictedUpTo time.Time
}

type entry struct {
	agg     *model.WindowAggregate
	touched time.Time
}

func NewShard(partition int, cfg config.PipelineConfig) *Shard {
	size := cfg.CorrectionCapacity
	if size <= 0 {
		size = 1024
	}
	s := &Shard{
		partition: partition,
		window:    cfg.WindowSize,
		lateness:  cfg.AllowedLateness,
		grace:     cfg.GracePeriod,
		policy:    cfg.FinalWindowPolicy,
		windows:   make(map[model.WindowKey]*entry),
	}
	s.emitted, _ = lru.NewWithEvict(size, func(key model.WindowKey, _ *model.WindowAggregate) {
		if key.WindowEnd.After(s.evictedUpTo) {
			s.evictedUpTo = key.WindowEnd
		}
	})
	return s
}

func (s *Shard) Partition() int {
	return s.partition
}

func (s *Shard) Watermark() time.Time {
	return s.watermark
}

func (s *Shard) KeyFor(ev model.EnrichedEvent) model.WindowKey {
	start := ev.EventTime.UTC().Truncate(s.window)
	return model.WindowKey{
		DimensionKey: ev.DimensionKey(),
		WindowStart:  start,
		WindowEnd:    start.Add(s.window),
	}
}

// Observe folds one enriched event into its window. Events older than
// watermark - allowed_lateness are late-dropped. An event for a window that
// was already emitted but is still in the correction cache re-folds there
// and yields a revised aggregate for immediate re-emission; beyond the cache
// the configured final-window policy applies.
func (s *Shard) Observe(ev model.EnrichedEvent, now time.Time) (ObserveResult, *model.WindowAggregate) {
	if !s.watermark.IsZero() && ev.EventTime.Before(s.watermark.Add(-s.lateness)) {
		return LateDrop, nil
	}
	key := s.KeyFor(ev)

	if e, ok := s.windows[key]; ok {
		e.agg.Fold(ev.EventTime.UTC(), ev.AllMetrics())
		e.touched = now
		return Folded, nil
	}
	if agg, ok := s.emitted.Get(key); ok {
		agg.Fold(ev.EventTime.UTC(), ev.AllMetrics())
		agg.Revision++
		agg.State = model.WindowEmitted
		return Corrected, agg.Clone()
	}
	if !key.WindowEnd.After(s.evictedUpTo) {
		// Emitted and aged out of the correction cache: too late to revise.
		if s.policy == config.FinalPolicyDeadLetter {
			return DeadLetter, nil
		}
		return FinalDrop, nil
	}
	// Within the lateness horizon and never seen before. The window may
	// already be behind the watermark when the first event for a sparse
	// key arrives this late; it opens here and closes on the next Ripe
	// pass, emitting at revision zero.
	agg := model.NewWindowAggregate(key)
	agg.Fold(ev.EventTime.UTC(), ev.AllMetrics())
	s.windows[key] = &entry{agg: agg, touched: now}
	return Folded, nil
}

// AdvanceWatermark moves the shard watermark to maxSeen - allowed_lateness.
// The watermark never regresses.
func (s *Shard) AdvanceWatermark(maxSeen time.Time) {
	if maxSeen.IsZero() {
		return
	}
	wm := maxSeen.UTC().Add(-s.lateness)
	if wm.After(s.watermark) {
		s.watermark = wm
	}
}

// Ripe returns every aggregate due for emission: windows whose end the
// watermark has passed, windows still CLOSING from a failed earlier emission
// attempt, and OPEN windows untouched past the grace period, which are
// force-emitted so a stalled stream cannot pin memory forever.
func (s *Shard) Ripe(now time.Time) []*model.WindowAggregate {
	var out []*model.WindowAggregate
	for key, e := range s.windows {
		switch {
		case e.agg.State == model.WindowClosing:
		case !key.WindowEnd.After(s.watermark):
			e.agg.State = model.WindowClosing
		case s.grace > 0 && now.Sub(e.touched) > s.grace:
			e.agg.State = model.WindowClosing
		default:
			continue
		}
		out = append(out, e.agg)
	}
	return out
}

// MarkEmitted records a confirmed durable write: the aggregate leaves the
// live map and enters the bounded correction cache.
func (s *Shard) MarkEmitted(key model.WindowKey) {
	e, ok := s.windows[key]
	if !ok {
		return
	}
	e.agg.State = model.WindowEmitted
	s.emitted.Add(key, e.agg)
	delete(s.windows, key)
}

// Discard drops a live window without emitting it. The aggregate does not
// enter the correction cache, so later events for it fall through to the
// final-window policy.
func (s *Shard) Discard(key model.WindowKey) {
	if e, ok := s.windows[key]; ok {
		e.agg.State = model.WindowDiscarded
		delete(s.windows, key)
	}
}

func (s *Shard) OpenWindows() int {
	return len(s.windows)
}

type snapshot struct {
	Watermark time.Time                `json:"watermark"`
	Windows   []*model.WindowAggregate `json:"windows"`
}

// Snapshot serializes the open windows and watermark for the offset
// checkpoint, so a restart can resume without losing folded-but-unemitted
// state.
func (s *Shard) Snapshot() ([]byte, error) {
	snap := snapshot{Watermark: s.watermark}
	for _, e := range s.windows {
		snap.Windows = append(snap.Windows, e.agg)
	}
	return json.Marshal(snap)
}

func (s *Shard) Restore(data []byte, now time.Time) error {
	if len(data) == 0 {
		return nil
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode shard snapshot: %w", err)
	}
	s.watermark = snap.Watermark
	for _, agg := range snap.Windows {
		agg.State = model.WindowOpen
		s.windows[agg.Key] = &entry{agg: agg, touched: now}
	}
	return nil
}
