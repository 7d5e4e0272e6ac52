package enrich

import (
	"time"

	"cityflow/internal/model"
)

// Enrich derives fields needed by downstream aggregation. Pure function, no
// I/O, never rejects: any event that passed validation produces a valid
// enriched record. Degenerate denominators leave the derived field absent
// rather than producing Inf or NaN, so aggregates stay well defined.
func Enrich(ev model.Event, now time.Time) model.EnrichedEvent {
	out := model.EnrichedEvent{
		Event:       ev,
		Derived:     make(map[string]float64),
		HourOfDay:   ev.EventTime.UTC().Hour(),
		IsWeekend:   isWeekend(ev.EventTime.UTC()),
		ProcessedAt: now.UTC(),
	}

	distance, hasDistance := ev.Metrics["distance_km"]
	duration, hasDuration := ev.Metrics["duration_min"]
	fare, hasFare := ev.Metrics["fare"]

	if hasDistance && hasDuration && duration > 0 {
		out.Derived["avg_speed_kmh"] = round2(distance / duration * 60)
	}
	if hasFare && hasDistance && distance > 0 {
		out.Derived["cost_per_km"] = round2(fare / distance)
	}
	return out
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

func round2(v float64) float64 {
	if v < 0 {
		return float64(int64(v*100-0.5)) / 100
	}
	return float64(int64(v*100+0.5)) / 100
}
