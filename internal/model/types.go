package model

import "time"

type EventType string

const (
	TypeBike          EventType = "bike"
	TypeScooter       EventType = "scooter"
	TypeBus           EventType = "bus"
	TypeTram          EventType = "tram"
	TypeMetro         EventType = "metro"
	TypeSensorAir     EventType = "sensor-air"
	TypeSensorTraffic EventType = "sensor-traffic"
	TypeSensorEnergy  EventType = "sensor-energy"
)

var knownTypes = map[EventType]bool{
	TypeBike:          true,
	TypeScooter:       true,
	TypeBus:           true,
	TypeTram:          true,
	TypeMetro:         true,
	TypeSensorAir:     true,
	TypeSensorTraffic: true,
	TypeSensorEnergy:  true,
}

func KnownType(t EventType) bool {
	return knownTypes[t]
}

type Event struct {
	EventID        string             `json:"event_id"`
	EventType      EventType          `json:"event_type"`
	City           string             `json:"city"`
	Zone           string             `json:"zone,omitempty"`
	EventTime      time.Time          `json:"event_time"`
	IngestTime     time.Time          `json:"ingest_time"`
	Metrics        map[string]float64 `json:"metrics"`
	PayloadVersion int                `json:"payload_version"`
}

func (e Event) DimensionKey() string {
	return string(e.EventType) + "|" + e.City + "|" + e.Zone
}

type EnrichedEvent struct {
	Event
	Derived     map[string]float64 `json:"derived,omitempty"`
	HourOfDay   int                `json:"hour_of_day"`
	IsWeekend   bool               `json:"is_weekend"`
	ProcessedAt time.Time          `json:"processed_at"`
}

// AllMetrics merges raw and derived metrics into one map for aggregation.
func (e EnrichedEvent) AllMetrics() map[string]float64 {
	out := make(map[string]float64, len(e.Metrics)+len(e.Derived))
	for k, v := range e.Metrics {
		out[k] = v
	}
	for k, v := range e.Derived {
		out[k] = v
	}
	return out
}

type RejectReason string

const (
	ReasonUnparseable  RejectReason = "unparseable"
	ReasonMissingField RejectReason = "missing_field"
	ReasonUnknownType  RejectReason = "unknown_type"
	ReasonBadTimestamp RejectReason = "bad_timestamp"
	ReasonOutOfRange   RejectReason = "out_of_range"
	ReasonDuplicate    RejectReason = "duplicate"
	ReasonFutureEvent  RejectReason = "future_event"
	ReasonStaleEvent   RejectReason = "stale_event"
)

type Rejection struct {
	Reason RejectReason `json:"reason"`
	Detail string       `json:"detail,omitempty"`
}

type WindowKey struct {
	DimensionKey string    `json:"dimension_key"`
	WindowStart  time.Time `json:"window_start"`
	WindowEnd    time.Time `json:"window_end"`
}

type WindowState string

const (
	WindowOpen      WindowState = "OPEN"
	WindowClosing   WindowState = "CLOSING"
	WindowEmitted   WindowState = "EMITTED"
	WindowDiscarded WindowState = "DISCARDED"
)

type WindowAggregate struct {
	Key           WindowKey          `json:"key"`
	Count         int64              `json:"count"`
	SumMetrics    map[string]float64 `json:"sum_metrics"`
	MinMetrics    map[string]float64 `json:"min_metrics"`
	MaxMetrics    map[string]float64 `json:"max_metrics"`
	LastEventTime time.Time          `json:"last_event_time"`
	Revision      int64              `json:"revision"`
	State         WindowState        `json:"state"`
}

func NewWindowAggregate(key WindowKey) *WindowAggregate {
	return &WindowAggregate{
		Key:        key,
		SumMetrics: make(map[string]float64),
		MinMetrics: make(map[string]float64),
		MaxMetrics: make(map[string]float64),
		State:      WindowOpen,
	}
}

// Fold applies one event to the running reducers. Sum, count, min and max
// are commutative and associative, so arrival order does not matter.
func (a *WindowAggregate) Fold(eventTime time.Time, metrics map[string]float64) {
	a.Count++
	for name, v := range metrics {
		a.SumMetrics[name] += v
		if cur, ok := a.MinMetrics[name]; !ok || v < cur {
			a.MinMetrics[name] = v
		}
		if cur, ok := a.MaxMetrics[name]; !ok || v > cur {
			a.MaxMetrics[name] = v
		}
	}
	if eventTime.After(a.LastEventTime) {
		a.LastEventTime = eventTime
	}
}

func (a *WindowAggregate) Clone() *WindowAggregate {
	out := &WindowAggregate{
		Key:           a.Key,
		Count:         a.Count,
		SumMetrics:    make(map[string]float64, len(a.SumMetrics)),
		MinMetrics:    make(map[string]float64, len(a.MinMetrics)),
		MaxMetrics:    make(map[string]float64, len(a.MaxMetrics)),
		LastEventTime: a.LastEventTime,
		Revision:      a.Revision,
		State:         a.State,
	}
	for k, v := range a.SumMetrics {
		out.SumMetrics[k] = v
	}
	for k, v := range a.MinMetrics {
		out.MinMetrics[k] = v
	}
	for k, v := range a.MaxMetrics {
		out.MaxMetrics[k] = v
	}
	return out
}

type Checkpoint struct {
	Partition int       `json:"partition"`
	Offset    int64     `json:"offset"`
	Watermark time.Time `json:"watermark"`
	Windows   []byte    `json:"windows,omitempty"`
	SavedAt   time.Time `json:"saved_at"`
}

type QuarantineRecord struct {
	ID          string    `json:"id"`
	Partition   int       `json:"partition"`
	FirstOffset int64     `json:"first_offset"`
	LastOffset  int64     `json:"last_offset"`
	Payload     []byte    `json:"payload"`
	Error       string    `json:"error"`
	CreatedAt   time.Time `json:"created_at"`
}
