package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cityflow/internal/model"
)

var (
	ErrUnparseable  = errors.New("unparseable payload")
	ErrBadTimestamp = errors.New("bad timestamp")
)

// envelope covers the canonical wire format plus the two producer shapes
// that predate it: mobility trip events (trip_id/vehicle_type/cost) and
// smart-city sensor readings (sensor_id/sensor_type with structured
// metrics). Unknown fields are ignored for forward compatibility.
type envelope struct {
	EventID        string                     `json:"event_id"`
	EventType      string                     `json:"event_type"`
	City           string                     `json:"city"`
	Zone           string                     `json:"zone"`
	EventTime      json.RawMessage            `json:"event_time"`
	PayloadVersion int                        `json:"payload_version"`
	Metrics        map[string]json.RawMessage `json:"metrics"`

	// mobility trip shape
	TripID          string          `json:"trip_id"`
	VehicleType     string          `json:"vehicle_type"`
	District        string          `json:"district"`
	Timestamp       json.RawMessage `json:"timestamp"`
	Cost            *float64        `json:"cost"`
	DistanceKm      *float64        `json:"distance_km"`
	DurationMinutes *float64        `json:"duration_minutes"`

	// sensor shape
	SensorID   string `json:"sensor_id"`
	SensorType string `json:"sensor_type"`

	Metadata map[string]json.RawMessage `json:"metadata"`
}

type sensorMetric struct {
	Value   float64 `json:"value"`
	Unit    string  `json:"unit"`
	Quality string  `json:"quality"`
}

func Decode(raw []byte, now time.Time) (model.Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return model.Event{}, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}

	ev := model.Event{
		EventID:        env.EventID,
		EventType:      model.EventType(strings.ToLower(strings.TrimSpace(env.EventType))),
		City:           strings.TrimSpace(env.City),
		Zone:           strings.TrimSpace(env.Zone),
		IngestTime:     now.UTC(),
		Metrics:        make(map[string]float64),
		PayloadVersion: env.PayloadVersion,
	}
	if ev.PayloadVersion <= 0 {
		ev.PayloadVersion = 1
	}

	switch {
	case env.TripID != "" && env.EventID == "":
		applyTripShape(&ev, &env)
	case env.SensorID != "" && env.EventID == "":
		applySensorShape(&ev, &env)
	}

	for name, rawVal := range env.Metrics {
		if v, ok := decodeMetric(rawVal); ok {
			ev.Metrics[name] = v
		}
	}

	tsRaw := env.EventTime
	if len(tsRaw) == 0 {
		tsRaw = env.Timestamp
	}
	ts, err := decodeTimestamp(tsRaw)
	if err != nil {
		return model.Event{}, err
	}
	ev.EventTime = ts
	return ev, nil
}

func applyTripShape(ev *model.Event, env *envelope) {
	ev.EventID = env.TripID
	ev.EventType = model.EventType(strings.ToLower(strings.TrimSpace(env.VehicleType)))
	if ev.Zone == "" {
		ev.Zone = strings.TrimSpace(env.District)
	}
	if env.Cost != nil {
		ev.Metrics["fare"] = *env.Cost
	}
	if env.DistanceKm != nil {
		ev.Metrics["distance_km"] = *env.DistanceKm
	}
	if env.DurationMinutes != nil {
		ev.Metrics["duration_min"] = *env.DurationMinutes
	}
}

var sensorTypes = map[string]model.EventType{
	"air_quality": model.TypeSensorAir,
	"traffic":     model.TypeSensorTraffic,
	"energy":      model.TypeSensorEnergy,
}

func applySensorShape(ev *model.Event, env *envelope) {
	ev.EventID = env.SensorID
	if t, ok := sensorTypes[strings.ToLower(strings.TrimSpace(env.SensorType))]; ok {
		ev.EventType = t
	} else {
		ev.EventType = model.EventType(strings.ToLower(strings.TrimSpace(env.SensorType)))
	}
	if ev.Zone == "" && env.District != "" {
		ev.Zone = strings.TrimSpace(env.District)
	}
}

// decodeMetric accepts either a bare number or the structured sensor form
// {"value": 12.5, "unit": "...", "quality": "..."}.
func decodeMetric(raw json.RawMessage) (float64, bool) {
	var v float64
	if err := json.Unmarshal(raw, &v); err == nil {
		return v, true
	}
	var sm sensorMetric
	if err := json.Unmarshal(raw, &sm); err == nil {
		return sm.Value, true
	}
	return 0, false
}

func decodeTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 {
		return time.Time{}, fmt.Errorf("%w: missing", ErrBadTimestamp)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		ts, err := ParseTimestamp(s)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrBadTimestamp, err)
		}
		return ts, nil
	}
	var epoch float64
	if err := json.Unmarshal(raw, &epoch); err == nil {
		sec := int64(epoch)
		nsec := int64((epoch - float64(sec)) * float64(time.Second))
		return time.Unix(sec, nsec).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: %s", ErrBadTimestamp, string(raw))
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
}

func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		return parseUnix(value)
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	// 13+ digits means milliseconds.
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}

func EncodeAggregate(agg *model.WindowAggregate) []byte {
	data, _ := json.Marshal(agg)
	return data
}

func EncodeEnriched(ev model.EnrichedEvent) []byte {
	data, _ := json.Marshal(ev)
	return data
}
