package validate

import "cityflow/internal/model"

type fieldRule struct {
	Name     string
	Min      float64
	Max      float64
	Required bool
}

// Adding a sensor or vehicle type is a data change here, not a code change
// elsewhere in the pipeline.
func defaultRules() map[model.EventType][]fieldRule {
	trip := func(speedCap float64) []fieldRule {
		return []fieldRule{
			{Name: "fare", Min: 0, Max: 1000},
			{Name: "distance_km", Min: 0, Max: 100, Required: true},
			{Name: "duration_min", Min: 0, Max: 300, Required: true},
			{Name: "passenger_count", Min: 0, Max: 9},
			{Name: "speed_kmh", Min: 0, Max: speedCap},
		}
	}
	return map[model.EventType][]fieldRule{
		model.TypeBike:    trip(45),
		model.TypeScooter: trip(60),
		model.TypeBus:     trip(120),
		model.TypeTram:    trip(100),
		model.TypeMetro:   trip(110),
		model.TypeSensorAir: {
			{Name: "pm25", Min: 0, Max: 1000},
			{Name: "pm10", Min: 0, Max: 1000},
			{Name: "no2", Min: 0, Max: 2000},
			{Name: "co2", Min: 0, Max: 10000},
		},
		model.TypeSensorTraffic: {
			{Name: "vehicle_count", Min: 0, Max: 100000},
			{Name: "avg_speed_kmh", Min: 0, Max: 250},
			{Name: "congestion_level", Min: 0, Max: 10},
		},
		model.TypeSensorEnergy: {
			{Name: "power_kw", Min: 0, Max: 100000},
			{Name: "voltage", Min: 0, Max: 1000},
			{Name: "current_a", Min: 0, Max: 10000},
		},
	}
}
