package health

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics owns its registry so pipelines stay independently testable; no
// process-wide default registry.
type Metrics struct {
	registry *prometheus.Registry

	Ingested         prometheus.Counter
	Rejected         *prometheus.CounterVec
	LateDropped      prometheus.Counter
	DeadLettered     prometheus.Counter
	WindowsEmitted   prometheus.Counter
	WindowsCorrected prometheus.Counter
	SinkErrors       prometheus.Counter
	SinkLatency      prometheus.Histogram
	WatermarkLag     *prometheus.GaugeVec
	RejectionRate    prometheus.Gauge
	OpenWindows      *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Ingested: factory.NewCounter(prometheus.CounterOpts{
			Name: "cityflow_events_ingested_total",
			Help: "Events accepted by the validator.",
		}),
		Rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cityflow_events_rejected_total",
			Help: "Events rejected by the validator, by reason code.",
		}, []string{"reason"}),
		LateDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "cityflow_events_late_dropped_total",
			Help: "Events dropped for arriving beyond allowed lateness.",
		}),
		DeadLettered: factory.NewCounter(prometheus.CounterOpts{
			Name: "cityflow_events_dead_lettered_total",
			Help: "Events archived to the dead letter prefix after final window close.",
		}),
		WindowsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "cityflow_windows_emitted_total",
			Help: "Window aggregates durably written at revision zero.",
		}),
		WindowsCorrected: factory.NewCounter(prometheus.CounterOpts{
			Name: "cityflow_windows_corrected_total",
			Help: "Window aggregates re-emitted with a bumped revision.",
		}),
		SinkErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "cityflow_sink_write_errors_total",
			Help: "Failed sink write attempts, before retry.",
		}),
		SinkLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cityflow_sink_write_seconds",
			Help:    "Sink write latency.",
			Buckets: prometheus.DefBuckets,
		}),
		WatermarkLag: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cityflow_watermark_lag_seconds",
			Help: "Wall clock minus shard watermark.",
		}, []string{"partition"}),
		RejectionRate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cityflow_rejection_rate",
			Help: "Rejected fraction of recent events across shards.",
		}),
		OpenWindows: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cityflow_open_windows",
			Help: "Live windows held in memory per shard.",
		}, []string{"partition"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveSinkWrite(elapsed time.Duration, err error) {
	m.SinkLatency.Observe(elapsed.Seconds())
	if err != nil {
		m.SinkErrors.Inc()
	}
}

func (m *Metrics) SetWatermarkLag(partition int, watermark, now time.Time) {
	if watermark.IsZero() {
		return
	}
	m.WatermarkLag.WithLabelValues(strconv.Itoa(partition)).Set(now.Sub(watermark).Seconds())
}

func (m *Metrics) SetOpenWindows(partition, n int) {
	m.OpenWindows.WithLabelValues(strconv.Itoa(partition)).Set(float64(n))
}
