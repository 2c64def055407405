// Package metrics exposes meter counters and gauges for Prometheus.
//
// Collectors are registered on a private registry rather than the default
// one so tests can build independent instances.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sweeney/flow-sensor/internal/logic"
)

const namespace = "flow_sensor"

// Store operations used as the "op" label.
const (
	OpLoad  = "load"
	OpSave  = "save"
	OpReset = "reset"
)

var levels = []logic.Level{logic.LevelHigh, logic.LevelMedium, logic.LevelLow, logic.LevelIdle}

// Metrics holds the meter collectors.
type Metrics struct {
	reg *prometheus.Registry

	Pulses        prometheus.Counter
	Cycles        prometheus.Counter
	Resets        prometheus.Counter
	VolumeLiters  prometheus.Gauge
	RateLPerDay   prometheus.Gauge
	Level         *prometheus.GaugeVec
	StoreErrors   *prometheus.CounterVec
	CycleDuration prometheus.Histogram
	MQTTEvicted   prometheus.Counter
}

// New creates and registers all collectors, plus the Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &Metrics{
		reg: reg,
		Pulses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pulses_total",
			Help:      "Flow sensor pulses counted since start.",
		}),
		Cycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Integration cycles run since start.",
		}),
		Resets: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resets_total",
			Help:      "Volume resets triggered by the reset button.",
		}),
		VolumeLiters: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "volume_liters",
			Help:      "Cumulative volume since the last reset.",
		}),
		RateLPerDay: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rate_liters_per_day",
			Help:      "Flow rate over the last cycle, extrapolated to a day.",
		}),
		Level: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "level",
			Help:      "Current flow band; 1 for the active level, 0 otherwise.",
		}, []string{"level"}),
		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Durable store failures by operation.",
		}, []string{"op"}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall-clock time spent in one cycle, including the store write.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		MQTTEvicted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_evicted_total",
			Help:      "Queued MQTT messages dropped because the offline outbox was full.",
		}),
	}

	for _, l := range levels {
		m.Level.WithLabelValues(string(l)).Set(0)
	}
	for _, op := range []string{OpLoad, OpSave, OpReset} {
		m.StoreErrors.WithLabelValues(op)
	}
	return m
}

// ObserveCycle records one cycle result and how long it took.
func (m *Metrics) ObserveCycle(c logic.Cycle, took time.Duration) {
	m.Cycles.Inc()
	m.Pulses.Add(float64(c.Pulses))
	if c.Reset {
		m.Resets.Inc()
	}
	m.VolumeLiters.Set(c.Total)
	m.RateLPerDay.Set(c.RateLPerDay)

	active := logic.Classify(c.RateLPerDay)
	for _, l := range levels {
		v := 0.0
		if l == active {
			v = 1
		}
		m.Level.WithLabelValues(string(l)).Set(v)
	}
	m.CycleDuration.Observe(took.Seconds())
}

// StoreError counts a failed store operation.
func (m *Metrics) StoreError(op string) {
	m.StoreErrors.WithLabelValues(op).Inc()
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
