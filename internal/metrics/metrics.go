// Package metrics provides the Prometheus metrics of the monitor.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the process-wide registry served on /metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns an HTTP handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Collector holds the polling metrics. All methods are safe on a nil
// receiver so components can run without metrics.
type Collector struct {
	Cycles         *prometheus.CounterVec
	DroppedTicks   prometheus.Counter
	CycleDuration  prometheus.Histogram
	Connected      prometheus.Gauge
	TopologyResets prometheus.Counter
	GatewayPolls   *prometheus.CounterVec
	Power          *prometheus.GaugeVec
	Efficiency     prometheus.Gauge
	Sinks          *prometheus.CounterVec
}

// NewCollector creates the polling metrics and registers them with reg.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	m := &Collector{
		Cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "collector",
				Name:      "cycles_total",
				Help:      "Total number of polling cycles by outcome",
			},
			[]string{"outcome"},
		),
		DroppedTicks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "collector",
				Name:      "dropped_ticks_total",
				Help:      "Ticks skipped because a cycle was still running",
			},
		),
		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "collector",
				Name:      "cycle_duration_seconds",
				Help:      "Duration of polling cycles",
				Buckets:   prometheus.DefBuckets,
			},
		),
		Connected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "collector",
				Name:      "connected",
				Help:      "Inverter connectivity (1=confirmed, 0=not confirmed or lost)",
			},
		),
		TopologyResets: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "collector",
				Name:      "topology_rebuilds_total",
				Help:      "Number of full snapshot rebuilds",
			},
		),
		GatewayPolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "polls_total",
				Help:      "Gateway polls by outcome",
			},
			[]string{"outcome"},
		),
		Power: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "site",
				Name:      "power_watts",
				Help:      "Latest site power flow in watts",
			},
			[]string{"flow"},
		),
		Efficiency: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "site",
				Name:      "efficiency_ratio",
				Help:      "Rolling window efficiency",
			},
		),
		Sinks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sink",
				Name:      "events_total",
				Help:      "Cycle events handled by sinks",
			},
			[]string{"sink", "outcome"},
		),
	}

	reg.MustRegister(
		m.Cycles,
		m.DroppedTicks,
		m.CycleDuration,
		m.Connected,
		m.TopologyResets,
		m.GatewayPolls,
		m.Power,
		m.Efficiency,
		m.Sinks,
	)
	return m
}

func (m *Collector) ObserveCycle(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.Cycles.WithLabelValues(outcome).Inc()
	m.CycleDuration.Observe(seconds)
}

func (m *Collector) DroppedTick() {
	if m == nil {
		return
	}
	m.DroppedTicks.Inc()
}

func (m *Collector) SetConnected(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}

func (m *Collector) TopologyRebuilt() {
	if m == nil {
		return
	}
	m.TopologyResets.Inc()
}

func (m *Collector) GatewayPolled(outcome string) {
	if m == nil {
		return
	}
	m.GatewayPolls.WithLabelValues(outcome).Inc()
}

func (m *Collector) SetPower(flow string, watts float64) {
	if m == nil {
		return
	}
	m.Power.WithLabelValues(flow).Set(watts)
}

func (m *Collector) SetEfficiency(v float64) {
	if m == nil {
		return
	}
	m.Efficiency.Set(v)
}

func (m *Collector) SinkHandled(sink string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Sinks.WithLabelValues(sink, outcome).Inc()
}
