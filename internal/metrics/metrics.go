package metrics

import (
	"net/http"
	"strconv"

	"ems-bench/internal/energy"
	"ems-bench/internal/trace"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ems"

// Metrics exports engine counters and the live capacity of every CPU on its
// own registry. It doubles as a trace.Tracer.
type Metrics struct {
	registry *prometheus.Registry

	placements   *prometheus.CounterVec
	migrations   *prometheus.CounterVec
	scans        prometheus.Counter
	droppedScans prometheus.Counter
	submitFails  prometheus.Counter
}

func New(topo *energy.Topology) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		placements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "placements_total",
			Help:      "Efficiency decisions by result.",
		}, []string{"result"}),
		migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ontime_migrations_total",
			Help:      "On-time migration attempts by outcome.",
		}, []string{"outcome"}),
		scans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ontime_scans_total",
			Help:      "On-time scans that ran.",
		}),
		droppedScans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ontime_scans_dropped_total",
			Help:      "On-time scans dropped because one was already running.",
		}),
		submitFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ontime_submit_failures_total",
			Help:      "Moves that could not be handed to the source cpu worker.",
		}),
	}
	m.registry.MustRegister(m.placements, m.migrations, m.scans, m.droppedScans, m.submitFails)
	if topo != nil {
		m.WatchTopology(topo)
	}
	return m
}

// WatchTopology exports the capacities of topo. Call it at most once.
func (m *Metrics) WatchTopology(topo *energy.Topology) {
	m.registry.MustRegister(&capacityCollector{topo: topo})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ScanRan() { m.scans.Inc() }

func (m *Metrics) ScanDropped() { m.droppedScans.Inc() }

func (m *Metrics) SubmitFailed() { m.submitFails.Inc() }

func (m *Metrics) TraceSelect(ev trace.Select) {
	switch {
	case ev.CPU < 0:
		m.placements.WithLabelValues("none").Inc()
	case ev.IdleWinner:
		m.placements.WithLabelValues("idle").Inc()
	default:
		m.placements.WithLabelValues("running").Inc()
	}
}

func (m *Metrics) TraceMigration(ev trace.Migration) {
	m.migrations.WithLabelValues(string(ev.Outcome)).Inc()
}

// capacityCollector reads capacities at scrape time so the gauges follow
// every cpufreq and QoS notification without extra bookkeeping.
type capacityCollector struct {
	topo *energy.Topology
}

var (
	origDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "cpu", "capacity_orig"),
		"Capacity at the highest operating point.",
		[]string{"cpu", "mode"}, nil)
	liveDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "cpu", "capacity"),
		"Capacity after cpufreq and QoS clipping.",
		[]string{"cpu", "mode"}, nil)
	ratioDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "cpu", "capacity_ratio"),
		"Secondary to normal capacity ratio in 1024 units.",
		[]string{"cpu"}, nil)
)

func (c *capacityCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- origDesc
	ch <- liveDesc
	ch <- ratioDesc
}

func (c *capacityCollector) Collect(ch chan<- prometheus.Metric) {
	for cpu := 0; cpu < c.topo.NumCPUs(); cpu++ {
		id := strconv.Itoa(cpu)
		for mode := energy.Mode(0); mode < energy.NumModes; mode++ {
			ch <- prometheus.MustNewConstMetric(origDesc, prometheus.GaugeValue,
				float64(c.topo.OrigCapacity(cpu, mode)), id, mode.String())
			ch <- prometheus.MustNewConstMetric(liveDesc, prometheus.GaugeValue,
				float64(c.topo.Capacity(cpu, mode)), id, mode.String())
		}
		ch <- prometheus.MustNewConstMetric(ratioDesc, prometheus.GaugeValue,
			float64(c.topo.CapacityRatio(cpu)), id)
	}
}
