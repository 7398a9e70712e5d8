// Package metrics exposes router and event client metrics to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"voip-router/internal/registry"
)

const namespace = "voiprouter"

// Lookup results.
const (
	ResultRouted     = "routed"
	ResultNoRoute    = "no_route"
	ResultUnresolved = "unresolved"
	ResultTimeout    = "timeout"
	ResultError      = "error"
)

// Metrics holds the counters updated on the hot paths. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	lookups        *prometheus.CounterVec
	lookupDuration *prometheus.HistogramVec
	reconnects     prometheus.Counter
	events         *prometheus.CounterVec
	malformed      prometheus.Counter
	publishes      *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookups_total",
			Help:      "Routing lookups by direction and result",
		}, []string{"direction", "result"}),
		lookupDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lookup_duration_seconds",
			Help:      "Time spent computing a routing decision",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"direction"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "esl_reconnects_total",
			Help:      "Event socket connection attempts after the first",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "esl_events_total",
			Help:      "Events received from the switch by event name",
		}, []string{"event"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "esl_malformed_events_total",
			Help:      "Events dropped because they could not be parsed",
		}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_publishes_total",
			Help:      "Registration snapshot publishes by result",
		}, []string{"result"}),
	}
	reg.MustRegister(m.lookups, m.lookupDuration, m.reconnects, m.events, m.malformed, m.publishes)
	return m
}

func (m *Metrics) ObserveLookup(direction, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(direction, result).Inc()
	m.lookupDuration.WithLabelValues(direction).Observe(elapsed.Seconds())
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) Event(name string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(name).Inc()
}

func (m *Metrics) MalformedEvent() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

func (m *Metrics) Published(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.publishes.WithLabelValues(result).Inc()
}

// SnapshotSource exposes the current registration table.
type SnapshotSource interface {
	Snapshot() *registry.Snapshot
}

// ConnectionState reports whether the event client is subscribed.
type ConnectionState interface {
	Connected() bool
}

// Collector gathers registration and connection gauges at scrape time.
type Collector struct {
	table     SnapshotSource
	conn      ConnectionState
	startTime time.Time

	extensionsDesc *prometheus.Desc
	gatewayDesc    *prometheus.Desc
	connectedDesc  *prometheus.Desc
	uptimeDesc     *prometheus.Desc
}

// NewCollector creates a collector. Either source may be nil.
func NewCollector(table SnapshotSource, conn ConnectionState, startTime time.Time) *Collector {
	return &Collector{
		table:     table,
		conn:      conn,
		startTime: startTime,

		extensionsDesc: prometheus.NewDesc(
			namespace+"_extensions",
			"Known extensions by registration state",
			[]string{"state"}, nil,
		),
		gatewayDesc: prometheus.NewDesc(
			namespace+"_gateway_up",
			"Trunk gateway state (1=usable, 0=down)",
			[]string{"gateway", "state"}, nil,
		),
		connectedDesc: prometheus.NewDesc(
			namespace+"_esl_connected",
			"Whether the event socket is subscribed",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			namespace+"_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.extensionsDesc
	ch <- c.gatewayDesc
	ch <- c.connectedDesc
	ch <- c.uptimeDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.table != nil {
		snap := c.table.Snapshot()
		counts := map[registry.State]int{
			registry.StateRegistered:   0,
			registry.StateUnregistered: 0,
			registry.StateBusy:         0,
		}
		for _, st := range snap.Extensions {
			counts[st.State]++
		}
		for state, n := range counts {
			ch <- prometheus.MustNewConstMetric(
				c.extensionsDesc, prometheus.GaugeValue, float64(n), string(state),
			)
		}
		for name, g := range snap.Gateways {
			val := 1.0
			if g.Down() {
				val = 0
			}
			ch <- prometheus.MustNewConstMetric(
				c.gatewayDesc, prometheus.GaugeValue, val, name, g.State,
			)
		}
	}

	if c.conn != nil {
		val := 0.0
		if c.conn.Connected() {
			val = 1
		}
		ch <- prometheus.MustNewConstMetric(c.connectedDesc, prometheus.GaugeValue, val)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
