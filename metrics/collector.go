// Package metrics exposes tio pool and connection stats to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pior/tio"
)

// StatsSource is implemented by tio.Cluster.
type StatsSource interface {
	Stats() []tio.ServerPoolStats
}

// PoolSource adapts a single tio.ServerPool to StatsSource.
type PoolSource struct {
	Pool *tio.ServerPool
}

func (s PoolSource) Stats() []tio.ServerPoolStats {
	return []tio.ServerPoolStats{s.Pool.Stats()}
}

// Collector reads stats at scrape time. Pool and circuit breaker metrics
// carry a server label. Connection counters are shared by all the pools of
// a cluster and are reported once, from the first server.
type Collector struct {
	source StatsSource

	poolConns      *prometheus.Desc
	poolCreated    *prometheus.Desc
	poolDestroyed  *prometheus.Desc
	poolAcquires   *prometheus.Desc
	poolWaits      *prometheus.Desc
	poolWaitTime   *prometheus.Desc
	poolErrors     *prometheus.Desc
	circuitState   *prometheus.Desc
	circuitReqs    *prometheus.Desc
	circuitFails   *prometheus.Desc
	commands       *prometheus.Desc
	answers        *prometheus.Desc
	serverErrors   *prometheus.Desc
	eventsReceived *prometheus.Desc
	eventsHandled  *prometheus.Desc
	queryItems     *prometheus.Desc
	brokenConns    *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector for source.
func NewCollector(source StatsSource) *Collector {
	server := []string{"server"}
	return &Collector{
		source: source,

		poolConns:     prometheus.NewDesc("tio_pool_connections", "Connections in the pool by state.", []string{"server", "state"}, nil),
		poolCreated:   prometheus.NewDesc("tio_pool_connections_created_total", "Connections dialed by the pool.", server, nil),
		poolDestroyed: prometheus.NewDesc("tio_pool_connections_destroyed_total", "Connections closed by the pool.", server, nil),
		poolAcquires:  prometheus.NewDesc("tio_pool_acquires_total", "Successful connection acquires.", server, nil),
		poolWaits:     prometheus.NewDesc("tio_pool_acquire_waits_total", "Acquires that had to wait for a connection.", server, nil),
		poolWaitTime:  prometheus.NewDesc("tio_pool_acquire_wait_seconds_total", "Time spent waiting for a connection.", server, nil),
		poolErrors:    prometheus.NewDesc("tio_pool_acquire_errors_total", "Acquires canceled before getting a connection.", server, nil),

		circuitState: prometheus.NewDesc("tio_circuit_breaker_state", "Circuit breaker state (0=closed, 1=half-open, 2=open).", server, nil),
		circuitReqs:  prometheus.NewDesc("tio_circuit_breaker_requests", "Requests counted in the current breaker interval.", server, nil),
		circuitFails: prometheus.NewDesc("tio_circuit_breaker_failures", "Circuit breaker failure counts.", []string{"server", "type"}, nil),

		commands:       prometheus.NewDesc("tio_commands_sent_total", "Commands written to servers.", nil, nil),
		answers:        prometheus.NewDesc("tio_answers_received_total", "Answers read from servers.", nil, nil),
		serverErrors:   prometheus.NewDesc("tio_server_errors_total", "Answers carrying a server error.", nil, nil),
		eventsReceived: prometheus.NewDesc("tio_events_received_total", "Event frames read from servers.", nil, nil),
		eventsHandled:  prometheus.NewDesc("tio_events_dispatched_total", "Events handed to sinks and waiters.", nil, nil),
		queryItems:     prometheus.NewDesc("tio_query_items_total", "Query result records read.", nil, nil),
		brokenConns:    prometheus.NewDesc("tio_broken_connections_total", "Connections closed by an I/O or protocol error.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.poolConns, c.poolCreated, c.poolDestroyed, c.poolAcquires, c.poolWaits, c.poolWaitTime, c.poolErrors,
		c.circuitState, c.circuitReqs, c.circuitFails,
		c.commands, c.answers, c.serverErrors, c.eventsReceived, c.eventsHandled, c.queryItems, c.brokenConns,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.Stats()

	for _, s := range stats {
		p := s.PoolStats
		ch <- prometheus.MustNewConstMetric(c.poolConns, prometheus.GaugeValue, float64(p.TotalConns), s.Addr, "total")
		ch <- prometheus.MustNewConstMetric(c.poolConns, prometheus.GaugeValue, float64(p.ActiveConns), s.Addr, "active")
		ch <- prometheus.MustNewConstMetric(c.poolConns, prometheus.GaugeValue, float64(p.IdleConns), s.Addr, "idle")
		ch <- prometheus.MustNewConstMetric(c.poolCreated, prometheus.CounterValue, float64(p.CreatedConns), s.Addr)
		ch <- prometheus.MustNewConstMetric(c.poolDestroyed, prometheus.CounterValue, float64(p.DestroyedConns), s.Addr)
		ch <- prometheus.MustNewConstMetric(c.poolAcquires, prometheus.CounterValue, float64(p.AcquireCount), s.Addr)
		ch <- prometheus.MustNewConstMetric(c.poolWaits, prometheus.CounterValue, float64(p.AcquireWaitCount), s.Addr)
		ch <- prometheus.MustNewConstMetric(c.poolWaitTime, prometheus.CounterValue, float64(p.AcquireWaitTimeNs)/1e9, s.Addr)
		ch <- prometheus.MustNewConstMetric(c.poolErrors, prometheus.CounterValue, float64(p.AcquireErrors), s.Addr)

		ch <- prometheus.MustNewConstMetric(c.circuitState, prometheus.GaugeValue, float64(s.CircuitBreakerState), s.Addr)
		ch <- prometheus.MustNewConstMetric(c.circuitReqs, prometheus.GaugeValue, float64(s.CircuitBreakerCounts.Requests), s.Addr)
		ch <- prometheus.MustNewConstMetric(c.circuitFails, prometheus.GaugeValue, float64(s.CircuitBreakerCounts.TotalFailures), s.Addr, "total")
		ch <- prometheus.MustNewConstMetric(c.circuitFails, prometheus.GaugeValue, float64(s.CircuitBreakerCounts.ConsecutiveFailures), s.Addr, "consecutive")
	}

	if len(stats) == 0 {
		return
	}
	cs := stats[0].ConnStats
	ch <- prometheus.MustNewConstMetric(c.commands, prometheus.CounterValue, float64(cs.CommandsSent))
	ch <- prometheus.MustNewConstMetric(c.answers, prometheus.CounterValue, float64(cs.AnswersReceived))
	ch <- prometheus.MustNewConstMetric(c.serverErrors, prometheus.CounterValue, float64(cs.ServerErrors))
	ch <- prometheus.MustNewConstMetric(c.eventsReceived, prometheus.CounterValue, float64(cs.EventsReceived))
	ch <- prometheus.MustNewConstMetric(c.eventsHandled, prometheus.CounterValue, float64(cs.EventsDispatched))
	ch <- prometheus.MustNewConstMetric(c.queryItems, prometheus.CounterValue, float64(cs.QueryItems))
	ch <- prometheus.MustNewConstMetric(c.brokenConns, prometheus.CounterValue, float64(cs.BrokenConns))
}

// Handler returns an HTTP handler serving the metrics of source on a
// dedicated registry.
func Handler(source StatsSource) http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(NewCollector(source))
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
