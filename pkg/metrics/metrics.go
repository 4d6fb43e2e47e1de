// Package metrics exports the node's job and container counters as
// Prometheus series, draining the Data Store's pop-counters on a fixed
// interval so the exported counters stay monotonic between scrapes.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CounterSource is the subset of the Data Store metrics reads from.
type CounterSource interface {
	PopJobCounters() map[string]int64
	PopContainerCounters() map[string]int64
	OnchainPendingCount() int64
}

// Collector owns the node's Prometheus registry and periodically folds
// Data Store counters into it.
type Collector struct {
	registry *prometheus.Registry

	jobStatusTotal       *prometheus.CounterVec
	containerRunsTotal   *prometheus.CounterVec
	onchainPendingGauge  prometheus.Gauge

	source CounterSource
}

// NewCollector builds and registers the node's metric series.
func NewCollector(source CounterSource) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		jobStatusTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compute_node_jobs_total",
			Help: "Total jobs completed, labeled by terminal status.",
		}, []string{"status"}),
		containerRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compute_node_container_runs_total",
			Help: "Total container invocations, labeled by container ID.",
		}, []string{"container"}),
		onchainPendingGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "compute_node_onchain_pending_jobs",
			Help: "Number of on-chain jobs currently running.",
		}),
		source: source,
	}

	reg.MustRegister(c.jobStatusTotal, c.containerRunsTotal, c.onchainPendingGauge)
	return c
}

// Handler returns the HTTP handler to mount at /metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Run drains the Data Store's counters into the registry every interval,
// until ctx is cancelled.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.drain()
		}
	}
}

func (c *Collector) drain() {
	for status, n := range c.source.PopJobCounters() {
		c.jobStatusTotal.WithLabelValues(status).Add(float64(n))
	}
	for container, n := range c.source.PopContainerCounters() {
		c.containerRunsTotal.WithLabelValues(container).Add(float64(n))
	}
	c.onchainPendingGauge.Set(float64(c.source.OnchainPendingCount()))
}
