// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "sqlbridge"

// Collector is a prometheus.Collector that collects metrics about one
// bridge context. The handle gauges are refreshed from the live counts
// at collection time.
type Collector struct {
	ctx *Context

	connections prometheus.Gauge
	statements  prometheus.Gauge
	lobs        prometheus.Gauge
	tasks       prometheus.Gauge
	directory   prometheus.Gauge
	adoptions   prometheus.Counter
	callbacks   prometheus.Counter
	cancels     prometheus.Counter
}

// newCollector returns a Collector for the context.
func newCollector(ctx *Context) *Collector {
	return &Collector{
		ctx: ctx,
		connections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "connections",
				Help:      "The number of connection handles held by the context.",
			},
		),
		statements: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "statements",
				Help:      "The number of statement handles held by the context.",
			},
		),
		lobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "lobs",
				Help:      "The number of large object handles held by the context.",
			},
		),
		tasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "async_tasks",
				Help:      "The number of asynchronous execution slots in use.",
			},
		),
		directory: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "directory_entries",
				Help:      "The number of connections published process-wide.",
			},
		),
		adoptions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "adoptions_total",
				Help:      "The number of connections adopted by the context.",
			},
		),
		callbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "failover_callbacks_total",
				Help:      "The number of failover callbacks delivered.",
			},
		),
		cancels: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "async_cancels_total",
				Help:      "The number of asynchronous executions cancelled.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.connections.Describe(ch)
	c.statements.Describe(ch)
	c.lobs.Describe(ch)
	c.tasks.Describe(ch)
	c.directory.Describe(ch)
	c.adoptions.Describe(ch)
	c.callbacks.Describe(ch)
	c.cancels.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.connections.Set(float64(c.ctx.connCount()))
	c.statements.Set(float64(c.ctx.stmtCount()))
	c.lobs.Set(float64(c.ctx.lobCount()))
	c.tasks.Set(float64(c.ctx.config.Registry.Len()))
	c.directory.Set(float64(c.ctx.config.Directory.Len()))

	c.connections.Collect(ch)
	c.statements.Collect(ch)
	c.lobs.Collect(ch)
	c.tasks.Collect(ch)
	c.directory.Collect(ch)
	c.adoptions.Collect(ch)
	c.callbacks.Collect(ch)
	c.cancels.Collect(ch)
}
