// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OEELab (https://www.oeelab.io/).
// Copyright 2024-present OEELab, Inc.

// Package telemetry provides thin constructors around the Prometheus client
// so that pipeline packages can declare their counters without carrying the
// prometheus import surface themselves.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

// Counter tracks a monotonically increasing value partitioned by tags.
type Counter struct {
	vec *prometheus.CounterVec
}

// NewCounter registers and returns a new Counter.
func NewCounter(subsystem, name string, tags []string, help string) Counter {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sparkline",
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, tags)
	registry.MustRegister(vec)
	return Counter{vec: vec}
}

// Inc increments the counter for the given tag values.
func (c Counter) Inc(tagValues ...string) {
	c.vec.WithLabelValues(tagValues...).Inc()
}

// Add adds value to the counter for the given tag values.
func (c Counter) Add(value float64, tagValues ...string) {
	c.vec.WithLabelValues(tagValues...).Add(value)
}

// Gauge tracks a value that can go up and down, partitioned by tags.
type Gauge struct {
	vec *prometheus.GaugeVec
}

// NewGauge registers and returns a new Gauge.
func NewGauge(subsystem, name string, tags []string, help string) Gauge {
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sparkline",
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, tags)
	registry.MustRegister(vec)
	return Gauge{vec: vec}
}

// Set sets the gauge for the given tag values.
func (g Gauge) Set(value float64, tagValues ...string) {
	g.vec.WithLabelValues(tagValues...).Set(value)
}

// Histogram samples observations into configurable buckets.
type Histogram struct {
	vec *prometheus.HistogramVec
}

// NewHistogram registers and returns a new Histogram.
func NewHistogram(subsystem, name string, tags []string, help string, buckets []float64) Histogram {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sparkline",
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, tags)
	registry.MustRegister(vec)
	return Histogram{vec: vec}
}

// Observe records a single observation.
func (h Histogram) Observe(value float64, tagValues ...string) {
	h.vec.WithLabelValues(tagValues...).Observe(value)
}

// Handler returns the HTTP handler serving the process metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
