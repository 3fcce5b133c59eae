// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package telemetry exposes the Prometheus counters, gauges, and histograms
// of spec.md §6 and is safe to call from every hot path in the dispatcher.
package telemetry

import (
	"bytes"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

var (
	requestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "requests_total",
		Help: "Total requests accepted by the dispatcher",
	})
	requestsByStatus = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "requests_by_status",
		Help: "Total requests by final HTTP status code",
	}, []string{"status"})
	bytesReceivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bytes_received_total",
		Help: "Total bytes read from clients",
	})
	bytesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bytes_sent_total",
		Help: "Total bytes written to clients",
	})
	backendRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "backend_requests_total",
		Help: "Total requests dispatched to a backend",
	}, []string{"backend"})
	backendErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "backend_errors_total",
		Help: "Total dispatch failures per backend",
	}, []string{"backend"})
	rateLimitRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rate_limit_rejections",
		Help: "Total requests rejected by the rate limiter",
	})
	circuitBreakerStateChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "circuit_breaker_state_changes",
		Help: "Total circuit breaker state transitions across all backends",
	})

	activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "active_connections",
		Help: "Currently open client connections",
	})
	uptimeSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "uptime_seconds",
		Help: "Seconds since the process started",
	})

	requestDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "request_duration_ms",
		Help:    "End-to-end request duration in milliseconds",
		Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000},
	})
	connectionDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "connection_duration_ms",
		Help:    "Lifetime of a client connection in milliseconds",
		Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000},
	})
)

func init() {
	prometheus.MustRegister(
		requestsTotal,
		requestsByStatus,
		bytesReceivedTotal,
		bytesSentTotal,
		backendRequestsTotal,
		backendErrorsTotal,
		rateLimitRejections,
		circuitBreakerStateChanges,
		activeConnections,
		uptimeSeconds,
		requestDurationMs,
		connectionDurationMs,
	)
}

var startedAt = time.Now()

// ObserveRequest records the terminal outcome of one dispatched request.
func ObserveRequest(status int, duration time.Duration, bytesIn, bytesOut int64) {
	requestsTotal.Inc()
	requestsByStatus.WithLabelValues(strconv.Itoa(status)).Inc()
	bytesReceivedTotal.Add(float64(bytesIn))
	bytesSentTotal.Add(float64(bytesOut))
	requestDurationMs.Observe(float64(duration.Milliseconds()))
}

// ObserveBackendRequest records one dispatch attempt against backend.
func ObserveBackendRequest(backend string) { backendRequestsTotal.WithLabelValues(backend).Inc() }

// ObserveBackendError records one failed dispatch attempt against backend.
func ObserveBackendError(backend string) { backendErrorsTotal.WithLabelValues(backend).Inc() }

// ObserveRateLimitRejection records one 429 response.
func ObserveRateLimitRejection() { rateLimitRejections.Inc() }

// ObserveCircuitStateChange records one circuit breaker transition.
func ObserveCircuitStateChange() { circuitBreakerStateChanges.Inc() }

// ConnectionOpened increments the active-connection gauge; pair with
// ConnectionClosed, which also observes the connection's total lifetime.
func ConnectionOpened() { activeConnections.Inc() }

// ConnectionClosed decrements the active-connection gauge and records the
// connection's lifetime in the connection_duration_ms histogram.
func ConnectionClosed(lifetime time.Duration) {
	activeConnections.Dec()
	connectionDurationMs.Observe(float64(lifetime.Milliseconds()))
}

// refreshUptime updates the uptime gauge; called lazily by WriteTo and
// Expose on every scrape so a never-scraped process doesn't pay a background
// goroutine for it.
func refreshUptime() {
	uptimeSeconds.Set(time.Since(startedAt).Seconds())
}

// Handler returns the promhttp handler for mounting at /metrics or
// /admin/metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})
}

// WriteTo writes the current text exposition to w, refreshing uptime
// first; for callers that serve metrics through net/http. The proxy's own
// /metrics and /admin/metrics paths use Expose instead.
func WriteTo(w http.ResponseWriter, r *http.Request) {
	refreshUptime()
	Handler().ServeHTTP(w, r)
}

// Expose renders the current text exposition without going through
// net/http, for the admin handler which writes raw HTTP/1.1 responses
// directly onto a ClientConnection.
func Expose() ([]byte, error) {
	refreshUptime()
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Uptime returns the process uptime, used by /admin/health.
func Uptime() time.Duration { return time.Since(startedAt) }
