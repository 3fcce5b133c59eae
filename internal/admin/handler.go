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

// Package admin implements the authenticated /admin/* surface of spec.md
// §4.11: health, metrics, stats, route inspection/reload, circuit and
// rate-limit introspection/reset, and a config-update endpoint.
package admin

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/ealvarez/tollgate/internal/circuit"
	"github.com/ealvarez/tollgate/internal/health"
	"github.com/ealvarez/tollgate/internal/proxyconfig"
	"github.com/ealvarez/tollgate/internal/ratelimit"
	"github.com/ealvarez/tollgate/internal/router"
	"github.com/ealvarez/tollgate/internal/telemetry"
)

// Version is the build-time version string reported by /admin/health.
var Version = "dev"

// Handler serves the /admin/* routing table against the shared singletons.
type Handler struct {
	Router  *router.Router
	Limiter *ratelimit.Limiter
	Breaker *circuit.Breaker
	Health  *health.Checker
}

type route struct {
	method string
	path   string
}

// Serve dispatches one admin request and writes a complete HTTP/1.1
// response to w. Authentication has already been checked by the caller
// (spec.md §4.12 step 5); Serve only implements routing + 404/405. body
// carries the raw request body, consulted only by /admin/config/update.
func (h *Handler) Serve(w io.Writer, method, path string, body []byte) error {
	switch {
	case path == "/metrics" && method == "GET":
		return h.handleMetrics(w)
	case path == "/admin/health" && method == "GET":
		return h.handleHealth(w)
	case path == "/admin/metrics" && method == "GET":
		return h.handleMetrics(w)
	case path == "/admin/stats" && method == "GET":
		return h.handleStats(w)
	case path == "/admin/routes" && method == "GET":
		return h.handleRoutesGet(w)
	case path == "/admin/routes/reload" && method == "POST":
		return h.handleRoutesReload(w)
	case path == "/admin/circuits" && method == "GET":
		return h.handleCircuits(w)
	case path == "/admin/circuits/reset" && method == "POST":
		return h.handleCircuitsReset(w, "")
	case strings.HasPrefix(path, "/admin/circuits/reset?") && method == "POST":
		return h.handleCircuitsReset(w, queryParam(path, "backend"))
	case path == "/admin/ratelimit" && method == "GET":
		return h.handleRatelimit(w)
	case path == "/admin/ratelimit/reset" && method == "POST":
		return h.handleRatelimitReset(w)
	case path == "/admin/backends" && method == "GET":
		return h.handleBackends(w)
	case path == "/admin/config" && method == "GET":
		return h.handleConfig(w)
	case path == "/admin/config/update" && method == "POST":
		return h.handleConfigUpdate(w, body)
	case isKnownAdminPath(path):
		return writeJSON(w, 405, map[string]string{"error": "Method Not Allowed"})
	default:
		return writeJSON(w, 404, map[string]string{"error": "Not Found"})
	}
}

func isKnownAdminPath(path string) bool {
	base := path
	if i := strings.IndexByte(path, '?'); i >= 0 {
		base = path[:i]
	}
	switch base {
	case "/admin/health", "/admin/metrics", "/admin/stats", "/admin/routes",
		"/admin/routes/reload", "/admin/circuits", "/admin/circuits/reset",
		"/admin/ratelimit", "/admin/ratelimit/reset", "/admin/backends",
		"/admin/config", "/admin/config/update":
		return true
	}
	return false
}

func queryParam(path, name string) string {
	i := strings.IndexByte(path, '?')
	if i < 0 {
		return ""
	}
	for _, kv := range strings.Split(path[i+1:], "&") {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 && parts[0] == name {
			return parts[1]
		}
	}
	return ""
}

func (h *Handler) handleHealth(w io.Writer) error {
	return writeJSON(w, 200, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(telemetry.Uptime().Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"version":        Version,
	})
}

func (h *Handler) handleMetrics(w io.Writer) error {
	return writePrometheusText(w)
}

func (h *Handler) handleStats(w io.Writer) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return writeJSON(w, 200, map[string]interface{}{
		"memory_alloc_bytes": mem.Alloc,
		"memory_sys_bytes":   mem.Sys,
		"goroutines":         runtime.NumGoroutine(),
		"gc_cycles":          mem.NumGC,
	})
}

func (h *Handler) handleRoutesGet(w io.Writer) error {
	cfg := h.Router.CurrentConfig()
	if cfg == nil || len(cfg.Raw) == 0 {
		return writeJSON(w, 200, map[string]interface{}{})
	}
	return writeRaw(w, 200, "application/json", cfg.Raw)
}

func (h *Handler) handleRoutesReload(w io.Writer) error {
	if err := h.Router.Reload(); err != nil {
		return writeJSON(w, 200, map[string]interface{}{"success": false, "error": err.Error()})
	}
	return writeJSON(w, 200, map[string]interface{}{"success": true, "generation": h.Router.CurrentConfig().Generation})
}

func (h *Handler) handleCircuits(w io.Writer) error {
	out := map[string]interface{}{}
	for _, backend := range h.Breaker.Backends() {
		failures, successes := h.Breaker.Counters(backend)
		out[backend] = map[string]interface{}{
			"state":     h.Breaker.State(backend).String(),
			"failures":  failures,
			"successes": successes,
		}
	}
	return writeJSON(w, 200, out)
}

func (h *Handler) handleCircuitsReset(w io.Writer, backend string) error {
	if backend == "" {
		h.Breaker.Clear()
	} else {
		h.Breaker.Reset(backend)
	}
	return writeJSON(w, 200, map[string]bool{"success": true})
}

func (h *Handler) handleRatelimit(w io.Writer) error {
	return writeJSON(w, 200, map[string]interface{}{
		"strategy":       h.Limiter.Strategy(),
		"max_requests":   h.Limiter.MaxRequests(),
		"window_seconds": int64(h.Limiter.Window().Seconds()),
		"active_clients": h.Limiter.ActiveClientCount(),
		"total_rejected": h.Limiter.TotalRejected(),
	})
}

func (h *Handler) handleRatelimitReset(w io.Writer) error {
	h.Limiter.Reset()
	return writeJSON(w, 200, map[string]bool{"success": true})
}

func (h *Handler) handleBackends(w io.Writer) error {
	out := map[string]interface{}{}
	for backend, status := range h.Health.GetAllHealth() {
		out[backend] = map[string]interface{}{
			"healthy":               status.Healthy,
			"consecutive_failures":  status.ConsecutiveFailures,
			"consecutive_successes": status.ConsecutiveSuccesses,
			"last_check":            status.LastCheck.UTC().Format(time.RFC3339),
			"last_error":            status.LastError,
		}
	}
	return writeJSON(w, 200, out)
}

func (h *Handler) handleConfig(w io.Writer) error {
	cfg := h.Router.CurrentConfig()
	return writeJSON(w, 200, map[string]interface{}{
		"rateLimiterEnabled":    cfg.RateLimiter.Enabled,
		"circuitBreakerEnabled": cfg.CircuitBreaker.Enabled,
		"healthCheckEnabled":    cfg.HealthCheck.Enabled,
		"corsEnabled":           cfg.CORS.Enabled,
		"autoHttpsEnabled":      cfg.AutoHTTPS.Enabled,
		"loadBalancerStrategy":  cfg.LoadBalancerStrategy,
	})
}

// configUpdateRequest is the body accepted by /admin/config/update: either
// {"action":"reload"} to re-read the config file, or
// {"action":"set_strategy","strategy":"least-connections"} to flip the
// in-memory load-balancer strategy without a file edit.
type configUpdateRequest struct {
	Action   string `json:"action"`
	Strategy string `json:"strategy"`
}

func (h *Handler) handleConfigUpdate(w io.Writer, body []byte) error {
	var req configUpdateRequest
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return writeJSON(w, 400, map[string]string{"error": "invalid JSON body"})
		}
	}

	switch req.Action {
	case "", "reload":
		if err := h.Router.Reload(); err != nil {
			return writeJSON(w, 200, map[string]interface{}{"success": false, "error": err.Error()})
		}
		return writeJSON(w, 200, map[string]bool{"success": true})
	case "set_strategy":
		strategy := proxyconfig.Strategy(req.Strategy)
		switch strategy {
		case proxyconfig.RoundRobin, proxyconfig.WeightedRoundRobin, proxyconfig.LeastConnections, proxyconfig.IPHash:
		default:
			return writeJSON(w, 400, map[string]string{"error": "unknown strategy " + req.Strategy})
		}
		h.Router.SetStrategy(strategy)
		return writeJSON(w, 200, map[string]interface{}{"success": true, "loadBalancerStrategy": string(strategy)})
	default:
		return writeJSON(w, 400, map[string]string{"error": "unknown action " + req.Action})
	}
}

func writeJSON(w io.Writer, status int, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return writeRaw(w, status, "application/json", data)
}

func writeRaw(w io.Writer, status int, contentType string, body []byte) error {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, statusText(status))
	fmt.Fprintf(&b, "Content-Type: %s\r\n", contentType)
	fmt.Fprintf(&b, "Content-Length: %s\r\n", strconv.Itoa(len(body)))
	b.WriteString("Access-Control-Allow-Origin: *\r\n")
	b.WriteString("\r\n")
	if _, err := io.WriteString(w, b.String()); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func statusText(status int) string {
	switch status {
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	default:
		return "OK"
	}
}

// writePrometheusText renders the shared Prometheus registry without
// going through net/http.ResponseWriter, matching the rest of this
// package's raw-connection response style.
func writePrometheusText(w io.Writer) error {
	body, err := telemetry.Expose()
	if err != nil {
		return writeJSON(w, 500, map[string]string{"error": err.Error()})
	}
	return writeRaw(w, 200, "text/plain; version=0.0.4", body)
}
