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

// Package dispatch implements the per-connection request pipeline of
// spec.md §4.12: parse, CORS preflight, rate limit, admin routing, route
// resolution, circuit breaker check, and handoff to the static file,
// WebSocket, or proxy handler. One Worker is created per accepted
// connection by internal/server.
package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/ealvarez/tollgate/internal/accesslog"
	"github.com/ealvarez/tollgate/internal/admin"
	"github.com/ealvarez/tollgate/internal/circuit"
	"github.com/ealvarez/tollgate/internal/connpool"
	"github.com/ealvarez/tollgate/internal/cors"
	"github.com/ealvarez/tollgate/internal/health"
	"github.com/ealvarez/tollgate/internal/httpparse"
	"github.com/ealvarez/tollgate/internal/proxyconfig"
	"github.com/ealvarez/tollgate/internal/proxyhandler"
	"github.com/ealvarez/tollgate/internal/ratelimit"
	"github.com/ealvarez/tollgate/internal/router"
	"github.com/ealvarez/tollgate/internal/staticfiles"
	"github.com/ealvarez/tollgate/internal/telemetry"
	"github.com/ealvarez/tollgate/internal/wsrelay"
)

// Conn is the narrow surface dispatch needs from a live connection; both
// plain TCP and TLS connections satisfy it.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
	SetReadDeadline(time.Time) error
	SetDeadline(time.Time) error
}

// Deps bundles the shared, process-wide singletons a Worker consults.
// Every field is built once in cmd/tollgate/main.go and handed to every
// connection's Worker; none of these are created per-connection.
type Deps struct {
	Router  *router.Router
	Limiter *ratelimit.Limiter
	Breaker *circuit.Breaker
	Health  *health.Checker
	Pool    *connpool.Pool
	Admin   *admin.Handler
	Access  accesslog.Sink
	Static  *staticfiles.Handler
	Log     hclog.Logger

	RequestTimeout time.Duration
	IdleTimeout    time.Duration
}

// Worker drives one accepted connection end to end.
type Worker struct {
	deps   Deps
	conn   Conn
	isTLS  bool
	connIP string
}

// New builds a Worker for one already-accepted connection.
func New(deps Deps, conn Conn, clientAddr net.Addr, isTLS bool) *Worker {
	return &Worker{deps: deps, conn: conn, isTLS: isTLS, connIP: hostOf(clientAddr)}
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// Serve reads and dispatches requests off the connection until the client
// closes it, the idle timeout elapses, or a protocol error forces a close
// (HTTP/1.1 keep-alive is the default; Connection: close ends the loop
// early).
func (w *Worker) Serve(ctx context.Context) {
	defer w.conn.Close()
	maxHeader := httpparse.DefaultMaxHeaderBytes
	if cfg := w.deps.Router.CurrentConfig(); cfg != nil && cfg.Limits.MaxHeaderBytes > 0 {
		maxHeader = cfg.Limits.MaxHeaderBytes
	}

	opened := time.Now()
	telemetry.ConnectionOpened()
	defer func() { telemetry.ConnectionClosed(time.Since(opened)) }()

	br := bufio.NewReader(w.conn)
	for {
		idle := w.deps.IdleTimeout
		if idle <= 0 {
			idle = 60 * time.Second
		}
		w.conn.SetReadDeadline(time.Now().Add(idle))

		req, leftover, err := readRequest(br, maxHeader)
		if err != nil {
			return
		}

		if w.deps.RequestTimeout > 0 {
			w.conn.SetDeadline(time.Now().Add(w.deps.RequestTimeout))
		}

		keepAlive := w.handleOne(ctx, req, leftover)
		if !keepAlive {
			return
		}
	}
}

// readRequest reads until the blank line terminating the header block and
// parses it, returning any body bytes already buffered past the headers.
func readRequest(br *bufio.Reader, maxHeader int) (*httpparse.Request, []byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, 4096)
	for {
		end := httpparse.FindHeaderEnd(buf.Bytes(), maxHeader)
		if end >= 0 {
			head := buf.Bytes()[:end]
			req, err := httpparse.Parse(head)
			if err != nil {
				return nil, nil, err
			}
			leftover := append([]byte(nil), buf.Bytes()[end:]...)
			return req, leftover, nil
		}
		if buf.Len() >= maxHeader {
			return nil, nil, httpparse.ErrBadRequest
		}
		n, err := br.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err != nil {
			return nil, nil, err
		}
	}
}

// handleOne processes a single parsed request and reports whether the
// connection should stay open for another request.
func (w *Worker) handleOne(ctx context.Context, req *httpparse.Request, leftover []byte) bool {
	start := time.Now()
	requestID := uuid.New().String()
	clientIP := clientIPFor(req, w.connIP)
	cfg := w.deps.Router.CurrentConfig()

	status, bytesOut, backend := w.route(ctx, req, leftover, clientIP, cfg)

	duration := time.Since(start)
	telemetry.ObserveRequest(status, duration, int64(len(leftover))+req.BodyLength, bytesOut)
	if w.deps.Access != nil {
		w.deps.Access.Write(accesslog.NewRecord(requestID, clientIP, req.Method, req.Path, status, duration, bytesOut, req.Header("User-Agent"), backend))
	}

	if strings.EqualFold(req.Header("Connection"), "close") {
		return false
	}
	if req.Version == "HTTP/1.0" && !strings.EqualFold(req.Header("Connection"), "keep-alive") {
		return false
	}
	return true
}

// route implements the ordered pipeline of spec.md §4.12: CORS preflight,
// rate limit, admin auth, route resolution, circuit breaker, then handoff.
func (w *Worker) route(ctx context.Context, req *httpparse.Request, leftover []byte, clientIP string, cfg *proxyconfig.RouteConfig) (status int, bytesOut int64, backend string) {
	origin := req.Header("Origin")
	policy := cors.New(cfg.CORS)
	if policy.Enabled() && cors.IsPreflight(req.Method, origin, req.Header("Access-Control-Request-Method")) {
		return w.writePreflight(policy, origin)
	}

	if cfg.RateLimiter.Enabled {
		admitted, remaining, resetSecs := w.deps.Limiter.Allow(clientIP, req.Path)
		if !admitted {
			telemetry.ObserveRateLimitRejection()
			return w.writeRateLimited(remaining, resetSecs, policy, origin), 0, ""
		}
	}

	if req.Path == "/metrics" {
		return w.serveMetrics(req, policy, origin)
	}

	if strings.HasPrefix(req.Path, "/admin/") {
		return w.serveAdmin(req, leftover, clientIP, policy, origin)
	}

	target, routeBackends := w.deps.Router.ResolveRoute(req.Host, req.Path, clientIP)
	if target == "" {
		return w.serveStatic(req, leftover, policy, origin)
	}

	if cfg.CircuitBreaker.Enabled && !w.deps.Breaker.Allow(target) {
		return w.writeServiceUnavailable(policy, origin), 0, target
	}

	if wsrelay.IsUpgrade(req) {
		return w.handleWebSocket(req, target, policy, origin)
	}

	return w.handleProxy(req, leftover, clientIP, target, routeBackends, policy, origin)
}

func (w *Worker) serveMetrics(req *httpparse.Request, policy cors.Policy, origin string) (int, int64, string) {
	var buf bytes.Buffer
	if err := w.deps.Admin.Serve(&buf, req.Method, req.Path, nil); err != nil {
		return 502, 0, ""
	}
	resp := injectHeaders(buf.Bytes(), policy.Headers(origin))
	n, _ := w.conn.Write(resp)
	return statusFromResponse(resp), int64(n), ""
}

func (w *Worker) serveAdmin(req *httpparse.Request, leftover []byte, clientIP string, policy cors.Policy, origin string) (int, int64, string) {
	cfg := w.deps.Router.CurrentConfig()
	if cfg.Admin.Enabled && !admin.Authenticate(cfg.Admin, req.Header("Authorization"), clientIP) {
		body := []byte(`{"error":"Unauthorized"}`)
		var b bytes.Buffer
		fmt.Fprintf(&b, "HTTP/1.1 401 Unauthorized\r\nContent-Type: application/json\r\nContent-Length: %d\r\n", len(body))
		for k, v := range policy.Headers(origin) {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
		b.WriteString("Connection: keep-alive\r\n\r\n")
		b.Write(body)
		w.conn.Write(b.Bytes())
		return 401, int64(b.Len()), ""
	}
	reqBody, err := readBody(leftover, req.BodyLength, w.conn)
	if err != nil {
		return 400, 0, ""
	}
	var buf bytes.Buffer
	if err := w.deps.Admin.Serve(&buf, req.Method, req.Path, reqBody); err != nil {
		return 502, 0, ""
	}
	resp := injectHeaders(buf.Bytes(), policy.Headers(origin))
	n, _ := w.conn.Write(resp)
	return statusFromResponse(resp), int64(n), ""
}

// readBody returns the fixed-length request body, combining bytes already
// buffered past the header block with any remaining bytes read directly off
// the connection. Chunked admin bodies are not supported; Content-Length is
// the only framing the admin surface accepts.
func readBody(leftover []byte, bodyLength int64, r io.Reader) ([]byte, error) {
	if bodyLength <= 0 {
		return nil, nil
	}
	if int64(len(leftover)) >= bodyLength {
		return leftover[:bodyLength], nil
	}
	body := make([]byte, bodyLength)
	n := copy(body, leftover)
	if _, err := io.ReadFull(r, body[n:]); err != nil {
		return nil, err
	}
	return body, nil
}

func (w *Worker) serveStatic(req *httpparse.Request, leftover []byte, policy cors.Policy, origin string) (int, int64, string) {
	if w.deps.Static == nil {
		body := []byte("Not Found")
		var b bytes.Buffer
		fmt.Fprintf(&b, "HTTP/1.1 404 Not Found\r\nContent-Length: %d\r\n", len(body))
		for k, v := range policy.Headers(origin) {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
		b.WriteString("Connection: keep-alive\r\n\r\n")
		b.Write(body)
		w.conn.Write(b.Bytes())
		return 404, int64(b.Len()), ""
	}
	headers := headerMap(req)
	var buf bytes.Buffer
	if err := w.deps.Static.ServeRequest(&buf, req.Path, headers); err != nil {
		return 500, 0, ""
	}
	resp := injectHeaders(buf.Bytes(), policy.Headers(origin))
	n, _ := w.conn.Write(resp)
	return statusFromResponse(resp), int64(n), ""
}

func (w *Worker) handleWebSocket(req *httpparse.Request, target string, policy cors.Policy, origin string) (int, int64, string) {
	key := req.Header("Sec-WebSocket-Key")
	if key == "" {
		body := []byte("Bad Request")
		fmt.Fprintf(w.conn, "HTTP/1.1 400 Bad Request\r\nContent-Length: %d\r\nConnection: close\r\n\r\n", len(body))
		w.conn.Write(body)
		return 400, int64(len(body)), ""
	}

	conn, err := w.deps.Pool.Acquire(trimScheme(target))
	if err != nil {
		w.deps.Breaker.RecordFailure(target)
		w.deps.Health.RecordProxyFailure(target, err.Error())
		return w.writeServiceUnavailable(policy, origin), 0, target
	}
	accept := wsrelay.AcceptKey(key)
	fmt.Fprintf(conn, "%s %s %s\r\n", req.Method, req.Path, req.Version)
	for _, h := range req.Headers {
		fmt.Fprintf(conn, "%s: %s\r\n", h.Name, h.Value)
	}
	conn.Write([]byte("\r\n"))

	resp := fmt.Sprintf("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: %s\r\n\r\n", accept)
	w.conn.Write([]byte(resp))
	w.deps.Breaker.RecordSuccess(target)
	w.deps.Health.RecordProxySuccess(target)

	type rwc struct {
		io.Reader
		io.Writer
		io.Closer
	}
	wsrelay.Relay(rwc{w.conn, w.conn, w.conn}, conn)
	return 101, 0, target
}

// connTracker is satisfied by *lb.Balancer's connection-count bookkeeping;
// kept separate from router.Balancer since round-robin/ip-hash strategies
// never need it and most test doubles don't implement it.
type connTracker interface {
	RecordConnectionStart(backend string)
	RecordConnectionEnd(backend string)
}

func (w *Worker) handleProxy(req *httpparse.Request, leftover []byte, clientIP, target string, routeBackends []string, policy cors.Policy, origin string) (int, int64, string) {
	alternates := make([]string, 0, len(routeBackends))
	for _, b := range routeBackends {
		if b != target {
			alternates = append(alternates, b)
		}
	}
	telemetry.ObserveBackendRequest(target)

	tracker, _ := w.deps.Router.Balancer().(connTracker)
	if tracker != nil {
		tracker.RecordConnectionStart(target)
		defer tracker.RecordConnectionEnd(target)
	}

	extraHeaders := policy.Headers(origin)
	res, err := proxyhandler.Forward(w.conn, clientIP, w.isTLS, req, leftover, w.conn, w.deps.Pool, target, alternates, extraHeaders)
	if err != nil {
		telemetry.ObserveBackendError(res.Backend)
		w.deps.Breaker.RecordFailure(res.Backend)
		w.deps.Health.RecordProxyFailure(res.Backend, err.Error())
		return 502, res.BytesOut, res.Backend
	}
	w.deps.Breaker.RecordSuccess(res.Backend)
	w.deps.Health.RecordProxySuccess(res.Backend)
	return res.StatusCode, res.BytesOut, res.Backend
}

func (w *Worker) writePreflight(policy cors.Policy, origin string) (int, int64, string) {
	headers := policy.PreflightHeaders(origin)
	var b bytes.Buffer
	b.WriteString("HTTP/1.1 204 No Content\r\n")
	for k, v := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("Content-Length: 0\r\nConnection: keep-alive\r\n\r\n")
	n, _ := w.conn.Write(b.Bytes())
	return 204, int64(n), ""
}

func (w *Worker) writeRateLimited(remaining, resetSecs int, policy cors.Policy, origin string) int {
	body, _ := json.Marshal(map[string]interface{}{"error": "Too Many Requests"})
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 429 Too Many Requests\r\nContent-Type: application/json\r\nContent-Length: %d\r\nX-RateLimit-Remaining: %d\r\nRetry-After: %d\r\n", len(body), remaining, resetSecs)
	for k, v := range policy.Headers(origin) {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("Connection: keep-alive\r\n\r\n")
	b.Write(body)
	w.conn.Write(b.Bytes())
	return 429
}

func (w *Worker) writeServiceUnavailable(policy cors.Policy, origin string) int {
	body := []byte(`{"error":"Service Unavailable"}`)
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 503 Service Unavailable\r\nContent-Type: application/json\r\nContent-Length: %d\r\n", len(body))
	for k, v := range policy.Headers(origin) {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("Connection: keep-alive\r\n\r\n")
	b.Write(body)
	w.conn.Write(b.Bytes())
	return 503
}

// injectHeaders splices extra header lines into an already-built raw HTTP
// response (status line + headers + blank line + body) right before the
// blank line, for response writers that build their own buffer before
// CORS headers are known to apply. Returns resp unchanged if extra is empty
// or the header/body boundary can't be found.
func injectHeaders(resp []byte, extra map[string]string) []byte {
	if len(extra) == 0 {
		return resp
	}
	sep := []byte("\r\n\r\n")
	idx := bytes.Index(resp, sep)
	if idx < 0 {
		return resp
	}
	var b bytes.Buffer
	b.Write(resp[:idx])
	b.WriteString("\r\n")
	for k, v := range extra {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("\r\n")
	b.Write(resp[idx+len(sep):])
	return b.Bytes()
}

func headerMap(req *httpparse.Request) map[string]string {
	out := make(map[string]string, len(req.Headers))
	for _, h := range req.Headers {
		out[h.Name] = h.Value
	}
	return out
}

func clientIPFor(req *httpparse.Request, fallback string) string {
	if xff := req.Header("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	return fallback
}

func trimScheme(target string) string {
	if i := strings.Index(target, "://"); i >= 0 {
		return target[i+3:]
	}
	return target
}

func statusFromResponse(resp []byte) int {
	line, _, _ := bytes.Cut(resp, []byte("\r\n"))
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) < 2 {
		return 0
	}
	var status int
	fmt.Sscanf(string(parts[1]), "%d", &status)
	return status
}
