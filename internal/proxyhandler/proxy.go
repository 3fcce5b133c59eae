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

// Package proxyhandler forwards a parsed client request to a backend and
// relays the response back, per spec.md §4.8. It owns header rewrite,
// chunked/fixed body forwarding, the parallel response relay, and the
// bounded retry-across-alternates policy.
package proxyhandler

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/ealvarez/tollgate/internal/connpool"
	"github.com/ealvarez/tollgate/internal/httpparse"
)

// MaxRetries is the total number of attempts against the primary backend
// before the alternates are tried, per spec.md §4.8.
const MaxRetries = 2

// Result describes the terminal outcome of Forward, used by the caller to
// feed the circuit breaker and health checker.
type Result struct {
	Backend    string
	Success    bool
	StatusCode int
	BytesIn    int64
	BytesOut   int64
}

// Forward dispatches req to primary, up to MaxRetries attempts in all, then
// falling back to each distinct entry in alternates once. body is whatever
// of the request body was already buffered alongside the headers (may be
// empty); bodyReader supplies the remainder, or nil if none is expected.
// client is the already-established client connection, used both to read
// any remaining chunked/fixed body and to write the relayed response.
// extraHeaders is merged into the response Forward relays back to client
// (the 200 from a backend, or the 502 Forward synthesizes itself), typically
// the caller's CORS header set.
func Forward(client io.ReadWriter, clientIP string, clientIsTLS bool, req *httpparse.Request, alreadyRead []byte, bodyReader io.Reader, pool *connpool.Pool, primary string, alternates []string, extraHeaders map[string]string) (Result, error) {
	attempts := buildAttemptList(primary, alternates)

	var lastErr error
	for _, backend := range attempts {
		// rewind: every attempt resends the pre-read buffer from its start
		res, err := attemptOnce(client, clientIP, clientIsTLS, req, alreadyRead, bodyReader, pool, backend, extraHeaders)
		if err == nil {
			res.Backend = backend
			return res, nil
		}
		lastErr = err
	}

	writeBadGateway(client, lastErr, extraHeaders)
	return Result{Backend: primary, Success: false}, lastErr
}

// buildAttemptList is primary, then MaxRetries-1 more tries of primary,
// then each distinct alternate once: MAX_RETRIES (2) total attempts against
// primary before falling back, per spec.md §4.8's literal retry count.
func buildAttemptList(primary string, alternates []string) []string {
	out := make([]string, 0, MaxRetries+len(alternates))
	for i := 0; i < MaxRetries; i++ {
		out = append(out, primary)
	}
	seen := map[string]bool{primary: true}
	for _, a := range alternates {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out
}

func attemptOnce(client io.ReadWriter, clientIP string, clientIsTLS bool, req *httpparse.Request, alreadyRead []byte, bodyReader io.Reader, pool *connpool.Pool, backend string, extraHeaders map[string]string) (Result, error) {
	target, err := backendTarget(backend)
	if err != nil {
		return Result{}, err
	}

	conn, err := pool.Acquire(target)
	if err != nil {
		return Result{}, fmt.Errorf("connect to backend %s: %w", backend, err)
	}

	bytesOut, err := writeRequest(conn, clientIP, clientIsTLS, req, alreadyRead, bodyReader, backend)
	if err != nil {
		pool.Discard(conn)
		return Result{}, fmt.Errorf("send request to %s: %w", backend, err)
	}

	status, bytesIn, err := relayResponse(conn, client, extraHeaders)
	if err != nil {
		pool.Discard(conn)
		return Result{}, fmt.Errorf("relay response from %s: %w", backend, err)
	}
	pool.Release(target, conn)

	return Result{Success: true, StatusCode: status, BytesIn: bytesIn, BytesOut: bytesOut}, nil
}

func backendTarget(backend string) (string, error) {
	u, err := url.Parse(backend)
	if err != nil {
		return "", fmt.Errorf("parse backend url: %w", err)
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}
	return host, nil
}

// rewriteHeaders implements spec.md §4.8's header rewrite rules.
func rewriteHeaders(req *httpparse.Request, backendHost, clientIP string, clientIsTLS bool) []httpparse.Header {
	out := make([]httpparse.Header, 0, len(req.Headers)+4)
	for _, h := range req.Headers {
		lower := strings.ToLower(h.Name)
		if lower == "connection" || lower == "host" || strings.HasPrefix(lower, "x-forwarded-") {
			continue
		}
		out = append(out, h)
	}
	proto := "http"
	if clientIsTLS {
		proto = "https"
	}
	out = append(out,
		httpparse.Header{Name: "Host", Value: backendHost},
		httpparse.Header{Name: "Connection", Value: "close"},
		httpparse.Header{Name: "X-Forwarded-For", Value: clientIP},
		httpparse.Header{Name: "X-Real-IP", Value: clientIP},
		httpparse.Header{Name: "X-Forwarded-Proto", Value: proto},
	)
	return out
}

func writeRequest(conn io.Writer, clientIP string, clientIsTLS bool, req *httpparse.Request, alreadyRead []byte, bodyReader io.Reader, backend string) (int64, error) {
	u, err := url.Parse(backend)
	if err != nil {
		return 0, err
	}
	headers := rewriteHeaders(req, u.Host, clientIP, clientIsTLS)

	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s %s\r\n", req.Method, req.Path, req.Version)
	for _, h := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}
	b.WriteString("\r\n")

	n, err := conn.Write(b.Bytes())
	written := int64(n)
	if err != nil {
		return written, err
	}

	if len(alreadyRead) > 0 {
		n, err := conn.Write(alreadyRead)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}

	if req.Chunked {
		n, err := relayChunkedBody(conn, bodyReader)
		written += n
		return written, err
	}
	if req.BodyLength > int64(len(alreadyRead)) && bodyReader != nil {
		remaining := req.BodyLength - int64(len(alreadyRead))
		n, err := io.CopyN(conn, bodyReader, remaining)
		written += n
		if err != nil && err != io.EOF {
			return written, err
		}
	}
	return written, nil
}

// relayChunkedBody forwards chunked framing byte-for-byte, including the
// zero-size terminator chunk and any trailers, per spec.md §4.8.
func relayChunkedBody(dst io.Writer, src io.Reader) (int64, error) {
	if src == nil {
		return 0, nil
	}
	r := bufio.NewReader(src)
	var total int64
	for {
		sizeLine, err := r.ReadString('\n')
		if err != nil {
			return total, err
		}
		n, writeErr := io.WriteString(dst, sizeLine)
		total += int64(n)
		if writeErr != nil {
			return total, writeErr
		}

		sizeHex := strings.TrimSpace(strings.SplitN(sizeLine, ";", 2)[0])
		size, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return total, fmt.Errorf("invalid chunk size %q: %w", sizeHex, err)
		}

		if size == 0 {
			for {
				line, err := r.ReadString('\n')
				n, writeErr := io.WriteString(dst, line)
				total += int64(n)
				if writeErr != nil {
					return total, writeErr
				}
				if err != nil {
					return total, err
				}
				if line == "\r\n" {
					return total, nil
				}
			}
		}

		n64, err := io.CopyN(dst, r, size)
		total += n64
		if err != nil {
			return total, err
		}
		crlf := make([]byte, 2)
		if _, err := io.ReadFull(r, crlf); err != nil {
			return total, err
		}
		n, writeErr = dst.Write(crlf)
		total += int64(n)
		if writeErr != nil {
			return total, writeErr
		}
	}
}

// relayResponse reads the backend's status line + headers + body and
// streams them to client, returning the status code and bytes written.
func relayResponse(backend io.Reader, client io.Writer, extraHeaders map[string]string) (int, int64, error) {
	r := bufio.NewReader(backend)
	statusLine, err := r.ReadString('\n')
	if err != nil {
		return 0, 0, err
	}
	status, err := parseStatusLine(statusLine)
	if err != nil {
		return 0, 0, err
	}

	var written int64
	n, err := io.WriteString(client, statusLine)
	written += int64(n)
	if err != nil {
		return status, written, err
	}

	for k, v := range extraHeaders {
		n, err := io.WriteString(client, fmt.Sprintf("%s: %s\r\n", k, v))
		written += int64(n)
		if err != nil {
			return status, written, err
		}
	}

	for {
		line, err := r.ReadString('\n')
		n, writeErr := io.WriteString(client, line)
		written += int64(n)
		if writeErr != nil {
			return status, written, writeErr
		}
		if err != nil {
			return status, written, err
		}
		if line == "\r\n" {
			break
		}
	}

	n64, err := io.Copy(client, r)
	written += n64
	if err != nil && err != io.EOF {
		return status, written, err
	}
	return status, written, nil
}

func parseStatusLine(line string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
	if len(parts) < 2 {
		return 0, fmt.Errorf("malformed status line %q", line)
	}
	return strconv.Atoi(parts[1])
}

func writeBadGateway(w io.Writer, cause error, extraHeaders map[string]string) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	body, _ := json.Marshal(map[string]string{"error": "Bad Gateway", "message": msg})
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 502 Bad Gateway\r\nContent-Type: application/json\r\nContent-Length: %d\r\n", len(body))
	for k, v := range extraHeaders {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("Connection: close\r\n\r\n")
	b.Write(body)
	w.Write(b.Bytes())
}
