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

package proxyhandler

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/ealvarez/tollgate/internal/connpool"
	"github.com/ealvarez/tollgate/internal/httpparse"
)

func startBackend(t *testing.T, handle func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(conn)
		}
	}()
	return "http://" + ln.Addr().String()
}

func echoHeadersBackend(t *testing.T) string {
	return startBackend(t, func(c net.Conn) {
		defer c.Close()
		r := bufio.NewReader(c)
		requestLine, _ := r.ReadString('\n')
		var headers []string
		for {
			line, err := r.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
			headers = append(headers, strings.TrimSpace(line))
		}
		body := requestLine + strings.Join(headers, "|")
		fmt.Fprintf(c, "HTTP/1.1 200 OK\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(body), body)
	})
}

func failingBackend(t *testing.T) string {
	return startBackend(t, func(c net.Conn) {
		c.Close()
	})
}

func TestForward_RewritesHeadersAndRelaysResponse(t *testing.T) {
	backend := echoHeadersBackend(t)
	pool := connpool.New(0, 0, nil)

	req, err := httpparse.Parse([]byte("GET /widgets HTTP/1.1\r\nHost: original.example\r\nConnection: keep-alive\r\nX-Forwarded-For: 9.9.9.9\r\n"))
	if err != nil {
		t.Fatal(err)
	}

	var client bytes.Buffer
	res, err := Forward(&client, "1.2.3.4", false, req, nil, nil, pool, backend, nil, nil)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !res.Success || res.StatusCode != 200 {
		t.Fatalf("expected success 200, got %+v", res)
	}

	resp := client.String()
	if !strings.Contains(resp, "HTTP/1.1 200 OK") {
		t.Fatalf("expected relayed 200, got %q", resp)
	}
	if !strings.Contains(resp, "X-Forwarded-For: 1.2.3.4") {
		t.Fatalf("expected X-Forwarded-For rewritten to client IP, got %q", resp)
	}
	if strings.Contains(resp, "9.9.9.9") {
		t.Fatalf("expected original X-Forwarded-For stripped, got %q", resp)
	}
	if !strings.Contains(resp, "X-Real-IP: 1.2.3.4") {
		t.Fatalf("expected X-Real-IP set, got %q", resp)
	}
	if !strings.Contains(resp, "X-Forwarded-Proto: http") {
		t.Fatalf("expected X-Forwarded-Proto http, got %q", resp)
	}
}

func TestForward_FallsBackToAlternateOnPrimaryFailure(t *testing.T) {
	dead := failingBackend(t)
	good := echoHeadersBackend(t)
	pool := connpool.New(0, 0, nil)

	req, err := httpparse.Parse([]byte("GET / HTTP/1.1\r\nHost: x\r\n"))
	if err != nil {
		t.Fatal(err)
	}

	var client bytes.Buffer
	res, err := Forward(&client, "1.1.1.1", false, req, nil, nil, pool, dead, []string{good}, nil)
	if err != nil {
		t.Fatalf("expected eventual success via alternate, got error: %v", err)
	}
	if res.Backend != good {
		t.Fatalf("expected alternate backend used, got %q", res.Backend)
	}
}

func TestForward_ExhaustsRetriesAndReturns502(t *testing.T) {
	dead := failingBackend(t)
	pool := connpool.New(0, 0, nil)

	req, err := httpparse.Parse([]byte("GET / HTTP/1.1\r\nHost: x\r\n"))
	if err != nil {
		t.Fatal(err)
	}

	var client bytes.Buffer
	_, err = Forward(&client, "1.1.1.1", false, req, nil, nil, pool, dead, nil, nil)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !strings.Contains(client.String(), "502 Bad Gateway") {
		t.Fatalf("expected 502 response written to client, got %q", client.String())
	}
	if !strings.Contains(client.String(), `"error":"Bad Gateway"`) {
		t.Fatalf("expected JSON error body, got %q", client.String())
	}
}

func TestForward_MergesExtraHeadersIntoRelayedResponse(t *testing.T) {
	backend := echoHeadersBackend(t)
	pool := connpool.New(0, 0, nil)

	req, err := httpparse.Parse([]byte("GET / HTTP/1.1\r\nHost: x\r\n"))
	if err != nil {
		t.Fatal(err)
	}

	var client bytes.Buffer
	extra := map[string]string{"Access-Control-Allow-Origin": "https://app.example"}
	if _, err := Forward(&client, "1.1.1.1", false, req, nil, nil, pool, backend, nil, extra); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !strings.Contains(client.String(), "Access-Control-Allow-Origin: https://app.example") {
		t.Fatalf("expected extra header merged into relayed response, got %q", client.String())
	}
}

func TestForward_MergesExtraHeadersIntoBadGateway(t *testing.T) {
	dead := failingBackend(t)
	pool := connpool.New(0, 0, nil)

	req, err := httpparse.Parse([]byte("GET / HTTP/1.1\r\nHost: x\r\n"))
	if err != nil {
		t.Fatal(err)
	}

	var client bytes.Buffer
	extra := map[string]string{"Access-Control-Allow-Origin": "https://app.example"}
	if _, err := Forward(&client, "1.1.1.1", false, req, nil, nil, pool, dead, nil, extra); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !strings.Contains(client.String(), "Access-Control-Allow-Origin: https://app.example") {
		t.Fatalf("expected extra header merged into 502 response, got %q", client.String())
	}
}

func TestBuildAttemptList_DedupesAlternatesAndRepeatsPrimary(t *testing.T) {
	attempts := buildAttemptList("a", []string{"a", "b", "b", "c"})
	want := []string{"a", "a", "b", "c"}
	if len(attempts) != len(want) {
		t.Fatalf("expected %v, got %v", want, attempts)
	}
	for i := range want {
		if attempts[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, attempts)
		}
	}
}

func TestRewriteHeaders_DropsHopByHopAndForwardedHeaders(t *testing.T) {
	req, err := httpparse.Parse([]byte("GET / HTTP/1.1\r\nHost: original\r\nConnection: keep-alive\r\nX-Forwarded-For: 1.1.1.1\r\nAccept: text/html\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	headers := rewriteHeaders(req, "backend.internal:8080", "5.5.5.5", true)

	has := func(name, value string) bool {
		for _, h := range headers {
			if h.Name == name && h.Value == value {
				return true
			}
		}
		return false
	}
	if !has("Host", "backend.internal:8080") {
		t.Fatal("expected Host rewritten to backend host")
	}
	if !has("Connection", "close") {
		t.Fatal("expected Connection rewritten to close")
	}
	if !has("X-Forwarded-Proto", "https") {
		t.Fatal("expected https proto for TLS client")
	}
	count := 0
	for _, h := range headers {
		if h.Name == "Host" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one Host header, got %d", count)
	}
}
