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

package server

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ealvarez/tollgate/internal/circuit"
	"github.com/ealvarez/tollgate/internal/connpool"
	"github.com/ealvarez/tollgate/internal/dispatch"
	"github.com/ealvarez/tollgate/internal/health"
	"github.com/ealvarez/tollgate/internal/proxyconfig"
	"github.com/ealvarez/tollgate/internal/ratelimit"
	"github.com/ealvarez/tollgate/internal/router"
	"github.com/ealvarez/tollgate/internal/staticfiles"
)

func testDeps(t *testing.T) dispatch.Deps {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "routes.json")
	os.WriteFile(p, []byte(`{"routes": {"/": ["http://127.0.0.1:1"]}}`), 0o644)
	r, err := router.New(p, nil, func(proxyconfig.Strategy, map[string]int) router.Balancer { return nil }, nil)
	if err != nil {
		t.Fatal(err)
	}
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "index.html"), []byte("hi"), 0o644)
	return dispatch.Deps{
		Router:  r,
		Limiter: ratelimit.New(ratelimit.TokenBucket, 1000, time.Minute),
		Breaker: circuit.NewBreaker(3, time.Second, 1),
		Health:  health.NewChecker(health.Options{Interval: time.Hour}),
		Pool:    connpool.New(0, 0, nil),
		Static:  staticfiles.New(root, nil),
	}
}

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestServer_AcceptsAndServesConnections(t *testing.T) {
	addr := freePort(t)
	s := New(addr, nil, testDeps(t), nil)

	errCh := make(chan error, 1)
	go func() { errCh <- s.ListenAndServe() }()
	waitForListener(t, addr)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprintf(conn, "GET /index.html HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, _ := conn.Read(buf)
	resp := string(buf[:n])
	conn.Close()

	if !strings.HasPrefix(resp, "HTTP/1.1 200") {
		t.Fatalf("expected 200, got %q", resp)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("ListenAndServe returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("ListenAndServe did not return after Close")
	}
}

func waitForListener(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server never started listening on %s", addr)
}
