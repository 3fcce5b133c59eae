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

package router

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ealvarez/tollgate/internal/proxyconfig"
)

type fixedBalancer struct{ pick string }

func (f fixedBalancer) Select(path string, backends []string, clientIP string) string {
	if f.pick != "" {
		return f.pick
	}
	return backends[0]
}

type noopHealth struct{ seen []string }

func (n *noopHealth) SetBackends(b []string) { n.seen = b }

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "routes.json")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

const validDoc = `{
  "routes": {
    "/api/": ["http://localhost:9001", "http://localhost:9002"],
    "/": ["http://localhost:9000"]
  },
  "domainRoutes": {
    "special.example.com": ["http://localhost:9003"]
  },
  "loadBalancer": "round-robin"
}`

func TestRouter_LoadAndResolve(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, validDoc)

	h := &noopHealth{}
	r, err := New(p, nil, func(proxyconfig.Strategy, map[string]int) Balancer {
		return fixedBalancer{}
	}, h)
	if err != nil {
		t.Fatal(err)
	}

	if got := r.Resolve("localhost", "/api/widgets", "1.1.1.1"); got != "http://localhost:9001" {
		t.Fatalf("expected longest-prefix match, got %q", got)
	}
	if got := r.Resolve("localhost", "/other", "1.1.1.1"); got != "http://localhost:9000" {
		t.Fatalf("expected root fallback, got %q", got)
	}
	if got := r.Resolve("special.example.com:443", "/api/widgets", "1.1.1.1"); got != "http://localhost:9003" {
		t.Fatalf("expected domain route to win over path route, got %q", got)
	}
	if got := r.Resolve("nothing.example", "/nowhere", "1.1.1.1"); got != "http://localhost:9000" {
		t.Fatalf("expected root prefix to catch unrouted path on unrouted host, got %q", got)
	}
	if len(h.seen) == 0 {
		t.Fatal("expected health checker to be seeded with backends")
	}

	backend, alternates := r.ResolveRoute("localhost", "/api/widgets", "1.1.1.1")
	if backend != "http://localhost:9001" {
		t.Fatalf("expected same resolution as Resolve, got %q", backend)
	}
	if len(alternates) != 2 || alternates[0] != "http://localhost:9001" || alternates[1] != "http://localhost:9002" {
		t.Fatalf("expected route-scoped backend list, got %v", alternates)
	}

	if _, alternates := r.ResolveRoute("localhost", "/other", "1.1.1.1"); len(alternates) != 1 {
		t.Fatalf("expected single-backend route list, got %v", alternates)
	}

	if r.Balancer() == nil {
		t.Fatal("expected a non-nil balancer for a loaded config")
	}
}

func TestRouter_RejectsInvalidConfigAtLoad(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, `{"routes": {}}`)
	_, err := New(p, nil, func(proxyconfig.Strategy, map[string]int) Balancer { return fixedBalancer{} }, nil)
	if err == nil {
		t.Fatal("expected validation error for empty routes")
	}
}

func TestRouter_ReloadKeepsOldConfigOnInvalidReplacement(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, validDoc)
	r, err := New(p, nil, func(proxyconfig.Strategy, map[string]int) Balancer { return fixedBalancer{} }, nil)
	if err != nil {
		t.Fatal(err)
	}
	before := r.CurrentConfig().Generation

	if err := os.WriteFile(p, []byte(`{"routes": {}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(); err == nil {
		t.Fatal("expected Reload to reject the broken replacement")
	}
	if r.CurrentConfig().Generation != before {
		t.Fatal("expected generation unchanged after a rejected reload")
	}
}

func TestRouter_ReloadAppliesValidReplacement(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, validDoc)
	r, err := New(p, nil, func(proxyconfig.Strategy, map[string]int) Balancer { return fixedBalancer{} }, nil)
	if err != nil {
		t.Fatal(err)
	}
	before := r.CurrentConfig().Generation

	replacement := `{"routes": {"/": ["http://localhost:7000"]}}`
	if err := os.WriteFile(p, []byte(replacement), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(); err != nil {
		t.Fatalf("expected valid replacement to apply, got %v", err)
	}
	if r.CurrentConfig().Generation != before+1 {
		t.Fatal("expected generation to increment")
	}
	if got := r.Resolve("localhost", "/anything", "1.1.1.1"); got != "http://localhost:7000" {
		t.Fatalf("expected new backend after reload, got %q", got)
	}
}

func TestRouter_WatchPicksUpFileChange(t *testing.T) {
	dir := t.TempDir()
	p := writeConfig(t, dir, validDoc)
	r, err := New(p, nil, func(proxyconfig.Strategy, map[string]int) Balancer { return fixedBalancer{} }, nil)
	if err != nil {
		t.Fatal(err)
	}
	r.Start()
	defer r.Stop()

	time.Sleep(10 * time.Millisecond)
	replacement := `{"routes": {"/": ["http://localhost:7777"]}}`
	if err := os.WriteFile(p, []byte(replacement), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if r.Resolve("localhost", "/x", "") == "http://localhost:7777" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected watcher to pick up file change within the timeout")
}
