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

package admin

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ealvarez/tollgate/internal/circuit"
	"github.com/ealvarez/tollgate/internal/health"
	"github.com/ealvarez/tollgate/internal/proxyconfig"
	"github.com/ealvarez/tollgate/internal/ratelimit"
	"github.com/ealvarez/tollgate/internal/router"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "routes.json")
	doc := `{"routes": {"/": ["http://localhost:9000"]}}`
	if err := os.WriteFile(p, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := router.New(p, nil, func(proxyconfig.Strategy, map[string]int) router.Balancer {
		return nil
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return &Handler{
		Router:  r,
		Limiter: ratelimit.New(ratelimit.TokenBucket, 10, time.Second),
		Breaker: circuit.NewBreaker(3, time.Second, 1),
		Health:  health.NewChecker(health.Options{Interval: time.Hour}),
	}
}

func TestAdmin_HealthEndpoint(t *testing.T) {
	h := newTestHandler(t)
	var buf bytes.Buffer
	if err := h.Serve(&buf, "GET", "/admin/health", nil); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), "HTTP/1.1 200") {
		t.Fatalf("expected 200, got %q", buf.String()[:40])
	}
	if !strings.Contains(buf.String(), `"status"`) {
		t.Fatalf("expected status field, got %q", buf.String())
	}
}

func TestAdmin_UnknownPathIs404(t *testing.T) {
	h := newTestHandler(t)
	var buf bytes.Buffer
	if err := h.Serve(&buf, "GET", "/admin/nope", nil); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), "HTTP/1.1 404") {
		t.Fatalf("expected 404, got %q", buf.String()[:40])
	}
}

func TestAdmin_WrongMethodIs405(t *testing.T) {
	h := newTestHandler(t)
	var buf bytes.Buffer
	if err := h.Serve(&buf, "POST", "/admin/health", nil); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), "HTTP/1.1 405") {
		t.Fatalf("expected 405, got %q", buf.String()[:40])
	}
}

func TestAdmin_RatelimitReset(t *testing.T) {
	h := newTestHandler(t)
	h.Limiter.Allow("1.1.1.1", "/")
	var buf bytes.Buffer
	if err := h.Serve(&buf, "POST", "/admin/ratelimit/reset", nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"success":true`) {
		t.Fatalf("expected success true, got %q", buf.String())
	}
	if h.Limiter.ActiveClientCount() != 0 {
		t.Fatal("expected reset to clear active clients")
	}
}

func TestAdmin_CircuitsReset(t *testing.T) {
	h := newTestHandler(t)
	for i := 0; i < 3; i++ {
		h.Breaker.RecordFailure("http://a")
	}
	if h.Breaker.State("http://a") != circuit.Open {
		t.Fatal("expected circuit OPEN before reset")
	}
	var buf bytes.Buffer
	if err := h.Serve(&buf, "POST", "/admin/circuits/reset?backend=http://a", nil); err != nil {
		t.Fatal(err)
	}
	if h.Breaker.State("http://a") != circuit.Closed {
		t.Fatal("expected targeted reset to close the circuit")
	}
}

func TestAdmin_ConfigUpdateSetStrategy(t *testing.T) {
	h := newTestHandler(t)
	var buf bytes.Buffer
	body := []byte(`{"action":"set_strategy","strategy":"least-connections"}`)
	if err := h.Serve(&buf, "POST", "/admin/config/update", body); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"success":true`) {
		t.Fatalf("expected success true, got %q", buf.String())
	}
	if h.Router.CurrentConfig().LoadBalancerStrategy != proxyconfig.LeastConnections {
		t.Fatalf("expected strategy overridden in memory, got %q", h.Router.CurrentConfig().LoadBalancerStrategy)
	}
}

func TestAdmin_ConfigUpdateUnknownStrategyIs400(t *testing.T) {
	h := newTestHandler(t)
	var buf bytes.Buffer
	body := []byte(`{"action":"set_strategy","strategy":"bogus"}`)
	if err := h.Serve(&buf, "POST", "/admin/config/update", body); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), "HTTP/1.1 400") {
		t.Fatalf("expected 400, got %q", buf.String()[:40])
	}
}

func TestAdmin_ConfigUpdateDefaultsToReload(t *testing.T) {
	h := newTestHandler(t)
	var buf bytes.Buffer
	if err := h.Serve(&buf, "POST", "/admin/config/update", nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"success":true`) {
		t.Fatalf("expected success true, got %q", buf.String())
	}
}

func TestAdmin_ResponsesIncludeCORSWildcard(t *testing.T) {
	h := newTestHandler(t)
	var buf bytes.Buffer
	if err := h.Serve(&buf, "GET", "/admin/health", nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "Access-Control-Allow-Origin: *") {
		t.Fatal("expected admin responses to always be CORS-browsable")
	}
}
