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

// Package lb implements the load-balancing strategies of spec.md §4.5,
// always operating over the healthy members of a backend list, as
// reported by a HealthFilter (normally a health.Checker).
package lb

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	rendezvous "github.com/dgryski/go-rendezvous"
)

// HealthFilter reports whether a backend is presently healthy; satisfied
// by *health.Checker without importing it here to avoid a cycle.
type HealthFilter interface {
	IsHealthy(backend string) bool
}

// Balancer selects one backend per request according to a configured
// strategy, always over the health-filtered subset of a route's backend
// list. If every backend is unhealthy it falls back to the full list
// rather than producing a total black hole, per spec.md §4.5.
type Balancer struct {
	strategy string
	weights  func(backend string) int
	health   HealthFilter

	pathCounters sync.Map // path string -> *uint64, for round-robin
	connCounts   sync.Map // backend string -> *int64, for least-connections
}

// New constructs a Balancer. weights may be nil, in which case every
// backend is treated as weight 1.
func New(strategy string, health HealthFilter, weights func(backend string) int) *Balancer {
	if weights == nil {
		weights = func(string) int { return 1 }
	}
	return &Balancer{strategy: strategy, weights: weights, health: health}
}

// Select picks one backend from backends for a request to path from
// clientIP. Returns "" if backends is empty.
func (b *Balancer) Select(path string, backends []string, clientIP string) string {
	if len(backends) == 0 {
		return ""
	}
	filtered := b.filterHealthy(backends)
	if len(filtered) == 0 {
		filtered = backends
	}
	if len(filtered) == 1 {
		return filtered[0]
	}

	switch b.strategy {
	case "weighted-round-robin":
		return b.selectWeightedRoundRobin(path, filtered)
	case "least-connections":
		return b.selectLeastConnections(filtered)
	case "ip-hash":
		return b.selectIPHash(filtered, clientIP)
	default:
		return b.selectRoundRobin(path, filtered)
	}
}

func (b *Balancer) filterHealthy(backends []string) []string {
	if b.health == nil {
		return backends
	}
	out := make([]string, 0, len(backends))
	for _, be := range backends {
		if b.health.IsHealthy(be) {
			out = append(out, be)
		}
	}
	return out
}

func (b *Balancer) selectRoundRobin(path string, backends []string) string {
	v, _ := b.pathCounters.LoadOrStore(path, new(uint64))
	counter := v.(*uint64)
	n := atomic.AddUint64(counter, 1) - 1
	return backends[n%uint64(len(backends))]
}

// selectWeightedRoundRobin expands the effective list by each backend's
// weight, then walks it with the same per-path atomic counter used by
// plain round-robin (counter-mod-total-weight, per spec.md §4.5).
func (b *Balancer) selectWeightedRoundRobin(path string, backends []string) string {
	var expanded []string
	for _, be := range backends {
		w := b.weights(be)
		if w <= 0 {
			w = 1
		}
		for i := 0; i < w; i++ {
			expanded = append(expanded, be)
		}
	}
	if len(expanded) == 0 {
		return backends[0]
	}
	v, _ := b.pathCounters.LoadOrStore("wrr:"+path, new(uint64))
	counter := v.(*uint64)
	n := atomic.AddUint64(counter, 1) - 1
	return expanded[n%uint64(len(expanded))]
}

func (b *Balancer) selectLeastConnections(backends []string) string {
	best := backends[0]
	bestCount := b.connectionCount(best)
	for _, be := range backends[1:] {
		c := b.connectionCount(be)
		if c < bestCount {
			best, bestCount = be, c
		}
	}
	return best
}

// selectIPHash uses rendezvous (highest-random-weight) hashing so that a
// backend dropping out of the filtered list only remaps the keys that
// hashed to it, not the whole list — a strict improvement over modulo
// hashing while still satisfying spec.md §8.6's "same clientIp + same
// backend list => same backend" property.
func (b *Balancer) selectIPHash(backends []string, clientIP string) string {
	nodes := make([]string, len(backends))
	copy(nodes, backends)
	r := rendezvous.New(nodes, xxhashString)
	return r.Lookup(clientIP)
}

func xxhashString(s string) uint64 {
	return xxhash.Sum64String(s)
}

func (b *Balancer) connectionCount(backend string) int64 {
	if v, ok := b.connCounts.Load(backend); ok {
		return atomic.LoadInt64(v.(*int64))
	}
	return 0
}

// RecordConnectionStart increments backend's active-connection counter.
// Call before dispatch begins.
func (b *Balancer) RecordConnectionStart(backend string) {
	v, _ := b.connCounts.LoadOrStore(backend, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

// RecordConnectionEnd decrements backend's active-connection counter,
// never letting it go negative under a race. Call after dispatch
// completes, success or failure.
func (b *Balancer) RecordConnectionEnd(backend string) {
	v, ok := b.connCounts.Load(backend)
	if !ok {
		return
	}
	counter := v.(*int64)
	for {
		cur := atomic.LoadInt64(counter)
		if cur <= 0 {
			return
		}
		if atomic.CompareAndSwapInt64(counter, cur, cur-1) {
			return
		}
	}
}

// ActiveConnections returns the current counter for backend, used by the
// admin /admin/backends endpoint.
func (b *Balancer) ActiveConnections(backend string) int64 { return b.connectionCount(backend) }

// Strategy exposes the configured strategy name, trimmed of surrounding
// whitespace for display purposes only.
func (b *Balancer) Strategy() string { return strings.TrimSpace(b.strategy) }
