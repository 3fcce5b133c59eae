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

// Package proxyconfig holds the immutable route configuration snapshot and
// its JSON document shape. A RouteConfig is never mutated after it is
// constructed; the router publishes new instances via an atomic swap.
package proxyconfig

import "encoding/json"

// Strategy selects the load-balancing algorithm applied across a route's
// backend list.
type Strategy string

const (
	RoundRobin         Strategy = "round-robin"
	WeightedRoundRobin Strategy = "weighted-round-robin"
	LeastConnections   Strategy = "least-connections"
	IPHash             Strategy = "ip-hash"
)

// RateLimiterConfig controls per-(client-ip, path) admission.
type RateLimiterConfig struct {
	Enabled     bool   `json:"enabled" validate:"-"`
	Strategy    string `json:"strategy" validate:"omitempty,oneof=token-bucket sliding-window fixed-window"`
	MaxRequests int    `json:"maxRequests" validate:"gte=0"`
	WindowSecs  int    `json:"windowSeconds" validate:"gte=0"`
}

// CircuitBreakerConfig controls per-backend failure isolation.
type CircuitBreakerConfig struct {
	Enabled          bool `json:"enabled"`
	FailureThreshold int  `json:"failureThreshold" validate:"gte=0"`
	TimeoutSecs      int  `json:"timeoutSeconds" validate:"gte=0"`
	HalfOpenRequests int  `json:"halfOpenRequests" validate:"gte=0"`
}

// HealthCheckConfig controls active backend probing.
type HealthCheckConfig struct {
	Enabled            bool   `json:"enabled"`
	Path               string `json:"path"`
	IntervalSecs       int    `json:"intervalSeconds" validate:"gte=0"`
	TimeoutSecs        int    `json:"timeoutSeconds" validate:"gte=0"`
	ExpectedStatusMin  int    `json:"expectedStatusMin"`
	ExpectedStatusMax  int    `json:"expectedStatusMax"`
	FailureThreshold   int    `json:"failureThreshold" validate:"gte=0"`
	SuccessThreshold   int    `json:"successThreshold" validate:"gte=0"`
}

// CORSConfig controls cross-origin response headers.
type CORSConfig struct {
	Enabled          bool     `json:"enabled"`
	AllowedOrigins   []string `json:"allowedOrigins"`
	AllowedMethods   []string `json:"allowedMethods"`
	AllowedHeaders   []string `json:"allowedHeaders"`
	AllowCredentials bool     `json:"allowCredentials"`
	MaxAgeSecs       int      `json:"maxAgeSeconds" validate:"gte=0"`
}

// AdminAuthBasicUser is one entry of the Basic-auth table: a salted SHA-256
// digest, never the plaintext password.
type AdminAuthBasicUser struct {
	Username   string `json:"username"`
	Salt       string `json:"salt"`
	PasswdHash string `json:"passwordHash"`
}

// AdminConfig controls the authenticated /admin/* surface.
type AdminConfig struct {
	Enabled       bool                 `json:"enabled"`
	APIKeys       []string             `json:"apiKeys"`
	BasicUsers    []AdminAuthBasicUser `json:"basicUsers"`
	IPWhitelist   []string             `json:"ipWhitelist"`
	ConfigPath    string               `json:"-"`
}

// TimeoutsConfig controls the wall-clock budgets in spec.md §5.
type TimeoutsConfig struct {
	ConnectSecs int `json:"connectSeconds" validate:"gte=0"`
	RequestSecs int `json:"requestSeconds" validate:"gte=0"`
	IdleSecs    int `json:"idleSeconds" validate:"gte=0"`
	KeepAliveSecs int `json:"keepAliveSeconds" validate:"gte=0"`
}

// LimitsConfig controls parser-level byte caps.
type LimitsConfig struct {
	MaxHeaderBytes int `json:"maxHeaderBytes" validate:"gte=0"`
}

// AutoHTTPSConfig is parsed but never drives certificate issuance; see
// spec.md §9 Open Questions.
type AutoHTTPSConfig struct {
	Enabled bool `json:"enabled"`
}

// RouteConfig is the immutable, validated configuration snapshot the router
// holds behind an atomic pointer. Every route has at least one backend;
// readers always observe a complete snapshot, never a partial edit.
type RouteConfig struct {
	PathRoutes   map[string][]string `json:"routes" validate:"required"`
	DomainRoutes map[string][]string `json:"domainRoutes"`

	LoadBalancerStrategy Strategy         `json:"loadBalancer"`
	BackendWeights       map[string]int   `json:"backendWeights"`

	RateLimiter    RateLimiterConfig    `json:"rateLimiter"`
	CircuitBreaker CircuitBreakerConfig `json:"circuitBreaker"`
	HealthCheck    HealthCheckConfig    `json:"healthCheck"`
	CORS           CORSConfig           `json:"cors"`
	Admin          AdminConfig          `json:"admin"`
	Timeouts       TimeoutsConfig       `json:"timeouts"`
	Limits         LimitsConfig         `json:"limits"`
	AutoHTTPS      AutoHTTPSConfig      `json:"autoHttps"`

	// Raw is the as-loaded document, returned verbatim by /admin/routes.
	Raw json.RawMessage `json:"-"`
	// Generation increases by one on every successful reload.
	Generation int64 `json:"-"`
}

// WeightOf returns the configured weight for a backend, defaulting to 1.
func (c *RouteConfig) WeightOf(backend string) int {
	if c.BackendWeights == nil {
		return 1
	}
	if w, ok := c.BackendWeights[backend]; ok && w > 0 {
		return w
	}
	return 1
}

// AllBackends returns the deduplicated union of every backend named in
// PathRoutes and DomainRoutes, used to seed the health checker at startup
// and on reload.
func (c *RouteConfig) AllBackends() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(list []string) {
		for _, b := range list {
			if !seen[b] {
				seen[b] = true
				out = append(out, b)
			}
		}
	}
	for _, backends := range c.PathRoutes {
		add(backends)
	}
	for _, backends := range c.DomainRoutes {
		add(backends)
	}
	return out
}
