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

// Package cors computes the cross-origin headers of spec.md §4.15. It never
// writes a response itself; callers merge Headers() into whatever response
// they're already building, including error responses.
package cors

import (
	"strconv"
	"strings"

	"github.com/ealvarez/tollgate/internal/proxyconfig"
)

// Policy wraps a validated CORS config for repeated header computation.
type Policy struct {
	cfg proxyconfig.CORSConfig
}

// New builds a Policy from a route's CORS block.
func New(cfg proxyconfig.CORSConfig) Policy { return Policy{cfg: cfg} }

// Enabled reports whether CORS headers should be considered at all.
func (p Policy) Enabled() bool { return p.cfg.Enabled }

// Allows reports whether origin is in the configured allowlist. An empty
// allowlist matches nothing (CORS enabled but no origins configured is a
// closed policy, not a wildcard).
func (p Policy) Allows(origin string) bool {
	if origin == "" {
		return false
	}
	for _, o := range p.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// Headers returns the headers to attach to a simple (non-preflight)
// response for the given Origin header value. Returns nil if CORS is
// disabled or origin isn't allowed.
func (p Policy) Headers(origin string) map[string]string {
	if !p.cfg.Enabled || !p.Allows(origin) {
		return nil
	}
	h := map[string]string{
		"Access-Control-Allow-Origin": p.allowOriginValue(origin),
		"Vary":                        "Origin",
	}
	if len(p.cfg.AllowedMethods) > 0 {
		h["Access-Control-Allow-Methods"] = strings.Join(p.cfg.AllowedMethods, ", ")
	}
	if len(p.cfg.AllowedHeaders) > 0 {
		h["Access-Control-Allow-Headers"] = strings.Join(p.cfg.AllowedHeaders, ", ")
	}
	if p.cfg.AllowCredentials {
		h["Access-Control-Allow-Credentials"] = "true"
	}
	return h
}

// PreflightHeaders returns the full set of headers for an OPTIONS
// preflight, adding Access-Control-Max-Age on top of Headers.
func (p Policy) PreflightHeaders(origin string) map[string]string {
	h := p.Headers(origin)
	if h == nil {
		return nil
	}
	if p.cfg.MaxAgeSecs > 0 {
		h["Access-Control-Max-Age"] = strconv.Itoa(p.cfg.MaxAgeSecs)
	}
	return h
}

// allowOriginValue never returns "*" when credentials are allowed, per
// the Fetch spec's ban on wildcard-plus-credentials.
func (p Policy) allowOriginValue(origin string) string {
	wildcardConfigured := false
	for _, o := range p.cfg.AllowedOrigins {
		if o == "*" {
			wildcardConfigured = true
			break
		}
	}
	if wildcardConfigured && !p.cfg.AllowCredentials {
		return "*"
	}
	return origin
}

// IsPreflight reports whether a request is a CORS preflight per spec.md
// §4.12 step 3: OPTIONS, an Origin header, and Access-Control-Request-Method.
func IsPreflight(method, origin, requestMethod string) bool {
	return strings.EqualFold(method, "OPTIONS") && origin != "" && requestMethod != ""
}
