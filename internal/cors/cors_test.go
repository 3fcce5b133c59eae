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

package cors

import (
	"testing"

	"github.com/ealvarez/tollgate/internal/proxyconfig"
)

func TestPolicy_DisabledProducesNoHeaders(t *testing.T) {
	p := New(proxyconfig.CORSConfig{Enabled: false, AllowedOrigins: []string{"*"}})
	if h := p.Headers("http://example.com"); h != nil {
		t.Fatalf("expected nil headers when disabled, got %v", h)
	}
}

func TestPolicy_WildcardWithoutCredentials(t *testing.T) {
	p := New(proxyconfig.CORSConfig{Enabled: true, AllowedOrigins: []string{"*"}})
	h := p.Headers("http://example.com")
	if h["Access-Control-Allow-Origin"] != "*" {
		t.Fatalf("expected wildcard origin, got %v", h)
	}
}

func TestPolicy_WildcardWithCredentialsEchoesOrigin(t *testing.T) {
	p := New(proxyconfig.CORSConfig{Enabled: true, AllowedOrigins: []string{"*"}, AllowCredentials: true})
	h := p.Headers("http://example.com")
	if h["Access-Control-Allow-Origin"] != "http://example.com" {
		t.Fatalf("expected echoed origin with credentials, got %v", h)
	}
	if h["Access-Control-Allow-Credentials"] != "true" {
		t.Fatal("expected credentials header set")
	}
}

func TestPolicy_OriginNotAllowed(t *testing.T) {
	p := New(proxyconfig.CORSConfig{Enabled: true, AllowedOrigins: []string{"http://good.example"}})
	if h := p.Headers("http://evil.example"); h != nil {
		t.Fatalf("expected nil for disallowed origin, got %v", h)
	}
}

func TestPolicy_PreflightIncludesMaxAge(t *testing.T) {
	p := New(proxyconfig.CORSConfig{Enabled: true, AllowedOrigins: []string{"*"}, MaxAgeSecs: 600})
	h := p.PreflightHeaders("http://example.com")
	if h["Access-Control-Max-Age"] != "600" {
		t.Fatalf("expected max-age 600, got %v", h)
	}
}

func TestIsPreflight(t *testing.T) {
	if !IsPreflight("OPTIONS", "http://example.com", "POST") {
		t.Fatal("expected true for a proper preflight")
	}
	if IsPreflight("GET", "http://example.com", "POST") {
		t.Fatal("expected false for non-OPTIONS method")
	}
	if IsPreflight("OPTIONS", "", "POST") {
		t.Fatal("expected false without Origin header")
	}
}
