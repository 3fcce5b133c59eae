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

package proxyconfig

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

var structValidator = validator.New()

// Validate runs the struct-tag pass first (cheap, catches obviously
// malformed numeric ranges and enum values) and then the full semantic pass
// from spec.md §4.13. It returns every error found, not just the first, so a
// misconfigured operator sees the whole picture in one reload attempt.
func Validate(c *RouteConfig) []string {
	var errs []string

	if c == nil {
		return []string{"config is nil"}
	}

	if err := structValidator.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				errs = append(errs, fmt.Sprintf("%s: %s", fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = append(errs, err.Error())
		}
	}

	if len(c.PathRoutes) == 0 && len(c.DomainRoutes) == 0 {
		errs = append(errs, "routes: must define at least one route")
	}

	for path, backends := range c.PathRoutes {
		errs = append(errs, validatePath(path)...)
		errs = append(errs, validateBackendList(path, backends)...)
	}
	for host, backends := range c.DomainRoutes {
		if host == "" {
			errs = append(errs, "domainRoutes: host must not be blank")
		}
		errs = append(errs, validateBackendList(host, backends)...)
	}

	switch c.LoadBalancerStrategy {
	case "", RoundRobin, WeightedRoundRobin, LeastConnections, IPHash:
	default:
		errs = append(errs, fmt.Sprintf("loadBalancer: unknown strategy %q", c.LoadBalancerStrategy))
	}

	return errs
}

func validatePath(path string) []string {
	var errs []string
	if path == "" {
		errs = append(errs, "routes: path must not be blank")
		return errs
	}
	if !strings.HasPrefix(path, "/") {
		errs = append(errs, fmt.Sprintf("routes[%s]: path must start with /", path))
	}
	if len(path) > 2048 {
		errs = append(errs, fmt.Sprintf("routes[%s]: path exceeds 2048 characters", path))
	}
	if strings.Contains(path, "..") {
		errs = append(errs, fmt.Sprintf("routes[%s]: path must not contain ..", path))
	}
	if strings.Contains(path, "//") {
		errs = append(errs, fmt.Sprintf("routes[%s]: path must not contain //", path))
	}
	if strings.ContainsRune(path, 0) {
		errs = append(errs, fmt.Sprintf("routes[%s]: path must not contain a null byte", path))
	}
	return errs
}

func validateBackendList(routeKey string, backends []string) []string {
	var errs []string
	if len(backends) == 0 {
		errs = append(errs, fmt.Sprintf("routes[%s]: must list at least one backend", routeKey))
		return errs
	}
	if len(backends) > 100 {
		errs = append(errs, fmt.Sprintf("routes[%s]: more than 100 backends", routeKey))
	}
	seen := make(map[string]bool, len(backends))
	for _, b := range backends {
		if seen[b] {
			errs = append(errs, fmt.Sprintf("routes[%s]: duplicate backend %q", routeKey, b))
		}
		seen[b] = true
		errs = append(errs, validateBackend(routeKey, b)...)
	}
	return errs
}

func validateBackend(routeKey, backend string) []string {
	var errs []string
	switch {
	case strings.HasPrefix(backend, "file://"):
		path := strings.TrimPrefix(backend, "file://")
		if !strings.HasPrefix(path, "/") {
			errs = append(errs, fmt.Sprintf("routes[%s]: file backend %q must be an absolute path", routeKey, backend))
			return errs
		}
		info, err := os.Stat(path)
		if err != nil {
			errs = append(errs, fmt.Sprintf("routes[%s]: file backend %q does not exist: %v", routeKey, backend, err))
			return errs
		}
		if !info.IsDir() {
			// Single-file routes are allowed per spec.md §4.9; a readable
			// regular file is acceptable here too.
			f, err := os.Open(path)
			if err != nil {
				errs = append(errs, fmt.Sprintf("routes[%s]: file backend %q is not readable: %v", routeKey, backend, err))
			} else {
				f.Close()
			}
		}
	case strings.HasPrefix(backend, "http://"), strings.HasPrefix(backend, "https://"):
		u, err := url.Parse(backend)
		if err != nil {
			errs = append(errs, fmt.Sprintf("routes[%s]: backend %q is not a parseable URI: %v", routeKey, backend, err))
			return errs
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, fmt.Sprintf("routes[%s]: backend %q has unsupported scheme", routeKey, backend))
		}
		if u.Hostname() == "" {
			errs = append(errs, fmt.Sprintf("routes[%s]: backend %q is missing a host", routeKey, backend))
		}
		if port := u.Port(); port != "" {
			p, err := strconv.Atoi(port)
			if err != nil || p < 0 || p > 65535 {
				errs = append(errs, fmt.Sprintf("routes[%s]: backend %q has an invalid port", routeKey, backend))
			}
		}
	default:
		errs = append(errs, fmt.Sprintf("routes[%s]: backend %q must be http://, https://, or file://", routeKey, backend))
	}
	return errs
}
