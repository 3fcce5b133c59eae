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

// Package router holds the live RouteConfig behind an atomic pointer and
// resolves incoming requests to a backend per spec.md §4.6. It watches the
// config file for changes via fsnotify, backstopped by a 1s mtime poll in
// case the filesystem event source is unavailable (network mounts, some
// container overlays), and republishes a new snapshot only after the
// replacement config passes validation.
package router

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"

	"github.com/ealvarez/tollgate/internal/proxyconfig"
)

// Balancer is the subset of *lb.Balancer the router needs, kept as an
// interface to avoid a dependency cycle between router and lb.
type Balancer interface {
	Select(path string, backends []string, clientIP string) string
}

// HealthRegistrar is the subset of *health.Checker the router needs to
// re-seed on every successful reload.
type HealthRegistrar interface {
	SetBackends(backends []string)
}

// Router resolves requests against the current RouteConfig snapshot and
// owns the config file watcher that keeps it fresh.
type Router struct {
	path    string
	log     hclog.Logger
	current atomic.Pointer[proxyconfig.RouteConfig]

	balancerFor func(strategy proxyconfig.Strategy, weights map[string]int) Balancer
	health      HealthRegistrar

	mu       sync.Mutex // serializes reloads
	lastMod  time.Time
	stopChan chan struct{}
	stopped  uint32
	wg       sync.WaitGroup

	balancerCache atomic.Pointer[balancerCache]
}

// BalancerFactory builds a Balancer for a given strategy and weight table;
// supplied by main so router never imports package lb directly.
type BalancerFactory func(strategy proxyconfig.Strategy, weights map[string]int) Balancer

// New loads path, validates it, and returns a Router primed with the
// initial snapshot. Start must be called separately to begin watching.
func New(path string, log hclog.Logger, balancerFactory BalancerFactory, health HealthRegistrar) (*Router, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	r := &Router{
		path:        path,
		log:         log,
		balancerFor: balancerFactory,
		health:      health,
		stopChan:    make(chan struct{}),
	}
	cfg, err := proxyconfig.Load(path)
	if err != nil {
		return nil, err
	}
	if problems := proxyconfig.Validate(cfg); len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}
	cfg.Generation = 1
	r.current.Store(cfg)
	if health != nil {
		health.SetBackends(cfg.AllBackends())
	}
	if fi, err := os.Stat(path); err == nil {
		r.lastMod = fi.ModTime()
	}
	return r, nil
}

// ValidationError wraps the semantic problems reported by proxyconfig.Validate.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid route configuration: " + strings.Join(e.Problems, "; ")
}

// CurrentConfig returns the live snapshot. Safe for concurrent use; callers
// must not mutate the returned value.
func (r *Router) CurrentConfig() *proxyconfig.RouteConfig {
	return r.current.Load()
}

// balancerCache avoids rebuilding a Balancer on every single request; it is
// rebuilt whenever the config generation changes.
type balancerCache struct {
	generation int64
	balancer   Balancer
}

func (r *Router) balancerForCurrent(cfg *proxyconfig.RouteConfig) Balancer {
	if cached := r.balancerCache.Load(); cached != nil && cached.generation == cfg.Generation {
		return cached.balancer
	}
	b := r.balancerFor(cfg.LoadBalancerStrategy, cfg.BackendWeights)
	r.balancerCache.Store(&balancerCache{generation: cfg.Generation, balancer: b})
	return b
}

// Resolve implements spec.md §4.6: domain match takes priority over the
// longest matching path prefix; a multi-backend result is narrowed to one
// backend by the load balancer. Returns "" if nothing matches.
func (r *Router) Resolve(host, path, clientIP string) string {
	backend, _ := r.ResolveRoute(host, path, clientIP)
	return backend
}

// ResolveRoute is Resolve plus the full backend list of the matched route,
// so a caller retrying a failed backend (spec.md §4.8 step 8) draws
// alternates only from the route that produced the primary, never from
// another route's backends.
func (r *Router) ResolveRoute(host, path, clientIP string) (backend string, routeBackends []string) {
	cfg := r.current.Load()
	if cfg == nil {
		return "", nil
	}

	host = stripPort(host)
	if backends, ok := lookupDomain(cfg.DomainRoutes, host); ok {
		return r.pick(cfg, path, backends, clientIP), backends
	}

	backends, ok := longestPrefixMatch(cfg.PathRoutes, path)
	if !ok {
		return "", nil
	}
	return r.pick(cfg, path, backends, clientIP), backends
}

// Balancer returns the Balancer cached for the live config generation,
// building one if necessary. Used by the dispatcher to feed least-connections
// bookkeeping around proxy dispatch; nil if no config is loaded.
func (r *Router) Balancer() Balancer {
	cfg := r.current.Load()
	if cfg == nil {
		return nil
	}
	return r.balancerForCurrent(cfg)
}

func (r *Router) pick(cfg *proxyconfig.RouteConfig, path string, backends []string, clientIP string) string {
	if len(backends) == 0 {
		return ""
	}
	if len(backends) == 1 {
		return backends[0]
	}
	return r.balancerForCurrent(cfg).Select(path, backends, clientIP)
}

func stripPort(host string) string {
	if i := strings.LastIndex(host, ":"); i != -1 {
		if _, err := strconv.Atoi(host[i+1:]); err == nil {
			return strings.ToLower(host[:i])
		}
	}
	return strings.ToLower(host)
}

func lookupDomain(domains map[string][]string, host string) ([]string, bool) {
	for d, backends := range domains {
		if strings.ToLower(d) == host {
			return backends, true
		}
	}
	return nil, false
}

// longestPrefixMatch implements the textual (not segment-aware) longest
// prefix rule of spec.md §4.6.
func longestPrefixMatch(routes map[string][]string, path string) ([]string, bool) {
	var bestPrefix string
	var bestBackends []string
	found := false
	for prefix, backends := range routes {
		if strings.HasPrefix(path, prefix) && len(prefix) >= len(bestPrefix) {
			bestPrefix = prefix
			bestBackends = backends
			found = true
		}
	}
	return bestBackends, found
}

// Start begins the fsnotify watch plus a 1s mtime poll fallback. Either
// source can trigger a reload attempt; a failed reload logs a warning and
// keeps serving the prior snapshot.
func (r *Router) Start() {
	r.wg.Add(1)
	go r.watchLoop()
}

func (r *Router) watchLoop() {
	defer r.wg.Done()

	fsw, err := fsnotify.NewWatcher()
	var events chan fsnotify.Event
	var errs chan error
	if err == nil {
		if err := fsw.Add(r.path); err == nil {
			events = fsw.Events
			errs = fsw.Errors
			defer fsw.Close()
		} else {
			fsw.Close()
		}
	}
	if err != nil {
		r.log.Warn("fsnotify unavailable, relying on mtime poll", "error", err)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.maybeReload()
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			r.maybeReload()
		case e, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			r.log.Warn("fsnotify error", "error", e)
		}
	}
}

func (r *Router) maybeReload() {
	fi, err := os.Stat(r.path)
	if err != nil {
		r.log.Warn("config stat failed, keeping current config", "error", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !fi.ModTime().After(r.lastMod) {
		return
	}
	r.lastMod = fi.ModTime()
	r.Reload()
}

// Reload re-reads and re-validates the config file, swapping it in on
// success. Exported so the admin /admin/routes/reload and
// /admin/config/update endpoints and the Redis reload watcher can trigger it
// on demand, matching the file watcher's own path.
func (r *Router) Reload() error {
	cfg, err := proxyconfig.Load(r.path)
	if err != nil {
		r.log.Warn("config reload failed, keeping old config", "error", err)
		return err
	}
	if problems := proxyconfig.Validate(cfg); len(problems) > 0 {
		verr := &ValidationError{Problems: problems}
		r.log.Warn("config reload rejected, keeping old config", "error", verr)
		return verr
	}
	prev := r.current.Load()
	cfg.Generation = prev.Generation + 1
	r.current.Store(cfg)
	if r.health != nil {
		r.health.SetBackends(cfg.AllBackends())
	}
	r.log.Info("config reloaded", "generation", cfg.Generation)
	return nil
}

// SetStrategy overrides the in-memory load-balancer strategy for the
// /admin/config/update set_strategy action, without touching the config
// file. The next file-driven reload replaces it with the on-disk value.
func (r *Router) SetStrategy(strategy proxyconfig.Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.current.Load()
	next := *prev
	next.LoadBalancerStrategy = strategy
	next.Generation = prev.Generation + 1
	r.current.Store(&next)
}

// Stop halts the watcher goroutine and waits for it to exit. Idempotent.
func (r *Router) Stop() {
	if !atomic.CompareAndSwapUint32(&r.stopped, 0, 1) {
		return
	}
	close(r.stopChan)
	r.wg.Wait()
}
