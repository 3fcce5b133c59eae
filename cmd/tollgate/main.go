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

// Package main provides the entry point for tollgate, an HTTP/1.1 reverse
// proxy and static file server with rate limiting, circuit breaking,
// health checking, load balancing, CORS, an admin surface, and a
// WebSocket relay.
//
// Usage:
//
//	tollgate [port] [config-path]
//
// port defaults to 8080, config-path defaults to routes.json in the
// current directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"

	"github.com/ealvarez/tollgate/internal/accesslog"
	"github.com/ealvarez/tollgate/internal/admin"
	"github.com/ealvarez/tollgate/internal/circuit"
	"github.com/ealvarez/tollgate/internal/connpool"
	"github.com/ealvarez/tollgate/internal/dispatch"
	"github.com/ealvarez/tollgate/internal/health"
	"github.com/ealvarez/tollgate/internal/lb"
	"github.com/ealvarez/tollgate/internal/proxyconfig"
	"github.com/ealvarez/tollgate/internal/ratelimit"
	"github.com/ealvarez/tollgate/internal/router"
	"github.com/ealvarez/tollgate/internal/server"
	"github.com/ealvarez/tollgate/internal/staticfiles"
)

func main() {
	accessLogPath := flag.String("access_log", "", "if non-empty, append JSON access log lines to this file")
	staticRoot := flag.String("static_root", "./public", "directory (or single file) served when no route matches")
	redisAddr := flag.String("redis_addr", "", "if non-empty, subscribe to this Redis instance for a config-reload signal")
	redisChannel := flag.String("redis_reload_channel", "tollgate:reload", "pub/sub channel subscribed to for reload notifications")
	flag.Parse()

	args := flag.Args()
	port := "8080"
	configPath := "routes.json"
	if len(args) >= 1 && args[0] != "" {
		port = args[0]
	}
	if len(args) >= 2 && args[1] != "" {
		configPath = args[1]
	}
	if _, err := strconv.Atoi(port); err != nil {
		fmt.Fprintf(os.Stderr, "invalid port %q: %v\n", port, err)
		os.Exit(1)
	}

	log := hclog.New(&hclog.LoggerOptions{Name: "tollgate", Level: hclog.Info})

	healthChecker := health.NewChecker(health.Options{})
	balancers := map[string]*lb.Balancer{}
	balancerFactory := func(strategy proxyconfig.Strategy, weights map[string]int) router.Balancer {
		b := lb.New(string(strategy), healthChecker, func(backend string) int { return weights[backend] })
		balancers[string(strategy)] = b
		return b
	}

	rt, err := router.New(configPath, log, balancerFactory, healthChecker)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", configPath, err)
		os.Exit(1)
	}
	rt.Start()
	defer rt.Stop()

	cfg := rt.CurrentConfig()

	var limiterAlgo ratelimit.Algorithm
	switch cfg.RateLimiter.Strategy {
	case "sliding-window":
		limiterAlgo = ratelimit.SlidingWindow
	case "fixed-window":
		limiterAlgo = ratelimit.FixedWindow
	default:
		limiterAlgo = ratelimit.TokenBucket
	}
	window := time.Duration(cfg.RateLimiter.WindowSecs) * time.Second
	if window <= 0 {
		window = time.Minute
	}
	limiter := ratelimit.New(limiterAlgo, cfg.RateLimiter.MaxRequests, window)
	defer limiter.Stop()

	breakerTimeout := time.Duration(cfg.CircuitBreaker.TimeoutSecs) * time.Second
	if breakerTimeout <= 0 {
		breakerTimeout = 30 * time.Second
	}
	breaker := circuit.NewBreaker(cfg.CircuitBreaker.FailureThreshold, breakerTimeout, cfg.CircuitBreaker.HalfOpenRequests)

	pool := connpool.New(0, 2*time.Minute, nil)

	var accessSink accesslog.Sink = accesslog.NewConsoleSink(log.Named("access"))
	if *accessLogPath != "" {
		fileSink, err := accesslog.NewFileSink(*accessLogPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open access log %s: %v\n", *accessLogPath, err)
			os.Exit(1)
		}
		accessSink = accesslog.MultiSink{accessSink, fileSink}
		defer accessSink.Close()
	}

	var staticHandler *staticfiles.Handler
	if info, err := os.Stat(*staticRoot); err == nil {
		_ = info
		staticHandler = staticfiles.New(*staticRoot, nil)
	}

	deps := dispatch.Deps{
		Router:         rt,
		Limiter:        limiter,
		Breaker:        breaker,
		Health:         healthChecker,
		Pool:           pool,
		Admin:          &admin.Handler{Router: rt, Limiter: limiter, Breaker: breaker, Health: healthChecker},
		Access:         accessSink,
		Static:         staticHandler,
		Log:            log,
		RequestTimeout: time.Duration(cfg.Timeouts.RequestSecs) * time.Second,
		IdleTimeout:    time.Duration(cfg.Timeouts.IdleSecs) * time.Second,
	}

	if *redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		rt.WatchRedisReload(ctx, rdb, *redisChannel)
		defer rdb.Close()
	}

	srv := server.New(":"+port, nil, deps, log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	log.Info("tollgate started", "port", port, "config", configPath)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "listen failed: %v\n", err)
		os.Exit(1)
	case <-stop:
		log.Info("shutting down")
		srv.Close()
	}
}
