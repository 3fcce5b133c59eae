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

// Package server owns the listener accept loop of spec.md §5: one goroutine
// per accepted connection, each handed off to a dispatch.Worker. TLS is
// optional; every connection, plain or TLS, is served as HTTP/1.1 only.
// ALPN never advertises h2 since no H2 frame layer is implemented, per
// spec.md §9's resolved Open Question.
package server

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/ealvarez/tollgate/internal/dispatch"
)

// TLSConfig controls the optional TLS listener. A nil *tls.Config disables
// TLS entirely and Server listens in plaintext.
type TLSConfig struct {
	Config *tls.Config
}

// Server accepts connections on one address and spawns one dispatch.Worker
// goroutine per connection.
type Server struct {
	addr string
	tls  *tls.Config
	deps dispatch.Deps
	log  hclog.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	closing  bool
}

// New constructs a Server bound to addr. tlsCfg may be nil for plaintext.
func New(addr string, tlsCfg *tls.Config, deps dispatch.Deps, log hclog.Logger) *Server {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if tlsCfg != nil && len(tlsCfg.NextProtos) == 0 {
		tlsCfg.NextProtos = []string{"http/1.1"}
	}
	return &Server{addr: addr, tls: tlsCfg, deps: deps, log: log}
}

// ListenAndServe binds addr and blocks, accepting connections until Close is
// called or the listener errors out.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	if s.tls != nil {
		ln = tls.NewListener(ln, s.tls)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("listening", "addr", s.addr, "tls", s.tls != nil)

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return nil
			}
			var ne net.Error
			if ok := asNetError(err, &ne); ok && ne.Temporary() {
				continue
			}
			return err
		}
		s.wg.Add(1)
		go s.handle(conn)
	}
}

func asNetError(err error, target *net.Error) bool {
	if ne, ok := err.(net.Error); ok {
		*target = ne
		return true
	}
	return false
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	_, isTLS := conn.(*tls.Conn)
	worker := dispatch.New(s.deps, conn, conn.RemoteAddr(), isTLS)
	worker.Serve(context.Background())
}

// Close stops accepting new connections and waits up to 5s for in-flight
// connections to finish their current request before returning.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closing = true
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	if err := ln.Close(); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("shutdown timed out waiting for connections to drain")
	}
	return nil
}
