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

// Package connpool implements the bounded per-backend connection pool of
// spec.md §4.7: a FIFO of idle connections keyed by host:port, capped at a
// configurable depth, with stale connections discarded lazily on acquire
// rather than swept by a background goroutine.
package connpool

import (
	"net"
	"sync"
	"time"
)

const defaultMaxIdle = 10

// idleConn is a pooled connection plus the time it was released, used only
// to drop connections that have sat idle long enough to likely have been
// closed by the backend.
type idleConn struct {
	conn     net.Conn
	returned time.Time
}

// perHost is one backend's idle queue. The mutex only guards the slice
// header; dialing a fresh connection on a miss never holds it.
type perHost struct {
	mu   sync.Mutex
	idle []idleConn
}

// Dialer opens a new connection to addr; normally net.Dialer.Dial, swapped
// out in tests.
type Dialer func(network, addr string) (net.Conn, error)

// Pool is a bounded FIFO connection pool, one queue per host:port.
type Pool struct {
	maxIdle  int
	maxAge   time.Duration
	dial     Dialer
	byTarget sync.Map // host:port -> *perHost
}

// New constructs a Pool. maxIdle <= 0 defaults to 10 per spec.md §4.7.
// maxAge <= 0 disables idle-age eviction (connections are only dropped if
// net.Conn.Write/Read later fails).
func New(maxIdle int, maxAge time.Duration, dial Dialer) *Pool {
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdle
	}
	if dial == nil {
		dial = (&net.Dialer{Timeout: 5 * time.Second}).Dial
	}
	return &Pool{maxIdle: maxIdle, maxAge: maxAge, dial: dial}
}

func (p *Pool) hostFor(target string) *perHost {
	v, _ := p.byTarget.LoadOrStore(target, &perHost{})
	return v.(*perHost)
}

// Acquire pops connections off target's idle queue until it finds one that
// is still usable (or the queue empties), then falls back to dialing a
// fresh connection. "Still usable" is a best-effort liveness probe: reads
// are not blocking here, so a connection is only rejected for exceeding
// maxAge, not for having been closed by the peer (that surfaces as a write
// error to the caller, who should treat it like any other dispatch failure
// and retry on an alternate backend per spec.md §4.8).
func (p *Pool) Acquire(target string) (net.Conn, error) {
	h := p.hostFor(target)
	for {
		h.mu.Lock()
		if len(h.idle) == 0 {
			h.mu.Unlock()
			break
		}
		ic := h.idle[0]
		h.idle = h.idle[1:]
		h.mu.Unlock()

		if p.maxAge > 0 && time.Since(ic.returned) > p.maxAge {
			ic.conn.Close()
			continue
		}
		return ic.conn, nil
	}
	return p.dial("tcp", target)
}

// Release returns conn to target's idle queue if there is room, otherwise
// closes it. Callers must not use conn after calling Release.
func (p *Pool) Release(target string, conn net.Conn) {
	if conn == nil {
		return
	}
	h := p.hostFor(target)
	h.mu.Lock()
	if len(h.idle) >= p.maxIdle {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.idle = append(h.idle, idleConn{conn: conn, returned: time.Now()})
	h.mu.Unlock()
}

// Discard closes conn without returning it to the pool, for use when the
// caller knows the connection is no longer usable (a write error, a
// malformed response).
func (p *Pool) Discard(conn net.Conn) {
	if conn != nil {
		conn.Close()
	}
}

// IdleCount reports the number of idle connections currently pooled for
// target, used by the admin surface and by tests.
func (p *Pool) IdleCount(target string) int {
	v, ok := p.byTarget.Load(target)
	if !ok {
		return 0
	}
	h := v.(*perHost)
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.idle)
}

// CloseAll closes every pooled idle connection across all targets, used on
// shutdown.
func (p *Pool) CloseAll() {
	p.byTarget.Range(func(_, v interface{}) bool {
		h := v.(*perHost)
		h.mu.Lock()
		for _, ic := range h.idle {
			ic.conn.Close()
		}
		h.idle = nil
		h.mu.Unlock()
		return true
	})
}
