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

// Package circuit implements the per-backend circuit breaker of spec.md
// §3/§4.3: a shared, process-wide singleton with closed/open/half-open
// states. Success/failure transitions are CAS loops; admission in OPEN and
// HALF_OPEN is serialized by a small per-backend mutex.
package circuit

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is the externally observable tag of a backend's circuit.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// snapshot is the immutable value swapped atomically on every transition: a
// 3-state tagged union with rolling counters, replaced wholesale by CAS on
// state change rather than mutated in place.
type snapshot struct {
	state        State
	since        time.Time
	failureCount int
	successCount int
	inFlight     int32
}

// circuitEntry owns one backend's atomic state pointer plus a tiny mutex
// used only to serialize the read-modify-write of a transition; no
// suspension ever happens while the mutex is held.
type circuitEntry struct {
	mu    sync.Mutex
	state atomic.Pointer[snapshot]
}

func newEntry() *circuitEntry {
	e := &circuitEntry{}
	e.state.Store(&snapshot{state: Closed})
	return e
}

// Breaker is the shared singleton all dispatch workers consult. Construct
// one with NewBreaker and hand the same pointer to every worker; do not create a
// breaker per connection (that was the pitfall spec.md §9 calls out).
type Breaker struct {
	entries sync.Map // backend string -> *circuitEntry

	failureThreshold int
	timeout          time.Duration
	halfOpenRequests int

	stateChanges int64
}

// NewBreaker constructs a Breaker with the given policy.
func NewBreaker(failureThreshold int, timeout time.Duration, halfOpenRequests int) *Breaker {
	if halfOpenRequests <= 0 {
		halfOpenRequests = 1
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		timeout:          timeout,
		halfOpenRequests: halfOpenRequests,
	}
}

func (b *Breaker) entryFor(backend string) *circuitEntry {
	if v, ok := b.entries.Load(backend); ok {
		return v.(*circuitEntry)
	}
	e := newEntry()
	actual, _ := b.entries.LoadOrStore(backend, e)
	return actual.(*circuitEntry)
}

// Allow reports whether a request to backend may proceed right now. OPEN
// rejects everything until timeout elapses, at which point the circuit is
// moved to HALF_OPEN and up to halfOpenRequests probes are allowed through
// concurrently.
func (b *Breaker) Allow(backend string) bool {
	e := b.entryFor(backend)
	cur := e.state.Load()

	switch cur.state {
	case Closed:
		return true
	case Open:
		if time.Since(cur.since) < b.timeout {
			return false
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		cur = e.state.Load()
		if cur.state != Open {
			return b.allowSnapshot(cur)
		}
		if time.Since(cur.since) < b.timeout {
			return false
		}
		next := &snapshot{state: HalfOpen, inFlight: 1}
		e.state.Store(next)
		atomic.AddInt64(&b.stateChanges, 1)
		return true
	case HalfOpen:
		e.mu.Lock()
		defer e.mu.Unlock()
		cur = e.state.Load()
		if cur.state != HalfOpen {
			return b.allowSnapshot(cur)
		}
		if cur.inFlight >= int32(b.halfOpenRequests) {
			return false
		}
		next := *cur
		next.inFlight++
		e.state.Store(&next)
		return true
	default:
		return true
	}
}

// allowSnapshot re-evaluates admission after discovering a concurrent
// transition raced ahead of us while we were acquiring the entry lock.
func (b *Breaker) allowSnapshot(s *snapshot) bool {
	switch s.state {
	case Closed:
		return true
	case Open:
		return false
	default:
		return s.inFlight < int32(b.halfOpenRequests)
	}
}

// RecordSuccess reports a clean completion against backend.
func (b *Breaker) RecordSuccess(backend string) {
	e := b.entryFor(backend)
	for {
		cur := e.state.Load()
		switch cur.state {
		case Closed:
			next := &snapshot{state: Closed, successCount: cur.successCount + 1}
			if e.state.CompareAndSwap(cur, next) {
				return
			}
		case HalfOpen:
			next := &snapshot{state: Closed}
			if e.state.CompareAndSwap(cur, next) {
				atomic.AddInt64(&b.stateChanges, 1)
				return
			}
		case Open:
			return
		}
	}
}

// RecordFailure reports a failed attempt against backend.
func (b *Breaker) RecordFailure(backend string) {
	e := b.entryFor(backend)
	for {
		cur := e.state.Load()
		switch cur.state {
		case Closed:
			failures := cur.failureCount + 1
			var next *snapshot
			if b.failureThreshold > 0 && failures >= b.failureThreshold {
				next = &snapshot{state: Open, since: time.Now()}
			} else {
				next = &snapshot{state: Closed, failureCount: failures}
			}
			if e.state.CompareAndSwap(cur, next) {
				if next.state == Open {
					atomic.AddInt64(&b.stateChanges, 1)
				}
				return
			}
		case HalfOpen:
			next := &snapshot{state: Open, since: time.Now()}
			if e.state.CompareAndSwap(cur, next) {
				atomic.AddInt64(&b.stateChanges, 1)
				return
			}
		case Open:
			return
		}
	}
}

// State returns the current tagged state for backend (always Closed for an
// unknown backend, since it has never failed).
func (b *Breaker) State(backend string) State {
	if v, ok := b.entries.Load(backend); ok {
		return v.(*circuitEntry).state.Load().state
	}
	return Closed
}

// Reset restores one backend to CLOSED with cleared counters.
func (b *Breaker) Reset(backend string) {
	e := b.entryFor(backend)
	e.state.Store(&snapshot{state: Closed})
}

// Clear resets every known backend to CLOSED.
func (b *Breaker) Clear() {
	b.entries.Range(func(k, v interface{}) bool {
		v.(*circuitEntry).state.Store(&snapshot{state: Closed})
		return true
	})
}

// Backends lists every backend the breaker has ever seen a result for.
func (b *Breaker) Backends() []string {
	var out []string
	b.entries.Range(func(k, _ interface{}) bool {
		out = append(out, k.(string))
		return true
	})
	return out
}

// Counters exposes the rolling failure/success counters for admin display.
func (b *Breaker) Counters(backend string) (failures, successes int) {
	if v, ok := b.entries.Load(backend); ok {
		s := v.(*circuitEntry).state.Load()
		return s.failureCount, s.successCount
	}
	return 0, 0
}

// StateChanges returns the cumulative count of transitions across all
// backends, used for the circuit_breaker_state_changes metric.
func (b *Breaker) StateChanges() int64 { return atomic.LoadInt64(&b.stateChanges) }
