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

package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"
)

// Limiter is the per-(client-ip, path) admission gate described in
// spec.md §4.2. Buckets live in a sync.Map keyed by "clientIp|path", with a
// background sweeper evicting buckets idle for at least 10x window.
type Limiter struct {
	buckets sync.Map // key string -> *bucket

	algo        Algorithm
	maxRequests int
	window      time.Duration

	activeClients int64 // approximate distinct-key count, maintained on insert/evict
	totalRejects  int64

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32
}

// New constructs a Limiter and starts its background sweeper.
func New(algo Algorithm, maxRequests int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Second
	}
	l := &Limiter{
		algo:        algo,
		maxRequests: maxRequests,
		window:      window,
		stopChan:    make(chan struct{}),
	}
	l.wg.Add(1)
	go l.sweepLoop()
	return l
}

func key(clientIP, path string) string { return clientIP + "|" + path }

// Allow decides whether a request from clientIP to path is admitted.
func (l *Limiter) Allow(clientIP, path string) (admitted bool, remaining int, resetSeconds int) {
	now := time.Now()
	k := key(clientIP, path)

	v, loaded := l.buckets.Load(k)
	var b *bucket
	if loaded {
		b = v.(*bucket)
	} else {
		b = newBucket(now, l.maxRequests)
		actual, existed := l.buckets.LoadOrStore(k, b)
		if existed {
			b = actual.(*bucket)
		} else {
			atomic.AddInt64(&l.activeClients, 1)
		}
	}

	admitted, remaining, resetSeconds = b.tryAdmit(l.algo, l.maxRequests, l.window, now)
	if !admitted {
		atomic.AddInt64(&l.totalRejects, 1)
	}
	return admitted, remaining, resetSeconds
}

// Reset drops all bucket state, as if the limiter had just started.
func (l *Limiter) Reset() {
	l.buckets.Range(func(k, _ interface{}) bool {
		l.buckets.Delete(k)
		return true
	})
	atomic.StoreInt64(&l.activeClients, 0)
}

// ActiveClientCount returns the number of buckets currently tracked.
func (l *Limiter) ActiveClientCount() int { return int(atomic.LoadInt64(&l.activeClients)) }

// TotalRejected returns the cumulative number of denied admissions.
func (l *Limiter) TotalRejected() int64 { return atomic.LoadInt64(&l.totalRejects) }

// Strategy, MaxRequests, and Window expose the limiter's static
// configuration for the admin /admin/ratelimit endpoint.
func (l *Limiter) Strategy() Algorithm  { return l.algo }
func (l *Limiter) MaxRequests() int     { return l.maxRequests }
func (l *Limiter) Window() time.Duration { return l.window }

// Stop halts the background sweeper. Safe to call more than once.
func (l *Limiter) Stop() {
	if !atomic.CompareAndSwapUint32(&l.stopped, 0, 1) {
		return
	}
	close(l.stopChan)
	l.wg.Wait()
}

func (l *Limiter) sweepLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweepOnce()
		case <-l.stopChan:
			return
		}
	}
}

func (l *Limiter) sweepOnce() {
	now := time.Now()
	idleCutoff := 10 * l.window
	l.buckets.Range(func(k, v interface{}) bool {
		b := v.(*bucket)
		if b.idleSince(now) >= idleCutoff {
			l.buckets.Delete(k)
			atomic.AddInt64(&l.activeClients, -1)
		}
		return true
	})
}
