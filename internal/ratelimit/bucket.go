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

// Package ratelimit implements the per-(client-ip, path) admission bucket
// described in spec.md §4.2: token-bucket, sliding-window, and fixed-window
// algorithms sharing one admission contract.
package ratelimit

import (
	"sync"
	"time"
)

// Algorithm selects which bucket shape backs admission decisions.
type Algorithm string

const (
	TokenBucket   Algorithm = "token-bucket"
	SlidingWindow Algorithm = "sliding-window"
	FixedWindow   Algorithm = "fixed-window"
)

// bucket is the mutex-guarded admission state for one (clientIp, path) pair.
// Every algorithm is checked and mutated under the same lock so admission is
// atomic per bucket, as required by spec.md §5; buckets across keys are
// fully independent.
type bucket struct {
	mu sync.Mutex

	// token-bucket
	tokens     float64
	lastRefill time.Time

	// sliding-window
	hits []time.Time

	// fixed-window
	windowStart time.Time
	count       int

	lastAccess time.Time
}

func newBucket(now time.Time, maxRequests int) *bucket {
	return &bucket{
		tokens:      float64(maxRequests),
		lastRefill:  now,
		windowStart: now,
		lastAccess:  now,
	}
}

// tryAdmit evaluates the configured algorithm and returns whether the
// request is admitted, how many requests remain in the current
// window/bucket, and how many seconds until the window resets.
func (b *bucket) tryAdmit(algo Algorithm, maxRequests int, window time.Duration, now time.Time) (admitted bool, remaining int, resetSeconds int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastAccess = now

	if maxRequests <= 0 {
		return false, 0, int(window.Seconds())
	}

	switch algo {
	case SlidingWindow:
		return b.trySlidingWindow(maxRequests, window, now)
	case FixedWindow:
		return b.tryFixedWindow(maxRequests, window, now)
	default:
		return b.tryTokenBucket(maxRequests, window, now)
	}
}

// tryTokenBucket refills at rate maxRequests/window since lastRefill,
// capped at maxRequests, then consumes one token if available. This mirrors
// pkg/vsa.VSA.TryConsume's "check-and-update under one lock" shape.
func (b *bucket) tryTokenBucket(maxRequests int, window time.Duration, now time.Time) (bool, int, int) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		refillRate := float64(maxRequests) / window.Seconds()
		b.tokens += elapsed * refillRate
		if b.tokens > float64(maxRequests) {
			b.tokens = float64(maxRequests)
		}
		b.lastRefill = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true, int(b.tokens), int(window.Seconds())
	}
	// Seconds until at least one token is available.
	refillRate := float64(maxRequests) / window.Seconds()
	needed := (1 - b.tokens) / refillRate
	return false, 0, int(needed) + 1
}

func (b *bucket) trySlidingWindow(maxRequests int, window time.Duration, now time.Time) (bool, int, int) {
	cutoff := now.Add(-window)
	kept := b.hits[:0]
	for _, t := range b.hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.hits = kept
	if len(b.hits) >= maxRequests {
		resetAt := b.hits[0].Add(window)
		return false, 0, int(resetAt.Sub(now).Seconds()) + 1
	}
	b.hits = append(b.hits, now)
	return true, maxRequests - len(b.hits), int(window.Seconds())
}

func (b *bucket) tryFixedWindow(maxRequests int, window time.Duration, now time.Time) (bool, int, int) {
	if now.Sub(b.windowStart) >= window {
		b.windowStart = now
		b.count = 0
	}
	resetSeconds := int(window.Seconds() - now.Sub(b.windowStart).Seconds())
	if b.count >= maxRequests {
		return false, 0, resetSeconds
	}
	b.count++
	return true, maxRequests - b.count, resetSeconds
}

func (b *bucket) idleSince(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Sub(b.lastAccess)
}
