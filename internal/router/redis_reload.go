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

package router

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// WatchRedisReload subscribes to channel on rdb and forces an immediate
// Reload on every message, letting an operator push a config change to a
// fleet of instances without waiting on the 1s mtime poll. This is purely
// additive to the file watcher in Start; nothing here persists rate-limit
// or circuit state, so it does not reintroduce the distributed state the
// proxy explicitly avoids.
func (r *Router) WatchRedisReload(ctx context.Context, rdb *redis.Client, channel string) {
	sub := rdb.Subscribe(ctx, channel)
	ch := sub.Channel()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer sub.Close()
		for {
			select {
			case <-r.stopChan:
				return
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				r.mu.Lock()
				if err := r.Reload(); err != nil {
					r.log.Warn("redis-triggered reload failed, keeping current config", "error", err)
				}
				r.mu.Unlock()
			}
		}
	}()
}
