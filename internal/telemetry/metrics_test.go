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

package telemetry

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestObserveRequest_DoesNotPanic(t *testing.T) {
	ObserveRequest(200, 15*time.Millisecond, 128, 4096)
	ObserveRequest(502, 3*time.Second, 0, 64)
}

func TestConnectionLifecycle_DoesNotPanic(t *testing.T) {
	ConnectionOpened()
	ConnectionClosed(250 * time.Millisecond)
}

func TestWriteTo_ProducesExposition(t *testing.T) {
	ObserveRequest(200, time.Millisecond, 1, 1)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	WriteTo(rec, req)
	if rec.Code != 200 {
		t.Fatalf("expected 200 from metrics handler, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected non-empty exposition body")
	}
}

func TestUptime_Positive(t *testing.T) {
	if Uptime() < 0 {
		t.Fatal("expected non-negative uptime")
	}
}
