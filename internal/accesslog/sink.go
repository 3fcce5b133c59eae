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

package accesslog

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// FileSink is a buffered, append-only JSONL writer: one *os.File opened
// O_APPEND, one bufio.Writer under a mutex, periodic flush to bound data
// loss on crash.
type FileSink struct {
	mu        sync.Mutex
	f         *os.File
	w         *bufio.Writer
	lastFlush time.Time
}

// NewFileSink opens (or creates) path in append mode.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileSink{f: f, w: bufio.NewWriterSize(f, 1<<20), lastFlush: time.Now()}, nil
}

// Write appends one JSON line, flushing every 100ms of activity rather than
// on every call.
func (s *FileSink) Write(r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	enc := json.NewEncoder(s.w)
	if err := enc.Encode(&r); err != nil {
		_ = s.w.Flush()
		_ = enc.Encode(&r)
	}
	if time.Since(s.lastFlush) > 100*time.Millisecond {
		_ = s.w.Flush()
		s.lastFlush = time.Now()
	}
}

// Close flushes and closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.w.Flush()
	return s.f.Close()
}

// ConsoleSink writes one leveled line per record via hclog, for operators
// tailing stdout rather than the JSONL file.
type ConsoleSink struct {
	log hclog.Logger
}

// NewConsoleSink wraps an hclog.Logger (NewConsoleSink(nil) builds a
// sensible default at info level).
func NewConsoleSink(log hclog.Logger) *ConsoleSink {
	if log == nil {
		log = hclog.New(&hclog.LoggerOptions{Name: "access", Level: hclog.Info})
	}
	return &ConsoleSink{log: log}
}

func (s *ConsoleSink) Write(r Record) {
	s.log.Info("request",
		"request_id", r.RequestID,
		"client_ip", r.ClientIP,
		"method", r.Method,
		"path", r.Path,
		"status", r.Status,
		"duration_ms", r.DurationMs,
		"bytes_sent", r.BytesSent,
		"backend", r.Backend,
	)
}

func (s *ConsoleSink) Close() error { return nil }
