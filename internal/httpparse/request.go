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

// Package httpparse parses raw HTTP/1.1 request-line and header bytes
// without going through net/http's server machinery, per spec.md §4.1 —
// the dispatcher needs the exact header byte length and the raw
// chunked/Content-Length classification that net/http's Request hides.
package httpparse

import (
	"errors"
	"strconv"
	"strings"
)

// ErrBadRequest is returned for any malformed request line, missing header
// terminator, or malformed header line. Callers map this 1:1 to a 400
// response.
var ErrBadRequest = errors.New("bad request")

// DefaultMaxHeaderBytes is the default header-terminator search limit.
const DefaultMaxHeaderBytes = 8 * 1024

// Header is a single header line, original casing preserved for
// forwarding; lookups are done case-insensitively via Request.Header.
type Header struct {
	Name  string
	Value string
}

// Request is the parsed value produced by Parse.
type Request struct {
	Method  string
	Path    string
	Version string

	Headers      []Header
	HeaderLength int
	BodyLength   int64
	Chunked      bool
	Host         string
}

// Header returns the first header value matching name, case-insensitively,
// or "" if absent.
func (r *Request) Header(name string) string {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// HeaderAll returns every header value matching name, case-insensitively,
// in original order — used for headers like X-Forwarded-For that may
// legally repeat.
func (r *Request) HeaderAll(name string) []string {
	var out []string
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			out = append(out, h.Value)
		}
	}
	return out
}

// FindHeaderEnd scans buf for the CRLF CRLF terminator, returning the index
// just past it, or -1 if not yet found. maxBytes bounds how far it will
// look; exceeding it without finding the terminator is a caller-detected
// BAD_REQUEST (the dispatcher keeps reading only up to maxBytes).
func FindHeaderEnd(buf []byte, maxBytes int) int {
	limit := len(buf)
	if maxBytes > 0 && maxBytes < limit {
		limit = maxBytes
	}
	for i := 3; i < limit; i++ {
		if buf[i-3] == '\r' && buf[i-2] == '\n' && buf[i-1] == '\r' && buf[i] == '\n' {
			return i + 1
		}
	}
	return -1
}

// Parse parses the request line and headers out of head, which must be
// exactly the bytes up to and including the CRLF CRLF terminator (as found
// by FindHeaderEnd). It never looks at body bytes.
func Parse(head []byte) (*Request, error) {
	text := string(head)
	lines := strings.Split(text, "\r\n")
	if len(lines) < 2 {
		return nil, ErrBadRequest
	}

	requestLine := strings.Fields(lines[0])
	if len(requestLine) != 3 {
		return nil, ErrBadRequest
	}

	req := &Request{
		Method:       requestLine[0],
		Path:         requestLine[1],
		Version:      requestLine[2],
		HeaderLength: len(head),
	}

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return nil, ErrBadRequest
		}
		name := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if name == "" {
			return nil, ErrBadRequest
		}
		req.Headers = append(req.Headers, Header{Name: name, Value: value})
	}

	req.Host = req.Header("Host")
	if te := req.Header("Transfer-Encoding"); strings.Contains(strings.ToLower(te), "chunked") {
		req.Chunked = true
	} else if cl := req.Header("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
			req.BodyLength = n
		}
	}

	return req, nil
}
