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

package httpparse

import "testing"

func TestFindHeaderEnd(t *testing.T) {
	buf := []byte("GET / HTTP/1.1\r\nHost: a\r\n\r\nbody-bytes")
	end := FindHeaderEnd(buf, DefaultMaxHeaderBytes)
	if end <= 0 || end > len(buf) {
		t.Fatalf("expected a valid terminator index, got %d", end)
	}
	if string(buf[end:]) != "body-bytes" {
		t.Fatalf("expected terminator to end exactly before the body, got %q", string(buf[end:]))
	}
}

func TestFindHeaderEnd_NotFoundWithinLimit(t *testing.T) {
	buf := []byte("GET / HTTP/1.1\r\nHost: a\r\n")
	if end := FindHeaderEnd(buf, DefaultMaxHeaderBytes); end != -1 {
		t.Fatalf("expected -1 for missing terminator, got %d", end)
	}
}

func TestParse_Basic(t *testing.T) {
	raw := "GET /widgets?x=1 HTTP/1.1\r\nHost: example.com\r\nX-Foo: Bar\r\n\r\n"
	req, err := Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if req.Method != "GET" || req.Path != "/widgets?x=1" || req.Version != "HTTP/1.1" {
		t.Fatalf("unexpected request line parse: %+v", req)
	}
	if req.Host != "example.com" {
		t.Fatalf("expected Host example.com, got %q", req.Host)
	}
	if got := req.Header("x-foo"); got != "Bar" {
		t.Fatalf("expected case-insensitive lookup to find Bar, got %q", got)
	}
	if req.Headers[1].Name != "X-Foo" {
		t.Fatalf("expected original casing preserved, got %q", req.Headers[1].Name)
	}
}

func TestParse_ChunkedIgnoresContentLength(t *testing.T) {
	raw := "POST /x HTTP/1.1\r\nContent-Length: 10\r\nTransfer-Encoding: chunked\r\n\r\n"
	req, err := Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if !req.Chunked {
		t.Fatal("expected chunked true")
	}
	if req.BodyLength != 0 {
		t.Fatalf("expected Content-Length ignored when chunked, got %d", req.BodyLength)
	}
}

func TestParse_ContentLength(t *testing.T) {
	raw := "POST /x HTTP/1.1\r\nContent-Length: 42\r\n\r\n"
	req, err := Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if req.BodyLength != 42 {
		t.Fatalf("expected BodyLength 42, got %d", req.BodyLength)
	}
}

func TestParse_InvalidContentLengthDefaultsToZero(t *testing.T) {
	raw := "POST /x HTTP/1.1\r\nContent-Length: not-a-number\r\n\r\n"
	req, err := Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if req.BodyLength != 0 {
		t.Fatalf("expected invalid Content-Length to default to 0, got %d", req.BodyLength)
	}
}

func TestParse_WrongArityRequestLine(t *testing.T) {
	raw := "GET / HTTP/1.1 extra\r\nHost: a\r\n\r\n"
	if _, err := Parse([]byte(raw)); err != ErrBadRequest {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
}

func TestParse_HeaderLineMissingColon(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nHostexample.com\r\n\r\n"
	if _, err := Parse([]byte(raw)); err != ErrBadRequest {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
}

func TestParse_HeaderAllReturnsEveryMatch(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nX-Forwarded-For: 1.1.1.1\r\nX-Forwarded-For: 2.2.2.2\r\n\r\n"
	req, err := Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	got := req.HeaderAll("x-forwarded-for")
	if len(got) != 2 || got[0] != "1.1.1.1" || got[1] != "2.2.2.2" {
		t.Fatalf("unexpected HeaderAll result: %v", got)
	}
}
