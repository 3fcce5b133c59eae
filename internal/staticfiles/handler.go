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

// Package staticfiles implements the single-file and directory static
// handler of spec.md §4.9: range requests, conditional GET, gzip streaming,
// directory listings, and traversal protection — writing directly to an
// io.Writer rather than through net/http's server machinery, so the same
// code path serves both plain TCP and TLS client connections.
package staticfiles

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

var compressibleTypes = map[string]bool{
	"text/html":              true,
	"text/plain":             true,
	"text/css":               true,
	"application/javascript": true,
	"text/javascript":        true,
	"application/json":       true,
	"application/xml":        true,
	"text/xml":               true,
	"image/svg+xml":          true,
}

// ErrorPages maps a status code to a file path to serve instead of the
// built-in styled error body; nil or missing entries fall back to default.
type ErrorPages map[int]string

// Handler serves files rooted at Root (a filesystem path with no `file://`
// prefix — callers strip that before constructing a Handler).
type Handler struct {
	Root       string
	ErrorPages ErrorPages
}

// New builds a Handler. root must already have any `file://` scheme
// stripped.
func New(root string, errorPages ErrorPages) *Handler {
	return &Handler{Root: root, ErrorPages: errorPages}
}

// ServeRequest writes a complete HTTP/1.1 response for requestPath to w.
// headers is the full request header set, used for conditional/range/
// compression negotiation.
func (h *Handler) ServeRequest(w io.Writer, requestPath string, headers map[string]string) error {
	if strings.Contains(requestPath, "..") {
		return writeStatus(w, 403, "Forbidden", h.errorBody(403, "Forbidden"))
	}

	fi, err := os.Stat(h.Root)
	if err != nil {
		return writeStatus(w, 404, "Not Found", h.errorBody(404, "Not Found"))
	}

	var target string
	if !fi.IsDir() {
		// Single-file route: rootPath points directly at a regular file and
		// is served regardless of requestPath.
		target = h.Root
	} else {
		clean := path.Clean("/" + requestPath)
		candidate := filepath.Join(h.Root, filepath.FromSlash(clean))
		absRoot, err := filepath.Abs(h.Root)
		if err != nil {
			return writeStatus(w, 500, "Internal Server Error", h.errorBody(500, "Internal Server Error"))
		}
		absCandidate, err := filepath.Abs(candidate)
		if err != nil || !withinRoot(absRoot, absCandidate) {
			return writeStatus(w, 403, "Forbidden", h.errorBody(403, "Forbidden"))
		}
		target = absCandidate
	}

	info, err := os.Stat(target)
	if os.IsNotExist(err) {
		return writeStatus(w, 404, "Not Found", h.errorBody(404, "Not Found"))
	}
	if err != nil {
		return writeStatus(w, 500, "Internal Server Error", h.errorBody(500, "Internal Server Error"))
	}

	if info.IsDir() {
		indexPath := filepath.Join(target, "index.html")
		if idxInfo, err := os.Stat(indexPath); err == nil && !idxInfo.IsDir() {
			return h.serveFile(w, indexPath, idxInfo, requestPath, headers)
		}
		return h.serveDirectoryListing(w, target, requestPath)
	}

	return h.serveFile(w, target, info, requestPath, headers)
}

func withinRoot(absRoot, absCandidate string) bool {
	rel, err := filepath.Rel(absRoot, absCandidate)
	if err != nil {
		return false
	}
	return rel == "." || !strings.HasPrefix(rel, "..")
}

func (h *Handler) serveFile(w io.Writer, fullPath string, info os.FileInfo, requestPath string, headers map[string]string) error {
	contentType := contentTypeFor(fullPath)
	etag := computeETag(info)
	lastMod := info.ModTime().UTC().Format(http.TimeFormat)

	if inm := headerLookup(headers, "If-None-Match"); inm != "" && etagMatches(inm, etag) {
		return writeNotModified(w, etag, lastMod)
	}
	if ims := headerLookup(headers, "If-Modified-Since"); ims != "" {
		if t, err := http.ParseTime(ims); err == nil && !info.ModTime().After(t.Add(time.Second)) {
			return writeNotModified(w, etag, lastMod)
		}
	}

	f, err := os.Open(fullPath)
	if err != nil {
		return writeStatus(w, 500, "Internal Server Error", h.errorBody(500, "Internal Server Error"))
	}
	defer f.Close()

	size := info.Size()
	if rng := headerLookup(headers, "Range"); rng != "" {
		start, end, ok := parseRange(rng, size)
		if !ok {
			hdr := map[string]string{"Content-Range": fmt.Sprintf("bytes */%d", size)}
			return writeStatusWithHeaders(w, 416, "Range Not Satisfiable", hdr, h.errorBody(416, "Range Not Satisfiable"))
		}
		return h.serveRange(w, f, start, end, size, contentType, etag, lastMod)
	}

	if acceptsGzip(headerLookup(headers, "Accept-Encoding")) && compressibleTypes[contentType] {
		return h.serveGzipped(w, f, contentType, etag, lastMod)
	}

	hdr := map[string]string{
		"Content-Type":   contentType,
		"Content-Length": strconv.FormatInt(size, 10),
		"ETag":           etag,
		"Last-Modified":  lastMod,
	}
	if err := writeHeaderBlock(w, 200, "OK", hdr); err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

func (h *Handler) serveRange(w io.Writer, f *os.File, start, end, size int64, contentType, etag, lastMod string) error {
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return err
	}
	length := end - start + 1
	hdr := map[string]string{
		"Content-Type":   contentType,
		"Content-Range":  fmt.Sprintf("bytes %d-%d/%d", start, end, size),
		"Content-Length": strconv.FormatInt(length, 10),
		"ETag":           etag,
		"Last-Modified":  lastMod,
	}
	if err := writeHeaderBlock(w, 206, "Partial Content", hdr); err != nil {
		return err
	}
	_, err := io.CopyN(w, f, length)
	return err
}

func (h *Handler) serveGzipped(w io.Writer, f *os.File, contentType, etag, lastMod string) error {
	hdr := map[string]string{
		"Content-Type":      contentType,
		"Content-Encoding":  "gzip",
		"Transfer-Encoding": "chunked",
		"ETag":              etag,
		"Last-Modified":     lastMod,
	}
	if err := writeHeaderBlock(w, 200, "OK", hdr); err != nil {
		return err
	}
	cw := &chunkedWriter{w: bufio.NewWriter(w)}
	gz := gzip.NewWriter(cw)
	if _, err := io.Copy(gz, f); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	if err := cw.finish(); err != nil {
		return err
	}
	return cw.w.Flush()
}

// chunkedWriter re-emits writes as HTTP/1.1 chunked framing.
type chunkedWriter struct{ w *bufio.Writer }

func (c *chunkedWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := fmt.Fprintf(c.w, "%x\r\n", len(p)); err != nil {
		return 0, err
	}
	if _, err := c.w.Write(p); err != nil {
		return 0, err
	}
	if _, err := c.w.WriteString("\r\n"); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *chunkedWriter) finish() error {
	_, err := c.w.WriteString("0\r\n\r\n")
	return err
}

func (h *Handler) serveDirectoryListing(w io.Writer, dir, requestPath string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return writeStatus(w, 500, "Internal Server Error", h.errorBody(500, "Internal Server Error"))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var b strings.Builder
	b.WriteString("<html><head><title>Index of ")
	b.WriteString(requestPath)
	b.WriteString("</title></head><body><h1>Index of ")
	b.WriteString(requestPath)
	b.WriteString("</h1><ul>")
	b.WriteString(`<li><a href="../">../</a></li>`)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		b.WriteString(fmt.Sprintf(`<li><a href="%s">%s</a></li>`, name, name))
	}
	b.WriteString("</ul></body></html>")

	body := b.String()
	hdr := map[string]string{
		"Content-Type":   "text/html; charset=utf-8",
		"Content-Length": strconv.Itoa(len(body)),
	}
	if err := writeHeaderBlock(w, 200, "OK", hdr); err != nil {
		return err
	}
	_, err = io.WriteString(w, body)
	return err
}

func (h *Handler) errorBody(status int, fallback string) []byte {
	if h.ErrorPages != nil {
		if p, ok := h.ErrorPages[status]; ok {
			if data, err := os.ReadFile(p); err == nil {
				return data
			}
		}
	}
	return []byte(fmt.Sprintf("<html><body><h1>%d %s</h1></body></html>", status, fallback))
}

func contentTypeFor(name string) string {
	ext := filepath.Ext(name)
	if ct := mime.TypeByExtension(ext); ct != "" {
		return strings.Split(ct, ";")[0]
	}
	return "application/octet-stream"
}

func computeETag(info os.FileInfo) string {
	return fmt.Sprintf("%q", fmt.Sprintf("%x-%x", info.ModTime().UnixMilli(), info.Size()))
}

func etagMatches(ifNoneMatch, etag string) bool {
	if ifNoneMatch == "*" {
		return true
	}
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		if strings.TrimSpace(candidate) == etag {
			return true
		}
	}
	return false
}

func acceptsGzip(acceptEncoding string) bool {
	return strings.Contains(strings.ToLower(acceptEncoding), "gzip")
}

// parseRange parses a "bytes=<spec>" header value; spec is "start-end",
// "start-", or "-suffix". Returns ok=false for anything unsatisfiable.
func parseRange(header string, size int64) (start, end int64, ok bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, false
	}
	spec := strings.TrimPrefix(header, prefix)
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}

	if parts[0] == "" {
		suffix, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || suffix <= 0 {
			return 0, 0, false
		}
		if suffix > size {
			suffix = size
		}
		start = size - suffix
		end = size - 1
	} else {
		s, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return 0, 0, false
		}
		start = s
		if parts[1] == "" {
			end = size - 1
		} else {
			e, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return 0, 0, false
			}
			end = e
		}
	}

	if start < 0 || end < start || end >= size {
		return 0, 0, false
	}
	return start, end, true
}

func headerLookup(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func writeStatus(w io.Writer, status int, reason string, body []byte) error {
	hdr := map[string]string{
		"Content-Type":   "text/html; charset=utf-8",
		"Content-Length": strconv.Itoa(len(body)),
	}
	if err := writeHeaderBlock(w, status, reason, hdr); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func writeStatusWithHeaders(w io.Writer, status int, reason string, extra map[string]string, body []byte) error {
	hdr := map[string]string{
		"Content-Type":   "text/html; charset=utf-8",
		"Content-Length": strconv.Itoa(len(body)),
	}
	for k, v := range extra {
		hdr[k] = v
	}
	if err := writeHeaderBlock(w, status, reason, hdr); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func writeNotModified(w io.Writer, etag, lastMod string) error {
	hdr := map[string]string{"ETag": etag, "Last-Modified": lastMod}
	return writeHeaderBlock(w, 304, "Not Modified", hdr)
}

func writeHeaderBlock(w io.Writer, status int, reason string, headers map[string]string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, reason)
	for k, v := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("\r\n")
	_, err := io.WriteString(w, b.String())
	return err
}
