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

// Package wsrelay implements the WebSocket upgrade detection and
// byte-level relay of spec.md §4.10. It never parses RFC 6455 frames on
// the primary path: once the backend's 101 response clears, bytes flow
// opaquely in both directions.
package wsrelay

import (
	"crypto/sha1"
	"encoding/base64"
	"strings"

	"github.com/ealvarez/tollgate/internal/httpparse"
)

const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// IsUpgrade reports whether req is a WebSocket upgrade request: an
// Upgrade: websocket header plus a Connection header containing "upgrade".
func IsUpgrade(req *httpparse.Request) bool {
	upgrade := strings.ToLower(req.Header("Upgrade"))
	conn := strings.ToLower(req.Header("Connection"))
	return strings.Contains(upgrade, "websocket") && strings.Contains(conn, "upgrade")
}

// AcceptKey computes Sec-WebSocket-Accept from a Sec-WebSocket-Key per
// RFC 6455 §1.3.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key + websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
