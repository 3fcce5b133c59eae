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

package admin

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"net"
	"strings"

	"github.com/ealvarez/tollgate/internal/proxyconfig"
)

// Authenticate implements spec.md §4.14: any of Bearer API key, Basic auth
// against the salted-hash table, or source-IP whitelist (CIDR, IPv4/IPv6)
// admits the request. With no method configured, every request is allowed.
func Authenticate(cfg proxyconfig.AdminConfig, authorizationHeader, clientIP string) bool {
	if len(cfg.APIKeys) == 0 && len(cfg.BasicUsers) == 0 && len(cfg.IPWhitelist) == 0 {
		return true
	}
	if ipAllowed(cfg.IPWhitelist, clientIP) {
		return true
	}
	if bearerAllowed(cfg.APIKeys, authorizationHeader) {
		return true
	}
	if basicAllowed(cfg.BasicUsers, authorizationHeader) {
		return true
	}
	return false
}

func bearerAllowed(keys []string, authHeader string) bool {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return false
	}
	presented := strings.TrimPrefix(authHeader, prefix)
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(presented), []byte(k)) == 1 {
			return true
		}
	}
	return false
}

func basicAllowed(users []proxyconfig.AdminAuthBasicUser, authHeader string) bool {
	const prefix = "Basic "
	if !strings.HasPrefix(authHeader, prefix) {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(authHeader, prefix))
	if err != nil {
		return false
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return false
	}
	username, password := parts[0], parts[1]
	for _, u := range users {
		if u.Username != username {
			continue
		}
		sum := sha256.Sum256([]byte(u.Salt + password))
		computed := hex.EncodeToString(sum[:])
		if subtle.ConstantTimeCompare([]byte(computed), []byte(u.PasswdHash)) == 1 {
			return true
		}
	}
	return false
}

func ipAllowed(whitelist []string, clientIP string) bool {
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	for _, entry := range whitelist {
		if strings.Contains(entry, "/") {
			_, cidr, err := net.ParseCIDR(entry)
			if err == nil && cidr.Contains(ip) {
				return true
			}
			continue
		}
		if net.ParseIP(entry) != nil && net.ParseIP(entry).Equal(ip) {
			return true
		}
	}
	return false
}

// HashPassword is a helper for operators provisioning BasicUsers entries
// offline; not used on the request path.
func HashPassword(salt, password string) string {
	sum := sha256.Sum256([]byte(salt + password))
	return hex.EncodeToString(sum[:])
}
