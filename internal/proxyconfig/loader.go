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

package proxyconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces every ${NAME} occurrence in a JSON document's string
// content with the corresponding environment variable, leaving the
// reference untouched when the variable is unset. Because the substitution
// runs over the raw document text, C-style escapes inside JSON strings
// (\n, \t, \\, \", \uXXXX, ...) are left to encoding/json's own decoder,
// which already implements the JSON string escape grammar.
func expandEnv(doc []byte) []byte {
	return envPattern.ReplaceAllFunc(doc, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		if v, ok := os.LookupEnv(string(name)); ok {
			return []byte(v)
		}
		return match
	})
}

// Load reads, expands, and parses the route configuration file at path. It
// does not validate the result; call Validate separately so callers can
// decide whether to reject or merely warn about an invalid candidate.
func Load(path string) (*RouteConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	expanded := expandEnv(raw)

	var cfg RouteConfig
	if err := json.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Raw = json.RawMessage(append([]byte(nil), raw...))
	if cfg.LoadBalancerStrategy == "" {
		cfg.LoadBalancerStrategy = RoundRobin
	}
	return &cfg, nil
}
