// Copyright 2025 Tom Barlow
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

package engine

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/tombee/foreman/internal/cache"
)

// toolProbeTimeout bounds each version probe so a hung tool cannot stall a
// run.
const toolProbeTimeout = 10 * time.Second

// versionFlags are tried in order until one exits zero with output.
var versionFlags = []string{"--version", "-V", "version"}

// toolHints maps common tools to install guidance surfaced when a required
// tool cannot be found.
var toolHints = map[string]string{
	"npm":     "Install Node.js (includes npm) or fix PATH.",
	"node":    "Install Node.js or fix PATH.",
	"pytest":  "Install pytest (e.g., pip install pytest).",
	"ruff":    "Install ruff (e.g., pip install ruff).",
	"docker":  "Install Docker and ensure the daemon is running.",
	"python3": "Install Python 3 or fix PATH (python3).",
	"go":      "Install Go or fix PATH.",
}

// MissingToolHint returns install guidance for a tool, or "" when none is
// known.
func MissingToolHint(tool string) string {
	return toolHints[tool]
}

// ToolResolver discovers tool versions by execing the tool with common
// version flags. Results are cached for the lifetime of the resolver so they
// are stable within a run.
type ToolResolver struct {
	mu    sync.Mutex
	cache map[string]cached
}

type cached struct {
	version string
	ok      bool
}

// Compile-time interface assertion.
var _ cache.ToolVersions = (*ToolResolver)(nil)

// NewToolResolver creates an empty resolver.
func NewToolResolver() *ToolResolver {
	return &ToolResolver{cache: make(map[string]cached)}
}

// Version implements cache.ToolVersions.
func (r *ToolResolver) Version(tool string) (string, bool) {
	r.mu.Lock()
	if c, ok := r.cache[tool]; ok {
		r.mu.Unlock()
		return c.version, c.ok
	}
	r.mu.Unlock()

	version, ok := probe(tool)

	r.mu.Lock()
	r.cache[tool] = cached{version: version, ok: ok}
	r.mu.Unlock()
	return version, ok
}

func probe(tool string) (string, bool) {
	for _, flag := range versionFlags {
		ctx, cancel := context.WithTimeout(context.Background(), toolProbeTimeout)
		cmd := exec.CommandContext(ctx, tool, flag)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		err := cmd.Run()
		cancel()
		if err != nil {
			continue
		}

		text := strings.TrimSpace(stdout.String())
		if text == "" {
			text = strings.TrimSpace(stderr.String())
		}
		if text != "" {
			// Collapse whitespace so the string hashes stably.
			return strings.Join(strings.Fields(text), " "), true
		}
	}
	return "", false
}

// StaticToolVersions is a fixed tool-version table, used by tests.
type StaticToolVersions map[string]string

// Version implements cache.ToolVersions.
func (s StaticToolVersions) Version(tool string) (string, bool) {
	v, ok := s[tool]
	return v, ok
}
