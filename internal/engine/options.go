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
	"log/slog"
	"path/filepath"
	"runtime"

	"github.com/tombee/foreman/internal/cache"
	"github.com/tombee/foreman/internal/selector"
)

// DefaultCacheDir is the cache root relative to the workspace when none is
// configured.
const DefaultCacheDir = ".foreman/cache"

// DefaultLogDir is the step-log root relative to the workspace when none is
// configured.
const DefaultLogDir = ".foreman/logs"

// Options configures one engine instance.
type Options struct {
	// Workspace is the directory jobs run in. Defaults to the current
	// directory; for change-aware selection it must lie inside a git
	// repository.
	Workspace string

	// CacheRoot is the artifact cache directory. Defaults to
	// <workspace>/.foreman/cache.
	CacheRoot string

	// LogDir receives per-step log files. Defaults to
	// <workspace>/.foreman/logs.
	LogDir string

	// Workers bounds parallel job execution. Defaults to CPU count minus
	// one, minimum one.
	Workers int

	// FailFast stops issuing new jobs after the first failure.
	FailFast bool

	// CacheEnabled turns artifact caching on. Jobs without cache_dirs are
	// unaffected either way.
	CacheEnabled bool

	// Mode selects all jobs or only those matching changed paths.
	Mode selector.Mode

	// CompareRef is the ref diffed against in change-aware mode.
	CompareRef string

	// Facts overrides the repository-facts source. When nil and Mode is
	// diff, the engine opens the git repository enclosing Workspace.
	Facts selector.RepoFacts

	// Tools overrides tool-version resolution. Defaults to an exec-based
	// resolver caching results for the run.
	Tools cache.ToolVersions

	// Registry overrides the step-executor registry. Defaults to a registry
	// with the shell kind installed.
	Registry *Registry

	// Logger receives engine logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultWorkers returns CPU count minus one, minimum one.
func DefaultWorkers() int {
	w := runtime.NumCPU() - 1
	if w < 1 {
		w = 1
	}
	return w
}

// withDefaults fills unset fields.
func (o Options) withDefaults() Options {
	if o.Workspace == "" {
		o.Workspace = "."
	}
	if abs, err := filepath.Abs(o.Workspace); err == nil {
		o.Workspace = abs
	}
	if o.CacheRoot == "" {
		o.CacheRoot = filepath.Join(o.Workspace, DefaultCacheDir)
	}
	if o.LogDir == "" {
		o.LogDir = filepath.Join(o.Workspace, DefaultLogDir)
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers()
	}
	if o.Mode == "" {
		o.Mode = selector.ModeAll
	}
	if o.CompareRef == "" {
		o.CompareRef = "origin/main"
	}
	if o.Tools == nil {
		o.Tools = NewToolResolver()
	}
	if o.Registry == nil {
		o.Registry = NewRegistry()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
