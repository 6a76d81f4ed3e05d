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

// Package engine executes workflows: it validates the dependency graph,
// applies change-aware selection, and drives parallel job execution with
// transparent artifact caching.
package engine

import (
	"context"

	"github.com/tombee/foreman/internal/cache"
	"github.com/tombee/foreman/internal/dag"
	"github.com/tombee/foreman/internal/gitrepo"
	"github.com/tombee/foreman/internal/selector"
	"github.com/tombee/foreman/pkg/workflow"
)

// Engine runs workflows under one fixed configuration.
type Engine struct {
	opts  Options
	store *cache.Store
}

// New creates an engine, initializing the cache store when caching is
// enabled.
func New(opts Options) (*Engine, error) {
	opts = opts.withDefaults()

	e := &Engine{opts: opts}
	if opts.CacheEnabled {
		store, err := cache.NewStore(opts.CacheRoot, opts.Logger)
		if err != nil {
			return nil, err
		}
		e.store = store
	}
	return e, nil
}

// Plan validates the workflow's graph and computes the run plan without
// executing anything.
func (e *Engine) Plan(ctx context.Context, wf *workflow.Workflow) (*selector.RunPlan, error) {
	g, err := dag.Build(wf.Jobs)
	if err != nil {
		return nil, err
	}
	return e.selectJobs(ctx, g)
}

// Run executes the workflow and returns the report. The returned error
// covers graph validation and repository-facts failures; individual job
// failures are reported through the Report, not the error.
func (e *Engine) Run(ctx context.Context, wf *workflow.Workflow) (*Report, error) {
	g, err := dag.Build(wf.Jobs)
	if err != nil {
		return nil, err
	}
	plan, err := e.selectJobs(ctx, g)
	if err != nil {
		return nil, err
	}
	sched := newScheduler(wf.Name, g, plan, e.store, e.opts)
	return sched.run(ctx)
}

// selectJobs resolves repository facts when needed and applies selection.
// Facts are queried once per run and reused as a snapshot.
func (e *Engine) selectJobs(ctx context.Context, g *dag.Graph) (*selector.RunPlan, error) {
	facts := e.opts.Facts
	if facts == nil && e.opts.Mode == selector.ModeDiff {
		repo, err := gitrepo.Open(ctx, e.opts.Workspace)
		if err != nil {
			return nil, err
		}
		facts = repo
	}
	return selector.Select(ctx, g, e.opts.Mode, facts, e.opts.CompareRef)
}
