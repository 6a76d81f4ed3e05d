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

// Package selector decides which jobs of a validated graph run for one
// invocation, either unconditionally or filtered by which repository paths
// changed against a comparison ref.
package selector

import (
	"context"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/tombee/foreman/internal/dag"
)

// Mode selects the job-selection strategy.
type Mode string

const (
	// ModeAll selects every job.
	ModeAll Mode = "all"
	// ModeDiff selects jobs whose path globs match the changed files.
	ModeDiff Mode = "diff"
)

// SkipReason explains why a job was left out of the plan.
type SkipReason string

const (
	// SkipNoMatchingPaths means none of the job's path globs matched a
	// changed file.
	SkipNoMatchingPaths SkipReason = "no-matching-paths"
	// SkipUpstreamSkipped means every job that fed into this one was
	// deselected. Skipped dependencies count as vacuous successes, so this
	// reason is carried for plan consumers rather than produced by the
	// path filter itself.
	SkipUpstreamSkipped SkipReason = "upstream-skipped"
)

// SkippedJob pairs a deselected job with its reason.
type SkippedJob struct {
	Name   string
	Reason SkipReason
}

// RunPlan is the resolved selection for one invocation.
type RunPlan struct {
	// Selected lists jobs to run, ordered by topological level and then by
	// workflow declaration order within a level.
	Selected []string

	// Skipped lists deselected jobs with reasons.
	Skipped []SkippedJob

	// Levels are the topological levels restricted to selected jobs.
	Levels [][]string
}

// IsSelected reports whether the plan includes the named job.
func (p *RunPlan) IsSelected(name string) bool {
	for _, s := range p.Selected {
		if s == name {
			return true
		}
	}
	return false
}

// SkippedSet returns the skipped job names as a set.
func (p *RunPlan) SkippedSet() map[string]bool {
	set := make(map[string]bool, len(p.Skipped))
	for _, s := range p.Skipped {
		set[s.Name] = true
	}
	return set
}

// RepoFacts is the slice of repository state the selector consumes.
type RepoFacts interface {
	// ChangedPaths returns the repo-relative paths that differ between the
	// merge-base of HEAD and compareRef and the working tree.
	ChangedPaths(ctx context.Context, compareRef string) ([]string, error)
}

// Select computes the run plan for a validated graph.
//
// In ModeAll every job is selected. In ModeDiff a job is selected when its
// diff filter is disabled, when it declares no path globs, or when any
// changed path matches one of its globs; otherwise it is skipped with
// SkipNoMatchingPaths. A skipped job never drags its dependents out of the
// plan: needs encode ordering, not data dependence, so the scheduler treats
// a skipped dependency as a vacuous success.
func Select(ctx context.Context, g *dag.Graph, mode Mode, facts RepoFacts, compareRef string) (*RunPlan, error) {
	plan := &RunPlan{}

	if mode != ModeDiff {
		for _, name := range g.Order {
			plan.Selected = append(plan.Selected, name)
		}
		plan.Levels = g.Levels
		reorderByLevel(plan, g)
		return plan, nil
	}

	changed, err := facts.ChangedPaths(ctx, compareRef)
	if err != nil {
		return nil, err
	}

	selected := make(map[string]bool, len(g.Order))
	for _, name := range g.Order {
		job := g.Jobs[name]
		switch {
		case !job.DiffEnabled:
			selected[name] = true
		case len(job.Paths) == 0:
			selected[name] = true
		case anyPathMatches(changed, job.Paths):
			selected[name] = true
		default:
			plan.Skipped = append(plan.Skipped, SkippedJob{Name: name, Reason: SkipNoMatchingPaths})
		}
	}

	for _, level := range g.Levels {
		var kept []string
		for _, name := range level {
			if selected[name] {
				kept = append(kept, name)
			}
		}
		if len(kept) > 0 {
			plan.Levels = append(plan.Levels, kept)
		}
	}
	for _, level := range plan.Levels {
		plan.Selected = append(plan.Selected, level...)
	}
	return plan, nil
}

// reorderByLevel rewrites Selected into level-then-declaration order.
func reorderByLevel(plan *RunPlan, g *dag.Graph) {
	plan.Selected = plan.Selected[:0]
	for _, level := range g.Levels {
		plan.Selected = append(plan.Selected, level...)
	}
}

func anyPathMatches(changed, globs []string) bool {
	for _, path := range changed {
		for _, glob := range globs {
			if ok, err := doublestar.Match(glob, path); err == nil && ok {
				return true
			}
		}
	}
	return false
}
