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

// Package dag validates a workflow's needs edges and precomputes the
// structures the scheduler consumes: forward adjacency (dependency to
// dependents), in-degree counts, and topological levels.
package dag

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tombee/foreman/pkg/workflow"
)

// DuplicateJobError reports two jobs sharing one name.
type DuplicateJobError struct {
	Name string
}

// Error implements the error interface.
func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("duplicate job name: %s", e.Name)
}

// UnknownNeedError reports a needs edge pointing at a job that does not
// exist in the workflow.
type UnknownNeedError struct {
	Job     string
	Missing string
}

// Error implements the error interface.
func (e *UnknownNeedError) Error() string {
	return fmt.Sprintf("job %q needs unknown job %q", e.Job, e.Missing)
}

// CycleError reports a dependency cycle. Path lists the jobs along the
// cycle, ending where it started.
type CycleError struct {
	Path []string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

// Graph is a validated dependency graph over a set of jobs.
type Graph struct {
	// Jobs indexes the workflow's jobs by name.
	Jobs map[string]*workflow.Job

	// Order lists job names in workflow declaration order.
	Order []string

	// Dependents maps each job to the jobs that need it.
	Dependents map[string][]string

	// InDegree is the number of unfinished dependencies per job.
	InDegree map[string]int

	// Levels are the topological layers: every job's dependencies lie in
	// strictly lower levels. Emitted for plan printing; scheduling itself
	// works from the ready set, not from discrete levels.
	Levels [][]string
}

// Build validates needs edges and returns the graph, or the first
// DuplicateJobError, UnknownNeedError or CycleError encountered.
func Build(jobs []workflow.Job) (*Graph, error) {
	g := &Graph{
		Jobs:       make(map[string]*workflow.Job, len(jobs)),
		Dependents: make(map[string][]string, len(jobs)),
		InDegree:   make(map[string]int, len(jobs)),
	}

	for i := range jobs {
		j := &jobs[i]
		if _, ok := g.Jobs[j.Name]; ok {
			return nil, &DuplicateJobError{Name: j.Name}
		}
		g.Jobs[j.Name] = j
		g.Order = append(g.Order, j.Name)
		g.InDegree[j.Name] = 0
	}

	for i := range jobs {
		j := &jobs[i]
		seen := make(map[string]bool, len(j.Needs))
		for _, need := range j.Needs {
			if _, ok := g.Jobs[need]; !ok {
				return nil, &UnknownNeedError{Job: j.Name, Missing: need}
			}
			if seen[need] {
				continue
			}
			seen[need] = true
			g.Dependents[need] = append(g.Dependents[need], j.Name)
			g.InDegree[j.Name]++
		}
	}

	levels, err := g.topoLevels()
	if err != nil {
		return nil, err
	}
	g.Levels = levels
	return g, nil
}

// topoLevels runs Kahn's algorithm, layering jobs whose remaining in-degree
// reaches zero at the same step. Within a level, declaration order is kept.
func (g *Graph) topoLevels() ([][]string, error) {
	indeg := make(map[string]int, len(g.InDegree))
	for name, d := range g.InDegree {
		indeg[name] = d
	}

	position := make(map[string]int, len(g.Order))
	for i, name := range g.Order {
		position[name] = i
	}

	var queue []string
	for _, name := range g.Order {
		if indeg[name] == 0 {
			queue = append(queue, name)
		}
	}

	var levels [][]string
	processed := 0
	for len(queue) > 0 {
		level := queue
		queue = nil
		processed += len(level)

		var next []string
		for _, name := range level {
			for _, dep := range g.Dependents[name] {
				indeg[dep]--
				if indeg[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sort.Slice(next, func(i, j int) bool { return position[next[i]] < position[next[j]] })
		levels = append(levels, level)
		queue = next
	}

	if processed != len(g.Order) {
		return nil, &CycleError{Path: g.findCycle(indeg)}
	}
	return levels, nil
}

// findCycle walks needs edges among the stuck nodes until a name repeats,
// producing a concrete cycle path for the error message.
func (g *Graph) findCycle(indeg map[string]int) []string {
	stuck := make(map[string]bool)
	for name, d := range indeg {
		if d > 0 {
			stuck[name] = true
		}
	}

	var start string
	for _, name := range g.Order {
		if stuck[name] {
			start = name
			break
		}
	}
	if start == "" {
		return nil
	}

	visited := make(map[string]int)
	var path []string
	current := start
	for {
		if at, ok := visited[current]; ok {
			return append(path[at:], current)
		}
		visited[current] = len(path)
		path = append(path, current)

		next := ""
		for _, need := range g.Jobs[current].Needs {
			if stuck[need] {
				next = need
				break
			}
		}
		if next == "" {
			return path
		}
		current = next
	}
}
