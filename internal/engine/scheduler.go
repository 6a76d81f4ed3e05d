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
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tombee/foreman/internal/cache"
	"github.com/tombee/foreman/internal/dag"
	"github.com/tombee/foreman/internal/hasher"
	"github.com/tombee/foreman/internal/log"
	"github.com/tombee/foreman/internal/selector"
	"github.com/tombee/foreman/pkg/workflow"
)

// scheduler drives one run: it keeps a ready set of jobs whose dependencies
// have finished, issues them to a bounded worker pool in declaration order,
// and finalizes results as completions arrive. All mutable run state lives
// in the dispatcher loop, so no lock is needed beyond the channels.
type scheduler struct {
	graph    *dag.Graph
	plan     *selector.RunPlan
	store    *cache.Store
	opts     Options
	logger   *slog.Logger
	workflow string

	indeg          map[string]int
	ready          []string
	results        map[string]JobResult
	failedUpstream map[string]bool
	skipped        map[string]bool
	halted         bool
}

type completion struct {
	name   string
	result JobResult
}

func newScheduler(wfName string, g *dag.Graph, plan *selector.RunPlan, store *cache.Store, opts Options) *scheduler {
	return &scheduler{
		graph:          g,
		plan:           plan,
		store:          store,
		opts:           opts,
		logger:         opts.Logger,
		workflow:       wfName,
		indeg:          make(map[string]int, len(g.InDegree)),
		results:        make(map[string]JobResult, len(g.Order)),
		failedUpstream: make(map[string]bool),
		skipped:        plan.SkippedSet(),
	}
}

// run executes the plan and returns the report. The context cancels the run:
// no new jobs are issued and running children are terminated.
func (s *scheduler) run(ctx context.Context) (*Report, error) {
	for name, d := range s.graph.InDegree {
		s.indeg[name] = d
	}
	for _, name := range s.graph.Order {
		if s.indeg[name] == 0 {
			s.ready = append(s.ready, name)
		}
	}

	completions := make(chan completion)
	slots := make(chan struct{}, s.opts.Workers)
	outstanding := 0

	for {
		if ctx.Err() != nil {
			s.halted = true
		}
		s.settleReady()

		if !s.halted && len(s.ready) > 0 {
			select {
			case slots <- struct{}{}:
				name := s.ready[0]
				s.ready = s.ready[1:]
				outstanding++
				go func(name string) {
					defer func() { <-slots }()
					completions <- completion{name: name, result: s.runJob(ctx, name)}
				}(name)
				continue
			case c := <-completions:
				outstanding--
				s.finalize(c.name, c.result)
				continue
			}
		}

		if outstanding == 0 {
			break
		}
		c := <-completions
		outstanding--
		s.finalize(c.name, c.result)
	}

	// Anything not finalized was never issued: halted run or tainted chain.
	// Deselected jobs stay skipped either way.
	for _, name := range s.graph.Order {
		if _, done := s.results[name]; !done {
			outcome := OutcomeCancelled
			if s.skipped[name] {
				outcome = OutcomeSkipped
			}
			s.results[name] = JobResult{Name: name, Outcome: outcome, CacheOutcome: CacheNotApplicable}
		}
	}

	return &Report{Plan: s.plan, Results: s.results}, nil
}

// settleReady finalizes ready jobs that need no worker: deselected jobs
// become vacuous successes, tainted jobs become cancelled. Both release
// their dependents, so the loop drains chains in one pass.
func (s *scheduler) settleReady() {
	for i := 0; i < len(s.ready); {
		name := s.ready[i]
		switch {
		case s.skipped[name]:
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			s.finalize(name, JobResult{Name: name, Outcome: OutcomeSkipped, CacheOutcome: CacheNotApplicable})
			i = 0
		case s.failedUpstream[name]:
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			s.finalize(name, JobResult{Name: name, Outcome: OutcomeCancelled, CacheOutcome: CacheNotApplicable})
			i = 0
		default:
			i++
		}
	}
}

// finalize records a result and releases the job's dependents. A failed or
// cancelled job taints its dependents; a skipped job counts as success.
func (s *scheduler) finalize(name string, result JobResult) {
	s.results[name] = result

	taints := result.Outcome == OutcomeFailed || result.Outcome == OutcomeCancelled
	if result.Outcome == OutcomeFailed {
		if s.opts.FailFast {
			s.halted = true
		}
		s.logger.Error("job failed",
			slog.String(log.JobKey, name),
			slog.String(log.StepKey, result.FailedStep),
			slog.Int("exit_code", result.ExitCode))
	}

	for _, dep := range s.graph.Dependents[name] {
		if taints {
			s.failedUpstream[dep] = true
		}
		s.indeg[dep]--
		if s.indeg[dep] == 0 {
			s.ready = append(s.ready, dep)
		}
	}
}

// runJob executes one job to completion: cache probe, sequential steps,
// then cache store and prune on success.
func (s *scheduler) runJob(ctx context.Context, name string) JobResult {
	job := s.graph.Jobs[name]
	logger := log.WithJobContext(s.logger, s.workflow, name)
	start := time.Now()

	result := JobResult{Name: name, CacheOutcome: CacheNotApplicable}
	finish := func(outcome Outcome) JobResult {
		result.Outcome = outcome
		result.Duration = time.Since(start)
		return result
	}

	cacheable := s.opts.CacheEnabled && job.Cacheable() && s.store != nil
	var key string
	if cacheable {
		digest, err := hasher.Hash(s.opts.Workspace, job.Inputs, nil)
		if err != nil {
			logger.Warn("input hashing failed, caching disabled for this job", slog.Any("error", err))
			cacheable = false
		} else {
			key = cache.DeriveKey(job, s.opts.Tools, digest)
			if s.store.Lookup(name, key) {
				if err := s.store.Restore(name, key, s.opts.Workspace); err == nil {
					result.CacheOutcome = CacheHit
					logger.Info("cache hit", slog.String(log.CacheKey, "hit"), slog.String("key", shortKey(key)))
					return finish(OutcomeOK)
				} else {
					logger.Warn("cache restore failed, running steps", slog.Any("error", err))
				}
			}
			result.CacheOutcome = CacheMiss
			logger.Info("cache miss", slog.String(log.CacheKey, "miss"), slog.String("key", shortKey(key)))
		}
	}

	env := resolveEnv(job.Env)
	for i := range job.Steps {
		step := &job.Steps[i]
		if res, failed := s.runStep(ctx, logger, job, step, env); failed {
			if ctx.Err() != nil {
				return finish(OutcomeCancelled)
			}
			result.FailedStep = step.Name
			result.ExitCode = res.ExitCode
			return finish(OutcomeFailed)
		}
	}

	if cacheable {
		if err := s.store.StoreDirs(name, key, s.opts.Workspace, job.CacheDirs); err != nil {
			// A missing cache never fails a successful job.
			logger.Warn("cache store failed", slog.Any("error", err))
		} else {
			logger.Info("cache stored", slog.String("key", shortKey(key)))
			if err := s.store.Prune(name, job.CacheKeep); err != nil {
				logger.Warn("cache prune failed", slog.Any("error", err))
			}
		}
	}
	return finish(OutcomeOK)
}

// runStep executes one step and persists its log. failed covers non-zero
// exits and executor errors alike.
func (s *scheduler) runStep(ctx context.Context, logger *slog.Logger, job *workflow.Job, step *workflow.Step, env []string) (StepResult, bool) {
	dir := s.opts.Workspace
	if step.Dir != "" {
		dir = filepath.Join(s.opts.Workspace, filepath.FromSlash(step.Dir))
	}
	if _, err := os.Stat(dir); err != nil {
		logger.Error("step working directory missing", slog.String(log.StepKey, step.Name), slog.String("dir", dir))
		return StepResult{ExitCode: -1}, true
	}

	logger.Info("step started", slog.String(log.StepKey, step.Name))
	sc := StepContext{Workspace: s.opts.Workspace, Dir: dir, Env: env}
	res, err := s.opts.Registry.Execute(ctx, *step, sc)
	if err != nil {
		logger.Error("step errored", slog.String(log.StepKey, step.Name), slog.Any("error", err))
		if res.ExitCode == 0 {
			res.ExitCode = -1
		}
		return res, true
	}

	if logErr := appendStepLog(s.opts.LogDir, job.Name, step.Name, res); logErr != nil {
		logger.Warn("could not persist step log", slog.Any("error", logErr))
	}

	if res.ExitCode != 0 {
		logger.Error("step failed",
			slog.String(log.StepKey, step.Name),
			slog.Int("exit_code", res.ExitCode),
			slog.Int64(log.DurationKey, res.Duration.Milliseconds()))
		return res, true
	}

	logger.Info("step finished",
		slog.String(log.StepKey, step.Name),
		slog.Int64(log.DurationKey, res.Duration.Milliseconds()))
	return res, false
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}
