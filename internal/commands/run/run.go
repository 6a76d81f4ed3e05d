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

// Package run implements the `foreman run` command.
package run

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tombee/foreman/internal/cli"
	"github.com/tombee/foreman/internal/engine"
	"github.com/tombee/foreman/internal/selector"
	"github.com/tombee/foreman/pkg/workflow"
)

type options struct {
	workflowPath string
	workspace    string
	cacheRoot    string
	workers      int
	failFast     bool
	noCache      bool
	diff         bool
	compareRef   string
	printPlan    bool
}

// NewRunCommand creates the run command.
func NewRunCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the workflow",
		Long: `Load the workflow definition, select the jobs to run, and execute them
in dependency order with a bounded worker pool and artifact caching.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.workflowPath, "workflow", "f", "foreman.yaml", "Path to the workflow definition")
	flags.StringVar(&opts.workspace, "workspace", ".", "Workspace directory jobs run in")
	flags.StringVar(&opts.cacheRoot, "cache-root", "", "Artifact cache directory (default <workspace>/.foreman/cache)")
	flags.IntVarP(&opts.workers, "workers", "w", 0, "Worker pool size (default CPU count - 1)")
	flags.BoolVar(&opts.failFast, "fail-fast", true, "Stop issuing new jobs after the first failure")
	flags.BoolVar(&opts.noCache, "no-cache", false, "Disable the artifact cache for this run")
	flags.BoolVar(&opts.diff, "diff", false, "Only run jobs whose paths match files changed against the compare ref")
	flags.StringVar(&opts.compareRef, "compare-ref", "origin/main", "Ref to diff against in change-aware mode")
	flags.BoolVar(&opts.printPlan, "print-plan", true, "Print the run plan before executing")

	return cmd
}

func runWorkflow(cmd *cobra.Command, opts *options) error {
	wf, err := workflow.Load(opts.workflowPath)
	if err != nil {
		return err
	}

	mode := selector.ModeAll
	if opts.diff {
		mode = selector.ModeDiff
	}

	logger := slog.Default()
	eng, err := engine.New(engine.Options{
		Workspace:    opts.workspace,
		CacheRoot:    opts.cacheRoot,
		Workers:      opts.workers,
		FailFast:     opts.failFast,
		CacheEnabled: !opts.noCache,
		Mode:         mode,
		CompareRef:   opts.compareRef,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.printPlan {
		plan, err := eng.Plan(ctx, wf)
		if err != nil {
			return err
		}
		printPlan(cmd, plan)
	}

	report, err := eng.Run(ctx, wf)
	if err != nil {
		return err
	}
	printSummary(cmd, report)

	if ctx.Err() != nil {
		return context.Canceled
	}

	var failed []string
	for name, res := range report.Results {
		if res.Outcome == engine.OutcomeFailed {
			failed = append(failed, name)
		}
	}
	if len(failed) > 0 {
		return &cli.JobsFailedError{Failed: failed}
	}
	return nil
}

func printPlan(cmd *cobra.Command, plan *selector.RunPlan) {
	for i, level := range plan.Levels {
		cmd.Printf("stage %d: %s\n", i+1, strings.Join(level, ", "))
	}
	for _, skipped := range plan.Skipped {
		cmd.Printf("skip %s (%s)\n", skipped.Name, skipped.Reason)
	}
}

func printSummary(cmd *cobra.Command, report *engine.Report) {
	for _, name := range orderedNames(report) {
		res := report.Results[name]
		line := fmt.Sprintf("%-9s %s", res.Outcome, name)
		if res.CacheOutcome == engine.CacheHit {
			line += " (cached)"
		}
		if res.Outcome == engine.OutcomeFailed {
			line += fmt.Sprintf(" step=%s exit=%d", res.FailedStep, res.ExitCode)
		}
		if res.Duration > 0 {
			line += fmt.Sprintf(" [%s]", res.Duration.Round(time.Millisecond))
		}
		cmd.Println(line)
	}
}

// orderedNames lists selected jobs first in plan order, then everything else.
func orderedNames(report *engine.Report) []string {
	seen := make(map[string]bool, len(report.Results))
	var names []string
	for _, name := range report.Plan.Selected {
		if _, ok := report.Results[name]; ok && !seen[name] {
			names = append(names, name)
			seen[name] = true
		}
	}
	var rest []string
	for name := range report.Results {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(names, rest...)
}
