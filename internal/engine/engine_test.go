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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tombee/foreman/internal/dag"
	"github.com/tombee/foreman/internal/selector"
	"github.com/tombee/foreman/pkg/workflow"
)

type staticFacts struct {
	changed []string
}

func (f *staticFacts) ChangedPaths(_ context.Context, _ string) ([]string, error) {
	return f.changed, nil
}

func newTestEngine(t *testing.T, ws string, mutate func(*Options)) *Engine {
	t.Helper()
	opts := Options{
		Workspace:    ws,
		CacheRoot:    t.TempDir(),
		LogDir:       t.TempDir(),
		Workers:      2,
		FailFast:     true,
		CacheEnabled: true,
		Tools:        StaticToolVersions{},
	}
	if mutate != nil {
		mutate(&opts)
	}
	eng, err := New(opts)
	require.NoError(t, err)
	return eng
}

func shJob(name, command string, mutate func(*workflow.Job)) workflow.Job {
	j := workflow.Job{
		Name:        name,
		Steps:       []workflow.Step{{Name: "s", Kind: workflow.StepKindShell, Command: command}},
		DiffEnabled: true,
		CacheKeep:   workflow.DefaultCacheKeep,
	}
	if mutate != nil {
		mutate(&j)
	}
	return j
}

func TestRunWithoutCacheDirsAlwaysExecutes(t *testing.T) {
	ws := t.TempDir()
	eng := newTestEngine(t, ws, nil)
	wf := &workflow.Workflow{Name: "ci", Jobs: []workflow.Job{
		shJob("a", "echo run >> count.txt", nil),
	}}

	for i := 0; i < 2; i++ {
		report, err := eng.Run(context.Background(), wf)
		require.NoError(t, err)
		res := report.Results["a"]
		assert.Equal(t, OutcomeOK, res.Outcome)
		assert.Equal(t, CacheNotApplicable, res.CacheOutcome)
	}

	data, err := os.ReadFile(filepath.Join(ws, "count.txt"))
	require.NoError(t, err)
	assert.Equal(t, "run\nrun\n", string(data), "both runs executed the step")
}

func TestRunCacheHitSkipsSteps(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "a.txt"), []byte("1"), 0o644))

	eng := newTestEngine(t, ws, nil)
	wf := &workflow.Workflow{Name: "ci", Jobs: []workflow.Job{
		shJob("a", "echo hi > out/result && echo ran >> count.mark", func(j *workflow.Job) {
			j.Steps = append([]workflow.Step{{Name: "mkdir", Kind: workflow.StepKindShell, Command: "mkdir -p out"}}, j.Steps...)
			j.CacheDirs = []string{"out"}
			j.Inputs = []string{"*.txt"}
		}),
	}}

	// First run: miss, creates the cache entry.
	report, err := eng.Run(context.Background(), wf)
	require.NoError(t, err)
	assert.Equal(t, CacheMiss, report.Results["a"].CacheOutcome)
	assert.Equal(t, OutcomeOK, report.Results["a"].Outcome)

	// Second run with unchanged inputs: hit, steps skipped, out restored.
	require.NoError(t, os.RemoveAll(filepath.Join(ws, "out")))
	report, err = eng.Run(context.Background(), wf)
	require.NoError(t, err)
	assert.Equal(t, CacheHit, report.Results["a"].CacheOutcome)

	data, err := os.ReadFile(filepath.Join(ws, "out", "result"))
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(data))

	count, err := os.ReadFile(filepath.Join(ws, "count.mark"))
	require.NoError(t, err)
	assert.Equal(t, "ran\n", string(count), "steps did not run on the hit")

	// Changing an input byte misses again.
	require.NoError(t, os.WriteFile(filepath.Join(ws, "a.txt"), []byte("2"), 0o644))
	report, err = eng.Run(context.Background(), wf)
	require.NoError(t, err)
	assert.Equal(t, CacheMiss, report.Results["a"].CacheOutcome)
}

func TestRunDiamondParallel(t *testing.T) {
	ws := t.TempDir()
	eng := newTestEngine(t, ws, nil)
	wf := &workflow.Workflow{Name: "ci", Jobs: []workflow.Job{
		shJob("a", "echo done > a.marker", nil),
		shJob("b", "test -f a.marker", func(j *workflow.Job) { j.Needs = []string{"a"} }),
		shJob("c", "test -f a.marker", func(j *workflow.Job) { j.Needs = []string{"a"} }),
	}}

	report, err := eng.Run(context.Background(), wf)
	require.NoError(t, err)

	for _, name := range []string{"a", "b", "c"} {
		assert.Equal(t, OutcomeOK, report.Results[name].Outcome, "job %s", name)
	}
}

func TestRunFailFastCancelsDependents(t *testing.T) {
	ws := t.TempDir()
	eng := newTestEngine(t, ws, nil)
	wf := &workflow.Workflow{Name: "ci", Jobs: []workflow.Job{
		shJob("a", "exit 3", nil),
		shJob("b", "touch b.marker", func(j *workflow.Job) { j.Needs = []string{"a"} }),
		shJob("c", "touch c.marker", func(j *workflow.Job) { j.Needs = []string{"a"} }),
	}}

	report, err := eng.Run(context.Background(), wf)
	require.NoError(t, err)

	a := report.Results["a"]
	assert.Equal(t, OutcomeFailed, a.Outcome)
	assert.Equal(t, 3, a.ExitCode)
	assert.Equal(t, "s", a.FailedStep)

	assert.Equal(t, OutcomeCancelled, report.Results["b"].Outcome)
	assert.Equal(t, OutcomeCancelled, report.Results["c"].Outcome)

	_, err = os.Stat(filepath.Join(ws, "b.marker"))
	assert.True(t, os.IsNotExist(err), "no b subprocess was spawned")
	_, err = os.Stat(filepath.Join(ws, "c.marker"))
	assert.True(t, os.IsNotExist(err), "no c subprocess was spawned")
}

func TestRunTaintPropagationWithoutFailFast(t *testing.T) {
	ws := t.TempDir()
	eng := newTestEngine(t, ws, func(o *Options) { o.FailFast = false })
	wf := &workflow.Workflow{Name: "ci", Jobs: []workflow.Job{
		shJob("a", "exit 1", nil),
		shJob("b", "true", func(j *workflow.Job) { j.Needs = []string{"a"} }),
		shJob("grandchild", "true", func(j *workflow.Job) { j.Needs = []string{"b"} }),
		shJob("independent", "touch independent.marker", nil),
	}}

	report, err := eng.Run(context.Background(), wf)
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, report.Results["a"].Outcome)
	assert.Equal(t, OutcomeCancelled, report.Results["b"].Outcome)
	assert.Equal(t, OutcomeCancelled, report.Results["grandchild"].Outcome)
	assert.Equal(t, OutcomeOK, report.Results["independent"].Outcome)

	_, err = os.Stat(filepath.Join(ws, "independent.marker"))
	assert.NoError(t, err, "independent job still ran")
}

func TestRunCycleFails(t *testing.T) {
	eng := newTestEngine(t, t.TempDir(), nil)
	wf := &workflow.Workflow{Name: "ci", Jobs: []workflow.Job{
		shJob("a", "true", func(j *workflow.Job) { j.Needs = []string{"b"} }),
		shJob("b", "true", func(j *workflow.Job) { j.Needs = []string{"a"} }),
	}}

	_, err := eng.Run(context.Background(), wf)
	require.Error(t, err)

	var cycle *dag.CycleError
	assert.ErrorAs(t, err, &cycle)
}

func TestRunDiffModeSkipsAndVacuousSuccess(t *testing.T) {
	ws := t.TempDir()
	eng := newTestEngine(t, ws, func(o *Options) {
		o.Mode = selector.ModeDiff
		o.Facts = &staticFacts{changed: []string{"src/x.py"}}
	})
	wf := &workflow.Workflow{Name: "ci", Jobs: []workflow.Job{
		shJob("gen", "touch gen.marker", func(j *workflow.Job) { j.Paths = []string{"schema/**"} }),
		shJob("lint", "true", func(j *workflow.Job) { j.Paths = []string{"src/**"} }),
		shJob("test", "true", func(j *workflow.Job) { j.Needs = []string{"gen"} }),
	}}

	report, err := eng.Run(context.Background(), wf)
	require.NoError(t, err)

	assert.Equal(t, OutcomeSkipped, report.Results["gen"].Outcome)
	assert.Equal(t, OutcomeOK, report.Results["lint"].Outcome)
	assert.Equal(t, OutcomeOK, report.Results["test"].Outcome, "skipped upstream is a vacuous success")

	_, err = os.Stat(filepath.Join(ws, "gen.marker"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunCancellation(t *testing.T) {
	ws := t.TempDir()
	eng := newTestEngine(t, ws, func(o *Options) { o.Workers = 1 })
	wf := &workflow.Workflow{Name: "ci", Jobs: []workflow.Job{
		shJob("slow", "sleep 30", nil),
		shJob("after", "touch after.marker", func(j *workflow.Job) { j.Needs = []string{"slow"} }),
	}}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	report, err := eng.Run(ctx, wf)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second, "cancellation terminates the child promptly")

	assert.Equal(t, OutcomeCancelled, report.Results["slow"].Outcome)
	assert.Equal(t, OutcomeCancelled, report.Results["after"].Outcome)

	_, err = os.Stat(filepath.Join(ws, "after.marker"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunEnvAppliesToSteps(t *testing.T) {
	ws := t.TempDir()
	t.Setenv("FOREMAN_TEST_INHERITED", "from-process")
	eng := newTestEngine(t, ws, nil)
	wf := &workflow.Workflow{Name: "ci", Jobs: []workflow.Job{
		shJob("env", `printf '%s/%s' "$GREETING" "$FOREMAN_TEST_INHERITED" > env.txt`, func(j *workflow.Job) {
			j.Env = map[string]string{"GREETING": "hello"}
		}),
	}}

	report, err := eng.Run(context.Background(), wf)
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, report.Results["env"].Outcome)

	data, err := os.ReadFile(filepath.Join(ws, "env.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello/from-process", string(data))
}

func TestRunStepStopsAtFirstFailure(t *testing.T) {
	ws := t.TempDir()
	eng := newTestEngine(t, ws, nil)
	wf := &workflow.Workflow{Name: "ci", Jobs: []workflow.Job{
		{
			Name: "multi",
			Steps: []workflow.Step{
				{Name: "first", Kind: workflow.StepKindShell, Command: "touch first.marker"},
				{Name: "second", Kind: workflow.StepKindShell, Command: "exit 7"},
				{Name: "third", Kind: workflow.StepKindShell, Command: "touch third.marker"},
			},
			DiffEnabled: true,
		},
	}}

	report, err := eng.Run(context.Background(), wf)
	require.NoError(t, err)

	res := report.Results["multi"]
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, "second", res.FailedStep)
	assert.Equal(t, 7, res.ExitCode)

	_, err = os.Stat(filepath.Join(ws, "first.marker"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(ws, "third.marker"))
	assert.True(t, os.IsNotExist(err), "remaining steps are not run")
}

func TestRunUnknownStepKindFailsJobOnly(t *testing.T) {
	ws := t.TempDir()
	eng := newTestEngine(t, ws, func(o *Options) { o.FailFast = false })
	wf := &workflow.Workflow{Name: "ci", Jobs: []workflow.Job{
		{
			Name:        "exotic",
			Steps:       []workflow.Step{{Name: "s", Kind: "container", Command: ""}},
			DiffEnabled: true,
		},
		shJob("plain", "true", nil),
	}}

	report, err := eng.Run(context.Background(), wf)
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, report.Results["exotic"].Outcome)
	assert.Equal(t, OutcomeOK, report.Results["plain"].Outcome)
}

func TestRunRegisteredExtensionKind(t *testing.T) {
	ws := t.TempDir()
	registry := NewRegistry()
	var captured workflow.Step
	registry.Register("echo", func(_ context.Context, step workflow.Step, _ StepContext) (StepResult, error) {
		captured = step
		return StepResult{ExitCode: 0, Stdout: []byte(step.Options["message"])}, nil
	})

	eng := newTestEngine(t, ws, func(o *Options) { o.Registry = registry })
	wf := &workflow.Workflow{Name: "ci", Jobs: []workflow.Job{
		{
			Name: "custom",
			Steps: []workflow.Step{
				{Name: "greet", Kind: "echo", Options: map[string]string{"message": "hi"}},
			},
			DiffEnabled: true,
		},
	}}

	report, err := eng.Run(context.Background(), wf)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, report.Results["custom"].Outcome)
	assert.Equal(t, "greet", captured.Name)
}

func TestPlanDoesNotExecute(t *testing.T) {
	ws := t.TempDir()
	eng := newTestEngine(t, ws, nil)
	wf := &workflow.Workflow{Name: "ci", Jobs: []workflow.Job{
		shJob("a", "touch a.marker", nil),
	}}

	plan, err := eng.Plan(context.Background(), wf)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, plan.Selected)

	_, err = os.Stat(filepath.Join(ws, "a.marker"))
	assert.True(t, os.IsNotExist(err))
}
