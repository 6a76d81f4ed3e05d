package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobBuilder(t *testing.T) {
	job, err := NewJob("test", Sh("unit", "go test ./...")).
		Needs("deps").
		Paths("src/**").
		Inputs("go.sum").
		Env("CGO_ENABLED", "0").
		Requires("go").
		CacheDirs("dist").
		CacheKeep(3).
		Build()
	require.NoError(t, err)

	assert.Equal(t, "test", job.Name)
	assert.Equal(t, []string{"deps"}, job.Needs)
	assert.Equal(t, []string{"src/**"}, job.Paths)
	assert.Equal(t, "0", job.Env["CGO_ENABLED"])
	assert.Equal(t, 3, job.CacheKeep)
	assert.True(t, job.DiffEnabled)
	assert.Equal(t, StepKindShell, job.Steps[0].Kind)
}

func TestJobBuilderRejectsEmptySteps(t *testing.T) {
	_, err := NewJob("empty").Build()
	require.Error(t, err)
}

func TestShIn(t *testing.T) {
	step := ShIn("compile", "make", "src")
	assert.Equal(t, "src", step.Dir)
	assert.Equal(t, "make", step.Command)
}

func TestMatrixJobs(t *testing.T) {
	jobs, err := Matrix{Key: "GO", Values: []string{"1.24", "1.25"}}.Jobs(func(v string) *JobBuilder {
		return NewJob("test", Sh("unit", "go test ./..."))
	})
	require.NoError(t, err)

	require.Len(t, jobs, 2)
	assert.Equal(t, "test-1.24", jobs[0].Name)
	assert.Equal(t, "1.24", jobs[0].Env["GO"])
	assert.Equal(t, "test-1.25", jobs[1].Name)
}

func TestNewWorkflow(t *testing.T) {
	a, err := NewJob("a", Sh("s", "true")).Build()
	require.NoError(t, err)

	wf, err := New("ci", a)
	require.NoError(t, err)
	assert.NotNil(t, wf.Job("a"))
	assert.Nil(t, wf.Job("missing"))
}
