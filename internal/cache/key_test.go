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

package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tombee/foreman/pkg/workflow"
)

type fakeTools map[string]string

func (f fakeTools) Version(tool string) (string, bool) {
	v, ok := f[tool]
	return v, ok
}

func baseJob() *workflow.Job {
	return &workflow.Job{
		Name: "build",
		Steps: []workflow.Step{
			{Name: "compile", Kind: workflow.StepKindShell, Command: "make build"},
		},
		Env:      map[string]string{"CGO_ENABLED": "0"},
		Requires: []string{"go"},
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	tools := fakeTools{"go": "go version go1.25.5"}
	first := DeriveKey(baseJob(), tools, "digest")
	second := DeriveKey(baseJob(), tools, "digest")
	assert.Equal(t, first, second)
	assert.Len(t, first, 64)
}

func TestDeriveKeyIndependence(t *testing.T) {
	tools := fakeTools{"go": "go version go1.25.5"}
	base := DeriveKey(baseJob(), tools, "digest")

	tests := []struct {
		name   string
		mutate func(j *workflow.Job) (ToolVersions, string)
	}{
		{
			name: "step command",
			mutate: func(j *workflow.Job) (ToolVersions, string) {
				j.Steps[0].Command = "make build-all"
				return tools, "digest"
			},
		},
		{
			name: "step name",
			mutate: func(j *workflow.Job) (ToolVersions, string) {
				j.Steps[0].Name = "compile2"
				return tools, "digest"
			},
		},
		{
			name: "step dir",
			mutate: func(j *workflow.Job) (ToolVersions, string) {
				j.Steps[0].Dir = "src"
				return tools, "digest"
			},
		},
		{
			name: "env value",
			mutate: func(j *workflow.Job) (ToolVersions, string) {
				j.Env["CGO_ENABLED"] = "1"
				return tools, "digest"
			},
		},
		{
			name: "env key added",
			mutate: func(j *workflow.Job) (ToolVersions, string) {
				j.Env["EXTRA"] = ""
				return tools, "digest"
			},
		},
		{
			name: "tool version",
			mutate: func(j *workflow.Job) (ToolVersions, string) {
				return fakeTools{"go": "go version go1.24.0"}, "digest"
			},
		},
		{
			name: "tool absent",
			mutate: func(j *workflow.Job) (ToolVersions, string) {
				return fakeTools{}, "digest"
			},
		},
		{
			name: "input digest",
			mutate: func(j *workflow.Job) (ToolVersions, string) {
				return tools, "other-digest"
			},
		},
		{
			name: "job name",
			mutate: func(j *workflow.Job) (ToolVersions, string) {
				j.Name = "build2"
				return tools, "digest"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := baseJob()
			tv, digest := tt.mutate(job)
			assert.NotEqual(t, base, DeriveKey(job, tv, digest))
		})
	}
}

func TestDeriveKeyEnvOrderIrrelevant(t *testing.T) {
	a := baseJob()
	a.Env = map[string]string{"A": "1", "B": "2"}
	b := baseJob()
	b.Env = map[string]string{"B": "2", "A": "1"}

	tools := fakeTools{"go": "x"}
	assert.Equal(t, DeriveKey(a, tools, "d"), DeriveKey(b, tools, "d"))
}

func TestDeriveKeyRequiresOrderIrrelevant(t *testing.T) {
	a := baseJob()
	a.Requires = []string{"go", "docker"}
	b := baseJob()
	b.Requires = []string{"docker", "go"}

	tools := fakeTools{"go": "1", "docker": "2"}
	assert.Equal(t, DeriveKey(a, tools, "d"), DeriveKey(b, tools, "d"))
}
