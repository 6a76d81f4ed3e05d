package workflow

import (
	"fmt"
	"os"

	"github.com/tombee/foreman/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Definition is the YAML shape of a workflow file.
//
// Minimal example:
//
//	name: ci
//	jobs:
//	  - name: test
//	    steps:
//	      - name: unit
//	        run: go test ./...
//
// The version field is optional; the loader does not interpret it. Jobs may declare a
// matrix block, which expands the job into one copy per value with the matrix
// key injected into the environment.
type Definition struct {
	// Name is the workflow identifier.
	Name string `yaml:"name"`

	// Version tracks the definition schema version (optional, not interpreted).
	Version string `yaml:"version,omitempty"`

	// Jobs are the units of execution.
	Jobs []JobDefinition `yaml:"jobs"`
}

// JobDefinition is the YAML shape of a single job.
type JobDefinition struct {
	Name      string            `yaml:"name"`
	Steps     []Step            `yaml:"steps"`
	Needs     []string          `yaml:"needs,omitempty"`
	Paths     []string          `yaml:"paths,omitempty"`
	Inputs    []string          `yaml:"inputs,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	CacheDirs []string          `yaml:"cache_dirs,omitempty"`
	Requires  []string          `yaml:"requires,omitempty"`
	CacheKeep int               `yaml:"cache_keep,omitempty"`

	// DiffEnabled defaults to true when omitted; a pointer distinguishes
	// "unset" from an explicit false.
	DiffEnabled *bool `yaml:"diff_enabled,omitempty"`

	// Matrix expands this job into one copy per value.
	Matrix *MatrixDefinition `yaml:"matrix,omitempty"`
}

// MatrixDefinition expands a job template across a set of values.
// Each expansion is named "<job>-<value>" and receives env[Key]=value.
type MatrixDefinition struct {
	Key    string   `yaml:"key"`
	Values []string `yaml:"values"`
}

// Load reads and parses a workflow definition file, returning a validated
// Workflow. Matrix jobs are expanded before validation so that needs edges
// may reference expanded names.
func Load(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errors.ConfigError{Key: path, Reason: "cannot read workflow file", Cause: err}
	}
	return Parse(data, path)
}

// Parse parses workflow YAML. The source argument is only used in error
// messages.
func Parse(data []byte, source string) (*Workflow, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, &errors.ConfigError{Key: source, Reason: "invalid workflow YAML", Cause: err}
	}

	if len(def.Jobs) == 0 {
		return nil, &errors.ValidationError{
			Field:      "jobs",
			Message:    fmt.Sprintf("workflow %s defines no jobs", source),
			Suggestion: "add at least one job with a steps list",
		}
	}

	wf := &Workflow{Name: def.Name}
	if wf.Name == "" {
		wf.Name = "default"
	}

	for i := range def.Jobs {
		jobs, err := expandJob(&def.Jobs[i])
		if err != nil {
			return nil, err
		}
		wf.Jobs = append(wf.Jobs, jobs...)
	}

	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return wf, nil
}

// expandJob applies defaults and matrix expansion to one job definition.
func expandJob(def *JobDefinition) ([]Job, error) {
	base := Job{
		Name:        def.Name,
		Steps:       normalizeSteps(def.Steps),
		Needs:       def.Needs,
		Paths:       def.Paths,
		Inputs:      def.Inputs,
		Env:         def.Env,
		CacheDirs:   def.CacheDirs,
		Requires:    def.Requires,
		CacheKeep:   def.CacheKeep,
		DiffEnabled: true,
	}
	if def.DiffEnabled != nil {
		base.DiffEnabled = *def.DiffEnabled
	}
	if base.CacheKeep <= 0 {
		base.CacheKeep = DefaultCacheKeep
	}

	if def.Matrix == nil {
		return []Job{base}, nil
	}

	if def.Matrix.Key == "" || len(def.Matrix.Values) == 0 {
		return nil, &errors.ValidationError{
			Field:      "matrix",
			Message:    fmt.Sprintf("job %q has an incomplete matrix block", def.Name),
			Suggestion: "matrix needs both a key and a non-empty values list",
		}
	}

	expanded := make([]Job, 0, len(def.Matrix.Values))
	for _, value := range def.Matrix.Values {
		j := base
		j.Name = fmt.Sprintf("%s-%s", base.Name, value)
		j.Env = make(map[string]string, len(base.Env)+1)
		for k, v := range base.Env {
			j.Env[k] = v
		}
		j.Env[def.Matrix.Key] = value
		expanded = append(expanded, j)
	}
	return expanded, nil
}

// normalizeSteps fills in the default step kind.
func normalizeSteps(steps []Step) []Step {
	out := make([]Step, len(steps))
	for i, s := range steps {
		if s.Kind == "" {
			s.Kind = StepKindShell
		}
		out[i] = s
	}
	return out
}
