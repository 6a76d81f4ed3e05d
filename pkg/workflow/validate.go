package workflow

import (
	"fmt"
	"path"
	"strings"

	"github.com/tombee/foreman/pkg/errors"
)

// Validate checks the structural invariants of a workflow: every job is
// named, has at least one step, and its cache directories stay inside the
// workspace. Graph-level invariants (duplicate names, unknown needs, cycles)
// are checked by the DAG builder so they map to the DAG error class.
func (w *Workflow) Validate() error {
	for i := range w.Jobs {
		if err := validateJob(&w.Jobs[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateJob(j *Job) error {
	if j.Name == "" {
		return &errors.ValidationError{
			Field:      "name",
			Message:    "job has no name",
			Suggestion: "every job needs a unique non-empty name",
		}
	}
	if len(j.Steps) == 0 {
		return &errors.ValidationError{
			Field:      "steps",
			Message:    fmt.Sprintf("job %q has no steps", j.Name),
			Suggestion: "a job must declare at least one step",
		}
	}
	for si := range j.Steps {
		s := &j.Steps[si]
		if s.Name == "" {
			return &errors.ValidationError{
				Field:      "steps.name",
				Message:    fmt.Sprintf("job %q has an unnamed step", j.Name),
				Suggestion: "give every step a name",
			}
		}
		if s.Kind == StepKindShell && s.Command == "" {
			return &errors.ValidationError{
				Field:      "steps.run",
				Message:    fmt.Sprintf("shell step %q in job %q has no command", s.Name, j.Name),
				Suggestion: "set run: to the command line to execute",
			}
		}
	}
	for _, n := range j.Needs {
		if n == j.Name {
			return &errors.ValidationError{
				Field:      "needs",
				Message:    fmt.Sprintf("job %q needs itself", j.Name),
				Suggestion: "remove the self-reference from needs",
			}
		}
	}
	if j.CacheKeep < 0 {
		return &errors.ValidationError{
			Field:      "cache_keep",
			Message:    fmt.Sprintf("job %q has negative cache_keep", j.Name),
			Suggestion: "cache_keep must be a small positive integer",
		}
	}
	for _, dir := range j.CacheDirs {
		if escapesWorkspace(dir) {
			return &errors.ValidationError{
				Field:      "cache_dirs",
				Message:    fmt.Sprintf("job %q cache dir %q escapes the workspace", j.Name, dir),
				Suggestion: "cache_dirs must be relative paths inside the workspace",
			}
		}
	}
	return nil
}

// escapesWorkspace reports whether a cache dir would resolve outside the
// workspace root. Absolute paths and anything that cleans to a ".." prefix
// are rejected.
func escapesWorkspace(dir string) bool {
	if strings.HasPrefix(dir, "/") || strings.HasPrefix(dir, "\\") {
		return true
	}
	cleaned := path.Clean(strings.ReplaceAll(dir, "\\", "/"))
	return cleaned == ".." || strings.HasPrefix(cleaned, "../")
}
