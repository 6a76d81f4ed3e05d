package workflow

import "fmt"

// Sh creates a shell step. The command runs through a system shell, so
// pipes and redirections work.
func Sh(name, command string) Step {
	return Step{Name: name, Kind: StepKindShell, Command: command}
}

// ShIn creates a shell step with a working directory relative to the
// workspace root.
func ShIn(name, command, dir string) Step {
	return Step{Name: name, Kind: StepKindShell, Command: command, Dir: dir}
}

// JobBuilder assembles a Job incrementally. Intended for programs that embed
// the engine rather than loading YAML definitions.
type JobBuilder struct {
	job Job
}

// NewJob starts building a job with the given name and steps.
func NewJob(name string, steps ...Step) *JobBuilder {
	return &JobBuilder{job: Job{
		Name:        name,
		Steps:       normalizeSteps(steps),
		DiffEnabled: true,
		CacheKeep:   DefaultCacheKeep,
	}}
}

// Needs declares jobs that must complete before this one.
func (b *JobBuilder) Needs(names ...string) *JobBuilder {
	b.job.Needs = append(b.job.Needs, names...)
	return b
}

// Step appends a step.
func (b *JobBuilder) Step(s Step) *JobBuilder {
	b.job.Steps = append(b.job.Steps, normalizeSteps([]Step{s})...)
	return b
}

// Paths sets the globs used by change-aware selection.
func (b *JobBuilder) Paths(globs ...string) *JobBuilder {
	b.job.Paths = append(b.job.Paths, globs...)
	return b
}

// Inputs declares the globs whose content contributes to the cache key.
func (b *JobBuilder) Inputs(globs ...string) *JobBuilder {
	b.job.Inputs = append(b.job.Inputs, globs...)
	return b
}

// Env sets one environment variable applied to every step.
func (b *JobBuilder) Env(key, value string) *JobBuilder {
	if b.job.Env == nil {
		b.job.Env = make(map[string]string)
	}
	b.job.Env[key] = value
	return b
}

// Requires names external tools whose versions salt the cache key.
func (b *JobBuilder) Requires(tools ...string) *JobBuilder {
	b.job.Requires = append(b.job.Requires, tools...)
	return b
}

// CacheDirs declares the directories saved and restored by the cache.
func (b *JobBuilder) CacheDirs(dirs ...string) *JobBuilder {
	b.job.CacheDirs = append(b.job.CacheDirs, dirs...)
	return b
}

// CacheKeep bounds prune retention for this job's key family.
func (b *JobBuilder) CacheKeep(n int) *JobBuilder {
	b.job.CacheKeep = n
	return b
}

// DiffEnabled opts the job in or out of change-aware selection.
func (b *JobBuilder) DiffEnabled(enabled bool) *JobBuilder {
	b.job.DiffEnabled = enabled
	return b
}

// Build finalizes and validates the job.
func (b *JobBuilder) Build() (Job, error) {
	j := b.job
	if j.CacheKeep <= 0 {
		j.CacheKeep = DefaultCacheKeep
	}
	if err := validateJob(&j); err != nil {
		return Job{}, err
	}
	return j, nil
}

// Matrix expands a job template across a set of values, one job per value.
// Mirrors the matrix block of YAML definitions for the builder API.
type Matrix struct {
	Key    string
	Values []string
}

// Jobs calls build once per value and names each result "<name>-<value>"
// with env[Key]=value injected.
func (m Matrix) Jobs(build func(value string) *JobBuilder) ([]Job, error) {
	jobs := make([]Job, 0, len(m.Values))
	for _, value := range m.Values {
		b := build(value)
		b.job.Name = fmt.Sprintf("%s-%s", b.job.Name, value)
		b.Env(m.Key, value)
		j, err := b.Build()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// New assembles a workflow from jobs, validating the result.
func New(name string, jobs ...Job) (*Workflow, error) {
	wf := &Workflow{Name: name, Jobs: jobs}
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return wf, nil
}
