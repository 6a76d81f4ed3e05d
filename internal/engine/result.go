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
	"time"

	"github.com/tombee/foreman/internal/selector"
)

// Outcome is the terminal state of one job in a run.
type Outcome string

const (
	// OutcomeOK means every step succeeded or the cache restored the job.
	OutcomeOK Outcome = "ok"
	// OutcomeFailed means a step exited non-zero or errored.
	OutcomeFailed Outcome = "failed"
	// OutcomeSkipped means selection left the job out of the run.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeCancelled means the job never ran, or was interrupted, because
	// of an upstream failure or external cancellation.
	OutcomeCancelled Outcome = "cancelled"
)

// CacheOutcome records how the cache participated in one job.
type CacheOutcome string

const (
	// CacheHit means the job's artifacts were restored and its steps skipped.
	CacheHit CacheOutcome = "hit"
	// CacheMiss means the key was absent and the steps ran.
	CacheMiss CacheOutcome = "miss"
	// CacheNotApplicable means the job declares no cache_dirs or caching was
	// disabled for the run.
	CacheNotApplicable CacheOutcome = "not-applicable"
)

// JobResult is the record the scheduler produces for each job a run touched.
type JobResult struct {
	Name         string
	Outcome      Outcome
	CacheOutcome CacheOutcome

	// FailedStep and ExitCode are set when Outcome is failed.
	FailedStep string
	ExitCode   int

	Duration time.Duration
}

// Report aggregates one run.
type Report struct {
	// Plan is the selection the run executed.
	Plan *selector.RunPlan

	// Results indexes job results by name, covering every job the run
	// touched: executed, skipped, and cancelled.
	Results map[string]JobResult
}

// Failed reports whether any job failed.
func (r *Report) Failed() bool {
	for _, res := range r.Results {
		if res.Outcome == OutcomeFailed {
			return true
		}
	}
	return false
}
