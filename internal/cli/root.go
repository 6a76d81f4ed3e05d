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

// Package cli provides the root command and central exit-code handling for
// the foreman CLI.
//
// Exit codes:
//
//	0  all selected jobs succeeded (including vacuous skips)
//	1  at least one job failed
//	2  workflow load error
//	3  graph validation error (cycle, unknown needs, duplicate name)
//	4  repository-facts error in change-aware mode
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tombee/foreman/internal/dag"
	"github.com/tombee/foreman/internal/gitrepo"
	"github.com/tombee/foreman/pkg/errors"
)

// Exit codes returned by the CLI.
const (
	ExitOK           = 0
	ExitJobFailed    = 1
	ExitLoadError    = 2
	ExitGraphError   = 3
	ExitGitError     = 4
	ExitUsageError   = 64
	ExitRuntimeError = 70
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// SetVersion sets the version information (called from main).
func SetVersion(v, c, b string) {
	version, commit, buildDate = v, c, b
}

// GetVersion returns version information.
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// NewRootCommand creates the root Cobra command for foreman.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "foreman",
		Short: "foreman - local continuous-integration runner",
		Long: `Foreman runs a declared workflow of jobs against the local repository:
it selects the jobs affected by your changes, executes them in parallel
respecting declared dependencies, and reuses prior results through a
content-addressed artifact cache.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}
	return cmd
}

// JobsFailedError signals that the run finished but at least one job failed.
type JobsFailedError struct {
	Failed []string
}

// Error implements the error interface.
func (e *JobsFailedError) Error() string {
	return fmt.Sprintf("%d job(s) failed", len(e.Failed))
}

// ExitCode maps an error to the CLI's exit code contract.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var (
		jobsFailed *JobsFailedError
		duplicate  *dag.DuplicateJobError
		unknown    *dag.UnknownNeedError
		cycle      *dag.CycleError
		unknownRef *gitrepo.UnknownRefError
		validation *errors.ValidationError
		config     *errors.ConfigError
	)

	switch {
	case errors.As(err, &jobsFailed):
		return ExitJobFailed
	case errors.As(err, &duplicate), errors.As(err, &unknown), errors.As(err, &cycle):
		return ExitGraphError
	case errors.Is(err, gitrepo.ErrNotARepository), errors.As(err, &unknownRef):
		return ExitGitError
	case errors.As(err, &validation), errors.As(err, &config):
		return ExitLoadError
	default:
		return ExitJobFailed
	}
}

// HandleExitError prints the error and exits with the mapped code.
func HandleExitError(err error) {
	if err == nil {
		os.Exit(ExitOK)
	}
	fmt.Fprintln(os.Stderr, "Error:", err)

	var validation *errors.ValidationError
	if errors.As(err, &validation) && validation.Suggestion != "" {
		fmt.Fprintln(os.Stderr, "Hint:", validation.Suggestion)
	}

	os.Exit(ExitCode(err))
}
