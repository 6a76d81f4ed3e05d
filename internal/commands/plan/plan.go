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

// Package plan implements the `foreman plan` command.
package plan

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/tombee/foreman/internal/engine"
	"github.com/tombee/foreman/internal/selector"
	"github.com/tombee/foreman/pkg/workflow"
)

// NewPlanCommand creates the plan command.
func NewPlanCommand() *cobra.Command {
	var (
		workflowPath string
		workspace    string
		diff         bool
		compareRef   string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show which jobs would run, without executing them",
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := workflow.Load(workflowPath)
			if err != nil {
				return err
			}

			mode := selector.ModeAll
			if diff {
				mode = selector.ModeDiff
			}

			eng, err := engine.New(engine.Options{
				Workspace:  workspace,
				Mode:       mode,
				CompareRef: compareRef,
			})
			if err != nil {
				return err
			}

			plan, err := eng.Plan(cmd.Context(), wf)
			if err != nil {
				return err
			}

			for i, level := range plan.Levels {
				cmd.Printf("stage %d: %s\n", i+1, strings.Join(level, ", "))
			}
			for _, skipped := range plan.Skipped {
				cmd.Printf("skip %s (%s)\n", skipped.Name, skipped.Reason)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&workflowPath, "workflow", "f", "foreman.yaml", "Path to the workflow definition")
	flags.StringVar(&workspace, "workspace", ".", "Workspace directory")
	flags.BoolVar(&diff, "diff", false, "Apply change-aware selection")
	flags.StringVar(&compareRef, "compare-ref", "origin/main", "Ref to diff against in change-aware mode")

	return cmd
}
