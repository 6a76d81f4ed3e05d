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

// Package validate implements the `foreman validate` command.
package validate

import (
	"github.com/spf13/cobra"
	"github.com/tombee/foreman/internal/dag"
	"github.com/tombee/foreman/internal/engine"
	"github.com/tombee/foreman/pkg/workflow"
)

// NewValidateCommand creates the validate command. It loads the definition,
// validates the dependency graph, and warns about required tools that cannot
// be found on PATH.
func NewValidateCommand() *cobra.Command {
	var workflowPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the workflow definition and dependency graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := workflow.Load(workflowPath)
			if err != nil {
				return err
			}

			g, err := dag.Build(wf.Jobs)
			if err != nil {
				return err
			}

			resolver := engine.NewToolResolver()
			checked := make(map[string]bool)
			for _, name := range g.Order {
				for _, tool := range g.Jobs[name].Requires {
					if checked[tool] {
						continue
					}
					checked[tool] = true
					if _, ok := resolver.Version(tool); !ok {
						cmd.Printf("warning: required tool %q not found", tool)
						if hint := engine.MissingToolHint(tool); hint != "" {
							cmd.Printf(" (%s)", hint)
						}
						cmd.Println()
					}
				}
			}

			cmd.Printf("%s: %d jobs, %d stages, ok\n", workflowPath, len(g.Order), len(g.Levels))
			return nil
		},
	}

	cmd.Flags().StringVarP(&workflowPath, "workflow", "f", "foreman.yaml", "Path to the workflow definition")
	return cmd
}
