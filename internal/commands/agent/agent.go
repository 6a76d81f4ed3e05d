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

// Package agent implements the `foreman agent` command.
package agent

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tombee/foreman/internal/agent"
)

// NewAgentCommand creates the agent command: a long-running poller that
// leases jobs from the coordination daemon and executes them locally.
func NewAgentCommand() *cobra.Command {
	var (
		serverURL    string
		agentID      string
		workspace    string
		cacheRoot    string
		pollInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Poll the coordination daemon for jobs and execute them",
		RunE: func(cmd *cobra.Command, args []string) error {
			if serverURL == "" {
				serverURL = os.Getenv("FOREMAN_SERVER_URL")
			}
			if serverURL == "" {
				serverURL = "http://127.0.0.1:8410"
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a := agent.New(agent.Config{
				ServerURL:    serverURL,
				AgentID:      agentID,
				Workspace:    workspace,
				CacheRoot:    cacheRoot,
				PollInterval: pollInterval,
			})
			err := a.Run(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&serverURL, "server", "", "Daemon base URL (default $FOREMAN_SERVER_URL or http://127.0.0.1:8410)")
	flags.StringVar(&agentID, "agent-id", "", "Agent identifier (default random)")
	flags.StringVar(&workspace, "workspace", ".", "Workspace leased jobs execute in")
	flags.StringVar(&cacheRoot, "cache-root", "", "Agent-local artifact cache directory")
	flags.DurationVar(&pollInterval, "poll-interval", agent.DefaultPollInterval, "Idle sleep between lease attempts")

	return cmd
}
