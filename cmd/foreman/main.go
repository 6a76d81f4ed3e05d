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

package main

import (
	"log/slog"

	"github.com/tombee/foreman/internal/cli"
	agentcmd "github.com/tombee/foreman/internal/commands/agent"
	"github.com/tombee/foreman/internal/commands/plan"
	"github.com/tombee/foreman/internal/commands/run"
	"github.com/tombee/foreman/internal/commands/validate"
	versioncmd "github.com/tombee/foreman/internal/commands/version"
	"github.com/tombee/foreman/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	slog.SetDefault(log.New(log.FromEnv()))
	cli.SetVersion(version, commit, buildDate)

	rootCmd := cli.NewRootCommand()
	rootCmd.AddCommand(
		run.NewRunCommand(),
		plan.NewPlanCommand(),
		validate.NewValidateCommand(),
		agentcmd.NewAgentCommand(),
		versioncmd.NewVersionCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}
