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

// Package agent implements the polling worker of the coordination plane. An
// agent leases jobs from the daemon, executes them with the same engine the
// CLI uses, and reports completions.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tombee/foreman/internal/daemon/api"
	"github.com/tombee/foreman/internal/daemon/store"
	"github.com/tombee/foreman/internal/engine"
	"github.com/tombee/foreman/internal/log"
	"github.com/tombee/foreman/internal/selector"
	"github.com/tombee/foreman/pkg/workflow"
)

// DefaultPollInterval is how long the agent sleeps when the queue is idle.
const DefaultPollInterval = 5 * time.Second

// Config configures one agent.
type Config struct {
	// ServerURL is the daemon base URL, e.g. http://127.0.0.1:8410.
	ServerURL string

	// AgentID identifies this agent in leases. Defaults to a random id.
	AgentID string

	// Workspace is where leased jobs execute.
	Workspace string

	// CacheRoot is the agent-local artifact cache.
	CacheRoot string

	// PollInterval is the idle sleep between lease attempts.
	PollInterval time.Duration

	// Logger receives agent logs.
	Logger *slog.Logger
}

// Agent polls the daemon for work.
type Agent struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New creates an agent with defaults applied.
func New(cfg Config) *Agent {
	if cfg.AgentID == "" {
		cfg.AgentID = "agent-" + uuid.NewString()[:8]
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Workspace == "" {
		cfg.Workspace = "."
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Agent{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: log.WithComponent(cfg.Logger, "agent"),
	}
}

// Run polls until the context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("agent started", slog.String("agent_id", a.cfg.AgentID), slog.String("server", a.cfg.ServerURL))
	for {
		leased, err := a.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Warn("poll failed", slog.Any("error", err))
		}
		if leased {
			// Drain the queue before going back to sleep.
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.cfg.PollInterval):
		}
	}
}

// poll makes one lease attempt and executes the job if one was granted.
func (a *Agent) poll(ctx context.Context) (bool, error) {
	lease, err := a.lease(ctx)
	if err != nil || lease == nil {
		return false, err
	}

	var payload store.JobPayload
	if err := json.Unmarshal(lease.Payload, &payload); err != nil {
		// A payload this agent cannot decode will never execute here.
		compErr := a.complete(ctx, lease.JobID, store.StatusFailed, "invalid payload: "+err.Error())
		if compErr != nil {
			return true, compErr
		}
		return true, err
	}

	logger := log.WithJobContext(a.logger, payload.Workflow, payload.Job.Name)
	logger.Info("executing leased job", slog.String("job_id", lease.JobID))

	status, logs := a.execute(ctx, &payload)
	if err := a.complete(ctx, lease.JobID, status, logs); err != nil {
		return true, err
	}
	logger.Info("reported completion", slog.String("status", status))
	return true, nil
}

// execute runs the leased job as a one-job workflow through the engine.
func (a *Agent) execute(ctx context.Context, payload *store.JobPayload) (status, logs string) {
	job := payload.Job
	// Ordering is the daemon's concern; locally the job stands alone.
	job.Needs = nil

	wf := &workflow.Workflow{Name: payload.Workflow, Jobs: []workflow.Job{job}}
	eng, err := engine.New(engine.Options{
		Workspace:    a.cfg.Workspace,
		CacheRoot:    a.cfg.CacheRoot,
		Workers:      1,
		CacheEnabled: true,
		Mode:         selector.ModeAll,
		Logger:       a.logger,
	})
	if err != nil {
		return store.StatusFailed, err.Error()
	}

	report, err := eng.Run(ctx, wf)
	if err != nil {
		return store.StatusFailed, err.Error()
	}

	result := report.Results[job.Name]
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "job=%s outcome=%s cache=%s duration=%s\n",
		result.Name, result.Outcome, result.CacheOutcome, result.Duration.Round(time.Millisecond))
	if result.FailedStep != "" {
		fmt.Fprintf(&buf, "failed_step=%s exit_code=%d\n", result.FailedStep, result.ExitCode)
	}

	switch result.Outcome {
	case engine.OutcomeOK, engine.OutcomeSkipped:
		return store.StatusOK, buf.String()
	case engine.OutcomeCancelled:
		return store.StatusCancelled, buf.String()
	default:
		return store.StatusFailed, buf.String()
	}
}

// lease makes one POST /jobs/lease call. A nil response means the queue is
// idle.
func (a *Agent) lease(ctx context.Context) (*api.LeaseResponse, error) {
	body, _ := json.Marshal(api.LeaseRequest{AgentID: a.cfg.AgentID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.ServerURL+"/jobs/lease", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var lease api.LeaseResponse
		if err := json.NewDecoder(resp.Body).Decode(&lease); err != nil {
			return nil, err
		}
		return &lease, nil
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("lease request returned %d: %s", resp.StatusCode, msg)
	}
}

// complete reports a terminal status for a leased job.
func (a *Agent) complete(ctx context.Context, jobID, status, logs string) error {
	body, _ := json.Marshal(api.CompleteRequest{Status: status, Logs: logs})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/jobs/%s/complete", a.cfg.ServerURL, jobID), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("complete request returned %d: %s", resp.StatusCode, msg)
	}
	return nil
}
