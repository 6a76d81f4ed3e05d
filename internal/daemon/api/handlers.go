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

package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/tombee/foreman/internal/daemon/httputil"
	"github.com/tombee/foreman/internal/log"
)

// CreateRunRequest is the body of POST /runs.
type CreateRunRequest struct {
	Repo string `json:"repo"`
	Ref  string `json:"ref"`
	// WorkflowBytes is the YAML workflow definition, base64-encoded on the
	// wire as usual for JSON byte fields.
	WorkflowBytes []byte `json:"workflow_bytes"`
}

// CreateRunResponse is the body returned by POST /runs.
type CreateRunResponse struct {
	RunID string `json:"run_id"`
}

// LeaseRequest is the body of POST /jobs/lease.
type LeaseRequest struct {
	AgentID string `json:"agent_id"`
}

// LeaseResponse is the body returned when a job is available.
type LeaseResponse struct {
	JobID          string          `json:"job_id"`
	Payload        json.RawMessage `json:"payload"`
	LeaseExpiresAt time.Time       `json:"lease_expires_at"`
}

// CompleteRequest is the body of POST /jobs/{id}/complete.
type CompleteRequest struct {
	Status string `json:"status"`
	Logs   string `json:"logs"`
}

// RunStatusResponse describes one run and its jobs.
type RunStatusResponse struct {
	RunID  string      `json:"run_id"`
	Repo   string      `json:"repo"`
	Status string      `json:"status"`
	Jobs   []JobStatus `json:"jobs"`
}

// JobStatus is one job row in a run status response.
type JobStatus struct {
	JobID   string `json:"job_id"`
	JobName string `json:"job_name"`
	Status  string `json:"status"`
}

func (r *Router) handleCreateRun(w http.ResponseWriter, req *http.Request) {
	var body CreateRunRequest
	if !decodeJSON(w, req, &body) {
		return
	}
	if body.Repo == "" || len(body.WorkflowBytes) == 0 {
		httputil.WriteError(w, http.StatusBadRequest, "repo and workflow_bytes are required")
		return
	}

	runID, err := r.store.CreateRun(req.Context(), body.Repo, body.Ref, body.WorkflowBytes)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	r.metrics.RunsCreated.Inc()
	r.logger.Info("run queued", slog.String(log.RunIDKey, runID), slog.String("repo", body.Repo))
	httputil.WriteJSON(w, http.StatusCreated, CreateRunResponse{RunID: runID})
}

func (r *Router) handleGetRun(w http.ResponseWriter, req *http.Request) {
	runID := req.PathValue("id")
	run, err := r.store.GetRun(req.Context(), runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	jobs, err := r.store.RunJobs(req.Context(), runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	resp := RunStatusResponse{RunID: run.ID, Repo: run.Repo, Status: run.Status}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, JobStatus{JobID: j.ID, JobName: j.JobName, Status: j.Status})
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (r *Router) handleLease(w http.ResponseWriter, req *http.Request) {
	var body LeaseRequest
	if !decodeJSON(w, req, &body) {
		return
	}
	if body.AgentID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	job, lease, err := r.store.LeaseJob(req.Context(), body.AgentID, r.leaseTTL)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	r.metrics.JobsLeased.Inc()
	r.logger.Info("job leased",
		slog.String("job_id", job.ID),
		slog.String(log.JobKey, job.JobName),
		slog.String("agent_id", body.AgentID))
	httputil.WriteJSON(w, http.StatusOK, LeaseResponse{
		JobID:          job.ID,
		Payload:        json.RawMessage(job.Payload),
		LeaseExpiresAt: lease.ExpiresAt,
	})
}

func (r *Router) handleComplete(w http.ResponseWriter, req *http.Request) {
	jobID := req.PathValue("id")

	var body CompleteRequest
	if !decodeJSON(w, req, &body) {
		return
	}

	if err := r.store.CompleteJob(req.Context(), jobID, body.Status, body.Logs); err != nil {
		writeStoreError(w, err)
		return
	}

	r.metrics.JobsCompleted.WithLabelValues(body.Status).Inc()
	r.logger.Info("job completed", slog.String("job_id", jobID), slog.String("status", body.Status))
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": body.Status})
}
