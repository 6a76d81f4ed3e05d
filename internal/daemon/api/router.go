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

// Package api provides the HTTP API for the coordination daemon: submitting
// runs, leasing jobs to polling agents, and recording completions.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tombee/foreman/internal/daemon/httputil"
	"github.com/tombee/foreman/internal/daemon/store"
	"github.com/tombee/foreman/pkg/errors"
)

// DefaultLeaseTTL is how long an agent holds a job before the lease is
// reclaimable.
const DefaultLeaseTTL = 5 * time.Minute

// RouterConfig holds configuration for the API router.
type RouterConfig struct {
	Version  string
	LeaseTTL time.Duration
	Logger   *slog.Logger
}

// Store is the persistence surface the API consumes.
type Store interface {
	CreateRun(ctx context.Context, repo, ref string, workflowBytes []byte) (string, error)
	LeaseJob(ctx context.Context, agentID string, ttl time.Duration) (*store.Job, *store.Lease, error)
	CompleteJob(ctx context.Context, jobID, status, logs string) error
	GetRun(ctx context.Context, runID string) (*store.Run, error)
	RunJobs(ctx context.Context, runID string) ([]store.Job, error)
}

// Router wraps an http.ServeMux with the coordination endpoints.
type Router struct {
	mux      *http.ServeMux
	store    Store
	leaseTTL time.Duration
	version  string
	logger   *slog.Logger
	metrics  *Metrics
}

// NewRouter creates a router over the given store.
func NewRouter(store Store, cfg RouterConfig) *Router {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Router{
		mux:      http.NewServeMux(),
		store:    store,
		leaseTTL: cfg.LeaseTTL,
		version:  cfg.Version,
		logger:   cfg.Logger,
		metrics:  NewMetrics(),
	}
	r.routes()
	return r
}

func (r *Router) routes() {
	r.mux.HandleFunc("POST /runs", r.handleCreateRun)
	r.mux.HandleFunc("GET /runs/{id}", r.handleGetRun)
	r.mux.HandleFunc("POST /jobs/lease", r.handleLease)
	r.mux.HandleFunc("POST /jobs/{id}/complete", r.handleComplete)
	r.mux.HandleFunc("GET /healthz", r.handleHealth)
	r.mux.Handle("GET /metrics", promhttp.HandlerFor(r.metrics.Registry, promhttp.HandlerOpts{}))
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": r.version,
	})
}

func decodeJSON(w http.ResponseWriter, req *http.Request, dst any) bool {
	if err := json.NewDecoder(req.Body).Decode(dst); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// writeStoreError maps store error kinds to HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	var notFound *errors.NotFoundError
	var invalid *errors.ValidationError
	switch {
	case errors.As(err, &notFound):
		httputil.WriteError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &invalid):
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
