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
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the daemon's Prometheus collectors on a private registry so
// tests can create routers without collector collisions.
type Metrics struct {
	Registry      *prometheus.Registry
	RunsCreated   prometheus.Counter
	JobsLeased    prometheus.Counter
	JobsCompleted *prometheus.CounterVec
}

// NewMetrics creates and registers the daemon collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Registry: registry,
		RunsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "foreman_runs_created_total",
			Help: "Number of runs submitted to the daemon.",
		}),
		JobsLeased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "foreman_jobs_leased_total",
			Help: "Number of job leases granted to agents.",
		}),
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "foreman_jobs_completed_total",
			Help: "Number of job completions reported, by status.",
		}, []string{"status"}),
	}

	registry.MustRegister(m.RunsCreated, m.JobsLeased, m.JobsCompleted)
	return m
}
