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

// Package daemon implements the coordination daemon's serve loop, shared by
// the foremand binary.
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/tombee/foreman/internal/daemon/api"
	"github.com/tombee/foreman/internal/daemon/store"
	"github.com/tombee/foreman/internal/log"
	"golang.org/x/sync/errgroup"
)

// Config configures the daemon.
type Config struct {
	// Addr is the listen address, e.g. 127.0.0.1:8410.
	Addr string

	// DBPath is the SQLite database file.
	DBPath string

	// LeaseTTL is how long an agent holds a job before the lease is
	// reclaimable.
	LeaseTTL time.Duration

	// Version is reported by the health endpoint.
	Version string

	// Logger receives daemon logs.
	Logger *slog.Logger
}

// Serve runs the daemon until the context is cancelled or a signal arrives.
func Serve(ctx context.Context, cfg Config) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := log.WithComponent(cfg.Logger, "daemon")

	st, err := store.New(store.Config{Path: cfg.DBPath})
	if err != nil {
		return err
	}
	defer st.Close()

	router := api.NewRouter(st, api.RouterConfig{
		Version:  cfg.Version,
		LeaseTTL: cfg.LeaseTTL,
		Logger:   logger,
	})

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("daemon listening", slog.String("addr", cfg.Addr), slog.String("db", cfg.DBPath))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
