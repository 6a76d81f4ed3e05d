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
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/tombee/foreman/internal/commands/daemon"
	"github.com/tombee/foreman/internal/log"
)

// Version information (injected via ldflags at build time)
var version = "dev"

func main() {
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	addr := pflag.String("addr", envOr("FOREMAN_ADDR", "127.0.0.1:8410"), "Listen address")
	dbPath := pflag.String("db", envOr("FOREMAN_DB", "foremand.db"), "SQLite database path")
	leaseTTL := pflag.Duration("lease-ttl", 5*time.Minute, "Job lease time-to-live")
	pflag.Parse()

	err := daemon.Serve(context.Background(), daemon.Config{
		Addr:     *addr,
		DBPath:   *dbPath,
		LeaseTTL: *leaseTTL,
		Version:  version,
		Logger:   logger,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
