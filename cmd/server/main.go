// DevPulse - Engineering Activity Ingestion and Analytics
// Copyright 2026 DevPulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/devpulse-io/devpulse

// Package main is the entry point for the DevPulse server.
//
// DevPulse pulls engineering activity out of commit histories and issue
// trackers, normalizes it into a canonical record schema, and stores it in
// DuckDB for analytics queries over the REST API.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: settings from environment variables and config file (Koanf v2)
//  2. Database: DuckDB canonical store with schema migration
//  3. Audit log: run history backed by the same DuckDB connection
//  4. Ingest manager: one client per enabled source, each behind a
//     circuit breaker
//  5. HTTP server: REST API plus Prometheus metrics
//  6. Supervisor tree: suture-managed lifecycle for the ingest loop and
//     the HTTP server
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins): environment variables, config file (config.yaml),
// built-in defaults.
//
// Commit ingestion:
//   - GITHUB_ENABLED=true, GITHUB_TOKEN, GITHUB_REPOS=acme/api,acme/web
//
// Issue ingestion:
//   - JIRA_ENABLED=true, JIRA_BASE_URL, JIRA_EMAIL, JIRA_API_TOKEN,
//     JIRA_PROJECTS=PROJ,OPS
//
// # Signal Handling
//
// The server shuts down gracefully on SIGINT and SIGTERM: the supervisor
// cancels both layers, the HTTP server drains in-flight requests, and the
// ingest manager waits for any running ingestion to finish its page.
//
// # Example Usage
//
//	export GITHUB_ENABLED=true
//	export GITHUB_TOKEN=ghp_your-token
//	export GITHUB_REPOS=acme/api
//	export DATABASE_PATH=/var/lib/devpulse/devpulse.db
//	./devpulse
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/devpulse-io/devpulse/internal/api"
	"github.com/devpulse-io/devpulse/internal/audit"
	"github.com/devpulse-io/devpulse/internal/config"
	"github.com/devpulse-io/devpulse/internal/database"
	"github.com/devpulse-io/devpulse/internal/ingest"
	"github.com/devpulse-io/devpulse/internal/logging"
	"github.com/devpulse-io/devpulse/internal/metrics"
	"github.com/devpulse-io/devpulse/internal/source"
	"github.com/devpulse-io/devpulse/internal/supervisor"
	"github.com/devpulse-io/devpulse/internal/supervisor/services"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("version", version).
		Bool("github_enabled", cfg.GitHub.Enabled).
		Bool("jira_enabled", cfg.Jira.Enabled).
		Str("db_path", cfg.Database.Path).
		Msg("Starting DevPulse")

	db, err := database.New(&cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()
	logging.Info().Msg("Database initialized")

	auditLog := audit.NewDuckDBStore(db.Conn())
	recorder := metrics.NewRecorder()

	manager := ingest.NewManager(db, auditLog, recorder, cfg)
	breakerCfg := ingest.BreakerConfig{
		FailureThreshold: cfg.Ingest.BreakerFailureThreshold,
		Cooldown:         cfg.Ingest.BreakerCooldown,
	}
	if cfg.GitHub.Enabled {
		manager.RegisterClient(ingest.NewBreakerClient(source.NewGitHubClient(&cfg.GitHub), breakerCfg))
		logging.Info().Strs("repos", cfg.GitHub.Repos).Msg("Commit ingestion enabled")
	}
	if cfg.Jira.Enabled {
		manager.RegisterClient(ingest.NewBreakerClient(source.NewJiraClient(&cfg.Jira), breakerCfg))
		logging.Info().Strs("projects", cfg.Jira.Projects).Msg("Issue ingestion enabled")
	}
	if len(manager.Sources()) == 0 {
		logging.Warn().Msg("No sources enabled; only the HTTP API will be served")
	}

	handler := api.NewHandler(manager, db, auditLog, recorder, version)
	router := api.NewRouter(handler, &cfg.Server)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Setup(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
	}

	tree := supervisor.NewTree(slog.New(logging.NewSlogHandler()), supervisor.DefaultTreeConfig())
	tree.AddIngestService(services.NewIngestService(manager))
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.Timeout))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().Str("addr", server.Addr).Msg("Server listening")
	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		logging.Error().Err(err).Msg("Supervisor tree exited")
		os.Exit(1)
	}
	logging.Info().Msg("Shutdown complete")
}
