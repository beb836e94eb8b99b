// DevPulse - Engineering Activity Ingestion and Analytics
// Copyright 2026 DevPulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/devpulse-io/devpulse

// Package config provides centralized configuration for DevPulse, loaded
// in layers via Koanf v2: built-in defaults, then an optional YAML config
// file, then environment variables (highest priority).
package config

import (
	"fmt"
	"time"
)

// Config holds all application configuration.
//
// Config is immutable after Load() and safe for concurrent read access.
type Config struct {
	GitHub   GitHubConfig   `koanf:"github"`
	Jira     JiraConfig     `koanf:"jira"`
	Database DatabaseConfig `koanf:"database"`
	Ingest   IngestConfig   `koanf:"ingest"`
	Server   ServerConfig   `koanf:"server"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// GitHubConfig holds connection settings for the commit-history source.
//
// Environment variables:
//   - GITHUB_ENABLED: enable commit ingestion (default: false)
//   - GITHUB_BASE_URL: API base URL (default: https://api.github.com)
//   - GITHUB_TOKEN: access token (required when enabled)
//   - GITHUB_REPOS: comma-separated "owner/repo" targets
type GitHubConfig struct {
	Enabled           bool          `koanf:"enabled"`
	BaseURL           string        `koanf:"base_url"`
	Token             string        `koanf:"token"`
	Repos             []string      `koanf:"repos"`
	RequestTimeout    time.Duration `koanf:"request_timeout"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`
}

// JiraConfig holds connection settings for the issue-tracking source.
//
// Environment variables:
//   - JIRA_ENABLED: enable issue ingestion (default: false)
//   - JIRA_BASE_URL: tracker base URL (e.g. https://example.atlassian.net)
//   - JIRA_EMAIL / JIRA_API_TOKEN: basic-auth credential pair
//   - JIRA_PROJECTS: comma-separated project keys
type JiraConfig struct {
	Enabled           bool          `koanf:"enabled"`
	BaseURL           string        `koanf:"base_url"`
	Email             string        `koanf:"email"`
	APIToken          string        `koanf:"api_token"`
	Projects          []string      `koanf:"projects"`
	RequestTimeout    time.Duration `koanf:"request_timeout"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`
}

// DatabaseConfig holds DuckDB settings for the canonical store.
type DatabaseConfig struct {
	Path      string `koanf:"path"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads"` // 0 = runtime.NumCPU()
}

// IngestConfig holds orchestration settings shared by all
// (source, entity) pairs.
//
// The retry schedule is exponential: attempt k waits
// RetryBaseDelay * 2^(k-1). Rate-limited failures wait at least
// RateLimitDelay regardless of attempt number.
type IngestConfig struct {
	// Interval between scheduled runs per pair.
	Interval time.Duration `koanf:"interval"`

	// Lookback bounds the first run when no checkpoint exists.
	Lookback time.Duration `koanf:"lookback"`

	// SyncAll fetches full history on the first run instead of Lookback.
	SyncAll bool `koanf:"sync_all"`

	PageSize       int           `koanf:"page_size"`
	RetryAttempts  int           `koanf:"retry_attempts"`
	RetryBaseDelay time.Duration `koanf:"retry_base_delay"`
	RateLimitDelay time.Duration `koanf:"rate_limit_delay"`

	// Circuit breaker guarding each pair's upstream calls.
	BreakerFailureThreshold uint32        `koanf:"breaker_failure_threshold"`
	BreakerCooldown         time.Duration `koanf:"breaker_cooldown"`

	// DeadLetterEnabled keeps failed records on a retry list instead of
	// dropping them once the checkpoint moves past their page.
	DeadLetterEnabled bool `koanf:"dead_letter_enabled"`

	// DeadLetterBatch bounds how many dead letters one run re-processes.
	DeadLetterBatch int `koanf:"dead_letter_batch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	Timeout         time.Duration `koanf:"timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Validate checks configuration invariants after loading.
func (c *Config) Validate() error {
	if c.GitHub.Enabled {
		if c.GitHub.BaseURL == "" {
			return fmt.Errorf("github.base_url is required when github is enabled")
		}
		if c.GitHub.Token == "" {
			return fmt.Errorf("github.token is required when github is enabled")
		}
		if len(c.GitHub.Repos) == 0 {
			return fmt.Errorf("github.repos must list at least one owner/repo target")
		}
	}

	if c.Jira.Enabled {
		if c.Jira.BaseURL == "" {
			return fmt.Errorf("jira.base_url is required when jira is enabled")
		}
		if c.Jira.Email == "" || c.Jira.APIToken == "" {
			return fmt.Errorf("jira.email and jira.api_token are required when jira is enabled")
		}
		if len(c.Jira.Projects) == 0 {
			return fmt.Errorf("jira.projects must list at least one project key")
		}
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Ingest.PageSize <= 0 {
		return fmt.Errorf("ingest.page_size must be positive, got %d", c.Ingest.PageSize)
	}
	if c.Ingest.RetryAttempts <= 0 {
		return fmt.Errorf("ingest.retry_attempts must be positive, got %d", c.Ingest.RetryAttempts)
	}
	if c.Ingest.BreakerFailureThreshold == 0 {
		return fmt.Errorf("ingest.breaker_failure_threshold must be positive")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	return nil
}
