// DevPulse - Engineering Activity Ingestion and Analytics
// Copyright 2026 DevPulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/devpulse-io/devpulse

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/devpulse/config.yaml",
	"/etc/devpulse/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config with all defaults applied. Defaults are
// loaded first, then overridden by the config file and env vars.
func defaultConfig() *Config {
	return &Config{
		GitHub: GitHubConfig{
			Enabled:           false,
			BaseURL:           "https://api.github.com",
			RequestTimeout:    30 * time.Second,
			RequestsPerSecond: 5,
		},
		Jira: JiraConfig{
			Enabled:           false,
			RequestTimeout:    30 * time.Second,
			RequestsPerSecond: 5,
		},
		Database: DatabaseConfig{
			Path:      "/data/devpulse.duckdb",
			MaxMemory: "1GB",
			Threads:   0,
		},
		Ingest: IngestConfig{
			Interval:                5 * time.Minute,
			Lookback:                30 * 24 * time.Hour,
			SyncAll:                 false,
			PageSize:                100,
			RetryAttempts:           5,
			RetryBaseDelay:          time.Second,
			RateLimitDelay:          30 * time.Second,
			BreakerFailureThreshold: 5,
			BreakerCooldown:         2 * time.Minute,
			DeadLetterEnabled:       true,
			DeadLetterBatch:         100,
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8640,
			Timeout:         30 * time.Second,
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load loads configuration using Koanf v2 with layered sources:
//  1. Defaults: built-in sensible defaults
//  2. Config file: optional YAML file (if found)
//  3. Environment variables: override any setting
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// GITHUB_BASE_URL -> github.base_url, INGEST_PAGE_SIZE -> ingest.page_size
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns the first config file that exists, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths lists config paths parsed as comma-separated slices
// when supplied via environment variables.
var sliceConfigPaths = []string{
	"github.repos",
	"jira.projects",
	"server.cors_origins",
}

// processSliceFields converts comma-separated env strings to slices for
// known slice fields.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		// Already a slice from YAML or defaults.
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

// knownPrefixes maps environment variable prefixes to config sections.
var knownPrefixes = []string{
	"GITHUB_", "JIRA_", "DATABASE_", "INGEST_", "SERVER_", "LOGGING_",
}

// envTransformFunc maps environment variable names to koanf paths:
// GITHUB_BASE_URL -> github.base_url. Variables outside the known
// sections are ignored so unrelated host environment does not leak in.
func envTransformFunc(key string) string {
	for _, prefix := range knownPrefixes {
		if strings.HasPrefix(key, prefix) {
			section := strings.ToLower(strings.TrimSuffix(prefix, "_"))
			rest := strings.ToLower(strings.TrimPrefix(key, prefix))
			return section + "." + rest
		}
	}
	return ""
}
