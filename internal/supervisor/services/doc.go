// DevPulse - Engineering Activity Ingestion and Analytics
// Copyright 2026 DevPulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/devpulse-io/devpulse

// Package services wraps DevPulse components as suture services.
//
// Each wrapper adapts a component's native lifecycle (Start/Stop, or
// ListenAndServe/Shutdown) to suture's context-driven Serve method so
// the supervisor tree can restart crashed components independently.
package services
