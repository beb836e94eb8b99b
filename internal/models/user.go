// DevPulse - Engineering Activity Ingestion and Analytics
// Copyright 2026 DevPulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/devpulse-io/devpulse

package models

import "time"

// Placeholder values assigned to users created lazily by the identity
// resolver. Enrichment (real role/team assignment) happens outside the
// ingestion core and is never overwritten by it.
const (
	DefaultRole = "member"
	DefaultTeam = "unassigned"
)

// User is a canonical user record created the first time an upstream
// identity (commit author, issue assignee) is encountered.
//
// UserID is "{source}:{source_user_id}" and is stable across runs.
type User struct {
	UserID       string    `json:"user_id"`
	Source       string    `json:"source"`
	SourceUserID string    `json:"source_user_id"`
	DisplayName  string    `json:"display_name"`
	Email        string    `json:"email,omitempty"`
	Role         string    `json:"role"`
	Team         string    `json:"team"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// UserKey builds the canonical user ID for an upstream identity.
func UserKey(source, sourceUserID string) string {
	return source + ":" + sourceUserID
}
