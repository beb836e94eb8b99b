// DevPulse - Engineering Activity Ingestion and Analytics
// Copyright 2026 DevPulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/devpulse-io/devpulse

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/devpulse-io/devpulse/internal/logging"
	"github.com/devpulse-io/devpulse/internal/metrics"
	"github.com/devpulse-io/devpulse/internal/models"
)

// userMutex protects concurrent user creation. The mutex plus the UNIQUE
// constraint on (source, source_user_id) ensure only one user row is
// created per upstream identity even under concurrent ingestion runs.
var userMutex sync.Mutex

// GetOrCreateUser atomically retrieves or creates a user for an upstream
// identity. Returns the user and whether a new row was created.
func (db *DB) GetOrCreateUser(ctx context.Context, source, sourceUserID, displayName, email string) (*models.User, bool, error) {
	userMutex.Lock()
	defer userMutex.Unlock()

	existing, err := db.getUserBySourceLocked(ctx, source, sourceUserID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to check existing user: %w", err)
	}

	if existing != nil {
		if shouldUpdateUser(existing, displayName, email) {
			if err := db.updateUserMetadataLocked(ctx, existing.UserID, displayName, email); err != nil {
				// The user exists; a metadata refresh failure is not fatal.
				logging.Warn().Err(err).Str("source", source).Msg("Failed to update user metadata")
			} else {
				existing.DisplayName = displayName
				if email != "" {
					existing.Email = email
				}
			}
		}
		return existing, false, nil
	}

	now := time.Now().UTC()
	user := &models.User{
		UserID:       models.UserKey(source, sourceUserID),
		Source:       source,
		SourceUserID: sourceUserID,
		DisplayName:  displayName,
		Email:        email,
		Role:         models.DefaultRole,
		Team:         models.DefaultTeam,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	start := time.Now()
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO users (
			user_id, source, source_user_id, display_name, email,
			role, team, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.UserID, user.Source, user.SourceUserID, user.DisplayName, user.Email,
		user.Role, user.Team, user.CreatedAt, user.UpdatedAt,
	)
	metrics.RecordDBQuery("insert", "users", time.Since(start), err)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert user: %w", err)
	}
	return user, true, nil
}

// GetUser looks up a user by source and source-specific ID.
func (db *DB) GetUser(ctx context.Context, source, sourceUserID string) (*models.User, error) {
	userMutex.Lock()
	defer userMutex.Unlock()
	user, err := db.getUserBySourceLocked(ctx, source, sourceUserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return user, err
}

func (db *DB) getUserBySourceLocked(ctx context.Context, source, sourceUserID string) (*models.User, error) {
	start := time.Now()
	user := &models.User{}
	err := db.conn.QueryRowContext(ctx, `
		SELECT user_id, source, source_user_id, display_name, email,
			role, team, created_at, updated_at
		FROM users WHERE source = ? AND source_user_id = ?`,
		source, sourceUserID,
	).Scan(
		&user.UserID, &user.Source, &user.SourceUserID, &user.DisplayName, &user.Email,
		&user.Role, &user.Team, &user.CreatedAt, &user.UpdatedAt,
	)
	metrics.RecordDBQuery("select", "users", time.Since(start), ignoreNoRows(err))
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (db *DB) updateUserMetadataLocked(ctx context.Context, userID string, displayName, email string) error {
	start := time.Now()
	query := `UPDATE users SET display_name = ?, updated_at = ? WHERE user_id = ?`
	args := []interface{}{displayName, time.Now().UTC(), userID}
	if email != "" {
		query = `UPDATE users SET display_name = ?, email = ?, updated_at = ? WHERE user_id = ?`
		args = []interface{}{displayName, email, time.Now().UTC(), userID}
	}
	_, err := db.conn.ExecContext(ctx, query, args...)
	metrics.RecordDBQuery("update", "users", time.Since(start), err)
	return err
}

// shouldUpdateUser reports whether the stored user metadata is stale
// relative to what the upstream just reported. An empty upstream email
// never clears a stored one.
func shouldUpdateUser(existing *models.User, displayName, email string) bool {
	if displayName != "" && displayName != existing.DisplayName {
		return true
	}
	if email != "" && email != existing.Email {
		return true
	}
	return false
}
