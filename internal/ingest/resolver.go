// DevPulse - Engineering Activity Ingestion and Analytics
// Copyright 2026 DevPulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/devpulse-io/devpulse

package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/devpulse-io/devpulse/internal/models"
)

// UserStore is the identity persistence surface the resolver needs.
// *database.DB satisfies it.
type UserStore interface {
	GetOrCreateUser(ctx context.Context, source, sourceUserID, displayName, email string) (*models.User, bool, error)
}

// IdentityResolver maps upstream identities to canonical user IDs,
// creating placeholder users on first encounter. Resolutions are cached
// per process; the cache only ever grows, since a (source, source user
// ID) mapping is immutable once created.
type IdentityResolver struct {
	store UserStore

	mu    sync.RWMutex
	cache map[string]string

	// onResolve, when set, observes each store-backed resolution for
	// metrics. Cached hits are not reported.
	onResolve func(source string, created bool)
}

// NewIdentityResolver creates a resolver backed by store.
func NewIdentityResolver(store UserStore, onResolve func(source string, created bool)) *IdentityResolver {
	return &IdentityResolver{
		store:     store,
		cache:     make(map[string]string),
		onResolve: onResolve,
	}
}

// Resolve returns the canonical user ID for an upstream identity,
// creating the user when it has not been seen before. A nil identity
// (unattributed commit, unassigned issue) resolves to "" without error.
func (r *IdentityResolver) Resolve(ctx context.Context, source string, identity *Identity) (string, error) {
	if identity == nil || identity.SourceUserID == "" {
		return "", nil
	}

	key := models.UserKey(source, identity.SourceUserID)

	r.mu.RLock()
	userID, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return userID, nil
	}

	user, created, err := r.store.GetOrCreateUser(ctx, source, identity.SourceUserID, identity.DisplayName, identity.Email)
	if err != nil {
		return "", fmt.Errorf("failed to resolve identity %s: %w", key, err)
	}
	if r.onResolve != nil {
		r.onResolve(source, created)
	}

	r.mu.Lock()
	r.cache[key] = user.UserID
	r.mu.Unlock()
	return user.UserID, nil
}

// CacheSize returns the number of cached resolutions.
func (r *IdentityResolver) CacheSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}
