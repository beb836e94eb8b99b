// DevPulse - Engineering Activity Ingestion and Analytics
// Copyright 2026 DevPulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/devpulse-io/devpulse

package ingest

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/devpulse-io/devpulse/internal/models"
	"github.com/devpulse-io/devpulse/internal/models/github"
	"github.com/devpulse-io/devpulse/internal/models/jira"
)

// jiraTimeLayout is the issue tracker's timestamp format.
const jiraTimeLayout = "2006-01-02T15:04:05.000-0700"

// maxTitleLength bounds the canonical title. Commit messages can be
// arbitrarily long; only the first line, truncated, becomes the title.
const maxTitleLength = 512

// Identity is the upstream author extracted during normalization, before
// resolution to a canonical user.
type Identity struct {
	SourceUserID string
	DisplayName  string
	Email        string
}

// NormalizeCommit converts a raw commit payload into a canonical record
// plus the author identity. The same payload always yields the same raw
// signature and field values, which makes re-ingestion idempotent.
func NormalizeCommit(payload []byte, target string) (*models.Record, *Identity, error) {
	var commit github.Commit
	if err := json.Unmarshal(payload, &commit); err != nil {
		return nil, nil, fmt.Errorf("undecodable commit payload: %w", err)
	}
	if commit.SHA == "" {
		return nil, nil, fmt.Errorf("commit payload missing sha")
	}
	if commit.Commit.Author.Date.IsZero() {
		return nil, nil, fmt.Errorf("commit %s missing author date", commit.SHA)
	}

	rec := &models.Record{
		ID:           uuid.New(),
		Source:       models.SourceGitHub,
		Entity:       models.EntityCommit,
		Target:       target,
		RecordID:     commit.SHA,
		RawSignature: models.Signature(models.SourceGitHub, target, commit.SHA),
		Title:        titleFromMessage(commit.Commit.Message),
		Status:       "committed",
		OccurredAt:   commit.Commit.Author.Date.UTC(),
		UpdatedAt:    commit.Commit.Author.Date.UTC(),
		IngestedAt:   time.Now().UTC(),
	}
	if commit.Stats != nil {
		added, deleted := commit.Stats.Additions, commit.Stats.Deletions
		rec.LinesAdded = &added
		rec.LinesDeleted = &deleted
	}

	identity := commitIdentity(&commit)
	return rec, identity, nil
}

// commitIdentity prefers the hosted account login over the raw git email,
// falling back to the email when the commit is not linked to an account.
func commitIdentity(commit *github.Commit) *Identity {
	if commit.Author != nil && commit.Author.Login != "" {
		return &Identity{
			SourceUserID: commit.Author.Login,
			DisplayName:  displayNameOr(commit.Commit.Author.Name, commit.Author.Login),
			Email:        commit.Commit.Author.Email,
		}
	}
	if commit.Commit.Author.Email != "" {
		return &Identity{
			SourceUserID: commit.Commit.Author.Email,
			DisplayName:  displayNameOr(commit.Commit.Author.Name, commit.Commit.Author.Email),
			Email:        commit.Commit.Author.Email,
		}
	}
	return nil
}

// NormalizeIssue converts a raw issue payload into a canonical record
// plus the assignee identity, which is nil for unassigned issues.
func NormalizeIssue(payload []byte, target string) (*models.Record, *Identity, error) {
	var issue jira.Issue
	if err := json.Unmarshal(payload, &issue); err != nil {
		return nil, nil, fmt.Errorf("undecodable issue payload: %w", err)
	}
	if issue.Key == "" {
		return nil, nil, fmt.Errorf("issue payload missing key")
	}
	if issue.Fields.Created == "" {
		return nil, nil, fmt.Errorf("issue %s missing created timestamp", issue.Key)
	}

	createdAt, err := time.Parse(jiraTimeLayout, issue.Fields.Created)
	if err != nil {
		return nil, nil, fmt.Errorf("issue %s has malformed created timestamp: %w", issue.Key, err)
	}
	updatedAt := createdAt
	if issue.Fields.Updated != "" {
		if parsed, err := time.Parse(jiraTimeLayout, issue.Fields.Updated); err == nil {
			updatedAt = parsed
		}
	}

	status := ""
	if issue.Fields.Status != nil {
		status = issue.Fields.Status.Name
	}

	rec := &models.Record{
		ID:           uuid.New(),
		Source:       models.SourceJira,
		Entity:       models.EntityIssue,
		Target:       target,
		RecordID:     issue.Key,
		RawSignature: models.Signature(models.SourceJira, target, issue.Key),
		Title:        truncateTitle(issue.Fields.Summary),
		Status:       status,
		OccurredAt:   createdAt.UTC(),
		UpdatedAt:    updatedAt.UTC(),
		IngestedAt:   time.Now().UTC(),
	}

	var identity *Identity
	if a := issue.Fields.Assignee; a != nil && a.AccountID != "" {
		identity = &Identity{
			SourceUserID: a.AccountID,
			DisplayName:  displayNameOr(a.DisplayName, a.AccountID),
			Email:        a.EmailAddress,
		}
	}
	return rec, identity, nil
}

// titleFromMessage takes the first line of a commit message as the title.
func titleFromMessage(message string) string {
	line, _, _ := strings.Cut(message, "\n")
	return truncateTitle(strings.TrimSpace(line))
}

func truncateTitle(title string) string {
	if len(title) <= maxTitleLength {
		return title
	}
	// Cut on a rune boundary so the truncated title stays valid UTF-8.
	cut := maxTitleLength
	for cut > 0 && !utf8.RuneStart(title[cut]) {
		cut--
	}
	return title[:cut]
}

func displayNameOr(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}

// normalizerFor returns the normalizer for an entity kind.
func normalizerFor(entity string) (func([]byte, string) (*models.Record, *Identity, error), error) {
	switch entity {
	case models.EntityCommit:
		return NormalizeCommit, nil
	case models.EntityIssue:
		return NormalizeIssue, nil
	default:
		return nil, fmt.Errorf("unknown entity %q", entity)
	}
}
