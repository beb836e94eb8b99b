// DevPulse - Engineering Activity Ingestion and Analytics
// Copyright 2026 DevPulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/devpulse-io/devpulse

// Package github defines the raw payload shapes returned by the hosted
// version-control commit-history API. Field coverage is limited to what
// the normalizer consumes; unknown fields are ignored on decode.
package github

import "time"

// Commit is one element of the paginated commit-history listing.
type Commit struct {
	SHA    string       `json:"sha"`
	Commit CommitDetail `json:"commit"`
	Author *AccountStub `json:"author"`
	Stats  *CommitStats `json:"stats,omitempty"`
	Files  []CommitFile `json:"files,omitempty"`
}

// CommitDetail is the nested git-level commit information.
type CommitDetail struct {
	Message string       `json:"message"`
	Author  CommitAuthor `json:"author"`
}

// CommitAuthor is the git author identity recorded in the commit itself.
type CommitAuthor struct {
	Name  string    `json:"name"`
	Email string    `json:"email"`
	Date  time.Time `json:"date"`
}

// AccountStub is the hosted account linked to the commit. Nil when the
// commit's email does not map to an account.
type AccountStub struct {
	Login string `json:"login"`
	ID    int64  `json:"id"`
}

// CommitStats carries diff statistics, present only on the single-commit
// detail endpoint.
type CommitStats struct {
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
	Total     int `json:"total"`
}

// CommitFile is one changed file in the commit detail response.
type CommitFile struct {
	Filename  string `json:"filename"`
	Status    string `json:"status"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}
