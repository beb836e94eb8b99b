// DevPulse - Engineering Activity Ingestion and Analytics
// Copyright 2026 DevPulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/devpulse-io/devpulse

// Package jira defines the raw payload shapes returned by the issue
// tracker's cursor-based search API.
package jira

// SearchResponse is one page of the issue search endpoint. NextPageToken
// is the opaque continuation token for the following page; IsLast flags
// the end of the result stream.
type SearchResponse struct {
	Issues        []Issue `json:"issues"`
	NextPageToken string  `json:"nextPageToken,omitempty"`
	IsLast        bool    `json:"isLast"`
}

// Issue is one issue as returned by the search endpoint.
type Issue struct {
	ID     string      `json:"id"`
	Key    string      `json:"key"`
	Fields IssueFields `json:"fields"`
}

// IssueFields carries the subset of issue fields the normalizer consumes.
// Created/Updated use the tracker's offset timestamp format
// ("2006-01-02T15:04:05.000-0700") and are parsed by the normalizer.
type IssueFields struct {
	Summary  string    `json:"summary"`
	Status   *Status   `json:"status"`
	Assignee *Account  `json:"assignee"`
	Priority *Priority `json:"priority"`
	Created  string    `json:"created"`
	Updated  string    `json:"updated"`
}

// Status is the issue workflow status.
type Status struct {
	Name string `json:"name"`
}

// Priority is the issue priority.
type Priority struct {
	Name string `json:"name"`
}

// Account is a tracker user reference.
type Account struct {
	AccountID    string `json:"accountId"`
	DisplayName  string `json:"displayName"`
	EmailAddress string `json:"emailAddress,omitempty"`
}
