// DevPulse - Engineering Activity Ingestion and Analytics
// Copyright 2026 DevPulse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/devpulse-io/devpulse

package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/devpulse-io/devpulse/internal/config"
	"github.com/devpulse-io/devpulse/internal/logging"
	"github.com/devpulse-io/devpulse/internal/models"
	"github.com/devpulse-io/devpulse/internal/models/github"
)

// GitHubClient fetches commit history from the hosted version-control API.
//
// Paging follows the API's Link header: the next-page URL returned under
// rel="next" is used verbatim as the opaque cursor. Rate-limit state is
// read from the X-RateLimit-Remaining / X-RateLimit-Reset headers to
// separate "forbidden" from "rate limited" on HTTP 403.
//
// Thread safety: safe for concurrent use; each request is independent.
type GitHubClient struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

// NewGitHubClient creates a commit-history client from configuration.
func NewGitHubClient(cfg *config.GitHubConfig) *GitHubClient {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GitHubClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// Source implements Client.
func (c *GitHubClient) Source() string {
	return models.SourceGitHub
}

// FetchPage fetches one page of commits for the repository identified by
// target ("owner/repo"). A 404 yields an empty page, not an error.
func (c *GitHubClient) FetchPage(ctx context.Context, target, cursor string, pageSize int) (*Page, error) {
	const op = "github.fetch_page"

	reqURL := c.pageURL(target, cursor, pageSize)
	resp, err := c.do(ctx, op, reqURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if handled, page, err := c.handleStatus(op, resp); handled {
		return page, err
	}

	var elements []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&elements); err != nil {
		return nil, Malformed(op, fmt.Errorf("decoding commit page: %w", err))
	}

	page := &Page{
		Records:    make([]RawRecord, 0, len(elements)),
		NextCursor: nextLinkURL(resp.Header.Get("Link")),
	}
	for _, el := range elements {
		var stub struct {
			SHA string `json:"sha"`
		}
		if err := json.Unmarshal(el, &stub); err != nil || stub.SHA == "" {
			// Keep the element; the normalizer reports it as malformed
			// with per-record isolation rather than failing the page.
			logging.Warn().Str("target", target).Msg("Commit element missing sha")
		}
		page.Records = append(page.Records, RawRecord{Key: stub.SHA, Payload: el})
	}
	return page, nil
}

// FetchDetail fetches diff statistics for a single commit.
func (c *GitHubClient) FetchDetail(ctx context.Context, target, key string) (*Detail, error) {
	const op = "github.fetch_detail"

	reqURL := fmt.Sprintf("%s/repos/%s/commits/%s", c.baseURL, target, url.PathEscape(key))
	resp, err := c.do(ctx, op, reqURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if handled, _, err := c.handleStatus(op, resp); handled {
		return nil, err
	}

	var detail github.Commit
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		return nil, Malformed(op, fmt.Errorf("decoding commit detail: %w", err))
	}
	if detail.Stats == nil {
		return nil, nil
	}
	return &Detail{
		LinesAdded:   detail.Stats.Additions,
		LinesDeleted: detail.Stats.Deletions,
	}, nil
}

// pageURL builds the listing URL for the first page (since cursor) or
// reuses the upstream next-page URL verbatim.
func (c *GitHubClient) pageURL(target, cursor string, pageSize int) string {
	if cursor != "" && !strings.HasPrefix(cursor, SincePrefix) {
		return cursor
	}

	params := url.Values{}
	params.Set("per_page", strconv.Itoa(pageSize))
	if since, ok := parseSince(cursor); ok {
		params.Set("since", since.Format(time.RFC3339))
	}
	return fmt.Sprintf("%s/repos/%s/commits?%s", c.baseURL, target, params.Encode())
}

// do performs one paced, authenticated GET. Network failures are
// transient by definition.
func (c *GitHubClient) do(ctx context.Context, op, reqURL string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, Malformed(op, err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, Transient(op, err)
	}
	return resp, nil
}

// handleStatus maps non-200 statuses to the error taxonomy. Returns
// handled=false for 200 so the caller proceeds to decode.
func (c *GitHubClient) handleStatus(op string, resp *http.Response) (handled bool, page *Page, err error) {
	switch {
	case resp.StatusCode == http.StatusOK:
		return false, nil, nil

	case resp.StatusCode == http.StatusNotFound:
		// Permanently absent target: an empty page and a clean run, so
		// retry and breaker state are not poisoned (see package doc).
		return true, &Page{}, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return true, nil, RateLimited(op, statusError(resp), retryAfterFromHeaders(resp))

	case resp.StatusCode == http.StatusForbidden:
		if resp.Header.Get("X-RateLimit-Remaining") == "0" {
			return true, nil, RateLimited(op, statusError(resp), retryAfterFromHeaders(resp))
		}
		return true, nil, Forbidden(op, statusError(resp))

	case resp.StatusCode == http.StatusUnauthorized:
		return true, nil, Forbidden(op, statusError(resp))

	case resp.StatusCode >= 500:
		return true, nil, Transient(op, statusError(resp))

	default:
		return true, nil, Malformed(op, statusError(resp))
	}
}

// statusError builds an error carrying the status and a bounded slice of
// the response body.
func statusError(resp *http.Response) error {
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, readBodyForError(resp.Body))
}

// retryAfterFromHeaders derives a backoff hint from Retry-After or the
// rate-limit reset epoch.
func retryAfterFromHeaders(resp *http.Response) time.Duration {
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	if reset := resp.Header.Get("X-RateLimit-Reset"); reset != "" {
		if epoch, err := strconv.ParseInt(reset, 10, 64); err == nil {
			if wait := time.Until(time.Unix(epoch, 0)); wait > 0 {
				return wait
			}
		}
	}
	return 0
}

// nextLinkURL extracts the rel="next" URL from a Link header, or ""
// when the final page was reached.
func nextLinkURL(header string) string {
	for _, part := range strings.Split(header, ",") {
		section := strings.Split(part, ";")
		if len(section) < 2 {
			continue
		}
		if strings.TrimSpace(section[1]) != `rel="next"` {
			continue
		}
		link := strings.TrimSpace(section[0])
		return strings.Trim(link, "<>")
	}
	return ""
}
