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
)

// jqlTimeLayout is the timestamp format accepted inside JQL clauses.
const jqlTimeLayout = "2006-01-02 15:04"

// issueSearchFields limits the search response to the fields the
// normalizer consumes.
const issueSearchFields = "summary,status,assignee,priority,created,updated"

// JiraClient fetches issues from the tracker's cursor-based search API.
//
// The search endpoint carries a JQL query, a page size, and an opaque
// continuation token; the response carries the next token plus an
// end-of-results flag. The "since:" cursor becomes an `updated >=` JQL
// bound ordered ascending, and the bound travels inside every
// continuation cursor so each page of a run repeats the same query.
type JiraClient struct {
	baseURL  string
	email    string
	apiToken string
	client   *http.Client
	limiter  *rate.Limiter
}

// NewJiraClient creates an issue-search client from configuration.
func NewJiraClient(cfg *config.JiraConfig) *JiraClient {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &JiraClient{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		email:    cfg.Email,
		apiToken: cfg.APIToken,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// Source implements Client.
func (c *JiraClient) Source() string {
	return models.SourceJira
}

// FetchPage fetches one page of issues for the project identified by
// target (the project key). A 404 yields an empty page, not an error.
func (c *JiraClient) FetchPage(ctx context.Context, target, cursor string, pageSize int) (*Page, error) {
	const op = "jira.fetch_page"

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	token, bound, haveBound := splitJiraCursor(cursor)

	params := url.Values{}
	params.Set("jql", c.jqlFor(target, bound, haveBound))
	params.Set("maxResults", strconv.Itoa(pageSize))
	params.Set("fields", issueSearchFields)
	if token != "" {
		params.Set("nextPageToken", token)
	}
	reqURL := fmt.Sprintf("%s/rest/api/3/search/jql?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, Malformed(op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.email, c.apiToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, Transient(op, err)
	}
	defer resp.Body.Close()

	if handled, page, err := c.handleStatus(op, resp); handled {
		return page, err
	}

	var body struct {
		Issues        []json.RawMessage `json:"issues"`
		NextPageToken string            `json:"nextPageToken"`
		IsLast        bool              `json:"isLast"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, Malformed(op, fmt.Errorf("decoding search page: %w", err))
	}

	page := &Page{Records: make([]RawRecord, 0, len(body.Issues))}
	if !body.IsLast {
		page.NextCursor = joinJiraCursor(body.NextPageToken, bound, haveBound)
	}
	for _, el := range body.Issues {
		var stub struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(el, &stub); err != nil || stub.Key == "" {
			logging.Warn().Str("target", target).Msg("Issue element missing key")
		}
		page.Records = append(page.Records, RawRecord{Key: stub.Key, Payload: el})
	}
	return page, nil
}

// FetchDetail implements Client. Issues need no secondary enrichment;
// the search response already carries every consumed field.
func (c *JiraClient) FetchDetail(_ context.Context, _, _ string) (*Detail, error) {
	return nil, nil
}

// jqlFor builds the search query for a project, bounded by the run's
// since time when one is present. Ascending update order keeps paging
// stable while issues change under the query.
func (c *JiraClient) jqlFor(target string, bound time.Time, haveBound bool) string {
	jql := fmt.Sprintf("project = %q", target)
	if haveBound {
		jql += fmt.Sprintf(" AND updated >= %q", bound.Format(jqlTimeLayout))
	}
	return jql + " ORDER BY updated ASC"
}

// splitJiraCursor decodes the three cursor forms the client emits or
// accepts: a bare "since:" cursor, a bare continuation token, and a
// continuation token with the since bound appended as "<token>|since:...".
// The embedded bound keeps the JQL identical on every page of a run; the
// search API rejects a token paired with a different query.
func splitJiraCursor(cursor string) (token string, bound time.Time, haveBound bool) {
	if cursor == "" {
		return "", time.Time{}, false
	}
	if since, ok := parseSince(cursor); ok {
		return "", since, true
	}
	if idx := strings.LastIndex(cursor, "|"+SincePrefix); idx >= 0 {
		if since, ok := parseSince(cursor[idx+1:]); ok {
			return cursor[:idx], since, true
		}
	}
	return cursor, time.Time{}, false
}

// joinJiraCursor is the inverse of splitJiraCursor for continuation
// cursors.
func joinJiraCursor(token string, bound time.Time, haveBound bool) string {
	if token == "" || !haveBound {
		return token
	}
	return token + "|" + SinceCursor(bound)
}

// handleStatus maps non-200 statuses to the error taxonomy.
func (c *JiraClient) handleStatus(op string, resp *http.Response) (handled bool, page *Page, err error) {
	switch {
	case resp.StatusCode == http.StatusOK:
		return false, nil, nil

	case resp.StatusCode == http.StatusNotFound:
		return true, &Page{}, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return true, nil, RateLimited(op, statusError(resp), retryAfterFromHeaders(resp))

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return true, nil, Forbidden(op, statusError(resp))

	case resp.StatusCode >= 500:
		return true, nil, Transient(op, statusError(resp))

	default:
		// 400 covers rejected JQL; nothing here recovers on retry.
		return true, nil, Malformed(op, statusError(resp))
	}
}
