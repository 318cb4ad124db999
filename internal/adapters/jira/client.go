/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package jira

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net/http"
    "net/url"
    "strings"
    "time"

    "github.com/HamedShams/worklog-pulse/internal/config"
    "github.com/cenkalti/backoff/v4"
    "github.com/rs/zerolog"
    "golang.org/x/time/rate"
)

// RequestError is any non-2xx response from Jira. Callers never see partial
// JSON on error; they get the status and the raw body.
type RequestError struct {
    Status int
    Body   string
}

func (e *RequestError) Error() string {
    return fmt.Sprintf("jira api status=%d body=%s", e.Status, e.Body)
}

func (e *RequestError) retryable() bool { return e.Status == http.StatusTooManyRequests || e.Status >= 500 }

type Client struct {
    baseURL string
    email   string
    token   string
    http    *http.Client
    limiter *rate.Limiter
    log     zerolog.Logger
}

func NewClient(cfg config.Config, log zerolog.Logger) *Client {
    limit := cfg.JiraRateLimit
    if limit <= 0 { limit = 5 }
    return &Client{
        baseURL: strings.TrimRight(cfg.JiraBaseURL, "/"),
        email:   cfg.JiraEmail,
        token:   cfg.JiraAPIToken,
        http:    &http.Client{ Timeout: cfg.HTTPTimeout },
        limiter: rate.NewLimiter(rate.Limit(limit), 1),
        log:     log,
    }
}

func (c *Client) apiURL(path string, q url.Values) string {
    if !strings.HasPrefix(path, "/") { path = "/" + path }
    u := c.baseURL + path
    if len(q) > 0 { u = u + "?" + q.Encode() }
    return u
}

func (c *Client) do(ctx context.Context, method, u string, body any) ([]byte, error) {
    if c.baseURL == "" { return nil, errors.New("jira: empty baseURL") }
    if err := c.limiter.Wait(ctx); err != nil { return nil, err }
    var r io.Reader
    if body != nil {
        b, err := json.Marshal(body)
        if err != nil { return nil, err }
        r = strings.NewReader(string(b))
    }
    req, err := http.NewRequestWithContext(ctx, method, u, r)
    if err != nil { return nil, err }
    req.Header.Set("Accept", "application/json")
    // every call must reflect live remote state
    req.Header.Set("Cache-Control", "no-cache")
    if body != nil { req.Header.Set("Content-Type", "application/json") }
    req.SetBasicAuth(c.email, c.token)
    resp, err := c.http.Do(req)
    if err != nil { return nil, err }
    defer resp.Body.Close()
    b, err := io.ReadAll(resp.Body)
    if err != nil { return nil, err }
    if resp.StatusCode < 200 || resp.StatusCode >= 300 {
        return nil, &RequestError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
    }
    return b, nil
}

// Get fetches a JSON object. Transient failures (429, 5xx, transport errors)
// are retried with exponential backoff; GETs are idempotent so this is safe.
func (c *Client) Get(ctx context.Context, path string, q url.Values) (map[string]any, error) {
    u := c.apiURL(path, q)
    var raw []byte
    op := func() error {
        b, err := c.do(ctx, http.MethodGet, u, nil)
        if err != nil {
            var re *RequestError
            if errors.As(err, &re) && !re.retryable() { return backoff.Permanent(err) }
            c.log.Warn().Err(err).Str("url", u).Msg("jira get retrying")
            return err
        }
        raw = b
        return nil
    }
    bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
    if err := backoff.Retry(op, bo); err != nil { return nil, err }
    var out map[string]any
    if len(raw) == 0 { return map[string]any{}, nil }
    if err := json.Unmarshal(raw, &out); err != nil { return nil, err }
    return out, nil
}

// GetArray is Get for the few endpoints that return a top-level JSON array.
func (c *Client) GetArray(ctx context.Context, path string, q url.Values) ([]any, error) {
    u := c.apiURL(path, q)
    var raw []byte
    op := func() error {
        b, err := c.do(ctx, http.MethodGet, u, nil)
        if err != nil {
            var re *RequestError
            if errors.As(err, &re) && !re.retryable() { return backoff.Permanent(err) }
            return err
        }
        raw = b
        return nil
    }
    bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
    if err := backoff.Retry(op, bo); err != nil { return nil, err }
    if len(raw) == 0 { return []any{}, nil }
    var out []any
    if err := json.Unmarshal(raw, &out); err != nil { return nil, err }
    return out, nil
}

// Post never retries: a duplicate POST could create a duplicate remote worklog.
func (c *Client) Post(ctx context.Context, path string, body any, q url.Values) (map[string]any, error) {
    b, err := c.do(ctx, http.MethodPost, c.apiURL(path, q), body)
    if err != nil { return nil, err }
    var out map[string]any
    if len(b) == 0 { return map[string]any{}, nil }
    if err := json.Unmarshal(b, &out); err != nil { return nil, err }
    return out, nil
}

// SearchIssues runs one page of a JQL search with field projection and
// optional expand (changelog).
func (c *Client) SearchIssues(ctx context.Context, jql string, fields []string, expand string, startAt, max int) (map[string]any, error) {
    if jql == "" { return nil, errors.New("jira: empty jql") }
    q := url.Values{}
    q.Set("jql", jql)
    q.Set("startAt", fmt.Sprint(startAt))
    if max > 0 { q.Set("maxResults", fmt.Sprint(max)) }
    if len(fields) > 0 { q.Set("fields", strings.Join(fields, ",")) }
    if expand != "" { q.Set("expand", expand) }
    return c.Get(ctx, "/rest/api/3/search", q)
}

func (c *Client) IssueWorklogs(ctx context.Context, key string, startAt, max int) (map[string]any, error) {
    if key == "" { return nil, errors.New("jira: empty issue key") }
    q := url.Values{}
    q.Set("startAt", fmt.Sprint(startAt))
    if max > 0 { q.Set("maxResults", fmt.Sprint(max)) }
    return c.Get(ctx, "/rest/api/3/issue/"+url.PathEscape(key)+"/worklog", q)
}

func (c *Client) IssueComments(ctx context.Context, key string, startAt, max int) (map[string]any, error) {
    if key == "" { return nil, errors.New("jira: empty issue key") }
    q := url.Values{}
    q.Set("startAt", fmt.Sprint(startAt))
    if max > 0 { q.Set("maxResults", fmt.Sprint(max)) }
    return c.Get(ctx, "/rest/api/3/issue/"+url.PathEscape(key)+"/comment", q)
}

func (c *Client) IssueChangelog(ctx context.Context, key string, startAt, max int) (map[string]any, error) {
    if key == "" { return nil, errors.New("jira: empty issue key") }
    q := url.Values{}
    q.Set("startAt", fmt.Sprint(startAt))
    if max > 0 { q.Set("maxResults", fmt.Sprint(max)) }
    return c.Get(ctx, "/rest/api/3/issue/"+url.PathEscape(key)+"/changelog", q)
}

// UserGroups lists group memberships for one account.
func (c *Client) UserGroups(ctx context.Context, accountID string) ([]any, error) {
    if accountID == "" { return nil, errors.New("jira: empty accountId") }
    q := url.Values{}
    q.Set("accountId", accountID)
    return c.GetArray(ctx, "/rest/api/3/user/groups", q)
}

// Myself returns the identity behind the configured credentials.
func (c *Client) Myself(ctx context.Context) (map[string]any, error) {
    return c.Get(ctx, "/rest/api/3/myself", nil)
}

func (c *Client) CreateWorklog(ctx context.Context, key string, body map[string]any) (map[string]any, error) {
    if key == "" { return nil, errors.New("jira: empty issue key") }
    return c.Post(ctx, "/rest/api/3/issue/"+url.PathEscape(key)+"/worklog", body, nil)
}

// FormatStarted renders a timestamp in the offset notation Jira requires for
// worklog creation.
func FormatStarted(t time.Time) string {
    return t.Format("2006-01-02T15:04:05.000-0700")
}
