/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package services

import (
    "context"
    "fmt"
    "math"
    "strings"
    "time"

    "github.com/HamedShams/worklog-pulse/internal/adapters/jira"
    "github.com/HamedShams/worklog-pulse/internal/config"
    "github.com/HamedShams/worklog-pulse/internal/domain"
    "github.com/rs/zerolog"
)

type JiraClient interface {
    SearchIssues(ctx context.Context, jql string, fields []string, expand string, startAt, max int) (map[string]any, error)
    IssueWorklogs(ctx context.Context, key string, startAt, max int) (map[string]any, error)
    IssueComments(ctx context.Context, key string, startAt, max int) (map[string]any, error)
    IssueChangelog(ctx context.Context, key string, startAt, max int) (map[string]any, error)
    UserGroups(ctx context.Context, accountID string) ([]any, error)
    Myself(ctx context.Context) (map[string]any, error)
    CreateWorklog(ctx context.Context, key string, body map[string]any) (map[string]any, error)
}

// Store is the narrow repository surface the sync engine depends on. A nil
// Store is valid: records are returned to the caller instead of persisted.
type Store interface {
    UpsertWorklogs(ctx context.Context, records []domain.WorkLogRecord) error
    AllWorklogs(ctx context.Context) ([]domain.WorkLogRecord, error)
    UpsertTarget(ctx context.Context, t domain.ContributorTarget) error
    AllTargets(ctx context.Context) ([]domain.ContributorTarget, error)
    StartSyncRun(ctx context.Context) (int64, error)
    FinishSyncRun(ctx context.Context, id int64, records int, success bool, errStr string) error
    LastSyncRun(ctx context.Context) (*domain.SyncRun, error)
}

type ValidationError struct {
    Field  string
    Reason string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason) }

type AuthorizationError struct {
    Reason string
}

func (e *AuthorizationError) Error() string { return e.Reason }

type Service struct {
    cfg   config.Config
    log   zerolog.Logger
    store Store
    jira  JiraClient
}

func New(cfg config.Config, log zerolog.Logger, store Store, jc JiraClient) *Service {
    return &Service{cfg: cfg, log: log, store: store, jira: jc}
}

func (s *Service) AllWorklogs(ctx context.Context) ([]domain.WorkLogRecord, error) {
    if s.store == nil { return nil, fmt.Errorf("no store configured") }
    return s.store.AllWorklogs(ctx)
}

func (s *Service) LastSyncRun(ctx context.Context) (*domain.SyncRun, error) {
    if s.store == nil { return nil, fmt.Errorf("no store configured") }
    return s.store.LastSyncRun(ctx)
}

const maxTargetHours = 1000

func (s *Service) SetTarget(ctx context.Context, author string, hours float64) (*domain.ContributorTarget, error) {
    author = strings.TrimSpace(author)
    if author == "" { return nil, &ValidationError{Field: "author", Reason: "must not be empty"} }
    if math.IsNaN(hours) || math.IsInf(hours, 0) { return nil, &ValidationError{Field: "targetHours", Reason: "must be a finite number"} }
    if hours < 0 || hours > maxTargetHours { return nil, &ValidationError{Field: "targetHours", Reason: fmt.Sprintf("must be between 0 and %d", maxTargetHours)} }
    if s.store == nil { return nil, fmt.Errorf("no store configured") }
    t := domain.ContributorTarget{Author: author, TargetHours: hours, UpdatedAt: time.Now().UTC()}
    if err := s.store.UpsertTarget(ctx, t); err != nil { return nil, err }
    return &t, nil
}

func (s *Service) AllTargets(ctx context.Context) ([]domain.ContributorTarget, error) {
    if s.store == nil { return []domain.ContributorTarget{}, nil }
    return s.store.AllTargets(ctx)
}

type CreateWorklogRequest struct {
    IssueKey string `json:"issueKey"`
    Started  string `json:"started"`
    Seconds  int64  `json:"seconds"`
    Comment  string `json:"comment"`
}

const minWorklogSeconds = 60

// CreateWorklog writes one real work log to the remote service. Never retried:
// a duplicate POST would double-log time.
func (s *Service) CreateWorklog(ctx context.Context, req CreateWorklogRequest) (*domain.CreatedWorklog, error) {
    if strings.TrimSpace(req.IssueKey) == "" { return nil, &ValidationError{Field: "issueKey", Reason: "must not be empty"} }
    started := parseTimeUTC(req.Started)
    if started == nil { return nil, &ValidationError{Field: "started", Reason: "must be an ISO-8601 timestamp"} }
    if req.Seconds <= 0 { return nil, &ValidationError{Field: "seconds", Reason: "must be a positive integer"} }
    secs := req.Seconds
    if secs < minWorklogSeconds { secs = minWorklogSeconds }
    body := map[string]any{
        "started":          jira.FormatStarted(*started),
        "timeSpentSeconds": secs,
        "comment":          jira.TextToADF(req.Comment),
    }
    resp, err := s.jira.CreateWorklog(ctx, strings.TrimSpace(req.IssueKey), body)
    if err != nil { return nil, err }
    out := &domain.CreatedWorklog{
        RemoteID: toStrAny(resp["id"]),
        Started:  *started,
        Seconds:  secs,
        Comment:  jira.ADFToText(jira.TextToADF(req.Comment)),
    }
    if t := parseTimeUTC(resp["started"]); t != nil { out.Started = *t }
    if v, ok := resp["timeSpentSeconds"].(float64); ok { out.Seconds = int64(v) }
    s.log.Info().Str("issue", req.IssueKey).Int64("seconds", out.Seconds).Msg("worklog created")
    return out, nil
}

// ---- shared JSON navigation helpers ----

func parseTimeUTC(v any) *time.Time {
    s, _ := v.(string)
    if s == "" { return nil }
    layouts := []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000-0700", "2006-01-02T15:04:05-0700"}
    for _, l := range layouts {
        if t, err := time.Parse(l, s); err == nil {
            tt := t.UTC(); return &tt
        }
    }
    return nil
}

func toStrAny(v any) string {
    if v == nil { return "" }
    if s, ok := v.(string); ok { return s }
    if f, ok := v.(float64); ok { return strings.TrimSuffix(fmt.Sprintf("%.0f", f), ".") }
    return fmt.Sprintf("%v", v)
}

// optionToStrings extracts option values from a multi-valued custom field.
func optionToStrings(v any) []string {
    switch t := v.(type) {
    case nil:
        return nil
    case string:
        if strings.TrimSpace(t) == "" { return nil }
        return []string{t}
    case map[string]any:
        if s, ok := t["value"].(string); ok { return []string{s} }
        if name, ok := t["name"].(string); ok { return []string{name} }
        return nil
    case []any:
        out := make([]string, 0, len(t))
        for _, it := range t {
            for _, s := range optionToStrings(it) { out = append(out, s) }
        }
        return out
    default:
        return nil
    }
}
