/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package services

import (
    "context"
    "fmt"
    "strings"
    "time"

    "github.com/HamedShams/worklog-pulse/internal/adapters/jira"
    "github.com/HamedShams/worklog-pulse/internal/domain"
)

// maxHistoryPages bounds per-issue pagination loops so one pathological issue
// cannot stall a whole run.
const maxHistoryPages = 20

var issueFields = []string{"summary", "project", "worklog"}

func (s *Service) syncJQL() string {
    jql := strings.TrimSpace(s.cfg.JiraSyncJQL)
    if len(s.cfg.JiraProjects) == 0 { return jql }
    projects := "project in (" + strings.Join(s.cfg.JiraProjects, ", ") + ")"
    if jql == "" { return projects }
    return projects + " AND (" + jql + ")"
}

// FullSync pulls every matching issue's worklogs from Jira, canonicalizes
// them, and upserts the result. With no store configured the records are
// returned to the caller instead.
func (s *Service) FullSync(ctx context.Context) ([]domain.WorkLogRecord, error) {
    started := time.Now()
    var runID int64
    if s.store != nil {
        id, err := s.store.StartSyncRun(ctx)
        if err != nil { s.log.Warn().Err(err).Msg("sync run bookkeeping unavailable") } else { runID = id }
    }
    records, err := s.collectWorklogs(ctx)
    if err == nil && s.store != nil {
        err = s.store.UpsertWorklogs(ctx, records)
    }
    // the run row must reflect the upsert outcome, not just the fetch
    if s.store != nil && runID != 0 {
        errStr := ""
        if err != nil { errStr = err.Error() }
        if ferr := s.store.FinishSyncRun(ctx, runID, len(records), err == nil, errStr); ferr != nil {
            s.log.Warn().Err(ferr).Msg("finish sync run failed")
        }
    }
    if err != nil { return nil, err }
    s.log.Info().Int("records", len(records)).Dur("took", time.Since(started)).Msg("sync finished")
    return records, nil
}

func (s *Service) collectWorklogs(ctx context.Context) ([]domain.WorkLogRecord, error) {
    fields := issueFields
    if s.cfg.JiraTeamField != "" { fields = append(append([]string{}, fields...), s.cfg.JiraTeamField) }
    issues, err := s.searchAllIssues(ctx, s.syncJQL(), fields, "", s.cfg.JiraMaxIssues)
    if err != nil { return nil, err }
    resolver := newTeamResolver(s.jira, s.cfg.JiraTeamGroupPrefix, s.log)
    records := make([]domain.WorkLogRecord, 0, len(issues)*4)
    for _, issue := range issues {
        wls, err := s.allIssueWorklogs(ctx, issue)
        if err != nil { return nil, err }
        for _, wl := range wls {
            rec, ok := canonicalWorklog(issue, wl, s.resolveTeams(ctx, issue, wl, resolver))
            if !ok { continue }
            records = append(records, rec)
        }
    }
    return records, nil
}

// searchAllIssues drives the JQL search pagination: advance by the page's
// reported size and stop on an empty page, on the reported total, or at the
// configured issue ceiling.
func (s *Service) searchAllIssues(ctx context.Context, jql string, fields []string, expand string, maxIssues int) ([]map[string]any, error) {
    if maxIssues <= 0 { maxIssues = 2000 }
    out := make([]map[string]any, 0, s.cfg.JiraPageSize)
    startAt := 0
    for {
        page, err := s.jira.SearchIssues(ctx, jql, fields, expand, startAt, s.cfg.JiraPageSize)
        if err != nil { return nil, err }
        raw, _ := page["issues"].([]any)
        if len(raw) == 0 { break }
        for _, it := range raw {
            if m, ok := it.(map[string]any); ok { out = append(out, m) }
            if len(out) >= maxIssues { return out, nil }
        }
        advance := len(raw)
        if v, ok := page["maxResults"].(float64); ok && int(v) > 0 && int(v) < advance { advance = int(v) }
        startAt += advance
        if total, ok := page["total"].(float64); ok && startAt >= int(total) { break }
    }
    return out, nil
}

// allIssueWorklogs uses the worklog block embedded in the search response and
// falls back to the per-issue worklog endpoint when the embedded page is
// short of the reported total.
func (s *Service) allIssueWorklogs(ctx context.Context, issue map[string]any) ([]map[string]any, error) {
    fields, _ := issue["fields"].(map[string]any)
    embedded, _ := fields["worklog"].(map[string]any)
    out := appendWorklogMaps(nil, embedded["worklogs"])
    total := -1
    if v, ok := embedded["total"].(float64); ok { total = int(v) }
    if total >= 0 && len(out) >= total { return out, nil }
    key := toStrAny(issue["key"])
    if key == "" { return out, nil }
    for page := 0; page < maxHistoryPages; page++ {
        resp, err := s.jira.IssueWorklogs(ctx, key, len(out), s.cfg.JiraPageSize)
        if err != nil { return nil, err }
        before := len(out)
        out = appendWorklogMaps(out, resp["worklogs"])
        if len(out) == before { break }
        if v, ok := resp["total"].(float64); ok && len(out) >= int(v) { break }
    }
    return out, nil
}

func appendWorklogMaps(dst []map[string]any, raw any) []map[string]any {
    items, _ := raw.([]any)
    for _, it := range items {
        if m, ok := it.(map[string]any); ok { dst = append(dst, m) }
    }
    return dst
}

// resolveTeams prefers an explicit team field on the issue over the worklog
// author's group memberships.
func (s *Service) resolveTeams(ctx context.Context, issue, wl map[string]any, resolver *teamResolver) []string {
    fields, _ := issue["fields"].(map[string]any)
    if s.cfg.JiraTeamField != "" {
        if teams := optionToStrings(fields[s.cfg.JiraTeamField]); len(teams) > 0 { return teams }
    }
    if resolver == nil { return []string{} }
    return resolver.resolve(ctx, worklogAccountID(wl))
}

func worklogAccountID(wl map[string]any) string {
    author, _ := wl["author"].(map[string]any)
    return toStrAny(author["accountId"])
}

// canonicalWorklog maps one raw worklog plus its owning issue into the store
// shape. Worklogs without positive time spent carry no billable signal and
// are dropped.
func canonicalWorklog(issue, wl map[string]any, teams []string) (domain.WorkLogRecord, bool) {
    secs, _ := wl["timeSpentSeconds"].(float64)
    if secs <= 0 { return domain.WorkLogRecord{}, false }
    started := parseTimeUTC(wl["started"])
    if started == nil { return domain.WorkLogRecord{}, false }

    fields, _ := issue["fields"].(map[string]any)
    author, _ := wl["author"].(map[string]any)
    name := toStrAny(author["displayName"])
    if name == "" { name = toStrAny(author["emailAddress"]) }
    if name == "" { name = "Unknown user" }
    accountID := toStrAny(author["accountId"])
    if accountID == "" { accountID = "unknown-account" }

    project, _ := fields["project"].(map[string]any)
    projectKey := toStrAny(project["key"])
    if projectKey == "" { projectKey = "UNKNOWN" }
    projectName := toStrAny(project["name"])
    if projectName == "" { projectName = "Unknown project" }

    if teams == nil { teams = []string{} }

    issueID := toStrAny(issue["id"])
    rec := domain.WorkLogRecord{
        ID:              issueID + ":" + toStrAny(wl["id"]),
        IssueID:         issueID,
        IssueKey:        toStrAny(issue["key"]),
        IssueSummary:    toStrAny(fields["summary"]),
        ProjectKey:      projectKey,
        ProjectName:     projectName,
        Author:          name,
        AuthorAccountID: accountID,
        TeamNames:       teams,
        Started:         *started,
        Seconds:         int64(secs),
        Comment:         jira.ADFToText(wl["comment"]),
    }
    return rec, true
}

func dayBounds(date string) (time.Time, time.Time, error) {
    d, err := time.Parse("2006-01-02", date)
    if err != nil { return time.Time{}, time.Time{}, fmt.Errorf("bad date %q: %w", date, err) }
    start := d.UTC()
    return start, start.Add(24 * time.Hour), nil
}
