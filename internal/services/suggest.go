/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package services

import (
    "context"
    "math"
    "sort"
    "strings"
    "time"

    "github.com/HamedShams/worklog-pulse/internal/domain"
)

type SuggestionRequest struct {
    Author           string   `json:"author"`
    AccountID        string   `json:"accountId"`
    Date             string   `json:"date"`
    ProjectKey       string   `json:"projectKey"`
    ExcludeIssueKeys []string `json:"excludeIssueKeys"`
}

// Suggestions infers plausible unlogged work for one actor on one calendar
// day from issue change history and comments. Results are ephemeral and
// best-effort: a human reviews them before anything is written back.
func (s *Service) Suggestions(ctx context.Context, req SuggestionRequest) ([]domain.WorklogSuggestion, error) {
    req.Author = strings.TrimSpace(req.Author)
    if req.Author == "" { return nil, &ValidationError{Field: "author", Reason: "must not be empty"} }
    dayStart, dayEnd, err := dayBounds(req.Date)
    if err != nil { return nil, &ValidationError{Field: "date", Reason: "must be YYYY-MM-DD"} }

    // suggestions are self-only: the requested actor must be the identity
    // behind the configured credentials, checked before any data fetch
    me, err := s.jira.Myself(ctx)
    if err != nil { return nil, err }
    if !actorMatches(me, req.Author, req.AccountID) {
        return nil, &AuthorizationError{Reason: "suggestions are limited to the authenticated user"}
    }

    jql := `updated >= "` + dayStart.Format("2006-01-02") + `" AND updated < "` + dayEnd.Format("2006-01-02") + `"`
    if req.ProjectKey != "" { jql = "project = " + req.ProjectKey + " AND " + jql }
    issues, err := s.searchAllIssues(ctx, jql, []string{"summary", "project"}, "changelog", s.cfg.JiraMaxIssues)
    if err != nil { return nil, err }

    excluded := map[string]bool{}
    for _, k := range req.ExcludeIssueKeys { excluded[strings.ToUpper(strings.TrimSpace(k))] = true }

    out := make([]domain.WorklogSuggestion, 0, 8)
    for _, issue := range issues {
        key := toStrAny(issue["key"])
        if key == "" || excluded[strings.ToUpper(key)] { continue }
        sg, ok, err := s.suggestForIssue(ctx, issue, req, dayStart, dayEnd)
        if err != nil { return nil, err }
        if ok { out = append(out, sg) }
    }
    sort.SliceStable(out, func(i, j int) bool {
        if out[i].Started.Equal(out[j].Started) { return out[i].IssueKey < out[j].IssueKey }
        return out[i].Started.Before(out[j].Started)
    })
    return out, nil
}

func (s *Service) suggestForIssue(ctx context.Context, issue map[string]any, req SuggestionRequest, dayStart, dayEnd time.Time) (domain.WorklogSuggestion, bool, error) {
    none := domain.WorklogSuggestion{}
    histories, err := s.allIssueHistories(ctx, issue)
    if err != nil { return none, false, err }

    matching := make([]map[string]any, 0, len(histories))
    for _, h := range histories {
        author, _ := h["author"].(map[string]any)
        if !withinDay(h["created"], dayStart, dayEnd) || !actorMatches(author, req.Author, req.AccountID) { continue }
        matching = append(matching, h)
    }

    comments, err := s.allIssueComments(ctx, toStrAny(issue["key"]))
    if err != nil { return none, false, err }
    matchingComments := make([]map[string]any, 0, len(comments))
    for _, c := range comments {
        author, _ := c["author"].(map[string]any)
        if !withinDay(c["created"], dayStart, dayEnd) || !actorMatches(author, req.Author, req.AccountID) { continue }
        matchingComments = append(matchingComments, c)
    }
    if len(matching) == 0 && len(matchingComments) == 0 { return none, false, nil }

    // never suggest work the actor already logged that day
    wls, err := s.allIssueWorklogs(ctx, issue)
    if err != nil { return none, false, err }
    for _, wl := range wls {
        author, _ := wl["author"].(map[string]any)
        if withinDay(wl["started"], dayStart, dayEnd) && actorMatches(author, req.Author, req.AccountID) {
            return none, false, nil
        }
    }

    changedFields := distinctChangedFields(matching)
    statusChanged := false
    for _, f := range changedFields {
        if f == "status" || f == "resolution" { statusChanged = true }
    }

    started := earliestEvent(matching, matchingComments)
    if started == nil {
        anchor := dayStart.Add(10 * time.Hour)
        started = &anchor
    }

    // the id is keyed on the first event that triggered the suggestion so a
    // re-run over the same activity yields the same id
    sourceID := ""
    if len(matching) > 0 { sourceID = toStrAny(matching[0]["id"]) }
    if sourceID == "" && len(matchingComments) > 0 { sourceID = toStrAny(matchingComments[0]["id"]) }
    if sourceID == "" { sourceID = req.Date }

    fields, _ := issue["fields"].(map[string]any)
    project, _ := fields["project"].(map[string]any)
    summary := changeSummary(changedFields, len(matchingComments) > 0)
    sg := domain.WorklogSuggestion{
        ID:            toStrAny(issue["key"]) + ":" + sourceID,
        IssueID:       toStrAny(issue["id"]),
        IssueKey:      toStrAny(issue["key"]),
        IssueSummary:  toStrAny(fields["summary"]),
        ProjectKey:    toStrAny(project["key"]),
        ProjectName:   toStrAny(project["name"]),
        Started:       *started,
        Seconds:       estimateSeconds(len(matching), len(changedFields), len(matchingComments), statusChanged),
        Comment:       summary,
        ChangeSummary: summary,
        ChangedFields: changedFields,
    }
    return sg, true, nil
}

// allIssueHistories reads the changelog expanded into the search response and
// pages the changelog endpoint for the remainder, up to a hard ceiling.
func (s *Service) allIssueHistories(ctx context.Context, issue map[string]any) ([]map[string]any, error) {
    changelog, _ := issue["changelog"].(map[string]any)
    out := appendWorklogMaps(nil, changelog["histories"])
    total := -1
    if v, ok := changelog["total"].(float64); ok { total = int(v) }
    if total >= 0 && len(out) >= total { return out, nil }
    key := toStrAny(issue["key"])
    if key == "" { return out, nil }
    for page := 0; page < maxHistoryPages; page++ {
        resp, err := s.jira.IssueChangelog(ctx, key, len(out), s.cfg.JiraPageSize)
        if err != nil { return nil, err }
        before := len(out)
        out = appendWorklogMaps(out, resp["values"])
        out = appendWorklogMaps(out, resp["histories"])
        if len(out) == before { break }
        if v, ok := resp["total"].(float64); ok && len(out) >= int(v) { break }
    }
    return out, nil
}

func (s *Service) allIssueComments(ctx context.Context, key string) ([]map[string]any, error) {
    if key == "" { return nil, nil }
    var out []map[string]any
    for page := 0; page < maxHistoryPages; page++ {
        resp, err := s.jira.IssueComments(ctx, key, len(out), s.cfg.JiraPageSize)
        if err != nil { return nil, err }
        before := len(out)
        out = appendWorklogMaps(out, resp["comments"])
        if len(out) == before { break }
        if v, ok := resp["total"].(float64); ok && len(out) >= int(v) { break }
    }
    return out, nil
}

// actorMatches prefers account ids when both sides carry one, otherwise falls
// back to case-insensitive display-name equality.
func actorMatches(author map[string]any, name, accountID string) bool {
    theirID := toStrAny(author["accountId"])
    if accountID != "" && theirID != "" { return strings.EqualFold(theirID, accountID) }
    theirName := toStrAny(author["displayName"])
    return theirName != "" && strings.EqualFold(theirName, name)
}

func withinDay(v any, dayStart, dayEnd time.Time) bool {
    t := parseTimeUTC(v)
    return t != nil && !t.Before(dayStart) && t.Before(dayEnd)
}

func earliestEvent(histories, comments []map[string]any) *time.Time {
    var earliest *time.Time
    consider := func(v any) {
        t := parseTimeUTC(v)
        if t == nil { return }
        if earliest == nil || t.Before(*earliest) { earliest = t }
    }
    for _, h := range histories { consider(h["created"]) }
    for _, c := range comments { consider(c["created"]) }
    return earliest
}

func distinctChangedFields(histories []map[string]any) []string {
    seen := map[string]bool{}
    out := []string{}
    for _, h := range histories {
        items, _ := h["items"].([]any)
        for _, it := range items {
            m, ok := it.(map[string]any)
            if !ok { continue }
            f := strings.ToLower(toStrAny(m["field"]))
            if f == "" || seen[f] { continue }
            seen[f] = true
            out = append(out, f)
        }
    }
    return out
}

// estimateSeconds scores a plausible effort duration from activity volume.
// Always in [0.25h, 6h] and a multiple of a quarter hour.
func estimateSeconds(historyCount, fieldCount, commentCount int, statusChanged bool) int64 {
    hours := 0.75
    hours += math.Min(1.75, 0.35*float64(historyCount))
    hours += math.Min(1.0, 0.15*float64(fieldCount))
    hours += math.Min(1.0, 0.25*float64(commentCount))
    if statusChanged { hours += 0.25 }
    if hours > 6 { hours = 6 }
    hours = math.Round(hours*4) / 4
    if hours < 0.25 { hours = 0.25 }
    return int64(hours * 3600)
}

var fieldPhrases = map[string]string{
    "status":      "status updated",
    "resolution":  "status updated",
    "assignee":    "assignment changed",
    "priority":    "priority adjusted",
    "summary":     "ticket content edited",
    "description": "ticket content edited",
    "labels":      "labels updated",
    "fix version": "release planning updated",
    "sprint":      "sprint planning updated",
}

const maxSummaryPhrases = 4

func changeSummary(changedFields []string, hasComments bool) string {
    seen := map[string]bool{}
    phrases := []string{}
    for _, f := range changedFields {
        p, ok := fieldPhrases[f]
        if !ok { p = "ticket content edited" }
        if seen[p] { continue }
        seen[p] = true
        phrases = append(phrases, p)
    }
    if hasComments && !seen["comments documented"] { phrases = append(phrases, "comments documented") }
    if len(phrases) > maxSummaryPhrases { phrases = phrases[:maxSummaryPhrases] }
    return strings.Join(phrases, "; ")
}
