package domain

import "time"

// WorkLogRecord is the canonical, store-ready representation of one remote
// work log. ID is {issueID}:{worklogID} because raw worklog ids are only
// unique within their owning issue.
type WorkLogRecord struct {
    ID              string    `json:"id"`
    IssueID         string    `json:"issueId"`
    IssueKey        string    `json:"issueKey"`
    IssueSummary    string    `json:"issueSummary"`
    ProjectKey      string    `json:"projectKey"`
    ProjectName     string    `json:"projectName"`
    Author          string    `json:"author"`
    AuthorAccountID string    `json:"authorAccountId"`
    TeamNames       []string  `json:"teamNames"`
    Started         time.Time `json:"started"`
    Seconds         int64     `json:"seconds"`
    Comment         string    `json:"comment"`
}

type ContributorTarget struct {
    Author      string    `json:"author"`
    TargetHours float64   `json:"targetHours"`
    UpdatedAt   time.Time `json:"updatedAt"`
}

// WorklogSuggestion is ephemeral: generated on demand, never persisted.
type WorklogSuggestion struct {
    ID            string    `json:"id"`
    IssueID       string    `json:"issueId"`
    IssueKey      string    `json:"issueKey"`
    IssueSummary  string    `json:"issueSummary"`
    ProjectKey    string    `json:"projectKey"`
    ProjectName   string    `json:"projectName"`
    Started       time.Time `json:"started"`
    Seconds       int64     `json:"seconds"`
    Comment       string    `json:"comment"`
    ChangeSummary string    `json:"changeSummary"`
    ChangedFields []string  `json:"changedFields"`
}

// CreatedWorklog echoes the remote service's view of a worklog we created.
type CreatedWorklog struct {
    RemoteID string    `json:"remoteId"`
    Started  time.Time `json:"started"`
    Seconds  int64     `json:"seconds"`
    Comment  string    `json:"normalizedComment"`
}

type SyncRun struct {
    ID         int64      `json:"id"`
    StartedAt  time.Time  `json:"started_at"`
    FinishedAt *time.Time `json:"finished_at"`
    Records    int        `json:"records"`
    Success    bool       `json:"success"`
    Error      string     `json:"error"`
}
