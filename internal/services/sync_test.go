package services

import (
    "context"
    "fmt"
    "testing"
    "time"

    "github.com/HamedShams/worklog-pulse/internal/config"
    "github.com/HamedShams/worklog-pulse/internal/domain"
    "github.com/rs/zerolog"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

// fakeJira scripts responses per endpoint and counts calls.
type fakeJira struct {
    searchPages   []map[string]any
    searchCalls   int
    worklogPages  map[string][]map[string]any
    worklogCalls  map[string]int
    commentPages  map[string][]map[string]any
    changelogPage map[string][]map[string]any
    groups        map[string][]any
    groupCalls    int
    me            map[string]any
    created       map[string]any
    createdBody   map[string]any
}

func (f *fakeJira) SearchIssues(ctx context.Context, jql string, fields []string, expand string, startAt, max int) (map[string]any, error) {
    if f.searchCalls >= len(f.searchPages) { return map[string]any{"issues": []any{}}, nil }
    page := f.searchPages[f.searchCalls]
    f.searchCalls++
    return page, nil
}

func pageOf(key string, calls map[string]int, pages map[string][]map[string]any) map[string]any {
    idx := calls[key]
    calls[key]++
    all := pages[key]
    if idx >= len(all) { return map[string]any{} }
    return all[idx]
}

func (f *fakeJira) IssueWorklogs(ctx context.Context, key string, startAt, max int) (map[string]any, error) {
    if f.worklogCalls == nil { f.worklogCalls = map[string]int{} }
    return pageOf(key, f.worklogCalls, f.worklogPages), nil
}

func (f *fakeJira) IssueComments(ctx context.Context, key string, startAt, max int) (map[string]any, error) {
    if f.commentPages == nil { return map[string]any{"comments": []any{}, "total": 0.0}, nil }
    pages := f.commentPages[key]
    if len(pages) == 0 { return map[string]any{"comments": []any{}, "total": 0.0}, nil }
    return pages[0], nil
}

func (f *fakeJira) IssueChangelog(ctx context.Context, key string, startAt, max int) (map[string]any, error) {
    pages := f.changelogPage[key]
    if len(pages) == 0 { return map[string]any{"values": []any{}, "total": 0.0}, nil }
    return pages[0], nil
}

func (f *fakeJira) UserGroups(ctx context.Context, accountID string) ([]any, error) {
    f.groupCalls++
    if g, ok := f.groups[accountID]; ok { return g, nil }
    return nil, fmt.Errorf("account not found")
}

func (f *fakeJira) Myself(ctx context.Context) (map[string]any, error) {
    if f.me == nil { return map[string]any{"displayName": "Ada"}, nil }
    return f.me, nil
}

func (f *fakeJira) CreateWorklog(ctx context.Context, key string, body map[string]any) (map[string]any, error) {
    f.createdBody = body
    if f.created == nil { return map[string]any{"id": "900"}, nil }
    return f.created, nil
}

type fakeStore struct {
    upserted        []domain.WorkLogRecord
    upsertErr       error
    runs            int
    finished        bool
    finishedSuccess bool
    finishedError   string
}

func (s *fakeStore) UpsertWorklogs(ctx context.Context, records []domain.WorkLogRecord) error {
    if s.upsertErr != nil { return s.upsertErr }
    s.upserted = records
    return nil
}
func (s *fakeStore) AllWorklogs(ctx context.Context) ([]domain.WorkLogRecord, error) {
    return s.upserted, nil
}
func (s *fakeStore) UpsertTarget(ctx context.Context, t domain.ContributorTarget) error { return nil }
func (s *fakeStore) AllTargets(ctx context.Context) ([]domain.ContributorTarget, error) {
    return []domain.ContributorTarget{}, nil
}
func (s *fakeStore) StartSyncRun(ctx context.Context) (int64, error) { s.runs++; return int64(s.runs), nil }
func (s *fakeStore) FinishSyncRun(ctx context.Context, id int64, records int, success bool, errStr string) error {
    s.finished = true
    s.finishedSuccess = success
    s.finishedError = errStr
    return nil
}
func (s *fakeStore) LastSyncRun(ctx context.Context) (*domain.SyncRun, error) { return nil, nil }

func testConfig() config.Config {
    return config.Config{JiraPageSize: 50, JiraMaxIssues: 2000, JiraSyncJQL: "worklogDate >= -90d"}
}

func newTestService(jc JiraClient, store Store) *Service {
    return New(testConfig(), zerolog.Nop(), store, jc)
}

func issueFixture(id, key, summary string, worklogs ...any) map[string]any {
    return map[string]any{
        "id":  id,
        "key": key,
        "fields": map[string]any{
            "summary": summary,
            "project": map[string]any{"key": "OPS", "name": "Operations"},
            "worklog": map[string]any{"worklogs": worklogs, "total": float64(len(worklogs))},
        },
    }
}

func TestCanonicalWorklogEndToEnd(t *testing.T) {
    issue := map[string]any{
        "id":     "10001",
        "key":    "OPS-1",
        "fields": map[string]any{"summary": "Fix outage"},
    }
    wl := map[string]any{
        "id":               "500",
        "timeSpentSeconds": 3600.0,
        "started":          "2024-01-01T10:00:00.000Z",
        "author":           map[string]any{"displayName": "Ada"},
    }
    rec, ok := canonicalWorklog(issue, wl, nil)
    require.True(t, ok)
    assert.Equal(t, "10001:500", rec.ID)
    assert.Equal(t, "Ada", rec.Author)
    assert.Equal(t, int64(3600), rec.Seconds)
    assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), rec.Started)
    assert.Equal(t, []string{}, rec.TeamNames)
    assert.Equal(t, "unknown-account", rec.AuthorAccountID)
    assert.Equal(t, "UNKNOWN", rec.ProjectKey)
    assert.Equal(t, "Unknown project", rec.ProjectName)
}

func TestCanonicalWorklogDropsNonPositiveSeconds(t *testing.T) {
    issue := issueFixture("1", "OPS-1", "x")
    for _, secs := range []float64{0, -900} {
        _, ok := canonicalWorklog(issue, map[string]any{
            "id": "2", "timeSpentSeconds": secs, "started": "2024-01-01T10:00:00.000Z",
        }, nil)
        assert.False(t, ok)
    }
}

func TestCanonicalWorklogAuthorPrecedence(t *testing.T) {
    issue := issueFixture("1", "OPS-1", "x")
    wl := func(author map[string]any) map[string]any {
        return map[string]any{"id": "2", "timeSpentSeconds": 60.0, "started": "2024-01-01T10:00:00.000Z", "author": author}
    }
    rec, _ := canonicalWorklog(issue, wl(map[string]any{"displayName": "Ada", "emailAddress": "a@x.io"}), nil)
    assert.Equal(t, "Ada", rec.Author)
    rec, _ = canonicalWorklog(issue, wl(map[string]any{"emailAddress": "a@x.io"}), nil)
    assert.Equal(t, "a@x.io", rec.Author)
    rec, _ = canonicalWorklog(issue, wl(nil), nil)
    assert.Equal(t, "Unknown user", rec.Author)
}

func TestSearchPaginationStopsAtTotal(t *testing.T) {
    // total = 5, page size = 2 -> 3 fetches
    mkPage := func(ids ...string) map[string]any {
        issues := make([]any, 0, len(ids))
        for _, id := range ids { issues = append(issues, issueFixture(id, "OPS-"+id, "s")) }
        return map[string]any{"issues": issues, "total": 5.0, "maxResults": 2.0}
    }
    fj := &fakeJira{searchPages: []map[string]any{mkPage("1", "2"), mkPage("3", "4"), mkPage("5")}}
    svc := newTestService(fj, nil)
    issues, err := svc.searchAllIssues(context.Background(), "x", nil, "", 2000)
    require.NoError(t, err)
    assert.Len(t, issues, 5)
    assert.Equal(t, 3, fj.searchCalls)
}

func TestSearchPaginationEmptyFirstPage(t *testing.T) {
    fj := &fakeJira{searchPages: []map[string]any{{"issues": []any{}, "total": 0.0}}}
    svc := newTestService(fj, nil)
    issues, err := svc.searchAllIssues(context.Background(), "x", nil, "", 2000)
    require.NoError(t, err)
    assert.Empty(t, issues)
    assert.Equal(t, 1, fj.searchCalls)
}

func TestSearchPaginationHonorsMaxIssues(t *testing.T) {
    page := map[string]any{"issues": []any{
        issueFixture("1", "OPS-1", "s"), issueFixture("2", "OPS-2", "s"), issueFixture("3", "OPS-3", "s"),
    }, "total": 100.0}
    fj := &fakeJira{searchPages: []map[string]any{page, page}}
    svc := newTestService(fj, nil)
    issues, err := svc.searchAllIssues(context.Background(), "x", nil, "", 2)
    require.NoError(t, err)
    assert.Len(t, issues, 2)
    assert.Equal(t, 1, fj.searchCalls)
}

func TestWorklogsBeyondEmbeddedPageAreFetched(t *testing.T) {
    issue := issueFixture("10", "OPS-10", "s", map[string]any{"id": "1"})
    fields := issue["fields"].(map[string]any)
    fields["worklog"].(map[string]any)["total"] = 3.0
    fj := &fakeJira{worklogPages: map[string][]map[string]any{
        "OPS-10": {{"worklogs": []any{map[string]any{"id": "2"}, map[string]any{"id": "3"}}, "total": 3.0}},
    }}
    svc := newTestService(fj, nil)
    wls, err := svc.allIssueWorklogs(context.Background(), issue)
    require.NoError(t, err)
    assert.Len(t, wls, 3)
}

func TestFullSyncUpsertsCanonicalRecords(t *testing.T) {
    wl := map[string]any{
        "id": "500", "timeSpentSeconds": 1800.0, "started": "2024-03-05T09:00:00.000Z",
        "author": map[string]any{"displayName": "Ada", "accountId": "acc-1"},
    }
    page := map[string]any{"issues": []any{issueFixture("10001", "OPS-1", "Fix outage", wl)}, "total": 1.0}
    fj := &fakeJira{searchPages: []map[string]any{page}}
    store := &fakeStore{}
    svc := newTestService(fj, store)
    records, err := svc.FullSync(context.Background())
    require.NoError(t, err)
    require.Len(t, records, 1)
    assert.Equal(t, "10001:500", records[0].ID)
    assert.Equal(t, records, store.upserted)
    assert.True(t, store.finished)
    assert.True(t, store.finishedSuccess)
}

func TestFullSyncStoreFailureRecordedAsFailed(t *testing.T) {
    wl := map[string]any{
        "id": "500", "timeSpentSeconds": 1800.0, "started": "2024-03-05T09:00:00.000Z",
        "author": map[string]any{"displayName": "Ada", "accountId": "acc-1"},
    }
    page := map[string]any{"issues": []any{issueFixture("10001", "OPS-1", "Fix outage", wl)}, "total": 1.0}
    fj := &fakeJira{searchPages: []map[string]any{page}}
    store := &fakeStore{upsertErr: fmt.Errorf("connection reset")}
    svc := newTestService(fj, store)
    _, err := svc.FullSync(context.Background())
    require.Error(t, err)
    assert.True(t, store.finished)
    assert.False(t, store.finishedSuccess)
    assert.Contains(t, store.finishedError, "connection reset")
}

func TestTeamResolverCachesPerRun(t *testing.T) {
    fj := &fakeJira{groups: map[string][]any{
        "acc-1": {map[string]any{"name": "team-platform"}, map[string]any{"name": "jira-users"}},
    }}
    r := newTeamResolver(fj, "team-", zerolog.Nop())
    assert.Equal(t, []string{"team-platform"}, r.resolve(context.Background(), "acc-1"))
    assert.Equal(t, []string{"team-platform"}, r.resolve(context.Background(), "acc-1"))
    assert.Equal(t, 1, fj.groupCalls)
}

func TestTeamResolverSwallowsLookupFailures(t *testing.T) {
    fj := &fakeJira{groups: map[string][]any{}}
    r := newTeamResolver(fj, "", zerolog.Nop())
    assert.Equal(t, []string{}, r.resolve(context.Background(), "acc-missing"))
    r.resolve(context.Background(), "acc-missing")
    assert.Equal(t, 1, fj.groupCalls)
}

func TestIssueTeamFieldWinsOverGroups(t *testing.T) {
    cfg := testConfig()
    cfg.JiraTeamField = "customfield_10100"
    fj := &fakeJira{groups: map[string][]any{"acc-1": {map[string]any{"name": "team-groups"}}}}
    svc := New(cfg, zerolog.Nop(), nil, fj)
    issue := issueFixture("1", "OPS-1", "s")
    issue["fields"].(map[string]any)["customfield_10100"] = []any{map[string]any{"value": "Platform"}}
    wl := map[string]any{"author": map[string]any{"accountId": "acc-1"}}
    teams := svc.resolveTeams(context.Background(), issue, wl, newTeamResolver(fj, "", zerolog.Nop()))
    assert.Equal(t, []string{"Platform"}, teams)
    assert.Equal(t, 0, fj.groupCalls)
}

func TestCreateWorklogValidation(t *testing.T) {
    svc := newTestService(&fakeJira{}, nil)
    _, err := svc.CreateWorklog(context.Background(), CreateWorklogRequest{Started: "2024-01-01T10:00:00Z", Seconds: 600})
    var ve *ValidationError
    require.ErrorAs(t, err, &ve)
    assert.Equal(t, "issueKey", ve.Field)

    _, err = svc.CreateWorklog(context.Background(), CreateWorklogRequest{IssueKey: "OPS-1", Started: "yesterday", Seconds: 600})
    require.ErrorAs(t, err, &ve)
    assert.Equal(t, "started", ve.Field)

    _, err = svc.CreateWorklog(context.Background(), CreateWorklogRequest{IssueKey: "OPS-1", Started: "2024-01-01T10:00:00Z", Seconds: 0})
    require.ErrorAs(t, err, &ve)
    assert.Equal(t, "seconds", ve.Field)
}

func TestCreateWorklogFloorsToOneMinute(t *testing.T) {
    fj := &fakeJira{created: map[string]any{"id": "900", "timeSpentSeconds": 60.0}}
    svc := newTestService(fj, nil)
    created, err := svc.CreateWorklog(context.Background(), CreateWorklogRequest{
        IssueKey: "OPS-1", Started: "2024-01-01T10:00:00Z", Seconds: 10, Comment: "quick check",
    })
    require.NoError(t, err)
    assert.Equal(t, int64(60), fj.createdBody["timeSpentSeconds"])
    assert.Equal(t, "900", created.RemoteID)
    assert.Equal(t, "quick check", created.Comment)
}
