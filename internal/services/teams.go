package services

import (
    "context"
    "strings"

    "github.com/rs/zerolog"
)

// teamResolver maps an author account to team names via Jira group
// membership. The cache lives for one run so membership changes show up on
// the next sync without any invalidation machinery.
type teamResolver struct {
    jira   JiraClient
    prefix string
    log    zerolog.Logger
    cache  map[string][]string
}

func newTeamResolver(jc JiraClient, prefix string, log zerolog.Logger) *teamResolver {
    return &teamResolver{jira: jc, prefix: prefix, log: log, cache: map[string][]string{}}
}

// resolve returns the author's team names. Lookup failures degrade to no
// teams rather than failing the sync, and the empty result is cached so a
// broken account costs one call per run.
func (r *teamResolver) resolve(ctx context.Context, accountID string) []string {
    if accountID == "" || accountID == "unknown-account" { return []string{} }
    if teams, ok := r.cache[accountID]; ok { return teams }
    groups, err := r.jira.UserGroups(ctx, accountID)
    if err != nil {
        r.log.Warn().Err(err).Str("accountId", accountID).Msg("group lookup failed")
        r.cache[accountID] = []string{}
        return []string{}
    }
    teams := []string{}
    for _, g := range groups {
        m, ok := g.(map[string]any)
        if !ok { continue }
        name, _ := m["name"].(string)
        if name == "" { continue }
        if r.prefix != "" && !strings.Contains(strings.ToLower(name), strings.ToLower(r.prefix)) { continue }
        teams = append(teams, name)
    }
    r.cache[accountID] = teams
    return teams
}
