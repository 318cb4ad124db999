package repo

import (
    "context"
    "errors"
    "fmt"
    "regexp"
    "strings"
    "time"

    "github.com/HamedShams/worklog-pulse/internal/config"
    "github.com/HamedShams/worklog-pulse/internal/domain"
    "github.com/jackc/pgx/v5"
    "github.com/jackc/pgx/v5/pgxpool"
    "github.com/rs/zerolog"
)

type DB struct {
    Pool *pgxpool.Pool
    log  zerolog.Logger
}

func MustOpen(ctx context.Context, cfg config.Config, log zerolog.Logger) *DB {
    pool, err := pgxpool.New(ctx, cfg.DBDSN)
    if err != nil { log.Fatal().Err(err).Msg("db connect failed") }
    ctx2, cancel := context.WithTimeout(ctx, 10*time.Second); defer cancel()
    if err := pool.Ping(ctx2); err != nil { log.Fatal().Err(err).Msg("db ping failed") }
    return &DB{Pool: pool, log: log}
}

func (d *DB) Close() { d.Pool.Close() }

// batchSender is what the fallback chain needs from the pool; *pgxpool.Pool
// satisfies it, and tests substitute a fake that rejects chosen columns.
type batchSender interface {
    SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type querier interface {
    Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Repository struct {
    db  *DB
    log zerolog.Logger
}

func NewRepository(d *DB, log zerolog.Logger) *Repository { return &Repository{db: d, log: log} }

func (r *Repository) TryAdvisoryLock(ctx context.Context, key int64) (bool, error) {
    var ok bool
    err := r.db.Pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok)
    return ok, err
}

func (r *Repository) AdvisoryUnlock(ctx context.Context, key int64) error {
    var ok bool
    err := r.db.Pool.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", key).Scan(&ok)
    if !ok && err == nil { return errors.New("advisory unlock returned false") }
    return err
}

// ---- Worklog upsert with schema fallback ----

const upsertChunkSize = 500
const readPageSize = 1000

// worklogShapes lists persisted column sets newest-first. The table gained
// comment, team_names and author_account_id across deployments, and a calling
// store instance may not have migrated yet; each shape drops the next-newest
// column so writes keep working against older schemas.
var worklogShapes = [][]string{
    {"id", "issue_id", "issue_key", "issue_summary", "project_key", "project_name", "author", "author_account_id", "team_names", "started", "seconds", "comment"},
    {"id", "issue_id", "issue_key", "issue_summary", "project_key", "project_name", "author", "author_account_id", "team_names", "started", "seconds"},
    {"id", "issue_id", "issue_key", "issue_summary", "project_key", "project_name", "author", "author_account_id", "started", "seconds"},
    {"id", "issue_id", "issue_key", "issue_summary", "project_key", "project_name", "author", "started", "seconds"},
}

var missingColumnRe = regexp.MustCompile(`column "?([A-Za-z_]+)"?(?: of relation "[A-Za-z_]+")? does not exist`)

// missingColumn extracts the column named by a schema-mismatch error, or ""
// when the failure is unrelated to a missing column.
func missingColumn(err error) string {
    if err == nil { return "" }
    m := missingColumnRe.FindStringSubmatch(err.Error())
    if m == nil { return "" }
    return m[1]
}

func shapeHas(shape []string, col string) bool {
    for _, c := range shape { if c == col { return true } }
    return false
}

// nextShape advances past shapes that still carry the missing column. Returns
// -1 when no smaller shape omits it, meaning the error was not recoverable.
func nextShape(from int, col string) int {
    if col == "" { return -1 }
    if !shapeHas(worklogShapes[from], col) { return -1 }
    for i := from + 1; i < len(worklogShapes); i++ {
        if !shapeHas(worklogShapes[i], col) { return i }
    }
    return -1
}

func worklogValue(rec domain.WorkLogRecord, col string) any {
    switch col {
    case "id": return rec.ID
    case "issue_id": return rec.IssueID
    case "issue_key": return rec.IssueKey
    case "issue_summary": return rec.IssueSummary
    case "project_key": return rec.ProjectKey
    case "project_name": return rec.ProjectName
    case "author": return rec.Author
    case "author_account_id": return rec.AuthorAccountID
    case "team_names": return rec.TeamNames
    case "started": return rec.Started
    case "seconds": return rec.Seconds
    case "comment": return rec.Comment
    }
    return nil
}

func upsertSQL(shape []string) string {
    ph := make([]string, len(shape))
    sets := make([]string, 0, len(shape)-1)
    for i, c := range shape {
        ph[i] = fmt.Sprintf("$%d", i+1)
        if c != "id" { sets = append(sets, c+"=EXCLUDED."+c) }
    }
    return fmt.Sprintf("INSERT INTO worklogs(%s) VALUES(%s) ON CONFLICT (id) DO UPDATE SET %s",
        strings.Join(shape, ","), strings.Join(ph, ","), strings.Join(sets, ", "))
}

func sendChunk(ctx context.Context, sender batchSender, shape []string, chunk []domain.WorkLogRecord) error {
    batch := &pgx.Batch{}
    q := upsertSQL(shape)
    for _, rec := range chunk {
        args := make([]any, len(shape))
        for i, c := range shape { args[i] = worklogValue(rec, c) }
        batch.Queue(q, args...)
    }
    br := sender.SendBatch(ctx, batch)
    defer br.Close()
    for range chunk { if _, err := br.Exec(); err != nil { return err } }
    return nil
}

// upsertChunk walks the fallback chain for one chunk. Detection is per chunk:
// only an error naming a column the next shape drops triggers a retry, and
// anything else propagates untouched.
func upsertChunk(ctx context.Context, sender batchSender, chunk []domain.WorkLogRecord, log zerolog.Logger) error {
    shapeIdx := 0
    for {
        err := sendChunk(ctx, sender, worklogShapes[shapeIdx], chunk)
        if err == nil { return nil }
        next := nextShape(shapeIdx, missingColumn(err))
        if next < 0 { return err }
        log.Warn().Str("column", missingColumn(err)).Int("shape", next).Msg("worklog upsert falling back to older schema")
        shapeIdx = next
    }
}

// dedupeByID keeps the last occurrence of each id, preserving first-seen order.
func dedupeByID(records []domain.WorkLogRecord) []domain.WorkLogRecord {
    idx := map[string]int{}
    out := make([]domain.WorkLogRecord, 0, len(records))
    for _, rec := range records {
        if i, ok := idx[rec.ID]; ok {
            out[i] = rec
            continue
        }
        idx[rec.ID] = len(out)
        out = append(out, rec)
    }
    return out
}

func chunkRecords(records []domain.WorkLogRecord, size int) [][]domain.WorkLogRecord {
    if size <= 0 { size = upsertChunkSize }
    var out [][]domain.WorkLogRecord
    for i := 0; i < len(records); i += size {
        j := i + size
        if j > len(records) { j = len(records) }
        out = append(out, records[i:j])
    }
    return out
}

// UpsertWorklogs is idempotent: re-writing the same records leaves one row per
// id with the latest field values. Chunks commit sequentially, so a failure on
// chunk N leaves earlier chunks committed.
func (r *Repository) UpsertWorklogs(ctx context.Context, records []domain.WorkLogRecord) error {
    if len(records) == 0 { return nil }
    deduped := dedupeByID(records)
    for _, chunk := range chunkRecords(deduped, upsertChunkSize) {
        if err := upsertChunk(ctx, r.db.Pool, chunk, r.log); err != nil { return err }
    }
    return nil
}

// ---- Worklog read-all with schema fallback ----

func selectSQL(shape []string) string {
    return fmt.Sprintf("SELECT %s FROM worklogs ORDER BY started ASC LIMIT $1 OFFSET $2", strings.Join(shape, ","))
}

func scanWorklog(rows pgx.Rows, shape []string) (domain.WorkLogRecord, error) {
    // defaults for columns an older schema does not carry
    rec := domain.WorkLogRecord{AuthorAccountID: "unknown-account", TeamNames: []string{}}
    dests := make([]any, len(shape))
    for i, c := range shape {
        switch c {
        case "id": dests[i] = &rec.ID
        case "issue_id": dests[i] = &rec.IssueID
        case "issue_key": dests[i] = &rec.IssueKey
        case "issue_summary": dests[i] = &rec.IssueSummary
        case "project_key": dests[i] = &rec.ProjectKey
        case "project_name": dests[i] = &rec.ProjectName
        case "author": dests[i] = &rec.Author
        case "author_account_id": dests[i] = &rec.AuthorAccountID
        case "team_names": dests[i] = &rec.TeamNames
        case "started": dests[i] = &rec.Started
        case "seconds": dests[i] = &rec.Seconds
        case "comment": dests[i] = &rec.Comment
        }
    }
    err := rows.Scan(dests...)
    if rec.TeamNames == nil { rec.TeamNames = []string{} }
    return rec, err
}

func readPage(ctx context.Context, q querier, limit, offset int) ([]domain.WorkLogRecord, error) {
    shapeIdx := 0
    for {
        recs, err := func() ([]domain.WorkLogRecord, error) {
            rows, err := q.Query(ctx, selectSQL(worklogShapes[shapeIdx]), limit, offset)
            if err != nil { return nil, err }
            defer rows.Close()
            var out []domain.WorkLogRecord
            for rows.Next() {
                rec, err := scanWorklog(rows, worklogShapes[shapeIdx])
                if err != nil { return nil, err }
                out = append(out, rec)
            }
            return out, rows.Err()
        }()
        if err == nil { return recs, nil }
        next := nextShape(shapeIdx, missingColumn(err))
        if next < 0 { return nil, err }
        shapeIdx = next
    }
}

// AllWorklogs pages through the full table ordered by started ascending. The
// column fallback is re-detected per page since a migration could land mid-read.
func (r *Repository) AllWorklogs(ctx context.Context) ([]domain.WorkLogRecord, error) {
    var out []domain.WorkLogRecord
    offset := 0
    for {
        page, err := readPage(ctx, r.db.Pool, readPageSize, offset)
        if err != nil { return nil, err }
        out = append(out, page...)
        if len(page) < readPageSize { break }
        offset += readPageSize
    }
    return out, nil
}

// ---- Contributor targets ----

func (r *Repository) UpsertTarget(ctx context.Context, t domain.ContributorTarget) error {
    const q = `INSERT INTO contributor_targets(author, target_hours, updated_at) VALUES($1,$2,now())
        ON CONFLICT (author) DO UPDATE SET target_hours=EXCLUDED.target_hours, updated_at=now()`
    _, err := r.db.Pool.Exec(ctx, q, t.Author, t.TargetHours)
    return err
}

// AllTargets treats a missing table as "no targets configured" so the feature
// works without a migration gate.
func (r *Repository) AllTargets(ctx context.Context) ([]domain.ContributorTarget, error) {
    rows, err := r.db.Pool.Query(ctx, `SELECT author, target_hours, updated_at FROM contributor_targets ORDER BY author`)
    if err != nil {
        if strings.Contains(err.Error(), "contributor_targets") { return []domain.ContributorTarget{}, nil }
        return nil, err
    }
    defer rows.Close()
    out := []domain.ContributorTarget{}
    for rows.Next() {
        var t domain.ContributorTarget
        if err := rows.Scan(&t.Author, &t.TargetHours, &t.UpdatedAt); err != nil { return nil, err }
        out = append(out, t)
    }
    return out, rows.Err()
}

// ---- Sync runs ----

func (r *Repository) StartSyncRun(ctx context.Context) (int64, error) {
    const q = `INSERT INTO sync_runs(started_at, success) VALUES(now(), false) RETURNING id`
    var id int64
    if err := r.db.Pool.QueryRow(ctx, q).Scan(&id); err != nil { return 0, err }
    return id, nil
}

func (r *Repository) FinishSyncRun(ctx context.Context, id int64, records int, success bool, errStr string) error {
    const q = `UPDATE sync_runs SET finished_at=now(), records=$2, success=$3, error=$4 WHERE id=$1`
    _, err := r.db.Pool.Exec(ctx, q, id, records, success, errStr)
    return err
}

func (r *Repository) LastSyncRun(ctx context.Context) (*domain.SyncRun, error) {
    const q = `SELECT id, started_at, finished_at, coalesce(records,0), coalesce(success,false), coalesce(error,'')
        FROM sync_runs ORDER BY id DESC LIMIT 1`
    row := r.db.Pool.QueryRow(ctx, q)
    sr := &domain.SyncRun{}
    if err := row.Scan(&sr.ID, &sr.StartedAt, &sr.FinishedAt, &sr.Records, &sr.Success, &sr.Error); err != nil {
        if errors.Is(err, pgx.ErrNoRows) { return nil, nil }
        return nil, err
    }
    return sr, nil
}
