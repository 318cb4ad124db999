package jobs

import (
    "context"
    "fmt"
    "time"

    "github.com/HamedShams/worklog-pulse/internal/config"
    "github.com/HamedShams/worklog-pulse/internal/domain"
    "github.com/HamedShams/worklog-pulse/internal/repo"
    "github.com/robfig/cron/v3"
    "github.com/rs/zerolog"
)

type service interface {
    FullSync(ctx context.Context) ([]domain.WorkLogRecord, error)
}

type notifier interface {
    SendMessage(ctx context.Context, chatID int64, text string) error
}

type Cron struct {
    cfg  config.Config
    log  zerolog.Logger
    svc  service
    repo *repo.Repository
    tg   notifier
    c    *cron.Cron
}

func NewCron(cfg config.Config, log zerolog.Logger, svc service, r *repo.Repository, tg notifier) *Cron {
    loc, _ := time.LoadLocation(cfg.TZ)
    c := cron.New(cron.WithLocation(loc), cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow)))
    cr := &Cron{cfg: cfg, log: log, svc: svc, repo: r, tg: tg, c: c}
    _, _ = c.AddFunc(cfg.SyncCron, cr.sync)
    return cr
}

func (cr *Cron) Start() { cr.c.Start() }
func (cr *Cron) Stop()  { cr.c.Stop() }

func (cr *Cron) sync() {
    ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
    defer cancel()
    const lockKey int64 = 424242
    ok, err := cr.repo.TryAdvisoryLock(ctx, lockKey)
    if err != nil { cr.log.Error().Err(err).Msg("cron: lock error"); return }
    if !ok { cr.log.Info().Msg("cron: sync already running elsewhere"); return }
    defer func() { _ = cr.repo.AdvisoryUnlock(context.Background(), lockKey) }()
    cr.log.Info().Msg("cron: full sync")
    records, err := cr.svc.FullSync(ctx)
    if err != nil {
        cr.log.Error().Err(err).Msg("cron: sync failed")
        cr.notify(fmt.Sprintf("worklog sync failed: %v", err))
        return
    }
    cr.notify(fmt.Sprintf("worklog sync finished: %d records", len(records)))
}

func (cr *Cron) notify(text string) {
    if cr.tg == nil { return }
    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()
    for _, chatID := range cr.cfg.TelegramChatIDs {
        if err := cr.tg.SendMessage(ctx, chatID, text); err != nil {
            cr.log.Warn().Err(err).Int64("chat", chatID).Msg("cron: notify failed")
        }
    }
}
