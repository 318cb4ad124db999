/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package main

import (
    "context"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/HamedShams/worklog-pulse/internal/adapters/jira"
    "github.com/HamedShams/worklog-pulse/internal/adapters/telegram"
    "github.com/HamedShams/worklog-pulse/internal/config"
    httpx "github.com/HamedShams/worklog-pulse/internal/http"
    "github.com/HamedShams/worklog-pulse/internal/jobs"
    "github.com/HamedShams/worklog-pulse/internal/logger"
    "github.com/HamedShams/worklog-pulse/internal/repo"
    "github.com/HamedShams/worklog-pulse/internal/services"
)

func main() {
    cfg := config.Load()
    log := logger.New(cfg)
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()

    // DB
    db := repo.MustOpen(ctx, cfg, log)
    defer db.Close()

    // Adapters
    jc := jira.NewClient(cfg, log)
    tg := telegram.NewClient(cfg, log)

    // Services
    repository := repo.NewRepository(db, log)
    svc := services.New(cfg, log, repository, jc)

    // HTTP server (Gin)
    router := httpx.NewRouter(cfg, log, svc)

    // Cron
    cron := jobs.NewCron(cfg, log, svc, repository, tg)
    cron.Start()
    defer cron.Stop()

    // graceful shutdown
    errCh := make(chan error, 1)
    go func() { errCh <- router.Run(cfg.HTTPAddr) }()

    sigCh := make(chan os.Signal, 1)
    signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

    select {
    case <-sigCh:
        log.Info().Msg("shutting down...")
    case err := <-errCh:
        if err != nil { log.Error().Err(err).Msg("http server error") }
    }

    time.Sleep(500 * time.Millisecond)
}
