/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package http

import (
    "crypto/subtle"
    "net/http"
    "strings"

    "github.com/HamedShams/worklog-pulse/internal/config"
    "github.com/HamedShams/worklog-pulse/internal/services"
    "github.com/gin-gonic/gin"
    "github.com/rs/zerolog"
)

func NewRouter(cfg config.Config, log zerolog.Logger, svc *services.Service) *gin.Engine {
    if cfg.AppEnv != "dev" { gin.SetMode(gin.ReleaseMode) }
    r := gin.New()
    r.Use(gin.Recovery())
    r.Use(func(c *gin.Context) {
        c.Next()
        log.Info().Str("m", c.Request.Method).Str("p", c.FullPath()).Int("s", c.Writer.Status()).Msg("http")
    })

    h := NewHandlers(svc, log)

    r.GET("/healthz", h.Healthz)

    api := r.Group("/api", RequireAuth(cfg.DashboardPassword))
    api.POST("/sync", h.Sync)
    api.GET("/worklogs", h.Worklogs)
    api.POST("/worklogs", h.CreateWorklog)
    api.POST("/suggestions", h.Suggestions)
    api.GET("/targets", h.Targets)
    api.PUT("/targets", h.SetTarget)
    api.GET("/last-run", h.LastRun)

    return r
}

// RequireAuth gates the API behind the dashboard password, supplied either as
// a bearer token or an X-Dashboard-Password header. An empty configured
// password locks the API entirely rather than opening it.
func RequireAuth(password string) gin.HandlerFunc {
    return func(c *gin.Context) {
        supplied := c.GetHeader("X-Dashboard-Password")
        if supplied == "" {
            auth := c.GetHeader("Authorization")
            if strings.HasPrefix(auth, "Bearer ") { supplied = strings.TrimPrefix(auth, "Bearer ") }
        }
        if password == "" || subtle.ConstantTimeCompare([]byte(supplied), []byte(password)) != 1 {
            c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
            return
        }
        c.Next()
    }
}
