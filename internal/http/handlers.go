/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package http

import (
    "errors"
    "net/http"

    "github.com/HamedShams/worklog-pulse/internal/adapters/jira"
    "github.com/HamedShams/worklog-pulse/internal/services"
    "github.com/gin-gonic/gin"
    "github.com/rs/zerolog"
)

type Handlers struct {
    svc *services.Service
    log zerolog.Logger
}

func NewHandlers(svc *services.Service, log zerolog.Logger) *Handlers {
    return &Handlers{svc: svc, log: log}
}

func (h *Handlers) Healthz(c *gin.Context) {
    c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handlers) Sync(c *gin.Context) {
    records, err := h.svc.FullSync(c.Request.Context())
    if err != nil {
        h.fail(c, err)
        return
    }
    c.JSON(http.StatusOK, gin.H{"count": len(records), "records": records})
}

func (h *Handlers) Worklogs(c *gin.Context) {
    records, err := h.svc.AllWorklogs(c.Request.Context())
    if err != nil {
        h.fail(c, err)
        return
    }
    c.JSON(http.StatusOK, gin.H{"count": len(records), "records": records})
}

func (h *Handlers) Suggestions(c *gin.Context) {
    var req services.SuggestionRequest
    if err := c.ShouldBindJSON(&req); err != nil {
        c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
        return
    }
    suggestions, err := h.svc.Suggestions(c.Request.Context(), req)
    if err != nil {
        h.fail(c, err)
        return
    }
    c.JSON(http.StatusOK, gin.H{"count": len(suggestions), "suggestions": suggestions})
}

func (h *Handlers) CreateWorklog(c *gin.Context) {
    var req services.CreateWorklogRequest
    if err := c.ShouldBindJSON(&req); err != nil {
        c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
        return
    }
    created, err := h.svc.CreateWorklog(c.Request.Context(), req)
    if err != nil {
        h.fail(c, err)
        return
    }
    c.JSON(http.StatusCreated, created)
}

func (h *Handlers) Targets(c *gin.Context) {
    targets, err := h.svc.AllTargets(c.Request.Context())
    if err != nil {
        h.fail(c, err)
        return
    }
    c.JSON(http.StatusOK, gin.H{"targets": targets})
}

type setTargetRequest struct {
    Author      string  `json:"author"`
    TargetHours float64 `json:"targetHours"`
}

func (h *Handlers) SetTarget(c *gin.Context) {
    var req setTargetRequest
    if err := c.ShouldBindJSON(&req); err != nil {
        c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
        return
    }
    target, err := h.svc.SetTarget(c.Request.Context(), req.Author, req.TargetHours)
    if err != nil {
        h.fail(c, err)
        return
    }
    c.JSON(http.StatusOK, target)
}

func (h *Handlers) LastRun(c *gin.Context) {
    run, err := h.svc.LastSyncRun(c.Request.Context())
    if err != nil {
        h.fail(c, err)
        return
    }
    c.JSON(http.StatusOK, gin.H{"run": run})
}

const maxRemoteBodyEcho = 512

// fail maps service errors onto the HTTP contract: validation 400,
// authorization 403, upstream failure 502, anything else 500.
func (h *Handlers) fail(c *gin.Context, err error) {
    var ve *services.ValidationError
    if errors.As(err, &ve) {
        c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error(), "field": ve.Field})
        return
    }
    var ae *services.AuthorizationError
    if errors.As(err, &ae) {
        c.JSON(http.StatusForbidden, gin.H{"error": ae.Error()})
        return
    }
    var re *jira.RequestError
    if errors.As(err, &re) {
        body := re.Body
        if len(body) > maxRemoteBodyEcho { body = body[:maxRemoteBodyEcho] }
        c.JSON(http.StatusBadGateway, gin.H{"error": "upstream request failed", "upstreamStatus": re.Status, "upstreamBody": body})
        return
    }
    h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
    c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
