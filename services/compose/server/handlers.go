// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/recompose/pkg/extensions"
	"github.com/AleutianAI/recompose/pkg/logging"
	"github.com/AleutianAI/recompose/pkg/validation"
	"github.com/AleutianAI/recompose/services/compose/history"
	"github.com/AleutianAI/recompose/services/compose/journal"
	"github.com/AleutianAI/recompose/services/compose/snapshot"
)

// -----------------------------------------------------------------------------
// Request and response types
// -----------------------------------------------------------------------------

// SetItemsRequest is the body of PUT /v1/items.
type SetItemsRequest struct {
	// Label names the edit. Rows first composed by it remember the label.
	Label string `json:"label"`

	// Items replaces the list. Items are row keys and must be unique.
	Items []string `json:"items"`
}

// SetItemsResponse acknowledges an accepted edit.
type SetItemsResponse struct {
	Label string   `json:"label"`
	Items []string `json:"items"`
}

// HistoryResponse is the body of GET /v1/history.
type HistoryResponse struct {
	Records []history.Record `json:"records"`
}

// JournalResponse is the body of GET /v1/journal.
type JournalResponse struct {
	Entries []journal.Entry `json:"entries"`
	Stats   journal.Stats   `json:"stats"`
}

// HealthResponse is the body of the health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
	Frames int64  `json:"frames"`
}

// ErrorResponse is returned with every 4xx and 5xx.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// Handlers serves a Service over HTTP.
type Handlers struct {
	svc *Service
}

// NewHandlers creates Handlers for svc.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Frames: h.svc.deps.Loop.Frames()})
}

// HandleReady handles GET /readyz.
//
// Response:
//
//	200 OK: A pass has run.
//	503 Service Unavailable: No pass yet.
func (h *Handlers) HandleReady(c *gin.Context) {
	resp := HealthResponse{Status: "ready", Frames: h.svc.deps.Loop.Frames()}
	if !h.svc.Ready() {
		resp.Status = "starting"
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleTree handles GET /v1/tree.
func (h *Handlers) HandleTree(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.View())
}

// HandleSetItems handles PUT /v1/items.
//
// Description:
//
//	Validates the edit, writes the items through the global snapshot and
//	requests a frame. The edit is applied asynchronously; watch /v1/watch
//	or poll /v1/tree for the resulting View. Every outcome is audited.
//
// Response:
//
//	202 Accepted: SetItemsResponse
//	400 Bad Request: Malformed body, invalid or duplicate item, bad label.
//	500 Internal Server Error: The write failed.
func (h *Handlers) HandleSetItems(c *gin.Context) {
	logger := h.svc.logger.With(slog.String("handler", "HandleSetItems"))
	user := userID(c)

	var req SetItemsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("invalid request body", slog.String("error", err.Error()))
		h.audit(c, user, extensions.OutcomeInvalid, map[string]any{"error": "invalid request body"})
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	label, err := validation.SanitizeLabel(req.Label)
	if err == nil {
		err = validation.ValidateItems(req.Items)
	}
	if err != nil {
		code := "INVALID_ITEM"
		switch {
		case errors.Is(err, validation.ErrDuplicateItem):
			code = "DUPLICATE_KEY"
		case errors.Is(err, validation.ErrInvalidLabel):
			code = "INVALID_LABEL"
		case errors.Is(err, validation.ErrTooManyItems):
			code = "TOO_MANY_ITEMS"
		}
		h.audit(c, user, extensions.OutcomeInvalid, map[string]any{"error": err.Error()})
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	if label == "" {
		label = "edit " + time.Now().UTC().Format(time.TimeOnly)
	}

	if err := h.svc.SetItems(label, req.Items); err != nil {
		logger.Error("set items failed", slog.String("error", err.Error()))
		h.audit(c, user, extensions.OutcomeError, map[string]any{"error": err.Error()})
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "WRITE_FAILED"})
		return
	}
	logger.Debug("items accepted",
		slog.String("label", label),
		slog.Int("items", len(req.Items)),
		slog.String("user_id", user),
	)
	h.audit(c, user, extensions.OutcomeSuccess, map[string]any{"label": label, "items": len(req.Items)})
	c.JSON(http.StatusAccepted, SetItemsResponse{Label: label, Items: req.Items})
}

func (h *Handlers) audit(c *gin.Context, user, outcome string, meta map[string]any) {
	err := h.svc.deps.Extensions.Audit.Log(c.Request.Context(), extensions.AuditEvent{
		EventType: "list.update",
		UserID:    user,
		Resource:  c.FullPath(),
		Outcome:   outcome,
		Metadata:  meta,
	})
	if err != nil {
		h.svc.logger.Warn("audit log failed", slog.String("error", err.Error()))
	}
}

// HandleHistory handles GET /v1/history.
//
// Query:
//
//	object - Only write sets touching this object id.
//	from, to - Commit id range (from, to]. Ignored when object is set.
func (h *Handlers) HandleHistory(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		records []history.Record
		err     error
	)

	switch {
	case c.Query("object") != "":
		oid, perr := strconv.ParseUint(c.Query("object"), 10, 64)
		if perr != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "object must be an unsigned integer", Code: "INVALID_QUERY"})
			return
		}
		records, err = h.svc.deps.History.ByObject(ctx, snapshot.ObjectID(oid))

	case c.Query("from") != "" || c.Query("to") != "":
		from, ferr := strconv.ParseUint(c.DefaultQuery("from", "0"), 10, 64)
		to, terr := strconv.ParseUint(c.DefaultQuery("to", strconv.FormatUint(^uint64(0), 10)), 10, 64)
		if ferr != nil || terr != nil || from > to {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "from and to must be commit ids with from <= to", Code: "INVALID_QUERY"})
			return
		}
		records, err = h.svc.deps.History.Range(ctx, snapshot.ID(from), snapshot.ID(to))

	default:
		records, err = h.svc.deps.History.All(ctx)
	}

	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, history.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: "HISTORY_FAILED"})
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	c.JSON(http.StatusOK, HistoryResponse{Records: records})
}

// HandleJournal handles GET /v1/journal. 404 when no journal is attached.
func (h *Handlers) HandleJournal(c *gin.Context) {
	j := h.svc.deps.Journal
	if j == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "journal is disabled", Code: "NO_JOURNAL"})
		return
	}
	entries, err := j.Replay(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "REPLAY_FAILED"})
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	c.JSON(http.StatusOK, JournalResponse{Entries: entries, Stats: j.Stats()})
}

// AuditResponse is the body of GET /v1/audit.
type AuditResponse struct {
	Events []extensions.AuditEvent `json:"events"`
}

// HandleAudit handles GET /v1/audit.
//
// Query:
//
//	user - Only events of this user.
//	limit - At most this many events, newest first.
func (h *Handlers) HandleAudit(c *gin.Context) {
	filter := extensions.AuditFilter{UserID: c.Query("user")}
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be a non-negative integer", Code: "INVALID_QUERY"})
			return
		}
		filter.Limit = n
	}
	events, err := h.svc.deps.Extensions.Audit.Query(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "AUDIT_FAILED"})
		return
	}
	c.JSON(http.StatusOK, AuditResponse{Events: events})
}

// LogsResponse is the body of GET /v1/logs.
type LogsResponse struct {
	Entries []logging.Entry `json:"entries"`
}

// HandleLogs handles GET /v1/logs.
//
// Description:
//
//	Returns the newest log entries kept by the log tail, oldest first.
//	?level= keeps entries at or above a level, ?limit= keeps the newest n.
//
// Response:
//
//	200 OK: LogsResponse
//	400 Bad Request: Unknown level or bad limit
//	404 Not Found: No log tail configured
func (h *Handlers) HandleLogs(c *gin.Context) {
	tail := h.svc.deps.Logs
	if tail == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "log tail disabled", Code: "NO_LOG_TAIL"})
		return
	}
	level := logging.LevelDebug
	if l := c.Query("level"); l != "" {
		parsed, err := logging.ParseLevel(l)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_QUERY"})
			return
		}
		level = parsed
	}
	entries := tail.AtLeast(level)
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be a non-negative integer", Code: "INVALID_QUERY"})
			return
		}
		if n < len(entries) {
			entries = entries[len(entries)-n:]
		}
	}
	if entries == nil {
		entries = []logging.Entry{}
	}
	c.JSON(http.StatusOK, LogsResponse{Entries: entries})
}

// -----------------------------------------------------------------------------
// Authentication
// -----------------------------------------------------------------------------

const authInfoKey = "auth_info"

// RequireEditor validates the bearer token and requires the editor role.
//
// Response:
//
//	401 Unauthorized: Missing or invalid token.
//	403 Forbidden: Valid token without the editor role.
func (h *Handlers) RequireEditor(c *gin.Context) {
	token := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
	info, err := h.svc.deps.Extensions.Auth.Validate(c.Request.Context(), token)
	if err != nil {
		status, code := http.StatusInternalServerError, "AUTH_FAILED"
		if errors.Is(err, extensions.ErrUnauthorized) {
			status, code = http.StatusUnauthorized, "UNAUTHORIZED"
		}
		h.auditAuth(c, "anonymous", err)
		c.AbortWithStatusJSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	if !info.HasRole(extensions.RoleEditor) {
		h.auditAuth(c, info.UserID, nil)
		c.AbortWithStatusJSON(http.StatusForbidden, ErrorResponse{Error: "editor role required", Code: "FORBIDDEN"})
		return
	}
	c.Set(authInfoKey, info)
	c.Next()
}

func (h *Handlers) auditAuth(c *gin.Context, user string, cause error) {
	meta := map[string]any{}
	if cause != nil {
		meta["error"] = cause.Error()
	}
	_ = h.svc.deps.Extensions.Audit.Log(c.Request.Context(), extensions.AuditEvent{
		EventType: "auth.failed",
		UserID:    user,
		Resource:  c.FullPath(),
		Outcome:   extensions.OutcomeDenied,
		Metadata:  meta,
	})
}

func userID(c *gin.Context) string {
	if v, ok := c.Get(authInfoKey); ok {
		if info, ok := v.(*extensions.AuthInfo); ok {
			return info.UserID
		}
	}
	return "anonymous"
}

// -----------------------------------------------------------------------------
// WebSocket
// -----------------------------------------------------------------------------

const (
	writeWait  = 5 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleWatch handles GET /v1/watch.
//
// Description:
//
//	Upgrades to a WebSocket, sends the current View, then one View per
//	frame that ran a pass. Client messages are read and discarded; a read
//	error ends the stream.
func (h *Handlers) HandleWatch(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.svc.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	updates, cancel := h.svc.Subscribe()
	defer cancel()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(v View) error {
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		return ws.WriteJSON(v)
	}
	if err := send(h.svc.View()); err != nil {
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case v, ok := <-updates:
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"),
					time.Now().Add(writeWait))
				return
			}
			if err := send(v); err != nil {
				h.svc.logger.Debug("watch client dropped", slog.String("error", err.Error()))
				return
			}
		}
	}
}
