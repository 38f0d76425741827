package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"fanwatch/internal/repository"
)

// UpdateHandler serves the per-user update feed and read marks.
type UpdateHandler struct {
	Repo repository.Repository
}

func (h *UpdateHandler) Register(r *gin.Engine) {
	group := r.Group("/api/v1/updates")
	group.GET("", h.list)
	group.POST("/:id/read", h.markRead)
	group.POST("/read-all", h.markAllRead)
}

func (h *UpdateHandler) list(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("user_id"))
	if userID == "" {
		Error(c, http.StatusBadRequest, "user_id required", nil)
		return
	}
	params := repository.ListUpdatesParams{
		UserID: userID,
		Limit:  intQuery(c, "limit", 20),
		Offset: intQuery(c, "offset", 0),
	}
	if raw := c.Query("target_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			Error(c, http.StatusBadRequest, "invalid target_id", nil)
			return
		}
		params.TargetID = &id
	}
	if raw := c.Query("unread"); raw != "" {
		unread, err := strconv.ParseBool(raw)
		if err != nil {
			Error(c, http.StatusBadRequest, "invalid unread flag", nil)
			return
		}
		params.Unread = &unread
	}
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			Error(c, http.StatusBadRequest, "invalid since timestamp", nil)
			return
		}
		params.Since = &since
	}

	items, err := h.Repo.ListUpdates(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	total, err := h.Repo.CountUpdates(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(params.Limit, params.Offset, total))
}

func (h *UpdateHandler) markRead(c *gin.Context) {
	id, ok := uint64Param(c, "id")
	if !ok {
		Error(c, http.StatusBadRequest, "invalid update id", nil)
		return
	}
	err := h.Repo.MarkUpdateRead(c.Request.Context(), id, time.Now().UTC())
	if errors.Is(err, repository.ErrNotFound) {
		Error(c, http.StatusNotFound, "update not found", nil)
		return
	}
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, map[string]any{"id": id, "is_read": true}, nil)
}

type readAllRequest struct {
	UserID string `json:"user_id"`
}

func (h *UpdateHandler) markAllRead(c *gin.Context) {
	var req readAllRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		Error(c, http.StatusBadRequest, "user_id required", nil)
		return
	}
	count, err := h.Repo.MarkAllUpdatesRead(c.Request.Context(), req.UserID, time.Now().UTC())
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, map[string]any{"marked": count}, nil)
}
