package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"fanwatch/internal/notify"
)

// NotificationHandler manages push subscription state and history.
type NotificationHandler struct {
	Dispatcher *notify.Dispatcher
}

func (h *NotificationHandler) Register(r *gin.Engine) {
	group := r.Group("/api/v1/notifications")
	group.POST("/subscribe", h.subscribe)
	group.POST("/unsubscribe", h.unsubscribe)
	group.GET("/status", h.status)
	group.GET("/history", h.history)
}

type pushSubscribeRequest struct {
	UserID     string `json:"user_id"`
	OpenID     string `json:"open_id"`
	QuietStart string `json:"quiet_start"`
	QuietEnd   string `json:"quiet_end"`
}

func (h *NotificationHandler) subscribe(c *gin.Context) {
	var req pushSubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.OpenID = strings.TrimSpace(req.OpenID)
	if req.UserID == "" || req.OpenID == "" {
		Error(c, http.StatusBadRequest, "user_id and open_id required", nil)
		return
	}
	if err := h.Dispatcher.Subscribe(c.Request.Context(), req.UserID, req.OpenID, req.QuietStart, req.QuietEnd); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, map[string]any{"user_id": req.UserID, "subscribed": true}, nil)
}

type pushUnsubscribeRequest struct {
	UserID string `json:"user_id"`
}

func (h *NotificationHandler) unsubscribe(c *gin.Context) {
	var req pushUnsubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		Error(c, http.StatusBadRequest, "user_id required", nil)
		return
	}
	if err := h.Dispatcher.Unsubscribe(c.Request.Context(), req.UserID); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, map[string]any{"user_id": req.UserID, "subscribed": false}, nil)
}

func (h *NotificationHandler) status(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("user_id"))
	if userID == "" {
		Error(c, http.StatusBadRequest, "user_id required", nil)
		return
	}
	subscribed, err := h.Dispatcher.Subscribed(c.Request.Context(), userID)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, map[string]any{"user_id": userID, "subscribed": subscribed}, nil)
}

func (h *NotificationHandler) history(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("user_id"))
	if userID == "" {
		Error(c, http.StatusBadRequest, "user_id required", nil)
		return
	}
	entries, err := h.Dispatcher.History(c.Request.Context(), userID, intQuery(c, "limit", 20))
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, entries, map[string]any{"total": len(entries)})
}
