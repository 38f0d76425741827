package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"fanwatch/internal/models"
	"fanwatch/internal/registry"
	"fanwatch/internal/repository"
	"fanwatch/internal/scheduler"
)

// MonitorHandler exposes the subscription lifecycle and the manual check.
type MonitorHandler struct {
	Registry  *registry.Registry
	Scheduler *scheduler.Scheduler
	Repo      repository.Repository
}

func (h *MonitorHandler) Register(r *gin.Engine) {
	group := r.Group("/api/v1/monitor")
	group.POST("/subscribe", h.subscribe)
	group.POST("/unsubscribe", h.unsubscribe)
	group.POST("/check-now", h.checkNow)
	group.GET("/status", h.status)
	group.GET("/stats", h.stats)
	group.POST("/:id/pause", h.pause)
	group.POST("/:id/resume", h.resume)
	group.DELETE("/user", h.removeUser)
}

type targetRequest struct {
	ExternalID string `json:"external_id"`
	Name       string `json:"name"`
	AvatarURL  string `json:"avatar_url"`
}

type subscribeRequest struct {
	UserID          string        `json:"user_id"`
	Platform        string        `json:"platform"`
	Target          targetRequest `json:"target"`
	IntervalMinutes int           `json:"interval_minutes"`
	PushEnabled     *bool         `json:"push_enabled"`
	ContentTypes    []string      `json:"content_types"`
	Keywords        []string      `json:"keywords"`
	ExcludeKeywords []string      `json:"exclude_keywords"`
}

func validPlatform(p string) bool {
	return p == models.PlatformDouyin || p == models.PlatformQQMusic
}

func (h *MonitorHandler) subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.Platform = strings.TrimSpace(req.Platform)
	req.Target.ExternalID = strings.TrimSpace(req.Target.ExternalID)
	if req.UserID == "" || req.Target.ExternalID == "" {
		Error(c, http.StatusBadRequest, "user_id and target.external_id required", nil)
		return
	}
	if !validPlatform(req.Platform) {
		Error(c, http.StatusBadRequest, "unsupported platform", nil)
		return
	}

	target := &models.Target{
		Platform:   req.Platform,
		ExternalID: req.Target.ExternalID,
		Name:       strings.TrimSpace(req.Target.Name),
		AvatarURL:  req.Target.AvatarURL,
	}
	if err := h.Repo.UpsertTarget(c.Request.Context(), target); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}

	pushEnabled := true
	if req.PushEnabled != nil {
		pushEnabled = *req.PushEnabled
	}
	cfg, err := h.Registry.Subscribe(c.Request.Context(), req.UserID, target.ID, req.Platform, registry.SubscribeOptions{
		IntervalMinutes: req.IntervalMinutes,
		PushEnabled:     pushEnabled,
		ContentTypes:    req.ContentTypes,
		Keywords:        req.Keywords,
		ExcludeKeywords: req.ExcludeKeywords,
	})
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, cfg, nil)
}

type userTargetRequest struct {
	UserID   string `json:"user_id"`
	TargetID uint64 `json:"target_id"`
}

func (h *MonitorHandler) unsubscribe(c *gin.Context) {
	var req userTargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	if req.UserID == "" || req.TargetID == 0 {
		Error(c, http.StatusBadRequest, "user_id and target_id required", nil)
		return
	}
	err := h.Registry.Unsubscribe(c.Request.Context(), req.UserID, req.TargetID)
	if errors.Is(err, registry.ErrConfigNotFound) {
		Error(c, http.StatusNotFound, "subscription not found", nil)
		return
	}
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, map[string]any{"user_id": req.UserID, "target_id": req.TargetID}, nil)
}

func (h *MonitorHandler) checkNow(c *gin.Context) {
	if h.Scheduler == nil {
		Error(c, http.StatusServiceUnavailable, "scheduler disabled", nil)
		return
	}
	var req userTargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	if req.UserID == "" || req.TargetID == 0 {
		Error(c, http.StatusBadRequest, "user_id and target_id required", nil)
		return
	}
	outcome, err := h.Scheduler.CheckNow(c.Request.Context(), req.UserID, req.TargetID)
	if errors.Is(err, registry.ErrConfigNotFound) {
		Error(c, http.StatusNotFound, "subscription not found", nil)
		return
	}
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, outcome, nil)
}

type configStatus struct {
	models.MonitorConfig
	TargetName      string `json:"target_name"`
	TargetAvatarURL string `json:"target_avatar_url"`
}

func (h *MonitorHandler) status(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("user_id"))
	if userID == "" {
		Error(c, http.StatusBadRequest, "user_id required", nil)
		return
	}
	configs, err := h.Registry.ListStatus(c.Request.Context(), userID)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}

	ids := make([]uint64, 0, len(configs))
	for _, cfg := range configs {
		ids = append(ids, cfg.TargetID)
	}
	targets, err := h.Repo.ListTargetsByIDs(c.Request.Context(), ids)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	byID := make(map[uint64]models.Target, len(targets))
	for _, t := range targets {
		byID[t.ID] = t
	}

	out := make([]configStatus, 0, len(configs))
	for _, cfg := range configs {
		item := configStatus{MonitorConfig: cfg}
		if t, ok := byID[cfg.TargetID]; ok {
			item.TargetName = t.Name
			item.TargetAvatarURL = t.AvatarURL
		}
		out = append(out, item)
	}
	Ok(c, out, map[string]any{"total": len(out)})
}

func (h *MonitorHandler) stats(c *gin.Context) {
	stats, err := h.Registry.Stats(c.Request.Context())
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, stats, nil)
}

func (h *MonitorHandler) pause(c *gin.Context) {
	id, ok := uint64Param(c, "id")
	if !ok {
		Error(c, http.StatusBadRequest, "invalid config id", nil)
		return
	}
	err := h.Registry.Pause(c.Request.Context(), id)
	if errors.Is(err, registry.ErrConfigNotFound) {
		Error(c, http.StatusNotFound, "subscription not found", nil)
		return
	}
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, map[string]any{"id": id, "is_active": false}, nil)
}

func (h *MonitorHandler) resume(c *gin.Context) {
	id, ok := uint64Param(c, "id")
	if !ok {
		Error(c, http.StatusBadRequest, "invalid config id", nil)
		return
	}
	err := h.Registry.Resume(c.Request.Context(), id)
	if errors.Is(err, registry.ErrConfigNotFound) {
		Error(c, http.StatusNotFound, "subscription not found", nil)
		return
	}
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, map[string]any{"id": id, "is_active": true}, nil)
}

func (h *MonitorHandler) removeUser(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("user_id"))
	if userID == "" {
		Error(c, http.StatusBadRequest, "user_id required", nil)
		return
	}
	if err := h.Registry.RemoveUser(c.Request.Context(), userID); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, map[string]any{"user_id": userID}, nil)
}
