package handler

import (
	"net/http"
	"time"

	"sherlock/app/database"
	"sherlock/app/detector"
	"sherlock/app/service"

	"github.com/gin-gonic/gin"
)

// HealthHandler 健康检查处理器
type HealthHandler struct {
	registry  *service.TaskRegistry
	cache     *detector.Cache
	startedAt time.Time
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(registry *service.TaskRegistry, cache *detector.Cache) *HealthHandler {
	return &HealthHandler{
		registry:  registry,
		cache:     cache,
		startedAt: time.Now(),
	}
}

// Check 返回服务健康状态、已加载模型和活跃任务数
func (h *HealthHandler) Check(c *gin.Context) {
	dbStatus := "ok"
	if sqlDB, err := database.GetDB().DB(); err != nil || sqlDB.Ping() != nil {
		dbStatus = "error"
	}

	status := http.StatusOK
	overall := "healthy"
	if dbStatus != "ok" {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}

	c.JSON(status, ApiResponse{
		Code:    0,
		Message: overall,
		Data: gin.H{
			"status":         overall,
			"database":       dbStatus,
			"loaded_models":  h.cache.LoadedModels(),
			"active_tasks":   h.registry.ActiveCount(),
			"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
			"timestamp":      time.Now().Format(time.RFC3339),
		},
	})
}
