package handler

import (
	"net/http"
	"strconv"

	"sherlock/app/errs"
	"sherlock/app/logger"
	"sherlock/app/service"

	"github.com/gin-gonic/gin"
)

// HistoryHandler 历史结果处理器：分页查询和删除持久化记录
type HistoryHandler struct {
	store    *service.ResultStore
	registry *service.TaskRegistry
	log      *logger.Logger
}

// NewHistoryHandler 创建历史结果处理器
func NewHistoryHandler(store *service.ResultStore, registry *service.TaskRegistry, log *logger.Logger) *HistoryHandler {
	return &HistoryHandler{
		store:    store,
		registry: registry,
		log:      log,
	}
}

func (h *HistoryHandler) success(c *gin.Context, data any, message string) {
	c.JSON(http.StatusOK, ApiResponse{
		Code:    0,
		Message: message,
		Data:    data,
	})
}

func (h *HistoryHandler) error(c *gin.Context, err error) {
	status := errs.HTTPStatus(err)
	c.JSON(status, ApiResponse{
		Code:    status,
		Message: err.Error(),
		Data:    nil,
	})
}

// List 分页列出历史结果，按创建时间倒序
func (h *HistoryHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit < 1 || limit > 100 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}

	records, total, err := h.store.List(limit, offset)
	if err != nil {
		h.error(c, errs.Wrap(errs.KindInternal, err, "查询历史结果失败"))
		return
	}

	items := make([]gin.H, 0, len(records))
	for _, r := range records {
		items = append(items, gin.H{
			"task_id":          r.TaskID,
			"filename":         r.Filename,
			"model_used":       r.ModelUsed,
			"status":           r.Status,
			"prediction":       r.Prediction,
			"confidence":       r.Confidence,
			"fake_probability": r.FakeProbability,
			"total_frames":     r.TotalFrames,
			"error":            r.ErrorMsg,
			"created_at":       r.CreatedAt,
			"completed_at":     r.CompletedAt,
		})
	}

	h.success(c, gin.H{
		"results": items,
		"pagination": gin.H{
			"limit":    limit,
			"offset":   offset,
			"total":    total,
			"has_more": int64(offset+limit) < total,
		},
	}, "查询成功")
}

// GetDetail 返回单条历史记录的完整结果
func (h *HistoryHandler) GetDetail(c *gin.Context) {
	taskID := c.Param("task_id")

	record, err := h.store.Get(taskID)
	if err != nil {
		h.error(c, err)
		return
	}

	result, perr := record.FullResult()
	if perr != nil {
		h.error(c, errs.Wrap(errs.KindInternal, perr, "解析存储结果失败"))
		return
	}
	h.success(c, gin.H{
		"task_id":      record.TaskID,
		"filename":     record.Filename,
		"model_used":   record.ModelUsed,
		"status":       record.Status,
		"error":        record.ErrorMsg,
		"created_at":   record.CreatedAt,
		"completed_at": record.CompletedAt,
		"result":       result,
	}, "查询成功")
}

// Delete 删除任务及其持久化结果。
// 任务仍在处理中返回 400；内存记录和存储记录都不存在返回 404。
func (h *HistoryHandler) Delete(c *gin.Context) {
	taskID := c.Param("task_id")

	removedFromRegistry := false
	if task, err := h.registry.Get(taskID); err == nil {
		if !task.Status.IsTerminal() {
			h.error(c, errs.New(errs.KindValidation, "任务仍在处理中，请先取消"))
			return
		}
		if err := h.registry.Remove(taskID); err == nil {
			removedFromRegistry = true
		}
	}

	removedFromStore, err := h.store.Delete(taskID)
	if err != nil {
		h.error(c, errs.Wrap(errs.KindInternal, err, "删除存储结果失败"))
		return
	}

	if !removedFromRegistry && !removedFromStore {
		h.error(c, errs.Newf(errs.KindNotFound, "任务 %s 不存在", taskID))
		return
	}

	h.log.Infof("删除任务记录: %s", taskID)
	h.success(c, gin.H{"task_id": taskID}, "删除成功")
}
