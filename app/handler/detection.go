package handler

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"sherlock/app/config"
	"sherlock/app/detector"
	"sherlock/app/errs"
	"sherlock/app/logger"
	"sherlock/app/service"
	"sherlock/app/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// DetectionHandler 视频检测处理器：上传、状态查询、取消
type DetectionHandler struct {
	cfg       *config.Config
	svc       *service.AnalysisService
	registry  *service.TaskRegistry
	store     *service.ResultStore
	cache     *detector.Cache
	validator *utils.FileValidator
	log       *logger.Logger
}

// NewDetectionHandler 创建视频检测处理器
func NewDetectionHandler(
	cfg *config.Config,
	svc *service.AnalysisService,
	registry *service.TaskRegistry,
	store *service.ResultStore,
	cache *detector.Cache,
	log *logger.Logger,
) *DetectionHandler {
	return &DetectionHandler{
		cfg:       cfg,
		svc:       svc,
		registry:  registry,
		store:     store,
		cache:     cache,
		validator: utils.NewFileValidator(cfg.Upload),
		log:       log,
	}
}

// 创建成功响应
func (h *DetectionHandler) success(c *gin.Context, statusCode int, data any, message string) {
	c.JSON(statusCode, ApiResponse{
		Code:    0,
		Message: message,
		Data:    data,
	})
}

// 创建错误响应
func (h *DetectionHandler) error(c *gin.Context, err error) {
	status := errs.HTTPStatus(err)
	c.JSON(status, ApiResponse{
		Code:    status,
		Message: err.Error(),
		Data:    nil,
	})
}

// Upload 上传视频并创建分析任务
func (h *DetectionHandler) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		h.error(c, errs.Wrap(errs.KindValidation, err, "缺少上传文件"))
		return
	}

	modelName := c.PostForm("model_name")
	if modelName == "" {
		modelName = c.Query("model_name")
	}

	// 格式和大小校验在创建任务之前完成
	if err := h.validator.ValidateUpload(fileHeader); err != nil {
		h.error(c, err)
		return
	}

	// 保存上传文件
	if err := os.MkdirAll(h.cfg.Upload.Dir, 0755); err != nil {
		h.error(c, errs.Wrap(errs.KindInternal, err, "创建上传目录失败"))
		return
	}
	ext := filepath.Ext(fileHeader.Filename)
	filePath := filepath.Join(h.cfg.Upload.Dir, uuid.NewString()+ext)
	if err := c.SaveUploadedFile(fileHeader, filePath); err != nil {
		h.error(c, errs.Wrap(errs.KindInternal, err, "保存上传文件失败"))
		return
	}

	task, err := h.svc.Submit(fileHeader.Filename, filePath, modelName)
	if err != nil {
		os.Remove(filePath)
		h.error(c, err)
		return
	}

	h.log.Infof("视频上传成功: %s (%s)", task.TaskID, fileHeader.Filename)
	h.success(c, http.StatusAccepted, gin.H{
		"task_id":    task.TaskID,
		"filename":   task.Filename,
		"model":      task.ModelName,
		"status_url": fmt.Sprintf("/api/v1/detection/results/%s", task.TaskID),
	}, "视频上传成功，开始处理")
}

// GetResults 查询任务状态和结果
func (h *DetectionHandler) GetResults(c *gin.Context) {
	taskID := c.Param("task_id")

	task, err := h.registry.Get(taskID)
	if err == nil {
		h.success(c, http.StatusOK, gin.H{
			"task_id":      task.TaskID,
			"status":       task.Status,
			"progress":     task.Progress,
			"filename":     task.Filename,
			"model_used":   task.ModelName,
			"created_at":   task.CreatedAt,
			"completed_at": task.CompletedAt,
			"result":       task.Result,
			"error":        task.Error,
			"error_kind":   task.ErrorKind,
		}, "查询成功")
		return
	}

	// 注册表记录可能已按保留策略逐出，回退到持久化存储
	record, serr := h.store.Get(taskID)
	if serr != nil {
		h.error(c, err)
		return
	}
	result, perr := record.FullResult()
	if perr != nil {
		h.error(c, errs.Wrap(errs.KindInternal, perr, "解析存储结果失败"))
		return
	}
	h.success(c, http.StatusOK, gin.H{
		"task_id":      record.TaskID,
		"status":       record.Status,
		"progress":     100,
		"filename":     record.Filename,
		"model_used":   record.ModelUsed,
		"created_at":   record.CreatedAt,
		"completed_at": record.CompletedAt,
		"result":       result,
		"error":        record.ErrorMsg,
	}, "查询成功")
}

// ListTasks 列出内存中的任务（活跃任务和保留期内的终态任务）
func (h *DetectionHandler) ListTasks(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit < 1 || limit > 100 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}

	tasks := h.registry.List(limit, offset)
	h.success(c, http.StatusOK, gin.H{
		"tasks":  tasks,
		"limit":  limit,
		"offset": offset,
	}, "查询成功")
}

// Cancel 取消任务。幂等：任务已结束时也返回成功。
func (h *DetectionHandler) Cancel(c *gin.Context) {
	taskID := c.Param("task_id")

	if err := h.registry.Cancel(taskID); err != nil {
		h.error(c, err)
		return
	}
	h.success(c, http.StatusOK, gin.H{"task_id": taskID}, "取消请求已受理")
}

// ListModels 列出可用的检测模型
func (h *DetectionHandler) ListModels(c *gin.Context) {
	models := make([]gin.H, 0, len(h.cfg.Detection.Models))
	for name, m := range h.cfg.Detection.Models {
		available := true
		if m.Type != "remote" {
			weightsPath := filepath.Join(h.cfg.Detection.ModelsDir, m.WeightsFile)
			_, err := os.Stat(weightsPath)
			available = err == nil
		}
		models = append(models, gin.H{
			"name":          name,
			"display_name":  m.DisplayName,
			"description":   m.Description,
			"type":          m.Type,
			"input_size":    m.InputSize,
			"preprocessing": m.Preprocessing,
			"threshold":     m.Threshold,
			"available":     available,
			"is_loaded":     h.cache.IsLoaded(name),
			"is_default":    name == h.cfg.Detection.DefaultModel,
		})
	}

	h.success(c, http.StatusOK, gin.H{
		"models":        models,
		"default_model": h.cfg.Detection.DefaultModel,
		"total_count":   len(models),
	}, "查询成功")
}

// Stats 任务统计
func (h *DetectionHandler) Stats(c *gin.Context) {
	h.success(c, http.StatusOK, h.registry.Stats(), "查询成功")
}
