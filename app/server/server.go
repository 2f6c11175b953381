package server

import (
	"context"
	"net/http"

	"sherlock/app/config"
	"sherlock/app/database"
	"sherlock/app/detector"
	"sherlock/app/filewatcher"
	"sherlock/app/handler"
	"sherlock/app/logger"
	"sherlock/app/middleware"
	"sherlock/app/service"
	"sherlock/app/video"

	"github.com/gin-gonic/gin"
)

// Server 表示 HTTP 服务器
type Server struct {
	Config *config.Config
	Logger *logger.Logger
	gin    *gin.Engine
	http   *http.Server

	registry  *service.TaskRegistry
	store     *service.ResultStore
	cache     *detector.Cache
	analysis  *service.AnalysisService
	retention *service.RetentionService
	watcher   *filewatcher.WeightsWatcher
}

// New 创建一个新的 Server 实例
func New(cfg *config.Config, log *logger.Logger) (*Server, error) {
	router := gin.Default()

	registry := service.NewTaskRegistry(cfg.Task, log)
	store := service.NewResultStore(database.GetDB(), log)
	cache := detector.NewCache(cfg.Detection, log)
	extractor := service.VideoExtractor{Inner: video.NewExtractor(cfg.Video, log)}
	analysis := service.NewAnalysisService(cfg, registry, store, extractor, cache, log)
	retention := service.NewRetentionService(cfg.Storage, store, log)

	watcher, err := filewatcher.New(cfg.Detection, cache, log)
	if err != nil {
		return nil, err
	}

	s := &Server{
		Config: cfg,
		Logger: log,
		gin:    router,
		http: &http.Server{
			Addr:    ":" + cfg.Server.Port,
			Handler: router,
		},
		registry:  registry,
		store:     store,
		cache:     cache,
		analysis:  analysis,
		retention: retention,
		watcher:   watcher,
	}

	// 设置路由
	s.setupRoutes()

	return s, nil
}

// Start 启动服务器
func (s *Server) Start() error {
	s.Logger.Infof("在端口 %s 启动服务器", s.http.Addr)

	// 启动后台服务
	s.analysis.Start()
	if err := s.retention.Start(); err != nil {
		return err
	}
	if err := s.watcher.Start(); err != nil {
		return err
	}

	return s.http.ListenAndServe()
}

// Shutdown 优雅关闭：先停止接收请求，再停掉后台服务和数据库连接
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)

	if werr := s.watcher.Stop(); werr != nil {
		s.Logger.Errorf("停止权重目录监控失败: %v", werr)
	}
	s.retention.Stop()
	s.analysis.Stop()

	if derr := database.Close(); derr != nil {
		s.Logger.Errorf("关闭数据库连接失败: %v", derr)
	}
	return err
}

// setupRoutes 设置API路由
func (s *Server) setupRoutes() {
	// 创建处理器实例
	detectionHandler := handler.NewDetectionHandler(s.Config, s.analysis, s.registry, s.store, s.cache, s.Logger)
	historyHandler := handler.NewHistoryHandler(s.store, s.registry, s.Logger)
	healthHandler := handler.NewHealthHandler(s.registry, s.cache)

	// 健康检查不需要认证
	s.gin.GET("/health", healthHandler.Check)

	// API路由组
	api := s.gin.Group("/api/v1/detection")
	api.Use(middleware.APIKeyAuth(s.Config))
	{
		api.POST("/upload", detectionHandler.Upload)
		api.GET("/results/:task_id", detectionHandler.GetResults)
		api.DELETE("/results/:task_id", historyHandler.Delete)

		api.GET("/tasks", detectionHandler.ListTasks)
		api.POST("/tasks/:task_id/cancel", detectionHandler.Cancel)

		api.GET("/history", historyHandler.List)
		api.GET("/history/:task_id", historyHandler.GetDetail)

		api.GET("/models", detectionHandler.ListModels)
		api.GET("/stats", detectionHandler.Stats)
	}
}
