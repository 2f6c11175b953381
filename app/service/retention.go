package service

import (
	"time"

	"sherlock/app/config"
	"sherlock/app/logger"

	"github.com/robfig/cron/v3"
)

// RetentionService 定期清理过期的历史结果
type RetentionService struct {
	store         *ResultStore
	retentionDays int
	cron          *cron.Cron
	log           *logger.Logger
}

// NewRetentionService 创建历史结果清理服务
func NewRetentionService(cfg config.StorageConfig, store *ResultStore, log *logger.Logger) *RetentionService {
	return &RetentionService{
		store:         store,
		retentionDays: cfg.RetentionDays,
		cron:          cron.New(),
		log:           log,
	}
}

// Start 启动定时清理，每天凌晨三点执行一次
func (s *RetentionService) Start() error {
	if s.retentionDays <= 0 {
		s.log.Info("历史结果保留天数未设置，跳过定时清理")
		return nil
	}

	if _, err := s.cron.AddFunc("0 3 * * *", s.sweep); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Infof("历史结果清理已启动: 保留 %d 天", s.retentionDays)

	// 启动时先执行一次清理
	go s.sweep()
	return nil
}

// Stop 停止定时清理，等待进行中的清理完成
func (s *RetentionService) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// sweep 删除超过保留期的历史结果
func (s *RetentionService) sweep() {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	deleted, err := s.store.DeleteOlderThan(cutoff)
	if err != nil {
		s.log.Errorf("清理历史结果失败: %v", err)
		return
	}
	if deleted > 0 {
		s.log.Infof("清理了 %d 条过期历史结果（超过 %d 天）", deleted, s.retentionDays)
	}
}
