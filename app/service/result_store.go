package service

import (
	"errors"
	"time"

	"sherlock/app/errs"
	"sherlock/app/logger"
	"sherlock/app/model"

	"gorm.io/gorm"
)

// ResultStore 已结束任务的持久化存储。
// 记录只追加、不更新，支持按 task_id 幂等删除和分页列表。
type ResultStore struct {
	db  *gorm.DB
	log *logger.Logger
}

// NewResultStore 创建结果存储
func NewResultStore(db *gorm.DB, log *logger.Logger) *ResultStore {
	return &ResultStore{db: db, log: log}
}

// Save 追加一条结束记录。同一任务重复写入时保留第一条（结果不可变）。
func (s *ResultStore) Save(record *model.StoredResult) error {
	if err := s.db.Create(record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil
		}
		s.log.Errorf("保存结果失败: %s: %v", record.TaskID, err)
		return err
	}
	s.log.Infof("结果已持久化: %s (%s)", record.TaskID, record.Status)
	return nil
}

// Get 按任务 ID 查找记录，不存在时返回 KindNotFound 错误
func (s *ResultStore) Get(taskID string) (*model.StoredResult, error) {
	var record model.StoredResult
	if err := s.db.Where("task_id = ?", taskID).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.Newf(errs.KindNotFound, "任务 %s 的结果不存在", taskID)
		}
		return nil, err
	}
	return &record, nil
}

// List 按创建时间倒序分页返回记录和总数
func (s *ResultStore) List(limit, offset int) ([]model.StoredResult, int64, error) {
	var total int64
	if err := s.db.Model(&model.StoredResult{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var records []model.StoredResult
	if err := s.db.Order("created_at DESC, id DESC").
		Offset(offset).
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// Delete 按任务 ID 删除记录。幂等：记录不存在时返回 false 而不报错。
func (s *ResultStore) Delete(taskID string) (bool, error) {
	result := s.db.Where("task_id = ?", taskID).Delete(&model.StoredResult{})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected > 0 {
		s.log.Infof("删除存储结果: %s", taskID)
		return true, nil
	}
	return false, nil
}

// DeleteOlderThan 删除早于截止时间的记录，返回删除数量
func (s *ResultStore) DeleteOlderThan(cutoff time.Time) (int64, error) {
	result := s.db.Where("created_at < ?", cutoff).Delete(&model.StoredResult{})
	return result.RowsAffected, result.Error
}
