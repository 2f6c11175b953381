package model

import (
	"encoding/json"
	"time"
)

// StoredResult 已结束任务的持久化记录（仅追加，按 task_id 删除，无更新）
type StoredResult struct {
	ID              uint      `json:"id" gorm:"primarykey"`
	TaskID          string    `json:"task_id" gorm:"not null;uniqueIndex;comment:任务ID"`
	Filename        string    `json:"filename" gorm:"comment:原始文件名"`
	ModelUsed       string    `json:"model_used" gorm:"size:50;comment:使用的模型"`
	Status          string    `json:"status" gorm:"size:20;index;comment:completed 或 failed"`
	Prediction      string    `json:"prediction" gorm:"size:10;comment:real 或 fake"`
	Confidence      float64   `json:"confidence"`
	FakeProbability float64   `json:"fake_probability"`
	TotalFrames     int       `json:"total_frames"`
	ErrorMsg        string    `json:"error,omitempty" gorm:"type:text;comment:失败原因"`
	ResultJSON      string    `json:"-" gorm:"type:text;comment:完整结果的JSON"`
	CreatedAt       time.Time `json:"created_at" gorm:"index;comment:任务创建时刻"`
	CompletedAt     time.Time `json:"completed_at" gorm:"comment:任务结束时刻"`
}

// TableName 指定表名
func (StoredResult) TableName() string {
	return "stored_results"
}

// SetResult 序列化完整结果并填充摘要字段
func (r *StoredResult) SetResult(result *DetectionResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	r.ResultJSON = string(data)
	r.Prediction = result.Prediction
	r.Confidence = result.Confidence
	r.FakeProbability = result.FakeProbability
	r.TotalFrames = result.Statistics.TotalFrames
	return nil
}

// FullResult 反序列化完整结果，失败记录没有结果时返回 nil
func (r *StoredResult) FullResult() (*DetectionResult, error) {
	if r.ResultJSON == "" {
		return nil, nil
	}
	var result DetectionResult
	if err := json.Unmarshal([]byte(r.ResultJSON), &result); err != nil {
		return nil, err
	}
	return &result, nil
}
