package model

import (
	"time"
)

// TaskStatus 任务状态
type TaskStatus string

const (
	TaskStatusUploaded   TaskStatus = "uploaded"   // 已上传，等待处理
	TaskStatusProcessing TaskStatus = "processing" // 处理中
	TaskStatusCompleted  TaskStatus = "completed"  // 已完成
	TaskStatusFailed     TaskStatus = "failed"     // 失败（含取消和超时）
)

// IsTerminal 判断是否为终态
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Task 单个视频分析任务的完整记录。
// 可变字段只由任务注册表在锁内修改，对外只暴露快照副本。
type Task struct {
	TaskID      string           `json:"task_id"`
	Filename    string           `json:"filename"`
	FilePath    string           `json:"-"` // 上传文件的落盘路径，不对外暴露
	ModelName   string           `json:"model_name"`
	Status      TaskStatus       `json:"status"`
	Progress    int              `json:"progress"` // 0-100，处理期间单调不减
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"` // 终态时刻，只设置一次
	Result      *DetectionResult `json:"result,omitempty"`       // 仅 completed 时存在
	Error       string           `json:"error,omitempty"`        // 仅 failed 时存在
	ErrorKind   string           `json:"error_kind,omitempty"`   // 失败类别，便于前端区分取消和系统错误
}

// Snapshot 返回任务的只读副本
func (t *Task) Snapshot() Task {
	snap := *t
	return snap
}
