package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"sherlock/app/config"
	"sherlock/app/errs"
	"sherlock/app/logger"
	"sherlock/app/model"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

// TaskRegistry 任务注册表：持有任务记录、执行状态机转移并实施并发上限。
// 所有可变字段只在注册表锁内修改，读取方只拿到快照，
// 不会观察到写了一半的记录。终态任务按保留时长自动逐出。
type TaskRegistry struct {
	mu      sync.RWMutex
	tasks   *gocache.Cache                // task_id -> *model.Task
	cancels map[string]context.CancelFunc // 处理中任务的取消函数

	maxConcurrent int
	retention     time.Duration
	log           *logger.Logger
}

// NewTaskRegistry 创建任务注册表
func NewTaskRegistry(cfg config.TaskConfig, log *logger.Logger) *TaskRegistry {
	retention := time.Duration(cfg.RetentionHours) * time.Hour
	return &TaskRegistry{
		tasks:         gocache.New(retention, 10*time.Minute),
		cancels:       make(map[string]context.CancelFunc),
		maxConcurrent: cfg.MaxConcurrent,
		retention:     retention,
		log:           log,
	}
}

// Create 分配新任务记录，初始状态为 uploaded。
// 非终态任务数达到并发上限时返回 KindCapacity 错误且不创建任务。
func (r *TaskRegistry) Create(filename, filePath, modelName string) (model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.activeCountLocked() >= r.maxConcurrent {
		return model.Task{}, errs.Newf(errs.KindCapacity,
			"并发任务数已达上限 %d，请稍后重试", r.maxConcurrent)
	}

	task := &model.Task{
		TaskID:    uuid.NewString(),
		Filename:  filename,
		FilePath:  filePath,
		ModelName: modelName,
		Status:    model.TaskStatusUploaded,
		Progress:  0,
		CreatedAt: time.Now(),
	}
	// 活跃任务不过期，转入终态时再设置保留时长
	r.tasks.Set(task.TaskID, task, gocache.NoExpiration)

	r.log.Infof("创建任务: %s (%s, 模型: %s)", task.TaskID, filename, modelName)
	return task.Snapshot(), nil
}

// Get 返回任务快照，不存在时返回 KindNotFound 错误
func (r *TaskRegistry) Get(taskID string) (model.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, err := r.getLocked(taskID)
	if err != nil {
		return model.Task{}, err
	}
	return task.Snapshot(), nil
}

// StartProcessing 将任务从 uploaded 转入 processing，并在同一把锁内
// 登记取消函数，状态翻转和登记之间不存在丢失取消请求的窗口。
// 任务已经处于终态时返回该终态的快照和 false，调用方应跳过处理。
func (r *TaskRegistry) StartProcessing(taskID string, cancel context.CancelFunc) (model.Task, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.getLocked(taskID)
	if err != nil {
		return model.Task{}, false, err
	}
	if task.Status.IsTerminal() {
		return task.Snapshot(), false, nil
	}
	task.Status = model.TaskStatusProcessing
	if task.Progress < 1 {
		task.Progress = 1
	}
	if cancel != nil {
		r.cancels[taskID] = cancel
	}
	return task.Snapshot(), true, nil
}

// UpdateProgress 更新处理进度。进度单调不减，更小的值会被忽略，
// 终态任务不再更新。
func (r *TaskRegistry) UpdateProgress(taskID string, progress int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.getLocked(taskID)
	if err != nil || task.Status.IsTerminal() {
		return
	}
	if progress > 100 {
		progress = 100
	}
	if progress > task.Progress {
		task.Progress = progress
	}
}

// Complete 将任务转入 completed 终态并挂上结果，只允许从 processing 转入
func (r *TaskRegistry) Complete(taskID string, result *model.DetectionResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.getLocked(taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return nil // 终态不可离开
	}

	now := time.Now()
	task.Status = model.TaskStatusCompleted
	task.Progress = 100
	task.Result = result
	task.CompletedAt = &now
	r.finishLocked(task)

	r.log.Infof("任务完成: %s (%s, 置信度 %.2f)", taskID, result.Prediction, result.Confidence)
	return nil
}

// Fail 将任务转入 failed 终态并记录失败原因，终态任务不受影响
func (r *TaskRegistry) Fail(taskID string, kind errs.Kind, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.getLocked(taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return nil
	}

	now := time.Now()
	task.Status = model.TaskStatusFailed
	task.Error = message
	task.ErrorKind = string(kind)
	task.CompletedAt = &now
	r.finishLocked(task)

	r.log.Warnf("任务失败: %s [%s] %s", taskID, kind, message)
	return nil
}

// Cancel 请求取消任务。幂等：任务已处于终态时是空操作。
// 尚未开始处理的任务立即转入 failed；处理中的任务在下一个
// 检查点协作式退出，已派发的推理批次会执行完并被丢弃。
func (r *TaskRegistry) Cancel(taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.getLocked(taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return nil
	}

	if cancel, ok := r.cancels[taskID]; ok {
		cancel()
	}

	if task.Status == model.TaskStatusUploaded {
		now := time.Now()
		task.Status = model.TaskStatusFailed
		task.Error = "任务已被用户取消"
		task.ErrorKind = string(errs.KindCancelled)
		task.CompletedAt = &now
		r.finishLocked(task)
	}

	r.log.Infof("收到取消请求: %s", taskID)
	return nil
}

// Remove 删除终态任务记录；活跃任务不允许删除。
// 不存在时返回 KindNotFound 错误。
func (r *TaskRegistry) Remove(taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.getLocked(taskID)
	if err != nil {
		return err
	}
	if !task.Status.IsTerminal() {
		return errs.New(errs.KindValidation, "任务仍在处理中，请先取消")
	}
	r.tasks.Delete(taskID)
	return nil
}

// List 按创建时间倒序返回任务快照
func (r *TaskRegistry) List(limit, offset int) []model.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshots := make([]model.Task, 0, r.tasks.ItemCount())
	for _, item := range r.tasks.Items() {
		task := item.Object.(*model.Task)
		snapshots = append(snapshots, task.Snapshot())
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].CreatedAt.After(snapshots[j].CreatedAt)
	})

	if offset >= len(snapshots) {
		return []model.Task{}
	}
	end := offset + limit
	if end > len(snapshots) {
		end = len(snapshots)
	}
	return snapshots[offset:end]
}

// ActiveCount 返回非终态任务数量
func (r *TaskRegistry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeCountLocked()
}

// Stats 返回任务统计：各状态数量、活跃数量和完成率
func (r *TaskRegistry) Stats() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statusCounts := make(map[string]int)
	for _, item := range r.tasks.Items() {
		task := item.Object.(*model.Task)
		statusCounts[string(task.Status)]++
	}

	completed := statusCounts[string(model.TaskStatusCompleted)]
	failed := statusCounts[string(model.TaskStatusFailed)]
	finished := completed + failed
	completionRate := 0.0
	if finished > 0 {
		completionRate = float64(completed) / float64(finished) * 100.0
	}

	return map[string]any{
		"total_tasks":     r.tasks.ItemCount(),
		"status_counts":   statusCounts,
		"active_tasks":    r.activeCountLocked(),
		"completion_rate": completionRate,
	}
}

// getLocked 查找任务，调用方必须持有锁
func (r *TaskRegistry) getLocked(taskID string) (*model.Task, error) {
	item, found := r.tasks.Get(taskID)
	if !found {
		return nil, errs.Newf(errs.KindNotFound, "任务 %s 不存在", taskID)
	}
	return item.(*model.Task), nil
}

// activeCountLocked 统计非终态任务数，调用方必须持有锁
func (r *TaskRegistry) activeCountLocked() int {
	count := 0
	for _, item := range r.tasks.Items() {
		task := item.Object.(*model.Task)
		if !task.Status.IsTerminal() {
			count++
		}
	}
	return count
}

// finishLocked 终态收尾：释放取消函数并设置保留时长，调用方必须持有锁
func (r *TaskRegistry) finishLocked(task *model.Task) {
	delete(r.cancels, task.TaskID)
	// 终态任务带过期时间重新写入，由缓存按保留策略逐出
	r.tasks.Set(task.TaskID, task, r.retention)
}
