package service

import (
	"context"
	"testing"

	"sherlock/app/config"
	"sherlock/app/errs"
	"sherlock/app/logger"
	"sherlock/app/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logger.Logger {
	return logger.New(config.LogConfig{Level: "error", Output: "stdout"})
}

func newTestRegistry(maxConcurrent int) *TaskRegistry {
	return NewTaskRegistry(config.TaskConfig{
		MaxConcurrent:  maxConcurrent,
		RetentionHours: 1,
	}, testLogger())
}

func TestRegistryLifecycle(t *testing.T) {
	r := newTestRegistry(10)

	task, err := r.Create("a.mp4", "/tmp/a.mp4", "xception")
	require.NoError(t, err)
	assert.NotEmpty(t, task.TaskID)
	assert.Equal(t, model.TaskStatusUploaded, task.Status)
	assert.Equal(t, 0, task.Progress)

	snap, started, err := r.StartProcessing(task.TaskID, nil)
	require.NoError(t, err)
	assert.True(t, started)
	assert.Equal(t, model.TaskStatusProcessing, snap.Status)

	require.NoError(t, r.Complete(task.TaskID, &model.DetectionResult{
		Prediction: "real",
		Confidence: 0.9,
	}))

	final, err := r.Get(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
	assert.NotNil(t, final.CompletedAt)
	require.NotNil(t, final.Result)
	assert.Equal(t, "real", final.Result.Prediction)
}

func TestRegistryTerminalImmutable(t *testing.T) {
	r := newTestRegistry(10)

	task, err := r.Create("a.mp4", "", "xception")
	require.NoError(t, err)
	_, _, err = r.StartProcessing(task.TaskID, nil)
	require.NoError(t, err)
	require.NoError(t, r.Fail(task.TaskID, errs.KindDecode, "解码失败"))

	// 终态之后的完成和失败都是空操作
	require.NoError(t, r.Complete(task.TaskID, &model.DetectionResult{Prediction: "fake"}))
	require.NoError(t, r.Fail(task.TaskID, errs.KindInternal, "其他错误"))
	r.UpdateProgress(task.TaskID, 50)

	final, err := r.Get(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, final.Status)
	assert.Equal(t, string(errs.KindDecode), final.ErrorKind)
	assert.Nil(t, final.Result)
}

func TestRegistryCapacity(t *testing.T) {
	r := newTestRegistry(2)

	_, err := r.Create("a.mp4", "", "xception")
	require.NoError(t, err)
	second, err := r.Create("b.mp4", "", "xception")
	require.NoError(t, err)

	// 第三个任务触发容量上限，不创建记录
	_, err = r.Create("c.mp4", "", "xception")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindCapacity))
	assert.Len(t, r.List(10, 0), 2)

	// 终态任务不占并发额度
	require.NoError(t, r.Fail(second.TaskID, errs.KindDecode, "解码失败"))
	_, err = r.Create("c.mp4", "", "xception")
	require.NoError(t, err)
	assert.Equal(t, 2, r.ActiveCount())
}

func TestRegistryProgressMonotonic(t *testing.T) {
	r := newTestRegistry(10)

	task, err := r.Create("a.mp4", "", "xception")
	require.NoError(t, err)
	_, _, err = r.StartProcessing(task.TaskID, nil)
	require.NoError(t, err)

	r.UpdateProgress(task.TaskID, 40)
	r.UpdateProgress(task.TaskID, 20) // 更小的值被忽略
	snap, err := r.Get(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, 40, snap.Progress)

	r.UpdateProgress(task.TaskID, 150) // 超过 100 截断
	snap, err = r.Get(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, 100, snap.Progress)
}

func TestRegistryCancelUploaded(t *testing.T) {
	r := newTestRegistry(10)

	task, err := r.Create("a.mp4", "", "xception")
	require.NoError(t, err)

	// 尚未开始处理的任务取消后立即失败
	require.NoError(t, r.Cancel(task.TaskID))
	snap, err := r.Get(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, snap.Status)
	assert.Equal(t, string(errs.KindCancelled), snap.ErrorKind)

	// 重复取消是空操作
	require.NoError(t, r.Cancel(task.TaskID))
}

func TestRegistryCancelProcessing(t *testing.T) {
	r := newTestRegistry(10)

	task, err := r.Create("a.mp4", "", "xception")
	require.NoError(t, err)

	// 取消函数随状态翻转一并登记，翻转之后到达的取消请求不会丢失
	ctx, cancel := context.WithCancel(context.Background())
	_, started, err := r.StartProcessing(task.TaskID, cancel)
	require.NoError(t, err)
	require.True(t, started)

	require.NoError(t, r.Cancel(task.TaskID))

	// 取消函数被触发，任务状态仍是 processing，由处理协程收尾
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	snap, err := r.Get(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusProcessing, snap.Status)
}

func TestRegistryCancelMissing(t *testing.T) {
	r := newTestRegistry(10)

	err := r.Cancel("不存在的任务")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}

func TestRegistryStartProcessingAfterTerminal(t *testing.T) {
	r := newTestRegistry(10)

	task, err := r.Create("a.mp4", "", "xception")
	require.NoError(t, err)
	require.NoError(t, r.Cancel(task.TaskID))

	// 排队期间被取消的任务不再进入处理
	snap, started, err := r.StartProcessing(task.TaskID, nil)
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, model.TaskStatusFailed, snap.Status)
}

func TestRegistryRemove(t *testing.T) {
	r := newTestRegistry(10)

	task, err := r.Create("a.mp4", "", "xception")
	require.NoError(t, err)

	// 活跃任务不允许删除
	err = r.Remove(task.TaskID)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	require.NoError(t, r.Cancel(task.TaskID))
	require.NoError(t, r.Remove(task.TaskID))

	_, err = r.Get(task.TaskID)
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}

func TestRegistryListNewestFirst(t *testing.T) {
	r := newTestRegistry(10)

	for _, name := range []string{"a.mp4", "b.mp4", "c.mp4"} {
		_, err := r.Create(name, "", "xception")
		require.NoError(t, err)
	}

	tasks := r.List(10, 0)
	require.Len(t, tasks, 3)
	for i := 1; i < len(tasks); i++ {
		assert.False(t, tasks[i].CreatedAt.After(tasks[i-1].CreatedAt))
	}

	// 分页越界返回空列表
	assert.Empty(t, r.List(10, 5))
	assert.Len(t, r.List(2, 0), 2)
}

func TestRegistryStats(t *testing.T) {
	r := newTestRegistry(10)

	a, _ := r.Create("a.mp4", "", "xception")
	b, _ := r.Create("b.mp4", "", "xception")
	_, _ = r.Create("c.mp4", "", "xception")

	_, _, err := r.StartProcessing(a.TaskID, nil)
	require.NoError(t, err)
	require.NoError(t, r.Complete(a.TaskID, &model.DetectionResult{Prediction: "real"}))
	require.NoError(t, r.Fail(b.TaskID, errs.KindDecode, "解码失败"))

	stats := r.Stats()
	assert.Equal(t, 3, stats["total_tasks"])
	assert.Equal(t, 1, stats["active_tasks"])
	assert.Equal(t, 50.0, stats["completion_rate"])
}
