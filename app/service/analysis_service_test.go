package service

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sherlock/app/config"
	"sherlock/app/detector"
	"sherlock/app/errs"
	"sherlock/app/model"
	"sherlock/app/video"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource 预置帧序列，支持按位置注入错误
type fakeSource struct {
	frames []*video.Frame
	errAt  map[int]error
	pos    int
	closed bool
}

func (s *fakeSource) Len() int {
	return len(s.frames)
}

func (s *fakeSource) Next() (*video.Frame, error) {
	if s.pos >= len(s.frames) {
		return nil, nil
	}
	idx := s.pos
	s.pos++
	if err, ok := s.errAt[idx]; ok {
		return nil, err
	}
	return s.frames[idx], nil
}

func (s *fakeSource) Close() error {
	s.closed = true
	return nil
}

// fakeExtractor 返回预置的帧序列，hook 在返回前执行
type fakeExtractor struct {
	source *fakeSource
	meta   *video.Metadata
	err    error
	hook   func(ctx context.Context)
}

func (e *fakeExtractor) Extract(ctx context.Context, videoPath string) (FrameSource, *video.Metadata, error) {
	if e.hook != nil {
		e.hook(ctx)
	}
	if e.err != nil {
		return nil, nil, e.err
	}
	return e.source, e.meta, nil
}

// fakeDetector 对每一帧返回固定概率
type fakeDetector struct {
	name  string
	probs func(i int) float64
	err   error
	calls int
}

func (d *fakeDetector) Name() string {
	return d.name
}

func (d *fakeDetector) Load() error {
	return nil
}

func (d *fakeDetector) PredictBatch(ctx context.Context, tensors [][]float32) ([]float64, error) {
	if d.err != nil {
		return nil, d.err
	}
	probs := make([]float64, len(tensors))
	for i := range tensors {
		probs[i] = d.probs(d.calls + i)
	}
	d.calls += len(tensors)
	return probs, nil
}

// fakeProvider 固定返回同一个检测器
type fakeProvider struct {
	det detector.Detector
	err error
}

func (p *fakeProvider) Get(name string) (detector.Detector, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.det, nil
}

func makeFrame(index int) *video.Frame {
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	img.SetNRGBA(index%8, 0, color.NRGBA{R: 255, A: 255})
	return &video.Frame{Index: index, Timestamp: float64(index), Image: img}
}

func makeFrames(n int) []*video.Frame {
	frames := make([]*video.Frame, n)
	for i := range frames {
		frames[i] = makeFrame(i)
	}
	return frames
}

func newAnalysisConfig() *config.Config {
	return &config.Config{
		Detection: config.DetectionConfig{
			DefaultModel: "xception",
			Models: map[string]config.ModelConfig{
				"xception": {
					Type:          "xception",
					InputSize:     8,
					Preprocessing: "custom",
					Threshold:     0.5,
				},
			},
			BatchSize:         2,
			FakeMajority:      50.0,
			SuspiciousTopN:    5,
			MaxCorruptPercent: 50.0,
		},
		Task: config.TaskConfig{
			MaxConcurrent:  10,
			Workers:        1,
			TimeoutMinutes: 1,
			RetentionHours: 1,
		},
	}
}

type analysisFixture struct {
	svc      *AnalysisService
	registry *TaskRegistry
	store    *ResultStore
}

func newAnalysisFixture(t *testing.T, cfg *config.Config, ext Extractor, det detector.Detector) *analysisFixture {
	t.Helper()
	log := testLogger()
	registry := NewTaskRegistry(cfg.Task, log)
	store := newTestStore(t)
	svc := NewAnalysisService(cfg, registry, store, ext, &fakeProvider{det: det}, log)
	return &analysisFixture{svc: svc, registry: registry, store: store}
}

// tempUpload 创建一个临时上传文件，流水线结束后应被清理
func tempUpload(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "video.mp4")
	require.NoError(t, os.WriteFile(path, []byte("fake video"), 0644))
	return path
}

func TestAnalysisCompleted(t *testing.T) {
	cfg := newAnalysisConfig()
	source := &fakeSource{frames: makeFrames(10)}
	ext := &fakeExtractor{
		source: source,
		meta:   &video.Metadata{FPS: 30, Duration: 10, Width: 640, Height: 480, Sampled: 10},
	}
	det := &fakeDetector{name: "xception", probs: func(i int) float64 {
		if i < 7 {
			return 0.9 // 前 7 帧判伪造
		}
		return 0.1
	}}
	f := newAnalysisFixture(t, cfg, ext, det)

	uploadPath := tempUpload(t)
	task, err := f.svc.Submit("video.mp4", uploadPath, "")
	require.NoError(t, err)
	assert.Equal(t, "xception", task.ModelName) // 默认模型补齐

	f.svc.processTask(task.TaskID)

	final, err := f.registry.Get(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
	require.NotNil(t, final.Result)
	assert.Equal(t, "fake", final.Result.Prediction)
	assert.Equal(t, 7, final.Result.Statistics.FakeFrames)
	assert.Equal(t, 10, final.Result.VideoMetadata.ExtractedFrames)

	// 帧序列被关闭，上传文件被清理
	assert.True(t, source.closed)
	_, statErr := os.Stat(uploadPath)
	assert.True(t, os.IsNotExist(statErr))

	// 结果已持久化，沿用任务自身的时间戳
	record, err := f.store.Get(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "fake", record.Prediction)
	assert.Equal(t, "completed", record.Status)
	assert.WithinDuration(t, final.CreatedAt, record.CreatedAt, time.Second)
	require.NotNil(t, final.CompletedAt)
	assert.WithinDuration(t, *final.CompletedAt, record.CompletedAt, time.Second)
}

func TestAnalysisDecodeFailure(t *testing.T) {
	cfg := newAnalysisConfig()
	ext := &fakeExtractor{err: errs.New(errs.KindDecode, "视频无法解码")}
	f := newAnalysisFixture(t, cfg, ext, &fakeDetector{name: "xception", probs: func(int) float64 { return 0.5 }})

	task, err := f.svc.Submit("bad.mp4", tempUpload(t), "xception")
	require.NoError(t, err)

	f.svc.processTask(task.TaskID)

	final, err := f.registry.Get(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, final.Status)
	assert.Equal(t, string(errs.KindDecode), final.ErrorKind)

	// 失败任务也会留下持久化记录
	record, err := f.store.Get(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "failed", record.Status)
	assert.NotEmpty(t, record.ErrorMsg)
}

func TestAnalysisCancelledDuringProcessing(t *testing.T) {
	cfg := newAnalysisConfig()

	var (
		f      *analysisFixture
		taskID string
	)
	ext := &fakeExtractor{
		source: &fakeSource{frames: makeFrames(4)},
		meta:   &video.Metadata{FPS: 30, Duration: 4, Width: 640, Height: 480, Sampled: 4},
		// 抽帧期间用户发起取消，后续检查点让任务协作式退出
		hook: func(ctx context.Context) {
			require.NoError(t, f.registry.Cancel(taskID))
		},
	}
	f = newAnalysisFixture(t, cfg, ext, &fakeDetector{name: "xception", probs: func(int) float64 { return 0.5 }})

	task, err := f.svc.Submit("video.mp4", tempUpload(t), "xception")
	require.NoError(t, err)
	taskID = task.TaskID

	f.svc.processTask(task.TaskID)

	final, err := f.registry.Get(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, final.Status)
	assert.Equal(t, string(errs.KindCancelled), final.ErrorKind)
}

func TestAnalysisCancelledWhileQueued(t *testing.T) {
	cfg := newAnalysisConfig()
	ext := &fakeExtractor{
		source: &fakeSource{frames: makeFrames(4)},
		meta:   &video.Metadata{FPS: 30, Duration: 4, Width: 640, Height: 480, Sampled: 4},
	}
	f := newAnalysisFixture(t, cfg, ext, &fakeDetector{name: "xception", probs: func(int) float64 { return 0.5 }})

	task, err := f.svc.Submit("video.mp4", tempUpload(t), "xception")
	require.NoError(t, err)

	// 出队之前取消，处理协程直接跳过
	require.NoError(t, f.registry.Cancel(task.TaskID))
	f.svc.processTask(task.TaskID)

	final, err := f.registry.Get(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, final.Status)
	assert.Equal(t, string(errs.KindCancelled), final.ErrorKind)

	// 排队期间取消的任务也会留下持久化记录
	_, err = f.store.Get(task.TaskID)
	require.NoError(t, err)
}

func TestAnalysisEmptyVideo(t *testing.T) {
	cfg := newAnalysisConfig()
	ext := &fakeExtractor{
		source: &fakeSource{},
		meta:   &video.Metadata{FPS: 30, Duration: 0, Width: 640, Height: 480},
	}
	f := newAnalysisFixture(t, cfg, ext, &fakeDetector{name: "xception", probs: func(int) float64 { return 0.5 }})

	task, err := f.svc.Submit("empty.mp4", tempUpload(t), "xception")
	require.NoError(t, err)

	f.svc.processTask(task.TaskID)

	final, err := f.registry.Get(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, final.Status)
	assert.Equal(t, string(errs.KindEmptyResult), final.ErrorKind)
}

func TestAnalysisCorruptFramesSkipped(t *testing.T) {
	cfg := newAnalysisConfig()
	// 10 帧中 2 帧损坏，低于 50% 上限，任务照常完成
	source := &fakeSource{
		frames: makeFrames(10),
		errAt: map[int]error{
			2: errs.New(errs.KindPreprocess, "第 2 帧解码失败"),
			5: errs.New(errs.KindPreprocess, "第 5 帧解码失败"),
		},
	}
	ext := &fakeExtractor{
		source: source,
		meta:   &video.Metadata{FPS: 30, Duration: 10, Width: 640, Height: 480, Sampled: 10},
	}
	f := newAnalysisFixture(t, cfg, ext, &fakeDetector{name: "xception", probs: func(int) float64 { return 0.9 }})

	task, err := f.svc.Submit("video.mp4", tempUpload(t), "xception")
	require.NoError(t, err)

	f.svc.processTask(task.TaskID)

	final, err := f.registry.Get(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, final.Status)
	require.NotNil(t, final.Result)
	assert.Equal(t, 8, final.Result.Statistics.TotalFrames)
	assert.Equal(t, 2, final.Result.VideoMetadata.SkippedFrames)
}

func TestAnalysisTooManyCorruptFrames(t *testing.T) {
	cfg := newAnalysisConfig()
	// 4 帧中 3 帧损坏，超过 50% 上限
	source := &fakeSource{
		frames: makeFrames(4),
		errAt: map[int]error{
			0: errs.New(errs.KindPreprocess, "坏帧"),
			1: errs.New(errs.KindPreprocess, "坏帧"),
			2: errs.New(errs.KindPreprocess, "坏帧"),
		},
	}
	ext := &fakeExtractor{
		source: source,
		meta:   &video.Metadata{FPS: 30, Duration: 4, Width: 640, Height: 480, Sampled: 4},
	}
	f := newAnalysisFixture(t, cfg, ext, &fakeDetector{name: "xception", probs: func(int) float64 { return 0.5 }})

	task, err := f.svc.Submit("video.mp4", tempUpload(t), "xception")
	require.NoError(t, err)

	f.svc.processTask(task.TaskID)

	final, err := f.registry.Get(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, final.Status)
	assert.Equal(t, string(errs.KindPreprocess), final.ErrorKind)
}

func TestAnalysisAllFramesFailPreprocess(t *testing.T) {
	cfg := newAnalysisConfig()
	// 全部 4 帧损坏：没有任何可分析的帧，失败类别是空结果而不是预处理超限
	source := &fakeSource{
		frames: makeFrames(4),
		errAt: map[int]error{
			0: errs.New(errs.KindPreprocess, "坏帧"),
			1: errs.New(errs.KindPreprocess, "坏帧"),
			2: errs.New(errs.KindPreprocess, "坏帧"),
			3: errs.New(errs.KindPreprocess, "坏帧"),
		},
	}
	ext := &fakeExtractor{
		source: source,
		meta:   &video.Metadata{FPS: 30, Duration: 4, Width: 640, Height: 480, Sampled: 4},
	}
	f := newAnalysisFixture(t, cfg, ext, &fakeDetector{name: "xception", probs: func(int) float64 { return 0.5 }})

	task, err := f.svc.Submit("video.mp4", tempUpload(t), "xception")
	require.NoError(t, err)

	f.svc.processTask(task.TaskID)

	final, err := f.registry.Get(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, final.Status)
	assert.Equal(t, string(errs.KindEmptyResult), final.ErrorKind)
}

func TestAnalysisInferenceFailure(t *testing.T) {
	cfg := newAnalysisConfig()
	ext := &fakeExtractor{
		source: &fakeSource{frames: makeFrames(4)},
		meta:   &video.Metadata{FPS: 30, Duration: 4, Width: 640, Height: 480, Sampled: 4},
	}
	det := &fakeDetector{name: "xception", err: errs.New(errs.KindInference, "推理服务不可用")}
	f := newAnalysisFixture(t, cfg, ext, det)

	task, err := f.svc.Submit("video.mp4", tempUpload(t), "xception")
	require.NoError(t, err)

	f.svc.processTask(task.TaskID)

	final, err := f.registry.Get(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, final.Status)
	assert.Equal(t, string(errs.KindInference), final.ErrorKind)
}

func TestSubmitValidation(t *testing.T) {
	cfg := newAnalysisConfig()
	f := newAnalysisFixture(t, cfg, &fakeExtractor{}, &fakeDetector{name: "xception", probs: func(int) float64 { return 0.5 }})

	// 未注册的模型直接拒绝，不创建任务
	_, err := f.svc.Submit("video.mp4", "", "unknown-model")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
	assert.Empty(t, f.registry.List(10, 0))
}

func TestSubmitCapacity(t *testing.T) {
	cfg := newAnalysisConfig()
	cfg.Task.MaxConcurrent = 1
	f := newAnalysisFixture(t, cfg, &fakeExtractor{}, &fakeDetector{name: "xception", probs: func(int) float64 { return 0.5 }})

	_, err := f.svc.Submit("a.mp4", "", "xception")
	require.NoError(t, err)

	_, err = f.svc.Submit("b.mp4", "", "xception")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindCapacity))
}

func TestAnalysisStartStop(t *testing.T) {
	cfg := newAnalysisConfig()
	ext := &fakeExtractor{
		source: &fakeSource{frames: makeFrames(4)},
		meta:   &video.Metadata{FPS: 30, Duration: 4, Width: 640, Height: 480, Sampled: 4},
	}
	f := newAnalysisFixture(t, cfg, ext, &fakeDetector{name: "xception", probs: func(int) float64 { return 0.9 }})

	f.svc.Start()
	f.svc.Start() // 重复启动是空操作
	defer f.svc.Stop()

	task, err := f.svc.Submit("video.mp4", tempUpload(t), "xception")
	require.NoError(t, err)

	// 后台协程异步完成任务
	require.Eventually(t, func() bool {
		snap, err := f.registry.Get(task.TaskID)
		return err == nil && snap.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)

	final, err := f.registry.Get(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, final.Status)
}
