package service

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"sherlock/app/config"
	"sherlock/app/detect"
	"sherlock/app/detector"
	"sherlock/app/errs"
	"sherlock/app/logger"
	"sherlock/app/model"
	"sherlock/app/video"
)

// FrameSource 惰性帧序列，由抽帧器产出
type FrameSource interface {
	Len() int
	Next() (*video.Frame, error)
	Close() error
}

// Extractor 抽帧能力
type Extractor interface {
	Extract(ctx context.Context, videoPath string) (FrameSource, *video.Metadata, error)
}

// DetectorProvider 按名称提供已加载的检测器
type DetectorProvider interface {
	Get(name string) (detector.Detector, error)
}

// VideoExtractor 把具体抽帧器适配到 Extractor 接口
type VideoExtractor struct {
	Inner *video.Extractor
}

func (e VideoExtractor) Extract(ctx context.Context, videoPath string) (FrameSource, *video.Metadata, error) {
	seq, meta, err := e.Inner.Extract(ctx, videoPath)
	if err != nil {
		return nil, nil, err
	}
	return seq, meta, nil
}

// AnalysisService 视频分析流水线：固定数量的后台协程消费有界队列，
// 每个任务由单个协程从抽帧到聚合完整处理。
type AnalysisService struct {
	cfg       *config.Config
	registry  *TaskRegistry
	store     *ResultStore
	extractor Extractor
	detectors DetectorProvider
	agg       *detect.Aggregator
	log       *logger.Logger

	queue   chan string // task_id
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewAnalysisService 创建分析服务
func NewAnalysisService(
	cfg *config.Config,
	registry *TaskRegistry,
	store *ResultStore,
	extractor Extractor,
	detectors DetectorProvider,
	log *logger.Logger,
) *AnalysisService {
	return &AnalysisService{
		cfg:       cfg,
		registry:  registry,
		store:     store,
		extractor: extractor,
		detectors: detectors,
		agg:       detect.NewAggregator(cfg.Detection),
		log:       log,
		// 并发上限由注册表在创建时实施，队列容量与其一致即可保证不满
		queue:  make(chan string, cfg.Task.MaxConcurrent),
		stopCh: make(chan struct{}),
	}
}

// Start 启动后台处理协程
func (s *AnalysisService) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	for i := 0; i < s.cfg.Task.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.log.Infof("分析服务已启动: %d 个处理协程", s.cfg.Task.Workers)
}

// Stop 停止后台处理协程，等待进行中的任务结束
func (s *AnalysisService) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.log.Info("分析服务已停止")
}

// Submit 创建任务并调度后台处理，立即返回任务快照。
// 模型未注册返回 KindValidation 错误；并发已满返回 KindCapacity 错误，
// 两种情况都不创建任务记录。
func (s *AnalysisService) Submit(filename, filePath, modelName string) (model.Task, error) {
	if modelName == "" {
		modelName = s.cfg.Detection.DefaultModel
	}
	if _, ok := s.cfg.Detection.Models[modelName]; !ok {
		return model.Task{}, errs.Newf(errs.KindValidation, "模型 %s 未注册", modelName)
	}

	task, err := s.registry.Create(filename, filePath, modelName)
	if err != nil {
		return model.Task{}, err
	}

	select {
	case s.queue <- task.TaskID:
	default:
		// 注册表的并发上限保证队列不会满，这里只是兜底
		s.registry.Fail(task.TaskID, errs.KindCapacity, "任务队列已满")
		return model.Task{}, errs.New(errs.KindCapacity, "任务队列已满，请稍后重试")
	}
	return task, nil
}

// worker 后台处理协程，逐个消费任务
func (s *AnalysisService) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case taskID := <-s.queue:
			s.processTask(taskID)
		}
	}
}

// processTask 端到端处理单个任务。单个任务的失败在这里被隔离，
// 不会影响处理协程和其他任务。
func (s *AnalysisService) processTask(taskID string) {
	// 任务上下文在状态翻转前创建，取消函数随翻转一并登记，
	// 取消请求不会落在两者之间的窗口里
	timeout := time.Duration(s.cfg.Task.TimeoutMinutes) * time.Minute
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	task, started, err := s.registry.StartProcessing(taskID, cancel)
	if err != nil {
		s.log.Errorf("任务 %s 无法开始处理: %v", taskID, err)
		return
	}
	// 中间产物在任何退出路径上都被释放
	defer s.cleanupUpload(task.FilePath)
	if !started {
		// 排队期间已被取消
		s.persistOutcome(taskID)
		return
	}

	s.log.Infof("开始处理任务: %s (模型: %s)", taskID, task.ModelName)

	if err := s.runPipeline(ctx, taskID, task); err != nil {
		s.failTask(ctx, taskID, err)
	}
	s.persistOutcome(taskID)
}

// runPipeline 执行抽帧、预处理+推理、聚合三个阶段，
// 阶段之间和批次之间是取消检查点
func (s *AnalysisService) runPipeline(ctx context.Context, taskID string, task model.Task) error {
	mcfg := s.cfg.Detection.Models[task.ModelName]

	// 阶段一：抽帧（0-20%）
	s.registry.UpdateProgress(taskID, 5)
	frames, meta, err := s.extractor.Extract(ctx, task.FilePath)
	if err != nil {
		return err
	}
	defer frames.Close()
	s.registry.UpdateProgress(taskID, 20)

	if err := checkpoint(ctx); err != nil {
		return err
	}

	det, err := s.detectors.Get(task.ModelName)
	if err != nil {
		return err
	}
	transform := video.TransformFor(mcfg)

	// 阶段二：预处理 + 批量推理（20-90%），按已处理帧数推进进度
	scores, skipped, err := s.runInference(ctx, taskID, frames, det, transform, mcfg.Threshold)
	if err != nil {
		return err
	}

	total := frames.Len()
	if total > 0 && skipped > 0 {
		// 全部帧都失败时没有任何可分析的帧，与部分损坏区分开
		if skipped == total {
			return errs.New(errs.KindEmptyResult, "所有帧预处理失败，没有可分析的帧")
		}
		corruptPercent := float64(skipped) / float64(total) * 100.0
		if corruptPercent > s.cfg.Detection.MaxCorruptPercent {
			return errs.Newf(errs.KindPreprocess,
				"%d/%d 帧预处理失败，超过 %.0f%% 上限", skipped, total, s.cfg.Detection.MaxCorruptPercent)
		}
	}

	if err := checkpoint(ctx); err != nil {
		return err
	}

	// 阶段三：聚合（90-100%）
	s.registry.UpdateProgress(taskID, 90)
	result, err := s.agg.Aggregate(scores, mcfg.Threshold, task.ModelName)
	if err != nil {
		return err
	}
	result.VideoMetadata = model.VideoMetadata{
		FPS:             meta.FPS,
		Duration:        meta.Duration,
		Width:           meta.Width,
		Height:          meta.Height,
		ExtractedFrames: meta.Sampled,
		SkippedFrames:   skipped,
	}
	s.registry.UpdateProgress(taskID, 95)

	return s.registry.Complete(taskID, result)
}

// runInference 逐批预处理并推理。单帧预处理失败跳过并计数；
// 推理失败使整个任务失败，不做部分批次补偿。
func (s *AnalysisService) runInference(
	ctx context.Context,
	taskID string,
	frames FrameSource,
	det detector.Detector,
	transform video.Transform,
	threshold float64,
) ([]model.DetectionScore, int, error) {
	total := frames.Len()
	batchSize := s.cfg.Detection.BatchSize

	scores := make([]model.DetectionScore, 0, total)
	tensors := make([][]float32, 0, batchSize)
	pending := make([]*video.Frame, 0, batchSize)
	skipped := 0
	processed := 0

	flush := func() error {
		if len(tensors) == 0 {
			return nil
		}
		// 批次之间是取消检查点；已派发的批次总是执行完
		if err := checkpoint(ctx); err != nil {
			return err
		}
		probs, err := det.PredictBatch(ctx, tensors)
		if err != nil {
			return err
		}
		for i, p := range probs {
			scores = append(scores, model.DetectionScore{
				FrameIndex:      pending[i].Index,
				Timestamp:       pending[i].Timestamp,
				FakeProbability: p,
				Confidence:      detect.Confidence(p, threshold),
			})
		}
		processed += len(tensors)
		if total > 0 {
			s.registry.UpdateProgress(taskID, 20+processed*70/total)
		}
		tensors = tensors[:0]
		pending = pending[:0]
		return nil
	}

	for {
		frame, err := frames.Next()
		if err != nil {
			// 单帧解码或预处理失败不致命，跳过并计数
			skipped++
			s.log.Warnf("任务 %s 跳过损坏帧: %v", taskID, err)
			continue
		}
		if frame == nil {
			break
		}

		tensor, err := transform.Apply(frame)
		frame.Image = nil // 像素数据在预处理后立即释放
		if err != nil {
			skipped++
			s.log.Warnf("任务 %s 第 %d 帧预处理失败: %v", taskID, frame.Index, err)
			continue
		}

		tensors = append(tensors, tensor)
		pending = append(pending, frame)
		if len(tensors) >= batchSize {
			if err := flush(); err != nil {
				return nil, skipped, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, skipped, err
	}
	return scores, skipped, nil
}

// failTask 将流水线错误落到任务的终态上，区分取消、超时和系统错误
func (s *AnalysisService) failTask(ctx context.Context, taskID string, err error) {
	kind := errs.KindOf(err)
	message := err.Error()

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = errs.KindTimeout
		message = "处理超时，任务被强制终止"
	} else if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		kind = errs.KindCancelled
		message = "任务已被用户取消"
	}

	if ferr := s.registry.Fail(taskID, kind, message); ferr != nil {
		s.log.Errorf("记录任务 %s 失败状态出错: %v", taskID, ferr)
	}
}

// persistOutcome 把终态任务写入结果存储
func (s *AnalysisService) persistOutcome(taskID string) {
	task, err := s.registry.Get(taskID)
	if err != nil || !task.Status.IsTerminal() {
		return
	}

	// 记录沿用任务自身的时间戳，不用持久化时刻
	completedAt := time.Now()
	if task.CompletedAt != nil {
		completedAt = *task.CompletedAt
	}
	record := &model.StoredResult{
		TaskID:      task.TaskID,
		Filename:    task.Filename,
		ModelUsed:   task.ModelName,
		Status:      string(task.Status),
		ErrorMsg:    task.Error,
		CreatedAt:   task.CreatedAt,
		CompletedAt: completedAt,
	}
	if task.Result != nil {
		if err := record.SetResult(task.Result); err != nil {
			s.log.Errorf("序列化任务 %s 的结果失败: %v", taskID, err)
			return
		}
	}
	if err := s.store.Save(record); err != nil {
		s.log.Errorf("持久化任务 %s 的结果失败: %v", taskID, err)
	}
}

// cleanupUpload 删除上传的视频文件
func (s *AnalysisService) cleanupUpload(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.log.Warnf("清理上传文件失败: %s: %v", path, err)
	}
}

// checkpoint 协作式取消检查点
func checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}
