package video

import (
	"context"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"sherlock/app/config"
	"sherlock/app/errs"
	"sherlock/app/logger"

	"github.com/disintegration/imaging"
)

// Frame 从视频中抽取的单帧图像
type Frame struct {
	Index     int         // 在采样序列中的位置（从 0 开始），不是原始帧号
	Timestamp float64     // 播放时刻（秒）
	Image     image.Image // 像素数据，推理后即丢弃
}

// Metadata 源视频属性
type Metadata struct {
	FPS      float64
	Duration float64
	Width    int
	Height   int
	Sampled  int // 实际进入序列的帧数
}

// Extractor 按配置的采样率和帧数上限抽取视频帧
type Extractor struct {
	frameRate int
	maxFrames int
	tempDir   string
	log       *logger.Logger
}

// NewExtractor 创建帧抽取器
func NewExtractor(cfg config.VideoConfig, log *logger.Logger) *Extractor {
	return &Extractor{
		frameRate: cfg.FrameRate,
		maxFrames: cfg.MaxFrames,
		tempDir:   cfg.TempDir,
		log:       log,
	}
}

// Extract 解码视频并返回惰性帧序列。
// 视频无法打开或没有可解码帧时返回 KindDecode 错误。
// 调用方必须 Close 返回的序列以释放临时文件。
func (e *Extractor) Extract(ctx context.Context, videoPath string) (*FrameSeq, *Metadata, error) {
	if _, err := os.Stat(videoPath); err != nil {
		return nil, nil, errs.Wrap(errs.KindDecode, err, "视频文件不存在")
	}

	meta, err := e.probe(ctx, videoPath)
	if err != nil {
		return nil, nil, err
	}
	e.log.Infof("视频属性: %dx%d, %.2f FPS, %.2fs", meta.Width, meta.Height, meta.FPS, meta.Duration)

	// 原生帧率低于采样率时按原生帧率抽取，不做补帧
	sampleFPS := float64(e.frameRate)
	if meta.FPS > 0 && meta.FPS < sampleFPS {
		sampleFPS = meta.FPS
	}

	if err := os.MkdirAll(e.tempDir, 0755); err != nil {
		return nil, nil, errs.Wrap(errs.KindInternal, err, "创建临时目录失败")
	}
	workDir, err := os.MkdirTemp(e.tempDir, "frames-")
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindInternal, err, "创建抽帧目录失败")
	}

	framePattern := filepath.Join(workDir, "frame_%06d.jpg")
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-i", videoPath,
		"-vf", fmt.Sprintf("fps=%g", sampleFPS),
		"-q:v", "2",
		"-y",
		framePattern,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		os.RemoveAll(workDir)
		return nil, nil, errs.Wrap(errs.KindDecode, err, "视频解码失败: "+truncate(string(output), 200))
	}

	files, err := filepath.Glob(filepath.Join(workDir, "*.jpg"))
	if err != nil || len(files) == 0 {
		os.RemoveAll(workDir)
		return nil, nil, errs.New(errs.KindDecode, "视频中没有可解码的帧")
	}
	sort.Strings(files)

	// 超过帧数上限时在整个时长上均匀采样，保留时间覆盖
	selected := sampleEvenly(len(files), e.maxFrames)
	seqFiles := make([]string, len(selected))
	timestamps := make([]float64, len(selected))
	for i, idx := range selected {
		seqFiles[i] = files[idx]
		timestamps[i] = float64(idx) / sampleFPS
	}

	meta.Sampled = len(seqFiles)
	e.log.Infof("抽帧完成: 共 %d 帧，采样 %d 帧", len(files), len(seqFiles))

	return &FrameSeq{
		dir:        workDir,
		files:      seqFiles,
		timestamps: timestamps,
	}, meta, nil
}

// probe 通过 ffprobe 读取视频属性
func (e *Extractor) probe(ctx context.Context, videoPath string) (*Metadata, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,avg_frame_rate",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1",
		videoPath,
	)
	output, err := cmd.Output()
	if err != nil {
		return nil, errs.Wrap(errs.KindDecode, err, "无法打开视频容器")
	}

	meta := &Metadata{}
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "width":
			meta.Width, _ = strconv.Atoi(value)
		case "height":
			meta.Height, _ = strconv.Atoi(value)
		case "avg_frame_rate":
			meta.FPS = parseRate(value)
		case "duration":
			meta.Duration, _ = strconv.ParseFloat(value, 64)
		}
	}
	if meta.Width == 0 || meta.Height == 0 {
		return nil, errs.New(errs.KindDecode, "视频中没有视频流")
	}
	return meta, nil
}

// parseRate 解析 ffprobe 的分数帧率，例如 30000/1001
func parseRate(value string) float64 {
	num, den, ok := strings.Cut(value, "/")
	if !ok {
		rate, _ := strconv.ParseFloat(value, 64)
		return rate
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

// sampleEvenly 从 n 个元素中均匀选出最多 max 个下标，首尾必选
func sampleEvenly(n, max int) []int {
	if n <= max {
		indices := make([]int, n)
		for i := range indices {
			indices[i] = i
		}
		return indices
	}
	indices := make([]int, max)
	if max == 1 {
		return indices
	}
	for i := 0; i < max; i++ {
		indices[i] = i * (n - 1) / (max - 1)
	}
	return indices
}

// truncate 截断过长的命令输出
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// FrameSeq 惰性、有限、不可重放的帧序列，按时间戳递增排列
type FrameSeq struct {
	dir        string
	files      []string
	timestamps []float64
	pos        int
	closed     bool
}

// Len 序列中的帧总数
func (s *FrameSeq) Len() int {
	return len(s.files)
}

// Next 返回下一帧；序列结束时返回 (nil, nil)。
// 单帧解码失败返回 KindPreprocess 错误，序列继续前进，调用方可跳过该帧。
func (s *FrameSeq) Next() (*Frame, error) {
	if s.closed || s.pos >= len(s.files) {
		return nil, nil
	}
	idx := s.pos
	s.pos++

	img, err := imaging.Open(s.files[idx])
	if err != nil {
		return nil, errs.Wrap(errs.KindPreprocess, err, fmt.Sprintf("第 %d 帧解码失败", idx))
	}
	return &Frame{
		Index:     idx,
		Timestamp: s.timestamps[idx],
		Image:     img,
	}, nil
}

// Close 删除临时帧文件，可重复调用
func (s *FrameSeq) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return os.RemoveAll(s.dir)
}
