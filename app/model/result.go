package model

// DetectionScore 单帧推理输出
type DetectionScore struct {
	FrameIndex      int     `json:"frame_index"`
	Timestamp       float64 `json:"timestamp"` // 播放时刻（秒）
	FakeProbability float64 `json:"fake_probability"`
	Confidence      float64 `json:"confidence"` // 由概率到判定阈值的距离导出，0-1
}

// SuspiciousFrame 可疑帧条目
type SuspiciousFrame struct {
	Timestamp       float64 `json:"timestamp"`
	FrameIndex      int     `json:"frame_index"`
	FakeProbability float64 `json:"fake_probability"`
	Confidence      float64 `json:"confidence"`
}

// Statistics 帧级预测的统计摘要
type Statistics struct {
	TotalFrames    int     `json:"total_frames"`
	FakeFrames     int     `json:"fake_frames"`
	RealFrames     int     `json:"real_frames"`
	FakePercentage float64 `json:"fake_percentage"` // 0-100
	MeanPrediction float64 `json:"mean_prediction"`
	StdPrediction  float64 `json:"std_prediction"`
	MeanConfidence float64 `json:"mean_confidence"`
}

// ModelInfo 结果所用模型的信息
type ModelInfo struct {
	ModelUsed           string  `json:"model_used"`
	Threshold           float64 `json:"threshold"`
	TotalFramesAnalyzed int     `json:"total_frames_analyzed"`
}

// VideoMetadata 源视频的基本属性
type VideoMetadata struct {
	FPS             float64 `json:"fps"`
	Duration        float64 `json:"duration"` // 秒
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	ExtractedFrames int     `json:"extracted_frames"`
	SkippedFrames   int     `json:"skipped_frames"` // 预处理失败被跳过的帧数
}

// DetectionResult 视频级检测结论
type DetectionResult struct {
	Prediction       string            `json:"prediction"` // real 或 fake
	Confidence       float64           `json:"confidence"` // 0-1
	FakeProbability  float64           `json:"fake_probability"`
	Statistics       Statistics        `json:"statistics"`
	SuspiciousFrames []SuspiciousFrame `json:"suspicious_frames"`
	ModelInfo        ModelInfo         `json:"model_info"`
	VideoMetadata    VideoMetadata     `json:"video_metadata"`
}
