package detect

import (
	"math"
	"sort"

	"sherlock/app/config"
	"sherlock/app/errs"
	"sherlock/app/model"
)

// Aggregator 把帧级得分归并为视频级结论。
// 判定规则是帧多数投票：伪造帧占比超过 fakeMajority 时整段视频判为伪造，
// 避免个别帧的误报直接翻转结论。
type Aggregator struct {
	fakeMajority float64 // 判为伪造所需的伪造帧占比（百分比）
	topN         int     // 可疑帧返回数量上限，0 表示不限制
}

// NewAggregator 创建结果聚合器
func NewAggregator(cfg config.DetectionConfig) *Aggregator {
	return &Aggregator{
		fakeMajority: cfg.FakeMajority,
		topN:         cfg.SuspiciousTopN,
	}
}

// Confidence 把概率到判定阈值的距离归一化到 0-1。
// 概率越接近阈值置信度越低，正好落在阈值上为 0。
func Confidence(prob, threshold float64) float64 {
	var margin float64
	if prob >= threshold {
		margin = (prob - threshold) / (1.0 - threshold)
	} else {
		margin = (threshold - prob) / threshold
	}
	return clamp01(margin)
}

// Aggregate 归并帧级得分。没有可分析的帧时返回 KindEmptyResult 错误，
// 避免产出除零的统计结果。
func (a *Aggregator) Aggregate(scores []model.DetectionScore, threshold float64, modelName string) (*model.DetectionResult, error) {
	if len(scores) == 0 {
		return nil, errs.New(errs.KindEmptyResult, "没有可分析的帧")
	}

	total := len(scores)
	var sumProb, sumConf float64
	fakeFrames := 0
	for _, s := range scores {
		sumProb += s.FakeProbability
		sumConf += s.Confidence
		if s.FakeProbability >= threshold {
			fakeFrames++
		}
	}
	meanProb := sumProb / float64(total)
	meanConf := sumConf / float64(total)

	var variance float64
	for _, s := range scores {
		d := s.FakeProbability - meanProb
		variance += d * d
	}
	stdProb := math.Sqrt(variance / float64(total))

	fakePercentage := float64(fakeFrames) / float64(total) * 100.0

	// 帧多数投票决定视频级结论
	prediction := "real"
	if fakePercentage >= a.fakeMajority {
		prediction = "fake"
	}

	// 视频级置信度反映平均概率偏离阈值的幅度
	confidence := Confidence(meanProb, threshold)

	result := &model.DetectionResult{
		Prediction:      prediction,
		Confidence:      round4(confidence),
		FakeProbability: round4(meanProb),
		Statistics: model.Statistics{
			TotalFrames:    total,
			FakeFrames:     fakeFrames,
			RealFrames:     total - fakeFrames,
			FakePercentage: round2(fakePercentage),
			MeanPrediction: round4(meanProb),
			StdPrediction:  round4(stdProb),
			MeanConfidence: round4(meanConf),
		},
		SuspiciousFrames: a.suspiciousFrames(scores, threshold),
		ModelInfo: model.ModelInfo{
			ModelUsed:           modelName,
			Threshold:           threshold,
			TotalFramesAnalyzed: total,
		},
	}
	return result, nil
}

// suspiciousFrames 选出伪造概率达到阈值的帧，按概率降序排列，
// 概率相同时帧序号小的在前，保证输出确定
func (a *Aggregator) suspiciousFrames(scores []model.DetectionScore, threshold float64) []model.SuspiciousFrame {
	suspicious := make([]model.SuspiciousFrame, 0)
	for _, s := range scores {
		if s.FakeProbability >= threshold {
			suspicious = append(suspicious, model.SuspiciousFrame{
				Timestamp:       s.Timestamp,
				FrameIndex:      s.FrameIndex,
				FakeProbability: round4(s.FakeProbability),
				Confidence:      round4(s.Confidence),
			})
		}
	}

	sort.Slice(suspicious, func(i, j int) bool {
		if suspicious[i].FakeProbability != suspicious[j].FakeProbability {
			return suspicious[i].FakeProbability > suspicious[j].FakeProbability
		}
		return suspicious[i].FrameIndex < suspicious[j].FrameIndex
	})

	if a.topN > 0 && len(suspicious) > a.topN {
		suspicious = suspicious[:a.topN]
	}
	return suspicious
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
