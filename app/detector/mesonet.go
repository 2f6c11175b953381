package detector

import (
	"context"
	"path/filepath"
	"sync"

	"sherlock/app/config"
	"sherlock/app/errs"
	"sherlock/app/logger"
)

// mesonet 特征维度：全图均值/方差 + 4x4 分块亮度方差
const mesonetFeatures = 18

// MesoNetDetector 轻量检测后端，只看分块亮度统计，
// 计算量小，适合低延迟场景。
type MesoNetDetector struct {
	name        string
	weightsPath string
	inputSize   int
	log         *logger.Logger

	mu      sync.Mutex
	loaded  bool
	weights *weightsFile
}

func newMesoNet(name string, cfg config.ModelConfig, modelsDir string, log *logger.Logger) *MesoNetDetector {
	return &MesoNetDetector{
		name:        name,
		weightsPath: filepath.Join(modelsDir, cfg.WeightsFile),
		inputSize:   cfg.InputSize,
		log:         log,
	}
}

func (d *MesoNetDetector) Name() string {
	return d.name
}

// Load 加载权重文件，重复调用直接返回
func (d *MesoNetDetector) Load() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.loaded {
		return nil
	}

	d.log.Infof("加载 MesoNet 权重: %s", d.weightsPath)
	weights, err := loadWeights(d.weightsPath, mesonetFeatures)
	if err != nil {
		return err
	}
	d.weights = weights
	d.loaded = true
	d.log.Infof("模型 %s 加载完成", d.name)
	return nil
}

// PredictBatch 对一个批次计算逐帧伪造概率，顺序与输入一致
func (d *MesoNetDetector) PredictBatch(ctx context.Context, tensors [][]float32) ([]float64, error) {
	d.mu.Lock()
	loaded := d.loaded
	weights := d.weights
	d.mu.Unlock()

	if !loaded {
		return nil, errs.New(errs.KindInference, "模型未加载")
	}
	if len(tensors) == 0 {
		return nil, errs.New(errs.KindInference, "批次为空")
	}

	expected := 3 * d.inputSize * d.inputSize
	probs := make([]float64, len(tensors))
	for i, tensor := range tensors {
		if err := ctx.Err(); err != nil {
			return nil, errs.Wrap(errs.KindInference, err, "推理被中断")
		}
		if len(tensor) != expected {
			return nil, errs.Newf(errs.KindInference, "张量维度不匹配: 期望 %d，实际 %d", expected, len(tensor))
		}
		probs[i] = weights.score(d.features(tensor))
	}
	return probs, nil
}

// features 提取分块亮度统计特征
func (d *MesoNetDetector) features(tensor []float32) []float64 {
	size := d.inputSize
	plane := size * size
	features := make([]float64, 0, mesonetFeatures)

	// 全图亮度均值和方差（RGB 平均作为亮度）
	var sum, sqSum float64
	for i := 0; i < plane; i++ {
		v := (float64(tensor[i]) + float64(tensor[plane+i]) + float64(tensor[2*plane+i])) / 3.0
		sum += v
		sqSum += v * v
	}
	mean := sum / float64(plane)
	features = append(features, mean, sqSum/float64(plane)-mean*mean)

	// 4x4 分块的亮度方差，换脸区域和背景的块间差异是常见信号
	block := size / 4
	for by := 0; by < 4; by++ {
		for bx := 0; bx < 4; bx++ {
			var bSum, bSqSum float64
			for y := by * block; y < (by+1)*block; y++ {
				for x := bx * block; x < (bx+1)*block; x++ {
					i := y*size + x
					v := (float64(tensor[i]) + float64(tensor[plane+i]) + float64(tensor[2*plane+i])) / 3.0
					bSum += v
					bSqSum += v * v
				}
			}
			n := float64(block * block)
			bMean := bSum / n
			features = append(features, bSqSum/n-bMean*bMean)
		}
	}

	return features
}
