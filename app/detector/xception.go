package detector

import (
	"context"
	"math"
	"path/filepath"
	"sync"

	"sherlock/app/config"
	"sherlock/app/errs"
	"sherlock/app/logger"
)

// xception 特征维度：各通道均值/方差 + 水平/垂直梯度能量 + 高频残差
const xceptionFeatures = 9

// XceptionDetector 高精度检测后端。
// 在 ImageNet 归一化的张量上提取纹理统计特征，
// 用加载的回归权重计算伪造概率。
type XceptionDetector struct {
	name        string
	weightsPath string
	inputSize   int
	log         *logger.Logger

	mu      sync.Mutex
	loaded  bool
	weights *weightsFile
}

func newXception(name string, cfg config.ModelConfig, modelsDir string, log *logger.Logger) *XceptionDetector {
	return &XceptionDetector{
		name:        name,
		weightsPath: filepath.Join(modelsDir, cfg.WeightsFile),
		inputSize:   cfg.InputSize,
		log:         log,
	}
}

func (d *XceptionDetector) Name() string {
	return d.name
}

// Load 加载权重文件，重复调用直接返回
func (d *XceptionDetector) Load() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.loaded {
		return nil
	}

	d.log.Infof("加载 XceptionNet 权重: %s", d.weightsPath)
	weights, err := loadWeights(d.weightsPath, xceptionFeatures)
	if err != nil {
		return err
	}
	d.weights = weights
	d.loaded = true
	d.log.Infof("模型 %s 加载完成", d.name)
	return nil
}

// PredictBatch 对一个批次计算逐帧伪造概率，顺序与输入一致
func (d *XceptionDetector) PredictBatch(ctx context.Context, tensors [][]float32) ([]float64, error) {
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

// features 提取纹理统计特征向量
func (d *XceptionDetector) features(tensor []float32) []float64 {
	size := d.inputSize
	plane := size * size
	features := make([]float64, 0, xceptionFeatures)

	// 各通道的均值和方差
	for c := 0; c < 3; c++ {
		var sum, sqSum float64
		for i := 0; i < plane; i++ {
			v := float64(tensor[c*plane+i])
			sum += v
			sqSum += v * v
		}
		mean := sum / float64(plane)
		features = append(features, mean, sqSum/float64(plane)-mean*mean)
	}

	// 绿色通道上的梯度能量和高频残差，
	// 深度伪造常在面部边界留下异常的高频纹理
	g := tensor[plane : 2*plane]
	var hGrad, vGrad, residual float64
	for y := 1; y < size-1; y++ {
		for x := 1; x < size-1; x++ {
			center := float64(g[y*size+x])
			hGrad += math.Abs(center - float64(g[y*size+x-1]))
			vGrad += math.Abs(center - float64(g[(y-1)*size+x]))
			neighbors := (float64(g[y*size+x-1]) + float64(g[y*size+x+1]) +
				float64(g[(y-1)*size+x]) + float64(g[(y+1)*size+x])) / 4.0
			residual += math.Abs(center - neighbors)
		}
	}
	inner := float64((size - 2) * (size - 2))
	features = append(features, hGrad/inner, vGrad/inner, residual/inner)

	return features
}
