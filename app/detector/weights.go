package detector

import (
	"encoding/json"
	"math"
	"os"

	"sherlock/app/errs"
)

// weightsFile 本地模型的权重文件格式：
// 在帧统计特征上训练的逻辑回归系数。
type weightsFile struct {
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
}

// loadWeights 读取并校验权重文件
func loadWeights(path string, featureCount int) (*weightsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindModel, err, "权重文件读取失败: "+path)
	}
	var w weightsFile
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errs.Wrap(errs.KindModel, err, "权重文件格式错误: "+path)
	}
	if len(w.Weights) != featureCount {
		return nil, errs.Newf(errs.KindModel, "权重维度不匹配: 期望 %d，实际 %d", featureCount, len(w.Weights))
	}
	return &w, nil
}

// score 对特征向量计算伪造概率
func (w *weightsFile) score(features []float64) float64 {
	sum := w.Bias
	for i, f := range features {
		sum += w.Weights[i] * f
	}
	return sigmoid(sum)
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
