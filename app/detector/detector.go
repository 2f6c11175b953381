package detector

import (
	"context"

	"sherlock/app/config"
	"sherlock/app/errs"
	"sherlock/app/logger"
)

// Detector 检测模型的能力接口。
// Load 是幂等的；PredictBatch 对一个批次要么全部成功，
// 要么整体失败，不会返回部分结果。
type Detector interface {
	Name() string
	Load() error
	PredictBatch(ctx context.Context, tensors [][]float32) ([]float64, error)
}

// New 根据配置创建检测器实例。支持的类型是封闭集合：
// xception、mesonet 和 remote。
func New(name string, cfg config.ModelConfig, modelsDir string, log *logger.Logger) (Detector, error) {
	switch cfg.Type {
	case "xception":
		return newXception(name, cfg, modelsDir, log), nil
	case "mesonet":
		return newMesoNet(name, cfg, modelsDir, log), nil
	case "remote":
		return newRemote(name, cfg, log), nil
	default:
		return nil, errs.Newf(errs.KindModel, "未知的模型类型: %s", cfg.Type)
	}
}
