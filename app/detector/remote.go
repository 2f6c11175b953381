package detector

import (
	"context"
	"sync"
	"time"

	"sherlock/app/config"
	"sherlock/app/errs"
	"sherlock/app/logger"

	"resty.dev/v3"
)

// 单次推理请求的超时，挂死的推理服务不应拖满任务的墙钟时限
const remoteRequestTimeout = 2 * time.Minute

// RemoteDetector 把推理委托给外部推理服务的后端，
// 用于接入真实的 GPU 模型服务器。
type RemoteDetector struct {
	name     string
	endpoint string
	client   *resty.Client
	log      *logger.Logger

	mu     sync.Mutex
	loaded bool
}

// predictRequest 推理服务的请求体
type predictRequest struct {
	Model   string      `json:"model"`
	Tensors [][]float32 `json:"tensors"`
}

// predictResponse 推理服务的响应体
type predictResponse struct {
	Probabilities []float64 `json:"probabilities"`
	Error         string    `json:"error,omitempty"`
}

func newRemote(name string, cfg config.ModelConfig, log *logger.Logger) *RemoteDetector {
	client := resty.New()
	client.SetBaseURL(cfg.Endpoint)
	client.SetTimeout(remoteRequestTimeout)

	return &RemoteDetector{
		name:     name,
		endpoint: cfg.Endpoint,
		client:   client,
		log:      log,
	}
}

func (d *RemoteDetector) Name() string {
	return d.name
}

// Load 探测推理服务是否就绪，重复调用直接返回
func (d *RemoteDetector) Load() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.loaded {
		return nil
	}

	resp, err := d.client.R().Get("/health")
	if err != nil {
		return errs.Wrap(errs.KindModel, err, "推理服务不可达: "+d.endpoint)
	}
	if resp.StatusCode() != 200 {
		return errs.Newf(errs.KindModel, "推理服务未就绪，状态码: %d", resp.StatusCode())
	}

	d.loaded = true
	d.log.Infof("远程模型 %s 就绪: %s", d.name, d.endpoint)
	return nil
}

// PredictBatch 把整个批次发给推理服务，结果数量必须与输入一致
func (d *RemoteDetector) PredictBatch(ctx context.Context, tensors [][]float32) ([]float64, error) {
	d.mu.Lock()
	loaded := d.loaded
	d.mu.Unlock()

	if !loaded {
		return nil, errs.New(errs.KindInference, "模型未加载")
	}
	if len(tensors) == 0 {
		return nil, errs.New(errs.KindInference, "批次为空")
	}

	var result predictResponse
	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(predictRequest{Model: d.name, Tensors: tensors}).
		SetResult(&result).
		Post("/predict")

	if err != nil {
		return nil, errs.Wrap(errs.KindInference, err, "推理请求失败")
	}
	if resp.StatusCode() != 200 {
		return nil, errs.Newf(errs.KindInference, "推理服务返回错误，状态码: %d, 响应: %s", resp.StatusCode(), resp.String())
	}
	if result.Error != "" {
		return nil, errs.New(errs.KindInference, "推理服务报告错误: "+result.Error)
	}
	if len(result.Probabilities) != len(tensors) {
		return nil, errs.Newf(errs.KindInference, "推理结果数量不匹配: 期望 %d，实际 %d", len(tensors), len(result.Probabilities))
	}
	return result.Probabilities, nil
}
