package detector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"sherlock/app/config"
	"sherlock/app/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newInferenceServer 模拟外部推理服务
func newInferenceServer(t *testing.T, probs []float64, predictStatus int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/predict", func(w http.ResponseWriter, r *http.Request) {
		var req predictRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(predictStatus)
		_ = json.NewEncoder(w).Encode(predictResponse{Probabilities: probs})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestRemotePredictBatch(t *testing.T) {
	server := newInferenceServer(t, []float64{0.8, 0.2}, http.StatusOK)

	d := newRemote("remote", config.ModelConfig{
		Type:     "remote",
		Endpoint: server.URL,
	}, testLogger())

	require.NoError(t, d.Load())
	require.NoError(t, d.Load()) // 幂等

	probs, err := d.PredictBatch(context.Background(), [][]float32{{0.1}, {0.2}})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.8, 0.2}, probs)

	// 请求带超时配置，挂死的推理服务不会无限等待
	assert.Equal(t, remoteRequestTimeout, d.client.Timeout())
}

func TestRemoteLoadUnreachable(t *testing.T) {
	d := newRemote("remote", config.ModelConfig{
		Type:     "remote",
		Endpoint: "http://127.0.0.1:1", // 不可达端口
	}, testLogger())

	err := d.Load()
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindModel))
}

func TestRemotePredictCountMismatch(t *testing.T) {
	// 服务返回的结果数量与批次不一致
	server := newInferenceServer(t, []float64{0.8}, http.StatusOK)

	d := newRemote("remote", config.ModelConfig{Type: "remote", Endpoint: server.URL}, testLogger())
	require.NoError(t, d.Load())

	_, err := d.PredictBatch(context.Background(), [][]float32{{0.1}, {0.2}})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindInference))
}

func TestRemotePredictServerError(t *testing.T) {
	server := newInferenceServer(t, nil, http.StatusInternalServerError)

	d := newRemote("remote", config.ModelConfig{Type: "remote", Endpoint: server.URL}, testLogger())
	require.NoError(t, d.Load())

	_, err := d.PredictBatch(context.Background(), [][]float32{{0.1}})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindInference))
}

func TestRemoteNotLoaded(t *testing.T) {
	d := newRemote("remote", config.ModelConfig{Type: "remote", Endpoint: "http://example.invalid"}, testLogger())

	_, err := d.PredictBatch(context.Background(), [][]float32{{0.1}})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindInference))
}
