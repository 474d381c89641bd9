package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaylabs/async-sidecar/internal/facade"
	"github.com/relaylabs/async-sidecar/internal/metrics"
	"github.com/relaylabs/async-sidecar/internal/queue"
	"github.com/relaylabs/async-sidecar/internal/replay"
	"github.com/relaylabs/async-sidecar/internal/traffic"
)

type stubUpstream struct{}

func (stubUpstream) ChatCompletions(ctx context.Context, payload map[string]any) (map[string]any, error) {
	return map[string]any{
		"model":   "gpt-5-high",
		"choices": []any{map[string]any{"message": map[string]any{"content": "hi there"}}},
	}, nil
}

func (stubUpstream) Health(ctx context.Context) error { return nil }

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	up := stubUpstream{}
	q := queue.New(queue.DefaultConfig(), up, metrics.NewStore(metrics.DefaultSampleCap), nil)
	harness := replay.NewHarness(q, replay.NewStore(""))
	f := facade.New(q, up, harness, nil)

	return SetupRouter(Dependencies{
		Facade:  f,
		Traffic: traffic.NewLog(50),
	})
}

func TestSubmitReturns202WithLinks(t *testing.T) {
	r := newTestRouter(t)

	body := `{"payload":{"model":"gpt-5-high","messages":[{"role":"user","content":"hi"}]}}`
	req := httptest.NewRequest(http.MethodPost, "/api/async/submit", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "queued", out["status"])
	assert.NotEmpty(t, out["job_id"])
	links, ok := out["links"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, links["status"], out["job_id"])
}

func TestSubmitInvalidPayloadReturns400(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/async/submit", bytes.NewBufferString(`{"payload":{}}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	errBody := out["error"].(map[string]any)
	assert.Equal(t, "INVALID_REQUEST", errBody["code"])
}

func TestStatusUnknownJobReturns404(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/async/status/no-such-job", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubmitThenResultEventuallyCompletes(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/async/submit", bytes.NewBufferString(
		`{"payload":{"model":"gpt-5-high","messages":[{"role":"user","content":"hi"}]}}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	var submitted map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &submitted))
	jobID := submitted["job_id"].(string)

	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/api/async/result/"+jobID, nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancelUnknownJobReturns404(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/async/cancel/no-such-job", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQueueStateAndMetricsEndpoints(t *testing.T) {
	r := newTestRouter(t)

	for _, path := range []string{"/api/async/queue", "/api/async/state", "/api/async/metrics", "/api/async/aggressive/report"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestReplayRunRequiresModelsAndCases(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/replay/run", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReplayRunScoresAgainstExpected(t *testing.T) {
	r := newTestRouter(t)

	body := `{
		"replayName": "mouse-core",
		"baselineModel": "gpt-5-high",
		"candidateModel": "gpt-5-high",
		"cases": [{"id": "c1", "payload": {"messages":[{"role":"user","content":"hi"}]}, "expected": {"weight_g": 56}}]
	}`
	req := httptest.NewRequest(http.MethodPost, "/api/replay/run", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var report map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, "mouse-core", report["replay_name"])
	// The stub upstream replies with plain text, so no parsed_json field can
	// match the expected weight_g.
	assert.Equal(t, 0.0, report["candidate_accuracy"])
}

func TestTrafficDebugEndpoints(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/debug/traffic", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	entries, ok := out["entries"].([]any)
	require.True(t, ok)
	assert.NotEmpty(t, entries)

	req = httptest.NewRequest(http.MethodDelete, "/api/debug/traffic", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}
