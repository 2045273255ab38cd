package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chhz0/inferq/backend"
	"github.com/chhz0/inferq/core"
	"github.com/chhz0/inferq/storage"
	"github.com/chhz0/inferq/types"
)

type fakeService struct {
	submitted []core.SubmitRequest
	err       error
	view      types.TaskView
}

func (f *fakeService) Submit(_ context.Context, req core.SubmitRequest) (core.SubmitReceipt, error) {
	if f.err != nil {
		return core.SubmitReceipt{}, f.err
	}
	f.submitted = append(f.submitted, req)
	return core.SubmitReceipt{TaskID: "t1", QueuePosition: 3, EstimatedWait: 1500 * time.Millisecond}, nil
}

func (f *fakeService) SubmitBatch(ctx context.Context, reqs []core.SubmitRequest) ([]core.SubmitReceipt, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]core.SubmitReceipt, len(reqs))
	for i := range reqs {
		out[i] = core.SubmitReceipt{TaskID: fmt.Sprintf("t%d", i), QueuePosition: i + 1}
	}
	f.submitted = append(f.submitted, reqs...)
	return out, nil
}

func (f *fakeService) Cancel(context.Context, string) error { return f.err }
func (f *fakeService) Purge(context.Context, string) error  { return f.err }

func (f *fakeService) Status(_ context.Context, id string) (types.TaskView, error) {
	if f.err != nil {
		return types.TaskView{}, f.err
	}
	v := f.view
	v.ID = id
	return v, nil
}

func (f *fakeService) Metrics() types.QueueMetricsView {
	return types.QueueMetricsView{Lanes: map[string]int{"high": 1, "normal": 2, "low": 0}, TotalQueued: 3}
}

func (f *fakeService) Backends(context.Context) []types.BackendHealth {
	return []types.BackendHealth{
		{Variant: types.BackendLocal, Healthy: true},
		{Variant: types.BackendBatched, Healthy: false, Error: "down"},
	}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestSubmitTask(t *testing.T) {
	svc := &fakeService{}
	h := NewServer(Config{}, svc, nil).Handler()

	rec := do(t, h, http.MethodPost, "/v1/tasks", `{"priority":"high","backend":"batched","payload":{"prompt":"hi"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "t1", body["task_id"])
	assert.Equal(t, "queued", body["status"])
	assert.EqualValues(t, 3, body["queue_position"])
	assert.EqualValues(t, 1.5, body["estimated_wait_seconds"])

	require.Len(t, svc.submitted, 1)
	assert.Equal(t, "high", svc.submitted[0].Priority)
	assert.Equal(t, "batched", svc.submitted[0].Backend)
	assert.JSONEq(t, `{"prompt":"hi"}`, string(svc.submitted[0].Payload))

	rec = do(t, h, http.MethodPost, "/v1/tasks", `{"payload":"plain text prompt"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "plain text prompt", string(svc.submitted[1].Payload))
}

func TestSubmitTaskRejectsBadRequests(t *testing.T) {
	h := NewServer(Config{}, &fakeService{}, nil).Handler()
	cases := map[string]string{
		"not json":        `{`,
		"missing payload": `{"priority":"high"}`,
		"bad priority":    `{"priority":"urgent","payload":"x"}`,
		"bad backend":     `{"backend":"gpu","payload":"x"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/v1/tasks", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			errBody := decodeBody(t, rec)["error"].(map[string]any)
			assert.Equal(t, "validation_error", errBody["kind"])
		})
	}
}

func TestErrorKindsMapToStatus(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{types.NewError(types.KindNotFound, "task not found"), http.StatusNotFound},
		{types.NewError(types.KindInvalidState, "not queued"), http.StatusConflict},
		{types.NewError(types.KindValidation, "too many"), http.StatusBadRequest},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		h := NewServer(Config{}, &fakeService{err: tc.err}, nil).Handler()
		assert.Equal(t, tc.code, do(t, h, http.MethodGet, "/v1/tasks/abc", "").Code, tc.err.Error())
		assert.Equal(t, tc.code, do(t, h, http.MethodDelete, "/v1/tasks/abc", "").Code, tc.err.Error())
	}

	h := NewServer(Config{}, &fakeService{err: fmt.Errorf("secret dsn")}, nil).Handler()
	rec := do(t, h, http.MethodGet, "/v1/tasks/abc", "")
	assert.NotContains(t, rec.Body.String(), "secret dsn")
}

func TestTaskRoutes(t *testing.T) {
	svc := &fakeService{view: types.TaskView{Status: types.StatusCompleted, Result: json.RawMessage(`{"output":"x"}`)}}
	h := NewServer(Config{}, svc, nil).Handler()

	rec := do(t, h, http.MethodGet, "/v1/tasks/abc", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "abc", body["task_id"])
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, map[string]any{"output": "x"}, body["result"])

	rec = do(t, h, http.MethodDelete, "/v1/tasks/abc", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decodeBody(t, rec)["status"])

	rec = do(t, h, http.MethodDelete, "/v1/tasks/abc/record", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSubmitBatchRoute(t *testing.T) {
	svc := &fakeService{}
	h := NewServer(Config{}, svc, nil).Handler()

	rec := do(t, h, http.MethodPost, "/v1/tasks/batch", `{"tasks":[{"payload":"a"},{"payload":"b","priority":"low"}]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	tasks := decodeBody(t, rec)["tasks"].([]any)
	assert.Len(t, tasks, 2)
	assert.Len(t, svc.submitted, 2)

	rec = do(t, h, http.MethodPost, "/v1/tasks/batch", `{"tasks":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsAndHealthRoutes(t *testing.T) {
	h := NewServer(Config{}, &fakeService{}, nil).Handler()

	rec := do(t, h, http.MethodGet, "/v1/metrics/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, decodeBody(t, rec)["total_queued"])

	rec = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), `inferq_queue_depth{lane="normal"} 2`)

	rec = do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/health/backends", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.Len(t, body["backends"], 2)
}

// TestEndToEnd drives the real scheduler and local adapter through HTTP.
func TestEndToEnd(t *testing.T) {
	ollama := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]any{"model": "llama3", "response": "echo: " + fmt.Sprint(body["prompt"])})
	}))
	defer ollama.Close()

	registry := core.NewBackendRegistry()
	registry.Register(backend.NewLocalRuntime(backend.LocalConfig{BaseURL: ollama.URL, Model: "llama3", Timeout: time.Second}, nil), core.FallbackFail)

	cfg := core.DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	sched, err := core.New(cfg, storage.NewMemoryStorage(), registry)
	require.NoError(t, err)
	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop(context.Background())

	srv := httptest.NewServer(NewServer(Config{}, sched, nil).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/tasks", "application/json", bytes.NewBufferString(`{"payload":{"prompt":"ping"}}`))
	require.NoError(t, err)
	var receipt receiptResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&receipt))
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var view struct {
		Status string `json:"status"`
		Result struct {
			Output  string `json:"output"`
			Backend string `json:"backend"`
		} `json:"result"`
	}
	assert.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/v1/tasks/" + receipt.TaskID)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if json.NewDecoder(resp.Body).Decode(&view) != nil {
			return false
		}
		return view.Status == "completed"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "echo: ping", view.Result.Output)
	assert.Equal(t, "local", view.Result.Backend)
}
