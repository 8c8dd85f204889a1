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

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/budgetopt/internal/budget"
	"github.com/copyleftdev/budgetopt/internal/config"
	apperrors "github.com/copyleftdev/budgetopt/internal/errors"
	"github.com/copyleftdev/budgetopt/internal/frame"
	"github.com/copyleftdev/budgetopt/internal/logging"
	"github.com/copyleftdev/budgetopt/internal/scenario"
	"github.com/copyleftdev/budgetopt/internal/store"
)

const scenarioJSON = `{
  "name": "spring",
  "spend": {
    "columns": ["tv", "search"],
    "rows": [
      {"period": "2024-03-01", "values": [100, 50]},
      {"period": "2024-03-02", "values": [100, 50]},
      {"period": "2024-03-03", "values": [100, 50]}
    ]
  },
  "horizon": {"start": "2024-03-02", "periods": 2},
  "channels": ["tv", "search"],
  "model": {
    "type": "mmm",
    "mmm": {
      "intercept": 10,
      "channels": [
        {"column": "tv", "coefficient": 20, "saturation": {"type": "log", "scale": 100}},
        {"column": "search", "coefficient": 40, "saturation": {"type": "hill", "half_saturation": 60}}
      ]
    }
  },
  "parametrization": "investment_per_channel",
  "constraints": [{"type": "total_budget"}]
}`

// testConfig creates a test configuration with default values
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Environment: "test",
	}

	// Set up HTTP config
	cfg.HTTP.Port = 8080
	cfg.HTTP.ReadTimeout = 30 * time.Second
	cfg.HTTP.WriteTimeout = 30 * time.Second
	cfg.HTTP.IdleTimeout = 120 * time.Second
	cfg.HTTP.ShutdownTimeout = 30 * time.Second
	cfg.HTTP.MaxRequestBytes = 1 << 20

	// Set up logging
	cfg.Logging.Level = "error"
	cfg.Logging.Format = "text"
	cfg.Logging.Output = "stdout"

	// Jobs stay in memory unless a test opens a store
	cfg.Database.Path = ""
	cfg.Database.Retention = time.Hour

	// Set up optimization
	cfg.Optimization.WorkerCount = 3
	cfg.Optimization.JobTimeout = time.Minute
	cfg.Optimization.MaxIter = 50

	return cfg
}

// testLogger creates a test logger
func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	logger, err := logging.NewLogger(&logging.Config{
		Level:  "error",
		Format: "text",
		Output: "stdout",
	})
	require.NoError(t, err)
	return logger
}

func newTestServer(t *testing.T, opts ...Option) (*Server, http.Handler) {
	t.Helper()
	opts = append([]Option{WithRegisterer(prometheus.NewRegistry())}, opts...)
	srv := NewServer(testConfig(t), testLogger(t), opts...)
	t.Cleanup(func() { _ = srv.Close() })
	r := chi.NewRouter()
	srv.RegisterRoutes(r)
	return srv, r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func rpc(t *testing.T, h http.Handler, method string, params interface{}) map[string]interface{} {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	require.NoError(t, err)
	rr := do(t, h, http.MethodPost, "/rpc", string(body))
	require.Equal(t, http.StatusOK, rr.Code)
	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&response))
	return response
}

func rpcErrorCode(t *testing.T, response map[string]interface{}) int {
	t.Helper()
	errObj, ok := response["error"].(map[string]interface{})
	require.True(t, ok, "response should contain error object: %v", response)
	return int(errObj["code"].(float64))
}

func waitTerminal(t *testing.T, srv *Server, id string) JobView {
	t.Helper()
	var job JobView
	require.Eventually(t, func() bool {
		var err error
		job, err = srv.Status(context.Background(), id)
		require.NoError(t, err)
		return job.Status == store.StatusCompleted || job.Status == store.StatusFailed || job.Status == store.StatusCancelled
	}, 30*time.Second, 10*time.Millisecond)
	return job
}

func TestNewServer(t *testing.T) {
	srv := NewServer(testConfig(t), testLogger(t))
	assert.NotNil(t, srv, "Server should be created")
	assert.Equal(t, 3, cap(srv.workers))
	assert.Equal(t, 50, srv.defaults.MaxIter)
}

func TestRegisterRoutes(t *testing.T) {
	srv := NewServer(testConfig(t), testLogger(t))
	r := chi.NewRouter()
	srv.RegisterRoutes(r)

	tests := []struct {
		method      string
		path        string
		shouldExist bool
	}{
		{"POST", "/api/v1/optimize", true},
		{"GET", "/api/v1/status/123", true},
		{"DELETE", "/api/v1/optimization/123", true},
		{"GET", "/api/v1/jobs", true},
		{"POST", "/rpc", true},
		{"GET", "/healthz", false}, // Not registered by server package
		{"GET", "/nonexistent", false},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			assert.Equal(t, tt.shouldExist, r.Match(chi.NewRouteContext(), tt.method, tt.path))
		})
	}
}

func TestClose(t *testing.T) {
	srv := NewServer(testConfig(t), testLogger(t))
	assert.NoError(t, srv.Close(), "Close should not return an error")
}

func TestRespondWithError(t *testing.T) {
	srv := NewServer(testConfig(t), testLogger(t))

	tests := []struct {
		name       string
		code       int
		message    string
		id         interface{}
		expectedID interface{}
	}{
		{name: "valid error response", code: apperrors.CodeInvalidParams, message: "invalid input", id: "123", expectedID: "123"},
		{name: "nil id", code: apperrors.CodeInternal, message: "server error", id: nil, expectedID: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			srv.respondWithError(rr, tt.code, tt.message, tt.id)

			// JSON-RPC errors travel with a 200
			assert.Equal(t, http.StatusOK, rr.Code)

			var response map[string]interface{}
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&response))

			errObj, ok := response["error"].(map[string]interface{})
			require.True(t, ok, "response should contain error object")
			assert.Equal(t, float64(tt.code), errObj["code"])
			assert.Equal(t, tt.message, errObj["message"])
			assert.Equal(t, tt.expectedID, response["id"])
		})
	}
}

func TestOptimizeREST(t *testing.T) {
	srv, h := newTestServer(t)

	rr := do(t, h, http.MethodPost, "/api/v1/optimize", scenarioJSON)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var submitted JobView
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&submitted))
	assert.NotEmpty(t, submitted.ID)
	assert.Equal(t, "spring", submitted.Name)

	job := waitTerminal(t, srv, submitted.ID)
	require.Equal(t, store.StatusCompleted, job.Status, job.Error)

	rr = do(t, h, http.MethodGet, "/api/v1/status/"+submitted.ID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var status struct {
		Status string `json:"status"`
		Result struct {
			BaselineSpend  float64 `json:"baseline_spend"`
			OptimizedSpend float64 `json:"optimized_spend"`
			BaselineKPI    float64 `json:"baseline_kpi"`
			OptimizedKPI   float64 `json:"optimized_kpi"`
			Cells          []struct {
				Period  string `json:"period"`
				Channel string `json:"channel"`
			} `json:"cells"`
		} `json:"result"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&status))
	assert.Equal(t, store.StatusCompleted, status.Status)
	assert.InDelta(t, 300.0, status.Result.BaselineSpend, 1e-9)
	assert.InDelta(t, status.Result.BaselineSpend, status.Result.OptimizedSpend, 1e-2)
	assert.GreaterOrEqual(t, status.Result.OptimizedKPI, status.Result.BaselineKPI-1e-6)
	assert.Len(t, status.Result.Cells, 4)

	rr = do(t, h, http.MethodGet, "/api/v1/jobs?status=completed", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Jobs []JobView `json:"jobs"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&list))
	require.Len(t, list.Jobs, 1)
	assert.Nil(t, list.Jobs[0].Result, "listings omit results")

	rr = do(t, h, http.MethodDelete, "/api/v1/optimization/"+submitted.ID, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code, "finished jobs cannot be cancelled")
}

func TestRESTErrors(t *testing.T) {
	_, h := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{name: "malformed body", method: http.MethodPost, path: "/api/v1/optimize", body: "{", status: http.StatusBadRequest},
		{name: "unknown field", method: http.MethodPost, path: "/api/v1/optimize", body: `{"budget": 1}`, status: http.StatusBadRequest},
		{name: "invalid scenario", method: http.MethodPost, path: "/api/v1/optimize", body: strings.Replace(scenarioJSON, `"investment_per_channel"`, `"weekly"`, 1), status: http.StatusBadRequest},
		{name: "server side csv", method: http.MethodPost, path: "/api/v1/optimize", body: `{"spend": {"csv": "/etc/passwd"}, "channels": ["tv"]}`, status: http.StatusBadRequest},
		{name: "unknown job", method: http.MethodGet, path: "/api/v1/status/nope", status: http.StatusNotFound},
		{name: "cancel unknown job", method: http.MethodDelete, path: "/api/v1/optimization/nope", status: http.StatusNotFound},
		{name: "bad limit", method: http.MethodGet, path: "/api/v1/jobs?limit=x", status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rr.Code, rr.Body.String())
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestJSONRPC(t *testing.T) {
	srv, h := newTestServer(t)

	response := rpc(t, h, MethodOptimize, []json.RawMessage{json.RawMessage(scenarioJSON)})
	result, ok := response["result"].(map[string]interface{})
	require.True(t, ok, "response should contain result: %v", response)
	id, _ := result["job_id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, 1.0, response["id"])

	waitTerminal(t, srv, id)
	response = rpc(t, h, MethodStatus, map[string]string{"job_id": id})
	result = response["result"].(map[string]interface{})
	assert.Equal(t, store.StatusCompleted, result["status"])
	assert.NotNil(t, result["result"])

	response = rpc(t, h, MethodList, nil)
	jobs := response["result"].(map[string]interface{})["jobs"].([]interface{})
	assert.Len(t, jobs, 1)

	assert.Equal(t, apperrors.CodeNotFound, rpcErrorCode(t, rpc(t, h, MethodStatus, map[string]string{"job_id": "nope"})))
	assert.Equal(t, apperrors.CodeInvalidParams, rpcErrorCode(t, rpc(t, h, MethodStatus, map[string]string{})))
	assert.Equal(t, apperrors.CodeInvalidParams, rpcErrorCode(t, rpc(t, h, MethodCancel, map[string]string{"job_id": id})))
	assert.Equal(t, apperrors.CodeInvalidParams, rpcErrorCode(t, rpc(t, h, MethodOptimize, nil)))
	assert.Equal(t, apperrors.CodeInvalidParams, rpcErrorCode(t, rpc(t, h, MethodOptimize, map[string]interface{}{"channels": []string{}})))
	assert.Equal(t, apperrors.CodeMethodNotFound, rpcErrorCode(t, rpc(t, h, "optimization.start", nil)))
}

func TestJSONRPCEnvelope(t *testing.T) {
	_, h := newTestServer(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{name: "parse error", body: "{not json", code: apperrors.CodeParseError},
		{name: "wrong version", body: `{"jsonrpc": "1.0", "id": 1, "method": "budget.list"}`, code: apperrors.CodeInvalidRequest},
		{name: "no method", body: `{"jsonrpc": "2.0", "id": 1}`, code: apperrors.CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, h, http.MethodPost, "/rpc", tt.body)
			require.Equal(t, http.StatusOK, rr.Code)
			var response map[string]interface{}
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&response))
			assert.Equal(t, tt.code, rpcErrorCode(t, response))
		})
	}
}

func TestCancelPendingJob(t *testing.T) {
	srv, h := newTestServer(t)

	// occupy every worker so the job stays pending
	for i := 0; i < cap(srv.workers); i++ {
		srv.workers <- struct{}{}
	}
	defer func() {
		for i := 0; i < cap(srv.workers); i++ {
			<-srv.workers
		}
	}()

	rr := do(t, h, http.MethodPost, "/api/v1/optimize", scenarioJSON)
	require.Equal(t, http.StatusAccepted, rr.Code)
	var submitted JobView
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&submitted))
	assert.Equal(t, store.StatusPending, submitted.Status)

	rr = do(t, h, http.MethodDelete, "/api/v1/optimization/"+submitted.ID, "")
	require.Equal(t, http.StatusAccepted, rr.Code)

	job := waitTerminal(t, srv, submitted.ID)
	assert.Equal(t, store.StatusCancelled, job.Status)
	assert.Nil(t, job.StartedAt)
	assert.NotNil(t, job.FinishedAt)
}

func TestJobTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.Optimization.WorkerCount = 1
	cfg.Optimization.JobTimeout = 20 * time.Millisecond
	srv := NewServer(cfg, testLogger(t), WithRegisterer(prometheus.NewRegistry()))
	t.Cleanup(func() { _ = srv.Close() })

	srv.workers <- struct{}{}
	defer func() { <-srv.workers }()

	r := chi.NewRouter()
	srv.RegisterRoutes(r)
	rr := do(t, r, http.MethodPost, "/api/v1/optimize", scenarioJSON)
	require.Equal(t, http.StatusAccepted, rr.Code)
	var submitted JobView
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&submitted))

	job := waitTerminal(t, srv, submitted.ID)
	assert.Equal(t, store.StatusFailed, job.Status)
	assert.Contains(t, job.Error, "timed out")
}

func TestStoreBackedJobs(t *testing.T) {
	st, err := store.Open(context.Background(), store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	srv, h := newTestServer(t, WithStore(st))
	rr := do(t, h, http.MethodPost, "/api/v1/optimize", scenarioJSON)
	require.Equal(t, http.StatusAccepted, rr.Code)
	var submitted JobView
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&submitted))

	waitTerminal(t, srv, submitted.ID)
	require.Eventually(t, func() bool {
		srv.jobsMu.RLock()
		defer srv.jobsMu.RUnlock()
		return len(srv.jobs) == 0
	}, 5*time.Second, 10*time.Millisecond, "finished jobs leave memory")

	stored, err := st.Get(context.Background(), submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, stored.Status)
	require.NotNil(t, stored.Result)

	job, err := srv.Status(context.Background(), submitted.ID)
	require.NoError(t, err)
	require.NotNil(t, job.Result)
	assert.Equal(t, stored.Result.OptimizedKPI, job.Result.OptimizedKPI)

	jobs, err := srv.List(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	srv.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err := srv.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = srv.Status(context.Background(), submitted.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv := NewServer(testConfig(t), testLogger(t), WithRegisterer(reg))
	t.Cleanup(func() { _ = srv.Close() })
	r := chi.NewRouter()
	srv.RegisterRoutes(r)

	for i := 0; i < 2; i++ {
		rr := do(t, r, http.MethodPost, "/api/v1/optimize", scenarioJSON)
		require.Equal(t, http.StatusAccepted, rr.Code)
		var submitted JobView
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&submitted))
		waitTerminal(t, srv, submitted.ID)
	}

	families, err := reg.Gather()
	require.NoError(t, err)
	found := map[string]bool{}
	for _, mf := range families {
		found[mf.GetName()] = true
		if mf.GetName() == "budgetopt_jobs_total" {
			require.Len(t, mf.GetMetric(), 1)
			assert.Equal(t, 2.0, mf.GetMetric()[0].GetCounter().GetValue())
			assert.Equal(t, "completed", mf.GetMetric()[0].GetLabel()[0].GetValue())
		}
	}
	for _, name := range []string{"budgetopt_jobs_total", "budgetopt_jobs_running", "budgetopt_jobs_duration_seconds", "budgetopt_solver_iterations", "budgetopt_solver_evaluations", "budgetopt_solver_gradients"} {
		assert.True(t, found[name], name)
	}
}

func TestModelPanicFailsJob(t *testing.T) {
	srv, h := newTestServer(t)

	sc, err := scenario.Decode(strings.NewReader(scenarioJSON), scenario.FormatJSON)
	require.NoError(t, err)
	plan, err := sc.Build(nil)
	require.NoError(t, err)
	plan.Model = budget.ModelFunc(func(*frame.Frame, frame.Horizon) ([]float64, error) {
		panic("model exploded")
	})

	submitted, err := srv.start("panicking-job", sc.Name, plan, testLogger(t))
	require.NoError(t, err)

	job := waitTerminal(t, srv, submitted.ID)
	assert.Equal(t, store.StatusFailed, job.Status)
	assert.Contains(t, job.Error, "model exploded")

	// The server keeps serving other jobs
	rr := do(t, h, http.MethodPost, "/api/v1/optimize", scenarioJSON)
	require.Equal(t, http.StatusAccepted, rr.Code)
	var next JobView
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&next))
	assert.Equal(t, store.StatusCompleted, waitTerminal(t, srv, next.ID).Status)
}

func TestSubmitAfterClose(t *testing.T) {
	srv, h := newTestServer(t)
	require.NoError(t, srv.Close())
	rr := do(t, h, http.MethodPost, "/api/v1/optimize", scenarioJSON)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestRequestSizeLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.MaxRequestBytes = 64
	srv := NewServer(cfg, testLogger(t), WithRegisterer(prometheus.NewRegistry()))
	r := chi.NewRouter()
	srv.RegisterRoutes(r)

	rr := do(t, r, http.MethodPost, "/api/v1/optimize", scenarioJSON)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	body := fmt.Sprintf(`{"jsonrpc": "2.0", "id": 1, "method": "budget.optimize", "params": %s}`, scenarioJSON)
	rr = do(t, r, http.MethodPost, "/rpc", body)
	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(bytes.NewReader(rr.Body.Bytes())).Decode(&response))
	assert.Equal(t, apperrors.CodeParseError, rpcErrorCode(t, response))
}
