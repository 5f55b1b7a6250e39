package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracediff/internal/analyzer"
	"tracediff/internal/config"
	"tracediff/internal/output"
	"tracediff/internal/store"
	"tracediff/pkg/models"
)

const testMetadata = `{
  "transactions_order": ["0xaaa", "0xbbb"],
  "transactions": {
    "0xaaa": {"from": "0x00000000000000000000000000000000000000a1", "to": "0x00000000000000000000000000000000000000c0"},
    "0xbbb": {"from": "0x00000000000000000000000000000000000000b1", "to": "0x00000000000000000000000000000000000000c0"}
  }
}`

func trace(result string) string {
	return `{"pc":0,"op":96,"stack":[],"depth":1,"opName":"PUSH1"}
{"pc":2,"op":84,"stack":["0x1"],"depth":1,"opName":"SLOAD"}
{"pc":3,"op":0,"stack":["` + result + `"],"depth":1,"opName":"STOP"}
`
}

func writeTestCase(t *testing.T, root, id string) {
	t.Helper()
	dir := filepath.Join(root, id)
	for sub, result := range map[string]string{analyzer.NormalDir: "0x5", analyzer.ReverseDir: "0x9"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, sub), 0o755))
		for _, hash := range []string{"0xaaa", "0xbbb"} {
			require.NoError(t, os.WriteFile(filepath.Join(dir, sub, hash+analyzer.TraceExt), []byte(trace(result)), 0o644))
		}
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, analyzer.MetadataFile), []byte(testMetadata), 0o644))
}

type testEnv struct {
	server *Server
	store  *store.Store
	root   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})

	cfg := config.GetDefaultConfig()
	cfg.API.TraceRoot = t.TempDir()
	cfg.API.MaxLogs = 50

	st, err := store.Open(filepath.Join(t.TempDir(), "reports.db"), time.Second, logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	a, err := analyzer.New(cfg.Analysis, logger)
	require.NoError(t, err)

	return &testEnv{
		server: NewServer(cfg, a, st, output.NopOutput{}, logger),
		store:  st,
		root:   cfg.API.TraceRoot,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "tracediff-api", body["service"])
}

func TestAnalyzeAndFetchReport(t *testing.T) {
	env := newTestEnv(t)
	writeTestCase(t, env.root, "case-1")

	w := env.do(t, http.MethodPost, "/api/v1/analyze", gin.H{"case": "case-1", "wait": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Report models.AnalysisReport `json:"report"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "case-1", resp.Report.CaseID)
	assert.Equal(t, models.Divergence, resp.Report.Divergence.Kind)
	assert.Equal(t, 1, resp.Report.Divergence.Index)

	w = env.do(t, http.MethodGet, "/api/v1/reports/case-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stored models.AnalysisReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stored))
	assert.Equal(t, "SLOAD", stored.Divergence.Source.Name())

	w = env.do(t, http.MethodGet, "/api/v1/reports", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Reports []store.Summary `json:"reports"`
		Total   int             `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)

	w = env.do(t, http.MethodDelete, "/api/v1/reports/case-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, http.MethodGet, "/api/v1/reports/case-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAnalyze_Background(t *testing.T) {
	env := newTestEnv(t)
	writeTestCase(t, env.root, "case-1")

	w := env.do(t, http.MethodPost, "/api/v1/analyze", gin.H{"case": "case-1"})
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		_, err := env.store.Get("case-1")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, env.server.Shutdown(context.Background()))
}

func TestAnalyzeBatch(t *testing.T) {
	env := newTestEnv(t)
	writeTestCase(t, env.root, "a")
	writeTestCase(t, env.root, "b")

	w := env.do(t, http.MethodPost, "/api/v1/analyze/batch", gin.H{})
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		summaries, err := env.store.List("")
		return err == nil && len(summaries) == 2
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, env.server.Shutdown(context.Background()))

	w = env.do(t, http.MethodGet, "/api/v1/status", nil)
	var status struct {
		Running int               `json:"running"`
		Jobs    map[string]string `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, 0, status.Running)
	assert.Equal(t, map[string]string{"a": jobDone, "b": jobDone}, status.Jobs)
}

func TestAnalyze_Errors(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/analyze", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/analyze", gin.H{"case": "../../etc"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatsAndLogs(t *testing.T) {
	env := newTestEnv(t)
	env.server.logger.Info("first")
	env.server.logger.Warn("second")

	w := env.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"analyzer"`)

	w = env.do(t, http.MethodGet, "/api/v1/logs?level=warning", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var logs struct {
		Logs  []LogEntry `json:"logs"`
		Total int        `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &logs))
	require.Equal(t, 1, logs.Total)
	assert.Equal(t, "second", logs.Logs[0].Message)

	w = env.do(t, http.MethodDelete, "/api/v1/logs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	entries, total := env.server.logManager.GetLogsWithPagination("", 1, 10)
	assert.Equal(t, 0, total)
	assert.Empty(t, entries)
}

func TestLogManagerRingBuffer(t *testing.T) {
	lm := NewLogManager(3)
	logger := logrus.New()
	for _, msg := range []string{"a", "b", "c", "d"} {
		lm.AddLog(&logrus.Entry{
			Logger:  logger,
			Data:    logrus.Fields{"n": msg},
			Time:    time.Now(),
			Level:   logrus.InfoLevel,
			Message: msg,
		})
	}

	entries, total := lm.GetLogsWithPagination("", 1, 10)
	assert.Equal(t, 3, total)
	assert.Equal(t, "d", entries[0].Message)
	assert.Equal(t, "b", entries[2].Message)

	page, _ := lm.GetLogsWithPagination("", 2, 2)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].Message)
}

func TestGetSignature(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/signatures/0xa9059cbb", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "transfer(address,uint256)", body["signature"])

	w = env.do(t, http.MethodGet, "/api/v1/signatures/0xdeadbeef", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFailedCaseStatusAndErrorStats(t *testing.T) {
	env := newTestEnv(t)
	writeTestCase(t, env.root, "broken")
	bad := filepath.Join(env.root, "broken", analyzer.NormalDir, "0xbbb"+analyzer.TraceExt)
	require.NoError(t, os.WriteFile(bad, []byte(`{"pc":`), 0o644))

	w := env.do(t, http.MethodPost, "/api/v1/analyze", gin.H{"case": "broken", "wait": true})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status struct {
		Failures map[string]string `json:"failures"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Contains(t, status.Failures["broken"], "PARSE")

	w = env.do(t, http.MethodDelete, "/api/v1/stats/errors", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, env.server.analyzer.ErrorHandler().GetStats().TotalErrors)
}
