package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &e), line)
		entries = append(entries, e)
	}
	return entries
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := New(WarnLevel, &buf)

	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("shown", map[string]interface{}{"iteration": 3})
	l.Error("also shown")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "shown", entries[0]["message"])
	assert.Equal(t, "WARN", entries[0]["level"])
	assert.Equal(t, 3.0, entries[0]["iteration"])
	assert.Contains(t, entries[0]["caller"], "logging/logger_test.go")
	assert.Equal(t, "ERROR", entries[1]["level"])
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	base := New(DebugLevel, &buf)
	job := base.WithField("job", "j-1")
	job.WithError(errors.New("boom")).Info("failed")
	base.Info("plain")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "j-1", entries[0]["job"])
	assert.Equal(t, "boom", entries[0]["error"])
	assert.NotContains(t, entries[1], "job", "derived loggers do not leak fields")

	assert.Same(t, job, job.WithError(nil))
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(InfoLevel, &buf).WithFormat(TextFormat)
	l.Info("solver finished", map[string]interface{}{"status": "converged", "note": "two words"})

	line := buf.String()
	assert.Contains(t, line, "INFO  solver finished")
	assert.Contains(t, line, "status=converged")
	assert.Contains(t, line, `note="two words"`)
	assert.True(t, strings.HasSuffix(line, "\n"))
}

func TestFatalExits(t *testing.T) {
	var buf bytes.Buffer
	l := New(InfoLevel, &buf)
	code := -1
	l.exit = func(c int) { code = c }

	l.Fatal("cannot open store")
	assert.Equal(t, 1, code)
	require.Len(t, decodeLines(t, &buf), 1)
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger(nil)
	require.NoError(t, err)
	assert.Equal(t, InfoLevel, l.level)
	assert.Equal(t, JSONFormat, l.format)

	l, err = NewLogger(&Config{Level: "warning", Format: "console", Output: "stdout"})
	require.NoError(t, err)
	assert.Equal(t, WarnLevel, l.level)
	assert.Equal(t, TextFormat, l.format)

	_, err = NewLogger(&Config{Format: "xml"})
	assert.Error(t, err)
}

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer
	l := &CtxLogger{New(InfoLevel, &buf)}
	ctx := l.WithContext(context.Background())
	assert.Same(t, l, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}

func TestZapLogger(t *testing.T) {
	var buf bytes.Buffer
	z := NewZapLogger(New(DebugLevel, &buf)).Named("solver").With(zap.String("job", "j-2"))
	z.Info("iteration",
		zap.Float64("objective", 1.5),
		zap.Int("iter", 4),
		zap.Bool("feasible", true),
		zap.Duration("elapsed", 2*time.Second),
		zap.Error(errors.New("line search failed")),
		zap.Float64s("x", []float64{1, 2}),
	)

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "iteration", e["message"])
	assert.Equal(t, "INFO", e["level"])
	assert.Equal(t, "j-2", e["job"])
	assert.Equal(t, "solver", e["logger"])
	assert.Equal(t, 1.5, e["objective"])
	assert.Equal(t, 4.0, e["iter"])
	assert.Equal(t, true, e["feasible"])
	assert.Equal(t, "line search failed", e["error"])
	assert.Equal(t, []interface{}{1.0, 2.0}, e["x"])
	assert.Contains(t, e["caller"], "logging/logger_test.go")
}

func TestZapLevels(t *testing.T) {
	var buf bytes.Buffer
	z := NewZapLogger(New(ErrorLevel, &buf))
	assert.False(t, z.Core().Enabled(zap.WarnLevel))
	assert.True(t, z.Core().Enabled(zap.ErrorLevel))
	z.Warn("hidden")
	z.Error("shown")
	require.Len(t, decodeLines(t, &buf), 1)
}

func TestMiddleware(t *testing.T) {
	var buf bytes.Buffer
	l := New(DebugLevel, &buf)

	var fromCtx *CtxLogger
	h := middleware.RequestID(Middleware(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fromCtx = FromContext(r.Context())
		w.WriteHeader(http.StatusNotFound)
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status/x", nil))

	require.NotNil(t, fromCtx)
	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "WARN", entries[0]["level"])
	assert.Equal(t, 404.0, entries[0]["status"])
	assert.Equal(t, "/api/v1/status/x", entries[0]["path"])
	assert.NotEmpty(t, entries[0]["request_id"])
}
