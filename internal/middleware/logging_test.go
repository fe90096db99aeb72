package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveLogged(t *testing.T, path string, handler http.HandlerFunc) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	Logging(logger)(handler).ServeHTTP(rr, req)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	return record
}

func TestLoggingRecordsStatusAndSize(t *testing.T) {
	record := serveLogged(t, "/api/commands/submit", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("queued"))
	})

	assert.Equal(t, "INFO", record["level"])
	assert.Equal(t, "http request", record["msg"])
	assert.Equal(t, "GET", record["method"])
	assert.Equal(t, "/api/commands/submit", record["path"])
	assert.Equal(t, float64(http.StatusAccepted), record["status"])
	assert.Equal(t, float64(len("queued")), record["bytes"])
	assert.Equal(t, false, record["webhook"])
}

func TestLoggingDefaultsStatusOnBareWrite(t *testing.T) {
	record := serveLogged(t, "/webhooks/slack", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	assert.Equal(t, float64(http.StatusOK), record["status"])
	assert.Equal(t, true, record["webhook"])
}

func TestLoggingLevels(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		status int
		level  string
	}{
		{"server error logs at warn", "/api/commands/submit", http.StatusInternalServerError, "WARN"},
		{"health check logs at debug", "/health", http.StatusOK, "DEBUG"},
		{"scrape logs at debug", "/metrics", http.StatusOK, "DEBUG"},
		{"ingress logs at info", "/webhooks/telegram", http.StatusOK, "INFO"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := serveLogged(t, tt.path, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			assert.Equal(t, tt.level, record["level"])
			assert.Equal(t, float64(tt.status), record["status"])
		})
	}
}
