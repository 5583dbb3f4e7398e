package logging_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/quota-engine/logging"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestNewLogger_SeverityAndComponent(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.NewLogger(logging.Config{Component: "quota-server", Level: "info", Output: &buf})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Warn("usage discrepancy", zap.Int("daily_diff", 60))
	require.NoError(t, logger.Sync())

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "WARNING", lines[0]["severity"])
	assert.Equal(t, "quota-server", lines[0]["component"])
	assert.Equal(t, "usage discrepancy", lines[0]["message"])
	assert.EqualValues(t, 60, lines[0]["daily_diff"])
}

func TestNewLogger_RejectsUnknownLevel(t *testing.T) {
	_, err := logging.NewLogger(logging.Config{Level: "loud"})
	assert.Error(t, err)
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	base, err := logging.NewLogger(logging.Config{Output: &buf})
	require.NoError(t, err)

	var sawScoped bool
	h := middleware.RequestID(logging.RequestLogger(base)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawScoped = logging.FromContext(r.Context())
		w.WriteHeader(http.StatusInternalServerError)
	})))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/reservations", nil))
	require.NoError(t, base.Sync())

	assert.True(t, sawScoped)
	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "ERROR", lines[0]["severity"])
	assert.Equal(t, "/reservations", lines[0]["path"])
	assert.NotEmpty(t, lines[0]["request_id"])
	assert.EqualValues(t, 500, lines[0]["status"])
}

func TestFromRequest_FallsBack(t *testing.T) {
	fallback := zap.NewNop()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Same(t, fallback, logging.FromRequest(r, fallback))
}
