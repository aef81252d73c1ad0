package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/mcp"
)

func newTestServer(t *testing.T, cfg *config.Config, health HealthFunc) *Server {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{
			ListenAddress:         ":0",
			RequestTimeoutSeconds: 5,
		}
	}
	handler := mcp.NewHandler(mcp.NewRegistry(),
		mcp.ServerInfo{Name: "taskmesh", Version: "test"},
		5*time.Second, nil, nil)
	return NewServer(cfg, handler, health, nil, nil)
}

func TestHealthEndpointReportsComponents(t *testing.T) {
	srv := newTestServer(t, nil, func(ctx context.Context) map[string]string {
		return map[string]string{"database": "ok"}
	})

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)
	assert.Contains(t, w.Body.String(), `"database":"ok"`)
}

func TestHealthEndpointFailsOnBadComponent(t *testing.T) {
	srv := newTestServer(t, nil, func(ctx context.Context) map[string]string {
		return map[string]string{"database": "connection refused"}
	})

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"unhealthy"`)
}

func TestMetricsEndpointServesPrometheus(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMCPRouteServesInitialize(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("Mcp-Session-Id"))
	assert.Contains(t, w.Body.String(), `"serverInfo"`)
}

func TestRateLimiterThrottlesClient(t *testing.T) {
	cfg := &config.Config{
		ListenAddress:         ":0",
		RequestTimeoutSeconds: 5,
		RateLimitRPS:          1,
		RateLimitBurst:        1,
	}
	srv := newTestServer(t, cfg, nil)

	first := httptest.NewRecorder()
	srv.Router().ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/health", nil))
	second := httptest.NewRecorder()
	srv.Router().ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestCORSPreflightExposesMCPHeaders(t *testing.T) {
	cfg := &config.Config{
		ListenAddress:         ":0",
		RequestTimeoutSeconds: 5,
		CORSOrigins:           "*",
	}
	srv := newTestServer(t, cfg, nil)

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/mcp", nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Mcp-Session-Id")
	assert.Equal(t, "Mcp-Session-Id", w.Header().Get("Access-Control-Expose-Headers"))
}
