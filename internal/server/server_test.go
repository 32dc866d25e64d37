package server

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/geosafe/internal/app"
	"github.com/ternarybob/geosafe/internal/common"
	"github.com/ternarybob/geosafe/internal/handlers"
	"github.com/ternarybob/geosafe/internal/services/kv"
	"github.com/ternarybob/geosafe/internal/services/scheduler"
	"github.com/ternarybob/geosafe/internal/storage/badger"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := arbor.NewLogger()
	manager, err := badger.NewManager(logger, &common.BadgerConfig{Path: filepath.Join(t.TempDir(), "db")})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	application := &app.App{
		Config:           common.NewDefaultConfig(),
		Logger:           logger,
		APIHandler:       handlers.NewAPIHandler(nil, logger),
		KVHandler:        handlers.NewKVHandler(kv.NewService(manager.KeyValueStorage(), logger), logger),
		SchedulerHandler: handlers.NewSchedulerHandler(scheduler.NewService(time.Minute, logger), logger),
	}
	return New(application)
}

func do(s *Server, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestSystemRoutes(t *testing.T) {
	s := newTestServer(t)

	rec := do(s, "GET", "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = do(s, "GET", "/api/version", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version"`)

	rec = do(s, "GET", "/api/nothing/here", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "/api/nothing/here")
}

func TestSettingsRoutes(t *testing.T) {
	s := newTestServer(t)

	rec := do(s, "PUT", "/api/settings/smtp_host", `{"value":"mail.example.org"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(s, "GET", "/api/settings", "")
	assert.Contains(t, rec.Body.String(), "mail.example.org")

	rec = do(s, "POST", "/api/settings/smtp_host", `{"value":"x"}`)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMiddleware(t *testing.T) {
	s := newTestServer(t)

	rec := do(s, "OPTIONS", "/api/analysis", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	req := httptest.NewRequest("GET", "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))

	rec = do(s, "GET", "/api/health", "")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRecoveryMiddleware(t *testing.T) {
	s := newTestServer(t)
	handler := s.recoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/health", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCORSAllowList(t *testing.T) {
	s := newTestServer(t)
	s.app.Config.Server.AllowedOrigins = []string{"https://maps.example.org"}

	req := httptest.NewRequest("OPTIONS", "/api/analysis", nil)
	req.Header.Set("Origin", "https://maps.example.org")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "https://maps.example.org", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest("OPTIONS", "/api/analysis", nil)
	req.Header.Set("Origin", "https://elsewhere.example.com")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
