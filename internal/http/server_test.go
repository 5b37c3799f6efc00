package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/shrinkarr/internal/config"
	"github.com/jmylchreest/shrinkarr/internal/http/middleware"
)

func TestServerConfigFrom(t *testing.T) {
	sc := ServerConfigFrom(config.ServerConfig{
		Host:        "127.0.0.1",
		Port:        9000,
		ReadTimeout: 5 * time.Second,
	})
	assert.Equal(t, "127.0.0.1", sc.Host)
	assert.Equal(t, 9000, sc.Port)
	assert.Equal(t, 5*time.Second, sc.ReadTimeout)
	assert.Equal(t, 30*time.Second, sc.WriteTimeout)
	assert.Equal(t, []string{"*"}, sc.CORSOrigins)
}

func TestServer_RoutesThroughMiddleware(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil, "")

	type pingOutput struct {
		Body struct {
			Pong bool `json:"pong"`
		}
	}
	huma.Register(s.API(), huma.Operation{
		OperationID: "ping",
		Method:      http.MethodGet,
		Path:        "/ping",
	}, func(context.Context, *struct{}) (*pingOutput, error) {
		out := &pingOutput{}
		out.Body.Pong = true
		return out, nil
	})

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"pong":true`)
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/openapi.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "shrinkarr API")
}

func TestServer_CORSFromConfig(t *testing.T) {
	s := NewServer(ServerConfigFrom(config.ServerConfig{
		CORSOrigins: []string{"http://ui.local"},
	}), nil, "")

	preflight := func(origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/api/v1/items", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)
		return rec
	}

	rec := preflight("http://ui.local")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://ui.local", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, DELETE, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))

	rec = preflight("http://elsewhere.local")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_ListenAndServeStopsOnCancel(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	s := NewServer(cfg, nil, "test")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
