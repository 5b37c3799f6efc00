package middleware

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, seen, 36, "generated IDs are UUIDs")
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	tests := []struct {
		name   string
		header string
		reused bool
	}{
		{"client id", "abc-123", true},
		{"trace style id", "req:01HZX.a_b", true},
		{"control characters", "abc\nforged log line", false},
		{"too long", strings.Repeat("a", 65), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(RequestIDHeader, tt.header)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if tt.reused {
				assert.Equal(t, tt.header, seen)
			} else {
				assert.NotEqual(t, tt.header, seen)
				assert.Len(t, seen, 36)
			}
			assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
		})
	}

	assert.Empty(t, GetRequestID(context.Background()))
}

func TestRecovery(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	h := RequestID(Recovery(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/items/01HZX0000000000000000000AB/transcode", nil)
	req.Header.Set(RequestIDHeader, "req-7")
	rec := httptest.NewRecorder()
	require.NotPanics(t, func() { h.ServeHTTP(rec, req) })

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"status":500`)
	assert.Contains(t, rec.Body.String(), "req-7")

	logged := buf.String()
	assert.Contains(t, logged, "panic recovered")
	assert.Contains(t, logged, "boom")
	assert.Contains(t, logged, `"item_id":"01HZX0000000000000000000AB"`)
	assert.Contains(t, logged, `"request_id":"req-7"`)
}

func TestRecovery_AbortHandlerPropagates(t *testing.T) {
	h := Recovery(slog.New(slog.NewTextHandler(io.Discard, nil)))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	assert.Panics(t, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestItemIDFromPath(t *testing.T) {
	assert.Equal(t, "abc", itemIDFromPath("/api/v1/items/abc"))
	assert.Equal(t, "abc", itemIDFromPath("/api/v1/items/abc/transcode"))
	assert.Empty(t, itemIDFromPath("/api/v1/items"))
	assert.Empty(t, itemIDFromPath("/api/v1/transcode/jobs"))
}

func corsRequest(method, origin string, preflight bool) *http.Request {
	req := httptest.NewRequest(method, "/api/v1/items", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	if preflight {
		req.Header.Set("Access-Control-Request-Method", http.MethodDelete)
	}
	return req
}

func TestCORS(t *testing.T) {
	t.Run("wildcard origin", func(t *testing.T) {
		h := CORS(NewCORSConfig([]string{"*"}))(http.HandlerFunc(okHandler))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, corsRequest(http.MethodGet, "http://example.com", false))
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, RequestIDHeader, rec.Header().Get("Access-Control-Expose-Headers"))
		assert.Equal(t, "ok", rec.Body.String())
	})

	t.Run("no origins configured allows any", func(t *testing.T) {
		h := CORS(NewCORSConfig(nil))(http.HandlerFunc(okHandler))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, corsRequest(http.MethodGet, "http://example.com", false))
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("listed origin", func(t *testing.T) {
		h := CORS(NewCORSConfig([]string{"http://allowed.local/"}))(http.HandlerFunc(okHandler))

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, corsRequest(http.MethodGet, "http://allowed.local", false))
		assert.Equal(t, "http://allowed.local", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "Origin", rec.Header().Get("Vary"))

		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, corsRequest(http.MethodGet, "http://other.local", false))
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, corsRequest(http.MethodOptions, "http://other.local", true))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("preflight advertises only registered methods", func(t *testing.T) {
		h := CORS(NewCORSConfig([]string{"*"}))(http.HandlerFunc(okHandler))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, corsRequest(http.MethodOptions, "http://example.com", true))
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "GET, POST, DELETE, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
		assert.NotContains(t, rec.Header().Get("Access-Control-Allow-Methods"), "PUT")
		assert.Equal(t, "86400", rec.Header().Get("Access-Control-Max-Age"))
	})

	t.Run("same-origin requests are untouched", func(t *testing.T) {
		h := CORS(NewCORSConfig([]string{"*"}))(http.HandlerFunc(okHandler))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, corsRequest(http.MethodGet, "", false))
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	h := NewLoggingMiddleware(logger)(http.HandlerFunc(okHandler))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Empty(t, buf.String(), "successful probes log at debug")

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/items", nil))
	assert.Contains(t, buf.String(), `"path":"/api/v1/items"`)
	assert.Contains(t, buf.String(), `"status":200`)
}
