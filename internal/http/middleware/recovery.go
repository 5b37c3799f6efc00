package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
)

const itemsPrefix = "/api/v1/items/"

// Recovery turns a handler panic into a 500 problem response. The log entry
// carries the request ID and, on item routes, the item ID.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}

				requestID := GetRequestID(r.Context())
				attrs := []any{
					slog.Any("panic", rec),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("request_id", requestID),
				}
				if id := itemIDFromPath(r.URL.Path); id != "" {
					attrs = append(attrs, slog.String("item_id", id))
				}
				attrs = append(attrs, slog.String("stack", string(debug.Stack())))
				logger.ErrorContext(r.Context(), "panic recovered", attrs...)

				writeInternalError(w, requestID)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// itemIDFromPath returns the {id} segment of /api/v1/items/{id}[/...].
func itemIDFromPath(path string) string {
	rest, ok := strings.CutPrefix(path, itemsPrefix)
	if !ok {
		return ""
	}
	id, _, _ := strings.Cut(rest, "/")
	return id
}

// writeInternalError answers in the same problem+json shape as the API's
// own errors.
func writeInternalError(w http.ResponseWriter, requestID string) {
	detail := "unexpected server error"
	if requestID != "" {
		detail += " (request " + requestID + ")"
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"title":  http.StatusText(http.StatusInternalServerError),
		"status": http.StatusInternalServerError,
		"detail": detail,
	})
}
