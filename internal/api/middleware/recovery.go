package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/kiranshivaraju/genforge/internal/api/response"
)

// Recovery turns a handler panic into a 500. The log line names the caller
// when auth had already identified one, which is where a panicking job or
// ledger handler is traced back to an API key.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				attrs := append([]any{
					"error", err,
					"stack", string(debug.Stack()),
					"method", r.Method,
					"path", r.URL.Path,
				}, requestInfoFrom(r.Context()).logAttrs()...)
				slog.Error("panic recovered", attrs...)
				response.Error(w, http.StatusInternalServerError,
					"INTERNAL_ERROR", "An unexpected error occurred", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
