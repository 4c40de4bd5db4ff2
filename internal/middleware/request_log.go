package middleware

import (
	"net/http"
	"time"

	"github.com/cosmicchat/internal/logger"
)

// RequestLog logs method, path and duration for every request (async, does not block).
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		defer logger.DeferLogDuration("http "+r.Method+" "+r.URL.Path, start)()
		next.ServeHTTP(w, r)
	})
}
