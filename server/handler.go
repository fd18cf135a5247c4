package server

import (
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// NewHandler creates the HTTP handler with all routes.
func NewHandler(srv *Server) http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint, one room per path.
	mux.HandleFunc("GET /{room}", srv.ServeWS)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok"))
	})

	return logRequests(srv.logger, mux)
}

// logRequests logs one line per request. WebSocket requests are logged once
// the connection has ended.
func logRequests(logger zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", m.Code).
			Int64("bytes", m.Written).
			Dur("duration", m.Duration).
			Msg("http request")
	})
}
