// Package api exposes the watcher over HTTP for serve mode: SSE and
// websocket notification streams, a log stream, health, and metrics.
// Streams are ordinary bus subscribers and play by the same
// backpressure rules as in-process consumers.
package api

import (
	"net/http"
	"time"

	"dirwatch/internal/logging"
	"dirwatch/internal/metrics"
	"dirwatch/internal/watcher"
)

// Server carries the wiring for the HTTP surface. The zero value is
// not useful; populate it and call Handler.
type Server struct {
	Watcher        *watcher.Watcher
	Logger         *logging.Logger
	Metrics        *metrics.Registry
	AuthToken      string
	AllowedOrigins []string
	// Replay is the default history count for event streams when the
	// client does not ask for one.
	Replay    int
	StartedAt time.Time
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	RegisterRoutes(mux, s)
	return mux
}

func RegisterRoutes(mux *http.ServeMux, server *Server) {
	rest := &RestHandler{
		Watcher:   server.Watcher,
		Metrics:   server.Metrics,
		StartedAt: server.StartedAt,
	}
	wrap := func(handler apiHandler) http.Handler {
		return loggingMiddleware(server.Logger, restHandler(server.AuthToken, handler))
	}

	mux.Handle("/events", securityHeadersMiddleware(cacheControlNoStore, &EventsSSEHandler{
		Watcher:   server.Watcher,
		Logger:    server.Logger,
		AuthToken: server.AuthToken,
		Replay:    server.Replay,
	}))
	mux.Handle("/ws", securityHeadersMiddleware(cacheControlNoStore, &EventsWSHandler{
		Watcher:        server.Watcher,
		Logger:         server.Logger,
		AuthToken:      server.AuthToken,
		AllowedOrigins: server.AllowedOrigins,
		Replay:         server.Replay,
	}))
	mux.Handle("/logs", securityHeadersMiddleware(cacheControlNoStore, &LogsSSEHandler{
		Logger:    server.Logger,
		AuthToken: server.AuthToken,
	}))

	mux.Handle("/healthz", wrap(rest.handleHealth))
	mux.Handle("/metrics", wrap(rest.handleMetrics))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			setSecurityHeaders(w, cacheControlNoStore)
			http.NotFound(w, r)
			return
		}
		setSecurityHeaders(w, cacheControlNoCache)
		if server.AuthToken != "" {
			w.Header().Set("X-Dirwatch-Auth", "required")
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("dirwatch ok\n"))
	})
}
