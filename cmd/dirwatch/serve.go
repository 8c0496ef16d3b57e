package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"dirwatch/internal/api"
	"dirwatch/internal/logging"
	"dirwatch/internal/metrics"
	"dirwatch/internal/watcher"
)

const httpServerShutdownTimeout = 5 * time.Second

// apiServer is the serve-mode HTTP front for the watcher.
type apiServer struct {
	server *http.Server
	addr   string
	failed chan error
	served chan struct{}
}

func startAPIServer(w *watcher.Watcher, cfg Config, logger *logging.Logger) (*apiServer, error) {
	listener, err := net.Listen("tcp", cfg.Settings.Listen)
	if err != nil {
		return nil, err
	}

	handler := (&api.Server{
		Watcher:   w,
		Logger:    logger,
		Metrics:   metrics.Default,
		AuthToken: cfg.Settings.Token,
		StartedAt: time.Now().UTC(),
	}).Handler()
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s := &apiServer{
		server: server,
		addr:   listener.Addr().String(),
		failed: make(chan error, 1),
		served: make(chan struct{}),
	}
	go func() {
		defer close(s.served)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.failed <- err
		}
	}()

	logger.Info("api listening", map[string]string{
		"addr": s.addr,
	})
	return s, nil
}

func (s *apiServer) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Failed reports a Serve error other than a clean shutdown. A nil
// server never reports.
func (s *apiServer) Failed() <-chan error {
	if s == nil {
		return nil
	}
	return s.failed
}

// Shutdown stops accepting connections and waits for the serve loop,
// bounded by the shutdown timeout. Streams end on their own once the
// watcher has stopped, so this normally returns quickly.
func (s *apiServer) Shutdown(logger *logging.Logger) {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), httpServerShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil && logger != nil {
		logger.Warn("api server shutdown failed", map[string]string{
			"error": err.Error(),
		})
	}
	select {
	case <-s.served:
	case <-ctx.Done():
	}
}
