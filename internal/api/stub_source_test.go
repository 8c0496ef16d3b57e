package api

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"dirwatch/internal/logging"
	"dirwatch/internal/metrics"
	"dirwatch/internal/source"
	"dirwatch/internal/watcher"
)

// stubSource feeds the watcher synthetic events so HTTP tests never
// depend on kernel notification timing.
type stubSource struct {
	stopOnce sync.Once
	events   chan source.Event
	errs     chan error
}

func newStubSource() *stubSource {
	return &stubSource{
		events: make(chan source.Event, 64),
		errs:   make(chan error, 8),
	}
}

func (s *stubSource) Start(roots []source.Root) error { return nil }
func (s *stubSource) AddRoot(root source.Root) error  { return nil }
func (s *stubSource) RemoveRoot(path string) error    { return nil }
func (s *stubSource) Events() <-chan source.Event     { return s.events }
func (s *stubSource) Errors() <-chan error            { return s.errs }

func (s *stubSource) Stop() error {
	s.stopOnce.Do(func() {
		close(s.events)
		close(s.errs)
	})
	return nil
}

func (s *stubSource) emit(path string, op source.Op) {
	s.events <- source.Event{Path: path, Op: op, Time: time.Now()}
}

func (s *stubSource) emitError(err *source.Error) {
	s.errs <- err
}

func quietLogger() *logging.Logger {
	return logging.NewLoggerWithOutput(nil, logging.LevelError, io.Discard)
}

// newStreamWatcher builds a running watcher over a stub source rooted
// at a fresh temp dir.
func newStreamWatcher(t *testing.T) (*watcher.Watcher, *stubSource, string) {
	t.Helper()

	root := t.TempDir()
	stub := newStubSource()
	w, err := watcher.New(watcher.Options{
		DebounceWindow: 30 * time.Millisecond,
		HistorySize:    50,
		Logger:         quietLogger(),
		Metrics:        &metrics.Registry{},
		SourceFactory: func(string, source.Options) (source.Source, error) {
			return stub, nil
		},
	})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	t.Cleanup(func() { _ = w.Stop() })

	if err := w.Start(context.Background(), []watcher.RootSpec{{Path: root, Recursive: true}}); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	return w, stub, root
}

func newAPITestServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping http test (listener unavailable): %v", err)
	}
	testServer := &httptest.Server{
		Listener: listener,
		Config:   &http.Server{Handler: handler},
	}
	testServer.Start()
	t.Cleanup(testServer.Close)
	return testServer
}

// waitForHistory blocks until the watcher has flushed at least count
// notifications, sequencing test steps across the debounce window.
func waitForHistory(t *testing.T, w *watcher.Watcher, count int) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(w.History(count)) >= count {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d notifications in history", count)
}
