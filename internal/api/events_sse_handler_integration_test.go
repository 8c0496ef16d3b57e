package api

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dirwatch/internal/source"
)

func TestEventsSSEStreamDeliversChanges(t *testing.T) {
	w, stub, root := newStreamWatcher(t)
	srv := newAPITestServer(t, (&Server{Watcher: w, Logger: quietLogger()}).Handler())

	resp, err := http.Get(srv.URL + "/events")
	if err != nil {
		t.Fatalf("get sse stream: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Content-Type"); !strings.Contains(got, "text/event-stream") {
		t.Fatalf("expected content-type text/event-stream, got %q", got)
	}

	reader := bufio.NewReader(resp.Body)
	target := filepath.Join(root, "main.go")
	stub.emit(target, source.OpCreate)

	data := readSSEDataFrame(t, reader, 5*time.Second)
	var payload changePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Type != streamPayloadTypeChange {
		t.Fatalf("expected change payload, got %q", payload.Type)
	}
	if payload.Kind != "created" || payload.Path != target {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.Replay {
		t.Fatal("live payload must not be marked as replay")
	}
}

func TestEventsSSEStreamFiltersKinds(t *testing.T) {
	w, stub, root := newStreamWatcher(t)
	srv := newAPITestServer(t, (&Server{Watcher: w, Logger: quietLogger()}).Handler())

	resp, err := http.Get(srv.URL + "/events?kinds=deleted&replay=0")
	if err != nil {
		t.Fatalf("get sse stream: %v", err)
	}
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)

	target := filepath.Join(root, "notes.txt")
	stub.emit(target, source.OpCreate)
	waitForHistory(t, w, 1)
	stub.emit(target, source.OpDelete)

	data := readSSEDataFrame(t, reader, 5*time.Second)
	var payload changePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Kind != "deleted" {
		t.Fatalf("expected the created notification to be filtered out, got kind %q", payload.Kind)
	}
}

func TestEventsSSEStreamReplaysHistory(t *testing.T) {
	w, stub, root := newStreamWatcher(t)
	target := filepath.Join(root, "seed.txt")
	stub.emit(target, source.OpCreate)
	waitForHistory(t, w, 1)

	srv := newAPITestServer(t, (&Server{Watcher: w, Logger: quietLogger()}).Handler())
	resp, err := http.Get(srv.URL + "/events?replay=10")
	if err != nil {
		t.Fatalf("get sse stream: %v", err)
	}
	defer resp.Body.Close()

	data := readSSEDataFrame(t, bufio.NewReader(resp.Body), 5*time.Second)
	var payload changePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if !payload.Replay {
		t.Fatalf("expected replayed payload, got %+v", payload)
	}
	if payload.Kind != "created" || payload.Path != target {
		t.Fatalf("unexpected replayed payload: %+v", payload)
	}
}

func TestEventsSSEStreamCarriesDiagnostics(t *testing.T) {
	w, stub, root := newStreamWatcher(t)
	srv := newAPITestServer(t, (&Server{Watcher: w, Logger: quietLogger()}).Handler())

	resp, err := http.Get(srv.URL + "/events")
	if err != nil {
		t.Fatalf("get sse stream: %v", err)
	}
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)

	stub.emitError(&source.Error{Kind: source.RootVanished, Path: root, Err: os.ErrNotExist})

	deadline := time.Now().Add(5 * time.Second)
	for {
		data := readSSEDataFrame(t, reader, time.Until(deadline))
		var payload diagnosticPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload.Type != streamPayloadTypeDiagnostic {
			continue
		}
		if payload.Kind != "root_vanished" || payload.Path != root {
			t.Fatalf("unexpected diagnostic payload: %+v", payload)
		}
		return
	}
}

func TestEventsSSEStreamExcludesDiagnosticsOnRequest(t *testing.T) {
	w, stub, root := newStreamWatcher(t)
	srv := newAPITestServer(t, (&Server{Watcher: w, Logger: quietLogger()}).Handler())

	resp, err := http.Get(srv.URL + "/events?diagnostics=false")
	if err != nil {
		t.Fatalf("get sse stream: %v", err)
	}
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)

	stub.emitError(&source.Error{Kind: source.RootVanished, Path: root, Err: os.ErrNotExist})
	stub.emit(filepath.Join(root, "after.txt"), source.OpCreate)

	data := readSSEDataFrame(t, reader, 5*time.Second)
	var payload changePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Type != streamPayloadTypeChange {
		t.Fatalf("expected the diagnostic to be excluded, got %q payload", payload.Type)
	}
}

func TestEventsSSEStreamRejectsUnknownKind(t *testing.T) {
	w, _, _ := newStreamWatcher(t)
	srv := newAPITestServer(t, (&Server{Watcher: w, Logger: quietLogger()}).Handler())

	resp, err := http.Get(srv.URL + "/events?kinds=touched")
	if err != nil {
		t.Fatalf("get sse stream: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "unknown kind") {
		t.Fatalf("expected the error to name the kind, got %q", body)
	}
}

func TestEventsSSEStreamRequiresToken(t *testing.T) {
	w, _, _ := newStreamWatcher(t)
	srv := newAPITestServer(t, (&Server{Watcher: w, Logger: quietLogger(), AuthToken: "secret"}).Handler())

	resp, err := http.Get(srv.URL + "/events")
	if err != nil {
		t.Fatalf("get sse stream: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/events?token=secret")
	if err != nil {
		t.Fatalf("get sse stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with query token, got %d", resp.StatusCode)
	}
}
