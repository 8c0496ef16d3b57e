package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"dirwatch/internal/logging"
)

func TestValidateToken(t *testing.T) {
	request := func(header, query string) *http.Request {
		target := "/healthz"
		if query != "" {
			target += "?token=" + query
		}
		r := httptest.NewRequest(http.MethodGet, target, nil)
		if header != "" {
			r.Header.Set("Authorization", "Bearer "+header)
		}
		return r
	}

	if !validateToken(request("", ""), "") {
		t.Fatal("expected empty configured token to disable auth")
	}
	if !validateToken(request("secret", ""), "secret") {
		t.Fatal("expected matching bearer token to pass")
	}
	if validateToken(request("wrong", ""), "secret") {
		t.Fatal("expected mismatched bearer token to fail")
	}
	if !validateToken(request("", "secret"), "secret") {
		t.Fatal("expected matching query token to pass")
	}
	if validateToken(request("", "wrong"), "secret") {
		t.Fatal("expected mismatched query token to fail")
	}
	if validateToken(request("", ""), "secret") {
		t.Fatal("expected missing token to fail")
	}
}

func TestRestHandlerRejectsMissingToken(t *testing.T) {
	handler := restHandler("secret", func(w http.ResponseWriter, r *http.Request) *apiError {
		t.Error("handler should not run without a valid token")
		return nil
	})

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	if got := recorder.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected nosniff header, got %q", got)
	}
	if got := recorder.Header().Get("Cache-Control"); got != cacheControlNoStore {
		t.Fatalf("expected no-store cache control, got %q", got)
	}

	var response errorResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if response.Code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %q", response.Code)
	}
}

func TestRestHandlerPassesWithBearerToken(t *testing.T) {
	called := false
	handler := restHandler("secret", func(w http.ResponseWriter, r *http.Request) *apiError {
		called = true
		writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
		return nil
	})

	request := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	request.Header.Set("Authorization", "Bearer secret")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if !called {
		t.Fatal("expected handler to run")
	}
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestJSONErrorMiddlewareWritesErrorBody(t *testing.T) {
	handler := jsonErrorMiddleware(func(w http.ResponseWriter, r *http.Request) *apiError {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "watcher unavailable"}
	})

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", recorder.Code)
	}
	var response errorResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if response.Message != "watcher unavailable" || response.Code != "service_unavailable" {
		t.Fatalf("unexpected error body: %+v", response)
	}
}

func TestLoggingMiddlewareRecordsRequests(t *testing.T) {
	buffer := logging.NewLogBuffer(10)
	logger := logging.NewLoggerWithOutput(buffer, logging.LevelDebug, io.Discard)

	handler := loggingMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	entries := buffer.List()
	if len(entries) == 0 {
		t.Fatal("expected a log entry")
	}
	entry := entries[0]
	if entry.Context["path"] != "/healthz" || entry.Context["method"] != http.MethodGet {
		t.Fatalf("unexpected log context: %v", entry.Context)
	}
}
