package api

import (
	"context"
	"net/http"

	"dirwatch/internal/logging"
)

const logReplayCount = 100

// LogsSSEHandler streams the process log as server-sent events,
// replaying the tail of the log buffer before going live. ?level=
// raises the minimum level.
type LogsSSEHandler struct {
	Logger    *logging.Logger
	AuthToken string
}

func (h *LogsSSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !requireSSEToken(w, r, h.AuthToken, h.Logger) {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	r = r.WithContext(ctx)

	filterLevel := logging.Level("")
	if rawLevel := r.URL.Query().Get("level"); rawLevel != "" {
		level, ok := logging.ParseLevel(rawLevel)
		if !ok {
			writeSSEHTTPError(w, r, h.Logger, sseError{
				Status:  http.StatusBadRequest,
				Message: "unknown log level",
			})
			return
		}
		filterLevel = level
	}

	output, cancelSubscription := h.Logger.Subscribe()
	if output == nil {
		writeSSEUnavailable(w, r, h.Logger, http.StatusServiceUnavailable, "log stream unavailable")
		return
	}
	defer cancelSubscription()

	writer, err := startSSEWriter(w)
	if err != nil {
		logSSEError(h.Logger, r, sseError{
			Status:  http.StatusInternalServerError,
			Message: "log stream unavailable",
			Err:     err,
		})
		return
	}

	if err := writer.WriteRetry(defaultSSERetryInterval); err != nil {
		return
	}

	if buffer := h.Logger.Buffer(); buffer != nil {
		for _, entry := range buffer.Last(logReplayCount) {
			if !logging.LevelAtLeast(entry.Level, filterLevel) {
				continue
			}
			if err := writer.WriteEvent("", entry); err != nil {
				return
			}
		}
	}

	runSSEStream(r, writer, sseStreamConfig[logging.LogEntry]{
		Logger:    h.Logger,
		Output:    output,
		SkipRetry: true,
		BuildPayload: func(entry logging.LogEntry) (any, bool) {
			if !logging.LevelAtLeast(entry.Level, filterLevel) {
				return nil, false
			}
			return entry, true
		},
	})
}
