package api

import (
	"context"
	"net/http"

	"dirwatch/internal/logging"
	"dirwatch/internal/watcher"
)

// EventsSSEHandler streams change notifications and diagnostics as
// server-sent events. History replay runs before the live stream, so a
// reconnecting client can ask for the notifications it missed; replayed
// payloads carry "replay": true and may overlap the live feed.
type EventsSSEHandler struct {
	Watcher   *watcher.Watcher
	Logger    *logging.Logger
	AuthToken string
	// Replay is the default history count when the request does not
	// pass ?replay=N.
	Replay int
}

func (h *EventsSSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !requireSSEToken(w, r, h.AuthToken, h.Logger) {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	r = r.WithContext(ctx)

	if h.Watcher == nil {
		writeSSEUnavailable(w, r, h.Logger, http.StatusServiceUnavailable, "watcher unavailable")
		return
	}

	params, err := parseStreamParams(r, h.Replay)
	if err != nil {
		writeSSEHTTPError(w, r, h.Logger, sseError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
		})
		return
	}

	stream := openEventStream(ctx, h.Watcher, params)
	defer stream.Close()

	writer, err := startSSEWriter(w)
	if err != nil {
		logSSEError(h.Logger, r, sseError{
			Status:  http.StatusInternalServerError,
			Message: "event stream unavailable",
			Err:     err,
		})
		return
	}

	if err := writer.WriteRetry(defaultSSERetryInterval); err != nil {
		return
	}

	for _, notification := range h.Watcher.History(params.Replay) {
		if !params.allows(notification.Kind) {
			continue
		}
		if err := writer.WriteEvent("", buildChangePayload(notification, true)); err != nil {
			return
		}
	}

	runSSEStream(r, writer, sseStreamConfig[any]{
		Logger:    h.Logger,
		Output:    stream.output,
		SkipRetry: true,
		BuildPayload: func(payload any) (any, bool) {
			return payload, payload != nil
		},
	})
}
