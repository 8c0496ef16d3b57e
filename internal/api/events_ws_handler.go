package api

import (
	"context"
	"net/http"
	"time"

	"dirwatch/internal/logging"
	"dirwatch/internal/watcher"

	"github.com/gorilla/websocket"
)

// EventsWSHandler streams the same payloads as the SSE endpoint over a
// websocket, one JSON message per event.
type EventsWSHandler struct {
	Watcher        *watcher.Watcher
	Logger         *logging.Logger
	AuthToken      string
	AllowedOrigins []string
	Replay         int
}

func (h *EventsWSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !requireWSToken(w, r, h.AuthToken, h.Logger) {
		return
	}

	if h.Watcher == nil {
		writeWSError(w, r, nil, h.Logger, wsError{
			Status:  http.StatusServiceUnavailable,
			Message: "watcher unavailable",
		})
		return
	}

	params, err := parseStreamParams(r, h.Replay)
	if err != nil {
		writeWSError(w, r, nil, h.Logger, wsError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
		})
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	r = r.WithContext(ctx)

	stream := openEventStream(ctx, h.Watcher, params)
	defer stream.Close()

	conn, err := upgradeWebSocket(w, r, h.AllowedOrigins)
	if err != nil {
		logWSError(h.Logger, r, wsError{
			Status:  http.StatusBadRequest,
			Message: "websocket upgrade failed",
			Err:     err,
		})
		return
	}

	serveWSStream(r, wsStreamConfig{
		Conn:   conn,
		Output: stream.output,
		Logger: h.Logger,
		PreWrite: func(conn *websocket.Conn) error {
			return h.replayHistory(conn, params)
		},
	})
}

func (h *EventsWSHandler) replayHistory(conn *websocket.Conn, params streamParams) error {
	for _, notification := range h.Watcher.History(params.Replay) {
		if !params.allows(notification.Kind) {
			continue
		}
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
			return err
		}
		if err := conn.WriteJSON(buildChangePayload(notification, true)); err != nil {
			return err
		}
	}
	return nil
}
