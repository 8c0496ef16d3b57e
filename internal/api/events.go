package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"dirwatch/internal/change"
	"dirwatch/internal/watcher"
)

const streamPayloadTypeChange = "change"
const streamPayloadTypeDiagnostic = "diagnostic"

type changePayload struct {
	Type       string    `json:"type"`
	Path       string    `json:"path"`
	Kind       string    `json:"kind"`
	From       string    `json:"from,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Replay     bool      `json:"replay,omitempty"`
}

type diagnosticPayload struct {
	Type       string    `json:"type"`
	Kind       string    `json:"kind"`
	Path       string    `json:"path,omitempty"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

func buildChangePayload(notification change.Notification, replay bool) changePayload {
	payload := changePayload{
		Type:       streamPayloadTypeChange,
		Path:       notification.Path,
		Kind:       string(notification.Kind),
		From:       notification.From,
		OccurredAt: notification.OccurredAt,
		Replay:     replay,
	}
	if payload.OccurredAt.IsZero() {
		payload.OccurredAt = time.Now().UTC()
	}
	return payload
}

func buildDiagnosticPayload(diagnostic watcher.Diagnostic) diagnosticPayload {
	payload := diagnosticPayload{
		Type:       streamPayloadTypeDiagnostic,
		Kind:       diagnostic.Kind,
		Path:       diagnostic.Path,
		Message:    diagnostic.Message,
		OccurredAt: diagnostic.OccurredAt,
	}
	if payload.OccurredAt.IsZero() {
		payload.OccurredAt = time.Now().UTC()
	}
	return payload
}

// streamParams are the query knobs shared by the SSE and websocket
// endpoints: ?kinds=created,deleted narrows change notifications,
// ?diagnostics=false drops the diagnostic feed, ?replay=N asks for up
// to N historical notifications before the live stream.
type streamParams struct {
	Kinds       []change.Kind
	Diagnostics bool
	Replay      int
}

func parseStreamParams(r *http.Request, defaultReplay int) (streamParams, error) {
	params := streamParams{Diagnostics: true, Replay: defaultReplay}
	query := r.URL.Query()

	for _, value := range query["kinds"] {
		for _, entry := range strings.Split(value, ",") {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			kind, ok := change.ParseKind(entry)
			if !ok {
				return streamParams{}, fmt.Errorf("unknown kind %q", entry)
			}
			params.Kinds = append(params.Kinds, kind)
		}
	}

	if raw := query.Get("diagnostics"); raw != "" {
		include, err := strconv.ParseBool(raw)
		if err != nil {
			return streamParams{}, fmt.Errorf("invalid diagnostics value %q", raw)
		}
		params.Diagnostics = include
	}

	if raw := query.Get("replay"); raw != "" {
		count, err := strconv.Atoi(raw)
		if err != nil || count < 0 {
			return streamParams{}, fmt.Errorf("invalid replay count %q", raw)
		}
		params.Replay = count
	}

	return params, nil
}

func (params streamParams) allows(kind change.Kind) bool {
	if len(params.Kinds) == 0 {
		return true
	}
	for _, allowed := range params.Kinds {
		if allowed == kind {
			return true
		}
	}
	return false
}

// eventStream bundles the live subscriptions an events endpoint
// consumes. Both feeds funnel into a single output channel so one
// writer loop serves the connection.
type eventStream struct {
	output chan any
	group  sync.WaitGroup
	cancel context.CancelFunc
}

// openEventStream subscribes before any history snapshot is taken, so
// a notification published while the handler replays is queued rather
// than lost. Subscriptions on a stopped watcher arrive closed and end
// the stream immediately.
func openEventStream(ctx context.Context, w *watcher.Watcher, params streamParams) *eventStream {
	notifications, cancelNotifications := w.SubscribeKinds(params.Kinds...)

	var diagnostics <-chan watcher.Diagnostic
	var cancelDiagnostics func()
	if params.Diagnostics {
		diagnostics, cancelDiagnostics = w.Diagnostics()
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream := &eventStream{
		output: make(chan any, 64),
		cancel: cancel,
	}

	forwardStream(streamCtx, &stream.group, stream.output, notifications, cancelNotifications, func(notification change.Notification) any {
		return buildChangePayload(notification, false)
	})
	if diagnostics != nil {
		forwardStream(streamCtx, &stream.group, stream.output, diagnostics, cancelDiagnostics, func(diagnostic watcher.Diagnostic) any {
			return buildDiagnosticPayload(diagnostic)
		})
	}

	go func() {
		stream.group.Wait()
		close(stream.output)
	}()

	return stream
}

func (stream *eventStream) Close() {
	stream.cancel()
	stream.group.Wait()
}

func forwardStream[T any](ctx context.Context, group *sync.WaitGroup, output chan<- any, input <-chan T, cancel func(), build func(T) any) {
	group.Add(1)
	go func() {
		defer group.Done()
		if cancel != nil {
			defer cancel()
		}
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-input:
				if !ok {
					return
				}
				select {
				case <-ctx.Done():
					return
				case output <- build(event):
				}
			}
		}
	}()
}
