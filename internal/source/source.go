// Package source abstracts the raw change-event backends. A Source
// turns kernel notifications or directory polling into one neutral
// event stream; coalescing and delivery policy live above it.
package source

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"dirwatch/internal/logging"
	"dirwatch/internal/metrics"
)

type Op uint8

const (
	OpCreate Op = iota
	OpModify
	OpDelete
	// OpRenameFrom and OpRenameTo are the two halves of a rename. A
	// backend that can correlate them stamps both with the same cookie;
	// a backend that cannot emits OpRenameFrom alone with cookie zero.
	OpRenameFrom
	OpRenameTo
)

func (op Op) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	case OpRenameFrom:
		return "rename_from"
	case OpRenameTo:
		return "rename_to"
	default:
		return "unknown"
	}
}

// Event is one raw backend observation, before any debouncing.
type Event struct {
	Path   string
	Op     Op
	Cookie uint64
	Time   time.Time
}

// Root is a directory subscription handed to a backend. Paths are
// normalized by the caller.
type Root struct {
	Path      string
	Recursive bool
}

// Source is the backend contract. Start begins delivery; after Stop
// returns no further events or errors are delivered and both channels
// are closed. AddRoot and RemoveRoot may be called while running.
type Source interface {
	Start(roots []Root) error
	AddRoot(root Root) error
	RemoveRoot(path string) error
	Events() <-chan Event
	Errors() <-chan error
	Stop() error
}

// Options configures backend construction.
type Options struct {
	Logger  *logging.Logger
	Metrics *metrics.Registry
	// MaxWatches caps watched directories for the kernel backend.
	MaxWatches int
	// PollInterval is the scan period for the polling backend.
	PollInterval time.Duration
}

const (
	BackendAuto     = "auto"
	BackendFSNotify = "fsnotify"
	BackendPoll     = "poll"
)

var ErrAlreadyStarted = errors.New("source already started")

// New constructs the backend selected by name. Auto prefers the kernel
// backend and falls back to polling when the kernel watcher cannot be
// created (inotify instance limits, unsupported filesystems).
func New(backend string, options Options) (Source, error) {
	switch backend {
	case BackendFSNotify:
		return NewNotifier(options)
	case BackendPoll:
		return NewPoller(options), nil
	case "", BackendAuto:
		notifier, err := NewNotifier(options)
		if err == nil {
			return notifier, nil
		}
		if options.Logger != nil {
			options.Logger.Warn("kernel watcher unavailable, falling back to polling", map[string]string{
				"error": err.Error(),
			})
		}
		return NewPoller(options), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

var renameCookie atomic.Uint64

func nextCookie() uint64 {
	return renameCookie.Add(1)
}
