package watcher

import (
	"errors"
	"time"
)

// State is the facade lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (state State) String() string {
	switch state {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	// ErrNotIdle is returned by Start on a watcher that already ran.
	ErrNotIdle = errors.New("watcher already started")
	// ErrNotRunning guards operations only valid while Running.
	ErrNotRunning = errors.New("watcher is not running")
	// ErrInvalidPath marks a root that does not exist or is not a
	// directory at add time.
	ErrInvalidPath = errors.New("invalid watch path")
	// ErrNoRootsWatchable is fatal: not a single root could be watched,
	// at start or after exhausting backend restarts.
	ErrNoRootsWatchable = errors.New("no roots watchable")
)

// RootSpec names a directory to watch before it has a registry entry.
type RootSpec struct {
	Path      string
	Recursive bool
}

// Diagnostic kinds carried on the diagnostics bus.
const (
	DiagnosticRootFailed           = "root_failed"
	DiagnosticRootVanished         = "root_vanished"
	DiagnosticPermissionDenied     = "permission_denied"
	DiagnosticBackendError         = "backend_error"
	DiagnosticBackendRestarted     = "backend_restarted"
	DiagnosticRestartFailed        = "restart_failed"
	DiagnosticSubscriberDropped    = "subscriber_dropped"
	DiagnosticWatcherUnrecoverable = "watcher_unrecoverable"
)

// Diagnostic is a warning or lifecycle notice. Diagnostics travel on
// their own bus, never mixed into the notification stream.
type Diagnostic struct {
	Kind       string    `json:"kind"`
	Path       string    `json:"path,omitempty"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (d Diagnostic) Type() string {
	return d.Kind
}

func (d Diagnostic) Timestamp() time.Time {
	return d.OccurredAt
}

// Status is a point-in-time snapshot for health and status surfaces.
type Status struct {
	State           string      `json:"state"`
	Backend         string      `json:"backend"`
	Roots           []WatchRoot `json:"roots"`
	PendingPaths    int         `json:"pending_paths"`
	Subscribers     int         `json:"subscribers"`
	RestartAttempts int         `json:"restart_attempts"`
}
