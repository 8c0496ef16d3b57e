// Package change defines the notification model consumers see: the
// coalesced, debounced output of the watcher rather than raw backend
// events.
package change

import (
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	Created  Kind = "created"
	Modified Kind = "modified"
	Deleted  Kind = "deleted"
	Renamed  Kind = "renamed"
	// Rescan marks a subtree whose fine-grained history was lost, after
	// an overflow or a backend restart. Consumers should re-read it.
	Rescan Kind = "rescan"
)

const lineTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// ParseKind maps user-supplied text onto a known Kind.
func ParseKind(value string) (Kind, bool) {
	switch Kind(strings.ToLower(strings.TrimSpace(value))) {
	case Created:
		return Created, true
	case Modified:
		return Modified, true
	case Deleted:
		return Deleted, true
	case Renamed:
		return Renamed, true
	case Rescan:
		return Rescan, true
	default:
		return "", false
	}
}

// Notification is one observed change. From is set only for Renamed
// and holds the source path; Path then holds the destination. Rescan
// notifications carry the affected root in Path.
type Notification struct {
	Path       string    `json:"path"`
	Kind       Kind      `json:"kind"`
	From       string    `json:"from,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Type identifies the notification for bus metrics and type-filtered
// subscriptions.
func (n Notification) Type() string {
	return string(n.Kind)
}

func (n Notification) Timestamp() time.Time {
	return n.OccurredAt
}

// Line renders the single-line text form printed on stdout:
//
//	2026-01-11T12:34:56.789Z MODIFIED /path/to/file
//	2026-01-11T12:34:56.789Z RENAMED /old/path -> /new/path
func (n Notification) Line() string {
	timestamp := n.OccurredAt.Format(lineTimeLayout)
	if n.Kind == Renamed && n.From != "" {
		return fmt.Sprintf("%s RENAMED %s -> %s", timestamp, n.From, n.Path)
	}
	return fmt.Sprintf("%s %s %s", timestamp, strings.ToUpper(string(n.Kind)), n.Path)
}
